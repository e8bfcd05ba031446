package events

import "math/bits"

// HistogramBuckets is the fixed width of a SyscallStats duration histogram.
const HistogramBuckets = 30

// DurationBucket returns floor(log2(d)) clamped to [0, HistogramBuckets-1],
// matching the histogram bucket law of spec.md §8.5. d == 0 is treated as
// bucket 0 (log2 undefined below 1ns).
func DurationBucket(d uint64) int {
	if d < 2 {
		return 0
	}
	b := bits.Len64(d) - 1 // floor(log2(d)) for d >= 1
	if b >= HistogramBuckets {
		return HistogramBuckets - 1
	}
	return b
}

// CpuProfile is the merged output for CPU-stack samples.
type CpuProfile struct {
	StartTs        int64
	EndTs          int64
	TotalSamples   uint64
	SamplePeriodNs uint64
	Stacks         []CpuStackCount
}

type CpuStackCount struct {
	Stack Stack
	Count uint64
}

// LockProfile is the merged output for futex wait events.
type LockProfile struct {
	StartTs     int64
	EndTs       int64
	TotalEvents uint64
	Contentions []LockContention
}

type LockContention struct {
	LockAddr  uint64
	Stack     Stack
	Count     uint64
	TotalWaitNs uint64
	MaxWaitNs   uint64
	MinWaitNs   uint64
}

// SyscallProfile is the merged output for syscall latency events.
type SyscallProfile struct {
	StartTs     int64
	EndTs       int64
	TotalEvents uint64
	PerSyscall  map[uint32]*SyscallStats
}

type SyscallStats struct {
	Id         uint32
	Name       string
	Count      uint64
	TotalNs    uint64
	MinNs      uint64
	MaxNs      uint64
	ErrorCount uint64
	Histogram  [HistogramBuckets]uint64
}
