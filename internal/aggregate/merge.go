// Package aggregate implements the merge/diff engine of spec.md §4.J:
// decode batches, merge per event class, filter by type, sort, and
// truncate to a limit.
package aggregate

import (
	"sort"

	"github.com/hamzzy/aperture/internal/events"
)

// Source yields raw, still-encoded batch payloads for a query; the
// aggregator wires this to either the ring or the durable store
// depending on source selection (spec.md §4.J.1).
type Source interface {
	Payloads() [][]byte
}

// SliceSource adapts a plain slice of payloads to Source.
type SliceSource [][]byte

func (s SliceSource) Payloads() [][]byte { return s }

// Result holds the three possibly-populated profiles plus the
// skipped-batch count from decode failures (spec.md §4.J.2).
type Result struct {
	Cpu            *events.CpuProfile
	Lock           *events.LockProfile
	Syscall        *events.SyscallProfile
	SkippedBatches int
}

// Options configures one Aggregate/Diff invocation.
type Options struct {
	EventType      events.EventType // zero means "all classes"
	Limit          int
	SamplePeriodNs uint64 // fallback when no batch carries a better signal
	SyscallNames   func(id uint32) string
}

// Merge decodes every payload from src, groups events by class per
// §4.J.3, and returns populated profiles filtered by opts.EventType
// and truncated to opts.Limit.
func Merge(src Source, opts Options) Result {
	cpuAcc := newCpuAccumulator()
	lockAcc := newLockAccumulator()
	sysAcc := newSyscallAccumulator(opts.SyscallNames)

	var res Result
	var minTs, maxTs int64
	first := true

	for _, raw := range src.Payloads() {
		b, err := events.Decode(raw)
		if err != nil {
			res.SkippedBatches++
			continue
		}
		for _, ev := range b.Events {
			ts := eventTs(ev)
			if first {
				minTs, maxTs = ts, ts
				first = false
			} else {
				if ts < minTs {
					minTs = ts
				}
				if ts > maxTs {
					maxTs = ts
				}
			}
			if opts.EventType != 0 && opts.EventType != ev.Type {
				continue
			}
			switch ev.Type {
			case events.EventTypeCpu:
				cpuAcc.add(ev)
			case events.EventTypeLock:
				lockAcc.add(ev)
			case events.EventTypeSyscall:
				sysAcc.add(ev)
			}
		}
	}

	wantCpu := opts.EventType == 0 || opts.EventType == events.EventTypeCpu
	wantLock := opts.EventType == 0 || opts.EventType == events.EventTypeLock
	wantSys := opts.EventType == 0 || opts.EventType == events.EventTypeSyscall

	if wantCpu {
		res.Cpu = cpuAcc.finish(minTs, maxTs, opts.SamplePeriodNs, opts.Limit)
	}
	if wantLock {
		res.Lock = lockAcc.finish(minTs, maxTs, opts.Limit)
	}
	if wantSys {
		res.Syscall = sysAcc.finish(minTs, maxTs, opts.Limit)
	}
	return res
}

func eventTs(ev events.ProfileEvent) int64 {
	switch ev.Type {
	case events.EventTypeCpu:
		return ev.Cpu.Ts
	case events.EventTypeLock:
		return ev.Lock.Ts
	case events.EventTypeSyscall:
		return ev.Syscall.Ts
	}
	return 0
}

// --- CPU ---------------------------------------------------------------

type cpuAccumulator struct {
	counts map[string]*events.CpuStackCount
	deltas map[int64]int // inter-sample delta histogram, for period inference
	lastTs map[string]int64
}

func newCpuAccumulator() *cpuAccumulator {
	return &cpuAccumulator{
		counts: make(map[string]*events.CpuStackCount),
		deltas: make(map[int64]int),
		lastTs: make(map[string]int64),
	}
}

func (a *cpuAccumulator) add(ev events.ProfileEvent) {
	key := ev.Stack.FrameVectorKey()
	c, ok := a.counts[key]
	if !ok {
		c = &events.CpuStackCount{Stack: ev.Stack}
		a.counts[key] = c
	}
	c.Count++

	if last, ok := a.lastTs[key]; ok {
		if delta := ev.Cpu.Ts - last; delta > 0 {
			a.deltas[delta]++
		}
	}
	a.lastTs[key] = ev.Cpu.Ts
}

func (a *cpuAccumulator) finish(minTs, maxTs int64, fallbackPeriod uint64, limit int) *events.CpuProfile {
	p := &events.CpuProfile{StartTs: minTs, EndTs: maxTs, SamplePeriodNs: fallbackPeriod}
	for _, c := range a.counts {
		p.Stacks = append(p.Stacks, *c)
		p.TotalSamples += c.Count
	}
	sort.Slice(p.Stacks, func(i, j int) bool {
		if p.Stacks[i].Count != p.Stacks[j].Count {
			return p.Stacks[i].Count > p.Stacks[j].Count
		}
		return leafSymbol(p.Stacks[i].Stack) < leafSymbol(p.Stacks[j].Stack)
	})
	if dominant, ok := dominantDelta(a.deltas); ok {
		p.SamplePeriodNs = uint64(dominant)
	}
	if limit > 0 && len(p.Stacks) > limit {
		p.Stacks = p.Stacks[:limit]
	}
	return p
}

func dominantDelta(deltas map[int64]int) (int64, bool) {
	var best int64
	bestCount := 0
	for d, c := range deltas {
		if c > bestCount {
			best, bestCount = d, c
		}
	}
	return best, bestCount > 0
}

func leafSymbol(s events.Stack) string {
	if len(s) == 0 {
		return ""
	}
	return s[0].Symbol()
}

// --- Lock ---------------------------------------------------------------

type lockKey struct {
	addr uint64
	fv   string
}

type lockAccumulator struct {
	m map[lockKey]*events.LockContention
}

func newLockAccumulator() *lockAccumulator {
	return &lockAccumulator{m: make(map[lockKey]*events.LockContention)}
}

func (a *lockAccumulator) add(ev events.ProfileEvent) {
	key := lockKey{addr: ev.Lock.LockAddr, fv: ev.Stack.FrameVectorKey()}
	c, ok := a.m[key]
	if !ok {
		c = &events.LockContention{LockAddr: ev.Lock.LockAddr, Stack: ev.Stack, MinWaitNs: ev.Lock.WaitNs}
		a.m[key] = c
	}
	c.Count++
	c.TotalWaitNs += ev.Lock.WaitNs
	if ev.Lock.WaitNs > c.MaxWaitNs {
		c.MaxWaitNs = ev.Lock.WaitNs
	}
	if ev.Lock.WaitNs < c.MinWaitNs {
		c.MinWaitNs = ev.Lock.WaitNs
	}
}

func (a *lockAccumulator) finish(minTs, maxTs int64, limit int) *events.LockProfile {
	p := &events.LockProfile{StartTs: minTs, EndTs: maxTs}
	for _, c := range a.m {
		p.Contentions = append(p.Contentions, *c)
		p.TotalEvents += c.Count
	}
	sort.Slice(p.Contentions, func(i, j int) bool {
		if p.Contentions[i].TotalWaitNs != p.Contentions[j].TotalWaitNs {
			return p.Contentions[i].TotalWaitNs > p.Contentions[j].TotalWaitNs
		}
		return leafSymbol(p.Contentions[i].Stack) < leafSymbol(p.Contentions[j].Stack)
	})
	if limit > 0 && len(p.Contentions) > limit {
		p.Contentions = p.Contentions[:limit]
	}
	return p
}

// --- Syscall -------------------------------------------------------------

type syscallAccumulator struct {
	m     map[uint32]*events.SyscallStats
	names func(uint32) string
}

func newSyscallAccumulator(names func(uint32) string) *syscallAccumulator {
	if names == nil {
		names = func(id uint32) string { return "" }
	}
	return &syscallAccumulator{m: make(map[uint32]*events.SyscallStats), names: names}
}

func (a *syscallAccumulator) add(ev events.ProfileEvent) {
	s, ok := a.m[ev.Syscall.SyscallId]
	if !ok {
		s = &events.SyscallStats{Id: ev.Syscall.SyscallId, Name: a.names(ev.Syscall.SyscallId), MinNs: ev.Syscall.DurationNs}
		a.m[ev.Syscall.SyscallId] = s
	}
	s.Count++
	s.TotalNs += ev.Syscall.DurationNs
	if ev.Syscall.DurationNs > s.MaxNs {
		s.MaxNs = ev.Syscall.DurationNs
	}
	if ev.Syscall.DurationNs < s.MinNs {
		s.MinNs = ev.Syscall.DurationNs
	}
	if ev.Syscall.IsError() {
		s.ErrorCount++
	}
	s.Histogram[events.DurationBucket(ev.Syscall.DurationNs)]++
}

func (a *syscallAccumulator) finish(minTs, maxTs int64, limit int) *events.SyscallProfile {
	p := &events.SyscallProfile{StartTs: minTs, EndTs: maxTs, PerSyscall: make(map[uint32]*events.SyscallStats)}
	ordered := make([]*events.SyscallStats, 0, len(a.m))
	for _, s := range a.m {
		ordered = append(ordered, s)
		p.TotalEvents += s.Count
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].Count != ordered[j].Count {
			return ordered[i].Count > ordered[j].Count
		}
		return ordered[i].Name < ordered[j].Name
	})
	if limit > 0 && len(ordered) > limit {
		ordered = ordered[:limit]
	}
	for _, s := range ordered {
		p.PerSyscall[s.Id] = s
	}
	return p
}
