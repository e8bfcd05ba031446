package reader

import (
	"github.com/cilium/ebpf"
)

// maxStackDepth mirrors PERF_MAX_STACK_DEPTH, the fixed value-size
// every BPF_MAP_TYPE_STACK_TRACE entry carries.
const maxStackDepth = 127

// CiliumStackTraces adapts a real github.com/cilium/ebpf BPF_MAP_TYPE_STACK_TRACE
// map to StackTraces: each entry is a fixed [127]uint64 array of
// instruction pointers, leaf first, zero-padded.
type CiliumStackTraces struct {
	m *ebpf.Map
}

// NewCiliumStackTraces wraps m, which must have been loaded with
// map type BPF_MAP_TYPE_STACK_TRACE.
func NewCiliumStackTraces(m *ebpf.Map) *CiliumStackTraces {
	return &CiliumStackTraces{m: m}
}

// Lookup implements StackTraces. A negative stackID or a missing entry
// (the stack was evicted or never recorded) reports ok=false so the
// caller falls back to an empty stack rather than erroring.
func (s *CiliumStackTraces) Lookup(stackID int64) ([]uint64, bool) {
	if stackID < 0 {
		return nil, false
	}
	var raw [maxStackDepth]uint64
	key := uint32(stackID)
	if err := s.m.Lookup(&key, &raw); err != nil {
		return nil, false
	}
	ips := make([]uint64, 0, maxStackDepth)
	for _, ip := range raw {
		if ip == 0 {
			break
		}
		ips = append(ips, ip)
	}
	return ips, true
}
