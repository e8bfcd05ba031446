package aggregate

import (
	"math"
	"sort"

	"github.com/hamzzy/aperture/internal/events"
)

// StackDiff is one row of a Diff result, keyed by frame-vector equality.
type StackDiff struct {
	Stack            events.Stack
	BaselineCount    uint64
	ComparisonCount  uint64
	Delta            int64
	DeltaPct         float64
}

// DiffResult holds the outer-joined stacks for CPU, or the analogous
// rows for lock/syscall classes, sorted by |delta| descending.
type DiffResult struct {
	Stacks []StackDiff
}

// Diff aggregates baseline and comparison independently for the given
// class and outer-joins by frame-vector equality, per spec.md §4.J
// "Diff". Only the CPU/lock/syscall counts are compared; for lock and
// syscall the "stack" dimension used for the join is the contention's
// or, for syscalls, a synthetic one-frame stack carrying the syscall
// name, keeping a single join implementation for all three classes.
func Diff(baseline, comparison Source, opts Options) DiffResult {
	baseRes := Merge(baseline, Options{EventType: opts.EventType, SyscallNames: opts.SyscallNames})
	compRes := Merge(comparison, Options{EventType: opts.EventType, SyscallNames: opts.SyscallNames})

	baseCounts := countsByKey(baseRes, opts.EventType)
	compCounts := countsByKey(compRes, opts.EventType)

	keys := make(map[string]events.Stack)
	for k, e := range baseCounts {
		keys[k] = e.stack
	}
	for k, e := range compCounts {
		keys[k] = e.stack
	}

	var rows []StackDiff
	for k, stack := range keys {
		b := baseCounts[k].count
		c := compCounts[k].count
		delta := int64(c) - int64(b)
		denom := b
		if denom == 0 {
			denom = 1
		}
		rows = append(rows, StackDiff{
			Stack:           stack,
			BaselineCount:   b,
			ComparisonCount: c,
			Delta:           delta,
			DeltaPct:        float64(delta) / float64(denom) * 100,
		})
	}

	sort.Slice(rows, func(i, j int) bool {
		ai, aj := absInt64(rows[i].Delta), absInt64(rows[j].Delta)
		if ai != aj {
			return ai > aj
		}
		return leafSymbol(rows[i].Stack) < leafSymbol(rows[j].Stack)
	})
	if opts.Limit > 0 && len(rows) > opts.Limit {
		rows = rows[:opts.Limit]
	}
	return DiffResult{Stacks: rows}
}

// Negate flips baseline/comparison and recomputes delta/delta_pct,
// used to check antisymmetry (testable property #10).
func (d DiffResult) Negate() DiffResult {
	out := DiffResult{Stacks: make([]StackDiff, len(d.Stacks))}
	for i, r := range d.Stacks {
		delta := -r.Delta
		denom := r.ComparisonCount
		if denom == 0 {
			denom = 1
		}
		out.Stacks[i] = StackDiff{
			Stack:           r.Stack,
			BaselineCount:   r.ComparisonCount,
			ComparisonCount: r.BaselineCount,
			Delta:           delta,
			DeltaPct:        float64(delta) / float64(denom) * 100,
		}
	}
	return out
}

type keyedCount struct {
	stack events.Stack
	count uint64
}

func countsByKey(r Result, t events.EventType) map[string]keyedCount {
	out := make(map[string]keyedCount)
	switch {
	case t == events.EventTypeLock && r.Lock != nil:
		for _, c := range r.Lock.Contentions {
			out[c.Stack.FrameVectorKey()] = keyedCount{stack: c.Stack, count: c.Count}
		}
	case t == events.EventTypeSyscall && r.Syscall != nil:
		for _, s := range r.Syscall.PerSyscall {
			stack := events.Stack{{Function: s.Name}}
			out[stack.FrameVectorKey()] = keyedCount{stack: stack, count: s.Count}
		}
	default:
		if r.Cpu != nil {
			for _, c := range r.Cpu.Stacks {
				out[c.Stack.FrameVectorKey()] = keyedCount{stack: c.Stack, count: c.Count}
			}
		}
	}
	return out
}

func absInt64(v int64) int64 {
	return int64(math.Abs(float64(v)))
}
