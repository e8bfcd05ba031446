package aggregate

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hamzzy/aperture/internal/events"
)

func cpuBatch(agentId string, seq uint64, stacks ...struct {
	Stack events.Stack
	N     int
}) []byte {
	b := &events.Batch{Version: events.BatchVersion, AgentId: agentId, Sequence: seq}
	for _, s := range stacks {
		for i := 0; i < s.N; i++ {
			b.Events = append(b.Events, events.ProfileEvent{
				Type:  events.EventTypeCpu,
				Cpu:   &events.CpuSample{Ts: int64(len(b.Events) + 1), UserStackId: 1},
				Stack: s.Stack,
			})
		}
	}
	raw, _ := events.Encode(b)
	return raw
}

func stackX() events.Stack { return events.Stack{{Function: "X"}} }
func stackY() events.Stack { return events.Stack{{Function: "Y"}} }

// TestScenarioS1SingleAgentRoundTrip matches spec.md scenario S1.
func TestScenarioS1SingleAgentRoundTrip(t *testing.T) {
	payloads := [][]byte{
		cpuBatch("A1", 1, struct {
			Stack events.Stack
			N     int
		}{stackX(), 10}),
		cpuBatch("A1", 2, struct {
			Stack events.Stack
			N     int
		}{stackY(), 5}),
		cpuBatch("A1", 3, struct {
			Stack events.Stack
			N     int
		}{stackX(), 3}),
	}
	res := Merge(SliceSource(payloads), Options{EventType: events.EventTypeCpu, Limit: 10})
	require.NotNil(t, res.Cpu)
	require.Equal(t, uint64(18), res.Cpu.TotalSamples)
	require.Len(t, res.Cpu.Stacks, 2)
	require.Equal(t, uint64(13), res.Cpu.Stacks[0].Count)
	require.Equal(t, uint64(5), res.Cpu.Stacks[1].Count)
}

// TestAggregationAdditivity is testable property #4.
func TestAggregationAdditivity(t *testing.T) {
	all := [][]byte{
		cpuBatch("A1", 1, struct {
			Stack events.Stack
			N     int
		}{stackX(), 10}),
		cpuBatch("A1", 2, struct {
			Stack events.Stack
			N     int
		}{stackY(), 5}),
		cpuBatch("A1", 3, struct {
			Stack events.Stack
			N     int
		}{stackX(), 3}),
	}
	whole := Merge(SliceSource(all), Options{EventType: events.EventTypeCpu})

	groupA := Merge(SliceSource(all[:1]), Options{EventType: events.EventTypeCpu})
	groupB := Merge(SliceSource(all[1:]), Options{EventType: events.EventTypeCpu})

	combined := combineCpu(groupA.Cpu, groupB.Cpu)
	require.Equal(t, whole.Cpu.TotalSamples, combined.TotalSamples)
	require.Equal(t, countsByStack(whole.Cpu), countsByStack(combined))
}

func combineCpu(a, b *events.CpuProfile) *events.CpuProfile {
	out := &events.CpuProfile{}
	counts := map[string]*events.CpuStackCount{}
	for _, p := range []*events.CpuProfile{a, b} {
		if p == nil {
			continue
		}
		out.TotalSamples += p.TotalSamples
		for _, s := range p.Stacks {
			k := s.Stack.FrameVectorKey()
			if c, ok := counts[k]; ok {
				c.Count += s.Count
			} else {
				cp := s
				counts[k] = &cp
			}
		}
	}
	for _, c := range counts {
		out.Stacks = append(out.Stacks, *c)
	}
	return out
}

func countsByStack(p *events.CpuProfile) map[string]uint64 {
	m := make(map[string]uint64)
	for _, s := range p.Stacks {
		m[s.Stack.FrameVectorKey()] += s.Count
	}
	return m
}

// TestDiffScenarioS5 matches spec.md scenario S5.
func TestDiffScenarioS5(t *testing.T) {
	baseline := cpuBatch("A1", 1, struct {
		Stack events.Stack
		N     int
	}{stackX(), 10})
	comparison := [][]byte{
		cpuBatch("A1", 1, struct {
			Stack events.Stack
			N     int
		}{stackX(), 15}),
		cpuBatch("A1", 2, struct {
			Stack events.Stack
			N     int
		}{stackY(), 4}),
	}
	d := Diff(SliceSource{baseline}, SliceSource(comparison), Options{EventType: events.EventTypeCpu, Limit: 10})
	require.Len(t, d.Stacks, 2)
	require.Equal(t, "X", d.Stacks[0].Stack[0].Function)
	require.Equal(t, int64(5), d.Stacks[0].Delta)
	require.InDelta(t, 50.0, d.Stacks[0].DeltaPct, 0.001)
	require.Equal(t, "Y", d.Stacks[1].Stack[0].Function)
	require.Equal(t, int64(4), d.Stacks[1].Delta)
	require.InDelta(t, 400.0, d.Stacks[1].DeltaPct, 0.001)
}

// TestDiffAntisymmetry is testable property #10.
func TestDiffAntisymmetry(t *testing.T) {
	baseline := cpuBatch("A1", 1, struct {
		Stack events.Stack
		N     int
	}{stackX(), 10})
	comparison := cpuBatch("A1", 1, struct {
		Stack events.Stack
		N     int
	}{stackX(), 15})

	fwd := Diff(SliceSource{baseline}, SliceSource{comparison}, Options{EventType: events.EventTypeCpu})
	rev := Diff(SliceSource{comparison}, SliceSource{baseline}, Options{EventType: events.EventTypeCpu})

	require.Equal(t, fwd.Negate().Stacks, rev.Stacks)
}

func TestSyscallHistogramScenarioS4(t *testing.T) {
	b := &events.Batch{Version: events.BatchVersion, AgentId: "a1", Sequence: 1}
	for _, d := range []uint64{1, 1024, 1_048_575, 1_048_576} {
		b.Events = append(b.Events, events.ProfileEvent{
			Type:    events.EventTypeSyscall,
			Syscall: &events.SyscallEvent{SyscallId: 1, DurationNs: d},
		})
	}
	raw, err := events.Encode(b)
	require.NoError(t, err)

	res := Merge(SliceSource{raw}, Options{EventType: events.EventTypeSyscall})
	stats := res.Syscall.PerSyscall[1]
	require.Equal(t, uint64(1), stats.Histogram[0])
	require.Equal(t, uint64(1), stats.Histogram[10])
	require.Equal(t, uint64(1), stats.Histogram[19])
	require.Equal(t, uint64(1), stats.Histogram[20])
}

func TestMergeCountsSkippedBatches(t *testing.T) {
	res := Merge(SliceSource{[]byte("garbage")}, Options{})
	require.Equal(t, 1, res.SkippedBatches)
}
