package collector

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/events"
)

type fakeSink struct {
	mu      sync.Mutex
	batches [][]byte
	counts  []int
}

func (f *fakeSink) Enqueue(payload []byte, eventCount int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, payload)
	f.counts = append(f.counts, eventCount)
}

func (f *fakeSink) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches)
}

func sampleEvent() events.ProfileEvent {
	return events.ProfileEvent{Type: events.EventTypeSyscall, Syscall: &events.SyscallEvent{SyscallId: 1}}
}

func TestCollectorSealsOnOverflow(t *testing.T) {
	sink := &fakeSink{}
	c := New(zap.NewNop().Sugar(), "a1", sink, time.Hour)
	for i := 0; i < events.MaxBatchEvents; i++ {
		c.Add(sampleEvent())
	}
	require.Equal(t, 1, sink.len())
	require.Equal(t, events.MaxBatchEvents, sink.counts[0])
	require.Equal(t, 0, c.PendingLen())
}

func TestCollectorSealsOnTick(t *testing.T) {
	sink := &fakeSink{}
	c := New(zap.NewNop().Sugar(), "a1", sink, 10*time.Millisecond)
	c.Add(sampleEvent())
	go c.Run()
	require.Eventually(t, func() bool { return sink.len() >= 1 }, time.Second, 5*time.Millisecond)
	c.Stop()

	raw := sink.batches[0]
	b, err := events.Decode(raw)
	require.NoError(t, err)
	require.Len(t, b.Events, 1)
	require.Equal(t, uint64(1), b.Sequence)
}

func TestCollectorSkipsEmptySeal(t *testing.T) {
	sink := &fakeSink{}
	c := New(zap.NewNop().Sugar(), "a1", sink, 5*time.Millisecond)
	go c.Run()
	time.Sleep(30 * time.Millisecond)
	c.Stop()
	require.Equal(t, 0, sink.len())
}
