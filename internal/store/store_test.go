package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/events"
	"github.com/hamzzy/aperture/internal/ring"
)

type fakeWriter struct {
	mu   sync.Mutex
	rows []Row
	fail int // number of InsertBatch calls to fail before succeeding
}

func (f *fakeWriter) InsertBatch(ctx context.Context, rows []Row) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail > 0 {
		f.fail--
		return context.DeadlineExceeded
	}
	f.rows = append(f.rows, rows...)
	return nil
}

func (f *fakeWriter) Query(ctx context.Context, startNs, endNs int64, agentId string, limit int) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Row(nil), f.rows...), nil
}

func (f *fakeWriter) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

func encodeTestBatch(t *testing.T, n int) []byte {
	t.Helper()
	b := &events.Batch{Version: events.BatchVersion, AgentId: "a1", Sequence: 1}
	for i := 0; i < n; i++ {
		b.Events = append(b.Events, events.ProfileEvent{Type: events.EventTypeSyscall, Syscall: &events.SyscallEvent{SyscallId: 1}})
	}
	raw, err := events.Encode(b)
	require.NoError(t, err)
	return raw
}

// TestDurableConsistency is testable property #9: each successful
// flush increments rows by exactly the batch size and the row decodes
// back to the pushed batch.
func TestDurableConsistency(t *testing.T) {
	w := &fakeWriter{}
	f := NewFlusher(zap.NewNop().Sugar(), w, 100)

	r := ring.New(10, true, 10)
	payload := encodeTestBatch(t, 5)
	require.NoError(t, r.Push(ring.StoredPayload{AgentId: "a1", Sequence: 1, Payload: payload, EventCount: 5}))

	ctx, cancel := context.WithCancel(context.Background())
	go f.ConsumeRing(ctx, r)
	go f.Run(ctx)

	require.Eventually(t, func() bool { return w.count() == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	require.Len(t, w.rows, 1)
	decoded, err := events.Decode(w.rows[0].Payload)
	require.NoError(t, err)
	require.Len(t, decoded.Events, 5)

	_, _, rowsTotal := f.Stats()
	require.Equal(t, uint64(1), rowsTotal)
}

func TestFlusherRetriesTransientFailure(t *testing.T) {
	w := &fakeWriter{fail: 2}
	f := NewFlusher(zap.NewNop().Sugar(), w, 100)
	f.pending <- Row{AgentId: "a1", Payload: []byte("x")}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.Run(ctx)

	require.Eventually(t, func() bool { return w.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	ok, errs, _ := f.Stats()
	require.Equal(t, uint64(1), ok)
	require.Equal(t, uint64(2), errs)
}

func TestFlusherDisabledStaysRingOnly(t *testing.T) {
	f := NewFlusher(zap.NewNop().Sugar(), nil, 10)
	require.False(t, f.Enabled())

	r := ring.New(5, true, 5)
	require.NoError(t, r.Push(ring.StoredPayload{AgentId: "a1", Sequence: 1}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go f.ConsumeRing(ctx, r)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, 0, f.PendingLen())
}

func TestFlusherDropsOldestPendingWhenFull(t *testing.T) {
	w := &fakeWriter{}
	f := NewFlusher(zap.NewNop().Sugar(), w, 2)
	f.pending <- Row{Sequence: 1}
	f.pending <- Row{Sequence: 2}
	f.dropOldestPending(Row{Sequence: 3})
	require.Len(t, f.pending, 2)
}
