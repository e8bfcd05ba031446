package filter

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/events"
)

func testEvent() *events.ProfileEvent {
	return &events.ProfileEvent{
		Type: events.EventTypeSyscall,
		Syscall: &events.SyscallEvent{
			Ts: 1, Pid: 1, Tid: 1, SyscallId: 1, DurationNs: 100,
		},
	}
}

func TestFilterKeep(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, zap.NewNop().Sugar(), constReturnModule(Keep))
	require.NoError(t, err)
	defer eng.Close(ctx)

	keep, err := eng.Apply(ctx, testEvent())
	require.NoError(t, err)
	require.True(t, keep)
}

func TestFilterDrop(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, zap.NewNop().Sugar(), constReturnModule(Drop))
	require.NoError(t, err)
	defer eng.Close(ctx)

	keep, err := eng.Apply(ctx, testEvent())
	require.NoError(t, err)
	require.False(t, keep)
}

// TestFilterUnknownReturnIsKeep covers "any other value treated as keep".
func TestFilterUnknownReturnIsKeep(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, zap.NewNop().Sugar(), constReturnModule(42))
	require.NoError(t, err)
	defer eng.Close(ctx)

	keep, err := eng.Apply(ctx, testEvent())
	require.NoError(t, err)
	require.True(t, keep)
}

// TestFilterFailOpen is testable property #7: a trap keeps the event
// and bumps the failure counter by exactly 1.
func TestFilterFailOpen(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, zap.NewNop().Sugar(), trapModule())
	require.NoError(t, err)
	defer eng.Close(ctx)

	before, _ := eng.Stats()
	keep, err := eng.Apply(ctx, testEvent())
	require.NoError(t, err)
	require.True(t, keep)
	after, _ := eng.Stats()
	require.Equal(t, before+1, after)
}

// TestSandboxMemoryBound is testable property #8: a filter attempting
// to grow beyond the 1 MiB cap fails that call without affecting
// subsequent calls.
func TestSandboxMemoryBound(t *testing.T) {
	ctx := context.Background()
	eng, err := New(ctx, zap.NewNop().Sugar(), growBeyondCapModule())
	require.NoError(t, err)
	defer eng.Close(ctx)

	keep, err := eng.Apply(ctx, testEvent())
	require.NoError(t, err)
	require.True(t, keep) // fail-open

	// A later, independent engine over a well-behaved module still works.
	eng2, err := New(ctx, zap.NewNop().Sugar(), constReturnModule(Keep))
	require.NoError(t, err)
	defer eng2.Close(ctx)
	keep2, err := eng2.Apply(ctx, testEvent())
	require.NoError(t, err)
	require.True(t, keep2)
}
