package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/hamzzy/aperture/internal/events"
	"github.com/hamzzy/aperture/internal/ring"
	"github.com/hamzzy/aperture/internal/rpc"
)

func encodeBatch(t *testing.T, agentID string, seq uint64, n int) []byte {
	t.Helper()
	b := &events.Batch{Version: events.BatchVersion, AgentId: agentID, Sequence: seq}
	for i := 0; i < n; i++ {
		b.Events = append(b.Events, events.ProfileEvent{Type: events.EventTypeSyscall, Syscall: &events.SyscallEvent{SyscallId: 1}})
	}
	raw, err := events.Encode(b)
	require.NoError(t, err)
	return raw
}

func TestPushAcceptsValidAuthenticatedBatch(t *testing.T) {
	r := ring.New(10, true, 0)
	s := New(zap.NewNop().Sugar(), r, nil, nil, Config{AuthToken: "T"})

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer T"))
	resp, err := s.Push(ctx, &rpc.PushRequest{AgentId: "A1", Sequence: 1, Payload: encodeBatch(t, "A1", 1, 3)})
	require.NoError(t, err)
	require.True(t, resp.Accepted)
	require.Equal(t, int64(1), r.Size())
}

// TestPushRejectsMissingAuth matches spec.md scenario S3: an agent
// without a token is rejected and the ring stays empty.
func TestPushRejectsMissingAuth(t *testing.T) {
	r := ring.New(10, true, 0)
	s := New(zap.NewNop().Sugar(), r, nil, nil, Config{AuthToken: "T"})

	_, err := s.Push(context.Background(), &rpc.PushRequest{AgentId: "A1", Sequence: 1, Payload: encodeBatch(t, "A1", 1, 1)})
	require.Error(t, err)
	require.Equal(t, codes.Unauthenticated, status.Code(err))
	require.Equal(t, int64(0), r.Size())
}

func TestPushRejectsOversizePayload(t *testing.T) {
	r := ring.New(10, true, 0)
	s := New(zap.NewNop().Sugar(), r, nil, nil, Config{MaxPayload: 4})

	_, err := s.Push(context.Background(), &rpc.PushRequest{AgentId: "A1", Sequence: 1, Payload: encodeBatch(t, "A1", 1, 1)})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPushRejectsMalformedPayload(t *testing.T) {
	r := ring.New(10, true, 0)
	s := New(zap.NewNop().Sugar(), r, nil, nil, Config{})

	_, err := s.Push(context.Background(), &rpc.PushRequest{AgentId: "A1", Sequence: 1, Payload: []byte("garbage")})
	require.Error(t, err)
	require.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestPushReturnsResourceExhaustedWhenRingFull(t *testing.T) {
	r := ring.New(1, false, 0)
	s := New(zap.NewNop().Sugar(), r, nil, nil, Config{})

	_, err := s.Push(context.Background(), &rpc.PushRequest{AgentId: "A1", Sequence: 1, Payload: encodeBatch(t, "A1", 1, 1)})
	require.NoError(t, err)
	_, err = s.Push(context.Background(), &rpc.PushRequest{AgentId: "A1", Sequence: 2, Payload: encodeBatch(t, "A1", 2, 1)})
	require.Error(t, err)
	require.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestAggregateScenarioS1(t *testing.T) {
	r := ring.New(10, true, 0)
	s := New(zap.NewNop().Sugar(), r, nil, nil, Config{})

	stackX := events.Stack{{Function: "X"}}
	b := &events.Batch{Version: events.BatchVersion, AgentId: "A1", Sequence: 1}
	for i := 0; i < 10; i++ {
		b.Events = append(b.Events, events.ProfileEvent{Type: events.EventTypeCpu, Cpu: &events.CpuSample{Ts: int64(i + 1)}, Stack: stackX})
	}
	raw, err := events.Encode(b)
	require.NoError(t, err)
	require.NoError(t, r.Push(ring.StoredPayload{AgentId: "A1", Sequence: 1, Payload: raw, EventCount: 10}))

	resp, err := s.Aggregate(context.Background(), &rpc.AggregateRequest{EventType: "cpu", Limit: 10})
	require.NoError(t, err)
	require.Contains(t, resp.ResultJson, "\"TotalSamples\":10")
}
