// Package ingest implements the aggregator's authenticated binary RPC
// surface of spec.md §4.G: Push hands raw payloads to the ring; Query,
// QueryStorage, Aggregate, and Diff forward to the ring/store/
// aggregation engine.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/aggregate"
	"github.com/hamzzy/aperture/internal/events"
	"github.com/hamzzy/aperture/internal/ring"
	"github.com/hamzzy/aperture/internal/rpc"
	"github.com/hamzzy/aperture/internal/store"
)

// MaxPayloadBytes is the default MAX_PAYLOAD referenced by spec.md §4.G.
const MaxPayloadBytes = 16 << 20

// Metrics is the narrow counters/histograms surface ingest needs;
// internal/metrics.Registry implements it.
type Metrics interface {
	ObservePush(status string, events int)
}

// Server implements rpc.AggregatorServer.
type Server struct {
	log         *zap.SugaredLogger
	ring        *ring.Ring
	store       store.Writer // nil when durable store is disabled
	authToken   string
	maxPayload  int
	metrics     Metrics
	syscallName func(id uint32) string
}

// Config carries Server construction parameters.
type Config struct {
	AuthToken   string
	MaxPayload  int
	SyscallName func(id uint32) string
}

// New builds a Server. storeWriter may be nil (ring-only mode).
func New(log *zap.SugaredLogger, r *ring.Ring, storeWriter store.Writer, metrics Metrics, cfg Config) *Server {
	if cfg.MaxPayload <= 0 {
		cfg.MaxPayload = MaxPayloadBytes
	}
	if cfg.SyscallName == nil {
		cfg.SyscallName = func(uint32) string { return "" }
	}
	return &Server{
		log:         log,
		ring:        r,
		store:       storeWriter,
		authToken:   cfg.AuthToken,
		maxPayload:  cfg.MaxPayload,
		metrics:     metrics,
		syscallName: cfg.SyscallName,
	}
}

func (s *Server) authenticate(ctx context.Context) error {
	md, _ := metadata.FromIncomingContext(ctx)
	if !rpc.CheckBearer(md, s.authToken) {
		return status.Error(codes.Unauthenticated, "invalid or missing bearer token")
	}
	return nil
}

// Push validates auth and payload size, decodes and validates the batch
// (rejecting a malformed or invalid one with InvalidArgument), then
// enqueues the raw payload into the ring.
func (s *Server) Push(ctx context.Context, in *rpc.PushRequest) (*rpc.PushResponse, error) {
	if err := s.authenticate(ctx); err != nil {
		s.observe("error", 0)
		return nil, err
	}
	if len(in.Payload) > s.maxPayload {
		s.observe("error", 0)
		return nil, status.Errorf(codes.InvalidArgument, "payload %d bytes exceeds max %d", len(in.Payload), s.maxPayload)
	}

	eventCount := 0
	if b, err := events.Decode(in.Payload); err == nil {
		if verr := b.Validate(); verr != nil {
			s.observe("error", 0)
			return nil, status.Error(codes.InvalidArgument, verr.Error())
		}
		eventCount = len(b.Events)
	} else {
		s.observe("error", 0)
		return nil, status.Error(codes.InvalidArgument, "malformed batch payload")
	}

	p := ring.StoredPayload{
		AgentId:      in.AgentId,
		Sequence:     in.Sequence,
		Payload:      in.Payload,
		EventCount:   eventCount,
		ReceivedAtNs: time.Now().UnixNano(),
	}
	if err := s.ring.Push(p); err != nil {
		s.observe("error", eventCount)
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	}

	s.observe("ok", eventCount)
	return &rpc.PushResponse{Accepted: true}, nil
}

func (s *Server) observe(statusLabel string, eventCount int) {
	if s.metrics != nil {
		s.metrics.ObservePush(statusLabel, eventCount)
	}
}

// Query returns a snapshot of the in-memory ring, optionally narrowed
// by agent_id and bounded by limit.
func (s *Server) Query(ctx context.Context, in *rpc.QueryRequest) (*rpc.QueryResponse, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	items := s.ring.Snapshot(in.AgentId, int(in.Limit))
	out := &rpc.QueryResponse{Batches: make([]rpc.StoredBatchWire, 0, len(items))}
	for _, it := range items {
		out.Batches = append(out.Batches, rpc.StoredBatchWire{
			AgentId: it.AgentId, Sequence: it.Sequence, ReceivedAtNs: it.ReceivedAtNs,
			EventCount: int32(it.EventCount), Payload: it.Payload,
		})
	}
	return out, nil
}

// QueryStorage serves from the durable store when enabled; otherwise
// it returns an empty result (ring has no time-range index).
func (s *Server) QueryStorage(ctx context.Context, in *rpc.QueryStorageRequest) (*rpc.QueryResponse, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	if s.store == nil {
		return &rpc.QueryResponse{}, nil
	}
	rows, err := s.store.Query(ctx, in.TimeStartNs, in.TimeEndNs, in.AgentId, int(in.Limit))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &rpc.QueryResponse{Batches: make([]rpc.StoredBatchWire, 0, len(rows))}
	for _, r := range rows {
		out.Batches = append(out.Batches, rpc.StoredBatchWire{
			AgentId: r.AgentId, Sequence: r.Sequence, ReceivedAtNs: r.ReceivedAtNs,
			EventCount: int32(r.EventCount), Payload: r.Payload,
		})
	}
	return out, nil
}

// source picks ring vs durable store per spec.md §4.J.1: the store is
// used only when enabled and a time range was given.
func (s *Server) source(ctx context.Context, agentID string, startNs, endNs int64, limit int) (aggregate.Source, error) {
	if s.store != nil && (startNs != 0 || endNs != 0) {
		rows, err := s.store.Query(ctx, startNs, endNs, agentID, limit)
		if err != nil {
			return nil, err
		}
		payloads := make([][]byte, len(rows))
		for i, r := range rows {
			payloads[i] = r.Payload
		}
		return aggregate.SliceSource(payloads), nil
	}
	items := s.ring.Snapshot(agentID, 0)
	payloads := make([][]byte, len(items))
	for i, it := range items {
		payloads[i] = it.Payload
	}
	return aggregate.SliceSource(payloads), nil
}

// Aggregate runs the merge engine over the selected source.
func (s *Server) Aggregate(ctx context.Context, in *rpc.AggregateRequest) (*rpc.AggregateResponse, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	et, err := events.ParseEventType(in.EventType)
	if err != nil {
		return &rpc.AggregateResponse{Error: err.Error()}, nil
	}
	src, err := s.source(ctx, in.AgentId, in.TimeStartNs, in.TimeEndNs, int(in.Limit))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	res := aggregate.Merge(src, aggregate.Options{EventType: et, Limit: int(in.Limit), SyscallNames: s.syscallName})
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.AggregateResponse{ResultJson: string(raw)}, nil
}

// Diff runs the diff engine over independently-selected baseline and
// comparison sources.
func (s *Server) Diff(ctx context.Context, in *rpc.DiffRequest) (*rpc.DiffResponse, error) {
	if err := s.authenticate(ctx); err != nil {
		return nil, err
	}
	et, err := events.ParseEventType(in.EventType)
	if err != nil {
		return &rpc.DiffResponse{Error: err.Error()}, nil
	}
	baseSrc, err := s.source(ctx, in.AgentId, in.BaselineStartNs, in.BaselineEndNs, int(in.Limit))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	compSrc, err := s.source(ctx, in.AgentId, in.ComparisonStartNs, in.ComparisonEndNs, int(in.Limit))
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	res := aggregate.Diff(baseSrc, compSrc, aggregate.Options{EventType: et, Limit: int(in.Limit), SyscallNames: s.syscallName})
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return &rpc.DiffResponse{ResultJson: string(raw)}, nil
}

var _ rpc.AggregatorServer = (*Server)(nil)
