// Package admin implements the aggregator's HTTP admin surface:
// health, metrics, buffer listing, aggregate/diff JSON wrappers, and
// JSON/collapsed-stack export, routed with gorilla/mux.
package admin

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/aggregate"
	"github.com/hamzzy/aperture/internal/events"
	"github.com/hamzzy/aperture/internal/metrics"
	"github.com/hamzzy/aperture/internal/ring"
	"github.com/hamzzy/aperture/internal/store"
)

// DegradeThreshold is the default durable_flush_error - durable_flush_ok
// margin that marks the service degraded, alongside
// buffer_utilization >= 0.9 (spec.md §4.K). Both flush counters are
// cumulative since the flusher started; no time window is applied.
const DegradeThreshold = 50

// Server bundles the admin HTTP router and its dependencies.
type Server struct {
	log     *zap.SugaredLogger
	ring    *ring.Ring
	flusher *store.Flusher // nil when durable store is disabled entirely
	metrics *metrics.Registry
	router  *mux.Router

	syscallNames func(id uint32) string
}

// New builds the admin router. flusher may be nil.
func New(log *zap.SugaredLogger, r *ring.Ring, flusher *store.Flusher, m *metrics.Registry, syscallNames func(uint32) string) *Server {
	if syscallNames == nil {
		syscallNames = func(uint32) string { return "" }
	}
	s := &Server{log: log, ring: r, flusher: flusher, metrics: m, syscallNames: syscallNames}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the root http.Handler for this server.
func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) routes() {
	s.router.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	s.router.HandleFunc("/readyz", s.handleReadyz).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.HandlerFor(s.metrics.Gatherer(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router.HandleFunc("/api/aggregate", s.handleAggregate).Methods(http.MethodPost)
	s.router.HandleFunc("/api/diff", s.handleDiff).Methods(http.MethodPost)
	s.router.HandleFunc("/api/batches", s.handleBatches).Methods(http.MethodGet)
	s.router.HandleFunc("/api/health", s.handleHealthJSON).Methods(http.MethodGet)
	s.router.HandleFunc("/api/export/json", s.handleExportJSON).Methods(http.MethodGet)
	s.router.HandleFunc("/api/export/collapsed", s.handleExportCollapsed).Methods(http.MethodGet)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReadyz implements spec.md §6: 200 if the ring is accepting
// pushes, 503 otherwise. The durable store's reachability is not
// checked.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if !s.ring.Accepting() {
		http.Error(w, "ring buffer full", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// healthInfo is the shape of /api/health and the status.degraded rule
// of spec.md §4.K.
type healthInfo struct {
	Status            string  `json:"status"`
	BufferBatches     int64   `json:"buffer_batches"`
	BufferUtilization float64 `json:"buffer_utilization"`
	StorageEnabled    bool    `json:"storage_enabled"`
	PushTotalOk       uint64  `json:"push_total_ok"`
	PushTotalError    uint64  `json:"push_total_error"`
	PushEventsTotal   uint64  `json:"push_events_total"`
	DurableFlushOk    uint64  `json:"durable_flush_ok"`
	DurableFlushError uint64  `json:"durable_flush_error"`
	DurablePending    int     `json:"durable_pending_rows"`
}

func (s *Server) health() healthInfo {
	info := healthInfo{
		BufferBatches:     s.ring.Size(),
		BufferUtilization: s.ring.Utilization(),
	}
	if s.flusher != nil {
		info.StorageEnabled = s.flusher.Enabled()
		ok, errs, _ := s.flusher.Stats()
		info.DurableFlushOk = ok
		info.DurableFlushError = errs
		info.DurablePending = s.flusher.PendingLen()
	}
	degraded := info.BufferUtilization >= 0.9
	if info.DurableFlushError > info.DurableFlushOk+DegradeThreshold {
		degraded = true
	}
	if degraded {
		info.Status = "degraded"
	} else {
		info.Status = "healthy"
	}
	return info
}

func (s *Server) handleHealthJSON(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.health())
}

func (s *Server) handleBatches(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	limit := queryInt(r, "limit", 0)
	items := s.ring.Snapshot(agentID, limit)
	type row struct {
		AgentId      string `json:"agent_id"`
		Sequence     uint64 `json:"sequence"`
		ReceivedAtNs int64  `json:"received_at_ns"`
		EventCount   int    `json:"event_count"`
	}
	out := make([]row, 0, len(items))
	for _, it := range items {
		out = append(out, row{AgentId: it.AgentId, Sequence: it.Sequence, ReceivedAtNs: it.ReceivedAtNs, EventCount: it.EventCount})
	}
	writeJSON(w, http.StatusOK, out)
}

type aggregateRequest struct {
	AgentId     string `json:"agent_id"`
	TimeStartNs int64  `json:"time_start_ns"`
	TimeEndNs   int64  `json:"time_end_ns"`
	EventType   string `json:"event_type"`
	Limit       int    `json:"limit"`
}

func (s *Server) source(ctx context.Context, agentID string, startNs, endNs int64) aggregate.Source {
	items := s.ring.Snapshot(agentID, 0)
	payloads := make([][]byte, len(items))
	for i, it := range items {
		payloads[i] = it.Payload
	}
	return aggregate.SliceSource(payloads)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	var req aggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	et, err := events.ParseEventType(req.EventType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	src := s.source(r.Context(), req.AgentId, req.TimeStartNs, req.TimeEndNs)
	res := aggregate.Merge(src, aggregate.Options{EventType: et, Limit: req.Limit, SyscallNames: s.syscallNames})
	writeJSON(w, http.StatusOK, res)
}

type diffRequest struct {
	AgentId           string `json:"agent_id"`
	BaselineStartNs   int64  `json:"baseline_start_ns"`
	BaselineEndNs     int64  `json:"baseline_end_ns"`
	ComparisonStartNs int64  `json:"comparison_start_ns"`
	ComparisonEndNs   int64  `json:"comparison_end_ns"`
	EventType         string `json:"event_type"`
	Limit             int    `json:"limit"`
}

func (s *Server) handleDiff(w http.ResponseWriter, r *http.Request) {
	var req diffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	et, err := events.ParseEventType(req.EventType)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	baseline := s.source(r.Context(), req.AgentId, req.BaselineStartNs, req.BaselineEndNs)
	comparison := s.source(r.Context(), req.AgentId, req.ComparisonStartNs, req.ComparisonEndNs)
	res := aggregate.Diff(baseline, comparison, aggregate.Options{EventType: et, Limit: req.Limit, SyscallNames: s.syscallNames})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExportJSON(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	limit := queryInt(r, "limit", 0)
	src := s.source(r.Context(), agentID, 0, 0)
	res := aggregate.Merge(src, aggregate.Options{EventType: events.EventTypeCpu, Limit: limit})
	w.Header().Set("Content-Disposition", `attachment; filename="aggregate.json"`)
	writeJSON(w, http.StatusOK, res)
}

// handleExportCollapsed renders CPU stacks in Brendan Gregg's
// collapsed-stack format: "frame1;frame2;...;leaf count" per line,
// sorted for deterministic output (spec.md §4.K, GLOSSARY).
func (s *Server) handleExportCollapsed(w http.ResponseWriter, r *http.Request) {
	agentID := r.URL.Query().Get("agent_id")
	limit := queryInt(r, "limit", 0)
	src := s.source(r.Context(), agentID, 0, 0)
	res := aggregate.Merge(src, aggregate.Options{EventType: events.EventTypeCpu, Limit: limit})

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="aggregate.collapsed"`)
	if res.Cpu == nil {
		return
	}
	lines := make([]string, 0, len(res.Cpu.Stacks))
	for _, sc := range res.Cpu.Stacks {
		frames := make([]string, len(sc.Stack))
		for i, f := range sc.Stack {
			// Collapsed format lists root first; Stack is leaf-first,
			// so reverse it for this one rendering.
			frames[len(sc.Stack)-1-i] = f.Symbol()
		}
		lines = append(lines, fmt.Sprintf("%s %d", strings.Join(frames, ";"), sc.Count))
	}
	sort.Strings(lines)
	for _, l := range lines {
		fmt.Fprintln(w, l)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
