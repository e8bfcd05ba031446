package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/events"
	"github.com/hamzzy/aperture/internal/metrics"
	"github.com/hamzzy/aperture/internal/ring"
	"github.com/hamzzy/aperture/internal/store"
)

func encodeBatch(t *testing.T, agentID string, seq uint64, evs ...events.ProfileEvent) []byte {
	t.Helper()
	raw, err := events.Encode(&events.Batch{Version: events.BatchVersion, AgentId: agentID, Sequence: seq, Events: evs})
	require.NoError(t, err)
	return raw
}

func cpuEvent(ts int64, fn string) events.ProfileEvent {
	return events.ProfileEvent{
		Type:  events.EventTypeCpu,
		Cpu:   &events.CpuSample{Ts: ts, Pid: 1, Tid: 1},
		Stack: events.Stack{{Function: fn}},
	}
}

func newTestServer(t *testing.T) (*Server, *ring.Ring) {
	t.Helper()
	r := ring.New(16, true, 0)
	log := zap.NewNop().Sugar()
	m := metrics.New()
	s := New(log, r, nil, m, nil)
	return s, r
}

func TestHealthzReturnsOk(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestApiHealthReportsDegradedWhenBufferNearFull(t *testing.T) {
	s, r := newTestServer(t)
	for i := uint64(0); i < 15; i++ {
		require.NoError(t, r.Push(ring.StoredPayload{AgentId: "a", Sequence: i, Payload: []byte{1}}))
	}
	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var info healthInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	require.Equal(t, "degraded", info.Status)
}

func TestApiAggregateReturnsCpuProfile(t *testing.T) {
	s, r := newTestServer(t)
	payload := encodeBatch(t, "agent-1", 1, cpuEvent(100, "main"), cpuEvent(200, "main"), cpuEvent(300, "other"))
	require.NoError(t, r.Push(ring.StoredPayload{AgentId: "agent-1", Sequence: 1, Payload: payload, EventCount: 3}))

	body := `{"agent_id":"agent-1","event_type":"cpu"}`
	req := httptest.NewRequest(http.MethodPost, "/api/aggregate", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var res map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	cpu := res["Cpu"].(map[string]interface{})
	stacks := cpu["Stacks"].([]interface{})
	require.Len(t, stacks, 2)
}

func TestApiAggregateRejectsUnknownEventType(t *testing.T) {
	s, _ := newTestServer(t)
	body := `{"event_type":"bogus"}`
	req := httptest.NewRequest(http.MethodPost, "/api/aggregate", strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestApiExportCollapsedRendersFrames(t *testing.T) {
	s, r := newTestServer(t)
	ev := events.ProfileEvent{
		Type:  events.EventTypeCpu,
		Cpu:   &events.CpuSample{Ts: 1, Pid: 1, Tid: 1},
		Stack: events.Stack{{Function: "leaf"}, {Function: "root"}},
	}
	payload := encodeBatch(t, "agent-1", 1, ev)
	require.NoError(t, r.Push(ring.StoredPayload{AgentId: "agent-1", Sequence: 1, Payload: payload, EventCount: 1}))

	req := httptest.NewRequest(http.MethodGet, "/api/export/collapsed?agent_id=agent-1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Equal(t, "root;leaf 1\n", w.Body.String())
}

func TestApiBatchesListsByAgent(t *testing.T) {
	s, r := newTestServer(t)
	require.NoError(t, r.Push(ring.StoredPayload{AgentId: "a1", Sequence: 1, Payload: []byte{1}, EventCount: 2}))
	require.NoError(t, r.Push(ring.StoredPayload{AgentId: "a2", Sequence: 1, Payload: []byte{1}, EventCount: 3}))

	req := httptest.NewRequest(http.MethodGet, "/api/batches?agent_id=a1", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var rows []map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&rows))
	require.Len(t, rows, 1)
	require.Equal(t, "a1", rows[0]["agent_id"])
}

func TestMetricsEndpointExposesPrometheusFormat(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.Contains(t, w.Body.String(), "push_total")
}

// fakeWriter is a minimal store.Writer double, only used to confirm the
// admin server reports storage_enabled through a live Flusher.
type fakeWriter struct{}

func (fakeWriter) InsertBatch(ctx context.Context, rows []store.Row) error { return nil }
func (fakeWriter) Query(ctx context.Context, startNs, endNs int64, agentId string, limit int) ([]store.Row, error) {
	return nil, nil
}

func TestApiHealthReportsStorageEnabled(t *testing.T) {
	r := ring.New(16, true, 0)
	log := zap.NewNop().Sugar()
	m := metrics.New()
	flusher := store.NewFlusher(log, fakeWriter{}, 10)
	s := New(log, r, flusher, m, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var info healthInfo
	require.NoError(t, json.NewDecoder(w.Body).Decode(&info))
	require.True(t, info.StorageEnabled)
}
