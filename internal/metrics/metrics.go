// Package metrics defines the aggregator's Prometheus metrics (spec.md
// §6), registered through one process-owned prometheus.Registry
// rather than the global default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry bundles the process's metric instruments and the
// prometheus.Registry they are registered against.
type Registry struct {
	reg *prometheus.Registry

	PushTotal         *prometheus.CounterVec
	PushEventsTotal   prometheus.Counter
	PushDuration      prometheus.Histogram
	BufferBatches     prometheus.Gauge
	BufferDropsTotal  prometheus.Counter
	DurableFlushTotal *prometheus.CounterVec
	DurableFlushRows  prometheus.Counter
	DurableFlushDur   prometheus.Histogram
	DurablePending    prometheus.Gauge
}

// New builds and registers every instrument named in spec.md §6.
func New() *Registry {
	reg := prometheus.NewRegistry()
	m := &Registry{
		reg: reg,
		PushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "push_total", Help: "Pushes received, by outcome.",
		}, []string{"status"}),
		PushEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "push_events_total", Help: "Total events received across all pushes.",
		}),
		PushDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "push_duration_seconds", Help: "Push RPC handling latency.",
			Buckets: prometheus.DefBuckets,
		}),
		BufferBatches: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "buffer_batches", Help: "Batches currently held in the ring buffer.",
		}),
		BufferDropsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "buffer_drops_total", Help: "Batches evicted from the ring buffer due to overflow.",
		}),
		DurableFlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "durable_flush_total", Help: "Durable store flush attempts, by outcome.",
		}, []string{"status"}),
		DurableFlushRows: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "durable_flush_rows_total", Help: "Rows successfully flushed to the durable store.",
		}),
		DurableFlushDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "durable_flush_duration_seconds", Help: "Durable store flush latency.",
			Buckets: prometheus.DefBuckets,
		}),
		DurablePending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "durable_pending_rows", Help: "Rows awaiting flush to the durable store.",
		}),
	}
	reg.MustRegister(
		m.PushTotal, m.PushEventsTotal, m.PushDuration,
		m.BufferBatches, m.BufferDropsTotal,
		m.DurableFlushTotal, m.DurableFlushRows, m.DurableFlushDur, m.DurablePending,
	)
	// Create both push_total series up front so /metrics exposes them
	// at zero before the first push arrives.
	m.PushTotal.WithLabelValues("ok")
	m.PushTotal.WithLabelValues("error")
	return m
}

// Gatherer exposes the underlying registry for promhttp.HandlerFor.
func (m *Registry) Gatherer() prometheus.Gatherer { return m.reg }

// ObservePush implements ingest.Metrics.
func (m *Registry) ObservePush(status string, eventCount int) {
	m.PushTotal.WithLabelValues(status).Inc()
	if eventCount > 0 {
		m.PushEventsTotal.Add(float64(eventCount))
	}
}

// ObserveDurableFlush records one flush attempt's outcome, row count,
// and duration in seconds.
func (m *Registry) ObserveDurableFlush(status string, rows int, seconds float64) {
	m.DurableFlushTotal.WithLabelValues(status).Inc()
	if status == "ok" {
		m.DurableFlushRows.Add(float64(rows))
	}
	m.DurableFlushDur.Observe(seconds)
}
