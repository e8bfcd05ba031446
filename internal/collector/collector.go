// Package collector implements the agent-side pending-batch assembly
// of spec.md §4.E: events arriving from the per-CPU readers accumulate
// into a pending Batch until a push tick or MAX_BATCH_EVENTS overflow
// seals it and hands it to the push client.
package collector

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/events"
)

// DefaultPushInterval is the normal-mode push tick (spec.md §4.E).
const DefaultPushInterval = 5 * time.Second

// LowOverheadPushInterval is the push tick under LOW_OVERHEAD=1.
const LowOverheadPushInterval = 10 * time.Second

// Sink receives sealed, encoded batches; the push client implements this.
type Sink interface {
	Enqueue(payload []byte, eventCount int)
}

// Collector accumulates ProfileEvents into a pending Batch and seals
// it on a timer or size overflow.
type Collector struct {
	log      *zap.SugaredLogger
	agentID  string
	sink     Sink
	interval time.Duration

	mu       sync.Mutex
	pending  []events.ProfileEvent
	sequence uint64

	stop chan struct{}
	done chan struct{}
}

// New builds a Collector. interval is the push-tick period; pass
// LowOverheadPushInterval under low-overhead mode.
func New(log *zap.SugaredLogger, agentID string, sink Sink, interval time.Duration) *Collector {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	return &Collector{
		log:      log,
		agentID:  agentID,
		sink:     sink,
		interval: interval,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Add appends a normalized event to the pending batch, sealing
// immediately if MAX_BATCH_EVENTS would otherwise be exceeded.
func (c *Collector) Add(ev events.ProfileEvent) {
	c.mu.Lock()
	c.pending = append(c.pending, ev)
	overflow := len(c.pending) >= events.MaxBatchEvents
	c.mu.Unlock()

	if overflow {
		c.seal()
	}
}

// Run drives the push-tick timer until Stop is called or ctx-like stop
// channel fires; callers typically launch this as a goroutine.
func (c *Collector) Run() {
	defer close(c.done)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			c.seal()
			return
		case <-ticker.C:
			c.seal()
		}
	}
}

// Stop requests Run to seal any remaining pending events and exit.
func (c *Collector) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Collector) seal() {
	c.mu.Lock()
	if len(c.pending) == 0 {
		c.mu.Unlock()
		return
	}
	evs := c.pending
	c.pending = nil
	c.sequence++
	seq := c.sequence
	c.mu.Unlock()

	b := &events.Batch{
		Version:  events.BatchVersion,
		AgentId:  c.agentID,
		Sequence: seq,
		Events:   evs,
	}
	raw, err := events.Encode(b)
	if err != nil {
		c.log.Errorw("failed to encode sealed batch, dropping", "error", err, "sequence", seq)
		return
	}
	c.sink.Enqueue(raw, len(evs))
}

// PendingLen reports the current pending-event count, for tests and metrics.
func (c *Collector) PendingLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
