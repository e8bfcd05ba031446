// Package ring implements the aggregator's bounded in-memory FIFO of
// received batches (spec.md §4.H): a single mutex guards the deque,
// overflow is drop-oldest by default (configurable off per §9 Open
// Question #3), and size/utilization are observable atomically.
package ring

import (
	"container/list"
	"sync"
	"sync/atomic"
)

// StoredPayload is one entry of the ring: a raw, still-encoded batch
// payload plus the receipt-time metadata the aggregator needs without
// decoding it.
type StoredPayload struct {
	ReceivedAtNs int64
	AgentId      string
	Sequence     uint64
	Payload      []byte
	EventCount   int
}

// ErrFull is returned by Push when the ring is full and backpressure
// (instead of drop-oldest) is configured.
type ErrFull struct{}

func (ErrFull) Error() string { return "ring buffer full" }

// Ring is the bounded FIFO. Zero value is not usable; use New.
type Ring struct {
	capacity    int
	dropOldest  bool
	mu          sync.Mutex
	items       *list.List // front = oldest
	size        atomic.Int64
	drops       atomic.Uint64
	lastSeqByAgent map[string]uint64

	// publish, when non-nil, receives a copy of every accepted payload
	// for the durable flusher to consume (spec.md §4.I).
	publish chan StoredPayload
}

// New builds a Ring with the given capacity. If dropOldest is false,
// Push returns ErrFull instead of evicting the oldest entry.
func New(capacity int, dropOldest bool, publishBuf int) *Ring {
	r := &Ring{
		capacity:   capacity,
		dropOldest: dropOldest,
		items:      list.New(),
		lastSeqByAgent: make(map[string]uint64),
	}
	if publishBuf > 0 {
		r.publish = make(chan StoredPayload, publishBuf)
	}
	return r
}

// Publish returns the channel the durable flusher should drain, or nil
// if none was configured.
func (r *Ring) Publish() <-chan StoredPayload { return r.publish }

// Push appends a payload, evicting the oldest entry (or returning
// ErrFull) when the ring is at capacity. Per-agent sequence is
// recorded for the non-decreasing-in-buffer invariant but never
// enforced here — the aggregator tolerates resets (spec.md §9).
func (r *Ring) Push(p StoredPayload) error {
	r.mu.Lock()
	if r.items.Len() >= r.capacity {
		if !r.dropOldest {
			r.mu.Unlock()
			return ErrFull{}
		}
		front := r.items.Front()
		r.items.Remove(front)
		r.size.Add(-1)
		r.drops.Add(1)
	}
	r.items.PushBack(p)
	r.size.Add(1)
	r.lastSeqByAgent[p.AgentId] = p.Sequence
	r.mu.Unlock()

	if r.publish != nil {
		select {
		case r.publish <- p:
		default:
			// Durable flusher's own pending queue applies its own
			// bound (spec.md §4.I); never block ingest on it.
		}
	}
	return nil
}

// Snapshot returns a copy of every currently held payload, oldest
// first, optionally filtered by agentId (empty = all) and bounded by
// limit (0 = unbounded).
func (r *Ring) Snapshot(agentId string, limit int) []StoredPayload {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]StoredPayload, 0, r.items.Len())
	for e := r.items.Front(); e != nil; e = e.Next() {
		p := e.Value.(StoredPayload)
		if agentId != "" && p.AgentId != agentId {
			continue
		}
		out = append(out, p)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Size returns the current number of buffered batches.
func (r *Ring) Size() int64 { return r.size.Load() }

// Capacity returns the configured capacity.
func (r *Ring) Capacity() int { return r.capacity }

// Utilization returns size/capacity as a ratio in [0, 1].
func (r *Ring) Utilization() float64 {
	if r.capacity == 0 {
		return 0
	}
	return float64(r.Size()) / float64(r.capacity)
}

// Drops returns the cumulative buffer_drops_total count.
func (r *Ring) Drops() uint64 { return r.drops.Load() }

// Accepting reports whether Push would currently succeed: always true
// in drop-oldest mode (it evicts instead of rejecting), true in
// backpressure mode only while under capacity.
func (r *Ring) Accepting() bool {
	if r.dropOldest {
		return true
	}
	return r.Size() < int64(r.capacity)
}
