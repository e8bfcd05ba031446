// Package store implements the asynchronous durable flusher of
// spec.md §4.I: a bounded pending queue drained into a columnar store
// in batches of up to 1,000 rows or every 500ms, whichever comes
// first, with exponential backoff on transient failure and a disabled
// (ring-only) mode on fatal schema failure at startup.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/hamzzy/aperture/internal/ring"
)

// Row mirrors the StoredBatch wire shape of spec.md §3/§6.
type Row struct {
	AgentId      string
	Sequence     uint64
	ReceivedAtNs int64
	EventCount   int
	Payload      []byte
}

// FlushObserver receives per-flush metrics; internal/metrics.Registry
// implements this via ObserveDurableFlush.
type FlushObserver interface {
	ObserveDurableFlush(status string, rows int, seconds float64)
}

// Writer is the columnar-store client surface the flusher needs.
// ClickHouseWriter (clickhouse.go) implements this against
// github.com/ClickHouse/clickhouse-go/v2; tests use an in-memory fake.
type Writer interface {
	InsertBatch(ctx context.Context, rows []Row) error
	// Query returns rows whose received_at_ns falls in [startNs, endNs),
	// optionally narrowed by agentId, ordered by the primary key and
	// capped at limit.
	Query(ctx context.Context, startNs, endNs int64, agentId string, limit int) ([]Row, error)
}

const (
	maxFlushRows   = 1000
	flushInterval  = 500 * time.Millisecond
	defaultPending = 50000
)

// Flusher drains a ring's publish channel into pending and flushes to
// a Writer on a timer/size trigger.
type Flusher struct {
	log      *zap.SugaredLogger
	writer   Writer
	observer FlushObserver
	pending  chan Row
	cap      int

	mu      sync.Mutex
	enabled bool

	okTotal      uint64
	errTotal     uint64
	rowsTotal    uint64
	pendingDrops uint64
	pendingLen   func() int

	stop chan struct{}
	done chan struct{}
}

// NewFlusher builds a Flusher. If writer is nil, or a pre-flight
// schema check fails (reported via Disable), the flusher starts
// disabled and ingestion continues ring-only (spec.md §4.I "Fatal
// schema failure").
func NewFlusher(log *zap.SugaredLogger, writer Writer, pendingCap int) *Flusher {
	if pendingCap <= 0 {
		pendingCap = defaultPending
	}
	f := &Flusher{
		log:     log,
		writer:  writer,
		pending: make(chan Row, pendingCap),
		cap:     pendingCap,
		enabled: writer != nil,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	return f
}

// Enabled reports whether the durable store is accepting writes.
func (f *Flusher) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled
}

// Disable fatally disables the flusher (schema failure at startup).
// Ingestion keeps working ring-only.
func (f *Flusher) Disable(reason error) {
	f.mu.Lock()
	f.enabled = false
	f.mu.Unlock()
	f.log.Errorw("durable store disabled, continuing ring-only", "reason", reason)
}

// SetObserver attaches a FlushObserver for per-flush metrics; optional.
func (f *Flusher) SetObserver(o FlushObserver) { f.observer = o }

// PendingLen returns the current number of rows awaiting flush, for
// the durable_pending_rows gauge.
func (f *Flusher) PendingLen() int { return len(f.pending) }

// ConsumeRing drains r's publish channel, enqueuing each payload as a
// pending Row; when pending is full the oldest row is dropped and
// counted (spec.md §4.I resource-exhaustion policy).
func (f *Flusher) ConsumeRing(ctx context.Context, r *ring.Ring) {
	ch := r.Publish()
	if ch == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-ch:
			if !ok {
				return
			}
			if !f.Enabled() {
				continue
			}
			row := Row{AgentId: p.AgentId, Sequence: p.Sequence, ReceivedAtNs: p.ReceivedAtNs, EventCount: p.EventCount, Payload: p.Payload}
			select {
			case f.pending <- row:
			default:
				f.dropOldestPending(row)
			}
		}
	}
}

func (f *Flusher) dropOldestPending(row Row) {
	select {
	case <-f.pending:
		f.mu.Lock()
		f.pendingDrops++
		f.mu.Unlock()
	default:
	}
	select {
	case f.pending <- row:
	default:
	}
}

// Run flushes pending rows until ctx is done, then returns after a
// final bounded drain pass (spec.md §5 graceful shutdown).
func (f *Flusher) Run(ctx context.Context) {
	defer close(f.done)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	buf := make([]Row, 0, maxFlushRows)
	flush := func() {
		if len(buf) == 0 {
			return
		}
		f.flushWithRetry(ctx, buf)
		buf = buf[:0]
	}

	for {
		select {
		case <-ctx.Done():
			f.drainDeadline(10 * time.Second)
			return
		case <-f.stop:
			f.drainDeadline(10 * time.Second)
			return
		case row := <-f.pending:
			buf = append(buf, row)
			if len(buf) >= maxFlushRows {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// drainDeadline performs a final best-effort flush pass up to
// deadline, logging how many rows were left unflushed.
func (f *Flusher) drainDeadline(deadline time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), deadline)
	defer cancel()
	buf := make([]Row, 0, maxFlushRows)
drain:
	for {
		select {
		case row := <-f.pending:
			buf = append(buf, row)
			if len(buf) >= maxFlushRows {
				f.flushWithRetry(ctx, buf)
				buf = buf[:0]
			}
		case <-ctx.Done():
			break drain
		default:
			break drain
		}
	}
	if len(buf) > 0 {
		f.flushWithRetry(ctx, buf)
	}
	if remaining := len(f.pending); remaining > 0 {
		f.log.Warnw("durable store shutdown with unflushed rows", "rows", remaining)
	}
}

func (f *Flusher) flushWithRetry(ctx context.Context, rows []Row) {
	if !f.Enabled() {
		return
	}
	cp := make([]Row, len(rows))
	copy(cp, rows)

	start := time.Now()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	bctx := backoff.WithContext(b, ctx)

	err := backoff.Retry(func() error {
		ferr := f.writer.InsertBatch(ctx, cp)
		if ferr != nil {
			f.mu.Lock()
			f.errTotal++
			f.mu.Unlock()
			f.log.Warnw("durable_flush_error", "error", ferr, "rows", len(cp))
			if f.observer != nil {
				f.observer.ObserveDurableFlush("error", 0, time.Since(start).Seconds())
			}
			return ferr
		}
		return nil
	}, bctx)
	if err != nil {
		return
	}
	if f.observer != nil {
		f.observer.ObserveDurableFlush("ok", len(cp), time.Since(start).Seconds())
	}
	f.mu.Lock()
	f.okTotal++
	f.rowsTotal += uint64(len(cp))
	f.mu.Unlock()
}

// Stats returns the flush counters for the admin health/metrics surfaces.
func (f *Flusher) Stats() (okTotal, errTotal, rowsTotal uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.okTotal, f.errTotal, f.rowsTotal
}

// Stop signals Run to exit; callers should still select on a context
// for the primary shutdown path, Stop exists for tests.
func (f *Flusher) Stop() { close(f.stop) }
