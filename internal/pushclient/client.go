// Package pushclient implements the agent-side sequence-numbered push
// state machine of spec.md §4.F: a bounded backlog of sealed batches,
// compression, exponential backoff, and sequence tracking across
// reconnects.
package pushclient

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/zap"
)

// State is one node of the push-client state machine.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateReady
	StateSending
	StateBroken
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateSending:
		return "sending"
	case StateBroken:
		return "broken"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// ErrAuthFailed marks an authentication rejection: fatal, no retry.
var ErrAuthFailed = errors.New("push: authentication failed")

// ErrPayloadTooLarge marks a payload the server refused: drop, no retry.
var ErrPayloadTooLarge = errors.New("push: payload too large")

// Transport sends one already-encoded batch payload and reports the
// server's disposition. Implementations translate ErrAuthFailed and
// ErrPayloadTooLarge from the underlying RPC status so Client can
// apply the non-retry policy without knowing about gRPC codes.
type Transport interface {
	Push(ctx context.Context, agentID string, sequence uint64, payload []byte) error
}

const defaultBacklog = 64

type batchItem struct {
	sequence uint64
	payload  []byte
}

// Client drives the push state machine for one agent session.
type Client struct {
	log       *zap.SugaredLogger
	transport Transport
	agentID   string

	backlog chan batchItem
	encoder *zstd.Encoder

	mu           sync.Mutex
	state        State
	highestAcked uint64
	dropsTotal   uint64

	stop chan struct{}
	done chan struct{}
}

// New builds a Client with a bounded backlog (spec.md default 64).
func New(log *zap.SugaredLogger, transport Transport, agentID string, backlogSize int) (*Client, error) {
	if backlogSize <= 0 {
		backlogSize = defaultBacklog
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, err
	}
	return &Client{
		log:       log,
		transport: transport,
		agentID:   agentID,
		backlog:   make(chan batchItem, backlogSize),
		encoder:   enc,
		state:     StateIdle,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}, nil
}

// Enqueue submits a sealed, already-encoded batch payload for sending.
// When the backlog is full, the oldest entry is dropped and counted
// (spec.md §4.F "push_drops_total").
func (c *Client) Enqueue(sequence uint64, payload []byte) {
	compressed := c.encoder.EncodeAll(payload, nil)
	item := batchItem{sequence: sequence, payload: compressed}
	select {
	case c.backlog <- item:
		return
	default:
	}
	select {
	case <-c.backlog:
		c.mu.Lock()
		c.dropsTotal++
		c.mu.Unlock()
		c.log.Warnw("push_drop", "agent_id", c.agentID, "dropped_for_sequence", sequence)
	default:
	}
	select {
	case c.backlog <- item:
	default:
	}
}

// Run drains the backlog, sending each item with backoff until Stop is
// called. Connection errors retry unboundedly; auth failures and
// oversize payloads do not retry (spec.md §4.F retry policy).
func (c *Client) Run(ctx context.Context) {
	defer close(c.done)
	c.setState(StateConnecting)
	c.setState(StateReady)
	for {
		select {
		case <-ctx.Done():
			c.drainOnce(ctx)
			return
		case <-c.stop:
			c.drainOnce(context.Background())
			return
		case item := <-c.backlog:
			c.send(ctx, item)
		}
	}
}

// Stop requests a final best-effort backlog drain then exit (spec.md
// §5 "push client on the agent drains its backlog once before exit").
func (c *Client) Stop() {
	close(c.stop)
	<-c.done
}

func (c *Client) drainOnce(ctx context.Context) {
	for {
		select {
		case item := <-c.backlog:
			c.send(ctx, item)
		default:
			return
		}
	}
}

func (c *Client) send(ctx context.Context, item batchItem) {
	c.setState(StateSending)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0 // connection errors retry unboundedly (spec.md §4.F)

	err := backoff.Retry(func() error {
		sendErr := c.transport.Push(ctx, c.agentID, item.sequence, item.payload)
		if sendErr == nil {
			return nil
		}
		if errors.Is(sendErr, ErrAuthFailed) {
			c.log.Errorw("push authentication rejected, not retrying", "agent_id", c.agentID)
			return backoff.Permanent(sendErr)
		}
		if errors.Is(sendErr, ErrPayloadTooLarge) {
			c.log.Errorw("push payload too large, dropping", "agent_id", c.agentID, "sequence", item.sequence)
			return backoff.Permanent(sendErr)
		}
		return sendErr
	}, backoff.WithContext(b, ctx))

	if err != nil {
		c.setState(StateBroken)
		if !errors.Is(err, ErrAuthFailed) && !errors.Is(err, ErrPayloadTooLarge) {
			c.setState(StateReconnecting)
		}
		c.setState(StateReady)
		return
	}

	c.mu.Lock()
	if item.sequence > c.highestAcked {
		c.highestAcked = item.sequence
	}
	c.mu.Unlock()
	c.setState(StateReady)
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Stats returns the highest acknowledged sequence and cumulative
// backlog-drop count.
func (c *Client) Stats() (highestAcked, drops uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highestAcked, c.dropsTotal
}

// State reports the current state-machine node.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}
