// Package loopback provides in-process transport for dry runs and tests.
package loopback

import (
	"context"
	"errors"
	"sync"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/transport"
)

// TypeID is loopback transport kind.
const TypeID = "loopback"

var (
	// ErrOffline is returned by Send and Connect while link is toggled off.
	ErrOffline = errors.New("loopback link offline")
	// ErrInjected is default injected send failure.
	ErrInjected = errors.New("injected send failure")
)

// Delivery is one message captured by loopback link.
type Delivery struct {
	Channel string
	Content string
	At      time.Time
}

// Transport is in-memory link with toggleable connectivity and failure injection.
// Params: id, reachable flag, and failure schedule.
// Returns: transport.Transport implementation.
type Transport struct {
	id      string
	clock   clock.Clock
	tracker *transport.Tracker

	mu        sync.Mutex
	reachable bool
	failNext  int
	failAll   bool
	delay     time.Duration
	delivered []Delivery
}

// Option customizes loopback transport.
type Option func(*Transport)

// WithClock injects clock.
func WithClock(clk clock.Clock) Option {
	return func(t *Transport) {
		t.clock = clk
	}
}

// WithLatency adds artificial send latency.
func WithLatency(d time.Duration) Option {
	return func(t *Transport) {
		t.delay = d
	}
}

// New creates loopback link.
// Params: unique id and options; link starts reachable but disconnected.
// Returns: transport.
func New(id string, opts ...Option) *Transport {
	t := &Transport{id: id, reachable: true}
	for _, opt := range opts {
		opt(t)
	}
	t.clock = clock.OrReal(t.clock)
	t.tracker = transport.NewTracker(TypeID, t.clock)
	return t
}

// ID returns transport id.
func (t *Transport) ID() string { return t.id }

// TypeID returns loopback kind.
func (t *Transport) TypeID() string { return TypeID }

// Connect marks link connected when reachable.
// Params: context (unused).
// Returns: ErrConnection-kind error when link is offline.
func (t *Transport) Connect(_ context.Context) error {
	t.tracker.Connecting()
	t.mu.Lock()
	reachable := t.reachable
	t.mu.Unlock()
	if !reachable {
		t.tracker.Failed(ErrOffline)
		return domain.Wrap(domain.KindConnection, "connect "+t.id, ErrOffline)
	}
	t.tracker.Connected()
	return nil
}

// Disconnect marks link disconnected.
func (t *Transport) Disconnect() error {
	t.tracker.Disconnected()
	return nil
}

// Send captures message or returns injected failure.
// Params: context bounding artificial latency, content, and channel.
// Returns: nil on capture, ErrOffline or injected error otherwise.
func (t *Transport) Send(ctx context.Context, content, channel string) error {
	if !t.tracker.IsConnected() {
		t.tracker.RecordSend(ErrOffline)
		return ErrOffline
	}
	t.mu.Lock()
	delay := t.delay
	t.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			t.tracker.RecordSend(ctx.Err())
			return ctx.Err()
		case <-timer.C:
		}
	}

	t.mu.Lock()
	var err error
	switch {
	case t.failAll:
		err = ErrInjected
	case t.failNext > 0:
		t.failNext--
		err = ErrInjected
	default:
		t.delivered = append(t.delivered, Delivery{Channel: channel, Content: content, At: t.clock.Now()})
	}
	t.mu.Unlock()
	t.tracker.RecordSend(err)
	return err
}

// IsConnected reports connected state.
func (t *Transport) IsConnected() bool { return t.tracker.IsConnected() }

// Status returns tracker snapshot.
func (t *Transport) Status() transport.Status { return t.tracker.Status() }

// SetReachable toggles link; going offline also drops current connection.
// Params: reachable flag.
func (t *Transport) SetReachable(reachable bool) {
	t.mu.Lock()
	t.reachable = reachable
	t.mu.Unlock()
	if !reachable {
		t.tracker.Failed(ErrOffline)
	}
}

// FailNext makes next n sends fail.
func (t *Transport) FailNext(n int) {
	t.mu.Lock()
	t.failNext = n
	t.mu.Unlock()
}

// FailAll makes every send fail until cleared.
func (t *Transport) FailAll(fail bool) {
	t.mu.Lock()
	t.failAll = fail
	t.mu.Unlock()
}

// Delivered returns captured messages.
func (t *Transport) Delivered() []Delivery {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Delivery, len(t.delivered))
	copy(out, t.delivered)
	return out
}
