package transport

import (
	"sync"

	"meshalert/internal/clock"
)

// Tracker keeps state bookkeeping shared by concrete transports.
// Params: transport type name and clock.
// Returns: thread-safe status recorder.
type Tracker struct {
	mu     sync.RWMutex
	clock  clock.Clock
	status Status
}

// NewTracker creates disconnected tracker.
// Params: transport type name and optional clock.
// Returns: tracker.
func NewTracker(typeID string, clk clock.Clock) *Tracker {
	return &Tracker{
		clock:  clock.OrReal(clk),
		status: Status{Type: typeID, State: StateDisconnected},
	}
}

// Connecting marks connect attempt start.
func (t *Tracker) Connecting() {
	t.mu.Lock()
	t.status.State = StateConnecting
	t.mu.Unlock()
}

// Connected marks successful connect.
func (t *Tracker) Connected() {
	now := t.clock.Now()
	t.mu.Lock()
	t.status.State = StateConnected
	t.status.ConnectedSince = &now
	t.status.Stats.Connects++
	t.mu.Unlock()
}

// Disconnected marks link closed.
func (t *Tracker) Disconnected() {
	t.mu.Lock()
	t.status.State = StateDisconnected
	t.status.ConnectedSince = nil
	t.mu.Unlock()
}

// Failed records connect or link error.
// Params: error cause.
func (t *Tracker) Failed(err error) {
	t.mu.Lock()
	t.status.State = StateError
	t.status.ConnectedSince = nil
	if err != nil {
		t.status.LastError = err.Error()
	}
	t.mu.Unlock()
}

// RecordSend records one send outcome.
// Params: send error (nil for success).
func (t *Tracker) RecordSend(err error) {
	now := t.clock.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		t.status.Stats.Failed++
		t.status.LastError = err.Error()
		return
	}
	t.status.Stats.Sent++
	t.status.LastMessageTime = &now
}

// IsConnected reports connected state.
func (t *Tracker) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status.State == StateConnected
}

// Status returns copy of current status.
func (t *Tracker) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := t.status
	if out.ConnectedSince != nil {
		since := *out.ConnectedSince
		out.ConnectedSince = &since
	}
	if out.LastMessageTime != nil {
		last := *out.LastMessageTime
		out.LastMessageTime = &last
	}
	return out
}
