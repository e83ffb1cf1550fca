// Package transport defines the link contract every mesh transport satisfies.
package transport

import (
	"context"
	"time"
)

// State is transport connection state.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateError        State = "error"
)

// Transport is one concrete link (radio, broker, webhook, bot).
// Params: ID is unique per process; TypeID names the transport kind.
// Returns: connect/send/status capability set consumed by connmgr and router.
type Transport interface {
	ID() string
	TypeID() string
	Connect(ctx context.Context) error
	Disconnect() error
	Send(ctx context.Context, content, channel string) error
	IsConnected() bool
	Status() Status
}

// Stats holds cumulative transport counters.
type Stats struct {
	Sent     uint64 `json:"sent"`
	Failed   uint64 `json:"failed"`
	Connects uint64 `json:"connects"`
}

// Status is point-in-time transport state snapshot.
// Params: type, state, timestamps, last error, and counters.
// Returns: diagnostics payload.
type Status struct {
	Type            string     `json:"type"`
	State           State      `json:"state"`
	ConnectedSince  *time.Time `json:"connected_since,omitempty"`
	LastMessageTime *time.Time `json:"last_message_time,omitempty"`
	LastError       string     `json:"last_error,omitempty"`
	Stats           Stats      `json:"stats"`
}

type messageIDKey struct{}

// WithMessageID attaches message id to send context.
// Params: parent context and message id.
// Returns: derived context read by links that de-duplicate by id.
func WithMessageID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, messageIDKey{}, id)
}

// MessageIDFrom returns message id attached by WithMessageID.
func MessageIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(messageIDKey{}).(string)
	return id
}
