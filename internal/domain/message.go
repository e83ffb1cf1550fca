package domain

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// DefaultMaxRetries is retry budget for messages built without explicit limit.
const DefaultMaxRetries = 3

// Position is geographic position attached to an alert.
// Params: latitude/longitude in degrees and optional barometric altitude in feet.
// Returns: alert correlation metadata.
type Position struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	AltFt *int    `json:"alt_ft,omitempty"`
}

// AlertMetadata correlates a message with its detection source.
// Params: source entity id (ICAO), category, position, and free-form values.
// Returns: optional message metadata.
type AlertMetadata struct {
	SourceID string            `json:"source_id,omitempty"`
	Category string            `json:"category,omitempty"`
	Position *Position         `json:"position,omitempty"`
	Extra    map[string]string `json:"extra,omitempty"`
}

// Message is one outbound alert.
// Params: content, target channel, priority, retry counters, and metadata.
// Returns: unit routed through queue, router, and tracker.
type Message struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Channel    string         `json:"channel"`
	Priority   Priority       `json:"priority"`
	RetryCount int            `json:"retry_count"`
	MaxRetries int            `json:"max_retries"`
	CreatedAt  time.Time      `json:"created_at"`
	Encrypted  bool           `json:"encrypted,omitempty"`
	Metadata   *AlertMetadata `json:"metadata,omitempty"`
}

// MessageOption customizes NewMessage.
type MessageOption func(*Message)

// WithMaxRetries sets retry budget.
func WithMaxRetries(n int) MessageOption {
	return func(m *Message) {
		m.MaxRetries = n
	}
}

// WithMetadata attaches correlation metadata.
func WithMetadata(meta *AlertMetadata) MessageOption {
	return func(m *Message) {
		m.Metadata = meta
	}
}

// WithCreatedAt pins creation timestamp.
func WithCreatedAt(at time.Time) MessageOption {
	return func(m *Message) {
		m.CreatedAt = at
	}
}

// WithID pins message id (used when re-hydrating messages from ingest).
func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

// NewMessage validates and builds a message.
// Params: non-empty content and channel, priority, and options.
// Returns: message with fresh UUID or validation error.
func NewMessage(content, channel string, priority Priority, opts ...MessageOption) (*Message, error) {
	if strings.TrimSpace(content) == "" {
		return nil, Errorf(KindValidation, "new message", "content is required")
	}
	if strings.TrimSpace(channel) == "" {
		return nil, Errorf(KindValidation, "new message", "channel is required")
	}
	if !priority.Valid() {
		return nil, Errorf(KindValidation, "new message", "invalid priority %d", int(priority))
	}
	msg := &Message{
		ID:         uuid.NewString(),
		Content:    content,
		Channel:    strings.TrimSpace(channel),
		Priority:   priority,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(msg)
	}
	if msg.MaxRetries < 0 {
		return nil, Errorf(KindValidation, "new message", "max_retries must be >=0")
	}
	if strings.TrimSpace(msg.ID) == "" {
		msg.ID = uuid.NewString()
	}
	return msg, nil
}

// CanRetry reports whether retry budget remains.
// Params: none.
// Returns: true when RetryCount < MaxRetries.
func (m *Message) CanRetry() bool {
	return m.RetryCount < m.MaxRetries
}

// IncrementRetry bumps retry counter without exceeding the limit.
// Params: none.
// Returns: false when budget was already exhausted.
func (m *Message) IncrementRetry() bool {
	if !m.CanRetry() {
		return false
	}
	m.RetryCount++
	return true
}

// Clone returns a copy safe to hand to another goroutine.
// Params: none.
// Returns: copied message (metadata shared read-only).
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	copied := *m
	return &copied
}

// Truncate shortens content to at most maxLen bytes without splitting a rune.
// Params: content and byte limit (<=0 disables).
// Returns: truncated content.
func Truncate(content string, maxLen int) string {
	if maxLen <= 0 || len(content) <= maxLen {
		return content
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(content[cut]) {
		cut--
	}
	return content[:cut]
}
