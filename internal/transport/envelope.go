package transport

import (
	"context"
	"encoding/json"
	"time"
)

// Envelope is JSON frame published by broker and webhook links.
// Params: message id, origin node, channel, content, and send timestamp.
// Returns: wire payload.
type Envelope struct {
	ID      string    `json:"id,omitempty"`
	Node    string    `json:"node"`
	Channel string    `json:"channel"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

// EncodeEnvelope marshals envelope to JSON.
// Params: send context (message id), node name, channel, content, and send timestamp.
// Returns: JSON bytes.
func EncodeEnvelope(ctx context.Context, node, channel, content string, at time.Time) ([]byte, error) {
	return json.Marshal(Envelope{
		ID:      MessageIDFrom(ctx),
		Node:    node,
		Channel: channel,
		Content: content,
		SentAt:  at.UTC(),
	})
}
