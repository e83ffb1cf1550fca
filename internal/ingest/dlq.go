package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const dlqStreamMaxAge = 7 * 24 * time.Hour

// DLQReason classifies why an ingest message was dead-lettered.
type DLQReason string

const (
	// DLQReasonDecode marks payloads that are not valid alert JSON.
	DLQReasonDecode DLQReason = "decode_error"
	// DLQReasonRejected marks alerts refused by the pipeline with a permanent error.
	DLQReasonRejected DLQReason = "rejected"
	// DLQReasonMaxDeliverExceeded marks messages whose redelivery budget is spent.
	DLQReasonMaxDeliverExceeded DLQReason = "max_deliver_exceeded"
)

// DLQEntry is the dead-letter record published for one failed ingest message.
// Params: original payload, failure reason, and delivery counters.
// Returns: JSON body stored on the dead-letter subject.
type DLQEntry struct {
	Payload       json.RawMessage `json:"payload,omitempty"`
	Raw           string          `json:"raw,omitempty"`
	Reason        DLQReason       `json:"reason"`
	Error         string          `json:"error"`
	Attempts      uint64          `json:"attempts"`
	MaxDeliver    int             `json:"max_deliver"`
	Subject       string          `json:"subject"`
	FailedAt      time.Time       `json:"failed_at"`
	OriginalMsgID string          `json:"original_msg_id,omitempty"`
}

// newDLQEntry captures message payload, keeping it as raw JSON when valid.
func newDLQEntry(message *nats.Msg, reason DLQReason, cause error, attempts uint64, maxDeliver int, now time.Time) DLQEntry {
	entry := DLQEntry{
		Reason:     reason,
		Attempts:   attempts,
		MaxDeliver: maxDeliver,
		Subject:    message.Subject,
		FailedAt:   now.UTC(),
	}
	if cause != nil {
		entry.Error = cause.Error()
	}
	if json.Valid(message.Data) {
		entry.Payload = append(json.RawMessage(nil), message.Data...)
	} else {
		entry.Raw = string(message.Data)
	}
	if message.Header != nil {
		entry.OriginalMsgID = message.Header.Get(nats.MsgIdHdr)
	}
	return entry
}

// dlqMsgID builds a dedup id so redelivered failures land once.
func dlqMsgID(message *nats.Msg, reason DLQReason) string {
	if metadata, err := message.Metadata(); err == nil && metadata != nil {
		return fmt.Sprintf("%s:%d:%s", metadata.Stream, metadata.Sequence.Stream, reason)
	}
	return ""
}

// publishDLQ stores dead-letter entry on configured subject.
// Params: context, failed message, classification, cause, and attempt counters.
// Returns: publish error.
func (s *NATSSubscriber) publishDLQ(ctx context.Context, message *nats.Msg, reason DLQReason, cause error, attempts uint64) error {
	entry := newDLQEntry(message, reason, cause, attempts, s.maxDeliver, s.now())
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}
	out := nats.NewMsg(s.dlqSubject)
	out.Data = body
	if id := dlqMsgID(message, reason); id != "" {
		out.Header.Set(nats.MsgIdHdr, id)
	}
	if _, err := s.js.PublishMsg(out, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish dlq %q: %w", s.dlqSubject, err)
	}
	return nil
}

// isMaxDeliverExceeded reports whether this delivery is the last one JetStream will make.
func isMaxDeliverExceeded(attempts uint64, maxDeliver int) bool {
	return maxDeliver > 0 && attempts >= uint64(maxDeliver)
}
