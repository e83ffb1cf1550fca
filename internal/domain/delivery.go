package domain

import "time"

// DeliveryOutcome is terminal state of tracked delivery.
type DeliveryOutcome string

const (
	// OutcomeDelivered means at least one transport confirmed.
	OutcomeDelivered DeliveryOutcome = "delivered"
	// OutcomeFailed means every target failed and retry budget is spent.
	OutcomeFailed DeliveryOutcome = "failed"
	// OutcomePurged means entry was dropped by retention sweep.
	OutcomePurged DeliveryOutcome = "purged"
)

// DeliveryRecord is final snapshot of one tracked delivery.
type DeliveryRecord struct {
	MessageID   string            `json:"message_id"`
	Channel     string            `json:"channel"`
	Priority    Priority          `json:"priority"`
	Targets     []string          `json:"targets"`
	Successful  []string          `json:"successful"`
	Failed      []string          `json:"failed"`
	Pending     []string          `json:"pending"`
	Errors      map[string]string `json:"errors,omitempty"`
	RetryCount  int               `json:"retry_count"`
	CreatedAt   time.Time         `json:"created_at"`
	FinalizedAt time.Time         `json:"finalized_at"`
	Outcome     DeliveryOutcome   `json:"outcome"`
}
