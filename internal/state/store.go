// Package state persists finalized delivery records.
package state

import (
	"context"
	"errors"

	"meshalert/internal/domain"
)

// ErrNotFound indicates absent delivery record.
var ErrNotFound = errors.New("not found")

// Store provides delivery history persistence.
// Params: put/get/delete operations keyed by message id.
// Returns: backend persistence behavior.
type Store interface {
	PutRecord(ctx context.Context, record domain.DeliveryRecord) (uint64, error)
	GetRecord(ctx context.Context, messageID string) (domain.DeliveryRecord, uint64, error)
	DeleteRecord(ctx context.Context, messageID string) error
	ListRecordIDs(ctx context.Context, outcome domain.DeliveryOutcome) ([]string, error)
	Close() error
}
