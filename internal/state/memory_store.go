package state

import (
	"context"
	"sort"
	"sync"
	"time"

	"meshalert/internal/domain"
)

// MemoryStore keeps delivery records in process memory for single-instance mode.
// Params: record map, optional TTL, and injected clock.
// Returns: store implementation without external dependencies.
type MemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	ttl     time.Duration
	records map[string]memoryRecord
}

type memoryRecord struct {
	record    domain.DeliveryRecord
	revision  uint64
	expiresAt time.Time
}

// NewMemoryStore creates in-memory history store.
// Params: now function (defaults to time.Now when nil) and record TTL (0 keeps forever).
// Returns: initialized in-memory store.
func NewMemoryStore(now func() time.Time, ttl time.Duration) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{
		now:     now,
		ttl:     ttl,
		records: make(map[string]memoryRecord),
	}
}

// PutRecord writes record unconditionally and refreshes its expiry.
// Params: delivery record keyed by message id.
// Returns: new revision.
func (s *MemoryStore) PutRecord(_ context.Context, record domain.DeliveryRecord) (uint64, error) {
	var expiresAt time.Time
	if s.ttl > 0 {
		expiresAt = s.now().Add(s.ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rev := s.records[record.MessageID].revision + 1
	s.records[record.MessageID] = memoryRecord{record: record, revision: rev, expiresAt: expiresAt}
	return rev, nil
}

// GetRecord returns record and revision; expired records are dropped lazily.
// Params: message id.
// Returns: stored record, revision, or ErrNotFound.
func (s *MemoryStore) GetRecord(_ context.Context, messageID string) (domain.DeliveryRecord, uint64, error) {
	s.mu.RLock()
	entry, ok := s.records[messageID]
	s.mu.RUnlock()
	if !ok {
		return domain.DeliveryRecord{}, 0, ErrNotFound
	}
	if s.expired(entry) {
		s.mu.Lock()
		if current, ok := s.records[messageID]; ok && s.expired(current) {
			delete(s.records, messageID)
		}
		s.mu.Unlock()
		return domain.DeliveryRecord{}, 0, ErrNotFound
	}
	return entry.record, entry.revision, nil
}

// DeleteRecord removes record.
// Params: message id.
// Returns: nil (in-memory delete).
func (s *MemoryStore) DeleteRecord(_ context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, messageID)
	return nil
}

// ListRecordIDs lists unexpired record ids, optionally filtered by outcome.
// Params: outcome filter (empty matches all).
// Returns: sorted message ids.
func (s *MemoryStore) ListRecordIDs(_ context.Context, outcome domain.DeliveryOutcome) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.records))
	for id, entry := range s.records {
		if s.expired(entry) {
			continue
		}
		if outcome != "" && entry.record.Outcome != outcome {
			continue
		}
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Close releases memory store resources.
// Params: none.
// Returns: nil.
func (s *MemoryStore) Close() error {
	return nil
}

func (s *MemoryStore) expired(entry memoryRecord) bool {
	return !entry.expiresAt.IsZero() && !s.now().Before(entry.expiresAt)
}
