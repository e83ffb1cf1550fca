// Package delivery provides priority message queue with retry lane and delivery tracking.
package delivery

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
)

var (
	// ErrQueueFull is returned when message is dropped at capacity.
	ErrQueueFull = errors.New("delivery queue full")
	// ErrRetryExhausted is returned when message has no retry budget left.
	ErrRetryExhausted = errors.New("retry budget exhausted")
)

const defaultCapacity = 1000

// queuedEntry wraps message with ordering data.
type queuedEntry struct {
	msg        *domain.Message
	enqueuedAt time.Time
	seq        uint64
	index      int
}

// entryHeap orders by priority desc, then insertion order.
type entryHeap []*queuedEntry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*queuedEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// QueueStats is queue counters snapshot.
type QueueStats struct {
	Capacity      int    `json:"capacity"`
	Queued        int    `json:"queued"`
	RetryQueued   int    `json:"retry_queued"`
	Enqueued      uint64 `json:"enqueued"`
	Dequeued      uint64 `json:"dequeued"`
	Dropped       uint64 `json:"dropped"`
	Evicted       uint64 `json:"evicted"`
	RetryEnqueued uint64 `json:"retry_enqueued"`
	RetryRejected uint64 `json:"retry_rejected"`
	OldestAgeMS   int64  `json:"oldest_age_ms"`
}

// Queue is bounded priority queue plus unbounded retry lane consulted first.
// Params: capacity and clock.
// Returns: queue safe for concurrent producers and consumers.
type Queue struct {
	clock    clock.Clock
	capacity int
	notify   chan struct{}

	mu    sync.Mutex
	items entryHeap
	retry []*queuedEntry
	seq   uint64
	stats QueueStats
}

// NewQueue creates delivery queue.
// Params: capacity (<=0 uses 1000) and clock.
// Returns: empty queue.
func NewQueue(capacity int, clk clock.Clock) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		clock:    clock.OrReal(clk),
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		items:    make(entryHeap, 0, capacity),
	}
}

// Enqueue adds message to priority queue.
// At capacity the lowest-priority newest entry is evicted only when strictly lower than msg.
// Params: message.
// Returns: ErrQueueFull when message was dropped.
func (q *Queue) Enqueue(msg *domain.Message) error {
	q.mu.Lock()
	if len(q.items) >= q.capacity {
		victim := q.evictionCandidateLocked()
		if victim == nil || victim.msg.Priority >= msg.Priority {
			q.stats.Dropped++
			q.mu.Unlock()
			return ErrQueueFull
		}
		heap.Remove(&q.items, victim.index)
		q.stats.Evicted++
	}
	heap.Push(&q.items, q.newEntryLocked(msg))
	q.stats.Enqueued++
	q.mu.Unlock()
	q.signal()
	return nil
}

// EnqueueRetry adds message to retry lane and consumes one retry.
// Params: message being retried.
// Returns: ErrRetryExhausted when retry count already reached its maximum.
func (q *Queue) EnqueueRetry(msg *domain.Message) error {
	q.mu.Lock()
	if !msg.IncrementRetry() {
		q.stats.RetryRejected++
		q.mu.Unlock()
		return ErrRetryExhausted
	}
	q.retry = append(q.retry, q.newEntryLocked(msg))
	q.stats.RetryEnqueued++
	q.mu.Unlock()
	q.signal()
	return nil
}

// Dequeue returns next message, retry lane first.
// Params: context and max wait (<=0 does not wait).
// Returns: message and true, or false on timeout or cancellation.
func (q *Queue) Dequeue(ctx context.Context, timeout time.Duration) (*domain.Message, bool) {
	if msg, ok := q.tryDequeue(); ok {
		return msg, true
	}
	if timeout <= 0 {
		return nil, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return q.tryDequeue()
		case <-q.notify:
			if msg, ok := q.tryDequeue(); ok {
				return msg, true
			}
		}
	}
}

// Len returns queued count including retry lane.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items) + len(q.retry)
}

// Stats returns counters snapshot.
func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.stats
	out.Capacity = q.capacity
	out.Queued = len(q.items)
	out.RetryQueued = len(q.retry)
	if oldest, ok := q.oldestLocked(); ok {
		out.OldestAgeMS = q.clock.Now().Sub(oldest).Milliseconds()
	}
	return out
}

// oldestLocked returns earliest enqueue time across both lanes.
func (q *Queue) oldestLocked() (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, lane := range [][]*queuedEntry{q.items, q.retry} {
		for _, entry := range lane {
			if !found || entry.enqueuedAt.Before(oldest) {
				oldest = entry.enqueuedAt
				found = true
			}
		}
	}
	return oldest, found
}

func (q *Queue) tryDequeue() (*domain.Message, bool) {
	q.mu.Lock()
	var entry *queuedEntry
	switch {
	case len(q.retry) > 0:
		entry = q.retry[0]
		q.retry[0] = nil
		q.retry = q.retry[1:]
	case len(q.items) > 0:
		entry = heap.Pop(&q.items).(*queuedEntry)
	default:
		q.mu.Unlock()
		return nil, false
	}
	q.stats.Dequeued++
	remaining := len(q.items) + len(q.retry)
	q.mu.Unlock()
	if remaining > 0 {
		q.signal()
	}
	return entry.msg, true
}

func (q *Queue) newEntryLocked(msg *domain.Message) *queuedEntry {
	q.seq++
	return &queuedEntry{msg: msg, enqueuedAt: q.clock.Now(), seq: q.seq}
}

// evictionCandidateLocked finds lowest-priority entry, newest among equals.
func (q *Queue) evictionCandidateLocked() *queuedEntry {
	var victim *queuedEntry
	for _, entry := range q.items {
		if victim == nil ||
			entry.msg.Priority < victim.msg.Priority ||
			(entry.msg.Priority == victim.msg.Priority && entry.seq > victim.seq) {
			victim = entry
		}
	}
	return victim
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
