package delivery

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/state"
)

type callbackLog struct {
	mu       sync.Mutex
	success  []Status
	failures []Status
}

func (c *callbackLog) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.success), len(c.failures)
}

func newTestTracker(opts TrackerOptions, store state.Store) (*Tracker, *clock.Manual, *callbackLog) {
	clk := clock.NewManual(time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC))
	tracker := NewTracker(opts, store, slog.New(slog.NewTextHandler(io.Discard, nil)), clk)
	log := &callbackLog{}
	tracker.OnSuccess(func(s Status) {
		log.mu.Lock()
		log.success = append(log.success, s)
		log.mu.Unlock()
	})
	tracker.OnFailure(func(s Status) {
		log.mu.Lock()
		log.failures = append(log.failures, s)
		log.mu.Unlock()
	})
	return tracker, clk, log
}

func TestBackoff(t *testing.T) {
	t.Parallel()

	base := 2 * time.Second
	limit := 30 * time.Second
	tests := []struct {
		n    int
		want time.Duration
	}{
		{0, 2 * time.Second},
		{1, 4 * time.Second},
		{3, 16 * time.Second},
		{4, 30 * time.Second},
		{60, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.n, base, limit); got != tt.want {
			t.Fatalf("Backoff(%d) = %v, want %v", tt.n, got, tt.want)
		}
	}
}

func TestTrackerPartitionCommutes(t *testing.T) {
	t.Parallel()

	orders := [][]string{{"a", "b", "c"}, {"c", "a", "b"}, {"b", "c", "a"}}
	for _, order := range orders {
		tracker, _, log := newTestTracker(TrackerOptions{}, nil)
		msg := newMessage(t, "WATCHLIST: ABC123", domain.PriorityHigh)
		id := tracker.Track(msg, []string{"a", "b", "c"})
		outcomes := map[string]bool{"a": false, "b": true, "c": false}
		for i, tid := range order {
			if err := tracker.Confirm(id, tid, outcomes[tid], errors.New("boom")); err != nil {
				t.Fatalf("confirm %s: %v", tid, err)
			}
			if i < len(order)-1 {
				status, ok := tracker.Status(id)
				if !ok {
					t.Fatalf("status missing before completion")
				}
				if got := len(status.Successful) + len(status.Failed) + len(status.Pending); got != 3 {
					t.Fatalf("partition broken: %+v", status)
				}
			}
		}
		success, failures := log.counts()
		if success != 1 || failures != 0 {
			t.Fatalf("order %v: callbacks success=%d failures=%d", order, success, failures)
		}
		if _, ok := tracker.Status(id); ok {
			t.Fatalf("completed delivery must leave active tracking")
		}
		history := tracker.History()
		if len(history) != 1 || history[0].Outcome != domain.OutcomeDelivered || len(history[0].Failed) != 2 {
			t.Fatalf("unexpected history: %+v", history)
		}
	}
}

func TestTrackerConfirmErrors(t *testing.T) {
	t.Parallel()

	tracker, _, _ := newTestTracker(TrackerOptions{}, nil)
	if err := tracker.Confirm("missing", "a", true, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	id := tracker.Track(newMessage(t, "x", domain.PriorityLow), []string{"a", "b"})
	if err := tracker.Confirm(id, "zzz", true, nil); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if err := tracker.Confirm(id, "a", false, nil); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if err := tracker.Confirm(id, "a", true, nil); err != nil {
		t.Fatalf("duplicate confirm must be ignored: %v", err)
	}
	status, _ := tracker.Status(id)
	if len(status.Failed) != 1 || len(status.Successful) != 0 {
		t.Fatalf("first confirmation must win: %+v", status)
	}
}

func TestTrackerRetriesAtMostMaxRetries(t *testing.T) {
	t.Parallel()

	tracker, clk, log := newTestTracker(TrackerOptions{BaseDelay: time.Second, MaxDelay: time.Minute}, nil)
	queue := NewQueue(10, clk)
	tracker.SetRetryFunc(queue.EnqueueRetry)

	msg := newMessage(t, "always failing", domain.PriorityHigh, domain.WithMaxRetries(2))
	sends := 0
	deliver := func(m *domain.Message) {
		sends++
		id := tracker.Track(m, []string{"radio"})
		if err := tracker.Confirm(id, "radio", false, errors.New("no ack")); err != nil {
			t.Fatalf("confirm: %v", err)
		}
	}

	deliver(msg)
	status, ok := tracker.Status(msg.ID)
	if !ok || !status.AwaitingRetry || status.RetryCount != 1 || len(status.Pending) != 1 || len(status.Failed) != 0 {
		t.Fatalf("unexpected status after first failure: %+v", status)
	}
	if !status.NextRetryAt.Equal(clk.Now().Add(time.Second)) {
		t.Fatalf("first retry must wait base delay, got %v", status.NextRetryAt.Sub(clk.Now()))
	}

	if resubmitted, _ := tracker.Sweep(clk.Now()); resubmitted != 0 {
		t.Fatalf("retry before backoff elapsed")
	}

	for round := 0; round < 5; round++ {
		clk.Advance(10 * time.Minute)
		tracker.Sweep(clk.Now())
		next, ok := queue.Dequeue(context.Background(), 0)
		if !ok {
			break
		}
		deliver(next)
	}

	if sends != 3 {
		t.Fatalf("sends = %d, want 3 (initial + 2 retries)", sends)
	}
	if msg.RetryCount != 2 {
		t.Fatalf("message retry count = %d, want 2", msg.RetryCount)
	}
	success, failures := log.counts()
	if success != 0 || failures != 1 {
		t.Fatalf("callbacks success=%d failures=%d", success, failures)
	}
	if tracker.CanRetry(msg.ID) {
		t.Fatalf("finalized delivery must not be retryable")
	}
	history := tracker.History()
	if len(history) != 1 || history[0].Outcome != domain.OutcomeFailed || history[0].RetryCount != 2 {
		t.Fatalf("unexpected history: %+v", history)
	}
	if stats := tracker.Stats(); stats.CompletedFailed != 1 || stats.Retries != 2 || stats.Pending != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestTrackerSuccessStopsRetries(t *testing.T) {
	t.Parallel()

	store := state.NewMemoryStore(nil, 0)
	tracker, _, log := newTestTracker(TrackerOptions{}, store)
	msg := newMessage(t, "WATCHLIST: ABC123", domain.PriorityHigh)
	id := tracker.Track(msg, []string{"up", "down"})
	_ = tracker.Confirm(id, "down", false, errors.New("offline"))
	_ = tracker.Confirm(id, "up", true, nil)

	success, failures := log.counts()
	if success != 1 || failures != 0 {
		t.Fatalf("callbacks success=%d failures=%d", success, failures)
	}
	if !log.success[0].IsSuccessful() {
		t.Fatalf("status must be successful: %+v", log.success[0])
	}
	record, _, err := store.GetRecord(context.Background(), id)
	if err != nil {
		t.Fatalf("history record missing: %v", err)
	}
	if record.Outcome != domain.OutcomeDelivered || record.Errors["down"] != "offline" {
		t.Fatalf("unexpected record: %+v", record)
	}
}

func TestTrackerNoTargetsFinalizesFailed(t *testing.T) {
	t.Parallel()

	tracker, _, log := newTestTracker(TrackerOptions{}, nil)
	tracker.Track(newMessage(t, "nowhere", domain.PriorityLow), nil)
	if _, failures := log.counts(); failures != 1 {
		t.Fatalf("expected failure callback")
	}
}

func TestTrackerSweepPurges(t *testing.T) {
	t.Parallel()

	tracker, clk, _ := newTestTracker(TrackerOptions{Retention: time.Minute, Stale: 10 * time.Minute}, nil)
	stuck := tracker.Track(newMessage(t, "stuck", domain.PriorityLow), []string{"a"})
	waiting := newMessage(t, "waiting", domain.PriorityLow, domain.WithMaxRetries(1))
	waitingID := tracker.Track(waiting, []string{"a"})
	_ = tracker.Confirm(waitingID, "a", false, nil)

	clk.Advance(2 * time.Minute)
	if _, purged := tracker.Sweep(clk.Now()); purged != 1 {
		t.Fatalf("expected only retry-waiting entry purged after retention, got %d", purged)
	}
	if _, ok := tracker.Status(stuck); !ok {
		t.Fatalf("in-flight entry must survive until stale window")
	}

	clk.Advance(10 * time.Minute)
	if _, purged := tracker.Sweep(clk.Now()); purged != 1 {
		t.Fatalf("expected stuck entry purged, got %d", purged)
	}
	stats := tracker.Stats()
	if stats.Purged != 2 || stats.Pending != 0 || stats.AwaitingRetry != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	for _, record := range tracker.History() {
		if record.Outcome != domain.OutcomePurged {
			t.Fatalf("unexpected outcome: %+v", record)
		}
	}
}

func TestTrackerRetryRejectedFinalizesFailed(t *testing.T) {
	t.Parallel()

	tracker, clk, log := newTestTracker(TrackerOptions{BaseDelay: time.Second}, nil)
	tracker.SetRetryFunc(func(*domain.Message) error { return errors.New("queue closed") })
	id := tracker.Track(newMessage(t, "x", domain.PriorityLow), []string{"a"})
	_ = tracker.Confirm(id, "a", false, nil)

	clk.Advance(time.Second)
	if resubmitted, _ := tracker.Sweep(clk.Now()); resubmitted != 0 {
		t.Fatalf("rejected retry must not count")
	}
	if _, failures := log.counts(); failures != 1 {
		t.Fatalf("expected failure callback")
	}
	if _, ok := tracker.Status(id); ok {
		t.Fatalf("entry must leave active tracking")
	}
}

func TestTrackerRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	tracker := NewTracker(TrackerOptions{SweepInterval: 5 * time.Millisecond}, nil, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()
	time.Sleep(15 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("tracker loop did not stop")
	}
}
