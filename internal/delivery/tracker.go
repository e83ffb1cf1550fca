package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/state"
)

const (
	defaultBaseDelay     = 2 * time.Second
	defaultMaxDelay      = 5 * time.Minute
	defaultRetention     = time.Hour
	defaultStale         = 2 * time.Hour
	defaultHistorySize   = 1000
	defaultSweepInterval = 10 * time.Second
	storeWriteTimeout    = 5 * time.Second
)

// Status is snapshot of one tracked delivery.
// Successful, Failed and Pending always partition Targets.
type Status struct {
	MessageID     string            `json:"message_id"`
	Channel       string            `json:"channel"`
	Priority      domain.Priority   `json:"priority"`
	Targets       []string          `json:"targets"`
	Successful    []string          `json:"successful"`
	Failed        []string          `json:"failed"`
	Pending       []string          `json:"pending"`
	Errors        map[string]string `json:"errors,omitempty"`
	RetryCount    int               `json:"retry_count"`
	MaxRetries    int               `json:"max_retries"`
	AwaitingRetry bool              `json:"awaiting_retry"`
	NextRetryAt   time.Time         `json:"next_retry_at"`
	CreatedAt     time.Time         `json:"created_at"`
}

// IsComplete reports whether no transport is pending.
func (s Status) IsComplete() bool { return len(s.Pending) == 0 }

// IsSuccessful reports whether any transport confirmed.
func (s Status) IsSuccessful() bool { return len(s.Successful) > 0 }

// CanRetry reports remaining budget, at least one failure, and no success.
func (s Status) CanRetry() bool {
	return s.RetryCount < s.MaxRetries && len(s.Failed) > 0 && len(s.Successful) == 0
}

// TrackerOptions configures Tracker.
// Params: backoff bounds, retention windows, history size, and sweep interval.
// Returns: tracker settings (zero values take defaults).
type TrackerOptions struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Retention     time.Duration
	Stale         time.Duration
	HistorySize   int
	SweepInterval time.Duration
}

// TrackerStats is tracker counters snapshot.
type TrackerStats struct {
	Tracked          uint64 `json:"tracked"`
	CompletedSuccess uint64 `json:"completed_success"`
	CompletedFailed  uint64 `json:"completed_failed"`
	Pending          int    `json:"pending"`
	AwaitingRetry    int    `json:"awaiting_retry"`
	Retries          uint64 `json:"retries"`
	Purged           uint64 `json:"purged"`
}

// RetryFunc re-submits message whose backoff elapsed.
type RetryFunc func(msg *domain.Message) error

type deliveryState int

const (
	statePending deliveryState = iota
	stateSuccess
	stateFailed
)

type trackedDelivery struct {
	msg        *domain.Message
	maxRetries int
	retryCount int
	targets    []string
	states     map[string]deliveryState
	errors     map[string]string
	awaiting   bool
	nextRetry  time.Time
	createdAt  time.Time
}

func (d *trackedDelivery) snapshot() Status {
	out := Status{
		MessageID:     d.msg.ID,
		Channel:       d.msg.Channel,
		Priority:      d.msg.Priority,
		Targets:       append([]string(nil), d.targets...),
		Successful:    []string{},
		Failed:        []string{},
		Pending:       []string{},
		RetryCount:    d.retryCount,
		MaxRetries:    d.maxRetries,
		AwaitingRetry: d.awaiting,
		NextRetryAt:   d.nextRetry,
		CreatedAt:     d.createdAt,
	}
	for _, id := range d.targets {
		switch d.states[id] {
		case stateSuccess:
			out.Successful = append(out.Successful, id)
		case stateFailed:
			out.Failed = append(out.Failed, id)
		default:
			out.Pending = append(out.Pending, id)
		}
	}
	if len(d.errors) > 0 {
		out.Errors = make(map[string]string, len(d.errors))
		for k, v := range d.errors {
			out.Errors[k] = v
		}
	}
	return out
}

func (d *trackedDelivery) reset(targets []string) {
	d.targets = dedupe(targets)
	d.states = make(map[string]deliveryState, len(d.targets))
	for _, id := range d.targets {
		d.states[id] = statePending
	}
	d.errors = make(map[string]string)
	d.awaiting = false
	d.nextRetry = time.Time{}
}

// Tracker follows per-transport confirmations of each message until terminal outcome.
// Params: options, optional history store, logger, and clock.
// Returns: tracker safe for concurrent confirmations.
type Tracker struct {
	opts   TrackerOptions
	store  state.Store
	logger *slog.Logger
	clock  clock.Clock

	mu         sync.Mutex
	active     map[string]*trackedDelivery
	history    []domain.DeliveryRecord
	historyPos int
	stats      TrackerStats
	onSuccess  []func(Status)
	onFailure  []func(Status)
	retry      RetryFunc
}

// NewTracker creates delivery tracker.
// Params: options, optional store (nil keeps history in memory only), logger, and clock.
// Returns: tracker without entries.
func NewTracker(opts TrackerOptions, store state.Store, logger *slog.Logger, clk clock.Clock) *Tracker {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = defaultBaseDelay
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = defaultMaxDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	if opts.Retention <= 0 {
		opts.Retention = defaultRetention
	}
	if opts.Stale <= 0 {
		opts.Stale = defaultStale
	}
	if opts.Stale < opts.Retention {
		opts.Stale = opts.Retention
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = defaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		opts:   opts,
		store:  store,
		logger: logger,
		clock:  clock.OrReal(clk),
		active: make(map[string]*trackedDelivery),
	}
}

// OnSuccess registers callback fired once per successful delivery.
func (t *Tracker) OnSuccess(fn func(Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onSuccess = append(t.onSuccess, fn)
}

// OnFailure registers callback fired once per finally failed delivery.
func (t *Tracker) OnFailure(fn func(Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFailure = append(t.onFailure, fn)
}

// SetRetryFunc sets handler used by Sweep to re-submit eligible messages.
func (t *Tracker) SetRetryFunc(fn RetryFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.retry = fn
}

// Backoff returns retry delay for retry count n.
// Params: retries already made, base delay, and cap.
// Returns: min(base*2^n, cap).
func Backoff(n int, base, limit time.Duration) time.Duration {
	if n < 0 {
		n = 0
	}
	delay := base
	for i := 0; i < n; i++ {
		if delay >= limit/2 {
			return limit
		}
		delay *= 2
	}
	if delay > limit {
		return limit
	}
	return delay
}

// Track starts or restarts tracking message against target transports.
// Re-tracking a known id (retry) resets partitions so every target is pending.
// Params: message and target transport ids.
// Returns: delivery id (message id).
func (t *Tracker) Track(msg *domain.Message, targets []string) string {
	t.mu.Lock()
	entry, exists := t.active[msg.ID]
	if !exists {
		entry = &trackedDelivery{
			msg:        msg,
			maxRetries: msg.MaxRetries,
			retryCount: msg.RetryCount,
			createdAt:  t.clock.Now(),
		}
		t.active[msg.ID] = entry
		t.stats.Tracked++
	}
	entry.msg = msg
	entry.reset(targets)
	var final *finalized
	if len(entry.targets) == 0 {
		final = t.finalizeLocked(entry, domain.OutcomeFailed)
	}
	t.mu.Unlock()

	if final != nil {
		t.logger.Warn("delivery has no target transport", "message_id", msg.ID)
		t.emit(final)
	}
	return msg.ID
}

// Confirm records one transport outcome; confirmations commute.
// Completion with a success finalizes; completion with failures schedules retry when allowed.
// Params: delivery id, transport id, success flag, and optional error.
// Returns: ErrValidation-kind error for unknown delivery or transport.
func (t *Tracker) Confirm(id, transportID string, success bool, sendErr error) error {
	t.mu.Lock()
	entry, ok := t.active[id]
	if !ok {
		t.mu.Unlock()
		return domain.Errorf(domain.KindValidation, "confirm", "delivery %q is not tracked", id)
	}
	current, ok := entry.states[transportID]
	if !ok {
		t.mu.Unlock()
		return domain.Errorf(domain.KindValidation, "confirm", "transport %q is not a target of %q", transportID, id)
	}
	if current != statePending {
		t.mu.Unlock()
		return nil
	}
	if success {
		entry.states[transportID] = stateSuccess
	} else {
		entry.states[transportID] = stateFailed
		if sendErr != nil {
			entry.errors[transportID] = sendErr.Error()
		} else {
			entry.errors[transportID] = "send failed"
		}
	}

	var final *finalized
	status := entry.snapshot()
	if status.IsComplete() {
		switch {
		case status.IsSuccessful():
			final = t.finalizeLocked(entry, domain.OutcomeDelivered)
		case status.CanRetry():
			t.prepareRetryLocked(entry)
		default:
			final = t.finalizeLocked(entry, domain.OutcomeFailed)
		}
	}
	t.mu.Unlock()

	if final != nil {
		t.emit(final)
	}
	return nil
}

// CanRetry reports whether tracked delivery may be retried.
// Params: delivery id.
// Returns: false for unknown ids.
func (t *Tracker) CanRetry(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.active[id]
	if !ok {
		return false
	}
	return entry.snapshot().CanRetry()
}

// PrepareRetry moves failed transports back to pending and schedules next attempt.
// Params: delivery id.
// Returns: next eligible retry time, or ErrValidation-kind error when retry is not allowed.
func (t *Tracker) PrepareRetry(id string) (time.Time, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.active[id]
	if !ok {
		return time.Time{}, domain.Errorf(domain.KindValidation, "prepare retry", "delivery %q is not tracked", id)
	}
	if !entry.snapshot().CanRetry() {
		return time.Time{}, domain.Errorf(domain.KindValidation, "prepare retry", "delivery %q cannot be retried", id)
	}
	t.prepareRetryLocked(entry)
	return entry.nextRetry, nil
}

func (t *Tracker) prepareRetryLocked(entry *trackedDelivery) {
	delay := Backoff(entry.retryCount, t.opts.BaseDelay, t.opts.MaxDelay)
	entry.retryCount++
	for id, st := range entry.states {
		if st == stateFailed {
			entry.states[id] = statePending
		}
	}
	entry.awaiting = true
	entry.nextRetry = t.clock.Now().Add(delay)
	t.stats.Retries++
	t.logger.Info("delivery scheduled for retry",
		"message_id", entry.msg.ID,
		"retry_count", entry.retryCount,
		"max_retries", entry.maxRetries,
		"delay", delay.String(),
	)
}

// Status returns snapshot of active delivery.
func (t *Tracker) Status(id string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.active[id]
	if !ok {
		return Status{}, false
	}
	return entry.snapshot(), true
}

// Sweep re-submits deliveries whose backoff elapsed and purges expired entries.
// Params: sweep reference time.
// Returns: number of re-submitted and purged deliveries.
func (t *Tracker) Sweep(now time.Time) (int, int) {
	type due struct {
		entry *trackedDelivery
		msg   *domain.Message
	}
	var (
		ready  []due
		purged []*finalized
	)

	t.mu.Lock()
	retry := t.retry
	for id, entry := range t.active {
		age := now.Sub(entry.createdAt)
		inFlight := !entry.awaiting && len(entry.snapshot().Pending) > 0
		switch {
		case inFlight && age > t.opts.Stale:
			t.logger.Warn("purging stuck pending delivery", "message_id", id, "age", age.String())
			purged = append(purged, t.finalizeLocked(entry, domain.OutcomePurged))
		case !inFlight && age > t.opts.Retention:
			purged = append(purged, t.finalizeLocked(entry, domain.OutcomePurged))
		case entry.awaiting && !now.Before(entry.nextRetry) && retry != nil:
			entry.awaiting = false
			ready = append(ready, due{entry: entry, msg: entry.msg})
		}
	}
	t.mu.Unlock()

	for _, item := range purged {
		t.emit(item)
	}

	resubmitted := 0
	for _, item := range ready {
		if err := retry(item.msg); err != nil {
			t.logger.Warn("retry submission rejected", "message_id", item.msg.ID, "error", err.Error())
			t.failRetry(item.entry, err)
			continue
		}
		resubmitted++
	}
	return resubmitted, len(purged)
}

// failRetry finalizes delivery whose retry could not be submitted.
func (t *Tracker) failRetry(entry *trackedDelivery, cause error) {
	t.mu.Lock()
	if current, ok := t.active[entry.msg.ID]; !ok || current != entry {
		t.mu.Unlock()
		return
	}
	for id, st := range entry.states {
		if st == statePending {
			entry.states[id] = stateFailed
			entry.errors[id] = cause.Error()
		}
	}
	final := t.finalizeLocked(entry, domain.OutcomeFailed)
	t.mu.Unlock()
	t.emit(final)
}

// Run sweeps periodically until context is cancelled.
// Params: context controlling loop lifetime.
// Returns: when context is done.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.safeSweep()
		}
	}
}

func (t *Tracker) safeSweep() {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("tracker sweep panicked", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()
	t.Sweep(t.clock.Now())
}

// Stats returns tracker counters snapshot.
func (t *Tracker) Stats() TrackerStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := t.stats
	for _, entry := range t.active {
		if entry.awaiting {
			out.AwaitingRetry++
		} else {
			out.Pending++
		}
	}
	return out
}

// History returns finalized records, oldest first.
func (t *Tracker) History() []domain.DeliveryRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.DeliveryRecord, 0, len(t.history))
	if len(t.history) < t.opts.HistorySize {
		return append(out, t.history...)
	}
	out = append(out, t.history[t.historyPos:]...)
	return append(out, t.history[:t.historyPos]...)
}

type finalized struct {
	status    Status
	record    domain.DeliveryRecord
	callbacks []func(Status)
}

// finalizeLocked removes entry from active tracking and appends history.
func (t *Tracker) finalizeLocked(entry *trackedDelivery, outcome domain.DeliveryOutcome) *finalized {
	status := entry.snapshot()
	delete(t.active, entry.msg.ID)
	record := domain.DeliveryRecord{
		MessageID:   status.MessageID,
		Channel:     status.Channel,
		Priority:    status.Priority,
		Targets:     status.Targets,
		Successful:  status.Successful,
		Failed:      status.Failed,
		Pending:     status.Pending,
		Errors:      status.Errors,
		RetryCount:  status.RetryCount,
		CreatedAt:   status.CreatedAt,
		FinalizedAt: t.clock.Now(),
		Outcome:     outcome,
	}
	if len(t.history) < t.opts.HistorySize {
		t.history = append(t.history, record)
	} else {
		t.history[t.historyPos] = record
		t.historyPos = (t.historyPos + 1) % t.opts.HistorySize
	}

	out := &finalized{status: status, record: record}
	switch outcome {
	case domain.OutcomeDelivered:
		t.stats.CompletedSuccess++
		out.callbacks = append(out.callbacks, t.onSuccess...)
	case domain.OutcomeFailed:
		t.stats.CompletedFailed++
		out.callbacks = append(out.callbacks, t.onFailure...)
	case domain.OutcomePurged:
		t.stats.Purged++
	}
	return out
}

// emit persists record and fires callbacks outside tracker lock.
func (t *Tracker) emit(final *finalized) {
	if t.store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), storeWriteTimeout)
		if _, err := t.store.PutRecord(ctx, final.record); err != nil {
			t.logger.Error("history store write failed", "message_id", final.record.MessageID, "error", err.Error())
		}
		cancel()
	}
	for _, fn := range final.callbacks {
		t.invoke(fn, final.status)
	}
}

func (t *Tracker) invoke(fn func(Status), status Status) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error("delivery callback panicked", "message_id", status.MessageID, "panic", fmt.Sprint(rec))
		}
	}()
	fn(status)
}

func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
