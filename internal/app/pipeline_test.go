package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"meshalert/internal/channel"
	"meshalert/internal/clock"
	"meshalert/internal/connmgr"
	"meshalert/internal/crypto"
	"meshalert/internal/delivery"
	"meshalert/internal/domain"
	"meshalert/internal/router"
	"meshalert/internal/state"
	"meshalert/internal/transport/loopback"
)

type pipelineHarness struct {
	clock    *clock.Manual
	pipeline *Pipeline
	queue    *delivery.Queue
	tracker  *delivery.Tracker
	router   *router.Router
	manager  *connmgr.Manager
	store    *state.MemoryStore
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newPipelineHarness(t *testing.T, capacity int, registry *channel.Registry, links ...*loopback.Transport) *pipelineHarness {
	t.Helper()
	clk := clock.NewManual(time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC))
	logger := testLogger()
	manager := connmgr.New(connmgr.Options{FailoverEnabled: true}, logger, clk)
	rt := router.New(router.Options{DefaultPolicy: router.PolicyAll}, manager, logger, clk)
	for _, link := range links {
		if err := rt.AddTransport(link); err != nil {
			t.Fatalf("router add %s: %v", link.ID(), err)
		}
		if err := manager.Register(link, domain.PriorityMedium, false); err != nil {
			t.Fatalf("manager register %s: %v", link.ID(), err)
		}
	}
	store := state.NewMemoryStore(clk.Now, time.Hour)
	queue := delivery.NewQueue(capacity, clk)
	tracker := delivery.NewTracker(delivery.TrackerOptions{}, store, logger, clk)
	composer := NewComposer(registry, 228, 3, clk)
	p := NewPipeline(composer, queue, tracker, rt, PipelineOptions{Workers: 1, DequeueTimeout: 20 * time.Millisecond}, logger)
	return &pipelineHarness{
		clock:    clk,
		pipeline: p,
		queue:    queue,
		tracker:  tracker,
		router:   rt,
		manager:  manager,
		store:    store,
	}
}

func (h *pipelineHarness) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.pipeline.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Errorf("pipeline workers did not stop")
		}
	})
}

func onlineLink(t *testing.T, id string) *loopback.Transport {
	t.Helper()
	link := loopback.New(id)
	if err := link.Connect(context.Background()); err != nil {
		t.Fatalf("connect %s: %v", id, err)
	}
	return link
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met within %s", timeout)
}

func TestDispatchSecureChannelSkipsDisconnectedTransport(t *testing.T) {
	t.Parallel()

	psk := mustPSK(t)
	secure := openChannel("Secure", 1)
	secure.PSK = psk
	registry := testRegistry(t, openChannel("LongFast", 0), secure)
	linkA := onlineLink(t, "A")
	linkB := loopback.New("B")
	h := newPipelineHarness(t, 10, registry, linkA, linkB)

	outcome, err := h.pipeline.Dispatch(context.Background(), AlertRequest{Content: "Test", Channel: "Secure", Priority: "high"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if targets := outcome.Targets(); len(targets) != 1 || targets[0] != "A" {
		t.Fatalf("expected only A targeted, got %v", targets)
	}
	if !outcome.Delivered() {
		t.Fatalf("expected delivered outcome")
	}

	delivered := linkA.Delivered()
	if len(delivered) != 1 || delivered[0].Channel != "Secure" {
		t.Fatalf("unexpected deliveries on A: %+v", delivered)
	}
	plain, err := crypto.DecryptString(delivered[0].Content, psk)
	if err != nil || plain != "Test" {
		t.Fatalf("expected encrypted Test on wire, got %q (%v)", plain, err)
	}
	if len(linkB.Delivered()) != 0 {
		t.Fatalf("disconnected transport must not receive message")
	}

	healthB, ok := h.router.Health("B")
	if !ok || healthB.ConsecutiveFailures != 1 || healthB.Healthy {
		t.Fatalf("unexpected B health: %+v", healthB)
	}

	history := h.tracker.History()
	if len(history) != 1 || history[0].Outcome != domain.OutcomeDelivered {
		t.Fatalf("expected delivered record, got %+v", history)
	}
	if len(history[0].Successful) != 1 || history[0].Successful[0] != "A" {
		t.Fatalf("unexpected successful set: %v", history[0].Successful)
	}
	if _, _, err := h.store.GetRecord(context.Background(), outcome.MessageID); err != nil {
		t.Fatalf("expected persisted record: %v", err)
	}

	snapshot := h.manager.Snapshot()
	for _, item := range snapshot.Transports {
		if item.ID == "A" && item.MessagesSent != 1 {
			t.Fatalf("expected connection manager to count send on A, got %d", item.MessagesSent)
		}
	}
}

func TestWorkersDeliverByPriority(t *testing.T) {
	t.Parallel()

	link := onlineLink(t, "A")
	h := newPipelineHarness(t, 10, testRegistry(t, openChannel("LongFast", 0)), link)
	ctx := context.Background()
	for _, req := range []AlertRequest{
		{Content: "low", Priority: "low"},
		{Content: "critical", Priority: "critical"},
		{Content: "high", Priority: "high"},
	} {
		if _, err := h.pipeline.Submit(ctx, req); err != nil {
			t.Fatalf("submit %s: %v", req.Content, err)
		}
	}
	h.start(t)

	waitFor(t, 2*time.Second, func() bool { return len(link.Delivered()) == 3 })
	got := link.Delivered()
	want := []string{"critical", "high", "low"}
	for i := range want {
		if got[i].Content != want[i] {
			t.Fatalf("delivery %d: expected %q, got %q", i, want[i], got[i].Content)
		}
	}
	waitFor(t, time.Second, func() bool { return h.tracker.Stats().CompletedSuccess == 3 })
}

func TestRetryBudgetExhaustedAfterBackoff(t *testing.T) {
	t.Parallel()

	link := onlineLink(t, "A")
	link.FailAll(true)
	h := newPipelineHarness(t, 10, testRegistry(t, openChannel("LongFast", 0)), link)
	h.start(t)

	retries := 2
	id, err := h.pipeline.Submit(context.Background(), AlertRequest{Content: "retry me", MaxRetries: &retries})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	for round := 1; round <= retries; round++ {
		round := round
		waitFor(t, 2*time.Second, func() bool {
			status, ok := h.pipeline.Status(id)
			return ok && status.AwaitingRetry && status.RetryCount == round
		})
		if resubmitted, _ := h.tracker.Sweep(h.clock.Now()); resubmitted != 0 {
			t.Fatalf("round %d: retry fired before backoff elapsed", round)
		}
		h.clock.Advance(10 * time.Minute)
		if resubmitted, _ := h.tracker.Sweep(h.clock.Now()); resubmitted != 1 {
			t.Fatalf("round %d: expected one resubmission, got %d", round, resubmitted)
		}
	}

	waitFor(t, 2*time.Second, func() bool { return h.tracker.Stats().CompletedFailed == 1 })
	if sent := link.Status().Stats.Failed; sent != uint64(retries+1) {
		t.Fatalf("expected %d send attempts, got %d", retries+1, sent)
	}
	history := h.tracker.History()
	if len(history) != 1 || history[0].Outcome != domain.OutcomeFailed || history[0].RetryCount != retries {
		t.Fatalf("unexpected final record: %+v", history)
	}
}

func TestRetrySucceedsOnSecondAttempt(t *testing.T) {
	t.Parallel()

	link := onlineLink(t, "A")
	link.FailNext(1)
	h := newPipelineHarness(t, 10, testRegistry(t, openChannel("LongFast", 0)), link)
	h.start(t)

	id, err := h.pipeline.Submit(context.Background(), AlertRequest{Content: "flaky"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		status, ok := h.pipeline.Status(id)
		return ok && status.AwaitingRetry
	})
	h.clock.Advance(time.Minute)
	h.tracker.Sweep(h.clock.Now())

	waitFor(t, 2*time.Second, func() bool { return h.tracker.Stats().CompletedSuccess == 1 })
	history := h.tracker.History()
	if len(history) != 1 || history[0].RetryCount != 1 || history[0].Outcome != domain.OutcomeDelivered {
		t.Fatalf("unexpected record: %+v", history)
	}
	if len(link.Delivered()) != 1 {
		t.Fatalf("expected one captured delivery, got %d", len(link.Delivered()))
	}
}

func TestSubmitQueueFullAndBatchValidation(t *testing.T) {
	t.Parallel()

	h := newPipelineHarness(t, 1, testRegistry(t, openChannel("LongFast", 0)), onlineLink(t, "A"))
	ctx := context.Background()
	if _, err := h.pipeline.Submit(ctx, AlertRequest{Content: "first"}); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := h.pipeline.Submit(ctx, AlertRequest{Content: "second"}); !errors.Is(err, delivery.ErrQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}

	ids, err := h.pipeline.SubmitBatch(ctx, []AlertRequest{{Content: "ok", Priority: "critical"}, {Content: ""}})
	if !errors.Is(err, domain.ErrValidation) || ids != nil {
		t.Fatalf("expected batch validation error without ids, got %v %v", ids, err)
	}
	if h.queue.Len() != 1 {
		t.Fatalf("batch must not enqueue on validation error, queue len %d", h.queue.Len())
	}

	ids, err = h.pipeline.SubmitBatch(ctx, []AlertRequest{{Content: "urgent", Priority: "critical"}})
	if err != nil || len(ids) != 1 {
		t.Fatalf("expected critical alert to evict low-priority entry: %v %v", ids, err)
	}
	if stats := h.pipeline.Stats(); stats.Queue.Evicted != 1 || stats.Queue.Dropped != 1 {
		t.Fatalf("unexpected queue stats: %+v", stats.Queue)
	}
}

func TestDispatchWithoutHealthyTransport(t *testing.T) {
	t.Parallel()

	offline := loopback.New("A")
	h := newPipelineHarness(t, 10, testRegistry(t, openChannel("LongFast", 0)), offline)

	outcome, err := h.pipeline.Dispatch(context.Background(), AlertRequest{Content: "nobody home"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(outcome.Attempts) != 0 || outcome.LastResort {
		t.Fatalf("non-critical message must not be attempted: %+v", outcome)
	}
	history := h.tracker.History()
	if len(history) != 1 || history[0].Outcome != domain.OutcomeFailed {
		t.Fatalf("expected immediate failure record, got %+v", history)
	}

	outcome, err = h.pipeline.Dispatch(context.Background(), AlertRequest{Content: "mayday", Priority: "critical"})
	if err != nil {
		t.Fatalf("dispatch critical: %v", err)
	}
	if !outcome.LastResort || len(outcome.Attempts) != 1 || outcome.Delivered() {
		t.Fatalf("expected failed last-resort attempt, got %+v", outcome)
	}
	if status, ok := h.pipeline.Status(outcome.MessageID); !ok || !status.AwaitingRetry {
		t.Fatalf("failed critical delivery should await retry, got %+v", status)
	}
}
