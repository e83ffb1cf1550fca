package router

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/transport/loopback"
)

type recordedResult struct {
	id      string
	success bool
}

type fakeRecorder struct {
	mu      sync.Mutex
	begun   []string
	results []recordedResult
}

func (f *fakeRecorder) BeginSend(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.begun = append(f.begun, id)
}

func (f *fakeRecorder) RecordMessageResult(id string, success bool, _ time.Duration, _ error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, recordedResult{id: id, success: success})
}

func newTestRouter(t *testing.T, opts Options, recorder ResultRecorder, links ...*loopback.Transport) *Router {
	t.Helper()
	r := New(opts, recorder, slog.New(slog.NewTextHandler(io.Discard, nil)), clock.NewManual(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)))
	for _, link := range links {
		if err := r.AddTransport(link); err != nil {
			t.Fatalf("add transport %s: %v", link.ID(), err)
		}
	}
	return r
}

func link(t *testing.T, id string, connect bool) *loopback.Transport {
	t.Helper()
	l := loopback.New(id)
	if connect {
		if err := l.Connect(context.Background()); err != nil {
			t.Fatalf("connect %s: %v", id, err)
		}
	}
	return l
}

func message(t *testing.T, content string, priority domain.Priority) *domain.Message {
	t.Helper()
	msg, err := domain.NewMessage(content, "Secure", priority)
	if err != nil {
		t.Fatalf("new message: %v", err)
	}
	return msg
}

func TestRouteAllAndPrimary(t *testing.T) {
	t.Parallel()

	a := link(t, "a", true)
	b := link(t, "b", true)
	b.FailNext(1)
	r := newTestRouter(t, Options{}, nil, a, b)

	outcome := r.Route(context.Background(), message(t, "alert one", domain.PriorityHigh), PolicyAll)
	results := outcome.Results()
	if len(results) != 2 || !results[0] || results[1] {
		t.Fatalf("ALL results = %v, want [true false]", results)
	}
	if !outcome.Delivered() {
		t.Fatalf("expected delivered outcome")
	}

	outcome = r.Route(context.Background(), message(t, "alert two", domain.PriorityHigh), PolicyPrimary)
	if got := outcome.Targets(); len(got) != 1 || got[0] != "a" {
		t.Fatalf("PRIMARY targets = %v, want [a]", got)
	}

	stats := r.Stats()
	if stats.Total != 2 || stats.Successful != 2 || stats.Failed != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.PerTransport["b"].Failed != 1 || stats.PerTransport["a"].Success != 2 {
		t.Fatalf("unexpected per-transport stats: %+v", stats.PerTransport)
	}
	if stats.Primary != "a" || stats.Policy != PolicyAll {
		t.Fatalf("unexpected primary/policy: %+v", stats)
	}
}

func TestRouteSecureScenarioFiltersDisconnected(t *testing.T) {
	t.Parallel()

	up := link(t, "up", true)
	down := link(t, "down", false)
	recorder := &fakeRecorder{}
	r := newTestRouter(t, Options{}, recorder, up, down)

	msg := message(t, "WATCHLIST: ABC123", domain.PriorityHigh)
	outcome := r.Route(context.Background(), msg, PolicyAll)
	if got := outcome.Results(); len(got) != 1 || !got[0] {
		t.Fatalf("results = %v, want [true]", got)
	}
	health, ok := r.Health("down")
	if !ok || health.ConsecutiveFailures != 1 || health.Healthy {
		t.Fatalf("disconnected transport health = %+v", health)
	}
	if len(recorder.results) != 1 || recorder.results[0].id != "up" || !recorder.results[0].success {
		t.Fatalf("recorder results = %+v", recorder.results)
	}
	if len(recorder.begun) != 1 {
		t.Fatalf("BeginSend calls = %v", recorder.begun)
	}
	if delivered := up.Delivered(); len(delivered) != 1 || delivered[0].Content != "WATCHLIST: ABC123" {
		t.Fatalf("unexpected delivery: %+v", delivered)
	}
}

func TestRouteFallback(t *testing.T) {
	t.Parallel()

	primary := link(t, "primary", true)
	b1 := link(t, "b1", true)
	b2 := link(t, "b2", true)
	r := newTestRouter(t, Options{}, nil, primary, b1, b2)

	outcome := r.Route(context.Background(), message(t, "one", domain.PriorityMedium), PolicyFallback)
	if got := outcome.Targets(); len(got) != 1 || got[0] != "primary" {
		t.Fatalf("targets = %v, want [primary]", got)
	}

	primary.SetReachable(false)
	outcome = r.Route(context.Background(), message(t, "two", domain.PriorityMedium), PolicyFallback)
	if got := outcome.Targets(); len(got) != 2 || got[0] != "b1" || got[1] != "b2" {
		t.Fatalf("targets = %v, want [b1 b2]", got)
	}
}

func TestRouteLoadBalanceIsDeterministic(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, Options{}, nil, link(t, "a", true), link(t, "b", true), link(t, "c", true))
	first := r.Route(context.Background(), message(t, "same content", domain.PriorityLow), PolicyLoadBalance).Targets()
	if len(first) != 1 {
		t.Fatalf("load balance must target exactly one transport, got %v", first)
	}
	for i := 0; i < 5; i++ {
		next := r.Route(context.Background(), message(t, "same content", domain.PriorityLow), PolicyLoadBalance).Targets()
		if len(next) != 1 || next[0] != first[0] {
			t.Fatalf("content mapped to %v then %v", first, next)
		}
	}
}

func TestRouteNoHealthyTransport(t *testing.T) {
	t.Parallel()

	a := link(t, "a", false)
	b := link(t, "b", false)
	r := newTestRouter(t, Options{}, nil, a, b)

	outcome := r.Route(context.Background(), message(t, "routine", domain.PriorityHigh), PolicyAll)
	if len(outcome.Attempts) != 0 || outcome.LastResort {
		t.Fatalf("non-critical message must not be attempted: %+v", outcome)
	}

	outcome = r.Route(context.Background(), message(t, "critical", domain.PriorityCritical), PolicyPrimary)
	if !outcome.LastResort || len(outcome.Attempts) != 2 {
		t.Fatalf("critical message must try every transport: %+v", outcome)
	}
	if outcome.Delivered() {
		t.Fatalf("disconnected transports cannot deliver")
	}
	if stats := r.Stats(); stats.Failed != 2 || stats.Successful != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestUnhealthyAfterConsecutiveFailuresAndRestore(t *testing.T) {
	t.Parallel()

	a := link(t, "a", true)
	a.FailAll(true)
	r := newTestRouter(t, Options{UnhealthyAfter: 3}, nil, a)

	for i := 0; i < 2; i++ {
		r.Route(context.Background(), message(t, "x", domain.PriorityLow), PolicyAll)
	}
	if h, _ := r.Health("a"); !h.Healthy || h.ConsecutiveFailures != 2 {
		t.Fatalf("two failures must keep transport healthy: %+v", h)
	}
	r.Route(context.Background(), message(t, "x", domain.PriorityLow), PolicyAll)
	if h, _ := r.Health("a"); h.Healthy {
		t.Fatalf("three failures must mark transport unhealthy: %+v", h)
	}
	if outcome := r.Route(context.Background(), message(t, "x", domain.PriorityLow), PolicyAll); len(outcome.Attempts) != 0 {
		t.Fatalf("unhealthy transport must be filtered: %+v", outcome)
	}

	a.FailAll(false)
	r.CheckHealth()
	h, _ := r.Health("a")
	if !h.Healthy || h.ConsecutiveFailures != 0 {
		t.Fatalf("passing probe must restore health: %+v", h)
	}
	if outcome := r.Route(context.Background(), message(t, "x", domain.PriorityLow), PolicyAll); !outcome.Delivered() {
		t.Fatalf("restored transport must deliver: %+v", outcome)
	}
}

func TestHistoryIsBoundedAndTruncated(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, Options{HistorySize: 2}, nil, link(t, "a", true))
	long := "0123456789012345678901234567890123456789012345678901234567890123456789"
	for _, content := range []string{"first", "second", long} {
		r.Route(context.Background(), message(t, content, domain.PriorityLow), PolicyAll)
	}
	history := r.History()
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].Content != "second" {
		t.Fatalf("oldest record = %q, want second", history[0].Content)
	}
	if got := []rune(history[1].Content); len(got) != historyContentLimit {
		t.Fatalf("content not truncated: %q", history[1].Content)
	}
	if history[1].Channel != "Secure" || history[1].Priority != "low" || len(history[1].Results) != 1 {
		t.Fatalf("unexpected record: %+v", history[1])
	}
}

func TestAddRemoveAndSetPrimary(t *testing.T) {
	t.Parallel()

	a := link(t, "a", true)
	b := link(t, "b", true)
	r := newTestRouter(t, Options{}, nil, a, b)
	if err := r.AddTransport(a); err == nil {
		t.Fatalf("expected duplicate error")
	}
	if err := r.SetPrimary("missing"); err == nil {
		t.Fatalf("expected unknown primary error")
	}
	if err := r.SetPrimary("b"); err != nil {
		t.Fatalf("set primary: %v", err)
	}
	if !r.RemoveTransport("b") || r.RemoveTransport("b") {
		t.Fatalf("remove must report presence once")
	}
	if r.Primary() != "a" {
		t.Fatalf("primary = %q, want a", r.Primary())
	}
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	tests := map[string]Policy{"": PolicyAll, "ALL": PolicyAll, "load-balance": PolicyLoadBalance, "fallback": PolicyFallback}
	for input, want := range tests {
		got, err := ParsePolicy(input)
		if err != nil || got != want {
			t.Fatalf("ParsePolicy(%q) = %q, %v", input, got, err)
		}
	}
	if _, err := ParsePolicy("random"); err == nil {
		t.Fatalf("expected error")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	r := newTestRouter(t, Options{HealthCheckInterval: 5 * time.Millisecond}, nil, link(t, "a", false))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("router loop did not stop")
	}
	if h, _ := r.Health("a"); h.Healthy || h.ConsecutiveFailures == 0 {
		t.Fatalf("probe loop did not record disconnected transport: %+v", h)
	}
}
