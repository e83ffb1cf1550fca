package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"meshalert/internal/crypto"
	"meshalert/internal/transport"
)

type webhookSink struct {
	mu        sync.Mutex
	envelopes []transport.Envelope
	keys      []string
	fail      bool
}

func (s *webhookSink) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	var envelope transport.Envelope
	if err := json.NewDecoder(request.Body).Decode(&envelope); err != nil {
		writer.WriteHeader(http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		writer.WriteHeader(http.StatusBadGateway)
		return
	}
	s.envelopes = append(s.envelopes, envelope)
	s.keys = append(s.keys, request.Header.Get("Idempotency-Key"))
	writer.WriteHeader(http.StatusNoContent)
}

func (s *webhookSink) setFail(fail bool) {
	s.mu.Lock()
	s.fail = fail
	s.mu.Unlock()
}

func (s *webhookSink) received() ([]transport.Envelope, []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transport.Envelope(nil), s.envelopes...), append([]string(nil), s.keys...)
}

func smokeConfig(port int, webhookURL, psk string) string {
	return fmt.Sprintf(`
[service]
name = "mesh-node-1"
max_message_length = 228

[log.console]
enabled = true
level = "error"

[mesh]
health_check_interval_sec = 1

[router]
policy = "all"
unhealthy_after = 3

[queue]
workers = 2
dequeue_timeout_ms = 20

[tracker]
max_retries = 1
base_delay_ms = 100
max_delay_ms = 200
sweep_interval_sec = 1

[channel.LongFast]
slot = 0
default = true

[channel.Secure]
slot = 1
psk = "%s"

[transport.loopback]
enabled = true
primary = true
priority = "high"

[transport.webhook]
enabled = true
priority = "medium"
url = "%s"
timeout_sec = 2

[ingest.http]
enabled = true
listen = "127.0.0.1:%d"
`, psk, webhookURL, port)
}

func postAlerts(t *testing.T, port int, body string) []string {
	t.Helper()
	response, err := http.Post(fmt.Sprintf("http://127.0.0.1:%d/alerts", port), "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("post alerts: %v", err)
	}
	defer response.Body.Close()
	var accepted struct {
		Accepted []string `json:"accepted"`
	}
	_ = json.NewDecoder(response.Body).Decode(&accepted)
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", response.StatusCode)
	}
	return accepted.Accepted
}

func TestServiceSmokeDeliversToEveryTransport(t *testing.T) {
	sink := &webhookSink{}
	hook := httptest.NewServer(sink)
	defer hook.Close()

	psk := "AAECAwQFBgcICQoLDA0ODxAREhMUFRYXGBkaGxwdHh8="
	port := freeHTTPPort(t)
	service := newServiceFromConfig(t, writeConfig(t, smokeConfig(port, hook.URL, psk)))
	cancel, done := runService(t, service)
	waitReady(t, port)

	ids := postAlerts(t, port, `{"content":"Test","channel":"Secure","priority":"high","source_id":"4ca123"}`)
	if len(ids) != 1 {
		t.Fatalf("expected one accepted id, got %v", ids)
	}

	waitFor(t, 5*time.Second, func() bool {
		stats, ok := fetchStats(t, port)
		return ok && stats.Tracker.CompletedSuccess == 1
	})
	envelopes, keys := sink.received()
	if len(envelopes) != 1 {
		t.Fatalf("expected one webhook envelope, got %d", len(envelopes))
	}
	if envelopes[0].Node != "mesh-node-1" || envelopes[0].Channel != "Secure" || envelopes[0].ID != ids[0] || keys[0] != ids[0] {
		t.Fatalf("unexpected envelope: %+v key=%q", envelopes[0], keys[0])
	}
	plain, err := crypto.DecryptString(envelopes[0].Content, psk)
	if err != nil || plain != "Test" {
		t.Fatalf("expected encrypted payload on secure channel, got %q (%v)", plain, err)
	}

	cancel()
	waitServiceStop(t, done)
}

func TestServiceSmokeWebhookOutageKeepsDelivering(t *testing.T) {
	sink := &webhookSink{}
	sink.setFail(true)
	hook := httptest.NewServer(sink)
	defer hook.Close()

	port := freeHTTPPort(t)
	service := newServiceFromConfig(t, writeConfig(t, smokeConfig(port, hook.URL, "AQID")))
	cancel, done := runService(t, service)
	waitReady(t, port)

	for i := 0; i < 4; i++ {
		postAlerts(t, port, fmt.Sprintf(`{"content":"alert %d"}`, i))
	}

	waitFor(t, 5*time.Second, func() bool {
		stats, ok := fetchStats(t, port)
		return ok && stats.Tracker.CompletedSuccess == 4
	})
	stats, _ := fetchStats(t, port)
	webhook, ok := stats.Router.PerTransport["webhook"]
	if !ok || webhook.Failed == 0 {
		t.Fatalf("expected webhook failures recorded, got %+v", stats.Router.PerTransport)
	}
	if stats.Transports.Primary != "loopback" {
		t.Fatalf("primary should stay on healthy loopback, got %q", stats.Transports.Primary)
	}

	cancel()
	waitServiceStop(t, done)
}
