// Package webhook posts mesh traffic to an HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/transport"
)

// TypeID is webhook link kind.
const TypeID = "webhook"

// ErrNotConnected is returned by Send before Connect succeeds.
var ErrNotConnected = errors.New("webhook link is not connected")

// Options configures webhook link.
// Params: endpoint URL, request timeout, extra headers, and node name.
// Returns: webhook settings.
type Options struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
	Node    string
}

// Transport posts JSON envelopes over HTTP.
// Params: options and clock.
// Returns: transport.Transport implementation.
type Transport struct {
	id      string
	opts    Options
	client  *http.Client
	clock   clock.Clock
	tracker *transport.Tracker
}

// New creates webhook link.
// Params: id, options, and optional clock.
// Returns: disconnected link.
func New(id string, opts Options, clk clock.Clock) *Transport {
	clk = clock.OrReal(clk)
	return &Transport{
		id:      id,
		opts:    opts,
		client:  &http.Client{Timeout: opts.Timeout},
		clock:   clk,
		tracker: transport.NewTracker(TypeID, clk),
	}
}

// ID returns transport id.
func (t *Transport) ID() string { return t.id }

// TypeID returns webhook kind.
func (t *Transport) TypeID() string { return TypeID }

// Connect validates endpoint URL; HTTP is connectionless.
// Params: context (unused).
// Returns: ErrConnection-kind error for malformed endpoint.
func (t *Transport) Connect(_ context.Context) error {
	t.tracker.Connecting()
	parsed, err := url.Parse(strings.TrimSpace(t.opts.URL))
	if err == nil && (parsed.Scheme != "http" && parsed.Scheme != "https" || parsed.Host == "") {
		err = fmt.Errorf("unsupported webhook url %q", t.opts.URL)
	}
	if err != nil {
		t.tracker.Failed(err)
		return domain.Wrap(domain.KindConnection, "connect "+t.id, err)
	}
	t.tracker.Connected()
	return nil
}

// Disconnect marks link disconnected and drops idle connections.
func (t *Transport) Disconnect() error {
	t.client.CloseIdleConnections()
	t.tracker.Disconnected()
	return nil
}

// Send posts envelope to endpoint.
// Params: context, content, and channel.
// Returns: transport error or non-2xx status error; transport errors mark link failed.
func (t *Transport) Send(ctx context.Context, content, channel string) error {
	if !t.tracker.IsConnected() {
		t.tracker.RecordSend(ErrNotConnected)
		return ErrNotConnected
	}
	body, err := transport.EncodeEnvelope(ctx, t.opts.Node, channel, content, t.clock.Now())
	if err != nil {
		t.tracker.RecordSend(err)
		return fmt.Errorf("encode envelope: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, t.opts.URL, bytes.NewReader(body))
	if err != nil {
		t.tracker.RecordSend(err)
		return fmt.Errorf("build webhook request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if id := transport.MessageIDFrom(ctx); id != "" {
		request.Header.Set("Idempotency-Key", id)
	}
	for key, value := range t.opts.Headers {
		request.Header.Set(key, value)
	}

	response, err := t.client.Do(request)
	if err != nil {
		t.tracker.RecordSend(err)
		if ctx.Err() == nil {
			t.tracker.Failed(err)
		}
		return fmt.Errorf("webhook send: %w", err)
	}
	defer response.Body.Close()
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		err = unexpectedHTTPStatusError("webhook", response)
		t.tracker.RecordSend(err)
		return err
	}
	_, _ = io.Copy(io.Discard, response.Body)
	t.tracker.RecordSend(nil)
	return nil
}

// IsConnected reports connected state.
func (t *Transport) IsConnected() bool { return t.tracker.IsConnected() }

// Status returns tracker snapshot.
func (t *Transport) Status() transport.Status { return t.tracker.Status() }

// unexpectedHTTPStatusError formats non-2xx HTTP response with optional body.
// Params: sender prefix label and HTTP response pointer.
// Returns: status-only or status+body error.
func unexpectedHTTPStatusError(prefix string, response *http.Response) error {
	rawBody, readErr := io.ReadAll(io.LimitReader(response.Body, 4096))
	if readErr != nil {
		return fmt.Errorf("%s status=%d (read body error: %w)", prefix, response.StatusCode, readErr)
	}
	trimmedBody := strings.TrimSpace(string(rawBody))
	if trimmedBody == "" {
		return fmt.Errorf("%s status=%d", prefix, response.StatusCode)
	}
	return fmt.Errorf("%s status=%d body=%s", prefix, response.StatusCode, trimmedBody)
}
