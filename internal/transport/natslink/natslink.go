// Package natslink publishes mesh traffic through a NATS broker.
package natslink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/transport"

	"github.com/nats-io/nats.go"
)

const (
	// TypeID is NATS link kind.
	TypeID = "nats"

	defaultFlushTimeout = 5 * time.Second
)

// ErrNotConnected is returned by Send before Connect succeeds.
var ErrNotConnected = errors.New("nats link is not connected")

// Options configures NATS link.
// Params: server URLs, subject prefix, JetStream toggle, node name, and connect timeout.
// Returns: natslink settings.
type Options struct {
	URL            []string
	SubjectPrefix  string
	JetStream      bool
	Node           string
	ConnectTimeout time.Duration
}

// Transport is NATS broker link.
// Params: options, logger, and clock.
// Returns: transport.Transport implementation.
type Transport struct {
	id      string
	opts    Options
	logger  *slog.Logger
	clock   clock.Clock
	tracker *transport.Tracker

	mu sync.RWMutex
	nc *nats.Conn
	js nats.JetStreamContext
}

// New creates NATS link.
// Params: id, options, optional logger and clock.
// Returns: disconnected link.
func New(id string, opts Options, logger *slog.Logger, clk clock.Clock) *Transport {
	clk = clock.OrReal(clk)
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		id:      id,
		opts:    opts,
		logger:  logger,
		clock:   clk,
		tracker: transport.NewTracker(TypeID, clk),
	}
}

// ID returns transport id.
func (t *Transport) ID() string { return t.id }

// TypeID returns NATS kind.
func (t *Transport) TypeID() string { return TypeID }

// Connect dials NATS and optionally initializes JetStream.
// Params: context (deadline caps dial timeout).
// Returns: ErrConnection-kind error on dial failure.
func (t *Transport) Connect(ctx context.Context) error {
	t.tracker.Connecting()
	timeout := t.opts.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining > 0 && (timeout <= 0 || remaining < timeout) {
			timeout = remaining
		}
	}
	natsOpts := []nats.Option{
		nats.Name(t.id),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			t.tracker.Failed(fmt.Errorf("nats disconnected: %v", err))
			t.logger.Warn("nats link disconnected", "transport", t.id, "error", errString(err))
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			t.tracker.Connected()
			t.logger.Info("nats link reconnected", "transport", t.id, "url", conn.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			t.tracker.Disconnected()
		}),
	}
	if timeout > 0 {
		natsOpts = append(natsOpts, nats.Timeout(timeout))
	}
	nc, err := nats.Connect(strings.Join(t.opts.URL, ","), natsOpts...)
	if err != nil {
		t.tracker.Failed(err)
		return domain.Wrap(domain.KindConnection, "connect "+t.id, err)
	}
	var js nats.JetStreamContext
	if t.opts.JetStream {
		js, err = nc.JetStream()
		if err != nil {
			nc.Close()
			t.tracker.Failed(err)
			return domain.Wrap(domain.KindConnection, "connect "+t.id, fmt.Errorf("jetstream init: %w", err))
		}
	}

	t.mu.Lock()
	previous := t.nc
	t.nc = nc
	t.js = js
	t.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	t.tracker.Connected()
	return nil
}

// Disconnect drains and closes NATS connection.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	nc := t.nc
	t.nc = nil
	t.js = nil
	t.mu.Unlock()
	t.tracker.Disconnected()
	if nc == nil {
		return nil
	}
	if err := nc.Drain(); err != nil {
		nc.Close()
		return fmt.Errorf("drain nats link %s: %w", t.id, err)
	}
	return nil
}

// Send publishes envelope to `<prefix>.<channel>`.
// Params: context, content, and channel.
// Returns: publish error.
func (t *Transport) Send(ctx context.Context, content, channel string) error {
	t.mu.RLock()
	nc := t.nc
	js := t.js
	t.mu.RUnlock()
	if nc == nil || !nc.IsConnected() {
		t.tracker.RecordSend(ErrNotConnected)
		return ErrNotConnected
	}

	body, err := transport.EncodeEnvelope(ctx, t.opts.Node, channel, content, t.clock.Now())
	if err != nil {
		t.tracker.RecordSend(err)
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := nats.NewMsg(Subject(t.opts.SubjectPrefix, channel))
	msg.Data = body
	if js != nil {
		if id := transport.MessageIDFrom(ctx); id != "" {
			msg.Header.Set(nats.MsgIdHdr, id)
		}
		_, err = js.PublishMsg(msg, nats.Context(ctx))
	} else {
		err = nc.PublishMsg(msg)
		if err == nil {
			err = t.flush(ctx, nc)
		}
	}
	t.tracker.RecordSend(err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", msg.Subject, err)
	}
	return nil
}

// flush waits for server ack of buffered publishes.
// Params: send context and connection.
// Returns: flush error.
func (t *Transport) flush(ctx context.Context, nc *nats.Conn) error {
	if _, ok := ctx.Deadline(); ok {
		return nc.FlushWithContext(ctx)
	}
	timeout := t.opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultFlushTimeout
	}
	return nc.FlushTimeout(timeout)
}

// IsConnected reports live NATS connection state.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	nc := t.nc
	t.mu.RUnlock()
	return nc != nil && nc.IsConnected()
}

// Status returns tracker snapshot.
func (t *Transport) Status() transport.Status { return t.tracker.Status() }

// Subject builds publish subject for channel.
// Params: subject prefix and channel name.
// Returns: subject with channel token lower-cased and NATS wildcards replaced.
func Subject(prefix, channel string) string {
	token := strings.ToLower(strings.TrimSpace(channel))
	token = strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(token)
	if token == "" {
		token = "default"
	}
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		return token
	}
	return prefix + "." + token
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
