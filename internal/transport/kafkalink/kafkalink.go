// Package kafkalink publishes mesh traffic to a Kafka topic.
package kafkalink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/transport"

	"github.com/segmentio/kafka-go"
)

// TypeID is Kafka link kind.
const TypeID = "kafka"

// ErrNotConnected is returned by Send before Connect succeeds.
var ErrNotConnected = errors.New("kafka link is not connected")

// Options configures Kafka link.
// Params: brokers, topic, writer batch timeout, node name, and dial timeout.
// Returns: kafkalink settings.
type Options struct {
	Brokers        []string
	Topic          string
	BatchTimeout   time.Duration
	Node           string
	ConnectTimeout time.Duration
}

// messageWriter is the subset of kafka.Writer used by the link.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Transport is Kafka broker link.
// Params: options, logger, and clock.
// Returns: transport.Transport implementation.
type Transport struct {
	id      string
	opts    Options
	logger  *slog.Logger
	clock   clock.Clock
	tracker *transport.Tracker

	probe     func(ctx context.Context, broker string) error
	newWriter func(opts Options) messageWriter

	mu     sync.Mutex
	writer messageWriter
}

// New creates Kafka link.
// Params: id, options, optional logger and clock.
// Returns: disconnected link.
func New(id string, opts Options, logger *slog.Logger, clk clock.Clock) *Transport {
	clk = clock.OrReal(clk)
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		id:        id,
		opts:      opts,
		logger:    logger,
		clock:     clk,
		tracker:   transport.NewTracker(TypeID, clk),
		probe:     probeBroker,
		newWriter: newKafkaWriter,
	}
}

// probeBroker dials broker once to verify reachability.
func probeBroker(ctx context.Context, broker string) error {
	conn, err := kafka.DialContext(ctx, "tcp", broker)
	if err != nil {
		return err
	}
	return conn.Close()
}

func newKafkaWriter(opts Options) messageWriter {
	return &kafka.Writer{
		Addr:                   kafka.TCP(opts.Brokers...),
		Topic:                  opts.Topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           opts.BatchTimeout,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}
}

// ID returns transport id.
func (t *Transport) ID() string { return t.id }

// TypeID returns Kafka kind.
func (t *Transport) TypeID() string { return TypeID }

// Connect probes first reachable broker and opens writer.
// Params: context bounding broker dial.
// Returns: ErrConnection-kind error when no broker answers.
func (t *Transport) Connect(ctx context.Context) error {
	t.tracker.Connecting()
	if t.opts.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.opts.ConnectTimeout)
		defer cancel()
	}
	var lastErr error
	for _, broker := range t.opts.Brokers {
		if lastErr = t.probe(ctx, broker); lastErr == nil {
			break
		}
	}
	if len(t.opts.Brokers) == 0 {
		lastErr = errors.New("no brokers configured")
	}
	if lastErr != nil {
		t.tracker.Failed(lastErr)
		return domain.Wrap(domain.KindConnection, "connect "+t.id, lastErr)
	}

	t.mu.Lock()
	if t.writer == nil {
		t.writer = t.newWriter(t.opts)
	}
	t.mu.Unlock()
	t.tracker.Connected()
	return nil
}

// Disconnect flushes and closes writer.
func (t *Transport) Disconnect() error {
	t.mu.Lock()
	writer := t.writer
	t.writer = nil
	t.mu.Unlock()
	t.tracker.Disconnected()
	if writer == nil {
		return nil
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close kafka writer %s: %w", t.id, err)
	}
	return nil
}

// Send writes envelope keyed by channel.
// Params: context, content, and channel.
// Returns: write error; network errors also mark link failed.
func (t *Transport) Send(ctx context.Context, content, channel string) error {
	t.mu.Lock()
	writer := t.writer
	t.mu.Unlock()
	if writer == nil || !t.tracker.IsConnected() {
		t.tracker.RecordSend(ErrNotConnected)
		return ErrNotConnected
	}
	body, err := transport.EncodeEnvelope(ctx, t.opts.Node, channel, content, t.clock.Now())
	if err != nil {
		t.tracker.RecordSend(err)
		return fmt.Errorf("encode envelope: %w", err)
	}
	msg := kafka.Message{Key: []byte(channel), Value: body, Time: t.clock.Now()}
	if id := transport.MessageIDFrom(ctx); id != "" {
		msg.Headers = []kafka.Header{{Key: "message-id", Value: []byte(id)}}
	}
	err = writer.WriteMessages(ctx, msg)
	t.tracker.RecordSend(err)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) {
			t.tracker.Failed(err)
			t.logger.Warn("kafka link lost broker", "transport", t.id, "error", err.Error())
		}
		return fmt.Errorf("write kafka message: %w", err)
	}
	return nil
}

// IsConnected reports whether last connect succeeded and no network error followed.
func (t *Transport) IsConnected() bool { return t.tracker.IsConnected() }

// Status returns tracker snapshot.
func (t *Transport) Status() transport.Status { return t.tracker.Status() }
