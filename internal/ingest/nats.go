package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"meshalert/internal/config"
	"meshalert/internal/domain"
	"meshalert/internal/metrics"

	"github.com/nats-io/nats.go"
)

const (
	ingestStreamMaxAge = 24 * time.Hour
	dlqPublishTimeout  = 5 * time.Second
)

// NATSSubscriber consumes alerts via JetStream queue consumer and forwards to sink.
// Params: NATS connection, queue subscriptions, and alert sink.
// Returns: NATS ingest lifecycle handle.
type NATSSubscriber struct {
	nc         *nats.Conn
	js         nats.JetStreamContext
	subs       []*nats.Subscription
	sink       AlertSink
	logger     *slog.Logger
	nack       time.Duration
	maxDeliver int
	dlqSubject string
	now        func() time.Time
}

// NewNATSSubscriber creates JetStream queue consumer for alert ingestion.
// Params: ingest NATS config, sink, and logger.
// Returns: started subscriber or initialization error.
func NewNATSSubscriber(cfg config.NATSIngestConfig, sink AlertSink, logger *slog.Logger) (*NATSSubscriber, error) {
	if logger == nil {
		logger = slog.Default()
	}
	nc, err := nats.Connect(strings.Join(cfg.URL, ","), nats.Name("meshalert-ingest"))
	if err != nil {
		return nil, fmt.Errorf("connect nats ingest: %w", err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init for ingest: %w", err)
	}
	if err := ensureStream(js, cfg.Stream, cfg.Subject, nats.WorkQueuePolicy, ingestStreamMaxAge); err != nil {
		nc.Close()
		return nil, err
	}
	if cfg.DLQSubject != "" {
		if err := ensureStream(js, cfg.DLQStream, cfg.DLQSubject, nats.LimitsPolicy, dlqStreamMaxAge); err != nil {
			nc.Close()
			return nil, err
		}
	}

	subscriber := &NATSSubscriber{
		nc:         nc,
		js:         js,
		sink:       sink,
		logger:     logger,
		nack:       time.Duration(cfg.NackDelayMS) * time.Millisecond,
		maxDeliver: cfg.MaxDeliver,
		dlqSubject: cfg.DLQSubject,
		now:        time.Now,
	}
	subOpts := []nats.SubOpt{
		nats.BindStream(cfg.Stream),
		nats.Durable(cfg.ConsumerName),
		nats.ManualAck(),
		nats.AckExplicit(),
		nats.AckWait(time.Duration(cfg.AckWaitSec) * time.Second),
		nats.MaxDeliver(cfg.MaxDeliver),
		nats.MaxAckPending(cfg.MaxAckPending),
		nats.DeliverAll(),
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		sub, err := js.QueueSubscribe(cfg.Subject, cfg.DeliverGroup, subscriber.handle, subOpts...)
		if err != nil {
			_ = subscriber.Close()
			return nil, fmt.Errorf("queue subscribe %q/%q: %w", cfg.Subject, cfg.DeliverGroup, err)
		}
		subscriber.subs = append(subscriber.subs, sub)
	}
	return subscriber, nil
}

// handle processes one JetStream message.
// Decode and permanent failures are acked, transient failures nacked until
// max deliver; both terminal cases go to the dead-letter subject when set.
func (s *NATSSubscriber) handle(message *nats.Msg) {
	scratch := acquireDecodeScratch()
	defer releaseDecodeScratch(scratch)

	attempts := deliveryAttempts(message)
	alerts, err := decodeAlertPayload(message.Data, scratch)
	if err != nil {
		metrics.IncIngest("nats", false)
		s.logger.Warn("nats ingest decode failed", "subject", message.Subject, "error", err.Error())
		s.terminate(message, DLQReasonDecode, err, attempts)
		return
	}
	ids, err := submitAlerts(context.Background(), s.sink, alerts)
	for range ids {
		metrics.IncIngest("nats", true)
	}
	if err == nil {
		s.ackMessage(message, "processed")
		return
	}
	metrics.IncIngest("nats", false)
	if domain.IsPermanent(err) {
		s.logger.Warn("nats ingest rejected alert", "subject", message.Subject, "attempts", attempts, "error", err.Error())
		s.terminate(message, DLQReasonRejected, err, attempts)
		return
	}
	s.logger.Error("nats ingest submit failed", "subject", message.Subject, "attempts", attempts, "error", err.Error())
	if isMaxDeliverExceeded(attempts, s.maxDeliver) {
		s.terminate(message, DLQReasonMaxDeliverExceeded, err, attempts)
		return
	}
	s.nackMessage(message)
}

// terminate dead-letters message (when configured) and acks it.
// A failed dead-letter publish nacks instead so the payload is not lost.
func (s *NATSSubscriber) terminate(message *nats.Msg, reason DLQReason, cause error, attempts uint64) {
	if s.dlqSubject != "" {
		ctx, cancel := context.WithTimeout(context.Background(), dlqPublishTimeout)
		err := s.publishDLQ(ctx, message, reason, cause, attempts)
		cancel()
		if err != nil {
			s.logger.Error("nats ingest dlq publish failed", "subject", message.Subject, "reason", string(reason), "error", err.Error())
			s.nackMessage(message)
			return
		}
		metrics.IncIngestDeadLetter(string(reason))
	}
	s.ackMessage(message, string(reason))
}

// ackMessage acknowledges processed/invalid message and logs ack failures.
func (s *NATSSubscriber) ackMessage(message *nats.Msg, reason string) {
	if err := message.Ack(); err != nil {
		s.logger.Warn("nats ingest ack failed", "subject", message.Subject, "reason", reason, "error", err.Error())
	}
}

// nackMessage asks JetStream to redeliver message and logs nack failures.
func (s *NATSSubscriber) nackMessage(message *nats.Msg) {
	var err error
	if s.nack > 0 {
		err = message.NakWithDelay(s.nack)
	} else {
		err = message.Nak()
	}
	if err != nil {
		s.logger.Warn("nats ingest nack failed", "subject", message.Subject, "error", err.Error())
	}
}

// Close drains subscriptions and closes connection.
// Params: none.
// Returns: first drain error.
func (s *NATSSubscriber) Close() error {
	var firstErr error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.nc.Close()
	return firstErr
}

// ensureStream creates stream when missing.
// Params: JetStream context, stream name, subject, retention, and max age.
// Returns: lookup or create error.
func ensureStream(js nats.JetStreamContext, streamName, subject string, retention nats.RetentionPolicy, maxAge time.Duration) error {
	if _, err := js.StreamInfo(streamName); err == nil {
		return nil
	} else if err != nats.ErrStreamNotFound && !strings.Contains(strings.ToLower(err.Error()), "stream not found") {
		return fmt.Errorf("stream info %q: %w", streamName, err)
	}
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{subject},
		Retention: retention,
		Storage:   nats.FileStorage,
		MaxAge:    maxAge,
	})
	if err != nil {
		return fmt.Errorf("create stream %q: %w", streamName, err)
	}
	return nil
}

// deliveryAttempts returns number of delivery attempts from JetStream metadata.
func deliveryAttempts(message *nats.Msg) uint64 {
	metadata, err := message.Metadata()
	if err != nil || metadata == nil || metadata.NumDelivered <= 0 {
		return 1
	}
	return metadata.NumDelivered
}

// Publish sends one alert request to ingest subject; used by producers and tests.
// Params: context, JetStream context, subject, and request.
// Returns: publish error.
func Publish(ctx context.Context, js nats.JetStreamContext, subject string, req domain.AlertRequest) error {
	if err := req.Validate(); err != nil {
		return err
	}
	body, err := marshalAlert(req)
	if err != nil {
		return err
	}
	if _, err := js.Publish(subject, body, nats.Context(ctx)); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}
	return nil
}
