package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"meshalert/internal/delivery"
	"meshalert/internal/domain"
	"meshalert/internal/metrics"
	"meshalert/internal/router"
)

const (
	defaultWorkers        = 2
	defaultDequeueTimeout = time.Second
	defaultSendTimeout    = 30 * time.Second
)

// PipelineOptions configures queue workers.
// Params: worker count, dequeue wait, and per-route send timeout.
// Returns: pipeline settings.
type PipelineOptions struct {
	Workers        int
	DequeueTimeout time.Duration
	SendTimeout    time.Duration
}

// PipelineStats is queue and tracker counters snapshot.
type PipelineStats struct {
	Queue   delivery.QueueStats   `json:"queue"`
	Tracker delivery.TrackerStats `json:"tracker"`
}

// Pipeline moves composed messages through queue, router, and tracker.
// Params: composer, queue, tracker, router, options, and logger.
// Returns: alert sink consumed by ingest.
type Pipeline struct {
	composer *Composer
	queue    *delivery.Queue
	tracker  *delivery.Tracker
	router   *router.Router
	opts     PipelineOptions
	logger   *slog.Logger
}

// NewPipeline wires queue retry lane and tracker callbacks.
// Params: collaborators, options (zero values take defaults), and logger.
// Returns: pipeline ready for Run.
func NewPipeline(composer *Composer, queue *delivery.Queue, tracker *delivery.Tracker, rt *router.Router, opts PipelineOptions, logger *slog.Logger) *Pipeline {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.DequeueTimeout <= 0 {
		opts.DequeueTimeout = defaultDequeueTimeout
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = defaultSendTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		composer: composer,
		queue:    queue,
		tracker:  tracker,
		router:   rt,
		opts:     opts,
		logger:   logger,
	}
	tracker.SetRetryFunc(p.resubmit)
	tracker.OnSuccess(func(status delivery.Status) {
		metrics.IncDelivery(string(domain.OutcomeDelivered))
		p.logger.Info("alert delivered",
			"message_id", status.MessageID,
			"channel", status.Channel,
			"successful", status.Successful,
			"retry_count", status.RetryCount,
		)
	})
	tracker.OnFailure(func(status delivery.Status) {
		metrics.IncDelivery(string(domain.OutcomeFailed))
		p.logger.Error("alert delivery failed",
			"message_id", status.MessageID,
			"channel", status.Channel,
			"failed", status.Failed,
			"retry_count", status.RetryCount,
		)
	})
	return p
}

// Submit composes and enqueues one alert.
// Params: context and alert request.
// Returns: message id or validation/queue error.
func (p *Pipeline) Submit(_ context.Context, req AlertRequest) (string, error) {
	msg, err := p.composer.Compose(req)
	if err != nil {
		return "", err
	}
	if err := p.enqueue(msg); err != nil {
		return "", err
	}
	return msg.ID, nil
}

// SubmitBatch composes every alert before enqueueing any of them.
// Params: context and alert requests.
// Returns: accepted message ids; on queue overflow ids accepted so far with error.
func (p *Pipeline) SubmitBatch(_ context.Context, reqs []AlertRequest) ([]string, error) {
	msgs := make([]*domain.Message, 0, len(reqs))
	for i, req := range reqs {
		msg, err := p.composer.Compose(req)
		if err != nil {
			return nil, fmt.Errorf("alert[%d]: %w", i, err)
		}
		msgs = append(msgs, msg)
	}
	ids := make([]string, 0, len(msgs))
	for _, msg := range msgs {
		if err := p.enqueue(msg); err != nil {
			return ids, err
		}
		ids = append(ids, msg.ID)
	}
	return ids, nil
}

// Dispatch composes and routes one alert synchronously, bypassing the queue.
// Params: context bounding sends and alert request.
// Returns: routing outcome (already confirmed into tracker) or compose error.
func (p *Pipeline) Dispatch(ctx context.Context, req AlertRequest) (router.Outcome, error) {
	msg, err := p.composer.Compose(req)
	if err != nil {
		return router.Outcome{}, err
	}
	return p.process(ctx, msg), nil
}

// Run starts queue workers and blocks until context is cancelled.
// Params: context controlling worker lifetime.
// Returns: after every worker exits.
func (p *Pipeline) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

// Stats returns queue and tracker counters.
func (p *Pipeline) Stats() PipelineStats {
	return PipelineStats{
		Queue:   p.queue.Stats(),
		Tracker: p.tracker.Stats(),
	}
}

// Status returns tracked delivery status by message id.
func (p *Pipeline) Status(id string) (delivery.Status, bool) {
	return p.tracker.Status(id)
}

func (p *Pipeline) work(ctx context.Context, worker int) {
	for {
		if ctx.Err() != nil {
			return
		}
		msg, ok := p.queue.Dequeue(ctx, p.opts.DequeueTimeout)
		if !ok {
			continue
		}
		p.publishDepth()
		p.safeProcess(ctx, worker, msg)
	}
}

func (p *Pipeline) safeProcess(ctx context.Context, worker int, msg *domain.Message) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error("delivery worker panic recovered", "worker", worker, "message_id", msg.ID, "panic", fmt.Sprint(recovered))
		}
	}()
	p.process(ctx, msg)
}

// process routes message and confirms every attempt into tracker.
// Sends outlive ctx cancellation up to SendTimeout so shutdown does not abort in-flight sends.
func (p *Pipeline) process(ctx context.Context, msg *domain.Message) router.Outcome {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.opts.SendTimeout)
	defer cancel()

	outcome := p.router.Route(sendCtx, msg, "")
	metrics.ObserveRoute(string(outcome.Policy), outcome.Delivered())
	for _, attempt := range outcome.Attempts {
		metrics.ObserveSend(attempt.TransportID, attempt.Success, attempt.Duration)
	}

	id := p.tracker.Track(msg, outcome.Targets())
	for _, attempt := range outcome.Attempts {
		if err := p.tracker.Confirm(id, attempt.TransportID, attempt.Success, attempt.Err); err != nil {
			p.logger.Warn("delivery confirm rejected", "message_id", id, "transport", attempt.TransportID, "error", err.Error())
		}
	}
	return outcome
}

func (p *Pipeline) enqueue(msg *domain.Message) error {
	err := p.queue.Enqueue(msg)
	p.publishDepth()
	if err != nil {
		if errors.Is(err, delivery.ErrQueueFull) {
			metrics.IncQueueDropped()
		}
		return fmt.Errorf("enqueue %s: %w", msg.ID, err)
	}
	return nil
}

func (p *Pipeline) resubmit(msg *domain.Message) error {
	err := p.queue.EnqueueRetry(msg)
	p.publishDepth()
	return err
}

func (p *Pipeline) publishDepth() {
	stats := p.queue.Stats()
	metrics.SetQueueDepth("main", stats.Queued)
	metrics.SetQueueDepth("retry", stats.RetryQueued)
}
