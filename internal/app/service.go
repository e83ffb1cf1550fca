package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"meshalert/internal/channel"
	"meshalert/internal/clock"
	"meshalert/internal/config"
	"meshalert/internal/connmgr"
	"meshalert/internal/delivery"
	"meshalert/internal/domain"
	"meshalert/internal/ingest"
	"meshalert/internal/logging"
	"meshalert/internal/metrics"
	"meshalert/internal/router"
	"meshalert/internal/state"
	"meshalert/internal/transport"
	"meshalert/internal/transport/kafkalink"
	"meshalert/internal/transport/loopback"
	"meshalert/internal/transport/natslink"
	"meshalert/internal/transport/telegram"
	"meshalert/internal/transport/webhook"
)

const gaugeRefreshInterval = 5 * time.Second

// Service composes runtime dependencies and process lifecycle.
// Params: config source and shared runtime components.
// Returns: runnable meshalert service.
type Service struct {
	cfg        config.Config
	logger     *slog.Logger
	closeLog   func()
	store      state.Store
	channels   *channel.Registry
	transports []transport.Transport
	manager    *connmgr.Manager
	router     *router.Router
	queue      *delivery.Queue
	tracker    *delivery.Tracker
	pipeline   *Pipeline
	httpSrv    *http.Server
	natsSub    interface{ Close() error }
	loops      sync.WaitGroup
	stopLoops  context.CancelFunc
	readyFlag  atomic.Bool
	clock      clock.Clock
}

// NewService builds service instance from config source.
// Params: config source and clock implementation.
// Returns: initialized service or setup error.
func NewService(source config.ConfigSource, clk clock.Clock) (*Service, error) {
	cfg, err := config.LoadSnapshot(source)
	if err != nil {
		return nil, err
	}

	logger, closeLog, err := logging.New(cfg.Log)
	if err != nil {
		return nil, err
	}

	return newService(cfg, logger, closeLog, clk)
}

// newService wires components from validated config.
// Params: config snapshot, logger with its cleanup, and clock.
// Returns: service or setup error (partially acquired resources released).
func newService(cfg config.Config, logger *slog.Logger, closeLog func(), clk clock.Clock) (*Service, error) {
	clk = clock.OrReal(clk)
	metrics.Register()

	service := &Service{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		clock:    clk,
	}

	store, err := buildStore(cfg, clk)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.store = store

	channels, err := channel.NewRegistryFromConfig(cfg.Channel)
	if err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.channels = channels

	if err := service.buildMesh(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	service.buildPipeline()

	if err := service.buildHTTPServer(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	if err := service.buildNATSSubscriber(); err != nil {
		service.cleanupInitResources()
		return nil, err
	}
	return service, nil
}

// Run starts service lifecycle and blocks until shutdown signal.
// Params: root context for service runtime.
// Returns: terminal run error.
func (s *Service) Run(ctx context.Context) error {
	loopCtx, stopLoops := context.WithCancel(context.WithoutCancel(ctx))
	s.stopLoops = stopLoops
	defer stopLoops()

	connected := s.manager.ConnectAll(ctx)
	s.logger.Info("transports connected", "connected", connected, "total", len(s.transports), "primary", s.manager.PrimaryID())
	if connected == 0 {
		s.logger.Warn("no transport connected; health loop will keep reconnecting")
	}
	s.router.CheckHealth()

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("http server starting", "listen", s.cfg.Ingest.HTTP.Listen)
		err := s.httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.startLoop(loopCtx, s.manager.Run)
	s.startLoop(loopCtx, s.router.Run)
	s.startLoop(loopCtx, s.tracker.Run)
	s.startLoop(loopCtx, s.pipeline.Run)
	s.startLoop(loopCtx, s.refreshGauges)

	s.readyFlag.Store(true)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-ctx.Done():
		return s.shutdown()
	case err := <-errChan:
		_ = s.shutdown()
		return fmt.Errorf("http server failed: %w", err)
	case <-sigChan:
		return s.shutdown()
	}
}

func (s *Service) startLoop(ctx context.Context, loop func(context.Context)) {
	s.loops.Add(1)
	go func() {
		defer s.loops.Done()
		loop(ctx)
	}()
}

// shutdown closes runtime resources in dependency order.
// Params: none.
// Returns: first close error.
func (s *Service) shutdown() error {
	s.readyFlag.Store(false)
	timeout := time.Duration(s.cfg.Service.ShutdownTimeoutSec) * time.Second
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var firstErr error
	markErr := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if err := s.httpSrv.Shutdown(ctx); err != nil {
		s.logger.Error("http shutdown failed", "error", err.Error())
		markErr(fmt.Errorf("http shutdown: %w", err))
	}
	if s.natsSub != nil {
		if err := s.natsSub.Close(); err != nil {
			s.logger.Error("nats subscriber close failed", "error", err.Error())
			markErr(fmt.Errorf("nats subscriber close: %w", err))
		}
	}

	if s.stopLoops != nil {
		s.stopLoops()
	}
	done := make(chan struct{})
	go func() {
		s.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("background loops did not stop in time", "timeout", timeout.String())
	}

	if err := s.manager.DisconnectAll(); err != nil {
		s.logger.Error("transport disconnect failed", "error", err.Error())
		markErr(fmt.Errorf("transport disconnect: %w", err))
	}
	if err := s.store.Close(); err != nil {
		s.logger.Error("store close failed", "error", err.Error())
		markErr(fmt.Errorf("store close: %w", err))
	}
	stats := s.pipeline.Stats()
	s.logger.Info("service stopped",
		"queued", stats.Queue.Queued+stats.Queue.RetryQueued,
		"delivered", stats.Tracker.CompletedSuccess,
		"failed", stats.Tracker.CompletedFailed,
	)
	if s.closeLog != nil {
		s.closeLog()
	}
	return firstErr
}

// cleanupInitResources closes partially initialized resources on startup failures.
// Params: none.
// Returns: all acquired resources closed best-effort.
func (s *Service) cleanupInitResources() {
	if s.natsSub != nil {
		_ = s.natsSub.Close()
		s.natsSub = nil
	}
	if s.httpSrv != nil {
		_ = s.httpSrv.Close()
		s.httpSrv = nil
	}
	for _, t := range s.transports {
		_ = t.Disconnect()
	}
	s.transports = nil
	if s.store != nil {
		_ = s.store.Close()
		s.store = nil
	}
	if s.closeLog != nil {
		s.closeLog()
		s.closeLog = nil
	}
}

// buildMesh creates transports and registers them with connection manager and router.
// Params: none.
// Returns: transport construction or registration error.
func (s *Service) buildMesh() error {
	s.manager = connmgr.New(connmgr.Options{
		FailoverEnabled:     s.cfg.Mesh.Failover(),
		HealthCheckInterval: time.Duration(s.cfg.Mesh.HealthCheckIntervalSec) * time.Second,
		AutoReconnect:       s.cfg.Mesh.AutoReconnect,
		ResponseWindow:      s.cfg.Mesh.ResponseWindow,
		ErrorLogSize:        s.cfg.Mesh.ErrorLogSize,
	}, s.logger, s.clock)

	policy, err := router.ParsePolicy(s.cfg.Router.Policy)
	if err != nil {
		return err
	}
	s.router = router.New(router.Options{
		DefaultPolicy:       policy,
		UnhealthyAfter:      s.cfg.Router.UnhealthyAfter,
		HistorySize:         s.cfg.Router.HistorySize,
		HealthCheckInterval: time.Duration(s.cfg.Router.HealthCheckIntervalSec) * time.Second,
	}, s.manager, s.logger, s.clock)

	transports, err := buildTransports(s.cfg, s.logger, s.clock)
	if err != nil {
		return err
	}
	s.transports = transports

	for _, t := range transports {
		link := s.cfg.Transport.Link(t.ID())
		priority, err := domain.ParsePriority(link.Priority)
		if err != nil {
			return fmt.Errorf("transport %s: %w", t.ID(), err)
		}
		if err := s.router.AddTransport(t); err != nil {
			return err
		}
		if err := s.manager.Register(t, priority, link.Primary); err != nil {
			return err
		}
	}
	if err := s.router.SetPrimary(s.manager.PrimaryID()); err != nil {
		return err
	}
	s.manager.OnPrimaryChange(func(oldID, newID string) {
		if newID == "" || oldID == newID {
			return
		}
		if err := s.router.SetPrimary(newID); err != nil {
			s.logger.Error("router primary sync failed", "primary", newID, "error", err.Error())
			return
		}
		metrics.IncFailover()
	})
	return nil
}

// buildPipeline wires queue, tracker, and composer around the router.
func (s *Service) buildPipeline() {
	s.queue = delivery.NewQueue(s.cfg.Queue.Capacity, s.clock)
	s.tracker = delivery.NewTracker(delivery.TrackerOptions{
		BaseDelay:     s.cfg.Tracker.BaseDelay(),
		MaxDelay:      s.cfg.Tracker.MaxDelay(),
		Retention:     time.Duration(s.cfg.Tracker.RetentionSec) * time.Second,
		Stale:         time.Duration(s.cfg.Tracker.StaleSec) * time.Second,
		HistorySize:   s.cfg.Tracker.HistorySize,
		SweepInterval: time.Duration(s.cfg.Tracker.SweepIntervalSec) * time.Second,
	}, s.store, s.logger, s.clock)
	composer := NewComposer(s.channels, s.cfg.Service.MaxMessageLength, s.cfg.Tracker.MaxRetries, s.clock)
	s.pipeline = NewPipeline(composer, s.queue, s.tracker, s.router, PipelineOptions{
		Workers:        s.cfg.Queue.Workers,
		DequeueTimeout: time.Duration(s.cfg.Queue.DequeueTimeoutMS) * time.Millisecond,
	}, s.logger)
}

// buildHTTPServer wires mux with ingest, diagnostics, and health endpoints.
// Params: none.
// Returns: setup error.
func (s *Service) buildHTTPServer() error {
	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.Ingest.HTTP.HealthPath, func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ok"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.ReadyPath, func(writer http.ResponseWriter, _ *http.Request) {
		if !s.readyFlag.Load() {
			writer.WriteHeader(http.StatusServiceUnavailable)
			_, _ = writer.Write([]byte("not-ready"))
			return
		}
		writer.WriteHeader(http.StatusOK)
		_, _ = writer.Write([]byte("ready"))
	})
	mux.HandleFunc(s.cfg.Ingest.HTTP.StatsPath, s.serveStats)
	mux.Handle(s.cfg.Ingest.HTTP.MetricsPath, metrics.Handler())

	if s.cfg.Ingest.HTTP.Enabled {
		mux.Handle(s.cfg.Ingest.HTTP.AlertsPath, ingest.NewHTTPHandler(s.pipeline, s.cfg.Ingest.HTTP.MaxBodyBytes))
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.Ingest.HTTP.Listen,
		Handler:           metrics.Instrument(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return nil
}

// Diagnostics is payload served on stats path.
type Diagnostics struct {
	Service    string                  `json:"service"`
	Transports connmgr.Snapshot        `json:"transports"`
	Router     router.Stats            `json:"router"`
	Queue      delivery.QueueStats     `json:"queue"`
	Tracker    delivery.TrackerStats   `json:"tracker"`
	Recent     []domain.DeliveryRecord `json:"recent,omitempty"`
	Routes     []router.HistoryRecord  `json:"routes,omitempty"`
}

func (s *Service) serveStats(writer http.ResponseWriter, request *http.Request) {
	if request.Method != http.MethodGet {
		writer.Header().Set("Allow", http.MethodGet)
		writer.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	payload := s.Stats()
	if request.URL.Query().Get("history") == "1" {
		payload.Recent = s.tracker.History()
		payload.Routes = s.router.History()
	}
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(writer).Encode(payload)
}

// Stats returns diagnostics snapshot across mesh components.
func (s *Service) Stats() Diagnostics {
	pipeline := s.pipeline.Stats()
	return Diagnostics{
		Service:    s.cfg.Service.Name,
		Transports: s.manager.Snapshot(),
		Router:     s.router.Stats(),
		Queue:      pipeline.Queue,
		Tracker:    pipeline.Tracker,
	}
}

// buildNATSSubscriber starts NATS ingest when enabled.
// Params: none.
// Returns: initialization error.
func (s *Service) buildNATSSubscriber() error {
	if !s.cfg.Ingest.NATS.Enabled {
		return nil
	}
	subscriber, err := ingest.NewNATSSubscriber(s.cfg.Ingest.NATS, s.pipeline, s.logger)
	if err != nil {
		return err
	}
	s.natsSub = subscriber
	return nil
}

// refreshGauges publishes connection manager health until context is cancelled.
func (s *Service) refreshGauges(ctx context.Context) {
	ticker := time.NewTicker(gaugeRefreshInterval)
	defer ticker.Stop()
	for {
		snapshot := s.manager.Snapshot()
		for _, item := range snapshot.Transports {
			metrics.SetTransportHealth(item.ID, item.Score, item.Active)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// buildTransports creates every enabled transport in registration order.
// Params: config snapshot, logger, and clock.
// Returns: transports (rate-limited when configured) or construction error.
func buildTransports(cfg config.Config, logger *slog.Logger, clk clock.Clock) ([]transport.Transport, error) {
	node := cfg.Service.Name
	out := make([]transport.Transport, 0, len(config.TransportOrder))
	for _, kind := range config.TransportOrder {
		link := cfg.Transport.Link(kind)
		if !link.Enabled {
			continue
		}
		connectTimeout := time.Duration(link.ConnectTimeoutSec) * time.Second
		var built transport.Transport
		switch kind {
		case config.TransportLoopback:
			lb := loopback.New(kind, loopback.WithClock(clk))
			if cfg.Transport.Loopback.StartDisconnected {
				lb.SetReachable(false)
			}
			built = lb
		case config.TransportNATS:
			built = natslink.New(kind, natslink.Options{
				URL:            cfg.Transport.NATS.URL,
				SubjectPrefix:  cfg.Transport.NATS.SubjectPrefix,
				JetStream:      cfg.Transport.NATS.JetStream,
				Node:           node,
				ConnectTimeout: connectTimeout,
			}, logger, clk)
		case config.TransportKafka:
			built = kafkalink.New(kind, kafkalink.Options{
				Brokers:        cfg.Transport.Kafka.Brokers,
				Topic:          cfg.Transport.Kafka.Topic,
				BatchTimeout:   time.Duration(cfg.Transport.Kafka.BatchTimeoutMS) * time.Millisecond,
				Node:           node,
				ConnectTimeout: connectTimeout,
			}, logger, clk)
		case config.TransportWebhook:
			built = webhook.New(kind, webhook.Options{
				URL:     cfg.Transport.Webhook.URL,
				Timeout: time.Duration(cfg.Transport.Webhook.TimeoutSec) * time.Second,
				Headers: cfg.Transport.Webhook.Headers,
				Node:    node,
			}, clk)
		case config.TransportTelegram:
			tg, err := telegram.New(kind, telegram.Options{
				BotToken: cfg.Transport.Telegram.BotToken,
				ChatID:   cfg.Transport.Telegram.ChatID,
				APIBase:  cfg.Transport.Telegram.APIBase,
				Template: cfg.Transport.Telegram.Template,
				Node:     node,
			}, clk)
			if err != nil {
				return nil, fmt.Errorf("transport %s: %w", kind, err)
			}
			built = tg
		default:
			return nil, fmt.Errorf("unsupported transport kind %q", kind)
		}
		out = append(out, transport.NewThrottle(built, link.RatePerSec, link.Burst))
	}
	return out, nil
}

// buildStore creates delivery history backend from config.
// Params: root config snapshot and clock.
// Returns: selected store backend.
func buildStore(cfg config.Config, clk clock.Clock) (state.Store, error) {
	if cfg.Tracker.Store == config.StoreNATS {
		return state.NewNATSStore(config.DeriveHistoryNATSConfig(cfg))
	}
	ttl := time.Duration(cfg.Tracker.StoreTTLSec) * time.Second
	return state.NewMemoryStore(clk.Now, ttl), nil
}
