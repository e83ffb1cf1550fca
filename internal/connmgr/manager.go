// Package connmgr owns registered transports, scores their health, and fails over the primary.
package connmgr

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/transport"
)

// Policy selects transport in GetBest.
type Policy string

const (
	// PolicyPrimary returns current primary.
	PolicyPrimary Policy = "primary"
	// PolicyLoadBalance returns active transport with lowest load.
	PolicyLoadBalance Policy = "load_balance"
	// PolicyHealthiest returns active transport with highest score.
	PolicyHealthiest Policy = "healthiest"
)

const (
	defaultResponseWindow = 100
	defaultErrorLogSize   = 20
	defaultCheckInterval  = 30 * time.Second
	defaultConnectTimeout = 5 * time.Second
)

// Options configures Manager.
// Params: failover toggle, loop interval, reconnect toggle, window sizes, and connect timeout.
// Returns: manager settings.
type Options struct {
	FailoverEnabled     bool
	HealthCheckInterval time.Duration
	AutoReconnect       bool
	ResponseWindow      int
	ErrorLogSize        int
	ConnectTimeout      time.Duration
}

type entry struct {
	transport transport.Transport
	priority  domain.Priority
	seq       int
	active    bool
	health    Health
}

// Manager tracks transport health and selects the primary.
// Params: options, logger, and clock.
// Returns: connection manager safe for concurrent use.
type Manager struct {
	opts   Options
	logger *slog.Logger
	clock  clock.Clock

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string
	nextSeq   int
	primary   string
	failovers uint64
	hooks     []func(oldID, newID string)
}

// New creates connection manager.
// Params: options (zero sizes take defaults), logger, and clock.
// Returns: manager without transports.
func New(opts Options, logger *slog.Logger, clk clock.Clock) *Manager {
	if opts.ResponseWindow <= 0 {
		opts.ResponseWindow = defaultResponseWindow
	}
	if opts.ErrorLogSize <= 0 {
		opts.ErrorLogSize = defaultErrorLogSize
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = defaultCheckInterval
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		opts:    opts,
		logger:  logger,
		clock:   clock.OrReal(clk),
		entries: make(map[string]*entry),
	}
}

// OnPrimaryChange registers hook fired after primary changes.
// Params: callback receiving old and new primary ids (either may be empty).
func (m *Manager) OnPrimaryChange(hook func(oldID, newID string)) {
	m.mu.Lock()
	m.hooks = append(m.hooks, hook)
	m.mu.Unlock()
}

// Register adds transport with priority tier.
// Params: transport, priority tier, and primary flag.
// Returns: ErrConfig-kind error on duplicate id.
func (m *Manager) Register(t transport.Transport, priority domain.Priority, primary bool) error {
	connected := t.IsConnected()
	m.mu.Lock()
	id := t.ID()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return domain.Errorf(domain.KindConfig, "register transport", "transport %q already registered", id)
	}
	m.entries[id] = &entry{
		transport: t,
		priority:  priority,
		seq:       m.nextSeq,
		active:    connected,
		health:    newHealth(),
	}
	m.nextSeq++
	m.order = append(m.order, id)
	oldPrimary := m.primary
	if primary || m.primary == "" {
		m.primary = id
	}
	newPrimary := m.primary
	hooks := m.hooksLocked()
	m.mu.Unlock()

	m.logger.Info("transport registered", "transport", id, "type", t.TypeID(), "priority", priority.String(), "active", connected)
	m.notify(hooks, oldPrimary, newPrimary)
	return nil
}

// Deregister removes transport and re-elects primary when needed.
// Params: transport id.
// Returns: true when transport was registered.
func (m *Manager) Deregister(id string) bool {
	m.mu.Lock()
	if _, ok := m.entries[id]; !ok {
		m.mu.Unlock()
		return false
	}
	delete(m.entries, id)
	for i, item := range m.order {
		if item == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	oldPrimary := m.primary
	if m.primary == id {
		m.primary = ""
		if best := m.selectLocked(); best != nil {
			m.primary = best.transport.ID()
		}
	}
	newPrimary := m.primary
	hooks := m.hooksLocked()
	m.mu.Unlock()

	m.logger.Info("transport deregistered", "transport", id)
	m.notify(hooks, oldPrimary, newPrimary)
	return true
}

// Primary returns current primary transport.
// Params: none.
// Returns: transport and false when no primary is set.
func (m *Manager) Primary() (transport.Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[m.primary]
	if !ok {
		return nil, false
	}
	return e.transport, true
}

// PrimaryID returns current primary id (empty when none).
func (m *Manager) PrimaryID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.primary
}

// GetBest selects transport by policy.
// Params: PRIMARY, LOAD_BALANCE, or HEALTHIEST.
// Returns: transport and false when no candidate exists.
func (m *Manager) GetBest(policy Policy) (transport.Transport, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch policy {
	case PolicyPrimary:
		e, ok := m.entries[m.primary]
		if !ok {
			return nil, false
		}
		return e.transport, true
	case PolicyLoadBalance:
		var best *entry
		for _, id := range m.order {
			e := m.entries[id]
			if !e.active {
				continue
			}
			if best == nil || e.health.Load < best.health.Load {
				best = e
			}
		}
		if best == nil {
			return nil, false
		}
		return best.transport, true
	case PolicyHealthiest:
		var best *entry
		for _, id := range m.order {
			e := m.entries[id]
			if !e.active {
				continue
			}
			if best == nil || e.health.Score > best.health.Score {
				best = e
			}
		}
		if best == nil {
			return nil, false
		}
		return best.transport, true
	default:
		return nil, false
	}
}

// Connect runs one recorded connection attempt.
// Params: context and transport id.
// Returns: ErrConfig-kind error for unknown id or transport connect error.
func (m *Manager) Connect(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	m.mu.Unlock()
	if !ok {
		return domain.Errorf(domain.KindConfig, "connect transport", "transport %q is not registered", id)
	}
	m.RecordConnectionAttempt(id)
	connectCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	err := e.transport.Connect(connectCtx)
	cancel()
	if err != nil {
		m.RecordConnectionFailure(id, err)
		return err
	}
	m.RecordConnectionSuccess(id)
	return nil
}

// ConnectAll connects every registered transport.
// Params: context.
// Returns: number of transports connected.
func (m *Manager) ConnectAll(ctx context.Context) int {
	connected := 0
	for _, id := range m.IDs() {
		if err := m.Connect(ctx, id); err != nil {
			m.logger.Warn("transport connect failed", "transport", id, "error", err.Error())
			continue
		}
		connected++
	}
	return connected
}

// DisconnectAll disconnects every registered transport.
// Params: none.
// Returns: first disconnect error.
func (m *Manager) DisconnectAll() error {
	var firstErr error
	for _, t := range m.transports() {
		if err := t.Disconnect(); err != nil {
			m.logger.Warn("transport disconnect failed", "transport", t.ID(), "error", err.Error())
			if firstErr == nil {
				firstErr = fmt.Errorf("disconnect %s: %w", t.ID(), err)
			}
		}
	}
	return firstErr
}

// RecordConnectionAttempt counts connect attempt.
func (m *Manager) RecordConnectionAttempt(id string) {
	m.update(id, func(e *entry) {
		e.health.ConnectionAttempts++
	})
}

// RecordConnectionSuccess counts success, resets failure streak, and activates transport.
func (m *Manager) RecordConnectionSuccess(id string) {
	m.update(id, func(e *entry) {
		e.health.ConnectionSuccesses++
		e.health.ConsecutiveFailures = 0
		if !e.active {
			e.active = true
			m.logger.Info("transport state changed", "transport", id, "from", "failed", "to", "active")
		}
	})
}

// RecordConnectionFailure counts failure and logs error.
func (m *Manager) RecordConnectionFailure(id string, err error) {
	now := m.clock.Now()
	m.update(id, func(e *entry) {
		e.health.ConnectionFailures++
		e.health.addError(now, err, m.opts.ErrorLogSize)
	})
}

// BeginSend raises load estimate before send.
func (m *Manager) BeginSend(id string) {
	m.update(id, func(e *entry) {
		e.health.Load++
	})
}

// RecordMessageResult records send outcome.
// Params: transport id, success flag, response time (<=0 skips sample), and error.
func (m *Manager) RecordMessageResult(id string, success bool, responseTime time.Duration, err error) {
	now := m.clock.Now()
	m.update(id, func(e *entry) {
		if e.health.Load > 0 {
			e.health.Load--
		}
		if success {
			e.health.MessagesSent++
			e.health.ConsecutiveFailures = 0
		} else {
			e.health.MessagesFailed++
			e.health.ConsecutiveFailures++
			e.health.addError(now, err, m.opts.ErrorLogSize)
		}
		if responseTime > 0 {
			e.health.addResponseTime(responseTime, m.opts.ResponseWindow)
		}
	})
}

// RunHealthChecks probes live state and moves transports between active and failed sets.
// Params: context bounding optional reconnect attempts.
// Returns: none.
func (m *Manager) RunHealthChecks(ctx context.Context) {
	m.refresh()
	if !m.opts.AutoReconnect {
		return
	}
	for _, id := range m.failedIDs() {
		if ctx.Err() != nil {
			return
		}
		if err := m.Connect(ctx, id); err != nil {
			m.logger.Debug("transport reconnect failed", "transport", id, "error", err.Error())
			continue
		}
		m.logger.Info("transport reconnected", "transport", id)
	}
	m.refresh()
}

// refresh queries IsConnected outside the lock and applies results.
func (m *Manager) refresh() {
	probes := make(map[string]bool)
	for _, t := range m.transports() {
		probes[t.ID()] = t.IsConnected()
	}
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, connected := range probes {
		e, ok := m.entries[id]
		if !ok {
			continue
		}
		e.health.LastHealthCheck = now
		switch {
		case connected && !e.active:
			e.active = true
			e.health.CheckFailureStreak = 0
			m.logger.Info("transport state changed", "transport", id, "from", "failed", "to", "active")
		case !connected && e.active:
			e.active = false
			e.health.CheckFailureStreak++
			m.logger.Warn("transport state changed", "transport", id, "from", "active", "to", "failed")
		case connected:
			e.health.CheckFailureStreak = 0
		default:
			e.health.CheckFailureStreak++
		}
		e.health.recompute()
	}
}

// Failover replaces unhealthy primary with best active transport.
// The current primary stays a candidate and keeps the role when it still ranks first.
// Params: none.
// Returns: nil when disabled, unchanged, or swapped; ErrRouting-kind error when no active transport exists.
func (m *Manager) Failover() error {
	if !m.opts.FailoverEnabled {
		return nil
	}
	m.refresh()

	m.mu.Lock()
	current, ok := m.entries[m.primary]
	if ok && current.active && current.health.Healthy {
		m.mu.Unlock()
		return nil
	}
	best := m.selectLocked()
	if best == nil {
		m.mu.Unlock()
		return domain.Errorf(domain.KindRouting, "failover", "no active transport to replace primary %q", m.primary)
	}
	if best.transport.ID() == m.primary {
		m.mu.Unlock()
		return nil
	}
	oldPrimary := m.primary
	m.primary = best.transport.ID()
	m.failovers++
	hooks := m.hooksLocked()
	m.mu.Unlock()

	m.logger.Warn("primary transport failover", "from", oldPrimary, "to", best.transport.ID())
	m.notify(hooks, oldPrimary, best.transport.ID())
	return nil
}

// selectLocked picks active entry with highest (priority, score), registration order on ties.
func (m *Manager) selectLocked() *entry {
	var best *entry
	for _, id := range m.order {
		e := m.entries[id]
		if !e.active {
			continue
		}
		if best == nil ||
			e.priority > best.priority ||
			(e.priority == best.priority && e.health.Score > best.health.Score) {
			best = e
		}
	}
	return best
}

// Run drives health checks and failover until context is cancelled.
// Params: context controlling loop lifetime.
// Returns: when context is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.iterate(ctx)
		}
	}
}

// iterate runs one loop pass and contains panics.
func (m *Manager) iterate(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("connection manager iteration panicked", "panic", fmt.Sprint(r), "stack", string(debug.Stack()))
		}
	}()
	m.RunHealthChecks(ctx)
	if err := m.Failover(); err != nil {
		m.logger.Error("failover failed", "error", err.Error())
	}
}

// FailoverCount returns number of primary swaps.
func (m *Manager) FailoverCount() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failovers
}

// Health returns copy of transport health record.
// Params: transport id.
// Returns: record and false for unknown id.
func (m *Manager) Health(id string) (Health, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return Health{}, false
	}
	out := e.health
	out.responseTimes = append([]time.Duration(nil), e.health.responseTimes...)
	out.errors = append([]ErrorEntry(nil), e.health.errors...)
	return out, true
}

// IsActive reports active set membership.
func (m *Manager) IsActive(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return ok && e.active
}

// IDs returns registered ids in registration order.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *Manager) transports() []transport.Transport {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]transport.Transport, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id].transport)
	}
	return out
}

func (m *Manager) failedIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0)
	for _, id := range m.order {
		if !m.entries[id].active {
			out = append(out, id)
		}
	}
	return out
}

// update mutates entry under lock and recomputes score.
func (m *Manager) update(id string, fn func(e *entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return
	}
	fn(e)
	e.health.recompute()
}

func (m *Manager) hooksLocked() []func(oldID, newID string) {
	return slices.Clone(m.hooks)
}

func (m *Manager) notify(hooks []func(oldID, newID string), oldID, newID string) {
	if oldID == newID {
		return
	}
	for _, hook := range hooks {
		hook(oldID, newID)
	}
}
