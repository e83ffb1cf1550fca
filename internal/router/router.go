// Package router selects target transports for a message by policy and records per-attempt outcomes.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"meshalert/internal/clock"
	"meshalert/internal/domain"
	"meshalert/internal/transport"

	"github.com/cespare/xxhash/v2"
)

// Policy selects target transports.
type Policy string

const (
	// PolicyAll targets every healthy transport.
	PolicyAll Policy = "all"
	// PolicyPrimary targets primary, or first healthy transport.
	PolicyPrimary Policy = "primary"
	// PolicyFallback targets primary, or every healthy backup.
	PolicyFallback Policy = "fallback"
	// PolicyLoadBalance targets one transport chosen by content hash.
	PolicyLoadBalance Policy = "load_balance"
)

const (
	defaultUnhealthyAfter = 3
	defaultHistorySize    = 100
	defaultCheckInterval  = 30 * time.Second
	historyContentLimit   = 50
)

// ParsePolicy converts config value to Policy.
// Params: policy name (dashes allowed).
// Returns: policy or ErrValidation-kind error.
func ParsePolicy(value string) (Policy, error) {
	switch Policy(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(value)), "-", "_")) {
	case PolicyAll, "":
		return PolicyAll, nil
	case PolicyPrimary:
		return PolicyPrimary, nil
	case PolicyFallback:
		return PolicyFallback, nil
	case PolicyLoadBalance:
		return PolicyLoadBalance, nil
	default:
		return "", domain.Errorf(domain.KindValidation, "parse policy", "unsupported routing policy %q", value)
	}
}

// ResultRecorder receives attempt outcomes (satisfied by connmgr.Manager).
type ResultRecorder interface {
	BeginSend(id string)
	RecordMessageResult(id string, success bool, responseTime time.Duration, err error)
}

// Options configures Router.
// Params: default policy, unhealthy threshold, history size, and probe interval.
// Returns: router settings.
type Options struct {
	DefaultPolicy       Policy
	UnhealthyAfter      int
	HistorySize         int
	HealthCheckInterval time.Duration
}

// InterfaceHealth is router-owned health of one transport.
type InterfaceHealth struct {
	Successes           uint64        `json:"successes"`
	Failures            uint64        `json:"failures"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	Healthy             bool          `json:"healthy"`
	AvgResponse         time.Duration `json:"avg_response_ns"`
	LastCheck           time.Time     `json:"last_check"`
	LastError           string        `json:"last_error,omitempty"`
}

// Attempt is outcome of one send to one transport.
type Attempt struct {
	TransportID string
	Success     bool
	Err         error
	Duration    time.Duration
}

// Outcome is result of routing one message.
type Outcome struct {
	MessageID  string
	Policy     Policy
	LastResort bool
	Attempts   []Attempt
}

// Results returns one boolean per attempted transport.
func (o Outcome) Results() []bool {
	out := make([]bool, len(o.Attempts))
	for i, attempt := range o.Attempts {
		out[i] = attempt.Success
	}
	return out
}

// Delivered reports whether any attempt succeeded.
func (o Outcome) Delivered() bool {
	for _, attempt := range o.Attempts {
		if attempt.Success {
			return true
		}
	}
	return false
}

// Targets returns attempted transport ids.
func (o Outcome) Targets() []string {
	out := make([]string, len(o.Attempts))
	for i, attempt := range o.Attempts {
		out[i] = attempt.TransportID
	}
	return out
}

// HistoryRecord is bounded routing history entry.
type HistoryRecord struct {
	At        time.Time `json:"at"`
	MessageID string    `json:"message_id"`
	Content   string    `json:"content"`
	Channel   string    `json:"channel"`
	Priority  string    `json:"priority"`
	Policy    Policy    `json:"policy"`
	Targets   []string  `json:"targets"`
	Results   []bool    `json:"results"`
}

// Router routes messages across registered transports.
// Params: options, optional result recorder, logger, and clock.
// Returns: router safe for concurrent use.
type Router struct {
	opts     Options
	recorder ResultRecorder
	logger   *slog.Logger
	clock    clock.Clock

	mu         sync.RWMutex
	transports []transport.Transport
	health     map[string]*InterfaceHealth
	primary    string
	history    []HistoryRecord
	historyPos int
	stats      counters
}

type counters struct {
	total        uint64
	successful   uint64
	failed       uint64
	perTransport map[string]*TransportStats
}

// New creates router.
// Params: options (zero values take defaults), optional recorder, logger, and clock.
// Returns: router without transports.
func New(opts Options, recorder ResultRecorder, logger *slog.Logger, clk clock.Clock) *Router {
	if opts.DefaultPolicy == "" {
		opts.DefaultPolicy = PolicyAll
	}
	if opts.UnhealthyAfter <= 0 {
		opts.UnhealthyAfter = defaultUnhealthyAfter
	}
	if opts.HistorySize <= 0 {
		opts.HistorySize = defaultHistorySize
	}
	if opts.HealthCheckInterval <= 0 {
		opts.HealthCheckInterval = defaultCheckInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		opts:     opts,
		recorder: recorder,
		logger:   logger,
		clock:    clock.OrReal(clk),
		health:   make(map[string]*InterfaceHealth),
		stats:    counters{perTransport: make(map[string]*TransportStats)},
	}
}

// AddTransport registers transport; first one becomes primary.
// Params: transport.
// Returns: ErrConfig-kind error on duplicate id.
func (r *Router) AddTransport(t transport.Transport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := t.ID()
	if _, exists := r.health[id]; exists {
		return domain.Errorf(domain.KindConfig, "add transport", "transport %q already added", id)
	}
	r.transports = append(r.transports, t)
	r.health[id] = &InterfaceHealth{Healthy: true}
	r.stats.perTransport[id] = &TransportStats{}
	if r.primary == "" {
		r.primary = id
	}
	return nil
}

// RemoveTransport drops transport and its health record.
// Params: transport id.
// Returns: true when transport was present.
func (r *Router) RemoveTransport(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.health[id]; !ok {
		return false
	}
	delete(r.health, id)
	delete(r.stats.perTransport, id)
	for i, t := range r.transports {
		if t.ID() == id {
			r.transports = append(r.transports[:i], r.transports[i+1:]...)
			break
		}
	}
	if r.primary == id {
		r.primary = ""
		if len(r.transports) > 0 {
			r.primary = r.transports[0].ID()
		}
	}
	return true
}

// SetPrimary pins primary transport.
// Params: registered transport id.
// Returns: ErrConfig-kind error for unknown id.
func (r *Router) SetPrimary(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.health[id]; !ok {
		return domain.Errorf(domain.KindConfig, "set primary", "transport %q is not routed", id)
	}
	r.primary = id
	return nil
}

// Primary returns current primary id.
func (r *Router) Primary() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.primary
}

// DefaultPolicy returns configured default policy.
func (r *Router) DefaultPolicy() Policy {
	return r.opts.DefaultPolicy
}

// Health returns copy of transport interface health.
func (r *Router) Health(id string) (InterfaceHealth, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.health[id]
	if !ok {
		return InterfaceHealth{}, false
	}
	return *h, true
}

// Route sends message to transports selected by policy.
// Params: context, message, and policy (empty selects default).
// Returns: outcome with one attempt per targeted transport; empty when nothing is eligible.
func (r *Router) Route(ctx context.Context, msg *domain.Message, policy Policy) Outcome {
	if policy == "" {
		policy = r.opts.DefaultPolicy
	}
	outcome := Outcome{MessageID: msg.ID, Policy: policy}

	all, primary := r.snapshot()
	healthy := r.filterHealthy(all)
	var targets []transport.Transport
	if len(healthy) == 0 {
		if msg.Priority != domain.PriorityCritical {
			r.logger.Warn("no healthy transport for message", "message_id", msg.ID, "priority", msg.Priority.String())
			r.recordHistory(msg, outcome)
			return outcome
		}
		r.logger.Warn("no healthy transport, attempting last-resort delivery", "message_id", msg.ID)
		outcome.LastResort = true
		targets = all
	} else {
		targets = selectTargets(policy, healthy, primary, msg.Content)
	}

	sendCtx := transport.WithMessageID(ctx, msg.ID)
	for _, t := range targets {
		outcome.Attempts = append(outcome.Attempts, r.attempt(sendCtx, t, msg))
	}
	r.recordHistory(msg, outcome)
	return outcome
}

// selectTargets applies policy over healthy transports.
func selectTargets(policy Policy, healthy []transport.Transport, primary, content string) []transport.Transport {
	var primaryT transport.Transport
	for _, t := range healthy {
		if t.ID() == primary {
			primaryT = t
			break
		}
	}
	switch policy {
	case PolicyPrimary:
		if primaryT != nil {
			return []transport.Transport{primaryT}
		}
		return healthy[:1]
	case PolicyFallback:
		if primaryT != nil {
			return []transport.Transport{primaryT}
		}
		backups := make([]transport.Transport, 0, len(healthy))
		for _, t := range healthy {
			if t.ID() != primary {
				backups = append(backups, t)
			}
		}
		return backups
	case PolicyLoadBalance:
		idx := xxhash.Sum64String(content) % uint64(len(healthy))
		return []transport.Transport{healthy[idx]}
	default:
		return healthy
	}
}

// attempt sends to one transport and records outcome; no lock is held during Send.
func (r *Router) attempt(ctx context.Context, t transport.Transport, msg *domain.Message) Attempt {
	id := t.ID()
	if r.recorder != nil {
		r.recorder.BeginSend(id)
	}
	start := time.Now()
	err := t.Send(ctx, msg.Content, msg.Channel)
	elapsed := time.Since(start)
	success := err == nil

	r.mu.Lock()
	if h, ok := r.health[id]; ok {
		if success {
			h.Successes++
			h.ConsecutiveFailures = 0
			h.Healthy = true
			if h.AvgResponse == 0 {
				h.AvgResponse = elapsed
			} else {
				h.AvgResponse = (h.AvgResponse*4 + elapsed) / 5
			}
		} else {
			h.Failures++
			h.ConsecutiveFailures++
			h.LastError = err.Error()
			if h.ConsecutiveFailures >= r.opts.UnhealthyAfter && h.Healthy {
				h.Healthy = false
				r.logger.Warn("transport marked unhealthy", "transport", id, "consecutive_failures", h.ConsecutiveFailures)
			}
		}
	}
	if st, ok := r.stats.perTransport[id]; ok {
		st.Sent++
		if success {
			st.Success++
		} else {
			st.Failed++
		}
	}
	r.mu.Unlock()

	if r.recorder != nil {
		r.recorder.RecordMessageResult(id, success, elapsed, err)
	}
	if err != nil {
		r.logger.Warn("transport send failed", "transport", id, "message_id", msg.ID, "error", err.Error())
	}
	return Attempt{TransportID: id, Success: success, Err: err, Duration: elapsed}
}

// snapshot copies transport list and primary.
func (r *Router) snapshot() ([]transport.Transport, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]transport.Transport(nil), r.transports...), r.primary
}

// filterHealthy returns connected transports whose health flag is set.
// A transport found disconnected counts as a failed probe.
func (r *Router) filterHealthy(all []transport.Transport) []transport.Transport {
	connected := make([]bool, len(all))
	for i, t := range all {
		connected[i] = t.IsConnected()
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]transport.Transport, 0, len(all))
	for i, t := range all {
		h, ok := r.health[t.ID()]
		if !ok {
			continue
		}
		if !connected[i] {
			r.markProbeFailedLocked(t.ID(), h, now)
			continue
		}
		if h.Healthy {
			out = append(out, t)
		}
	}
	return out
}

func (r *Router) markProbeFailedLocked(id string, h *InterfaceHealth, now time.Time) {
	h.ConsecutiveFailures++
	h.LastCheck = now
	h.LastError = "transport disconnected"
	if h.Healthy {
		h.Healthy = false
		r.logger.Warn("transport marked unhealthy", "transport", id, "reason", "disconnected")
	}
}

// CheckHealth re-derives healthy flags from live connection probes.
// Params: none.
// Returns: none.
func (r *Router) CheckHealth() {
	all, _ := r.snapshot()
	connected := make([]bool, len(all))
	for i, t := range all {
		connected[i] = t.IsConnected()
	}
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for i, t := range all {
		h, ok := r.health[t.ID()]
		if !ok {
			continue
		}
		if !connected[i] {
			r.markProbeFailedLocked(t.ID(), h, now)
			continue
		}
		h.LastCheck = now
		if !h.Healthy {
			r.logger.Info("transport restored to healthy", "transport", t.ID())
		}
		h.Healthy = true
		h.ConsecutiveFailures = 0
	}
}

// Run probes transport health until context is cancelled.
// Params: context controlling loop lifetime.
// Returns: when context is done.
func (r *Router) Run(ctx context.Context) {
	ticker := time.NewTicker(r.opts.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.safeCheck()
		}
	}
}

func (r *Router) safeCheck() {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("router health probe panicked", "panic", fmt.Sprint(rec), "stack", string(debug.Stack()))
		}
	}()
	r.CheckHealth()
}

// recordHistory appends bounded history and updates delivery counters.
func (r *Router) recordHistory(msg *domain.Message, outcome Outcome) {
	record := HistoryRecord{
		At:        r.clock.Now(),
		MessageID: msg.ID,
		Content:   domain.Truncate(msg.Content, historyContentLimit),
		Channel:   msg.Channel,
		Priority:  msg.Priority.String(),
		Policy:    outcome.Policy,
		Targets:   outcome.Targets(),
		Results:   outcome.Results(),
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.total++
	if outcome.Delivered() {
		r.stats.successful++
	} else {
		r.stats.failed++
	}
	if len(r.history) < r.opts.HistorySize {
		r.history = append(r.history, record)
		return
	}
	r.history[r.historyPos] = record
	r.historyPos = (r.historyPos + 1) % r.opts.HistorySize
}

// History returns routing history, oldest first.
func (r *Router) History() []HistoryRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HistoryRecord, 0, len(r.history))
	if len(r.history) < r.opts.HistorySize {
		return append(out, r.history...)
	}
	out = append(out, r.history[r.historyPos:]...)
	return append(out, r.history[:r.historyPos]...)
}
