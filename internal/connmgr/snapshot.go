package connmgr

import (
	"time"

	"meshalert/internal/transport"
)

// HealthSnapshot is diagnostics view of one transport.
type HealthSnapshot struct {
	ID                  string           `json:"id"`
	Type                string           `json:"type"`
	Priority            string           `json:"priority"`
	Primary             bool             `json:"primary"`
	Active              bool             `json:"active"`
	Score               float64          `json:"score"`
	Healthy             bool             `json:"healthy"`
	SuccessRate         float64          `json:"success_rate"`
	ConsecutiveFailures int              `json:"consecutive_failures"`
	CheckFailureStreak  int              `json:"check_failure_streak"`
	ConnectionAttempts  uint64           `json:"connection_attempts"`
	ConnectionSuccesses uint64           `json:"connection_successes"`
	ConnectionFailures  uint64           `json:"connection_failures"`
	MessagesSent        uint64           `json:"messages_sent"`
	MessagesFailed      uint64           `json:"messages_failed"`
	Load                int              `json:"load"`
	ResponseTime        ResponseStats    `json:"response_time"`
	LastHealthCheck     *time.Time       `json:"last_health_check,omitempty"`
	RecentErrors        []ErrorEntry     `json:"recent_errors,omitempty"`
	Status              transport.Status `json:"status"`
}

// Snapshot is diagnostics view of connection manager.
type Snapshot struct {
	Primary    string           `json:"primary"`
	Failovers  uint64           `json:"failovers"`
	Transports []HealthSnapshot `json:"transports"`
}

// Snapshot returns point-in-time view of every transport.
// Params: none.
// Returns: snapshot ordered by registration.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	out := Snapshot{
		Primary:    m.primary,
		Failovers:  m.failovers,
		Transports: make([]HealthSnapshot, 0, len(m.order)),
	}
	handles := make([]transport.Transport, 0, len(m.order))
	for _, id := range m.order {
		e := m.entries[id]
		h := e.health
		item := HealthSnapshot{
			ID:                  id,
			Type:                e.transport.TypeID(),
			Priority:            e.priority.String(),
			Primary:             id == m.primary,
			Active:              e.active,
			Score:               h.Score,
			Healthy:             h.Healthy,
			SuccessRate:         h.SuccessRate(),
			ConsecutiveFailures: h.ConsecutiveFailures,
			CheckFailureStreak:  h.CheckFailureStreak,
			ConnectionAttempts:  h.ConnectionAttempts,
			ConnectionSuccesses: h.ConnectionSuccesses,
			ConnectionFailures:  h.ConnectionFailures,
			MessagesSent:        h.MessagesSent,
			MessagesFailed:      h.MessagesFailed,
			Load:                h.Load,
			ResponseTime:        h.ResponseStats(),
			RecentErrors:        h.RecentErrors(),
		}
		if !h.LastHealthCheck.IsZero() {
			at := h.LastHealthCheck
			item.LastHealthCheck = &at
		}
		out.Transports = append(out.Transports, item)
		handles = append(handles, e.transport)
	}
	m.mu.Unlock()

	for i, t := range handles {
		out.Transports[i].Status = t.Status()
	}
	return out
}
