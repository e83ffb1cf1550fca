package connmgr

import (
	"time"
)

const (
	// HealthyThreshold is minimal score for healthy flag.
	HealthyThreshold = 50.0
	// MaxScore is score of a transport with no recorded history.
	MaxScore = 100.0
)

// ErrorEntry is one recent error in health record.
type ErrorEntry struct {
	At      time.Time `json:"at"`
	Message string    `json:"message"`
}

// Health is per-transport health record owned by Manager.
// Params: connection/message counters, streaks, response window, load, and error log.
// Returns: inputs of Score and diagnostics snapshot.
type Health struct {
	ConnectionAttempts  uint64
	ConnectionSuccesses uint64
	ConnectionFailures  uint64
	MessagesSent        uint64
	MessagesFailed      uint64
	ConsecutiveFailures int
	CheckFailureStreak  int
	Load                int
	LastHealthCheck     time.Time
	Score               float64
	Healthy             bool

	responseTimes []time.Duration
	responseNext  int
	errors        []ErrorEntry
}

func newHealth() Health {
	return Health{Score: MaxScore, Healthy: true}
}

// Score derives health score from counters.
// Params: health record.
// Returns: score clamped to [0,100].
func Score(h Health) float64 {
	score := MaxScore
	if h.ConnectionAttempts > 0 {
		ratio := float64(h.ConnectionSuccesses) / float64(h.ConnectionAttempts)
		score *= 0.6 + 0.4*ratio
	}
	if total := h.MessagesSent + h.MessagesFailed; total > 0 {
		ratio := float64(h.MessagesSent) / float64(total)
		score *= 0.7 + 0.3*ratio
	}
	score *= 1 - min(0.8, 0.1*float64(h.ConsecutiveFailures))
	score *= 1 - min(0.5, 0.1*float64(h.CheckFailureStreak))
	return max(0, min(MaxScore, score))
}

// recompute refreshes derived score and healthy flag.
func (h *Health) recompute() {
	h.Score = Score(*h)
	h.Healthy = h.Score >= HealthyThreshold
}

// addResponseTime appends sample to bounded ring.
func (h *Health) addResponseTime(d time.Duration, window int) {
	if window <= 0 {
		return
	}
	if len(h.responseTimes) < window {
		h.responseTimes = append(h.responseTimes, d)
		return
	}
	h.responseTimes[h.responseNext] = d
	h.responseNext = (h.responseNext + 1) % window
}

// addError appends error to bounded log, dropping the oldest.
func (h *Health) addError(at time.Time, err error, limit int) {
	if err == nil || limit <= 0 {
		return
	}
	h.errors = append(h.errors, ErrorEntry{At: at, Message: err.Error()})
	if len(h.errors) > limit {
		h.errors = append([]ErrorEntry(nil), h.errors[len(h.errors)-limit:]...)
	}
}

// SuccessRate returns message success ratio in [0,1] (1 with no attempts).
func (h Health) SuccessRate() float64 {
	total := h.MessagesSent + h.MessagesFailed
	if total == 0 {
		return 1
	}
	return float64(h.MessagesSent) / float64(total)
}

// ResponseStats summarizes response-time window.
type ResponseStats struct {
	Samples int     `json:"samples"`
	AvgMS   float64 `json:"avg_ms"`
	MinMS   float64 `json:"min_ms"`
	MaxMS   float64 `json:"max_ms"`
}

// ResponseStats returns window summary.
func (h Health) ResponseStats() ResponseStats {
	if len(h.responseTimes) == 0 {
		return ResponseStats{}
	}
	var total time.Duration
	lo, hi := h.responseTimes[0], h.responseTimes[0]
	for _, d := range h.responseTimes {
		total += d
		lo = min(lo, d)
		hi = max(hi, d)
	}
	return ResponseStats{
		Samples: len(h.responseTimes),
		AvgMS:   msFloat(total / time.Duration(len(h.responseTimes))),
		MinMS:   msFloat(lo),
		MaxMS:   msFloat(hi),
	}
}

// RecentErrors returns copy of error log, oldest first.
func (h Health) RecentErrors() []ErrorEntry {
	return append([]ErrorEntry(nil), h.errors...)
}

func msFloat(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
