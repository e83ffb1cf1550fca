package clock

import (
	"sync"
	"time"
)

// Clock provides current time abstraction for deterministic tests.
// Params: none.
// Returns: current wall-clock time.
type Clock interface {
	Now() time.Time
}

// RealClock reads current UTC time from system clock.
// Params: none.
// Returns: current UTC timestamp.
type RealClock struct{}

// Now returns current UTC time.
// Params: none.
// Returns: current UTC timestamp.
func (RealClock) Now() time.Time {
	return time.Now().UTC()
}

// Manual is a settable clock for tests of backoff and retention windows.
// Params: start time set via NewManual.
// Returns: clock that only moves when Advance or Set is called.
type Manual struct {
	mu  sync.Mutex
	now time.Time
}

// NewManual creates manual clock pinned at start.
// Params: initial timestamp.
// Returns: manual clock.
func NewManual(start time.Time) *Manual {
	return &Manual{now: start}
}

// Now returns pinned time.
// Params: none.
// Returns: current manual timestamp.
func (m *Manual) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward.
// Params: positive duration to add.
// Returns: new current timestamp.
func (m *Manual) Advance(d time.Duration) time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
	return m.now
}

// OrReal returns clk or RealClock when clk is nil.
// Params: optional clock.
// Returns: usable clock.
func OrReal(clk Clock) Clock {
	if clk == nil {
		return RealClock{}
	}
	return clk
}
