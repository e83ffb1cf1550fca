package transport

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"
)

// Throttle rate-limits Send on a wrapped transport.
// Params: wrapped transport and token bucket limiter.
// Returns: transport whose Send waits for a token first.
type Throttle struct {
	Transport
	limiter *rate.Limiter
}

// NewThrottle wraps transport with limiter.
// Params: transport, events per second, and burst size.
// Returns: original transport when perSecond <= 0, throttled wrapper otherwise.
func NewThrottle(inner Transport, perSecond float64, burst int) Transport {
	if perSecond <= 0 {
		return inner
	}
	if burst <= 0 {
		burst = 1
	}
	return &Throttle{Transport: inner, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// Send waits for limiter token and forwards message.
// Params: context bounding the wait, content, and channel.
// Returns: wait error or wrapped transport send error.
func (t *Throttle) Send(ctx context.Context, content, channel string) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait on %s: %w", t.Transport.ID(), err)
	}
	return t.Transport.Send(ctx, content, channel)
}
