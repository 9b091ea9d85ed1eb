package pronote

import (
	"context"
	"sync"
	"time"
)

// ══════════════════════════════════════════════════════════════════════════════
// RATE LIMITER - Request pacing against an unofficial API
// ══════════════════════════════════════════════════════════════════════════════

// RateLimiter spaces portal calls out and honors the retry-after the portal
// advertises when it throttles us. The portal has no published quota, so the
// limiter is deliberately conservative.
type RateLimiter struct {
	mu sync.Mutex

	minInterval time.Duration
	lastRequest time.Time

	// holdUntil is set when the portal rate limited us. No request goes out
	// before it passes.
	holdUntil time.Time

	clock Clock
}

// RateLimiterConfig configures request pacing.
type RateLimiterConfig struct {
	// MinInterval is the minimum time between two portal calls.
	MinInterval time.Duration

	// Clock overrides the time source in tests.
	Clock Clock
}

// DefaultRateLimiterConfig spaces calls at least two seconds apart.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		MinInterval: 2 * time.Second,
	}
}

// NewRateLimiter creates a RateLimiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	clock := config.Clock
	if clock == nil {
		clock = systemClock{}
	}
	return &RateLimiter{
		minInterval: config.MinInterval,
		lastRequest: clock.Now().Add(-config.MinInterval),
		clock:       clock,
	}
}

// Wait blocks until the next call is allowed or the context ends.
func (rl *RateLimiter) Wait(ctx context.Context) error {
	wait := rl.reserve()
	if wait <= 0 {
		return nil
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve stamps the next request slot and returns how long to sleep before
// using it.
func (rl *RateLimiter) reserve() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.clock.Now()
	next := rl.lastRequest.Add(rl.minInterval)
	if next.Before(now) {
		next = now
	}
	if rl.holdUntil.After(next) {
		next = rl.holdUntil
	}
	rl.lastRequest = next
	return next.Sub(now)
}

// RecordRetryAfter holds all requests for the duration the portal advertised.
func (rl *RateLimiter) RecordRetryAfter(retryAfter time.Duration) {
	if retryAfter <= 0 {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()

	until := rl.clock.Now().Add(retryAfter)
	if until.After(rl.holdUntil) {
		rl.holdUntil = until
	}
}

// HoldRemaining returns how long the current rate limit hold has left.
func (rl *RateLimiter) HoldRemaining() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	remaining := rl.holdUntil.Sub(rl.clock.Now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Clock abstracts the time source.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }
