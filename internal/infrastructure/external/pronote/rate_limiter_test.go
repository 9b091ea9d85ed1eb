package pronote

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeLimiterClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeLimiterClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeLimiterClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRateLimiter_FirstRequestPassesImmediately(t *testing.T) {
	clock := &fakeLimiterClock{now: time.Unix(1000, 0)}
	limiter := NewRateLimiter(RateLimiterConfig{MinInterval: 2 * time.Second, Clock: clock})

	assert.Zero(t, limiter.reserve())
}

func TestRateLimiter_SpacesConsecutiveRequests(t *testing.T) {
	clock := &fakeLimiterClock{now: time.Unix(1000, 0)}
	limiter := NewRateLimiter(RateLimiterConfig{MinInterval: 2 * time.Second, Clock: clock})

	assert.Zero(t, limiter.reserve())
	assert.Equal(t, 2*time.Second, limiter.reserve())

	clock.Advance(5 * time.Second)
	assert.Zero(t, limiter.reserve())
}

func TestRateLimiter_RetryAfterHoldsAllRequests(t *testing.T) {
	clock := &fakeLimiterClock{now: time.Unix(1000, 0)}
	limiter := NewRateLimiter(RateLimiterConfig{MinInterval: time.Second, Clock: clock})

	limiter.RecordRetryAfter(30 * time.Second)
	assert.Equal(t, 30*time.Second, limiter.reserve())
	assert.Equal(t, 30*time.Second, limiter.HoldRemaining())

	clock.Advance(30 * time.Second)
	assert.Zero(t, limiter.HoldRemaining())
}

func TestRateLimiter_ShorterRetryAfterNeverShrinksHold(t *testing.T) {
	clock := &fakeLimiterClock{now: time.Unix(1000, 0)}
	limiter := NewRateLimiter(RateLimiterConfig{MinInterval: time.Second, Clock: clock})

	limiter.RecordRetryAfter(60 * time.Second)
	limiter.RecordRetryAfter(10 * time.Second)
	assert.Equal(t, 60*time.Second, limiter.HoldRemaining())
}
