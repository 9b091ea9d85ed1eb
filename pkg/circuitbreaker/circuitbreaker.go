// Package circuitbreaker implements the Circuit Breaker pattern for fault tolerance.
// It protects the system from call storms when the Pronote portal is failing.
// No external dependencies - uses only standard library.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the current state of the circuit breaker.
type State int

const (
	// StateClosed is the normal state - calls are allowed through.
	StateClosed State = iota
	// StateOpen is the failure state - calls are rejected locally.
	StateOpen
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when the circuit is open and calls are rejected.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Config holds circuit breaker configuration.
type Config struct {
	// Name identifies this circuit breaker (for logging).
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open after the last
	// failure before calls are allowed through again. Default: 300s
	RecoveryTimeout time.Duration

	// OnStateChange is called when the circuit state changes.
	OnStateChange func(name string, from, to State)

	// Clock returns the current time. Overridable in tests.
	Clock func() time.Time
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig(name string) Config {
	return Config{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  300 * time.Second,
		Clock:            time.Now,
	}
}

// Option is a functional option for configuring the circuit breaker.
type Option func(*Config)

// WithFailureThreshold sets the failure threshold.
func WithFailureThreshold(n int) Option {
	return func(c *Config) {
		if n > 0 {
			c.FailureThreshold = n
		}
	}
}

// WithRecoveryTimeout sets the recovery timeout.
func WithRecoveryTimeout(d time.Duration) Option {
	return func(c *Config) {
		if d > 0 {
			c.RecoveryTimeout = d
		}
	}
}

// WithOnStateChange sets the state change callback.
func WithOnStateChange(fn func(name string, from, to State)) Option {
	return func(c *Config) {
		c.OnStateChange = fn
	}
}

// WithClock sets the time source. Intended for tests.
func WithClock(fn func() time.Time) Option {
	return func(c *Config) {
		if fn != nil {
			c.Clock = fn
		}
	}
}

// Breaker implements a two-state circuit breaker.
//
// There is no half-open state: once RecoveryTimeout has elapsed since the last
// failure, the next IsOpen query transitions the circuit back to closed and
// resets the failure count, so the first call after the timeout goes through
// directly. If that call fails, the circuit re-opens after the threshold is
// reached again (which takes a single failure only when the threshold is 1).
type Breaker struct {
	config Config

	mu              sync.Mutex
	failureCount    int
	lastFailureTime time.Time
	open            bool
}

// New creates a new Breaker with the given name and options.
func New(name string, opts ...Option) *Breaker {
	config := DefaultConfig(name)
	for _, opt := range opts {
		opt(&config)
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	return &Breaker{config: config}
}

// IsOpen reports whether the circuit currently rejects calls.
//
// The transition back to closed is lazy: it happens here, on the first state
// query after the recovery timeout has elapsed, not on a background timer.
// Crossing the timeout also resets the failure count to zero.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.open {
		return false
	}

	if !b.lastFailureTime.IsZero() {
		elapsed := b.config.Clock().Sub(b.lastFailureTime)
		if elapsed >= b.config.RecoveryTimeout {
			b.setOpen(false)
			b.failureCount = 0
			return false
		}
	}

	return true
}

// RecordSuccess resets the failure count and closes the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.setOpen(false)
}

// RecordFailure increments the failure count and stamps the failure time.
// The circuit opens when the count reaches the configured threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.lastFailureTime = b.config.Clock()

	if b.failureCount >= b.config.FailureThreshold {
		b.setOpen(true)
	}
}

// Reset unconditionally clears the breaker. For operator-triggered recovery.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount = 0
	b.lastFailureTime = time.Time{}
	b.setOpen(false)
}

// FailureCount returns the current consecutive failure count.
func (b *Breaker) FailureCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failureCount
}

// Name returns the name of the circuit breaker.
func (b *Breaker) Name() string {
	return b.config.Name
}

// setOpen transitions the open flag and fires the state change callback.
// Caller must hold b.mu.
func (b *Breaker) setOpen(open bool) {
	if b.open == open {
		return
	}

	from, to := StateClosed, StateOpen
	if !open {
		from, to = StateOpen, StateClosed
	}

	b.open = open

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.config.Name, from, to)
	}
}
