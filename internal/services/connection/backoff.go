package connection

import (
	"sync"
	"time"
)

const (
	DefaultInitialBackoff = 1 * time.Second
	DefaultMaxBackoff     = 30 * time.Second
	DefaultBackoffFactor  = 1.5
)

// Backoff is a multiplicative reconnect delay. It is safe for concurrent use.
type Backoff struct {
	mu      sync.Mutex
	initial time.Duration
	max     time.Duration
	factor  float64
	current time.Duration
}

// NewBackoff creates a backoff starting at initial and capped at max
func NewBackoff(initial, max time.Duration, factor float64) *Backoff {
	if initial <= 0 {
		initial = DefaultInitialBackoff
	}
	if max < initial {
		max = initial
	}
	if factor < 1 {
		factor = DefaultBackoffFactor
	}
	return &Backoff{initial: initial, max: max, factor: factor, current: initial}
}

// DefaultBackoff returns the 1s / x1.5 / 30s policy
func DefaultBackoff() *Backoff {
	return NewBackoff(DefaultInitialBackoff, DefaultMaxBackoff, DefaultBackoffFactor)
}

// Current returns the delay before the next attempt
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Increase grows the delay after a failed attempt and returns the new value
func (b *Backoff) Increase() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := time.Duration(float64(b.current) * b.factor)
	if next > b.max {
		next = b.max
	}
	b.current = next
	return next
}

// Reset restores the initial delay
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.initial
	b.mu.Unlock()
}

// AtMax reports whether the delay reached its cap
func (b *Backoff) AtMax() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current >= b.max
}
