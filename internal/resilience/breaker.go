package resilience

import (
	"log"
	"sync"
	"time"
)

const (
	DefaultFailureThreshold = 3
	DefaultCooldown         = 5 * time.Minute
)

// BreakerState is the externally visible state of a circuit breaker
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half_open"
)

// CircuitBreakerState is a point-in-time copy of the breaker counters
type CircuitBreakerState struct {
	FailureCount int          `json:"failureCount"`
	OpenUntil    time.Time    `json:"openUntil,omitempty"`
	State        BreakerState `json:"state"`
}

// CircuitBreaker sheds calls to a failing dependency. After threshold
// consecutive failures it opens for the cooldown period; the first call after
// the cooldown is let through (half-open) and either closes the breaker on
// success or reopens it on failure.
type CircuitBreaker struct {
	mu           sync.Mutex
	failureCount int
	openUntil    time.Time
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	onOpen       func(failures int, until time.Time)
}

// NewCircuitBreaker creates a breaker. Non-positive arguments fall back to the
// defaults (3 failures, 5 minutes).
func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = DefaultFailureThreshold
	}
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// SetClock replaces the time source. Used by tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// OnOpen registers a callback invoked (outside the lock) whenever the breaker opens
func (cb *CircuitBreaker) OnOpen(fn func(failures int, until time.Time)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onOpen = fn
}

// Allow reports whether a call may go to the network
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return !cb.now().Before(cb.openUntil)
}

// RecordSuccess closes the breaker and resets the failure count
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.openUntil = time.Time{}
}

// RecordFailure counts a failure. It returns true when this failure opened the
// breaker.
func (cb *CircuitBreaker) RecordFailure() bool {
	cb.mu.Lock()
	cb.failureCount++
	if cb.failureCount < cb.threshold {
		cb.mu.Unlock()
		return false
	}
	cb.openUntil = cb.now().Add(cb.cooldown)
	failures, until, hook := cb.failureCount, cb.openUntil, cb.onOpen
	cb.mu.Unlock()

	log.Printf("⚡ [BREAKER] Circuit opened after %d consecutive failures (until %s)", failures, until.Format(time.RFC3339))
	if hook != nil {
		hook(failures, until)
	}
	return true
}

// State returns closed, open, or half_open
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.stateLocked()
}

func (cb *CircuitBreaker) stateLocked() BreakerState {
	switch {
	case cb.now().Before(cb.openUntil):
		return StateOpen
	case cb.failureCount >= cb.threshold:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

// Snapshot returns a copy of the counters
func (cb *CircuitBreaker) Snapshot() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return CircuitBreakerState{
		FailureCount: cb.failureCount,
		OpenUntil:    cb.openUntil,
		State:        cb.stateLocked(),
	}
}

// Reset returns the breaker to its initial closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failureCount = 0
	cb.openUntil = time.Time{}
}
