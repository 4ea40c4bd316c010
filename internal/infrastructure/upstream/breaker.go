package upstream

import (
	"sync"
	"time"

	"github.com/toolbridge/toolbridge/internal/infrastructure/monitoring"
)

// BreakerState is the state of the upstream circuit breaker.
type BreakerState int

const (
	BreakerClosed   BreakerState = iota // normal operation
	BreakerOpen                         // failing, reject calls
	BreakerHalfOpen                     // probing recovery
)

// String returns a human-readable label for the breaker state.
func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker trips after consecutive upstream failures and rejects calls
// without touching the backend until the recovery timeout elapses; then one
// probe request decides whether the circuit closes again. A nil *Breaker is
// a disabled breaker that allows everything.
type Breaker struct {
	mu              sync.Mutex
	state           BreakerState
	failures        int
	threshold       int
	recoveryTimeout time.Duration
	lastFailure     time.Time
}

// NewBreaker creates a breaker that opens after threshold consecutive
// failures and probes again after recoveryTimeout.
func NewBreaker(threshold int, recoveryTimeout time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if recoveryTimeout <= 0 {
		recoveryTimeout = 30 * time.Second
	}
	return &Breaker{
		state:           BreakerClosed,
		threshold:       threshold,
		recoveryTimeout: recoveryTimeout,
	}
}

// Allow reports whether a request may go upstream. In the open state it
// flips to half-open once the recovery timeout has elapsed and admits a
// single probe.
func (b *Breaker) Allow() bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.lastFailure) >= b.recoveryTimeout {
			b.setState(BreakerHalfOpen)
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	}
	return false
}

// RecordSuccess resets the failure count; a success during the half-open
// probe closes the circuit.
func (b *Breaker) RecordSuccess() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	if b.state == BreakerHalfOpen {
		b.setState(BreakerClosed)
	}
}

// RecordFailure counts a failed upstream call. Any failure during the
// half-open probe re-opens the circuit immediately.
func (b *Breaker) RecordFailure() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = time.Now()

	if b.state == BreakerHalfOpen || b.failures >= b.threshold {
		b.setState(BreakerOpen)
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	if b == nil {
		return BreakerClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s BreakerState) {
	b.state = s
	monitoring.BreakerState.Set(float64(s))
}
