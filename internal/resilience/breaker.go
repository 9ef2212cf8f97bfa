// Package resilience provides reliability patterns for external capability
// calls (model, guardrail, sandbox).
package resilience

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrCircuitOpen is returned when the circuit breaker is open and rejecting
// calls. Callers classify it as a transient failure eligible for retry.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type state int

const (
	stateClosed state = iota
	stateOpen
	stateHalfOpen
)

func (s state) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker implements a circuit breaker for protecting external capability
// calls. It counts consecutive failures and opens the circuit at a
// threshold; after a cool-off period a single probe call is allowed through.
type Breaker struct {
	mu          sync.Mutex
	state       state
	failures    int
	maxFailures int
	cooloff     time.Duration
	openedAt    time.Time
	now         func() time.Time // for testing
}

// NewBreaker creates a circuit breaker that opens after maxFailures
// consecutive failures and stays open for the given cool-off period before
// transitioning to half-open.
func NewBreaker(maxFailures int, cooloff time.Duration) *Breaker {
	return &Breaker{
		maxFailures: maxFailures,
		cooloff:     cooloff,
		now:         time.Now,
	}
}

// Execute runs fn if the circuit is closed or half-open.
// Returns ErrCircuitOpen without invoking fn if the circuit is open.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.allowRequest() {
		return ErrCircuitOpen
	}

	err := fn(ctx)

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.recordFailure()
		return err
	}

	b.recordSuccess()
	return nil
}

// State reports the current circuit state for health probes.
func (b *Breaker) State() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state.String()
}

func (b *Breaker) allowRequest() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case stateClosed:
		return true
	case stateOpen:
		if b.now().Sub(b.openedAt) >= b.cooloff {
			b.transition(stateHalfOpen)
			return true
		}
		return false
	case stateHalfOpen:
		return true
	}
	return false
}

// recordFailure must be called with b.mu held. A failed half-open probe
// reopens immediately; in the closed state the streak must reach the
// threshold first.
func (b *Breaker) recordFailure() {
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.maxFailures {
		b.transition(stateOpen)
		b.openedAt = b.now()
	}
}

// recordSuccess must be called with b.mu held.
func (b *Breaker) recordSuccess() {
	b.failures = 0
	if b.state != stateClosed {
		b.transition(stateClosed)
	}
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to state) {
	if b.state == to {
		return
	}
	slog.Info("circuit breaker state change", "from", b.state.String(), "to", to.String(), "failures", b.failures)
	b.state = to
}
