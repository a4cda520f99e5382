package swarm

import (
	"context"
	"sync"
	"time"

	"github.com/edgeswarm/edgegate/internal/model"
	"github.com/edgeswarm/edgegate/internal/pkg/apperrors"
	"github.com/edgeswarm/edgegate/internal/pkg/metrics"
)

// BreakerState is the circuit state for one protected operation.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half-open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is short-circuited without being
// attempted. For judges this surfaces as a non-vote.
var ErrCircuitOpen = apperrors.New(apperrors.ErrCircuitOpen, "circuit breaker is open", nil)

// CircuitBreaker isolates a consistently failing operation (a judge, a
// venue) from the rest of the pipeline. Closed → Open after threshold
// consecutive failures; after the cool-down one half-open probe is allowed.
type CircuitBreaker struct {
	name      string
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu        sync.Mutex
	state     BreakerState
	failures  int
	openedAt  time.Time
	probing   bool
	lastError error
}

func NewCircuitBreaker(name string, threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 3
	}
	return &CircuitBreaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// Do runs fn if the breaker permits it, recording the outcome. When the
// breaker is open the call is never attempted.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.record(err)
	return err
}

// Allow reports whether a call may proceed right now. Callers that use
// Allow directly must pair it with RecordSuccess/RecordFailure.
func (cb *CircuitBreaker) Allow() error {
	return cb.allow()
}

func (cb *CircuitBreaker) RecordSuccess() { cb.record(nil) }

func (cb *CircuitBreaker) RecordFailure(err error) {
	if err == nil {
		err = apperrors.New(apperrors.ErrUpstream, "operation failed", nil)
	}
	cb.record(err)
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if cb.now().Sub(cb.openedAt) >= cb.cooldown {
			cb.setState(BreakerHalfOpen)
			cb.probing = true
			return nil
		}
		return ErrCircuitOpen
	case BreakerHalfOpen:
		// Exactly one trial call in half-open.
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.failures = 0
		cb.probing = false
		cb.lastError = nil
		cb.setState(BreakerClosed)
		return
	}

	cb.lastError = err
	switch cb.state {
	case BreakerHalfOpen:
		// Probe failed: back to open, cool-down restarts.
		cb.probing = false
		cb.openedAt = cb.now()
		cb.setState(BreakerOpen)
	case BreakerClosed:
		cb.failures++
		if cb.failures >= cb.threshold {
			cb.openedAt = cb.now()
			cb.setState(BreakerOpen)
		}
	}
}

func (cb *CircuitBreaker) setState(s BreakerState) {
	if cb.state == s {
		return
	}
	cb.state = s
	metrics.BreakerState.WithLabelValues(cb.name).Set(breakerGaugeValue(s))
}

func breakerGaugeValue(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

// State returns the current state, applying cool-down expiry lazily.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		return BreakerHalfOpen
	}
	return cb.state
}

func (cb *CircuitBreaker) Name() string { return cb.name }

func (cb *CircuitBreaker) Status() model.BreakerStatus {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	st := cb.state
	if st == BreakerOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		st = BreakerHalfOpen
	}
	status := model.BreakerStatus{
		Name:             cb.name,
		State:            st.String(),
		ConsecutiveFails: cb.failures,
	}
	if st != BreakerClosed {
		status.OpenedAt = cb.openedAt
	}
	return status
}

// WithClock overrides the time source. Tests drive cool-down transitions
// with a fake clock instead of sleeping.
func (cb *CircuitBreaker) WithClock(now func() time.Time) *CircuitBreaker {
	cb.now = now
	return cb
}
