package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
)

// BreakerState is the circuit breaker's observable state.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker guards a single call-site against a persistently failing
// dependency. Closed passes calls through and counts consecutive failures;
// reaching the threshold opens the breaker, rejecting calls without invoking
// the dependency until resetTimeout elapses, after which one trial call runs
// half-open.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration

	mu           sync.Mutex
	state        BreakerState
	failureCount int
	openedAt     time.Time
	timeNow      func() time.Time // Injectable for testing
}

func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration) *CircuitBreaker {
	return NewCircuitBreakerWithClock(name, failureThreshold, resetTimeout, time.Now)
}

func NewCircuitBreakerWithClock(name string, failureThreshold int, resetTimeout time.Duration, timeNow func() time.Time) *CircuitBreaker {
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		state:            BreakerClosed,
		timeNow:          timeNow,
	}
}

// Call runs fn through the breaker. When open it returns ErrCircuitOpen
// without invoking fn. The admit decision and the state transition are taken
// under one lock so concurrent callers cannot race a check-then-act.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

// State reports the current state, accounting for reset-timeout expiry.
func (cb *CircuitBreaker) State() BreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == BreakerOpen && cb.timeNow().Sub(cb.openedAt) >= cb.resetTimeout {
		return BreakerHalfOpen
	}
	return cb.state
}

// FailureCount reports the consecutive failure counter.
func (cb *CircuitBreaker) FailureCount() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failureCount
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if cb.timeNow().Sub(cb.openedAt) >= cb.resetTimeout {
			cb.state = BreakerHalfOpen
			logger.Infow("circuit breaker trial call",
				logger.FieldComponent, cb.name,
				logger.FieldState, string(cb.state))
			return nil
		}
		return errors.Mark(
			errors.Newf("circuit breaker %q is open", cb.name),
			errors.ErrCircuitOpen)
	case BreakerHalfOpen:
		// A trial call is already in flight
		return errors.Mark(
			errors.Newf("circuit breaker %q is half-open with a trial in flight", cb.name),
			errors.ErrCircuitOpen)
	}
	return nil
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		if cb.state != BreakerClosed {
			logger.Infow("circuit breaker closed",
				logger.FieldComponent, cb.name)
		}
		cb.state = BreakerClosed
		cb.failureCount = 0
		return
	}

	switch cb.state {
	case BreakerHalfOpen:
		cb.state = BreakerOpen
		cb.openedAt = cb.timeNow()
		logger.Warnw("circuit breaker reopened after failed trial",
			logger.FieldComponent, cb.name,
			logger.FieldError, err)
	case BreakerClosed:
		cb.failureCount++
		if cb.failureCount >= cb.failureThreshold {
			cb.state = BreakerOpen
			cb.openedAt = cb.timeNow()
			logger.Warnw("circuit breaker opened",
				logger.FieldComponent, cb.name,
				logger.FieldCount, cb.failureCount)
		}
	}
}
