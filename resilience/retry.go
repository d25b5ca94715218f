package resilience

import (
	"context"
	"time"

	"github.com/quantrelay/quantrelay/errors"
	"github.com/quantrelay/quantrelay/logger"
)

// RetryPolicy is an immutable description of a bounded exponential backoff.
// The first attempt counts toward MaxAttempts.
type RetryPolicy struct {
	MaxAttempts     int
	InitialDelay    time.Duration
	ExponentialBase float64
	MaxDelay        time.Duration

	// Retryable decides whether an error consumes retry budget. Errors it
	// rejects propagate immediately. Defaults to errors.IsRetryable.
	Retryable func(error) bool
}

// DefaultRetryPolicy matches the broker dispatch defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:     3,
		InitialDelay:    500 * time.Millisecond,
		ExponentialBase: 2.0,
		MaxDelay:        10 * time.Second,
	}
}

// Delay returns the backoff before the given retry (attempt is 1-based;
// the delay applies after attempt fails).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := p.InitialDelay
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * p.ExponentialBase)
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		return p.MaxDelay
	}
	return delay
}

// Do runs fn, retrying on retryable errors with exponential backoff until
// the attempt budget is exhausted. The last error is returned as-is so it
// composes with a circuit breaker without masking either side's errors.
func (p RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	retryable := p.Retryable
	if retryable == nil {
		retryable = errors.IsRetryable
	}
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !retryable(lastErr) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		delay := p.Delay(attempt)
		logger.Debugw("retrying after transient failure",
			logger.FieldAttempt, attempt,
			"delay", delay.String(),
			logger.FieldError, lastErr)

		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "retry interrupted")
		case <-time.After(delay):
		}
	}
	return lastErr
}
