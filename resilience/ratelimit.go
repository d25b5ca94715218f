package resilience

import (
	"sync"
	"time"

	"github.com/quantrelay/quantrelay/errors"
)

// RateLimiter enforces max requests per trailing window, independently per
// client key, using a sliding window algorithm.
type RateLimiter struct {
	maxRequests int
	window      time.Duration
	mu          sync.Mutex
	byKey       map[string][]time.Time
	timeNow     func() time.Time // Injectable for testing
}

// NewRateLimiter creates a per-key rate limiter with real time
func NewRateLimiter(maxRequests int, window time.Duration) *RateLimiter {
	return NewRateLimiterWithClock(maxRequests, window, time.Now)
}

// NewRateLimiterWithClock creates a rate limiter with injectable clock (for testing)
func NewRateLimiterWithClock(maxRequests int, window time.Duration, timeNow func() time.Time) *RateLimiter {
	return &RateLimiter{
		maxRequests: maxRequests,
		window:      window,
		byKey:       make(map[string][]time.Time),
		timeNow:     timeNow,
	}
}

// Allow checks whether a request under key is within quota, recording the
// request timestamp when it is. Returns ErrRateLimited when over quota
// without recording anything.
func (r *RateLimiter) Allow(key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	calls := r.evictExpired(key, now)

	if len(calls) >= r.maxRequests {
		err := errors.Newf("rate limit exceeded for %q: %d requests in %s (limit: %d)",
			key, len(calls), r.window, r.maxRequests)
		return errors.Mark(err, errors.ErrRateLimited)
	}

	r.byKey[key] = append(calls, now)
	return nil
}

// Remaining reports how much quota is left for key right now.
func (r *RateLimiter) Remaining(key string) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	calls := r.evictExpired(key, r.timeNow())
	remaining := r.maxRequests - len(calls)
	if remaining < 0 {
		remaining = 0
	}
	return remaining
}

// Reset clears all recorded requests for key.
func (r *RateLimiter) Reset(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.byKey, key)
}

// evictExpired drops timestamps outside the sliding window for key.
// Must be called with lock held.
func (r *RateLimiter) evictExpired(key string, now time.Time) []time.Time {
	calls := r.byKey[key]
	cutoff := now.Add(-r.window)

	// Timestamps are ordered, so count expired entries from the front
	expired := 0
	for _, callTime := range calls {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	calls = calls[expired:]
	if len(calls) == 0 {
		delete(r.byKey, key)
		return nil
	}
	r.byKey[key] = calls
	return calls
}
