// Package errors provides error handling for quantrelay.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrAuth) {
//	    // handle auth failure
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint    = crdb.WithHint
	WithHintf   = crdb.WithHintf
	WithDetail  = crdb.WithDetail
	WithDetailf = crdb.WithDetailf
)

// Error inspection
var (
	Is        = crdb.Is
	IsAny     = crdb.IsAny
	As        = crdb.As
	Unwrap    = crdb.Unwrap
	UnwrapAll = crdb.UnwrapAll

	GetAllDetails  = crdb.GetAllDetails
	FlattenDetails = crdb.FlattenDetails
)

// Mark associates an error with a sentinel so errors.Is matches the sentinel
// while the message stays specific to the failure.
var Mark = crdb.Mark

// Sentinel errors forming the dispatch error taxonomy.
// Every failure surfaced by the webhook path or the replay path wraps exactly
// one of these, so callers branch on kind with errors.Is rather than by
// parsing messages.
var (
	// ErrAuth indicates a bad or missing webhook secret/signature.
	// Terminal, never retried, and never echoed back with the secret.
	ErrAuth = New("authentication failed")

	// ErrValidation indicates a malformed or schema-violating payload.
	// Terminal, maps to HTTP 422, no side effects.
	ErrValidation = New("validation failed")

	// ErrPolicyRejected indicates a leg rejected locally before the broker
	// was ever contacted (e.g. insufficient holdings for a SELL).
	ErrPolicyRejected = New("rejected by policy")

	// ErrBrokerTransient indicates a broker failure worth retrying
	// (timeout, 5xx, broker-side rate limiting).
	ErrBrokerTransient = New("transient broker error")

	// ErrBrokerTerminal indicates a broker failure that exhausted or
	// bypassed the retry budget.
	ErrBrokerTerminal = New("broker error")

	// ErrCircuitOpen is raised without contacting the broker once the
	// circuit breaker is open. Cheap: no network call happened.
	ErrCircuitOpen = New("circuit breaker is open")

	// ErrRateLimited indicates the local per-key rate limiter rejected
	// the request.
	ErrRateLimited = New("rate limit exceeded")

	// ErrQueuePersistence indicates a deferred signal could not be durably
	// recorded. Must surface as HTTP 5xx: the webhook may not claim success
	// when deferral was lost.
	ErrQueuePersistence = New("queue persistence failed")

	// ErrNotFound indicates the requested resource does not exist.
	ErrNotFound = New("not found")
)

// MarkValidation tags err as a validation failure.
func MarkValidation(err error) error {
	return Mark(err, ErrValidation)
}

// MarkAuth tags err as an authentication failure.
func MarkAuth(err error) error {
	return Mark(err, ErrAuth)
}

// IsRetryable reports whether the error is worth another broker attempt.
// Only transient broker failures consume retry budget; everything else
// propagates immediately.
func IsRetryable(err error) bool {
	return Is(err, ErrBrokerTransient)
}

// IsTerminalForLeg reports whether the error ends processing for a single leg
// without being an infrastructure fault: policy rejections and auth failures
// are expected control flow, not faults.
func IsTerminalForLeg(err error) bool {
	return IsAny(err, ErrPolicyRejected, ErrAuth, ErrValidation)
}
