package logger

import (
	"go.uber.org/zap"
)

// Standard field names for consistent structured logging across quantrelay.
// Use these constants instead of raw strings to ensure consistency.
const (
	// Identity and context
	FieldSignalID  = "signal_id"
	FieldRequestID = "request_id"
	FieldOrderID   = "order_id"
	FieldLeg       = "leg"
	FieldSymbol    = "symbol"
	FieldExchange  = "exchange"

	// Components
	FieldComponent = "component"

	// Operations
	FieldOperation = "operation"
	FieldMethod    = "method"
	FieldPath      = "path"

	// Timing
	FieldDurationMS  = "duration_ms"
	FieldScheduledAt = "scheduled_at"
	FieldSession     = "session"

	// Errors
	FieldError     = "error"
	FieldErrorKind = "error_kind"

	// Counts
	FieldCount   = "count"
	FieldAttempt = "attempt"

	// Status
	FieldStatus  = "status"
	FieldHealthy = "healthy"
	FieldState   = "state"
)

// ComponentLogger returns a named child of the global logger for a component.
// Call after Initialize; before that it degrades to the no-op logger.
func ComponentLogger(name string) *zap.SugaredLogger {
	return Logger.Named(name)
}

// ChildLogger returns a logger with extra key-value context attached
func ChildLogger(parent *zap.SugaredLogger, keysAndValues ...interface{}) *zap.SugaredLogger {
	if parent == nil {
		parent = Logger
	}
	return parent.With(keysAndValues...)
}
