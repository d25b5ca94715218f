package queue

import (
	"time"
)

// Status is the lifecycle state of a deferred signal.
type Status string

const (
	// StatusQueued means the signal is waiting for its scheduled window.
	StatusQueued Status = "queued"
	// StatusProcessing means a consumer has claimed the signal.
	StatusProcessing Status = "processing"
	// StatusExecuted means the broker dispatch completed.
	StatusExecuted Status = "executed"
	// StatusFailed means dispatch exhausted its retry budget or hit a
	// terminal error.
	StatusFailed Status = "failed"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusExecuted || s == StatusFailed
}

// Signal is one deferred unit of dispatch work. Payload holds the original
// validated webhook body verbatim so replay is byte-identical to a live call;
// it never changes after creation.
type Signal struct {
	ID          int64
	Status      Status
	Payload     []byte
	ReceivedAt  time.Time
	ScheduledAt *time.Time
	ProcessedAt *time.Time
	ExecutedAt  *time.Time
	Result      string
	Error       string
	CreatedAt   time.Time
}

// Due reports whether the signal's schedule allows dispatch at now.
func (s *Signal) Due(now time.Time) bool {
	return s.ScheduledAt == nil || !s.ScheduledAt.After(now)
}

// RecoveryStats reports the outcome of startup crash recovery.
type RecoveryStats struct {
	ResetCount   int `json:"reset_count"`
	PendingCount int `json:"pending_count"`
}
