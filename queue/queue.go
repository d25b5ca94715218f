package queue

import (
	"database/sql"
	"sync"
	"time"
)

// Queue wraps Store with a mutex serializing read-modify-write sequences so
// two consumers can never observe the same queued signal as claimable. The
// conditional UPDATE in MarkProcessing is the second, store-level guard.
type Queue struct {
	store *Store
	mu    sync.Mutex
}

// NewQueue creates a signal queue backed by db
func NewQueue(db *sql.DB) *Queue {
	return &Queue{store: NewStore(db)}
}

// Store exposes the underlying store for read-only operations.
func (q *Queue) Store() *Store {
	return q.store
}

// Add persists a new queued signal.
func (q *Queue) Add(payload []byte, receivedAt time.Time, scheduledAt *time.Time) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Add(payload, receivedAt, scheduledAt)
}

// Claim atomically takes the oldest due signal, transitioning it to
// processing. Returns nil when nothing is due.
func (q *Queue) Claim(now time.Time) (*Signal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	candidates, err := q.store.GetPending(1, now)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sig := candidates[0]
	claimed, err := q.store.MarkProcessing(sig.ID)
	if err != nil {
		return nil, err
	}
	if !claimed {
		// Lost the race to another claimer; treat as nothing due
		return nil, nil
	}
	sig.Status = StatusProcessing
	return sig, nil
}

// MarkExecuted finalizes a claimed signal as executed.
func (q *Queue) MarkExecuted(id int64, result string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.MarkExecuted(id, result)
}

// MarkFailed finalizes a claimed signal as failed.
func (q *Queue) MarkFailed(id int64, errMsg string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.MarkFailed(id, errMsg)
}

// Reschedule pushes a queued signal's window forward.
func (q *Queue) Reschedule(id int64, scheduledAt time.Time) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.Reschedule(id, scheduledAt)
}

// RecoverOnStartup heals signals orphaned by a crash.
func (q *Queue) RecoverOnStartup() (RecoveryStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.RecoverOnStartup()
}

// ResetStuck sweeps signals processing longer than timeout back to queued.
func (q *Queue) ResetStuck(timeout time.Duration, now time.Time) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.ResetStuck(timeout, now)
}

// Stats returns per-status signal counts.
func (q *Queue) Stats() (map[Status]int, error) {
	return q.store.Stats()
}

// CleanupOlderThan prunes terminal signals past retention.
func (q *Queue) CleanupOlderThan(age time.Duration) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.store.CleanupOlderThan(age)
}
