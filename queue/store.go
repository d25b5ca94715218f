package queue

import (
	"database/sql"
	"time"

	"github.com/quantrelay/quantrelay/errors"
)

// Store handles persistence of deferred signals
type Store struct {
	db *sql.DB
}

// NewStore creates a new signal store
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

const signalColumns = `id, status, payload, received_at, scheduled_at, processing_at, executed_at, result, error, created_at`

// Add inserts a new queued signal and returns its id. The insert is durable
// before return; callers treat success as a promise of at least one attempt.
func (s *Store) Add(payload []byte, receivedAt time.Time, scheduledAt *time.Time) (int64, error) {
	query := `
		INSERT INTO signals (status, payload, received_at, scheduled_at)
		VALUES (?, ?, ?, ?)
	`

	var sched sql.NullTime
	if scheduledAt != nil {
		sched = sql.NullTime{Time: scheduledAt.UTC(), Valid: true}
	}

	result, err := s.db.Exec(query, StatusQueued, string(payload), receivedAt.UTC(), sched)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "failed to persist signal"), errors.ErrQueuePersistence)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "failed to read signal id"), errors.ErrQueuePersistence)
	}
	return id, nil
}

// Get retrieves a signal by id
func (s *Store) Get(id int64) (*Signal, error) {
	query := `SELECT ` + signalColumns + ` FROM signals WHERE id = ?`

	sig, err := scanSignal(s.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Mark(errors.Newf("signal not found: %d", id), errors.ErrNotFound)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get signal")
	}
	return sig, nil
}

// GetPending returns queued signals whose schedule has arrived, oldest
// received first. FIFO fairness, not priority.
func (s *Store) GetPending(limit int, now time.Time) ([]*Signal, error) {
	query := `SELECT ` + signalColumns + `
		FROM signals
		WHERE status = ?
		  AND (scheduled_at IS NULL OR scheduled_at <= ?)
		ORDER BY received_at ASC
		LIMIT ?`

	rows, err := s.db.Query(query, StatusQueued, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list pending signals")
	}
	defer rows.Close()

	return scanSignals(rows)
}

// MarkProcessing claims a queued signal. The conditional UPDATE is the
// double-claim guard: if the signal is not currently queued the update
// touches zero rows and the claim reports false without error.
func (s *Store) MarkProcessing(id int64) (bool, error) {
	query := `
		UPDATE signals
		SET status = ?, processing_at = ?
		WHERE id = ? AND status = ?
	`

	result, err := s.db.Exec(query, StatusProcessing, time.Now().UTC(), id, StatusQueued)
	if err != nil {
		return false, errors.Wrap(err, "failed to claim signal")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "failed to get rows affected")
	}
	return rows == 1, nil
}

// MarkExecuted finalizes a processing signal as executed, stamping executed_at.
func (s *Store) MarkExecuted(id int64, result string) error {
	return s.finalize(id, StatusExecuted, result, "")
}

// MarkFailed finalizes a processing signal as failed with the error attached.
func (s *Store) MarkFailed(id int64, errMsg string) error {
	return s.finalize(id, StatusFailed, "", errMsg)
}

func (s *Store) finalize(id int64, status Status, result, errMsg string) error {
	query := `
		UPDATE signals
		SET status = ?, executed_at = ?, result = ?, error = ?
		WHERE id = ? AND status = ?
	`

	_, err := s.db.Exec(query,
		status,
		time.Now().UTC(),
		sql.NullString{String: result, Valid: result != ""},
		sql.NullString{String: errMsg, Valid: errMsg != ""},
		id,
		StatusProcessing,
	)
	if err != nil {
		return errors.Wrapf(err, "failed to mark signal %s", status)
	}
	// Wrong-source-state transitions touch zero rows and are no-ops,
	// never an error that corrupts state.
	return nil
}

// Reschedule pushes a queued signal's scheduled_at forward. Used when the
// consumer wakes for a signal whose session window has moved (holiday added,
// config change).
func (s *Store) Reschedule(id int64, scheduledAt time.Time) error {
	query := `UPDATE signals SET scheduled_at = ? WHERE id = ? AND status = ?`
	if _, err := s.db.Exec(query, scheduledAt.UTC(), id, StatusQueued); err != nil {
		return errors.Wrap(err, "failed to reschedule signal")
	}
	return nil
}

// RecoverOnStartup resets every processing signal back to queued. This is the
// only path that moves a signal backwards, and it runs once at process start
// before any consumer polls. Delivery is at-least-once, never at-most-once.
func (s *Store) RecoverOnStartup() (RecoveryStats, error) {
	var stats RecoveryStats

	result, err := s.db.Exec(
		`UPDATE signals SET status = ?, processing_at = NULL WHERE status = ?`,
		StatusQueued, StatusProcessing,
	)
	if err != nil {
		return stats, errors.Wrap(err, "failed to recover orphaned signals")
	}
	reset, err := result.RowsAffected()
	if err != nil {
		return stats, errors.Wrap(err, "failed to get rows affected")
	}
	stats.ResetCount = int(reset)

	err = s.db.QueryRow(`SELECT COUNT(*) FROM signals WHERE status = ?`, StatusQueued).
		Scan(&stats.PendingCount)
	if err != nil {
		return stats, errors.Wrap(err, "failed to count pending signals")
	}
	return stats, nil
}

// ResetStuck returns to queued any signal that has been processing longer
// than timeout. Distinguishes crashed mid-flight from genuinely slow by
// threshold, not by exact crash detection.
func (s *Store) ResetStuck(timeout time.Duration, now time.Time) (int, error) {
	cutoff := now.UTC().Add(-timeout)

	result, err := s.db.Exec(
		`UPDATE signals SET status = ?, processing_at = NULL
		 WHERE status = ? AND processing_at < ?`,
		StatusQueued, StatusProcessing, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to reset stuck signals")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

// Requeue returns a terminal signal to queued for re-dispatch. Operator
// action only; automatic redelivery of failed signals is deliberately absent.
func (s *Store) Requeue(id int64, scheduledAt *time.Time) error {
	var sched sql.NullTime
	if scheduledAt != nil {
		sched = sql.NullTime{Time: scheduledAt.UTC(), Valid: true}
	}

	result, err := s.db.Exec(
		`UPDATE signals
		 SET status = ?, scheduled_at = ?, processing_at = NULL, executed_at = NULL, result = NULL, error = NULL
		 WHERE id = ? AND status IN (?, ?)`,
		StatusQueued, sched, id, StatusFailed, StatusExecuted,
	)
	if err != nil {
		return errors.Wrap(err, "failed to requeue signal")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Mark(errors.Newf("signal %d is not in a terminal state", id), errors.ErrNotFound)
	}
	return nil
}

// Stats returns signal counts per status.
func (s *Store) Stats() (map[Status]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM signals GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query signal stats")
	}
	defer rows.Close()

	stats := map[Status]int{
		StatusQueued:     0,
		StatusProcessing: 0,
		StatusExecuted:   0,
		StatusFailed:     0,
	}
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, errors.Wrap(err, "failed to scan stats row")
		}
		stats[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating stats")
	}
	return stats, nil
}

// CleanupOlderThan removes terminal signals older than the given age.
// Retention, not correctness.
func (s *Store) CleanupOlderThan(age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)

	result, err := s.db.Exec(
		`DELETE FROM signals WHERE status IN (?, ?) AND created_at < ?`,
		StatusExecuted, StatusFailed, cutoff,
	)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup old signals")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row rowScanner) (*Signal, error) {
	var sig Signal
	var payload string
	var scheduledAt, processedAt, executedAt sql.NullTime
	var result, errMsg sql.NullString

	err := row.Scan(
		&sig.ID,
		&sig.Status,
		&payload,
		&sig.ReceivedAt,
		&scheduledAt,
		&processedAt,
		&executedAt,
		&result,
		&errMsg,
		&sig.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	sig.Payload = []byte(payload)
	if scheduledAt.Valid {
		t := scheduledAt.Time
		sig.ScheduledAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		sig.ProcessedAt = &t
	}
	if executedAt.Valid {
		t := executedAt.Time
		sig.ExecutedAt = &t
	}
	sig.Result = result.String
	sig.Error = errMsg.String
	return &sig, nil
}

func scanSignals(rows *sql.Rows) ([]*Signal, error) {
	var signals []*Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan signal")
		}
		signals = append(signals, sig)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating signals")
	}
	return signals, nil
}
