// Package audit keeps the append-only local record of order attempts,
// backing the /logs endpoint.
package audit

import (
	"database/sql"
	"time"

	"github.com/quantrelay/quantrelay/errors"
)

// Entry is one order-attempt record.
type Entry struct {
	ID              int64     `json:"id"`
	RequestID       string    `json:"request_id"`
	SignalID        *int64    `json:"signal_id,omitempty"`
	Symbol          string    `json:"symbol"`
	Exchange        string    `json:"exchange"`
	TransactionType string    `json:"transaction_type"`
	Quantity        int       `json:"quantity"`
	OrderType       string    `json:"order_type"`
	Status          string    `json:"status"`
	Message         string    `json:"message"`
	OrderID         string    `json:"order_id,omitempty"`
	DryRun          bool      `json:"dry_run"`
	CreatedAt       time.Time `json:"created_at"`
}

// Log persists order attempts to the order_log table.
type Log struct {
	db *sql.DB
}

func NewLog(db *sql.DB) *Log {
	return &Log{db: db}
}

// Append records one attempt. Append-only: entries are never updated.
func (l *Log) Append(e Entry) error {
	var signalID sql.NullInt64
	if e.SignalID != nil {
		signalID = sql.NullInt64{Int64: *e.SignalID, Valid: true}
	}

	_, err := l.db.Exec(`
		INSERT INTO order_log (
			request_id, signal_id, symbol, exchange, transaction_type,
			quantity, order_type, status, message, order_id, dry_run
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID,
		signalID,
		e.Symbol,
		e.Exchange,
		e.TransactionType,
		e.Quantity,
		e.OrderType,
		e.Status,
		e.Message,
		sql.NullString{String: e.OrderID, Valid: e.OrderID != ""},
		e.DryRun,
	)
	if err != nil {
		return errors.Wrap(err, "failed to append order log entry")
	}
	return nil
}

// Recent returns the newest limit entries, most recent first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := l.db.Query(`
		SELECT id, request_id, signal_id, symbol, exchange, transaction_type,
		       quantity, order_type, status, message, order_id, dry_run, created_at
		FROM order_log
		ORDER BY id DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to query order log")
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var signalID sql.NullInt64
		var orderID sql.NullString
		err := rows.Scan(
			&e.ID, &e.RequestID, &signalID, &e.Symbol, &e.Exchange,
			&e.TransactionType, &e.Quantity, &e.OrderType, &e.Status,
			&e.Message, &orderID, &e.DryRun, &e.CreatedAt,
		)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan order log entry")
		}
		if signalID.Valid {
			id := signalID.Int64
			e.SignalID = &id
		}
		e.OrderID = orderID.String
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating order log")
	}
	return entries, nil
}

// CleanupOlderThan prunes entries past retention.
func (l *Log) CleanupOlderThan(age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)

	result, err := l.db.Exec(`DELETE FROM order_log WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to cleanup order log")
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}
	return int(rows), nil
}
