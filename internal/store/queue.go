package store

import (
	"database/sql"
	"fmt"
	"time"
)

func insertOp(e execer, op PendingOp) error {
	if op.EnqueuedAt == 0 {
		op.EnqueuedAt = time.Now().UnixMilli()
	}
	_, err := e.Exec(`
		INSERT INTO offline_queue (id, operation_type, payload, retry_count, enqueued_at)
		VALUES (?, ?, ?, ?, ?)`,
		op.ID, string(op.Kind), op.Payload, op.RetryCount, op.EnqueuedAt)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", op.ID, err)
	}
	return nil
}

type queryExecer interface {
	execer
	QueryRow(query string, args ...any) *sql.Row
}

func deleteOp(e execer, id string) error {
	if _, err := e.Exec(`DELETE FROM offline_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dequeue %s: %w", id, err)
	}
	return nil
}

// Enqueue appends an operation to the offline queue.
func (db *DB) Enqueue(op PendingOp) error {
	return insertOp(db, op)
}

// Dequeue removes an operation. Removing a missing id is not an error.
func (db *DB) Dequeue(id string) error {
	return deleteOp(db, id)
}

// ListPending returns queued operations in insertion order.
func (db *DB) ListPending() ([]PendingOp, error) {
	rows, err := db.Query(`
		SELECT seq, id, operation_type, payload, retry_count, enqueued_at
		FROM offline_queue ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("query queue: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []PendingOp
	for rows.Next() {
		var op PendingOp
		var kind string
		if err := rows.Scan(&op.Seq, &op.ID, &kind, &op.Payload, &op.RetryCount, &op.EnqueuedAt); err != nil {
			return nil, err
		}
		op.Kind = OpKind(kind)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// IncrementRetry bumps the retry counter and returns the new value.
func (db *DB) IncrementRetry(id string) (int, error) {
	return incrementRetry(db, id)
}

func incrementRetry(e queryExecer, id string) (int, error) {
	res, err := e.Exec(`UPDATE offline_queue SET retry_count = retry_count + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("increment retry of %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, fmt.Errorf("increment retry of %s: %w", id, ErrNotFound)
	}
	var count int
	if err := e.QueryRow(`SELECT retry_count FROM offline_queue WHERE id = ?`, id).Scan(&count); err != nil {
		return 0, fmt.Errorf("read retry of %s: %w", id, err)
	}
	return count, nil
}

// PendingCount returns the number of queued operations.
func (db *DB) PendingCount() (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM offline_queue`).Scan(&n)
	return n, err
}
