package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// TransitionRecord is one row of a task's append-only status history.
type TransitionRecord struct {
	TaskID string
	From   scheduler.Status
	To     scheduler.Status
	Reason string
	At     time.Time
}

// appendTransition writes one audit row inside the caller's transaction so
// the status change and its history record land together.
func appendTransition(ctx context.Context, tx *sql.Tx, taskID string, from, to scheduler.Status, reason string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_transitions (task_id, from_status, to_status, reason)
		VALUES (?, ?, ?, ?)
	`, taskID, string(from), string(to), reason)
	if err != nil {
		return fmt.Errorf("failed to append transition for %s: %w", taskID, err)
	}
	return nil
}

// GetHistory retrieves a task's transitions oldest first.
func (s *SQLiteStore) GetHistory(ctx context.Context, taskID string) ([]TransitionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, from_status, to_status, reason, created_at
		FROM task_transitions
		WHERE task_id = ?
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var history []TransitionRecord
	for rows.Next() {
		var rec TransitionRecord
		var from, to string
		if err := rows.Scan(&rec.TaskID, &from, &to, &rec.Reason, &rec.At); err != nil {
			return nil, fmt.Errorf("failed to scan transition: %w", err)
		}
		rec.From = scheduler.Status(from)
		rec.To = scheduler.Status(to)
		history = append(history, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return history, nil
}
