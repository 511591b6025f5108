package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/errors"
	"github.com/aristath/conductor/internal/scheduler"
)

// SaveTasks inserts or updates a batch of tasks and their dependencies in
// one transaction. Task rows are written before any dependency rows, so
// batches may reference each other in either direction.
func (s *SQLiteStore) SaveTasks(ctx context.Context, tasks []*scheduler.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return withBusyRetry(ctx, func() error {
		return s.saveTasks(ctx, tasks)
	})
}

func (s *SQLiteStore) saveTasks(ctx context.Context, tasks []*scheduler.Task) error {
	// BEGIN IMMEDIATE via serializable isolation
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, task := range tasks {
		if err := upsertTask(ctx, tx, task); err != nil {
			return err
		}
	}
	for _, task := range tasks {
		if err := replaceDependencies(ctx, tx, task); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func upsertTask(ctx context.Context, tx *sql.Tx, task *scheduler.Task) error {
	metadata, err := encodeMetadata(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", task.ID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tasks (id, title, description, priority, category, assignee,
			status, reason, estimated_effort, actual_effort, metadata,
			created_at, assigned_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			description = excluded.description,
			priority = excluded.priority,
			category = excluded.category,
			assignee = excluded.assignee,
			status = excluded.status,
			reason = excluded.reason,
			estimated_effort = excluded.estimated_effort,
			actual_effort = excluded.actual_effort,
			metadata = excluded.metadata,
			assigned_at = excluded.assigned_at,
			completed_at = excluded.completed_at,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, task.Title, task.Description, int(task.Priority), task.Category,
		task.Assignee, string(task.Status), task.Reason, task.EstimatedEffort,
		task.ActualEffort, metadata, task.CreatedAt,
		nullableTime(task.AssignedAt), nullableTime(task.CompletedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert task %s: %w", task.ID, err)
	}
	return nil
}

func replaceDependencies(ctx context.Context, tx *sql.Tx, task *scheduler.Task) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_dependencies WHERE task_id = ?`, task.ID); err != nil {
		return fmt.Errorf("failed to delete old dependencies: %w", err)
	}
	for _, depID := range task.DependsOn {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO task_dependencies (task_id, depends_on_id)
			VALUES (?, ?)
		`, task.ID, depID)
		if err != nil {
			return fmt.Errorf("failed to insert dependency %s -> %s: %w", task.ID, depID, err)
		}
	}
	return nil
}

// UpdateTask persists a task's current row and appends a transition audit
// record from the given prior status, atomically.
func (s *SQLiteStore) UpdateTask(ctx context.Context, task *scheduler.Task, from scheduler.Status) error {
	return withBusyRetry(ctx, func() error {
		return s.updateTask(ctx, task, from)
	})
}

func (s *SQLiteStore) updateTask(ctx context.Context, task *scheduler.Task, from scheduler.Status) error {
	metadata, err := encodeMetadata(task.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata for %s: %w", task.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET assignee = ?, status = ?, reason = ?, actual_effort = ?,
			metadata = ?, assigned_at = ?, completed_at = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, task.Assignee, string(task.Status), task.Reason, task.ActualEffort,
		metadata, nullableTime(task.AssignedAt), nullableTime(task.CompletedAt), task.ID)
	if err != nil {
		return fmt.Errorf("failed to update task: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", errors.ErrTaskNotFound, task.ID)
	}

	if err := appendTransition(ctx, tx, task.ID, from, task.Status, task.Reason); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTask retrieves a task by id, including its dependencies.
func (s *SQLiteStore) GetTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, title, description, priority, category, assignee, status,
			reason, estimated_effort, actual_effort, metadata,
			created_at, assigned_at, completed_at
		FROM tasks
		WHERE id = ?
	`, taskID)

	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, taskID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query task: %w", err)
	}

	deps, err := s.loadDependencies(ctx, taskID)
	if err != nil {
		return nil, err
	}
	task.DependsOn = deps
	return task, nil
}

// ListTasks returns all tasks with their dependencies, in insertion order.
func (s *SQLiteStore) ListTasks(ctx context.Context) ([]*scheduler.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, description, priority, category, assignee, status,
			reason, estimated_effort, actual_effort, metadata,
			created_at, assigned_at, completed_at
		FROM tasks
		ORDER BY rowid
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*scheduler.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}

	for _, task := range tasks {
		deps, err := s.loadDependencies(ctx, task.ID)
		if err != nil {
			return nil, err
		}
		task.DependsOn = deps
	}
	return tasks, nil
}

// CountsByStatus returns how many task rows sit in each status.
func (s *SQLiteStore) CountsByStatus(ctx context.Context) (map[scheduler.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[scheduler.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[scheduler.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating counts: %w", err)
	}
	return counts, nil
}

func (s *SQLiteStore) loadDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT depends_on_id
		FROM task_dependencies
		WHERE task_id = ?
		ORDER BY depends_on_id
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query dependencies for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var deps []string
	for rows.Next() {
		var depID string
		if err := rows.Scan(&depID); err != nil {
			return nil, fmt.Errorf("failed to scan dependency: %w", err)
		}
		deps = append(deps, depID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating dependencies: %w", err)
	}
	return deps, nil
}

// scanner covers both sql.Row and sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*scheduler.Task, error) {
	task := &scheduler.Task{}
	var (
		priority    int
		status      string
		metadata    string
		assignedAt  sql.NullTime
		completedAt sql.NullTime
	)
	err := row.Scan(&task.ID, &task.Title, &task.Description, &priority,
		&task.Category, &task.Assignee, &status, &task.Reason,
		&task.EstimatedEffort, &task.ActualEffort, &metadata,
		&task.CreatedAt, &assignedAt, &completedAt)
	if err != nil {
		return nil, err
	}

	task.Priority = scheduler.Priority(priority)
	task.Status = scheduler.Status(status)
	if assignedAt.Valid {
		t := assignedAt.Time
		task.AssignedAt = &t
	}
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	if metadata != "" && metadata != "{}" {
		if err := json.Unmarshal([]byte(metadata), &task.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata for %s: %w", task.ID, err)
		}
	}
	return task, nil
}

func encodeMetadata(m map[string]string) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	data, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
