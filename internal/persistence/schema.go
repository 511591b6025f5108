package persistence

import (
	"context"
)

// initSchema applies the idempotent DDL for the task, dependency and
// transition tables.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		priority INTEGER NOT NULL,
		category TEXT NOT NULL,
		assignee TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL CHECK (status IN
			('PENDING','ASSIGNED','IN_PROGRESS','REVIEW','COMPLETED','FAILED','CANCELLED')),
		reason TEXT NOT NULL DEFAULT '',
		estimated_effort REAL NOT NULL DEFAULT 0,
		actual_effort REAL NOT NULL DEFAULT 0,
		metadata TEXT NOT NULL DEFAULT '{}',
		created_at DATETIME NOT NULL,
		assigned_at DATETIME,
		completed_at DATETIME,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_tasks_category_status ON tasks(category, status);
	CREATE INDEX IF NOT EXISTS idx_tasks_assignee_status ON tasks(assignee, status);

	CREATE TABLE IF NOT EXISTS task_dependencies (
		task_id TEXT NOT NULL,
		depends_on_id TEXT NOT NULL,
		PRIMARY KEY (task_id, depends_on_id),
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE,
		FOREIGN KEY (depends_on_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_dependencies_task_id ON task_dependencies(task_id);

	CREATE TABLE IF NOT EXISTS task_transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		task_id TEXT NOT NULL,
		from_status TEXT NOT NULL,
		to_status TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (task_id) REFERENCES tasks(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_transitions_task ON task_transitions(task_id, id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
