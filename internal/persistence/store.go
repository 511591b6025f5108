// Package persistence stores tasks and their transition history in SQLite.
// It is the durable side of the queue: every status change lands here
// before the in-memory view moves.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists tasks, dependencies and the transition audit trail.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if missing) the task database at dbPath,
// with WAL journaling and a 5 second busy timeout. The file's directory is
// created as needed.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Note: modernc.org/sqlite doesn't support _foreign_keys in the
	// connection string, so that pragma runs separately below.
	connStr := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL", dbPath)
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open task database: %w", err)
	}

	return newStore(ctx, db)
}

// NewMemoryStore opens a throwaway in-memory store. The shared cache keeps
// both pooled connections on the same database; without it each connection
// would get its own empty one.
func NewMemoryStore(ctx context.Context) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", "file::memory:?mode=memory&cache=shared")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory database: %w", err)
	}

	return newStore(ctx, db)
}

func newStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable the foreign_keys pragma: %w", err)
	}

	// One connection for primary queries, one for the per-task dependency
	// subqueries in ListTasks.
	db.SetMaxOpenConns(2)

	store := &SQLiteStore{db: db}
	if err := store.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}
	return store, nil
}

// Close releases the underlying connection pool.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
