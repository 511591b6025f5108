package cli

import (
	"context"
	"os"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/orchestrator"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
)

// cliLogger keeps one-shot command internals quiet unless something goes
// wrong.
func cliLogger() *logging.Logger {
	return logging.NewWriter(os.Stderr, logging.LevelError)
}

// openQueue opens the store and hydrates a queue over it for one-shot
// commands. Writes land in the database the running service watches; its
// dispatcher folds them in on the next tick. The caller closes the store.
func openQueue(ctx context.Context, cfg *config.Config) (*scheduler.Queue, *persistence.SQLiteStore, error) {
	registry, err := orchestrator.RegistryFromConfig(cfg)
	if err != nil {
		return nil, nil, err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, nil, err
	}

	queue := scheduler.NewQueue(store, registry, cliLogger())
	if err := queue.Load(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}
	return queue, store, nil
}
