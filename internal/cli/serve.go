package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/orchestrator"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestration service",
	Long: `Runs the dispatcher and monitor loops in the foreground until
interrupted. SIGHUP reloads roles, thresholds and pipelines from the
configuration files; database path, executor command and loop interval
changes need a restart.`,
	RunE: runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadDefault()
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := orchestrator.NewService(ctx, cfg, log)
	if err != nil {
		return err
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				next, err := config.LoadDefault()
				if err != nil {
					log.Error("reload skipped, config invalid", "error", err.Error())
					continue
				}
				if err := svc.Reload(next); err != nil {
					log.Error("reload failed", "error", err.Error())
				}
			}
		}
	}()

	fmt.Printf("conductor serving (db %s), SIGHUP reloads config\n", cfg.Database.Path)
	return svc.Run(ctx)
}
