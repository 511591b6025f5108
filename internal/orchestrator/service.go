package orchestrator

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/errors"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/monitor"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
)

const shutdownGrace = 30 * time.Second

// Service owns the whole runtime: store, queue, dispatcher, monitor and the
// event bus, constructed from one configuration and torn down together.
type Service struct {
	log        *logging.Logger
	store      *persistence.SQLiteStore
	queue      *scheduler.Queue
	bus        *events.EventBus
	procs      *executor.ProcessManager
	workspaces *executor.WorkspaceManager
	reviews    *ReviewChannel
	pipelines  *PipelineManager
	dispatcher *Dispatcher
	monitor    *monitor.Monitor

	tick        time.Duration
	sampleEvery time.Duration
	policy      scheduler.ReconcilePolicy
	grace       time.Duration
}

// NewService wires a Service from validated configuration. Nothing starts
// running until Run.
func NewService(ctx context.Context, cfg *config.Config, log *logging.Logger) (*Service, error) {
	if log == nil {
		log = logging.NopLogger()
	}

	registry, err := RegistryFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	store, err := persistence.NewSQLiteStore(ctx, cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	queue := scheduler.NewQueue(store, registry, log)
	bus := events.NewEventBus()
	procs := executor.NewProcessManager()
	workspaces := executor.NewWorkspaceManager(cfg.Executor.WorkspaceDir, cfg.Executor.KeepWorkspaces)
	exec := executor.NewCommandExecutor(cfg.Executor.Command, cfg.Executor.Args, workspaces, procs, log)

	pipelines := NewPipelineManager(cfg.Pipelines, queue, bus, log)
	reviews := NewReviewChannel(queue, bus, pipelines, log, 64)

	dispatcher := NewDispatcher(DispatcherConfig{
		Queue:     queue,
		Registry:  registry,
		Executor:  exec,
		Reviews:   reviews,
		Pipelines: pipelines,
		Bus:       bus,
		Timeout:   cfg.Dispatcher.Timeout(),
		Logger:    log,
	})

	source := monitor.NewQueueSource(queue, cfg.Monitor.FailureRateWindow())
	defs, err := monitor.DefsFromConfig(cfg.Metrics, source)
	if err != nil {
		store.Close()
		return nil, err
	}
	mon := monitor.New(defs, bus, log)

	return &Service{
		log:         log.WithComponent("service"),
		store:       store,
		queue:       queue,
		bus:         bus,
		procs:       procs,
		workspaces:  workspaces,
		reviews:     reviews,
		pipelines:   pipelines,
		dispatcher:  dispatcher,
		monitor:     mon,
		tick:        cfg.Dispatcher.Tick(),
		sampleEvery: cfg.Monitor.SampleInterval(),
		policy:      scheduler.ReconcilePolicy(cfg.Dispatcher.ReconcilePolicy),
		grace:       shutdownGrace,
	}, nil
}

// Reviews exposes the review channel, for whoever resolves REVIEW tasks.
func (s *Service) Reviews() *ReviewChannel {
	return s.reviews
}

// Run loads state, reconciles what a previous process left behind, then
// ticks the dispatcher and monitor until the context ends. It always
// returns after a full teardown; cancellation reads as a clean nil.
func (s *Service) Run(ctx context.Context) error {
	if err := s.queue.Load(ctx); err != nil {
		s.close()
		return err
	}

	if pruned, err := s.workspaces.PruneStale(); err != nil {
		s.log.Warn("workspace prune failed", "error", err.Error())
	} else if pruned > 0 {
		s.log.Info("stale workspaces pruned", "count", pruned)
	}

	// Resolve tasks stranded by a crash before the first tick.
	reconciled, err := s.queue.Reconcile(ctx, s.policy)
	if err != nil {
		s.close()
		return err
	}
	if len(reconciled) > 0 {
		s.log.Info("startup reconciliation", "policy", string(s.policy), "tasks", len(reconciled))
	}

	s.log.Info("service started",
		"tick", s.tick.String(), "sample_interval", s.sampleEvery.String())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.dispatcher.Run(gctx, s.tick) })
	g.Go(func() error { return s.monitor.Run(gctx, s.sampleEvery) })
	err = g.Wait()

	s.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// shutdown drains in-flight executions, killing their processes if the
// grace period runs out, then releases everything.
func (s *Service) shutdown() {
	if s.dispatcher.Wait(s.grace) {
		s.log.Info("all executions drained")
	} else {
		s.log.Warn("grace period expired, killing workers", "processes", s.procs.Count())
		if err := s.procs.KillAll(); err != nil {
			s.log.Error("worker kill failed", "error", err.Error())
		}
		// Killed workers unwind quickly; give their goroutines a moment.
		s.dispatcher.Wait(5 * time.Second)
	}
	s.close()
	s.log.Info("service stopped")
}

func (s *Service) close() {
	s.bus.Close()
	if err := s.store.Close(); err != nil {
		s.log.Error("store close failed", "error", err.Error())
	}
}

// Reload applies a changed configuration between ticks: role capabilities,
// execution timeout, metric thresholds and pipelines swap in place. The
// database path, executor command and loop intervals need a restart.
func (s *Service) Reload(cfg *config.Config) error {
	registry, err := RegistryFromConfig(cfg)
	if err != nil {
		return err
	}

	source := monitor.NewQueueSource(s.queue, cfg.Monitor.FailureRateWindow())
	defs, err := monitor.DefsFromConfig(cfg.Metrics, source)
	if err != nil {
		return err
	}

	s.dispatcher.Reload(registry, cfg.Dispatcher.Timeout())
	s.monitor.UpdateDefs(defs)
	s.pipelines.SetPipelines(cfg.Pipelines)

	s.log.Info("configuration reloaded")
	return nil
}

// RegistryFromConfig builds the capability table from the configured roles.
func RegistryFromConfig(cfg *config.Config) (*scheduler.Registry, error) {
	caps := make([]scheduler.RoleCapability, len(cfg.Roles))
	for i, rc := range cfg.Roles {
		caps[i] = scheduler.RoleCapability{
			Role:          rc.Name,
			Categories:    rc.Categories,
			MaxConcurrent: rc.MaxConcurrent,
		}
	}
	return scheduler.NewRegistry(caps)
}
