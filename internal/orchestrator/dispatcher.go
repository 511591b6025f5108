package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/errors"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/scheduler"
)

// DispatcherConfig configures a Dispatcher.
type DispatcherConfig struct {
	Queue     *scheduler.Queue
	Registry  *scheduler.Registry
	Executor  executor.Executor
	Breakers  *CircuitBreakerRegistry // Per-role circuit breakers (created if nil)
	Reviews   *ReviewChannel          // Optional review hand-off (nil disables)
	Pipelines *PipelineManager        // Optional follow-up chaining (nil disables)
	Bus       *events.EventBus        // Optional event publishing (nil disables)
	Timeout   time.Duration           // Per-execution deadline (default 30m)
	Logger    *logging.Logger
}

// Dispatcher matches runnable tasks to roles and drives each one through
// execution to a terminal state. One goroutine runs the tick loop; every
// accepted task gets its own execution goroutine, bounded by the per-role
// concurrency ceilings in the registry.
type Dispatcher struct {
	queue     *scheduler.Queue
	executor  executor.Executor
	breakers  *CircuitBreakerRegistry
	reviews   *ReviewChannel
	pipelines *PipelineManager
	bus       *events.EventBus
	log       *logging.Logger

	// tickMu serializes ticks with each other and with reloads, so a
	// configuration swap never lands mid-pass.
	tickMu sync.Mutex

	mu       sync.RWMutex
	registry *scheduler.Registry
	timeout  time.Duration

	wg sync.WaitGroup
}

type execResult struct {
	out executor.Outcome
	err error
	ran bool // the worker actually started; false means the breaker refused
}

// NewDispatcher creates a Dispatcher from the given config.
func NewDispatcher(cfg DispatcherConfig) *Dispatcher {
	log := cfg.Logger
	if log == nil {
		log = logging.NopLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewCircuitBreakerRegistry(log)
	}

	return &Dispatcher{
		queue:     cfg.Queue,
		executor:  cfg.Executor,
		breakers:  cfg.Breakers,
		reviews:   cfg.Reviews,
		pipelines: cfg.Pipelines,
		bus:       cfg.Bus,
		log:       log.WithComponent("dispatcher"),
		registry:  cfg.Registry,
		timeout:   cfg.Timeout,
	}
}

// Run ticks the dispatcher until the context ends. The first pass happens
// immediately, not one interval in.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.Tick(ctx)
		}
	}
}

// Tick runs one dispatch pass: refresh shared state, then offer each role as
// many runnable tasks as it has spare capacity for.
func (d *Dispatcher) Tick(ctx context.Context) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	if ctx.Err() != nil {
		return
	}

	// Pick up rows written by other processes (CLI enqueue, external cancel).
	if err := d.queue.Refresh(ctx); err != nil {
		d.log.Error("queue refresh failed", "error", err.Error())
	}

	d.mu.RLock()
	registry := d.registry
	d.mu.RUnlock()

	// Least-loaded role first; registration order breaks ties.
	roles := registry.Roles()
	active := d.queue.ActiveByRole()
	sort.SliceStable(roles, func(i, j int) bool {
		return active[roles[i]] < active[roles[j]]
	})

	for _, role := range roles {
		d.dispatchRole(ctx, registry, role)
	}

	d.publishStats()
}

// dispatchRole assigns up to the role's spare capacity in runnable tasks.
func (d *Dispatcher) dispatchRole(ctx context.Context, registry *scheduler.Registry, role string) {
	spare := registry.MaxConcurrent(role) - d.queue.InFlight(role)
	if spare <= 0 {
		return
	}

	cb := d.breakers.Get(role)
	switch cb.State() {
	case gobreaker.StateOpen:
		d.log.Debug("circuit open, role skipped", "role", role)
		return
	case gobreaker.StateHalfOpen:
		// Probe with a single task until the breaker settles.
		spare = 1
	}

	batch, err := d.queue.NextRunnable(role, spare)
	if err != nil {
		d.log.Error("runnable lookup failed", "role", role, "error", err.Error())
		return
	}

	for _, t := range batch {
		assigned, err := d.queue.Mark(ctx, t.ID, scheduler.StatusAssigned, scheduler.WithAssignee(role))
		if err != nil {
			// Lost a race with a cancellation; the next tick sees fresh state.
			d.log.Warn("assignment failed", "task_id", t.ID, "role", role, "error", err.Error())
			continue
		}

		d.publishTask(events.TaskAssignedEvent{ID: assigned.ID, Role: role, Timestamp: time.Now()})
		d.log.Info("task assigned", "task_id", assigned.ID, "role", role, "category", assigned.Category)

		d.wg.Add(1)
		go d.execute(ctx, assigned, role)
	}
}

// execute drives one assigned task through the worker to a terminal state.
func (d *Dispatcher) execute(ctx context.Context, task *scheduler.Task, role string) {
	defer d.wg.Done()

	log := d.log.WithTask(task.ID).WithRole(role)

	started, err := d.queue.Mark(ctx, task.ID, scheduler.StatusInProgress)
	if err != nil {
		if errors.IsInvalidTransition(err) {
			// Cancelled while ASSIGNED. Nothing ran, nothing to record.
			log.Debug("task withdrawn before start", "error", err.Error())
		} else {
			log.Error("start transition failed", "error", err.Error())
		}
		return
	}
	d.publishTask(events.TaskStartedEvent{ID: task.ID, Role: role, Timestamp: time.Now()})
	log.Info("execution started", "category", started.Category)

	d.mu.RLock()
	timeout := d.timeout
	d.mu.RUnlock()

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	begin := time.Now()
	cb := d.breakers.Get(role)
	resultCh := make(chan execResult, 1)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		var res execResult
		_, res.err = cb.Execute(func() (any, error) {
			out, execErr := d.executor.Execute(execCtx, *started)
			res.out = out
			res.ran = true
			if execErr != nil {
				return nil, execErr
			}
			if out.Kind == executor.Failed {
				return nil, fmt.Errorf("worker failed: %s", out.Reason)
			}
			return nil, nil
		})
		resultCh <- res
	}()

	select {
	case res := <-resultCh:
		d.finish(ctx, execCtx, task.ID, role, res, time.Since(begin))
	case <-execCtx.Done():
		d.abort(ctx, task.ID, role, time.Since(begin))
	}
}

// finish records the outcome of an execution that reported back.
func (d *Dispatcher) finish(ctx, execCtx context.Context, taskID, role string, res execResult, elapsed time.Duration) {
	if ctx.Err() != nil {
		// Shutdown. The task stays IN_PROGRESS; reconciliation owns it on
		// the next start.
		return
	}
	if execCtx.Err() == context.DeadlineExceeded {
		d.fail(ctx, taskID, role, scheduler.ReasonTimeout, 0, elapsed)
		return
	}

	switch {
	case res.err == nil && res.out.Kind == executor.Succeeded:
		d.complete(ctx, taskID, role, res.out, elapsed)
	case res.err == nil && res.out.Kind == executor.NeedsReview:
		d.review(ctx, taskID, role, res.out)
	case errors.Is(res.err, gobreaker.ErrOpenState) || errors.Is(res.err, gobreaker.ErrTooManyRequests):
		// The breaker tripped between assignment and execution.
		d.fail(ctx, taskID, role, scheduler.ReasonCircuitOpen, 0, elapsed)
	case res.ran && res.out.Kind == executor.Failed:
		d.fail(ctx, taskID, role, res.out.Reason, res.out.ActualEffort, elapsed)
	default:
		d.fail(ctx, taskID, role, res.err.Error(), 0, elapsed)
	}
}

// abort handles the execution context ending before the worker reported back.
func (d *Dispatcher) abort(ctx context.Context, taskID, role string, elapsed time.Duration) {
	if ctx.Err() != nil {
		// Shutdown, not a timeout. Leave the task IN_PROGRESS for restart
		// reconciliation; the worker's process group is killed on exit.
		d.log.Info("shutdown during execution", "task_id", taskID, "role", role)
		return
	}
	// Deadline hit. Fail now rather than wait for the killed worker to wind
	// down; its eventual result is dropped.
	d.fail(ctx, taskID, role, scheduler.ReasonTimeout, 0, elapsed)
}

// complete moves a successful execution through REVIEW to COMPLETED and
// chains any pipeline follow-up.
func (d *Dispatcher) complete(ctx context.Context, taskID, role string, out executor.Outcome, elapsed time.Duration) {
	if _, err := d.queue.Mark(ctx, taskID, scheduler.StatusReview); err != nil {
		d.discard(taskID, "success", err)
		return
	}
	var opts []scheduler.MarkOption
	if out.ActualEffort > 0 {
		opts = append(opts, scheduler.WithActualEffort(out.ActualEffort))
	}
	completed, err := d.queue.Mark(ctx, taskID, scheduler.StatusCompleted, opts...)
	if err != nil {
		d.discard(taskID, "success", err)
		return
	}

	d.log.Info("task completed", "task_id", taskID, "role", role, "duration", elapsed.String())
	d.publishTask(events.TaskCompletedEvent{ID: taskID, Role: role, Duration: elapsed, Timestamp: time.Now()})

	if d.pipelines != nil {
		d.pipelines.OnCompleted(ctx, completed)
	}
}

// review parks the task in REVIEW and hands it to the review channel.
func (d *Dispatcher) review(ctx context.Context, taskID, role string, out executor.Outcome) {
	var opts []scheduler.MarkOption
	if out.ActualEffort > 0 {
		opts = append(opts, scheduler.WithActualEffort(out.ActualEffort))
	}
	if _, err := d.queue.Mark(ctx, taskID, scheduler.StatusReview, opts...); err != nil {
		d.discard(taskID, "review request", err)
		return
	}

	d.log.Info("task awaiting review", "task_id", taskID, "role", role)
	d.publishTask(events.TaskReviewEvent{ID: taskID, Role: role, Output: out.Output, Timestamp: time.Now()})

	if d.reviews != nil {
		d.reviews.Submit(ReviewRequest{TaskID: taskID, Role: role, Output: out.Output, SubmittedAt: time.Now()})
	}
}

// fail records a terminal failure.
func (d *Dispatcher) fail(ctx context.Context, taskID, role, reason string, effort float64, elapsed time.Duration) {
	opts := []scheduler.MarkOption{scheduler.WithReason(reason)}
	if effort > 0 {
		opts = append(opts, scheduler.WithActualEffort(effort))
	}
	if _, err := d.queue.Mark(ctx, taskID, scheduler.StatusFailed, opts...); err != nil {
		d.discard(taskID, "failure", err)
		return
	}

	d.log.Warn("task failed", "task_id", taskID, "role", role, "reason", reason)
	d.publishTask(events.TaskFailedEvent{ID: taskID, Role: role, Reason: reason, Duration: elapsed, Timestamp: time.Now()})
}

// discard logs a result that lost its race: the task reached a terminal
// state before this write, and that state stands.
func (d *Dispatcher) discard(taskID, result string, err error) {
	if errors.IsInvalidTransition(err) {
		d.log.Info("stale result discarded", "task_id", taskID, "result", result, "error", err.Error())
		return
	}
	d.log.Error("recording result failed", "task_id", taskID, "result", result, "error", err.Error())
}

// Reload swaps the role table and execution timeout between ticks. Tasks
// already in flight keep the deadline they started with.
func (d *Dispatcher) Reload(registry *scheduler.Registry, timeout time.Duration) {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	d.queue.SetRegistry(registry)

	d.mu.Lock()
	d.registry = registry
	if timeout > 0 {
		d.timeout = timeout
	}
	d.mu.Unlock()

	d.log.Info("dispatcher reloaded", "roles", len(registry.Roles()))
}

// Wait blocks until all in-flight executions finish, or the grace period
// ends. It reports whether everything drained in time.
func (d *Dispatcher) Wait(grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(grace):
		return false
	}
}

func (d *Dispatcher) publishTask(e events.Event) {
	if d.bus != nil {
		d.bus.Publish(events.TopicTask, e)
	}
}

func (d *Dispatcher) publishStats() {
	if d.bus == nil {
		return
	}
	counts := d.queue.Counts()
	d.bus.Publish(events.TopicStats, events.QueueStatsEvent{
		Pending:    counts[scheduler.StatusPending],
		Assigned:   counts[scheduler.StatusAssigned],
		InProgress: counts[scheduler.StatusInProgress],
		Review:     counts[scheduler.StatusReview],
		Completed:  counts[scheduler.StatusCompleted],
		Failed:     counts[scheduler.StatusFailed],
		Cancelled:  counts[scheduler.StatusCancelled],
		ByRole:     d.queue.ActiveByRole(),
		Timestamp:  time.Now(),
	})
}
