package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/executor"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/persistence"
	"github.com/aristath/conductor/internal/scheduler"
)

// fakeExecutor scripts worker outcomes per task title and records the order
// in which tasks reached it.
type fakeExecutor struct {
	mu       sync.Mutex
	outcomes map[string]executor.Outcome
	errs     map[string]error
	delay    time.Duration
	calls    []string
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{
		outcomes: make(map[string]executor.Outcome),
		errs:     make(map[string]error),
	}
}

func (f *fakeExecutor) Execute(ctx context.Context, task scheduler.Task) (executor.Outcome, error) {
	f.mu.Lock()
	f.calls = append(f.calls, task.Title)
	out, scripted := f.outcomes[task.Title]
	err := f.errs[task.Title]
	delay := f.delay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return executor.Outcome{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return executor.Outcome{}, err
	}
	if !scripted {
		return executor.Outcome{Kind: executor.Succeeded, Output: "done"}, nil
	}
	return out, nil
}

func (f *fakeExecutor) executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type rig struct {
	queue   *scheduler.Queue
	store   *persistence.SQLiteStore
	reg     *scheduler.Registry
	exec    *fakeExecutor
	bus     *events.EventBus
	reviews *ReviewChannel
	disp    *Dispatcher
}

// newRig wires a dispatcher against an in-memory store and a scripted
// executor. Roles default to a single writer accepting "content" tasks,
// two at a time.
func newRig(t *testing.T, roles ...scheduler.RoleCapability) *rig {
	t.Helper()
	ctx := context.Background()

	if len(roles) == 0 {
		roles = []scheduler.RoleCapability{
			{Role: "writer", Categories: []string{"content"}, MaxConcurrent: 2},
		}
	}

	store, err := persistence.NewMemoryStore(ctx)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	reg, err := scheduler.NewRegistry(roles)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}

	queue := scheduler.NewQueue(store, reg, logging.NopLogger())
	if err := queue.Load(ctx); err != nil {
		t.Fatalf("Load: %v", err)
	}

	bus := events.NewEventBus()
	t.Cleanup(bus.Close)

	fe := newFakeExecutor()
	reviews := NewReviewChannel(queue, bus, nil, logging.NopLogger(), 8)

	d := NewDispatcher(DispatcherConfig{
		Queue:    queue,
		Registry: reg,
		Executor: fe,
		Reviews:  reviews,
		Bus:      bus,
		Timeout:  5 * time.Second,
		Logger:   logging.NopLogger(),
	})

	return &rig{queue: queue, store: store, reg: reg, exec: fe, bus: bus, reviews: reviews, disp: d}
}

func (r *rig) enqueue(t *testing.T, title string, p scheduler.Priority) string {
	t.Helper()
	return r.enqueueCategory(t, title, "content", p)
}

func (r *rig) enqueueCategory(t *testing.T, title, category string, p scheduler.Priority) string {
	t.Helper()
	id, err := r.queue.Enqueue(context.Background(), &scheduler.Task{Title: title, Category: category, Priority: p})
	if err != nil {
		t.Fatalf("Enqueue(%s): %v", title, err)
	}
	return id
}

// drain ticks once and waits for every started execution to finish.
func (r *rig) drain(t *testing.T) {
	t.Helper()
	r.disp.Tick(context.Background())
	if !r.disp.Wait(5 * time.Second) {
		t.Fatal("executions did not drain in time")
	}
}

func waitForStatus(t *testing.T, q *scheduler.Queue, id string, want scheduler.Status) *scheduler.Task {
	t.Helper()
	var last scheduler.Status
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		got, err := q.Get(id)
		if err == nil {
			if got.Status == want {
				return got
			}
			last = got.Status
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("task %s never reached %s, last saw %s", id, want, last)
	return nil
}

func TestTickRespectsPriorityAndCapacity(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	lowID := r.enqueue(t, "low", scheduler.PriorityLow)
	r.enqueue(t, "critical", scheduler.PriorityCritical)
	r.enqueue(t, "medium", scheduler.PriorityMedium)

	// Hold workers long enough to observe the in-flight window.
	r.exec.delay = 100 * time.Millisecond

	r.disp.Tick(ctx)

	if n := r.queue.InFlight("writer"); n != 2 {
		t.Errorf("InFlight(writer) = %d, want 2", n)
	}
	if got, _ := r.queue.Get(lowID); got.Status != scheduler.StatusPending {
		t.Errorf("low priority task = %s, want PENDING while capacity is full", got.Status)
	}

	if !r.disp.Wait(5 * time.Second) {
		t.Fatal("first wave did not drain")
	}
	r.drain(t)

	got := waitForStatus(t, r.queue, lowID, scheduler.StatusCompleted)
	if got.Assignee != "writer" {
		t.Errorf("assignee = %q, want writer", got.Assignee)
	}
	calls := r.exec.executed()
	if len(calls) != 3 {
		t.Fatalf("executed %d tasks, want 3", len(calls))
	}
	if calls[2] != "low" {
		t.Errorf("last executed = %q, want the low priority task to run after the others", calls[2])
	}
}

func TestSuccessPassesThroughReview(t *testing.T) {
	r := newRig(t)
	ch := r.bus.Subscribe(events.TopicTask, 16)

	r.exec.outcomes["draft"] = executor.Outcome{Kind: executor.Succeeded, Output: "done", ActualEffort: 2.5}
	id := r.enqueue(t, "draft", scheduler.PriorityMedium)

	r.drain(t)

	got := waitForStatus(t, r.queue, id, scheduler.StatusCompleted)
	if got.Assignee != "writer" {
		t.Errorf("assignee = %q, want writer", got.Assignee)
	}
	if got.ActualEffort != 2.5 {
		t.Errorf("actual effort = %v, want 2.5", got.ActualEffort)
	}
	if got.CompletedAt == nil {
		t.Error("completed task has no completion time")
	}

	history, err := r.store.GetHistory(context.Background(), id)
	if err != nil {
		t.Fatalf("GetHistory: %v", err)
	}
	wantPath := []scheduler.Status{
		scheduler.StatusAssigned,
		scheduler.StatusInProgress,
		scheduler.StatusReview,
		scheduler.StatusCompleted,
	}
	if len(history) != len(wantPath) {
		t.Fatalf("history has %d rows, want %d: %+v", len(history), len(wantPath), history)
	}
	for i, rec := range history {
		if rec.To != wantPath[i] {
			t.Errorf("history[%d].To = %s, want %s", i, rec.To, wantPath[i])
		}
	}

	wantEvents := []string{
		events.EventTypeTaskAssigned,
		events.EventTypeTaskStarted,
		events.EventTypeTaskCompleted,
	}
	for _, want := range wantEvents {
		select {
		case e := <-ch:
			if e.EventType() != want {
				t.Errorf("event = %s, want %s", e.EventType(), want)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s event", want)
		}
	}
}

func TestWorkerFailureMarksTaskFailed(t *testing.T) {
	r := newRig(t)

	r.exec.outcomes["draft"] = executor.Outcome{Kind: executor.Failed, Reason: "lint failed"}
	id := r.enqueue(t, "draft", scheduler.PriorityMedium)

	r.drain(t)

	got := waitForStatus(t, r.queue, id, scheduler.StatusFailed)
	if got.Reason != "lint failed" {
		t.Errorf("reason = %q, want %q", got.Reason, "lint failed")
	}

	// One failure must not trip the role's breaker.
	if state := r.disp.breakers.Get("writer").State(); state != gobreaker.StateClosed {
		t.Errorf("breaker state = %v, want closed after a single failure", state)
	}
}

func TestExecutorErrorMarksTaskFailed(t *testing.T) {
	r := newRig(t)

	r.exec.errs["draft"] = fmt.Errorf("workspace create: disk full")
	id := r.enqueue(t, "draft", scheduler.PriorityMedium)

	r.drain(t)

	got := waitForStatus(t, r.queue, id, scheduler.StatusFailed)
	if got.Reason != "workspace create: disk full" {
		t.Errorf("reason = %q, want the executor error", got.Reason)
	}
}

// slowExecutor ignores cancellation and reports success after its sleep, the
// shape of a worker that keeps running past its deadline.
type slowExecutor struct {
	sleep time.Duration
}

func (s *slowExecutor) Execute(ctx context.Context, task scheduler.Task) (executor.Outcome, error) {
	time.Sleep(s.sleep)
	return executor.Outcome{Kind: executor.Succeeded, Output: "late"}, nil
}

func TestTimeoutFailsTaskAndDropsLateResult(t *testing.T) {
	r := newRig(t)
	r.disp.executor = &slowExecutor{sleep: 150 * time.Millisecond}
	r.disp.Reload(r.reg, 30*time.Millisecond)

	id := r.enqueue(t, "draft", scheduler.PriorityMedium)

	r.disp.Tick(context.Background())
	got := waitForStatus(t, r.queue, id, scheduler.StatusFailed)
	if got.Reason != scheduler.ReasonTimeout {
		t.Errorf("reason = %q, want %q", got.Reason, scheduler.ReasonTimeout)
	}

	// The worker finishes long after the deadline; its success must not
	// overwrite the failure.
	if !r.disp.Wait(5 * time.Second) {
		t.Fatal("executions did not drain in time")
	}
	got, err := r.queue.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != scheduler.StatusFailed || got.Reason != scheduler.ReasonTimeout {
		t.Errorf("after late result: status = %s reason = %q, want FAILED %q", got.Status, got.Reason, scheduler.ReasonTimeout)
	}
}

func TestNeedsReviewParksTask(t *testing.T) {
	r := newRig(t)

	r.exec.outcomes["draft"] = executor.Outcome{Kind: executor.NeedsReview, Output: "draft ready for a look"}
	id := r.enqueue(t, "draft", scheduler.PriorityMedium)

	r.drain(t)

	waitForStatus(t, r.queue, id, scheduler.StatusReview)

	select {
	case req := <-r.reviews.Requests():
		if req.TaskID != id {
			t.Errorf("review request task = %s, want %s", req.TaskID, id)
		}
		if req.Output != "draft ready for a look" {
			t.Errorf("review request output = %q", req.Output)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no review request arrived")
	}

	// REVIEW is not in flight; the slot frees up for the next task.
	if n := r.queue.InFlight("writer"); n != 0 {
		t.Errorf("InFlight(writer) = %d, want 0 with task parked in review", n)
	}
}

func TestCancelledBeforeStartNeverExecutes(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	id := r.enqueue(t, "draft", scheduler.PriorityMedium)
	assigned, err := r.queue.Mark(ctx, id, scheduler.StatusAssigned, scheduler.WithAssignee("writer"))
	if err != nil {
		t.Fatalf("Mark(ASSIGNED): %v", err)
	}
	if _, err := r.queue.Cancel(ctx, id, "plans changed"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	// The execution goroutine starts after the cancellation landed.
	r.disp.wg.Add(1)
	r.disp.execute(ctx, assigned, "writer")

	if calls := r.exec.executed(); len(calls) != 0 {
		t.Errorf("executor ran %v, want nothing for a cancelled task", calls)
	}
	got, err := r.queue.Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != scheduler.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED to stand", got.Status)
	}
}

func TestCircuitOpensAndIsolatesRole(t *testing.T) {
	r := newRig(t,
		scheduler.RoleCapability{Role: "writer", Categories: []string{"content"}, MaxConcurrent: 2},
		scheduler.RoleCapability{Role: "engineer", Categories: []string{"engineering"}, MaxConcurrent: 2},
	)

	for i := 0; i < 5; i++ {
		title := fmt.Sprintf("bad-%d", i)
		r.exec.outcomes[title] = executor.Outcome{Kind: executor.Failed, Reason: "worker crashed"}
		r.enqueue(t, title, scheduler.PriorityMedium)
	}

	// Two per tick against a capacity of two; the fifth failure lands on
	// the third pass.
	r.drain(t)
	r.drain(t)
	r.drain(t)

	if state := r.disp.breakers.Get("writer").State(); state != gobreaker.StateOpen {
		t.Fatalf("writer breaker state = %v, want open after 5 consecutive failures", state)
	}

	contentID := r.enqueue(t, "stalled", scheduler.PriorityCritical)
	engineeringID := r.enqueueCategory(t, "deploy", "engineering", scheduler.PriorityMedium)

	r.drain(t)

	if got, _ := r.queue.Get(contentID); got.Status != scheduler.StatusPending {
		t.Errorf("content task = %s, want PENDING while writer circuit is open", got.Status)
	}
	waitForStatus(t, r.queue, engineeringID, scheduler.StatusCompleted)

	if calls := r.exec.executed(); len(calls) != 6 {
		t.Errorf("executed %d tasks, want 5 failures plus the engineering task", len(calls))
	}
}

func TestReloadSwapsRoleTable(t *testing.T) {
	r := newRig(t)

	id := r.enqueueCategory(t, "translate docs", "translation", scheduler.PriorityMedium)

	r.drain(t)
	if got, _ := r.queue.Get(id); got.Status != scheduler.StatusPending {
		t.Fatalf("status = %s, want PENDING while no role accepts translation", got.Status)
	}

	reg, err := scheduler.NewRegistry([]scheduler.RoleCapability{
		{Role: "writer", Categories: []string{"content", "translation"}, MaxConcurrent: 2},
	})
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	r.disp.Reload(reg, 0)

	r.drain(t)
	got := waitForStatus(t, r.queue, id, scheduler.StatusCompleted)
	if got.Assignee != "writer" {
		t.Errorf("assignee = %q, want writer after reload", got.Assignee)
	}
}

func TestTickPublishesQueueStats(t *testing.T) {
	r := newRig(t)
	ch := r.bus.Subscribe(events.TopicStats, 4)

	r.enqueue(t, "draft", scheduler.PriorityMedium)
	r.drain(t)

	select {
	case e := <-ch:
		stats, ok := e.(events.QueueStatsEvent)
		if !ok {
			t.Fatalf("event type = %T, want QueueStatsEvent", e)
		}
		total := stats.Pending + stats.Assigned + stats.InProgress + stats.Review +
			stats.Completed + stats.Failed + stats.Cancelled
		if total != 1 {
			t.Errorf("stats cover %d tasks, want 1: %+v", total, stats)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stats event arrived")
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	r := newRig(t)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- r.disp.Run(ctx, 10*time.Millisecond)
	}()

	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
