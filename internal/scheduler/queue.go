package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/gammazero/toposort"
	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/errors"
	"github.com/aristath/conductor/internal/logging"
)

// Store is the durable backing a Queue writes through to. Implemented by
// the persistence package.
type Store interface {
	// SaveTasks inserts a batch of new tasks in one transaction.
	SaveTasks(ctx context.Context, tasks []*Task) error
	// UpdateTask persists a task's current row and appends a transition
	// record from the given prior status.
	UpdateTask(ctx context.Context, task *Task, from Status) error
	// ListTasks returns every task in insertion order.
	ListTasks(ctx context.Context) ([]*Task, error)
}

// Queue is the prioritized, dependency-aware view over the task store. All
// runtime status changes go through Mark, which serializes per task,
// enforces the transition table and keeps the per-role active counters in
// step with the durable state.
type Queue struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	seq      map[string]uint64 // insertion order, breaks created_at ties
	nextSeq  uint64
	inflight map[string]int // ASSIGNED + IN_PROGRESS per role

	registry *Registry
	locks    *taskLocks
	store    Store
	log      *logging.Logger
}

// NewQueue creates a Queue backed by store, matching categories against
// registry. Call Load before use.
func NewQueue(store Store, registry *Registry, log *logging.Logger) *Queue {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Queue{
		tasks:    make(map[string]*Task),
		seq:      make(map[string]uint64),
		inflight: make(map[string]int),
		registry: registry,
		locks:    newTaskLocks(),
		store:    store,
		log:      log.WithComponent("queue"),
	}
}

// SetRegistry swaps the capability table, for configuration reloads. It
// affects the next NextRunnable call; tasks already handed out keep going.
func (q *Queue) SetRegistry(registry *Registry) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.registry = registry
}

// Registry returns the capability table currently in use.
func (q *Queue) Registry() *Registry {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.registry
}

// Load hydrates the queue from the store, replacing in-memory state. The
// active counters are rebuilt from the loaded statuses.
func (q *Queue) Load(ctx context.Context) error {
	stored, err := q.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("load tasks: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.tasks = make(map[string]*Task, len(stored))
	q.seq = make(map[string]uint64, len(stored))
	q.inflight = make(map[string]int)
	q.nextSeq = 0
	for _, t := range stored {
		q.tasks[t.ID] = t
		q.seq[t.ID] = q.nextSeq
		q.nextSeq++
		if t.Status.Active() && t.Assignee != "" {
			q.inflight[t.Assignee]++
		}
	}
	q.log.Info("queue loaded", "tasks", len(stored))
	return nil
}

// Enqueue validates and stores a single new task, returning its id. When
// the producer supplies no id one is generated.
func (q *Queue) Enqueue(ctx context.Context, t *Task) (string, error) {
	ids, err := q.EnqueueAll(ctx, []*Task{t})
	if err != nil {
		return "", err
	}
	return ids[0], nil
}

// EnqueueAll validates and stores a batch atomically: the whole batch is
// checked against the live graph before anything is written, so a rejected
// batch leaves no partial state. Batch members may depend on each other.
// Returns the task ids in batch order.
func (q *Queue) EnqueueAll(ctx context.Context, batch []*Task) ([]string, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	prepared := make([]*Task, len(batch))
	batchIDs := make(map[string]struct{}, len(batch))
	for i, t := range batch {
		if err := t.Validate(); err != nil {
			return nil, err
		}
		c := t.Clone()
		if c.ID == "" {
			c.ID = uuid.NewString()
		}
		c.Status = StatusPending
		c.CreatedAt = now
		c.Assignee = ""
		c.AssignedAt = nil
		c.CompletedAt = nil
		c.Reason = ""
		if _, dup := batchIDs[c.ID]; dup {
			return nil, errors.NewValidationError("id", fmt.Sprintf("duplicate task id %s in batch", c.ID))
		}
		batchIDs[c.ID] = struct{}{}
		prepared[i] = c
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, c := range prepared {
		if _, exists := q.tasks[c.ID]; exists {
			return nil, errors.NewValidationError("id", fmt.Sprintf("task %s already exists", c.ID))
		}
		for _, dep := range c.DependsOn {
			if _, ok := q.tasks[dep]; ok {
				continue
			}
			if _, ok := batchIDs[dep]; ok {
				continue
			}
			return nil, errors.NewValidationError("dependencies",
				fmt.Sprintf("task %s depends on unknown task %s", c.ID, dep))
		}
	}

	if err := q.checkAcyclicLocked(prepared); err != nil {
		return nil, err
	}

	// Durable write before the in-memory commit.
	if err := q.store.SaveTasks(ctx, prepared); err != nil {
		return nil, fmt.Errorf("save batch: %w", err)
	}

	ids := make([]string, len(prepared))
	for i, c := range prepared {
		q.tasks[c.ID] = c
		q.seq[c.ID] = q.nextSeq
		q.nextSeq++
		ids[i] = c.ID
	}
	q.log.Debug("enqueued", "count", len(ids))
	return ids, nil
}

// checkAcyclicLocked runs a topological sort over the union of the live
// graph and the incoming batch. Dependency edges never change after
// insertion, so a batch that sorts cleanly can only extend the order.
func (q *Queue) checkAcyclicLocked(batch []*Task) error {
	var edges []toposort.Edge
	add := func(t *Task) {
		if len(t.DependsOn) == 0 {
			// Edge from nil keeps isolated tasks in the sort.
			edges = append(edges, toposort.Edge{nil, t.ID})
			return
		}
		for _, dep := range t.DependsOn {
			edges = append(edges, toposort.Edge{dep, t.ID})
		}
	}
	for _, t := range q.tasks {
		add(t)
	}
	for _, t := range batch {
		add(t)
	}

	if _, err := toposort.Toposort(edges); err != nil {
		return errors.NewValidationError("dependencies", fmt.Sprintf("dependency cycle: %v", err))
	}
	return nil
}

// NextRunnable returns up to limit PENDING tasks the role accepts and whose
// dependencies have all COMPLETED, ordered by priority then enqueue time.
// Gating is evaluated against the live graph on every call; nothing is
// cached. An empty result is not an error.
func (q *Queue) NextRunnable(role string, limit int) ([]*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if !q.registry.Has(role) {
		return nil, fmt.Errorf("%w: %s", errors.ErrUnknownRole, role)
	}
	if limit <= 0 {
		return nil, nil
	}

	var runnable []*Task
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		if !q.registry.Accepts(role, t.Category) {
			continue
		}
		if !q.depsCompletedLocked(t) {
			continue
		}
		runnable = append(runnable, t)
	}

	sort.Slice(runnable, func(i, j int) bool {
		return q.lessLocked(runnable[i], runnable[j])
	})
	if len(runnable) > limit {
		runnable = runnable[:limit]
	}

	out := make([]*Task, len(runnable))
	for i, t := range runnable {
		out[i] = t.Clone()
	}
	return out, nil
}

// lessLocked orders by priority, then created_at, then insertion sequence.
func (q *Queue) lessLocked(a, b *Task) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return q.seq[a.ID] < q.seq[b.ID]
}

func (q *Queue) depsCompletedLocked(t *Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := q.tasks[dep]
		if !ok || d.Status != StatusCompleted {
			return false
		}
	}
	return true
}

// MarkOption mutates the task record alongside a transition.
type MarkOption func(*Task)

// WithAssignee records the role taking the task.
func WithAssignee(role string) MarkOption {
	return func(t *Task) { t.Assignee = role }
}

// WithReason records why a task reached FAILED or CANCELLED.
func WithReason(reason string) MarkOption {
	return func(t *Task) { t.Reason = reason }
}

// WithActualEffort records measured effort reported by the executor.
func WithActualEffort(effort float64) MarkOption {
	return func(t *Task) { t.ActualEffort = effort }
}

// Mark applies one status transition. Illegal transitions return an
// InvalidTransitionError and change nothing. The durable write happens
// before the in-memory state and active counters move, and the whole
// sequence holds the task's lock, so concurrent callers see transitions in
// a strict order and the counters move exactly once per edge.
func (q *Queue) Mark(ctx context.Context, id string, to Status, opts ...MarkOption) (*Task, error) {
	q.locks.Lock(id)
	defer q.locks.Unlock(id)

	q.mu.RLock()
	cur, ok := q.tasks[id]
	q.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, id)
	}
	if !CanTransition(cur.Status, to) {
		return nil, errors.NewInvalidTransition(id, string(cur.Status), string(to))
	}

	from := cur.Status
	updated := cur.Clone()
	updated.Status = to
	now := time.Now().UTC()
	switch to {
	case StatusAssigned:
		updated.AssignedAt = &now
	case StatusCompleted, StatusFailed, StatusCancelled:
		updated.CompletedAt = &now
	}
	for _, opt := range opts {
		opt(updated)
	}

	if err := q.store.UpdateTask(ctx, updated, from); err != nil {
		return nil, fmt.Errorf("persist transition: %w", err)
	}

	q.mu.Lock()
	q.tasks[id] = updated
	q.adjustInflightLocked(cur, updated)
	q.mu.Unlock()

	q.log.Debug("transition", "task_id", id, "from", string(from), "to", string(to))
	return updated.Clone(), nil
}

// adjustInflightLocked keeps the per-role active counter in step with one
// transition. Entering ASSIGNED increments, leaving the active pair
// decrements, ASSIGNED to IN_PROGRESS nets zero.
func (q *Queue) adjustInflightLocked(before, after *Task) {
	if !before.Status.Active() && after.Status.Active() {
		q.inflight[after.Assignee]++
	}
	if before.Status.Active() && !after.Status.Active() {
		role := before.Assignee
		if q.inflight[role] > 0 {
			q.inflight[role]--
		}
		if q.inflight[role] == 0 {
			delete(q.inflight, role)
		}
	}
}

// Cancel withdraws a task that has not started executing. Anything past
// ASSIGNED is refused with an InvalidTransitionError.
func (q *Queue) Cancel(ctx context.Context, id string, reason string) (*Task, error) {
	var opts []MarkOption
	if reason != "" {
		opts = append(opts, WithReason(reason))
	}
	return q.Mark(ctx, id, StatusCancelled, opts...)
}

// Get returns a snapshot of one task.
func (q *Queue) Get(id string) (*Task, error) {
	q.mu.RLock()
	defer q.mu.RUnlock()

	t, ok := q.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

// List returns snapshots of every task, ordered by priority then enqueue
// time.
func (q *Queue) List() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make([]*Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return q.lessLocked(out[i], out[j]) })
	for i, t := range out {
		out[i] = t.Clone()
	}
	return out
}

// ListByStatus returns snapshots of tasks in the given status, ordered by
// priority then enqueue time.
func (q *Queue) ListByStatus(status Status) []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Task
	for _, t := range q.tasks {
		if t.Status == status {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.lessLocked(out[i], out[j]) })
	for i, t := range out {
		out[i] = t.Clone()
	}
	return out
}

// InFlight returns the number of ASSIGNED or IN_PROGRESS tasks held by a
// role.
func (q *Queue) InFlight(role string) int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return q.inflight[role]
}

// ActiveByRole returns a copy of the per-role active counters.
func (q *Queue) ActiveByRole() map[string]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make(map[string]int, len(q.inflight))
	for role, n := range q.inflight {
		out[role] = n
	}
	return out
}

// Counts returns the number of tasks per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.RLock()
	defer q.mu.RUnlock()

	out := make(map[Status]int)
	for _, t := range q.tasks {
		out[t.Status]++
	}
	return out
}

// Blocked returns PENDING tasks that can never run because a dependency
// ended FAILED or CANCELLED. Gating never fails them automatically; they
// surface through monitoring instead.
func (q *Queue) Blocked() []*Task {
	q.mu.RLock()
	defer q.mu.RUnlock()

	var out []*Task
	for _, t := range q.tasks {
		if t.Status != StatusPending {
			continue
		}
		for _, dep := range t.DependsOn {
			d, ok := q.tasks[dep]
			if ok && (d.Status == StatusFailed || d.Status == StatusCancelled) {
				out = append(out, t.Clone())
				break
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return q.lessLocked(out[i], out[j]) })
	return out
}

// ReconcilePolicy says what happens to tasks a previous process left
// mid-flight.
type ReconcilePolicy string

const (
	// ReconcileRequeue returns orphaned tasks to PENDING with the
	// assignment cleared.
	ReconcileRequeue ReconcilePolicy = "requeue"
	// ReconcileFail marks orphaned tasks FAILED with reason "orphaned".
	ReconcileFail ReconcilePolicy = "fail"
)

// Valid reports whether p is a known policy.
func (p ReconcilePolicy) Valid() bool {
	return p == ReconcileRequeue || p == ReconcileFail
}

// Reconcile resolves tasks stranded in ASSIGNED or IN_PROGRESS by a
// previous process. It must run after Load and before any dispatching: the
// repair edges are not part of the runtime state machine, so this path
// writes them directly. Returns the ids it touched, in a stable order.
func (q *Queue) Reconcile(ctx context.Context, policy ReconcilePolicy) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var stranded []string
	for id, t := range q.tasks {
		if t.Status.Active() {
			stranded = append(stranded, id)
		}
	}
	sort.Strings(stranded)

	now := time.Now().UTC()
	for _, id := range stranded {
		t := q.tasks[id]
		from := t.Status
		updated := t.Clone()
		switch policy {
		case ReconcileFail:
			updated.Status = StatusFailed
			updated.Reason = ReasonOrphaned
			completed := now
			updated.CompletedAt = &completed
		default:
			updated.Status = StatusPending
			updated.Assignee = ""
			updated.AssignedAt = nil
		}
		if err := q.store.UpdateTask(ctx, updated, from); err != nil {
			return nil, fmt.Errorf("reconcile %s: %w", id, err)
		}
		q.tasks[id] = updated
		q.log.Info("reconciled orphaned task", "task_id", id, "from", string(from), "to", string(updated.Status))
	}

	// Every active task was just resolved.
	q.inflight = make(map[string]int)
	return stranded, nil
}

// Refresh folds in rows written by other processes: unknown tasks are
// adopted, and tasks this process is not actively driving follow legal
// external transitions (a cancellation from the CLI, a review resolution).
// Tasks currently ASSIGNED or IN_PROGRESS here are never overwritten.
func (q *Queue) Refresh(ctx context.Context) error {
	stored, err := q.store.ListTasks(ctx)
	if err != nil {
		return fmt.Errorf("refresh: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	for _, s := range stored {
		cur, ok := q.tasks[s.ID]
		if !ok {
			q.tasks[s.ID] = s
			q.seq[s.ID] = q.nextSeq
			q.nextSeq++
			if s.Status.Active() && s.Assignee != "" {
				q.inflight[s.Assignee]++
			}
			continue
		}
		if cur.Status.Active() || cur.Status == s.Status {
			continue
		}
		if CanTransition(cur.Status, s.Status) {
			q.tasks[s.ID] = s
		}
	}
	return nil
}
