package orchestrator

import (
	"context"
	"time"

	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/scheduler"
)

// ReviewRequest asks a human to accept or reject a task's result.
type ReviewRequest struct {
	TaskID      string
	Role        string
	Output      string
	SubmittedAt time.Time
}

// ReviewChannel carries review requests from the dispatcher to whoever is
// watching, and applies resolutions back to the queue.
//
// The channel itself is only a nudge: the authoritative review state is the
// task's REVIEW status in the store, so requests survive restarts and a
// full buffer loses nothing that Pending can't recover.
type ReviewChannel struct {
	queue     *scheduler.Queue
	bus       *events.EventBus
	pipelines *PipelineManager
	log       *logging.Logger
	requests  chan ReviewRequest
}

// NewReviewChannel creates a review channel with the given buffer size.
// The bus and pipeline manager are optional.
func NewReviewChannel(queue *scheduler.Queue, bus *events.EventBus, pipelines *PipelineManager, log *logging.Logger, bufferSize int) *ReviewChannel {
	if bufferSize <= 0 {
		bufferSize = 64
	}
	if log == nil {
		log = logging.NopLogger()
	}
	return &ReviewChannel{
		queue:     queue,
		bus:       bus,
		pipelines: pipelines,
		log:       log.WithComponent("review"),
		requests:  make(chan ReviewRequest, bufferSize),
	}
}

// Submit queues a review request without blocking. When the buffer is full
// the request is dropped and logged; the task stays in REVIEW either way.
func (rc *ReviewChannel) Submit(req ReviewRequest) {
	select {
	case rc.requests <- req:
	default:
		rc.log.Warn("review request buffer full, dropping notification", "task_id", req.TaskID)
	}
}

// Requests returns the channel consumers read review requests from.
func (rc *ReviewChannel) Requests() <-chan ReviewRequest {
	return rc.requests
}

// Pending lists the tasks currently waiting for review.
func (rc *ReviewChannel) Pending() []*scheduler.Task {
	return rc.queue.ListByStatus(scheduler.StatusReview)
}

// Resolve applies a human verdict to a REVIEW task: approval completes it,
// rejection fails it. The note, when given, lands in the task's reason and
// the transition audit. Resolving a task that is not in REVIEW returns an
// InvalidTransitionError.
func (rc *ReviewChannel) Resolve(ctx context.Context, taskID string, approved bool, note string) (*scheduler.Task, error) {
	if approved {
		var opts []scheduler.MarkOption
		if note != "" {
			opts = append(opts, scheduler.WithReason(note))
		}
		task, err := rc.queue.Mark(ctx, taskID, scheduler.StatusCompleted, opts...)
		if err != nil {
			return nil, err
		}
		rc.log.Info("review approved", "task_id", taskID)
		if rc.bus != nil {
			rc.bus.Publish(events.TopicTask, events.TaskCompletedEvent{
				ID:        task.ID,
				Role:      task.Assignee,
				Duration:  reviewDuration(task),
				Timestamp: time.Now(),
			})
		}
		if rc.pipelines != nil {
			rc.pipelines.OnCompleted(ctx, task)
		}
		return task, nil
	}

	reason := scheduler.ReasonRejected
	if note != "" {
		reason = scheduler.ReasonRejected + ": " + note
	}
	task, err := rc.queue.Mark(ctx, taskID, scheduler.StatusFailed, scheduler.WithReason(reason))
	if err != nil {
		return nil, err
	}
	rc.log.Info("review rejected", "task_id", taskID, "reason", reason)
	if rc.bus != nil {
		rc.bus.Publish(events.TopicTask, events.TaskFailedEvent{
			ID:        task.ID,
			Role:      task.Assignee,
			Reason:    reason,
			Duration:  reviewDuration(task),
			Timestamp: time.Now(),
		})
	}
	return task, nil
}

// reviewDuration measures assignment to terminal state, zero when the
// timestamps are missing.
func reviewDuration(t *scheduler.Task) time.Duration {
	if t.AssignedAt == nil || t.CompletedAt == nil {
		return 0
	}
	return t.CompletedAt.Sub(*t.AssignedAt)
}
