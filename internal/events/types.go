package events

import (
	"time"
)

// Event is the base interface for all events.
type Event interface {
	EventType() string
	TaskID() string
}

// Topic constants
const (
	TopicTask  = "task"
	TopicAlert = "alert"
	TopicStats = "stats"
)

// Event type constants
const (
	EventTypeTaskEnqueued   = "task.enqueued"
	EventTypeTaskAssigned   = "task.assigned"
	EventTypeTaskStarted    = "task.started"
	EventTypeTaskReview     = "task.review"
	EventTypeTaskCompleted  = "task.completed"
	EventTypeTaskFailed     = "task.failed"
	EventTypeTaskCancelled  = "task.cancelled"
	EventTypeAlertRaised    = "alert.raised"
	EventTypeAlertEscalated = "alert.escalated"
	EventTypeAlertCleared   = "alert.cleared"
	EventTypeQueueStats     = "stats.queue"
)

// TaskEnqueuedEvent is published when a producer inside the process adds a
// task (pipeline follow-ups, mainly).
type TaskEnqueuedEvent struct {
	ID        string
	Category  string
	Priority  string
	Source    string
	Timestamp time.Time
}

func (e TaskEnqueuedEvent) EventType() string { return EventTypeTaskEnqueued }
func (e TaskEnqueuedEvent) TaskID() string    { return e.ID }

// TaskAssignedEvent is published when the dispatcher hands a task to a role.
type TaskAssignedEvent struct {
	ID        string
	Role      string
	Timestamp time.Time
}

func (e TaskAssignedEvent) EventType() string { return EventTypeTaskAssigned }
func (e TaskAssignedEvent) TaskID() string    { return e.ID }

// TaskStartedEvent is published when execution begins.
type TaskStartedEvent struct {
	ID        string
	Role      string
	Timestamp time.Time
}

func (e TaskStartedEvent) EventType() string { return EventTypeTaskStarted }
func (e TaskStartedEvent) TaskID() string    { return e.ID }

// TaskReviewEvent is published when an executor asks for human acceptance.
type TaskReviewEvent struct {
	ID        string
	Role      string
	Output    string
	Timestamp time.Time
}

func (e TaskReviewEvent) EventType() string { return EventTypeTaskReview }
func (e TaskReviewEvent) TaskID() string    { return e.ID }

// TaskCompletedEvent is published when a task reaches COMPLETED.
type TaskCompletedEvent struct {
	ID        string
	Role      string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskCompletedEvent) EventType() string { return EventTypeTaskCompleted }
func (e TaskCompletedEvent) TaskID() string    { return e.ID }

// TaskFailedEvent is published when a task reaches FAILED.
type TaskFailedEvent struct {
	ID        string
	Role      string
	Reason    string
	Duration  time.Duration
	Timestamp time.Time
}

func (e TaskFailedEvent) EventType() string { return EventTypeTaskFailed }
func (e TaskFailedEvent) TaskID() string    { return e.ID }

// TaskCancelledEvent is published when a task is withdrawn.
type TaskCancelledEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e TaskCancelledEvent) EventType() string { return EventTypeTaskCancelled }
func (e TaskCancelledEvent) TaskID() string    { return e.ID }

// AlertRaisedEvent is published on a metric's first threshold crossing.
type AlertRaisedEvent struct {
	Metric    string
	Severity  string
	Value     float64
	Threshold float64
	Timestamp time.Time
}

func (e AlertRaisedEvent) EventType() string { return EventTypeAlertRaised }
func (e AlertRaisedEvent) TaskID() string    { return "" }

// AlertEscalatedEvent is published when an active WARNING worsens past the
// critical threshold.
type AlertEscalatedEvent struct {
	Metric    string
	Value     float64
	Threshold float64
	Timestamp time.Time
}

func (e AlertEscalatedEvent) EventType() string { return EventTypeAlertEscalated }
func (e AlertEscalatedEvent) TaskID() string    { return "" }

// AlertClearedEvent is published when a metric returns within bounds.
type AlertClearedEvent struct {
	Metric    string
	Value     float64
	Timestamp time.Time
}

func (e AlertClearedEvent) EventType() string { return EventTypeAlertCleared }
func (e AlertClearedEvent) TaskID() string    { return "" }

// QueueStatsEvent is published once per dispatch tick.
type QueueStatsEvent struct {
	Pending    int
	Assigned   int
	InProgress int
	Review     int
	Completed  int
	Failed     int
	Cancelled  int
	ByRole     map[string]int // active tasks per role
	Timestamp  time.Time
}

func (e QueueStatsEvent) EventType() string { return EventTypeQueueStats }
func (e QueueStatsEvent) TaskID() string    { return "" }
