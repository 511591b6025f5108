package monitor

import (
	"context"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// QueueSource computes the built-in metrics from live queue state. Every
// sample reads the queue fresh; nothing is cached between ticks.
type QueueSource struct {
	queue  *scheduler.Queue
	window time.Duration
}

// NewQueueSource creates a source over the queue. The window bounds how far
// back terminal outcomes count toward the failure rate.
func NewQueueSource(queue *scheduler.Queue, window time.Duration) *QueueSource {
	if window <= 0 {
		window = time.Hour
	}
	return &QueueSource{queue: queue, window: window}
}

func (s *QueueSource) sampler(name string) SampleFunc {
	switch name {
	case MetricQueueDepth:
		return s.QueueDepth
	case MetricFailureRate:
		return s.FailureRate
	case MetricAssignedAge:
		return s.AssignedAge
	case MetricCapacitySaturation:
		return s.CapacitySaturation
	case MetricTasksBlocked:
		return s.TasksBlocked
	default:
		return nil
	}
}

// QueueDepth counts tasks waiting in PENDING.
func (s *QueueSource) QueueDepth(ctx context.Context) (float64, error) {
	return float64(s.queue.Counts()[scheduler.StatusPending]), nil
}

// FailureRate returns FAILED over all terminal outcomes whose terminal
// transition landed inside the rolling window. Cancellations are
// withdrawals, not outcomes, and never count. No outcomes in the window
// reads as zero.
func (s *QueueSource) FailureRate(ctx context.Context) (float64, error) {
	cutoff := time.Now().Add(-s.window)
	var failed, terminal int
	for _, t := range s.queue.List() {
		if t.Status != scheduler.StatusFailed && t.Status != scheduler.StatusCompleted {
			continue
		}
		if t.CompletedAt == nil || t.CompletedAt.Before(cutoff) {
			continue
		}
		terminal++
		if t.Status == scheduler.StatusFailed {
			failed++
		}
	}
	if terminal == 0 {
		return 0, nil
	}
	return float64(failed) / float64(terminal), nil
}

// AssignedAge returns the mean seconds the current ASSIGNED tasks have been
// waiting. A growing value means workers are not picking up what the
// dispatcher hands out.
func (s *QueueSource) AssignedAge(ctx context.Context) (float64, error) {
	assigned := s.queue.ListByStatus(scheduler.StatusAssigned)
	if len(assigned) == 0 {
		return 0, nil
	}
	now := time.Now()
	var total float64
	for _, t := range assigned {
		if t.AssignedAt == nil {
			continue
		}
		total += now.Sub(*t.AssignedAt).Seconds()
	}
	return total / float64(len(assigned)), nil
}

// CapacitySaturation returns the highest in-flight share of any role's
// concurrency ceiling. 1.0 means at least one role is full.
func (s *QueueSource) CapacitySaturation(ctx context.Context) (float64, error) {
	registry := s.queue.Registry()
	active := s.queue.ActiveByRole()

	var most float64
	for _, role := range registry.Roles() {
		ceiling := registry.MaxConcurrent(role)
		if ceiling == 0 {
			continue
		}
		if sat := float64(active[role]) / float64(ceiling); sat > most {
			most = sat
		}
	}
	return most, nil
}

// TasksBlocked counts PENDING tasks gated on a FAILED or CANCELLED
// dependency. Gating never fails them automatically, so without operator
// action they sit forever.
func (s *QueueSource) TasksBlocked(ctx context.Context) (float64, error) {
	return float64(len(s.queue.Blocked())), nil
}
