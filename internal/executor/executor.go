// Package executor runs tasks through an external worker command.
//
// The dispatcher hands a task to an Executor and waits for an Outcome. The
// scheduler never learns how the work happens; the executor owns the
// subprocess, its workspace, and the wire protocol.
package executor

import (
	"context"

	"github.com/aristath/conductor/internal/scheduler"
)

// OutcomeKind classifies how an execution ended.
type OutcomeKind int

const (
	// Succeeded means the work is done and can be accepted automatically.
	Succeeded OutcomeKind = iota
	// Failed means the work ended without a usable result.
	Failed
	// NeedsReview means the work produced a result a human must accept or
	// reject before the task completes.
	NeedsReview
)

// String returns the human-readable name of the outcome kind.
func (k OutcomeKind) String() string {
	switch k {
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case NeedsReview:
		return "needs-review"
	default:
		return "unknown"
	}
}

// Outcome is the result of one task execution.
type Outcome struct {
	Kind   OutcomeKind
	Output string // worker-produced summary or artifact reference
	Reason string // failure reason, empty unless Kind == Failed

	// ActualEffort is the worker's own effort figure (same unit as the
	// task's estimate). Zero when the worker doesn't report one.
	ActualEffort float64
}

// Executor runs a single task to completion.
//
// An error return means the execution machinery itself broke (workspace
// creation, process startup). A task that ran and failed comes back as a
// Failed outcome with a nil error.
type Executor interface {
	Execute(ctx context.Context, task scheduler.Task) (Outcome, error)
}
