// Package errors centralizes error definitions for the conductor core.
//
// It re-exports the standard library helpers so callers can import a single
// errors package, and defines the typed errors the scheduler, dispatcher and
// monitor surface:
//
//   - ValidationError: a task rejected at ingestion, before any state is written
//   - InvalidTransitionError: an illegal task status change
//   - SampleError: a metric sample that failed and was skipped
//
// Execution failures and timeouts are not error types. They end up as task
// state (status FAILED plus a reason) and never propagate out of the
// dispatch loop.
package errors

import (
	"errors"
	"fmt"
)

// Re-export standard library functions so callers only need this package.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Sentinel errors shared across packages.
var (
	// ErrTaskNotFound indicates the referenced task id is unknown.
	ErrTaskNotFound = New("task not found")
	// ErrUnknownRole indicates a role name absent from the capability registry.
	ErrUnknownRole = New("unknown role")
	// ErrQueueClosed indicates an operation against a queue that has shut down.
	ErrQueueClosed = New("queue closed")
)

// ValidationError rejects a task at ingestion. It is always returned before
// any task state has been written.
type ValidationError struct {
	Field   string
	Message string
}

// NewValidationError creates a ValidationError for the given field. Field may
// be empty when the error concerns the task (or batch) as a whole.
func NewValidationError(field, message string) *ValidationError {
	return &ValidationError{Field: field, Message: message}
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation: %s", e.Message)
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

// Is lets errors.Is match any *ValidationError target regardless of content.
func (e *ValidationError) Is(target error) bool {
	_, ok := target.(*ValidationError)
	return ok
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return As(err, &v)
}

// InvalidTransitionError reports a task status change the state machine
// does not allow. From and To carry the status names.
type InvalidTransitionError struct {
	TaskID string
	From   string
	To     string
}

// NewInvalidTransition creates an InvalidTransitionError.
func NewInvalidTransition(taskID, from, to string) *InvalidTransitionError {
	return &InvalidTransitionError{TaskID: taskID, From: from, To: to}
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// Is lets errors.Is match any *InvalidTransitionError target.
func (e *InvalidTransitionError) Is(target error) bool {
	_, ok := target.(*InvalidTransitionError)
	return ok
}

// IsInvalidTransition reports whether err is (or wraps) an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var t *InvalidTransitionError
	return As(err, &t)
}

// SampleError wraps a failed metric sample. The monitor logs it, skips the
// metric for that cycle and keeps sampling the rest.
type SampleError struct {
	Metric string
	Err    error
}

// NewSampleError creates a SampleError for the named metric.
func NewSampleError(metric string, err error) *SampleError {
	return &SampleError{Metric: metric, Err: err}
}

func (e *SampleError) Error() string {
	return fmt.Sprintf("sample %s: %v", e.Metric, e.Err)
}

func (e *SampleError) Unwrap() error { return e.Err }
