package scheduler

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/aristath/conductor/internal/errors"
)

// Status represents the lifecycle state of a task. The values are stored
// verbatim in the database, so they never change meaning.
type Status string

const (
	StatusPending    Status = "PENDING"     // Waiting for dependencies or capacity
	StatusAssigned   Status = "ASSIGNED"    // Claimed by a role, execution not started
	StatusInProgress Status = "IN_PROGRESS" // Executor is running
	StatusReview     Status = "REVIEW"      // Finished, awaiting acceptance
	StatusCompleted  Status = "COMPLETED"   // Accepted, terminal
	StatusFailed     Status = "FAILED"      // Terminal, Reason says why
	StatusCancelled  Status = "CANCELLED"   // Withdrawn before execution, terminal
)

// allowedTransitions is the closed set of legal status changes. Successful
// work always passes through REVIEW; there is no direct IN_PROGRESS to
// COMPLETED edge. Cancellation is only reachable before execution starts.
var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending:    {StatusAssigned: {}, StatusCancelled: {}},
	StatusAssigned:   {StatusInProgress: {}, StatusCancelled: {}},
	StatusInProgress: {StatusReview: {}, StatusFailed: {}},
	StatusReview:     {StatusCompleted: {}, StatusFailed: {}},
}

// CanTransition reports whether from -> to is a legal status change.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Active reports whether the status counts against a role's concurrency
// ceiling.
func (s Status) Active() bool {
	return s == StatusAssigned || s == StatusInProgress
}

// Valid reports whether s is one of the seven known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusAssigned, StatusInProgress, StatusReview,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ParseStatus converts a stored or user-supplied string into a Status.
func ParseStatus(s string) (Status, error) {
	st := Status(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown status %q", s)
	}
	return st, nil
}

// Reasons recorded on terminal transitions.
const (
	ReasonTimeout     = "timeout"
	ReasonCircuitOpen = "circuit open"
	ReasonOrphaned    = "orphaned"
	ReasonRejected    = "rejected in review"
)

// Priority orders tasks within the queue. Lower values dispatch first.
type Priority int

const (
	PriorityCritical Priority = iota
	PriorityHigh
	PriorityMedium
	PriorityLow
)

var priorityNames = map[Priority]string{
	PriorityCritical: "CRITICAL",
	PriorityHigh:     "HIGH",
	PriorityMedium:   "MEDIUM",
	PriorityLow:      "LOW",
}

func (p Priority) String() string {
	if name, ok := priorityNames[p]; ok {
		return name
	}
	return fmt.Sprintf("PRIORITY(%d)", int(p))
}

// Valid reports whether p is one of the four known priorities.
func (p Priority) Valid() bool {
	_, ok := priorityNames[p]
	return ok
}

// ParsePriority converts a priority name into a Priority.
func ParsePriority(s string) (Priority, error) {
	for p, name := range priorityNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("unknown priority %q", s)
}

// MarshalJSON renders the priority by name so task payloads stay readable
// for executors and humans.
func (p Priority) MarshalJSON() ([]byte, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("unknown priority %d", int(p))
	}
	return json.Marshal(p.String())
}

func (p *Priority) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParsePriority(s)
	if err != nil {
		return err
	}
	*p = parsed
	return nil
}

// Task is a unit of work flowing through the queue. Identity fields are
// immutable after ingestion; the dispatcher owns Assignee and AssignedAt,
// and completion callbacks own the terminal fields.
type Task struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Priority    Priority `json:"priority"`
	Category    string   `json:"category"`
	Assignee    string   `json:"assignee,omitempty"`
	DependsOn   []string `json:"depends_on,omitempty"`
	Status      Status   `json:"status"`

	// Reason explains a FAILED or CANCELLED outcome ("timeout", executor
	// message, "orphaned" after a crash).
	Reason string `json:"reason,omitempty"`

	EstimatedEffort float64 `json:"estimated_effort,omitempty"`
	ActualEffort    float64 `json:"actual_effort,omitempty"`

	// Metadata is carried opaquely to the executor. The scheduler never
	// reads it. Producers use it for provenance (pipeline step, retry_of).
	Metadata map[string]string `json:"metadata,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	AssignedAt  *time.Time `json:"assigned_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Validate checks the fields a producer controls. It never inspects status
// or dependency reachability; the queue does that with the full graph in
// hand.
func (t *Task) Validate() error {
	if t.ID != "" && !validID(t.ID) {
		return errors.NewValidationError("id", fmt.Sprintf("%q: only letters, digits, '.', '_' and '-' allowed", t.ID))
	}
	if t.Title == "" {
		return errors.NewValidationError("title", "must not be empty")
	}
	if t.Category == "" {
		return errors.NewValidationError("category", "must not be empty")
	}
	if !t.Priority.Valid() {
		return errors.NewValidationError("priority", fmt.Sprintf("unknown priority %d", int(t.Priority)))
	}
	seen := make(map[string]struct{}, len(t.DependsOn))
	for _, dep := range t.DependsOn {
		if dep == "" {
			return errors.NewValidationError("dependencies", "empty dependency id")
		}
		if _, dup := seen[dep]; dup {
			return errors.NewValidationError("dependencies", fmt.Sprintf("duplicate dependency %s", dep))
		}
		seen[dep] = struct{}{}
	}
	return nil
}

// validID limits producer-supplied ids to filesystem- and shell-safe
// characters; executors use the id as a workspace directory name.
func validID(id string) bool {
	if id == "." || id == ".." {
		return false
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// Clone returns a deep copy so callers can hold task snapshots without
// racing queue mutations.
func (t *Task) Clone() *Task {
	c := *t
	if t.DependsOn != nil {
		c.DependsOn = make([]string, len(t.DependsOn))
		copy(c.DependsOn, t.DependsOn)
	}
	if t.Metadata != nil {
		c.Metadata = make(map[string]string, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.AssignedAt != nil {
		at := *t.AssignedAt
		c.AssignedAt = &at
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		c.CompletedAt = &ct
	}
	return &c
}
