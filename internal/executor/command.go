package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/aristath/conductor/internal/errors"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/scheduler"
)

// CommandExecutor runs each task as one invocation of an external worker
// command.
//
// Protocol: the full task is written to the worker's stdin as JSON and the
// worker's working directory is a per-task workspace. The worker reports by
// printing a single JSON object to stdout:
//
//	{"status": "success" | "failure" | "review",
//	 "output": "...", "reason": "...", "actual_effort": 1.5}
//
// Anything the worker wants to log goes to stderr. A non-zero exit or an
// unparseable stdout is a failure outcome, not an executor error.
type CommandExecutor struct {
	command    string
	args       []string
	workspaces *WorkspaceManager
	procs      *ProcessManager
	log        *logging.Logger
}

// outcomePayload is the wire form of a worker's verdict.
type outcomePayload struct {
	Status       string  `json:"status"`
	Output       string  `json:"output"`
	Reason       string  `json:"reason"`
	ActualEffort float64 `json:"actual_effort"`
}

// NewCommandExecutor creates an executor that runs command with args for
// every task. The ProcessManager is optional; when nil, workers aren't
// reachable by a shutdown KillAll.
func NewCommandExecutor(command string, args []string, workspaces *WorkspaceManager, procs *ProcessManager, log *logging.Logger) *CommandExecutor {
	if log == nil {
		log = logging.NopLogger()
	}
	return &CommandExecutor{
		command:    command,
		args:       args,
		workspaces: workspaces,
		procs:      procs,
		log:        log.WithComponent("executor"),
	}
}

// Execute runs the worker command once for the given task.
func (e *CommandExecutor) Execute(ctx context.Context, task scheduler.Task) (Outcome, error) {
	workDir, err := e.workspaces.Create(task.ID)
	if err != nil {
		return Outcome{}, fmt.Errorf("preparing workspace: %w", err)
	}
	defer func() {
		if err := e.workspaces.Cleanup(task.ID); err != nil {
			e.log.Warn("workspace cleanup failed", "task_id", task.ID, "error", err.Error())
		}
	}()

	payload, err := json.Marshal(task)
	if err != nil {
		return Outcome{}, fmt.Errorf("encoding task: %w", err)
	}

	cmd := newCommand(ctx, e.command, e.args...)
	cmd.Dir = workDir
	cmd.Stdin = bytes.NewReader(payload)

	log := e.log.WithTask(task.ID)
	log.Debug("starting worker", "command", e.command, "workspace", workDir)

	stdout, _, err := runCommand(cmd, e.procs)
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			log.Info("worker exited with failure", "error", err.Error())
			return Outcome{Kind: Failed, Reason: trimReason(err.Error())}, nil
		}
		// Could not start or talk to the worker at all.
		return Outcome{}, err
	}

	outcome := parseOutcome(stdout)
	log.Debug("worker finished", "outcome", outcome.Kind.String())
	return outcome, nil
}

// parseOutcome turns the worker's stdout into an Outcome. Malformed or
// unrecognized payloads become failure outcomes so a broken worker can
// never wedge a task.
func parseOutcome(stdout []byte) Outcome {
	var p outcomePayload
	if err := json.Unmarshal(bytes.TrimSpace(stdout), &p); err != nil {
		return Outcome{Kind: Failed, Reason: trimReason(fmt.Sprintf("unparseable worker output: %v", err))}
	}

	switch p.Status {
	case "success":
		return Outcome{Kind: Succeeded, Output: p.Output, ActualEffort: p.ActualEffort}
	case "review":
		return Outcome{Kind: NeedsReview, Output: p.Output, ActualEffort: p.ActualEffort}
	case "failure":
		reason := p.Reason
		if reason == "" {
			reason = "worker reported failure"
		}
		return Outcome{Kind: Failed, Output: p.Output, Reason: trimReason(reason), ActualEffort: p.ActualEffort}
	default:
		return Outcome{Kind: Failed, Reason: fmt.Sprintf("unknown outcome status %q", p.Status)}
	}
}

// trimReason bounds failure reasons; they land in a DB column and in alert
// output.
func trimReason(reason string) string {
	const max = 500
	if len(reason) <= max {
		return reason
	}
	return reason[:max] + "..."
}
