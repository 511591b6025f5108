package executor

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/scheduler"
)

// writeWorker writes a shell script that plays the worker side of the
// stdio protocol and returns its path.
func writeWorker(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "worker.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatalf("writing worker script: %v", err)
	}
	return path
}

// testExecutor wires a CommandExecutor around a worker script and returns
// it with its workspace base dir.
func testExecutor(t *testing.T, body string, keep bool) (*CommandExecutor, string) {
	t.Helper()
	worker := writeWorker(t, body)
	base := filepath.Join(t.TempDir(), "workspaces")
	ws := NewWorkspaceManager(base, keep)
	return NewCommandExecutor(worker, nil, ws, NewProcessManager(), nil), base
}

func testTask() scheduler.Task {
	return scheduler.Task{
		ID:       "task-1",
		Title:    "draft launch post",
		Category: "content",
		Priority: scheduler.PriorityMedium,
		Metadata: map[string]string{"channel": "blog"},
	}
}

func TestExecute_Success(t *testing.T) {
	ce, base := testExecutor(t,
		`cat > /dev/null
echo '{"status":"success","output":"done","actual_effort":1.5}'`, false)

	outcome, err := ce.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Kind != Succeeded {
		t.Errorf("kind = %s, want succeeded", outcome.Kind)
	}
	if outcome.Output != "done" {
		t.Errorf("output = %q, want done", outcome.Output)
	}
	if outcome.ActualEffort != 1.5 {
		t.Errorf("actual effort = %v, want 1.5", outcome.ActualEffort)
	}

	// Workspace is removed once the worker is done.
	if _, err := os.Stat(filepath.Join(base, "task-1")); !os.IsNotExist(err) {
		t.Error("workspace not cleaned up after execution")
	}
}

func TestExecute_Review(t *testing.T) {
	ce, _ := testExecutor(t,
		`cat > /dev/null
echo '{"status":"review","output":"draft ready for approval"}'`, false)

	outcome, err := ce.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Kind != NeedsReview {
		t.Errorf("kind = %s, want needs-review", outcome.Kind)
	}
	if outcome.Output != "draft ready for approval" {
		t.Errorf("output = %q", outcome.Output)
	}
}

func TestExecute_WorkerReportsFailure(t *testing.T) {
	ce, _ := testExecutor(t,
		`cat > /dev/null
echo '{"status":"failure","reason":"missing style guide"}'`, false)

	outcome, err := ce.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Kind != Failed {
		t.Errorf("kind = %s, want failed", outcome.Kind)
	}
	if outcome.Reason != "missing style guide" {
		t.Errorf("reason = %q", outcome.Reason)
	}
}

func TestExecute_NonZeroExit(t *testing.T) {
	ce, _ := testExecutor(t,
		`cat > /dev/null
echo "no network" >&2
exit 3`, false)

	outcome, err := ce.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute returned executor error: %v", err)
	}

	if outcome.Kind != Failed {
		t.Errorf("kind = %s, want failed", outcome.Kind)
	}
	if !strings.Contains(outcome.Reason, "exit status 3") {
		t.Errorf("reason missing exit status: %q", outcome.Reason)
	}
	if !strings.Contains(outcome.Reason, "no network") {
		t.Errorf("reason missing stderr text: %q", outcome.Reason)
	}
}

func TestExecute_GarbageOutput(t *testing.T) {
	ce, _ := testExecutor(t,
		`cat > /dev/null
echo "I forgot the protocol"`, false)

	outcome, err := ce.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Kind != Failed {
		t.Errorf("kind = %s, want failed", outcome.Kind)
	}
	if !strings.Contains(outcome.Reason, "unparseable worker output") {
		t.Errorf("reason = %q", outcome.Reason)
	}
}

func TestExecute_UnknownStatus(t *testing.T) {
	ce, _ := testExecutor(t,
		`cat > /dev/null
echo '{"status":"partial"}'`, false)

	outcome, err := ce.Execute(context.Background(), testTask())
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if outcome.Kind != Failed {
		t.Errorf("kind = %s, want failed", outcome.Kind)
	}
	if !strings.Contains(outcome.Reason, `unknown outcome status "partial"`) {
		t.Errorf("reason = %q", outcome.Reason)
	}
}

// TestExecute_RunsInWorkspace verifies the worker's cwd is the task
// workspace and stdin carries the full task.
func TestExecute_RunsInWorkspace(t *testing.T) {
	ce, base := testExecutor(t,
		`cat > task.json
echo ok > marker.txt
echo '{"status":"success"}'`, true)

	task := testTask()
	outcome, err := ce.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if outcome.Kind != Succeeded {
		t.Fatalf("kind = %s, want succeeded", outcome.Kind)
	}

	workspace := filepath.Join(base, task.ID)
	if _, err := os.Stat(filepath.Join(workspace, "marker.txt")); err != nil {
		t.Errorf("marker not written in workspace: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(workspace, "task.json"))
	if err != nil {
		t.Fatalf("task payload not written: %v", err)
	}

	var received scheduler.Task
	if err := json.Unmarshal(data, &received); err != nil {
		t.Fatalf("task payload not valid JSON: %v", err)
	}
	if received.ID != task.ID || received.Category != task.Category {
		t.Errorf("worker saw task %s/%s, want %s/%s", received.ID, received.Category, task.ID, task.Category)
	}
	if received.Metadata["channel"] != "blog" {
		t.Errorf("metadata not forwarded: %v", received.Metadata)
	}
}

func TestExecute_CommandNotFound(t *testing.T) {
	ws := NewWorkspaceManager(filepath.Join(t.TempDir(), "workspaces"), false)
	ce := NewCommandExecutor("/nonexistent/worker", nil, ws, nil, nil)

	_, err := ce.Execute(context.Background(), testTask())
	if err == nil {
		t.Fatal("expected executor error for missing command, got nil")
	}
}

// TestExecute_ContextTimeout verifies a deadline kills the worker and comes
// back as a failure outcome, not a hang.
func TestExecute_ContextTimeout(t *testing.T) {
	ce, _ := testExecutor(t, `exec sleep 10`, false)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	start := time.Now()
	outcome, err := ce.Execute(ctx, testTask())
	elapsed := time.Since(start)

	if err != nil {
		t.Fatalf("Execute returned executor error: %v", err)
	}
	if outcome.Kind != Failed {
		t.Errorf("kind = %s, want failed", outcome.Kind)
	}
	if elapsed > 5*time.Second {
		t.Errorf("worker not killed promptly, took %v", elapsed)
	}
}

func TestOutcomeKindString(t *testing.T) {
	cases := map[OutcomeKind]string{
		Succeeded:      "succeeded",
		Failed:         "failed",
		NeedsReview:    "needs-review",
		OutcomeKind(9): "unknown",
	}
	for kind, want := range cases {
		if got := kind.String(); got != want {
			t.Errorf("OutcomeKind(%d).String() = %q, want %q", int(kind), got, want)
		}
	}
}
