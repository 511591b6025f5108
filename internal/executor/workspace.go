package executor

import (
	"fmt"
	"os"
	"path/filepath"
)

// WorkspaceManager hands out per-task scratch directories under a single
// base directory. The worker command runs with its working directory set to
// the task's workspace, so anything it writes stays isolated from other
// tasks and from the host project.
type WorkspaceManager struct {
	baseDir string
	keep    bool // skip cleanup, for inspecting worker output
}

// NewWorkspaceManager creates a workspace manager rooted at baseDir.
func NewWorkspaceManager(baseDir string, keep bool) *WorkspaceManager {
	if baseDir == "" {
		baseDir = filepath.Join(".conductor", "workspaces")
	}
	return &WorkspaceManager{baseDir: baseDir, keep: keep}
}

// unsafeName reports whether a task id cannot be used as a directory name
// directly under the base dir. filepath.Base alone lets "." and ".." through.
func unsafeName(taskID string) bool {
	return taskID == "" || taskID == "." || taskID == ".." || taskID != filepath.Base(taskID)
}

// Create makes a scratch directory for the given task ID and returns its
// path. Task ids are validated at ingestion, but the manager still refuses
// anything that would escape the base directory.
func (m *WorkspaceManager) Create(taskID string) (string, error) {
	if unsafeName(taskID) {
		return "", fmt.Errorf("unsafe workspace name %q", taskID)
	}

	path := filepath.Join(m.baseDir, taskID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", fmt.Errorf("creating workspace %s: %w", path, err)
	}
	return path, nil
}

// Cleanup removes the task's workspace. A no-op when workspaces are kept.
func (m *WorkspaceManager) Cleanup(taskID string) error {
	if m.keep {
		return nil
	}
	if unsafeName(taskID) {
		return fmt.Errorf("unsafe workspace name %q", taskID)
	}

	path := filepath.Join(m.baseDir, taskID)
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("removing workspace %s: %w", path, err)
	}
	return nil
}

// PruneStale removes every workspace under the base directory and returns
// how many were removed. Called at startup, before dispatching resumes:
// any directory still present belongs to a run that crashed or was killed.
// A no-op when workspaces are kept.
func (m *WorkspaceManager) PruneStale() (int, error) {
	if m.keep {
		return 0, nil
	}

	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading workspace dir %s: %w", m.baseDir, err)
	}

	removed := 0
	for _, entry := range entries {
		path := filepath.Join(m.baseDir, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			return removed, fmt.Errorf("removing stale workspace %s: %w", path, err)
		}
		removed++
	}
	return removed, nil
}
