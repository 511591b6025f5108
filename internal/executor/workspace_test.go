package executor

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWorkspaceCreateAndCleanup(t *testing.T) {
	base := filepath.Join(t.TempDir(), "workspaces")
	m := NewWorkspaceManager(base, false)

	path, err := m.Create("task-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if path != filepath.Join(base, "task-1") {
		t.Errorf("unexpected workspace path: %s", path)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("workspace not created: %v", err)
	}
	if !info.IsDir() {
		t.Error("workspace is not a directory")
	}

	if err := m.Cleanup("task-1"); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("workspace still exists after cleanup")
	}
}

func TestWorkspaceKeepSkipsCleanup(t *testing.T) {
	base := filepath.Join(t.TempDir(), "workspaces")
	m := NewWorkspaceManager(base, true)

	path, err := m.Create("task-1")
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := m.Cleanup("task-1"); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("workspace removed despite keep")
	}

	removed, err := m.PruneStale()
	if err != nil {
		t.Fatalf("PruneStale failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("PruneStale removed %d workspaces despite keep", removed)
	}
}

func TestWorkspaceRejectsUnsafeNames(t *testing.T) {
	m := NewWorkspaceManager(t.TempDir(), false)

	for _, id := range []string{"", "a/b", "../escape", ".."} {
		if _, err := m.Create(id); err == nil {
			t.Errorf("Create(%q) succeeded, want error", id)
		}
		if id != "" {
			if err := m.Cleanup(id); err == nil {
				t.Errorf("Cleanup(%q) succeeded, want error", id)
			}
		}
	}
}

func TestPruneStale(t *testing.T) {
	base := filepath.Join(t.TempDir(), "workspaces")
	m := NewWorkspaceManager(base, false)

	for _, id := range []string{"a", "b", "c"} {
		if _, err := m.Create(id); err != nil {
			t.Fatalf("Create(%q) failed: %v", id, err)
		}
	}

	removed, err := m.PruneStale()
	if err != nil {
		t.Fatalf("PruneStale failed: %v", err)
	}
	if removed != 3 {
		t.Errorf("removed = %d, want 3", removed)
	}

	entries, err := os.ReadDir(base)
	if err != nil {
		t.Fatalf("reading base dir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("base dir still has %d entries", len(entries))
	}

	// Second pass has nothing to do.
	removed, err = m.PruneStale()
	if err != nil {
		t.Fatalf("second PruneStale failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("second pass removed %d, want 0", removed)
	}
}

func TestPruneStale_MissingBaseDir(t *testing.T) {
	m := NewWorkspaceManager(filepath.Join(t.TempDir(), "never-created"), false)

	removed, err := m.PruneStale()
	if err != nil {
		t.Fatalf("PruneStale failed: %v", err)
	}
	if removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}
