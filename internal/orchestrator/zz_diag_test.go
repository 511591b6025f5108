package orchestrator

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/scheduler"
)

// Temporary diagnostic: same flow as TestServiceRunsTaskToCompletion but
// with a DEBUG logger on stderr. Delete after use.
func TestZZDiagServiceDispatch(t *testing.T) {
	cfg := serviceConfig(t)

	ctx, cancel := context.WithCancel(context.Background())
	log := logging.NewWriter(os.Stderr, "DEBUG")

	svc, err := NewService(ctx, cfg, log)
	if err != nil {
		cancel()
		t.Fatalf("NewService: %v", err)
	}
	svc.tick = 20 * time.Millisecond
	svc.sampleEvery = 50 * time.Millisecond
	svc.grace = 2 * time.Second

	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	id, err := svc.queue.Enqueue(context.Background(), &scheduler.Task{
		Title:    "launch post",
		Category: "content",
		Priority: scheduler.PriorityHigh,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	t.Logf("enqueued %s", id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := svc.queue.Get(id)
		if err == nil && got.Status == scheduler.StatusCompleted {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	got, _ := svc.queue.Get(id)
	t.Logf("final status: %v assignee=%q", got.Status, got.Assignee)

	cancel()
	<-done
}
