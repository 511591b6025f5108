package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
	"github.com/aristath/conductor/internal/scheduler"
)

// PipelineManager chains task categories. When a task whose category
// matches a pipeline step completes, a follow-up task is enqueued for the
// next step, depending on the completed task and inheriting its priority.
// Earlier pipelines take precedence when their steps overlap.
//
// Follow-up enqueue failures are logged and never touch the completed task.
type PipelineManager struct {
	queue *scheduler.Queue
	bus   *events.EventBus
	log   *logging.Logger

	mu        sync.RWMutex
	pipelines []config.PipelineConfig
}

// NewPipelineManager creates a pipeline manager. The bus is optional.
func NewPipelineManager(pipelines []config.PipelineConfig, queue *scheduler.Queue, bus *events.EventBus, log *logging.Logger) *PipelineManager {
	if log == nil {
		log = logging.NopLogger()
	}
	return &PipelineManager{
		queue:     queue,
		bus:       bus,
		log:       log.WithComponent("pipeline"),
		pipelines: pipelines,
	}
}

// SetPipelines swaps the pipeline table (config reload).
func (pm *PipelineManager) SetPipelines(pipelines []config.PipelineConfig) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.pipelines = pipelines
}

// nextStep finds the step after the given category. First match wins.
func (pm *PipelineManager) nextStep(category string) (pipeline, next string, ok bool) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()

	for _, p := range pm.pipelines {
		for i, step := range p.Steps[:len(p.Steps)-1] {
			if step == category {
				return p.Name, p.Steps[i+1], true
			}
		}
	}
	return "", "", false
}

// OnCompleted enqueues the follow-up task for a completed one, when its
// category sits on a pipeline. Safe to call for any completed task.
func (pm *PipelineManager) OnCompleted(ctx context.Context, completed *scheduler.Task) {
	name, next, ok := pm.nextStep(completed.Category)
	if !ok {
		return
	}

	metadata := make(map[string]string, len(completed.Metadata)+2)
	for k, v := range completed.Metadata {
		metadata[k] = v
	}
	metadata["pipeline"] = name
	metadata["pipeline_origin"] = completed.ID

	follow := &scheduler.Task{
		ID:              uuid.NewString(),
		Title:           completed.Title,
		Description:     completed.Description,
		Priority:        completed.Priority,
		Category:        next,
		DependsOn:       []string{completed.ID},
		EstimatedEffort: completed.EstimatedEffort,
		Metadata:        metadata,
	}

	id, err := pm.queue.Enqueue(ctx, follow)
	if err != nil {
		pm.log.Error("pipeline follow-up rejected",
			"pipeline", name, "origin", completed.ID, "category", next, "error", err.Error())
		return
	}

	pm.log.Info("pipeline follow-up enqueued",
		"pipeline", name, "origin", completed.ID, "task_id", id, "category", next)

	if pm.bus != nil {
		pm.bus.Publish(events.TopicTask, events.TaskEnqueuedEvent{
			ID:        id,
			Category:  next,
			Priority:  follow.Priority.String(),
			Source:    "pipeline:" + name,
			Timestamp: time.Now(),
		})
	}
}
