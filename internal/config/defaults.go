package config

// DefaultConfig returns the built-in configuration: a small content-team
// role table, the standard monitor metrics, and conservative intervals.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Level: "INFO",
		},
		Database: DatabaseConfig{
			Path: ".conductor/conductor.db",
		},
		Dispatcher: DispatcherConfig{
			TickIntervalSec:     5,
			ExecutionTimeoutSec: 1800,
			ReconcilePolicy:     "requeue",
		},
		Monitor: MonitorConfig{
			SampleIntervalSec:    30,
			FailureRateWindowSec: 3600,
		},
		Executor: ExecutorConfig{
			Command:      "conductor-agent",
			WorkspaceDir: ".conductor/workspaces",
		},
		Roles: []RoleConfig{
			{
				Name:          "writer",
				Categories:    []string{"content", "seo"},
				MaxConcurrent: 2,
			},
			{
				Name:          "editor",
				Categories:    []string{"editing"},
				MaxConcurrent: 1,
			},
			{
				Name:          "engineer",
				Categories:    []string{"engineering", "research"},
				MaxConcurrent: 2,
			},
		},
		Metrics: []MetricConfig{
			{
				Name:   "queue_depth",
				WarnAt: 50,
				CritAt: 200,
				SuggestedActions: []string{
					"Raise max_concurrent for roles covering the busiest categories",
					"Add a role accepting the backlogged categories",
					"Cancel stale low-priority tasks",
				},
			},
			{
				Name:   "failure_rate",
				WarnAt: 0.2,
				CritAt: 0.5,
				SuggestedActions: []string{
					"Inspect recent FAILED tasks: conductor list --status FAILED",
					"Check that the executor command runs outside the dispatcher",
				},
			},
			{
				Name:   "assigned_age_secs",
				WarnAt: 300,
				CritAt: 1800,
				SuggestedActions: []string{
					"Check the dispatcher log for a stalled tick",
					"Verify the executor command is not hanging on startup",
				},
			},
			{
				Name:   "capacity_saturation",
				WarnAt: 0.8,
				CritAt: 1.0,
				SuggestedActions: []string{
					"Raise max_concurrent for the saturated role",
					"Add another role accepting the same categories",
				},
			},
			{
				Name:   "tasks_blocked",
				WarnAt: 1,
				CritAt: 10,
				SuggestedActions: []string{
					"List blocked tasks and cancel or re-submit their failed dependencies",
				},
			},
		},
		Pipelines: []PipelineConfig{
			{
				Name:  "publish",
				Steps: []string{"content", "editing", "seo"},
			},
		},
	}
}
