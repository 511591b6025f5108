package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/aristath/conductor/internal/errors"
)

// Load reads and merges configuration from global and project paths.
// Order of precedence (highest to lowest): project config, global config,
// defaults. Missing files are not errors; malformed YAML returns an error.
//
// Merging is field-wise: a value present in a file overrides the value
// beneath it, a value absent keeps it. Lists (roles, metrics, pipelines,
// executor args) are replaced wholesale when present.
func Load(globalPath, projectPath string) (*Config, error) {
	cfg := DefaultConfig()

	if globalPath != "" {
		if err := mergeConfigFile(cfg, globalPath); err != nil {
			return nil, fmt.Errorf("loading global config: %w", err)
		}
	}

	if projectPath != "" {
		if err := mergeConfigFile(cfg, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadDefault loads configuration from conventional paths.
// Global: ~/.conductor/config.yaml
// Project: .conductor/config.yaml (relative to cwd)
func LoadDefault() (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting home directory: %w", err)
	}

	globalPath := filepath.Join(homeDir, ".conductor", "config.yaml")
	projectPath := filepath.Join(".conductor", "config.yaml")

	return Load(globalPath, projectPath)
}

// mergeConfigFile decodes a YAML file over the accumulated config. Missing
// files are silently skipped. Malformed YAML returns an error.
func mergeConfigFile(base *Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	// Decoding into the populated struct merges: only fields present in
	// the document are touched.
	if err := yaml.Unmarshal(data, base); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	return nil
}

// Validate checks the merged configuration for values the dispatcher and
// monitor cannot run with.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return errors.NewValidationError("database.path", "must not be empty")
	}

	if c.Dispatcher.TickIntervalSec < 1 {
		return errors.NewValidationError("dispatcher.tick_interval_sec", "must be at least 1")
	}
	if c.Dispatcher.ExecutionTimeoutSec < 1 {
		return errors.NewValidationError("dispatcher.execution_timeout_sec", "must be at least 1")
	}
	switch c.Dispatcher.ReconcilePolicy {
	case "requeue", "fail":
	default:
		return errors.NewValidationError("dispatcher.reconcile_policy",
			fmt.Sprintf("must be \"requeue\" or \"fail\", got %q", c.Dispatcher.ReconcilePolicy))
	}

	if c.Monitor.SampleIntervalSec < 1 {
		return errors.NewValidationError("monitor.sample_interval_sec", "must be at least 1")
	}
	if c.Monitor.FailureRateWindowSec < 1 {
		return errors.NewValidationError("monitor.failure_rate_window_sec", "must be at least 1")
	}

	if c.Executor.Command == "" {
		return errors.NewValidationError("executor.command", "must not be empty")
	}
	if c.Executor.WorkspaceDir == "" {
		return errors.NewValidationError("executor.workspace_dir", "must not be empty")
	}

	if len(c.Roles) == 0 {
		return errors.NewValidationError("roles", "at least one role required")
	}
	seenRoles := make(map[string]bool, len(c.Roles))
	for i, role := range c.Roles {
		field := fmt.Sprintf("roles[%d]", i)
		if role.Name == "" {
			return errors.NewValidationError(field+".name", "must not be empty")
		}
		if seenRoles[role.Name] {
			return errors.NewValidationError(field+".name", fmt.Sprintf("duplicate role %s", role.Name))
		}
		seenRoles[role.Name] = true
		if len(role.Categories) == 0 {
			return errors.NewValidationError(field+".categories", fmt.Sprintf("role %s: must accept at least one category", role.Name))
		}
		for _, cat := range role.Categories {
			if cat == "" {
				return errors.NewValidationError(field+".categories", fmt.Sprintf("role %s: categories must not be empty", role.Name))
			}
		}
		if role.MaxConcurrent < 1 {
			return errors.NewValidationError(field+".max_concurrent", fmt.Sprintf("role %s: must be at least 1", role.Name))
		}
	}

	seenMetrics := make(map[string]bool, len(c.Metrics))
	for i, metric := range c.Metrics {
		field := fmt.Sprintf("metrics[%d]", i)
		if metric.Name == "" {
			return errors.NewValidationError(field+".name", "must not be empty")
		}
		if seenMetrics[metric.Name] {
			return errors.NewValidationError(field+".name", fmt.Sprintf("duplicate metric %s", metric.Name))
		}
		seenMetrics[metric.Name] = true
		if metric.CritAt < metric.WarnAt {
			return errors.NewValidationError(field+".crit_at",
				fmt.Sprintf("metric %s: critical threshold %v below warning threshold %v", metric.Name, metric.CritAt, metric.WarnAt))
		}
	}

	for i, pipeline := range c.Pipelines {
		field := fmt.Sprintf("pipelines[%d]", i)
		if pipeline.Name == "" {
			return errors.NewValidationError(field+".name", "must not be empty")
		}
		if len(pipeline.Steps) < 2 {
			return errors.NewValidationError(field+".steps", fmt.Sprintf("pipeline %s: needs at least two steps", pipeline.Name))
		}
		seenSteps := make(map[string]bool, len(pipeline.Steps))
		for _, step := range pipeline.Steps {
			if step == "" {
				return errors.NewValidationError(field+".steps", fmt.Sprintf("pipeline %s: steps must not be empty", pipeline.Name))
			}
			// A category appearing twice would chain follow-ups forever.
			if seenSteps[step] {
				return errors.NewValidationError(field+".steps", fmt.Sprintf("pipeline %s: category %s appears twice", pipeline.Name, step))
			}
			seenSteps[step] = true
		}
	}

	return nil
}
