package config

import "time"

// RoleConfig defines one worker role: which task categories it accepts and
// how many tasks it may hold in flight at once. Order matters: the
// dispatcher breaks capacity ties by position in this list.
type RoleConfig struct {
	Name          string   `yaml:"name"`
	Categories    []string `yaml:"categories"`
	MaxConcurrent int      `yaml:"max_concurrent"`
}

// MetricConfig sets the alert thresholds for a named monitor metric.
// A metric crosses a threshold when its sampled value is >= the threshold.
type MetricConfig struct {
	Name             string   `yaml:"name"`
	WarnAt           float64  `yaml:"warn_at"`
	CritAt           float64  `yaml:"crit_at"`
	SuggestedActions []string `yaml:"suggested_actions,omitempty"`
}

// DispatcherConfig controls the dispatch loop.
type DispatcherConfig struct {
	TickIntervalSec     int    `yaml:"tick_interval_sec"`     // seconds between dispatch passes
	ExecutionTimeoutSec int    `yaml:"execution_timeout_sec"` // per-task executor budget
	ReconcilePolicy     string `yaml:"reconcile_policy"`      // "requeue" or "fail" for tasks stranded by a crash
}

// Tick returns the dispatch interval as a duration.
func (d DispatcherConfig) Tick() time.Duration {
	return time.Duration(d.TickIntervalSec) * time.Second
}

// Timeout returns the per-task execution budget as a duration.
func (d DispatcherConfig) Timeout() time.Duration {
	return time.Duration(d.ExecutionTimeoutSec) * time.Second
}

// MonitorConfig controls the sampling loop.
type MonitorConfig struct {
	SampleIntervalSec    int `yaml:"sample_interval_sec"`
	FailureRateWindowSec int `yaml:"failure_rate_window_sec"` // how far back terminal outcomes count toward failure_rate
}

// SampleInterval returns the sampling interval as a duration.
func (m MonitorConfig) SampleInterval() time.Duration {
	return time.Duration(m.SampleIntervalSec) * time.Second
}

// FailureRateWindow returns the failure-rate lookback as a duration.
func (m MonitorConfig) FailureRateWindow() time.Duration {
	return time.Duration(m.FailureRateWindowSec) * time.Second
}

// ExecutorConfig describes the external worker command. The dispatcher runs
// it once per task with the task JSON on stdin and reads an outcome JSON
// from stdout.
type ExecutorConfig struct {
	Command        string   `yaml:"command"`
	Args           []string `yaml:"args,omitempty"`
	WorkspaceDir   string   `yaml:"workspace_dir"`             // per-task scratch dirs live under here
	KeepWorkspaces bool     `yaml:"keep_workspaces,omitempty"` // skip cleanup after execution (debugging)
}

// DatabaseConfig locates the task store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level string `yaml:"level"`          // DEBUG, INFO, WARN, ERROR
	File  string `yaml:"file,omitempty"` // empty logs to stderr
}

// PipelineConfig chains categories: when a task whose category matches a
// step completes, a follow-up task is enqueued for the next step.
type PipelineConfig struct {
	Name  string   `yaml:"name"`
	Steps []string `yaml:"steps"` // categories, in order
}

// Config is the top-level configuration.
type Config struct {
	Log        LogConfig        `yaml:"log"`
	Database   DatabaseConfig   `yaml:"database"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Monitor    MonitorConfig    `yaml:"monitor"`
	Executor   ExecutorConfig   `yaml:"executor"`
	Roles      []RoleConfig     `yaml:"roles"`
	Metrics    []MetricConfig   `yaml:"metrics"`
	Pipelines  []PipelineConfig `yaml:"pipelines,omitempty"`
}

// Metric returns the threshold config for a named metric, or false when the
// metric is not configured.
func (c *Config) Metric(name string) (MetricConfig, bool) {
	for _, m := range c.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return MetricConfig{}, false
}

// Role returns the config for a named role, or false when the role is not
// configured.
func (c *Config) Role(name string) (RoleConfig, bool) {
	for _, r := range c.Roles {
		if r.Name == name {
			return r, true
		}
	}
	return RoleConfig{}, false
}
