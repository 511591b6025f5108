package monitor

import (
	"context"
	"fmt"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/errors"
)

// Severity grades an alert. INFO is reserved for clear events and
// in-bounds values.
type Severity string

const (
	SeverityInfo     Severity = "INFO"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// SampleFunc produces the current value of one metric.
type SampleFunc func(ctx context.Context) (float64, error)

// MetricDef couples a metric's identity with its thresholds and sampler.
// A value crosses a threshold when it is >= the threshold.
type MetricDef struct {
	Name             string
	Unit             string
	Description      string
	WarnAt           float64
	CritAt           float64
	SuggestedActions []string
	Sample           SampleFunc
}

// The built-in metrics. Thresholds come from configuration; units and
// descriptions are fixed properties of what is being measured.
const (
	MetricQueueDepth         = "queue_depth"
	MetricFailureRate        = "failure_rate"
	MetricAssignedAge        = "assigned_age_secs"
	MetricCapacitySaturation = "capacity_saturation"
	MetricTasksBlocked       = "tasks_blocked"
)

var builtins = map[string]struct{ unit, description string }{
	MetricQueueDepth:         {"tasks", "tasks waiting in PENDING"},
	MetricFailureRate:        {"ratio", "failed share of terminal outcomes over the rolling window"},
	MetricAssignedAge:        {"seconds", "mean time current ASSIGNED tasks have waited for a worker"},
	MetricCapacitySaturation: {"ratio", "most loaded role's share of its concurrency ceiling"},
	MetricTasksBlocked:       {"tasks", "PENDING tasks with a dependency that can never complete"},
}

// DefsFromConfig binds configured thresholds to the built-in metrics served
// by source, in configuration order. Metric names outside the built-in set
// are rejected.
func DefsFromConfig(metrics []config.MetricConfig, source *QueueSource) ([]MetricDef, error) {
	defs := make([]MetricDef, 0, len(metrics))
	for _, mc := range metrics {
		b, ok := builtins[mc.Name]
		if !ok {
			return nil, errors.NewValidationError("metrics", fmt.Sprintf("unknown metric %s", mc.Name))
		}
		defs = append(defs, MetricDef{
			Name:             mc.Name,
			Unit:             b.unit,
			Description:      b.description,
			WarnAt:           mc.WarnAt,
			CritAt:           mc.CritAt,
			SuggestedActions: append([]string(nil), mc.SuggestedActions...),
			Sample:           source.sampler(mc.Name),
		})
	}
	return defs, nil
}

// band places a value on the severity ladder. The bool reports whether any
// threshold was crossed; the returned threshold is the one that set the
// severity.
func band(def MetricDef, value float64) (Severity, float64, bool) {
	if value >= def.CritAt {
		return SeverityCritical, def.CritAt, true
	}
	if value >= def.WarnAt {
		return SeverityWarning, def.WarnAt, true
	}
	return SeverityInfo, 0, false
}
