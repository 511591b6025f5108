// Package monitor samples queue health metrics on an interval, raises and
// clears threshold alerts, and keeps a bounded journal of alert events. It
// never delivers alerts anywhere itself: delivery belongs to whoever reads
// the snapshot or subscribes to the bus.
package monitor

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/aristath/conductor/internal/errors"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
)

const journalSize = 256

// MetricValue is one metric's latest sample. Severity is the band the value
// sits in, INFO when within bounds.
type MetricValue struct {
	Name      string
	Value     float64
	Unit      string
	WarnAt    float64
	CritAt    float64
	Severity  Severity
	SampledAt time.Time
}

// Snapshot is a point-in-time view: the latest value of every metric, the
// active alerts, and the recent alert events oldest first.
type Snapshot struct {
	At     time.Time
	Values []MetricValue
	Alerts []Alert
	Events []AlertEvent
}

// Monitor evaluates metric samples against thresholds on its own tick,
// independent of dispatching.
type Monitor struct {
	bus *events.EventBus
	log *logging.Logger

	mu     sync.Mutex
	defs   []MetricDef
	book   *alertBook
	values map[string]MetricValue
	lastAt time.Time
}

// New creates a Monitor over the given metric definitions. The bus is
// optional.
func New(defs []MetricDef, bus *events.EventBus, log *logging.Logger) *Monitor {
	if log == nil {
		log = logging.NopLogger()
	}
	return &Monitor{
		bus:    bus,
		log:    log.WithComponent("monitor"),
		defs:   defs,
		book:   newAlertBook(journalSize),
		values: make(map[string]MetricValue),
	}
}

// Run samples until the context ends. The first sample happens immediately.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Sample(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sample(ctx)
		}
	}
}

// Sample computes every metric once and advances alert state. A metric
// whose sample fails is logged and skipped; its alert state holds until a
// sample succeeds, and the remaining metrics still run.
func (m *Monitor) Sample(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for _, def := range m.defs {
		value, err := def.Sample(ctx)
		if err != nil {
			serr := errors.NewSampleError(def.Name, err)
			m.log.Error("sample failed", "metric", def.Name, "error", serr.Error())
			continue
		}

		severity, _, _ := band(def, value)
		m.values[def.Name] = MetricValue{
			Name:      def.Name,
			Value:     value,
			Unit:      def.Unit,
			WarnAt:    def.WarnAt,
			CritAt:    def.CritAt,
			Severity:  severity,
			SampledAt: now,
		}

		for _, ev := range m.book.evaluate(def, value, now) {
			m.record(ev)
		}
	}
	m.lastAt = now
}

// Snapshot returns the monitor's current view. Values follow definition
// order; metrics that have not produced a sample yet are absent.
func (m *Monitor) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	values := make([]MetricValue, 0, len(m.defs))
	for _, def := range m.defs {
		if v, ok := m.values[def.Name]; ok {
			values = append(values, v)
		}
	}

	alerts := m.book.alerts()
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].Metric < alerts[j].Metric })

	return Snapshot{
		At:     m.lastAt,
		Values: values,
		Alerts: alerts,
		Events: m.book.journal.list(),
	}
}

// UpdateDefs swaps the metric definitions (configuration reload). Alerts
// for metrics that disappeared are cleared so nothing stays active without
// a sampler behind it.
func (m *Monitor) UpdateDefs(defs []MetricDef) {
	m.mu.Lock()
	defer m.mu.Unlock()

	known := make(map[string]struct{}, len(defs))
	for _, def := range defs {
		known[def.Name] = struct{}{}
	}

	now := time.Now()
	for metric := range m.book.active {
		if _, ok := known[metric]; ok {
			continue
		}
		for _, ev := range m.book.drop(metric, now) {
			m.record(ev)
		}
		delete(m.values, metric)
	}
	for name := range m.values {
		if _, ok := known[name]; !ok {
			delete(m.values, name)
		}
	}

	m.defs = defs
	m.log.Info("metric definitions reloaded", "metrics", len(defs))
}

// record logs one alert event and mirrors it onto the bus.
func (m *Monitor) record(ev AlertEvent) {
	switch ev.Kind {
	case AlertEventRaised:
		m.log.Warn("alert raised",
			"metric", ev.Metric, "severity", string(ev.Severity), "value", ev.Value, "threshold", ev.Threshold)
		if m.bus != nil {
			m.bus.Publish(events.TopicAlert, events.AlertRaisedEvent{
				Metric:    ev.Metric,
				Severity:  string(ev.Severity),
				Value:     ev.Value,
				Threshold: ev.Threshold,
				Timestamp: ev.At,
			})
		}
	case AlertEventEscalated:
		m.log.Warn("alert escalated",
			"metric", ev.Metric, "value", ev.Value, "threshold", ev.Threshold)
		if m.bus != nil {
			m.bus.Publish(events.TopicAlert, events.AlertEscalatedEvent{
				Metric:    ev.Metric,
				Value:     ev.Value,
				Threshold: ev.Threshold,
				Timestamp: ev.At,
			})
		}
	case AlertEventCleared:
		m.log.Info("alert cleared", "metric", ev.Metric, "value", ev.Value)
		if m.bus != nil {
			m.bus.Publish(events.TopicAlert, events.AlertClearedEvent{
				Metric:    ev.Metric,
				Value:     ev.Value,
				Timestamp: ev.At,
			})
		}
	}
}
