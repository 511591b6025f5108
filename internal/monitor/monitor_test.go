package monitor

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/aristath/conductor/internal/config"
	"github.com/aristath/conductor/internal/errors"
	"github.com/aristath/conductor/internal/events"
	"github.com/aristath/conductor/internal/logging"
)

func stubDef(name string, warn, crit float64, sample SampleFunc) MetricDef {
	return MetricDef{Name: name, Unit: "tasks", WarnAt: warn, CritAt: crit, Sample: sample}
}

func fixed(value float64) SampleFunc {
	return func(ctx context.Context) (float64, error) { return value, nil }
}

func TestSampleFillsSnapshot(t *testing.T) {
	defs := []MetricDef{
		stubDef("queue_depth", 50, 200, fixed(10)),
		stubDef("failure_rate", 0.2, 0.5, fixed(0.1)),
	}
	m := New(defs, nil, logging.NopLogger())

	m.Sample(context.Background())

	snap := m.Snapshot()
	if snap.At.IsZero() {
		t.Error("snapshot has no sample time")
	}
	if len(snap.Values) != 2 {
		t.Fatalf("snapshot has %d values, want 2", len(snap.Values))
	}
	if snap.Values[0].Name != "queue_depth" || snap.Values[0].Value != 10 {
		t.Errorf("values[0] = %+v, want queue_depth 10", snap.Values[0])
	}
	if snap.Values[0].Severity != SeverityInfo {
		t.Errorf("in-bounds severity = %s, want INFO", snap.Values[0].Severity)
	}
	if len(snap.Alerts) != 0 {
		t.Errorf("alerts = %+v, want none for in-bounds values", snap.Alerts)
	}
}

func TestSampleErrorSkipsMetricOnly(t *testing.T) {
	broken := func(ctx context.Context) (float64, error) {
		return 0, fmt.Errorf("store unreachable")
	}
	defs := []MetricDef{
		stubDef("queue_depth", 50, 200, broken),
		stubDef("failure_rate", 0.2, 0.5, fixed(0.9)),
	}
	m := New(defs, nil, logging.NopLogger())

	m.Sample(context.Background())

	snap := m.Snapshot()
	if len(snap.Values) != 1 || snap.Values[0].Name != "failure_rate" {
		t.Fatalf("values = %+v, want only the metric that sampled", snap.Values)
	}
	if len(snap.Alerts) != 1 || snap.Alerts[0].Metric != "failure_rate" {
		t.Fatalf("alerts = %+v, want the healthy metric's CRITICAL", snap.Alerts)
	}
	if snap.Alerts[0].Severity != SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL at 0.9", snap.Alerts[0].Severity)
	}
}

func TestAlertsReachTheBus(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Close()
	ch := bus.Subscribe(events.TopicAlert, 8)

	var value atomic.Value
	value.Store(10.0)
	defs := []MetricDef{
		stubDef("queue_depth", 50, 200, func(ctx context.Context) (float64, error) {
			return value.Load().(float64), nil
		}),
	}
	m := New(defs, bus, logging.NopLogger())
	ctx := context.Background()

	next := func(want string) events.Event {
		t.Helper()
		select {
		case e := <-ch:
			if e.EventType() != want {
				t.Fatalf("event = %s, want %s", e.EventType(), want)
			}
			return e
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
			return nil
		}
	}

	m.Sample(ctx) // in bounds, nothing published

	value.Store(75.0)
	m.Sample(ctx)
	raised := next(events.EventTypeAlertRaised).(events.AlertRaisedEvent)
	if raised.Metric != "queue_depth" || raised.Severity != string(SeverityWarning) {
		t.Errorf("raised = %+v, want queue_depth WARNING", raised)
	}

	value.Store(250.0)
	m.Sample(ctx)
	escalated := next(events.EventTypeAlertEscalated).(events.AlertEscalatedEvent)
	if escalated.Threshold != 200 {
		t.Errorf("escalation threshold = %v, want 200", escalated.Threshold)
	}

	value.Store(10.0)
	m.Sample(ctx)
	cleared := next(events.EventTypeAlertCleared).(events.AlertClearedEvent)
	if cleared.Metric != "queue_depth" {
		t.Errorf("cleared metric = %s, want queue_depth", cleared.Metric)
	}
}

func TestRunSamplesOnInterval(t *testing.T) {
	var samples atomic.Int64
	defs := []MetricDef{
		stubDef("queue_depth", 50, 200, func(ctx context.Context) (float64, error) {
			samples.Add(1)
			return 1, nil
		}),
	}
	m := New(defs, nil, logging.NopLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- m.Run(ctx, 10*time.Millisecond)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for samples.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("Run returned %v, want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
	if got := samples.Load(); got < 3 {
		t.Errorf("sampled %d times, want at least 3", got)
	}
}

func TestUpdateDefsClearsRemovedMetric(t *testing.T) {
	defs := []MetricDef{
		stubDef("queue_depth", 50, 200, fixed(75)),
		stubDef("failure_rate", 0.2, 0.5, fixed(0.1)),
	}
	m := New(defs, nil, logging.NopLogger())
	m.Sample(context.Background())

	if snap := m.Snapshot(); len(snap.Alerts) != 1 {
		t.Fatalf("alerts before reload = %+v, want the queue_depth WARNING", snap.Alerts)
	}

	m.UpdateDefs([]MetricDef{stubDef("failure_rate", 0.2, 0.5, fixed(0.1))})

	snap := m.Snapshot()
	if len(snap.Alerts) != 0 {
		t.Errorf("alerts after reload = %+v, want none", snap.Alerts)
	}
	if len(snap.Values) != 1 || snap.Values[0].Name != "failure_rate" {
		t.Errorf("values after reload = %+v, want only failure_rate", snap.Values)
	}
	last := snap.Events[len(snap.Events)-1]
	if last.Kind != AlertEventCleared || last.Metric != "queue_depth" {
		t.Errorf("last journal event = %+v, want the reload clear", last)
	}
}

func TestDefsFromConfig(t *testing.T) {
	q, _ := newQueue(t)
	src := NewQueueSource(q, time.Hour)

	cfgs := []config.MetricConfig{
		{Name: "queue_depth", WarnAt: 50, CritAt: 200, SuggestedActions: []string{"add workers"}},
		{Name: "failure_rate", WarnAt: 0.2, CritAt: 0.5},
		{Name: "assigned_age_secs", WarnAt: 300, CritAt: 1800},
		{Name: "capacity_saturation", WarnAt: 0.8, CritAt: 1.0},
		{Name: "tasks_blocked", WarnAt: 1, CritAt: 10},
	}

	defs, err := DefsFromConfig(cfgs, src)
	if err != nil {
		t.Fatalf("DefsFromConfig: %v", err)
	}
	if len(defs) != 5 {
		t.Fatalf("got %d defs, want 5", len(defs))
	}
	for i, def := range defs {
		if def.Name != cfgs[i].Name {
			t.Errorf("defs[%d] = %s, want configuration order preserved", i, def.Name)
		}
		if def.Unit == "" || def.Description == "" {
			t.Errorf("%s: unit/description not filled in", def.Name)
		}
		if def.Sample == nil {
			t.Errorf("%s: no sampler bound", def.Name)
		}
	}
	if defs[0].SuggestedActions[0] != "add workers" {
		t.Errorf("suggested actions not carried: %+v", defs[0].SuggestedActions)
	}

	_, err = DefsFromConfig([]config.MetricConfig{{Name: "cpu_load", WarnAt: 1, CritAt: 2}}, src)
	if !errors.IsValidation(err) {
		t.Errorf("unknown metric error = %v, want validation", err)
	}
}
