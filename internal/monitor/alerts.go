package monitor

import (
	"time"
)

// Alert is an active threshold crossing for one metric. At most one alert
// per metric is active at a time.
type Alert struct {
	Metric           string
	Severity         Severity
	Value            float64 // the sample that set the current severity
	Threshold        float64 // the threshold that sample crossed
	SuggestedActions []string
	RaisedAt         time.Time
	EscalatedAt      *time.Time
}

// Alert event kinds, as recorded in the journal.
const (
	AlertEventRaised    = "raised"
	AlertEventEscalated = "escalated"
	AlertEventCleared   = "cleared"
)

// AlertEvent is one journal entry: a raise, an escalation, or a clear.
type AlertEvent struct {
	Kind      string
	Metric    string
	Severity  Severity
	Value     float64
	Threshold float64
	At        time.Time
}

// alertBook holds the active alerts and the bounded event journal. The
// Monitor serializes access; the book itself is not safe for concurrent
// use.
type alertBook struct {
	active  map[string]*Alert
	journal *ring
}

func newAlertBook(journalSize int) *alertBook {
	return &alertBook{
		active:  make(map[string]*Alert),
		journal: newRing(journalSize),
	}
}

// evaluate applies one sample against the metric's thresholds and advances
// the alert state: raise on first crossing, escalate an active WARNING past
// the critical threshold, clear once back in bounds. An active CRITICAL is
// never downgraded while still out of bounds. Returns the events this
// sample produced, journaled.
func (b *alertBook) evaluate(def MetricDef, value float64, at time.Time) []AlertEvent {
	severity, threshold, crossed := band(def, value)
	current := b.active[def.Name]

	var out []AlertEvent
	switch {
	case !crossed && current == nil:
		// In bounds and quiet.

	case !crossed:
		delete(b.active, def.Name)
		out = append(out, AlertEvent{
			Kind:     AlertEventCleared,
			Metric:   def.Name,
			Severity: SeverityInfo,
			Value:    value,
			At:       at,
		})

	case current == nil:
		b.active[def.Name] = &Alert{
			Metric:           def.Name,
			Severity:         severity,
			Value:            value,
			Threshold:        threshold,
			SuggestedActions: def.SuggestedActions,
			RaisedAt:         at,
		}
		out = append(out, AlertEvent{
			Kind:      AlertEventRaised,
			Metric:    def.Name,
			Severity:  severity,
			Value:     value,
			Threshold: threshold,
			At:        at,
		})

	case current.Severity == SeverityWarning && severity == SeverityCritical:
		escalated := at
		current.Severity = SeverityCritical
		current.Value = value
		current.Threshold = threshold
		current.EscalatedAt = &escalated
		out = append(out, AlertEvent{
			Kind:      AlertEventEscalated,
			Metric:    def.Name,
			Severity:  SeverityCritical,
			Value:     value,
			Threshold: threshold,
			At:        at,
		})

	default:
		// Same band, or a CRITICAL sitting above WARNING: the active alert
		// stands as raised.
	}

	for _, e := range out {
		b.journal.add(e)
	}
	return out
}

// drop removes a metric's active alert without a threshold judgement, for
// metrics removed on reload. The clear still lands in the journal.
func (b *alertBook) drop(metric string, at time.Time) []AlertEvent {
	current, ok := b.active[metric]
	if !ok {
		return nil
	}
	delete(b.active, metric)
	e := AlertEvent{
		Kind:     AlertEventCleared,
		Metric:   metric,
		Severity: SeverityInfo,
		Value:    current.Value,
		At:       at,
	}
	b.journal.add(e)
	return []AlertEvent{e}
}

// alerts returns the active alerts, copied.
func (b *alertBook) alerts() []Alert {
	out := make([]Alert, 0, len(b.active))
	for _, a := range b.active {
		out = append(out, *a)
	}
	return out
}

// ring is a fixed-size event journal, overwriting oldest first.
type ring struct {
	buf  []AlertEvent
	next int
	full bool
}

func newRing(n int) *ring {
	if n <= 0 {
		n = 1
	}
	return &ring{buf: make([]AlertEvent, n)}
}

func (r *ring) add(e AlertEvent) {
	r.buf[r.next] = e
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// list returns the journal oldest first.
func (r *ring) list() []AlertEvent {
	if !r.full {
		return append([]AlertEvent(nil), r.buf[:r.next]...)
	}
	out := make([]AlertEvent, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	out = append(out, r.buf[:r.next]...)
	return out
}
