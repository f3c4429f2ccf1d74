// Package guardian keeps rolling metric windows and raises threshold alerts.
package guardian

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"lukhas/internal/config"
	"lukhas/internal/logging"
	"lukhas/internal/telemetry"
)

// Level is the severity of an alert.
type Level string

const (
	LevelOK       Level = "ok"       // within thresholds
	LevelWarn     Level = "warn"     // crossed the warn threshold
	LevelCritical Level = "critical" // crossed the critical threshold
)

func (l Level) rank() int {
	switch l {
	case LevelWarn:
		return 1
	case LevelCritical:
		return 2
	}
	return 0
}

// Sample is one recorded metric value.
type Sample struct {
	Value float64   `json:"value"`
	At    time.Time `json:"at"`
}

// Threshold defines alert levels for a metric. With Below set, values at or
// under the threshold alert instead of values at or over it.
type Threshold struct {
	Metric   string  `json:"metric"`
	Warn     float64 `json:"warn"`
	Critical float64 `json:"critical"`
	Below    bool    `json:"below,omitempty"`
}

func (t Threshold) level(v float64) (Level, float64) {
	crossed := func(limit float64) bool {
		if t.Below {
			return v <= limit
		}
		return v >= limit
	}
	switch {
	case crossed(t.Critical):
		return LevelCritical, t.Critical
	case crossed(t.Warn):
		return LevelWarn, t.Warn
	}
	return LevelOK, 0
}

// Alert is raised when a metric moves into a warn or critical level.
type Alert struct {
	Metric    string    `json:"metric"`
	Level     Level     `json:"level"`
	Value     float64   `json:"value"`
	Threshold float64   `json:"threshold"`
	At        time.Time `json:"at"`
}

func (a Alert) String() string {
	return fmt.Sprintf("%s %s: %g crossed %g", a.Metric, a.Level, a.Value, a.Threshold)
}

// MetricStatus summarizes the samples currently in a metric's window.
type MetricStatus struct {
	Count int       `json:"count"`
	Last  float64   `json:"last"`
	Min   float64   `json:"min"`
	Max   float64   `json:"max"`
	Mean  float64   `json:"mean"`
	Level Level     `json:"level"`
	At    time.Time `json:"at"`
}

// Status is a snapshot of every metric.
type Status struct {
	Window  int                     `json:"window"`
	Metrics map[string]MetricStatus `json:"metrics"`
	Alerts  []Alert                 `json:"alerts"`
}

// ring is a fixed-size window of samples.
type ring struct {
	buf  []Sample
	next int
	full bool
}

func newRing(size int) *ring {
	return &ring{buf: make([]Sample, size)}
}

func (r *ring) add(s Sample) {
	r.buf[r.next] = s
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// samples returns the window oldest first.
func (r *ring) samples() []Sample {
	if !r.full {
		return append([]Sample(nil), r.buf[:r.next]...)
	}
	out := make([]Sample, 0, len(r.buf))
	out = append(out, r.buf[r.next:]...)
	return append(out, r.buf[:r.next]...)
}

// Monitor records metric samples and evaluates thresholds.
type Monitor struct {
	mu         sync.Mutex
	window     int
	series     map[string]*ring
	thresholds map[string]Threshold
	levels     map[string]Level
	active     map[string]Alert
	subs       []func(Alert)
	now        func() time.Time
	tracer     trace.Tracer
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithTracerProvider sets the provider used for alert spans.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(m *Monitor) { m.tracer = tp.Tracer(telemetry.InstrumentationName) }
}

// WithClock overrides the sample clock.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) { m.now = now }
}

// NewMonitor creates a monitor keeping window samples per metric.
func NewMonitor(window int, thresholds []Threshold, opts ...Option) *Monitor {
	if window <= 0 {
		window = 120
	}
	m := &Monitor{
		window:     window,
		series:     make(map[string]*ring),
		thresholds: make(map[string]Threshold, len(thresholds)),
		levels:     make(map[string]Level),
		active:     make(map[string]Alert),
		now:        time.Now,
		tracer:     telemetry.Tracer(),
	}
	for _, t := range thresholds {
		m.thresholds[t.Metric] = t
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// FromConfig builds a monitor from the guardian config section.
func FromConfig(cfg config.GuardianConfig, opts ...Option) *Monitor {
	ths := make([]Threshold, 0, len(cfg.Thresholds))
	for _, t := range cfg.Thresholds {
		ths = append(ths, Threshold{Metric: t.Metric, Warn: t.Warn, Critical: t.Critical, Below: t.Below})
	}
	return NewMonitor(cfg.Window, ths, opts...)
}

// Subscribe registers fn for every alert. Callbacks run synchronously on the
// recording goroutine, outside the monitor lock.
func (m *Monitor) Subscribe(fn func(Alert)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, fn)
}

// SetThreshold adds or replaces the threshold for a metric.
func (m *Monitor) SetThreshold(t Threshold) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.thresholds[t.Metric] = t
}

// Record adds a sample and returns the alert it raised, if any. An alert is
// raised only when the level rises. Dropping to a lower level replaces the
// active alert without raising one, and recovering clears it.
func (m *Monitor) Record(ctx context.Context, metric string, value float64) (*Alert, error) {
	if metric == "" {
		return nil, fmt.Errorf("metric name is required")
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil, fmt.Errorf("metric %s: value must be finite", metric)
	}

	m.mu.Lock()
	at := m.now().UTC()
	r, ok := m.series[metric]
	if !ok {
		r = newRing(m.window)
		m.series[metric] = r
	}
	r.add(Sample{Value: value, At: at})

	th, hasThreshold := m.thresholds[metric]
	if !hasThreshold {
		m.mu.Unlock()
		return nil, nil
	}

	level, limit := th.level(value)
	prev := m.levels[metric]
	m.levels[metric] = level

	if level == LevelOK {
		if prev.rank() > 0 {
			delete(m.active, metric)
			logging.Guardian("metric %s recovered (%g)", metric, value)
		}
		m.mu.Unlock()
		return nil, nil
	}
	alert := Alert{Metric: metric, Level: level, Value: value, Threshold: limit, At: at}
	if level.rank() < prev.rank() {
		m.active[metric] = alert
		logging.Guardian("metric %s dropped to %s (%g)", metric, level, value)
	}
	if level.rank() <= prev.rank() {
		m.mu.Unlock()
		return nil, nil
	}

	m.active[metric] = alert
	subs := append([]func(Alert){}, m.subs...)
	m.mu.Unlock()

	m.emit(ctx, alert, subs)
	return &alert, nil
}

func (m *Monitor) emit(ctx context.Context, alert Alert, subs []func(Alert)) {
	_, span := m.tracer.Start(ctx, telemetry.SpanGuardianAlert, trace.WithAttributes(
		telemetry.AttrMetric.String(alert.Metric),
		telemetry.AttrAlertLevel.String(string(alert.Level)),
		telemetry.AttrMetricValue.Float64(alert.Value),
	))
	defer span.End()

	logging.GuardianWarn("alert: %s", alert)
	logging.Audit(logging.CategoryGuardian).Log(logging.AuditEvent{
		EventType: logging.AuditAlert,
		Target:    alert.Metric,
		Message:   alert.String(),
		Success:   alert.Level != LevelCritical,
		Fields: map[string]interface{}{
			"level":     string(alert.Level),
			"value":     alert.Value,
			"threshold": alert.Threshold,
		},
	})

	for _, fn := range subs {
		fn(alert)
	}
}

// Samples returns the window of a metric, oldest first.
func (m *Monitor) Samples(metric string) []Sample {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.series[metric]
	if !ok {
		return nil
	}
	return r.samples()
}

// Status returns a snapshot of every metric and the active alerts.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Status{Window: m.window, Metrics: make(map[string]MetricStatus, len(m.series))}
	for name, r := range m.series {
		samples := r.samples()
		if len(samples) == 0 {
			continue
		}
		ms := MetricStatus{
			Count: len(samples),
			Min:   math.Inf(1),
			Max:   math.Inf(-1),
			Level: LevelOK,
		}
		var sum float64
		for _, s := range samples {
			sum += s.Value
			ms.Min = math.Min(ms.Min, s.Value)
			ms.Max = math.Max(ms.Max, s.Value)
		}
		last := samples[len(samples)-1]
		ms.Last = last.Value
		ms.At = last.At
		ms.Mean = sum / float64(len(samples))
		if lvl, ok := m.levels[name]; ok && lvl != "" {
			ms.Level = lvl
		}
		st.Metrics[name] = ms
	}

	for _, a := range m.active {
		st.Alerts = append(st.Alerts, a)
	}
	sort.Slice(st.Alerts, func(i, j int) bool { return st.Alerts[i].Metric < st.Alerts[j].Metric })
	return st
}
