package guardian

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"lukhas/internal/config"
	"lukhas/internal/incident"
	"lukhas/internal/telemetry"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func newTestMonitor(window int, ths ...Threshold) *Monitor {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	return NewMonitor(window, ths, WithClock(c.now))
}

func TestRingKeepsWindow(t *testing.T) {
	m := newTestMonitor(3)
	for _, v := range []float64{1, 2, 3, 4, 5} {
		_, err := m.Record(context.Background(), "cpu", v)
		require.NoError(t, err)
	}

	var values []float64
	for _, s := range m.Samples("cpu") {
		values = append(values, s.Value)
	}
	assert.Equal(t, []float64{3, 4, 5}, values)
	assert.Nil(t, m.Samples("missing"))

	st := m.Status()
	cpu := st.Metrics["cpu"]
	assert.Equal(t, 3, cpu.Count)
	assert.Equal(t, 5.0, cpu.Last)
	assert.Equal(t, 3.0, cpu.Min)
	assert.Equal(t, 5.0, cpu.Max)
	assert.InDelta(t, 4.0, cpu.Mean, 1e-9)
	assert.Equal(t, LevelOK, cpu.Level)
	assert.Empty(t, st.Alerts)
}

func TestAlertsRaiseOnlyWhenLevelRises(t *testing.T) {
	m := newTestMonitor(10, Threshold{Metric: "errors", Warn: 0.1, Critical: 0.5})

	var mu sync.Mutex
	var got []Level
	m.Subscribe(func(a Alert) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, a.Level)
	})

	steps := []struct {
		value float64
		want  Level // "" when no alert
	}{
		{0.01, ""},
		{0.2, LevelWarn},
		{0.3, ""},
		{0.7, LevelCritical},
		{0.9, ""},
		{0.2, ""},
		{0.0, ""},
		{0.6, LevelCritical},
	}
	for i, s := range steps {
		alert, err := m.Record(context.Background(), "errors", s.value)
		require.NoError(t, err)
		if s.want == "" {
			assert.Nil(t, alert, "step %d", i)
			continue
		}
		require.NotNil(t, alert, "step %d", i)
		assert.Equal(t, s.want, alert.Level)
		assert.Equal(t, s.value, alert.Value)
	}
	assert.Equal(t, []Level{LevelWarn, LevelCritical, LevelCritical}, got)

	st := m.Status()
	require.Len(t, st.Alerts, 1)
	assert.Equal(t, 0.5, st.Alerts[0].Threshold)
	assert.Equal(t, LevelCritical, st.Metrics["errors"].Level)
}

func TestLevelDropReplacesActiveAlert(t *testing.T) {
	m := newTestMonitor(10, Threshold{Metric: "x", Warn: 5, Critical: 10})

	alert, err := m.Record(context.Background(), "x", 11)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, LevelCritical, alert.Level)

	alert, err = m.Record(context.Background(), "x", 6)
	require.NoError(t, err)
	assert.Nil(t, alert, "dropping a level raises nothing")

	st := m.Status()
	assert.Equal(t, LevelWarn, st.Metrics["x"].Level)
	require.Len(t, st.Alerts, 1)
	assert.Equal(t, LevelWarn, st.Alerts[0].Level)
	assert.Equal(t, 6.0, st.Alerts[0].Value)
	assert.Equal(t, 5.0, st.Alerts[0].Threshold)

	// Rising back to critical alerts again.
	alert, err = m.Record(context.Background(), "x", 12)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, LevelCritical, alert.Level)
}

func TestBelowThreshold(t *testing.T) {
	m := newTestMonitor(10, Threshold{Metric: "uptime", Warn: 0.99, Critical: 0.9, Below: true})

	alert, err := m.Record(context.Background(), "uptime", 0.999)
	require.NoError(t, err)
	assert.Nil(t, alert)

	alert, err = m.Record(context.Background(), "uptime", 0.95)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, LevelWarn, alert.Level)

	alert, err = m.Record(context.Background(), "uptime", 0.5)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, LevelCritical, alert.Level)
}

func TestRecordRejectsBadInput(t *testing.T) {
	m := newTestMonitor(10)
	_, err := m.Record(context.Background(), "", 1)
	assert.Error(t, err)
	_, err = m.Record(context.Background(), "x", math.NaN())
	assert.Error(t, err)
	_, err = m.Record(context.Background(), "x", math.Inf(1))
	assert.Error(t, err)
}

func TestAlertSpan(t *testing.T) {
	rec := telemetry.NewRecorder()
	defer rec.Shutdown()

	m := NewMonitor(5, []Threshold{{Metric: "deny", Warn: 1, Critical: 2}}, WithTracerProvider(rec.Provider))
	_, err := m.Record(context.Background(), "deny", 3)
	require.NoError(t, err)

	spans := rec.Named(telemetry.SpanGuardianAlert)
	require.Len(t, spans, 1)
	attrs := telemetry.Attrs(spans[0])
	assert.Equal(t, "deny", attrs[string(telemetry.AttrMetric)].AsString())
	assert.Equal(t, "critical", attrs[string(telemetry.AttrAlertLevel)].AsString())
}

func TestFromConfig(t *testing.T) {
	m := FromConfig(config.GuardianConfig{
		Window:     2,
		Thresholds: []config.ThresholdConfig{{Metric: "m", Warn: 1, Critical: 2}},
	})
	alert, err := m.Record(context.Background(), "m", 1.5)
	require.NoError(t, err)
	require.NotNil(t, alert)
	assert.Equal(t, 2, m.Status().Window)
}

type fakeResponder struct {
	mu   sync.Mutex
	seen []*incident.Incident
}

func (f *fakeResponder) Respond(_ context.Context, inc *incident.Incident) (*incident.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen = append(f.seen, inc)
	inc.Status = incident.StatusEscalated
	return &incident.Response{Incident: inc}, nil
}

func TestEscalateOpensIncidentsForCriticalAlerts(t *testing.T) {
	m := newTestMonitor(10, Threshold{Metric: "authz.deny_rate", Warn: 0.25, Critical: 0.6})
	responder := &fakeResponder{}
	esc := m.Escalate(context.Background(), &EngineSink{Engine: responder})

	for _, v := range []float64{0.3, 0.8, 0.1, 0.9} {
		_, err := m.Record(context.Background(), "authz.deny_rate", v)
		require.NoError(t, err)
	}
	esc.Wait()

	responder.mu.Lock()
	defer responder.mu.Unlock()
	require.Len(t, responder.seen, 2, "warn alerts do not open incidents")
	inc := responder.seen[0]
	assert.Equal(t, incident.CategoryAnomaly, inc.Category)
	assert.Equal(t, incident.SeverityHigh, inc.Severity)
	assert.Equal(t, "guardian", inc.Source)
	assert.Equal(t, "authz.deny_rate", inc.Indicators["metric"])
	assert.Equal(t, "0.6", inc.Indicators["threshold"])
}

func TestEscalationStopsAfterWait(t *testing.T) {
	m := newTestMonitor(10, Threshold{Metric: "errors", Warn: 0.1, Critical: 0.5})
	responder := &fakeResponder{}
	esc := m.Escalate(context.Background(), &EngineSink{Engine: responder})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = m.Record(context.Background(), "errors", float64(i%2)*0.9)
		}(i)
	}
	esc.Wait()
	wg.Wait()
	esc.Wait()

	responder.mu.Lock()
	before := len(responder.seen)
	responder.mu.Unlock()

	_, err := m.Record(context.Background(), "errors", 0)
	require.NoError(t, err)
	_, err = m.Record(context.Background(), "errors", 0.9)
	require.NoError(t, err)

	responder.mu.Lock()
	defer responder.mu.Unlock()
	assert.Len(t, responder.seen, before, "no handoffs after Wait")
}

func TestEngineSinkRunsPlaybooks(t *testing.T) {
	engine := incident.NewEngine(incident.Options{})
	require.NoError(t, engine.Register(&incident.Playbook{
		ID:         "anomaly-snapshot",
		Categories: []incident.Category{incident.CategoryAnomaly},
		Steps:      []incident.Step{{ID: "snap", Action: "snapshot_state"}},
	}))

	sink := &EngineSink{Engine: engine}
	err := sink.OpenIncident(context.Background(), Alert{Metric: "api.error_rate", Level: LevelCritical, Value: 0.4, Threshold: 0.2})
	require.NoError(t, err)

	effects := engine.Actions().Effects()
	require.Len(t, effects, 1)
	assert.Equal(t, "guardian", effects[0].Target)
}
