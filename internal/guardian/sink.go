package guardian

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"lukhas/internal/incident"
	"lukhas/internal/logging"
)

// IncidentSink receives critical alerts that should become incidents.
type IncidentSink interface {
	OpenIncident(ctx context.Context, alert Alert) error
}

// Responder is the part of the incident engine the sink drives.
type Responder interface {
	Respond(ctx context.Context, inc *incident.Incident) (*incident.Response, error)
}

// EngineSink opens an anomaly incident per critical alert and runs the
// matching playbooks.
type EngineSink struct {
	Engine   Responder
	Category incident.Category // defaults to anomaly
}

// OpenIncident implements IncidentSink.
func (s *EngineSink) OpenIncident(ctx context.Context, alert Alert) error {
	cat := s.Category
	if cat == "" {
		cat = incident.CategoryAnomaly
	}
	inc, err := incident.NewIncident(cat, incident.SeverityHigh, "guardian", alert.String(), map[string]string{
		"metric":    alert.Metric,
		"value":     strconv.FormatFloat(alert.Value, 'g', -1, 64),
		"threshold": strconv.FormatFloat(alert.Threshold, 'g', -1, 64),
	})
	if err != nil {
		return err
	}
	resp, err := s.Engine.Respond(ctx, inc)
	if err != nil {
		return fmt.Errorf("respond to alert %s: %w", alert.Metric, err)
	}
	logging.Guardian("alert %s opened incident %s (%s, %d playbooks)", alert.Metric, inc.ID, inc.Status, len(resp.Executions))
	return nil
}

// Escalate subscribes sink to the monitor's critical alerts. Each alert is
// handed to the sink on its own goroutine under ctx. Wait blocks until
// in-flight handoffs finish and stops new ones.
func (m *Monitor) Escalate(ctx context.Context, sink IncidentSink) *Escalation {
	esc := &Escalation{}
	m.Subscribe(func(a Alert) {
		if a.Level != LevelCritical {
			return
		}
		if !esc.start() {
			logging.GuardianWarn("escalation stopped, alert %s not handed off", a.Metric)
			return
		}
		go func() {
			defer esc.wg.Done()
			if err := sink.OpenIncident(ctx, a); err != nil {
				logging.GuardianWarn("failed to open incident for %s: %v", a.Metric, err)
			}
		}()
	})
	return esc
}

// Escalation tracks incident handoffs started by Escalate.
type Escalation struct {
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

func (e *Escalation) start() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	return true
}

// Wait stops further handoffs and blocks until every handoff already started
// has returned.
func (e *Escalation) Wait() {
	e.mu.Lock()
	e.closed = true
	e.mu.Unlock()
	e.wg.Wait()
}
