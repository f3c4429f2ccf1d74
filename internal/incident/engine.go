package incident

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lukhas/internal/logging"
	"lukhas/internal/telemetry"
)

// Recorder persists incidents and their executions.
type Recorder interface {
	SaveIncident(ctx context.Context, inc *Incident) error
	SaveExecution(ctx context.Context, exec *Execution) error
}

// Options configures an Engine.
type Options struct {
	MaxParallel    int           // concurrent steps per execution; <=0 means 4
	StepTimeout    time.Duration // default per-step timeout; <=0 means 30s
	Approver       Approver      // nil rejects every gated step
	Actions        *Actions      // nil means NewActions()
	Recorder       Recorder      // optional persistence
	TracerProvider trace.TracerProvider
}

// Engine holds registered playbooks and runs them.
type Engine struct {
	mu        sync.RWMutex
	playbooks map[string]*Playbook

	actions     *Actions
	approver    Approver
	recorder    Recorder
	maxParallel int
	stepTimeout time.Duration
	tracer      trace.Tracer
}

// NewEngine creates an engine.
func NewEngine(opts Options) *Engine {
	e := &Engine{
		playbooks:   make(map[string]*Playbook),
		actions:     opts.Actions,
		approver:    opts.Approver,
		recorder:    opts.Recorder,
		maxParallel: opts.MaxParallel,
		stepTimeout: opts.StepTimeout,
		tracer:      telemetry.Tracer(),
	}
	if e.actions == nil {
		e.actions = NewActions()
	}
	if e.approver == nil {
		e.approver = DenyApprover{}
	}
	if e.maxParallel <= 0 {
		e.maxParallel = 4
	}
	if e.stepTimeout <= 0 {
		e.stepTimeout = 30 * time.Second
	}
	if opts.TracerProvider != nil {
		e.tracer = opts.TracerProvider.Tracer(telemetry.InstrumentationName)
	}
	return e
}

// Actions returns the engine's action registry.
func (e *Engine) Actions() *Actions {
	return e.actions
}

// Register validates and adds a playbook, replacing one with the same id.
func (e *Engine) Register(pb *Playbook) error {
	if err := Validate(pb, e.actions); err != nil {
		return err
	}
	if pb.MinSeverity == 0 {
		pb.MinSeverity = SeverityLow
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.playbooks[pb.ID] = pb
	logging.Incident("playbook registered: %s (%d steps)", pb.ID, len(pb.Steps))
	return nil
}

// Playbook returns a registered playbook by id.
func (e *Engine) Playbook(id string) (*Playbook, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	pb, ok := e.playbooks[id]
	return pb, ok
}

// Playbooks returns every registered playbook ordered by id.
func (e *Engine) Playbooks() []*Playbook {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Playbook, 0, len(e.playbooks))
	for _, pb := range e.playbooks {
		out = append(out, pb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Match returns the playbooks that handle inc, ordered by id.
func (e *Engine) Match(inc *Incident) []*Playbook {
	var out []*Playbook
	for _, pb := range e.Playbooks() {
		if pb.Handles(inc) {
			out = append(out, pb)
		}
	}
	return out
}

// Respond runs every matching playbook in id order and settles the incident
// status: contained when every execution completed, escalated otherwise.
func (e *Engine) Respond(ctx context.Context, inc *Incident) (*Response, error) {
	ctx, span := e.tracer.Start(ctx, telemetry.SpanIncidentRespond, trace.WithAttributes(
		telemetry.AttrIncidentID.String(inc.ID),
		telemetry.AttrIncidentCategory.String(string(inc.Category)),
		telemetry.AttrIncidentSeverity.String(inc.Severity.String()),
	))
	defer span.End()

	timer := logging.StartTimer(logging.CategoryIncident, "Respond "+inc.ID)
	defer timer.StopWithInfo()

	resp := &Response{Incident: inc}
	matched := e.Match(inc)
	logging.Incident("incident %s (%s/%s): %d playbooks match", inc.ID, inc.Category, inc.Severity, len(matched))

	if len(matched) == 0 {
		e.setStatus(ctx, inc, StatusEscalated)
		return resp, nil
	}

	e.setStatus(ctx, inc, StatusResponding)

	contained := true
	for _, pb := range matched {
		exec, err := e.Execute(ctx, pb, inc)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "playbook execution failed")
			e.setStatus(context.WithoutCancel(ctx), inc, StatusEscalated)
			return resp, err
		}
		resp.Executions = append(resp.Executions, exec)
		if exec.Status != ExecutionCompleted {
			contained = false
		}
		if exec.Status == ExecutionCancelled {
			break
		}
	}

	if contained {
		e.setStatus(ctx, inc, StatusContained)
	} else {
		e.setStatus(context.WithoutCancel(ctx), inc, StatusEscalated)
	}
	span.SetAttributes(telemetry.AttrExecutionStatus.String(string(inc.Status)))
	return resp, nil
}

func (e *Engine) setStatus(ctx context.Context, inc *Incident, status Status) {
	inc.Status = status
	inc.UpdatedAt = time.Now().UTC()
	if e.recorder == nil {
		return
	}
	if err := e.recorder.SaveIncident(ctx, inc); err != nil {
		logging.IncidentWarn("failed to persist incident %s: %v", inc.ID, err)
	}
}

// ErrUnknownPlaybook is returned by ExecuteByID for unregistered ids.
var ErrUnknownPlaybook = errors.New("unknown playbook")

// ExecuteByID runs a registered playbook against inc.
func (e *Engine) ExecuteByID(ctx context.Context, id string, inc *Incident) (*Execution, error) {
	pb, ok := e.Playbook(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlaybook, id)
	}
	return e.Execute(ctx, pb, inc)
}
