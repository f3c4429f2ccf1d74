package incident

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"lukhas/internal/logging"
	"lukhas/internal/telemetry"
)

type stepOutcome struct {
	id     string
	result StepResult
}

// run holds the scheduler state of one execution. Only the scheduling
// goroutine touches it; workers report back through done.
type run struct {
	pb         *Playbook
	inc        *Incident
	steps      map[string]Step
	waiting    map[string]int      // unfinished dependencies per step
	dependents map[string][]string // reverse edges
	results    map[string]*StepResult
	started    map[string]bool
}

// Execute runs pb against inc. A step starts once every dependency
// succeeded (or failed with continue_on_error). Ready steps run concurrently,
// bounded by MaxParallel, and each step runs at most once. A failed or
// rejected step skips its transitive dependents unless it is marked
// continue_on_error. The returned error is non-nil only for invalid playbooks.
func (e *Engine) Execute(ctx context.Context, pb *Playbook, inc *Incident) (*Execution, error) {
	if err := Validate(pb, e.actions); err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:         uuid.NewString(),
		IncidentID: inc.ID,
		PlaybookID: pb.ID,
		StartedAt:  time.Now().UTC(),
	}

	ctx, span := e.tracer.Start(ctx, telemetry.SpanPlaybookExecute, trace.WithAttributes(
		telemetry.AttrIncidentID.String(inc.ID),
		telemetry.AttrPlaybook.String(pb.ID),
	))
	defer span.End()

	r := &run{
		pb:         pb,
		inc:        inc,
		steps:      make(map[string]Step, len(pb.Steps)),
		waiting:    make(map[string]int, len(pb.Steps)),
		dependents: make(map[string][]string, len(pb.Steps)),
		results:    make(map[string]*StepResult, len(pb.Steps)),
		started:    make(map[string]bool, len(pb.Steps)),
	}
	for _, s := range pb.Steps {
		r.steps[s.ID] = s
		r.waiting[s.ID] = len(s.DependsOn)
		r.results[s.ID] = &StepResult{StepID: s.ID, Action: s.Action, Status: StepPending}
		for _, dep := range s.DependsOn {
			r.dependents[dep] = append(r.dependents[dep], s.ID)
		}
	}

	logging.Incident("executing playbook %s for incident %s (%d steps, parallel=%d)", pb.ID, inc.ID, len(pb.Steps), e.maxParallel)

	// done is buffered for every step so workers never block on report.
	done := make(chan stepOutcome, len(pb.Steps))
	var g errgroup.Group
	g.SetLimit(e.maxParallel)
	inflight := 0

	launch := func(id string) {
		if r.started[id] {
			return
		}
		r.started[id] = true
		if ctx.Err() != nil {
			r.results[id].Status = StepCancelled
			return
		}
		r.results[id].Status = StepRunning
		step := r.steps[id]
		inflight++
		g.Go(func() error {
			done <- stepOutcome{id: step.ID, result: e.runStep(ctx, pb, inc, step)}
			return nil
		})
	}

	for _, s := range pb.Steps {
		if r.waiting[s.ID] == 0 {
			launch(s.ID)
		}
	}

	for inflight > 0 {
		out := <-done
		inflight--
		*r.results[out.id] = out.result

		step := r.steps[out.id]
		proceed := out.result.Status == StepSucceeded ||
			(step.ContinueOnError && (out.result.Status == StepFailed || out.result.Status == StepRejected))

		if !proceed {
			r.skipDependents(out.id)
			continue
		}
		for _, d := range r.dependents[out.id] {
			r.waiting[d]--
			if r.waiting[d] == 0 && r.results[d].Status == StepPending {
				launch(d)
			}
		}
	}
	_ = g.Wait()

	// Anything never reached was blocked by cancellation.
	for _, s := range pb.Steps {
		if r.results[s.ID].Status == StepPending {
			r.results[s.ID].Status = StepCancelled
		}
	}

	for _, s := range pb.Steps {
		exec.Steps = append(exec.Steps, *r.results[s.ID])
	}
	exec.FinishedAt = time.Now().UTC()
	exec.Status = summarize(exec.Steps, ctx.Err() != nil)

	span.SetAttributes(telemetry.AttrExecutionStatus.String(string(exec.Status)))
	if exec.Status != ExecutionCompleted {
		span.SetStatus(codes.Error, "playbook "+string(exec.Status))
	}
	logging.Incident("playbook %s for incident %s finished: %s", pb.ID, inc.ID, exec.Status)

	if e.recorder != nil {
		if err := e.recorder.SaveExecution(context.WithoutCancel(ctx), exec); err != nil {
			logging.IncidentWarn("failed to persist execution %s: %v", exec.ID, err)
		}
	}
	return exec, nil
}

// skipDependents marks every transitive dependent of id as skipped. Steps
// already cancelled keep that status.
func (r *run) skipDependents(id string) {
	for _, d := range r.dependents[id] {
		res := r.results[d]
		if res.Status != StepPending {
			continue
		}
		r.started[d] = true
		res.Status = StepSkipped
		res.Error = fmt.Sprintf("dependency %s did not succeed", id)
		auditStep(logging.AuditStepSkipped, r.inc, r.pb, r.steps[d], false, res.Error)
		logging.IncidentDebug("step %s skipped: dependency %s did not succeed", d, id)
		r.skipDependents(d)
	}
}

// summarize derives the execution status from step results.
func summarize(steps []StepResult, cancelled bool) ExecutionStatus {
	succeeded := 0
	for _, s := range steps {
		if s.Status == StepSucceeded {
			succeeded++
		}
	}
	switch {
	case cancelled && succeeded < len(steps):
		return ExecutionCancelled
	case succeeded == len(steps):
		return ExecutionCompleted
	case succeeded == 0:
		return ExecutionFailed
	default:
		return ExecutionPartial
	}
}

// runStep performs approval and the action for one step.
func (e *Engine) runStep(ctx context.Context, pb *Playbook, inc *Incident, step Step) StepResult {
	res := StepResult{StepID: step.ID, Action: step.Action, StartedAt: time.Now().UTC()}

	ctx, span := e.tracer.Start(ctx, telemetry.SpanPlaybookStep, trace.WithAttributes(
		telemetry.AttrIncidentID.String(inc.ID),
		telemetry.AttrPlaybook.String(pb.ID),
		telemetry.AttrStep.String(step.ID),
		telemetry.AttrStepAction.String(step.Action),
	))
	defer func() {
		span.SetAttributes(telemetry.AttrStepStatus.String(string(res.Status)))
		if res.Status != StepSucceeded {
			span.SetStatus(codes.Error, res.Error)
		}
		span.End()
	}()

	finish := func(status StepStatus, err error) StepResult {
		res.Status = status
		res.FinishedAt = time.Now().UTC()
		if err != nil {
			res.Error = err.Error()
			span.RecordError(err)
		}
		return res
	}

	if step.RequiresApproval {
		approved, err := e.approver.Approve(ctx, ApprovalRequest{
			ID:         uuid.NewString(),
			IncidentID: inc.ID,
			PlaybookID: pb.ID,
			StepID:     step.ID,
			Action:     step.Action,
			Severity:   inc.Severity,
			AskedAt:    time.Now().UTC(),
		})
		msg := "approved"
		if err != nil {
			msg = err.Error()
		} else if !approved {
			msg = "rejected"
		}
		auditStep(logging.AuditStepApproval, inc, pb, step, err == nil && approved, msg)
		if err != nil || !approved {
			if err == nil {
				err = errors.New("approval rejected")
			}
			logging.IncidentWarn("step %s/%s not approved: %v", pb.ID, step.ID, err)
			return finish(StepRejected, err)
		}
	}

	fn, ok := e.actions.Get(step.Action)
	if !ok {
		return finish(StepFailed, fmt.Errorf("unknown action %q", step.Action))
	}

	auditStep(logging.AuditStepStart, inc, pb, step, true, "")
	stepCtx, cancel := context.WithTimeout(ctx, step.GetTimeout(e.stepTimeout))
	defer cancel()

	output, err := callAction(stepCtx, fn, inc, step)
	res.Output = output
	// An action that ignored its own deadline still failed.
	if err == nil && ctx.Err() == nil && stepCtx.Err() != nil {
		err = stepCtx.Err()
	}
	if err != nil {
		auditStep(logging.AuditStepFailed, inc, pb, step, false, err.Error())
		logging.IncidentWarn("step %s/%s failed: %v", pb.ID, step.ID, err)
		return finish(StepFailed, err)
	}

	auditStep(logging.AuditStepComplete, inc, pb, step, true, "")
	return finish(StepSucceeded, nil)
}

// callAction runs fn, turning a panic into an error.
func callAction(ctx context.Context, fn ActionFunc, inc *Incident, step Step) (out map[string]string, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("action %s panicked: %v", step.Action, p)
		}
	}()
	return fn(ctx, inc, step)
}

func auditStep(kind logging.AuditEventType, inc *Incident, pb *Playbook, step Step, success bool, msg string) {
	ev := logging.AuditEvent{
		EventType: kind,
		Target:    step.ID,
		Action:    step.Action,
		Success:   success,
		Message:   msg,
		Fields: map[string]interface{}{
			"incident": inc.ID,
			"playbook": pb.ID,
		},
	}
	if !success {
		ev.Error = msg
	}
	logging.Audit(logging.CategoryIncident).Log(ev)
}
