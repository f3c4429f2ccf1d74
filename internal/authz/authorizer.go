package authz

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lukhas/internal/capability"
	"lukhas/internal/logging"
	"lukhas/internal/telemetry"
)

// Result is what Authorize returns: the decision, the request it answered
// and the verified claims (nil when the token was rejected).
type Result struct {
	Decision
	Request  Request
	Claims   *capability.Claims
	Duration time.Duration
}

// TokenRejected reports whether the denial came from token verification.
func (r Result) TokenRejected() bool {
	return r.Source == SourceToken
}

// Authorizer verifies capability tokens and asks a Decider.
type Authorizer struct {
	verifier *capability.Verifier
	decider  Decider
	tracer   trace.Tracer
	sink     DecisionSink
	now      func() time.Time
}

// Option configures an Authorizer.
type Option func(*Authorizer)

// WithTracerProvider overrides the global tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(a *Authorizer) { a.tracer = tp.Tracer(telemetry.InstrumentationName) }
}

// WithDecisionSink appends every decision to sink.
func WithDecisionSink(sink DecisionSink) Option {
	return func(a *Authorizer) { a.sink = sink }
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(verifier *capability.Verifier, decider Decider, opts ...Option) *Authorizer {
	a := &Authorizer{
		verifier: verifier,
		decider:  decider,
		tracer:   telemetry.Tracer(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Authorize verifies token and decides module/action for its holder. Token
// failures are denials with reason "invalid_token:<kind>", not errors. The
// error is non-nil only when the decider failed, in which case the result is
// a deny with reason evaluation_error.
func (a *Authorizer) Authorize(ctx context.Context, token, module, action string) (Result, error) {
	claims, verr := a.verify(token)
	return a.decide(ctx, claims, verr, module, action)
}

// AuthorizeClaims decides for claims that were already verified.
func (a *Authorizer) AuthorizeClaims(ctx context.Context, claims *capability.Claims, module, action string) (Result, error) {
	return a.decide(ctx, claims, nil, module, action)
}

// Verify checks a token without deciding anything.
func (a *Authorizer) Verify(token string) (*capability.Claims, error) {
	return a.verify(token)
}

func (a *Authorizer) verify(token string) (*capability.Claims, error) {
	if token == "" {
		return nil, capability.ErrMissingToken
	}
	return a.verifier.Verify(token)
}

func (a *Authorizer) decide(ctx context.Context, claims *capability.Claims, verr error, module, action string) (Result, error) {
	start := a.now()
	ctx, span := a.tracer.Start(ctx, telemetry.SpanAuthzDecide, trace.WithAttributes(
		telemetry.AttrModule.String(module),
		telemetry.AttrAction.String(action),
	))
	defer span.End()

	res := Result{Request: Request{Module: module, Action: action}}

	var err error
	if verr != nil {
		res.Decision = Decision{Reason: ReasonInvalidTokenPrefix + capability.Kind(verr), Source: SourceToken}
	} else {
		res.Claims = claims
		res.Request = RequestFromClaims(claims, module, action)
		res.Decision, err = a.decider.Decide(ctx, res.Request)
		if err != nil {
			src := res.Decision.Source
			res.Decision = Decision{Reason: ReasonEvaluationError, Source: src, PolicyVersion: res.Decision.PolicyVersion}
			span.RecordError(err)
			span.SetStatus(codes.Error, "policy evaluation failed")
		}
	}
	res.Duration = a.now().Sub(start)

	span.SetAttributes(
		telemetry.AttrSubject.String(res.Request.Subject),
		telemetry.AttrTier.String(string(res.Request.Tier)),
		telemetry.AttrDecision.String(res.Effect()),
		telemetry.AttrReason.String(res.Reason),
		telemetry.AttrPolicySource.String(res.Source),
		telemetry.AttrPolicyVersion.String(res.PolicyVersion),
	)

	a.record(ctx, res, err)
	return res, err
}

func (a *Authorizer) record(ctx context.Context, res Result, evalErr error) {
	reqID := RequestID(ctx)

	event := logging.AuditEvent{
		EventType:  logging.AuditAuthzDeny,
		RequestID:  reqID,
		Subject:    res.Request.Subject,
		Target:     res.Request.Module,
		Action:     res.Request.Action,
		Success:    res.Allow,
		DurationMs: res.Duration.Milliseconds(),
		Fields: map[string]interface{}{
			"reason":  res.Reason,
			"source":  res.Source,
			"version": res.PolicyVersion,
		},
	}
	switch {
	case evalErr != nil:
		event.EventType = logging.AuditAuthzError
		event.Error = evalErr.Error()
	case res.Allow:
		event.EventType = logging.AuditAuthzAllow
	}
	logging.Audit(logging.CategoryAuthz).Log(event)

	if res.Allow {
		logging.AuthzDebug("allow %s %s.%s (%s)", res.Request.Subject, res.Request.Module, res.Request.Action, res.Source)
	} else {
		logging.Authz("deny %q %s.%s: %s (%s)", res.Request.Subject, res.Request.Module, res.Request.Action, res.Reason, res.Source)
	}

	if a.sink == nil {
		return
	}
	rec := DecisionRecord{
		ID:            uuid.NewString(),
		At:            a.now().UTC(),
		RequestID:     reqID,
		Subject:       res.Request.Subject,
		Tier:          string(res.Request.Tier),
		Module:        res.Request.Module,
		Action:        res.Request.Action,
		Allow:         res.Allow,
		Reason:        res.Reason,
		Source:        res.Source,
		PolicyVersion: res.PolicyVersion,
		DurationMs:    res.Duration.Milliseconds(),
	}
	if err := a.sink.AppendDecision(context.WithoutCancel(ctx), rec); err != nil {
		logging.AuthzWarn("failed to append decision %s: %v", rec.ID, err)
	}
}
