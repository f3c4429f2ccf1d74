// Package authz decides whether a capability-token holder may perform an
// action in a module. Decisions come from the local matrix policy (evaluated
// in Mangle), from an Open Policy Agent instance, or from OPA with the local
// policy as fallback. Every decision is traced, audited and optionally
// appended to a decision log.
package authz

import (
	"context"
	"errors"
	"time"

	"lukhas/internal/capability"
)

// Deny reasons produced by the local policy and the Authorizer.
const (
	ReasonAllowed          = "allowed"
	ReasonDefaultAllow     = "default_allow"
	ReasonNoMatchingRule   = "no_matching_rule"
	ReasonExplicitDeny     = "explicit_deny"
	ReasonInsufficientTier = "insufficient_tier"
	ReasonMissingScope     = "missing_scope"
	ReasonEvaluationError  = "evaluation_error"
	ReasonPDPUnavailable   = "pdp_unavailable"
	ReasonOPAUndefined     = "opa_undefined"

	// ReasonInvalidTokenPrefix is followed by capability.Kind of the token error.
	ReasonInvalidTokenPrefix = "invalid_token:"
)

// Decision sources.
const (
	SourceLocal         = "local"
	SourceOPA           = "opa"
	SourceLocalFallback = "local_fallback"
	SourceFailClosed    = "fail_closed"
	SourceToken         = "token"
)

// ErrUnavailable marks a decider that could not be reached. FallbackDecider
// only falls back on errors wrapping it.
var ErrUnavailable = errors.New("authz: decision point unavailable")

// Request is one authorization question.
type Request struct {
	Subject string          `json:"subject"`
	Tier    capability.Tier `json:"tier"`
	Scopes  []string        `json:"scopes,omitempty"`
	Module  string          `json:"module"`
	Action  string          `json:"action"`
}

// RequestFromClaims builds a request for verified claims.
func RequestFromClaims(c *capability.Claims, module, action string) Request {
	return Request{
		Subject: c.Subject,
		Tier:    c.Tier,
		Scopes:  c.Scopes,
		Module:  module,
		Action:  action,
	}
}

// grants reports whether the request's scopes grant scope, using the same
// wildcard rules as capability tokens.
func (r Request) grants(scope string) bool {
	c := capability.Claims{Scopes: r.Scopes}
	return c.HasScope(scope)
}

// Decision is the answer to a Request.
type Decision struct {
	Allow         bool   `json:"allow"`
	Reason        string `json:"reason"`
	Source        string `json:"source"`
	PolicyVersion string `json:"policy_version,omitempty"`
}

// Effect returns "allow" or "deny".
func (d Decision) Effect() string {
	if d.Allow {
		return "allow"
	}
	return "deny"
}

// Decider evaluates authorization requests.
type Decider interface {
	Decide(ctx context.Context, req Request) (Decision, error)
}

// DecisionRecord is one entry of the decision log.
type DecisionRecord struct {
	ID            string    `json:"id"`
	At            time.Time `json:"at"`
	RequestID     string    `json:"request_id,omitempty"`
	Subject       string    `json:"subject"`
	Tier          string    `json:"tier"`
	Module        string    `json:"module"`
	Action        string    `json:"action"`
	Allow         bool      `json:"allow"`
	Reason        string    `json:"reason"`
	Source        string    `json:"source"`
	PolicyVersion string    `json:"policy_version,omitempty"`
	DurationMs    int64     `json:"duration_ms"`
}

// DecisionSink receives every decision the Authorizer makes.
type DecisionSink interface {
	AppendDecision(ctx context.Context, rec DecisionRecord) error
}

type ctxKey int

const (
	claimsKey ctxKey = iota
	requestIDKey
)

// WithClaims stores verified claims in ctx.
func WithClaims(ctx context.Context, c *capability.Claims) context.Context {
	return context.WithValue(ctx, claimsKey, c)
}

// ClaimsFromContext returns claims stored by the middleware.
func ClaimsFromContext(ctx context.Context) (*capability.Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*capability.Claims)
	return c, ok && c != nil
}

// WithRequestID stores a request id used to correlate decisions.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID returns the request id stored in ctx, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}
