package authz

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/codes"

	"lukhas/internal/capability"
	"lukhas/internal/logging"
	"lukhas/internal/telemetry"
)

var secret = []byte("authz-test-secret-0123")

type memorySink struct {
	mu   sync.Mutex
	recs []DecisionRecord
}

func (m *memorySink) AppendDecision(_ context.Context, rec DecisionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs = append(m.recs, rec)
	return nil
}

type AuthorizerSuite struct {
	suite.Suite
	rec    *telemetry.Recorder
	sink   *memorySink
	issuer *capability.Issuer
	authz  *Authorizer
	audit  []logging.AuditEvent
}

func (s *AuthorizerSuite) SetupTest() {
	s.rec = telemetry.NewRecorder()
	s.sink = &memorySink{}
	s.audit = nil
	logging.SetAuditHook(func(ev logging.AuditEvent) { s.audit = append(s.audit, ev) })

	iss, err := capability.NewIssuer(secret, "lukhas")
	s.Require().NoError(err)
	s.issuer = iss

	local, err := NewLocalDecider(mustDoc(s.T(), matrixYAML))
	s.Require().NoError(err)
	s.authz = NewAuthorizer(capability.NewVerifier(secret, "lukhas"), local,
		WithTracerProvider(s.rec.Provider), WithDecisionSink(s.sink))
}

func (s *AuthorizerSuite) TearDownTest() {
	logging.SetAuditHook(nil)
	s.NoError(s.rec.Shutdown())
}

func (s *AuthorizerSuite) token(tier capability.Tier, scopes ...string) string {
	tok, _, err := s.issuer.Issue("alice", tier, scopes, time.Hour)
	s.Require().NoError(err)
	return tok
}

func (s *AuthorizerSuite) TestAllowEmitsSpanAuditAndRecord() {
	ctx := WithRequestID(context.Background(), "req-1")
	res, err := s.authz.Authorize(ctx, s.token(capability.T2, "content:write"), "content", "write")
	s.Require().NoError(err)
	s.True(res.Allow)
	s.Equal("alice", res.Claims.Subject)

	spans := s.rec.Named(telemetry.SpanAuthzDecide)
	s.Require().Len(spans, 1)
	attrs := telemetry.Attrs(spans[0])
	s.Equal("alice", attrs["lukhas.subject"].AsString())
	s.Equal("T2", attrs["lukhas.tier"].AsString())
	s.Equal("content", attrs["lukhas.module"].AsString())
	s.Equal("write", attrs["lukhas.action"].AsString())
	s.Equal("allow", attrs["lukhas.decision"].AsString())
	s.Equal(ReasonAllowed, attrs["lukhas.reason"].AsString())
	s.Equal(SourceLocal, attrs["lukhas.policy.source"].AsString())
	s.Equal("m1", attrs["lukhas.policy.version"].AsString())
	s.Equal(codes.Unset, spans[0].Status().Code)

	s.Require().Len(s.sink.recs, 1)
	s.Equal("req-1", s.sink.recs[0].RequestID)
	s.True(s.sink.recs[0].Allow)

	s.Require().Len(s.audit, 1)
	s.Equal(logging.AuditAuthzAllow, s.audit[0].EventType)
	s.Contains(s.audit[0].MangleFact, `authz_decision(`)
}

func (s *AuthorizerSuite) TestPolicyDeny() {
	res, err := s.authz.Authorize(context.Background(), s.token(capability.T1), "content", "review")
	s.Require().NoError(err)
	s.False(res.Allow)
	s.Equal(ReasonInsufficientTier, res.Reason)
	s.False(res.TokenRejected())

	attrs := telemetry.Attrs(s.rec.Named(telemetry.SpanAuthzDecide)[0])
	s.Equal("deny", attrs["lukhas.decision"].AsString())
	s.Equal(logging.AuditAuthzDeny, s.audit[0].EventType)
}

func (s *AuthorizerSuite) TestTokenFailuresAreDenials() {
	cases := map[string]string{
		"":            ReasonInvalidTokenPrefix + "missing",
		"not-a-token": ReasonInvalidTokenPrefix + "malformed",
	}
	for token, reason := range cases {
		res, err := s.authz.Authorize(context.Background(), token, "content", "read")
		s.Require().NoError(err)
		s.False(res.Allow)
		s.True(res.TokenRejected())
		s.Equal(reason, res.Reason)
		s.Nil(res.Claims)
	}
	s.Len(s.rec.Named(telemetry.SpanAuthzDecide), 2)
	s.Len(s.sink.recs, 2)
}

func (s *AuthorizerSuite) TestEvaluationErrorMarksSpan() {
	a := NewAuthorizer(capability.NewVerifier(secret, "lukhas"),
		&stubDecider{err: errors.New("kernel exploded"), d: Decision{Source: SourceLocal}},
		WithTracerProvider(s.rec.Provider))

	res, err := a.Authorize(context.Background(), s.token(capability.T5), "content", "read")
	s.Require().Error(err)
	s.False(res.Allow)
	s.Equal(ReasonEvaluationError, res.Reason)

	span := s.rec.Named(telemetry.SpanAuthzDecide)[0]
	s.Equal(codes.Error, span.Status().Code)
	s.NotEmpty(span.Events(), "error recorded as span event")
	s.Equal(logging.AuditAuthzError, s.audit[0].EventType)
}

func TestAuthorizerSuite(t *testing.T) {
	suite.Run(t, new(AuthorizerSuite))
}

func TestRouteTable(t *testing.T) {
	table := NewRouteTable(
		Route{Pattern: "GET /content/{id}", Module: "content", Action: "read"},
		Route{Pattern: "POST /content/{id}/review", Module: "content", Action: "review"},
		Route{Pattern: "GET /files/", Module: "files", Action: "read"},
	)

	tests := []struct {
		method, path   string
		module, action string
		ok             bool
	}{
		{"GET", "/content/42", "content", "read", true},
		{"POST", "/content/42/review", "content", "review", true},
		{"GET", "/files/a/b.txt", "files", "read", true},
		{"DELETE", "/content/42", "", "", false},
		{"GET", "/healthz", "", "", false},
	}
	for _, tc := range tests {
		r := httptest.NewRequest(tc.method, tc.path, nil)
		module, action, ok := table.Resolve(r)
		assert.Equal(t, tc.ok, ok, "%s %s", tc.method, tc.path)
		assert.Equal(t, tc.module, module)
		assert.Equal(t, tc.action, action)
	}
	assert.Len(t, table.Routes(), 3)
}

func TestMiddleware(t *testing.T) {
	iss, err := capability.NewIssuer(secret, "lukhas")
	require.NoError(t, err)
	local, err := NewLocalDecider(mustDoc(t, matrixYAML))
	require.NoError(t, err)
	a := NewAuthorizer(capability.NewVerifier(secret, "lukhas"), local)

	table := NewRouteTable(
		Route{Pattern: "POST /content", Module: "content", Action: "write"},
	)
	var seen *capability.Claims
	h := a.Middleware(table.Resolve)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	writer, _, err := iss.Issue("alice", capability.T2, []string{"content:write"}, time.Hour)
	require.NoError(t, err)
	reader, _, err := iss.Issue("bob", capability.T2, nil, time.Hour)
	require.NoError(t, err)

	do := func(method, path, token string) *httptest.ResponseRecorder {
		r := httptest.NewRequest(method, path, nil)
		if token != "" {
			r.Header.Set("Authorization", "Bearer "+token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, r)
		return w
	}

	w := do("POST", "/content", writer)
	assert.Equal(t, http.StatusNoContent, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "alice", seen.Subject)

	w = do("POST", "/content", reader)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.JSONEq(t, `{"error":"forbidden","message":"not permitted: content.write","reason":"missing_scope"}`, w.Body.String())

	w = do("POST", "/content", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_token:missing")
	assert.NotEmpty(t, w.Header().Get("WWW-Authenticate"))

	seen = nil
	w = do("GET", "/healthz", "")
	assert.Equal(t, http.StatusNoContent, w.Code, "unmapped routes pass through")
	assert.Nil(t, seen)
}
