package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"lukhas/internal/authz"
	"lukhas/internal/capability"
	"lukhas/internal/config"
	"lukhas/internal/guardian"
	"lukhas/internal/incident"
	"lukhas/internal/policy"
	"lukhas/internal/store"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const apiPolicy = `
version: "api-test"
default: deny
modules:
  auth:
    me: {min_tier: T1}
  chat:
    read:  {min_tier: T1}
    write: {min_tier: T1, scopes: [chat:write]}
  content:
    read:   {min_tier: T1}
    write:  {min_tier: T1, scopes: [content:write]}
    review: {min_tier: T3, scopes: [content:review]}
  social:
    "*": {min_tier: T1}
  files:
    read:   {min_tier: T1}
    upload: {min_tier: T2}
  compliance:
    read: {min_tier: T4, scopes: [audit:read]}
  incident:
    "*": {min_tier: T3}
  guardian:
    read:   {min_tier: T2}
    record: {min_tier: T3}
`

var apiSecret = []byte("api-test-secret-0123456789")

type testAPI struct {
	t       *testing.T
	ts      *httptest.Server
	server  *Server
	store   *store.LocalStore
	issuer  *capability.Issuer
	engine  *incident.Engine
	monitor *guardian.Monitor
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()

	st, err := store.NewLocalStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	doc, err := policy.Parse([]byte(apiPolicy), policy.FormatYAML)
	require.NoError(t, err)
	decider, err := authz.NewLocalDecider(doc)
	require.NoError(t, err)
	issuer, err := capability.NewIssuer(apiSecret, "lukhas")
	require.NoError(t, err)
	authorizer := authz.NewAuthorizer(capability.NewVerifier(apiSecret, "lukhas"), decider, authz.WithDecisionSink(st))

	engine := incident.NewEngine(incident.Options{Recorder: st, Approver: incident.AutoApprover{}})
	require.NoError(t, engine.Register(&incident.Playbook{
		ID:          "contain-access",
		Name:        "Contain unauthorized access",
		Categories:  []incident.Category{incident.CategoryUnauthorizedAccess},
		MinSeverity: incident.SeverityMedium,
		Steps: []incident.Step{
			{ID: "block", Action: "block_ip"},
			{ID: "revoke", Action: "revoke_credentials", DependsOn: []string{"block"}},
		},
	}))

	monitor := guardian.NewMonitor(10, []guardian.Threshold{
		{Metric: "api.error_rate", Warn: 0.1, Critical: 0.5},
		{Metric: "authz.deny_rate", Warn: 0.25, Critical: 0.75},
	})

	srv, err := NewServer(config.ServerConfig{}, Deps{
		Store:      st,
		Authorizer: authorizer,
		Issuer:     issuer,
		Engine:     engine,
		Monitor:    monitor,
		TokenTTL:   time.Hour,
		Uploads:    config.UploadsConfig{Dir: t.TempDir(), MaxBytes: 4096},
		BcryptCost: bcrypt.MinCost,
	})
	require.NoError(t, err)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	t.Cleanup(srv.Hub().Close)

	return &testAPI{t: t, ts: ts, server: srv, store: st, issuer: issuer, engine: engine, monitor: monitor}
}

// do sends a JSON request and decodes a JSON response into out when out is
// non-nil. It returns the response with its body consumed.
func (a *testAPI) do(method, path, token string, body, out any) *http.Response {
	a.t.Helper()
	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(a.t, err)
		rdr = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, a.ts.URL+path, rdr)
	require.NoError(a.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := a.ts.Client().Do(req)
	require.NoError(a.t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(a.t, err)
	if out != nil && len(raw) > 0 {
		require.NoError(a.t, json.Unmarshal(raw, out), "body: %s", raw)
	}
	return resp
}

// register creates an account through the API and returns it.
func (a *testAPI) register(username string) *store.User {
	a.t.Helper()
	var user store.User
	resp := a.do(http.MethodPost, "/auth/register", "", map[string]string{
		"username": username,
		"email":    username + "@example.com",
		"password": "correct horse battery",
	}, &user)
	require.Equal(a.t, http.StatusCreated, resp.StatusCode)
	return &user
}

// login returns the token issued for username.
func (a *testAPI) login(username string) string {
	a.t.Helper()
	var out loginResponse
	resp := a.do(http.MethodPost, "/auth/login", "", map[string]string{
		"username": username,
		"password": "correct horse battery",
	}, &out)
	require.Equal(a.t, http.StatusOK, resp.StatusCode)
	return out.Token
}

// token mints a token for an existing user with an elevated tier.
func (a *testAPI) token(user *store.User, tier capability.Tier, scopes ...string) string {
	a.t.Helper()
	tok, _, err := a.issuer.Issue(user.ID, tier, scopes, time.Hour)
	require.NoError(a.t, err)
	return tok
}
