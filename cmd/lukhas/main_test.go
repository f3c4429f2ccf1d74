package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"lukhas/internal/capability"
	"lukhas/internal/config"
	"lukhas/internal/incident"
	"lukhas/internal/store"
)

const testSecret = "cli-test-secret-0123456789"

// testConfig returns defaults pointed at the shipped policy and playbooks
// and at temp dirs for everything written.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	root := filepath.Join(dir, "shared")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "docs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "notes.txt"), []byte("hello lukhas\n"), 0o644))

	c := config.DefaultConfig()
	c.Authz.TokenSecret = testSecret
	c.Authz.PolicyPath = filepath.Join("..", "..", "policy", "matrix.yaml")
	c.Authz.HotReload = false
	c.Database.Path = filepath.Join(dir, "lukhas.db")
	c.Incident.PlaybookDir = filepath.Join("..", "..", "playbooks")
	c.Uploads.Dir = filepath.Join(dir, "uploads")
	c.MCP.Root = root
	c.Logging.AuditDir = ""
	return c
}

// setup installs the globals PersistentPreRunE would and resets every flag
// variable to its default.
func setup(t *testing.T) *config.Config {
	t.Helper()
	cfg = testConfig(t)
	logger = zap.NewNop()

	tokenSubject, tokenTier, tokenScopes, tokenTTL, tokenJSON = "", "T1", nil, 0, false
	checkToken, checkSubject, checkTier, checkScopes, checkJSON = "", "cli", "T1", nil, false
	incCategory, incSeverity, incSource, incDescription = "", "medium", "cli", ""
	incIndicators, incApprove, incPlaybooks, incRecord, incJSON, incWait = nil, "", "", false, false, 2*time.Minute
	mcpRoot, mcpListen, mcpURL, mcpToken, mcpTimeout, mcpJSON = "", "", "", "", 5*time.Second, false
	return cfg
}

// newCmd returns a command whose output is captured.
func newCmd(stdin string) (*cobra.Command, *bytes.Buffer) {
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	return cmd, &out
}

func TestBuildLogger(t *testing.T) {
	l, err := buildLogger(config.LoggingConfig{Level: "warn"}, false)
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, l.Core().Enabled(zapcore.WarnLevel))

	l, err = buildLogger(config.LoggingConfig{Level: "warn", Format: "console"}, true)
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	_, err = buildLogger(config.LoggingConfig{Level: "loud"}, false)
	assert.Error(t, err)
}

func TestParseIndicators(t *testing.T) {
	got, err := parseIndicators([]string{"ip=203.0.113.9", " subject = u-42 ", "note="})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"ip": "203.0.113.9", "subject": "u-42", "note": ""}, got)

	got, err = parseIndicators(nil)
	require.NoError(t, err)
	assert.Nil(t, got)

	_, err = parseIndicators([]string{"no-separator"})
	assert.Error(t, err)
	_, err = parseIndicators([]string{"=value"})
	assert.Error(t, err)
}

func TestTokenIssueAndInspect(t *testing.T) {
	setup(t)
	tokenSubject = "ops-bot"
	tokenTier = "T4"
	tokenScopes = []string{"audit:read"}

	cmd, out := newCmd("")
	require.NoError(t, runTokenIssue(cmd, nil))
	token := strings.TrimSpace(out.String())
	require.NotEmpty(t, token)

	cmd, out = newCmd("")
	require.NoError(t, runTokenInspect(cmd, []string{token}))
	var claims capability.Claims
	require.NoError(t, json.Unmarshal(out.Bytes(), &claims))
	assert.Equal(t, "ops-bot", claims.Subject)
	assert.Equal(t, capability.T4, claims.Tier)
	assert.Equal(t, []string{"audit:read"}, claims.Scopes)

	other, err := capability.NewIssuer([]byte("another-secret-0123456789"), cfg.Authz.TokenIssuer)
	require.NoError(t, err)
	forged, _, err := other.Issue("ops-bot", capability.T5, nil, time.Hour)
	require.NoError(t, err)
	cmd, _ = newCmd("")
	err = runTokenInspect(cmd, []string{forged})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "(signature)")
}

func TestTokenIssueValidation(t *testing.T) {
	setup(t)
	tokenSubject = "u1"
	tokenTier = "T9"
	cmd, _ := newCmd("")
	assert.ErrorIs(t, runTokenIssue(cmd, nil), capability.ErrUnknownTier)

	setup(t)
	cfg.Authz.TokenSecret = "short"
	tokenSubject = "u1"
	cmd, _ = newCmd("")
	assert.Error(t, runTokenIssue(cmd, nil))
}

func TestAuthzCheck(t *testing.T) {
	setup(t)
	checkTier = "T3"
	checkScopes = []string{"content:review"}
	checkJSON = true

	cmd, out := newCmd("")
	require.NoError(t, runAuthzCheck(cmd, []string{"content", "review"}))
	var res checkResult
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.True(t, res.Allow)
	assert.Equal(t, "allowed", res.Reason)
	assert.Equal(t, "local", res.Source)
	assert.Equal(t, "2026-10-01", res.PolicyVersion)

	cmd, out = newCmd("")
	err := runAuthzCheck(cmd, []string{"compliance", "read"})
	assert.ErrorIs(t, err, errDenied)
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.False(t, res.Allow)
	assert.Equal(t, "insufficient_tier", res.Reason)
}

func TestAuthzCheckWithToken(t *testing.T) {
	setup(t)
	issuer, err := capability.NewIssuer([]byte(testSecret), cfg.Authz.TokenIssuer)
	require.NoError(t, err)
	token, _, err := issuer.Issue("auditor", capability.T4, []string{"audit:read"}, time.Hour)
	require.NoError(t, err)

	checkToken = token
	cmd, out := newCmd("")
	require.NoError(t, runAuthzCheck(cmd, []string{"compliance", "read"}))
	assert.True(t, strings.HasPrefix(out.String(), "allow compliance.read for auditor (T4)"), out.String())

	checkToken = "not-a-token"
	cmd, out = newCmd("")
	assert.ErrorIs(t, runAuthzCheck(cmd, []string{"compliance", "read"}), errDenied)
	assert.Contains(t, out.String(), "invalid_token:")
}

func TestPolicyValidate(t *testing.T) {
	setup(t)
	cmd, out := newCmd("")
	require.NoError(t, runPolicyValidate(cmd, nil))
	assert.Contains(t, out.String(), "version 2026-10-01, default deny")
	assert.Contains(t, out.String(), "content:review")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("modules:\n  chat:\n    read: {min_tier: T7}\n"), 0o644))
	cmd, _ = newCmd("")
	err := runPolicyValidate(cmd, []string{bad})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown tier")
}

func TestPlaybookValidate(t *testing.T) {
	setup(t)
	cmd, out := newCmd("")
	require.NoError(t, runPlaybookValidate(cmd, nil))
	assert.Contains(t, out.String(), "contain-unauthorized-access")
	assert.Contains(t, out.String(), "guardian-anomaly")
	assert.Contains(t, out.String(), "5 playbooks valid")

	dir := t.TempDir()
	cyclic := filepath.Join(dir, "cycle.yaml")
	require.NoError(t, os.WriteFile(cyclic, []byte(`id: loop
name: Loop
categories: [dos]
steps:
  - {id: a, action: notify, depends_on: [b]}
  - {id: b, action: notify, depends_on: [a]}
`), 0o644))
	cmd, _ = newCmd("")
	assert.ErrorIs(t, runPlaybookValidate(cmd, []string{cyclic}), incident.ErrInvalidPlaybook)
}

func TestIncidentRunRecordsResponse(t *testing.T) {
	c := setup(t)
	incCategory = "unauthorized_access"
	incSeverity = "high"
	incIndicators = []string{"ip=203.0.113.9", "subject=u-42"}
	incApprove = "auto"
	incRecord = true
	incJSON = true

	cmd, out := newCmd("")
	require.NoError(t, runIncident(cmd, nil))

	var resp incident.Response
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp), out.String())
	assert.Equal(t, incident.StatusContained, resp.Incident.Status)
	require.Len(t, resp.Executions, 1)
	exec := resp.Executions[0]
	assert.Equal(t, "contain-unauthorized-access", exec.PlaybookID)
	assert.Equal(t, incident.ExecutionCompleted, exec.Status)
	revoke, ok := exec.Step("revoke")
	require.True(t, ok)
	assert.Equal(t, "u-42", revoke.Output["subject"])

	st, err := store.NewLocalStore(c.Database.Path)
	require.NoError(t, err)
	defer st.Close()
	saved, err := st.GetIncident(context.Background(), resp.Incident.ID)
	require.NoError(t, err)
	assert.Equal(t, incident.StatusContained, saved.Incident.Status)
	require.Len(t, saved.Executions, 1)
	assert.Len(t, saved.Executions[0].Steps, 5)
}

func TestIncidentRunPromptRejects(t *testing.T) {
	setup(t)
	incCategory = "data_exfiltration"
	incSeverity = "critical"
	incApprove = "prompt"
	incWait = 5 * time.Second

	cmd, out := newCmd("n\n")
	require.NoError(t, runIncident(cmd, nil))

	text := out.String()
	assert.Contains(t, text, "approve isolate (isolate_system) in playbook rotate-after-exfiltration")
	assert.Contains(t, text, "-> escalated")
	assert.Regexp(t, `rotate-after-exfiltration\s+isolate\s+isolate_system\s+rejected`, text)
	assert.Regexp(t, `rotate-after-exfiltration\s+rotate\s+rotate_keys\s+skipped`, text)
}

func TestIncidentRunNoMatch(t *testing.T) {
	setup(t)
	incCategory = "dos"
	incSeverity = "low"

	cmd, out := newCmd("")
	require.NoError(t, runIncident(cmd, nil))
	assert.Contains(t, out.String(), "no playbook matched")
	assert.Contains(t, out.String(), "-> escalated")
}

func TestIncidentRunRejectsBadInput(t *testing.T) {
	setup(t)
	incCategory = "phishing"
	cmd, _ := newCmd("")
	assert.Error(t, runIncident(cmd, nil))

	setup(t)
	incCategory = "malware"
	incApprove = "maybe"
	cmd, _ = newCmd("")
	assert.ErrorContains(t, runIncident(cmd, nil), "unknown approval mode")
}

func TestBuildEngineMissingDir(t *testing.T) {
	setup(t)
	ic := cfg.Incident
	ic.PlaybookDir = filepath.Join(t.TempDir(), "absent")
	engine, err := buildEngine(ic, incident.DenyApprover{}, nil)
	require.NoError(t, err)
	assert.Empty(t, engine.Playbooks())
}

func TestBuildDeciderOPAFallback(t *testing.T) {
	setup(t)
	ac := cfg.Authz
	ac.Mode = config.AuthzModeOPA
	ac.OPAURL = "http://127.0.0.1:1"
	ac.OPATimeout = "200ms"
	ac.FailOpen = true

	rt, err := buildDecider(context.Background(), ac, false)
	require.NoError(t, err)
	defer rt.Stop()
	require.NotNil(t, rt.local)

	checkTier = "T1"
	cfg.Authz = ac
	cmd, out := newCmd("")
	require.NoError(t, runAuthzCheck(cmd, []string{"chat", "read"}))
	assert.Contains(t, out.String(), "local_fallback")

	ac.FailOpen = false
	cfg.Authz = ac
	cmd, out = newCmd("")
	err = runAuthzCheck(cmd, []string{"chat", "read"})
	assert.True(t, errors.Is(err, errDenied))
	assert.Contains(t, out.String(), "pdp_unavailable")
}
