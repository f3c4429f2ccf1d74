package authz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"lukhas/internal/logging"
)

// OPADecider asks an Open Policy Agent data API for decisions.
type OPADecider struct {
	url    string
	client *http.Client
}

// NewOPADecider targets <baseURL>/v1/data/<decisionPath>. decisionPath may use
// dots or slashes ("lukhas.authz.allow" or "lukhas/authz/allow").
func NewOPADecider(baseURL, decisionPath string, timeout time.Duration) *OPADecider {
	path := strings.Trim(strings.ReplaceAll(decisionPath, ".", "/"), "/")
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &OPADecider{
		url:    strings.TrimRight(baseURL, "/") + "/v1/data/" + path,
		client: &http.Client{Timeout: timeout},
	}
}

// URL returns the decision endpoint.
func (o *OPADecider) URL() string { return o.url }

type opaInput struct {
	Subject  string   `json:"subject"`
	Tier     string   `json:"tier"`
	TierRank int      `json:"tier_rank"`
	Scopes   []string `json:"scopes"`
	Module   string   `json:"module"`
	Action   string   `json:"action"`
}

type opaResponse struct {
	Result     json.RawMessage `json:"result"`
	DecisionID string          `json:"decision_id,omitempty"`
}

type opaObjectResult struct {
	Allow   bool   `json:"allow"`
	Reason  string `json:"reason"`
	Version string `json:"version"`
}

// Decide implements Decider. Transport failures and non-2xx responses wrap
// ErrUnavailable.
func (o *OPADecider) Decide(ctx context.Context, req Request) (Decision, error) {
	scopes := req.Scopes
	if scopes == nil {
		scopes = []string{}
	}
	body, err := json.Marshal(map[string]opaInput{"input": {
		Subject:  req.Subject,
		Tier:     string(req.Tier),
		TierRank: req.Tier.Rank(),
		Scopes:   scopes,
		Module:   req.Module,
		Action:   req.Action,
	}})
	if err != nil {
		return Decision{}, fmt.Errorf("failed to encode OPA input: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.url, bytes.NewReader(body))
	if err != nil {
		return Decision{}, fmt.Errorf("failed to build OPA request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return Decision{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Decision{}, fmt.Errorf("%w: reading response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Decision{}, fmt.Errorf("%w: OPA returned %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var parsed opaResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return Decision{}, fmt.Errorf("failed to decode OPA response: %w", err)
	}
	return interpretOPA(parsed)
}

// interpretOPA accepts a bare boolean result or an object with allow/reason.
// An undefined result denies.
func interpretOPA(resp opaResponse) (Decision, error) {
	d := Decision{Source: SourceOPA, PolicyVersion: resp.DecisionID}

	raw := bytes.TrimSpace(resp.Result)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		d.Reason = ReasonOPAUndefined
		return d, nil
	}

	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		d.Allow = b
		if b {
			d.Reason = ReasonAllowed
		} else {
			d.Reason = "opa_deny"
		}
		return d, nil
	}

	var obj opaObjectResult
	if err := json.Unmarshal(raw, &obj); err != nil {
		return d, fmt.Errorf("unexpected OPA result %s", string(raw))
	}
	d.Allow = obj.Allow
	d.Reason = obj.Reason
	if d.Reason == "" {
		if obj.Allow {
			d.Reason = ReasonAllowed
		} else {
			d.Reason = "opa_deny"
		}
	}
	if obj.Version != "" {
		d.PolicyVersion = obj.Version
	}
	logging.AuthzDebug("opa decision allow=%v reason=%s", d.Allow, d.Reason)
	return d, nil
}
