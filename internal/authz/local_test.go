package authz

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lukhas/internal/capability"
	"lukhas/internal/policy"
)

const matrixYAML = `
version: "m1"
default: deny
modules:
  content:
    read:   {min_tier: T1}
    write:  {min_tier: T2, scopes: [content:write]}
    review: {min_tier: T4, scopes: [content:review]}
    "*":    {min_tier: T3}
  admin:
    "*":     {min_tier: T5}
    purge:   {min_tier: T1, effect: deny}
    inspect: {min_tier: T2, scopes: [admin:inspect, audit:read]}
`

func mustDoc(t *testing.T, src string) *policy.Document {
	t.Helper()
	doc, err := policy.Parse([]byte(src), policy.FormatYAML)
	require.NoError(t, err)
	return doc
}

func newLocal(t *testing.T) *LocalDecider {
	t.Helper()
	d, err := NewLocalDecider(mustDoc(t, matrixYAML))
	require.NoError(t, err)
	return d
}

func TestLocalDeciderMatrix(t *testing.T) {
	d := newLocal(t)

	tests := []struct {
		name   string
		req    Request
		allow  bool
		reason string
	}{
		{"read at T1", Request{Subject: "u", Tier: capability.T1, Module: "content", Action: "read"}, true, ReasonAllowed},
		{"write needs scope", Request{Subject: "u", Tier: capability.T2, Module: "content", Action: "write"}, false, ReasonMissingScope},
		{"write with scope", Request{Subject: "u", Tier: capability.T2, Scopes: []string{"content:write"}, Module: "content", Action: "write"}, true, ReasonAllowed},
		{"write with prefix wildcard", Request{Subject: "u", Tier: capability.T2, Scopes: []string{"content:*"}, Module: "content", Action: "write"}, true, ReasonAllowed},
		{"write below tier", Request{Subject: "u", Tier: capability.T1, Scopes: []string{"content:write"}, Module: "content", Action: "write"}, false, ReasonInsufficientTier},
		{"tier beats scope in precedence", Request{Subject: "u", Tier: capability.T1, Module: "content", Action: "review"}, false, ReasonInsufficientTier},
		{"wildcard action", Request{Subject: "u", Tier: capability.T3, Module: "content", Action: "archive"}, true, ReasonAllowed},
		{"wildcard action below tier", Request{Subject: "u", Tier: capability.T2, Module: "content", Action: "archive"}, false, ReasonInsufficientTier},
		{"exact rule shadows wildcard", Request{Subject: "u", Tier: capability.T1, Module: "content", Action: "read"}, true, ReasonAllowed},
		{"explicit deny beats tier", Request{Subject: "root", Tier: capability.T5, Scopes: []string{"*"}, Module: "admin", Action: "purge"}, false, ReasonExplicitDeny},
		{"all scopes required", Request{Subject: "u", Tier: capability.T2, Scopes: []string{"admin:inspect"}, Module: "admin", Action: "inspect"}, false, ReasonMissingScope},
		{"all scopes present", Request{Subject: "u", Tier: capability.T2, Scopes: []string{"admin:inspect", "audit:read"}, Module: "admin", Action: "inspect"}, true, ReasonAllowed},
		{"global scope wildcard", Request{Subject: "u", Tier: capability.T2, Scopes: []string{"*"}, Module: "admin", Action: "inspect"}, true, ReasonAllowed},
		{"unknown module", Request{Subject: "u", Tier: capability.T5, Module: "billing", Action: "read"}, false, ReasonNoMatchingRule},
		{"unknown tier", Request{Subject: "u", Tier: "T0", Module: "content", Action: "read"}, false, ReasonInsufficientTier},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := d.Decide(context.Background(), tc.req)
			require.NoError(t, err)
			assert.Equal(t, tc.allow, got.Allow)
			assert.Equal(t, tc.reason, got.Reason)
			assert.Equal(t, SourceLocal, got.Source)
			assert.Equal(t, "m1", got.PolicyVersion)
		})
	}
}

func TestLocalDeciderDefaultAllow(t *testing.T) {
	d, err := NewLocalDecider(mustDoc(t, `
default: allow
modules:
  content:
    write: {min_tier: T3}
`))
	require.NoError(t, err)

	got, err := d.Decide(context.Background(), Request{Subject: "u", Tier: capability.T1, Module: "chat", Action: "post"})
	require.NoError(t, err)
	assert.True(t, got.Allow)
	assert.Equal(t, ReasonDefaultAllow, got.Reason)

	got, err = d.Decide(context.Background(), Request{Subject: "u", Tier: capability.T1, Module: "content", Action: "write"})
	require.NoError(t, err)
	assert.False(t, got.Allow)
	assert.Equal(t, ReasonInsufficientTier, got.Reason)
}

func TestLocalDeciderReload(t *testing.T) {
	d := newLocal(t)
	req := Request{Subject: "u", Tier: capability.T1, Module: "chat", Action: "post"}

	got, err := d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, got.Allow)

	require.NoError(t, d.Load(mustDoc(t, `
version: "m2"
modules:
  chat:
    post: {min_tier: T1}
`)))
	assert.Equal(t, "m2", d.Version())

	got, err = d.Decide(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, got.Allow)
	assert.Equal(t, "m2", got.PolicyVersion)

	// The old rules are gone.
	got, err = d.Decide(context.Background(), Request{Subject: "u", Tier: capability.T1, Module: "content", Action: "read"})
	require.NoError(t, err)
	assert.False(t, got.Allow)
	assert.Equal(t, ReasonNoMatchingRule, got.Reason)
}

func TestLocalDeciderConcurrent(t *testing.T) {
	d := newLocal(t)
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tier := capability.T1
			if i%2 == 0 {
				tier = capability.T3
			}
			got, err := d.Decide(context.Background(), Request{Subject: "u", Tier: tier, Module: "content", Action: "archive"})
			assert.NoError(t, err)
			assert.Equal(t, tier == capability.T3, got.Allow)
		}(i)
	}
	wg.Wait()
}
