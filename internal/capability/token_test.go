package capability

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("test-secret-0123456789")

func newPair(t *testing.T) (*Issuer, *Verifier) {
	t.Helper()
	iss, err := NewIssuer(testSecret, "lukhas")
	require.NoError(t, err)
	return iss, NewVerifier(testSecret, "lukhas")
}

func TestIssueVerifyRoundTrip(t *testing.T) {
	iss, ver := newPair(t)

	token, issued, err := iss.Issue("alice", T3, []string{"content:write", "chat:read", "chat:read"}, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat:read", "content:write"}, issued.Scopes)
	assert.NotEmpty(t, issued.ID)

	claims, err := ver.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Subject)
	assert.Equal(t, T3, claims.Tier)
	assert.Equal(t, issued.ID, claims.ID)
	assert.True(t, claims.HasScope("content:write"))
	assert.False(t, claims.HasScope("content:review"))
}

func TestVerifyFailures(t *testing.T) {
	iss, ver := newPair(t)
	good, _, err := iss.Issue("alice", T2, nil, time.Hour)
	require.NoError(t, err)

	past := time.Now().Add(-2 * time.Hour)
	oldIssuer, _ := NewIssuer(testSecret, "lukhas")
	oldIssuer.now = func() time.Time { return past }
	expired, _, err := oldIssuer.Issue("alice", T2, nil, time.Minute)
	require.NoError(t, err)

	future := time.Now().Add(time.Hour)
	earlyIssuer, _ := NewIssuer(testSecret, "lukhas")
	earlyIssuer.now = func() time.Time { return future }
	early, _, err := earlyIssuer.Issue("alice", T2, nil, time.Hour)
	require.NoError(t, err)

	foreign, _ := NewIssuer([]byte("another-secret-abcdefgh"), "lukhas")
	forged, _, err := foreign.Issue("mallory", T5, []string{"*"}, time.Hour)
	require.NoError(t, err)

	otherIss, _ := NewIssuer(testSecret, "someone-else")
	wrongIssuer, _, err := otherIss.Issue("alice", T2, nil, time.Hour)
	require.NoError(t, err)

	badTier, err := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		Tier: "T9",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lukhas",
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(testSecret)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, &Claims{
		Tier: T5,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "lukhas",
			Subject:   "alice",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tampered := good[:len(good)-4] + "AAAA"

	tests := []struct {
		name  string
		token string
		want  error
		kind  string
	}{
		{"empty", "", ErrMissingToken, "missing"},
		{"garbage", "not.a.jwt", ErrMalformed, "malformed"},
		{"tampered", tampered, ErrBadSignature, "signature"},
		{"forged", forged, ErrBadSignature, "signature"},
		{"expired", expired, ErrExpired, "expired"},
		{"not yet valid", early, ErrNotYetValid, "not_yet_valid"},
		{"wrong issuer", wrongIssuer, ErrWrongIssuer, "issuer"},
		{"unknown tier", badTier, ErrUnknownTier, "unknown_tier"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ver.Verify(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.Equal(t, tt.kind, Kind(err))
		})
	}

	t.Run("alg none rejected", func(t *testing.T) {
		_, err := ver.Verify(none)
		require.Error(t, err)
		assert.NotEqual(t, "", Kind(err))
	})
}

func TestIssueValidation(t *testing.T) {
	iss, _ := newPair(t)

	_, _, err := iss.Issue("", T1, nil, time.Hour)
	assert.Error(t, err)
	_, _, err = iss.Issue("alice", "T0", nil, time.Hour)
	assert.ErrorIs(t, err, ErrUnknownTier)
	_, _, err = iss.Issue("alice", T1, nil, 0)
	assert.Error(t, err)

	_, err = NewIssuer([]byte("short"), "x")
	assert.Error(t, err)
}

func TestHasScopeWildcards(t *testing.T) {
	c := &Claims{Scopes: []string{"mcp:*"}}
	assert.True(t, c.HasScope("mcp:read_file"))
	assert.False(t, c.HasScope("mcpx:read_file"))
	assert.False(t, c.HasScope("content:write"))

	all := &Claims{Scopes: []string{"*"}}
	assert.True(t, all.HasScope("anything"))
}

func TestTiers(t *testing.T) {
	for i, tier := range Tiers {
		assert.Equal(t, i+1, tier.Rank())
	}
	parsed, err := ParseTier(" t4 ")
	require.NoError(t, err)
	assert.Equal(t, T4, parsed)

	parsed, err = ParseTier("2")
	require.NoError(t, err)
	assert.Equal(t, T2, parsed)

	_, err = ParseTier("T6")
	assert.ErrorIs(t, err, ErrUnknownTier)

	assert.True(t, T5.AtLeast(T3))
	assert.False(t, T2.AtLeast(T3))
	assert.False(t, Tier("X").AtLeast(T1))
}

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/x", nil)
	_, err := FromRequest(r)
	assert.ErrorIs(t, err, ErrMissingToken)

	r.Header.Set("Authorization", "Bearer abc.def.ghi")
	tok, err := FromRequest(r)
	require.NoError(t, err)
	assert.Equal(t, "abc.def.ghi", tok)

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	_, err = FromRequest(r)
	assert.ErrorIs(t, err, ErrMalformed)

	q := httptest.NewRequest("GET", "/sse?access_token=tok123", nil)
	tok, err = FromRequest(q)
	require.NoError(t, err)
	assert.Equal(t, "tok123", tok)
	assert.False(t, strings.Contains(tok, " "))
}
