// Package capability issues and verifies capability tokens: HS256-signed JWTs
// carrying a subject, an access tier and a set of scopes.
package capability

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrMissingToken = errors.New("capability: missing token")
	ErrMalformed    = errors.New("capability: malformed token")
	ErrBadSignature = errors.New("capability: bad signature")
	ErrExpired      = errors.New("capability: token expired")
	ErrNotYetValid  = errors.New("capability: token not yet valid")
	ErrUnknownTier  = errors.New("capability: unknown tier")
	ErrWrongIssuer  = errors.New("capability: wrong issuer")
	ErrInvalid      = errors.New("capability: invalid token")
)

// Kind returns a short stable name for a verification error, used in deny reasons.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrMissingToken):
		return "missing"
	case errors.Is(err, ErrMalformed):
		return "malformed"
	case errors.Is(err, ErrBadSignature):
		return "signature"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrNotYetValid):
		return "not_yet_valid"
	case errors.Is(err, ErrUnknownTier):
		return "unknown_tier"
	case errors.Is(err, ErrWrongIssuer):
		return "issuer"
	default:
		return "invalid"
	}
}

// Claims are the capability claims carried by a token.
type Claims struct {
	Tier   Tier     `json:"tier"`
	Scopes []string `json:"scopes,omitempty"`
	jwt.RegisteredClaims
}

// Validate is called by the JWT parser after the registered claims pass.
func (c *Claims) Validate() error {
	if !c.Tier.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTier, c.Tier)
	}
	if c.Subject == "" {
		return fmt.Errorf("%w: empty subject", ErrInvalid)
	}
	return nil
}

// HasScope reports whether the claims grant scope. "*" grants everything and
// "module:*" grants every scope with that prefix.
func (c *Claims) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == "*" || s == scope {
			return true
		}
		if prefix, ok := strings.CutSuffix(s, ":*"); ok && strings.HasPrefix(scope, prefix+":") {
			return true
		}
	}
	return false
}

// Issuer signs capability tokens.
type Issuer struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewIssuer creates an issuer. The secret must be at least 16 bytes.
func NewIssuer(secret []byte, issuer string) (*Issuer, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("capability: secret must be at least 16 bytes")
	}
	return &Issuer{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Issue returns a signed token and the claims it carries.
func (i *Issuer) Issue(subject string, tier Tier, scopes []string, ttl time.Duration) (string, *Claims, error) {
	if subject == "" {
		return "", nil, fmt.Errorf("capability: subject required")
	}
	if !tier.Valid() {
		return "", nil, fmt.Errorf("%w: %q", ErrUnknownTier, tier)
	}
	if ttl <= 0 {
		return "", nil, fmt.Errorf("capability: ttl must be positive")
	}

	now := i.now().UTC().Truncate(time.Second)
	scopes = slices.Clone(scopes)
	slices.Sort(scopes)
	claims := &Claims{
		Tier:   tier,
		Scopes: slices.Compact(scopes),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", nil, fmt.Errorf("capability: sign: %w", err)
	}
	return signed, claims, nil
}

// Verifier checks capability tokens.
type Verifier struct {
	secret []byte
	issuer string
	leeway time.Duration
	now    func() time.Time
}

// NewVerifier creates a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret []byte, issuer string) *Verifier {
	return &Verifier{secret: secret, issuer: issuer, leeway: 5 * time.Second, now: time.Now}
}

// Verify parses and validates a token.
func (v *Verifier) Verify(token string) (*Claims, error) {
	if strings.TrimSpace(token) == "" {
		return nil, ErrMissingToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, classify(err)
	}
	return claims, nil
}

func classify(err error) error {
	switch {
	case errors.Is(err, ErrUnknownTier), errors.Is(err, ErrInvalid):
		return err
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %v", ErrExpired, err)
	case errors.Is(err, jwt.ErrTokenNotValidYet):
		return fmt.Errorf("%w: %v", ErrNotYetValid, err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer):
		return fmt.Errorf("%w: %v", ErrWrongIssuer, err)
	default:
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
}

// FromRequest extracts a bearer token from the Authorization header, falling
// back to the access_token query parameter for EventSource and WebSocket clients.
func FromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
			return "", ErrMalformed
		}
		return strings.TrimSpace(token), nil
	}
	if token := r.URL.Query().Get("access_token"); token != "" {
		return token, nil
	}
	return "", ErrMissingToken
}
