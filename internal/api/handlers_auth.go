package api

import (
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"lukhas/internal/authz"
	"lukhas/internal/capability"
	"lukhas/internal/logging"
	"lukhas/internal/store"
)

// defaultScopes are granted to self-registered accounts.
var defaultScopes = []string{"chat:write", "content:write", "social:follow"}

var usernamePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{3,32}$`)

const minPasswordLen = 8

// dummyHash is compared against when a login names an unknown account, so
// both paths cost one bcrypt comparison.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("lukhas-dummy-password"), bcrypt.MinCost)

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (req registerRequest) validate() error {
	switch {
	case !usernamePattern.MatchString(req.Username):
		return errors.New("username must be 3-32 letters, digits, '.', '_' or '-'")
	case !strings.Contains(req.Email, "@") || len(req.Email) > 254:
		return errors.New("email is invalid")
	case len(req.Password) < minPasswordLen:
		return errors.New("password must be at least 8 characters")
	case len(req.Password) > 72:
		return errors.New("password must be at most 72 bytes")
	}
	return nil
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := ReadJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := req.validate(); err != nil {
		WriteError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.deps.BcryptCost)
	if err != nil {
		logging.APIError("password hash failed: %v", err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "could not hash password")
		return
	}

	user := &store.User{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: string(hash),
		Tier:         string(capability.T1),
		Scopes:       append([]string(nil), defaultScopes...),
	}
	if err := s.deps.Store.CreateUser(r.Context(), user); err != nil {
		writeStoreError(w, r, "user", err)
		return
	}

	logging.API("registered user %s (%s)", user.Username, user.ID)
	WriteJSON(w, http.StatusCreated, user)
}

type loginRequest struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username,omitempty"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string      `json:"token"`
	TokenType string      `json:"token_type"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      *store.User `json:"user"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := ReadJSON(w, r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if (req.Email == "") == (req.Username == "") {
		WriteError(w, http.StatusBadRequest, "bad_request", "give exactly one of email or username")
		return
	}

	var (
		user *store.User
		err  error
	)
	if req.Email != "" {
		user, err = s.deps.Store.GetUserByEmail(r.Context(), req.Email)
	} else {
		user, err = s.deps.Store.GetUserByUsername(r.Context(), req.Username)
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		writeStoreError(w, r, "user", err)
		return
	}

	hash := dummyHash
	if user != nil {
		hash = []byte(user.PasswordHash)
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(req.Password)) != nil || user == nil {
		WriteError(w, http.StatusUnauthorized, "invalid_credentials", "unknown account or wrong password")
		return
	}

	tier, err := capability.ParseTier(user.Tier)
	if err != nil {
		logging.APIError("user %s has invalid tier %q", user.ID, user.Tier)
		WriteError(w, http.StatusInternalServerError, "internal_error", "account tier is invalid")
		return
	}
	token, claims, err := s.deps.Issuer.Issue(user.ID, tier, user.Scopes, s.deps.TokenTTL)
	if err != nil {
		logging.APIError("token issue failed for %s: %v", user.ID, err)
		WriteError(w, http.StatusInternalServerError, "internal_error", "could not issue token")
		return
	}

	WriteJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresAt: claims.ExpiresAt.Time,
		User:      user,
	})
}

type meResponse struct {
	User   *store.User `json:"user"`
	Tier   string      `json:"tier"`
	Scopes []string    `json:"scopes"`
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := authz.ClaimsFromContext(r.Context())
	if !ok {
		WriteError(w, http.StatusUnauthorized, "unauthorized", "a valid capability token is required")
		return
	}
	user, err := s.deps.Store.GetUserByID(r.Context(), claims.Subject)
	if err != nil {
		writeStoreError(w, r, "user", err)
		return
	}
	WriteJSON(w, http.StatusOK, meResponse{User: user, Tier: string(claims.Tier), Scopes: claims.Scopes})
}

// subject returns the authenticated subject of r. Only called on routes the
// authorization middleware guards.
func subject(r *http.Request) string {
	if c, ok := authz.ClaimsFromContext(r.Context()); ok {
		return c.Subject
	}
	return ""
}
