package authz

import (
	"encoding/json"
	"net/http"

	"lukhas/internal/capability"
	"lukhas/internal/logging"
)

// Route maps a ServeMux pattern ("POST /content/{id}/review") to the module
// and action it is authorized as.
type Route struct {
	Pattern string
	Module  string
	Action  string
}

// Resolver maps a request to a module and action. ok=false means the request
// needs no authorization.
type Resolver func(r *http.Request) (module, action string, ok bool)

// RouteTable resolves requests with the same pattern matching as
// http.ServeMux, so the table and the router can never disagree on which
// pattern a request hits.
type RouteTable struct {
	mux    *http.ServeMux
	routes map[string]Route
}

// NewRouteTable builds a table. It panics on duplicate or malformed patterns,
// as ServeMux does.
func NewRouteTable(routes ...Route) *RouteTable {
	t := &RouteTable{mux: http.NewServeMux(), routes: make(map[string]Route, len(routes))}
	for _, r := range routes {
		t.mux.Handle(r.Pattern, http.NotFoundHandler())
		t.routes[r.Pattern] = r
	}
	return t
}

// Resolve implements Resolver.
func (t *RouteTable) Resolve(r *http.Request) (string, string, bool) {
	_, pattern := t.mux.Handler(r)
	route, ok := t.routes[pattern]
	if !ok {
		return "", "", false
	}
	return route.Module, route.Action, true
}

// Routes returns the configured routes.
func (t *RouteTable) Routes() []Route {
	out := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, r)
	}
	return out
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

func writeDenied(w http.ResponseWriter, status int, code, message, reason string) {
	w.Header().Set("Content-Type", "application/json")
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="lukhas"`)
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: code, Message: message, Reason: reason})
}

// Middleware authorizes every request resolve recognizes. Token failures get
// 401, policy denials 403 and evaluation failures 500. Allowed requests carry
// their claims in the request context.
func (a *Authorizer) Middleware(resolve Resolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			module, action, ok := resolve(r)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			token, terr := capability.FromRequest(r)
			var (
				res Result
				err error
			)
			if terr != nil {
				res, err = a.decide(r.Context(), nil, terr, module, action)
			} else {
				res, err = a.Authorize(r.Context(), token, module, action)
			}

			switch {
			case err != nil:
				logging.Get(logging.CategoryAuthz).Errorw("authorization failed", "module", module, "action", action, "error", err)
				writeDenied(w, http.StatusInternalServerError, "authz_error", "authorization could not be evaluated", res.Reason)
				return
			case res.TokenRejected():
				writeDenied(w, http.StatusUnauthorized, "unauthorized", "a valid capability token is required", res.Reason)
				return
			case !res.Allow:
				writeDenied(w, http.StatusForbidden, "forbidden", "not permitted: "+module+"."+action, res.Reason)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), res.Claims)))
		})
	}
}
