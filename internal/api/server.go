// Package api serves the lukhas REST API: accounts, chat, content review,
// social graph, uploads, compliance records, incidents and guardian metrics.
package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/net/netutil"

	"lukhas/internal/authz"
	"lukhas/internal/capability"
	"lukhas/internal/config"
	"lukhas/internal/guardian"
	"lukhas/internal/incident"
	"lukhas/internal/logging"
	"lukhas/internal/store"
)

// Deps are the services the API is built on. Engine and Monitor are
// optional; their routes answer 503 without them.
type Deps struct {
	Store      *store.LocalStore
	Authorizer *authz.Authorizer
	Issuer     *capability.Issuer
	Engine     *incident.Engine
	Monitor    *guardian.Monitor

	TokenTTL   time.Duration
	Uploads    config.UploadsConfig
	BcryptCost int // 0 means bcrypt.DefaultCost
}

// Server is the REST API server.
type Server struct {
	cfg    config.ServerConfig
	deps   Deps
	routes *authz.RouteTable
	hub    *Hub
	stats  requestStats

	mu         sync.Mutex
	httpServer *http.Server
	lastSample struct{ requests, serverErrors, denied int64 }
}

// NewServer creates a server.
func NewServer(cfg config.ServerConfig, deps Deps) (*Server, error) {
	if deps.Store == nil || deps.Authorizer == nil || deps.Issuer == nil {
		return nil, errors.New("api: store, authorizer and issuer are required")
	}
	if deps.TokenTTL <= 0 {
		deps.TokenTTL = time.Hour
	}
	if deps.BcryptCost == 0 {
		deps.BcryptCost = bcrypt.DefaultCost
	}
	if deps.Uploads.MaxBytes <= 0 {
		deps.Uploads.MaxBytes = 10 << 20
	}
	return &Server{
		cfg:    cfg,
		deps:   deps,
		routes: NewRouteTable(),
		hub:    NewHub(),
	}, nil
}

// Routes returns the authorization table for the protected routes.
func (s *Server) Routes() *authz.RouteTable {
	return s.routes
}

// Hub returns the chat broadcast hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the full middleware chain around the router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /openapi.json", handleOpenAPI)

	mux.HandleFunc("POST /auth/register", s.handleRegister)
	mux.HandleFunc("POST /auth/login", s.handleLogin)
	mux.HandleFunc("GET /auth/me", s.handleMe)

	mux.HandleFunc("GET /chat/rooms/{room}/messages", s.handleListMessages)
	mux.HandleFunc("POST /chat/rooms/{room}/messages", s.handlePostMessage)
	mux.HandleFunc("GET /chat/rooms/{room}/ws", s.handleChatSocket)

	mux.HandleFunc("POST /content", s.handleCreateContent)
	mux.HandleFunc("GET /content", s.handleListContent)
	mux.HandleFunc("GET /content/{id}", s.handleGetContent)
	mux.HandleFunc("POST /content/{id}/review", s.handleReviewContent)

	mux.HandleFunc("POST /social/follow/{user}", s.handleFollow)
	mux.HandleFunc("DELETE /social/follow/{user}", s.handleUnfollow)
	mux.HandleFunc("GET /social/following", s.handleFollowing)
	mux.HandleFunc("GET /social/feed", s.handleFeed)

	mux.HandleFunc("POST /files", s.handleUpload)
	mux.HandleFunc("GET /files/{name}", s.handleDownload)

	mux.HandleFunc("GET /compliance/decisions", s.handleDecisions)

	mux.HandleFunc("POST /incidents", s.handleReportIncident)
	mux.HandleFunc("GET /incidents", s.handleListIncidents)
	mux.HandleFunc("GET /incidents/{id}", s.handleGetIncident)

	mux.HandleFunc("GET /guardian/status", s.handleGuardianStatus)
	mux.HandleFunc("POST /guardian/metrics", s.handleRecordMetric)

	return Chain(mux,
		RequestIDMiddleware,
		RecoveryMiddleware,
		LoggingMiddleware,
		s.stats.middleware,
		s.deps.Authorizer.Middleware(s.routes.Resolve),
	)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.GetDB().PingContext(r.Context()); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "unhealthy", err.Error())
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Serve accepts connections on ln until ctx ends, then shuts down
// gracefully. MaxConnections caps concurrent connections.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.cfg.MaxConnections > 0 {
		ln = netutil.LimitListener(ln, s.cfg.MaxConnections)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.GetReadTimeout(),
		ReadHeaderTimeout: s.cfg.GetReadTimeout(),
		WriteTimeout:      s.cfg.GetWriteTimeout(),
		IdleTimeout:       s.cfg.GetIdleTimeout(),
	}
	srv.RegisterOnShutdown(s.hub.Close)

	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	errCh := make(chan error, 1)
	go func() {
		logging.API("API listening on %s", ln.Addr())
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logging.API("API shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// ListenAndServe listens on the configured address and calls Serve.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// SampleMetrics records request rates since the previous sample into the
// guardian monitor: api.error_rate, authz.deny_rate and api.requests.
func (s *Server) SampleMetrics(ctx context.Context) error {
	if s.deps.Monitor == nil {
		return nil
	}
	requests := s.stats.requests.Load()
	serverErrors := s.stats.serverErrors.Load()
	denied := s.stats.denied.Load()

	s.mu.Lock()
	dReq := requests - s.lastSample.requests
	dErr := serverErrors - s.lastSample.serverErrors
	dDen := denied - s.lastSample.denied
	s.lastSample.requests, s.lastSample.serverErrors, s.lastSample.denied = requests, serverErrors, denied
	s.mu.Unlock()

	if _, err := s.deps.Monitor.Record(ctx, "api.requests", float64(dReq)); err != nil {
		return err
	}
	if dReq == 0 {
		return nil
	}
	if _, err := s.deps.Monitor.Record(ctx, "api.error_rate", float64(dErr)/float64(dReq)); err != nil {
		return err
	}
	_, err := s.deps.Monitor.Record(ctx, "authz.deny_rate", float64(dDen)/float64(dReq))
	return err
}

// ReportMetrics calls SampleMetrics every interval until ctx ends.
func (s *Server) ReportMetrics(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.SampleMetrics(ctx); err != nil {
				logging.APIDebug("metric sample failed: %v", err)
			}
		}
	}
}
