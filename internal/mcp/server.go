package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"lukhas/internal/authz"
	"lukhas/internal/capability"
	"lukhas/internal/logging"
	"lukhas/internal/telemetry"
)

// Authorizer is the part of authz.Authorizer the server uses. Streams are
// authenticated when opened; each tool call is authorized as module "mcp"
// with the tool name as action.
type Authorizer interface {
	Verify(token string) (*capability.Claims, error)
	AuthorizeClaims(ctx context.Context, claims *capability.Claims, module, action string) (authz.Result, error)
}

// AuthzModule is the policy module tool calls are authorized against.
const AuthzModule = "mcp"

const maxMessageBytes = 1 << 20

// Options configures a Server.
type Options struct {
	Tools          *FileTools
	Authorizer     Authorizer // nil serves without authentication
	TracerProvider trace.TracerProvider
	Name           string
	Version        string
	KeepAlive      time.Duration // comment-line interval on idle streams; default 15s
}

// Server is an MCP server on the SSE transport.
type Server struct {
	tools     *FileTools
	auth      Authorizer
	tracer    trace.Tracer
	info      ServerInfo
	keepAlive time.Duration

	mu       sync.Mutex
	sessions map[string]*session
	closed   bool
}

type session struct {
	id     string
	claims *capability.Claims
	out    chan []byte
	done   chan struct{}
	once   sync.Once
}

func (s *session) close() {
	s.once.Do(func() { close(s.done) })
}

var errSessionClosed = errors.New("session closed")

func (s *session) send(ctx context.Context, resp *Response) error {
	data, err := json.Marshal(resp)
	if err != nil {
		return err
	}
	select {
	case s.out <- data:
		return nil
	case <-s.done:
		return errSessionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// NewServer creates a server.
func NewServer(opts Options) *Server {
	s := &Server{
		tools:     opts.Tools,
		auth:      opts.Authorizer,
		tracer:    telemetry.Tracer(),
		info:      ServerInfo{Name: opts.Name, Version: opts.Version},
		keepAlive: opts.KeepAlive,
		sessions:  make(map[string]*session),
	}
	if s.info.Name == "" {
		s.info.Name = "lukhas-mcp"
	}
	if s.info.Version == "" {
		s.info.Version = "0.3.0"
	}
	if s.keepAlive <= 0 {
		s.keepAlive = 15 * time.Second
	}
	if opts.TracerProvider != nil {
		s.tracer = opts.TracerProvider.Tracer(telemetry.InstrumentationName)
	}
	return s
}

// Handler returns the HTTP handler serving GET /sse and POST /messages.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /sse", s.handleSSE)
	mux.HandleFunc("POST /messages", s.handleMessage)
	return mux
}

// Sessions returns the number of open streams.
func (s *Server) Sessions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Close ends every open stream and refuses new ones.
func (s *Server) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for _, sess := range s.sessions {
		sess.close()
	}
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code, "message": message})
}

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming_unsupported", "response writer cannot stream")
		return
	}

	var claims *capability.Claims
	if s.auth != nil {
		token, err := capability.FromRequest(r)
		if err == nil {
			claims, err = s.auth.Verify(token)
		}
		if err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="lukhas"`)
			writeJSONError(w, http.StatusUnauthorized, "unauthorized", authz.ReasonInvalidTokenPrefix+capability.Kind(err))
			return
		}
	}

	sess := &session{
		id:     uuid.NewString(),
		claims: claims,
		out:    make(chan []byte, 32),
		done:   make(chan struct{}),
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeJSONError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.id)
		s.mu.Unlock()
		sess.close()
		logging.MCPDebug("session %s closed", sess.id)
	}()

	subject := ""
	if claims != nil {
		subject = claims.Subject
	}
	logging.MCP("session %s opened (subject=%q, remote=%s)", sess.id, subject, r.RemoteAddr)

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeEvent(w, "endpoint", "/messages?session_id="+sess.id)
	flusher.Flush()

	ticker := time.NewTicker(s.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.done:
			return
		case data := <-sess.out:
			writeEvent(w, "message", string(data))
			flusher.Flush()
		case <-ticker.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeEvent(w http.ResponseWriter, event, data string) {
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("session_id")
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		writeJSONError(w, http.StatusNotFound, "unknown_session", "no open stream for session")
		return
	}

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxMessageBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "parse_error", err.Error())
		return
	}

	if resp := s.dispatch(r.Context(), sess, &req); resp != nil {
		if err := sess.send(r.Context(), resp); err != nil {
			logging.MCPWarn("session %s: dropping reply to %s: %v", sess.id, req.Method, err)
			writeJSONError(w, http.StatusGone, "session_closed", "stream closed before the reply was sent")
			return
		}
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) dispatch(ctx context.Context, sess *session, req *Request) *Response {
	logging.MCPDebug("session %s: %s", sess.id, req.Method)

	if req.JSONRPC != "2.0" {
		return errorResponse(req.ID, &Error{Code: CodeInvalidRequest, Message: "jsonrpc must be \"2.0\""})
	}

	var (
		result any
		rpcErr *Error
	)
	switch req.Method {
	case "initialize":
		result = InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      s.info,
		}
	case "notifications/initialized":
		return nil
	case "ping":
		result = struct{}{}
	case "tools/list":
		result = map[string]any{"tools": s.tools.Schemas()}
	case "tools/call":
		result, rpcErr = s.callTool(ctx, sess, req.Params)
	default:
		rpcErr = &Error{Code: CodeMethodNotFound, Message: "method not found: " + req.Method}
	}

	if req.IsNotification() {
		return nil
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, &Error{Code: CodeInternalError, Message: err.Error()})
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: data}
}

func errorResponse(id json.RawMessage, e *Error) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: e}
}

type callParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (s *Server) callTool(ctx context.Context, sess *session, raw json.RawMessage) (any, *Error) {
	var p callParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		return nil, &Error{Code: CodeInvalidParams, Message: "tools/call needs a tool name"}
	}
	path, _ := p.Arguments["path"].(string)

	ctx, span := s.tracer.Start(ctx, telemetry.SpanMCPToolCall, trace.WithAttributes(
		telemetry.AttrMCPSession.String(sess.id),
		telemetry.AttrMCPMethod.String("tools/call"),
		telemetry.AttrMCPTool.String(p.Name),
		telemetry.AttrMCPPath.String(path),
	))
	defer span.End()

	fail := func(e *Error) (any, *Error) {
		span.SetStatus(codes.Error, e.Message)
		return nil, e
	}

	if s.auth != nil {
		res, err := s.auth.AuthorizeClaims(ctx, sess.claims, AuthzModule, p.Name)
		if err != nil {
			span.RecordError(err)
			return fail(&Error{Code: CodeInternalError, Message: "authorization could not be evaluated"})
		}
		if !res.Allow {
			s.auditFile(logging.AuditFileReject, sess, p.Name, path, false, res.Reason)
			return fail(&Error{Code: CodeUnauthorized, Message: "not permitted: " + AuthzModule + "." + p.Name, Data: map[string]string{"reason": res.Reason}})
		}
	}

	switch p.Name {
	case ToolListDirectory:
		listing, err := s.tools.ListDirectory(path)
		if err != nil {
			return fail(s.toolError(sess, p.Name, path, err))
		}
		text, err := json.Marshal(listing)
		if err != nil {
			return fail(&Error{Code: CodeInternalError, Message: err.Error()})
		}
		s.auditFile(logging.AuditFileList, sess, p.Name, path, true, fmt.Sprintf("%d entries", len(listing.Entries)))
		return &CallResult{Content: []Content{{Type: "text", Text: string(text), MimeType: "application/json"}}}, nil

	case ToolReadFile:
		if path == "" {
			return fail(&Error{Code: CodeInvalidParams, Message: "read_file needs a path"})
		}
		text, mime, err := s.tools.ReadFile(path)
		if err != nil {
			return fail(s.toolError(sess, p.Name, path, err))
		}
		s.auditFile(logging.AuditFileRead, sess, p.Name, path, true, fmt.Sprintf("%d bytes", len(text)))
		return &CallResult{Content: []Content{{Type: "text", Text: text, MimeType: mime}}}, nil
	}

	return fail(&Error{Code: CodeInvalidParams, Message: "unknown tool: " + p.Name})
}

// toolError maps a file tool failure to an invalid-params error and audits
// the rejection.
func (s *Server) toolError(sess *session, tool, path string, err error) *Error {
	reason := "invalid_path"
	switch {
	case errors.Is(err, ErrAbsolutePath), errors.Is(err, ErrOutsideRoot):
		reason = "sandbox_violation"
	case errors.Is(err, fs.ErrNotExist):
		reason = "not_found"
	case errors.Is(err, fs.ErrPermission):
		reason = "permission_denied"
	case errors.Is(err, ErrBinaryFile):
		reason = "binary"
	case errors.Is(err, ErrTooLarge):
		reason = "too_large"
	case errors.Is(err, ErrNotDirectory), errors.Is(err, ErrIsDirectory):
		reason = "wrong_type"
	}
	s.auditFile(logging.AuditFileReject, sess, tool, path, false, reason)
	logging.MCPWarn("session %s: %s %q rejected: %v", sess.id, tool, path, err)

	return &Error{Code: CodeInvalidParams, Message: clientMessage(reason, path, err), Data: map[string]string{"reason": reason}}
}

// clientMessage is the error text sent to the client. Operating system errors
// carry host paths, so only the requested path is echoed for them.
func clientMessage(reason, path string, err error) string {
	switch reason {
	case "not_found":
		return "no such file or directory: " + path
	case "permission_denied":
		return "permission denied: " + path
	case "invalid_path":
		return "cannot access: " + path
	}
	return err.Error()
}

func (s *Server) auditFile(kind logging.AuditEventType, sess *session, tool, path string, success bool, msg string) {
	ev := logging.AuditEvent{
		EventType: kind,
		Target:    path,
		Action:    tool,
		Success:   success,
		Message:   msg,
		Fields:    map[string]interface{}{"session": sess.id},
	}
	if sess.claims != nil {
		ev.Subject = sess.claims.Subject
	}
	if !success {
		ev.Error = msg
	}
	logging.Audit(logging.CategoryMCP).Log(ev)
}
