package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"lukhas/internal/logging"
)

// ErrNotConnected is returned by calls made before Connect or after the
// stream dropped.
var ErrNotConnected = errors.New("mcp client not connected")

// Client speaks MCP over the SSE transport: it holds a GET stream open for
// replies and POSTs requests to the endpoint the server announces.
type Client struct {
	mu sync.RWMutex

	baseURL string
	postURL string
	token   string
	timeout time.Duration
	client  *http.Client

	connected  bool
	serverInfo *InitializeResult

	sseResp    *http.Response
	cancel     context.CancelFunc
	readDone   chan struct{}
	pending    map[int]chan *Response
	nextID     int
	initSignal chan struct{}
	initOnce   sync.Once
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithToken sends token as a bearer credential on every request.
func WithToken(token string) ClientOption {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the HTTP client. Its Timeout must be zero: the
// stream stays open for the life of the connection.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.client = hc }
}

// NewClient creates a client for the stream at sseURL (ending in /sse).
// timeout bounds the endpoint handshake and each call.
func NewClient(sseURL string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		baseURL:    sseURL,
		timeout:    timeout,
		client:     &http.Client{},
		pending:    make(map[int]chan *Response),
		nextID:     1,
		initSignal: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect opens the stream, waits for the endpoint event and performs the
// initialize handshake.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected || c.sseResp != nil {
		c.mu.Unlock()
		return nil
	}

	streamCtx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	c.authorize(req)

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("failed to connect to SSE endpoint %s: %w", c.baseURL, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		c.mu.Unlock()
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	c.sseResp = resp
	c.cancel = cancel
	c.readDone = make(chan struct{})
	go c.readLoop(resp.Body, c.readDone)
	c.mu.Unlock()

	logging.MCPDebug("SSE stream open to %s, waiting for endpoint", c.baseURL)

	select {
	case <-c.initSignal:
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	case <-time.After(c.timeout):
		c.Close()
		return fmt.Errorf("timeout waiting for endpoint event")
	}

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	info, err := c.initialize(ctx)
	if err != nil {
		c.Close()
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.notify(ctx, "notifications/initialized"); err != nil {
		c.Close()
		return fmt.Errorf("initialized notification: %w", err)
	}

	c.mu.Lock()
	c.serverInfo = info
	c.mu.Unlock()

	logging.MCP("MCP client connected to %s (%s %s)", c.baseURL, info.ServerInfo.Name, info.ServerInfo.Version)
	return nil
}

// Close ends the stream and fails pending calls. It waits for the reader
// goroutine to exit.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.sseResp != nil {
		c.sseResp.Body.Close()
		c.sseResp = nil
	}
	c.connected = false
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	done := c.readDone
	c.readDone = nil
	c.mu.Unlock()

	if done != nil {
		<-done
	}
	c.client.CloseIdleConnections()
	return nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// readLoop reads SSE events from the stream body.
func (c *Client) readLoop(body io.Reader, done chan struct{}) {
	defer close(done)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	eventType := "message"
	var data bytes.Buffer

	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if data.Len() > 0 {
				c.handleEvent(eventType, strings.TrimSuffix(data.String(), "\n"))
			}
			eventType = "message"
			data.Reset()
		case strings.HasPrefix(line, "event:"):
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
			data.WriteByte('\n')
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, context.Canceled) {
		logging.MCPDebug("SSE read ended: %v", err)
	}

	c.mu.Lock()
	c.connected = false
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

func (c *Client) handleEvent(eventType, data string) {
	switch eventType {
	case "endpoint":
		c.mu.Lock()
		c.postURL = data
		c.mu.Unlock()
		c.initOnce.Do(func() { close(c.initSignal) })

	case "message":
		var resp Response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			logging.MCPWarn("failed to unmarshal SSE message: %v", err)
			return
		}
		var id int
		if err := json.Unmarshal(resp.ID, &id); err != nil {
			logging.MCPDebug("ignoring message without numeric id: %s", string(resp.ID))
			return
		}
		c.mu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if ok {
			ch <- &resp
		}

	default:
		logging.MCPDebug("ignored SSE event type: %s", eventType)
	}
}

func (c *Client) post(ctx context.Context, req Request) error {
	c.mu.RLock()
	postURL := c.postURL
	connected := c.connected
	c.mu.RUnlock()
	if !connected || postURL == "" {
		return ErrNotConnected
	}

	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.resolveURL(postURL), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq)

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()
	if httpResp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4096))
		return fmt.Errorf("server returned status %d: %s", httpResp.StatusCode, strings.TrimSpace(string(msg)))
	}
	_, _ = io.Copy(io.Discard, httpResp.Body)
	return nil
}

// call sends a request and waits for its reply on the stream. JSON-RPC
// errors are returned as *Error.
func (c *Client) call(ctx context.Context, method string, params any) (*Response, error) {
	var raw json.RawMessage
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal params: %w", err)
		}
		raw = b
	}

	c.mu.Lock()
	id := c.nextID
	c.nextID++
	ch := make(chan *Response, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	idJSON, _ := json.Marshal(id)
	if err := c.post(ctx, Request{JSONRPC: "2.0", ID: idJSON, Method: method, Params: raw}); err != nil {
		return nil, err
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		if resp.Error != nil {
			return resp, resp.Error
		}
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("timeout waiting for %s response", method)
	}
}

func (c *Client) notify(ctx context.Context, method string) error {
	return c.post(ctx, Request{JSONRPC: "2.0", Method: method})
}

func (c *Client) resolveURL(u string) string {
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return u
	}
	ref, err := url.Parse(u)
	if err != nil {
		return u
	}
	return base.ResolveReference(ref).String()
}

func (c *Client) initialize(ctx context.Context) (*InitializeResult, error) {
	resp, err := c.call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      ServerInfo{Name: "lukhas", Version: "0.3.0"},
	})
	if err != nil {
		return nil, err
	}
	var info InitializeResult
	if err := json.Unmarshal(resp.Result, &info); err != nil {
		return nil, fmt.Errorf("failed to parse initialize result: %w", err)
	}
	return &info, nil
}

// ServerInfo returns the initialize result, or nil before Connect.
func (c *Client) ServerInfo() *InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

// ListTools retrieves the server's tools.
func (c *Client) ListTools(ctx context.Context) ([]ToolSchema, error) {
	resp, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to list tools: %w", err)
	}
	var result struct {
		Tools []ToolSchema `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tools response: %w", err)
	}
	return result.Tools, nil
}

// CallTool invokes a tool. Tool rejections come back as *Error.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*CallResult, error) {
	resp, err := c.call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	var result CallResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("failed to parse tool result: %w", err)
	}
	return &result, nil
}

// ListDirectory calls list_directory and decodes the listing.
func (c *Client) ListDirectory(ctx context.Context, path string) (*Listing, error) {
	res, err := c.CallTool(ctx, ToolListDirectory, map[string]any{"path": path})
	if err != nil {
		return nil, err
	}
	var listing Listing
	if err := json.Unmarshal([]byte(res.Text()), &listing); err != nil {
		return nil, fmt.Errorf("failed to parse listing: %w", err)
	}
	return &listing, nil
}

// ReadFile calls read_file and returns the text.
func (c *Client) ReadFile(ctx context.Context, path string) (string, error) {
	res, err := c.CallTool(ctx, ToolReadFile, map[string]any{"path": path})
	if err != nil {
		return "", err
	}
	return res.Text(), nil
}

// Ping checks that the server answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// IsConnected reports whether the stream is open.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}
