package incident

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrApprovalTimeout is returned by ManualApprover when nobody answers in time.
var ErrApprovalTimeout = errors.New("approval timed out")

// ApprovalRequest asks whether a gated step may run.
type ApprovalRequest struct {
	ID         string    `json:"id"`
	IncidentID string    `json:"incident_id"`
	PlaybookID string    `json:"playbook_id"`
	StepID     string    `json:"step_id"`
	Action     string    `json:"action"`
	Severity   Severity  `json:"severity"`
	AskedAt    time.Time `json:"asked_at"`
}

// Approver decides approval-gated steps. An error counts as a rejection.
type Approver interface {
	Approve(ctx context.Context, req ApprovalRequest) (bool, error)
}

// ApproverFunc adapts a function to Approver.
type ApproverFunc func(ctx context.Context, req ApprovalRequest) (bool, error)

// Approve implements Approver.
func (f ApproverFunc) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	return f(ctx, req)
}

// AutoApprover approves everything.
type AutoApprover struct{}

// Approve implements Approver.
func (AutoApprover) Approve(context.Context, ApprovalRequest) (bool, error) { return true, nil }

// DenyApprover rejects everything.
type DenyApprover struct{}

// Approve implements Approver.
func (DenyApprover) Approve(context.Context, ApprovalRequest) (bool, error) { return false, nil }

// ManualApprover publishes requests and waits for Resolve.
type ManualApprover struct {
	timeout  time.Duration
	requests chan ApprovalRequest

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewManualApprover creates an approver that waits up to timeout per request.
func NewManualApprover(timeout time.Duration) *ManualApprover {
	return &ManualApprover{
		timeout:  timeout,
		requests: make(chan ApprovalRequest, 64),
		pending:  make(map[string]chan bool),
	}
}

// Requests delivers new approval requests.
func (m *ManualApprover) Requests() <-chan ApprovalRequest {
	return m.requests
}

// Pending returns the ids of requests still waiting.
func (m *ManualApprover) Pending() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.pending))
	for id := range m.pending {
		ids = append(ids, id)
	}
	return ids
}

// Resolve answers a pending request. It reports false when id is unknown or
// already answered.
func (m *ManualApprover) Resolve(id string, approved bool) bool {
	m.mu.Lock()
	ch, ok := m.pending[id]
	delete(m.pending, id)
	m.mu.Unlock()
	if !ok {
		return false
	}
	ch <- approved
	return true
}

// Approve implements Approver.
func (m *ManualApprover) Approve(ctx context.Context, req ApprovalRequest) (bool, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	ch := make(chan bool, 1)

	m.mu.Lock()
	m.pending[req.ID] = ch
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
	}()

	select {
	case m.requests <- req:
	case <-ctx.Done():
		return false, ctx.Err()
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()
	select {
	case ok := <-ch:
		return ok, nil
	case <-timer.C:
		return false, ErrApprovalTimeout
	case <-ctx.Done():
		return false, ctx.Err()
	}
}
