package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// AuditEventType defines the type of audit event (maps to Mangle predicate)
type AuditEventType string

const (
	// Authorization -> authz_decision/6
	AuditAuthzAllow AuditEventType = "authz_allow"
	AuditAuthzDeny  AuditEventType = "authz_deny"
	AuditAuthzError AuditEventType = "authz_error"

	// Policy lifecycle -> policy_event/4
	AuditPolicyLoad   AuditEventType = "policy_load"
	AuditPolicyReload AuditEventType = "policy_reload"
	AuditPolicyReject AuditEventType = "policy_reject"

	// Incident response -> incident_step/6
	AuditStepStart    AuditEventType = "step_start"
	AuditStepComplete AuditEventType = "step_complete"
	AuditStepFailed   AuditEventType = "step_failed"
	AuditStepSkipped  AuditEventType = "step_skipped"
	AuditStepApproval AuditEventType = "step_approval"

	// File tools -> file_op/5
	AuditFileList   AuditEventType = "file_list"
	AuditFileRead   AuditEventType = "file_read"
	AuditFileReject AuditEventType = "file_reject"

	// Guardian -> guardian_alert/4
	AuditAlert AuditEventType = "guardian_alert"
)

// AuditEvent represents a structured audit log entry that can be parsed to Mangle.
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`
	EventType  AuditEventType         `json:"event"`
	Category   string                 `json:"cat"`
	RequestID  string                 `json:"req,omitempty"`
	Subject    string                 `json:"subject,omitempty"`
	Target     string                 `json:"target,omitempty"`
	Action     string                 `json:"action,omitempty"`
	Success    bool                   `json:"success"`
	DurationMs int64                  `json:"dur_ms,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Message    string                 `json:"msg,omitempty"`
	Fields     map[string]interface{} `json:"fields,omitempty"`
	MangleFact string                 `json:"mangle"`
}

// AuditLogger writes audit events as JSON lines.
type AuditLogger struct {
	category Category
}

var (
	auditMu    sync.Mutex
	auditSink  *zap.Logger
	auditClose func()
	auditHook  func(AuditEvent)
)

// InitAudit opens the audit log under dir. An empty dir disables file output.
func InitAudit(dir string) error {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditSink != nil {
		return nil
	}
	if dir == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}

	date := time.Now().Format("2006-01-02")
	ws, closeFn, err := zap.Open(filepath.Join(dir, fmt.Sprintf("%s_audit.log", date)))
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}

	encCfg := zapcore.EncoderConfig{
		MessageKey: "mangle",
		LineEnding: zapcore.DefaultLineEnding,
	}
	auditSink = zap.New(zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), ws, zapcore.InfoLevel))
	auditClose = closeFn
	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditSink != nil {
		_ = auditSink.Sync()
		auditSink = nil
	}
	if auditClose != nil {
		auditClose()
		auditClose = nil
	}
}

// SetAuditHook registers a callback that receives every audit event after the
// Mangle fact has been rendered. Pass nil to remove it.
func SetAuditHook(fn func(AuditEvent)) {
	auditMu.Lock()
	defer auditMu.Unlock()
	auditHook = fn
}

// Audit returns an audit logger for the given category.
func Audit(category Category) *AuditLogger {
	return &AuditLogger{category: category}
}

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.Category == "" {
		event.Category = string(a.category)
	}
	event.MangleFact = generateMangleFact(event)

	auditMu.Lock()
	sink := auditSink
	hook := auditHook
	auditMu.Unlock()

	if hook != nil {
		hook(event)
	}
	if sink == nil {
		return
	}

	fields := []zap.Field{
		zap.Int64("ts", event.Timestamp),
		zap.String("event", string(event.EventType)),
		zap.String("cat", event.Category),
		zap.Bool("success", event.Success),
	}
	if event.RequestID != "" {
		fields = append(fields, zap.String("req", event.RequestID))
	}
	if event.Subject != "" {
		fields = append(fields, zap.String("subject", event.Subject))
	}
	if event.Target != "" {
		fields = append(fields, zap.String("target", event.Target))
	}
	if event.Action != "" {
		fields = append(fields, zap.String("action", event.Action))
	}
	if event.DurationMs > 0 {
		fields = append(fields, zap.Int64("dur_ms", event.DurationMs))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	if len(event.Fields) > 0 {
		fields = append(fields, zap.Any("fields", event.Fields))
	}
	sink.Info(event.MangleFact, fields...)
}

// generateMangleFact creates a Mangle-compatible fact string from an event
func generateMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditAuthzAllow, AuditAuthzDeny, AuditAuthzError:
		reason, _ := e.Fields["reason"].(string)
		return fmt.Sprintf("authz_decision(%d, /%s, \"%s\", \"%s\", \"%s\", \"%s\").",
			e.Timestamp, e.EventType, escapeString(e.Subject), escapeString(e.Target),
			escapeString(e.Action), escapeString(reason))

	case AuditPolicyLoad, AuditPolicyReload, AuditPolicyReject:
		return fmt.Sprintf("policy_event(%d, /%s, \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(e.Target), e.Success)

	case AuditStepStart, AuditStepComplete, AuditStepFailed, AuditStepSkipped, AuditStepApproval:
		incident, _ := e.Fields["incident"].(string)
		return fmt.Sprintf("incident_step(%d, /%s, \"%s\", \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(incident), escapeString(e.Target),
			escapeString(e.Action), e.Success)

	case AuditFileList, AuditFileRead, AuditFileReject:
		return fmt.Sprintf("file_op(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(e.Subject), escapeString(e.Target), e.Success)

	case AuditAlert:
		level, _ := e.Fields["level"].(string)
		return fmt.Sprintf("guardian_alert(%d, \"%s\", \"%s\", \"%s\").",
			e.Timestamp, escapeString(e.Target), escapeString(level), escapeString(e.Message))

	default:
		return fmt.Sprintf("audit_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Message), e.Success)
	}
}

func escapeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
