// Package incident runs response playbooks: DAGs of simulated containment
// steps selected by incident category and severity.
package incident

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Severity orders incidents from low to critical.
type Severity int

const (
	SeverityLow Severity = iota + 1
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

var severityNames = map[Severity]string{
	SeverityLow:      "low",
	SeverityMedium:   "medium",
	SeverityHigh:     "high",
	SeverityCritical: "critical",
}

// ParseSeverity accepts the lowercase names.
func ParseSeverity(s string) (Severity, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for sev, name := range severityNames {
		if name == s {
			return sev, nil
		}
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

func (s Severity) String() string {
	if name, ok := severityNames[s]; ok {
		return name
	}
	return fmt.Sprintf("severity(%d)", int(s))
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	_, ok := severityNames[s]
	return ok
}

// MarshalText encodes the severity by name for JSON and YAML.
func (s Severity) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(s))
	}
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	v, err := ParseSeverity(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// Category classifies an incident.
type Category string

const (
	CategoryUnauthorizedAccess Category = "unauthorized_access"
	CategoryMalware            Category = "malware"
	CategoryDataExfiltration   Category = "data_exfiltration"
	CategoryDoS                Category = "dos"
	CategoryPolicyViolation    Category = "policy_violation"
	CategoryAnomaly            Category = "anomaly"
)

// Categories lists every known category.
var Categories = []Category{
	CategoryUnauthorizedAccess, CategoryMalware, CategoryDataExfiltration,
	CategoryDoS, CategoryPolicyViolation, CategoryAnomaly,
}

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusDetected   Status = "detected"   // Reported, no playbook started
	StatusResponding Status = "responding" // Playbooks running
	StatusContained  Status = "contained"  // Every playbook completed
	StatusEscalated  Status = "escalated"  // A playbook did not complete, or none matched
)

// Incident is a security event under response.
type Incident struct {
	ID          string            `json:"id" yaml:"id"`
	Category    Category          `json:"category" yaml:"category"`
	Severity    Severity          `json:"severity" yaml:"severity"`
	Source      string            `json:"source" yaml:"source"`
	Description string            `json:"description" yaml:"description"`
	Indicators  map[string]string `json:"indicators,omitempty" yaml:"indicators,omitempty"`
	Status      Status            `json:"status" yaml:"status"`
	DetectedAt  time.Time         `json:"detected_at" yaml:"detected_at"`
	UpdatedAt   time.Time         `json:"updated_at" yaml:"updated_at"`
}

// NewIncident creates a detected incident with a fresh id.
func NewIncident(category Category, severity Severity, source, description string, indicators map[string]string) (*Incident, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("unknown incident category %q", category)
	}
	if !severity.Valid() {
		return nil, fmt.Errorf("invalid severity %d", int(severity))
	}
	now := time.Now().UTC()
	return &Incident{
		ID:          uuid.NewString(),
		Category:    category,
		Severity:    severity,
		Source:      source,
		Description: description,
		Indicators:  indicators,
		Status:      StatusDetected,
		DetectedAt:  now,
		UpdatedAt:   now,
	}, nil
}

// Step is one node of a playbook DAG.
type Step struct {
	ID               string            `json:"id" yaml:"id"`
	Action           string            `json:"action" yaml:"action"`
	Params           map[string]string `json:"params,omitempty" yaml:"params,omitempty"`
	DependsOn        []string          `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	RequiresApproval bool              `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	Timeout          string            `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ContinueOnError  bool              `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// GetTimeout returns the step timeout, or fallback when unset or invalid.
func (s Step) GetTimeout(fallback time.Duration) time.Duration {
	if s.Timeout == "" {
		return fallback
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// Playbook is a named response plan.
type Playbook struct {
	ID          string     `json:"id" yaml:"id"`
	Name        string     `json:"name" yaml:"name"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Categories  []Category `json:"categories" yaml:"categories"`
	MinSeverity Severity   `json:"min_severity" yaml:"min_severity"`
	Steps       []Step     `json:"steps" yaml:"steps"`
}

// Handles reports whether the playbook applies to inc.
func (p *Playbook) Handles(inc *Incident) bool {
	if inc.Severity < p.MinSeverity {
		return false
	}
	for _, c := range p.Categories {
		if c == inc.Category {
			return true
		}
	}
	return false
}

// StepStatus is the outcome of one step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepRejected  StepStatus = "rejected"  // Approval denied or timed out
	StepSkipped   StepStatus = "skipped"   // A dependency failed
	StepCancelled StepStatus = "cancelled" // Context ended before the step started
)

// StepResult records one step execution.
type StepResult struct {
	StepID     string            `json:"step_id"`
	Action     string            `json:"action"`
	Status     StepStatus        `json:"status"`
	StartedAt  time.Time         `json:"started_at,omitempty"`
	FinishedAt time.Time         `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Output     map[string]string `json:"output,omitempty"`
}

// ExecutionStatus summarizes a playbook run.
type ExecutionStatus string

const (
	ExecutionCompleted ExecutionStatus = "completed" // Every step succeeded
	ExecutionPartial   ExecutionStatus = "partial"   // Some steps succeeded
	ExecutionFailed    ExecutionStatus = "failed"    // No step succeeded
	ExecutionCancelled ExecutionStatus = "cancelled" // Context ended mid-run
)

// Execution is the record of one playbook run against one incident.
type Execution struct {
	ID         string          `json:"id"`
	IncidentID string          `json:"incident_id"`
	PlaybookID string          `json:"playbook_id"`
	Status     ExecutionStatus `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
	Steps      []StepResult    `json:"steps"`
}

// Step returns the result for step id.
func (e *Execution) Step(id string) (StepResult, bool) {
	for _, s := range e.Steps {
		if s.StepID == id {
			return s, true
		}
	}
	return StepResult{}, false
}

// Response is the outcome of Engine.Respond.
type Response struct {
	Incident   *Incident    `json:"incident"`
	Executions []*Execution `json:"executions"`
}
