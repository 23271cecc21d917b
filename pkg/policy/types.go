package policy

import (
	"fmt"
	"strings"
	"time"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is logged but does not refuse the operation.
	SeverityWarning Severity = "warning"

	// SeverityError refuses the operation.
	SeverityError Severity = "error"

	// SeverityCritical refuses the operation.
	SeverityCritical Severity = "critical"
)

// Blocks reports whether a violation of this severity refuses the operation.
func (s Severity) Blocks() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one Rego module and the default severity of its denials.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from. Empty for built-ins.
	Source  string `json:"source,omitempty"`
	Builtin bool   `json:"builtin"`

	LoadedAt time.Time `json:"loaded_at"`
}

// Violation is one denial produced by a policy.
type Violation struct {
	Policy   string   `json:"policy"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

func (v Violation) String() string {
	return fmt.Sprintf("[%s] %s: %s", v.Severity, v.Policy, v.Message)
}

// Result is the outcome of evaluating every enabled policy for one input.
type Result struct {
	Allowed           bool          `json:"allowed"`
	Violations        []Violation   `json:"violations,omitempty"`
	Warnings          []Violation   `json:"warnings,omitempty"`
	EvaluatedPolicies []string      `json:"evaluated_policies"`
	EvaluatedAt       time.Time     `json:"evaluated_at"`
	Duration          time.Duration `json:"duration"`
}

// Input is the document policies see as input.
//
//	{
//	  "operation": "launch",
//	  "phase": "customized",
//	  "target": "db1.example.com:22",
//	  "instance": {"id": "orders", "kind": "postgresql", "port": 5432, ...}
//	}
type Input struct {
	Operation string    `json:"operation"`
	Phase     string    `json:"phase"`
	Target    string    `json:"target"`
	Instance  Instance  `json:"instance"`
	Timestamp time.Time `json:"timestamp"`
}

// Instance describes the service instance an operation acts on.
type Instance struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Port       int    `json:"port"`
	User       string `json:"user"`
	Group      string `json:"group"`
	InstallDir string `json:"install_dir"`
	RunDir     string `json:"run_dir"`
	DataDir    string `json:"data_dir"`
	LogFile    string `json:"log_file"`
}

// DeniedError is returned by Authorize when a blocking violation exists.
type DeniedError struct {
	Operation  string
	Violations []Violation
}

func (e *DeniedError) Error() string {
	msgs := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		msgs = append(msgs, v.Policy+": "+v.Message)
	}
	return fmt.Sprintf("%s denied by policy: %s", e.Operation, strings.Join(msgs, "; "))
}
