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

	// SeverityWarning is for findings that should be reviewed.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that block a run.
	SeverityError Severity = "error"

	// SeverityCritical is for findings that block a run and must be fixed
	// first.
	SeverityCritical Severity = "critical"
)

// Blocking reports whether violations of this severity deny a script.
func (s Severity) Blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy represents a policy rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code. Its deny rule is evaluated.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from, if any.
	Source string `json:"source,omitempty"`
}

// Violation represents a single policy violation.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Script is the path of the script the violation was found in.
	Script string `json:"script,omitempty"`

	// Index is the command index, or -1 for script-level findings.
	Index int `json:"index"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`
}

// String renders the violation with its location.
func (v Violation) String() string {
	loc := v.Script
	if v.Index >= 0 {
		loc = fmt.Sprintf("%s[%d]", loc, v.Index)
	}
	if loc != "" {
		return fmt.Sprintf("%s: %s (%s, %s)", loc, v.Message, v.Policy, v.Severity)
	}
	return fmt.Sprintf("%s (%s, %s)", v.Message, v.Policy, v.Severity)
}

// Result represents the result of policy evaluation.
type Result struct {
	// Allowed is false when any blocking violation was found.
	Allowed bool `json:"allowed"`

	// Violations lists blocking violations.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists violations that don't block the run.
	Warnings []Violation `json:"warnings,omitempty"`

	// EvaluatedAt is when the policies were evaluated.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// Err returns a DeniedError when the result is not allowed.
func (r *Result) Err() error {
	if r.Allowed {
		return nil
	}
	return &DeniedError{Violations: r.Violations}
}

// DeniedError is returned when policies deny a script.
type DeniedError struct {
	Violations []Violation
}

// Error implements the error interface.
func (e *DeniedError) Error() string {
	msgs := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		msgs[i] = v.String()
	}
	return "denied by policy: " + strings.Join(msgs, "; ")
}
