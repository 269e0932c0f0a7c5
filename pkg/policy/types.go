// Package policy gates reconciliations with Rego rules. Before a
// declaration is applied the planned operation and its mutations are
// handed to every enabled policy; a deny from an error or critical
// policy blocks the apply.
package policy

import (
	"time"
)

// Severity of a violation. Error and critical block the operation,
// info and warning are reported and let it through.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// blocking reports whether a violation of this severity denies the
// operation.
func (s Severity) blocking() bool {
	return s == SeverityError || s == SeverityCritical
}

// Policy is one named Rego rule set.
type Policy struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Rego        string   `json:"rego"`
	Severity    Severity `json:"severity"`
	Enabled     bool     `json:"enabled"`
	Tags        []string `json:"tags,omitempty"`

	// Source is the file the policy was loaded from; empty for
	// built-ins.
	Source string `json:"source,omitempty"`
}

// Input is the document policies evaluate. One Input describes one
// planned reconciliation.
type Input struct {
	// Kind, Name, Remote and Project identify the resource.
	Kind    string `json:"kind"`
	Name    string `json:"name"`
	Remote  string `json:"remote,omitempty"`
	Project string `json:"project,omitempty"`

	// State is the declared state, present or absent.
	State string `json:"state,omitempty"`

	// Spec is the declared resource body.
	Spec map[string]interface{} `json:"spec,omitempty"`

	// Operation is the planned verb: create, update, delete, rename or
	// none when the resource already matches.
	Operation string `json:"operation"`

	// Mutations are the planned attribute changes for updates.
	Mutations []Mutation `json:"mutations,omitempty"`

	Context Context `json:"context"`
}

// Mutation is one planned attribute change, mirroring the engine's
// mutation shape.
type Mutation struct {
	Op    string      `json:"op"`
	Field string      `json:"field"`
	Key   string      `json:"key,omitempty"`
	Value interface{} `json:"value,omitempty"`
}

// Context carries run-level facts policies may condition on.
type Context struct {
	User        string    `json:"user,omitempty"`
	Environment string    `json:"environment,omitempty"`
	DryRun      bool      `json:"dry_run"`
	Timestamp   time.Time `json:"timestamp"`
}

// Violation is one deny produced by a policy.
type Violation struct {
	Policy     string    `json:"policy"`
	Resource   string    `json:"resource,omitempty"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	DetectedAt time.Time `json:"detected_at"`
}

// Decision is the aggregate outcome of evaluating every enabled policy
// against one input.
type Decision struct {
	// Allowed is false when any violation has a blocking severity.
	Allowed bool `json:"allowed"`

	Violations []Violation `json:"violations,omitempty"`

	// Warnings are evaluation problems (a policy that failed to run),
	// never rule denials.
	Warnings []string `json:"warnings,omitempty"`

	EvaluatedAt time.Time     `json:"evaluated_at"`
	Duration    time.Duration `json:"duration"`
}
