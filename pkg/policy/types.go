package policy

import (
	"time"

	"github.com/datapulse/datapulse/pkg/engine"
)

// Severity represents the severity level of a policy violation.
type Severity string

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = "info"

	// SeverityWarning is for findings that should be reviewed but are
	// still publishable.
	SeverityWarning Severity = "warning"

	// SeverityError is for findings that must be redacted before the
	// abstract leaves the system.
	SeverityError Severity = "error"

	// SeverityCritical is for violations that block publication entirely.
	SeverityCritical Severity = "critical"
)

// Policy represents a disclosure rule with its Rego code.
type Policy struct {
	// Name is the unique name of the policy.
	Name string `json:"name"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Rego contains the Rego policy code.
	Rego string `json:"rego"`

	// Severity is the default severity for violations.
	Severity Severity `json:"severity"`

	// Enabled indicates if the policy is active.
	Enabled bool `json:"enabled"`

	// Tags are labels for organizing policies.
	Tags []string `json:"tags,omitempty"`

	// Metadata contains additional policy metadata.
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	// CreatedAt is when the policy was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the policy was last updated.
	UpdatedAt time.Time `json:"updated_at"`
}

// Violation represents a single policy violation against an abstract.
type Violation struct {
	// Policy is the name of the policy that was violated.
	Policy string `json:"policy"`

	// Kind names the finding type: outlier_cluster, regional_score,
	// anomaly or abstract.
	Kind string `json:"kind,omitempty"`

	// Key identifies the specific finding, e.g. the sorted dimension
	// assignment of a cluster.
	Key string `json:"key,omitempty"`

	// Message is a human-readable violation message.
	Message string `json:"message"`

	// Severity is the violation severity level.
	Severity Severity `json:"severity"`

	// DetectedAt is when the violation was detected.
	DetectedAt time.Time `json:"detected_at"`
}

// Decision is the result of evaluating disclosure policies against one
// statistical abstract.
type Decision struct {
	// Allowed indicates whether the (redacted) abstract may be published.
	Allowed bool `json:"allowed"`

	// Violations lists every policy violation, including those resolved
	// by redaction.
	Violations []Violation `json:"violations,omitempty"`

	// Warnings lists evaluation problems that did not block the decision.
	Warnings []string `json:"warnings,omitempty"`

	// Redacted is the abstract with suppressed findings removed. It is
	// always populated, identical to the input when nothing was redacted.
	Redacted *engine.StatisticalAbstract `json:"redacted,omitempty"`

	// SuppressedFindings counts the findings removed by redaction.
	SuppressedFindings int `json:"suppressed_findings"`

	// EvaluatedPolicies lists the names of policies that were evaluated.
	EvaluatedPolicies []string `json:"evaluated_policies"`

	// EvaluatedAt is when the evaluation ran.
	EvaluatedAt time.Time `json:"evaluated_at"`

	// Duration is how long the evaluation took.
	Duration time.Duration `json:"duration"`
}

// EvalContext parameterizes an evaluation.
type EvalContext struct {
	// MinDisclosureSize is the smallest group a published finding may
	// aggregate. Groups below it are suppressed.
	MinDisclosureSize int `json:"min_disclosure_size"`

	// Environment is the deployment environment, e.g. production.
	Environment string `json:"environment,omitempty"`

	// Timestamp is when the evaluation is occurring.
	Timestamp time.Time `json:"timestamp"`
}

// policyInput is the document handed to Rego evaluation.
type policyInput struct {
	Abstract *engine.StatisticalAbstract `json:"abstract"`
	Context  EvalContext                 `json:"context"`
}

// PolicyBundle represents a collection of related policies.
type PolicyBundle struct {
	// Name is the unique name of the bundle.
	Name string `json:"name"`

	// Version is the bundle version.
	Version string `json:"version"`

	// Description provides a human-readable description.
	Description string `json:"description"`

	// Policies are the policies in this bundle.
	Policies []Policy `json:"policies"`

	// CreatedAt is when the bundle was created.
	CreatedAt time.Time `json:"created_at"`
}
