package model

import "fmt"

// GuardrailAction decides what a requirement failure produces.
type GuardrailAction string

// Guardrail actions, strongest first.
const (
	ActionBlock GuardrailAction = "block"
	ActionWarn  GuardrailAction = "warn"
	ActionLog   GuardrailAction = "log"
)

// Condition kinds for v2 structured evaluators. A condition with an empty
// Kind and a non-empty Field is a v1 field-operator triple.
const (
	CondField     = "field"
	CondSemantic  = "semantic"
	CondTemporal  = "temporal"
	CondAggregate = "aggregate"
	CondCompound  = "compound"
)

// Comparison operators shared by v1 conditions, requirements, and the
// aggregate evaluator.
const (
	OpEq    = "="
	OpNeq   = "!="
	OpLt    = "<"
	OpGt    = ">"
	OpLte   = "<="
	OpGte   = ">="
	OpIn    = "in"
	OpNotIn = "not_in"
)

// Condition is a tagged union over the v1 triple and the v2 evaluators.
// Which fields are meaningful depends on Kind.
type Condition struct {
	Kind string `json:"kind,omitempty"`

	// v1 / field
	Field    string `json:"field,omitempty"`
	Operator string `json:"operator,omitempty"`
	Value    any    `json:"value,omitempty"`

	// semantic
	QueryField      string  `json:"query_field,omitempty"`
	FilterOutcome   Outcome `json:"filter_outcome,omitempty"`
	FilterSinceDays int     `json:"filter_since_days,omitempty"`
	MinMatches      int     `json:"min_matches,omitempty"`
	Threshold       float64 `json:"threshold,omitempty"`

	// temporal
	WindowHours    int `json:"window_hours,omitempty"`
	MaxOccurrences int `json:"max_occurrences,omitempty"`

	// aggregate: Metric over decisions where Field = Value, compared to
	// Threshold with Operator.
	Metric string `json:"metric,omitempty"`

	// compound
	Op         string      `json:"op,omitempty"` // "and" | "or"
	Conditions []Condition `json:"conditions,omitempty"`
}

// Requirement is a boolean check on the action context. A missing context
// field counts as a failure.
type Requirement struct {
	Field       string `json:"field"`
	Operator    string `json:"operator"`
	Value       any    `json:"value"`
	Description string `json:"description,omitempty"`
}

// Guardrail is a declarative policy rule.
type Guardrail struct {
	ID           string          `json:"id"`
	Description  string          `json:"description,omitempty"`
	Scope        string          `json:"scope,omitempty"` // empty = global
	Conditions   []Condition     `json:"conditions,omitempty"`
	Requirements []Requirement   `json:"requirements,omitempty"`
	Action       GuardrailAction `json:"action"`
	Message      string          `json:"message,omitempty"`
}

// Validate checks the rule is well-formed enough to evaluate.
func (g *Guardrail) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("model: guardrail id is required")
	}
	switch g.Action {
	case ActionBlock, ActionWarn, ActionLog:
	default:
		return fmt.Errorf("model: guardrail %s: unknown action %q", g.ID, g.Action)
	}
	return nil
}

// ActionContext is the attribute bag a guardrail evaluation runs against.
// Keys mirror decision record fields (description, category, stakes,
// confidence, tags, project, agent) plus whatever the caller supplies.
type ActionContext map[string]any

// Violation is a blocked requirement or an open circuit breaker.
type Violation struct {
	RuleID         string  `json:"rule_id"`
	Type           string  `json:"type"` // "guardrail" | "circuit_breaker"
	Message        string  `json:"message"`
	State          string  `json:"state,omitempty"` // breaker state for circuit_breaker violations
	FailureRate    float64 `json:"failure_rate,omitempty"`
	RecentFailures int     `json:"recent_failures,omitempty"`
	ResetAt        string  `json:"reset_at,omitempty"`
	Suggestion     string  `json:"suggestion,omitempty"`
}

// Warning is a failed warn-level requirement.
type Warning struct {
	RuleID  string `json:"rule_id"`
	Message string `json:"message"`
}

// GuardrailResult is the outcome of evaluating all applicable guardrails.
// Allowed is true iff no violations were produced.
type GuardrailResult struct {
	Allowed        bool        `json:"allowed"`
	Violations     []Violation `json:"violations"`
	Warnings       []Warning   `json:"warnings"`
	EvaluatedCount int         `json:"evaluated_count"`
}
