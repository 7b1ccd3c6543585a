// Package model defines the core domain types shared across the storage,
// retrieval, guardrail, calibration, and dispatch layers.
//
// Types here are plain structs with JSON tags matching the dispatch surface.
// Validation lives next to the types so every transport shares the same rules.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
)

// Category classifies what kind of decision was made.
type Category string

// Valid decision categories.
const (
	CategoryArchitecture Category = "architecture"
	CategoryProcess      Category = "process"
	CategoryIntegration  Category = "integration"
	CategoryTooling      Category = "tooling"
	CategorySecurity     Category = "security"
)

// Stakes expresses how costly a wrong decision would be.
type Stakes string

// Valid stakes levels, ordered low to critical.
const (
	StakesLow      Stakes = "low"
	StakesMedium   Stakes = "medium"
	StakesHigh     Stakes = "high"
	StakesCritical Stakes = "critical"
)

// Status is the lifecycle state of a decision record.
type Status string

// Lifecycle states. A record moves pending → reviewed, or to the terminal
// abandoned state.
const (
	StatusPending   Status = "pending"
	StatusReviewed  Status = "reviewed"
	StatusAbandoned Status = "abandoned"
)

// Outcome is the observed result attached when a decision is reviewed.
type Outcome string

// Valid review outcomes.
const (
	OutcomeSuccess   Outcome = "success"
	OutcomePartial   Outcome = "partial"
	OutcomeFailure   Outcome = "failure"
	OutcomeAbandoned Outcome = "abandoned"
)

// ReasonType names the epistemic basis of a reason.
type ReasonType string

// Valid reason types.
const (
	ReasonAnalysis    ReasonType = "analysis"
	ReasonEmpirical   ReasonType = "empirical"
	ReasonPattern     ReasonType = "pattern"
	ReasonAuthority   ReasonType = "authority"
	ReasonConstraint  ReasonType = "constraint"
	ReasonAnalogy     ReasonType = "analogy"
	ReasonIntuition   ReasonType = "intuition"
	ReasonElimination ReasonType = "elimination"
)

// DefaultReasonStrength is applied when a reason arrives without one.
const DefaultReasonStrength = 0.8

// Reason is one element of the ordered reasoning chain behind a decision.
type Reason struct {
	Type     ReasonType `json:"type"`
	Text     string     `json:"text"`
	Strength float64    `json:"strength"`
}

// Bridge is the paired structural/functional description of a decision.
// Auto-extracted sides are capped at MaxBridgeSideLen characters.
type Bridge struct {
	Structure   string `json:"structure,omitempty"`
	Function    string `json:"function,omitempty"`
	Tolerance   string `json:"tolerance,omitempty"`
	Enforcement string `json:"enforcement,omitempty"`
	Prevention  string `json:"prevention,omitempty"`
}

// BridgeSide selects which half of a bridge drives a directional query.
type BridgeSide string

// Bridge sides accepted by the retrieval engine.
const (
	BridgeStructure BridgeSide = "structure"
	BridgeFunction  BridgeSide = "function"
	BridgeBoth      BridgeSide = "both"
)

// Bridge extraction provenance values.
const (
	BridgeMethodExplicit  = "explicit"
	BridgeMethodRule      = "rule"
	BridgeMethodLLM       = "llm"
	BridgeMethodExtracted = "both-extracted"
	BridgeMethodNone      = "none"
)

// DeliberationInput is one observed input to a deliberation trace: a query
// the agent ran, a guardrail check, a fetched record, or an explicit thought.
type DeliberationInput struct {
	ID        string    `json:"id"`
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// DeliberationStep is an explicit reasoning step referencing earlier inputs.
type DeliberationStep struct {
	StepNo     int       `json:"step_no"`
	Thought    string    `json:"thought"`
	InputsUsed []string  `json:"inputs_used,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Type       string    `json:"type,omitempty"`
}

// Deliberation is the captured trace of what preceded a decision.
type Deliberation struct {
	Inputs          []DeliberationInput `json:"inputs"`
	Steps           []DeliberationStep  `json:"steps,omitempty"`
	TotalDurationMS int64               `json:"total_duration_ms"`
}

// RelatedEdge is a read-convenience copy of a graph edge. The graph is the
// source of truth; this set is materialised onto the record for cheap reads.
type RelatedEdge struct {
	TargetID string  `json:"target_id"`
	Summary  string  `json:"summary,omitempty"`
	Distance float64 `json:"distance"`
}

// ProjectContext locates a decision in a codebase or workflow.
type ProjectContext struct {
	Project string `json:"project,omitempty"`
	Feature string `json:"feature,omitempty"`
	PR      string `json:"pr,omitempty"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Commit  string `json:"commit,omitempty"`
}

// Decision is the durable decision record. IDs are 8 lowercase hex digits
// derived from content at creation (see DeriveID).
type Decision struct {
	ID         string     `json:"id"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ReviewedAt *time.Time `json:"reviewed_at,omitempty"`
	RecordedBy string     `json:"recorded_by"`

	Decision   string   `json:"decision"`
	Confidence float64  `json:"confidence"`
	Category   Category `json:"category"`
	Stakes     Stakes   `json:"stakes"`
	Context    string   `json:"context,omitempty"`

	Status        Status  `json:"status"`
	Outcome       Outcome `json:"outcome,omitempty"`
	OutcomeResult string  `json:"outcome_result,omitempty"`
	Lessons       string  `json:"lessons,omitempty"`

	Reasons []Reason `json:"reasons,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Pattern string   `json:"pattern,omitempty"`

	Bridge       *Bridge `json:"bridge,omitempty"`
	BridgeMethod string  `json:"bridge_method,omitempty"`

	Deliberation *Deliberation   `json:"deliberation,omitempty"`
	Related      []RelatedEdge   `json:"related,omitempty"`
	ProjectCtx   *ProjectContext `json:"project_context,omitempty"`

	ReviewBy *time.Time `json:"review_by,omitempty"`
	Salience float64    `json:"salience,omitempty"`

	// Embedding is persisted alongside the record so the vector index can be
	// rebuilt from the store without re-calling the embedding provider.
	Embedding *pgvector.Vector `json:"-"`
}

// Validation limits.
const (
	MaxDecisionLen   = 4096
	MaxContextLen    = 8192
	MaxReasonTextLen = 2048
	MaxTagLen        = 64
	MaxTags          = 32
	MaxReasons       = 32
	MaxBridgeSideLen = 512
	IDLen            = 8
)

// DeriveID computes the content-addressed 8-hex-digit record ID. salt is
// incremented by the caller on a store collision.
func DeriveID(decision, recordedBy string, createdAt time.Time, salt int) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%d\x00%d", decision, recordedBy, createdAt.UnixNano(), salt)
	return hex.EncodeToString(h.Sum(nil)[:4])
}

// ValidCategory reports whether c is one of the five known categories.
func ValidCategory(c Category) bool {
	switch c {
	case CategoryArchitecture, CategoryProcess, CategoryIntegration, CategoryTooling, CategorySecurity:
		return true
	}
	return false
}

// ValidStakes reports whether s is a known stakes level.
func ValidStakes(s Stakes) bool {
	switch s {
	case StakesLow, StakesMedium, StakesHigh, StakesCritical:
		return true
	}
	return false
}

// ValidOutcome reports whether o is a known review outcome.
func ValidOutcome(o Outcome) bool {
	switch o {
	case OutcomeSuccess, OutcomePartial, OutcomeFailure, OutcomeAbandoned:
		return true
	}
	return false
}

// ValidReasonType reports whether t is a known reason type.
func ValidReasonType(t ReasonType) bool {
	switch t {
	case ReasonAnalysis, ReasonEmpirical, ReasonPattern, ReasonAuthority,
		ReasonConstraint, ReasonAnalogy, ReasonIntuition, ReasonElimination:
		return true
	}
	return false
}

// Validate checks a decision record before it is written. Server-assigned
// fields (ID, timestamps, status) are not checked here.
func (d *Decision) Validate() error {
	if d.Decision == "" {
		return fmt.Errorf("model: decision text is required")
	}
	if len(d.Decision) > MaxDecisionLen {
		return fmt.Errorf("model: decision text exceeds %d characters", MaxDecisionLen)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("model: confidence %g outside [0,1]", d.Confidence)
	}
	if !ValidCategory(d.Category) {
		return fmt.Errorf("model: unknown category %q", d.Category)
	}
	if !ValidStakes(d.Stakes) {
		return fmt.Errorf("model: unknown stakes %q", d.Stakes)
	}
	if len(d.Context) > MaxContextLen {
		return fmt.Errorf("model: context exceeds %d characters", MaxContextLen)
	}
	if len(d.Reasons) > MaxReasons {
		return fmt.Errorf("model: more than %d reasons", MaxReasons)
	}
	for i, r := range d.Reasons {
		if !ValidReasonType(r.Type) {
			return fmt.Errorf("model: reasons[%d]: unknown type %q", i, r.Type)
		}
		if r.Text == "" {
			return fmt.Errorf("model: reasons[%d]: text is required", i)
		}
		if len(r.Text) > MaxReasonTextLen {
			return fmt.Errorf("model: reasons[%d]: text exceeds %d characters", i, MaxReasonTextLen)
		}
		if r.Strength < 0 || r.Strength > 1 {
			return fmt.Errorf("model: reasons[%d]: strength %g outside [0,1]", i, r.Strength)
		}
	}
	if len(d.Tags) > MaxTags {
		return fmt.Errorf("model: more than %d tags", MaxTags)
	}
	for i, tag := range d.Tags {
		if tag == "" || len(tag) > MaxTagLen {
			return fmt.Errorf("model: tags[%d]: must be 1-%d characters", i, MaxTagLen)
		}
	}
	if d.Deliberation != nil {
		if err := d.Deliberation.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate enforces the per-record deliberation invariants: input IDs are
// unique, and steps reference only inputs present on the same record.
func (del *Deliberation) Validate() error {
	seen := make(map[string]bool, len(del.Inputs))
	for i, in := range del.Inputs {
		if in.ID == "" {
			return fmt.Errorf("model: deliberation.inputs[%d]: id is required", i)
		}
		if seen[in.ID] {
			return fmt.Errorf("model: deliberation.inputs: duplicate id %q", in.ID)
		}
		seen[in.ID] = true
	}
	for i, st := range del.Steps {
		for _, ref := range st.InputsUsed {
			if !seen[ref] {
				return fmt.Errorf("model: deliberation.steps[%d]: unknown input id %q", i, ref)
			}
		}
	}
	return nil
}

// OutcomeScalar maps a review outcome to the numeric value used by Brier
// scoring and accuracy. Partial is treated as 0.5; deployments with different
// calibration expectations can re-map this rather than patch the scoring.
var OutcomeScalar = map[Outcome]float64{
	OutcomeSuccess:   1.0,
	OutcomePartial:   0.5,
	OutcomeFailure:   0.0,
	OutcomeAbandoned: 0.0,
}

// Summary returns a short single-line rendering of the decision text,
// used in query results and graph node snapshots.
func (d *Decision) Summary() string {
	const max = 140
	// Truncation counts runes so multi-byte text is never split mid-character.
	r := []rune(d.Decision)
	if len(r) <= max {
		return d.Decision
	}
	return string(r[:max-1]) + "…"
}

// SearchText concatenates the fields the keyword index tokenises.
func (d *Decision) SearchText() string {
	text := d.Decision + " " + string(d.Category)
	for _, t := range d.Tags {
		text += " " + t
	}
	if d.Pattern != "" {
		text += " " + d.Pattern
	}
	if d.Context != "" {
		text += " " + d.Context
	}
	for _, r := range d.Reasons {
		text += " " + r.Text
	}
	if d.Bridge != nil {
		for _, side := range []string{d.Bridge.Structure, d.Bridge.Function, d.Bridge.Tolerance, d.Bridge.Enforcement, d.Bridge.Prevention} {
			if side != "" {
				text += " " + side
			}
		}
	}
	return text
}

// EmbeddingText returns the text embedded for a given bridge side. Falls back
// to the full decision text when the record lacks that side.
func (d *Decision) EmbeddingText(side BridgeSide) string {
	if d.Bridge != nil {
		switch side {
		case BridgeStructure:
			if d.Bridge.Structure != "" {
				return d.Bridge.Structure
			}
		case BridgeFunction:
			if d.Bridge.Function != "" {
				return d.Bridge.Function
			}
		}
	}
	text := string(d.Category) + ": " + d.Decision
	if d.Context != "" {
		text += " " + d.Context
	}
	return text
}
