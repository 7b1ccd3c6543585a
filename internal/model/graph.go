package model

import (
	"fmt"
	"time"
)

// EdgeType classifies a directed relationship between two decisions.
type EdgeType string

// Edge types.
const (
	EdgeDependsOn   EdgeType = "depends_on"
	EdgeSupersedes  EdgeType = "supersedes"
	EdgeContradicts EdgeType = "contradicts"
	EdgeRefines     EdgeType = "refines"
	EdgeRelatesTo   EdgeType = "relates_to"
	EdgeCausedBy    EdgeType = "caused_by"
	EdgeBlocks      EdgeType = "blocks"
)

// ValidEdgeType reports whether t is a known edge type.
func ValidEdgeType(t EdgeType) bool {
	switch t {
	case EdgeDependsOn, EdgeSupersedes, EdgeContradicts, EdgeRefines,
		EdgeRelatesTo, EdgeCausedBy, EdgeBlocks:
		return true
	}
	return false
}

// Edge is one typed, weighted, directed edge between decision IDs.
type Edge struct {
	SourceID  string    `json:"source_id"`
	TargetID  string    `json:"target_id"`
	Type      EdgeType  `json:"type"`
	Weight    float64   `json:"weight"`
	Context   string    `json:"context,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks edge fields before the journal accepts it.
func (e *Edge) Validate() error {
	if e.SourceID == "" || e.TargetID == "" {
		return fmt.Errorf("model: edge endpoints are required")
	}
	if e.SourceID == e.TargetID {
		return fmt.Errorf("model: self-loop edge on %s", e.SourceID)
	}
	if !ValidEdgeType(e.Type) {
		return fmt.Errorf("model: unknown edge type %q", e.Type)
	}
	if e.Weight <= 0 || e.Weight > 1 {
		return fmt.Errorf("model: edge weight %g outside (0,1]", e.Weight)
	}
	return nil
}

// GraphNode is a decision metadata snapshot returned by traversal.
type GraphNode struct {
	ID         string    `json:"id"`
	Summary    string    `json:"summary"`
	Category   Category  `json:"category"`
	Stakes     Stakes    `json:"stakes"`
	Status     Status    `json:"status"`
	Confidence float64   `json:"confidence"`
	Salience   float64   `json:"salience"`
	Date       time.Time `json:"date"`
}

// Graph is the result of a bounded traversal from a root decision.
type Graph struct {
	Root  string      `json:"root"`
	Nodes []GraphNode `json:"nodes"`
	Edges []Edge      `json:"edges"`
}

// ReadyActionKind classifies entries in the ready queue.
type ReadyActionKind string

// Ready queue action kinds, highest priority first.
const (
	ReadyOverdueReview ReadyActionKind = "overdue_review"
	ReadyStalePending  ReadyActionKind = "stale_pending"
	ReadyDriftAlert    ReadyActionKind = "drift_alert"
	ReadyContradiction ReadyActionKind = "contradiction"
)

// ReadyAction is one outstanding piece of cognitive maintenance work.
type ReadyAction struct {
	Kind       ReadyActionKind `json:"kind"`
	DecisionID string          `json:"decision_id,omitempty"`
	Category   Category        `json:"category,omitempty"`
	Message    string          `json:"message"`
	Priority   int             `json:"priority"` // lower sorts first
}
