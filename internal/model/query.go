package model

import "time"

// RetrievalMode selects which index (or blend) serves a query.
type RetrievalMode string

// Retrieval modes. Hybrid is the default.
const (
	ModeSemantic RetrievalMode = "semantic"
	ModeKeyword  RetrievalMode = "keyword"
	ModeHybrid   RetrievalMode = "hybrid"
)

// Default hybrid merge weights.
const (
	DefaultSemanticWeight = 0.7
	DefaultKeywordWeight  = 0.3
)

// QueryFilters narrows query and list results. All fields are optional.
type QueryFilters struct {
	Category   Category   `json:"category,omitempty"`
	Stakes     Stakes     `json:"stakes,omitempty"`
	Status     Status     `json:"status,omitempty"`
	Agent      string     `json:"agent,omitempty"`
	Tags       []string   `json:"tags,omitempty"` // any-match
	Project    string     `json:"project,omitempty"`
	DateFrom   *time.Time `json:"date_from,omitempty"`
	DateTo     *time.Time `json:"date_to,omitempty"`
	Search     string     `json:"search,omitempty"` // case-insensitive substring over decision, context, pattern
	HasOutcome *bool      `json:"has_outcome,omitempty"`
}

// QueryRequest is the retrieval engine's input.
type QueryRequest struct {
	Query      string        `json:"query"`
	Limit      int           `json:"limit,omitempty"`
	Mode       RetrievalMode `json:"retrieval_mode,omitempty"`
	BridgeSide BridgeSide    `json:"bridge_side,omitempty"`
	Filters    QueryFilters  `json:"filters,omitempty"`
}

// QueryScores breaks a result's combined score into its components.
// Semantic is nil when the vector backend was unavailable and the engine
// degraded to keyword-only.
type QueryScores struct {
	Semantic *float64 `json:"semantic"`
	Keyword  float64  `json:"keyword"`
	Combined float64  `json:"combined"`
}

// QueryResult is one retrieval hit, ordered by Combined ascending
// (lower is more similar).
type QueryResult struct {
	ID         string      `json:"id"`
	Summary    string      `json:"summary"`
	Category   Category    `json:"category"`
	Confidence float64     `json:"confidence"`
	Stakes     Stakes      `json:"stakes"`
	Status     Status      `json:"status"`
	Date       time.Time   `json:"date"`
	Distance   float64     `json:"distance"`
	Scores     QueryScores `json:"scores"`
	Bridge     *Bridge     `json:"bridge,omitempty"`
}

// ListRequest is a paginated filtered listing.
type ListRequest struct {
	Filters QueryFilters `json:"filters,omitempty"`
	Limit   int          `json:"limit,omitempty"`
	Offset  int          `json:"offset,omitempty"`
}

// ListResponse carries one page plus the filtered total.
type ListResponse struct {
	Decisions []Decision `json:"decisions"`
	Total     int        `json:"total"`
	Limit     int        `json:"limit"`
	Offset    int        `json:"offset"`
}
