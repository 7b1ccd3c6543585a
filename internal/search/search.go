// Package search provides the vector index for semantic retrieval, backed by
// Qdrant, with health caching so the retrieval engine can degrade to
// keyword-only when the index is unreachable.
package search

import (
	"context"
	"errors"

	"github.com/noema-ai/noema/internal/model"
)

// Result is one vector hit: a decision ID and cosine similarity in [0,1].
// The caller hydrates full records from the store (source of truth) and
// converts similarity to distance.
type Result struct {
	DecisionID string
	Score      float32
}

// Point is the data needed to upsert one decision side into the index.
// A decision with an explicit bridge contributes up to two points, one per
// side; records without a bridge contribute a single "both" point.
type Point struct {
	DecisionID string
	Side       model.BridgeSide
	Category   model.Category
	Stakes     model.Stakes
	Status     model.Status
	Agent      string
	Project    string
	Confidence float64
	CreatedAt  int64 // unix seconds
	Tags       []string
	Embedding  []float32
}

// Unavailable is the VectorStore used when no vector backend is configured.
// Every call reports the backend as unreachable, which sends hybrid queries
// down the keyword-only degradation path.
type Unavailable struct{}

func (Unavailable) Query(context.Context, []float32, model.BridgeSide, model.QueryFilters, int) ([]Result, error) {
	return nil, errUnavailable
}
func (Unavailable) Upsert(context.Context, []Point) error  { return errUnavailable }
func (Unavailable) Delete(context.Context, []string) error { return errUnavailable }
func (Unavailable) Reset(context.Context) error            { return errUnavailable }
func (Unavailable) Healthy(context.Context) error          { return errUnavailable }

var errUnavailable = errors.New("search: no vector backend configured")

// VectorStore is the interface the retrieval engine depends on.
// Implementations must be safe for concurrent use.
type VectorStore interface {
	// Query returns decision IDs near the embedding, restricted to the given
	// bridge side and filters. Scores are cosine similarity.
	Query(ctx context.Context, embedding []float32, side model.BridgeSide, filters model.QueryFilters, limit int) ([]Result, error)

	// Upsert inserts or replaces points.
	Upsert(ctx context.Context, points []Point) error

	// Delete removes all points belonging to the given decision IDs.
	Delete(ctx context.Context, decisionIDs []string) error

	// Reset drops and recreates the collection, for full reindexes.
	Reset(ctx context.Context) error

	// Healthy returns nil when the index is reachable.
	Healthy(ctx context.Context) error
}
