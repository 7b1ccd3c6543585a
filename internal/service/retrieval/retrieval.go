// Package retrieval implements hybrid decision search: semantic distance from
// the vector index blended with BM25 keyword scores, with transparent
// degradation to keyword-only when the vector backend is unavailable.
package retrieval

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/search"
	"github.com/noema-ai/noema/internal/service/embedding"
)

// Default and maximum result counts.
const (
	DefaultLimit = 10
	MaxLimit     = 50
)

// Store hydrates full records for scored IDs. *storage.DB satisfies it.
type Store interface {
	GetDecisionsByIDs(ctx context.Context, ids []string) (map[string]model.Decision, error)
}

// Engine blends the vector index and the keyword index into ranked results.
type Engine struct {
	store    Store
	vectors  search.VectorStore
	keywords *search.KeywordIndex
	embedder embedding.Provider
	logger   *slog.Logger
}

// NewEngine builds a retrieval engine over the given backends.
func NewEngine(store Store, vectors search.VectorStore, keywords *search.KeywordIndex, embedder embedding.Provider, logger *slog.Logger) *Engine {
	return &Engine{
		store:    store,
		vectors:  vectors,
		keywords: keywords,
		embedder: embedder,
		logger:   logger,
	}
}

// Response carries ranked results plus a degradation marker. Degraded is true
// when a hybrid query fell back to keyword-only because the vector backend
// was unreachable; each result's Scores.Semantic is nil in that case.
type Response struct {
	Results  []model.QueryResult
	Degraded bool
}

// Query executes a retrieval request. Results are ordered by combined score
// ascending (lower is more similar), ties broken by confidence descending
// then date descending.
func (e *Engine) Query(ctx context.Context, req model.QueryRequest) (Response, error) {
	if req.Query == "" {
		return Response{}, model.E(model.KindInvalidParams, "query text is required")
	}
	limit := req.Limit
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	mode := req.Mode
	if mode == "" {
		mode = model.ModeHybrid
	}
	side := req.BridgeSide
	if side == "" {
		side = model.BridgeBoth
	}

	switch mode {
	case model.ModeKeyword:
		results, err := e.keywordOnly(ctx, req, limit)
		return Response{Results: results}, err
	case model.ModeSemantic:
		results, err := e.semanticOnly(ctx, req, side, limit)
		return Response{Results: results}, err
	case model.ModeHybrid:
		return e.hybrid(ctx, req, side, limit)
	default:
		return Response{}, model.Ef(model.KindInvalidParams, "unknown retrieval mode %q", mode)
	}
}

// semanticHit is one vector pool entry, score converted to cosine distance.
type semanticHit struct {
	id       string
	distance float64
}

func (e *Engine) semanticPool(ctx context.Context, req model.QueryRequest, side model.BridgeSide, n int) ([]semanticHit, error) {
	if err := e.vectors.Healthy(ctx); err != nil {
		return nil, err
	}
	vec, err := e.embedder.Embed(ctx, req.Query)
	if err != nil {
		return nil, err
	}
	raw, err := e.vectors.Query(ctx, vec.Slice(), side, req.Filters, n)
	if err != nil {
		return nil, err
	}
	hits := make([]semanticHit, 0, len(raw))
	for _, r := range raw {
		d := 1 - float64(r.Score)
		if d < 0 {
			d = 0
		}
		hits = append(hits, semanticHit{id: r.DecisionID, distance: d})
	}
	return hits, nil
}

func (e *Engine) semanticOnly(ctx context.Context, req model.QueryRequest, side model.BridgeSide, limit int) ([]model.QueryResult, error) {
	hits, err := e.semanticPool(ctx, req, side, limit)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "semantic search unavailable", err)
	}

	ids := make([]string, len(hits))
	scores := make(map[string]model.QueryScores, len(hits))
	for i, h := range hits {
		ids[i] = h.id
		d := h.distance
		scores[h.id] = model.QueryScores{Semantic: &d, Combined: d}
	}
	return e.hydrate(ctx, ids, scores, limit)
}

// keywordOnly serves pure keyword queries and the hybrid degradation path.
// BM25 scores are min-max normalised and inverted so combined stays a
// distance (ascending, lower is better).
func (e *Engine) keywordOnly(ctx context.Context, req model.QueryRequest, limit int) ([]model.QueryResult, error) {
	hits, err := e.keywords.Search(ctx, req.Query, req.Filters, limit)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "keyword search failed", err)
	}

	norms := normalizeBM25(hits)
	ids := make([]string, len(hits))
	scores := make(map[string]model.QueryScores, len(hits))
	for i, h := range hits {
		ids[i] = h.DecisionID
		scores[h.DecisionID] = model.QueryScores{
			Keyword:  norms[h.DecisionID],
			Combined: 1 - norms[h.DecisionID],
		}
	}
	return e.hydrate(ctx, ids, scores, limit)
}

func (e *Engine) hybrid(ctx context.Context, req model.QueryRequest, side model.BridgeSide, limit int) (Response, error) {
	poolSize := limit * 2

	var semHits []semanticHit
	var kwHits []search.KeywordHit
	var semErr error

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		semHits, semErr = e.semanticPool(gctx, req, side, poolSize)
		// Semantic failure degrades rather than failing the query.
		return nil
	})
	g.Go(func() error {
		var err error
		kwHits, err = e.keywords.Search(gctx, req.Query, req.Filters, poolSize)
		return err
	})
	if err := g.Wait(); err != nil {
		return Response{}, model.Wrap(model.KindQueryFailed, "keyword search failed", err)
	}

	if semErr != nil {
		e.logger.Warn("vector backend unavailable, degrading to keyword-only", "error", semErr)
		results, err := e.keywordOnly(ctx, req, limit)
		return Response{Results: results, Degraded: true}, err
	}

	norms := normalizeBM25(kwHits)
	semDist := make(map[string]float64, len(semHits))
	for _, h := range semHits {
		semDist[h.id] = h.distance
	}

	// Union of both pools.
	ids := make([]string, 0, len(semHits)+len(kwHits))
	seen := make(map[string]bool, len(semHits)+len(kwHits))
	for _, h := range semHits {
		if !seen[h.id] {
			seen[h.id] = true
			ids = append(ids, h.id)
		}
	}
	for _, h := range kwHits {
		if !seen[h.DecisionID] {
			seen[h.DecisionID] = true
			ids = append(ids, h.DecisionID)
		}
	}

	scores := make(map[string]model.QueryScores, len(ids))
	for _, id := range ids {
		dSem, inSem := semDist[id]
		if !inSem {
			// Present only in the keyword pool: treat as maximally distant
			// semantically rather than dropping it.
			dSem = 1
		}
		kw := norms[id]
		combined := model.DefaultSemanticWeight*dSem + model.DefaultKeywordWeight*(1-kw)
		d := dSem
		scores[id] = model.QueryScores{Semantic: &d, Keyword: kw, Combined: combined}
	}

	results, err := e.hydrate(ctx, ids, scores, limit)
	if err != nil {
		return Response{}, err
	}
	return Response{Results: results}, nil
}

// hydrate loads full records, applies filters the keyword path already
// enforced and the vector path enforced server-side, and sorts by combined
// ascending with confidence then recency tiebreaks.
func (e *Engine) hydrate(ctx context.Context, ids []string, scores map[string]model.QueryScores, limit int) ([]model.QueryResult, error) {
	decisions, err := e.store.GetDecisionsByIDs(ctx, ids)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "hydrate results", err)
	}

	results := make([]model.QueryResult, 0, len(ids))
	for _, id := range ids {
		d, ok := decisions[id]
		if !ok {
			// Deleted between index hit and hydration.
			continue
		}
		s := scores[id]
		results = append(results, model.QueryResult{
			ID:         d.ID,
			Summary:    d.Summary(),
			Category:   d.Category,
			Confidence: d.Confidence,
			Stakes:     d.Stakes,
			Status:     d.Status,
			Date:       d.CreatedAt,
			Distance:   s.Combined,
			Scores:     s,
			Bridge:     d.Bridge,
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Scores.Combined != results[j].Scores.Combined {
			return results[i].Scores.Combined < results[j].Scores.Combined
		}
		if results[i].Confidence != results[j].Confidence {
			return results[i].Confidence > results[j].Confidence
		}
		return results[i].Date.After(results[j].Date)
	})

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}

// normalizeBM25 min-max normalises raw BM25 scores into [0,1] per query.
// A single-hit pool normalises to 1.
func normalizeBM25(hits []search.KeywordHit) map[string]float64 {
	norms := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return norms
	}
	min, max := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < min {
			min = h.Score
		}
		if h.Score > max {
			max = h.Score
		}
	}
	for _, h := range hits {
		if max == min {
			norms[h.DecisionID] = 1
		} else {
			norms[h.DecisionID] = (h.Score - min) / (max - min)
		}
	}
	return norms
}
