package retrieval

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/pgvector/pgvector-go"

	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/search"
	"github.com/noema-ai/noema/internal/service/embedding"
)

// IndexStore is the storage surface the indexer needs. *storage.DB satisfies it.
type IndexStore interface {
	UpdateEmbedding(ctx context.Context, id string, embedding pgvector.Vector) error
	ListMissingEmbeddings(ctx context.Context, limit int) ([]model.Decision, error)
	AllEmbedded(ctx context.Context) ([]model.Decision, []pgvector.Vector, error)
}

// Indexer keeps the vector collection in sync with the store. Embeddings are
// persisted on the record so the collection can be rebuilt without re-calling
// the provider.
type Indexer struct {
	store      IndexStore
	vectors    search.VectorStore
	embedder   embedding.Provider
	keywords   *search.KeywordIndex
	logger     *slog.Logger
	inProgress atomic.Bool
}

// NewIndexer builds an indexer over the given backends.
func NewIndexer(store IndexStore, vectors search.VectorStore, keywords *search.KeywordIndex, embedder embedding.Provider, logger *slog.Logger) *Indexer {
	return &Indexer{
		store:    store,
		vectors:  vectors,
		keywords: keywords,
		embedder: embedder,
		logger:   logger,
	}
}

// Embed computes the whole-record embedding for a decision. Callers persist
// the returned vector on the record at write time.
func (ix *Indexer) Embed(ctx context.Context, d *model.Decision) (pgvector.Vector, error) {
	return ix.embedder.Embed(ctx, d.EmbeddingText(model.BridgeBoth))
}

// IndexDecision upserts a record's points into the vector collection: one
// whole-record point, plus one per explicit bridge side.
func (ix *Indexer) IndexDecision(ctx context.Context, d *model.Decision) error {
	points, err := ix.pointsFor(ctx, d)
	if err != nil {
		return err
	}
	if err := ix.vectors.Upsert(ctx, points); err != nil {
		return err
	}
	ix.keywords.Invalidate()
	return nil
}

// pointsFor builds the upsert set for one record. The whole-record vector is
// taken from the record when already persisted; bridge-side vectors are
// always provider-computed since they embed different text.
func (ix *Indexer) pointsFor(ctx context.Context, d *model.Decision) ([]search.Point, error) {
	base := search.Point{
		DecisionID: d.ID,
		Category:   d.Category,
		Stakes:     d.Stakes,
		Status:     d.Status,
		Agent:      d.RecordedBy,
		Confidence: d.Confidence,
		CreatedAt:  d.CreatedAt.Unix(),
		Tags:       d.Tags,
	}
	if d.ProjectCtx != nil {
		base.Project = d.ProjectCtx.Project
	}

	texts := []string{d.EmbeddingText(model.BridgeBoth)}
	sides := []model.BridgeSide{model.BridgeBoth}
	if d.Bridge != nil {
		if d.Bridge.Structure != "" {
			texts = append(texts, d.Bridge.Structure)
			sides = append(sides, model.BridgeStructure)
		}
		if d.Bridge.Function != "" {
			texts = append(texts, d.Bridge.Function)
			sides = append(sides, model.BridgeFunction)
		}
	}

	var vecs []pgvector.Vector
	if d.Embedding != nil && len(sides) == 1 {
		vecs = []pgvector.Vector{*d.Embedding}
	} else {
		var err error
		vecs, err = ix.embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return nil, err
		}
	}

	points := make([]search.Point, len(sides))
	for i, side := range sides {
		p := base
		p.Side = side
		p.Embedding = vecs[i].Slice()
		points[i] = p
	}
	return points, nil
}

// Remove deletes a record's points from the vector collection.
func (ix *Indexer) Remove(ctx context.Context, id string) error {
	return ix.vectors.Delete(ctx, []string{id})
}

// InProgress reports whether a full reindex is currently running.
func (ix *Indexer) InProgress() bool {
	return ix.inProgress.Load()
}

// ReindexAll drops the collection and rebuilds it from the store. Records
// with persisted embeddings are restored without provider calls; bridge-side
// points are re-embedded. Returns the number of records indexed and the
// number skipped because their upsert failed.
func (ix *Indexer) ReindexAll(ctx context.Context) (indexed, skipped int, err error) {
	if !ix.inProgress.CompareAndSwap(false, true) {
		return 0, 0, model.E(model.KindInvalidParams, "reindex already in progress")
	}
	defer ix.inProgress.Store(false)

	if err := ix.vectors.Reset(ctx); err != nil {
		return 0, 0, err
	}

	decisions, vecs, err := ix.store.AllEmbedded(ctx)
	if err != nil {
		return 0, 0, err
	}

	for i := range decisions {
		d := decisions[i]
		d.Embedding = &vecs[i]
		if err := ix.IndexDecision(ctx, &d); err != nil {
			ix.logger.Warn("reindex: skipping record", "id", d.ID, "error", err)
			skipped++
			continue
		}
		indexed++
	}

	ix.keywords.Invalidate()
	ix.logger.Info("reindex complete", "indexed", indexed, "skipped", skipped)
	return indexed, skipped, nil
}

// Backfill embeds records that were persisted without a vector (recorded
// during a provider outage) and indexes them. Intended to run at startup.
func (ix *Indexer) Backfill(ctx context.Context, batch int) (int, error) {
	missing, err := ix.store.ListMissingEmbeddings(ctx, batch)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range missing {
		d := missing[i]
		vec, err := ix.Embed(ctx, &d)
		if err != nil {
			// Provider still down; retry on the next boot.
			return done, err
		}
		if err := ix.store.UpdateEmbedding(ctx, d.ID, vec); err != nil {
			return done, err
		}
		d.Embedding = &vec
		if err := ix.IndexDecision(ctx, &d); err != nil {
			ix.logger.Warn("backfill: index failed", "id", d.ID, "error", err)
		}
		done++
	}
	if done > 0 {
		ix.logger.Info("embedding backfill complete", "records", done)
	}
	return done, nil
}
