package search

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync/atomic"
	"time"
	"unicode"

	"golang.org/x/sync/singleflight"

	"github.com/noema-ai/noema/internal/model"
)

// BM25 parameters. k1 controls term-frequency saturation, b controls length
// normalisation.
const (
	bm25K1 = 1.5
	bm25B  = 0.75
)

// DefaultIndexTTL bounds how stale a keyword snapshot may be before the next
// query triggers a rebuild.
const DefaultIndexTTL = 5 * time.Minute

// KeywordHit is one BM25 match. Score is a raw BM25 score; higher is better.
type KeywordHit struct {
	DecisionID string
	Score      float64
}

// CorpusSource supplies the documents the keyword index is built from.
type CorpusSource interface {
	AllDecisions(ctx context.Context) ([]model.Decision, error)
	CountDecisions(ctx context.Context) (int, error)
}

// snapshot is one immutable build of the inverted index. Queries read a
// snapshot via an atomic pointer and never block writers.
type snapshot struct {
	builtAt  time.Time
	docCount int

	// postings maps term -> docID -> term frequency.
	postings map[string]map[string]int
	docLen   map[string]int
	docs     map[string]model.Decision
	avgLen   float64
}

// KeywordIndex is an in-memory BM25 index over the decision corpus.
// Rebuilds are triggered lazily on query when the snapshot has expired or
// the store's record count changed, deduplicated via singleflight.
type KeywordIndex struct {
	source CorpusSource
	logger *slog.Logger
	ttl    time.Duration

	current atomic.Pointer[snapshot]
	rebuild singleflight.Group
}

// NewKeywordIndex creates an empty index. The first query builds it.
func NewKeywordIndex(source CorpusSource, ttl time.Duration, logger *slog.Logger) *KeywordIndex {
	if ttl <= 0 {
		ttl = DefaultIndexTTL
	}
	return &KeywordIndex{source: source, logger: logger, ttl: ttl}
}

// Search scores the query against the corpus and returns the top limit hits,
// filtered. A stale or missing snapshot is rebuilt first.
func (ki *KeywordIndex) Search(ctx context.Context, query string, filters model.QueryFilters, limit int) ([]KeywordHit, error) {
	snap, err := ki.freshSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	terms := Tokenize(query)
	if len(terms) == 0 || snap.docCount == 0 {
		return nil, nil
	}

	scores := make(map[string]float64)
	for _, term := range terms {
		posting, ok := snap.postings[term]
		if !ok {
			continue
		}
		// idf with the +1 smoothing variant so common terms never go negative.
		idf := math.Log(1 + (float64(snap.docCount)-float64(len(posting))+0.5)/(float64(len(posting))+0.5))
		for docID, tf := range posting {
			norm := 1 - bm25B + bm25B*float64(snap.docLen[docID])/snap.avgLen
			scores[docID] += idf * float64(tf) * (bm25K1 + 1) / (float64(tf) + bm25K1*norm)
		}
	}

	hits := make([]KeywordHit, 0, len(scores))
	for docID, score := range scores {
		d, ok := snap.docs[docID]
		if !ok || !matchesFilters(&d, filters) {
			continue
		}
		hits = append(hits, KeywordHit{DecisionID: docID, Score: score})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DecisionID < hits[j].DecisionID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// Invalidate forces the next query to rebuild, used after bulk mutations.
func (ki *KeywordIndex) Invalidate() {
	ki.current.Store(nil)
}

// freshSnapshot returns the current snapshot, rebuilding when it is missing,
// older than the TTL, or the store's record count no longer matches.
func (ki *KeywordIndex) freshSnapshot(ctx context.Context) (*snapshot, error) {
	snap := ki.current.Load()
	if snap != nil && time.Since(snap.builtAt) < ki.ttl {
		count, err := ki.source.CountDecisions(ctx)
		if err == nil && count == snap.docCount {
			return snap, nil
		}
	}

	result, err, _ := ki.rebuild.Do("rebuild", func() (any, error) {
		// Another waiter may have replaced the snapshot while we queued; a
		// swapped pointer means its rebuild already saw the newer corpus.
		if s := ki.current.Load(); s != nil && s != snap {
			return s, nil
		}
		return ki.build(ctx)
	})
	if err != nil {
		// A rebuild failure with a usable previous snapshot degrades to
		// serving stale results rather than failing the query.
		if snap != nil {
			ki.logger.Warn("keyword index rebuild failed, serving stale snapshot", "error", err)
			return snap, nil
		}
		return nil, err
	}
	return result.(*snapshot), nil
}

func (ki *KeywordIndex) build(ctx context.Context) (*snapshot, error) {
	started := time.Now()
	decisions, err := ki.source.AllDecisions(ctx)
	if err != nil {
		return nil, err
	}

	snap := &snapshot{
		builtAt:  time.Now(),
		docCount: len(decisions),
		postings: make(map[string]map[string]int),
		docLen:   make(map[string]int, len(decisions)),
		docs:     make(map[string]model.Decision, len(decisions)),
	}

	totalLen := 0
	for _, d := range decisions {
		terms := Tokenize(d.SearchText())
		snap.docLen[d.ID] = len(terms)
		snap.docs[d.ID] = d
		totalLen += len(terms)
		for _, term := range terms {
			posting := snap.postings[term]
			if posting == nil {
				posting = make(map[string]int)
				snap.postings[term] = posting
			}
			posting[d.ID]++
		}
	}
	if snap.docCount > 0 {
		snap.avgLen = float64(totalLen) / float64(snap.docCount)
	} else {
		snap.avgLen = 1
	}

	ki.current.Store(snap)
	ki.logger.Debug("keyword index rebuilt",
		"docs", snap.docCount,
		"terms", len(snap.postings),
		"took", time.Since(started))
	return snap, nil
}

// Tokenize lowercases and splits on non-alphanumeric runes, dropping
// single-character tokens.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	tokens := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// matchesFilters applies query filters to a hydrated record for keyword hits,
// mirroring the payload filtering the vector index does server-side.
func matchesFilters(d *model.Decision, f model.QueryFilters) bool {
	if f.Category != "" && d.Category != f.Category {
		return false
	}
	if f.Stakes != "" && d.Stakes != f.Stakes {
		return false
	}
	if f.Status != "" && d.Status != f.Status {
		return false
	}
	if f.Agent != "" && d.RecordedBy != f.Agent {
		return false
	}
	if f.Project != "" && (d.ProjectCtx == nil || d.ProjectCtx.Project != f.Project) {
		return false
	}
	if f.DateFrom != nil && d.CreatedAt.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && d.CreatedAt.After(*f.DateTo) {
		return false
	}
	if f.HasOutcome != nil {
		if *f.HasOutcome != (d.ReviewedAt != nil) {
			return false
		}
	}
	if f.Search != "" && !strings.Contains(strings.ToLower(d.SearchText()), strings.ToLower(f.Search)) {
		return false
	}
	if len(f.Tags) > 0 {
		found := false
		for _, want := range f.Tags {
			for _, have := range d.Tags {
				if want == have {
					found = true
					break
				}
			}
			if found {
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
