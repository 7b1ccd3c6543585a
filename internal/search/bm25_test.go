package search

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema-ai/noema/internal/model"
)

type memCorpus struct {
	decisions []model.Decision
	calls     int
}

func (m *memCorpus) AllDecisions(ctx context.Context) ([]model.Decision, error) {
	m.calls++
	return m.decisions, nil
}

func (m *memCorpus) CountDecisions(ctx context.Context) (int, error) {
	return len(m.decisions), nil
}

func mkDecision(id, text string, cat model.Category, tags ...string) model.Decision {
	return model.Decision{
		ID:         id,
		Decision:   text,
		Category:   cat,
		Stakes:     model.StakesMedium,
		Status:     model.StatusPending,
		RecordedBy: "agent-1",
		Confidence: 0.8,
		Tags:       tags,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
	}
}

func TestKeywordIndexRanking(t *testing.T) {
	corpus := &memCorpus{decisions: []model.Decision{
		mkDecision("aaaa0001", "use postgres for the primary datastore", model.CategoryArchitecture),
		mkDecision("aaaa0002", "use redis as a cache in front of postgres", model.CategoryArchitecture),
		mkDecision("aaaa0003", "adopt trunk based development", model.CategoryProcess),
	}}
	ki := NewKeywordIndex(corpus, time.Minute, testLogger())

	hits, err := ki.Search(context.Background(), "postgres datastore", model.QueryFilters{}, 10)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	// The document containing both query terms must rank first.
	assert.Equal(t, "aaaa0001", hits[0].DecisionID)
	for i := 1; i < len(hits); i++ {
		assert.LessOrEqual(t, hits[i].Score, hits[0].Score)
	}
}

func TestKeywordIndexNoMatches(t *testing.T) {
	corpus := &memCorpus{decisions: []model.Decision{
		mkDecision("aaaa0001", "use postgres", model.CategoryArchitecture),
	}}
	ki := NewKeywordIndex(corpus, time.Minute, testLogger())

	hits, err := ki.Search(context.Background(), "kubernetes ingress", model.QueryFilters{}, 10)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKeywordIndexFilters(t *testing.T) {
	corpus := &memCorpus{decisions: []model.Decision{
		mkDecision("aaaa0001", "migrate billing service to grpc", model.CategoryArchitecture, "billing"),
		mkDecision("aaaa0002", "migrate auth service to grpc", model.CategoryIntegration, "auth"),
	}}
	ki := NewKeywordIndex(corpus, time.Minute, testLogger())

	hits, err := ki.Search(context.Background(), "migrate grpc",
		model.QueryFilters{Category: model.CategoryIntegration}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "aaaa0002", hits[0].DecisionID)

	hits, err = ki.Search(context.Background(), "migrate grpc",
		model.QueryFilters{Tags: []string{"billing"}}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "aaaa0001", hits[0].DecisionID)

	hits, err = ki.Search(context.Background(), "migrate grpc",
		model.QueryFilters{Search: "AUTH service"}, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "aaaa0002", hits[0].DecisionID)
}

func TestKeywordIndexRebuildOnCountChange(t *testing.T) {
	corpus := &memCorpus{decisions: []model.Decision{
		mkDecision("aaaa0001", "use postgres", model.CategoryArchitecture),
	}}
	ki := NewKeywordIndex(corpus, time.Hour, testLogger())

	_, err := ki.Search(context.Background(), "postgres", model.QueryFilters{}, 10)
	require.NoError(t, err)
	require.Equal(t, 1, corpus.calls)

	// Same count within TTL: snapshot is reused.
	_, err = ki.Search(context.Background(), "postgres", model.QueryFilters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, corpus.calls)

	// New record changes the count and forces a rebuild.
	corpus.decisions = append(corpus.decisions,
		mkDecision("aaaa0002", "use postgres with pgvector", model.CategoryArchitecture))
	hits, err := ki.Search(context.Background(), "pgvector", model.QueryFilters{}, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, corpus.calls)
	require.Len(t, hits, 1)
	assert.Equal(t, "aaaa0002", hits[0].DecisionID)
}

func TestTokenize(t *testing.T) {
	tokens := Tokenize("Use gRPC, not REST! v2-api")
	assert.Equal(t, []string{"use", "grpc", "not", "rest", "v2", "api"}, tokens)
}
