package storage_test

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/storage"
	"github.com/noema-ai/noema/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	// Short is only valid after flags are parsed.
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

// newDecision builds a minimal valid record. Timestamps are truncated to
// microseconds to survive the timestamptz round trip.
func newDecision(id, agent string) model.Decision {
	now := time.Now().UTC().Truncate(time.Microsecond)
	return model.Decision{
		ID:         id,
		CreatedAt:  now,
		UpdatedAt:  now,
		RecordedBy: agent,
		Decision:   "use a write-ahead journal for edge mutations",
		Confidence: 0.8,
		Category:   model.CategoryArchitecture,
		Stakes:     model.StakesMedium,
		Status:     model.StatusPending,
		Reasons: []model.Reason{
			{Type: model.ReasonAnalysis, Text: "append-only survives crashes", Strength: 0.9},
		},
		Tags: []string{"storage", "journal"},
	}
}

func TestCreateAndGetDecision(t *testing.T) {
	ctx := context.Background()

	d := newDecision("aa010101", "store-agent")
	d.Pattern = "append-only journal"
	d.Bridge = &model.Bridge{Structure: "jsonl journal", Function: "durable edge history"}
	d.ProjectCtx = &model.ProjectContext{Project: "noema", Feature: "graph"}
	require.NoError(t, testDB.CreateDecision(ctx, d))

	got, err := testDB.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, d.ID, got.ID)
	assert.Equal(t, "store-agent", got.RecordedBy)
	assert.Equal(t, model.StatusPending, got.Status)
	assert.Equal(t, d.Decision, got.Decision)
	assert.Equal(t, d.Reasons, got.Reasons)
	assert.Equal(t, d.Tags, got.Tags)
	assert.Equal(t, "append-only journal", got.Pattern)
	require.NotNil(t, got.Bridge)
	assert.Equal(t, "jsonl journal", got.Bridge.Structure)
	require.NotNil(t, got.ProjectCtx)
	assert.Equal(t, "graph", got.ProjectCtx.Feature)
	assert.WithinDuration(t, d.CreatedAt, got.CreatedAt, time.Millisecond)
}

func TestCreateDuplicateID(t *testing.T) {
	ctx := context.Background()

	d := newDecision("aa020202", "dup-agent")
	require.NoError(t, testDB.CreateDecision(ctx, d))

	err := testDB.CreateDecision(ctx, d)
	assert.ErrorIs(t, err, storage.ErrDuplicateID)
}

func TestGetDecisionNotFound(t *testing.T) {
	_, err := testDB.GetDecision(context.Background(), "ffffffff")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpdateDecision(t *testing.T) {
	ctx := context.Background()

	d := newDecision("aa030303", "update-agent")
	require.NoError(t, testDB.CreateDecision(ctx, d))

	d.Decision = "use a write-ahead journal with periodic compaction"
	d.Confidence = 0.9
	d.Tags = append(d.Tags, "compaction")
	d.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	require.NoError(t, testDB.UpdateDecision(ctx, d))

	got, err := testDB.GetDecision(ctx, d.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.Confidence)
	assert.Contains(t, got.Tags, "compaction")

	missing := newDecision("ffffff00", "update-agent")
	assert.ErrorIs(t, testDB.UpdateDecision(ctx, missing), storage.ErrNotFound)
}

func TestReviewDecisionLifecycle(t *testing.T) {
	ctx := context.Background()

	d := newDecision("aa040404", "review-agent")
	require.NoError(t, testDB.CreateDecision(ctx, d))

	reviewedAt := time.Now().UTC().Truncate(time.Microsecond)
	got, err := testDB.ReviewDecision(ctx, d.ID, model.OutcomeSuccess, "journal held up", "compaction cadence matters", reviewedAt)
	require.NoError(t, err)
	assert.Equal(t, model.StatusReviewed, got.Status)
	assert.Equal(t, model.OutcomeSuccess, got.Outcome)
	assert.Equal(t, "compaction cadence matters", got.Lessons)
	require.NotNil(t, got.ReviewedAt)
	assert.WithinDuration(t, reviewedAt, *got.ReviewedAt, time.Millisecond)

	// Reviewed records are immutable: no second review, no update.
	_, err = testDB.ReviewDecision(ctx, d.ID, model.OutcomeFailure, "", "", reviewedAt)
	assert.ErrorIs(t, err, storage.ErrImmutable)

	d.Decision = "rewritten after review"
	assert.ErrorIs(t, testDB.UpdateDecision(ctx, d), storage.ErrImmutable)

	_, err = testDB.ReviewDecision(ctx, "ffffff01", model.OutcomeSuccess, "", "", reviewedAt)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestReviewAbandonedOutcome(t *testing.T) {
	ctx := context.Background()

	d := newDecision("aa050505", "abandon-agent")
	require.NoError(t, testDB.CreateDecision(ctx, d))

	got, err := testDB.ReviewDecision(ctx, d.ID, model.OutcomeAbandoned, "superseded", "", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, model.StatusAbandoned, got.Status)
	assert.Equal(t, model.OutcomeAbandoned, got.Outcome)
}

func TestListDecisionsFiltersAndPagination(t *testing.T) {
	ctx := context.Background()

	base := time.Now().UTC().Truncate(time.Microsecond)
	for i := 0; i < 3; i++ {
		d := newDecision(fmt.Sprintf("aa06%04d", i), "list-agent")
		d.CreatedAt = base.Add(time.Duration(i) * time.Second)
		d.UpdatedAt = d.CreatedAt
		require.NoError(t, testDB.CreateDecision(ctx, d))
	}

	page, total, err := testDB.ListDecisions(ctx, model.ListRequest{
		Filters: model.QueryFilters{Agent: "list-agent"},
		Limit:   2,
	})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, page, 2)
	// Newest first.
	assert.Equal(t, "aa060002", page[0].ID)
	assert.Equal(t, "aa060001", page[1].ID)

	rest, _, err := testDB.ListDecisions(ctx, model.ListRequest{
		Filters: model.QueryFilters{Agent: "list-agent"},
		Limit:   2,
		Offset:  2,
	})
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, "aa060000", rest[0].ID)

	tagged, _, err := testDB.ListDecisions(ctx, model.ListRequest{
		Filters: model.QueryFilters{Agent: "list-agent", Tags: []string{"journal", "unrelated"}},
	})
	require.NoError(t, err)
	assert.Len(t, tagged, 3, "tag filter is any-match")

	needle := newDecision("aa060099", "list-agent")
	needle.Decision = "shard the Telemetry pipeline by tenant"
	require.NoError(t, testDB.CreateDecision(ctx, needle))

	found, total, err := testDB.ListDecisions(ctx, model.ListRequest{
		Filters: model.QueryFilters{Agent: "list-agent", Search: "telemetry pipe"},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total, "search is a case-insensitive substring match")
	require.Len(t, found, 1)
	assert.Equal(t, needle.ID, found[0].ID)
}

func TestListReviewedForCalibration(t *testing.T) {
	ctx := context.Background()

	d := newDecision("aa070707", "cal-agent")
	require.NoError(t, testDB.CreateDecision(ctx, d))
	_, err := testDB.ReviewDecision(ctx, d.ID, model.OutcomeSuccess, "", "", time.Now().UTC())
	require.NoError(t, err)

	pending := newDecision("aa070708", "cal-agent")
	require.NoError(t, testDB.CreateDecision(ctx, pending))

	reviewed, err := testDB.ListReviewed(ctx, model.CalibrationFilters{Agent: "cal-agent"})
	require.NoError(t, err)
	require.Len(t, reviewed, 1)
	assert.Equal(t, d.ID, reviewed[0].ID)
}

func TestEmbeddingBackfillQueries(t *testing.T) {
	ctx := context.Background()

	d := newDecision("aa080808", "embed-agent")
	require.NoError(t, testDB.CreateDecision(ctx, d))

	missing, err := testDB.ListMissingEmbeddings(ctx, 1000)
	require.NoError(t, err)
	ids := make(map[string]bool, len(missing))
	for _, m := range missing {
		ids[m.ID] = true
	}
	assert.True(t, ids[d.ID], "record without embedding should be a backfill candidate")

	// The embedding column is declared vector(1024).
	vals := make([]float32, 1024)
	vals[0], vals[1] = 0.25, -0.5
	vec := pgvector.NewVector(vals)
	require.NoError(t, testDB.UpdateEmbedding(ctx, d.ID, vec))

	missing, err = testDB.ListMissingEmbeddings(ctx, 1000)
	require.NoError(t, err)
	for _, m := range missing {
		assert.NotEqual(t, d.ID, m.ID)
	}

	embedded, vectors, err := testDB.AllEmbedded(ctx)
	require.NoError(t, err)
	require.Equal(t, len(embedded), len(vectors))
	found := false
	for i, e := range embedded {
		if e.ID == d.ID {
			found = true
			assert.Equal(t, vec.Slice(), vectors[i].Slice())
		}
	}
	assert.True(t, found)

	assert.ErrorIs(t, testDB.UpdateEmbedding(ctx, "ffffff02", vec), storage.ErrNotFound)
}

func TestEdgeJournalLatestRowWins(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	edge := model.Edge{
		SourceID: "aa090901", TargetID: "aa090902",
		Type: model.EdgeRelatesTo, Weight: 1.0, Context: "manual", CreatedAt: now,
	}
	require.NoError(t, testDB.AppendEdge(ctx, edge))

	// A superseding row replaces the weight.
	edge.Weight = 0.4
	edge.CreatedAt = now.Add(time.Second)
	require.NoError(t, testDB.AppendEdge(ctx, edge))

	edges, err := testDB.EdgesTouching(ctx, "aa090901")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, 0.4, edges[0].Weight)

	// A zero-weight tombstone removes the edge from the current set.
	edge.Weight = 0
	edge.CreatedAt = now.Add(2 * time.Second)
	require.NoError(t, testDB.AppendEdge(ctx, edge))

	edges, err = testDB.EdgesTouching(ctx, "aa090901")
	require.NoError(t, err)
	assert.Empty(t, edges)

	// The journal itself keeps every mutation until compaction.
	count, err := testDB.CountEdgeMutations(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, count, 3)
}

func TestCompactEdges(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	live := model.Edge{
		SourceID: "aa0a0a01", TargetID: "aa0a0a02",
		Type: model.EdgeDependsOn, Weight: 0.7, CreatedAt: now,
	}
	require.NoError(t, testDB.AppendEdge(ctx, live))
	live.Weight = 0.9
	live.CreatedAt = now.Add(time.Second)
	require.NoError(t, testDB.AppendEdge(ctx, live))

	dead := model.Edge{
		SourceID: "aa0a0a01", TargetID: "aa0a0a03",
		Type: model.EdgeBlocks, Weight: 0.5, CreatedAt: now,
	}
	require.NoError(t, testDB.AppendEdge(ctx, dead))
	dead.Weight = 0
	dead.CreatedAt = now.Add(time.Second)
	require.NoError(t, testDB.AppendEdge(ctx, dead))

	require.NoError(t, testDB.CompactEdges(ctx))

	edges, err := testDB.EdgesTouching(ctx, "aa0a0a01")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, model.EdgeDependsOn, edges[0].Type)
	assert.Equal(t, 0.9, edges[0].Weight)
}

func TestAggregateOutcomes(t *testing.T) {
	ctx := context.Background()

	for i, outcome := range []model.Outcome{model.OutcomeSuccess, model.OutcomeSuccess, model.OutcomeFailure} {
		d := newDecision(fmt.Sprintf("aa0b%04d", i), "agg-agent")
		require.NoError(t, testDB.CreateDecision(ctx, d))
		_, err := testDB.ReviewDecision(ctx, d.ID, outcome, "", "", time.Now().UTC())
		require.NoError(t, err)
	}

	agg, err := testDB.AggregateOutcomes(ctx, "agent", "agg-agent")
	require.NoError(t, err)
	assert.Equal(t, 3, agg.Reviewed)
	assert.Equal(t, 2, agg.Successes)
	assert.Equal(t, 1, agg.Failures)
	assert.InDelta(t, 0.8, agg.AvgConfidence, 1e-9)

	_, err = testDB.AggregateOutcomes(ctx, "lessons", "x")
	assert.Error(t, err, "only allow-listed fields are queryable")
}

func TestCountRecentByContext(t *testing.T) {
	ctx := context.Background()

	d := newDecision("aa0c0c01", "recent-agent")
	require.NoError(t, testDB.CreateDecision(ctx, d))

	n, err := testDB.CountRecentByContext(ctx, "agent", "recent-agent", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = testDB.CountRecentByContext(ctx, "agent", "nobody", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
