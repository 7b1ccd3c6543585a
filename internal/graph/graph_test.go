package graph

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema-ai/noema/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memStore struct {
	decisions map[string]model.Decision
	journal   []model.Edge
	related   map[string][]model.RelatedEdge
}

func newMemStore(ids ...string) *memStore {
	s := &memStore{
		decisions: make(map[string]model.Decision),
		related:   make(map[string][]model.RelatedEdge),
	}
	for _, id := range ids {
		s.decisions[id] = model.Decision{
			ID:         id,
			Decision:   "decision " + id,
			Category:   model.CategoryArchitecture,
			Stakes:     model.StakesMedium,
			Status:     model.StatusPending,
			Confidence: 0.8,
			CreatedAt:  time.Now(),
		}
	}
	return s
}

func (s *memStore) GetDecisionsByIDs(_ context.Context, ids []string) (map[string]model.Decision, error) {
	out := make(map[string]model.Decision)
	for _, id := range ids {
		if d, ok := s.decisions[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

func (s *memStore) AppendEdge(_ context.Context, e model.Edge) error {
	s.journal = append(s.journal, e)
	return nil
}

// current replays the journal: latest row per (source, target, type) wins,
// zero weight deletes.
func (s *memStore) current() []model.Edge {
	latest := make(map[string]model.Edge)
	var order []string
	for _, e := range s.journal {
		key := e.SourceID + "|" + e.TargetID + "|" + string(e.Type)
		if _, seen := latest[key]; !seen {
			order = append(order, key)
		}
		latest[key] = e
	}
	var out []model.Edge
	for _, key := range order {
		if e := latest[key]; e.Weight > 0 {
			out = append(out, e)
		}
	}
	return out
}

func (s *memStore) ListEdges(_ context.Context) ([]model.Edge, error) {
	return s.current(), nil
}

func (s *memStore) EdgesTouching(_ context.Context, id string) ([]model.Edge, error) {
	var out []model.Edge
	for _, e := range s.current() {
		if e.SourceID == id || e.TargetID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *memStore) CountEdgeMutations(_ context.Context) (int, error) {
	return len(s.journal), nil
}

func (s *memStore) UpdateRelated(_ context.Context, id string, related []model.RelatedEdge) error {
	s.related[id] = related
	return nil
}

func TestLinkValidation(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002")
	svc := New(store, testLogger())
	ctx := context.Background()

	_, err := svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0001", Type: model.EdgeDependsOn})
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidParams, model.KindOf(err))

	_, err = svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "missing1", Type: model.EdgeDependsOn})
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))

	_, err = svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0002", Type: "friends_with"})
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidParams, model.KindOf(err))
}

func TestLinkAppendsAndMaterializes(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002")
	svc := New(store, testLogger())

	e, err := svc.Link(context.Background(), model.Edge{
		SourceID: "aaaa0001", TargetID: "aaaa0002", Type: model.EdgeSupersedes, Weight: 0.9,
	})
	require.NoError(t, err)
	assert.False(t, e.CreatedAt.IsZero())

	edges := store.current()
	require.Len(t, edges, 1)
	assert.Equal(t, model.EdgeSupersedes, edges[0].Type)

	related := store.related["aaaa0001"]
	require.Len(t, related, 1)
	assert.Equal(t, "aaaa0002", related[0].TargetID)
	assert.NotEmpty(t, related[0].Summary)
}

func TestRelinkUpdatesWeight(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002")
	svc := New(store, testLogger())
	ctx := context.Background()

	_, err := svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0002", Type: model.EdgeRelatesTo, Weight: 0.3})
	require.NoError(t, err)
	_, err = svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0002", Type: model.EdgeRelatesTo, Weight: 0.8})
	require.NoError(t, err)

	edges := store.current()
	require.Len(t, edges, 1)
	assert.Equal(t, 0.8, edges[0].Weight)
}

func TestUnlinkTombstones(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002")
	svc := New(store, testLogger())
	ctx := context.Background()

	_, err := svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0002", Type: model.EdgeBlocks})
	require.NoError(t, err)
	require.NoError(t, svc.Unlink(ctx, "aaaa0001", "aaaa0002", model.EdgeBlocks))

	assert.Empty(t, store.current())
	assert.Empty(t, store.related["aaaa0001"])
}

func TestAutoLinkCapsAndClampsWeights(t *testing.T) {
	ids := []string{"aaaa0000"}
	var candidates []Candidate
	for i := 1; i <= 8; i++ {
		id := fmt.Sprintf("aaaa%04d", i)
		ids = append(ids, id)
		candidates = append(candidates, Candidate{ID: id, Distance: 0.1 * float64(i)})
	}
	// A self-reference in the pool must be skipped without consuming a slot.
	candidates = append([]Candidate{{ID: "aaaa0000", Distance: 0}}, candidates...)

	store := newMemStore(ids...)
	svc := New(store, testLogger())

	linked := svc.AutoLink(context.Background(), "aaaa0000", candidates)
	assert.Equal(t, AutoLinkLimit, linked)

	edges := store.current()
	require.Len(t, edges, AutoLinkLimit)
	for _, e := range edges {
		assert.Equal(t, model.EdgeRelatesTo, e.Type)
		assert.Equal(t, "aaaa0000", e.SourceID)
	}
	assert.InDelta(t, 0.9, edges[0].Weight, 1e-9)

	assert.InDelta(t, 0.05, autoLinkWeight(0.99), 1e-9)
	assert.InDelta(t, 1.0, autoLinkWeight(-0.1), 1e-9)
}

func TestGetGraphBoundedTraversal(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002", "aaaa0003", "aaaa0004")
	svc := New(store, testLogger())
	ctx := context.Background()

	// Chain: 1 -> 2 -> 3 -> 4.
	for _, pair := range [][2]string{{"aaaa0001", "aaaa0002"}, {"aaaa0002", "aaaa0003"}, {"aaaa0003", "aaaa0004"}} {
		_, err := svc.Link(ctx, model.Edge{SourceID: pair[0], TargetID: pair[1], Type: model.EdgeDependsOn})
		require.NoError(t, err)
	}

	g, err := svc.GetGraph(ctx, "aaaa0001", 2, nil)
	require.NoError(t, err)
	assert.Equal(t, "aaaa0001", g.Root)
	assert.Len(t, g.Nodes, 3)
	assert.Len(t, g.Edges, 2)

	// Depth 3 reaches the whole chain.
	g, err = svc.GetGraph(ctx, "aaaa0001", 3, nil)
	require.NoError(t, err)
	assert.Len(t, g.Nodes, 4)

	_, err = svc.GetGraph(ctx, "missing1", 2, nil)
	require.Error(t, err)
	assert.Equal(t, model.KindNotFound, model.KindOf(err))
}

func TestGetGraphEdgeTypeFilter(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002", "aaaa0003")
	svc := New(store, testLogger())
	ctx := context.Background()

	_, err := svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0002", Type: model.EdgeContradicts})
	require.NoError(t, err)
	_, err = svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0003", Type: model.EdgeRelatesTo})
	require.NoError(t, err)

	g, err := svc.GetGraph(ctx, "aaaa0001", 2, []model.EdgeType{model.EdgeContradicts})
	require.NoError(t, err)
	require.Len(t, g.Edges, 1)
	assert.Equal(t, model.EdgeContradicts, g.Edges[0].Type)
	assert.Len(t, g.Nodes, 2)
}

func TestGetNeighborsOrderedByWeight(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002", "aaaa0003", "aaaa0004")
	svc := New(store, testLogger())
	ctx := context.Background()

	_, err := svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0002", Type: model.EdgeRelatesTo, Weight: 0.4})
	require.NoError(t, err)
	_, err = svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0003", Type: model.EdgeRelatesTo, Weight: 0.9})
	require.NoError(t, err)
	// Incoming edges count as neighbors too.
	_, err = svc.Link(ctx, model.Edge{SourceID: "aaaa0004", TargetID: "aaaa0001", Type: model.EdgeCausedBy, Weight: 0.6})
	require.NoError(t, err)

	neighbors, err := svc.GetNeighbors(ctx, "aaaa0001", "")
	require.NoError(t, err)
	require.Len(t, neighbors, 3)
	assert.Equal(t, "aaaa0003", neighbors[0].Node.ID)
	assert.Equal(t, "aaaa0004", neighbors[1].Node.ID)
	assert.Equal(t, "aaaa0002", neighbors[2].Node.ID)

	caused, err := svc.GetNeighbors(ctx, "aaaa0001", model.EdgeCausedBy)
	require.NoError(t, err)
	require.Len(t, caused, 1)
	assert.Equal(t, "aaaa0004", caused[0].Node.ID)
}

func TestContradictions(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002", "aaaa0003")
	svc := New(store, testLogger())
	ctx := context.Background()

	_, err := svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0002", Type: model.EdgeContradicts})
	require.NoError(t, err)
	_, err = svc.Link(ctx, model.Edge{SourceID: "aaaa0001", TargetID: "aaaa0003", Type: model.EdgeRelatesTo})
	require.NoError(t, err)

	edges, err := svc.Contradictions(ctx)
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "aaaa0002", edges[0].TargetID)
}

func TestSalienceFavorsCitedDecisions(t *testing.T) {
	store := newMemStore("aaaa0001", "aaaa0002", "aaaa0003", "aaaa0004")
	svc := New(store, testLogger())
	ctx := context.Background()

	// Three decisions all point at aaaa0004.
	for _, src := range []string{"aaaa0001", "aaaa0002", "aaaa0003"} {
		_, err := svc.Link(ctx, model.Edge{SourceID: src, TargetID: "aaaa0004", Type: model.EdgeDependsOn})
		require.NoError(t, err)
	}
	require.NoError(t, svc.Recompute(ctx))

	hub := svc.Salience("aaaa0004")
	leaf := svc.Salience("aaaa0001")
	assert.Greater(t, hub, leaf)
	assert.Zero(t, svc.Salience("unlinked1"))
}

func TestPagerankConverges(t *testing.T) {
	// Cycle: ranks must stay uniform and sum to one.
	edges := []model.Edge{
		{SourceID: "a", TargetID: "b", Type: model.EdgeRelatesTo, Weight: 1},
		{SourceID: "b", TargetID: "c", Type: model.EdgeRelatesTo, Weight: 1},
		{SourceID: "c", TargetID: "a", Type: model.EdgeRelatesTo, Weight: 1},
	}
	ranks := pagerank(edges)
	require.Len(t, ranks, 3)

	sum := 0.0
	for _, r := range ranks {
		sum += r
		assert.InDelta(t, 1.0/3.0, r, 1e-6)
	}
	assert.InDelta(t, 1.0, sum, 1e-6)
}
