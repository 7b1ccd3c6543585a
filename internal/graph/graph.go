// Package graph maintains the typed decision graph: explicit links, automatic
// similarity links after recording, bounded traversal, and PageRank-derived
// salience over the edge journal.
package graph

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/noema-ai/noema/internal/model"
)

const (
	// AutoLinkLimit caps the relates_to edges created per recorded decision.
	AutoLinkLimit = 5

	// MaxDepth bounds get_graph traversal.
	MaxDepth     = 5
	DefaultDepth = 2

	pagerankDamping    = 0.85
	pagerankIterations = 40
	pagerankEpsilon    = 1e-6

	// recomputeEvery is the journal-mutation interval between salience runs.
	recomputeEvery = 100
)

// Store is the persistence surface the graph service needs. *storage.DB
// satisfies it.
type Store interface {
	GetDecisionsByIDs(ctx context.Context, ids []string) (map[string]model.Decision, error)
	AppendEdge(ctx context.Context, e model.Edge) error
	ListEdges(ctx context.Context) ([]model.Edge, error)
	EdgesTouching(ctx context.Context, id string) ([]model.Edge, error)
	CountEdgeMutations(ctx context.Context) (int, error)
	UpdateRelated(ctx context.Context, id string, related []model.RelatedEdge) error
}

// Candidate is a similar decision considered for automatic linking.
type Candidate struct {
	ID       string
	Summary  string
	Distance float64
}

// Neighbor pairs an edge with the decision on its far side.
type Neighbor struct {
	Edge model.Edge      `json:"edge"`
	Node model.GraphNode `json:"node"`
}

// Service owns graph mutations and salience. Rank reads are lock-free; a
// single mutex serialises recomputation.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	ranks atomic.Pointer[map[string]float64]

	mu           sync.Mutex
	lastComputed int
}

// New builds a graph service. Salience starts empty and is computed on the
// first mutation batch or an explicit Recompute.
func New(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger, now: time.Now}
}

// Link appends one explicit edge. Both endpoints must exist and self-loops
// are rejected. Re-linking an existing (source, target, type) updates its
// weight: the journal's latest row wins.
func (s *Service) Link(ctx context.Context, e model.Edge) (model.Edge, error) {
	if e.Weight == 0 {
		e.Weight = 1.0
	}
	if err := e.Validate(); err != nil {
		return model.Edge{}, model.Wrap(model.KindInvalidParams, "invalid edge", err)
	}

	found, err := s.store.GetDecisionsByIDs(ctx, []string{e.SourceID, e.TargetID})
	if err != nil {
		return model.Edge{}, model.Wrap(model.KindQueryFailed, "resolve edge endpoints", err)
	}
	for _, id := range []string{e.SourceID, e.TargetID} {
		if _, ok := found[id]; !ok {
			return model.Edge{}, model.Ef(model.KindNotFound, "decision %s not found", id)
		}
	}

	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now()
	}
	if err := s.store.AppendEdge(ctx, e); err != nil {
		return model.Edge{}, model.Wrap(model.KindRecordFailed, "append edge", err)
	}
	if err := s.materializeRelated(ctx, e.SourceID); err != nil {
		s.logger.Warn("graph: materialize related failed", "decision", e.SourceID, "error", err)
	}
	s.maybeRecompute(ctx)
	return e, nil
}

// Unlink appends a deletion tombstone for the edge.
func (s *Service) Unlink(ctx context.Context, sourceID, targetID string, edgeType model.EdgeType) error {
	if !model.ValidEdgeType(edgeType) {
		return model.Ef(model.KindInvalidParams, "unknown edge type %q", edgeType)
	}
	e := model.Edge{
		SourceID:  sourceID,
		TargetID:  targetID,
		Type:      edgeType,
		Weight:    0,
		CreatedAt: s.now(),
	}
	if err := s.store.AppendEdge(ctx, e); err != nil {
		return model.Wrap(model.KindRecordFailed, "append edge tombstone", err)
	}
	if err := s.materializeRelated(ctx, sourceID); err != nil {
		s.logger.Warn("graph: materialize related failed", "decision", sourceID, "error", err)
	}
	s.maybeRecompute(ctx)
	return nil
}

// AutoLink creates relates_to edges from a freshly recorded decision to its
// nearest retrieved neighbors. Weight is derived from semantic distance and
// clamped into (0, 1]. Failures are logged, never fatal: the record already
// exists and linking is best-effort.
func (s *Service) AutoLink(ctx context.Context, id string, candidates []Candidate) int {
	linked := 0
	now := s.now()
	for _, c := range candidates {
		if linked >= AutoLinkLimit {
			break
		}
		if c.ID == "" || c.ID == id {
			continue
		}
		e := model.Edge{
			SourceID:  id,
			TargetID:  c.ID,
			Type:      model.EdgeRelatesTo,
			Weight:    autoLinkWeight(c.Distance),
			Context:   "auto",
			CreatedAt: now,
		}
		if err := s.store.AppendEdge(ctx, e); err != nil {
			s.logger.Warn("graph: auto-link failed", "decision", id, "target", c.ID, "error", err)
			continue
		}
		linked++
	}
	if linked > 0 {
		if err := s.materializeRelated(ctx, id); err != nil {
			s.logger.Warn("graph: materialize related failed", "decision", id, "error", err)
		}
		s.maybeRecompute(ctx)
	}
	return linked
}

// autoLinkWeight turns a cosine distance into an edge weight, floored so a
// weak-but-retrieved neighbor still registers.
func autoLinkWeight(distance float64) float64 {
	w := 1 - distance
	if w < 0.05 {
		return 0.05
	}
	if w > 1 {
		return 1
	}
	return w
}

// materializeRelated copies the current outgoing edge set onto the decision
// record for cheap reads. The journal stays the source of truth.
func (s *Service) materializeRelated(ctx context.Context, id string) error {
	edges, err := s.store.EdgesTouching(ctx, id)
	if err != nil {
		return err
	}
	var targets []string
	for _, e := range edges {
		if e.SourceID == id {
			targets = append(targets, e.TargetID)
		}
	}
	nodes, err := s.store.GetDecisionsByIDs(ctx, targets)
	if err != nil {
		return err
	}

	related := make([]model.RelatedEdge, 0, len(targets))
	for _, e := range edges {
		if e.SourceID != id {
			continue
		}
		r := model.RelatedEdge{TargetID: e.TargetID, Distance: 1 - e.Weight}
		if d, ok := nodes[e.TargetID]; ok {
			r.Summary = d.Summary()
		}
		related = append(related, r)
	}
	sort.Slice(related, func(i, j int) bool {
		if related[i].Distance != related[j].Distance {
			return related[i].Distance < related[j].Distance
		}
		return related[i].TargetID < related[j].TargetID
	})
	return s.store.UpdateRelated(ctx, id, related)
}

// GetGraph walks outward from root up to depth hops, following edges in
// either direction, optionally restricted to a set of edge types.
func (s *Service) GetGraph(ctx context.Context, root string, depth int, edgeTypes []model.EdgeType) (model.Graph, error) {
	if depth <= 0 {
		depth = DefaultDepth
	}
	if depth > MaxDepth {
		depth = MaxDepth
	}
	typeSet := make(map[model.EdgeType]bool, len(edgeTypes))
	for _, t := range edgeTypes {
		if !model.ValidEdgeType(t) {
			return model.Graph{}, model.Ef(model.KindInvalidParams, "unknown edge type %q", t)
		}
		typeSet[t] = true
	}

	if found, err := s.store.GetDecisionsByIDs(ctx, []string{root}); err != nil {
		return model.Graph{}, model.Wrap(model.KindQueryFailed, "resolve graph root", err)
	} else if _, ok := found[root]; !ok {
		return model.Graph{}, model.Ef(model.KindNotFound, "decision %s not found", root)
	}

	visited := map[string]bool{root: true}
	var edges []model.Edge
	seenEdge := map[string]bool{}
	frontier := []string{root}

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []string
		for _, id := range frontier {
			touching, err := s.store.EdgesTouching(ctx, id)
			if err != nil {
				return model.Graph{}, model.Wrap(model.KindQueryFailed, "walk graph", err)
			}
			for _, e := range touching {
				if len(typeSet) > 0 && !typeSet[e.Type] {
					continue
				}
				key := e.SourceID + "|" + e.TargetID + "|" + string(e.Type)
				if !seenEdge[key] {
					seenEdge[key] = true
					edges = append(edges, e)
				}
				other := e.TargetID
				if other == id {
					other = e.SourceID
				}
				if !visited[other] {
					visited[other] = true
					next = append(next, other)
				}
			}
		}
		frontier = next
	}

	ids := make([]string, 0, len(visited))
	for id := range visited {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records, err := s.store.GetDecisionsByIDs(ctx, ids)
	if err != nil {
		return model.Graph{}, model.Wrap(model.KindQueryFailed, "hydrate graph nodes", err)
	}
	nodes := make([]model.GraphNode, 0, len(ids))
	for _, id := range ids {
		if d, ok := records[id]; ok {
			nodes = append(nodes, s.nodeFor(&d))
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		if edges[i].SourceID != edges[j].SourceID {
			return edges[i].SourceID < edges[j].SourceID
		}
		if edges[i].TargetID != edges[j].TargetID {
			return edges[i].TargetID < edges[j].TargetID
		}
		return edges[i].Type < edges[j].Type
	})
	return model.Graph{Root: root, Nodes: nodes, Edges: edges}, nil
}

// GetNeighbors returns the decisions one hop from id, optionally restricted
// to one edge type. Neighbors are ordered by edge weight, heaviest first.
func (s *Service) GetNeighbors(ctx context.Context, id string, edgeType model.EdgeType) ([]Neighbor, error) {
	if edgeType != "" && !model.ValidEdgeType(edgeType) {
		return nil, model.Ef(model.KindInvalidParams, "unknown edge type %q", edgeType)
	}
	if found, err := s.store.GetDecisionsByIDs(ctx, []string{id}); err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "resolve decision", err)
	} else if _, ok := found[id]; !ok {
		return nil, model.Ef(model.KindNotFound, "decision %s not found", id)
	}

	edges, err := s.store.EdgesTouching(ctx, id)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "load neighbors", err)
	}

	var ids []string
	for _, e := range edges {
		if edgeType != "" && e.Type != edgeType {
			continue
		}
		other := e.TargetID
		if other == id {
			other = e.SourceID
		}
		ids = append(ids, other)
	}
	records, err := s.store.GetDecisionsByIDs(ctx, ids)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "hydrate neighbors", err)
	}

	var neighbors []Neighbor
	for _, e := range edges {
		if edgeType != "" && e.Type != edgeType {
			continue
		}
		other := e.TargetID
		if other == id {
			other = e.SourceID
		}
		d, ok := records[other]
		if !ok {
			continue
		}
		neighbors = append(neighbors, Neighbor{Edge: e, Node: s.nodeFor(&d)})
	}
	sort.SliceStable(neighbors, func(i, j int) bool {
		return neighbors[i].Edge.Weight > neighbors[j].Edge.Weight
	})
	return neighbors, nil
}

// Contradictions returns the live contradiction edges, feeding the ready
// queue.
func (s *Service) Contradictions(ctx context.Context) ([]model.Edge, error) {
	edges, err := s.store.ListEdges(ctx)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "list edges", err)
	}
	var out []model.Edge
	for _, e := range edges {
		if e.Type == model.EdgeContradicts {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) nodeFor(d *model.Decision) model.GraphNode {
	return model.GraphNode{
		ID:         d.ID,
		Summary:    d.Summary(),
		Category:   d.Category,
		Stakes:     d.Stakes,
		Status:     d.Status,
		Confidence: d.Confidence,
		Salience:   s.Salience(d.ID),
		Date:       d.CreatedAt,
	}
}

// Salience returns the last computed PageRank for a decision, zero if none.
func (s *Service) Salience(id string) float64 {
	ranks := s.ranks.Load()
	if ranks == nil {
		return 0
	}
	return (*ranks)[id]
}

// maybeRecompute refreshes salience when the journal has grown enough since
// the last run. Runs inline; the edge set is small relative to query cost.
func (s *Service) maybeRecompute(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.store.CountEdgeMutations(ctx)
	if err != nil {
		s.logger.Warn("graph: count edge mutations failed", "error", err)
		return
	}
	if s.ranks.Load() != nil && count-s.lastComputed < recomputeEvery {
		return
	}
	if err := s.recomputeLocked(ctx, count); err != nil {
		s.logger.Warn("graph: salience recompute failed", "error", err)
	}
}

// Recompute forces a salience run regardless of mutation count.
func (s *Service) Recompute(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	count, err := s.store.CountEdgeMutations(ctx)
	if err != nil {
		return model.Wrap(model.KindQueryFailed, "count edge mutations", err)
	}
	return s.recomputeLocked(ctx, count)
}

func (s *Service) recomputeLocked(ctx context.Context, mutationCount int) error {
	edges, err := s.store.ListEdges(ctx)
	if err != nil {
		return fmt.Errorf("graph: list edges for salience: %w", err)
	}
	ranks := pagerank(edges)
	s.ranks.Store(&ranks)
	s.lastComputed = mutationCount
	s.logger.Debug("graph: salience recomputed", "nodes", len(ranks), "edges", len(edges))
	return nil
}

// pagerank runs weighted PageRank over the edge set. Decisions outside any
// edge keep zero salience.
func pagerank(edges []model.Edge) map[string]float64 {
	outWeight := map[string]float64{}
	nodes := map[string]bool{}
	for _, e := range edges {
		nodes[e.SourceID] = true
		nodes[e.TargetID] = true
		outWeight[e.SourceID] += e.Weight
	}
	n := len(nodes)
	if n == 0 {
		return map[string]float64{}
	}

	ranks := make(map[string]float64, n)
	for id := range nodes {
		ranks[id] = 1.0 / float64(n)
	}

	for i := 0; i < pagerankIterations; i++ {
		next := make(map[string]float64, n)
		dangling := 0.0
		for id := range nodes {
			if outWeight[id] == 0 {
				dangling += ranks[id]
			}
		}
		base := (1-pagerankDamping)/float64(n) + pagerankDamping*dangling/float64(n)
		for id := range nodes {
			next[id] = base
		}
		for _, e := range edges {
			share := ranks[e.SourceID] * e.Weight / outWeight[e.SourceID]
			next[e.TargetID] += pagerankDamping * share
		}

		delta := 0.0
		for id := range nodes {
			delta += math.Abs(next[id] - ranks[id])
		}
		ranks = next
		if delta < pagerankEpsilon {
			break
		}
	}
	return ranks
}
