package search

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/qdrant/go-client/qdrant"
	"golang.org/x/sync/singleflight"

	"github.com/noema-ai/noema/internal/model"
)

// QdrantConfig holds configuration for connecting to Qdrant.
type QdrantConfig struct {
	URL        string // e.g. "https://xyz.cloud.qdrant.io:6333" or "http://localhost:6333"
	APIKey     string
	Collection string
	Dims       uint64
}

// QdrantIndex implements VectorStore backed by Qdrant over gRPC.
type QdrantIndex struct {
	client     *qdrant.Client
	collection string
	dims       uint64
	logger     *slog.Logger

	healthGroup singleflight.Group
	healthErr   atomic.Value // stores *error (pointer-to-error, never nil pointer; inner error may be nil)
	healthAt    atomic.Int64 // unix nanos of last check
}

// pointNamespace scopes deterministic point UUIDs to this collection's layout.
var pointNamespace = uuid.MustParse("8c7a2f1e-3d94-4b6a-9c05-51e2b7a4d8f0")

// pointID derives a stable UUID for one (decision, side) pair so upserts
// replace rather than duplicate.
func pointID(decisionID string, side model.BridgeSide) *qdrant.PointId {
	id := uuid.NewSHA1(pointNamespace, []byte(decisionID+":"+string(side)))
	return qdrant.NewID(id.String())
}

// parseQdrantURL extracts host, port, and TLS flag from a Qdrant URL.
// Accepts forms like "https://host:6333", "http://host:6333", or "host:6334".
func parseQdrantURL(rawURL string) (host string, port int, useTLS bool, err error) {
	u, parseErr := url.Parse(rawURL)
	if parseErr != nil || u.Host == "" {
		return "", 0, false, fmt.Errorf("search: invalid qdrant URL: %q", rawURL)
	}

	useTLS = u.Scheme == "https"
	host = u.Hostname()

	if portStr := u.Port(); portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return "", 0, false, fmt.Errorf("search: invalid port in qdrant URL: %q", portStr)
		}
		// If the user specified the REST port (6333), use the gRPC port (6334).
		if p == 6333 {
			port = 6334
		} else {
			port = p
		}
	} else {
		port = 6334
	}

	return host, port, useTLS, nil
}

// NewQdrantIndex creates a QdrantIndex and connects to the server via gRPC.
func NewQdrantIndex(cfg QdrantConfig, logger *slog.Logger) (*QdrantIndex, error) {
	host, port, useTLS, err := parseQdrantURL(cfg.URL)
	if err != nil {
		return nil, err
	}

	client, err := qdrant.NewClient(&qdrant.Config{
		Host:   host,
		Port:   port,
		APIKey: cfg.APIKey,
		UseTLS: useTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("search: connect to qdrant at %s:%d: %w", host, port, err)
	}

	return &QdrantIndex{
		client:     client,
		collection: cfg.Collection,
		dims:       cfg.Dims,
		logger:     logger,
	}, nil
}

// EnsureCollection creates the collection if it doesn't already exist and
// ensures all payload indexes are present. Index creation is always attempted
// regardless of whether the collection pre-existed, since CreateFieldIndex is
// idempotent on Qdrant.
func (q *QdrantIndex) EnsureCollection(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}

	if !exists {
		m := uint64(16)
		efConstruct := uint64(128)

		if err := q.client.CreateCollection(ctx, &qdrant.CreateCollection{
			CollectionName: q.collection,
			VectorsConfig: qdrant.NewVectorsConfig(&qdrant.VectorParams{
				Size:     q.dims,
				Distance: qdrant.Distance_Cosine,
				HnswConfig: &qdrant.HnswConfigDiff{
					M:           &m,
					EfConstruct: &efConstruct,
				},
			}),
		}); err != nil {
			return fmt.Errorf("search: create collection %q: %w", q.collection, err)
		}
		q.logger.Info("qdrant: created collection", "collection", q.collection, "dims", q.dims)
	}

	keywordType := qdrant.FieldType_FieldTypeKeyword
	for _, field := range []string{"decision_id", "side", "category", "stakes", "status", "agent", "project", "tags"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &keywordType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	floatType := qdrant.FieldType_FieldTypeFloat
	for _, field := range []string{"confidence", "created_unix"} {
		if _, err := q.client.CreateFieldIndex(ctx, &qdrant.CreateFieldIndexCollection{
			CollectionName: q.collection,
			FieldName:      field,
			FieldType:      &floatType,
		}); err != nil {
			return fmt.Errorf("search: ensure index on %q: %w", field, err)
		}
	}

	return nil
}

// Query returns decision IDs near the embedding on the requested bridge side.
// Over-fetches to absorb duplicate decision IDs when side is "both" and a
// record contributed two points; the caller deduplicates by decision ID.
func (q *QdrantIndex) Query(ctx context.Context, embedding []float32, side model.BridgeSide, filters model.QueryFilters, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}

	var must []*qdrant.Condition
	if side != "" && side != model.BridgeBoth {
		// Directional queries match the requested side plus records that were
		// indexed whole (no bridge, single "both" point).
		must = append(must, qdrant.NewMatchKeywords("side", string(side), string(model.BridgeBoth)))
	}
	if filters.Category != "" {
		must = append(must, qdrant.NewMatch("category", string(filters.Category)))
	}
	if filters.Stakes != "" {
		must = append(must, qdrant.NewMatch("stakes", string(filters.Stakes)))
	}
	if filters.Status != "" {
		must = append(must, qdrant.NewMatch("status", string(filters.Status)))
	}
	if filters.Agent != "" {
		must = append(must, qdrant.NewMatch("agent", filters.Agent))
	}
	if filters.Project != "" {
		must = append(must, qdrant.NewMatch("project", filters.Project))
	}
	if len(filters.Tags) > 0 {
		must = append(must, qdrant.NewMatchKeywords("tags", filters.Tags...))
	}
	if filters.DateFrom != nil {
		must = append(must, qdrant.NewRange("created_unix", &qdrant.Range{
			Gte: qdrant.PtrOf(float64(filters.DateFrom.Unix())),
		}))
	}
	if filters.DateTo != nil {
		must = append(must, qdrant.NewRange("created_unix", &qdrant.Range{
			Lte: qdrant.PtrOf(float64(filters.DateTo.Unix())),
		}))
	}

	var filter *qdrant.Filter
	if len(must) > 0 {
		filter = &qdrant.Filter{Must: must}
	}

	fetchLimit := uint64(limit) * 3 //nolint:gosec // limit is bounded by caller
	scored, err := q.client.Query(ctx, &qdrant.QueryPoints{
		CollectionName: q.collection,
		Query:          qdrant.NewQueryDense(embedding),
		Filter:         filter,
		Limit:          &fetchLimit,
		WithPayload:    qdrant.NewWithPayloadInclude("decision_id"),
	})
	if err != nil {
		return nil, fmt.Errorf("search: qdrant query: %w", err)
	}

	seen := make(map[string]bool, len(scored))
	results := make([]Result, 0, len(scored))
	for _, sp := range scored {
		idVal, ok := sp.Payload["decision_id"]
		if !ok {
			continue
		}
		decisionID := idVal.GetStringValue()
		if decisionID == "" || seen[decisionID] {
			continue
		}
		seen[decisionID] = true
		results = append(results, Result{DecisionID: decisionID, Score: sp.Score})
		if len(results) == limit {
			break
		}
	}

	return results, nil
}

// Upsert inserts or replaces points. Point IDs are derived from the
// (decision, side) pair so re-indexing the same record is idempotent.
func (q *QdrantIndex) Upsert(ctx context.Context, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	qdrantPoints := make([]*qdrant.PointStruct, len(points))
	for i, p := range points {
		payload := map[string]any{
			"decision_id":  p.DecisionID,
			"side":         string(p.Side),
			"category":     string(p.Category),
			"stakes":       string(p.Stakes),
			"status":       string(p.Status),
			"agent":        p.Agent,
			"confidence":   p.Confidence,
			"created_unix": float64(p.CreatedAt),
		}
		if p.Project != "" {
			payload["project"] = p.Project
		}
		if len(p.Tags) > 0 {
			payload["tags"] = p.Tags
		}
		qdrantPoints[i] = &qdrant.PointStruct{
			Id:      pointID(p.DecisionID, p.Side),
			Vectors: qdrant.NewVectorsDense(p.Embedding),
			Payload: qdrant.NewValueMap(payload),
		}
	}

	_, err := q.client.Upsert(ctx, &qdrant.UpsertPoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points:         qdrantPoints,
	})
	if err != nil {
		return fmt.Errorf("search: qdrant upsert %d points: %w", len(points), err)
	}
	return nil
}

// Delete removes all points for the given decision IDs, covering every side
// a record may have been indexed under.
func (q *QdrantIndex) Delete(ctx context.Context, decisionIDs []string) error {
	if len(decisionIDs) == 0 {
		return nil
	}

	sides := []model.BridgeSide{model.BridgeStructure, model.BridgeFunction, model.BridgeBoth}
	pointIDs := make([]*qdrant.PointId, 0, len(decisionIDs)*len(sides))
	for _, id := range decisionIDs {
		for _, side := range sides {
			pointIDs = append(pointIDs, pointID(id, side))
		}
	}

	_, err := q.client.Delete(ctx, &qdrant.DeletePoints{
		CollectionName: q.collection,
		Wait:           qdrant.PtrOf(true),
		Points: &qdrant.PointsSelector{
			PointsSelectorOneOf: &qdrant.PointsSelector_Points{
				Points: &qdrant.PointsIdsList{
					Ids: pointIDs,
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("search: qdrant delete %d decisions: %w", len(decisionIDs), err)
	}
	return nil
}

// Reset drops and recreates the collection for a full reindex.
func (q *QdrantIndex) Reset(ctx context.Context) error {
	exists, err := q.client.CollectionExists(ctx, q.collection)
	if err != nil {
		return fmt.Errorf("search: check collection exists: %w", err)
	}
	if exists {
		if err := q.client.DeleteCollection(ctx, q.collection); err != nil {
			return fmt.Errorf("search: drop collection %q: %w", q.collection, err)
		}
	}
	return q.EnsureCollection(ctx)
}

// Healthy returns nil if Qdrant is reachable. Results are cached for 5 seconds
// to avoid hammering the health endpoint on every query. Concurrent calls
// after cache expiry are deduplicated via singleflight so only one gRPC call
// is made; all waiters share its result.
func (q *QdrantIndex) Healthy(ctx context.Context) error {
	// Fast path: return the cached result if fresh.
	if time.Since(time.Unix(0, q.healthAt.Load())) < 5*time.Second {
		return q.loadHealthErr()
	}

	// Deduplicate concurrent checks. Use context.Background() instead of the
	// caller's ctx because singleflight reuses the first caller's context —
	// if that caller cancels, all waiters would get a stale error.
	result, _, _ := q.healthGroup.Do("health", func() (any, error) {
		checkCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		_, err := q.client.HealthCheck(checkCtx)
		if err != nil {
			q.storeHealthErr(fmt.Errorf("search: qdrant unhealthy: %w", err))
		} else {
			q.storeHealthErr(nil)
		}
		q.healthAt.Store(time.Now().UnixNano())
		return q.loadHealthErr(), nil
	})
	if result == nil {
		return nil
	}
	return result.(error)
}

// storeHealthErr stores an error (or nil) in the atomic.Value.
// atomic.Value cannot store nil directly, so we wrap it in a pointer.
func (q *QdrantIndex) storeHealthErr(err error) {
	q.healthErr.Store(&err)
}

// loadHealthErr loads the cached health error.
func (q *QdrantIndex) loadHealthErr() error {
	v := q.healthErr.Load()
	if v == nil {
		return nil
	}
	return *v.(*error)
}

// Close shuts down the Qdrant gRPC connection.
func (q *QdrantIndex) Close() error {
	return q.client.Close()
}
