package noema

import "context"

// EmbeddingProvider generates vector embeddings from text.
// When provided via WithEmbeddingProvider, replaces the auto-detected
// Ollama/OpenAI/noop provider. Uses []float32 (not pgvector.Vector) to avoid
// forcing the pgvector dependency on external consumers; New() wraps it in an
// adapter for internal use.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
}

// SearchFilters restrict a vector query. Zero-valued fields are ignored.
type SearchFilters struct {
	Category string
	Stakes   string
	Status   string
	Agent    string
	Tags     []string
	Project  string
}

// VectorHit is one vector query result: a decision ID plus cosine similarity.
type VectorHit struct {
	DecisionID string
	Score      float32
}

// VectorPoint is the data needed to index one decision side.
type VectorPoint struct {
	DecisionID string
	Side       string // "structure", "function", or "both"
	Category   string
	Stakes     string
	Status     string
	Agent      string
	Project    string
	Confidence float64
	CreatedAt  int64 // unix seconds
	Tags       []string
	Embedding  []float32
}

// VectorStore is a pluggable vector index for decisions.
// When provided via WithVectorStore, replaces the Qdrant index for both
// retrieval and reindexing. Returns decision IDs + scores; Noema hydrates
// full decisions from Postgres.
type VectorStore interface {
	Query(ctx context.Context, embedding []float32, side string, filters SearchFilters, limit int) ([]VectorHit, error)
	Upsert(ctx context.Context, points []VectorPoint) error
	Delete(ctx context.Context, decisionIDs []string) error
	Reset(ctx context.Context) error
	Healthy(ctx context.Context) error
}

// GuardrailSource supplies additional guardrail rule documents as raw JSON:
// either a single rule object or an array of rules, in the same format the
// rule directory accepts. Sources registered via WithGuardrailSource are
// loaded after the built-ins and any configured rule directory, and re-read
// on the engine's cache TTL.
type GuardrailSource interface {
	Load(ctx context.Context) ([]byte, error)
}
