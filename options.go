package noema

import (
	"log/slog"
	"time"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	databaseURL      string
	logger           *slog.Logger
	version          string
	embedder         EmbeddingProvider
	vectors          VectorStore
	guardrailSources []GuardrailSource
	clock            func() time.Time
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in logs and the MCP handshake.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithEmbeddingProvider replaces the auto-detected embedding provider
// (Ollama/OpenAI/noop).
func WithEmbeddingProvider(p EmbeddingProvider) Option {
	return func(o *resolvedOptions) { o.embedder = p }
}

// WithVectorStore replaces the Qdrant vector index. The replacement serves
// both retrieval queries and reindexing writes.
func WithVectorStore(vs VectorStore) Option {
	return func(o *resolvedOptions) { o.vectors = vs }
}

// WithGuardrailSource registers an additional guardrail rule source.
// Multiple sources may be registered; all are loaded after the built-ins.
func WithGuardrailSource(src GuardrailSource) Option {
	return func(o *resolvedOptions) { o.guardrailSources = append(o.guardrailSources, src) }
}

// WithClock injects a time source. Used by tests to drive breaker cooldowns
// and tracker TTLs deterministically.
func WithClock(now func() time.Time) Option {
	return func(o *resolvedOptions) { o.clock = now }
}
