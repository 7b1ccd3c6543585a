// Package noema is the public API for embedding the Noema decision
// intelligence server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := noema.New(
//	    noema.WithVersion(version),
//	    noema.WithLogger(logger),
//	    noema.WithEmbeddingProvider(myProvider),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: noema (root) imports
// internal/*, but internal/* never imports noema (root). Public extension
// types (EmbeddingProvider, VectorStore, GuardrailSource) are standalone;
// the adapters that bridge them to internal interfaces live here because
// this is the only file that sees both sides of the boundary.
package noema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/pgvector/pgvector-go"

	"github.com/noema-ai/noema/internal/breaker"
	"github.com/noema-ai/noema/internal/config"
	"github.com/noema-ai/noema/internal/deliberation"
	"github.com/noema-ai/noema/internal/dispatch"
	"github.com/noema-ai/noema/internal/graph"
	"github.com/noema-ai/noema/internal/guardrail"
	"github.com/noema-ai/noema/internal/mcp"
	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/ratelimit"
	"github.com/noema-ai/noema/internal/search"
	"github.com/noema-ai/noema/internal/service/calibration"
	"github.com/noema-ai/noema/internal/service/embedding"
	"github.com/noema-ai/noema/internal/service/retrieval"
	"github.com/noema-ai/noema/internal/storage"
	"github.com/noema-ai/noema/internal/telemetry"
	"github.com/noema-ai/noema/migrations"

	"github.com/joho/godotenv"
)

// App is the Noema server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	db           *storage.DB
	dispatcher   *dispatch.Dispatcher
	mcpSrv       *mcp.Server
	tracker      *deliberation.Tracker
	breakers     *breaker.Manager
	limiter      ratelimit.Limiter
	qdrantIndex  *search.QdrantIndex // nil when Qdrant is not configured
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Noema server. It connects to the database, runs
// migrations, wires all subsystems, and backfills missing embeddings.
// It does NOT serve any transport — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	ctx := context.Background()

	logger.Info("noema starting", "version", version)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("storage: %w", err)
	}

	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("migrations: %w", err)
	}

	// Verify the core table exists after migration. If the pgvector extension
	// failed to create, the first migration fails silently under some managed
	// Postgres setups and the server would start with no tables.
	var schemaOK bool
	if err := db.Pool().QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'decisions')`,
	).Scan(&schemaOK); err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("schema verification: %w", err)
	}
	if !schemaOK {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("critical table 'decisions' does not exist after migration — check that the pgvector extension is installed")
	}

	// Embedding provider — external override takes priority over auto-detect.
	var embedder embedding.Provider
	if o.embedder != nil {
		embedder = &providerAdapter{p: o.embedder}
	} else {
		embedder = newEmbeddingProvider(cfg, logger)
	}

	// Vector backend: external override, then Qdrant, then the unavailable
	// stub (hybrid queries degrade to keyword-only).
	var vectors search.VectorStore
	var qdrantIndex *search.QdrantIndex
	switch {
	case o.vectors != nil:
		vectors = &vectorStoreAdapter{vs: o.vectors}
	case cfg.QdrantURL != "":
		var idxErr error
		qdrantIndex, idxErr = search.NewQdrantIndex(search.QdrantConfig{
			URL:        cfg.QdrantURL,
			APIKey:     cfg.QdrantAPIKey,
			Collection: cfg.QdrantCollection,
			Dims:       uint64(cfg.EmbeddingDimensions), //nolint:gosec // validated positive in config.Validate
		}, logger)
		if idxErr != nil {
			db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("qdrant: %w", idxErr)
		}
		if err := qdrantIndex.EnsureCollection(ctx); err != nil {
			_ = qdrantIndex.Close()
			db.Close()
			_ = otelShutdown(ctx)
			return nil, fmt.Errorf("qdrant ensure collection: %w", err)
		}
		vectors = qdrantIndex
		logger.Info("qdrant: enabled", "collection", cfg.QdrantCollection)
	default:
		vectors = search.Unavailable{}
		logger.Info("qdrant: disabled (no QDRANT_URL), semantic search degraded to keyword-only")
	}

	keywords := search.NewKeywordIndex(db, cfg.KeywordIndexTTL, logger)
	retriever := retrieval.NewEngine(db, vectors, keywords, embedder, logger)
	indexer := retrieval.NewIndexer(db, vectors, keywords, embedder, logger)

	// Backfill embeddings for decisions stored without one (e.g. recorded
	// during an embedding outage). Runs once at startup, non-fatal.
	if o.vectors != nil || cfg.QdrantURL != "" {
		if n, err := indexer.Backfill(ctx, 500); err != nil {
			logger.Warn("embedding backfill failed", "error", err)
		} else if n > 0 {
			logger.Info("embedding backfill complete", "count", n)
		}
	}

	// Guardrail rules: built-ins, then the rule directory, then external
	// sources, all re-read on the engine's cache TTL.
	sources := guardrail.MultiSource{&guardrail.StaticSource{Rules: guardrail.Builtins()}}
	if cfg.GuardrailDir != "" {
		sources = append(sources, &guardrail.DirSource{Dir: cfg.GuardrailDir})
	}
	for _, src := range o.guardrailSources {
		sources = append(sources, &guardrailSourceAdapter{src: src})
	}
	guardrails := guardrail.NewEngine(sources, db, retriever, cfg.GuardrailCacheTTL, logger)

	journalPath := ""
	if cfg.BreakerJournalDir != "" {
		journalPath = filepath.Join(cfg.BreakerJournalDir, breaker.JournalName)
	}
	var breakerOpts []breaker.Option
	if o.clock != nil {
		breakerOpts = append(breakerOpts, breaker.WithClock(o.clock))
	}
	breakers, err := breaker.NewManager(journalPath, breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Window:    cfg.BreakerWindow,
		Cooldown:  cfg.BreakerCooldown,
	}, logger, breakerOpts...)
	if err != nil {
		db.Close()
		_ = otelShutdown(ctx)
		return nil, fmt.Errorf("breaker: %w", err)
	}

	trackerOpts := []deliberation.Option{
		deliberation.WithTTL(cfg.TrackerTTL),
		deliberation.WithSweep(cfg.TrackerSweep),
		deliberation.WithCap(cfg.TrackerInputCap),
	}
	if o.clock != nil {
		trackerOpts = append(trackerOpts, deliberation.WithClock(o.clock))
	}
	tracker := deliberation.New(logger, trackerOpts...)

	var limiter ratelimit.Limiter
	if cfg.RateLimitEnabled {
		limiter = ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Store:       db,
		Retriever:   retriever,
		Indexer:     indexer,
		Guardrails:  guardrails,
		Breakers:    breakers,
		Calibration: calibration.New(db),
		Graph:       graph.New(db, logger),
		Tracker:     tracker,
		Limiter:     limiter,
		Logger:      logger,
		Timeout:     cfg.DispatchTimeout,
		Clock:       o.clock,
	})

	mcpSrv := mcp.New(dispatcher, version, logger)

	return &App{
		cfg:          cfg,
		db:           db,
		dispatcher:   dispatcher,
		mcpSrv:       mcpSrv,
		tracker:      tracker,
		breakers:     breakers,
		limiter:      limiter,
		qdrantIndex:  qdrantIndex,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Dispatcher exposes the method registry for callers embedding Noema in a
// larger process instead of speaking MCP.
func (a *App) Dispatcher() *dispatch.Dispatcher {
	return a.dispatcher
}

// Run serves MCP over stdio until ctx is cancelled or stdin closes. On
// return, Shutdown is called automatically — callers should not call
// Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("noema serving", "transport", "stdio", "version", a.version)

	done := make(chan error, 1)
	go func() {
		stdio := mcpserver.NewStdioServer(a.mcpSrv.MCPServer())
		done <- stdio.Listen(ctx, os.Stdin, os.Stdout)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}

	if err := a.Shutdown(context.Background()); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown performs a three-phase graceful shutdown:
// (1) the transport has stopped (stdio exits with its context),
// (2) stop the deliberation tracker sweeper,
// (3) sync and close the breaker journal.
// It then closes the rate limiter, vector index, OTEL provider, and pool.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("noema shutting down")

	a.tracker.Close()

	if err := a.breakers.Close(); err != nil {
		a.logger.Error("breaker journal close error", "error", err)
	}

	_ = a.limiter.Close()
	if a.qdrantIndex != nil {
		_ = a.qdrantIndex.Close()
	}
	_ = a.otelShutdown(ctx)
	a.db.Close()

	a.logger.Info("noema stopped")
	return nil
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// providerAdapter wraps a public EmbeddingProvider to satisfy
// embedding.Provider.
type providerAdapter struct {
	p EmbeddingProvider
}

func (a *providerAdapter) Embed(ctx context.Context, text string) (pgvector.Vector, error) {
	vec, err := a.p.Embed(ctx, text)
	if err != nil {
		return pgvector.Vector{}, err
	}
	return pgvector.NewVector(vec), nil
}

func (a *providerAdapter) EmbedBatch(ctx context.Context, texts []string) ([]pgvector.Vector, error) {
	vecs, err := a.p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	out := make([]pgvector.Vector, len(vecs))
	for i, v := range vecs {
		out[i] = pgvector.NewVector(v)
	}
	return out, nil
}

func (a *providerAdapter) Dimensions() int {
	return a.p.Dimensions()
}

// vectorStoreAdapter wraps a public VectorStore to satisfy search.VectorStore.
// Converts between public filter/point structs and internal model types.
type vectorStoreAdapter struct {
	vs VectorStore
}

func (a *vectorStoreAdapter) Query(ctx context.Context, emb []float32, side model.BridgeSide, filters model.QueryFilters, limit int) ([]search.Result, error) {
	hits, err := a.vs.Query(ctx, emb, string(side), SearchFilters{
		Category: string(filters.Category),
		Stakes:   string(filters.Stakes),
		Status:   string(filters.Status),
		Agent:    filters.Agent,
		Tags:     filters.Tags,
		Project:  filters.Project,
	}, limit)
	if err != nil {
		return nil, err
	}
	out := make([]search.Result, len(hits))
	for i, h := range hits {
		out[i] = search.Result{DecisionID: h.DecisionID, Score: h.Score}
	}
	return out, nil
}

func (a *vectorStoreAdapter) Upsert(ctx context.Context, points []search.Point) error {
	pub := make([]VectorPoint, len(points))
	for i, p := range points {
		pub[i] = VectorPoint{
			DecisionID: p.DecisionID,
			Side:       string(p.Side),
			Category:   string(p.Category),
			Stakes:     string(p.Stakes),
			Status:     string(p.Status),
			Agent:      p.Agent,
			Project:    p.Project,
			Confidence: p.Confidence,
			CreatedAt:  p.CreatedAt,
			Tags:       p.Tags,
			Embedding:  p.Embedding,
		}
	}
	return a.vs.Upsert(ctx, pub)
}

func (a *vectorStoreAdapter) Delete(ctx context.Context, decisionIDs []string) error {
	return a.vs.Delete(ctx, decisionIDs)
}

func (a *vectorStoreAdapter) Reset(ctx context.Context) error {
	return a.vs.Reset(ctx)
}

func (a *vectorStoreAdapter) Healthy(ctx context.Context) error {
	return a.vs.Healthy(ctx)
}

// guardrailSourceAdapter wraps a public GuardrailSource to satisfy
// guardrail.Source. Accepts either a single rule object or an array,
// matching the rule directory format.
type guardrailSourceAdapter struct {
	src GuardrailSource
}

func (a *guardrailSourceAdapter) Load(ctx context.Context) ([]model.Guardrail, error) {
	data, err := a.src.Load(ctx)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}

	var rules []model.Guardrail
	if err := json.Unmarshal(data, &rules); err != nil {
		var single model.Guardrail
		if err := json.Unmarshal(data, &single); err != nil {
			return nil, fmt.Errorf("guardrail source: parse rules: %w", err)
		}
		rules = []model.Guardrail{single}
	}
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, fmt.Errorf("guardrail source: %w", err)
		}
	}
	return rules, nil
}

// ── Helpers ────────────────────────────────────────────────────────────────────

// newEmbeddingProvider creates an embedding provider based on configuration.
// Provider selection: "ollama", "openai", "noop", or "auto" (default).
// Auto mode tries Ollama if reachable, then OpenAI if key present, else noop.
// Ollama is preferred: embeddings stay on-premises with no external API costs.
func newEmbeddingProvider(cfg config.Config, logger *slog.Logger) embedding.Provider {
	dims := cfg.EmbeddingDimensions

	switch cfg.EmbeddingProvider {
	case "openai":
		if cfg.OpenAIAPIKey == "" {
			logger.Error("OPENAI_API_KEY required when NOEMA_EMBEDDING_PROVIDER=openai")
			return embedding.NewNoopProvider(dims)
		}
		logger.Info("embedding provider: openai", "model", cfg.EmbeddingModel, "dimensions", dims)
		return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)

	case "ollama":
		logger.Info("embedding provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
		return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)

	case "noop":
		logger.Info("embedding provider: noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)

	case "auto":
		fallthrough
	default:
		if ollamaReachable(cfg.OllamaURL) {
			logger.Info("embedding provider: ollama (auto-detected)", "url", cfg.OllamaURL, "model", cfg.OllamaModel, "dimensions", dims)
			return embedding.NewOllamaProvider(cfg.OllamaURL, cfg.OllamaModel, dims)
		}
		if cfg.OpenAIAPIKey != "" {
			logger.Info("embedding provider: openai (auto-detected)", "model", cfg.EmbeddingModel, "dimensions", dims)
			return embedding.NewOpenAIProvider(cfg.OpenAIAPIKey, cfg.EmbeddingModel, dims)
		}
		logger.Warn("no embedding provider available, using noop (semantic search disabled)")
		return embedding.NewNoopProvider(dims)
	}
}

// ollamaReachable checks if an Ollama server is responding.
func ollamaReachable(baseURL string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	_ = resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
