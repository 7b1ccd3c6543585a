// Package dispatch routes named operations to handlers. It is the
// transport-neutral surface of the service: MCP, HTTP, or tests call
// Dispatch with a method name, an agent identity, and raw JSON params.
//
// The dispatcher owns the cross-cutting wiring the components themselves
// stay ignorant of: deliberation-tracker hooks after observed calls, graph
// auto-linking after a successful record, circuit-breaker feeding on review,
// per-agent rate limiting, and latency metrics.
package dispatch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/noema-ai/noema/internal/breaker"
	"github.com/noema-ai/noema/internal/deliberation"
	"github.com/noema-ai/noema/internal/graph"
	"github.com/noema-ai/noema/internal/guardrail"
	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/ratelimit"
	"github.com/noema-ai/noema/internal/service/calibration"
	"github.com/noema-ai/noema/internal/service/retrieval"
	"github.com/noema-ai/noema/internal/telemetry"
)

// Store is the persistence surface the dispatcher drives directly. The
// component services carry their own narrower views of the same store.
type Store interface {
	CreateDecision(ctx context.Context, d model.Decision) error
	GetDecision(ctx context.Context, id string) (model.Decision, error)
	UpdateDecision(ctx context.Context, d model.Decision) error
	ReviewDecision(ctx context.Context, id string, outcome model.Outcome, outcomeResult, lessons string, reviewedAt time.Time) (model.Decision, error)
	ListDecisions(ctx context.Context, req model.ListRequest) ([]model.Decision, int, error)
	ListPending(ctx context.Context) ([]model.Decision, error)
	CompactEdges(ctx context.Context) error
}

// Call carries one dispatched request through its handler.
type Call struct {
	Method  string
	AgentID string
	Params  json.RawMessage
}

type handler func(ctx context.Context, call *Call) (any, error)

// Deps bundles the constructed components the dispatcher wires together.
type Deps struct {
	Store       Store
	Retriever   *retrieval.Engine
	Indexer     *retrieval.Indexer
	Guardrails  *guardrail.Engine
	Breakers    *breaker.Manager
	Calibration *calibration.Service
	Graph       *graph.Service
	Tracker     *deliberation.Tracker
	Limiter     ratelimit.Limiter
	Logger      *slog.Logger
	Timeout     time.Duration
	Clock       func() time.Time
}

// Dispatcher is the method registry plus the shared hook wiring.
type Dispatcher struct {
	store       Store
	retriever   *retrieval.Engine
	indexer     *retrieval.Indexer
	guardrails  *guardrail.Engine
	breakers    *breaker.Manager
	calibration *calibration.Service
	graph       *graph.Service
	tracker     *deliberation.Tracker
	limiter     ratelimit.Limiter
	logger      *slog.Logger
	timeout     time.Duration
	now         func() time.Time

	handlers map[string]handler

	callDuration metric.Float64Histogram
	callCounter  metric.Int64Counter
}

// New builds a dispatcher and registers every method.
func New(deps Deps) *Dispatcher {
	d := &Dispatcher{
		store:       deps.Store,
		retriever:   deps.Retriever,
		indexer:     deps.Indexer,
		guardrails:  deps.Guardrails,
		breakers:    deps.Breakers,
		calibration: deps.Calibration,
		graph:       deps.Graph,
		tracker:     deps.Tracker,
		limiter:     deps.Limiter,
		logger:      deps.Logger,
		timeout:     deps.Timeout,
		now:         deps.Clock,
	}
	if d.now == nil {
		d.now = time.Now
	}
	if d.limiter == nil {
		d.limiter = ratelimit.NoopLimiter{}
	}

	meter := telemetry.Meter("github.com/noema-ai/noema/internal/dispatch")
	d.callDuration, _ = meter.Float64Histogram("noema.dispatch.duration",
		metric.WithDescription("Dispatch handler latency"),
		metric.WithUnit("ms"))
	d.callCounter, _ = meter.Int64Counter("noema.dispatch.calls",
		metric.WithDescription("Dispatched calls by method and result"))

	d.handlers = map[string]handler{
		"queryDecisions":    d.handleQuery,
		"checkGuardrails":   d.handleCheckGuardrails,
		"recordDecision":    d.handleRecord,
		"updateDecision":    d.handleUpdate,
		"reviewDecision":    d.handleReview,
		"getDecision":       d.handleGet,
		"listDecisions":     d.handleList,
		"getCalibration":    d.handleCalibration,
		"getReasonStats":    d.handleReasonStats,
		"checkDrift":        d.handleDrift,
		"listGuardrails":    d.handleListGuardrails,
		"recordThought":     d.handleRecordThought,
		"preAction":         d.handlePreAction,
		"getSessionContext": d.handleSessionContext,
		"ready":             d.handleReady,
		"linkDecisions":     d.handleLink,
		"getGraph":          d.handleGetGraph,
		"getNeighbors":      d.handleGetNeighbors,
		"getCircuitState":   d.handleCircuitState,
		"resetCircuit":      d.handleResetCircuit,
		"reindex":           d.handleReindex,
	}
	return d
}

// Methods returns the registered method names, for transport bindings.
func (d *Dispatcher) Methods() []string {
	names := make([]string, 0, len(d.handlers))
	for name := range d.handlers {
		names = append(names, name)
	}
	return names
}

// Dispatch routes one call. Params may be nil for methods without input.
func (d *Dispatcher) Dispatch(ctx context.Context, method, agentID string, params json.RawMessage) (any, error) {
	h, ok := d.handlers[method]
	if !ok {
		return nil, model.Ef(model.KindInvalidParams, "unknown method %q", method)
	}

	// Set OTEL span attributes for call correlation.
	span := trace.SpanFromContext(ctx)
	span.SetAttributes(
		attribute.String("noema.method", method),
		attribute.String("noema.agent_id", agentID),
	)

	if allowed, err := d.limiter.Allow(ctx, ratelimit.KeyFor(agentID, method)); err != nil {
		// Fail open on limiter malfunction.
		d.logger.Warn("rate limiter error", "method", method, "agent", agentID, "error", err)
	} else if !allowed {
		return nil, model.Ef(model.KindRateLimited, "rate limit exceeded for %s", method)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	out, err := h(ctx, &Call{Method: method, AgentID: agentID, Params: params})
	d.observe(ctx, method, time.Since(start), err)

	if err != nil {
		err = normalize(err)
		d.logger.Warn("dispatch failed", "method", method, "agent", agentID,
			"kind", model.KindOf(err), "error", err)
		return nil, err
	}
	return out, nil
}

func (d *Dispatcher) observe(ctx context.Context, method string, elapsed time.Duration, err error) {
	status := "ok"
	if err != nil {
		status = string(model.KindOf(err))
	}
	attrs := metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", status),
	)
	if d.callDuration != nil {
		d.callDuration.Record(ctx, float64(elapsed.Microseconds())/1000.0, attrs)
	}
	if d.callCounter != nil {
		d.callCounter.Add(ctx, 1, attrs)
	}
}

// normalize guarantees every surfaced error carries a dispatch kind.
func normalize(err error) error {
	var de *model.Error
	if errors.As(err, &de) {
		return err
	}
	return model.Wrap(model.KindInternal, "internal error", err)
}

// decode unmarshals params into dst. Empty params leave dst zero-valued so
// methods with all-optional inputs accept a bare call.
func decode[T any](params json.RawMessage, dst *T) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return model.Wrap(model.KindInvalidParams, "malformed params", err)
	}
	return nil
}

// inputID derives the tracker input id: a type prefix plus a short content
// hash, stable for identical text so replays do not inflate traces.
func inputID(prefix, text string) string {
	sum := sha256.Sum256([]byte(text))
	return prefix + "-" + hex.EncodeToString(sum[:3])
}

// track records a deliberation input against the agent's session. An empty
// decisionID targets the pending session.
func (d *Dispatcher) track(call *Call, prefix, decisionID, text string, related []model.RelatedEdge) {
	if call.AgentID == "" || d.tracker == nil {
		return
	}
	d.tracker.TrackInput(call.AgentID, decisionID, deliberation.Input{
		DeliberationInput: model.DeliberationInput{
			ID:        inputID(prefix, text),
			Text:      text,
			Source:    call.Method,
			Timestamp: d.now(),
		},
		Related: related,
	})
}
