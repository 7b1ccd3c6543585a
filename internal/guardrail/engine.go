// Package guardrail evaluates declarative policy rules against proposed
// actions. Rules come from pluggable sources, are cached with a TTL, and
// support both flat field-operator conditions and structured evaluators
// (semantic precedent lookup, temporal frequency, outcome aggregates, and
// boolean composition).
package guardrail

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/service/retrieval"
	"github.com/noema-ai/noema/internal/storage"
)

// DefaultCacheTTL bounds how long a loaded rule snapshot is served before
// sources are re-scanned.
const DefaultCacheTTL = 5 * time.Minute

// Store is the storage surface the temporal, aggregate, and semantic
// evaluators need. *storage.DB satisfies it.
type Store interface {
	CountRecentByContext(ctx context.Context, field, value string, window time.Duration) (int, error)
	AggregateOutcomes(ctx context.Context, field, value string) (storage.OutcomeAggregate, error)
	GetDecisionsByIDs(ctx context.Context, ids []string) (map[string]model.Decision, error)
}

// Retriever runs semantic precedent lookups for semantic conditions.
// *retrieval.Engine satisfies it.
type Retriever interface {
	Query(ctx context.Context, req model.QueryRequest) (retrieval.Response, error)
}

// Engine evaluates guardrails against action contexts.
type Engine struct {
	source    Source
	store     Store
	retriever Retriever
	logger    *slog.Logger
	ttl       time.Duration
	now       func() time.Time

	mu       sync.Mutex
	rules    []model.Guardrail
	loadedAt time.Time
}

// NewEngine builds a guardrail engine over the given source and backends.
func NewEngine(source Source, store Store, retriever Retriever, ttl time.Duration, logger *slog.Logger) *Engine {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Engine{
		source:    source,
		store:     store,
		retriever: retriever,
		logger:    logger,
		ttl:       ttl,
		now:       time.Now,
	}
}

// Rules returns the active rule set, optionally restricted to a scope.
// The cache refreshes on TTL expiry; a refresh failure keeps the previous
// snapshot in force and logs the degradation.
func (e *Engine) Rules(ctx context.Context, scope string) ([]model.Guardrail, error) {
	rules, err := e.load(ctx)
	if err != nil {
		return nil, err
	}
	if scope == "" {
		return rules, nil
	}
	var scoped []model.Guardrail
	for _, r := range rules {
		if r.Scope == "" || r.Scope == scope {
			scoped = append(scoped, r)
		}
	}
	return scoped, nil
}

// Invalidate forces the next evaluation to re-scan sources.
func (e *Engine) Invalidate() {
	e.mu.Lock()
	e.loadedAt = time.Time{}
	e.mu.Unlock()
}

func (e *Engine) load(ctx context.Context) ([]model.Guardrail, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.loadedAt.IsZero() && e.now().Sub(e.loadedAt) < e.ttl {
		return e.rules, nil
	}

	rules, err := e.source.Load(ctx)
	if err != nil {
		if e.rules != nil {
			e.logger.Warn("guardrail source refresh failed, keeping previous snapshot", "error", err)
			e.loadedAt = e.now()
			return e.rules, nil
		}
		return nil, model.Wrap(model.KindGuardrailEvalFailed, "load guardrails", err)
	}

	e.rules = rules
	e.loadedAt = e.now()
	return rules, nil
}

// Evaluate runs all applicable guardrails against the action context.
// Allowed is true iff no block-level requirement failed. Circuit-breaker
// checks are layered on by the dispatcher, not here.
func (e *Engine) Evaluate(ctx context.Context, actx model.ActionContext) (model.GuardrailResult, error) {
	rules, err := e.load(ctx)
	if err != nil {
		return model.GuardrailResult{}, err
	}

	result := model.GuardrailResult{
		Allowed:    true,
		Violations: []model.Violation{},
		Warnings:   []model.Warning{},
	}

	for i := range rules {
		rule := &rules[i]
		if !scopeMatches(rule.Scope, actx) {
			continue
		}

		applies, err := e.conditionsMatch(ctx, rule.Conditions, actx)
		if err != nil {
			return model.GuardrailResult{}, err
		}
		if !applies {
			continue
		}
		result.EvaluatedCount++

		for _, req := range rule.Requirements {
			if requirementHolds(req, actx) {
				continue
			}
			msg := rule.Message
			if msg == "" {
				msg = req.Description
			}
			switch rule.Action {
			case model.ActionBlock:
				result.Allowed = false
				result.Violations = append(result.Violations, model.Violation{
					RuleID:     rule.ID,
					Type:       "guardrail",
					Message:    msg,
					Suggestion: req.Description,
				})
			case model.ActionWarn:
				result.Warnings = append(result.Warnings, model.Warning{
					RuleID:  rule.ID,
					Message: msg,
				})
			case model.ActionLog:
				e.logger.Info("guardrail audit",
					"rule", rule.ID, "field", req.Field, "message", msg)
			}
		}
	}

	return result, nil
}

// scopeMatches applies the scope rule: empty scope is global; otherwise
// the scope must equal the context's project or explicit scope attribute.
func scopeMatches(scope string, actx model.ActionContext) bool {
	if scope == "" {
		return true
	}
	if p, ok := actx["project"].(string); ok && p == scope {
		return true
	}
	if s, ok := actx["scope"].(string); ok && s == scope {
		return true
	}
	return false
}

// conditionsMatch reports whether every condition holds. A rule with no
// conditions applies unconditionally.
func (e *Engine) conditionsMatch(ctx context.Context, conds []model.Condition, actx model.ActionContext) (bool, error) {
	for i := range conds {
		ok, err := e.evalCondition(ctx, &conds[i], actx)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

func (e *Engine) evalCondition(ctx context.Context, c *model.Condition, actx model.ActionContext) (bool, error) {
	kind := c.Kind
	if kind == "" {
		kind = model.CondField
	}
	switch kind {
	case model.CondField:
		val, ok := actx[c.Field]
		if !ok {
			return false, nil
		}
		return compare(val, c.Operator, c.Value), nil
	case model.CondSemantic:
		return e.evalSemantic(ctx, c, actx)
	case model.CondTemporal:
		return e.evalTemporal(ctx, c, actx)
	case model.CondAggregate:
		return e.evalAggregate(ctx, c)
	case model.CondCompound:
		return e.evalCompound(ctx, c, actx)
	default:
		return false, model.Ef(model.KindGuardrailEvalFailed, "unknown condition kind %q", c.Kind)
	}
}

// evalSemantic embeds the context's query field and matches when at least
// MinMatches prior decisions with the filtered outcome sit within the
// distance threshold. Retrieval timeouts keep their QueryFailed kind.
func (e *Engine) evalSemantic(ctx context.Context, c *model.Condition, actx model.ActionContext) (bool, error) {
	query, _ := actx[c.QueryField].(string)
	if query == "" {
		return false, nil
	}
	minMatches := c.MinMatches
	if minMatches <= 0 {
		minMatches = 1
	}

	limit := minMatches * 3
	if limit < 10 {
		limit = 10
	}
	resp, err := e.retriever.Query(ctx, model.QueryRequest{
		Query: query,
		Limit: limit,
		Mode:  model.ModeSemantic,
	})
	if err != nil {
		var de *model.Error
		if errors.As(err, &de) && de.Kind == model.KindQueryFailed {
			return false, err
		}
		return false, model.Wrap(model.KindGuardrailEvalFailed, "semantic condition", err)
	}

	var ids []string
	distances := make(map[string]float64)
	for _, r := range resp.Results {
		if r.Scores.Semantic == nil || *r.Scores.Semantic > c.Threshold {
			continue
		}
		ids = append(ids, r.ID)
		distances[r.ID] = *r.Scores.Semantic
	}
	if len(ids) == 0 {
		return false, nil
	}

	decisions, err := e.store.GetDecisionsByIDs(ctx, ids)
	if err != nil {
		return false, model.Wrap(model.KindGuardrailEvalFailed, "semantic condition hydrate", err)
	}

	cutoff := e.now().AddDate(0, 0, -c.FilterSinceDays)
	matches := 0
	for _, id := range ids {
		d, ok := decisions[id]
		if !ok {
			continue
		}
		if c.FilterOutcome != "" && d.Outcome != c.FilterOutcome {
			continue
		}
		if c.FilterSinceDays > 0 && d.CreatedAt.Before(cutoff) {
			continue
		}
		matches++
	}
	return matches >= minMatches, nil
}

// evalTemporal matches when more than MaxOccurrences decisions with
// context[field] = value were recorded inside the window.
func (e *Engine) evalTemporal(ctx context.Context, c *model.Condition, actx model.ActionContext) (bool, error) {
	value := fmt.Sprint(c.Value)
	if c.Value == nil {
		v, ok := actx[c.Field]
		if !ok {
			return false, nil
		}
		value = fmt.Sprint(v)
	}
	window := time.Duration(c.WindowHours) * time.Hour
	if window <= 0 {
		window = 24 * time.Hour
	}
	count, err := e.store.CountRecentByContext(ctx, c.Field, value, window)
	if err != nil {
		return false, model.Wrap(model.KindGuardrailEvalFailed, "temporal condition", err)
	}
	return count > c.MaxOccurrences, nil
}

// evalAggregate computes an outcome metric over decisions matching
// field = value and compares it to the threshold.
func (e *Engine) evalAggregate(ctx context.Context, c *model.Condition) (bool, error) {
	agg, err := e.store.AggregateOutcomes(ctx, c.Field, fmt.Sprint(c.Value))
	if err != nil {
		return false, model.Wrap(model.KindGuardrailEvalFailed, "aggregate condition", err)
	}

	var metric float64
	switch c.Metric {
	case "success_rate":
		if agg.Reviewed > 0 {
			metric = float64(agg.Successes) / float64(agg.Reviewed)
		}
	case "failure_rate":
		if agg.Reviewed > 0 {
			metric = float64(agg.Failures) / float64(agg.Reviewed)
		}
	case "avg_confidence":
		metric = agg.AvgConfidence
	default:
		return false, model.Ef(model.KindGuardrailEvalFailed, "unknown aggregate metric %q", c.Metric)
	}

	return compare(metric, c.Operator, c.Threshold), nil
}

func (e *Engine) evalCompound(ctx context.Context, c *model.Condition, actx model.ActionContext) (bool, error) {
	switch c.Op {
	case "and":
		for i := range c.Conditions {
			ok, err := e.evalCondition(ctx, &c.Conditions[i], actx)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case "or":
		for i := range c.Conditions {
			ok, err := e.evalCondition(ctx, &c.Conditions[i], actx)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, model.Ef(model.KindGuardrailEvalFailed, "unknown compound op %q", c.Op)
	}
}

// requirementHolds checks one requirement against the context. A missing
// field counts as a failure.
func requirementHolds(req model.Requirement, actx model.ActionContext) bool {
	val, ok := actx[req.Field]
	if !ok {
		return false
	}
	return compare(val, req.Operator, req.Value)
}

// compare applies a v1 operator. Numeric comparands are coerced through
// float64 so JSON-decoded numbers compare against typed context values;
// everything else compares as strings, case-sensitive.
func compare(actual any, op string, expected any) bool {
	an, aNum := toFloat(actual)
	en, eNum := toFloat(expected)

	switch op {
	case model.OpEq:
		if aNum && eNum {
			return an == en
		}
		return fmt.Sprint(actual) == fmt.Sprint(expected)
	case model.OpNeq:
		if aNum && eNum {
			return an != en
		}
		return fmt.Sprint(actual) != fmt.Sprint(expected)
	case model.OpLt:
		return aNum && eNum && an < en
	case model.OpGt:
		return aNum && eNum && an > en
	case model.OpLte:
		return aNum && eNum && an <= en
	case model.OpGte:
		return aNum && eNum && an >= en
	case model.OpIn:
		return containsValue(expected, actual)
	case model.OpNotIn:
		return !containsValue(expected, actual)
	default:
		return false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint64:
		return float64(n), true
	default:
		return 0, false
	}
}

func containsValue(list any, val any) bool {
	switch l := list.(type) {
	case []any:
		for _, item := range l {
			if compare(val, model.OpEq, item) {
				return true
			}
		}
	case []string:
		for _, item := range l {
			if fmt.Sprint(val) == item {
				return true
			}
		}
	}
	return false
}
