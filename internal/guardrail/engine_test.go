package guardrail

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema-ai/noema/internal/model"
	"github.com/noema-ai/noema/internal/service/retrieval"
	"github.com/noema-ai/noema/internal/storage"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeStore struct {
	recentCount int
	aggregate   storage.OutcomeAggregate
	decisions   map[string]model.Decision
}

func (f *fakeStore) CountRecentByContext(ctx context.Context, field, value string, window time.Duration) (int, error) {
	return f.recentCount, nil
}

func (f *fakeStore) AggregateOutcomes(ctx context.Context, field, value string) (storage.OutcomeAggregate, error) {
	return f.aggregate, nil
}

func (f *fakeStore) GetDecisionsByIDs(ctx context.Context, ids []string) (map[string]model.Decision, error) {
	out := make(map[string]model.Decision)
	for _, id := range ids {
		if d, ok := f.decisions[id]; ok {
			out[id] = d
		}
	}
	return out, nil
}

type fakeRetriever struct {
	resp retrieval.Response
	err  error
}

func (f *fakeRetriever) Query(ctx context.Context, req model.QueryRequest) (retrieval.Response, error) {
	return f.resp, f.err
}

func newTestEngine(rules []model.Guardrail, store Store, r Retriever) *Engine {
	if store == nil {
		store = &fakeStore{}
	}
	if r == nil {
		r = &fakeRetriever{}
	}
	return NewEngine(&StaticSource{Rules: rules}, store, r, time.Minute, testLogger())
}

func TestEvaluateBlockAndWarn(t *testing.T) {
	e := newTestEngine(Builtins(), nil, nil)

	t.Run("critical without reasons blocks", func(t *testing.T) {
		res, err := e.Evaluate(context.Background(), model.ActionContext{
			"stakes":        "critical",
			"confidence":    0.9,
			"reasons_count": 0,
		})
		require.NoError(t, err)
		assert.False(t, res.Allowed)
		require.Len(t, res.Violations, 1)
		assert.Equal(t, "critical-requires-reasons", res.Violations[0].RuleID)
		assert.Equal(t, "guardrail", res.Violations[0].Type)
	})

	t.Run("high stakes low confidence warns", func(t *testing.T) {
		res, err := e.Evaluate(context.Background(), model.ActionContext{
			"stakes":        "high",
			"confidence":    0.3,
			"reasons_count": 2,
		})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		require.Len(t, res.Warnings, 1)
		assert.Equal(t, "high-stakes-low-confidence", res.Warnings[0].RuleID)
	})

	t.Run("medium stakes passes untouched", func(t *testing.T) {
		res, err := e.Evaluate(context.Background(), model.ActionContext{
			"stakes":     "medium",
			"confidence": 0.8,
		})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Empty(t, res.Violations)
		assert.Empty(t, res.Warnings)
		assert.Equal(t, 0, res.EvaluatedCount)
	})
}

func TestMissingRequirementFieldFails(t *testing.T) {
	e := newTestEngine(Builtins(), nil, nil)

	res, err := e.Evaluate(context.Background(), model.ActionContext{
		"stakes": "critical",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestScopeMatching(t *testing.T) {
	rules := []model.Guardrail{{
		ID:    "scoped-rule",
		Scope: "payments",
		Requirements: []model.Requirement{
			{Field: "confidence", Operator: model.OpGte, Value: 0.9},
		},
		Action:  model.ActionBlock,
		Message: "payments changes need very high confidence",
	}}
	e := newTestEngine(rules, nil, nil)

	res, err := e.Evaluate(context.Background(), model.ActionContext{
		"project":    "payments",
		"confidence": 0.5,
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = e.Evaluate(context.Background(), model.ActionContext{
		"project":    "billing",
		"confidence": 0.5,
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Equal(t, 0, res.EvaluatedCount)
}

func TestTemporalCondition(t *testing.T) {
	rules := []model.Guardrail{{
		ID: "too-many-rollbacks",
		Conditions: []model.Condition{{
			Kind:           model.CondTemporal,
			Field:          "category",
			Value:          "process",
			WindowHours:    24,
			MaxOccurrences: 3,
		}},
		Requirements: []model.Requirement{
			{Field: "acknowledged", Operator: model.OpEq, Value: true},
		},
		Action:  model.ActionBlock,
		Message: "rollback frequency exceeded",
	}}

	t.Run("under threshold does not apply", func(t *testing.T) {
		e := newTestEngine(rules, &fakeStore{recentCount: 2}, nil)
		res, err := e.Evaluate(context.Background(), model.ActionContext{})
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	})

	t.Run("over threshold applies and blocks", func(t *testing.T) {
		e := newTestEngine(rules, &fakeStore{recentCount: 5}, nil)
		res, err := e.Evaluate(context.Background(), model.ActionContext{})
		require.NoError(t, err)
		assert.False(t, res.Allowed)
	})
}

func TestAggregateCondition(t *testing.T) {
	rules := []model.Guardrail{{
		ID: "failing-category",
		Conditions: []model.Condition{{
			Kind:      model.CondAggregate,
			Field:     "category",
			Value:     "integration",
			Metric:    "failure_rate",
			Operator:  model.OpGt,
			Threshold: 0.5,
		}},
		Requirements: []model.Requirement{
			{Field: "second_opinion", Operator: model.OpEq, Value: true},
		},
		Action:  model.ActionBlock,
		Message: "integration decisions are failing often",
	}}

	store := &fakeStore{aggregate: storage.OutcomeAggregate{Reviewed: 10, Failures: 7, Successes: 3}}
	e := newTestEngine(rules, store, nil)

	res, err := e.Evaluate(context.Background(), model.ActionContext{})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestSemanticCondition(t *testing.T) {
	d1 := 0.1
	d2 := 0.15
	retriever := &fakeRetriever{resp: retrieval.Response{Results: []model.QueryResult{
		{ID: "aaaa0001", Scores: model.QueryScores{Semantic: &d1}},
		{ID: "aaaa0002", Scores: model.QueryScores{Semantic: &d2}},
	}}}
	now := time.Now()
	store := &fakeStore{decisions: map[string]model.Decision{
		"aaaa0001": {ID: "aaaa0001", Outcome: model.OutcomeFailure, CreatedAt: now.AddDate(0, 0, -5)},
		"aaaa0002": {ID: "aaaa0002", Outcome: model.OutcomeFailure, CreatedAt: now.AddDate(0, 0, -10)},
	}}

	rules := []model.Guardrail{{
		ID: "similar-failures",
		Conditions: []model.Condition{{
			Kind:            model.CondSemantic,
			QueryField:      "description",
			FilterOutcome:   model.OutcomeFailure,
			FilterSinceDays: 30,
			MinMatches:      2,
			Threshold:       0.3,
		}},
		Requirements: []model.Requirement{
			{Field: "reviewed_precedent", Operator: model.OpEq, Value: true},
		},
		Action:  model.ActionBlock,
		Message: "similar decisions failed recently",
	}}
	e := newTestEngine(rules, store, retriever)

	res, err := e.Evaluate(context.Background(), model.ActionContext{
		"description": "add retry logic to the payment worker",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

func TestSemanticConditionTimeoutKeepsQueryFailedKind(t *testing.T) {
	retriever := &fakeRetriever{err: model.Wrap(model.KindQueryFailed, "semantic search unavailable", errors.New("down"))}
	rules := []model.Guardrail{{
		ID: "similar-failures",
		Conditions: []model.Condition{{
			Kind:       model.CondSemantic,
			QueryField: "description",
			Threshold:  0.3,
		}},
		Action: model.ActionBlock,
	}}
	e := newTestEngine(rules, nil, retriever)

	_, err := e.Evaluate(context.Background(), model.ActionContext{"description": "x"})
	require.Error(t, err)
	assert.Equal(t, model.KindQueryFailed, model.KindOf(err))
}

func TestCompoundCondition(t *testing.T) {
	rules := []model.Guardrail{{
		ID: "weekend-critical",
		Conditions: []model.Condition{{
			Kind: model.CondCompound,
			Op:   "and",
			Conditions: []model.Condition{
				{Field: "stakes", Operator: model.OpEq, Value: "critical"},
				{
					Kind: model.CondCompound,
					Op:   "or",
					Conditions: []model.Condition{
						{Field: "category", Operator: model.OpEq, Value: "security"},
						{Field: "category", Operator: model.OpEq, Value: "architecture"},
					},
				},
			},
		}},
		Requirements: []model.Requirement{
			{Field: "approver", Operator: model.OpNeq, Value: ""},
		},
		Action:  model.ActionBlock,
		Message: "needs an approver",
	}}
	e := newTestEngine(rules, nil, nil)

	res, err := e.Evaluate(context.Background(), model.ActionContext{
		"stakes":   "critical",
		"category": "security",
	})
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	res, err = e.Evaluate(context.Background(), model.ActionContext{
		"stakes":   "critical",
		"category": "tooling",
	})
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestDirSourceLoadsRules(t *testing.T) {
	dir := t.TempDir()
	doc := `[{"id": "file-rule", "action": "warn", "message": "from file",
		"requirements": [{"field": "confidence", "operator": ">=", "value": 0.5}]}]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.json"), []byte(doc), 0o644))

	src := &DirSource{Dir: dir}
	rules, err := src.Load(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "file-rule", rules[0].ID)
}

func TestRefreshFailureKeepsPreviousSnapshot(t *testing.T) {
	src := &flakySource{rules: Builtins()}
	e := NewEngine(src, &fakeStore{}, &fakeRetriever{}, time.Minute, testLogger())

	res, err := e.Evaluate(context.Background(), model.ActionContext{"stakes": "critical"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)

	// Expire the cache and make the source fail: the old rules stay active.
	src.fail = true
	e.Invalidate()
	res, err = e.Evaluate(context.Background(), model.ActionContext{"stakes": "critical"})
	require.NoError(t, err)
	assert.False(t, res.Allowed)
}

type flakySource struct {
	rules []model.Guardrail
	fail  bool
}

func (f *flakySource) Load(_ context.Context) ([]model.Guardrail, error) {
	if f.fail {
		return nil, errors.New("source unavailable")
	}
	return f.rules, nil
}
