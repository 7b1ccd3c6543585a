package calibration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noema-ai/noema/internal/model"
)

type memStore struct {
	reviewed []model.Decision
	all      []model.Decision
}

func (m *memStore) ListReviewed(_ context.Context, f model.CalibrationFilters) ([]model.Decision, error) {
	var out []model.Decision
	for _, d := range m.reviewed {
		if f.Category != "" && d.Category != f.Category {
			continue
		}
		if f.DateFrom != nil && d.CreatedAt.Before(*f.DateFrom) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *memStore) AllDecisions(_ context.Context) ([]model.Decision, error) {
	return m.all, nil
}

func reviewed(confidence float64, outcome model.Outcome, at time.Time) model.Decision {
	return model.Decision{
		Confidence: confidence,
		Outcome:    outcome,
		Category:   model.CategoryArchitecture,
		CreatedAt:  at,
		ReviewedAt: &at,
	}
}

func TestReportOverconfidentPopulation(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	for i := 0; i < 5; i++ {
		store.reviewed = append(store.reviewed, reviewed(0.9, model.OutcomeSuccess, now))
		store.reviewed = append(store.reviewed, reviewed(0.9, model.OutcomeFailure, now))
	}

	svc := New(store)
	report, err := svc.Report(context.Background(), model.CalibrationFilters{}, model.WindowAll)
	require.NoError(t, err)

	assert.Equal(t, 10, report.Decisions)
	// 5x(0.9-1)^2 + 5x(0.9-0)^2 over 10 decisions.
	assert.InDelta(t, 0.41, report.BrierScore, 1e-9)
	assert.InDelta(t, 0.5, report.Accuracy, 1e-9)
	assert.InDelta(t, 0.9, report.MeanConfidence, 1e-9)
	assert.InDelta(t, -0.4, report.CalibrationGap, 1e-9)

	require.Len(t, report.Buckets, 5)
	b := report.Buckets[3]
	assert.Equal(t, "[0.9,1.0)", b.Range)
	assert.Equal(t, 10, b.Decisions)
	assert.InDelta(t, -0.45, b.Gap, 1e-9)
	assert.Equal(t, model.InterpOverconfident, b.Interpretation)

	assert.NotEmpty(t, report.Recommendations)
}

func TestReportPerfectCalibration(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	for i := 0; i < 4; i++ {
		store.reviewed = append(store.reviewed, reviewed(1.0, model.OutcomeSuccess, now))
	}

	svc := New(store)
	report, err := svc.Report(context.Background(), model.CalibrationFilters{}, model.WindowAll)
	require.NoError(t, err)

	assert.Zero(t, report.BrierScore)
	assert.Equal(t, 1.0, report.Accuracy)
	assert.Zero(t, report.CalibrationGap)
	// Exact 1.0 confidence lands in the dedicated last bucket.
	assert.Equal(t, 4, report.Buckets[4].Decisions)
	assert.Equal(t, model.InterpWellCalibrated, report.Buckets[4].Interpretation)
}

func TestReportEmptyPopulation(t *testing.T) {
	svc := New(&memStore{})
	report, err := svc.Report(context.Background(), model.CalibrationFilters{}, model.WindowAll)
	require.NoError(t, err)
	assert.Zero(t, report.Decisions)
	assert.Len(t, report.Buckets, 5)
	assert.Empty(t, report.Recommendations)
}

func TestHabituationFlag(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	for i := 0; i < 10; i++ {
		outcome := model.OutcomeSuccess
		if i%2 == 0 {
			outcome = model.OutcomeFailure
		}
		store.reviewed = append(store.reviewed, reviewed(0.7, outcome, now))
	}

	svc := New(store)
	report, err := svc.Report(context.Background(), model.CalibrationFilters{}, model.WindowAll)
	require.NoError(t, err)
	assert.True(t, report.Variance.Habituation)
	assert.InDelta(t, 0, report.Variance.StdDev, 1e-9)
}

func TestHabituationNeedsTenDecisions(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	for i := 0; i < 5; i++ {
		store.reviewed = append(store.reviewed, reviewed(0.7, model.OutcomeSuccess, now))
	}

	svc := New(store)
	report, err := svc.Report(context.Background(), model.CalibrationFilters{}, model.WindowAll)
	require.NoError(t, err)
	assert.False(t, report.Variance.Habituation)
}

func TestApplyWindowTranslatesToDateFrom(t *testing.T) {
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)

	f, err := ApplyWindow(model.CalibrationFilters{}, model.Window30d, now)
	require.NoError(t, err)
	require.NotNil(t, f.DateFrom)
	assert.Equal(t, now.AddDate(0, 0, -30), *f.DateFrom)

	// An explicit range wins over the window.
	from := now.AddDate(0, 0, -7)
	f, err = ApplyWindow(model.CalibrationFilters{DateFrom: &from}, model.Window90d, now)
	require.NoError(t, err)
	assert.Equal(t, from, *f.DateFrom)

	_, err = ApplyWindow(model.CalibrationFilters{}, "45d", now)
	require.Error(t, err)
	assert.Equal(t, model.KindInvalidParams, model.KindOf(err))
}

func TestDriftDetectsWorseningCategory(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	// Baseline four months back: mostly successful at 0.8.
	old := now.AddDate(0, -4, 0)
	for i := 0; i < 8; i++ {
		store.reviewed = append(store.reviewed, reviewed(0.8, model.OutcomeSuccess, old))
	}
	for i := 0; i < 2; i++ {
		store.reviewed = append(store.reviewed, reviewed(0.8, model.OutcomeFailure, old))
	}
	// Recent month: mostly failing at the same confidence.
	for i := 0; i < 4; i++ {
		store.reviewed = append(store.reviewed, reviewed(0.8, model.OutcomeFailure, now.AddDate(0, 0, -3)))
	}
	store.reviewed = append(store.reviewed, reviewed(0.8, model.OutcomeSuccess, now.AddDate(0, 0, -3)))

	svc := New(store)
	svc.now = func() time.Time { return now }

	alerts, err := svc.Drift(context.Background(), model.CalibrationFilters{})
	require.NoError(t, err)
	require.NotEmpty(t, alerts)

	var found *model.DriftAlert
	for i := range alerts {
		if alerts[i].Category == model.CategoryArchitecture {
			found = &alerts[i]
		}
	}
	require.NotNil(t, found)
	assert.Greater(t, found.RecentBrier, found.BaselineBrier)
	assert.GreaterOrEqual(t, found.BrierWorsening, 0.20)
	assert.GreaterOrEqual(t, found.AccuracyDrop, 0.10)
	assert.Contains(t, found.Message, "architecture")
}

func TestDriftNeedsBaselineHistory(t *testing.T) {
	now := time.Now()
	store := &memStore{}
	// Everything within the last two months: not enough history.
	old := now.AddDate(0, 0, -45)
	for i := 0; i < 8; i++ {
		store.reviewed = append(store.reviewed, reviewed(0.8, model.OutcomeSuccess, old))
	}
	for i := 0; i < 5; i++ {
		store.reviewed = append(store.reviewed, reviewed(0.8, model.OutcomeFailure, now.AddDate(0, 0, -3)))
	}

	svc := New(store)
	svc.now = func() time.Time { return now }

	alerts, err := svc.Drift(context.Background(), model.CalibrationFilters{})
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestReasonStats(t *testing.T) {
	now := time.Now()
	d1 := model.Decision{
		Confidence: 0.8,
		Outcome:    model.OutcomeSuccess,
		CreatedAt:  now,
		ReviewedAt: &now,
		Reasons: []model.Reason{
			{Type: model.ReasonEmpirical, Strength: 0.9},
			{Type: model.ReasonAnalysis, Strength: 0.7},
		},
	}
	d2 := model.Decision{
		Confidence: 0.6,
		CreatedAt:  now,
		Reasons: []model.Reason{
			{Type: model.ReasonEmpirical, Strength: 0.5},
		},
	}
	store := &memStore{all: []model.Decision{d1, d2}}

	svc := New(store)
	report, err := svc.ReasonStats(context.Background())
	require.NoError(t, err)

	// 2 distinct types in d1, 1 in d2.
	assert.InDelta(t, 1.5, report.Diversity, 1e-9)
	require.Len(t, report.Types, 2)

	byType := map[model.ReasonType]model.ReasonTypeStats{}
	for _, st := range report.Types {
		byType[st.Type] = st
	}

	emp := byType[model.ReasonEmpirical]
	assert.Equal(t, 2, emp.TotalUses)
	assert.Equal(t, 1, emp.ReviewedUses)
	assert.Equal(t, 1, emp.SuccessCount)
	assert.InDelta(t, 0.7, emp.AvgConfidence, 1e-9)
	assert.InDelta(t, 0.7, emp.AvgStrength, 1e-9)
	assert.InDelta(t, 0.04, emp.BrierScore, 1e-9)

	ana := byType[model.ReasonAnalysis]
	assert.Equal(t, 1, ana.TotalUses)
	assert.Equal(t, 1, ana.SuccessCount)
}

func TestSummaryLine(t *testing.T) {
	assert.Equal(t, "no reviewed decisions yet", Summary(&model.CalibrationReport{}))

	r := &model.CalibrationReport{Decisions: 12, BrierScore: 0.18, Accuracy: 0.75, MeanConfidence: 0.82}
	assert.Equal(t, "12 reviewed decisions, Brier 0.180, accuracy 75%, mean confidence 82%", Summary(r))
}
