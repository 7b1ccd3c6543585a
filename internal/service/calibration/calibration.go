// Package calibration derives confidence-quality metrics from reviewed
// decisions: Brier scores, accuracy, per-bucket calibration gaps, variance
// habituation flags, drift against a historical baseline, and per-reason-type
// effectiveness. All results are read-only derivations over the store.
package calibration

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/noema-ai/noema/internal/model"
)

// Drift thresholds: recent Brier worsening by 20% or accuracy dropping by
// 10 points against the baseline raises an alert.
const (
	driftBrierWorsening = 0.20
	driftAccuracyDrop   = 0.10
	driftRecentWindow   = 30 * 24 * time.Hour
	driftMinBaseline    = 90 * 24 * time.Hour

	habituationStdDev = 0.05
	habituationMinN   = 10
)

// Store supplies the reviewed-decision population. *storage.DB satisfies it.
type Store interface {
	ListReviewed(ctx context.Context, f model.CalibrationFilters) ([]model.Decision, error)
	AllDecisions(ctx context.Context) ([]model.Decision, error)
}

// Service computes calibration reports.
type Service struct {
	store Store
	now   func() time.Time
}

// New builds a calibration service.
func New(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// ApplyWindow translates a window selector into the filters' date range.
// An explicit DateFrom wins over the window.
func ApplyWindow(f model.CalibrationFilters, window model.CalibrationWindow, now time.Time) (model.CalibrationFilters, error) {
	if f.DateFrom != nil || window == "" || window == model.WindowAll {
		return f, nil
	}
	var days int
	switch window {
	case model.Window30d:
		days = 30
	case model.Window60d:
		days = 60
	case model.Window90d:
		days = 90
	default:
		return f, model.Ef(model.KindInvalidParams, "unknown calibration window %q", window)
	}
	from := now.AddDate(0, 0, -days)
	f.DateFrom = &from
	return f, nil
}

// Report computes the full calibration report for the filtered population.
func (s *Service) Report(ctx context.Context, f model.CalibrationFilters, window model.CalibrationWindow) (model.CalibrationReport, error) {
	f, err := ApplyWindow(f, window, s.now())
	if err != nil {
		return model.CalibrationReport{}, err
	}
	decisions, err := s.store.ListReviewed(ctx, f)
	if err != nil {
		return model.CalibrationReport{}, model.Wrap(model.KindQueryFailed, "load reviewed decisions", err)
	}

	report := model.CalibrationReport{
		Decisions: len(decisions),
		Buckets:   Buckets(decisions),
		Variance:  Variance(decisions),
	}
	if len(decisions) == 0 {
		return report, nil
	}

	report.BrierScore = Brier(decisions)
	report.Accuracy = Accuracy(decisions)
	report.MeanConfidence = meanConfidence(decisions)
	report.CalibrationGap = report.Accuracy - report.MeanConfidence
	report.Recommendations = recommendations(&report)
	return report, nil
}

// Brier is the mean squared error between stated confidence and the
// outcome scalar.
func Brier(decisions []model.Decision) float64 {
	if len(decisions) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range decisions {
		diff := d.Confidence - model.OutcomeScalar[d.Outcome]
		sum += diff * diff
	}
	return sum / float64(len(decisions))
}

// Accuracy is the fraction of decisions whose outcome scalar is at least 0.5.
func Accuracy(decisions []model.Decision) float64 {
	if len(decisions) == 0 {
		return 0
	}
	hits := 0
	for _, d := range decisions {
		if model.OutcomeScalar[d.Outcome] >= 0.5 {
			hits++
		}
	}
	return float64(hits) / float64(len(decisions))
}

func meanConfidence(decisions []model.Decision) float64 {
	if len(decisions) == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range decisions {
		sum += d.Confidence
	}
	return sum / float64(len(decisions))
}

// bucketDef fixes the five calibration bins. The last bin is exactly 1.0.
type bucketDef struct {
	label    string
	lo, hi   float64
	midpoint float64
}

var bucketDefs = []bucketDef{
	{label: "[0.0,0.5)", lo: 0.0, hi: 0.5, midpoint: 0.25},
	{label: "[0.5,0.7)", lo: 0.5, hi: 0.7, midpoint: 0.6},
	{label: "[0.7,0.9)", lo: 0.7, hi: 0.9, midpoint: 0.8},
	{label: "[0.9,1.0)", lo: 0.9, hi: 1.0, midpoint: 0.95},
	{label: "[1.0]", lo: 1.0, hi: 1.0, midpoint: 1.0},
}

func bucketIndex(confidence float64) int {
	if confidence >= 1.0 {
		return 4
	}
	for i, b := range bucketDefs[:4] {
		if confidence >= b.lo && confidence < b.hi {
			return i
		}
	}
	return 0
}

// Buckets groups decisions into the five confidence bins and labels each
// bin's calibration gap.
func Buckets(decisions []model.Decision) []model.ConfidenceBucket {
	counts := make([]int, len(bucketDefs))
	successes := make([]float64, len(bucketDefs))
	for _, d := range decisions {
		i := bucketIndex(d.Confidence)
		counts[i]++
		successes[i] += model.OutcomeScalar[d.Outcome]
	}

	buckets := make([]model.ConfidenceBucket, len(bucketDefs))
	for i, def := range bucketDefs {
		b := model.ConfidenceBucket{
			Range:        def.label,
			Decisions:    counts[i],
			ExpectedRate: def.midpoint,
		}
		if counts[i] > 0 {
			b.SuccessRate = successes[i] / float64(counts[i])
			b.Gap = b.SuccessRate - b.ExpectedRate
			b.Interpretation = interpret(b.Gap)
		}
		buckets[i] = b
	}
	return buckets
}

// interpret labels a bucket gap. Negative gaps mean observed success fell
// short of stated confidence.
func interpret(gap float64) string {
	abs := math.Abs(gap)
	switch {
	case abs < 0.05:
		return model.InterpWellCalibrated
	case gap < 0 && abs >= 0.15:
		return model.InterpOverconfident
	case gap < 0:
		return model.InterpSlightlyOverconfident
	case abs >= 0.15:
		return model.InterpUnderconfident
	default:
		return model.InterpSlightlyUnderconfident
	}
}

// Variance computes the confidence spread and flags habituation: stddev
// under 0.05 across ten or more decisions means the agent states the same
// confidence regardless of the decision.
func Variance(decisions []model.Decision) model.ConfidenceVariance {
	if len(decisions) == 0 {
		return model.ConfidenceVariance{}
	}
	mean := meanConfidence(decisions)
	minC, maxC := decisions[0].Confidence, decisions[0].Confidence
	sumSq := 0.0
	for _, d := range decisions {
		diff := d.Confidence - mean
		sumSq += diff * diff
		if d.Confidence < minC {
			minC = d.Confidence
		}
		if d.Confidence > maxC {
			maxC = d.Confidence
		}
	}
	stddev := math.Sqrt(sumSq / float64(len(decisions)))
	return model.ConfidenceVariance{
		StdDev:      stddev,
		Min:         minC,
		Max:         maxC,
		Habituation: stddev < habituationStdDev && len(decisions) >= habituationMinN,
	}
}

func recommendations(r *model.CalibrationReport) []string {
	var recs []string
	if r.CalibrationGap < -0.1 {
		recs = append(recs, "stated confidence runs ahead of observed outcomes; consider lowering confidence on similar decisions")
	}
	if r.CalibrationGap > 0.1 {
		recs = append(recs, "outcomes beat stated confidence; consider raising confidence when the evidence is strong")
	}
	if r.Variance.Habituation {
		recs = append(recs, "confidence barely varies across decisions; differentiate easy calls from hard ones")
	}
	for _, b := range r.Buckets {
		if b.Decisions >= 5 && b.Interpretation == model.InterpOverconfident {
			recs = append(recs, fmt.Sprintf("bucket %s is overconfident (gap %.2f)", b.Range, b.Gap))
		}
	}
	return recs
}

// Drift compares the most recent 30 days against the older baseline. No
// alert is raised without at least 90 days of baseline history.
func (s *Service) Drift(ctx context.Context, f model.CalibrationFilters) ([]model.DriftAlert, error) {
	decisions, err := s.store.ListReviewed(ctx, f)
	if err != nil {
		return nil, model.Wrap(model.KindQueryFailed, "load reviewed decisions", err)
	}

	byCategory := map[model.Category][]model.Decision{"": decisions}
	for _, d := range decisions {
		byCategory[d.Category] = append(byCategory[d.Category], d)
	}

	var alerts []model.DriftAlert
	categories := make([]model.Category, 0, len(byCategory))
	for c := range byCategory {
		categories = append(categories, c)
	}
	sort.Slice(categories, func(i, j int) bool { return categories[i] < categories[j] })

	for _, c := range categories {
		if alert := s.driftFor(c, byCategory[c]); alert != nil {
			alerts = append(alerts, *alert)
		}
	}
	return alerts, nil
}

func (s *Service) driftFor(category model.Category, decisions []model.Decision) *model.DriftAlert {
	now := s.now()
	cutoff := now.Add(-driftRecentWindow)

	var recent, baseline []model.Decision
	var oldest time.Time
	for _, d := range decisions {
		at := d.CreatedAt
		if d.ReviewedAt != nil {
			at = *d.ReviewedAt
		}
		if oldest.IsZero() || at.Before(oldest) {
			oldest = at
		}
		if at.After(cutoff) {
			recent = append(recent, d)
		} else {
			baseline = append(baseline, d)
		}
	}

	if len(recent) < 5 || len(baseline) < 5 {
		return nil
	}
	if now.Sub(oldest) < driftMinBaseline {
		return nil
	}

	baseBrier, recentBrier := Brier(baseline), Brier(recent)
	baseAcc, recentAcc := Accuracy(baseline), Accuracy(recent)

	worsening := 0.0
	if baseBrier > 0 {
		worsening = (recentBrier - baseBrier) / baseBrier
	} else if recentBrier > 0 {
		worsening = 1
	}
	accDrop := baseAcc - recentAcc

	if worsening < driftBrierWorsening && accDrop < driftAccuracyDrop {
		return nil
	}

	label := "overall"
	if category != "" {
		label = string(category)
	}
	return &model.DriftAlert{
		Category:       category,
		BaselineBrier:  baseBrier,
		RecentBrier:    recentBrier,
		BaselineAcc:    baseAcc,
		RecentAcc:      recentAcc,
		BrierWorsening: worsening,
		AccuracyDrop:   accDrop,
		Message:        fmt.Sprintf("calibration drift in %s: Brier %.3f -> %.3f, accuracy %.2f -> %.2f", label, baseBrier, recentBrier, baseAcc, recentAcc),
	}
}

// ReasonStats aggregates outcome quality per reason type across the whole
// store, plus a diversity metric (average distinct reason types per
// decision).
func (s *Service) ReasonStats(ctx context.Context) (model.ReasonStatsReport, error) {
	decisions, err := s.store.AllDecisions(ctx)
	if err != nil {
		return model.ReasonStatsReport{}, model.Wrap(model.KindQueryFailed, "load decisions", err)
	}

	type agg struct {
		total       int
		reviewed    int
		successes   int
		confSum     float64
		strengthSum float64
		strengthN   int
		brierSum    float64
	}
	byType := make(map[model.ReasonType]*agg)

	distinctSum := 0
	withReasons := 0
	for _, d := range decisions {
		seen := make(map[model.ReasonType]bool)
		for _, r := range d.Reasons {
			a := byType[r.Type]
			if a == nil {
				a = &agg{}
				byType[r.Type] = a
			}
			a.strengthSum += r.Strength
			a.strengthN++
			if seen[r.Type] {
				continue
			}
			seen[r.Type] = true

			a.total++
			a.confSum += d.Confidence
			if d.ReviewedAt != nil {
				a.reviewed++
				scalar := model.OutcomeScalar[d.Outcome]
				if scalar >= 0.5 {
					a.successes++
				}
				diff := d.Confidence - scalar
				a.brierSum += diff * diff
			}
		}
		if len(seen) > 0 {
			withReasons++
			distinctSum += len(seen)
		}
	}

	report := model.ReasonStatsReport{}
	if withReasons > 0 {
		report.Diversity = float64(distinctSum) / float64(withReasons)
	}

	types := make([]model.ReasonType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	for _, t := range types {
		a := byType[t]
		st := model.ReasonTypeStats{
			Type:         t,
			TotalUses:    a.total,
			ReviewedUses: a.reviewed,
			SuccessCount: a.successes,
		}
		if a.total > 0 {
			st.AvgConfidence = a.confSum / float64(a.total)
		}
		if a.strengthN > 0 {
			st.AvgStrength = a.strengthSum / float64(a.strengthN)
		}
		if a.reviewed > 0 {
			st.BrierScore = a.brierSum / float64(a.reviewed)
		}
		report.Types = append(report.Types, st)
	}
	return report, nil
}

// Summary renders the one-line calibration context used by preAction.
func Summary(r *model.CalibrationReport) string {
	if r.Decisions == 0 {
		return "no reviewed decisions yet"
	}
	return fmt.Sprintf("%d reviewed decisions, Brier %.3f, accuracy %.0f%%, mean confidence %.0f%%",
		r.Decisions, r.BrierScore, r.Accuracy*100, r.MeanConfidence*100)
}
