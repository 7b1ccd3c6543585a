package model

import "time"

// CalibrationWindow is a convenience date-range selector.
type CalibrationWindow string

// Supported calibration windows.
const (
	Window30d CalibrationWindow = "30d"
	Window60d CalibrationWindow = "60d"
	Window90d CalibrationWindow = "90d"
	WindowAll CalibrationWindow = "all"
)

// CalibrationFilters narrows the reviewed-decision population under analysis.
type CalibrationFilters struct {
	Agent    string     `json:"agent,omitempty"`
	Category Category   `json:"category,omitempty"`
	Stakes   Stakes     `json:"stakes,omitempty"`
	Project  string     `json:"project,omitempty"`
	Feature  string     `json:"feature,omitempty"`
	DateFrom *time.Time `json:"date_from,omitempty"`
	DateTo   *time.Time `json:"date_to,omitempty"`
}

// Bucket interpretation labels.
const (
	InterpWellCalibrated         = "well_calibrated"
	InterpOverconfident          = "overconfident"
	InterpSlightlyOverconfident  = "slightly_overconfident"
	InterpUnderconfident         = "underconfident"
	InterpSlightlyUnderconfident = "slightly_underconfident"
)

// ConfidenceBucket is one of the five calibration bins.
type ConfidenceBucket struct {
	Range          string  `json:"range"` // e.g. "[0.7,0.9)"
	Decisions      int     `json:"decisions"`
	SuccessRate    float64 `json:"success_rate"`
	ExpectedRate   float64 `json:"expected_rate"` // bin midpoint
	Gap            float64 `json:"gap"`
	Interpretation string  `json:"interpretation"`
}

// ConfidenceVariance flags confidence habituation: an agent that states the
// same confidence for everything is not calibrating at all.
type ConfidenceVariance struct {
	StdDev      float64 `json:"stddev"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	Habituation bool    `json:"habituation"`
}

// CalibrationReport is the read-only derivation returned by getCalibration.
type CalibrationReport struct {
	Decisions       int                `json:"decisions"`
	BrierScore      float64            `json:"brier_score"`
	Accuracy        float64            `json:"accuracy"`
	MeanConfidence  float64            `json:"mean_confidence"`
	CalibrationGap  float64            `json:"calibration_gap"`
	Buckets         []ConfidenceBucket `json:"buckets"`
	Variance        ConfidenceVariance `json:"variance"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

// DriftAlert signals that recent calibration is worse than the baseline.
type DriftAlert struct {
	Category       Category `json:"category,omitempty"`
	BaselineBrier  float64  `json:"baseline_brier"`
	RecentBrier    float64  `json:"recent_brier"`
	BaselineAcc    float64  `json:"baseline_accuracy"`
	RecentAcc      float64  `json:"recent_accuracy"`
	BrierWorsening float64  `json:"brier_worsening"` // fraction, e.g. 0.25 = 25% worse
	AccuracyDrop   float64  `json:"accuracy_drop"`
	Message        string   `json:"message"`
}

// ReasonTypeStats aggregates outcomes for decisions using one reason type.
type ReasonTypeStats struct {
	Type          ReasonType `json:"type"`
	TotalUses     int        `json:"total_uses"`
	ReviewedUses  int        `json:"reviewed_uses"`
	SuccessCount  int        `json:"success_count"`
	AvgConfidence float64    `json:"avg_confidence"`
	AvgStrength   float64    `json:"avg_strength"`
	BrierScore    float64    `json:"brier_score"`
}

// ReasonStatsReport is the per-type breakdown plus a diversity metric
// (average distinct reason types per decision).
type ReasonStatsReport struct {
	Types     []ReasonTypeStats `json:"types"`
	Diversity float64           `json:"diversity"`
}
