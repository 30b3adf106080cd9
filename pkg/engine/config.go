package engine

// Thresholds collects every tunable cutoff the engines use. A zero value is
// not usable; construct with DefaultThresholds and override fields as needed.
type Thresholds struct {
	// CorrelationThreshold is the minimum |coefficient| for a strong
	// correlation finding.
	CorrelationThreshold float64 `json:"correlation_threshold" yaml:"correlation_threshold" validate:"gt=0,lte=1"`

	// SignificanceAlpha is the p-value cutoff for significance.
	SignificanceAlpha float64 `json:"significance_alpha" yaml:"significance_alpha" validate:"gt=0,lt=1"`

	// VolatilityErratic, VolatilityHigh and VolatilityModerate are the CV
	// cutoffs for the erratic, high and moderate tiers.
	VolatilityErratic  float64 `json:"volatility_erratic" yaml:"volatility_erratic" validate:"gt=0"`
	VolatilityHigh     float64 `json:"volatility_high" yaml:"volatility_high" validate:"gt=0"`
	VolatilityModerate float64 `json:"volatility_moderate" yaml:"volatility_moderate" validate:"gt=0"`

	// AnomalyZScore is the |z| cutoff for flagging an observation or group.
	AnomalyZScore float64 `json:"anomaly_z_score" yaml:"anomaly_z_score" validate:"gt=0"`

	// MinSampleSize is the smallest group a dimensional slice may report.
	MinSampleSize int `json:"min_sample_size" yaml:"min_sample_size" validate:"gte=1"`

	// MaxDimensions bounds the combinatorial dimension search width.
	MaxDimensions int `json:"max_dimensions" yaml:"max_dimensions" validate:"gte=2,lte=5"`

	// MaxMetricColumns caps how many metric columns the anomaly engine
	// scans in one run.
	MaxMetricColumns int `json:"max_metric_columns" yaml:"max_metric_columns" validate:"gte=1"`
}

// DefaultThresholds returns the standard cutoffs.
func DefaultThresholds() Thresholds {
	return Thresholds{
		CorrelationThreshold: 0.7,
		SignificanceAlpha:    0.05,
		VolatilityErratic:    1.0,
		VolatilityHigh:       0.5,
		VolatilityModerate:   0.15,
		AnomalyZScore:        2.0,
		MinSampleSize:        5,
		MaxDimensions:        3,
		MaxMetricColumns:     10,
	}
}

// riskFromZ buckets a z-score magnitude into a risk tier.
func riskFromZ(z float64) RiskLevel {
	abs := z
	if abs < 0 {
		abs = -abs
	}
	switch {
	case abs > 4:
		return RiskCritical
	case abs > 3:
		return RiskHigh
	case abs > 2:
		return RiskMedium
	default:
		return RiskLow
	}
}

// volatilityLevel buckets a coefficient of variation. Undefined CVs are
// always erratic.
func (t Thresholds) volatilityLevel(cv float64, defined bool) VolatilityLevel {
	if !defined {
		return VolatilityErratic
	}
	switch {
	case cv > t.VolatilityErratic:
		return VolatilityErratic
	case cv > t.VolatilityHigh:
		return VolatilityHigh
	case cv > t.VolatilityModerate:
		return VolatilityModerate
	default:
		return VolatilityStable
	}
}
