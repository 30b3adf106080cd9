package engine

import (
	"encoding/json"
	"time"
)

// RiskLevel is the ordinal severity classification shared by outlier clusters
// and anomalies.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// rank orders severities for dedup comparisons.
func (r RiskLevel) rank() int {
	switch r {
	case RiskCritical:
		return 3
	case RiskHigh:
		return 2
	case RiskMedium:
		return 1
	default:
		return 0
	}
}

// MoreSevere reports whether r outranks other.
func (r RiskLevel) MoreSevere(other RiskLevel) bool {
	return r.rank() > other.rank()
}

// VolatilityLevel classifies a region's dispersion tier.
type VolatilityLevel string

const (
	VolatilityStable   VolatilityLevel = "stable"
	VolatilityModerate VolatilityLevel = "moderate"
	VolatilityHigh     VolatilityLevel = "high"
	VolatilityErratic  VolatilityLevel = "erratic"
)

// VisualizationType names the chart kind a descriptor asks for.
type VisualizationType string

const (
	VizLineChart   VisualizationType = "line_chart"
	VizBarChart    VisualizationType = "bar_chart"
	VizHeatmap     VisualizationType = "heatmap"
	VizScatterPlot VisualizationType = "scatter_plot"
	VizMap         VisualizationType = "map"
)

// VisualizationSpec describes one chart the rendering layer should build.
// The core only assembles the descriptor; it never renders.
type VisualizationSpec struct {
	Type        VisualizationType `json:"type"`
	Title       string            `json:"title"`
	Description string            `json:"description"`
	Data        map[string]any    `json:"data"`
}

// CorrelationFinding is one strong pairwise relationship.
type CorrelationFinding struct {
	// Variable1 and Variable2 are the column names, always distinct.
	Variable1 string `json:"variable_1"`
	Variable2 string `json:"variable_2"`

	// Coefficient is the correlation coefficient, rounded to 4 decimals.
	Coefficient float64 `json:"correlation_coefficient"`

	// PValue is the two-sided significance probability, rounded to 6 decimals.
	PValue float64 `json:"p_value"`

	// Significant is true when PValue is below the configured alpha.
	Significant bool `json:"is_significant"`

	// Relationship buckets the coefficient: strong_positive,
	// moderate_positive, weak_positive and the negative counterparts.
	Relationship string `json:"relationship_type"`

	// Interpretation is a short human-readable sentence.
	Interpretation string `json:"interpretation"`

	// SampleSize is the number of joint non-missing observations.
	SampleSize int `json:"sample_size"`
}

// DriverVariable ranks a column by how broadly and strongly it correlates
// with the rest of the numeric columns.
type DriverVariable struct {
	Variable         string  `json:"variable"`
	DriverScore      float64 `json:"driver_score"`
	AvgCorrelation   float64 `json:"avg_correlation"`
	MaxCorrelation   float64 `json:"max_correlation"`
	ConnectionCount  int     `json:"connection_count"`
	SignificantCount int     `json:"significant_count"`
}

// CorrelationOutput is the correlation engine's complete result.
type CorrelationOutput struct {
	// Matrix is the sanitized pairwise coefficient matrix keyed by column
	// name; NaN and infinite cells are zeroed.
	Matrix map[string]map[string]float64 `json:"correlation_matrix"`

	// PValues mirrors Matrix with two-sided significance probabilities.
	PValues map[string]map[string]float64 `json:"p_value_matrix"`

	// StrongCorrelations lists findings with |coefficient| at or above the
	// threshold, sorted by |coefficient| descending.
	StrongCorrelations []CorrelationFinding `json:"strong_correlations"`

	// DriverVariables is the top-10 driver ranking.
	DriverVariables []DriverVariable `json:"driver_variables"`

	Summary       string             `json:"summary"`
	Visualization *VisualizationSpec `json:"visualization,omitempty"`
}

// RegionalVolatility is one region's dispersion score.
type RegionalVolatility struct {
	Region string `json:"region"`

	// CV is the coefficient of variation. Meaningful only when CVDefined;
	// an undefined CV (zero mean with nonzero spread) marshals as the
	// 999.99 sentinel for serialization safety.
	CV        float64 `json:"-"`
	CVDefined bool    `json:"-"`

	Mean   float64         `json:"mean"`
	StdDev float64         `json:"std_deviation"`
	Level  VolatilityLevel `json:"volatility_level"`

	// TemporalPattern describes peak and trough months when a time column
	// was available.
	TemporalPattern string `json:"temporal_pattern,omitempty"`

	// SeasonalFactors holds tags such as monsoon_spike or year_end_surge.
	SeasonalFactors []string `json:"seasonal_factors,omitempty"`

	// SampleSize is the number of observations behind the score.
	SampleSize int `json:"sample_size"`
}

// cvSentinel stands in for an undefined coefficient of variation on the wire.
const cvSentinel = 999.99

// MarshalJSON emits the CV sentinel when the coefficient is undefined.
func (rv RegionalVolatility) MarshalJSON() ([]byte, error) {
	type alias RegionalVolatility
	cv := rv.CV
	if !rv.CVDefined {
		cv = cvSentinel
	}
	return json.Marshal(struct {
		alias
		CV float64 `json:"coefficient_of_variation"`
	}{alias(rv), cv})
}

// VolatilityOutput is the volatility engine's complete result.
type VolatilityOutput struct {
	// RegionalScores is sorted by CV descending; undefined CVs sort first.
	RegionalScores []RegionalVolatility `json:"regional_scores"`

	HighVolatilityRegions []string `json:"high_volatility_regions"`
	StableRegions         []string `json:"stable_regions"`

	// TemporalPatterns holds the overall and per-region month/quarter
	// aggregates when a time column was available.
	TemporalPatterns map[string]any `json:"temporal_patterns"`

	// SeasonalityDetected is true when the lag-12 autocorrelation of the
	// monthly series exceeds 0.3 over at least 24 monthly points.
	SeasonalityDetected bool `json:"seasonality_detected"`

	Summary       string             `json:"summary"`
	Visualization *VisualizationSpec `json:"visualization,omitempty"`
}

// OutlierCluster is a combination of dimension values whose aggregated metric
// deviates strongly from the national mean.
type OutlierCluster struct {
	// Dimensions maps dimension column to the value defining the group.
	Dimensions map[string]string `json:"dimensions"`

	MetricValue  float64   `json:"metric_value"`
	NationalMean float64   `json:"national_mean"`
	ZScore       float64   `json:"z_score"`
	DeviationPct float64   `json:"deviation_percentage"`
	SampleSize   int       `json:"sample_size"`
	Risk         RiskLevel `json:"risk_level"`
}

// AggregationRow is one group's statistics from a dimension combination pass.
type AggregationRow struct {
	Dimensions     map[string]string `json:"dimensions"`
	MetricValue    float64           `json:"metric_value"`
	SampleSize     int               `json:"sample_size"`
	StdWithinGroup float64           `json:"std_within_group"`
	ZScore         float64           `json:"z_score"`
	DeviationPct   float64           `json:"deviation_from_national"`
}

// DimensionalOutput is the dimensional slicing engine's complete result.
type DimensionalOutput struct {
	Aggregations []AggregationRow `json:"aggregations"`

	// OutlierClusters is deduplicated by dimension mapping and sorted by
	// |z| descending.
	OutlierClusters []OutlierCluster `json:"outlier_clusters"`

	// TopAnomalies is the first 10 outlier clusters.
	TopAnomalies []OutlierCluster `json:"top_anomalies"`

	// DimensionImportance scores each dimension in [0,1].
	DimensionImportance map[string]float64 `json:"dimension_importance"`

	Summary       string             `json:"summary"`
	Visualization *VisualizationSpec `json:"visualization,omitempty"`
}

// Anomaly is one flagged observation.
type Anomaly struct {
	// ID is a short random identifier for cross-referencing.
	ID string `json:"id"`

	MetricName    string  `json:"metric_name"`
	ObservedValue float64 `json:"observed_value"`
	ExpectedValue float64 `json:"expected_value"`
	ZScore        float64 `json:"z_score"`
	DeviationPct  float64 `json:"deviation_percentage"`

	// Location maps axis name to value, e.g. {"region": "Kerala"}.
	Location map[string]string `json:"location,omitempty"`

	// TimePeriod is the raw time cell of the observation, when available.
	TimePeriod string `json:"time_period,omitempty"`

	Severity    RiskLevel `json:"severity"`
	Description string    `json:"description"`
}

// AnomalyOutput is the anomaly engine's complete result.
type AnomalyOutput struct {
	TotalAnomalies int       `json:"total_anomalies"`
	Anomalies      []Anomaly `json:"anomalies"`

	ByRegion   map[string]int `json:"anomaly_by_region"`
	ByMetric   map[string]int `json:"anomaly_by_metric"`
	BySeverity map[string]int `json:"severity_distribution"`

	Summary       string             `json:"summary"`
	Visualization *VisualizationSpec `json:"visualization,omitempty"`
}

// StatisticalAbstract aggregates the four engine outputs. It is assembled
// once per run and never mutated afterwards; it is the only artifact crossing
// into the narrative layer.
type StatisticalAbstract struct {
	Correlation CorrelationOutput `json:"correlation_findings"`
	Volatility  VolatilityOutput  `json:"volatility_findings"`
	Dimensional DimensionalOutput `json:"dimensional_findings"`
	Anomalies   AnomalyOutput     `json:"anomaly_findings"`
}

// Visualizations collects the non-nil visualization descriptors of all four
// engines in a fixed order.
func (a *StatisticalAbstract) Visualizations() []VisualizationSpec {
	var specs []VisualizationSpec
	for _, v := range []*VisualizationSpec{
		a.Correlation.Visualization,
		a.Volatility.Visualization,
		a.Dimensional.Visualization,
		a.Anomalies.Visualization,
	} {
		if v != nil {
			specs = append(specs, *v)
		}
	}
	return specs
}

// DataSummary is the run-level metadata record handed to the narrative layer
// alongside the abstract.
type DataSummary struct {
	Rows         int         `json:"rows"`
	Columns      int         `json:"columns"`
	Roles        ColumnRoles `json:"roles"`
	QualityScore float64     `json:"quality_score,omitempty"`

	// TimeRange is "<first> to <last>" when a time column resolved.
	TimeRange string `json:"time_range,omitempty"`
}

// RunResult is everything one orchestrated run produces.
type RunResult struct {
	RunID       string               `json:"run_id"`
	State       RunState             `json:"state"`
	StartedAt   time.Time            `json:"started_at"`
	CompletedAt time.Time            `json:"completed_at"`
	Abstract    *StatisticalAbstract `json:"statistical_abstract"`
	Summary     DataSummary          `json:"data_summary"`

	// EngineErrors records per-engine failures that were substituted with
	// empty outputs. Keyed by engine name.
	EngineErrors map[string]string `json:"engine_errors,omitempty"`
}
