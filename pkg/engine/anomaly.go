package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/stat"

	"github.com/datapulse/datapulse/pkg/dataset"
)

// AnomalyEngine flags individual observations whose z-score against the
// national baseline exceeds the threshold, with an optional multivariate
// isolation-forest pass across metrics.
type AnomalyEngine struct {
	thresholds         Thresholds
	useIsolationForest bool
}

// NewAnomalyEngine creates an anomaly engine. When useIsolationForest is set
// and at least two metrics with ten complete rows exist, a multivariate pass
// supplements the per-metric z-score detection.
func NewAnomalyEngine(t Thresholds, useIsolationForest bool) *AnomalyEngine {
	return &AnomalyEngine{thresholds: t, useIsolationForest: useIsolationForest}
}

// forestContamination is the expected anomaly fraction for the multivariate
// pass.
const forestContamination = 0.05

// Analyze scans the given metric columns for anomalous observations. Region,
// time and id columns are optional context. Metrics beyond MaxMetricColumns
// are ignored.
func (e *AnomalyEngine) Analyze(ds *dataset.Dataset, metricCols []string, regionCol, timeCol, idCol string) (AnomalyOutput, error) {
	var valid []string
	for _, col := range metricCols {
		if _, _, ok := ds.Numeric(col); ok {
			valid = append(valid, col)
		}
	}
	if len(valid) == 0 {
		return AnomalyOutput{}, NewValidationError("no valid metric columns found", nil).
			WithEngine("anomaly").WithCode(ErrCodeMissingColumn)
	}
	if len(valid) > e.thresholds.MaxMetricColumns {
		valid = valid[:e.thresholds.MaxMetricColumns]
	}

	var all []Anomaly
	for _, metric := range valid {
		all = append(all, e.zScoreAnomalies(ds, metric, regionCol, timeCol)...)
	}

	if e.useIsolationForest && len(valid) > 1 {
		all = append(all, e.multivariateAnomalies(ds, valid, regionCol, timeCol)...)
	}

	unique := DeduplicateAnomalies(all)

	byRegion := make(map[string]int)
	byMetric := make(map[string]int)
	bySeverity := map[string]int{"critical": 0, "high": 0, "medium": 0, "low": 0}
	for _, a := range unique {
		region := "Unknown"
		if a.Location != nil && a.Location["region"] != "" {
			region = a.Location["region"]
		}
		byRegion[region]++
		byMetric[a.MetricName]++
		bySeverity[string(a.Severity)]++
	}

	return AnomalyOutput{
		TotalAnomalies: len(unique),
		Anomalies:      unique,
		ByRegion:       byRegion,
		ByMetric:       byMetric,
		BySeverity:     bySeverity,
		Summary:        anomalySummary(unique, byRegion, byMetric, bySeverity),
		Visualization:  anomalyViz(unique, byRegion, e.thresholds.AnomalyZScore),
	}, nil
}

// zScoreAnomalies flags observations of one metric with |z| above the
// threshold. Requires at least 3 values and nonzero spread; NaN and infinite
// observations, z-scores or deviations are skipped.
func (e *AnomalyEngine) zScoreAnomalies(ds *dataset.Dataset, metricCol, regionCol, timeCol string) []Anomaly {
	values, missing, _ := ds.Numeric(metricCol)

	clean := ds.NonMissingValues(metricCol)
	if len(clean) < 3 {
		return nil
	}
	mean := stat.Mean(clean, nil)
	std := stat.StdDev(clean, nil)
	if std == 0 || badFloat(std) {
		return nil
	}

	var anomalies []Anomaly
	for row := 0; row < ds.Rows(); row++ {
		if missing[row] {
			continue
		}
		observed := values[row]
		z := (observed - mean) / std
		if badFloat(observed) || badFloat(z) {
			continue
		}
		if math.Abs(z) <= e.thresholds.AnomalyZScore {
			continue
		}
		deviation := 0.0
		if mean != 0 {
			deviation = (observed - mean) / mean * 100
		}
		if badFloat(deviation) {
			deviation = 0
		}

		location := rowLocation(ds, regionCol, row)
		timePeriod := ""
		if timeCol != "" {
			timePeriod, _ = ds.Cell(timeCol, row)
		}

		anomalies = append(anomalies, Anomaly{
			ID:            shortID(),
			MetricName:    metricCol,
			ObservedValue: roundTo(observed, 4),
			ExpectedValue: roundTo(mean, 4),
			ZScore:        roundTo(z, 4),
			DeviationPct:  roundTo(deviation, 2),
			Location:      location,
			TimePeriod:    timePeriod,
			Severity:      riskFromZ(z),
			Description:   describeAnomaly(metricCol, observed, deviation, z, mean, location),
		})
	}
	return anomalies
}

// multivariateAnomalies runs the isolation-forest pass over rows where every
// metric is present. Needs at least 10 complete rows.
func (e *AnomalyEngine) multivariateAnomalies(ds *dataset.Dataset, metricCols []string, regionCol, timeCol string) []Anomaly {
	columns := make([][]float64, len(metricCols))
	missings := make([][]bool, len(metricCols))
	for i, col := range metricCols {
		columns[i], missings[i], _ = ds.Numeric(col)
	}

	var rows [][]float64
	var rowIdx []int
	for row := 0; row < ds.Rows(); row++ {
		complete := true
		point := make([]float64, len(metricCols))
		for i := range metricCols {
			if missings[i][row] || badFloat(columns[i][row]) {
				complete = false
				break
			}
			point[i] = columns[i][row]
		}
		if complete {
			rows = append(rows, point)
			rowIdx = append(rowIdx, row)
		}
	}
	if len(rows) < 10 {
		return nil
	}

	// Standardize each feature before fitting.
	means := make([]float64, len(metricCols))
	stds := make([]float64, len(metricCols))
	for i := range metricCols {
		feature := make([]float64, len(rows))
		for j, r := range rows {
			feature[j] = r[i]
		}
		means[i] = stat.Mean(feature, nil)
		stds[i] = stat.StdDev(feature, nil)
		if stds[i] == 0 || badFloat(stds[i]) {
			stds[i] = 1
		}
	}
	scaled := make([][]float64, len(rows))
	for j, r := range rows {
		s := make([]float64, len(r))
		for i, v := range r {
			s[i] = (v - means[i]) / stds[i]
		}
		scaled[j] = s
	}

	forest := fitIsolationForest(scaled)
	scores := forest.scoreSamples(scaled)
	flagged := forest.predictOutliers(scores, forestContamination)

	var anomalies []Anomaly
	for j, isOutlier := range flagged {
		if !isOutlier {
			continue
		}
		row := rowIdx[j]

		// Most anomalous contributing metric by per-metric |z|.
		bestMetric := metricCols[0]
		bestZ := 0.0
		for i, col := range metricCols {
			z := math.Abs(scaled[j][i])
			if z > bestZ {
				bestZ = z
				bestMetric = col
			}
		}

		location := rowLocation(ds, regionCol, row)
		timePeriod := ""
		if timeCol != "" {
			timePeriod, _ = ds.Cell(timeCol, row)
		}

		desc := fmt.Sprintf("Multivariate anomaly detected. Most anomalous metric: %s (Z-score: %.2f)", bestMetric, bestZ)
		if location != nil {
			desc = fmt.Sprintf("In %s: %s", location["region"], desc)
		}

		anomalies = append(anomalies, Anomaly{
			ID:            shortID(),
			MetricName:    "multivariate",
			ObservedValue: roundTo(scores[j], 4),
			ExpectedValue: 0,
			ZScore:        roundTo(bestZ, 4),
			DeviationPct:  roundTo((1-scores[j])*100, 2),
			Location:      location,
			TimePeriod:    timePeriod,
			Severity:      severityFromScore(scores[j]),
			Description:   desc,
		})
	}
	return anomalies
}

// severityFromScore buckets an isolation-forest score; more negative means
// more anomalous.
func severityFromScore(score float64) RiskLevel {
	switch {
	case score < -0.5:
		return RiskCritical
	case score < -0.3:
		return RiskHigh
	case score < -0.1:
		return RiskMedium
	default:
		return RiskLow
	}
}

func rowLocation(ds *dataset.Dataset, regionCol string, row int) map[string]string {
	if regionCol == "" {
		return nil
	}
	region, ok := ds.Cell(regionCol, row)
	if !ok {
		return nil
	}
	return map[string]string{"region": region}
}

func describeAnomaly(metric string, observed, deviation, z, mean float64, location map[string]string) string {
	direction := "above"
	if z < 0 {
		direction = "below"
	}
	desc := fmt.Sprintf("%s value of %.2f is %.1f%% %s the national average (%.2f)",
		metric, observed, math.Abs(deviation), direction, mean)
	if location != nil {
		desc = fmt.Sprintf("In %s: %s", location["region"], desc)
	}
	return desc
}

func shortID() string {
	return uuid.NewString()[:8]
}

// DeduplicateAnomalies collapses anomalies sharing (metric, sorted location,
// time period), keeping the highest-severity instance. Idempotent.
func DeduplicateAnomalies(anomalies []Anomaly) []Anomaly {
	seen := make(map[string]int)
	var out []Anomaly
	for _, a := range anomalies {
		key := a.MetricName + "\x1f" + dimensionKey(a.Location) + "\x1f" + a.TimePeriod
		if idx, ok := seen[key]; ok {
			if a.Severity.MoreSevere(out[idx].Severity) {
				out[idx] = a
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, a)
	}
	return out
}

func anomalySummary(anomalies []Anomaly, byRegion, byMetric, bySeverity map[string]int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Detected %d anomalies in the dataset.", len(anomalies))
	fmt.Fprintf(&b, " Severity distribution: %d critical, %d high, %d medium, %d low.",
		bySeverity["critical"], bySeverity["high"], bySeverity["medium"], bySeverity["low"])

	if len(byRegion) > 0 {
		b.WriteString(" Regional hotspots:")
		for i, kv := range sortedCounts(byRegion) {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, " %s (%d);", kv.name, kv.count)
		}
	}
	if len(byMetric) > 0 {
		b.WriteString(" Metrics with most anomalies:")
		for i, kv := range sortedCounts(byMetric) {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, " %s (%d);", kv.name, kv.count)
		}
	}

	var critical []Anomaly
	for _, a := range anomalies {
		if a.Severity == RiskCritical {
			critical = append(critical, a)
		}
	}
	if len(critical) > 0 {
		b.WriteString(" Critical anomalies requiring immediate attention:")
		for i, a := range critical {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, " %s;", a.Description)
		}
	}
	return b.String()
}

type namedCount struct {
	name  string
	count int
}

func sortedCounts(m map[string]int) []namedCount {
	out := make([]namedCount, 0, len(m))
	for k, v := range m {
		out = append(out, namedCount{k, v})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].count != out[b].count {
			return out[a].count > out[b].count
		}
		return out[a].name < out[b].name
	})
	return out
}

func anomalyViz(anomalies []Anomaly, byRegion map[string]int, zThreshold float64) *VisualizationSpec {
	limit := len(anomalies)
	if limit > 100 {
		limit = 100
	}
	scatter := make([]map[string]any, limit)
	for i := 0; i < limit; i++ {
		a := anomalies[i]
		region := "Unknown"
		if a.Location != nil && a.Location["region"] != "" {
			region = a.Location["region"]
		}
		scatter[i] = map[string]any{
			"id":       a.ID,
			"metric":   a.MetricName,
			"observed": a.ObservedValue,
			"expected": a.ExpectedValue,
			"z_score":  a.ZScore,
			"severity": string(a.Severity),
			"region":   region,
		}
	}
	return &VisualizationSpec{
		Type:        VizScatterPlot,
		Title:       "Anomaly Detection Results",
		Description: "Detected anomalies by z-score against the national baseline",
		Data: map[string]any{
			"anomalies":             scatter,
			"regional_distribution": byRegion,
			"threshold":             zThreshold,
		},
	}
}

// AnomaliesBySeverity is a pure query filtering a computed output by
// severity tier.
func AnomaliesBySeverity(out AnomalyOutput, severity RiskLevel) []Anomaly {
	var matches []Anomaly
	for _, a := range out.Anomalies {
		if a.Severity == severity {
			matches = append(matches, a)
		}
	}
	return matches
}

// AnomaliesByRegion is a pure query for one region's anomalies.
func AnomaliesByRegion(out AnomalyOutput, region string) []Anomaly {
	var matches []Anomaly
	for _, a := range out.Anomalies {
		if a.Location != nil && a.Location["region"] == region {
			matches = append(matches, a)
		}
	}
	return matches
}

// TopAnomalies returns the n anomalies with the largest |z|.
func TopAnomalies(out AnomalyOutput, n int) []Anomaly {
	sorted := append([]Anomaly(nil), out.Anomalies...)
	sort.SliceStable(sorted, func(a, b int) bool {
		return math.Abs(sorted[a].ZScore) > math.Abs(sorted[b].ZScore)
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}
