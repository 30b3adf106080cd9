package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"

	"github.com/datapulse/datapulse/pkg/dataset"
)

// DimensionalSlicingEngine aggregates a metric over every combination of
// 2..max dimensions and flags group-level outliers against the national
// baseline. The combinatorial width is the dominant cost and is bounded by
// MaxDimensions.
type DimensionalSlicingEngine struct {
	thresholds Thresholds
}

// NewDimensionalSlicingEngine creates a slicing engine with the given cutoffs.
func NewDimensionalSlicingEngine(t Thresholds) *DimensionalSlicingEngine {
	return &DimensionalSlicingEngine{thresholds: t}
}

// Analyze runs the combinatorial slicing pass. It requires at least two valid
// dimension columns; a zero-variance metric yields an explicit empty output.
func (e *DimensionalSlicingEngine) Analyze(ds *dataset.Dataset, metricCol string, dimensionCols []string) (DimensionalOutput, error) {
	if _, _, ok := ds.Numeric(metricCol); !ok {
		return DimensionalOutput{}, NewValidationError(
			fmt.Sprintf("metric column %q not found or not numeric", metricCol), nil).
			WithEngine("dimensional").WithColumn(metricCol).WithCode(ErrCodeMissingColumn)
	}

	var validDims []string
	for _, d := range dimensionCols {
		if ds.HasColumn(d) {
			validDims = append(validDims, d)
		}
	}
	if len(validDims) < 2 {
		return DimensionalOutput{}, NewValidationError(
			"need at least 2 valid dimension columns", nil).
			WithEngine("dimensional").WithCode(ErrCodeTooFewSamples)
	}

	national := ds.NonMissingValues(metricCol)
	nationalMean := stat.Mean(national, nil)
	nationalStd := stat.StdDev(national, nil)
	if nationalStd == 0 || badFloat(nationalStd) {
		return emptyDimensionalOutput(nationalMean), nil
	}

	var aggregations []AggregationRow
	var outliers []OutlierCluster

	maxWidth := e.thresholds.MaxDimensions
	if maxWidth > len(validDims) {
		maxWidth = len(validDims)
	}
	for width := 2; width <= maxWidth; width++ {
		for _, combo := range combinations(validDims, width) {
			aggs, outs := e.analyzeCombination(ds, metricCol, combo, nationalMean, nationalStd)
			aggregations = append(aggregations, aggs...)
			outliers = append(outliers, outs...)
		}
	}

	unique := DeduplicateOutliers(outliers)
	sort.SliceStable(unique, func(a, b int) bool {
		return math.Abs(unique[a].ZScore) > math.Abs(unique[b].ZScore)
	})

	importance := dimensionImportance(unique, validDims)

	top := unique
	if len(top) > 10 {
		top = top[:10]
	}

	return DimensionalOutput{
		Aggregations:        aggregations,
		OutlierClusters:     unique,
		TopAnomalies:        top,
		DimensionImportance: importance,
		Summary:             dimensionalSummary(unique, importance, nationalMean),
		Visualization:       dimensionalViz(unique, aggregations, e.thresholds.AnomalyZScore),
	}, nil
}

// combinations returns every unordered selection of the given width,
// preserving input order within each combination.
func combinations(items []string, width int) [][]string {
	var out [][]string
	combo := make([]string, width)
	var rec func(start, depth int)
	rec = func(start, depth int) {
		if depth == width {
			out = append(out, append([]string(nil), combo...))
			return
		}
		for i := start; i <= len(items)-(width-depth); i++ {
			combo[depth] = items[i]
			rec(i+1, depth+1)
		}
	}
	rec(0, 0)
	return out
}

// analyzeCombination groups the metric by one dimension combination. Groups
// below MinSampleSize are discarded; surviving groups always get an
// aggregation row and additionally an outlier cluster when |z| exceeds the
// threshold.
func (e *DimensionalSlicingEngine) analyzeCombination(ds *dataset.Dataset, metricCol string, dims []string, nationalMean, nationalStd float64) ([]AggregationRow, []OutlierCluster) {
	values, missing, _ := ds.Numeric(metricCol)

	type group struct {
		dims   map[string]string
		values []float64
	}
	groups := make(map[string]*group)
	var order []string

	for row := 0; row < ds.Rows(); row++ {
		if missing[row] || badFloat(values[row]) {
			continue
		}
		dimVals := make(map[string]string, len(dims))
		keyParts := make([]string, len(dims))
		complete := true
		for i, d := range dims {
			v, ok := ds.Cell(d, row)
			if !ok {
				complete = false
				break
			}
			dimVals[d] = v
			keyParts[i] = v
		}
		if !complete {
			continue
		}
		key := strings.Join(keyParts, "\x1f")
		g, ok := groups[key]
		if !ok {
			g = &group{dims: dimVals}
			groups[key] = g
			order = append(order, key)
		}
		g.values = append(g.values, values[row])
	}

	var aggregations []AggregationRow
	var outliers []OutlierCluster
	for _, key := range order {
		g := groups[key]
		if len(g.values) < e.thresholds.MinSampleSize {
			continue
		}
		mean := stat.Mean(g.values, nil)
		if badFloat(mean) {
			continue
		}
		std := stat.StdDev(g.values, nil)
		if badFloat(std) {
			std = 0
		}

		z := (mean - nationalMean) / nationalStd
		if badFloat(z) {
			z = 0
		}
		deviation := 0.0
		if nationalMean != 0 {
			deviation = (mean - nationalMean) / nationalMean * 100
		}
		if badFloat(deviation) {
			deviation = 0
		}

		aggregations = append(aggregations, AggregationRow{
			Dimensions:     g.dims,
			MetricValue:    roundTo(mean, 4),
			SampleSize:     len(g.values),
			StdWithinGroup: roundTo(std, 4),
			ZScore:         roundTo(z, 4),
			DeviationPct:   roundTo(deviation, 2),
		})

		if math.Abs(z) > e.thresholds.AnomalyZScore {
			outliers = append(outliers, OutlierCluster{
				Dimensions:   g.dims,
				MetricValue:  roundTo(mean, 4),
				NationalMean: roundTo(nationalMean, 4),
				ZScore:       roundTo(z, 4),
				DeviationPct: roundTo(deviation, 2),
				SampleSize:   len(g.values),
				Risk:         riskFromZ(z),
			})
		}
	}
	return aggregations, outliers
}

// DeduplicateOutliers collapses clusters with an identical dimension-value
// mapping, keeping the occurrence with the larger |z|. Idempotent.
func DeduplicateOutliers(outliers []OutlierCluster) []OutlierCluster {
	seen := make(map[string]int)
	var out []OutlierCluster
	for _, o := range outliers {
		key := dimensionKey(o.Dimensions)
		if idx, ok := seen[key]; ok {
			if math.Abs(o.ZScore) > math.Abs(out[idx].ZScore) {
				out[idx] = o
			}
			continue
		}
		seen[key] = len(out)
		out = append(out, o)
	}
	return out
}

// dimensionKey serializes a dimension mapping order-independently.
func dimensionKey(dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(dims[k])
		b.WriteByte('\x1f')
	}
	return b.String()
}

// dimensionImportance weighs how often each dimension appears in outliers
// (60%) against the average |z| of those outliers (40%, capped at z = 5).
func dimensionImportance(outliers []OutlierCluster, dims []string) map[string]float64 {
	counts := make(map[string]int, len(dims))
	zSums := make(map[string]float64, len(dims))
	for _, o := range outliers {
		for d := range o.Dimensions {
			if _, known := counts[d]; !known {
				counts[d] = 0
			}
			counts[d]++
			zSums[d] += math.Abs(o.ZScore)
		}
	}

	total := len(outliers)
	if total == 0 {
		total = 1
	}
	importance := make(map[string]float64, len(dims))
	for _, d := range dims {
		freq := float64(counts[d]) / float64(total)
		denom := counts[d]
		if denom == 0 {
			denom = 1
		}
		avgZ := zSums[d] / float64(denom)
		importance[d] = roundTo(freq*0.6+math.Min(avgZ/5, 1)*0.4, 4)
	}
	return importance
}

func dimensionalSummary(outliers []OutlierCluster, importance map[string]float64, nationalMean float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "National baseline: %.2f.", nationalMean)

	if len(outliers) == 0 {
		b.WriteString(" No significant outlier clusters detected. Data appears consistent across all dimension combinations.")
		return b.String()
	}

	var critical, high int
	for _, o := range outliers {
		switch o.Risk {
		case RiskCritical:
			critical++
		case RiskHigh:
			high++
		}
	}
	fmt.Fprintf(&b, " Found %d outlier clusters: %d critical, %d high risk, %d medium or low.",
		len(outliers), critical, high, len(outliers)-critical-high)

	b.WriteString(" Top anomalous clusters:")
	for i, o := range outliers {
		if i == 5 {
			break
		}
		direction := "above"
		if o.ZScore < 0 {
			direction = "below"
		}
		fmt.Fprintf(&b, " %s with value %.2f (%.1f%% %s national average, z = %.2f, %s risk);",
			describeDimensions(o.Dimensions), o.MetricValue,
			math.Abs(o.DeviationPct), direction, o.ZScore, o.Risk)
	}

	if len(importance) > 0 {
		type rank struct {
			dim   string
			score float64
		}
		ranks := make([]rank, 0, len(importance))
		for d, s := range importance {
			ranks = append(ranks, rank{d, s})
		}
		sort.Slice(ranks, func(a, b int) bool {
			if ranks[a].score != ranks[b].score {
				return ranks[a].score > ranks[b].score
			}
			return ranks[a].dim < ranks[b].dim
		})
		b.WriteString(" Dimension importance:")
		for i, r := range ranks {
			if i == 5 {
				break
			}
			fmt.Fprintf(&b, " %s (%.2f);", r.dim, r.score)
		}
	}
	return b.String()
}

// describeDimensions renders a dimension mapping deterministically.
func describeDimensions(dims map[string]string) string {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s: %s", k, dims[k])
	}
	return strings.Join(parts, ", ")
}

func dimensionalViz(outliers []OutlierCluster, aggregations []AggregationRow, zThreshold float64) *VisualizationSpec {
	limitO := len(outliers)
	if limitO > 50 {
		limitO = 50
	}
	heatmap := make([]map[string]any, limitO)
	for i := 0; i < limitO; i++ {
		o := outliers[i]
		heatmap[i] = map[string]any{
			"dimensions": o.Dimensions,
			"value":      o.MetricValue,
			"z_score":    o.ZScore,
			"risk":       string(o.Risk),
		}
	}
	limitA := len(aggregations)
	if limitA > 100 {
		limitA = 100
	}
	return &VisualizationSpec{
		Type:        VizHeatmap,
		Title:       "Dimensional Outlier Analysis",
		Description: "Outlier clusters across dimension combinations",
		Data: map[string]any{
			"outliers":          heatmap,
			"aggregations":      aggregations[:limitA],
			"z_score_threshold": zThreshold,
		},
	}
}

func emptyDimensionalOutput(nationalMean float64) DimensionalOutput {
	return DimensionalOutput{
		DimensionImportance: map[string]float64{},
		Summary:             fmt.Sprintf("National mean: %.2f. No dimensional analysis possible.", nationalMean),
	}
}

// OutliersForDimension is a pure query for the clusters that pin a specific
// dimension to a specific value.
func OutliersForDimension(out DimensionalOutput, dimension, value string) []OutlierCluster {
	var matches []OutlierCluster
	for _, o := range out.OutlierClusters {
		if v, ok := o.Dimensions[dimension]; ok && v == value {
			matches = append(matches, o)
		}
	}
	return matches
}

// DrillDownRow is one group of a drill-down query.
type DrillDownRow struct {
	Value        string  `json:"value"`
	MetricValue  float64 `json:"metric_value"`
	SampleSize   int     `json:"sample_size"`
	ZScore       float64 `json:"z_score"`
	DeviationPct float64 `json:"deviation_pct"`
}

// DrillDown re-aggregates the dataset filtered to a fixed dimension
// assignment against one free dimension. It is independent of the main
// combinatorial pass; results sort by |z| descending.
func (e *DimensionalSlicingEngine) DrillDown(ds *dataset.Dataset, metricCol string, fixed map[string]string, drillDim string) ([]DrillDownRow, error) {
	values, missing, ok := ds.Numeric(metricCol)
	if !ok {
		return nil, NewValidationError(
			fmt.Sprintf("metric column %q not found or not numeric", metricCol), nil).
			WithEngine("dimensional").WithColumn(metricCol).WithCode(ErrCodeMissingColumn)
	}
	if !ds.HasColumn(drillDim) {
		return nil, NewValidationError(
			fmt.Sprintf("drill dimension %q not found", drillDim), nil).
			WithEngine("dimensional").WithColumn(drillDim).WithCode(ErrCodeMissingColumn)
	}
	for d := range fixed {
		if !ds.HasColumn(d) {
			return nil, NewValidationError(
				fmt.Sprintf("fixed dimension %q not found", d), nil).
				WithEngine("dimensional").WithColumn(d).WithCode(ErrCodeMissingColumn)
		}
	}

	national := ds.NonMissingValues(metricCol)
	nationalMean := stat.Mean(national, nil)
	nationalStd := stat.StdDev(national, nil)

	groups := make(map[string][]float64)
	var order []string
	matched := 0
	for row := 0; row < ds.Rows(); row++ {
		keep := true
		for d, want := range fixed {
			v, ok := ds.Cell(d, row)
			if !ok || v != want {
				keep = false
				break
			}
		}
		if !keep {
			continue
		}
		matched++
		if missing[row] || badFloat(values[row]) {
			continue
		}
		v, ok := ds.Cell(drillDim, row)
		if !ok {
			continue
		}
		if _, seen := groups[v]; !seen {
			order = append(order, v)
		}
		groups[v] = append(groups[v], values[row])
	}
	if matched < e.thresholds.MinSampleSize {
		return nil, nil
	}

	rows := make([]DrillDownRow, 0, len(order))
	for _, v := range order {
		vals := groups[v]
		mean := stat.Mean(vals, nil)
		z := 0.0
		if nationalStd > 0 {
			z = (mean - nationalMean) / nationalStd
		}
		deviation := 0.0
		if nationalMean != 0 {
			deviation = (mean - nationalMean) / nationalMean * 100
		}
		rows = append(rows, DrillDownRow{
			Value:        v,
			MetricValue:  roundTo(mean, 4),
			SampleSize:   len(vals),
			ZScore:       roundTo(z, 4),
			DeviationPct: roundTo(deviation, 2),
		})
	}
	sort.SliceStable(rows, func(a, b int) bool {
		return math.Abs(rows[a].ZScore) > math.Abs(rows[b].ZScore)
	})
	return rows, nil
}
