package engine

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/datapulse/datapulse/pkg/dataset"
)

// VolatilityEngine scores per-region dispersion of a metric, tags seasonal
// behavior and detects yearly seasonality in the aggregate series.
type VolatilityEngine struct {
	thresholds Thresholds
}

// NewVolatilityEngine creates a volatility engine with the given cutoffs.
func NewVolatilityEngine(t Thresholds) *VolatilityEngine {
	return &VolatilityEngine{thresholds: t}
}

// minRegionObservations is the smallest region sample that gets a score.
const minRegionObservations = 3

// Analyze computes regional coefficient-of-variation scores for the metric.
// The time column is optional; when present it drives temporal patterns,
// seasonal tags and the seasonality flag.
func (e *VolatilityEngine) Analyze(ds *dataset.Dataset, metricCol, regionCol, timeCol string) (VolatilityOutput, error) {
	if _, _, ok := ds.Numeric(metricCol); !ok {
		return VolatilityOutput{}, NewValidationError(
			fmt.Sprintf("metric column %q not found or not numeric", metricCol), nil).
			WithEngine("volatility").WithColumn(metricCol).WithCode(ErrCodeMissingColumn)
	}
	if !ds.HasColumn(regionCol) {
		return VolatilityOutput{}, NewValidationError(
			fmt.Sprintf("region column %q not found", regionCol), nil).
			WithEngine("volatility").WithColumn(regionCol).WithCode(ErrCodeMissingColumn)
	}

	byRegion := groupMetricByRegion(ds, metricCol, regionCol)
	scores := e.regionalScores(byRegion)

	var patterns map[string]any
	months := timePointsByRegion(ds, metricCol, regionCol, timeCol)
	if len(months) > 0 {
		patterns = temporalPatterns(months)
		enrichWithTemporal(scores, months)
	}

	var highVol, stable []string
	for _, s := range scores {
		switch s.Level {
		case VolatilityHigh, VolatilityErratic:
			highVol = append(highVol, s.Region)
		case VolatilityStable:
			stable = append(stable, s.Region)
		}
	}

	seasonal := detectSeasonality(ds, metricCol, timeCol)

	return VolatilityOutput{
		RegionalScores:        scores,
		HighVolatilityRegions: highVol,
		StableRegions:         stable,
		TemporalPatterns:      patterns,
		SeasonalityDetected:   seasonal,
		Summary:               e.volatilitySummary(scores, highVol, stable, seasonal),
		Visualization:         volatilityViz(scores),
	}, nil
}

// groupMetricByRegion collects the non-missing metric values per region, in
// first-appearance region order.
func groupMetricByRegion(ds *dataset.Dataset, metricCol, regionCol string) map[string][]float64 {
	values, missing, _ := ds.Numeric(metricCol)
	groups := make(map[string][]float64)
	for row := 0; row < ds.Rows(); row++ {
		region, ok := ds.Cell(regionCol, row)
		if !ok {
			continue
		}
		if missing[row] || badFloat(values[row]) {
			continue
		}
		groups[region] = append(groups[region], values[row])
	}
	return groups
}

func (e *VolatilityEngine) regionalScores(byRegion map[string][]float64) []RegionalVolatility {
	scores := make([]RegionalVolatility, 0, len(byRegion))
	for region, values := range byRegion {
		if len(values) < minRegionObservations {
			continue
		}
		mean := stat.Mean(values, nil)
		std := stat.StdDev(values, nil)
		if badFloat(mean) || badFloat(std) {
			continue
		}

		cv := 0.0
		defined := true
		switch {
		case mean == 0 && std > 0:
			defined = false
		case mean == 0:
			cv = 0.0
		default:
			cv = std / abs(mean)
		}
		if defined && badFloat(cv) {
			defined = false
			cv = 0
		}

		scores = append(scores, RegionalVolatility{
			Region:     region,
			CV:         roundTo(cv, 4),
			CVDefined:  defined,
			Mean:       roundTo(mean, 4),
			StdDev:     roundTo(std, 4),
			Level:      e.thresholds.volatilityLevel(cv, defined),
			SampleSize: len(values),
		})
	}

	// Undefined CVs sort as infinitely volatile.
	sort.SliceStable(scores, func(a, b int) bool {
		sa, sb := scores[a], scores[b]
		if sa.CVDefined != sb.CVDefined {
			return !sa.CVDefined
		}
		if sa.CV != sb.CV {
			return sa.CV > sb.CV
		}
		return sa.Region < sb.Region
	})
	return scores
}

// timePoint is one observation with a resolved timestamp.
type timePoint struct {
	at    time.Time
	value float64
}

// timePointsByRegion resolves the time column per row. Returns nil when no
// time column is available or nothing parses.
func timePointsByRegion(ds *dataset.Dataset, metricCol, regionCol, timeCol string) map[string][]timePoint {
	if timeCol == "" || !ds.HasColumn(timeCol) {
		return nil
	}
	values, missing, _ := ds.Numeric(metricCol)
	times, timeMissing, isDate := ds.Times(timeCol)

	points := make(map[string][]timePoint)
	for row := 0; row < ds.Rows(); row++ {
		if missing[row] || badFloat(values[row]) {
			continue
		}
		region, ok := ds.Cell(regionCol, row)
		if !ok {
			continue
		}
		var at time.Time
		if isDate {
			if timeMissing[row] {
				continue
			}
			at = times[row]
		} else {
			raw, ok := ds.Cell(timeCol, row)
			if !ok {
				continue
			}
			parsed, ok := dataset.ParseTime(raw)
			if !ok {
				continue
			}
			at = parsed
		}
		points[region] = append(points[region], timePoint{at: at, value: values[row]})
	}
	if len(points) == 0 {
		return nil
	}
	return points
}

// temporalPatterns aggregates the metric by calendar month and quarter,
// overall and per region.
func temporalPatterns(byRegion map[string][]timePoint) map[string]any {
	monthly := make(map[int][]float64)
	quarterly := make(map[int][]float64)
	regional := make(map[string]map[int]float64)

	for region, points := range byRegion {
		perMonth := make(map[int][]float64)
		for _, p := range points {
			m := int(p.at.Month())
			monthly[m] = append(monthly[m], p.value)
			quarterly[(m-1)/3+1] = append(quarterly[(m-1)/3+1], p.value)
			perMonth[m] = append(perMonth[m], p.value)
		}
		means := make(map[int]float64, len(perMonth))
		for m, vals := range perMonth {
			means[m] = stat.Mean(vals, nil)
		}
		regional[region] = means
	}

	monthlyStats := make(map[int]map[string]float64, len(monthly))
	for m, vals := range monthly {
		monthlyStats[m] = map[string]float64{
			"mean": roundTo(stat.Mean(vals, nil), 4),
			"std":  roundTo(stat.StdDev(vals, nil), 4),
		}
	}
	quarterlyStats := make(map[int]map[string]float64, len(quarterly))
	for q, vals := range quarterly {
		quarterlyStats[q] = map[string]float64{
			"mean": roundTo(stat.Mean(vals, nil), 4),
			"std":  roundTo(stat.StdDev(vals, nil), 4),
		}
	}

	return map[string]any{
		"monthly_trends":    monthlyStats,
		"quarterly_trends":  quarterlyStats,
		"regional_temporal": regional,
	}
}

var monthNames = [13]string{"", "January", "February", "March", "April", "May",
	"June", "July", "August", "September", "October", "November", "December"}

// enrichWithTemporal attaches peak/trough months and seasonal tags to each
// regional score in place.
func enrichWithTemporal(scores []RegionalVolatility, byRegion map[string][]timePoint) {
	for i := range scores {
		points := byRegion[scores[i].Region]
		if len(points) == 0 {
			continue
		}
		perMonth := make(map[int][]float64)
		for _, p := range points {
			m := int(p.at.Month())
			perMonth[m] = append(perMonth[m], p.value)
		}
		means := make(map[int]float64, len(perMonth))
		for m, vals := range perMonth {
			means[m] = stat.Mean(vals, nil)
		}

		peak, trough := 0, 0
		for m, v := range means {
			if peak == 0 || v > means[peak] || (v == means[peak] && m < peak) {
				peak = m
			}
			if trough == 0 || v < means[trough] || (v == means[trough] && m < trough) {
				trough = m
			}
		}
		scores[i].TemporalPattern = fmt.Sprintf("Peak: %s, Trough: %s", monthNames[peak], monthNames[trough])
		scores[i].SeasonalFactors = seasonalFactors(means)
	}
}

// seasonalFactors tags a region's monthly means. Monsoon months are
// June-September; a spike or dip is a 20% departure from the other months.
// Year-end covers October-December.
func seasonalFactors(means map[int]float64) []string {
	isMonsoon := func(m int) bool { return m >= 6 && m <= 9 }
	isYearEnd := func(m int) bool { return m >= 10 && m <= 12 }

	var monsoon, other, yearEnd []float64
	for m, v := range means {
		if isMonsoon(m) {
			monsoon = append(monsoon, v)
		} else {
			other = append(other, v)
		}
		if isYearEnd(m) {
			yearEnd = append(yearEnd, v)
		}
	}

	var factors []string
	if len(monsoon) > 0 && len(other) > 0 {
		mAvg := stat.Mean(monsoon, nil)
		oAvg := stat.Mean(other, nil)
		if mAvg > oAvg*1.2 {
			factors = append(factors, "monsoon_spike")
		} else if mAvg < oAvg*0.8 {
			factors = append(factors, "monsoon_dip")
		}
	}
	if len(yearEnd) > 0 && len(other) > 0 {
		if stat.Mean(yearEnd, nil) > stat.Mean(other, nil)*1.2 {
			factors = append(factors, "year_end_surge")
		}
	}
	return factors
}

// detectSeasonality aggregates the metric to monthly means and tests the
// lag-12 autocorrelation. Requires at least 24 monthly points; the cutoff is
// r12 > 0.3.
func detectSeasonality(ds *dataset.Dataset, metricCol, timeCol string) bool {
	if timeCol == "" || !ds.HasColumn(timeCol) {
		return false
	}
	values, missing, _ := ds.Numeric(metricCol)
	times, timeMissing, isDate := ds.Times(timeCol)

	byMonth := make(map[string][]float64)
	for row := 0; row < ds.Rows(); row++ {
		if missing[row] || badFloat(values[row]) {
			continue
		}
		var at time.Time
		if isDate {
			if timeMissing[row] {
				continue
			}
			at = times[row]
		} else {
			raw, ok := ds.Cell(timeCol, row)
			if !ok {
				continue
			}
			parsed, ok := dataset.ParseTime(raw)
			if !ok {
				continue
			}
			at = parsed
		}
		byMonth[at.Format("2006-01")] = append(byMonth[at.Format("2006-01")], values[row])
	}
	if len(byMonth) < 24 {
		return false
	}

	keys := make([]string, 0, len(byMonth))
	for k := range byMonth {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	series := make([]float64, len(keys))
	for i, k := range keys {
		series[i] = stat.Mean(byMonth[k], nil)
	}

	n := len(series)
	const lag = 12
	if n <= lag {
		return false
	}
	mean := stat.Mean(series, nil)
	variance := populationVariance(series, mean)
	if variance == 0 {
		return false
	}

	sum := 0.0
	for t := 0; t < n-lag; t++ {
		sum += (series[t] - mean) * (series[t+lag] - mean)
	}
	return sum/(float64(n)*variance) > 0.3
}

func populationVariance(values []float64, mean float64) float64 {
	sum := 0.0
	for _, v := range values {
		d := v - mean
		sum += d * d
	}
	return sum / float64(len(values))
}

func (e *VolatilityEngine) volatilitySummary(scores []RegionalVolatility, highVol, stable []string, seasonal bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Volatility analysis covered %d regions.", len(scores))

	counts := make(map[VolatilityLevel]int)
	for _, s := range scores {
		counts[s.Level]++
	}
	fmt.Fprintf(&b, " Distribution: %d erratic, %d high, %d moderate, %d stable.",
		counts[VolatilityErratic], counts[VolatilityHigh],
		counts[VolatilityModerate], counts[VolatilityStable])

	if len(highVol) > 0 {
		b.WriteString(" High volatility regions requiring attention:")
		for i, region := range highVol {
			if i == 5 {
				break
			}
			for _, s := range scores {
				if s.Region == region {
					if s.CVDefined {
						fmt.Fprintf(&b, " %s (CV = %.3f, %s);", region, s.CV, s.Level)
					} else {
						fmt.Fprintf(&b, " %s (CV undefined, %s);", region, s.Level)
					}
					break
				}
			}
		}
	} else {
		b.WriteString(" All regions show acceptable stability levels.")
	}

	if len(stable) > 0 {
		limit := len(stable)
		if limit > 5 {
			limit = 5
		}
		fmt.Fprintf(&b, " Most stable regions: %s.", strings.Join(stable[:limit], ", "))
	}
	if seasonal {
		b.WriteString(" Seasonality detected: the data shows significant yearly patterns.")
	}
	return b.String()
}

func volatilityViz(scores []RegionalVolatility) *VisualizationSpec {
	regions := make([]map[string]any, len(scores))
	for i, s := range scores {
		cv := s.CV
		if !s.CVDefined {
			cv = cvSentinel
		}
		regions[i] = map[string]any{
			"region": s.Region,
			"cv":     cv,
			"level":  string(s.Level),
			"mean":   s.Mean,
			"std":    s.StdDev,
		}
	}
	return &VisualizationSpec{
		Type:        VizMap,
		Title:       "Regional Volatility",
		Description: "Geographic distribution of metric volatility",
		Data:        map[string]any{"regions": regions},
	}
}

// RegionDetails is a pure query for one region's score in a computed output.
func RegionDetails(out VolatilityOutput, region string) (RegionalVolatility, bool) {
	for _, s := range out.RegionalScores {
		if s.Region == region {
			return s, true
		}
	}
	return RegionalVolatility{}, false
}

// CompareRegions extracts the scores of the named regions, preserving
// request order and skipping unknown regions.
func CompareRegions(out VolatilityOutput, regions []string) []RegionalVolatility {
	var cmp []RegionalVolatility
	for _, region := range regions {
		if s, ok := RegionDetails(out, region); ok {
			cmp = append(cmp, s)
		}
	}
	return cmp
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
