package engine

import (
	"strings"

	"github.com/datapulse/datapulse/pkg/dataset"
)

// ColumnRoles assigns dataset columns to the analysis axes. Empty fields mean
// the role could not be resolved; engines that need an absent role are
// skipped rather than failed.
type ColumnRoles struct {
	// Metric is the primary numeric column under analysis.
	Metric string `json:"metric,omitempty"`

	// Region is the geographic grouping column.
	Region string `json:"region,omitempty"`

	// Time is the temporal column.
	Time string `json:"time,omitempty"`

	// Dimensions are the categorical slicing axes, capped at 5.
	Dimensions []string `json:"dimensions,omitempty"`
}

var (
	metricKeywords = []string{
		"rate", "count", "total", "enrollment", "rejection",
		"success", "failure", "value", "amount",
	}
	regionKeywords = []string{
		"state", "district", "region", "city", "location",
		"area", "zone", "territory",
	}
	timeKeywords = []string{"date", "time", "month", "year", "period", "quarter"}

	dimensionKeywords = []string{
		"state", "district", "region", "area", "zone",
		"gender", "sex", "age", "group", "category", "type",
		"status", "mode", "agency", "operator", "source",
		"month", "year", "quarter", "period", "date",
	}
)

const (
	maxDimensionColumns    = 5
	dimensionCardinalityLo = 2
	dimensionCardinalityHi = 500
	numericCardinalityHi   = 50
)

// ResolveRoles fills in any unset role from dataset statistics. Explicit
// hints always win; resolution is a pure function of the dataset and never
// fails.
func ResolveRoles(ds *dataset.Dataset, hints ColumnRoles) ColumnRoles {
	roles := hints
	if roles.Metric == "" {
		roles.Metric = detectMetric(ds)
	}
	if roles.Region == "" {
		roles.Region = detectRegion(ds)
	}
	if roles.Time == "" {
		roles.Time = detectTime(ds)
	}
	if len(roles.Dimensions) == 0 {
		roles.Dimensions = detectDimensions(ds)
	}
	return roles
}

// detectMetric prefers a numeric column with a metric keyword in its name,
// falling back to the first numeric column.
func detectMetric(ds *dataset.Dataset) string {
	numeric := ds.NumericColumns()
	for _, col := range numeric {
		lower := strings.ToLower(col)
		for _, kw := range metricKeywords {
			if strings.Contains(lower, kw) {
				return col
			}
		}
	}
	if len(numeric) > 0 {
		return numeric[0]
	}
	return ""
}

func detectRegion(ds *dataset.Dataset) string {
	for _, col := range ds.CategoricalColumns() {
		lower := strings.ToLower(col)
		for _, kw := range regionKeywords {
			if strings.Contains(lower, kw) {
				return col
			}
		}
	}
	return ""
}

// detectTime prefers a date-typed column, then any column with a temporal
// keyword in its name.
func detectTime(ds *dataset.Dataset) string {
	if dates := ds.DateColumns(); len(dates) > 0 {
		return dates[0]
	}
	for _, col := range ds.ColumnNames() {
		lower := strings.ToLower(col)
		for _, kw := range timeKeywords {
			if strings.Contains(lower, kw) {
				return col
			}
		}
	}
	return ""
}

// detectDimensions builds the slicing axes in three widening passes: keyword
// matches on any column type, then all categorical columns, then
// low-cardinality numeric columns standing in for encoded categories.
// First-match order is preserved and the result is capped at 5.
func detectDimensions(ds *dataset.Dataset) []string {
	var dims []string
	seen := make(map[string]bool)
	add := func(col string) {
		if !seen[col] {
			seen[col] = true
			dims = append(dims, col)
		}
	}

	for _, col := range ds.ColumnNames() {
		lower := strings.ToLower(col)
		for _, kw := range dimensionKeywords {
			if strings.Contains(lower, kw) {
				if n := ds.DistinctCount(col); n >= dimensionCardinalityLo && n <= dimensionCardinalityHi {
					add(col)
				}
				break
			}
		}
	}

	if len(dims) < 2 {
		for _, col := range ds.CategoricalColumns() {
			if n := ds.DistinctCount(col); n >= dimensionCardinalityLo && n <= dimensionCardinalityHi {
				add(col)
			}
		}
	}

	if len(dims) < 2 {
		for _, col := range ds.NumericColumns() {
			if n := ds.DistinctCount(col); n >= dimensionCardinalityLo && n <= numericCardinalityHi {
				add(col)
			}
		}
	}

	if len(dims) > maxDimensionColumns {
		dims = dims[:maxDimensionColumns]
	}
	return dims
}
