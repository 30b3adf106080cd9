package dataset

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// QualityReport summarizes the health of a loaded dataset. It is consumed for
// run metadata only; the engines never read it.
type QualityReport struct {
	TotalRows          int            `json:"total_rows"`
	TotalColumns       int            `json:"total_columns"`
	MissingValues      map[string]int `json:"missing_values"`
	DuplicateRows      int            `json:"duplicate_rows"`
	NumericColumns     []string       `json:"numeric_columns"`
	CategoricalColumns []string       `json:"categorical_columns"`
	DateColumns        []string       `json:"date_columns"`
	QualityScore       float64        `json:"quality_score"`
	Issues             []string       `json:"issues"`
}

var missingTokens = map[string]bool{
	"": true, "na": true, "n/a": true, "nan": true, "null": true, "none": true, "-": true,
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02T15:04:05Z07:00",
	"2006-01-02 15:04:05",
	"02/01/2006",
	"01/02/2006",
	"2006-01",
	"Jan 2006",
}

// LoadCSV reads a header-first CSV stream into a Dataset, inferring a type for
// every column: date if most non-missing cells parse as a date, numeric if
// most parse as a float, categorical otherwise. It also produces a
// QualityReport over the raw cells.
func LoadCSV(r io.Reader) (*Dataset, *QualityReport, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv header: %w", err)
	}
	if len(header) == 0 {
		return nil, nil, fmt.Errorf("csv has no columns")
	}

	cells := make([][]string, len(header))
	var rowCount int
	seenRows := make(map[string]int)
	duplicates := 0

	for {
		record, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read csv row %d: %w", rowCount+1, err)
		}
		for i := range header {
			v := ""
			if i < len(record) {
				v = strings.TrimSpace(record[i])
			}
			cells[i] = append(cells[i], v)
		}
		key := strings.Join(record, "\x1f")
		if seenRows[key] > 0 {
			duplicates++
		}
		seenRows[key]++
		rowCount++
	}
	if rowCount == 0 {
		return nil, nil, fmt.Errorf("csv has no data rows")
	}

	cols := make([]Column, len(header))
	for i, name := range header {
		cols[i] = inferColumn(name, cells[i])
	}

	ds, err := New(cols)
	if err != nil {
		return nil, nil, err
	}

	report := buildQualityReport(ds, duplicates)
	return ds, report, nil
}

// inferColumn classifies a raw column and builds its typed representation.
func inferColumn(name string, raw []string) Column {
	n := len(raw)
	missing := make([]bool, n)
	numericHits, dateHits, present := 0, 0, 0

	for i, v := range raw {
		if missingTokens[strings.ToLower(v)] {
			missing[i] = true
			continue
		}
		present++
		if _, err := strconv.ParseFloat(v, 64); err == nil {
			numericHits++
		}
		if _, ok := parseDate(v); ok {
			dateHits++
		}
	}

	// A column is typed by majority vote of its present cells. Dates win over
	// numerics so that year-month strings are not mistaken for arithmetic.
	if present > 0 && dateHits*2 > present && dateHits >= numericHits {
		times := make([]time.Time, n)
		for i, v := range raw {
			if missing[i] {
				continue
			}
			if t, ok := parseDate(v); ok {
				times[i] = t
			} else {
				missing[i] = true
			}
		}
		return Column{Name: name, Type: TypeDate, Raw: raw, Missing: missing, Times: times}
	}

	if present > 0 && numericHits*2 > present {
		values := make([]float64, n)
		for i, v := range raw {
			if missing[i] {
				continue
			}
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				values[i] = f
			} else {
				missing[i] = true
			}
		}
		return Column{Name: name, Type: TypeNumeric, Raw: raw, Missing: missing, Numeric: values}
	}

	return Column{Name: name, Type: TypeCategorical, Raw: raw, Missing: missing}
}

// ParseTime parses a raw cell with the loader's date layouts. Engines use it
// to read temporal values out of columns that were not typed as dates.
func ParseTime(v string) (time.Time, bool) {
	return parseDate(v)
}

func parseDate(v string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// buildQualityReport scores completeness (70%) and row uniqueness (30%) on a
// 0-100 scale, matching the upstream preprocessing contract.
func buildQualityReport(ds *Dataset, duplicates int) *QualityReport {
	missing := make(map[string]int)
	missingCells := 0
	for _, name := range ds.ColumnNames() {
		i := ds.index[name]
		count := 0
		for row := 0; row < ds.rows; row++ {
			if ds.cols[i].Missing[row] {
				count++
			}
		}
		if count > 0 {
			missing[name] = count
		}
		missingCells += count
	}

	totalCells := ds.rows * len(ds.cols)
	completeness := 0.0
	if totalCells > 0 {
		completeness = 1 - float64(missingCells)/float64(totalCells)
	}
	uniqueness := 1.0
	if ds.rows > 0 {
		uniqueness = 1 - float64(duplicates)/float64(ds.rows)
	}
	score := round2((completeness*0.7 + uniqueness*0.3) * 100)

	var issues []string
	if duplicates > 0 {
		issues = append(issues, fmt.Sprintf("found %d duplicate rows", duplicates))
	}
	for name, count := range missing {
		if float64(count)/float64(ds.rows) > 0.2 {
			issues = append(issues, fmt.Sprintf("high missing-value ratio in column %q", name))
		}
	}

	return &QualityReport{
		TotalRows:          ds.rows,
		TotalColumns:       len(ds.cols),
		MissingValues:      missing,
		DuplicateRows:      duplicates,
		NumericColumns:     ds.NumericColumns(),
		CategoricalColumns: ds.CategoricalColumns(),
		DateColumns:        ds.DateColumns(),
		QualityScore:       score,
		Issues:             issues,
	}
}

func round2(v float64) float64 {
	return float64(int64(v*100+0.5)) / 100
}
