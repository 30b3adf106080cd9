package dataset

import (
	"strings"
	"testing"
	"time"
)

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name    string
		cols    []Column
		wantErr bool
	}{
		{
			name:    "no columns",
			cols:    nil,
			wantErr: true,
		},
		{
			name: "valid single numeric column",
			cols: []Column{
				NumericCol("enrollment", []float64{1, 2, 3}, nil),
			},
			wantErr: false,
		},
		{
			name: "duplicate names",
			cols: []Column{
				NumericCol("x", []float64{1}, nil),
				NumericCol("x", []float64{2}, nil),
			},
			wantErr: true,
		},
		{
			name: "length mismatch",
			cols: []Column{
				NumericCol("x", []float64{1, 2}, nil),
				CategoricalCol("state", []string{"Kerala"}),
			},
			wantErr: true,
		},
		{
			name: "unnamed column",
			cols: []Column{
				NumericCol("", []float64{1}, nil),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cols)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestAccessors(t *testing.T) {
	ds, err := New([]Column{
		NumericCol("enrollment", []float64{10, 20, 0}, []bool{false, false, true}),
		CategoricalCol("state", []string{"Kerala", "Bihar", "Kerala"}),
		DateCol("month", []time.Time{
			time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC),
			{},
		}),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if ds.Rows() != 3 {
		t.Errorf("Rows() = %d, want 3", ds.Rows())
	}
	if got := ds.NumericColumns(); len(got) != 1 || got[0] != "enrollment" {
		t.Errorf("NumericColumns() = %v", got)
	}
	if got := ds.DistinctCount("state"); got != 2 {
		t.Errorf("DistinctCount(state) = %d, want 2", got)
	}

	vals := ds.NonMissingValues("enrollment")
	if len(vals) != 2 || vals[0] != 10 || vals[1] != 20 {
		t.Errorf("NonMissingValues() = %v", vals)
	}

	if _, ok := ds.Cell("month", 2); ok {
		t.Error("Cell() on a missing date should report absent")
	}
	if v, ok := ds.Cell("state", 0); !ok || v != "Kerala" {
		t.Errorf("Cell(state, 0) = %q, %v", v, ok)
	}

	if _, _, ok := ds.Numeric("state"); ok {
		t.Error("Numeric() on a categorical column should fail")
	}
}

func TestWithColumnDoesNotMutateReceiver(t *testing.T) {
	ds, err := New([]Column{
		NumericCol("x", []float64{1, 2}, nil),
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ds2, err := ds.WithColumn(NumericCol("y", []float64{3, 4}, nil))
	if err != nil {
		t.Fatalf("WithColumn() failed: %v", err)
	}

	if ds.HasColumn("y") {
		t.Error("receiver gained the appended column")
	}
	if !ds2.HasColumn("y") {
		t.Error("result is missing the appended column")
	}
}

func TestLoadCSV(t *testing.T) {
	csvData := `state,month,enrollment,rejection_rate
Kerala,2024-01-01,1200,2.5
Bihar,2024-01-01,900,8.1
Kerala,2024-02-01,1250,
Bihar,2024-02-01,NA,8.4
Kerala,2024-01-01,1200,2.5
`

	ds, report, err := LoadCSV(strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("LoadCSV() failed: %v", err)
	}

	if ds.Rows() != 5 {
		t.Errorf("Rows() = %d, want 5", ds.Rows())
	}

	wantTypes := map[string]ColumnType{
		"state":          TypeCategorical,
		"month":          TypeDate,
		"enrollment":     TypeNumeric,
		"rejection_rate": TypeNumeric,
	}
	for name, want := range wantTypes {
		got, ok := ds.ColumnType(name)
		if !ok || got != want {
			t.Errorf("ColumnType(%s) = %v, want %v", name, got, want)
		}
	}

	if report.TotalRows != 5 || report.TotalColumns != 4 {
		t.Errorf("report dimensions = %d x %d", report.TotalRows, report.TotalColumns)
	}
	if report.DuplicateRows != 1 {
		t.Errorf("DuplicateRows = %d, want 1", report.DuplicateRows)
	}
	if report.MissingValues["enrollment"] != 1 || report.MissingValues["rejection_rate"] != 1 {
		t.Errorf("MissingValues = %v", report.MissingValues)
	}
	if report.QualityScore <= 0 || report.QualityScore > 100 {
		t.Errorf("QualityScore = %v out of range", report.QualityScore)
	}
	foundDup := false
	for _, issue := range report.Issues {
		if strings.Contains(issue, "duplicate") {
			foundDup = true
		}
	}
	if !foundDup {
		t.Errorf("Issues = %v, want a duplicate-rows issue", report.Issues)
	}
}

func TestLoadCSVEmpty(t *testing.T) {
	if _, _, err := LoadCSV(strings.NewReader("a,b,c\n")); err == nil {
		t.Error("LoadCSV() on a header-only file should fail")
	}
	if _, _, err := LoadCSV(strings.NewReader("")); err == nil {
		t.Error("LoadCSV() on an empty file should fail")
	}
}
