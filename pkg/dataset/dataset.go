package dataset

import (
	"fmt"
	"strconv"
	"time"
)

// ColumnType classifies a column for role resolution and engine selection.
type ColumnType string

const (
	// TypeNumeric marks a column holding float64 values.
	TypeNumeric ColumnType = "numeric"

	// TypeCategorical marks a column holding string labels.
	TypeCategorical ColumnType = "categorical"

	// TypeDate marks a column holding timestamps.
	TypeDate ColumnType = "date"
)

// Column is a single typed column. Exactly one of the typed slices is
// populated depending on Type; Raw and Missing are always populated and have
// one entry per row.
type Column struct {
	// Name is the column header.
	Name string

	// Type is the declared column type.
	Type ColumnType

	// Raw is the string rendering of every cell, missing cells included.
	Raw []string

	// Missing flags cells with no usable value.
	Missing []bool

	// Numeric holds parsed values for TypeNumeric columns.
	Numeric []float64

	// Times holds parsed values for TypeDate columns.
	Times []time.Time
}

// Dataset is an immutable column-oriented table.
type Dataset struct {
	cols  []Column
	index map[string]int
	rows  int
}

// New builds a Dataset from typed columns. All columns must have the same
// length and distinct names.
func New(cols []Column) (*Dataset, error) {
	if len(cols) == 0 {
		return nil, fmt.Errorf("dataset requires at least one column")
	}

	rows := len(cols[0].Raw)
	index := make(map[string]int, len(cols))
	for i, c := range cols {
		if c.Name == "" {
			return nil, fmt.Errorf("column %d has no name", i)
		}
		if _, dup := index[c.Name]; dup {
			return nil, fmt.Errorf("duplicate column name %q", c.Name)
		}
		if len(c.Raw) != rows || len(c.Missing) != rows {
			return nil, fmt.Errorf("column %q has %d rows, expected %d", c.Name, len(c.Raw), rows)
		}
		switch c.Type {
		case TypeNumeric:
			if len(c.Numeric) != rows {
				return nil, fmt.Errorf("numeric column %q has %d values, expected %d", c.Name, len(c.Numeric), rows)
			}
		case TypeDate:
			if len(c.Times) != rows {
				return nil, fmt.Errorf("date column %q has %d values, expected %d", c.Name, len(c.Times), rows)
			}
		case TypeCategorical:
			// Raw is the value store.
		default:
			return nil, fmt.Errorf("column %q has unknown type %q", c.Name, c.Type)
		}
		index[c.Name] = i
	}

	return &Dataset{cols: cols, index: index, rows: rows}, nil
}

// NumericCol is a convenience constructor for a numeric column.
func NumericCol(name string, values []float64, missing []bool) Column {
	if missing == nil {
		missing = make([]bool, len(values))
	}
	raw := make([]string, len(values))
	for i, v := range values {
		if missing[i] {
			continue
		}
		raw[i] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return Column{Name: name, Type: TypeNumeric, Raw: raw, Missing: missing, Numeric: values}
}

// CategoricalCol is a convenience constructor for a categorical column.
// Empty strings are treated as missing.
func CategoricalCol(name string, values []string) Column {
	missing := make([]bool, len(values))
	for i, v := range values {
		missing[i] = v == ""
	}
	return Column{Name: name, Type: TypeCategorical, Raw: values, Missing: missing}
}

// DateCol is a convenience constructor for a date column.
func DateCol(name string, values []time.Time) Column {
	raw := make([]string, len(values))
	missing := make([]bool, len(values))
	for i, v := range values {
		if v.IsZero() {
			missing[i] = true
			continue
		}
		raw[i] = v.Format("2006-01-02")
	}
	return Column{Name: name, Type: TypeDate, Raw: raw, Missing: missing, Times: values}
}

// Rows returns the number of rows.
func (d *Dataset) Rows() int { return d.rows }

// ColumnNames returns all column names in declaration order.
func (d *Dataset) ColumnNames() []string {
	names := make([]string, len(d.cols))
	for i, c := range d.cols {
		names[i] = c.Name
	}
	return names
}

// HasColumn reports whether the named column exists.
func (d *Dataset) HasColumn(name string) bool {
	_, ok := d.index[name]
	return ok
}

// ColumnType returns the declared type of the named column.
func (d *Dataset) ColumnType(name string) (ColumnType, bool) {
	i, ok := d.index[name]
	if !ok {
		return "", false
	}
	return d.cols[i].Type, true
}

// Numeric returns the values and missing flags of a numeric column.
// The returned slices are shared with the dataset and must not be modified.
func (d *Dataset) Numeric(name string) (values []float64, missing []bool, ok bool) {
	i, found := d.index[name]
	if !found || d.cols[i].Type != TypeNumeric {
		return nil, nil, false
	}
	return d.cols[i].Numeric, d.cols[i].Missing, true
}

// Times returns the timestamps and missing flags of a date column.
func (d *Dataset) Times(name string) (values []time.Time, missing []bool, ok bool) {
	i, found := d.index[name]
	if !found || d.cols[i].Type != TypeDate {
		return nil, nil, false
	}
	return d.cols[i].Times, d.cols[i].Missing, true
}

// Cell returns the raw string rendering of one cell and whether it is present.
func (d *Dataset) Cell(name string, row int) (string, bool) {
	i, found := d.index[name]
	if !found || row < 0 || row >= d.rows {
		return "", false
	}
	if d.cols[i].Missing[row] {
		return "", false
	}
	return d.cols[i].Raw[row], true
}

// NumericColumns returns the names of all numeric columns in order.
func (d *Dataset) NumericColumns() []string { return d.columnsOfType(TypeNumeric) }

// CategoricalColumns returns the names of all categorical columns in order.
func (d *Dataset) CategoricalColumns() []string { return d.columnsOfType(TypeCategorical) }

// DateColumns returns the names of all date columns in order.
func (d *Dataset) DateColumns() []string { return d.columnsOfType(TypeDate) }

func (d *Dataset) columnsOfType(t ColumnType) []string {
	var names []string
	for _, c := range d.cols {
		if c.Type == t {
			names = append(names, c.Name)
		}
	}
	return names
}

// DistinctCount returns the number of distinct non-missing values in a column.
func (d *Dataset) DistinctCount(name string) int {
	i, found := d.index[name]
	if !found {
		return 0
	}
	seen := make(map[string]struct{})
	for row := 0; row < d.rows; row++ {
		if d.cols[i].Missing[row] {
			continue
		}
		seen[d.cols[i].Raw[row]] = struct{}{}
	}
	return len(seen)
}

// NonMissingValues returns the non-missing values of a numeric column as a
// fresh slice.
func (d *Dataset) NonMissingValues(name string) []float64 {
	values, missing, ok := d.Numeric(name)
	if !ok {
		return nil
	}
	out := make([]float64, 0, len(values))
	for i, v := range values {
		if missing[i] {
			continue
		}
		out = append(out, v)
	}
	return out
}

// WithColumn returns a new Dataset with an extra column appended. The
// receiver's columns are shared, not copied.
func (d *Dataset) WithColumn(col Column) (*Dataset, error) {
	cols := make([]Column, 0, len(d.cols)+1)
	cols = append(cols, d.cols...)
	cols = append(cols, col)
	return New(cols)
}
