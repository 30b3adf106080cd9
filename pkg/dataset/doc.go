// Package dataset provides the immutable, column-oriented table that the
// analytical engines operate on.
//
// A Dataset is constructed once per analysis run, either programmatically from
// typed columns or from a CSV file via LoadCSV, and is never mutated
// afterwards. Engines receive a read-only reference; anything that needs a
// derived column (for example a Starlark-computed metric) goes through Derive,
// which returns a new Dataset sharing the untouched columns.
//
// Each column carries its declared type (numeric, categorical, date), a raw
// string rendering of every cell, and a per-cell missing flag. The raw
// rendering is what grouping keys and time-period labels are built from, so a
// value round-trips identically regardless of its declared type.
package dataset
