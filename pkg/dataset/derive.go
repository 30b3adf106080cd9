package dataset

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.starlark.net/starlark"
)

// DerivedColumn names a new numeric column and the Starlark expression that
// computes it. The expression is evaluated once per row with every existing
// column bound by name; numeric columns bind as floats, categorical as
// strings, dates as ISO strings. A row where any column is missing yields a
// missing cell.
type DerivedColumn struct {
	Name       string
	Expression string
}

// Deriver evaluates derived-column expressions with a timeout guard.
type Deriver struct {
	timeout time.Duration
}

// NewDeriver creates a Deriver. A zero timeout defaults to 10 seconds for the
// whole derivation pass.
func NewDeriver(timeout time.Duration) *Deriver {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Deriver{timeout: timeout}
}

// Derive appends the given derived columns to the dataset, returning a new
// Dataset. Expressions are applied in order, so a later expression may
// reference an earlier derived column.
func (dv *Deriver) Derive(ctx context.Context, ds *Dataset, cols []DerivedColumn) (*Dataset, error) {
	evalCtx, cancel := context.WithTimeout(ctx, dv.timeout)
	defer cancel()

	thread := &starlark.Thread{
		Name:  "datapulse-derive",
		Print: func(_ *starlark.Thread, _ string) {},
	}

	out := ds
	for _, dc := range cols {
		if dc.Name == "" {
			return nil, fmt.Errorf("derived column has no name")
		}
		if dc.Expression == "" {
			return nil, fmt.Errorf("derived column %q has an empty expression", dc.Name)
		}
		if out.HasColumn(dc.Name) {
			return nil, fmt.Errorf("derived column %q collides with an existing column", dc.Name)
		}

		values := make([]float64, out.Rows())
		missing := make([]bool, out.Rows())
		for row := 0; row < out.Rows(); row++ {
			if err := evalCtx.Err(); err != nil {
				return nil, fmt.Errorf("derive %q: %w", dc.Name, err)
			}
			env, ok := rowEnvironment(out, row)
			if !ok {
				missing[row] = true
				continue
			}
			v, err := starlark.Eval(thread, dc.Name+".star", dc.Expression, env)
			if err != nil {
				return nil, fmt.Errorf("derive %q row %d: %w", dc.Name, row, err)
			}
			f, numErr := asNumber(v)
			if numErr != nil {
				return nil, fmt.Errorf("derive %q row %d: %w", dc.Name, row, numErr)
			}
			if math.IsNaN(f) || math.IsInf(f, 0) {
				missing[row] = true
				continue
			}
			values[row] = f
		}

		next, err := out.WithColumn(NumericCol(dc.Name, values, missing))
		if err != nil {
			return nil, err
		}
		out = next
	}
	return out, nil
}

func asNumber(v starlark.Value) (float64, error) {
	switch val := v.(type) {
	case starlark.Float:
		return float64(val), nil
	case starlark.Int:
		f, ok := starlark.AsFloat(val)
		if !ok {
			return 0, fmt.Errorf("integer too large")
		}
		return f, nil
	case starlark.NoneType:
		return math.NaN(), nil
	default:
		return 0, fmt.Errorf("expression produced %s, expected a number", v.Type())
	}
}

// rowEnvironment binds every column's value for one row plus a few numeric
// helpers. Returns false when a value is missing so the derived cell can be
// marked missing instead of evaluated against garbage.
func rowEnvironment(ds *Dataset, row int) (starlark.StringDict, bool) {
	env := make(starlark.StringDict, len(ds.cols)+4)
	env["abs"] = starlark.NewBuiltin("abs", builtinAbs)
	env["min"] = starlark.NewBuiltin("min", builtinMinMax(math.Min))
	env["max"] = starlark.NewBuiltin("max", builtinMinMax(math.Max))
	env["sqrt"] = starlark.NewBuiltin("sqrt", builtinSqrt)

	for _, c := range ds.cols {
		if c.Missing[row] {
			return nil, false
		}
		switch c.Type {
		case TypeNumeric:
			env[c.Name] = starlark.Float(c.Numeric[row])
		case TypeDate:
			env[c.Name] = starlark.String(c.Times[row].Format("2006-01-02"))
		default:
			env[c.Name] = starlark.String(c.Raw[row])
		}
	}
	return env, true
}

func builtinAbs(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x); err != nil {
		return nil, err
	}
	return starlark.Float(math.Abs(x)), nil
}

func builtinSqrt(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var x float64
	if err := starlark.UnpackArgs(b.Name(), args, kwargs, "x", &x); err != nil {
		return nil, err
	}
	if x < 0 {
		return nil, fmt.Errorf("sqrt of negative value")
	}
	return starlark.Float(math.Sqrt(x)), nil
}

func builtinMinMax(pick func(a, b float64) float64) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(_ *starlark.Thread, b *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		if len(args) < 2 {
			return nil, fmt.Errorf("%s takes at least 2 arguments", b.Name())
		}
		acc, ok := starlark.AsFloat(args[0])
		if !ok {
			return nil, fmt.Errorf("%s argument 0 is not a number", b.Name())
		}
		for i := 1; i < len(args); i++ {
			f, ok := starlark.AsFloat(args[i])
			if !ok {
				return nil, fmt.Errorf("%s argument %d is not a number", b.Name(), i)
			}
			acc = pick(acc, f)
		}
		return starlark.Float(acc), nil
	}
}
