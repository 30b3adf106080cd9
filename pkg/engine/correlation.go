package engine

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/datapulse/datapulse/pkg/dataset"
)

// CorrelationMethod selects the coefficient computed by the correlation
// engine.
type CorrelationMethod string

const (
	MethodPearson  CorrelationMethod = "pearson"
	MethodSpearman CorrelationMethod = "spearman"
)

// CorrelationEngine computes pairwise relationships among numeric columns,
// flags significant strong correlations and ranks driver variables.
type CorrelationEngine struct {
	thresholds Thresholds
}

// NewCorrelationEngine creates a correlation engine with the given cutoffs.
func NewCorrelationEngine(t Thresholds) *CorrelationEngine {
	return &CorrelationEngine{thresholds: t}
}

// Analyze runs the full correlation pass. Fewer than two numeric columns
// yields an explicit empty output, not an error. When target is non-empty
// only pairs touching it are reported.
func (e *CorrelationEngine) Analyze(ds *dataset.Dataset, target string, method CorrelationMethod) (CorrelationOutput, error) {
	if method == "" {
		method = MethodPearson
	}
	if method != MethodPearson && method != MethodSpearman {
		return CorrelationOutput{}, NewValidationError(
			fmt.Sprintf("unknown correlation method %q", method), nil).WithEngine("correlation")
	}

	columns := ds.NumericColumns()
	if len(columns) < 2 {
		return emptyCorrelationOutput(), nil
	}

	matrix, pvalues, samples := e.computeMatrices(ds, columns, method)

	findings := e.strongCorrelations(columns, matrix, pvalues, samples, target)
	drivers := rankDrivers(findings, target)
	summary := correlationSummary(findings, drivers, e.thresholds)
	viz := correlationViz(columns, matrix)

	return CorrelationOutput{
		Matrix:             matrix,
		PValues:            pvalues,
		StrongCorrelations: findings,
		DriverVariables:    drivers,
		Summary:            summary,
		Visualization:      viz,
	}, nil
}

// computeMatrices builds the coefficient and p-value matrices over pairwise
// complete observations. NaN and infinite coefficients are zeroed; the
// diagonal is fixed at 1 and p = 0.
func (e *CorrelationEngine) computeMatrices(ds *dataset.Dataset, columns []string, method CorrelationMethod) (matrix, pvalues map[string]map[string]float64, samples map[string]map[string]int) {
	matrix = make(map[string]map[string]float64, len(columns))
	pvalues = make(map[string]map[string]float64, len(columns))
	samples = make(map[string]map[string]int, len(columns))
	for _, c := range columns {
		matrix[c] = make(map[string]float64, len(columns))
		pvalues[c] = make(map[string]float64, len(columns))
		samples[c] = make(map[string]int, len(columns))
		matrix[c][c] = 1.0
		pvalues[c][c] = 0.0
	}

	for i, c1 := range columns {
		for j := i + 1; j < len(columns); j++ {
			c2 := columns[j]
			x, y := jointObservations(ds, c1, c2)
			n := len(x)
			samples[c1][c2], samples[c2][c1] = n, n

			r := 0.0
			if n > 1 {
				if method == MethodSpearman {
					r = stat.Correlation(ranks(x), ranks(y), nil)
				} else {
					r = stat.Correlation(x, y, nil)
				}
			}
			if math.IsNaN(r) || math.IsInf(r, 0) {
				r = 0.0
			}
			matrix[c1][c2], matrix[c2][c1] = r, r

			p := 1.0
			if n > 2 && r != 0 {
				p = twoSidedPValue(r, n)
			} else if n > 2 && r == 0 {
				p = 1.0
			}
			if math.IsNaN(p) || math.IsInf(p, 0) {
				p = 1.0
			}
			pvalues[c1][c2], pvalues[c2][c1] = p, p
		}
	}
	return matrix, pvalues, samples
}

// jointObservations extracts the rows where both columns are present.
func jointObservations(ds *dataset.Dataset, c1, c2 string) (x, y []float64) {
	v1, m1, ok1 := ds.Numeric(c1)
	v2, m2, ok2 := ds.Numeric(c2)
	if !ok1 || !ok2 {
		return nil, nil
	}
	for i := range v1 {
		if m1[i] || m2[i] {
			continue
		}
		if badFloat(v1[i]) || badFloat(v2[i]) {
			continue
		}
		x = append(x, v1[i])
		y = append(y, v2[i])
	}
	return x, y
}

// ranks assigns average ranks, resolving ties by the mean of the tied
// positions. Used for the Spearman coefficient.
func ranks(values []float64) []float64 {
	n := len(values)
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return values[idx[a]] < values[idx[b]] })

	out := make([]float64, n)
	for i := 0; i < n; {
		j := i
		for j+1 < n && values[idx[j+1]] == values[idx[i]] {
			j++
		}
		avg := float64(i+j)/2 + 1
		for k := i; k <= j; k++ {
			out[idx[k]] = avg
		}
		i = j + 1
	}
	return out
}

// twoSidedPValue runs the t-test for a correlation coefficient:
// t = r * sqrt((n-2) / (1-r^2)), p = 2 * P(T > |t|) with n-2 degrees of
// freedom.
func twoSidedPValue(r float64, n int) float64 {
	if r >= 1 || r <= -1 {
		return 0.0
	}
	t := r * math.Sqrt(float64(n-2)/(1-r*r))
	dist := distuv.StudentsT{Mu: 0, Sigma: 1, Nu: float64(n - 2)}
	return 2 * dist.Survival(math.Abs(t))
}

func (e *CorrelationEngine) strongCorrelations(columns []string, matrix, pvalues map[string]map[string]float64, samples map[string]map[string]int, target string) []CorrelationFinding {
	var findings []CorrelationFinding
	for i, c1 := range columns {
		for j := i + 1; j < len(columns); j++ {
			c2 := columns[j]
			if target != "" && c1 != target && c2 != target {
				continue
			}
			r := matrix[c1][c2]
			p := pvalues[c1][c2]
			if math.Abs(r) < e.thresholds.CorrelationThreshold {
				continue
			}
			significant := p < e.thresholds.SignificanceAlpha
			findings = append(findings, CorrelationFinding{
				Variable1:      c1,
				Variable2:      c2,
				Coefficient:    roundTo(r, 4),
				PValue:         roundTo(p, 6),
				Significant:    significant,
				Relationship:   relationshipBucket(r),
				Interpretation: interpretCorrelation(c1, c2, r, significant),
				SampleSize:     samples[c1][c2],
			})
		}
	}
	sort.SliceStable(findings, func(a, b int) bool {
		return math.Abs(findings[a].Coefficient) > math.Abs(findings[b].Coefficient)
	})
	return findings
}

func relationshipBucket(r float64) string {
	switch {
	case r > 0.8:
		return "strong_positive"
	case r > 0.5:
		return "moderate_positive"
	case r > 0:
		return "weak_positive"
	case r > -0.5:
		return "weak_negative"
	case r > -0.8:
		return "moderate_negative"
	default:
		return "strong_negative"
	}
}

func interpretCorrelation(v1, v2 string, r float64, significant bool) string {
	strength := "weak"
	if math.Abs(r) > 0.8 {
		strength = "strong"
	} else if math.Abs(r) > 0.5 {
		strength = "moderate"
	}
	direction := "negative"
	if r > 0 {
		direction = "positive"
	}
	significance := "not statistically significant"
	if significant {
		significance = "statistically significant"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "There is a %s %s relationship between '%s' and '%s' (r = %.3f). This correlation is %s.",
		strength, direction, v1, v2, r, significance)
	if r > 0.7 && significant {
		fmt.Fprintf(&b, " As '%s' increases, '%s' tends to increase as well.", v1, v2)
	} else if r < -0.7 && significant {
		fmt.Fprintf(&b, " As '%s' increases, '%s' tends to decrease.", v1, v2)
	}
	return b.String()
}

// rankDrivers scores each variable appearing in a finding by
// 0.4*avg|r| + 0.3*max|r| + 0.3*(significant/count) and keeps the top 10.
// The target itself is excluded.
func rankDrivers(findings []CorrelationFinding, target string) []DriverVariable {
	type acc struct {
		total       float64
		max         float64
		count       int
		significant int
	}
	scores := make(map[string]*acc)
	var order []string

	for _, f := range findings {
		for _, v := range []string{f.Variable1, f.Variable2} {
			if target != "" && v == target {
				continue
			}
			a, ok := scores[v]
			if !ok {
				a = &acc{}
				scores[v] = a
				order = append(order, v)
			}
			abs := math.Abs(f.Coefficient)
			a.total += abs
			a.count++
			if abs > a.max {
				a.max = abs
			}
			if f.Significant {
				a.significant++
			}
		}
	}

	drivers := make([]DriverVariable, 0, len(order))
	for _, v := range order {
		a := scores[v]
		avg := a.total / float64(a.count)
		score := avg*0.4 + a.max*0.3 + float64(a.significant)/float64(a.count)*0.3
		drivers = append(drivers, DriverVariable{
			Variable:         v,
			DriverScore:      roundTo(score, 4),
			AvgCorrelation:   roundTo(avg, 4),
			MaxCorrelation:   roundTo(a.max, 4),
			ConnectionCount:  a.count,
			SignificantCount: a.significant,
		})
	}
	sort.SliceStable(drivers, func(a, b int) bool {
		return drivers[a].DriverScore > drivers[b].DriverScore
	})
	if len(drivers) > 10 {
		drivers = drivers[:10]
	}
	return drivers
}

func correlationSummary(findings []CorrelationFinding, drivers []DriverVariable, t Thresholds) string {
	if len(findings) == 0 {
		return "No strong correlations found in the dataset. Variables appear to be independent."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Correlation analysis found %d strong correlations (|r| >= %.2f).",
		len(findings), t.CorrelationThreshold)

	var significant []CorrelationFinding
	for _, f := range findings {
		if f.Significant {
			significant = append(significant, f)
		}
	}
	if len(significant) > 0 {
		b.WriteString(" Top statistically significant findings:")
		for i, f := range significant {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, " %s and %s (r = %.3f, p < %.2f);",
				f.Variable1, f.Variable2, f.Coefficient, t.SignificanceAlpha)
		}
	}
	if len(drivers) > 0 {
		b.WriteString(" Key driver variables:")
		for i, d := range drivers {
			if i == 3 {
				break
			}
			fmt.Fprintf(&b, " %s (score %.2f);", d.Variable, d.DriverScore)
		}
	}
	return b.String()
}

func correlationViz(columns []string, matrix map[string]map[string]float64) *VisualizationSpec {
	rounded := make(map[string]map[string]float64, len(columns))
	for _, c1 := range columns {
		rounded[c1] = make(map[string]float64, len(columns))
		for _, c2 := range columns {
			rounded[c1][c2] = roundTo(matrix[c1][c2], 3)
		}
	}
	return &VisualizationSpec{
		Type:        VizHeatmap,
		Title:       "Correlation Matrix Heatmap",
		Description: "Pairwise correlations between variables",
		Data: map[string]any{
			"matrix": rounded,
			"labels": columns,
		},
	}
}

func emptyCorrelationOutput() CorrelationOutput {
	return CorrelationOutput{
		Matrix:  map[string]map[string]float64{},
		PValues: map[string]map[string]float64{},
		Summary: "Insufficient data for correlation analysis.",
	}
}

// GetCorrelation is a pure query for the coefficient between two variables in
// a computed output. The second return is false when either variable is
// absent from the matrix.
func GetCorrelation(out CorrelationOutput, v1, v2 string) (float64, bool) {
	row, ok := out.Matrix[v1]
	if !ok {
		return 0, false
	}
	r, ok := row[v2]
	return r, ok
}

// CorrelationPair is one entry of a TopCorrelationsFor query.
type CorrelationPair struct {
	Variable    string  `json:"variable"`
	Coefficient float64 `json:"coefficient"`
}

// TopCorrelationsFor returns the n variables most correlated (by magnitude)
// with the given variable, sorted descending. Ties break alphabetically.
func TopCorrelationsFor(out CorrelationOutput, variable string, n int) []CorrelationPair {
	row, ok := out.Matrix[variable]
	if !ok {
		return nil
	}
	pairs := make([]CorrelationPair, 0, len(row))
	for name, r := range row {
		if name == variable {
			continue
		}
		pairs = append(pairs, CorrelationPair{Variable: name, Coefficient: r})
	}
	sort.Slice(pairs, func(a, b int) bool {
		if math.Abs(pairs[a].Coefficient) != math.Abs(pairs[b].Coefficient) {
			return math.Abs(pairs[a].Coefficient) > math.Abs(pairs[b].Coefficient)
		}
		return pairs[a].Variable < pairs[b].Variable
	})
	if n < len(pairs) {
		pairs = pairs[:n]
	}
	return pairs
}

// roundTo rounds to the given number of decimal places.
func roundTo(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

func badFloat(v float64) bool {
	return math.IsNaN(v) || math.IsInf(v, 0)
}
