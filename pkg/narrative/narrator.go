package narrative

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/datapulse/datapulse/pkg/engine"
	"github.com/datapulse/datapulse/pkg/telemetry"
)

// Narrator turns a statistical abstract into a structured report.
type Narrator interface {
	// Name identifies the narrator in reports, metrics and persistence.
	Name() string

	// Narrate generates a report for one run's abstract.
	Narrate(ctx context.Context, abstract *engine.StatisticalAbstract, nctx Context) (*Report, error)
}

// WithFallback chains a primary narrator with a fallback that takes over when
// the primary errors. The returned report carries the narrator that actually
// produced it.
func WithFallback(primary, fallback Narrator) Narrator {
	return &fallbackNarrator{primary: primary, fallback: fallback}
}

type fallbackNarrator struct {
	primary  Narrator
	fallback Narrator
}

func (n *fallbackNarrator) Name() string { return n.primary.Name() }

func (n *fallbackNarrator) Narrate(ctx context.Context, abstract *engine.StatisticalAbstract, nctx Context) (*Report, error) {
	report, err := n.primary.Narrate(ctx, abstract, nctx)
	if err == nil {
		return report, nil
	}
	telemetry.FromContext(ctx).WithError(err).
		WithField("narrator", n.primary.Name()).
		Warn("narrator failed, falling back")
	return n.fallback.Narrate(ctx, abstract, nctx)
}

// parseReport extracts the strict-JSON report from a model response. Content
// around the outermost braces is tolerated so prose-wrapped replies still
// parse.
func parseReport(raw string) (*Report, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object in response")
	}

	var report Report
	if err := json.Unmarshal([]byte(raw[start:end+1]), &report); err != nil {
		return nil, fmt.Errorf("decoding report: %w", err)
	}
	if report.ExecutiveSummary == "" {
		return nil, fmt.Errorf("report missing executive_summary")
	}
	report.normalize()
	return &report, nil
}

// applyPrivacyNoise perturbs the report's confidence and relevance scores
// with Laplace(0, 0.1/epsilon) noise, then clamps back into [0,1]. A
// non-positive epsilon disables the pass.
func applyPrivacyNoise(report *Report, epsilon float64) {
	if epsilon <= 0 {
		return
	}
	noise := distuv.Laplace{Mu: 0, Scale: 0.1 / epsilon}

	report.ConfidenceScore = clamp01(report.ConfidenceScore + noise.Rand())
	for i := range report.ContextualFactors {
		report.ContextualFactors[i].RelevanceScore =
			clamp01(report.ContextualFactors[i].RelevanceScore + noise.Rand())
	}
}

// summarizeAbstract renders the top findings of each engine as the prompt's
// statistical section. Only populated engines contribute.
func summarizeAbstract(abstract *engine.StatisticalAbstract) string {
	var b strings.Builder

	corr := abstract.Correlation
	if len(corr.StrongCorrelations) > 0 {
		fmt.Fprintf(&b, "## Correlation Findings\nFound %d strong correlations.\n", len(corr.StrongCorrelations))
		for _, c := range head(corr.StrongCorrelations, 5) {
			fmt.Fprintf(&b, "- %s and %s: r=%.3f (p=%.4f, %s)\n",
				c.Variable1, c.Variable2, c.Coefficient, c.PValue, c.Relationship)
		}
		for _, d := range head(corr.DriverVariables, 3) {
			fmt.Fprintf(&b, "- driver %s: score=%.3f\n", d.Variable, d.DriverScore)
		}
	}

	vol := abstract.Volatility
	if len(vol.RegionalScores) > 0 {
		b.WriteString("\n## Volatility Findings\n")
		if len(vol.HighVolatilityRegions) > 0 {
			fmt.Fprintf(&b, "High volatility regions: %s\n",
				strings.Join(head(vol.HighVolatilityRegions, 5), ", "))
		}
		if len(vol.StableRegions) > 0 {
			fmt.Fprintf(&b, "Stable regions: %s\n", strings.Join(head(vol.StableRegions, 5), ", "))
		}
		if vol.SeasonalityDetected {
			b.WriteString("Seasonality detected in the monthly series.\n")
		}
		for _, s := range head(vol.RegionalScores, 5) {
			fmt.Fprintf(&b, "- %s: CV=%.3f (%s)\n", s.Region, s.CV, s.Level)
			if s.TemporalPattern != "" {
				fmt.Fprintf(&b, "  pattern: %s\n", s.TemporalPattern)
			}
		}
	}

	dim := abstract.Dimensional
	if len(dim.OutlierClusters) > 0 {
		fmt.Fprintf(&b, "\n## Dimensional Findings\nFound %d outlier clusters.\n", len(dim.OutlierClusters))
		for _, o := range head(dim.TopAnomalies, 5) {
			var parts []string
			for k, v := range o.Dimensions {
				parts = append(parts, fmt.Sprintf("%s=%s", k, v))
			}
			fmt.Fprintf(&b, "- %s: value=%.2f, z=%.2f, %s risk\n",
				strings.Join(parts, " x "), o.MetricValue, o.ZScore, o.Risk)
		}
	}

	anom := abstract.Anomalies
	if anom.TotalAnomalies > 0 {
		fmt.Fprintf(&b, "\n## Anomaly Findings\nTotal anomalies: %d (critical=%d, high=%d)\n",
			anom.TotalAnomalies, anom.BySeverity["critical"], anom.BySeverity["high"])
		for _, a := range head(anom.Anomalies, 5) {
			fmt.Fprintf(&b, "- %s\n", a.Description)
		}
	}

	if b.Len() == 0 {
		return "No notable statistical findings."
	}
	return b.String()
}

func head[T any](s []T, n int) []T {
	if len(s) > n {
		return s[:n]
	}
	return s
}
