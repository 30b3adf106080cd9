package narrative

import (
	"context"
	"fmt"
	"strings"

	"github.com/datapulse/datapulse/pkg/engine"
)

// RuleBasedNarrator derives a deterministic report from the abstract's
// severity counts and top findings. It never fails, which makes it the
// standard fallback behind the LLM narrator.
type RuleBasedNarrator struct{}

// NewRuleBasedNarrator creates the deterministic narrator.
func NewRuleBasedNarrator() *RuleBasedNarrator { return &RuleBasedNarrator{} }

func (n *RuleBasedNarrator) Name() string { return "rule_based" }

// Narrate composes findings, causes and recommendations from fixed rules
// over the abstract. The error return is always nil.
func (n *RuleBasedNarrator) Narrate(_ context.Context, abstract *engine.StatisticalAbstract, nctx Context) (*Report, error) {
	var findings []string
	var causes []string
	var recs []Recommendation

	if len(abstract.Correlation.StrongCorrelations) > 0 {
		top := abstract.Correlation.StrongCorrelations[0]
		findings = append(findings, fmt.Sprintf(
			"Strong %s correlation between %s and %s (r=%.2f)",
			top.Relationship, top.Variable1, top.Variable2, top.Coefficient))

		if containsAge(top.Variable1) || containsAge(top.Variable2) {
			causes = append(causes, "Age-related capture or verification difficulties")
			recs = append(recs, Recommendation{
				Priority:                 1,
				Recommendation:           "Deploy age-appropriate verification methods",
				Rationale:                "A strong correlation with age suggests quality issues concentrated in specific age bands",
				ExpectedImpact:           "Reduce rejection rates by 20-30%",
				ImplementationComplexity: "medium",
				Timeline:                 "3-6 months",
			})
		}
	}

	if regions := abstract.Volatility.HighVolatilityRegions; len(regions) > 0 {
		top := head(regions, 3)
		findings = append(findings, fmt.Sprintf("High volatility in: %s", strings.Join(top, ", ")))
		causes = append(causes, "Inconsistent service delivery in volatile regions")
		recs = append(recs, Recommendation{
			Priority:                 2,
			Recommendation:           fmt.Sprintf("Investigate operational issues in %s", strings.Join(top, ", ")),
			Rationale:                "High coefficient of variation indicates erratic delivery",
			ExpectedImpact:           "Stabilize regional numbers",
			ImplementationComplexity: "medium",
			AffectedRegions:          top,
			Timeline:                 "1-3 months",
		})
	}

	critical := abstract.Anomalies.BySeverity["critical"] + abstract.Anomalies.BySeverity["high"]
	if critical > 0 {
		findings = append(findings, fmt.Sprintf("%d critical or high severity anomalies detected", critical))
		causes = append(causes, "Potential data quality or operational issues")
		recs = append(recs, Recommendation{
			Priority:                 1,
			Recommendation:           "Immediately investigate the critical anomalies",
			Rationale:                "Critical anomalies require urgent attention",
			ExpectedImpact:           "Prevent service disruption",
			ImplementationComplexity: "low",
			Timeline:                 "Immediate",
		})
	}

	if clusters := abstract.Dimensional.TopAnomalies; len(clusters) > 0 {
		findings = append(findings, fmt.Sprintf(
			"%d demographic segments deviate strongly from the national mean",
			len(abstract.Dimensional.OutlierClusters)))
		causes = append(causes, "Segment-specific gaps in coverage or reporting")
	}

	summary := "Analysis complete with no major concerns."
	if len(findings) > 0 {
		summary = strings.Join(findings, ". ") + "."
	}
	if len(causes) == 0 {
		causes = append(causes, "No systemic issues surfaced by the rules")
	}
	if len(recs) == 0 {
		recs = append(recs, Recommendation{
			Priority:                 3,
			Recommendation:           "Review the statistical findings manually",
			Rationale:                "Automated rules found nothing actionable",
			ExpectedImpact:           "Better understanding of data patterns",
			ImplementationComplexity: "low",
			Timeline:                 "As capacity permits",
		})
	}

	report := &Report{
		ExecutiveSummary:  summary,
		RootCauseAnalysis: causes,
		ContextualFactors: []ContextualFactor{
			{FactorType: "infrastructure", Description: "Regional infrastructure variations", RelevanceScore: 0.7},
		},
		StrategicRecommendations: recs,
		RiskAssessment:           "Medium risk if identified issues are not addressed within the recommended timelines.",
		ConfidenceScore:          0.6,
		Narrator:                 n.Name(),
	}
	report.normalize()
	return report, nil
}

func containsAge(column string) bool {
	return strings.Contains(strings.ToLower(column), "age")
}
