package narrative

import "sort"

// ContextualFactor is one external influence the narrator believes is acting
// on the data.
type ContextualFactor struct {
	// FactorType buckets the factor: policy, weather, infrastructure,
	// demographic or other.
	FactorType string `json:"factor_type"`

	Description string `json:"description"`

	// RelevanceScore is the narrator's weight for the factor in [0,1].
	RelevanceScore float64 `json:"relevance_score"`
}

// Recommendation is one actionable item in a report.
type Recommendation struct {
	// Priority runs from 1 (critical) to 5 (nice to have).
	Priority int `json:"priority"`

	Recommendation string `json:"recommendation"`
	Rationale      string `json:"rationale"`
	ExpectedImpact string `json:"expected_impact"`

	// ImplementationComplexity is low, medium or high.
	ImplementationComplexity string `json:"implementation_complexity"`

	AffectedRegions []string `json:"affected_regions"`
	Timeline        string   `json:"timeline"`
}

// Report is the narrative layer's structured output for one run.
type Report struct {
	ExecutiveSummary         string             `json:"executive_summary"`
	RootCauseAnalysis        []string           `json:"root_cause_analysis"`
	ContextualFactors        []ContextualFactor `json:"contextual_factors"`
	StrategicRecommendations []Recommendation   `json:"strategic_recommendations"`
	RiskAssessment           string             `json:"risk_assessment"`

	// ConfidenceScore is the narrator's self-assessed confidence in [0,1].
	ConfidenceScore float64 `json:"confidence_score"`

	// Narrator names the generator: openai or rule_based.
	Narrator string `json:"narrator"`
}

// Context carries run metadata into the narrator alongside the abstract.
type Context struct {
	// Source names the analyzed dataset.
	Source string

	// TimeRange is the "<first> to <last>" span of the time column, when
	// one resolved.
	TimeRange string

	// Additional is free-form caller context folded into the prompt.
	Additional map[string]any
}

// normalize sorts recommendations by priority and clamps scores into [0,1].
func (r *Report) normalize() {
	sort.SliceStable(r.StrategicRecommendations, func(a, b int) bool {
		return r.StrategicRecommendations[a].Priority < r.StrategicRecommendations[b].Priority
	})
	r.ConfidenceScore = clamp01(r.ConfidenceScore)
	for i := range r.ContextualFactors {
		r.ContextualFactors[i].RelevanceScore = clamp01(r.ContextualFactors[i].RelevanceScore)
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
