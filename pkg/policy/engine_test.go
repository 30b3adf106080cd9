package policy

import (
	"context"
	"testing"

	"github.com/rs/zerolog"

	"github.com/datapulse/datapulse/pkg/engine"
)

// disclosureAbstract carries one cluster and one regional score below the
// default disclosure floor of 5, next to findings that clear it.
func disclosureAbstract() *engine.StatisticalAbstract {
	return &engine.StatisticalAbstract{
		Correlation: engine.CorrelationOutput{
			StrongCorrelations: []engine.CorrelationFinding{
				{Variable1: "budget", Variable2: "enrollment_count", Coefficient: 0.92, PValue: 0.001, Significant: true},
			},
		},
		Volatility: engine.VolatilityOutput{
			RegionalScores: []engine.RegionalVolatility{
				{Region: "Kerala", CV: 0.1, CVDefined: true, Level: engine.VolatilityStable, SampleSize: 12},
				{Region: "Ladakh", CV: 1.3, CVDefined: true, Level: engine.VolatilityErratic, SampleSize: 3},
			},
			HighVolatilityRegions: []string{"Ladakh"},
			StableRegions:         []string{"Kerala"},
		},
		Dimensional: engine.DimensionalOutput{
			Aggregations: []engine.AggregationRow{
				{Dimensions: map[string]string{"state": "Bihar", "age_group": "young"}, MetricValue: 200, SampleSize: 3},
				{Dimensions: map[string]string{"state": "Kerala", "age_group": "adult"}, MetricValue: 105, SampleSize: 20},
			},
			OutlierClusters: []engine.OutlierCluster{
				{Dimensions: map[string]string{"state": "Bihar", "age_group": "young"}, ZScore: 4.4, SampleSize: 3, Risk: engine.RiskCritical},
				{Dimensions: map[string]string{"state": "Kerala", "age_group": "adult"}, ZScore: 2.3, SampleSize: 20, Risk: engine.RiskMedium},
			},
			TopAnomalies: []engine.OutlierCluster{
				{Dimensions: map[string]string{"state": "Bihar", "age_group": "young"}, ZScore: 4.4, SampleSize: 3, Risk: engine.RiskCritical},
			},
		},
		Anomalies: engine.AnomalyOutput{
			TotalAnomalies: 1,
			Anomalies: []engine.Anomaly{
				{ID: "a1", MetricName: "enrollment_count", ZScore: 3.2, Severity: engine.RiskMedium},
			},
			BySeverity: map[string]int{"critical": 0, "high": 0, "medium": 1, "low": 0},
		},
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e, err := NewEngine(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewEngine() error = %v", err)
	}
	return e
}

func TestEvaluateSuppressesSmallGroups(t *testing.T) {
	e := newTestEngine(t, Config{})

	decision, err := e.Evaluate(context.Background(), disclosureAbstract())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !decision.Allowed {
		t.Error("redactable violations should not block publication")
	}
	if len(decision.Violations) == 0 {
		t.Fatal("expected violations for the small groups")
	}

	red := decision.Redacted
	if got := len(red.Dimensional.OutlierClusters); got != 1 {
		t.Fatalf("redacted clusters = %d, want 1", got)
	}
	if red.Dimensional.OutlierClusters[0].Dimensions["state"] != "Kerala" {
		t.Errorf("surviving cluster = %v, want the Kerala group", red.Dimensional.OutlierClusters[0].Dimensions)
	}
	if len(red.Dimensional.TopAnomalies) != 0 {
		t.Errorf("top anomalies = %d, want the small cluster removed", len(red.Dimensional.TopAnomalies))
	}
	if got := len(red.Dimensional.Aggregations); got != 1 {
		t.Errorf("redacted aggregations = %d, want 1", got)
	}

	if got := len(red.Volatility.RegionalScores); got != 1 {
		t.Fatalf("redacted regional scores = %d, want 1", got)
	}
	if red.Volatility.RegionalScores[0].Region != "Kerala" {
		t.Errorf("surviving score = %q, want Kerala", red.Volatility.RegionalScores[0].Region)
	}
	if len(red.Volatility.HighVolatilityRegions) != 0 {
		t.Errorf("high volatility regions = %v, want Ladakh removed", red.Volatility.HighVolatilityRegions)
	}

	// One cluster plus one regional score. The matching aggregation row is
	// removed but not counted twice.
	if decision.SuppressedFindings != 2 {
		t.Errorf("SuppressedFindings = %d, want 2", decision.SuppressedFindings)
	}

	// The original abstract is untouched.
	original := disclosureAbstract()
	if len(original.Dimensional.OutlierClusters) != 2 {
		t.Error("fixture should carry both clusters")
	}
}

func TestEvaluateCleanAbstract(t *testing.T) {
	e := newTestEngine(t, Config{MinDisclosureSize: 3})

	abstract := disclosureAbstract()
	decision, err := e.Evaluate(context.Background(), abstract)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !decision.Allowed {
		t.Error("clean abstract should be allowed")
	}
	if len(decision.Violations) != 0 {
		t.Errorf("violations = %v, want none at floor 3", decision.Violations)
	}
	if decision.SuppressedFindings != 0 {
		t.Errorf("SuppressedFindings = %d, want 0", decision.SuppressedFindings)
	}
	if len(decision.Redacted.Dimensional.OutlierClusters) != 2 {
		t.Error("nothing should be redacted")
	}
	if len(decision.EvaluatedPolicies) != 3 {
		t.Errorf("EvaluatedPolicies = %v, want the three builtins", decision.EvaluatedPolicies)
	}
}

func TestEvaluateWarnsWithoutRedacting(t *testing.T) {
	e := newTestEngine(t, Config{MinDisclosureSize: 3})

	abstract := disclosureAbstract()
	abstract.Anomalies.BySeverity["critical"] = 2
	abstract.Correlation.StrongCorrelations[0].Significant = false

	decision, err := e.Evaluate(context.Background(), abstract)
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}

	if !decision.Allowed {
		t.Error("warnings should not block publication")
	}
	bySeverity := map[Severity]int{}
	for _, v := range decision.Violations {
		bySeverity[v.Severity]++
	}
	if bySeverity[SeverityWarning] != 1 {
		t.Errorf("warning violations = %d, want the critical-anomaly review flag", bySeverity[SeverityWarning])
	}
	if bySeverity[SeverityInfo] != 1 {
		t.Errorf("info violations = %d, want the insignificant-correlation flag", bySeverity[SeverityInfo])
	}
	if decision.SuppressedFindings != 0 {
		t.Errorf("SuppressedFindings = %d, want 0", decision.SuppressedFindings)
	}
	if len(decision.Redacted.Anomalies.Anomalies) != 1 {
		t.Error("anomalies should survive warning-level violations")
	}
}

func TestEvaluateDisabledPolicy(t *testing.T) {
	e := newTestEngine(t, Config{})
	if err := e.SetEnabled("minimum-disclosure", false); err != nil {
		t.Fatalf("SetEnabled() error = %v", err)
	}

	decision, err := e.Evaluate(context.Background(), disclosureAbstract())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if decision.SuppressedFindings != 0 {
		t.Errorf("SuppressedFindings = %d, want 0 with the floor disabled", decision.SuppressedFindings)
	}
	if len(decision.EvaluatedPolicies) != 2 {
		t.Errorf("EvaluatedPolicies = %v, want the disabled policy skipped", decision.EvaluatedPolicies)
	}
}

func TestEvaluateBlockingPolicy(t *testing.T) {
	freeze := Policy{
		Name:     "production-freeze",
		Severity: SeverityCritical,
		Enabled:  true,
		Rego: `package datapulse.policies.freeze

import rego.v1

deny contains violation if {
	input.context.environment == "production"
	violation := {
		"message": "publication is frozen in production",
		"severity": "critical",
		"kind": "abstract",
	}
}`,
	}

	e := newTestEngine(t, Config{})
	if err := e.AddPolicy(freeze); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}
	decision, err := e.Evaluate(context.Background(), disclosureAbstract())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if !decision.Allowed {
		t.Error("freeze should not fire outside production")
	}

	prod := newTestEngine(t, Config{Environment: "production"})
	if err := prod.AddPolicy(freeze); err != nil {
		t.Fatalf("AddPolicy() error = %v", err)
	}
	decision, err = prod.Evaluate(context.Background(), disclosureAbstract())
	if err != nil {
		t.Fatalf("Evaluate() error = %v", err)
	}
	if decision.Allowed {
		t.Error("an unredactable critical violation must block publication")
	}
}

func TestAddPolicyRejectsBadRego(t *testing.T) {
	e := newTestEngine(t, Config{})
	if err := e.AddPolicy(Policy{Name: "broken", Rego: "this is not rego"}); err == nil {
		t.Fatal("AddPolicy() should fail on unparseable Rego")
	}
}

func TestListPolicies(t *testing.T) {
	e := newTestEngine(t, Config{})
	policies := e.ListPolicies()
	if len(policies) != 3 {
		t.Fatalf("builtin policies = %d, want 3", len(policies))
	}
	for i := 1; i < len(policies); i++ {
		if policies[i-1].Name > policies[i].Name {
			t.Errorf("policies not sorted: %q before %q", policies[i-1].Name, policies[i].Name)
		}
	}
	if _, ok := e.GetPolicy("minimum-disclosure"); !ok {
		t.Error("minimum-disclosure should be registered")
	}
}

func TestClusterKey(t *testing.T) {
	a := ClusterKey(map[string]string{"state": "Bihar", "age_group": "young"})
	b := ClusterKey(map[string]string{"age_group": "young", "state": "Bihar"})
	if a != b {
		t.Errorf("ClusterKey should be order independent: %q vs %q", a, b)
	}
	if a != "age_group=young,state=Bihar" {
		t.Errorf("ClusterKey = %q", a)
	}
	if ClusterKey(nil) != "" {
		t.Errorf("ClusterKey(nil) = %q, want empty", ClusterKey(nil))
	}
}

func TestCreateViolation(t *testing.T) {
	policy := &Policy{Name: "p", Severity: SeverityWarning}

	v := createViolation(policy, "plain message")
	if v.Message != "plain message" || v.Severity != SeverityWarning {
		t.Errorf("string result: %+v", v)
	}

	v = createViolation(policy, map[string]interface{}{
		"message":  "small group",
		"severity": "error",
		"kind":     "outlier_cluster",
		"key":      "state=Bihar",
	})
	if v.Severity != SeverityError || v.Kind != "outlier_cluster" || v.Key != "state=Bihar" {
		t.Errorf("map result: %+v", v)
	}

	v = createViolation(policy, 42)
	if v.Message != "42" {
		t.Errorf("fallback message = %q", v.Message)
	}
}

func TestExtractPackageName(t *testing.T) {
	src := "# comment\npackage datapulse.policies.disclosure\n\nimport rego.v1\n"
	if got := extractPackageName(src); got != "datapulse.policies.disclosure" {
		t.Errorf("extractPackageName() = %q", got)
	}
	if got := extractPackageName("no package here"); got != "datapulse.policies" {
		t.Errorf("fallback = %q", got)
	}
}
