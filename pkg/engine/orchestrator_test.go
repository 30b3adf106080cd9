package engine

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/datapulse/datapulse/pkg/dataset"
)

func orchestratorFixture(t *testing.T) *dataset.Dataset {
	t.Helper()
	n := 30
	values := make([]float64, n)
	budgets := make([]float64, n)
	states := make([]string, n)
	ages := make([]string, n)
	dates := make([]time.Time, n)
	for i := 0; i < n; i++ {
		values[i] = float64(100 + (i%7)*3)
		budgets[i] = 2 * values[i]
		states[i] = []string{"Kerala", "Punjab", "Assam"}[i%3]
		ages[i] = []string{"adult", "young"}[i%2]
		dates[i] = time.Date(2023, time.Month(i%10+1), 1, 0, 0, 0, 0, time.UTC)
	}
	return mustDataset(t, []dataset.Column{
		dataset.NumericCol("enrollment_count", values, nil),
		dataset.NumericCol("budget", budgets, nil),
		dataset.CategoricalCol("state", states),
		dataset.CategoricalCol("age_group", ages),
		dataset.DateCol("report_date", dates),
	})
}

func TestOrchestratorRun(t *testing.T) {
	ds := orchestratorFixture(t)
	orch := NewOrchestrator(OrchestratorConfig{
		Thresholds: DefaultThresholds(),
		Method:     MethodPearson,
	}, nil)

	result, err := orch.Run(context.Background(), RunRequest{
		Source:  "enrollment.csv",
		Dataset: ds,
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.RunID == "" {
		t.Error("RunID should be assigned")
	}
	if result.State != StateDone {
		t.Errorf("State = %q, want done", result.State)
	}
	if result.Abstract == nil {
		t.Fatal("Abstract should be populated")
	}
	if result.EngineErrors != nil {
		t.Errorf("EngineErrors = %v, want none", result.EngineErrors)
	}
	if result.CompletedAt.Before(result.StartedAt) {
		t.Error("CompletedAt should not precede StartedAt")
	}

	if result.Summary.Rows != 30 || result.Summary.Columns != 5 {
		t.Errorf("Summary = %+v, want 30 rows and 5 columns", result.Summary)
	}
	if result.Summary.Roles.Metric != "enrollment_count" {
		t.Errorf("resolved metric = %q", result.Summary.Roles.Metric)
	}
	if !strings.Contains(result.Summary.TimeRange, " to ") {
		t.Errorf("TimeRange = %q, want '<first> to <last>'", result.Summary.TimeRange)
	}
	if !strings.HasPrefix(result.Summary.TimeRange, "2023-01-01") {
		t.Errorf("TimeRange = %q, want to start at 2023-01-01", result.Summary.TimeRange)
	}

	// budget is exactly 2x the metric, so the correlation engine must find it.
	if len(result.Abstract.Correlation.StrongCorrelations) == 0 {
		t.Error("expected a strong correlation between budget and the metric")
	}
	if len(result.Abstract.Volatility.RegionalScores) != 3 {
		t.Errorf("RegionalScores = %d, want 3 states", len(result.Abstract.Volatility.RegionalScores))
	}
}

func TestOrchestratorPartialEngineFailure(t *testing.T) {
	// Sixty distinct values per column leave nothing for region or
	// dimension detection, so volatility and dimensional both fail while
	// correlation and anomaly still run.
	n := 60
	a := make([]float64, n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = float64(i) * 1.5
		b[i] = float64(i)*3 + 1
	}
	ds := mustDataset(t, []dataset.Column{
		dataset.NumericCol("value_a", a, nil),
		dataset.NumericCol("value_b", b, nil),
	})

	orch := NewOrchestrator(OrchestratorConfig{Thresholds: DefaultThresholds()}, nil)
	result, err := orch.Run(context.Background(), RunRequest{Source: "flat.csv", Dataset: ds})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if result.State != StateDone {
		t.Errorf("State = %q, want done despite partial failures", result.State)
	}
	if result.EngineErrors[EngineVolatility] == "" {
		t.Error("volatility failure should be recorded")
	}
	if result.EngineErrors[EngineDimensional] == "" {
		t.Error("dimensional failure should be recorded")
	}
	if _, ok := result.EngineErrors[EngineCorrelation]; ok {
		t.Errorf("correlation should succeed, got error %q", result.EngineErrors[EngineCorrelation])
	}

	// Failed engines contribute empty outputs, not nil abstracts.
	if result.Abstract == nil {
		t.Fatal("Abstract should be populated")
	}
	if len(result.Abstract.Volatility.RegionalScores) != 0 {
		t.Errorf("failed engine output should stay empty, got %d scores",
			len(result.Abstract.Volatility.RegionalScores))
	}
	if len(result.Abstract.Correlation.StrongCorrelations) == 0 {
		t.Error("correlation findings should survive sibling failures")
	}
}

func TestOrchestratorNoMetric(t *testing.T) {
	ds := mustDataset(t, []dataset.Column{
		dataset.CategoricalCol("notes", []string{"a", "b", "c"}),
	})
	orch := NewOrchestrator(OrchestratorConfig{Thresholds: DefaultThresholds()}, nil)

	_, err := orch.Run(context.Background(), RunRequest{Source: "notes.csv", Dataset: ds})
	if err == nil {
		t.Fatal("Run() without a resolvable metric should fail")
	}
	if !IsValidation(err) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestOrchestratorEmptyDataset(t *testing.T) {
	orch := NewOrchestrator(OrchestratorConfig{Thresholds: DefaultThresholds()}, nil)
	if _, err := orch.Run(context.Background(), RunRequest{Source: "empty.csv"}); err == nil {
		t.Fatal("Run() with nil dataset should fail")
	}
}

func TestOrchestratorHintsPropagate(t *testing.T) {
	ds := orchestratorFixture(t)
	orch := NewOrchestrator(OrchestratorConfig{Thresholds: DefaultThresholds()}, nil)

	result, err := orch.Run(context.Background(), RunRequest{
		Source:  "enrollment.csv",
		Dataset: ds,
		Hints:   ColumnRoles{Metric: "budget"},
	})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if result.Summary.Roles.Metric != "budget" {
		t.Errorf("resolved metric = %q, hint should win", result.Summary.Roles.Metric)
	}
}
