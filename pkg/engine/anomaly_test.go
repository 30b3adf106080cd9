package engine

import (
	"testing"

	"github.com/datapulse/datapulse/pkg/dataset"
)

func TestAnomalyConstantMetric(t *testing.T) {
	ds := mustDataset(t, []dataset.Column{
		dataset.NumericCol("enrollment_count", []float64{42, 42, 42, 42, 42}, nil),
	})
	engine := NewAnomalyEngine(DefaultThresholds(), false)

	out, err := engine.Analyze(ds, []string{"enrollment_count"}, "", "", "")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if out.TotalAnomalies != 0 {
		t.Errorf("TotalAnomalies = %d, want 0 for zero-variance data", out.TotalAnomalies)
	}
}

func TestAnomalySpike(t *testing.T) {
	// Nine flat observations and one spike. The spike's z-score lands in
	// the medium band and carries its region and time period.
	values := []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 50}
	states := []string{"A", "A", "A", "A", "A", "B", "B", "B", "B", "Kerala"}
	months := []string{
		"2023-01", "2023-02", "2023-03", "2023-04", "2023-05",
		"2023-06", "2023-07", "2023-08", "2023-09", "2023-10",
	}
	ds := mustDataset(t, []dataset.Column{
		dataset.NumericCol("enrollment_count", values, nil),
		dataset.CategoricalCol("state", states),
		dataset.CategoricalCol("month", months),
	})
	engine := NewAnomalyEngine(DefaultThresholds(), false)

	out, err := engine.Analyze(ds, []string{"enrollment_count"}, "state", "month", "")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if out.TotalAnomalies != 1 {
		t.Fatalf("TotalAnomalies = %d, want 1", out.TotalAnomalies)
	}

	a := out.Anomalies[0]
	if a.MetricName != "enrollment_count" {
		t.Errorf("MetricName = %q", a.MetricName)
	}
	if a.ObservedValue != 50 {
		t.Errorf("ObservedValue = %v, want 50", a.ObservedValue)
	}
	if a.ExpectedValue != 14 {
		t.Errorf("ExpectedValue = %v, want 14", a.ExpectedValue)
	}
	if a.Severity != RiskMedium {
		t.Errorf("Severity = %q, want medium", a.Severity)
	}
	if a.Location["region"] != "Kerala" {
		t.Errorf("Location = %v, want region Kerala", a.Location)
	}
	if a.TimePeriod != "2023-10" {
		t.Errorf("TimePeriod = %q, want 2023-10", a.TimePeriod)
	}
	if a.ID == "" {
		t.Error("anomaly ID should be assigned")
	}

	if out.BySeverity["medium"] != 1 {
		t.Errorf("BySeverity = %v, want medium:1", out.BySeverity)
	}
	if out.ByRegion["Kerala"] != 1 {
		t.Errorf("ByRegion = %v, want Kerala:1", out.ByRegion)
	}
}

func TestAnomalyNoValidMetrics(t *testing.T) {
	ds := mustDataset(t, []dataset.Column{
		dataset.CategoricalCol("state", []string{"A", "B"}),
	})
	engine := NewAnomalyEngine(DefaultThresholds(), false)

	_, err := engine.Analyze(ds, []string{"state", "absent"}, "", "", "")
	if err == nil || !IsValidation(err) {
		t.Errorf("error = %v, want validation", err)
	}
}

func TestAnomalyMetricColumnCap(t *testing.T) {
	th := DefaultThresholds()
	th.MaxMetricColumns = 1

	// Two metric columns, each with its own spike; the cap keeps only the
	// first, so the second column's spike must not be reported.
	ds := mustDataset(t, []dataset.Column{
		dataset.NumericCol("count_a", []float64{10, 10, 10, 10, 10, 10, 10, 10, 10, 50}, nil),
		dataset.NumericCol("count_b", []float64{5, 5, 5, 5, 5, 5, 5, 5, 5, 90}, nil),
	})
	engine := NewAnomalyEngine(th, false)

	out, err := engine.Analyze(ds, []string{"count_a", "count_b"}, "", "", "")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	for _, a := range out.Anomalies {
		if a.MetricName == "count_b" {
			t.Errorf("anomaly from capped column leaked: %+v", a)
		}
	}
}

func TestRiskFromZ(t *testing.T) {
	tests := []struct {
		z    float64
		want RiskLevel
	}{
		{2.0, RiskLow},
		{2.0001, RiskMedium},
		{3.0, RiskMedium},
		{3.5, RiskHigh},
		{4.0, RiskHigh},
		{4.5, RiskCritical},
		{-4.5, RiskCritical},
	}
	for _, tt := range tests {
		if got := riskFromZ(tt.z); got != tt.want {
			t.Errorf("riskFromZ(%v) = %q, want %q", tt.z, got, tt.want)
		}
	}
}

func TestDeduplicateAnomalies(t *testing.T) {
	loc := map[string]string{"region": "Kerala"}
	dupes := []Anomaly{
		{MetricName: "enrollment_count", Location: loc, TimePeriod: "2023-10", ZScore: 2.5, Severity: RiskMedium},
		{MetricName: "enrollment_count", Location: loc, TimePeriod: "2023-10", ZScore: -3.5, Severity: RiskHigh},
		{MetricName: "enrollment_count", Location: loc, TimePeriod: "2023-11", ZScore: 2.1, Severity: RiskMedium},
	}

	unique := DeduplicateAnomalies(dupes)
	if len(unique) != 2 {
		t.Fatalf("unique = %d, want 2", len(unique))
	}

	var kept Anomaly
	for _, a := range unique {
		if a.TimePeriod == "2023-10" {
			kept = a
		}
	}
	if kept.ZScore != -3.5 {
		t.Errorf("kept ZScore = %v, want -3.5 (larger magnitude wins)", kept.ZScore)
	}

	if again := DeduplicateAnomalies(unique); len(again) != len(unique) {
		t.Errorf("second pass = %d, want %d", len(again), len(unique))
	}
}

func TestAnomalyQueries(t *testing.T) {
	out := AnomalyOutput{
		TotalAnomalies: 3,
		Anomalies: []Anomaly{
			{ID: "a", ZScore: 5.1, Severity: RiskCritical, Location: map[string]string{"region": "A"}},
			{ID: "b", ZScore: -3.2, Severity: RiskHigh, Location: map[string]string{"region": "B"}},
			{ID: "c", ZScore: 2.4, Severity: RiskMedium, Location: map[string]string{"region": "A"}},
		},
	}

	if got := AnomaliesBySeverity(out, RiskCritical); len(got) != 1 || got[0].ID != "a" {
		t.Errorf("AnomaliesBySeverity = %+v, want [a]", got)
	}
	if got := AnomaliesByRegion(out, "A"); len(got) != 2 {
		t.Errorf("AnomaliesByRegion = %d, want 2", len(got))
	}
	top := TopAnomalies(out, 2)
	if len(top) != 2 || top[0].ID != "a" || top[1].ID != "b" {
		t.Errorf("TopAnomalies = %+v, want [a b]", top)
	}
}

func TestIsolationForestFlagsIsolatedPoint(t *testing.T) {
	// Two tightly clustered metrics with one far-off row. The forest is
	// seeded, so the isolated row scores highest deterministically.
	n := 60
	a := make([]float64, n)
	b := make([]float64, n)
	for i := 0; i < n; i++ {
		a[i] = 100 + float64(i%5)
		b[i] = 50 + float64(i%3)
	}
	a[n-1] = 500
	b[n-1] = 400

	data := make([][]float64, n)
	for i := 0; i < n; i++ {
		data[i] = []float64{a[i], b[i]}
	}

	forest := fitIsolationForest(data)
	scores := forest.scoreSamples(data)
	flags := forest.predictOutliers(scores, 0.05)

	if !flags[n-1] {
		t.Error("isolated point should be predicted as an outlier")
	}

	// Lower scores mean more anomalous; the isolated row should score lowest.
	minIdx := 0
	for i, s := range scores {
		if s < scores[minIdx] {
			minIdx = i
		}
	}
	if minIdx != n-1 {
		t.Errorf("lowest anomaly score at row %d, want %d", minIdx, n-1)
	}
}
