package engine

import (
	"fmt"
	"testing"

	"github.com/datapulse/datapulse/pkg/dataset"
)

// sliceFixture builds 100 rows: 19 unremarkable state groups of 5 rows at
// value 100, plus one (SX, young) group of 5 rows at value 200 that sits
// well above the national mean.
func sliceFixture(t *testing.T) *dataset.Dataset {
	t.Helper()
	var values []float64
	var states, ages []string
	for s := 1; s <= 19; s++ {
		for i := 0; i < 5; i++ {
			values = append(values, 100)
			states = append(states, fmt.Sprintf("S%d", s))
			ages = append(ages, "adult")
		}
	}
	for i := 0; i < 5; i++ {
		values = append(values, 200)
		states = append(states, "SX")
		ages = append(ages, "young")
	}
	return mustDataset(t, []dataset.Column{
		dataset.NumericCol("enrollment_count", values, nil),
		dataset.CategoricalCol("state", states),
		dataset.CategoricalCol("age_group", ages),
	})
}

func TestDimensionalOutlierDetection(t *testing.T) {
	ds := sliceFixture(t)
	engine := NewDimensionalSlicingEngine(DefaultThresholds())

	out, err := engine.Analyze(ds, "enrollment_count", []string{"state", "age_group"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(out.OutlierClusters) != 1 {
		t.Fatalf("OutlierClusters = %d, want 1", len(out.OutlierClusters))
	}

	cluster := out.OutlierClusters[0]
	if cluster.Dimensions["state"] != "SX" || cluster.Dimensions["age_group"] != "young" {
		t.Errorf("Dimensions = %v, want state=SX age_group=young", cluster.Dimensions)
	}
	if cluster.ZScore <= 4 {
		t.Errorf("ZScore = %v, want > 4", cluster.ZScore)
	}
	if cluster.Risk != RiskCritical {
		t.Errorf("Risk = %q, want critical", cluster.Risk)
	}
	if cluster.MetricValue != 200 {
		t.Errorf("MetricValue = %v, want 200", cluster.MetricValue)
	}
	if cluster.SampleSize != 5 {
		t.Errorf("SampleSize = %d, want 5", cluster.SampleSize)
	}

	if len(out.TopAnomalies) != 1 || out.TopAnomalies[0].Dimensions["state"] != "SX" {
		t.Errorf("TopAnomalies = %+v, want the SX cluster first", out.TopAnomalies)
	}

	for _, dim := range []string{"state", "age_group"} {
		if _, ok := out.DimensionImportance[dim]; !ok {
			t.Errorf("DimensionImportance missing %q", dim)
		}
	}
}

func TestDimensionalMinSampleSize(t *testing.T) {
	// The extreme (SY, old) group has only 4 rows, below the disclosure
	// floor, so it must not surface as an aggregation or an outlier.
	var values []float64
	var states, ages []string
	for s := 1; s <= 4; s++ {
		for i := 0; i < 5; i++ {
			values = append(values, 100)
			states = append(states, fmt.Sprintf("S%d", s))
			ages = append(ages, "adult")
		}
	}
	for i := 0; i < 4; i++ {
		values = append(values, 1000)
		states = append(states, "SY")
		ages = append(ages, "old")
	}
	ds := mustDataset(t, []dataset.Column{
		dataset.NumericCol("enrollment_count", values, nil),
		dataset.CategoricalCol("state", states),
		dataset.CategoricalCol("age_group", ages),
	})

	engine := NewDimensionalSlicingEngine(DefaultThresholds())
	out, err := engine.Analyze(ds, "enrollment_count", []string{"state", "age_group"})
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	for _, agg := range out.Aggregations {
		if agg.Dimensions["state"] == "SY" {
			t.Errorf("aggregation leaked undersized group: %+v", agg)
		}
	}
	for _, cluster := range out.OutlierClusters {
		if cluster.Dimensions["state"] == "SY" {
			t.Errorf("outlier leaked undersized group: %+v", cluster)
		}
	}
}

func TestDimensionalNeedsTwoDimensions(t *testing.T) {
	ds := sliceFixture(t)
	engine := NewDimensionalSlicingEngine(DefaultThresholds())

	_, err := engine.Analyze(ds, "enrollment_count", []string{"state"})
	if err == nil || !IsValidation(err) {
		t.Errorf("single dimension error = %v, want validation", err)
	}

	// Unknown dimensions are dropped before the width check.
	_, err = engine.Analyze(ds, "enrollment_count", []string{"state", "absent"})
	if err == nil {
		t.Error("one valid dimension after filtering should fail")
	}
}

func TestDimensionalZeroVariance(t *testing.T) {
	ds := mustDataset(t, []dataset.Column{
		dataset.NumericCol("enrollment_count", []float64{7, 7, 7, 7, 7, 7}, nil),
		dataset.CategoricalCol("state", []string{"A", "A", "A", "B", "B", "B"}),
		dataset.CategoricalCol("age_group", []string{"x", "x", "x", "y", "y", "y"}),
	})
	engine := NewDimensionalSlicingEngine(DefaultThresholds())

	out, err := engine.Analyze(ds, "enrollment_count", []string{"state", "age_group"})
	if err != nil {
		t.Fatalf("Analyze() error = %v, want empty output", err)
	}
	if len(out.OutlierClusters) != 0 {
		t.Errorf("OutlierClusters = %d, want 0 for flat data", len(out.OutlierClusters))
	}
}

func TestDeduplicateOutliers(t *testing.T) {
	dims := map[string]string{"state": "SX", "age_group": "young"}
	dupes := []OutlierCluster{
		{Dimensions: dims, ZScore: 2.5, Risk: RiskMedium},
		{Dimensions: dims, ZScore: -4.5, Risk: RiskCritical},
		{Dimensions: map[string]string{"state": "S1"}, ZScore: 3.0, Risk: RiskMedium},
	}

	unique := DeduplicateOutliers(dupes)
	if len(unique) != 2 {
		t.Fatalf("unique = %d, want 2", len(unique))
	}

	var kept OutlierCluster
	for _, o := range unique {
		if o.Dimensions["state"] == "SX" {
			kept = o
		}
	}
	if kept.ZScore != -4.5 {
		t.Errorf("kept ZScore = %v, want -4.5 (larger magnitude wins)", kept.ZScore)
	}

	// Idempotence.
	if again := DeduplicateOutliers(unique); len(again) != len(unique) {
		t.Errorf("second pass = %d, want %d", len(again), len(unique))
	}
}

func TestCombinations(t *testing.T) {
	got := combinations([]string{"a", "b", "c"}, 2)
	want := [][]string{{"a", "b"}, {"a", "c"}, {"b", "c"}}
	if len(got) != len(want) {
		t.Fatalf("combinations = %v, want %v", got, want)
	}
	for i := range want {
		if got[i][0] != want[i][0] || got[i][1] != want[i][1] {
			t.Errorf("combinations[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestDrillDown(t *testing.T) {
	ds := sliceFixture(t)
	engine := NewDimensionalSlicingEngine(DefaultThresholds())

	rows, err := engine.DrillDown(ds, "enrollment_count", map[string]string{"age_group": "adult"}, "state")
	if err != nil {
		t.Fatalf("DrillDown() error = %v", err)
	}
	if len(rows) != 19 {
		t.Errorf("DrillDown rows = %d, want 19 states", len(rows))
	}
	for _, row := range rows {
		if row.Value == "SX" {
			t.Errorf("drill-down leaked a group outside the fixed slice: %+v", row)
		}
	}
}
