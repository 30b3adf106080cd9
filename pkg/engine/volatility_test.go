package engine

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/datapulse/datapulse/pkg/dataset"
)

// regionalFixture builds one metric column and a matching state column from
// per-region value slices, preserving region order.
func regionalFixture(t *testing.T, regions map[string][]float64, order []string) *dataset.Dataset {
	t.Helper()
	var values []float64
	var states []string
	for _, region := range order {
		for _, v := range regions[region] {
			values = append(values, v)
			states = append(states, region)
		}
	}
	return mustDataset(t, []dataset.Column{
		dataset.NumericCol("enrollment_count", values, nil),
		dataset.CategoricalCol("state", states),
	})
}

func TestVolatilityTiers(t *testing.T) {
	ds := regionalFixture(t, map[string][]float64{
		"Steady": {100, 100, 100, 100},
		"Wild":   {10, 100, 10, 100, 10},
	}, []string{"Steady", "Wild"})

	engine := NewVolatilityEngine(DefaultThresholds())
	out, err := engine.Analyze(ds, "enrollment_count", "state", "")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(out.RegionalScores) != 2 {
		t.Fatalf("RegionalScores = %d, want 2", len(out.RegionalScores))
	}

	// Most dispersed region sorts first.
	if out.RegionalScores[0].Region != "Wild" {
		t.Errorf("first region = %q, want Wild", out.RegionalScores[0].Region)
	}
	if out.RegionalScores[0].Level != VolatilityErratic {
		t.Errorf("Wild level = %q, want erratic", out.RegionalScores[0].Level)
	}

	steady := out.RegionalScores[1]
	if steady.Region != "Steady" || steady.CV != 0.0 || steady.Level != VolatilityStable {
		t.Errorf("Steady score = %+v, want CV 0.0 stable", steady)
	}

	if len(out.StableRegions) != 1 || out.StableRegions[0] != "Steady" {
		t.Errorf("StableRegions = %v, want [Steady]", out.StableRegions)
	}
	if len(out.HighVolatilityRegions) != 1 || out.HighVolatilityRegions[0] != "Wild" {
		t.Errorf("HighVolatilityRegions = %v, want [Wild]", out.HighVolatilityRegions)
	}
}

func TestVolatilityUndefinedCV(t *testing.T) {
	// Zero mean with nonzero spread leaves the coefficient undefined; the
	// region sorts as infinitely volatile and marshals the sentinel.
	ds := regionalFixture(t, map[string][]float64{
		"Balanced": {-50, 0, 50},
		"Wild":     {10, 100, 10, 100, 10},
	}, []string{"Balanced", "Wild"})

	engine := NewVolatilityEngine(DefaultThresholds())
	out, err := engine.Analyze(ds, "enrollment_count", "state", "")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	first := out.RegionalScores[0]
	if first.Region != "Balanced" {
		t.Fatalf("first region = %q, want Balanced (undefined CV sorts first)", first.Region)
	}
	if first.CVDefined {
		t.Error("CVDefined = true, want false for zero mean with spread")
	}
	if first.Level != VolatilityErratic {
		t.Errorf("Level = %q, want erratic", first.Level)
	}

	raw, err := json.Marshal(first)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if !strings.Contains(string(raw), "999.99") {
		t.Errorf("marshaled score %s missing CV sentinel", raw)
	}
}

func TestVolatilityMinObservations(t *testing.T) {
	ds := regionalFixture(t, map[string][]float64{
		"Full": {10, 20, 30},
		"Thin": {5, 500},
	}, []string{"Full", "Thin"})

	engine := NewVolatilityEngine(DefaultThresholds())
	out, err := engine.Analyze(ds, "enrollment_count", "state", "")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	if len(out.RegionalScores) != 1 || out.RegionalScores[0].Region != "Full" {
		t.Errorf("RegionalScores = %+v, want only Full", out.RegionalScores)
	}
}

func TestVolatilityMissingColumns(t *testing.T) {
	ds := regionalFixture(t, map[string][]float64{
		"Full": {10, 20, 30},
	}, []string{"Full"})
	engine := NewVolatilityEngine(DefaultThresholds())

	if _, err := engine.Analyze(ds, "absent", "state", ""); err == nil || !IsValidation(err) {
		t.Errorf("missing metric error = %v, want validation", err)
	}
	if _, err := engine.Analyze(ds, "enrollment_count", "absent", ""); err == nil || !IsValidation(err) {
		t.Errorf("missing region error = %v, want validation", err)
	}
}

func TestVolatilityLevelBuckets(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		cv      float64
		defined bool
		want    VolatilityLevel
	}{
		{0.0, true, VolatilityStable},
		{0.15, true, VolatilityStable},
		{0.2, true, VolatilityModerate},
		{0.6, true, VolatilityHigh},
		{1.5, true, VolatilityErratic},
		{0.0, false, VolatilityErratic},
	}
	for _, tt := range tests {
		if got := th.volatilityLevel(tt.cv, tt.defined); got != tt.want {
			t.Errorf("volatilityLevel(%v, %v) = %q, want %q", tt.cv, tt.defined, got, tt.want)
		}
	}
}

// monthlyFixture lays out one observation per month over the given number of
// years, with the metric produced by value(year, month).
func monthlyFixture(t *testing.T, years int, value func(year, month int) float64) *dataset.Dataset {
	t.Helper()
	var values []float64
	var states []string
	var dates []time.Time
	for y := 0; y < years; y++ {
		for m := 1; m <= 12; m++ {
			values = append(values, value(y, m))
			states = append(states, "Kerala")
			dates = append(dates, time.Date(2020+y, time.Month(m), 15, 0, 0, 0, 0, time.UTC))
		}
	}
	return mustDataset(t, []dataset.Column{
		dataset.NumericCol("enrollment_count", values, nil),
		dataset.CategoricalCol("state", states),
		dataset.DateCol("month", dates),
	})
}

func TestSeasonalityDetected(t *testing.T) {
	// Three years of a strong yearly cycle.
	ds := monthlyFixture(t, 3, func(year, month int) float64 {
		return 100 + 50*float64(month%12)
	})

	engine := NewVolatilityEngine(DefaultThresholds())
	out, err := engine.Analyze(ds, "enrollment_count", "state", "month")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if !out.SeasonalityDetected {
		t.Error("SeasonalityDetected = false, want true for repeating yearly cycle")
	}
	if out.TemporalPatterns == nil {
		t.Error("TemporalPatterns = nil, want monthly and quarterly trends")
	}
}

func TestSeasonalityNeedsTwoYears(t *testing.T) {
	ds := monthlyFixture(t, 1, func(year, month int) float64 {
		return 100 + 50*float64(month%12)
	})

	engine := NewVolatilityEngine(DefaultThresholds())
	out, err := engine.Analyze(ds, "enrollment_count", "state", "month")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if out.SeasonalityDetected {
		t.Error("SeasonalityDetected = true, want false with under 24 monthly points")
	}
}

func TestTemporalEnrichment(t *testing.T) {
	// March is the single peak, September the single trough.
	ds := monthlyFixture(t, 2, func(year, month int) float64 {
		switch month {
		case 3:
			return 500
		case 9:
			return 10
		}
		return 100
	})

	engine := NewVolatilityEngine(DefaultThresholds())
	out, err := engine.Analyze(ds, "enrollment_count", "state", "month")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}
	if len(out.RegionalScores) != 1 {
		t.Fatalf("RegionalScores = %d, want 1", len(out.RegionalScores))
	}

	score := out.RegionalScores[0]
	if score.TemporalPattern != "Peak: March, Trough: September" {
		t.Errorf("TemporalPattern = %q, want Peak: March, Trough: September", score.TemporalPattern)
	}
	for _, factor := range score.SeasonalFactors {
		if factor == "monsoon_spike" || factor == "year_end_surge" {
			t.Errorf("SeasonalFactors = %v, unexpected tag %q", score.SeasonalFactors, factor)
		}
	}
}

func TestSeasonalFactors(t *testing.T) {
	tests := []struct {
		name  string
		means map[int]float64
		want  []string
	}{
		{
			name: "monsoon spike",
			means: map[int]float64{
				1: 100, 2: 100, 3: 100, 4: 100, 5: 100,
				6: 200, 7: 200, 8: 200, 9: 200,
				10: 100, 11: 100, 12: 100,
			},
			want: []string{"monsoon_spike"},
		},
		{
			name: "monsoon dip",
			means: map[int]float64{
				1: 100, 2: 100, 3: 100, 4: 100, 5: 100,
				6: 50, 7: 50, 8: 50, 9: 50,
				10: 100, 11: 100, 12: 100,
			},
			want: []string{"monsoon_dip"},
		},
		{
			// Year-end months count toward the non-monsoon baseline, so
			// the surge must stay moderate or a monsoon dip fires too.
			name: "year end surge",
			means: map[int]float64{
				1: 100, 2: 100, 3: 100, 4: 100, 5: 100,
				6: 100, 7: 100, 8: 100, 9: 100,
				10: 150, 11: 150, 12: 150,
			},
			want: []string{"year_end_surge"},
		},
		{
			name: "flat",
			means: map[int]float64{
				1: 100, 2: 100, 6: 100, 7: 100, 11: 100,
			},
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := seasonalFactors(tt.means)
			if len(got) != len(tt.want) {
				t.Fatalf("seasonalFactors() = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Errorf("seasonalFactors()[%d] = %q, want %q", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestCompareRegionsQuery(t *testing.T) {
	ds := regionalFixture(t, map[string][]float64{
		"Steady": {100, 100, 100, 100},
		"Wild":   {10, 100, 10, 100, 10},
	}, []string{"Steady", "Wild"})
	engine := NewVolatilityEngine(DefaultThresholds())
	out, err := engine.Analyze(ds, "enrollment_count", "state", "")
	if err != nil {
		t.Fatalf("Analyze() error = %v", err)
	}

	got := CompareRegions(out, []string{"Wild", "Missing"})
	if len(got) != 1 || got[0].Region != "Wild" {
		t.Errorf("CompareRegions = %+v, want only Wild", got)
	}

	if _, ok := RegionDetails(out, "Steady"); !ok {
		t.Error("RegionDetails should find Steady")
	}
	if _, ok := RegionDetails(out, "Missing"); ok {
		t.Error("RegionDetails should miss unknown regions")
	}
}
