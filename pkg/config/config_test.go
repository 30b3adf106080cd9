package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/datapulse/datapulse/pkg/engine"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "datapulse.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if cfg.Analysis.Thresholds != engine.DefaultThresholds() {
		t.Error("defaults should carry the standard thresholds")
	}
	if !cfg.Narrative.Fallback {
		t.Error("the deterministic fallback defaults to on")
	}
	if !cfg.Policy.Enabled {
		t.Error("disclosure policy defaults to on")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	t.Setenv("TEST_OPENAI_KEY", "sk-from-env")

	path := writeConfig(t, `
service:
  name: pulse-prod
  environment: production
store:
  path: /var/lib/datapulse/runs.db
analysis:
  method: spearman
  target: rejection_rate
  thresholds:
    correlation_threshold: 0.8
    significance_alpha: 0.01
    volatility_erratic: 1.0
    volatility_high: 0.5
    volatility_moderate: 0.15
    anomaly_z_score: 2.5
    min_sample_size: 10
    max_dimensions: 4
    max_metric_columns: 6
  hints:
    metric: enrollment_count
    dimensions: [state, age_group]
narrative:
  enabled: true
  api_key: ${TEST_OPENAI_KEY}
  epsilon: 0.5
telemetry:
  log_level: debug
  log_format: json
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Service.Name != "pulse-prod" || cfg.Service.Environment != "production" {
		t.Errorf("service = %+v", cfg.Service)
	}
	if cfg.Analysis.Method != "spearman" || cfg.Analysis.Target != "rejection_rate" {
		t.Errorf("analysis = %+v", cfg.Analysis)
	}
	if cfg.Analysis.Thresholds.CorrelationThreshold != 0.8 {
		t.Errorf("CorrelationThreshold = %v", cfg.Analysis.Thresholds.CorrelationThreshold)
	}
	if cfg.Narrative.APIKey != "sk-from-env" {
		t.Errorf("APIKey = %q, want the env var expanded", cfg.Narrative.APIKey)
	}
	// Untouched sections keep their defaults.
	if cfg.Policy.MinDisclosureSize != 5 {
		t.Errorf("MinDisclosureSize = %d, want the default", cfg.Policy.MinDisclosureSize)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	for name, content := range map[string]string{
		"bad environment": "service:\n  name: x\n  environment: lab\n",
		"bad log level":   "telemetry:\n  log_level: loud\n",
		"bad method":      "analysis:\n  method: kendall\n",
		"unknown key":     "serivce:\n  name: x\n",
	} {
		path := writeConfig(t, content)
		if _, err := Load(path); err == nil {
			t.Errorf("%s: Load() should fail", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Load() on a missing file should fail")
	}
}

func TestEngineConfigConversion(t *testing.T) {
	cfg := Default()
	cfg.Analysis.Method = "spearman"
	cfg.Analysis.UseIsolationForest = true

	ec := cfg.EngineConfig()
	if ec.Method != engine.MethodSpearman || !ec.UseIsolationForest {
		t.Errorf("EngineConfig() = %+v", ec)
	}
}

func TestStoreConfigDisabledWithoutPath(t *testing.T) {
	cfg := Default()
	if _, ok := cfg.StoreConfig(); ok {
		t.Error("empty path should disable the store")
	}

	cfg.Store.Path = "runs.db"
	sc, ok := cfg.StoreConfig()
	if !ok || sc.Path != "runs.db" || sc.MaxOpenConns != 25 {
		t.Errorf("StoreConfig() = %+v ok=%v", sc, ok)
	}
}

func TestTelemetrySettings(t *testing.T) {
	cfg := Default()
	cfg.Service.Name = "pulse"
	cfg.Telemetry.LogFormat = "json"
	cfg.Telemetry.TracingExporter = ""

	tc := cfg.TelemetrySettings()
	if tc.ServiceName != "pulse" {
		t.Errorf("ServiceName = %q", tc.ServiceName)
	}
	if tc.Logging.Format != "json" {
		t.Errorf("Format = %q", tc.Logging.Format)
	}
	if tc.Tracing.Exporter == "" {
		t.Error("an empty exporter override should keep the base exporter")
	}
}
