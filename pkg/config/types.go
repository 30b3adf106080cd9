package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/datapulse/datapulse/pkg/engine"
	"github.com/datapulse/datapulse/pkg/narrative"
	"github.com/datapulse/datapulse/pkg/stores"
	"github.com/datapulse/datapulse/pkg/telemetry"
)

// Config is the application configuration, loaded from YAML and optionally
// refined by CUE analysis profiles.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Store     StoreConfig     `yaml:"store"`
	Analysis  AnalysisConfig  `yaml:"analysis"`
	Narrative NarrativeConfig `yaml:"narrative"`
	Policy    PolicyConfig    `yaml:"policy"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServiceConfig identifies the deployment.
type ServiceConfig struct {
	Name        string `yaml:"name" validate:"required"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment" validate:"oneof=development staging production"`
}

// StoreConfig configures run persistence. An empty path disables the store;
// runs then live only in memory for the duration of the process.
type StoreConfig struct {
	Path            string        `yaml:"path"`
	MaxOpenConns    int           `yaml:"max_open_conns" validate:"gte=0"`
	MaxIdleConns    int           `yaml:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RoleHints pre-assigns column roles, bypassing detection for the named
// roles.
type RoleHints struct {
	Metric     string   `yaml:"metric" json:"metric,omitempty"`
	Region     string   `yaml:"region" json:"region,omitempty"`
	Time       string   `yaml:"time" json:"time,omitempty"`
	Dimensions []string `yaml:"dimensions" json:"dimensions,omitempty"`
}

// DerivedColumn names a computed column and its Starlark expression.
type DerivedColumn struct {
	Name       string `yaml:"name" json:"name" validate:"required"`
	Expression string `yaml:"expression" json:"expression" validate:"required"`
}

// AnalysisConfig parameterizes the analytical engines.
type AnalysisConfig struct {
	Thresholds engine.Thresholds `yaml:"thresholds"`

	// Method selects the correlation coefficient. Empty means pearson.
	Method string `yaml:"method" validate:"omitempty,oneof=pearson spearman"`

	// Target restricts correlation findings to pairs touching this column.
	Target string `yaml:"target"`

	UseIsolationForest bool `yaml:"use_isolation_forest"`

	Hints RoleHints `yaml:"hints"`

	// DerivedColumns are computed before analysis, in order.
	DerivedColumns []DerivedColumn `yaml:"derived_columns" validate:"dive"`

	// ProfilePaths are CUE profile files or directories applied over this
	// section after the YAML loads.
	ProfilePaths []string `yaml:"profile_paths"`
}

// NarrativeConfig configures the report narrator.
type NarrativeConfig struct {
	Enabled bool `yaml:"enabled"`

	// APIKey may reference an environment variable, e.g. ${OPENAI_API_KEY}.
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`
	MaxTokens   int     `yaml:"max_tokens" validate:"gte=0"`
	Epsilon     float64 `yaml:"epsilon" validate:"gte=0"`

	// Fallback enables the deterministic narrator behind the LLM.
	Fallback bool `yaml:"fallback"`
}

// PolicyConfig configures disclosure enforcement.
type PolicyConfig struct {
	Enabled           bool     `yaml:"enabled"`
	Paths             []string `yaml:"paths"`
	MinDisclosureSize int      `yaml:"min_disclosure_size" validate:"gte=0"`
	Watch             bool     `yaml:"watch"`
}

// TelemetryConfig is the flat telemetry section of the YAML file. It maps
// onto the richer telemetry.Config at startup.
type TelemetryConfig struct {
	LogLevel        string  `yaml:"log_level" validate:"oneof=trace debug info warn error fatal"`
	LogFormat       string  `yaml:"log_format" validate:"oneof=console json"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	MetricsListen   string  `yaml:"metrics_listen"`
	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:        "datapulse",
			Version:     "dev",
			Environment: "development",
		},
		Store: StoreConfig{
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Analysis: AnalysisConfig{
			Thresholds: engine.DefaultThresholds(),
			Method:     string(engine.MethodPearson),
		},
		Narrative: NarrativeConfig{
			Enabled:     false,
			Temperature: 0.7,
			MaxTokens:   4000,
			Epsilon:     1.0,
			Fallback:    true,
		},
		Policy: PolicyConfig{
			Enabled:           true,
			MinDisclosureSize: 5,
		},
		Telemetry: TelemetryConfig{
			LogLevel:        "info",
			LogFormat:       "console",
			MetricsEnabled:  false,
			MetricsListen:   ":9090",
			TracingEnabled:  false,
			TracingExporter: "stdout",
			SamplingRate:    1.0,
		},
	}
}

// Load reads a YAML configuration file over the defaults and validates the
// result. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	cfg.Narrative.APIKey = os.ExpandEnv(cfg.Narrative.APIKey)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks field constraints via struct tags.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	return nil
}

// EngineConfig converts the analysis section for the orchestrator.
func (c *Config) EngineConfig() engine.OrchestratorConfig {
	return engine.OrchestratorConfig{
		Thresholds:         c.Analysis.Thresholds,
		Method:             engine.CorrelationMethod(c.Analysis.Method),
		UseIsolationForest: c.Analysis.UseIsolationForest,
	}
}

// RoleHints converts the hints section for the orchestrator.
func (c *Config) RoleHints() engine.ColumnRoles {
	return engine.ColumnRoles{
		Metric:     c.Analysis.Hints.Metric,
		Region:     c.Analysis.Hints.Region,
		Time:       c.Analysis.Hints.Time,
		Dimensions: c.Analysis.Hints.Dimensions,
	}
}

// StoreConfig converts the store section. Returns false when persistence is
// disabled.
func (c *Config) StoreConfig() (stores.Config, bool) {
	if c.Store.Path == "" {
		return stores.Config{}, false
	}
	return stores.Config{
		Path:            c.Store.Path,
		MaxOpenConns:    c.Store.MaxOpenConns,
		MaxIdleConns:    c.Store.MaxIdleConns,
		ConnMaxLifetime: c.Store.ConnMaxLifetime,
	}, true
}

// NarratorConfig converts the narrative section for the OpenAI narrator.
func (c *Config) NarratorConfig() narrative.OpenAIConfig {
	return narrative.OpenAIConfig{
		APIKey:      c.Narrative.APIKey,
		BaseURL:     c.Narrative.BaseURL,
		Model:       c.Narrative.Model,
		Temperature: c.Narrative.Temperature,
		MaxTokens:   c.Narrative.MaxTokens,
		Epsilon:     c.Narrative.Epsilon,
	}
}

// TelemetrySettings expands the flat telemetry section into the full
// telemetry configuration.
func (c *Config) TelemetrySettings() *telemetry.Config {
	var base *telemetry.Config
	if c.Service.Environment == "production" {
		base = telemetry.ProductionConfig()
	} else {
		base = telemetry.DevelopmentConfig()
	}

	base.ServiceName = c.Service.Name
	base.ServiceVersion = c.Service.Version
	base.Environment = c.Service.Environment
	base.Logging.Level = c.Telemetry.LogLevel
	base.Logging.Format = c.Telemetry.LogFormat
	base.Metrics.Enabled = c.Telemetry.MetricsEnabled
	base.Metrics.ListenAddress = c.Telemetry.MetricsListen
	base.Tracing.Enabled = c.Telemetry.TracingEnabled
	if c.Telemetry.TracingExporter != "" {
		base.Tracing.Exporter = c.Telemetry.TracingExporter
	}
	base.Tracing.Endpoint = c.Telemetry.TracingEndpoint
	base.Tracing.SamplingRate = c.Telemetry.SamplingRate
	return base
}
