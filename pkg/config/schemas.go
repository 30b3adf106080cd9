package config

import (
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// SchemaRegistry manages the CUE schemas that profile documents must
// satisfy.
type SchemaRegistry struct {
	ctx     *cue.Context
	schemas map[string]cue.Value
	mu      sync.RWMutex
}

// NewSchemaRegistry creates a registry with the built-in schemas loaded.
func NewSchemaRegistry() *SchemaRegistry {
	sr := &SchemaRegistry{
		ctx:     cuecontext.New(),
		schemas: make(map[string]cue.Value),
	}
	sr.registerBuiltInSchemas()
	return sr
}

func (sr *SchemaRegistry) registerBuiltInSchemas() {
	_ = sr.RegisterSchema("thresholds", builtinThresholdsSchema)
	_ = sr.RegisterSchema("hints", builtinHintsSchema)
	_ = sr.RegisterSchema("derived_column", builtinDerivedColumnSchema)
	_ = sr.RegisterSchema("profile", builtinProfileSchema)
}

// RegisterSchema compiles and stores a schema under the given name. The
// schema source must define a single definition whose name is the
// capitalized schema name, e.g. #Profile for "profile".
func (sr *SchemaRegistry) RegisterSchema(name, schema string) error {
	sr.mu.Lock()
	defer sr.mu.Unlock()

	val := sr.ctx.CompileString(schema)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to compile schema %s: %w", name, err)
	}

	sr.schemas[name] = val
	return nil
}

// GetSchema retrieves a compiled schema by name.
func (sr *SchemaRegistry) GetSchema(name string) (cue.Value, bool) {
	sr.mu.RLock()
	defer sr.mu.RUnlock()
	val, ok := sr.schemas[name]
	return val, ok
}

// ListSchemas returns all registered schema names.
func (sr *SchemaRegistry) ListSchemas() []string {
	sr.mu.RLock()
	defer sr.mu.RUnlock()

	names := make([]string, 0, len(sr.schemas))
	for name := range sr.schemas {
		names = append(names, name)
	}
	return names
}

// ValidateData validates a Go value against a named schema.
func (sr *SchemaRegistry) ValidateData(name string, data interface{}) error {
	val := sr.ctx.Encode(data)
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to encode data: %w", err)
	}
	return sr.ValidateValue(name, val)
}

// ValidateValue validates a CUE value against a named schema.
func (sr *SchemaRegistry) ValidateValue(name string, val cue.Value) error {
	schema, ok := sr.GetSchema(name)
	if !ok {
		return fmt.Errorf("schema %s not found", name)
	}

	def := schema.LookupPath(cue.ParsePath("#" + definitionName(name)))
	if !def.Exists() {
		return fmt.Errorf("schema %s has no definition", name)
	}

	unified := def.Unify(val)
	if err := unified.Validate(); err != nil {
		return fmt.Errorf("schema %s: %w", name, err)
	}
	return nil
}

// definitionName maps a registry key to its CUE definition name.
func definitionName(name string) string {
	switch name {
	case "thresholds":
		return "Thresholds"
	case "hints":
		return "Hints"
	case "derived_column":
		return "DerivedColumn"
	case "profile":
		return "Profile"
	}
	return name
}

const builtinThresholdsSchema = `
#Thresholds: {
	// Minimum |coefficient| for a strong correlation finding.
	correlation_threshold: number & >0 & <=1

	// p-value cutoff for significance.
	significance_alpha: number & >0 & <1

	// CV cutoffs for the volatility tiers, strictly ordered.
	volatility_erratic:  number & >0
	volatility_high:     number & >0
	volatility_moderate: number & >0

	// |z| cutoff for flagging an observation or group.
	anomaly_z_score: number & >0

	// Smallest group a dimensional slice may report.
	min_sample_size: int & >=1

	// Combinatorial dimension search width.
	max_dimensions: int & >=2 & <=5

	// Cap on metric columns scanned by the anomaly engine.
	max_metric_columns: int & >=1
}
`

const builtinHintsSchema = `
#Hints: {
	metric?:     string
	region?:     string
	time?:       string
	dimensions?: [...string]
}
`

const builtinDerivedColumnSchema = `
#DerivedColumn: {
	// Column name added to the dataset.
	name: string & =~"^[a-zA-Z_][a-zA-Z0-9_]*$"

	// Starlark expression evaluated per row.
	expression: string & !=""
}
`

const builtinProfileSchema = `
#Thresholds: {
	correlation_threshold: number & >0 & <=1
	significance_alpha:    number & >0 & <1
	volatility_erratic:    number & >0
	volatility_high:       number & >0
	volatility_moderate:   number & >0
	anomaly_z_score:       number & >0
	min_sample_size:       int & >=1
	max_dimensions:        int & >=2 & <=5
	max_metric_columns:    int & >=1
}

#Profile: {
	thresholds?: #Thresholds

	method?: "pearson" | "spearman"

	target?: string

	use_isolation_forest?: bool

	hints?: {
		metric?:     string
		region?:     string
		time?:       string
		dimensions?: [...string]
	}

	derived?: [...{
		name:       string & =~"^[a-zA-Z_][a-zA-Z0-9_]*$"
		expression: string & !=""
	}]
}
`

// ValidateThresholds validates threshold values against the schema.
func (sr *SchemaRegistry) ValidateThresholds(data interface{}) error {
	return sr.ValidateData("thresholds", data)
}

// ValidateProfile validates a full profile document against the schema.
func (sr *SchemaRegistry) ValidateProfile(data interface{}) error {
	return sr.ValidateData("profile", data)
}
