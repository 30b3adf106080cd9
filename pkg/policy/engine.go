package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/datapulse/datapulse/pkg/engine"
)

// DefaultMinDisclosureSize is the smallest group size a published finding
// may aggregate when the caller does not configure one.
const DefaultMinDisclosureSize = 5

// Config parameterizes the disclosure engine.
type Config struct {
	// MinDisclosureSize is the smallest group a published finding may
	// aggregate. Defaults to DefaultMinDisclosureSize.
	MinDisclosureSize int

	// Environment is passed to policies as input.context.environment.
	Environment string
}

// Engine evaluates Rego disclosure policies against statistical abstracts
// and redacts findings the policies flag.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	config   Config
}

// compiledPolicy holds a policy with its prepared query.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	prepared rego.PreparedEvalQuery
}

// NewEngine creates a disclosure engine with the built-in policies loaded.
func NewEngine(cfg Config, logger zerolog.Logger) (*Engine, error) {
	if cfg.MinDisclosureSize <= 0 {
		cfg.MinDisclosureSize = DefaultMinDisclosureSize
	}

	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
		config:   cfg,
	}

	for _, p := range GetBuiltinPolicies() {
		if err := e.AddPolicy(p); err != nil {
			return nil, fmt.Errorf("failed to load builtin policy %s: %w", p.Name, err)
		}
	}

	return e, nil
}

// AddPolicy compiles and registers a policy. An existing policy with the
// same name is replaced.
func (e *Engine) AddPolicy(policy Policy) error {
	compiled, err := e.compile(&policy)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.policies[policy.Name] = compiled
	e.mu.Unlock()

	e.logger.Debug().
		Str("policy", policy.Name).
		Str("severity", string(policy.Severity)).
		Bool("enabled", policy.Enabled).
		Msg("policy registered")
	return nil
}

// LoadPolicies loads policies from the given file or directory paths.
func (e *Engine) LoadPolicies(loader *Loader, paths ...string) error {
	policies, err := loader.LoadFromPaths(paths...)
	if err != nil {
		return err
	}
	for _, p := range policies {
		if err := e.AddPolicy(p); err != nil {
			return fmt.Errorf("failed to add policy %s: %w", p.Name, err)
		}
	}
	return nil
}

// GetPolicy returns a registered policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, false
	}
	return cp.policy, true
}

// ListPolicies returns all registered policies sorted by name.
func (e *Engine) ListPolicies() []*Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetEnabled toggles a policy without recompiling it.
func (e *Engine) SetEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	cp, ok := e.policies[name]
	if !ok {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = enabled
	cp.policy.UpdatedAt = time.Now()
	return nil
}

// Evaluate runs every enabled policy against the abstract and returns the
// disclosure decision. Findings flagged at error severity or above are
// removed from the redacted copy; the decision blocks publication only when
// a critical violation cannot be resolved by redaction.
func (e *Engine) Evaluate(ctx context.Context, abstract *engine.StatisticalAbstract) (*Decision, error) {
	if abstract == nil {
		return nil, fmt.Errorf("abstract is required")
	}
	start := time.Now()

	input := policyInput{
		Abstract: abstract,
		Context: EvalContext{
			MinDisclosureSize: e.config.MinDisclosureSize,
			Environment:       e.config.Environment,
			Timestamp:         start,
		},
	}

	decision := &Decision{
		Allowed:     true,
		EvaluatedAt: start,
	}

	e.mu.RLock()
	compiled := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			compiled = append(compiled, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(compiled, func(i, j int) bool { return compiled[i].policy.Name < compiled[j].policy.Name })

	for _, cp := range compiled {
		decision.EvaluatedPolicies = append(decision.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", cp.policy.Name).Msg("policy evaluation failed")
			decision.Warnings = append(decision.Warnings,
				fmt.Sprintf("policy %s failed to evaluate: %v", cp.policy.Name, err))
			continue
		}
		decision.Violations = append(decision.Violations, violations...)
	}

	redacted, suppressed := redactAbstract(abstract, decision.Violations)
	decision.Redacted = redacted
	decision.SuppressedFindings = suppressed

	for _, v := range decision.Violations {
		if v.Severity == SeverityCritical && !redactable(v) {
			decision.Allowed = false
		}
	}

	decision.Duration = time.Since(start)
	e.logger.Info().
		Int("policies", len(decision.EvaluatedPolicies)).
		Int("violations", len(decision.Violations)).
		Int("suppressed", suppressed).
		Bool("allowed", decision.Allowed).
		Dur("duration", decision.Duration).
		Msg("disclosure evaluation complete")
	return decision, nil
}

// evaluatePolicy runs one prepared query and converts its results.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input policyInput) ([]Violation, error) {
	results, err := cp.prepared.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		for _, expr := range result.Expressions {
			items, ok := expr.Value.([]interface{})
			if !ok {
				continue
			}
			for _, item := range items {
				violations = append(violations, createViolation(cp.policy, item))
			}
		}
	}
	return violations, nil
}

// createViolation converts a Rego deny result into a Violation. Results may
// be plain strings or objects carrying message, severity, kind and key.
func createViolation(policy *Policy, result interface{}) Violation {
	v := Violation{
		Policy:     policy.Name,
		Severity:   policy.Severity,
		DetectedAt: time.Now(),
	}

	switch r := result.(type) {
	case string:
		v.Message = r
	case map[string]interface{}:
		if msg, ok := r["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := r["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		if kind, ok := r["kind"].(string); ok {
			v.Kind = kind
		}
		if key, ok := r["key"].(string); ok {
			v.Key = key
		}
	default:
		v.Message = fmt.Sprintf("%v", result)
	}

	if v.Message == "" {
		v.Message = fmt.Sprintf("policy %s violated", policy.Name)
	}
	return v
}

// compile parses the policy module and prepares its deny query.
func (e *Engine) compile(policy *Policy) (*compiledPolicy, error) {
	module, err := ast.ParseModule(policy.Name+".rego", policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy %s: %w", policy.Name, err)
	}

	query := fmt.Sprintf("data.%s.deny", extractPackageName(policy.Rego))
	prepared, err := rego.New(
		rego.Query(query),
		rego.Module(policy.Name+".rego", policy.Rego),
		rego.Store(e.store),
	).PrepareForEval(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare policy %s: %w", policy.Name, err)
	}

	return &compiledPolicy{policy: policy, module: module, prepared: prepared}, nil
}

// extractPackageName pulls the package path from Rego source, falling back
// to the default policies namespace.
func extractPackageName(regoSrc string) string {
	for _, line := range strings.Split(regoSrc, "\n") {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, "package ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "package "))
		}
	}
	return "datapulse.policies"
}

// redactable reports whether removing the flagged finding resolves the
// violation. Violations naming a concrete finding can be redacted; abstract
// level violations cannot.
func redactable(v Violation) bool {
	switch v.Kind {
	case "outlier_cluster", "regional_score", "anomaly":
		return v.Key != ""
	}
	return false
}

// redactAbstract returns a copy of the abstract with every finding named by
// an error-or-worse violation removed, plus the number of removed findings.
func redactAbstract(abstract *engine.StatisticalAbstract, violations []Violation) (*engine.StatisticalAbstract, int) {
	suppressClusters := make(map[string]bool)
	suppressRegions := make(map[string]bool)
	suppressAnomalies := make(map[string]bool)
	for _, v := range violations {
		if v.Severity != SeverityError && v.Severity != SeverityCritical {
			continue
		}
		switch v.Kind {
		case "outlier_cluster":
			suppressClusters[v.Key] = true
		case "regional_score":
			suppressRegions[v.Key] = true
		case "anomaly":
			suppressAnomalies[v.Key] = true
		}
	}

	out := *abstract
	suppressed := 0

	if len(suppressClusters) > 0 {
		out.Dimensional.OutlierClusters, suppressed = filterClusters(
			abstract.Dimensional.OutlierClusters, suppressClusters, suppressed)
		// TopAnomalies repeats entries from OutlierClusters, so removals
		// there are not counted a second time.
		top, _ := filterClusters(abstract.Dimensional.TopAnomalies, suppressClusters, 0)
		out.Dimensional.TopAnomalies = top

		rows := make([]engine.AggregationRow, 0, len(abstract.Dimensional.Aggregations))
		for _, row := range abstract.Dimensional.Aggregations {
			if !suppressClusters[ClusterKey(row.Dimensions)] {
				rows = append(rows, row)
			}
		}
		out.Dimensional.Aggregations = rows
	}

	if len(suppressRegions) > 0 {
		scores := make([]engine.RegionalVolatility, 0, len(abstract.Volatility.RegionalScores))
		for _, score := range abstract.Volatility.RegionalScores {
			if suppressRegions[score.Region] {
				suppressed++
				continue
			}
			scores = append(scores, score)
		}
		out.Volatility.RegionalScores = scores
		out.Volatility.HighVolatilityRegions = filterNames(abstract.Volatility.HighVolatilityRegions, suppressRegions)
		out.Volatility.StableRegions = filterNames(abstract.Volatility.StableRegions, suppressRegions)
	}

	if len(suppressAnomalies) > 0 {
		anomalies := make([]engine.Anomaly, 0, len(abstract.Anomalies.Anomalies))
		for _, a := range abstract.Anomalies.Anomalies {
			if suppressAnomalies[a.ID] {
				suppressed++
				continue
			}
			anomalies = append(anomalies, a)
		}
		out.Anomalies.Anomalies = anomalies
		out.Anomalies.TotalAnomalies = len(anomalies)
	}

	return &out, suppressed
}

func filterClusters(clusters []engine.OutlierCluster, suppress map[string]bool, suppressed int) ([]engine.OutlierCluster, int) {
	out := make([]engine.OutlierCluster, 0, len(clusters))
	for _, c := range clusters {
		if suppress[ClusterKey(c.Dimensions)] {
			suppressed++
			continue
		}
		out = append(out, c)
	}
	return out, suppressed
}

func filterNames(names []string, suppress map[string]bool) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if !suppress[name] {
			out = append(out, name)
		}
	}
	return out
}

// ClusterKey canonicalizes a dimension assignment so Go and Rego agree on
// which finding a violation names. Pairs are sorted by key and joined with
// commas, e.g. "age_group=young,state=Bihar".
func ClusterKey(dimensions map[string]string) string {
	pairs := make([]string, 0, len(dimensions))
	for k, v := range dimensions {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, ",")
}
