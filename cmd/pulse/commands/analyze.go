package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/datapulse/datapulse/pkg/config"
	"github.com/datapulse/datapulse/pkg/dataset"
	"github.com/datapulse/datapulse/pkg/engine"
	"github.com/datapulse/datapulse/pkg/narrative"
	"github.com/datapulse/datapulse/pkg/policy"
	"github.com/datapulse/datapulse/pkg/stores"
	"github.com/datapulse/datapulse/pkg/telemetry"
)

type analyzeOptions struct {
	metric     string
	region     string
	timeCol    string
	target     string
	method     string
	dimensions []string
	profiles   []string
	forest     bool
	narrate    bool
	noPolicy   bool
	outFile    string
	storePath  string
}

func newAnalyzeCommand() *cobra.Command {
	var opts analyzeOptions

	cmd := &cobra.Command{
		Use:   "analyze <dataset.csv>",
		Short: "Run the full statistical analysis on a dataset",
		Long: `Run all four analytical engines against a CSV dataset.

Column roles are detected automatically from names and cardinality; any
role can be pinned with a flag. The merged statistical abstract passes
through the disclosure policies before it is printed, persisted or
narrated.`,
		Example: `  # Analyze with automatic role detection
  pulse analyze enrollment.csv

  # Pin the metric and slicing dimensions
  pulse analyze enrollment.csv --metric enrollment_count --dimensions state,age_group

  # Rank correlations against one target column with Spearman
  pulse analyze enrollment.csv --target rejection_rate --method spearman

  # Apply a CUE tuning profile and generate the narrative report
  pulse analyze enrollment.csv --profile profiles/enrollment.cue --narrate`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			opts.apply(cfg)

			if paths := append(cfg.Analysis.ProfilePaths, opts.profiles...); len(paths) > 0 {
				if err := config.NewProfileParser().Apply(cfg, paths...); err != nil {
					return err
				}
			}

			tel, err := telemetry.NewTelemetry(cfg.TelemetrySettings())
			if err != nil {
				return fmt.Errorf("failed to initialize telemetry: %w", err)
			}
			ctx := tel.WithContext(cmd.Context())
			defer func() { _ = tel.Shutdown(context.Background()) }()
			if cfg.Telemetry.MetricsEnabled {
				if err := tel.StartMetricsServer(); err != nil {
					log.Warn().Err(err).Msg("Failed to start metrics server")
				}
			}

			outcome, err := runAnalysis(ctx, cfg, args[0], opts.narrate)
			if err != nil {
				return err
			}

			if opts.outFile != "" {
				payload, err := json.MarshalIndent(outcome, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(opts.outFile, payload, 0o644); err != nil {
					return fmt.Errorf("failed to write %s: %w", opts.outFile, err)
				}
			}

			if jsonOutput {
				return printJSON(outcome)
			}
			printOutcome(outcome)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.metric, "metric", "m", "", "metric column (overrides detection)")
	cmd.Flags().StringVar(&opts.region, "region", "", "region column (overrides detection)")
	cmd.Flags().StringVar(&opts.timeCol, "time", "", "time column (overrides detection)")
	cmd.Flags().StringSliceVar(&opts.dimensions, "dimensions", nil, "dimension columns (overrides detection)")
	cmd.Flags().StringVar(&opts.target, "target", "", "restrict correlations to pairs touching this column")
	cmd.Flags().StringVar(&opts.method, "method", "", "correlation method (pearson, spearman)")
	cmd.Flags().StringSliceVar(&opts.profiles, "profile", nil, "CUE tuning profile files or directories")
	cmd.Flags().BoolVar(&opts.forest, "isolation-forest", false, "add the multivariate isolation forest pass")
	cmd.Flags().BoolVar(&opts.narrate, "narrate", false, "generate the narrative report")
	cmd.Flags().BoolVar(&opts.noPolicy, "no-policy", false, "skip disclosure policy evaluation")
	cmd.Flags().StringVar(&opts.storePath, "store", "", "SQLite store path (overrides config)")
	cmd.Flags().StringVarP(&opts.outFile, "out", "o", "", "write the full result to a JSON file")

	return cmd
}

// apply folds command-line overrides into the analysis section.
func (o analyzeOptions) apply(cfg *config.Config) {
	if o.metric != "" {
		cfg.Analysis.Hints.Metric = o.metric
	}
	if o.region != "" {
		cfg.Analysis.Hints.Region = o.region
	}
	if o.timeCol != "" {
		cfg.Analysis.Hints.Time = o.timeCol
	}
	if len(o.dimensions) > 0 {
		cfg.Analysis.Hints.Dimensions = o.dimensions
	}
	if o.target != "" {
		cfg.Analysis.Target = o.target
	}
	if o.method != "" {
		cfg.Analysis.Method = o.method
	}
	if o.forest {
		cfg.Analysis.UseIsolationForest = true
	}
	if o.noPolicy {
		cfg.Policy.Enabled = false
	}
	if o.storePath != "" {
		cfg.Store.Path = o.storePath
	}
}

// analysisOutcome bundles everything one CLI invocation produces.
type analysisOutcome struct {
	Run      *engine.RunResult `json:"run"`
	Decision *policy.Decision  `json:"policy_decision,omitempty"`
	Report   *narrative.Report `json:"report,omitempty"`
}

// runAnalysis loads the dataset, runs the orchestrated analysis, applies
// disclosure policies and optionally narrates the redacted abstract.
func runAnalysis(ctx context.Context, cfg *config.Config, path string, narrate bool) (*analysisOutcome, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset: %w", err)
	}
	defer f.Close()

	ds, quality, err := dataset.LoadCSV(f)
	if err != nil {
		return nil, fmt.Errorf("failed to load dataset: %w", err)
	}

	if cols := cfg.Analysis.DerivedColumns; len(cols) > 0 {
		derived := make([]dataset.DerivedColumn, len(cols))
		for i, c := range cols {
			derived[i] = dataset.DerivedColumn{Name: c.Name, Expression: c.Expression}
		}
		ds, err = dataset.NewDeriver(0).Derive(ctx, ds, derived)
		if err != nil {
			return nil, fmt.Errorf("failed to derive columns: %w", err)
		}
	}

	var store stores.Store
	if sc, ok := cfg.StoreConfig(); ok {
		sqlStore, err := stores.NewSQLiteStore(sc)
		if err != nil {
			return nil, err
		}
		if err := sqlStore.Init(ctx); err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		defer func() { _ = sqlStore.Close() }()
		store = sqlStore
	}

	orch := engine.NewOrchestrator(cfg.EngineConfig(), store)
	result, err := orch.Run(ctx, engine.RunRequest{
		Source:  path,
		Dataset: ds,
		Quality: quality,
		Hints:   cfg.RoleHints(),
	})
	if err != nil {
		return nil, err
	}

	outcome := &analysisOutcome{Run: result}
	abstract := result.Abstract

	if cfg.Policy.Enabled {
		decision, err := applyPolicies(ctx, cfg, result)
		if err != nil {
			return nil, err
		}
		outcome.Decision = decision
		abstract = decision.Redacted
	}

	if narrate && abstract != nil {
		report, err := narrateAbstract(ctx, cfg, result, abstract, path)
		if err != nil {
			return nil, err
		}
		outcome.Report = report

		if store != nil && report != nil {
			payload, err := json.Marshal(report)
			if err == nil {
				_ = store.SaveReport(ctx, &stores.Report{
					RunID:     result.RunID,
					Narrator:  report.Narrator,
					Payload:   string(payload),
					CreatedAt: time.Now(),
				})
			}
		}
	}

	return outcome, nil
}

// applyPolicies evaluates the disclosure policies against the abstract and
// publishes a suppression event per redacted finding.
func applyPolicies(ctx context.Context, cfg *config.Config, result *engine.RunResult) (*policy.Decision, error) {
	eng, err := policy.NewEngine(policy.Config{
		MinDisclosureSize: cfg.Policy.MinDisclosureSize,
		Environment:       cfg.Service.Environment,
	}, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize policy engine: %w", err)
	}

	if len(cfg.Policy.Paths) > 0 {
		loader := policy.NewLoader(log.Logger)
		if err := eng.LoadPolicies(loader, cfg.Policy.Paths...); err != nil {
			return nil, err
		}
	}

	decision, err := eng.Evaluate(ctx, result.Abstract)
	if err != nil {
		return nil, err
	}

	if tel := telemetry.FromTelemetryContext(ctx); tel != nil {
		for _, v := range decision.Violations {
			if v.Severity != policy.SeverityError && v.Severity != policy.SeverityCritical {
				continue
			}
			_ = tel.Events.PublishFindingSuppressed(result.RunID, engineForKind(v.Kind), v.Message)
		}
	}

	if !decision.Allowed {
		return decision, fmt.Errorf("publication blocked by policy: %s", decision.Violations[0].Message)
	}
	return decision, nil
}

// engineForKind maps a violation kind to the engine that produced the
// finding.
func engineForKind(kind string) string {
	switch kind {
	case "outlier_cluster":
		return engine.EngineDimensional
	case "regional_score":
		return engine.EngineVolatility
	case "anomaly":
		return engine.EngineAnomaly
	}
	return "orchestrator"
}

// narrateAbstract produces the narrative report from the redacted abstract,
// falling back to the deterministic narrator when the LLM is not configured
// or fails.
func narrateAbstract(ctx context.Context, cfg *config.Config, result *engine.RunResult, abstract *engine.StatisticalAbstract, source string) (*narrative.Report, error) {
	var narrator narrative.Narrator = narrative.NewRuleBasedNarrator()
	if cfg.Narrative.Enabled && cfg.Narrative.APIKey != "" {
		llm, err := narrative.NewOpenAINarrator(cfg.NarratorConfig())
		if err != nil {
			return nil, err
		}
		if cfg.Narrative.Fallback {
			narrator = narrative.WithFallback(llm, narrative.NewRuleBasedNarrator())
		} else {
			narrator = llm
		}
	}

	var report *narrative.Report
	err := telemetry.RecordNarrativeOperation(ctx, result.RunID, narrator.Name(), func() error {
		var nerr error
		report, nerr = narrator.Narrate(ctx, abstract, narrative.Context{
			Source:    source,
			TimeRange: result.Summary.TimeRange,
		})
		return nerr
	})
	if err != nil {
		return nil, fmt.Errorf("narrative generation failed: %w", err)
	}
	return report, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// printOutcome renders a human-readable summary of the run.
func printOutcome(outcome *analysisOutcome) {
	run := outcome.Run
	fmt.Printf("Run %s: %s\n", run.RunID, run.State)
	fmt.Printf("Dataset: %d rows, %d columns", run.Summary.Rows, run.Summary.Columns)
	if run.Summary.TimeRange != "" {
		fmt.Printf(", %s", run.Summary.TimeRange)
	}
	fmt.Println()
	fmt.Printf("Roles: metric=%s region=%s time=%s dimensions=%v\n",
		run.Summary.Roles.Metric, run.Summary.Roles.Region,
		run.Summary.Roles.Time, run.Summary.Roles.Dimensions)

	abstract := run.Abstract
	if outcome.Decision != nil {
		abstract = outcome.Decision.Redacted
		if outcome.Decision.SuppressedFindings > 0 {
			fmt.Printf("Disclosure policy suppressed %d findings\n", outcome.Decision.SuppressedFindings)
		}
		for _, w := range outcome.Decision.Warnings {
			fmt.Printf("Policy warning: %s\n", w)
		}
	}
	if abstract == nil {
		return
	}

	fmt.Printf("\nFindings:\n")
	fmt.Printf("  Correlations:  %d strong (%s)\n",
		len(abstract.Correlation.StrongCorrelations), abstract.Correlation.Summary)
	fmt.Printf("  Volatility:    %d regions scored, %d high-volatility\n",
		len(abstract.Volatility.RegionalScores), len(abstract.Volatility.HighVolatilityRegions))
	fmt.Printf("  Dimensional:   %d outlier clusters\n", len(abstract.Dimensional.OutlierClusters))
	fmt.Printf("  Anomalies:     %d total\n", abstract.Anomalies.TotalAnomalies)

	for engineName, msg := range run.EngineErrors {
		fmt.Printf("Engine %s failed: %s\n", engineName, msg)
	}

	if outcome.Report != nil {
		fmt.Printf("\nExecutive summary (%s, confidence %.2f):\n  %s\n",
			outcome.Report.Narrator, outcome.Report.ConfidenceScore, outcome.Report.ExecutiveSummary)
		for _, rec := range outcome.Report.StrategicRecommendations {
			fmt.Printf("  [P%d] %s\n", rec.Priority, rec.Recommendation)
		}
	}
}
