// Package engine provides the statistical analysis core of DataPulse.
//
// # Overview
//
// DataPulse turns a tabular dataset into a structured statistical abstract
// that a narrative layer can explain. The engine operates through a 4-phase
// workflow driven by the Orchestrator:
//
//  1. Roles - Resolve which columns act as metric, region, time, and
//     dimensions (ResolveRoles)
//  2. Engines - Run the four analysis engines concurrently over the dataset
//  3. Merge - Combine engine outputs into a StatisticalAbstract
//  4. Persist - Optionally record the run and abstract through a Store
//
// # Analysis Engines
//
// Each engine is a pure computation over a dataset.Dataset, parameterized by
// Thresholds:
//
//   - CorrelationEngine: pairwise Pearson or Spearman correlation with
//     significance testing and driver ranking
//   - VolatilityEngine: per-region coefficient of variation, stability
//     tiers, and temporal/seasonal pattern detection
//   - DimensionalSlicingEngine: multi-dimensional group means, z-scores
//     against the national mean, and outlier cluster ranking
//   - AnomalyEngine: univariate z-score detection plus an optional
//     isolation forest multivariate pass
//
// Engines never mutate their input dataset and never share state, so the
// orchestrator can fan them out on goroutines without synchronization
// beyond the final merge.
//
// # Statistical Abstract
//
// The StatisticalAbstract is the single artifact that crosses into the
// narrative layer. It aggregates:
//
//   - CorrelationOutput: matrix, strong pairs, drivers of change
//   - VolatilityOutput: regional scores, most/least volatile, patterns
//   - DimensionalOutput: aggregations, outlier clusters, dimension importance
//   - AnomalyOutput: anomalies with severity and distribution breakdowns
//
// All numeric findings are rounded at the boundary (coefficients to 4
// decimal places, p-values to 6, z-scores and deviations to 2) so repeated
// runs over the same data serialize identically.
//
// # Error Classification
//
// Analysis failures are reported as *AnalysisError with a class and a
// machine-readable code:
//
//   - Validation: the request references columns the dataset lacks
//   - Degenerate: the data cannot support the statistic (too few samples,
//     zero variance)
//   - Resource: an injected dependency such as the store failed
//   - External: a collaborator outside the core failed
//
// Use the helper predicates to branch on failure kind:
//
//	if engine.IsDegenerate(err) {
//	    // Not enough data; skip this engine's findings.
//	}
//
// A degenerate input is usually not an error at all: engines prefer
// returning empty outputs with explanatory summaries over failing the run.
//
// # Example Usage
//
// Basic workflow for analyzing a dataset:
//
//	f, err := os.Open("enrollment.csv")
//	ds, report, err := dataset.LoadCSV(f)
//
//	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
//	    Thresholds: engine.DefaultThresholds(),
//	    Method:     engine.MethodPearson,
//	}, nil)
//
//	result, err := orch.Run(ctx, engine.RunRequest{
//	    Source:  "enrollment.csv",
//	    Dataset: ds,
//	    Quality: report,
//	})
//
//	if result.State == engine.StateDone {
//	    abstract := result.Abstract
//	    // Hand the abstract to a narrative.Narrator.
//	}
//
// # Thread Safety
//
// Engines and the orchestrator are safe for concurrent use. A single
// orchestrator may serve overlapping runs; each run gets its own abstract
// and result.
//
// # Immutability
//
// Outputs are value objects. Query helpers like TopAnomalies or
// CompareRegions derive new slices rather than mutating a computed output.
package engine
