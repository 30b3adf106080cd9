package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/datapulse/datapulse/pkg/dataset"
	"github.com/datapulse/datapulse/pkg/stores"
	"github.com/datapulse/datapulse/pkg/telemetry"
)

// RunState tracks the lifecycle of an orchestrated run.
type RunState string

const (
	StateIdle           RunState = "idle"
	StateResolvingRoles RunState = "resolving_roles"
	StateRunningEngines RunState = "running_engines"
	StateMerging        RunState = "merging"
	StateDone           RunState = "done"
	StateFailed         RunState = "failed"
)

// Engine names used in telemetry labels, events and error records.
const (
	EngineCorrelation = "correlation"
	EngineVolatility  = "volatility"
	EngineDimensional = "dimensional"
	EngineAnomaly     = "anomaly"
)

// OrchestratorConfig bundles everything the orchestrator needs to run the
// four engines over one dataset.
type OrchestratorConfig struct {
	// Thresholds parameterize all four engines.
	Thresholds Thresholds

	// Method selects the correlation coefficient (pearson or spearman).
	Method CorrelationMethod

	// UseIsolationForest enables the multivariate anomaly pass.
	UseIsolationForest bool
}

// RunRequest describes one dataset to analyze.
type RunRequest struct {
	// Source names the dataset, typically the input file path.
	Source string

	// Dataset is the loaded, typed table.
	Dataset *dataset.Dataset

	// Quality is the optional load-time quality report.
	Quality *dataset.QualityReport

	// Hints are caller-supplied role overrides; empty fields are
	// auto-detected.
	Hints ColumnRoles
}

// Orchestrator resolves column roles, fans the four engines out
// concurrently, and merges their outputs into a single immutable abstract.
// A failing engine never fails the run; its output slot stays empty and the
// failure is recorded per engine.
type Orchestrator struct {
	config OrchestratorConfig
	store  stores.Store // optional, may be nil

	correlation *CorrelationEngine
	volatility  *VolatilityEngine
	dimensional *DimensionalSlicingEngine
	anomaly     *AnomalyEngine
}

// NewOrchestrator creates an orchestrator. The store may be nil, in which
// case nothing is persisted.
func NewOrchestrator(cfg OrchestratorConfig, store stores.Store) *Orchestrator {
	if cfg.Method == "" {
		cfg.Method = MethodPearson
	}
	return &Orchestrator{
		config:      cfg,
		store:       store,
		correlation: NewCorrelationEngine(cfg.Thresholds),
		volatility:  NewVolatilityEngine(cfg.Thresholds),
		dimensional: NewDimensionalSlicingEngine(cfg.Thresholds),
		anomaly:     NewAnomalyEngine(cfg.Thresholds, cfg.UseIsolationForest),
	}
}

// Run executes one full analysis: role resolution, concurrent engines,
// merge, and optional persistence. It returns an error only when the run
// cannot start at all; individual engine failures are recorded in
// RunResult.EngineErrors.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (*RunResult, error) {
	if req.Dataset == nil || req.Dataset.Rows() == 0 {
		return nil, NewValidationError("dataset is empty", nil).WithCode(ErrCodeTooFewSamples)
	}

	runID := uuid.New().String()
	result := &RunResult{
		RunID:        runID,
		State:        StateIdle,
		StartedAt:    time.Now(),
		EngineErrors: map[string]string{},
	}

	ctx = telemetry.WithRunContext(ctx, runID, req.Source)
	logger := telemetry.FromContext(ctx).WithRunID(runID)

	o.persistRunStart(ctx, runID, req)

	// Resolve roles.
	result.State = StateResolvingRoles
	roles := ResolveRoles(req.Dataset, req.Hints)
	if roles.Metric == "" {
		result.State = StateFailed
		err := NewValidationError("no metric column could be resolved", nil).
			WithCode(ErrCodeMissingColumn)
		o.persistRunEnd(ctx, result, err)
		telemetry.EndRunContext(ctx, runID, string(stores.RunStatusFailed), err)
		return nil, err
	}
	logger.WithField("roles", roles).Info("column roles resolved")

	// Fan the engines out.
	result.State = StateRunningEngines
	abstract := &StatisticalAbstract{}

	var wg sync.WaitGroup
	var mu sync.Mutex
	fail := func(name string, err error) {
		mu.Lock()
		result.EngineErrors[name] = err.Error()
		mu.Unlock()
	}
	launch := func(name, metric string, fn func() (int, error)) {
		wg.Add(1)
		go func() {
			ectx := telemetry.WithEngineContext(ctx, runID, name, metric)
			findings := 0
			var err error
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("engine panicked: %v", r)
					fail(name, err)
				}
				status := "succeeded"
				if err != nil {
					status = "failed"
				}
				telemetry.EndEngineContext(ectx, runID, name, status, findings, err)
				wg.Done()
			}()
			findings, err = fn()
			if err != nil {
				fail(name, err)
			}
		}()
	}

	launch(EngineCorrelation, roles.Metric, func() (int, error) {
		out, err := o.correlation.Analyze(req.Dataset, roles.Metric, o.config.Method)
		if err != nil {
			return 0, err
		}
		abstract.Correlation = out
		return len(out.StrongCorrelations), nil
	})

	launch(EngineVolatility, roles.Metric, func() (int, error) {
		if roles.Region == "" {
			return 0, NewValidationError("no region column resolved", nil).
				WithEngine(EngineVolatility).WithCode(ErrCodeMissingColumn)
		}
		out, err := o.volatility.Analyze(req.Dataset, roles.Metric, roles.Region, roles.Time)
		if err != nil {
			return 0, err
		}
		abstract.Volatility = out
		return len(out.RegionalScores), nil
	})

	launch(EngineDimensional, roles.Metric, func() (int, error) {
		out, err := o.dimensional.Analyze(req.Dataset, roles.Metric, roles.Dimensions)
		if err != nil {
			return 0, err
		}
		abstract.Dimensional = out
		return len(out.OutlierClusters), nil
	})

	launch(EngineAnomaly, roles.Metric, func() (int, error) {
		out, err := o.anomaly.Analyze(req.Dataset, req.Dataset.NumericColumns(), roles.Region, roles.Time, "")
		if err != nil {
			return 0, err
		}
		abstract.Anomalies = out
		return out.TotalAnomalies, nil
	})

	wg.Wait()

	// Merge.
	result.State = StateMerging
	result.Abstract = abstract
	result.Summary = o.buildSummary(req, roles)
	result.CompletedAt = time.Now()

	status := stores.RunStatusCompleted
	if len(result.EngineErrors) == 4 {
		result.State = StateFailed
		status = stores.RunStatusFailed
	} else {
		result.State = StateDone
	}

	if len(result.EngineErrors) == 0 {
		result.EngineErrors = nil
	}

	o.recordFindings(ctx, abstract)
	o.persistRunEnd(ctx, result, nil)
	telemetry.EndRunContext(ctx, runID, string(status), nil)

	logger.WithField("state", result.State).
		WithField("duration", result.CompletedAt.Sub(result.StartedAt).String()).
		Info("analysis run finished")

	return result, nil
}

// buildSummary assembles the run-level metadata record.
func (o *Orchestrator) buildSummary(req RunRequest, roles ColumnRoles) DataSummary {
	summary := DataSummary{
		Rows:    req.Dataset.Rows(),
		Columns: len(req.Dataset.ColumnNames()),
		Roles:   roles,
	}
	if req.Quality != nil {
		summary.QualityScore = req.Quality.QualityScore
	}
	if roles.Time != "" {
		summary.TimeRange = timeRange(req.Dataset, roles.Time)
	}
	return summary
}

// timeRange formats "<first> to <last>" over the parseable time cells.
func timeRange(ds *dataset.Dataset, timeCol string) string {
	var lo, hi time.Time
	seen := false
	observe := func(t time.Time) {
		if !seen {
			lo, hi = t, t
			seen = true
			return
		}
		if t.Before(lo) {
			lo = t
		}
		if t.After(hi) {
			hi = t
		}
	}

	if values, missing, ok := ds.Times(timeCol); ok {
		for i, t := range values {
			if !missing[i] {
				observe(t)
			}
		}
	} else {
		for row := 0; row < ds.Rows(); row++ {
			cell, ok := ds.Cell(timeCol, row)
			if !ok {
				continue
			}
			if t, ok := dataset.ParseTime(cell); ok {
				observe(t)
			}
		}
	}

	if !seen {
		return ""
	}
	return fmt.Sprintf("%s to %s", lo.Format("2006-01-02"), hi.Format("2006-01-02"))
}

// recordFindings pushes per-engine finding counts to the metrics registry.
func (o *Orchestrator) recordFindings(ctx context.Context, abstract *StatisticalAbstract) {
	tel := telemetry.FromTelemetryContext(ctx)
	if tel == nil {
		return
	}
	tel.Metrics.RecordFindings(EngineCorrelation, "strong_correlation", len(abstract.Correlation.StrongCorrelations))
	tel.Metrics.RecordFindings(EngineVolatility, "regional_score", len(abstract.Volatility.RegionalScores))
	tel.Metrics.RecordFindings(EngineDimensional, "outlier_cluster", len(abstract.Dimensional.OutlierClusters))
	tel.Metrics.RecordFindings(EngineAnomaly, "anomaly", abstract.Anomalies.TotalAnomalies)
	for _, a := range abstract.Anomalies.Anomalies {
		tel.Metrics.RecordAnomaly(a.MetricName, string(a.Severity))
	}
}

// persistRunStart records the run row when a store is configured.
func (o *Orchestrator) persistRunStart(ctx context.Context, runID string, req RunRequest) {
	if o.store == nil {
		return
	}
	now := time.Now()
	metadata := "{}"
	if req.Quality != nil {
		if b, err := json.Marshal(req.Quality); err == nil {
			metadata = string(b)
		}
	}
	run := &stores.Run{
		ID:        runID,
		Source:    req.Source,
		Status:    stores.RunStatusRunning,
		StartedAt: now,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.CreateRun(ctx, run); err != nil {
		telemetry.FromContext(ctx).WithError(err).Warn("failed to persist run start")
	}
}

// persistRunEnd records the terminal status, the abstract, and any engine
// errors when a store is configured.
func (o *Orchestrator) persistRunEnd(ctx context.Context, result *RunResult, runErr error) {
	if o.store == nil {
		return
	}
	logger := telemetry.FromContext(ctx)

	status := stores.RunStatusCompleted
	var errMsg *string
	if runErr != nil {
		status = stores.RunStatusFailed
		msg := runErr.Error()
		errMsg = &msg
	} else if result.State == StateFailed {
		status = stores.RunStatusFailed
		msg := "all engines failed"
		errMsg = &msg
	}

	if result.Abstract != nil {
		payload, perr := json.Marshal(result.Abstract)
		summary, serr := json.Marshal(result.Summary)
		if perr == nil && serr == nil {
			abstract := &stores.Abstract{
				RunID:     result.RunID,
				Payload:   string(payload),
				Summary:   string(summary),
				CreatedAt: time.Now(),
			}
			if err := o.store.SaveAbstract(ctx, abstract); err != nil {
				logger.WithError(err).Warn("failed to persist abstract")
			}
		}
	}

	for name, msg := range result.EngineErrors {
		engine := name
		details := msg
		event := &stores.Event{
			RunID:     &result.RunID,
			Engine:    &engine,
			Level:     stores.EventLevelError,
			Message:   "engine failed",
			Details:   &details,
			Timestamp: time.Now(),
		}
		if err := o.store.AppendEvent(ctx, event); err != nil {
			logger.WithError(err).Warn("failed to persist engine error event")
		}
	}

	if err := o.store.UpdateRunStatus(ctx, result.RunID, status, errMsg); err != nil {
		logger.WithError(err).Warn("failed to persist run status")
	}
}
