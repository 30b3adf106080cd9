package stores

import (
	"context"
	"os"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	return store
}

// TestStoreLifecycle tests database initialization and closure
func TestStoreLifecycle(t *testing.T) {
	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.HealthCheck(ctx); err != nil {
		t.Fatalf("health check failed: %v", err)
	}

	if err := store.Close(); err != nil {
		t.Fatalf("failed to close store: %v", err)
	}
}

// TestStoreMigrations tests database migrations
func TestStoreMigrations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()

	// Check that tables exist by querying them
	tables := []string{"runs", "abstracts", "reports", "events"}
	for _, table := range tables {
		query := "SELECT COUNT(*) FROM " + table
		var count int
		err := store.db.QueryRowContext(ctx, query).Scan(&count)
		if err != nil {
			t.Errorf("table %s does not exist or is not accessible: %v", table, err)
		}
	}
}

// TestRunCRUD tests Run CRUD operations
func TestRunCRUD(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create
	run := &Run{
		ID:        "run-001",
		Source:    "data/enrollment.csv",
		Status:    RunStatusPending,
		StartedAt: now,
		Metadata:  `{"metric_column":"enrollment_count"}`,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// Read
	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get run: %v", err)
	}

	if retrieved.ID != run.ID {
		t.Errorf("expected ID %s, got %s", run.ID, retrieved.ID)
	}
	if retrieved.Source != run.Source {
		t.Errorf("expected Source %s, got %s", run.Source, retrieved.Source)
	}
	if retrieved.Status != run.Status {
		t.Errorf("expected Status %s, got %s", run.Status, retrieved.Status)
	}

	// Update
	errMsg := "metric column has zero variance"
	if err := store.UpdateRunStatus(ctx, run.ID, RunStatusFailed, &errMsg); err != nil {
		t.Fatalf("failed to update run status: %v", err)
	}

	updated, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated run: %v", err)
	}

	if updated.Status != RunStatusFailed {
		t.Errorf("expected Status %s, got %s", RunStatusFailed, updated.Status)
	}
	if updated.Error == nil || *updated.Error != errMsg {
		t.Errorf("expected Error %s, got %v", errMsg, updated.Error)
	}
	if updated.CompletedAt == nil {
		t.Error("expected CompletedAt to be set")
	}

	// List
	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("failed to list runs: %v", err)
	}

	if len(runs) != 1 {
		t.Errorf("expected 1 run, got %d", len(runs))
	}

	// Delete
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	_, err = store.GetRun(ctx, run.ID)
	if err == nil {
		t.Error("expected error when getting deleted run")
	}
}

// TestAbstractOperations tests Abstract save and retrieval
func TestAbstractOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create a run first (required for foreign key)
	run := &Run{
		ID:        "run-002",
		Source:    "data/enrollment.csv",
		Status:    RunStatusCompleted,
		StartedAt: now,
		Metadata:  `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// Save
	abstract := &Abstract{
		RunID:     run.ID,
		Payload:   `{"correlation_findings":{"summary":"No strong correlations found."}}`,
		Summary:   `{"rows":1200,"columns":8}`,
		CreatedAt: now,
	}

	if err := store.SaveAbstract(ctx, abstract); err != nil {
		t.Fatalf("failed to save abstract: %v", err)
	}

	// Get
	retrieved, err := store.GetAbstract(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get abstract: %v", err)
	}

	if retrieved.Payload != abstract.Payload {
		t.Errorf("expected Payload %s, got %s", abstract.Payload, retrieved.Payload)
	}

	// Save again (upsert)
	abstract.Payload = `{"correlation_findings":{"summary":"Found 2 strong correlations."}}`
	if err := store.SaveAbstract(ctx, abstract); err != nil {
		t.Fatalf("failed to upsert abstract: %v", err)
	}

	updated, err := store.GetAbstract(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated abstract: %v", err)
	}

	if updated.Payload != abstract.Payload {
		t.Errorf("expected updated Payload, got %s", updated.Payload)
	}

	// Get for unknown run
	_, err = store.GetAbstract(ctx, "no-such-run")
	if err == nil {
		t.Error("expected error when getting abstract for unknown run")
	}
}

// TestReportOperations tests Report save and retrieval
func TestReportOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	run := &Run{
		ID:        "run-003",
		Source:    "data/enrollment.csv",
		Status:    RunStatusCompleted,
		StartedAt: now,
		Metadata:  `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	report := &Report{
		RunID:     run.ID,
		Narrator:  "rule_based",
		Payload:   `{"executive_summary":"Enrollment is stable across most states."}`,
		CreatedAt: now,
	}

	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("failed to save report: %v", err)
	}

	retrieved, err := store.GetReport(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get report: %v", err)
	}

	if retrieved.Narrator != report.Narrator {
		t.Errorf("expected Narrator %s, got %s", report.Narrator, retrieved.Narrator)
	}
	if retrieved.Payload != report.Payload {
		t.Errorf("expected Payload %s, got %s", report.Payload, retrieved.Payload)
	}

	// Upsert with a different narrator
	report.Narrator = "openai"
	if err := store.SaveReport(ctx, report); err != nil {
		t.Fatalf("failed to upsert report: %v", err)
	}

	updated, err := store.GetReport(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get updated report: %v", err)
	}

	if updated.Narrator != "openai" {
		t.Errorf("expected updated Narrator openai, got %s", updated.Narrator)
	}
}

// TestEventOperations tests Event operations
func TestEventOperations(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create a run first
	run := &Run{
		ID:        "run-004",
		Source:    "data/enrollment.csv",
		Status:    RunStatusRunning,
		StartedAt: now,
		Metadata:  `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	engine := "anomaly"

	// Append events
	events := []*Event{
		{
			RunID:     &run.ID,
			Level:     EventLevelInfo,
			Message:   "Starting analysis",
			Timestamp: now,
		},
		{
			RunID:     &run.ID,
			Engine:    &engine,
			Level:     EventLevelWarning,
			Message:   "Metric column partially missing",
			Timestamp: now.Add(1 * time.Second),
		},
		{
			RunID:     &run.ID,
			Engine:    &engine,
			Level:     EventLevelError,
			Message:   "Engine failed",
			Timestamp: now.Add(2 * time.Second),
		},
	}

	for _, event := range events {
		if err := store.AppendEvent(ctx, event); err != nil {
			t.Fatalf("failed to append event: %v", err)
		}
		if event.ID == 0 {
			t.Error("expected event ID to be set after insert")
		}
	}

	// Get all events for run
	retrieved, err := store.GetEvents(ctx, &run.ID, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}

	if len(retrieved) != 3 {
		t.Errorf("expected 3 events, got %d", len(retrieved))
	}

	// Filter by level
	errorLevel := EventLevelError
	filtered, err := store.GetEvents(ctx, nil, nil, &errorLevel, 10, 0)
	if err != nil {
		t.Fatalf("failed to get filtered events: %v", err)
	}

	if len(filtered) != 1 {
		t.Errorf("expected 1 error event, got %d", len(filtered))
	}
	if filtered[0].Level != EventLevelError {
		t.Errorf("expected level %s, got %s", EventLevelError, filtered[0].Level)
	}

	// Filter by engine
	engineFiltered, err := store.GetEvents(ctx, nil, &engine, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get engine filtered events: %v", err)
	}

	if len(engineFiltered) != 2 {
		t.Errorf("expected 2 anomaly engine events, got %d", len(engineFiltered))
	}
}

// TestTransactions tests transaction support
func TestTransactions(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Begin transaction
	tx, err := store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin transaction: %v", err)
	}

	// Create run within transaction
	run := &Run{
		ID:        "run-tx-001",
		Source:    "data/enrollment.csv",
		Status:    RunStatusPending,
		StartedAt: now,
		Metadata:  `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}

	query := `
		INSERT INTO runs (id, source, status, started_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.ExecContext(ctx, query, run.ID, run.Source, run.Status, run.StartedAt, run.Metadata, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		store.RollbackTx(tx)
		t.Fatalf("failed to insert run in transaction: %v", err)
	}

	// Rollback
	if err := store.RollbackTx(tx); err != nil {
		t.Fatalf("failed to rollback transaction: %v", err)
	}

	// Verify run was not created
	_, err = store.GetRun(ctx, run.ID)
	if err == nil {
		t.Error("expected error when getting rolled back run")
	}

	// Begin new transaction and commit
	tx, err = store.BeginTx(ctx)
	if err != nil {
		t.Fatalf("failed to begin second transaction: %v", err)
	}

	_, err = tx.ExecContext(ctx, query, run.ID, run.Source, run.Status, run.StartedAt, run.Metadata, run.CreatedAt, run.UpdatedAt)
	if err != nil {
		store.RollbackTx(tx)
		t.Fatalf("failed to insert run in second transaction: %v", err)
	}

	if err := store.CommitTx(tx); err != nil {
		t.Fatalf("failed to commit transaction: %v", err)
	}

	// Verify run was created
	retrieved, err := store.GetRun(ctx, run.ID)
	if err != nil {
		t.Fatalf("failed to get committed run: %v", err)
	}

	if retrieved.ID != run.ID {
		t.Errorf("expected ID %s, got %s", run.ID, retrieved.ID)
	}
}

// TestCascadeDelete tests foreign key cascading
func TestCascadeDelete(t *testing.T) {
	store := setupTestStore(t)
	defer store.Close()

	ctx := context.Background()
	now := time.Now()

	// Create run
	run := &Run{
		ID:        "run-cascade-001",
		Source:    "data/enrollment.csv",
		Status:    RunStatusRunning,
		StartedAt: now,
		Metadata:  `{}`,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("failed to create run: %v", err)
	}

	// Create abstract
	abstract := &Abstract{
		RunID:     run.ID,
		Payload:   `{}`,
		Summary:   `{}`,
		CreatedAt: now,
	}
	if err := store.SaveAbstract(ctx, abstract); err != nil {
		t.Fatalf("failed to save abstract: %v", err)
	}

	// Create event
	event := &Event{
		RunID:     &run.ID,
		Level:     EventLevelInfo,
		Message:   "test event",
		Timestamp: now,
	}
	if err := store.AppendEvent(ctx, event); err != nil {
		t.Fatalf("failed to append event: %v", err)
	}

	// Delete run (should cascade to abstracts and events)
	if err := store.DeleteRun(ctx, run.ID); err != nil {
		t.Fatalf("failed to delete run: %v", err)
	}

	// Verify abstract was deleted
	_, err := store.GetAbstract(ctx, run.ID)
	if err == nil {
		t.Error("expected error when getting cascaded deleted abstract")
	}

	// Verify events were deleted
	events, err := store.GetEvents(ctx, &run.ID, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 0 {
		t.Errorf("expected 0 events after cascade delete, got %d", len(events))
	}
}

// TestMain sets up and tears down test environment
func TestMain(m *testing.M) {
	// Run tests
	code := m.Run()

	// Exit
	os.Exit(code)
}
