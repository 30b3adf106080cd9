package stores

import (
	"context"
	"database/sql"
	"time"
)

// RunStatus represents the status of an analysis run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Run represents an analysis run
type Run struct {
	ID          string     `json:"id"`
	Source      string     `json:"source"` // dataset path or name
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Error       *string    `json:"error,omitempty"`
	Metadata    string     `json:"metadata"` // JSON blob: roles, thresholds, quality report
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Abstract represents a persisted statistical abstract for a run
type Abstract struct {
	RunID     string    `json:"run_id"`
	Payload   string    `json:"payload"` // JSON blob: the full abstract
	Summary   string    `json:"summary"` // JSON blob: data summary
	CreatedAt time.Time `json:"created_at"`
}

// Report represents a persisted narrative report for a run
type Report struct {
	RunID     string    `json:"run_id"`
	Narrator  string    `json:"narrator"` // which narrator produced it
	Payload   string    `json:"payload"`  // JSON blob: the report
	CreatedAt time.Time `json:"created_at"`
}

// Event represents an append-only log event
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Engine    *string    `json:"engine,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Details   *string    `json:"details,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)
	CommitTx(tx *sql.Tx) error
	RollbackTx(tx *sql.Tx) error

	// Run operations
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRunStatus(ctx context.Context, id string, status RunStatus, err *string) error
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error

	// Abstract operations
	SaveAbstract(ctx context.Context, abstract *Abstract) error
	GetAbstract(ctx context.Context, runID string) (*Abstract, error)

	// Report operations
	SaveReport(ctx context.Context, report *Report) error
	GetReport(ctx context.Context, runID string) (*Report, error)

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, engine *string, level *EventLevel, limit, offset int) ([]*Event, error)

	// Utility
	HealthCheck(ctx context.Context) error
}
