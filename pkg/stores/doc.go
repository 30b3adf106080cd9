// Package stores provides persistence layer implementations for DataPulse.
// It includes SQLite-based storage with WAL mode, connection pooling,
// and CRUD operations for analysis runs, statistical abstracts, narrative
// reports, and the append-only event log.
package stores
