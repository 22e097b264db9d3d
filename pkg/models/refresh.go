package models

import (
	"time"

	"github.com/google/uuid"
)

// RefreshStatus is the lifecycle state of an asynchronous refresh job.
type RefreshStatus string

const (
	RefreshPending    RefreshStatus = "pending"
	RefreshInProgress RefreshStatus = "in_progress"
	RefreshCompleted  RefreshStatus = "completed"
	RefreshFailed     RefreshStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RefreshStatus) Terminal() bool {
	return s == RefreshCompleted || s == RefreshFailed
}

// TableError records a per-table failure during a connection-wide refresh.
type TableError struct {
	SchemaName string `json:"schema_name"`
	TableName  string `json:"table_name"`
	Message    string `json:"message"`
}

// RefreshConnectionResult summarizes a connection-wide refresh. Per-table
// failures are collected, not fatal.
type RefreshConnectionResult struct {
	TablesRefreshed int          `json:"tables_refreshed"`
	TablesFailed    int          `json:"tables_failed"`
	Errors          []TableError `json:"errors,omitempty"`
}

// RefreshJob is the in-memory record of an asynchronous refresh. Jobs live in
// the process-local registry and are not persisted across restarts.
type RefreshJob struct {
	ID          uuid.UUID                `json:"refresh_id"`
	Connection  string                   `json:"connection"`
	SchemaName  string                   `json:"schema_name,omitempty"`
	TableName   string                   `json:"table_name,omitempty"`
	Status      RefreshStatus            `json:"status"`
	Completed   int                      `json:"completed"`
	Total       int                      `json:"total"`
	Result      *RefreshConnectionResult `json:"result,omitempty"`
	Error       string                   `json:"error,omitempty"`
	StartedAt   time.Time                `json:"started_at"`
	CompletedAt *time.Time               `json:"completed_at,omitempty"`
}
