// Package catalog provides durable, transactional metadata storage for
// connections, tables, columns, secrets, and persisted query results. Two
// backends implement the Store interface: an embedded SQLite database and a
// networked Postgres database.
package catalog

import (
	"context"
	"time"

	"github.com/rivetdb/rivetdb/pkg/models"
)

// DeleteConnectionResult reports what a connection teardown removed and which
// artifacts the caller still has to delete from the blob store.
type DeleteConnectionResult struct {
	TablesRemoved     int
	ArtifactsToDelete []string
}

// Store is the catalog contract shared by both backends. Lookups return
// (nil, nil) when the row is absent; write errors are propagated unchanged.
// Multi-row writes happen inside a transaction, so partial success is never
// observable.
type Store interface {
	// Connections
	CreateConnection(ctx context.Context, name string, source models.Source) (int64, error)
	GetConnection(ctx context.Context, name string) (*models.Connection, error)
	ListConnections(ctx context.Context) ([]models.Connection, error)
	DeleteConnection(ctx context.Context, name string) (*DeleteConnectionResult, error)

	// Tables and columns
	UpsertTables(ctx context.Context, connectionID int64, discovered []models.TableMetadata) (*models.DiscoveryDiff, error)
	GetTable(ctx context.Context, connectionID int64, schema, table string) (*models.Table, error)
	ListTables(ctx context.Context, connectionID int64) ([]models.Table, error)
	GetColumns(ctx context.Context, tableID int64) ([]models.Column, error)

	// UpdateTableArtifact atomically swaps the cache pointer and returns the
	// previous artifact URL, if any.
	UpdateTableArtifact(ctx context.Context, tableID int64, url string, rowCount int64, now time.Time) (*string, error)

	// Cache invalidation: pointer, sync time, and row count go back to NULL.
	ClearTableCache(ctx context.Context, tableID int64) error
	ClearConnectionCache(ctx context.Context, connectionID int64) error

	// Secrets. Names arrive already normalized by the secret store.
	SaveSecret(ctx context.Context, name, provider string, blob []byte, overwrite bool, now time.Time) error
	GetSecretValue(ctx context.Context, name string) ([]byte, error)
	DeleteSecret(ctx context.Context, name string) (bool, error)
	ListSecrets(ctx context.Context) ([]models.SecretMetadata, error)

	// Persisted query results
	InsertResult(ctx context.Context, parquetPath string, now time.Time) (int64, error)
	GetResult(ctx context.Context, id int64) (*models.QueryResult, error)
	DeleteResultsBefore(ctx context.Context, cutoff time.Time) ([]string, error)

	Close() error
}
