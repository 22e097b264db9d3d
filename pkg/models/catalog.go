package models

import "time"

// Connection is a named handle to a remote source.
type Connection struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Source    Source    `json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

// Table is a logical table inside a connection. ArtifactURL is the cache
// pointer: nil means the table has never been materialized.
type Table struct {
	ID           int64      `json:"id"`
	ConnectionID int64      `json:"connection_id"`
	CatalogName  *string    `json:"catalog_name,omitempty"`
	SchemaName   string     `json:"schema_name"`
	TableName    string     `json:"table_name"`
	ArtifactURL  *string    `json:"artifact_url,omitempty"`
	LastSyncAt   *time.Time `json:"last_sync_at,omitempty"`
	RowCount     *int64     `json:"row_count,omitempty"`
}

// Column is one column of a cataloged table. DataType is a portable columnar
// type tag (see columntype.go), not the source-native type name.
type Column struct {
	TableID  int64  `json:"table_id"`
	Ordinal  int    `json:"ordinal"`
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// SecretMetadata describes a stored secret without its value.
type SecretMetadata struct {
	Name      string    `json:"name"`
	Provider  string    `json:"provider"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// QueryResult is a persisted query result artifact.
type QueryResult struct {
	ID          int64     `json:"id"`
	ParquetPath string    `json:"parquet_path"`
	CreatedAt   time.Time `json:"created_at"`
}
