package models

// ColumnMetadata is one column as reported by a driver's discovery.
type ColumnMetadata struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
	Ordinal  int    `json:"ordinal"`
}

// TableMetadata is one table as reported by a driver's discovery.
type TableMetadata struct {
	CatalogName string           `json:"catalog_name,omitempty"`
	SchemaName  string           `json:"schema_name"`
	TableName   string           `json:"table_name"`
	Columns     []ColumnMetadata `json:"columns"`
}

// TableIdent names a table within a connection for diff reporting.
type TableIdent struct {
	CatalogName string `json:"catalog_name,omitempty"`
	SchemaName  string `json:"schema_name"`
	TableName   string `json:"table_name"`
}

// DiscoveryDiff reports what changed between two discovery runs. A schema
// change is any column add, remove, type change, or nullability change.
type DiscoveryDiff struct {
	Added         []TableIdent `json:"added"`
	Removed       []TableIdent `json:"removed"`
	SchemaChanged []TableIdent `json:"schema_changed"`
}

// Empty reports whether the diff carries no changes.
func (d *DiscoveryDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.SchemaChanged) == 0
}
