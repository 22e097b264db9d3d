package catalog

import (
	"sort"

	"github.com/rivetdb/rivetdb/pkg/models"
)

type tableKey struct {
	catalog string
	schema  string
	table   string
}

func (k tableKey) ident() models.TableIdent {
	return models.TableIdent{CatalogName: k.catalog, SchemaName: k.schema, TableName: k.table}
}

// existingTable is a cataloged table with its column set, as loaded by a
// backend before an upsert.
type existingTable struct {
	id      int64
	columns []models.ColumnMetadata
}

// sortColumns orders columns by ordinal, then name, the comparison order used
// for schema-change detection.
func sortColumns(cols []models.ColumnMetadata) {
	sort.Slice(cols, func(i, j int) bool {
		if cols[i].Ordinal != cols[j].Ordinal {
			return cols[i].Ordinal < cols[j].Ordinal
		}
		return cols[i].Name < cols[j].Name
	})
}

// columnsEqual reports whether two column sets describe the same schema. Any
// column add, remove, type change, or nullability change is a schema change.
func columnsEqual(a, b []models.ColumnMetadata) bool {
	if len(a) != len(b) {
		return false
	}
	sortColumns(a)
	sortColumns(b)
	for i := range a {
		if a[i].Name != b[i].Name || a[i].DataType != b[i].DataType || a[i].Nullable != b[i].Nullable {
			return false
		}
	}
	return true
}

// computeDiff compares incoming discovery output against the existing column
// sets and reports added, removed, and schema-changed tables. Idents are
// ordered by (schema, table) so repeated runs are deterministic.
func computeDiff(existing map[tableKey]existingTable, incoming []models.TableMetadata) models.DiscoveryDiff {
	var diff models.DiscoveryDiff

	seen := make(map[tableKey]bool, len(incoming))
	for _, t := range incoming {
		key := tableKey{catalog: t.CatalogName, schema: t.SchemaName, table: t.TableName}
		seen[key] = true
		prev, ok := existing[key]
		if !ok {
			diff.Added = append(diff.Added, key.ident())
			continue
		}
		if !columnsEqual(prev.columns, t.Columns) {
			diff.SchemaChanged = append(diff.SchemaChanged, key.ident())
		}
	}

	for key := range existing {
		if !seen[key] {
			diff.Removed = append(diff.Removed, key.ident())
		}
	}

	sortIdents(diff.Added)
	sortIdents(diff.Removed)
	sortIdents(diff.SchemaChanged)
	return diff
}

func sortIdents(idents []models.TableIdent) {
	sort.Slice(idents, func(i, j int) bool {
		if idents[i].SchemaName != idents[j].SchemaName {
			return idents[i].SchemaName < idents[j].SchemaName
		}
		return idents[i].TableName < idents[j].TableName
	})
}
