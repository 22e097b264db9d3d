package drivers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/columnar"
	"github.com/rivetdb/rivetdb/pkg/models"
)

func init() {
	d := &duckdbDriver{}
	Register(models.SourceTypeDuckDB, d)
	Register(models.SourceTypeMotherDuck, d)
}

// duckdbDriver serves both local DuckDB files and MotherDuck; the only
// difference is the connection string (a path vs an md: URI with a token).
type duckdbDriver struct{}

func (d *duckdbDriver) open(src *models.ResolvedSource) (*sql.DB, error) {
	connStr, err := src.ConnectionString()
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverAuth, err)
	}
	db, err := sql.Open("duckdb", connStr)
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverConnection, err)
	}
	return db, nil
}

const duckdbDiscoverSQL = `
SELECT
    t.table_catalog,
    t.table_schema,
    t.table_name,
    c.column_name,
    c.data_type,
    c.is_nullable,
    c.ordinal_position
FROM information_schema.tables t
JOIN information_schema.columns c
    ON t.table_catalog = c.table_catalog
    AND t.table_schema = c.table_schema
    AND t.table_name = c.table_name
WHERE t.table_schema NOT IN ('information_schema', 'pg_catalog')
    AND t.table_type = 'BASE TABLE'`

func (d *duckdbDriver) Discover(ctx context.Context, src *models.ResolvedSource) ([]models.TableMetadata, error) {
	db, err := d.open(src)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	query := duckdbDiscoverSQL
	var args []any
	// MotherDuck exposes every attached database; the configured database
	// name filters discovery to one catalog.
	if catalog := src.Source.Catalog(); catalog != "" {
		// TODO: confirm with MotherDuck whether the database name should be
		// a filter predicate or a connection argument.
		query += ` AND t.table_catalog = ?`
		args = append(args, catalog)
	}
	query += ` ORDER BY t.table_schema, t.table_name, c.ordinal_position`

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverDiscovery, err)
	}
	defer rows.Close()

	var tables []models.TableMetadata
	for rows.Next() {
		var (
			catalog, schema, table        string
			colName, dataType, isNullable string
			ordinal                       int
		)
		if err := rows.Scan(&catalog, &schema, &table, &colName, &dataType, &isNullable, &ordinal); err != nil {
			return nil, apperrors.NewDriverError(apperrors.DriverDiscovery, err)
		}

		col := models.ColumnMetadata{
			Name:     colName,
			DataType: duckdbTypeTag(dataType),
			Nullable: strings.EqualFold(isNullable, "YES"),
			Ordinal:  ordinal,
		}

		if n := len(tables); n > 0 && tables[n-1].CatalogName == catalog &&
			tables[n-1].SchemaName == schema && tables[n-1].TableName == table {
			tables[n-1].Columns = append(tables[n-1].Columns, col)
		} else {
			tables = append(tables, models.TableMetadata{
				CatalogName: catalog,
				SchemaName:  schema,
				TableName:   table,
				Columns:     []models.ColumnMetadata{col},
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverDiscovery, err)
	}
	return tables, nil
}

func (d *duckdbDriver) FetchTable(ctx context.Context, src *models.ResolvedSource, catalog, schema, table string, w columnar.RecordWriter) error {
	db, err := d.open(src)
	if err != nil {
		return err
	}
	defer db.Close()

	from := quoteIdent(schema) + "." + quoteIdent(table)
	if catalog != "" {
		from = quoteIdent(catalog) + "." + from
	}
	query := fmt.Sprintf(`SELECT %s FROM %s`, selectList(w.Schema()), from)
	return fetchSQLRows(ctx, db, query, w)
}

// duckdbTypeTag maps a DuckDB type name to the portable columnar type set.
func duckdbTypeTag(duckType string) string {
	t := strings.ToUpper(duckType)
	switch {
	case t == "BOOLEAN":
		return models.TypeBoolean
	case t == "SMALLINT" || t == "INT2":
		return models.TypeInt16
	case t == "INTEGER" || t == "INT4":
		return models.TypeInt32
	case t == "BIGINT" || t == "INT8" || t == "HUGEINT":
		return models.TypeInt64
	case t == "REAL" || t == "FLOAT4":
		return models.TypeFloat32
	case t == "DOUBLE" || t == "FLOAT8":
		return models.TypeFloat64
	case strings.HasPrefix(t, "DECIMAL") || strings.HasPrefix(t, "NUMERIC"):
		return models.TypeDecimal
	case t == "BLOB" || t == "BYTEA":
		return models.TypeBinary
	case t == "DATE":
		return models.TypeDate
	case t == "TIME":
		return models.TypeTime
	case t == "TIMESTAMP" || t == "DATETIME":
		return models.TypeTimestamp
	case t == "TIMESTAMP WITH TIME ZONE" || t == "TIMESTAMPTZ":
		return models.TypeTimestampTZ
	default:
		return models.TypeUtf8
	}
}
