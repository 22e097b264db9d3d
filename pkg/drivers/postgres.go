package drivers

import (
	"context"
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jackc/pgx/v5"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/columnar"
	"github.com/rivetdb/rivetdb/pkg/models"
)

func init() {
	Register(models.SourceTypePostgres, &postgresDriver{})
}

// postgresDriver speaks to Postgres sources over pgx.
type postgresDriver struct{}

func (d *postgresDriver) connect(ctx context.Context, src *models.ResolvedSource) (*pgx.Conn, error) {
	connStr, err := src.ConnectionString()
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverAuth, err)
	}
	conn, err := pgx.Connect(ctx, connStr)
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverConnection, err)
	}
	return conn, nil
}

const pgDiscoverSQL = `
SELECT
    t.table_schema,
    t.table_name,
    c.column_name,
    c.data_type,
    c.is_nullable,
    c.ordinal_position::int
FROM information_schema.tables t
JOIN information_schema.columns c
    ON t.table_catalog = c.table_catalog
    AND t.table_schema = c.table_schema
    AND t.table_name = c.table_name
WHERE t.table_schema NOT IN ('information_schema', 'pg_catalog')
    AND t.table_type = 'BASE TABLE'
ORDER BY t.table_schema, t.table_name, c.ordinal_position`

func (d *postgresDriver) Discover(ctx context.Context, src *models.ResolvedSource) ([]models.TableMetadata, error) {
	conn, err := d.connect(ctx, src)
	if err != nil {
		return nil, err
	}
	defer conn.Close(ctx)

	rows, err := conn.Query(ctx, pgDiscoverSQL)
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverDiscovery, err)
	}
	defer rows.Close()

	var tables []models.TableMetadata
	for rows.Next() {
		var (
			schema, table, colName, dataType, isNullable string
			ordinal                                      int
		)
		if err := rows.Scan(&schema, &table, &colName, &dataType, &isNullable, &ordinal); err != nil {
			return nil, apperrors.NewDriverError(apperrors.DriverDiscovery, err)
		}

		col := models.ColumnMetadata{
			Name:     colName,
			DataType: pgTypeTag(dataType),
			Nullable: strings.EqualFold(isNullable, "YES"),
			Ordinal:  ordinal,
		}

		if n := len(tables); n > 0 && tables[n-1].SchemaName == schema && tables[n-1].TableName == table {
			tables[n-1].Columns = append(tables[n-1].Columns, col)
		} else {
			tables = append(tables, models.TableMetadata{
				SchemaName: schema,
				TableName:  table,
				Columns:    []models.ColumnMetadata{col},
			})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverDiscovery, err)
	}
	return tables, nil
}

func (d *postgresDriver) FetchTable(ctx context.Context, src *models.ResolvedSource, _, schema, table string, w columnar.RecordWriter) error {
	conn, err := d.connect(ctx, src)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)

	// Select columns in schema order; decimals come back as text so they
	// survive the trip into the batch builder losslessly.
	cols := make([]string, 0, w.Schema().NumFields())
	for _, f := range w.Schema().Fields() {
		switch f.Type.ID() {
		case arrow.DECIMAL128:
			cols = append(cols, quotePgIdent(f.Name)+"::text")
		default:
			cols = append(cols, quotePgIdent(f.Name))
		}
	}
	query := fmt.Sprintf(`SELECT %s FROM %s.%s`,
		strings.Join(cols, ", "), quotePgIdent(schema), quotePgIdent(table))
	rows, err := conn.Query(ctx, query)
	if err != nil {
		return apperrors.NewDriverError(apperrors.DriverQuery, err)
	}
	defer rows.Close()

	builder := columnar.NewBatchBuilder(w, columnar.DefaultBatchSize)
	defer builder.Release()

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return apperrors.NewDriverError(apperrors.DriverQuery, err)
		}
		if err := builder.AppendRow(values); err != nil {
			return apperrors.NewDriverError(apperrors.DriverQuery, err)
		}
	}
	if err := rows.Err(); err != nil {
		return apperrors.NewDriverError(apperrors.DriverQuery, err)
	}
	return builder.Flush()
}

func quotePgIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// pgTypeTag maps a Postgres type name to the portable columnar type set.
func pgTypeTag(pgType string) string {
	switch strings.ToLower(pgType) {
	case "boolean", "bool":
		return models.TypeBoolean
	case "smallint", "int2":
		return models.TypeInt16
	case "integer", "int", "int4":
		return models.TypeInt32
	case "bigint", "int8":
		return models.TypeInt64
	case "real", "float4":
		return models.TypeFloat32
	case "double precision", "float8":
		return models.TypeFloat64
	case "numeric", "decimal":
		return models.TypeDecimal
	case "bytea":
		return models.TypeBinary
	case "date":
		return models.TypeDate
	case "time", "time without time zone":
		return models.TypeTime
	case "timestamp", "timestamp without time zone":
		return models.TypeTimestamp
	case "timestamp with time zone", "timestamptz":
		return models.TypeTimestampTZ
	default:
		// varchar, text, uuid, json, interval and everything else ride as text.
		return models.TypeUtf8
	}
}
