package drivers

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/snowflakedb/gosnowflake"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/columnar"
	"github.com/rivetdb/rivetdb/pkg/models"
)

func init() {
	Register(models.SourceTypeSnowflake, &snowflakeDriver{})
}

// snowflakeDriver speaks to Snowflake over gosnowflake's database/sql driver.
type snowflakeDriver struct{}

func (d *snowflakeDriver) open(src *models.ResolvedSource) (*sql.DB, error) {
	cfg := src.Source.Snowflake
	password, err := src.SecretString()
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverAuth, err)
	}

	dsn, err := gosnowflake.DSN(&gosnowflake.Config{
		Account:   cfg.Account,
		User:      cfg.User,
		Password:  password,
		Database:  cfg.Database,
		Warehouse: cfg.Warehouse,
		Role:      cfg.Role,
	})
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverConnection, err)
	}

	db, err := sql.Open("snowflake", dsn)
	if err != nil {
		return nil, apperrors.NewDriverError(apperrors.DriverConnection, err)
	}
	return db, nil
}

const snowflakeDiscoverSQL = `
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
WHERE t.table_schema <> 'INFORMATION_SCHEMA'
    AND t.table_type = 'BASE TABLE'
ORDER BY t.table_schema, t.table_name, c.ordinal_position`

func (d *snowflakeDriver) Discover(ctx context.Context, src *models.ResolvedSource) ([]models.TableMetadata, error) {
	db, err := d.open(src)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx, snowflakeDiscoverSQL)
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
			DataType: snowflakeTypeTag(dataType),
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

func (d *snowflakeDriver) FetchTable(ctx context.Context, src *models.ResolvedSource, _, schema, table string, w columnar.RecordWriter) error {
	db, err := d.open(src)
	if err != nil {
		return err
	}
	defer db.Close()

	query := fmt.Sprintf(`SELECT %s FROM %s.%s`, selectList(w.Schema()), quoteIdent(schema), quoteIdent(table))
	return fetchSQLRows(ctx, db, query, w)
}

// snowflakeTypeTag maps a Snowflake type name to the portable columnar type
// set. Snowflake reports all integers as NUMBER; information_schema's
// data_type for them is "NUMBER", which lands on decimal - exact widths only
// come back for the floating and text families.
func snowflakeTypeTag(sfType string) string {
	switch strings.ToUpper(sfType) {
	case "BOOLEAN":
		return models.TypeBoolean
	case "NUMBER", "DECIMAL", "NUMERIC":
		return models.TypeDecimal
	case "INT", "INTEGER", "BIGINT", "SMALLINT", "TINYINT", "BYTEINT":
		return models.TypeInt64
	case "FLOAT", "FLOAT4", "FLOAT8", "DOUBLE", "DOUBLE PRECISION", "REAL":
		return models.TypeFloat64
	case "BINARY", "VARBINARY":
		return models.TypeBinary
	case "DATE":
		return models.TypeDate
	case "TIME":
		return models.TypeTime
	case "TIMESTAMP_NTZ", "DATETIME":
		return models.TypeTimestamp
	case "TIMESTAMP_TZ", "TIMESTAMP_LTZ":
		return models.TypeTimestampTZ
	default:
		return models.TypeUtf8
	}
}
