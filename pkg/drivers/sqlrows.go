package drivers

import (
	"context"
	"database/sql"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/columnar"
)

// quoteIdent double-quotes an identifier for the ANSI-ish dialects the
// database/sql drivers here speak (Snowflake, DuckDB).
func quoteIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

// selectList builds the projection for a fetch in writer-schema order.
// Decimals are cast to text so they reach the batch builder losslessly.
func selectList(schema *arrow.Schema) string {
	cols := make([]string, 0, schema.NumFields())
	for _, f := range schema.Fields() {
		q := quoteIdent(f.Name)
		if f.Type.ID() == arrow.DECIMAL128 {
			q = "CAST(" + q + " AS VARCHAR)"
		}
		cols = append(cols, q)
	}
	return strings.Join(cols, ", ")
}

// fetchSQLRows streams a database/sql result set into the writer in batches.
func fetchSQLRows(ctx context.Context, db *sql.DB, query string, w columnar.RecordWriter) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return apperrors.NewDriverError(apperrors.DriverQuery, err)
	}
	defer rows.Close()

	builder := columnar.NewBatchBuilder(w, columnar.DefaultBatchSize)
	defer builder.Release()

	n := w.Schema().NumFields()
	values := make([]any, n)
	dests := make([]any, n)
	for i := range values {
		dests[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(dests...); err != nil {
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
