package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/marcboeker/go-duckdb/v2"
	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/fetch"
	"github.com/rivetdb/rivetdb/pkg/logging"
	"github.com/rivetdb/rivetdb/pkg/models"
)

// Rows is an executed query's result set.
type Rows struct {
	Columns  []string `json:"columns"`
	Rows     [][]any  `json:"rows"`
	RowCount int      `json:"row_count"`
}

// Executor runs SQL against the unified catalog with lazy table providers
// bound for every referenced table.
type Executor interface {
	Query(ctx context.Context, sqlText string, params []any) (*Rows, error)

	// QueryToParquet writes the result set to a Parquet file instead of
	// returning rows.
	QueryToParquet(ctx context.Context, sqlText string, params []any, destPath string) error
}

// S3Options configures the executor's object-store access for s3:// artifacts.
type S3Options struct {
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
}

// DuckDBExecutor executes queries in an in-process DuckDB session. Each
// referenced table becomes a view over its artifact, resolved through a lazy
// provider so cold tables are materialized on first scan.
type DuckDBExecutor struct {
	catalog catalog.Store
	orch    *fetch.Orchestrator
	s3      *S3Options
	logger  *zap.Logger
}

// NewDuckDBExecutor builds the executor. s3 may be nil when artifacts live on
// the local filesystem.
func NewDuckDBExecutor(cat catalog.Store, orch *fetch.Orchestrator, s3 *S3Options, logger *zap.Logger) *DuckDBExecutor {
	return &DuckDBExecutor{catalog: cat, orch: orch, s3: s3, logger: logger}
}

var _ Executor = (*DuckDBExecutor)(nil)

// bind resolves every table reference in the query, materializing cold
// tables, and returns a DuckDB session with one view per reference.
func (e *DuckDBExecutor) bind(ctx context.Context, sqlText string) (*sql.DB, error) {
	conns, err := e.catalog.ListConnections(ctx)
	if err != nil {
		return nil, err
	}
	known := make(map[string]bool, len(conns))
	byName := make(map[string]*models.Connection, len(conns))
	for i := range conns {
		known[conns[i].Name] = true
		byName[conns[i].Name] = &conns[i]
	}

	refs := ExtractTableRefs(sqlText, known)

	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open executor session: %v", apperrors.ErrInternal, err)
	}

	needsS3 := false
	attached := make(map[string]bool)
	for _, ref := range refs {
		conn := byName[ref.Connection]

		provider, err := NewLazyTableProvider(ctx, e.catalog, e.orch, conn, ref.Schema, ref.Table)
		if err != nil {
			db.Close()
			return nil, err
		}
		plan, err := provider.Scan(ctx, nil, nil, nil)
		if err != nil {
			db.Close()
			return nil, err
		}

		path := plan.ArtifactURL
		if strings.HasPrefix(path, "file://") {
			path = strings.TrimPrefix(path, "file://")
		} else if strings.HasPrefix(path, "s3://") {
			needsS3 = true
		}

		if !attached[ref.Connection] {
			if _, err := db.ExecContext(ctx,
				fmt.Sprintf(`ATTACH ':memory:' AS %s`, quoteDuckIdent(ref.Connection))); err != nil {
				db.Close()
				return nil, fmt.Errorf("%w: failed to attach catalog: %v", apperrors.ErrInternal, err)
			}
			attached[ref.Connection] = true
		}

		stmts := []string{
			fmt.Sprintf(`CREATE SCHEMA IF NOT EXISTS %s.%s`,
				quoteDuckIdent(ref.Connection), quoteDuckIdent(ref.Schema)),
			fmt.Sprintf(`CREATE OR REPLACE VIEW %s.%s.%s AS SELECT * FROM read_parquet(%s)`,
				quoteDuckIdent(ref.Connection), quoteDuckIdent(ref.Schema), quoteDuckIdent(ref.Table),
				quoteDuckString(path)),
		}
		for _, stmt := range stmts {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				db.Close()
				return nil, fmt.Errorf("%w: failed to bind %s.%s.%s: %v",
					apperrors.ErrInternal, ref.Connection, ref.Schema, ref.Table, err)
			}
		}
	}

	if needsS3 {
		if err := e.configureS3(ctx, db); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}

func (e *DuckDBExecutor) configureS3(ctx context.Context, db *sql.DB) error {
	stmts := []string{`INSTALL httpfs`, `LOAD httpfs`}
	if e.s3 != nil {
		if e.s3.Region != "" {
			stmts = append(stmts, fmt.Sprintf(`SET s3_region = %s`, quoteDuckString(e.s3.Region)))
		}
		if e.s3.Endpoint != "" {
			stmts = append(stmts,
				fmt.Sprintf(`SET s3_endpoint = %s`, quoteDuckString(e.s3.Endpoint)),
				`SET s3_url_style = 'path'`)
		}
		if e.s3.AccessKeyID != "" {
			stmts = append(stmts,
				fmt.Sprintf(`SET s3_access_key_id = %s`, quoteDuckString(e.s3.AccessKeyID)),
				fmt.Sprintf(`SET s3_secret_access_key = %s`, quoteDuckString(e.s3.SecretAccessKey)))
		}
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: failed to configure object store access: %v", apperrors.ErrInternal, err)
		}
	}
	return nil
}

func (e *DuckDBExecutor) Query(ctx context.Context, sqlText string, params []any) (*Rows, error) {
	if err := ValidateReadOnly(sqlText); err != nil {
		return nil, err
	}
	if err := CheckParamsForInjection(params); err != nil {
		return nil, err
	}

	db, err := e.bind(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	e.logger.Debug("Executing query", zap.String("query", logging.SanitizeQuery(sqlText)))

	rows, err := db.QueryContext(ctx, sqlText, params...)
	if err != nil {
		return nil, fmt.Errorf("query failed: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	result := &Rows{Columns: cols}
	for rows.Next() {
		values := make([]any, len(cols))
		dests := make([]any, len(cols))
		for i := range values {
			dests[i] = &values[i]
		}
		if err := rows.Scan(dests...); err != nil {
			return nil, err
		}
		for i, v := range values {
			if b, ok := v.([]byte); ok {
				values[i] = string(b)
			}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	result.RowCount = len(result.Rows)
	return result, nil
}

func (e *DuckDBExecutor) QueryToParquet(ctx context.Context, sqlText string, params []any, destPath string) error {
	if err := ValidateReadOnly(sqlText); err != nil {
		return err
	}
	if err := CheckParamsForInjection(params); err != nil {
		return err
	}

	db, err := e.bind(ctx, sqlText)
	if err != nil {
		return err
	}
	defer db.Close()

	copyStmt := fmt.Sprintf(`COPY (%s) TO %s (FORMAT PARQUET)`,
		strings.TrimSuffix(strings.TrimSpace(sqlText), ";"), quoteDuckString(destPath))
	if _, err := db.ExecContext(ctx, copyStmt, params...); err != nil {
		return fmt.Errorf("failed to persist result: %w", err)
	}
	return nil
}

func quoteDuckIdent(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteDuckString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
