package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/models"
)

// sqliteStore implements Store on the embedded SQLite backend.
type sqliteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an opened SQLite catalog database. The caller is
// expected to have run migrations first.
func NewSQLiteStore(db *sql.DB) Store {
	return &sqliteStore{db: db}
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}

func isSQLiteConstraint(err error) bool {
	var se *sqlite.Error
	if errors.As(err, &se) {
		code := se.Code()
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE ||
			code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY ||
			code == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

const sqliteTimeFormat = time.RFC3339Nano

func encodeTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeFormat)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(sqliteTimeFormat, s)
	if err != nil {
		// Migrations write CURRENT_TIMESTAMP in SQLite's own format.
		t, _ = time.Parse("2006-01-02 15:04:05", s)
	}
	return t
}

// Connections

func (s *sqliteStore) CreateConnection(ctx context.Context, name string, source models.Source) (int64, error) {
	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return 0, fmt.Errorf("failed to encode source: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO connections (name, source_json, created_at) VALUES (?, ?, ?)`,
		name, string(sourceJSON), encodeTime(time.Now()))
	if err != nil {
		if isSQLiteConstraint(err) {
			return 0, fmt.Errorf("connection %q: %w", name, apperrors.ErrNameConflict)
		}
		return 0, fmt.Errorf("failed to create connection: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetConnection(ctx context.Context, name string) (*models.Connection, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, source_json, created_at FROM connections WHERE name = ?`, name)
	return scanConnection(row)
}

func scanConnection(row *sql.Row) (*models.Connection, error) {
	var (
		conn       models.Connection
		sourceJSON string
		createdAt  string
	)
	err := row.Scan(&conn.ID, &conn.Name, &sourceJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read connection: %w", err)
	}
	if err := json.Unmarshal([]byte(sourceJSON), &conn.Source); err != nil {
		return nil, fmt.Errorf("failed to decode source for connection %q: %w", conn.Name, err)
	}
	conn.CreatedAt = decodeTime(createdAt)
	return &conn, nil
}

func (s *sqliteStore) ListConnections(ctx context.Context) ([]models.Connection, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, source_json, created_at FROM connections ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var conns []models.Connection
	for rows.Next() {
		var (
			conn       models.Connection
			sourceJSON string
			createdAt  string
		)
		if err := rows.Scan(&conn.ID, &conn.Name, &sourceJSON, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to read connection: %w", err)
		}
		if err := json.Unmarshal([]byte(sourceJSON), &conn.Source); err != nil {
			return nil, fmt.Errorf("failed to decode source for connection %q: %w", conn.Name, err)
		}
		conn.CreatedAt = decodeTime(createdAt)
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (s *sqliteStore) DeleteConnection(ctx context.Context, name string) (*DeleteConnectionResult, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // rollback on defer is best-effort

	var connID int64
	err = tx.QueryRowContext(ctx, `SELECT id FROM connections WHERE name = ?`, name).Scan(&connID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up connection: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT artifact_url FROM tables WHERE connection_id = ? AND artifact_url IS NOT NULL`, connID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect artifacts: %w", err)
	}
	var artifacts []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to read artifact url: %w", err)
		}
		artifacts = append(artifacts, u)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var tableCount int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tables WHERE connection_id = ?`, connID).Scan(&tableCount); err != nil {
		return nil, fmt.Errorf("failed to count tables: %w", err)
	}

	// Cascades to tables and columns.
	if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, connID); err != nil {
		return nil, fmt.Errorf("failed to delete connection: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &DeleteConnectionResult{TablesRemoved: tableCount, ArtifactsToDelete: artifacts}, nil
}

// Tables

func (s *sqliteStore) UpsertTables(ctx context.Context, connectionID int64, discovered []models.TableMetadata) (*models.DiscoveryDiff, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	existing, err := loadExistingTables(ctx, tx, connectionID)
	if err != nil {
		return nil, err
	}

	diff := computeDiff(existing, discovered)

	byKey := make(map[tableKey]models.TableMetadata, len(discovered))
	for _, t := range discovered {
		byKey[tableKey{catalog: t.CatalogName, schema: t.SchemaName, table: t.TableName}] = t
	}

	for _, ident := range diff.Added {
		t := byKey[tableKey{catalog: ident.CatalogName, schema: ident.SchemaName, table: ident.TableName}]
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tables (connection_id, catalog_name, schema_name, table_name) VALUES (?, ?, ?, ?)`,
			connectionID, t.CatalogName, t.SchemaName, t.TableName)
		if err != nil {
			return nil, fmt.Errorf("failed to insert table %s.%s: %w", t.SchemaName, t.TableName, err)
		}
		tableID, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		if err := insertColumnsTx(ctx, tx, tableID, t.Columns); err != nil {
			return nil, err
		}
	}

	for _, ident := range diff.SchemaChanged {
		key := tableKey{catalog: ident.CatalogName, schema: ident.SchemaName, table: ident.TableName}
		t := byKey[key]
		tableID := existing[key].id
		if _, err := tx.ExecContext(ctx, `DELETE FROM columns WHERE table_id = ?`, tableID); err != nil {
			return nil, fmt.Errorf("failed to replace columns for %s.%s: %w", t.SchemaName, t.TableName, err)
		}
		if err := insertColumnsTx(ctx, tx, tableID, t.Columns); err != nil {
			return nil, err
		}
	}

	for _, ident := range diff.Removed {
		key := tableKey{catalog: ident.CatalogName, schema: ident.SchemaName, table: ident.TableName}
		if _, err := tx.ExecContext(ctx, `DELETE FROM tables WHERE id = ?`, existing[key].id); err != nil {
			return nil, fmt.Errorf("failed to remove table %s.%s: %w", ident.SchemaName, ident.TableName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &diff, nil
}

func loadExistingTables(ctx context.Context, tx *sql.Tx, connectionID int64) (map[tableKey]existingTable, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT t.id, t.catalog_name, t.schema_name, t.table_name,
		        c.ordinal, c.name, c.data_type, c.nullable
		 FROM tables t
		 LEFT JOIN columns c ON c.table_id = t.id
		 WHERE t.connection_id = ?
		 ORDER BY t.id, c.ordinal`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing tables: %w", err)
	}
	defer rows.Close()

	existing := make(map[tableKey]existingTable)
	for rows.Next() {
		var (
			id                    int64
			catalogName           string
			schemaName, tableName string
			ordinal               sql.NullInt64
			colName, dataType     sql.NullString
			nullable              sql.NullBool
		)
		if err := rows.Scan(&id, &catalogName, &schemaName, &tableName, &ordinal, &colName, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to read existing table: %w", err)
		}
		key := tableKey{catalog: catalogName, schema: schemaName, table: tableName}
		entry, ok := existing[key]
		if !ok {
			entry = existingTable{id: id}
		}
		if ordinal.Valid {
			entry.columns = append(entry.columns, models.ColumnMetadata{
				Name:     colName.String,
				DataType: dataType.String,
				Nullable: nullable.Bool,
				Ordinal:  int(ordinal.Int64),
			})
		}
		existing[key] = entry
	}
	return existing, rows.Err()
}

func insertColumnsTx(ctx context.Context, tx *sql.Tx, tableID int64, cols []models.ColumnMetadata) error {
	for _, c := range cols {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO columns (table_id, ordinal, name, data_type, nullable) VALUES (?, ?, ?, ?, ?)`,
			tableID, c.Ordinal, c.Name, c.DataType, c.Nullable); err != nil {
			return fmt.Errorf("failed to insert column %q: %w", c.Name, err)
		}
	}
	return nil
}

const sqliteTableColumns = `id, connection_id, catalog_name, schema_name, table_name, artifact_url, last_sync_at, row_count`

func scanSQLiteTable(scan func(...any) error) (*models.Table, error) {
	var (
		t           models.Table
		catalogName string
		lastSync    sql.NullString
	)
	err := scan(&t.ID, &t.ConnectionID, &catalogName, &t.SchemaName, &t.TableName,
		&t.ArtifactURL, &lastSync, &t.RowCount)
	if err != nil {
		return nil, err
	}
	if catalogName != "" {
		t.CatalogName = &catalogName
	}
	if lastSync.Valid {
		ts := decodeTime(lastSync.String)
		t.LastSyncAt = &ts
	}
	return &t, nil
}

func (s *sqliteStore) GetTable(ctx context.Context, connectionID int64, schema, table string) (*models.Table, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteTableColumns+` FROM tables
		 WHERE connection_id = ? AND schema_name = ? AND table_name = ?`,
		connectionID, schema, table)
	t, err := scanSQLiteTable(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}
	return t, nil
}

func (s *sqliteStore) ListTables(ctx context.Context, connectionID int64) ([]models.Table, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteTableColumns+` FROM tables WHERE connection_id = ? ORDER BY id`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []models.Table
	for rows.Next() {
		t, err := scanSQLiteTable(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to read table: %w", err)
		}
		tables = append(tables, *t)
	}
	return tables, rows.Err()
}

func (s *sqliteStore) GetColumns(ctx context.Context, tableID int64) ([]models.Column, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT table_id, ordinal, name, data_type, nullable FROM columns
		 WHERE table_id = ? ORDER BY ordinal`, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list columns: %w", err)
	}
	defer rows.Close()

	var cols []models.Column
	for rows.Next() {
		var c models.Column
		if err := rows.Scan(&c.TableID, &c.Ordinal, &c.Name, &c.DataType, &c.Nullable); err != nil {
			return nil, fmt.Errorf("failed to read column: %w", err)
		}
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (s *sqliteStore) UpdateTableArtifact(ctx context.Context, tableID int64, url string, rowCount int64, now time.Time) (*string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var oldURL *string
	err = tx.QueryRowContext(ctx, `SELECT artifact_url FROM tables WHERE id = ?`, tableID).Scan(&oldURL)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("table %d: %w", tableID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read previous artifact: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE tables SET artifact_url = ?, last_sync_at = ?, row_count = ? WHERE id = ?`,
		url, encodeTime(now), rowCount, tableID); err != nil {
		return nil, fmt.Errorf("failed to update artifact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return oldURL, nil
}

func (s *sqliteStore) ClearTableCache(ctx context.Context, tableID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tables SET artifact_url = NULL, last_sync_at = NULL, row_count = NULL WHERE id = ?`, tableID)
	if err != nil {
		return fmt.Errorf("failed to clear table cache: %w", err)
	}
	return nil
}

func (s *sqliteStore) ClearConnectionCache(ctx context.Context, connectionID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tables SET artifact_url = NULL, last_sync_at = NULL, row_count = NULL WHERE connection_id = ?`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to clear connection cache: %w", err)
	}
	return nil
}

// Secrets

func (s *sqliteStore) SaveSecret(ctx context.Context, name, provider string, blob []byte, overwrite bool, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists bool
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM secrets WHERE name = ?`, name).Scan(&exists)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check secret: %w", err)
	}
	if exists && !overwrite {
		return fmt.Errorf("secret %q: %w", name, apperrors.ErrNameConflict)
	}

	ts := encodeTime(now)
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO secrets (name, provider, created_at, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET provider = excluded.provider, updated_at = excluded.updated_at`,
		name, provider, ts, ts); err != nil {
		return fmt.Errorf("failed to save secret metadata: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO encrypted_secret_values (name, encrypted_value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET encrypted_value = excluded.encrypted_value`,
		name, blob); err != nil {
		return fmt.Errorf("failed to save secret value: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *sqliteStore) GetSecretValue(ctx context.Context, name string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT encrypted_value FROM encrypted_secret_values WHERE name = ?`, name).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret value: %w", err)
	}
	return blob, nil
}

func (s *sqliteStore) DeleteSecret(ctx context.Context, name string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE name = ?`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete secret: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *sqliteStore) ListSecrets(ctx context.Context) ([]models.SecretMetadata, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT name, provider, created_at, updated_at FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []models.SecretMetadata
	for rows.Next() {
		var (
			m                    models.SecretMetadata
			createdAt, updatedAt string
		)
		if err := rows.Scan(&m.Name, &m.Provider, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to read secret: %w", err)
		}
		m.CreatedAt = decodeTime(createdAt)
		m.UpdatedAt = decodeTime(updatedAt)
		secrets = append(secrets, m)
	}
	return secrets, rows.Err()
}

// Results

func (s *sqliteStore) InsertResult(ctx context.Context, parquetPath string, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO results (parquet_path, created_at) VALUES (?, ?)`,
		parquetPath, encodeTime(now))
	if err != nil {
		return 0, fmt.Errorf("failed to insert result: %w", err)
	}
	return res.LastInsertId()
}

func (s *sqliteStore) GetResult(ctx context.Context, id int64) (*models.QueryResult, error) {
	var (
		r         models.QueryResult
		createdAt string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, parquet_path, created_at FROM results WHERE id = ?`, id).
		Scan(&r.ID, &r.ParquetPath, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	r.CreatedAt = decodeTime(createdAt)
	return &r, nil
}

func (s *sqliteStore) DeleteResultsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	rows, err := tx.QueryContext(ctx,
		`SELECT parquet_path FROM results WHERE created_at < ?`, encodeTime(cutoff))
	if err != nil {
		return nil, fmt.Errorf("failed to find expired results: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return nil, err
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM results WHERE created_at < ?`, encodeTime(cutoff)); err != nil {
		return nil, fmt.Errorf("failed to delete expired results: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return paths, nil
}
