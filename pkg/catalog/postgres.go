package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/database"
	"github.com/rivetdb/rivetdb/pkg/models"
)

// postgresStore implements Store on the networked Postgres backend.
type postgresStore struct {
	db *database.DB
}

// NewPostgresStore wraps an opened catalog connection pool. The caller is
// expected to have run migrations first.
func NewPostgresStore(db *database.DB) Store {
	return &postgresStore{db: db}
}

func (s *postgresStore) Close() error {
	s.db.Close()
	return nil
}

// Unique constraint violation (PostgreSQL error code 23505).
func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// Connections

func (s *postgresStore) CreateConnection(ctx context.Context, name string, source models.Source) (int64, error) {
	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return 0, fmt.Errorf("failed to encode source: %w", err)
	}

	var id int64
	err = s.db.QueryRow(ctx,
		`INSERT INTO connections (name, source_json, created_at) VALUES ($1, $2, $3) RETURNING id`,
		name, string(sourceJSON), time.Now().UTC()).Scan(&id)
	if err != nil {
		if isPgUniqueViolation(err) {
			return 0, fmt.Errorf("connection %q: %w", name, apperrors.ErrNameConflict)
		}
		return 0, fmt.Errorf("failed to create connection: %w", err)
	}
	return id, nil
}

func (s *postgresStore) GetConnection(ctx context.Context, name string) (*models.Connection, error) {
	var (
		conn       models.Connection
		sourceJSON string
	)
	err := s.db.QueryRow(ctx,
		`SELECT id, name, source_json, created_at FROM connections WHERE name = $1`, name).
		Scan(&conn.ID, &conn.Name, &sourceJSON, &conn.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read connection: %w", err)
	}
	if err := json.Unmarshal([]byte(sourceJSON), &conn.Source); err != nil {
		return nil, fmt.Errorf("failed to decode source for connection %q: %w", conn.Name, err)
	}
	return &conn, nil
}

func (s *postgresStore) ListConnections(ctx context.Context) ([]models.Connection, error) {
	rows, err := s.db.Query(ctx,
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
		)
		if err := rows.Scan(&conn.ID, &conn.Name, &sourceJSON, &conn.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to read connection: %w", err)
		}
		if err := json.Unmarshal([]byte(sourceJSON), &conn.Source); err != nil {
			return nil, fmt.Errorf("failed to decode source for connection %q: %w", conn.Name, err)
		}
		conns = append(conns, conn)
	}
	return conns, rows.Err()
}

func (s *postgresStore) DeleteConnection(ctx context.Context, name string) (*DeleteConnectionResult, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	var connID int64
	err = tx.QueryRow(ctx, `SELECT id FROM connections WHERE name = $1`, name).Scan(&connID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up connection: %w", err)
	}

	rows, err := tx.Query(ctx,
		`SELECT artifact_url FROM tables WHERE connection_id = $1 AND artifact_url IS NOT NULL`, connID)
	if err != nil {
		return nil, fmt.Errorf("failed to collect artifacts: %w", err)
	}
	artifacts, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read artifact urls: %w", err)
	}

	var tableCount int
	if err := tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM tables WHERE connection_id = $1`, connID).Scan(&tableCount); err != nil {
		return nil, fmt.Errorf("failed to count tables: %w", err)
	}

	// Cascades to tables and columns.
	if _, err := tx.Exec(ctx, `DELETE FROM connections WHERE id = $1`, connID); err != nil {
		return nil, fmt.Errorf("failed to delete connection: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &DeleteConnectionResult{TablesRemoved: tableCount, ArtifactsToDelete: artifacts}, nil
}

// Tables

func (s *postgresStore) UpsertTables(ctx context.Context, connectionID int64, discovered []models.TableMetadata) (*models.DiscoveryDiff, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	existing, err := loadExistingTablesPg(ctx, tx, connectionID)
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
		var tableID int64
		err := tx.QueryRow(ctx,
			`INSERT INTO tables (connection_id, catalog_name, schema_name, table_name)
			 VALUES ($1, $2, $3, $4) RETURNING id`,
			connectionID, t.CatalogName, t.SchemaName, t.TableName).Scan(&tableID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert table %s.%s: %w", t.SchemaName, t.TableName, err)
		}
		if err := insertColumnsPg(ctx, tx, tableID, t.Columns); err != nil {
			return nil, err
		}
	}

	for _, ident := range diff.SchemaChanged {
		key := tableKey{catalog: ident.CatalogName, schema: ident.SchemaName, table: ident.TableName}
		t := byKey[key]
		tableID := existing[key].id
		if _, err := tx.Exec(ctx, `DELETE FROM columns WHERE table_id = $1`, tableID); err != nil {
			return nil, fmt.Errorf("failed to replace columns for %s.%s: %w", t.SchemaName, t.TableName, err)
		}
		if err := insertColumnsPg(ctx, tx, tableID, t.Columns); err != nil {
			return nil, err
		}
	}

	for _, ident := range diff.Removed {
		key := tableKey{catalog: ident.CatalogName, schema: ident.SchemaName, table: ident.TableName}
		if _, err := tx.Exec(ctx, `DELETE FROM tables WHERE id = $1`, existing[key].id); err != nil {
			return nil, fmt.Errorf("failed to remove table %s.%s: %w", ident.SchemaName, ident.TableName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}
	return &diff, nil
}

func loadExistingTablesPg(ctx context.Context, tx pgx.Tx, connectionID int64) (map[tableKey]existingTable, error) {
	rows, err := tx.Query(ctx,
		`SELECT t.id, t.catalog_name, t.schema_name, t.table_name,
		        c.ordinal, c.name, c.data_type, c.nullable
		 FROM tables t
		 LEFT JOIN columns c ON c.table_id = t.id
		 WHERE t.connection_id = $1
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
			ordinal               *int64
			colName, dataType     *string
			nullable              *bool
		)
		if err := rows.Scan(&id, &catalogName, &schemaName, &tableName, &ordinal, &colName, &dataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to read existing table: %w", err)
		}
		key := tableKey{catalog: catalogName, schema: schemaName, table: tableName}
		entry, ok := existing[key]
		if !ok {
			entry = existingTable{id: id}
		}
		if ordinal != nil {
			entry.columns = append(entry.columns, models.ColumnMetadata{
				Name:     *colName,
				DataType: *dataType,
				Nullable: *nullable,
				Ordinal:  int(*ordinal),
			})
		}
		existing[key] = entry
	}
	return existing, rows.Err()
}

func insertColumnsPg(ctx context.Context, tx pgx.Tx, tableID int64, cols []models.ColumnMetadata) error {
	for _, c := range cols {
		if _, err := tx.Exec(ctx,
			`INSERT INTO columns (table_id, ordinal, name, data_type, nullable) VALUES ($1, $2, $3, $4, $5)`,
			tableID, c.Ordinal, c.Name, c.DataType, c.Nullable); err != nil {
			return fmt.Errorf("failed to insert column %q: %w", c.Name, err)
		}
	}
	return nil
}

const pgTableColumns = `id, connection_id, catalog_name, schema_name, table_name, artifact_url, last_sync_at, row_count`

func scanPgTable(scan func(...any) error) (*models.Table, error) {
	var (
		t           models.Table
		catalogName string
	)
	err := scan(&t.ID, &t.ConnectionID, &catalogName, &t.SchemaName, &t.TableName,
		&t.ArtifactURL, &t.LastSyncAt, &t.RowCount)
	if err != nil {
		return nil, err
	}
	if catalogName != "" {
		t.CatalogName = &catalogName
	}
	return &t, nil
}

func (s *postgresStore) GetTable(ctx context.Context, connectionID int64, schema, table string) (*models.Table, error) {
	row := s.db.QueryRow(ctx,
		`SELECT `+pgTableColumns+` FROM tables
		 WHERE connection_id = $1 AND schema_name = $2 AND table_name = $3`,
		connectionID, schema, table)
	t, err := scanPgTable(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read table: %w", err)
	}
	return t, nil
}

func (s *postgresStore) ListTables(ctx context.Context, connectionID int64) ([]models.Table, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+pgTableColumns+` FROM tables WHERE connection_id = $1 ORDER BY id`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	defer rows.Close()

	var tables []models.Table
	for rows.Next() {
		t, err := scanPgTable(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to read table: %w", err)
		}
		tables = append(tables, *t)
	}
	return tables, rows.Err()
}

func (s *postgresStore) GetColumns(ctx context.Context, tableID int64) ([]models.Column, error) {
	rows, err := s.db.Query(ctx,
		`SELECT table_id, ordinal, name, data_type, nullable FROM columns
		 WHERE table_id = $1 ORDER BY ordinal`, tableID)
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

// UpdateTableArtifact swaps the cache pointer in one statement; the self-join
// exposes the pre-update row so the previous URL comes back atomically.
func (s *postgresStore) UpdateTableArtifact(ctx context.Context, tableID int64, url string, rowCount int64, now time.Time) (*string, error) {
	var oldURL *string
	err := s.db.QueryRow(ctx,
		`UPDATE tables t SET artifact_url = $2, last_sync_at = $3, row_count = $4
		 FROM tables prev
		 WHERE t.id = prev.id AND t.id = $1
		 RETURNING prev.artifact_url`,
		tableID, url, now.UTC(), rowCount).Scan(&oldURL)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("table %d: %w", tableID, apperrors.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update artifact: %w", err)
	}
	return oldURL, nil
}

func (s *postgresStore) ClearTableCache(ctx context.Context, tableID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE tables SET artifact_url = NULL, last_sync_at = NULL, row_count = NULL WHERE id = $1`, tableID)
	if err != nil {
		return fmt.Errorf("failed to clear table cache: %w", err)
	}
	return nil
}

func (s *postgresStore) ClearConnectionCache(ctx context.Context, connectionID int64) error {
	_, err := s.db.Exec(ctx,
		`UPDATE tables SET artifact_url = NULL, last_sync_at = NULL, row_count = NULL WHERE connection_id = $1`, connectionID)
	if err != nil {
		return fmt.Errorf("failed to clear connection cache: %w", err)
	}
	return nil
}

// Secrets

func (s *postgresStore) SaveSecret(ctx context.Context, name, provider string, blob []byte, overwrite bool, now time.Time) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var exists bool
	err = tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM secrets WHERE name = $1)`, name).Scan(&exists)
	if err != nil {
		return fmt.Errorf("failed to check secret: %w", err)
	}
	if exists && !overwrite {
		return fmt.Errorf("secret %q: %w", name, apperrors.ErrNameConflict)
	}

	ts := now.UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO secrets (name, provider, created_at, updated_at) VALUES ($1, $2, $3, $3)
		 ON CONFLICT (name) DO UPDATE SET provider = excluded.provider, updated_at = excluded.updated_at`,
		name, provider, ts); err != nil {
		return fmt.Errorf("failed to save secret metadata: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO encrypted_secret_values (name, encrypted_value) VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET encrypted_value = excluded.encrypted_value`,
		name, blob); err != nil {
		return fmt.Errorf("failed to save secret value: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

func (s *postgresStore) GetSecretValue(ctx context.Context, name string) ([]byte, error) {
	var blob []byte
	err := s.db.QueryRow(ctx,
		`SELECT encrypted_value FROM encrypted_secret_values WHERE name = $1`, name).Scan(&blob)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read secret value: %w", err)
	}
	return blob, nil
}

func (s *postgresStore) DeleteSecret(ctx context.Context, name string) (bool, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM secrets WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("failed to delete secret: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *postgresStore) ListSecrets(ctx context.Context) ([]models.SecretMetadata, error) {
	rows, err := s.db.Query(ctx,
		`SELECT name, provider, created_at, updated_at FROM secrets ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list secrets: %w", err)
	}
	defer rows.Close()

	var secrets []models.SecretMetadata
	for rows.Next() {
		var m models.SecretMetadata
		if err := rows.Scan(&m.Name, &m.Provider, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to read secret: %w", err)
		}
		secrets = append(secrets, m)
	}
	return secrets, rows.Err()
}

// Results

func (s *postgresStore) InsertResult(ctx context.Context, parquetPath string, now time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO results (parquet_path, created_at) VALUES ($1, $2) RETURNING id`,
		parquetPath, now.UTC()).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert result: %w", err)
	}
	return id, nil
}

func (s *postgresStore) GetResult(ctx context.Context, id int64) (*models.QueryResult, error) {
	var r models.QueryResult
	err := s.db.QueryRow(ctx,
		`SELECT id, parquet_path, created_at FROM results WHERE id = $1`, id).
		Scan(&r.ID, &r.ParquetPath, &r.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read result: %w", err)
	}
	return &r, nil
}

func (s *postgresStore) DeleteResultsBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.Query(ctx,
		`DELETE FROM results WHERE created_at < $1 RETURNING parquet_path`, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to delete expired results: %w", err)
	}
	paths, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read expired result paths: %w", err)
	}
	return paths, nil
}
