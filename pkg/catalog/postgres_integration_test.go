package catalog_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/models"
	"github.com/rivetdb/rivetdb/pkg/testhelpers"
)

// The networked backend runs the same contract as the embedded one; these
// tests cover the Postgres-specific paths (RETURNING swap, 23505 mapping,
// cascade behavior) against a real server.

func TestPostgresStoreConnectionLifecycle(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	tdb.Truncate(t)
	store := catalog.NewPostgresStore(tdb.DB)
	ctx := context.Background()

	src := models.Source{Type: models.SourceTypeDuckDB, DuckDB: &models.DuckDBConfig{Path: "/a"}}
	id, err := store.CreateConnection(ctx, "pg1", src)
	require.NoError(t, err)
	assert.Greater(t, id, int64(0))

	_, err = store.CreateConnection(ctx, "pg1", src)
	assert.True(t, errors.Is(err, apperrors.ErrNameConflict), "got %v", err)

	conn, err := store.GetConnection(ctx, "pg1")
	require.NoError(t, err)
	require.NotNil(t, conn)
	assert.Equal(t, "/a", conn.Source.DuckDB.Path)
}

func TestPostgresStoreArtifactSwap(t *testing.T) {
	tdb := testhelpers.GetTestDB(t)
	tdb.Truncate(t)
	store := catalog.NewPostgresStore(tdb.DB)
	ctx := context.Background()

	src := models.Source{Type: models.SourceTypeDuckDB, DuckDB: &models.DuckDBConfig{Path: "/a"}}
	connID, err := store.CreateConnection(ctx, "c1", src)
	require.NoError(t, err)

	_, err = store.UpsertTables(ctx, connID, []models.TableMetadata{{
		SchemaName: "public",
		TableName:  "users",
		Columns: []models.ColumnMetadata{
			{Name: "id", DataType: models.TypeInt64, Ordinal: 1},
		},
	}})
	require.NoError(t, err)

	row, err := store.GetTable(ctx, connID, "public", "users")
	require.NoError(t, err)
	require.NotNil(t, row)

	old, err := store.UpdateTableArtifact(ctx, row.ID, "s3://bucket/1/public/users/data.parquet", 10, time.Now())
	require.NoError(t, err)
	assert.Nil(t, old)

	old, err = store.UpdateTableArtifact(ctx, row.ID, "s3://bucket/1/public/users/data_abcd1234.parquet", 12, time.Now())
	require.NoError(t, err)
	require.NotNil(t, old)
	assert.Equal(t, "s3://bucket/1/public/users/data.parquet", *old)

	res, err := store.DeleteConnection(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.TablesRemoved)
	require.Len(t, res.ArtifactsToDelete, 1)
}
