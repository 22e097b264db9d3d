package services

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/blob"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/columnar"
	"github.com/rivetdb/rivetdb/pkg/database"
	"github.com/rivetdb/rivetdb/pkg/drivers"
	"github.com/rivetdb/rivetdb/pkg/fetch"
	"github.com/rivetdb/rivetdb/pkg/models"
	"github.com/rivetdb/rivetdb/pkg/secrets"
)

// fakeDriver writes a fixed row count and fails selected tables.
type fakeDriver struct {
	mu         sync.Mutex
	fetchCalls map[string]int
	discovered []models.TableMetadata
	failTables map[string]error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		fetchCalls: map[string]int{},
		failTables: map[string]error{},
	}
}

func (d *fakeDriver) Discover(context.Context, *models.ResolvedSource) ([]models.TableMetadata, error) {
	return d.discovered, nil
}

func (d *fakeDriver) FetchTable(_ context.Context, _ *models.ResolvedSource, _, _, table string, w columnar.RecordWriter) error {
	d.mu.Lock()
	d.fetchCalls[table]++
	failErr := d.failTables[table]
	d.mu.Unlock()

	if failErr != nil {
		return failErr
	}

	builder := columnar.NewBatchBuilder(w, 8)
	defer builder.Release()
	for i := 0; i < 5; i++ {
		if err := builder.AppendRow([]any{int64(i)}); err != nil {
			return err
		}
	}
	return builder.Flush()
}

type svcEnv struct {
	cat     catalog.Store
	blob    blob.Store
	driver  *fakeDriver
	orch    *fetch.Orchestrator
	refresh *RefreshService
	connSvc ConnectionService
	conn    *models.Connection
}

func tableMeta(name string) models.TableMetadata {
	return models.TableMetadata{
		SchemaName: "public",
		TableName:  name,
		Columns:    []models.ColumnMetadata{{Name: "id", DataType: models.TypeInt64, Ordinal: 1}},
	}
}

func newSvcEnv(t *testing.T) *svcEnv {
	t.Helper()
	ctx := context.Background()

	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunSQLiteMigrations(db, zap.NewNop()))
	cat := catalog.NewSQLiteStore(db)
	t.Cleanup(func() { cat.Close() })

	bs, err := blob.NewFilesystemStore(t.TempDir())
	require.NoError(t, err)

	driver := newFakeDriver()
	registry := drivers.NewRegistry()
	registry.Override(models.SourceTypeDuckDB, driver)

	secretStore := secrets.NewStore(cat, nil, zap.NewNop())
	orch := fetch.New(cat, bs, secretStore, registry, fetch.Options{}, zap.NewNop())
	refresh := NewRefreshService(cat, orch, 0, time.Hour, zap.NewNop())
	connSvc := NewConnectionService(cat, bs, registry, orch, zap.NewNop())

	src := models.Source{Type: models.SourceTypeDuckDB, DuckDB: &models.DuckDBConfig{Path: "/unused"}}
	conn, err := connSvc.Create(ctx, "c1", src)
	require.NoError(t, err)

	return &svcEnv{cat: cat, blob: bs, driver: driver, orch: orch, refresh: refresh, connSvc: connSvc, conn: conn}
}

func (e *svcEnv) seedTables(t *testing.T, names ...string) {
	t.Helper()
	metas := make([]models.TableMetadata, 0, len(names))
	for _, n := range names {
		metas = append(metas, tableMeta(n))
	}
	_, err := e.cat.UpsertTables(context.Background(), e.conn.ID, metas)
	require.NoError(t, err)
}

// A connection-wide refresh tolerates per-table failures: the healthy tables
// land, the failed one keeps its previous state.
func TestRefreshConnectionPartialFailure(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	env.seedTables(t, "t1", "t2", "t3")

	// Give t2 a previous artifact so we can observe it being retained.
	_, err := env.orch.FetchIfAbsent(ctx, env.conn, "public", "t2")
	require.NoError(t, err)
	prevRow, err := env.cat.GetTable(ctx, env.conn.ID, "public", "t2")
	require.NoError(t, err)
	require.NotNil(t, prevRow.ArtifactURL)
	prevURL := *prevRow.ArtifactURL
	prevSync := *prevRow.LastSyncAt

	env.driver.failTables["t2"] = apperrors.Driverf(apperrors.DriverQuery, "t2 is on fire")

	result, err := env.refresh.RefreshConnection(ctx, env.conn, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.TablesRefreshed)
	assert.Equal(t, 1, result.TablesFailed)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "t2", result.Errors[0].TableName)
	assert.Contains(t, result.Errors[0].Message, "t2 is on fire")

	for _, name := range []string{"t1", "t3"} {
		row, err := env.cat.GetTable(ctx, env.conn.ID, "public", name)
		require.NoError(t, err)
		require.NotNil(t, row.ArtifactURL, "table %s should have refreshed", name)
		assert.NotNil(t, row.LastSyncAt)
	}

	row, err := env.cat.GetTable(ctx, env.conn.ID, "public", "t2")
	require.NoError(t, err)
	require.NotNil(t, row.ArtifactURL)
	assert.Equal(t, prevURL, *row.ArtifactURL, "t2 must retain its previous artifact")
	assert.WithinDuration(t, prevSync, *row.LastSyncAt, time.Second)
}

func TestRefreshConnectionAsyncJobLifecycle(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	env.seedTables(t, "t1", "t2")

	id := env.refresh.RefreshConnectionAsync(ctx, env.conn, 0)

	job, ok := env.refresh.GetJob(id)
	require.True(t, ok)
	assert.Equal(t, "c1", job.Connection)

	require.Eventually(t, func() bool {
		job, ok := env.refresh.GetJob(id)
		return ok && job.Status == models.RefreshCompleted
	}, 5*time.Second, 10*time.Millisecond)

	job, _ = env.refresh.GetJob(id)
	require.NotNil(t, job.Result)
	assert.Equal(t, 2, job.Result.TablesRefreshed)
	assert.Equal(t, 2, job.Completed)
	assert.NotNil(t, job.CompletedAt)
}

func TestJobReaperDropsExpiredTerminalJobs(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	env.seedTables(t, "t1")

	id := env.refresh.RefreshTableAsync(ctx, env.conn, "public", "t1")
	require.Eventually(t, func() bool {
		job, ok := env.refresh.GetJob(id)
		return ok && job.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	// Not yet expired.
	assert.Equal(t, 0, env.refresh.reapJobs(time.Now()))
	_, ok := env.refresh.GetJob(id)
	assert.True(t, ok)

	// Expired relative to a far-future clock.
	assert.Equal(t, 1, env.refresh.reapJobs(time.Now().Add(2*time.Hour)))
	_, ok = env.refresh.GetJob(id)
	assert.False(t, ok)
}

func TestDiscoverUpsertsAndInvalidates(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()

	env.driver.discovered = []models.TableMetadata{tableMeta("users")}
	diff, err := env.connSvc.Discover(ctx, "c1", false)
	require.NoError(t, err)
	require.Len(t, diff.Added, 1)

	// Materialize, then change the schema and rediscover with invalidation.
	_, err = env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
	require.NoError(t, err)

	env.driver.discovered = []models.TableMetadata{{
		SchemaName: "public",
		TableName:  "users",
		Columns: []models.ColumnMetadata{
			{Name: "id", DataType: models.TypeInt64, Ordinal: 1},
			{Name: "email", DataType: models.TypeUtf8, Nullable: true, Ordinal: 2},
		},
	}}
	diff, err = env.connSvc.Discover(ctx, "c1", true)
	require.NoError(t, err)
	require.Len(t, diff.SchemaChanged, 1)

	row, err := env.cat.GetTable(ctx, env.conn.ID, "public", "users")
	require.NoError(t, err)
	assert.Nil(t, row.ArtifactURL, "schema-changed table should lose its artifact")

	urls, err := env.blob.List(ctx, env.blob.TablePrefix(env.conn.ID, "public", "users"))
	require.NoError(t, err)
	assert.Empty(t, urls)
}

func TestDeleteConnectionRemovesArtifacts(t *testing.T) {
	env := newSvcEnv(t)
	ctx := context.Background()
	env.seedTables(t, "t1")

	_, err := env.orch.FetchIfAbsent(ctx, env.conn, "public", "t1")
	require.NoError(t, err)

	res, err := env.connSvc.Delete(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, 1, res.TablesRemoved)

	urls, err := env.blob.List(ctx, fmt.Sprintf("%d/", env.conn.ID))
	require.NoError(t, err)
	assert.Empty(t, urls, "no residual blobs under the connection prefix")
}
