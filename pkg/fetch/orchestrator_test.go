package fetch

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
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
	"github.com/rivetdb/rivetdb/pkg/models"
	"github.com/rivetdb/rivetdb/pkg/secrets"
)

// stubDriver records fetch calls and writes a fixed number of rows.
type stubDriver struct {
	mu         sync.Mutex
	fetchCalls int
	rows       int
	delay      time.Duration
	failTables map[string]error
}

func (d *stubDriver) calls() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fetchCalls
}

func (d *stubDriver) Discover(context.Context, *models.ResolvedSource) ([]models.TableMetadata, error) {
	return nil, nil
}

func (d *stubDriver) FetchTable(ctx context.Context, _ *models.ResolvedSource, _, _, table string, w columnar.RecordWriter) error {
	d.mu.Lock()
	d.fetchCalls++
	rows := d.rows
	delay := d.delay
	failErr := d.failTables[table]
	d.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if failErr != nil {
		return failErr
	}

	builder := columnar.NewBatchBuilder(w, 4)
	defer builder.Release()
	for i := 0; i < rows; i++ {
		if err := builder.AppendRow([]any{int64(i), fmt.Sprintf("name%d", i)}); err != nil {
			return err
		}
	}
	return builder.Flush()
}

type testEnv struct {
	cat   catalog.Store
	blob  blob.Store
	orch  *Orchestrator
	conn  *models.Connection
	stub  *stubDriver
	root  string
	colsN int
}

func newTestEnv(t *testing.T, opts Options) *testEnv {
	t.Helper()

	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunSQLiteMigrations(db, zap.NewNop()))
	cat := catalog.NewSQLiteStore(db)
	t.Cleanup(func() { cat.Close() })

	root := t.TempDir()
	bs, err := blob.NewFilesystemStore(root)
	require.NoError(t, err)

	stub := &stubDriver{rows: 10, failTables: map[string]error{}}
	registry := drivers.NewRegistry()
	registry.Override(models.SourceTypeDuckDB, stub)

	secretStore := secrets.NewStore(cat, nil, zap.NewNop())
	orch := New(cat, bs, secretStore, registry, opts, zap.NewNop())

	ctx := context.Background()
	src := models.Source{Type: models.SourceTypeDuckDB, DuckDB: &models.DuckDBConfig{Path: "/unused"}}
	_, err = cat.CreateConnection(ctx, "pg1", src)
	require.NoError(t, err)
	conn, err := cat.GetConnection(ctx, "pg1")
	require.NoError(t, err)

	_, err = cat.UpsertTables(ctx, conn.ID, []models.TableMetadata{{
		SchemaName: "public",
		TableName:  "users",
		Columns: []models.ColumnMetadata{
			{Name: "id", DataType: models.TypeInt64, Nullable: false, Ordinal: 1},
			{Name: "name", DataType: models.TypeUtf8, Nullable: true, Ordinal: 2},
		},
	}})
	require.NoError(t, err)

	return &testEnv{cat: cat, blob: bs, orch: orch, conn: conn, stub: stub, root: root}
}

func (e *testEnv) tableRow(t *testing.T) *models.Table {
	t.Helper()
	row, err := e.cat.GetTable(context.Background(), e.conn.ID, "public", "users")
	require.NoError(t, err)
	require.NotNil(t, row)
	return row
}

func TestFetchIfAbsentMaterializesOnce(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	url, err := env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.Equal(t, 1, env.stub.calls())

	exists, err := env.blob.Exists(ctx, url)
	require.NoError(t, err)
	assert.True(t, exists)

	row := env.tableRow(t)
	require.NotNil(t, row.ArtifactURL)
	assert.Equal(t, url, *row.ArtifactURL)
	require.NotNil(t, row.RowCount)
	assert.Equal(t, int64(10), *row.RowCount)
	assert.NotNil(t, row.LastSyncAt)

	// Warm path: no further driver calls.
	url2, err := env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
	require.NoError(t, err)
	assert.Equal(t, url, url2)
	assert.Equal(t, 1, env.stub.calls())
}

func TestFetchIfAbsentUnknownTable(t *testing.T) {
	env := newTestEnv(t, Options{})
	_, err := env.orch.FetchIfAbsent(context.Background(), env.conn, "public", "missing")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

// Eight concurrent cold fetches observe one build and one URL.
func TestFetchIfAbsentSingleFlight(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.stub.delay = 50 * time.Millisecond
	ctx := context.Background()

	const n = 8
	urls := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], errs[i] = env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, urls[0], urls[i])
	}
	assert.Equal(t, 1, env.stub.calls())
}

func TestRefreshTableSwapsAtomically(t *testing.T) {
	env := newTestEnv(t, Options{GracePeriod: 50 * time.Millisecond})
	ctx := context.Background()

	first, err := env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
	require.NoError(t, err)

	env.stub.mu.Lock()
	env.stub.rows = 12
	env.stub.mu.Unlock()

	newURL, oldURL, err := env.orch.RefreshTable(ctx, env.conn, "public", "users")
	require.NoError(t, err)
	require.NotNil(t, oldURL)
	assert.Equal(t, first, *oldURL)
	assert.NotEqual(t, first, newURL)
	assert.Contains(t, newURL, "data_")

	row := env.tableRow(t)
	assert.Equal(t, newURL, *row.ArtifactURL)
	assert.Equal(t, int64(12), *row.RowCount)

	// The replaced artifact stays readable during the grace period, then
	// goes away.
	exists, err := env.blob.Exists(ctx, first)
	require.NoError(t, err)
	assert.True(t, exists)

	require.Eventually(t, func() bool {
		exists, err := env.blob.Exists(ctx, first)
		return err == nil && !exists
	}, 5*time.Second, 20*time.Millisecond)
}

func TestDriverFailureLeavesCatalogUntouched(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	env.stub.failTables["users"] = apperrors.Driverf(apperrors.DriverQuery, "relation exploded")

	_, err := env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
	require.Error(t, err)
	var driverErr *apperrors.DriverError
	assert.True(t, errors.As(err, &driverErr))

	row := env.tableRow(t)
	assert.Nil(t, row.ArtifactURL)

	// No partial artifact may remain anywhere under the table's prefix.
	urls, err := env.blob.List(ctx, env.blob.TablePrefix(env.conn.ID, "public", "users"))
	require.NoError(t, err)
	assert.Empty(t, urls)

	// The single-flight slot is released; a later fetch succeeds.
	delete(env.stub.failTables, "users")
	_, err = env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
	require.NoError(t, err)
}

func TestFetchTimeout(t *testing.T) {
	env := newTestEnv(t, Options{FetchTimeout: 30 * time.Millisecond})
	env.stub.delay = time.Second

	_, err := env.orch.FetchIfAbsent(context.Background(), env.conn, "public", "users")
	assert.True(t, errors.Is(err, apperrors.ErrFetchTimeout), "got %v", err)

	row := env.tableRow(t)
	assert.Nil(t, row.ArtifactURL)
}

func TestRefreshWaitsForInflightFetch(t *testing.T) {
	env := newTestEnv(t, Options{GracePeriod: time.Hour})
	env.stub.delay = 80 * time.Millisecond
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		fetchURL string
		fetchErr error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		fetchURL, fetchErr = env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
	}()

	// Give the fetch a head start so the refresh queues behind it.
	time.Sleep(20 * time.Millisecond)
	newURL, _, err := env.orch.RefreshTable(ctx, env.conn, "public", "users")
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, fetchErr)

	// The fetch caller sees the first build; the refresh caller sees its
	// own versioned build.
	assert.NotEqual(t, fetchURL, newURL)
	assert.Equal(t, 2, env.stub.calls())

	row := env.tableRow(t)
	assert.Equal(t, newURL, *row.ArtifactURL)
}

func TestOrphanSweepRemovesUnreferencedArtifacts(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	url, err := env.orch.FetchIfAbsent(ctx, env.conn, "public", "users")
	require.NoError(t, err)

	// Strand an artifact the catalog does not reference.
	h, err := env.blob.PrepareVersionedWrite(ctx, env.conn.ID, "public", "users")
	require.NoError(t, err)
	schema, err := columnar.SchemaFromColumns([]models.Column{
		{Ordinal: 1, Name: "id", DataType: models.TypeInt64},
	})
	require.NoError(t, err)
	w, err := columnar.NewStreamingWriter(h.StagingPath, schema)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	orphanURL, err := env.blob.Finalize(ctx, h)
	require.NoError(t, err)

	require.NoError(t, env.orch.OrphanSweep(ctx))

	exists, err := env.blob.Exists(ctx, orphanURL)
	require.NoError(t, err)
	assert.False(t, exists, "orphan should be swept")

	exists, err = env.blob.Exists(ctx, url)
	require.NoError(t, err)
	assert.True(t, exists, "referenced artifact must survive the sweep")
}

func TestFetchWithSecretRefButNoKeyFails(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	src := models.Source{
		Type: models.SourceTypePostgres,
		Postgres: &models.PostgresConfig{
			Host: "h", Port: 5432, User: "u", Database: "d",
			Credential: models.Credential{Type: models.CredentialSecretRef, Name: "pw"},
		},
	}
	_, err := env.cat.CreateConnection(ctx, "locked", src)
	require.NoError(t, err)
	conn, err := env.cat.GetConnection(ctx, "locked")
	require.NoError(t, err)
	_, err = env.cat.UpsertTables(ctx, conn.ID, []models.TableMetadata{{
		SchemaName: "public",
		TableName:  "t",
		Columns:    []models.ColumnMetadata{{Name: "id", DataType: models.TypeInt64, Ordinal: 1}},
	}})
	require.NoError(t, err)

	_, err = env.orch.FetchIfAbsent(ctx, conn, "public", "t")
	assert.True(t, errors.Is(err, apperrors.ErrNotConfigured), "got %v", err)
}
