package blob

import (
	"context"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFSStore(t *testing.T) Store {
	t.Helper()
	store, err := NewFilesystemStore(t.TempDir())
	require.NoError(t, err)
	return store
}

func stage(t *testing.T, h *Handle, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(h.StagingPath, []byte(content), 0o644))
}

func TestPrepareFinalizeRoundTrip(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	h, err := store.PrepareWrite(ctx, 3, "public", "users")
	require.NoError(t, err)
	assert.Equal(t, "3/public/users/data.parquet", h.Key)
	stage(t, h, "payload")

	url, err := store.Finalize(ctx, h)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(url, "file://"))
	assert.True(t, strings.HasSuffix(url, "3/public/users/data.parquet"))

	exists, err := store.Exists(ctx, url)
	require.NoError(t, err)
	assert.True(t, exists)

	data, err := os.ReadFile(strings.TrimPrefix(url, "file://"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
}

func TestVersionedWritesDoNotCollide(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	h1, err := store.PrepareVersionedWrite(ctx, 1, "s", "t")
	require.NoError(t, err)
	h2, err := store.PrepareVersionedWrite(ctx, 1, "s", "t")
	require.NoError(t, err)

	assert.NotEqual(t, h1.Key, h2.Key)
	assert.Regexp(t, `^1/s/t/data_[0-9a-f]{8}\.parquet$`, h1.Key)
}

func TestDiscardRemovesStagedFile(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	h, err := store.PrepareWrite(ctx, 1, "s", "t")
	require.NoError(t, err)
	stage(t, h, "partial")

	require.NoError(t, store.Discard(h))
	_, err = os.Stat(h.StagingPath)
	assert.True(t, os.IsNotExist(err))

	// Discarding an already-gone handle is not an error.
	require.NoError(t, store.Discard(h))
}

func TestDeleteAndExists(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	h, _ := store.PrepareWrite(ctx, 1, "s", "t")
	stage(t, h, "x")
	url, err := store.Finalize(ctx, h)
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, url))
	exists, err := store.Exists(ctx, url)
	require.NoError(t, err)
	assert.False(t, exists)

	// Deleting a missing artifact is idempotent.
	require.NoError(t, store.Delete(ctx, url))
}

func TestDeleteRejectsURLsOutsideRoot(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	err := store.Delete(ctx, "file:///etc/passwd")
	assert.Error(t, err)
}

func TestListAndDeletePrefix(t *testing.T) {
	store := newFSStore(t)
	ctx := context.Background()

	for _, tbl := range []string{"users", "orders"} {
		h, err := store.PrepareWrite(ctx, 7, "public", tbl)
		require.NoError(t, err)
		stage(t, h, tbl)
		_, err = store.Finalize(ctx, h)
		require.NoError(t, err)
	}

	urls, err := store.List(ctx, store.ConnectionPrefix(7))
	require.NoError(t, err)
	assert.Len(t, urls, 2)

	urls, err = store.List(ctx, store.TablePrefix(7, "public", "users"))
	require.NoError(t, err)
	assert.Len(t, urls, 1)

	require.NoError(t, store.DeletePrefix(ctx, store.ConnectionPrefix(7)))
	urls, err = store.List(ctx, store.ConnectionPrefix(7))
	require.NoError(t, err)
	assert.Empty(t, urls)
}
