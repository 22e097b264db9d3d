package secrets_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/database"
	"github.com/rivetdb/rivetdb/pkg/secrets"
)

const testKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

func newSecretStore(t *testing.T, withKey bool) (*secrets.Store, catalog.Store) {
	t.Helper()
	db, err := database.NewSQLite(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, database.RunSQLiteMigrations(db, zap.NewNop()))
	cat := catalog.NewSQLiteStore(db)
	t.Cleanup(func() { cat.Close() })

	var cipher *secrets.Cipher
	if withKey {
		cipher, err = secrets.NewCipher(testKey)
		require.NoError(t, err)
	}
	return secrets.NewStore(cat, cipher, zap.NewNop()), cat
}

func TestPutGetDeleteRoundTrip(t *testing.T) {
	store, _ := newSecretStore(t, true)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "pw", []byte("alpha")))

	value, err := store.Get(ctx, "pw")
	require.NoError(t, err)
	assert.Equal(t, []byte("alpha"), value)

	s, err := store.GetString(ctx, "pw")
	require.NoError(t, err)
	assert.Equal(t, "alpha", s)

	require.NoError(t, store.Delete(ctx, "pw"))
	_, err = store.Get(ctx, "pw")
	assert.True(t, errors.Is(err, apperrors.ErrNotFound))
}

func TestNamesAreNormalizedEverywhere(t *testing.T) {
	store, _ := newSecretStore(t, true)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "My-Secret", []byte("v")))

	// Reads under any casing resolve to the same entry.
	value, err := store.Get(ctx, "my-secret")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), value)

	metas, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, metas, 1)
	assert.Equal(t, "my-secret", metas[0].Name)

	require.NoError(t, store.Delete(ctx, "MY-SECRET"))
}

func TestInvalidNamesRejected(t *testing.T) {
	store, _ := newSecretStore(t, true)
	ctx := context.Background()

	for _, name := range []string{"", "has space", "has/slash", "é", string(make([]byte, 200))} {
		err := store.Put(ctx, name, []byte("v"))
		assert.True(t, errors.Is(err, apperrors.ErrInvalidName), "name %q: got %v", name, err)
	}
}

func TestCreateConflicts(t *testing.T) {
	store, _ := newSecretStore(t, true)
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, "pw", []byte("a")))
	err := store.Create(ctx, "pw", []byte("b"))
	assert.True(t, errors.Is(err, apperrors.ErrNameConflict))

	// Put overwrites.
	require.NoError(t, store.Put(ctx, "pw", []byte("c")))
	value, err := store.Get(ctx, "pw")
	require.NoError(t, err)
	assert.Equal(t, []byte("c"), value)
}

func TestNotConfigured(t *testing.T) {
	store, _ := newSecretStore(t, false)
	ctx := context.Background()

	assert.False(t, store.Configured())
	err := store.Put(ctx, "pw", []byte("v"))
	assert.True(t, errors.Is(err, apperrors.ErrNotConfigured))
	_, err = store.Get(ctx, "pw")
	assert.True(t, errors.Is(err, apperrors.ErrNotConfigured))
	_, err = store.List(ctx)
	assert.True(t, errors.Is(err, apperrors.ErrNotConfigured))
}

// Copying a ciphertext row under a different name must not decrypt: the
// stored blob is bound to its secret name.
func TestCiphertextCopiedUnderOtherNameFails(t *testing.T) {
	store, cat := newSecretStore(t, true)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "pw", []byte("alpha")))

	blob, err := cat.GetSecretValue(ctx, "pw")
	require.NoError(t, err)
	require.NotNil(t, blob)
	require.NoError(t, cat.SaveSecret(ctx, "pw2", "local", blob, false, time.Now()))

	_, err = store.Get(ctx, "pw2")
	assert.True(t, errors.Is(err, apperrors.ErrAuthenticationFailed), "got %v", err)
}
