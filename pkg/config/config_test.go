package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "test")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.BindAddr)
	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "sqlite", cfg.Catalog.Backend)
	assert.Equal(t, "filesystem", cfg.Blob.Backend)
	assert.Equal(t, 5*time.Minute, cfg.Fetch.Timeout())
	assert.Equal(t, time.Minute, cfg.Fetch.GracePeriod())
	assert.Equal(t, 5, cfg.Fetch.RefreshParallelism)
	assert.Equal(t, time.Hour, cfg.Fetch.JobRetention())
	assert.Equal(t, "test", cfg.Version)
}

func TestEnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
port: "9000"
catalog:
  backend: sqlite
  path: /tmp/cat.db
fetch:
  grace_period_seconds: 10
`), 0o644))

	t.Setenv("RUNTIMEDB_PORT", "9999")
	t.Setenv("RIVETDB_SECRET_KEY", "a2V5")

	cfg, err := Load(path, "test")
	require.NoError(t, err)
	assert.Equal(t, "9999", cfg.Port, "environment overrides the config file")
	assert.Equal(t, "/tmp/cat.db", cfg.Catalog.Path)
	assert.Equal(t, 10*time.Second, cfg.Fetch.GracePeriod())
	assert.Equal(t, "a2V5", cfg.SecretKey)
}

func TestValidateRejectsUnknownBackends(t *testing.T) {
	cfg := &Config{
		Catalog: CatalogConfig{Backend: "oracle"},
		Blob:    BlobConfig{Backend: "filesystem", RootDir: "/x"},
	}
	assert.Error(t, cfg.Validate())

	cfg = &Config{
		Catalog: CatalogConfig{Backend: "sqlite", Path: "/x.db"},
		Blob:    BlobConfig{Backend: "s3"},
	}
	assert.Error(t, cfg.Validate(), "s3 backend requires a bucket")
}
