// Package config loads engine configuration from a YAML file with
// environment variable overrides. Environment variables always win over
// YAML values; secrets (the master key, S3 credentials) come only from the
// environment.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config holds all configuration for the rivetdb server.
type Config struct {
	BindAddr string `yaml:"bind_addr" env:"RUNTIMEDB_BIND_ADDR" env-default:"127.0.0.1"`
	Port     string `yaml:"port" env:"RUNTIMEDB_PORT" env-default:"8080"`
	Env      string `yaml:"env" env:"RUNTIMEDB_ENV" env-default:"local"`
	Version  string `yaml:"-"`

	Catalog CatalogConfig `yaml:"catalog"`
	Blob    BlobConfig    `yaml:"blob"`
	Fetch   FetchConfig   `yaml:"fetch"`

	// SecretKey is the base64 encoding of the 32-byte master key used to
	// encrypt stored credentials. When unset, secret routes return 503 and
	// only connections without secret references can be fetched.
	SecretKey string `yaml:"-" env:"RIVETDB_SECRET_KEY"`
}

// CatalogConfig selects and configures the catalog database backend.
type CatalogConfig struct {
	// Backend is "sqlite" (embedded) or "postgres" (networked).
	Backend string `yaml:"backend" env:"RUNTIMEDB_CATALOG_BACKEND" env-default:"sqlite"`

	// Path is the SQLite database file path (sqlite backend only).
	Path string `yaml:"path" env:"RUNTIMEDB_CATALOG_PATH" env-default:"rivetdb.db"`

	Host           string `yaml:"host" env:"RUNTIMEDB_CATALOG_HOST" env-default:"localhost"`
	Port           int    `yaml:"port" env:"RUNTIMEDB_CATALOG_PORT" env-default:"5432"`
	User           string `yaml:"user" env:"RUNTIMEDB_CATALOG_USER" env-default:"rivetdb"`
	Password       string `yaml:"-" env:"RUNTIMEDB_CATALOG_PASSWORD"`
	Database       string `yaml:"database" env:"RUNTIMEDB_CATALOG_DATABASE" env-default:"rivetdb"`
	SSLMode        string `yaml:"ssl_mode" env:"RUNTIMEDB_CATALOG_SSLMODE" env-default:"disable"`
	MaxConnections int32  `yaml:"max_connections" env:"RUNTIMEDB_CATALOG_MAX_CONNECTIONS" env-default:"10"`
}

// DSN builds the Postgres connection string for the networked backend.
func (c *CatalogConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode)
}

// BlobConfig selects and configures the artifact store backend.
type BlobConfig struct {
	// Backend is "filesystem" or "s3".
	Backend string `yaml:"backend" env:"RUNTIMEDB_BLOB_BACKEND" env-default:"filesystem"`

	// RootDir is the artifact root for the filesystem backend.
	RootDir string `yaml:"root_dir" env:"RUNTIMEDB_BLOB_ROOT_DIR" env-default:"./cache"`

	Bucket          string `yaml:"bucket" env:"RUNTIMEDB_BLOB_BUCKET"`
	Region          string `yaml:"region" env:"RUNTIMEDB_BLOB_REGION" env-default:"us-east-1"`
	Endpoint        string `yaml:"endpoint" env:"RUNTIMEDB_BLOB_ENDPOINT"`
	AccessKeyID     string `yaml:"-" env:"RUNTIMEDB_BLOB_ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-" env:"RUNTIMEDB_BLOB_SECRET_ACCESS_KEY"`
}

// FetchConfig tunes the fetch orchestrator and refresh scheduler.
type FetchConfig struct {
	TimeoutSeconds       int `yaml:"timeout_seconds" env:"RUNTIMEDB_FETCH_TIMEOUT_SECONDS" env-default:"300"`
	GracePeriodSeconds   int `yaml:"grace_period_seconds" env:"RUNTIMEDB_GRACE_PERIOD_SECONDS" env-default:"60"`
	RefreshParallelism   int `yaml:"refresh_parallelism" env:"RUNTIMEDB_REFRESH_PARALLELISM" env-default:"5"`
	JobRetentionSeconds  int `yaml:"job_retention_seconds" env:"RUNTIMEDB_JOB_RETENTION_SECONDS" env-default:"3600"`
	OrphanSweepSeconds   int `yaml:"orphan_sweep_seconds" env:"RUNTIMEDB_ORPHAN_SWEEP_SECONDS" env-default:"3600"`
	ResultRetentionHours int `yaml:"result_retention_hours" env:"RUNTIMEDB_RESULT_RETENTION_HOURS" env-default:"24"`
}

// Timeout returns the per-connection fetch deadline.
func (f *FetchConfig) Timeout() time.Duration {
	return time.Duration(f.TimeoutSeconds) * time.Second
}

// GracePeriod returns how long a replaced artifact is retained.
func (f *FetchConfig) GracePeriod() time.Duration {
	return time.Duration(f.GracePeriodSeconds) * time.Second
}

// JobRetention returns how long terminal async jobs are kept in the registry.
func (f *FetchConfig) JobRetention() time.Duration {
	return time.Duration(f.JobRetentionSeconds) * time.Second
}

// OrphanSweepInterval returns how often the orphan sweep runs.
func (f *FetchConfig) OrphanSweepInterval() time.Duration {
	return time.Duration(f.OrphanSweepSeconds) * time.Second
}

// Load reads configuration from path (or defaults plus environment when the
// file is absent) and validates it.
func Load(path, version string) (*Config, error) {
	cfg := &Config{Version: version}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
	} else {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return nil, fmt.Errorf("failed to read environment: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	switch c.Catalog.Backend {
	case "sqlite":
		if c.Catalog.Path == "" {
			return fmt.Errorf("catalog.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Catalog.Database == "" {
			return fmt.Errorf("catalog.database is required for the postgres backend")
		}
	default:
		return fmt.Errorf("unknown catalog backend %q", c.Catalog.Backend)
	}

	switch c.Blob.Backend {
	case "filesystem":
		if c.Blob.RootDir == "" {
			return fmt.Errorf("blob.root_dir is required for the filesystem backend")
		}
	case "s3":
		if c.Blob.Bucket == "" {
			return fmt.Errorf("blob.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unknown blob backend %q", c.Blob.Backend)
	}

	return nil
}
