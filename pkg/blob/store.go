// Package blob stores columnar artifacts behind a location-addressed
// interface. Callers stage writes to a local file, then finalize to obtain a
// URL (file:// or s3://); the scheme is hidden from everything above it.
package blob

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
)

// Handle is an in-progress artifact write. The streaming writer writes to
// StagingPath; Finalize moves or uploads it into place.
type Handle struct {
	// Key is the artifact's path relative to the store root:
	// <connection_id>/<schema>/<table>/data[_<version>].parquet
	Key string

	// StagingPath is the local file the writer produces.
	StagingPath string
}

// Store is the artifact store contract.
type Store interface {
	// PrepareWrite stages a write to the table's unversioned artifact path.
	PrepareWrite(ctx context.Context, connectionID int64, schema, table string) (*Handle, error)

	// PrepareVersionedWrite embeds a fresh random version token in the path
	// so concurrent writes to the same logical table cannot collide.
	PrepareVersionedWrite(ctx context.Context, connectionID int64, schema, table string) (*Handle, error)

	// Finalize publishes the staged file and returns its URL.
	Finalize(ctx context.Context, h *Handle) (string, error)

	// Discard removes a staged file that will not be finalized.
	Discard(h *Handle) error

	Delete(ctx context.Context, url string) error
	DeletePrefix(ctx context.Context, prefix string) error

	// List returns the URLs of all artifacts under a prefix.
	List(ctx context.Context, prefix string) ([]string, error)

	Exists(ctx context.Context, url string) (bool, error)

	// TablePrefix and ConnectionPrefix return store-relative prefixes for
	// sweep and teardown.
	TablePrefix(connectionID int64, schema, table string) string
	ConnectionPrefix(connectionID int64) string
}

const artifactExt = ".parquet"

func tablePrefix(connectionID int64, schema, table string) string {
	return fmt.Sprintf("%d/%s/%s/", connectionID, schema, table)
}

func connectionPrefix(connectionID int64) string {
	return fmt.Sprintf("%d/", connectionID)
}

func artifactKey(connectionID int64, schema, table, version string) string {
	if version == "" {
		return tablePrefix(connectionID, schema, table) + "data" + artifactExt
	}
	return tablePrefix(connectionID, schema, table) + "data_" + version + artifactExt
}

// versionToken returns the 8-character random token embedded in versioned
// artifact paths.
func versionToken() (string, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("failed to generate version token: %w", err)
	}
	return hex.EncodeToString(b[:]), nil
}

// splitURL separates a blob URL into scheme and remainder.
func splitURL(url string) (scheme, rest string, err error) {
	switch {
	case strings.HasPrefix(url, "file://"):
		return "file", strings.TrimPrefix(url, "file://"), nil
	case strings.HasPrefix(url, "s3://"):
		return "s3", strings.TrimPrefix(url, "s3://"), nil
	default:
		return "", "", fmt.Errorf("unsupported blob URL %q", url)
	}
}
