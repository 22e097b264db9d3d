package blob

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
)

// filesystemStore keeps artifacts under a local root directory. Staged writes
// land in a .staging subdirectory and are renamed into place on finalize, so
// a readable artifact is always complete.
type filesystemStore struct {
	root    string
	staging string
}

// NewFilesystemStore creates the artifact root (and staging area) if needed.
func NewFilesystemStore(rootDir string) (Store, error) {
	root, err := filepath.Abs(rootDir)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to resolve blob root: %v", apperrors.ErrStorage, err)
	}
	staging := filepath.Join(root, ".staging")
	if err := os.MkdirAll(staging, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create blob root: %v", apperrors.ErrStorage, err)
	}
	return &filesystemStore{root: root, staging: staging}, nil
}

func (s *filesystemStore) TablePrefix(connectionID int64, schema, table string) string {
	return tablePrefix(connectionID, schema, table)
}

func (s *filesystemStore) ConnectionPrefix(connectionID int64) string {
	return connectionPrefix(connectionID)
}

func (s *filesystemStore) prepare(key string) (*Handle, error) {
	token, err := versionToken()
	if err != nil {
		return nil, err
	}
	stagingPath := filepath.Join(s.staging, "stage_"+token+artifactExt)
	return &Handle{Key: key, StagingPath: stagingPath}, nil
}

func (s *filesystemStore) PrepareWrite(_ context.Context, connectionID int64, schema, table string) (*Handle, error) {
	return s.prepare(artifactKey(connectionID, schema, table, ""))
}

func (s *filesystemStore) PrepareVersionedWrite(_ context.Context, connectionID int64, schema, table string) (*Handle, error) {
	version, err := versionToken()
	if err != nil {
		return nil, err
	}
	return s.prepare(artifactKey(connectionID, schema, table, version))
}

func (s *filesystemStore) Finalize(_ context.Context, h *Handle) (string, error) {
	final := filepath.Join(s.root, filepath.FromSlash(h.Key))
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return "", fmt.Errorf("%w: failed to create artifact directory: %v", apperrors.ErrStorage, err)
	}
	if err := os.Rename(h.StagingPath, final); err != nil {
		return "", fmt.Errorf("%w: failed to publish artifact: %v", apperrors.ErrStorage, err)
	}
	return "file://" + final, nil
}

func (s *filesystemStore) Discard(h *Handle) error {
	err := os.Remove(h.StagingPath)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to discard staged artifact: %v", apperrors.ErrStorage, err)
	}
	return nil
}

// pathFor validates that url is a file URL inside the store root.
func (s *filesystemStore) pathFor(url string) (string, error) {
	scheme, rest, err := splitURL(url)
	if err != nil {
		return "", fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}
	if scheme != "file" {
		return "", fmt.Errorf("%w: filesystem store cannot handle %s URL", apperrors.ErrStorage, scheme)
	}
	path := filepath.Clean(rest)
	if path != s.root && !strings.HasPrefix(path, s.root+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: %q is outside the blob root", apperrors.ErrStorage, url)
	}
	return path, nil
}

func (s *filesystemStore) Delete(_ context.Context, url string) error {
	path, err := s.pathFor(url)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: failed to delete artifact: %v", apperrors.ErrStorage, err)
	}
	return nil
}

func (s *filesystemStore) DeletePrefix(_ context.Context, prefix string) error {
	if err := os.RemoveAll(filepath.Join(s.root, filepath.FromSlash(prefix))); err != nil {
		return fmt.Errorf("%w: failed to delete prefix %q: %v", apperrors.ErrStorage, prefix, err)
	}
	return nil
}

func (s *filesystemStore) List(_ context.Context, prefix string) ([]string, error) {
	base := filepath.Join(s.root, filepath.FromSlash(prefix))
	var urls []string
	err := filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			urls = append(urls, "file://"+path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list prefix %q: %v", apperrors.ErrStorage, prefix, err)
	}
	return urls, nil
}

func (s *filesystemStore) Exists(_ context.Context, url string) (bool, error) {
	path, err := s.pathFor(url)
	if err != nil {
		return false, err
	}
	_, statErr := os.Stat(path)
	if statErr == nil {
		return true, nil
	}
	if os.IsNotExist(statErr) {
		return false, nil
	}
	return false, fmt.Errorf("%w: %v", apperrors.ErrStorage, statErr)
}
