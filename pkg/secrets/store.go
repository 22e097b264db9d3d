package secrets

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/models"
)

// namePattern constrains normalized secret names. Normalization and this
// check run identically on put, get, delete, and AAD construction.
var namePattern = regexp.MustCompile(`^[a-z0-9_-]{1,128}$`)

// NormalizeName lowercases a secret name and validates it.
func NormalizeName(name string) (string, error) {
	normalized := strings.ToLower(name)
	if !namePattern.MatchString(normalized) {
		return "", fmt.Errorf("secret name %q: %w", name, apperrors.ErrInvalidName)
	}
	return normalized, nil
}

// Store persists encrypted secrets in the catalog database. A nil cipher
// means the master key is not configured; every operation fails with
// ErrNotConfigured so callers can surface 503.
type Store struct {
	catalog  catalog.Store
	cipher   *Cipher
	provider string
	logger   *zap.Logger
}

// NewStore creates a secret store. cipher may be nil when RIVETDB_SECRET_KEY
// is unset.
func NewStore(cat catalog.Store, cipher *Cipher, logger *zap.Logger) *Store {
	return &Store{catalog: cat, cipher: cipher, provider: "local", logger: logger}
}

// Configured reports whether the master key is available.
func (s *Store) Configured() bool {
	return s.cipher != nil
}

func (s *Store) ensureConfigured() error {
	if s.cipher == nil {
		return apperrors.ErrNotConfigured
	}
	return nil
}

// Put encrypts value and stores it under the normalized name, overwriting
// any previous value.
func (s *Store) Put(ctx context.Context, name string, value []byte) error {
	return s.put(ctx, name, value, true)
}

// Create is Put without overwrite: an existing name fails with NameConflict.
func (s *Store) Create(ctx context.Context, name string, value []byte) error {
	return s.put(ctx, name, value, false)
}

func (s *Store) put(ctx context.Context, name string, value []byte, overwrite bool) error {
	if err := s.ensureConfigured(); err != nil {
		return err
	}
	normalized, err := NormalizeName(name)
	if err != nil {
		return err
	}

	blob, err := s.cipher.Encrypt(normalized, value)
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	if err := s.catalog.SaveSecret(ctx, normalized, s.provider, blob, overwrite, time.Now()); err != nil {
		return err
	}
	s.logger.Info("Stored secret", zap.String("name", normalized))
	return nil
}

// Get decrypts and returns the secret value stored under name.
func (s *Store) Get(ctx context.Context, name string) ([]byte, error) {
	if err := s.ensureConfigured(); err != nil {
		return nil, err
	}
	normalized, err := NormalizeName(name)
	if err != nil {
		return nil, err
	}

	blob, err := s.catalog.GetSecretValue(ctx, normalized)
	if err != nil {
		return nil, err
	}
	if blob == nil {
		return nil, fmt.Errorf("secret %q: %w", normalized, apperrors.ErrNotFound)
	}

	value, err := s.cipher.Decrypt(normalized, blob)
	if err != nil {
		s.logger.Warn("Secret decryption failed", zap.String("name", normalized), zap.Error(err))
		return nil, err
	}
	return value, nil
}

// GetString returns the secret value decoded as UTF-8.
func (s *Store) GetString(ctx context.Context, name string) (string, error) {
	value, err := s.Get(ctx, name)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

// Delete removes the secret stored under name.
func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.ensureConfigured(); err != nil {
		return err
	}
	normalized, err := NormalizeName(name)
	if err != nil {
		return err
	}

	found, err := s.catalog.DeleteSecret(ctx, normalized)
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("secret %q: %w", normalized, apperrors.ErrNotFound)
	}
	s.logger.Info("Deleted secret", zap.String("name", normalized))
	return nil
}

// List returns metadata for all stored secrets; values are never listed.
func (s *Store) List(ctx context.Context) ([]models.SecretMetadata, error) {
	if err := s.ensureConfigured(); err != nil {
		return nil, err
	}
	return s.catalog.ListSecrets(ctx)
}
