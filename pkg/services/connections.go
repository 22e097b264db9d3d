// Package services wires the catalog, blob store, secret store, fetch
// orchestrator, and drivers into the operations the HTTP surface exposes.
package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/blob"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/drivers"
	"github.com/rivetdb/rivetdb/pkg/fetch"
	"github.com/rivetdb/rivetdb/pkg/models"
)

// DeleteConnectionResult reports what a teardown removed.
type DeleteConnectionResult struct {
	TablesRemoved    int `json:"tables_removed"`
	ArtifactsDeleted int `json:"artifacts_deleted"`
}

// ConnectionService manages connections and discovery.
type ConnectionService interface {
	Create(ctx context.Context, name string, source models.Source) (*models.Connection, error)
	Get(ctx context.Context, name string) (*models.Connection, error)
	List(ctx context.Context) ([]models.Connection, error)
	Delete(ctx context.Context, name string) (*DeleteConnectionResult, error)

	// Discover introspects the remote source and records its tables and
	// columns. With invalidateChanged set, schema-changed tables lose their
	// cached artifacts so the next scan re-materializes them.
	Discover(ctx context.Context, name string, invalidateChanged bool) (*models.DiscoveryDiff, error)

	ListTables(ctx context.Context, name string) ([]models.Table, error)
	InvalidateTable(ctx context.Context, name, schema, table string) error
}

type connectionService struct {
	catalog  catalog.Store
	blob     blob.Store
	registry *drivers.Registry
	orch     *fetch.Orchestrator
	logger   *zap.Logger
}

// NewConnectionService creates a ConnectionService.
func NewConnectionService(cat catalog.Store, bs blob.Store, reg *drivers.Registry, orch *fetch.Orchestrator, logger *zap.Logger) ConnectionService {
	return &connectionService{catalog: cat, blob: bs, registry: reg, orch: orch, logger: logger}
}

var _ ConnectionService = (*connectionService)(nil)

func (s *connectionService) Create(ctx context.Context, name string, source models.Source) (*models.Connection, error) {
	if name == "" {
		return nil, fmt.Errorf("connection name is required: %w", apperrors.ErrInvalidConfig)
	}
	if err := source.Validate(); err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperrors.ErrInvalidConfig)
	}
	// Fail fast on source kinds nothing can serve.
	if _, err := s.registry.Get(source.Type); err != nil {
		return nil, fmt.Errorf("%v: %w", err, apperrors.ErrInvalidConfig)
	}

	id, err := s.catalog.CreateConnection(ctx, name, source)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Created connection",
		zap.String("name", name),
		zap.Int64("id", id),
		zap.String("source_type", string(source.Type)))

	return s.Get(ctx, name)
}

func (s *connectionService) Get(ctx context.Context, name string) (*models.Connection, error) {
	conn, err := s.catalog.GetConnection(ctx, name)
	if err != nil {
		return nil, err
	}
	if conn == nil {
		return nil, fmt.Errorf("connection %q: %w", name, apperrors.ErrNotFound)
	}
	return conn, nil
}

func (s *connectionService) List(ctx context.Context) ([]models.Connection, error) {
	return s.catalog.ListConnections(ctx)
}

func (s *connectionService) Delete(ctx context.Context, name string) (*DeleteConnectionResult, error) {
	conn, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	res, err := s.catalog.DeleteConnection(ctx, name)
	if err != nil {
		return nil, err
	}
	if res == nil {
		return nil, fmt.Errorf("connection %q: %w", name, apperrors.ErrNotFound)
	}

	// Remove every artifact under the connection's prefix, then the prefix
	// itself; the catalog rows are already gone.
	if err := s.blob.DeletePrefix(ctx, s.blob.ConnectionPrefix(conn.ID)); err != nil {
		s.logger.Warn("Failed to delete connection artifacts",
			zap.String("connection", name), zap.Error(err))
	}

	s.logger.Info("Deleted connection",
		zap.String("name", name),
		zap.Int("tables_removed", res.TablesRemoved))

	return &DeleteConnectionResult{
		TablesRemoved:    res.TablesRemoved,
		ArtifactsDeleted: len(res.ArtifactsToDelete),
	}, nil
}

func (s *connectionService) Discover(ctx context.Context, name string, invalidateChanged bool) (*models.DiscoveryDiff, error) {
	conn, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	driver, err := s.registry.Get(conn.Source.Type)
	if err != nil {
		return nil, err
	}

	resolved, err := s.orch.ResolveSource(ctx, conn)
	if err != nil {
		return nil, err
	}

	discovered, err := driver.Discover(ctx, resolved)
	if err != nil {
		return nil, err
	}

	diff, err := s.catalog.UpsertTables(ctx, conn.ID, discovered)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Discovery finished",
		zap.String("connection", name),
		zap.Int("tables", len(discovered)),
		zap.Int("added", len(diff.Added)),
		zap.Int("removed", len(diff.Removed)),
		zap.Int("schema_changed", len(diff.SchemaChanged)))

	if invalidateChanged {
		for _, ident := range diff.SchemaChanged {
			if err := s.InvalidateTable(ctx, name, ident.SchemaName, ident.TableName); err != nil {
				s.logger.Warn("Failed to invalidate changed table",
					zap.String("connection", name),
					zap.String("table", ident.TableName),
					zap.Error(err))
			}
		}
	}

	return diff, nil
}

func (s *connectionService) ListTables(ctx context.Context, name string) ([]models.Table, error) {
	conn, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return s.catalog.ListTables(ctx, conn.ID)
}

// InvalidateTable drops a table's cached artifact: the pointer is cleared
// first, then the blob removed, so no reader can resolve a deleted file.
func (s *connectionService) InvalidateTable(ctx context.Context, name, schema, table string) error {
	conn, err := s.Get(ctx, name)
	if err != nil {
		return err
	}

	row, err := s.catalog.GetTable(ctx, conn.ID, schema, table)
	if err != nil {
		return err
	}
	if row == nil {
		return fmt.Errorf("table %s.%s: %w", schema, table, apperrors.ErrNotFound)
	}
	if row.ArtifactURL == nil {
		return nil
	}

	url := *row.ArtifactURL
	if err := s.catalog.ClearTableCache(ctx, row.ID); err != nil {
		return err
	}
	if err := s.blob.Delete(ctx, url); err != nil {
		s.logger.Warn("Failed to delete invalidated artifact",
			zap.String("artifact", url), zap.Error(err))
	}
	return nil
}
