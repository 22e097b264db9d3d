package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/models"
	"github.com/rivetdb/rivetdb/pkg/query"
)

// ResultService persists query results as Parquet files and records them in
// the catalog's results table.
type ResultService struct {
	catalog   catalog.Store
	executor  query.Executor
	dir       string
	retention time.Duration
	logger    *zap.Logger
}

// NewResultService creates a ResultService writing under dir.
func NewResultService(cat catalog.Store, exec query.Executor, dir string, retention time.Duration, logger *zap.Logger) (*ResultService, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: failed to create results directory: %v", apperrors.ErrStorage, err)
	}
	return &ResultService{catalog: cat, executor: exec, dir: dir, retention: retention, logger: logger}, nil
}

// Persist executes the query, writes its result set to Parquet, and records
// the artifact. Returns the result row.
func (s *ResultService) Persist(ctx context.Context, sqlText string, params []any) (*models.QueryResult, error) {
	path := filepath.Join(s.dir, "result_"+uuid.NewString()+".parquet")

	if err := s.executor.QueryToParquet(ctx, sqlText, params, path); err != nil {
		os.Remove(path)
		return nil, err
	}

	id, err := s.catalog.InsertResult(ctx, path, time.Now())
	if err != nil {
		os.Remove(path)
		return nil, err
	}

	return s.catalog.GetResult(ctx, id)
}

// Get looks up a persisted result by id.
func (s *ResultService) Get(ctx context.Context, id int64) (*models.QueryResult, error) {
	r, err := s.catalog.GetResult(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, fmt.Errorf("result %d: %w", id, apperrors.ErrNotFound)
	}
	return r, nil
}

// Sweep removes results older than the retention window, files included.
func (s *ResultService) Sweep(ctx context.Context) error {
	paths, err := s.catalog.DeleteResultsBefore(ctx, time.Now().Add(-s.retention))
	if err != nil {
		return err
	}
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("Failed to remove expired result", zap.String("path", p), zap.Error(err))
		}
	}
	if len(paths) > 0 {
		s.logger.Info("Swept expired results", zap.Int("count", len(paths)))
	}
	return nil
}

// StartSweeper runs Sweep periodically until ctx ends.
func (s *ResultService) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := s.Sweep(ctx); err != nil {
					s.logger.Warn("Result sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
