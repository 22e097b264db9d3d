package services

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/fetch"
	"github.com/rivetdb/rivetdb/pkg/models"
)

const (
	// DefaultRefreshParallelism bounds a connection-wide fan-out.
	DefaultRefreshParallelism = 5

	// DefaultJobRetention is how long terminal async jobs stay queryable.
	DefaultJobRetention = time.Hour
)

// RefreshService runs orchestrator invocations synchronously, fanned out
// across a connection's tables, or asynchronously against the in-memory job
// registry.
type RefreshService struct {
	catalog     catalog.Store
	orch        *fetch.Orchestrator
	logger      *zap.Logger
	parallelism int
	retention   time.Duration

	mu   sync.Mutex
	jobs map[uuid.UUID]*models.RefreshJob
}

// NewRefreshService creates a RefreshService.
func NewRefreshService(cat catalog.Store, orch *fetch.Orchestrator, parallelism int, retention time.Duration, logger *zap.Logger) *RefreshService {
	if parallelism <= 0 {
		parallelism = DefaultRefreshParallelism
	}
	if retention <= 0 {
		retention = DefaultJobRetention
	}
	return &RefreshService{
		catalog:     cat,
		orch:        orch,
		logger:      logger,
		parallelism: parallelism,
		retention:   retention,
		jobs:        make(map[uuid.UUID]*models.RefreshJob),
	}
}

// RefreshTable refreshes one table inline and returns the new artifact URL.
func (s *RefreshService) RefreshTable(ctx context.Context, conn *models.Connection, schema, table string) (string, error) {
	url, _, err := s.orch.RefreshTable(ctx, conn, schema, table)
	return url, err
}

// RefreshConnection refreshes every table of a connection with bounded
// parallelism, in table-id order. Per-table failures are collected, not
// fatal.
func (s *RefreshService) RefreshConnection(ctx context.Context, conn *models.Connection, parallelism int) (*models.RefreshConnectionResult, error) {
	return s.refreshConnection(ctx, conn, parallelism, nil)
}

func (s *RefreshService) refreshConnection(ctx context.Context, conn *models.Connection, parallelism int, onProgress func(completed, total int)) (*models.RefreshConnectionResult, error) {
	if parallelism <= 0 {
		parallelism = s.parallelism
	}

	// ListTables returns rows ordered by id, which keeps fan-out order
	// deterministic.
	tables, err := s.catalog.ListTables(ctx, conn.ID)
	if err != nil {
		return nil, err
	}

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		result models.RefreshConnectionResult
		done   int
	)
	sem := make(chan struct{}, parallelism)

	for _, t := range tables {
		wg.Add(1)
		sem <- struct{}{}
		go func(t models.Table) {
			defer wg.Done()
			defer func() { <-sem }()

			_, _, err := s.orch.RefreshTable(ctx, conn, t.SchemaName, t.TableName)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				result.TablesFailed++
				result.Errors = append(result.Errors, models.TableError{
					SchemaName: t.SchemaName,
					TableName:  t.TableName,
					Message:    err.Error(),
				})
			} else {
				result.TablesRefreshed++
			}
			done++
			if onProgress != nil {
				onProgress(done, len(tables))
			}
		}(t)
	}
	wg.Wait()

	s.logger.Info("Connection refresh finished",
		zap.String("connection", conn.Name),
		zap.Int("refreshed", result.TablesRefreshed),
		zap.Int("failed", result.TablesFailed))

	return &result, nil
}

// RefreshConnectionAsync spawns a connection-wide refresh and returns its
// job id immediately. ctx should be the server's lifetime context; shutdown
// drops in-flight jobs.
func (s *RefreshService) RefreshConnectionAsync(ctx context.Context, conn *models.Connection, parallelism int) uuid.UUID {
	job := s.registerJob(&models.RefreshJob{
		Connection: conn.Name,
		Status:     models.RefreshPending,
		StartedAt:  time.Now(),
	})

	go func() {
		s.updateJob(job.ID, func(j *models.RefreshJob) {
			j.Status = models.RefreshInProgress
		})

		result, err := s.refreshConnection(ctx, conn, parallelism, func(completed, total int) {
			s.updateJob(job.ID, func(j *models.RefreshJob) {
				j.Completed = completed
				j.Total = total
			})
		})

		now := time.Now()
		s.updateJob(job.ID, func(j *models.RefreshJob) {
			j.CompletedAt = &now
			if err != nil {
				j.Status = models.RefreshFailed
				j.Error = err.Error()
				return
			}
			j.Status = models.RefreshCompleted
			j.Result = result
		})
	}()

	return job.ID
}

// RefreshTableAsync spawns a single-table refresh and returns its job id.
func (s *RefreshService) RefreshTableAsync(ctx context.Context, conn *models.Connection, schema, table string) uuid.UUID {
	job := s.registerJob(&models.RefreshJob{
		Connection: conn.Name,
		SchemaName: schema,
		TableName:  table,
		Status:     models.RefreshPending,
		StartedAt:  time.Now(),
		Total:      1,
	})

	go func() {
		s.updateJob(job.ID, func(j *models.RefreshJob) {
			j.Status = models.RefreshInProgress
		})

		_, _, err := s.orch.RefreshTable(ctx, conn, schema, table)

		now := time.Now()
		s.updateJob(job.ID, func(j *models.RefreshJob) {
			j.CompletedAt = &now
			j.Completed = 1
			if err != nil {
				j.Status = models.RefreshFailed
				j.Error = err.Error()
				return
			}
			j.Status = models.RefreshCompleted
		})
	}()

	return job.ID
}

// GetJob returns a snapshot of a registered job.
func (s *RefreshService) GetJob(id uuid.UUID) (*models.RefreshJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, false
	}
	snapshot := *job
	return &snapshot, true
}

func (s *RefreshService) registerJob(job *models.RefreshJob) *models.RefreshJob {
	job.ID = uuid.New()
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	return job
}

func (s *RefreshService) updateJob(id uuid.UUID, fn func(*models.RefreshJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		fn(job)
	}
}

// reapJobs drops terminal jobs older than the retention window.
func (s *RefreshService) reapJobs(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	reaped := 0
	for id, job := range s.jobs {
		if !job.Status.Terminal() || job.CompletedAt == nil {
			continue
		}
		if now.Sub(*job.CompletedAt) > s.retention {
			delete(s.jobs, id)
			reaped++
		}
	}
	return reaped
}

// StartReaper periodically removes expired terminal jobs until ctx ends.
func (s *RefreshService) StartReaper(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.reapJobs(time.Now()); n > 0 {
					s.logger.Debug("Reaped refresh jobs", zap.Int("count", n))
				}
			}
		}
	}()
}
