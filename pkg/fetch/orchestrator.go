// Package fetch materializes logical tables into columnar artifacts. The
// orchestrator sequences prepare, fetch, finalize, and commit for one table,
// enforces at-most-one build in flight per table, and hands replaced
// artifacts to a grace-period deleter so in-flight scans can finish.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/blob"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/columnar"
	"github.com/rivetdb/rivetdb/pkg/drivers"
	"github.com/rivetdb/rivetdb/pkg/logging"
	"github.com/rivetdb/rivetdb/pkg/models"
	"github.com/rivetdb/rivetdb/pkg/retry"
	"github.com/rivetdb/rivetdb/pkg/secrets"
)

const (
	// DefaultFetchTimeout bounds one driver fetch.
	DefaultFetchTimeout = 5 * time.Minute

	// DefaultGracePeriod is how long a replaced artifact stays readable.
	DefaultGracePeriod = 60 * time.Second
)

// inflightBuild is the shared completion concurrent callers wait on. The
// builder fills url/err, then closes done.
type inflightBuild struct {
	done chan struct{}
	url  string
	err  error
}

// Orchestrator runs the materialization pipeline.
type Orchestrator struct {
	catalog  catalog.Store
	blob     blob.Store
	secrets  *secrets.Store
	registry *drivers.Registry
	logger   *zap.Logger

	fetchTimeout time.Duration
	gracePeriod  time.Duration

	mu       sync.Mutex
	inflight map[int64]*inflightBuild
}

// Options tunes orchestrator deadlines.
type Options struct {
	FetchTimeout time.Duration
	GracePeriod  time.Duration
}

// New creates an orchestrator over the catalog, blob store, secret store, and
// driver registry.
func New(cat catalog.Store, bs blob.Store, sec *secrets.Store, reg *drivers.Registry, opts Options, logger *zap.Logger) *Orchestrator {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = DefaultFetchTimeout
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = DefaultGracePeriod
	}
	return &Orchestrator{
		catalog:      cat,
		blob:         bs,
		secrets:      sec,
		registry:     reg,
		logger:       logger,
		fetchTimeout: opts.FetchTimeout,
		gracePeriod:  opts.GracePeriod,
		inflight:     make(map[int64]*inflightBuild),
	}
}

// FetchIfAbsent returns the table's artifact URL, materializing it first if
// it has never been fetched. Concurrent callers for the same table observe a
// single build and all receive the same URL.
func (o *Orchestrator) FetchIfAbsent(ctx context.Context, conn *models.Connection, schema, table string) (string, error) {
	row, err := o.catalog.GetTable(ctx, conn.ID, schema, table)
	if err != nil {
		return "", err
	}
	if row == nil {
		return "", fmt.Errorf("table %s.%s: %w", schema, table, apperrors.ErrNotFound)
	}
	if row.ArtifactURL != nil {
		return *row.ArtifactURL, nil
	}

	o.mu.Lock()
	if b, ok := o.inflight[row.ID]; ok {
		o.mu.Unlock()
		select {
		case <-b.done:
			return b.url, b.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	b := &inflightBuild{done: make(chan struct{})}
	o.inflight[row.ID] = b
	o.mu.Unlock()

	url, _, err := o.build(ctx, conn, schema, table, false)
	b.url, b.err = url, err

	o.mu.Lock()
	delete(o.inflight, row.ID)
	o.mu.Unlock()
	close(b.done)

	return url, err
}

// RefreshTable always runs the pipeline into a versioned path, atomically
// swaps the catalog pointer, and returns the new URL plus the replaced one
// (already queued for grace-period deletion). A refresh arriving while a
// fetch is in flight waits for that build, then runs its own.
func (o *Orchestrator) RefreshTable(ctx context.Context, conn *models.Connection, schema, table string) (string, *string, error) {
	row, err := o.catalog.GetTable(ctx, conn.ID, schema, table)
	if err != nil {
		return "", nil, err
	}
	if row == nil {
		return "", nil, fmt.Errorf("table %s.%s: %w", schema, table, apperrors.ErrNotFound)
	}

	b := &inflightBuild{done: make(chan struct{})}
	for {
		o.mu.Lock()
		prev, ok := o.inflight[row.ID]
		if !ok {
			o.inflight[row.ID] = b
			o.mu.Unlock()
			break
		}
		o.mu.Unlock()
		select {
		case <-prev.done:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}

	url, oldURL, err := o.build(ctx, conn, schema, table, true)
	b.url, b.err = url, err

	o.mu.Lock()
	delete(o.inflight, row.ID)
	o.mu.Unlock()
	close(b.done)

	return url, oldURL, err
}

// build runs one pipeline execution. Everything between blob prepare and
// catalog commit is recoverable: on failure the partial artifact is removed
// and the catalog is untouched.
func (o *Orchestrator) build(ctx context.Context, conn *models.Connection, schema, table string, versioned bool) (string, *string, error) {
	// Re-read under the inflight slot: a build that finished while this
	// caller waited may already have installed an artifact.
	row, err := o.catalog.GetTable(ctx, conn.ID, schema, table)
	if err != nil {
		return "", nil, err
	}
	if row == nil {
		return "", nil, fmt.Errorf("table %s.%s: %w", schema, table, apperrors.ErrNotFound)
	}
	if !versioned && row.ArtifactURL != nil {
		return *row.ArtifactURL, nil, nil
	}

	resolved, err := o.ResolveSource(ctx, conn)
	if err != nil {
		return "", nil, err
	}

	cols, err := o.catalog.GetColumns(ctx, row.ID)
	if err != nil {
		return "", nil, err
	}
	arrowSchema, err := columnar.SchemaFromColumns(cols)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", apperrors.ErrInternal, err)
	}

	var handle *blob.Handle
	if versioned {
		handle, err = o.blob.PrepareVersionedWrite(ctx, conn.ID, schema, table)
	} else {
		handle, err = o.blob.PrepareWrite(ctx, conn.ID, schema, table)
	}
	if err != nil {
		return "", nil, err
	}

	writer, err := columnar.NewStreamingWriter(handle.StagingPath, arrowSchema)
	if err != nil {
		o.discard(handle)
		return "", nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}

	driver, err := o.registry.Get(conn.Source.Type)
	if err != nil {
		writer.Abort()
		o.discard(handle)
		return "", nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, o.fetchTimeout)
	defer cancel()

	catalogName := ""
	if row.CatalogName != nil {
		catalogName = *row.CatalogName
	}

	o.logger.Info("Fetching table",
		zap.String("connection", conn.Name),
		zap.String("schema", schema),
		zap.String("table", table),
		zap.Bool("versioned", versioned))

	if err := driver.FetchTable(fetchCtx, resolved, catalogName, schema, table, writer); err != nil {
		writer.Abort()
		o.discard(handle)
		if fetchCtx.Err() != nil && errors.Is(err, context.DeadlineExceeded) {
			return "", nil, fmt.Errorf("table %s.%s: %w", schema, table, apperrors.ErrFetchTimeout)
		}
		o.logger.Warn("Driver fetch failed",
			zap.String("connection", conn.Name),
			zap.String("table", table),
			zap.String("error", logging.SanitizeError(err)))
		return "", nil, err
	}

	if err := writer.Close(); err != nil {
		writer.Abort()
		o.discard(handle)
		return "", nil, fmt.Errorf("%w: %v", apperrors.ErrStorage, err)
	}
	rows := writer.Rows()

	url, err := o.blob.Finalize(ctx, handle)
	if err != nil {
		o.discard(handle)
		return "", nil, err
	}

	oldURL, err := o.catalog.UpdateTableArtifact(ctx, row.ID, url, rows, time.Now())
	if err != nil {
		// The artifact is durable but unreferenced; the orphan sweep will
		// reclaim it.
		return "", nil, err
	}

	if oldURL != nil && *oldURL != url {
		o.scheduleGraceDelete(*oldURL)
	}

	o.logger.Info("Materialized table",
		zap.String("connection", conn.Name),
		zap.String("schema", schema),
		zap.String("table", table),
		zap.Int64("rows", rows),
		zap.String("artifact", url))

	return url, oldURL, nil
}

func (o *Orchestrator) discard(h *blob.Handle) {
	if err := o.blob.Discard(h); err != nil {
		o.logger.Warn("Failed to discard staged artifact", zap.String("key", h.Key), zap.Error(err))
	}
}

// ResolveSource swaps the connection's secret reference for plaintext. The
// returned value is valid only for the duration of one driver call; callers
// must not retain it.
func (o *Orchestrator) ResolveSource(ctx context.Context, conn *models.Connection) (*models.ResolvedSource, error) {
	resolved := &models.ResolvedSource{Source: &conn.Source}

	cred := conn.Source.Credential()
	if !cred.IsSecretRef() {
		return resolved, nil
	}
	if o.secrets == nil || !o.secrets.Configured() {
		return nil, fmt.Errorf("connection %q references secret %q: %w",
			conn.Name, cred.Name, apperrors.ErrNotConfigured)
	}

	value, err := o.secrets.Get(ctx, cred.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve secret %q: %w", cred.Name, err)
	}
	resolved.Secret = value
	return resolved, nil
}

// scheduleGraceDelete removes a replaced artifact after the grace period.
// Best effort: a few backoff retries, then the sweep picks up leftovers.
func (o *Orchestrator) scheduleGraceDelete(url string) {
	o.logger.Debug("Scheduling artifact deletion", zap.String("artifact", url), zap.Duration("after", o.gracePeriod))
	time.AfterFunc(o.gracePeriod, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		err := retry.Do(ctx, nil, func() error {
			return o.blob.Delete(ctx, url)
		})
		if err != nil {
			o.logger.Warn("Grace-period deletion failed", zap.String("artifact", url), zap.Error(err))
		}
	})
}
