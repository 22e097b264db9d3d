// Package drivers implements the per-source capability set the fetch
// orchestrator consumes: discover the tables visible behind a resolved
// source, and stream one table's rows into a record writer. Driver
// implementations are opaque to the core; the orchestrator only ever sees a
// Source and a ResolvedSource.
package drivers

import (
	"context"
	"sync"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/columnar"
	"github.com/rivetdb/rivetdb/pkg/models"
)

// Driver is the uniform capability over one remote-source kind.
//
// The resolved source is valid only for the duration of the call; drivers
// must not persist it or move it into any cache.
type Driver interface {
	// Discover returns every table (with columns) visible under the source's
	// configured filters. Column types are portable type tags.
	Discover(ctx context.Context, src *models.ResolvedSource) ([]models.TableMetadata, error)

	// FetchTable streams the table's rows into the writer. The writer owns
	// file I/O; the driver only pushes batches.
	FetchTable(ctx context.Context, src *models.ResolvedSource, catalog, schema, table string, w columnar.RecordWriter) error
}

var (
	globalMu     sync.RWMutex
	globalByType = make(map[models.SourceType]Driver)
)

// Register installs a driver for a source type. Called from each driver's
// init.
func Register(t models.SourceType, d Driver) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalByType[t] = d
}

// Registry dispatches to drivers by source type. A new registry starts from
// the globally registered drivers; tests override entries per instance.
type Registry struct {
	mu     sync.RWMutex
	byType map[models.SourceType]Driver
}

// NewRegistry returns a dispatcher seeded with the registered drivers.
func NewRegistry() *Registry {
	globalMu.RLock()
	defer globalMu.RUnlock()
	byType := make(map[models.SourceType]Driver, len(globalByType))
	for t, d := range globalByType {
		byType[t] = d
	}
	return &Registry{byType: byType}
}

// Override replaces the driver for a source type on this registry only.
func (r *Registry) Override(t models.SourceType, d Driver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byType[t] = d
}

// Get returns the driver for a source type.
func (r *Registry) Get(t models.SourceType) (Driver, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.byType[t]
	if !ok {
		return nil, apperrors.Driverf(apperrors.DriverUnsupported, "unsupported source type %q", t)
	}
	return d, nil
}
