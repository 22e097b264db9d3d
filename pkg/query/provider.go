// Package query exposes cataloged tables to the SQL executor. Each logical
// table is represented by a lazy provider that resolves the cache pointer on
// every scan, so refreshes are transparent and nothing here goes stale.
package query

import (
	"context"
	"fmt"

	"github.com/apache/arrow-go/v18/arrow"

	"github.com/rivetdb/rivetdb/pkg/apperrors"
	"github.com/rivetdb/rivetdb/pkg/catalog"
	"github.com/rivetdb/rivetdb/pkg/columnar"
	"github.com/rivetdb/rivetdb/pkg/fetch"
	"github.com/rivetdb/rivetdb/pkg/models"
)

// PushdownSupport tells the executor how completely a filter is applied by
// the scan itself.
type PushdownSupport int

const (
	// Inexact means the executor must re-apply the filter on top of the scan.
	Inexact PushdownSupport = iota
	// Exact means the scan applies the filter fully.
	Exact
)

// Filter is a simple predicate the executor may push into a scan.
type Filter struct {
	Column string
	Op     string
	Value  any
}

// ScanPlan is the executor-facing plan for reading one table: a pinned
// artifact URL plus whatever the scan was asked to apply. Once a scan holds
// a URL it keeps reading that artifact even if the catalog pointer moves;
// the grace period exists so this stays safe.
type ScanPlan struct {
	ArtifactURL string
	Schema      *arrow.Schema
	Projection  []string
	Filters     []Filter
	Limit       *int
}

// LazyTableProvider holds only identity and the static schema. It never
// caches the artifact URL; every scan re-reads the pointer.
type LazyTableProvider struct {
	conn       *models.Connection
	schemaName string
	tableName  string
	schema     *arrow.Schema

	catalog catalog.Store
	orch    *fetch.Orchestrator
}

// NewLazyTableProvider builds a provider for one cataloged table. The portable
// schema is converted to Arrow once, here; Schema never does I/O again.
func NewLazyTableProvider(ctx context.Context, cat catalog.Store, orch *fetch.Orchestrator, conn *models.Connection, schemaName, tableName string) (*LazyTableProvider, error) {
	row, err := cat.GetTable(ctx, conn.ID, schemaName, tableName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("table %s.%s: %w", schemaName, tableName, apperrors.ErrNotFound)
	}

	cols, err := cat.GetColumns(ctx, row.ID)
	if err != nil {
		return nil, err
	}
	arrowSchema, err := columnar.SchemaFromColumns(cols)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInternal, err)
	}

	return &LazyTableProvider{
		conn:       conn,
		schemaName: schemaName,
		tableName:  tableName,
		schema:     arrowSchema,
		catalog:    cat,
		orch:       orch,
	}, nil
}

// Schema returns the static schema built at construction time.
func (p *LazyTableProvider) Schema() *arrow.Schema {
	return p.schema
}

// Scan resolves the artifact URL, materializing the table on first use, and
// returns the plan the executor reads from.
func (p *LazyTableProvider) Scan(ctx context.Context, projection []string, filters []Filter, limit *int) (*ScanPlan, error) {
	row, err := p.catalog.GetTable(ctx, p.conn.ID, p.schemaName, p.tableName)
	if err != nil {
		return nil, err
	}
	if row == nil {
		return nil, fmt.Errorf("table %s.%s: %w", p.schemaName, p.tableName, apperrors.ErrNotFound)
	}

	var url string
	if row.ArtifactURL != nil {
		url = *row.ArtifactURL
	} else {
		url, err = p.orch.FetchIfAbsent(ctx, p.conn, p.schemaName, p.tableName)
		if err != nil {
			return nil, err
		}
	}

	return &ScanPlan{
		ArtifactURL: url,
		Schema:      p.schema,
		Projection:  projection,
		Filters:     filters,
		Limit:       limit,
	}, nil
}

// SupportsFiltersPushdown declares equality and range predicates on known
// columns exact; everything else is left to the executor.
func (p *LazyTableProvider) SupportsFiltersPushdown(filters []Filter) []PushdownSupport {
	support := make([]PushdownSupport, len(filters))
	for i, f := range filters {
		if !p.hasColumn(f.Column) {
			support[i] = Inexact
			continue
		}
		switch f.Op {
		case "=", "<", ">", "<=", ">=", "between":
			support[i] = Exact
		default:
			support[i] = Inexact
		}
	}
	return support
}

func (p *LazyTableProvider) hasColumn(name string) bool {
	for _, f := range p.schema.Fields() {
		if f.Name == name {
			return true
		}
	}
	return false
}
