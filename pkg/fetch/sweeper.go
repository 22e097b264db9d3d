package fetch

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// OrphanSweep walks every connection's blob prefix and deletes artifacts no
// table references. It reclaims artifacts stranded by a catalog commit
// failure and any grace-period leftovers.
func (o *Orchestrator) OrphanSweep(ctx context.Context) error {
	conns, err := o.catalog.ListConnections(ctx)
	if err != nil {
		return err
	}

	for _, conn := range conns {
		tables, err := o.catalog.ListTables(ctx, conn.ID)
		if err != nil {
			return err
		}

		referenced := make(map[string]bool, len(tables))
		for _, t := range tables {
			if t.ArtifactURL != nil {
				referenced[*t.ArtifactURL] = true
			}
		}

		urls, err := o.blob.List(ctx, o.blob.ConnectionPrefix(conn.ID))
		if err != nil {
			return err
		}
		for _, url := range urls {
			if referenced[url] {
				continue
			}
			if err := o.blob.Delete(ctx, url); err != nil {
				o.logger.Warn("Orphan deletion failed", zap.String("artifact", url), zap.Error(err))
				continue
			}
			o.logger.Info("Removed orphaned artifact", zap.String("artifact", url))
		}
	}
	return nil
}

// StartOrphanSweeper runs OrphanSweep immediately and then on the interval
// until ctx is canceled.
func (o *Orchestrator) StartOrphanSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		if err := o.OrphanSweep(ctx); err != nil {
			o.logger.Warn("Startup orphan sweep failed", zap.Error(err))
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := o.OrphanSweep(ctx); err != nil {
					o.logger.Warn("Orphan sweep failed", zap.Error(err))
				}
			}
		}
	}()
}
