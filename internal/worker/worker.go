package worker

import (
	"context"
	"time"

	"merch-service/internal/service"
	"merch-service/internal/util"

	"go.uber.org/zap"
)

// CatalogSyncer runs a full catalog synchronization
type CatalogSyncer interface {
	SyncAll(ctx context.Context) *service.SyncStats
}

// CatalogSyncWorker resynchronizes the catalog on a fixed interval
type CatalogSyncWorker struct {
	syncer   CatalogSyncer
	interval time.Duration
	logger   *zap.Logger
	done     chan struct{}
}

// NewCatalogSyncWorker creates a new catalog sync worker. A zero interval disables it.
func NewCatalogSyncWorker(syncer CatalogSyncer, interval time.Duration) *CatalogSyncWorker {
	return &CatalogSyncWorker{
		syncer:   syncer,
		interval: interval,
		logger:   util.GetLogger(),
		done:     make(chan struct{}),
	}
}

// Start runs until ctx is cancelled
func (w *CatalogSyncWorker) Start(ctx context.Context) error {
	defer close(w.done)

	if w.interval <= 0 {
		w.logger.Info("Catalog sync worker disabled")
		return nil
	}

	w.logger.Info("Starting catalog sync worker", zap.Duration("interval", w.interval))
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.runOnce(ctx)
		}
	}
}

// Stop waits for the running loop to exit after its context was cancelled
func (w *CatalogSyncWorker) Stop() {
	w.logger.Info("Stopping catalog sync worker")
	<-w.done
}

func (w *CatalogSyncWorker) runOnce(ctx context.Context) {
	start := time.Now()
	stats := w.syncer.SyncAll(ctx)
	if stats == nil {
		return
	}

	fields := []zap.Field{
		zap.Int("total", stats.Total),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("errors", stats.Errors),
		zap.Duration("took", time.Since(start)),
	}
	if stats.Errors > 0 {
		w.logger.Warn("Scheduled catalog sync finished with errors", append(fields, zap.Strings("details", stats.ErrorDetails))...)
		return
	}
	w.logger.Info("Scheduled catalog sync finished", fields...)
}
