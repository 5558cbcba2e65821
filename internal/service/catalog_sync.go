package service

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"

	"merch-service/internal/fulfillment"
	"merch-service/internal/models"
	"merch-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	maxErrorDetails  = 10
	defaultBasePrice = 2500
	defaultCategory  = "other"
	priceMarkup      = 2.5
)

// blueprint id -> storefront category
var blueprintCategories = map[int]string{
	384: "apparel",
	5:   "wall-art",
	6:   "wall-art",
	9:   "drinkware",
	12:  "accessories",
}

// SyncStats summarizes one synchronization run
type SyncStats struct {
	Total        int      `json:"total"`
	Synced       int      `json:"synced"`
	Created      int      `json:"created"`
	Updated      int      `json:"updated"`
	Errors       int      `json:"errors"`
	ErrorDetails []string `json:"errorDetails"`

	mu sync.Mutex
}

func newSyncStats() *SyncStats {
	return &SyncStats{ErrorDetails: []string{}}
}

func (s *SyncStats) record(created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Synced++
	if created {
		s.Created++
	} else {
		s.Updated++
	}
}

func (s *SyncStats) fail(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Errors++
	if len(s.ErrorDetails) < maxErrorDetails {
		s.ErrorDetails = append(s.ErrorDetails, msg)
	}
}

func (s *SyncStats) clone() *SyncStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return &SyncStats{
		Total:        s.Total,
		Synced:       s.Synced,
		Created:      s.Created,
		Updated:      s.Updated,
		Errors:       s.Errors,
		ErrorDetails: append([]string{}, s.ErrorDetails...),
	}
}

type CatalogConfig struct {
	PageSize    int
	MaxPages    int
	Concurrency int
}

// CatalogSynchronizer mirrors the provider catalog into the local store
type CatalogSynchronizer struct {
	catalog   CatalogStore
	api       FulfillmentAPI
	publisher EventPublisher
	cfg       CatalogConfig
	single    singleflight.Group
	logger    *zap.Logger
}

// NewCatalogSynchronizer creates a new catalog synchronizer
func NewCatalogSynchronizer(catalog CatalogStore, api FulfillmentAPI, publisher EventPublisher, cfg CatalogConfig) *CatalogSynchronizer {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 20
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	return &CatalogSynchronizer{
		catalog:   catalog,
		api:       api,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// SyncAll fetches every page of the remote catalog and upserts each record.
// Per-record failures are counted and never abort the run.
func (cs *CatalogSynchronizer) SyncAll(ctx context.Context) *SyncStats {
	ctx, span := util.StartSpan(ctx, "CatalogSynchronizer.SyncAll")
	defer span.End()

	stats := newSyncStats()

	var records []fulfillment.Product
	index := make(map[string]int)
	for page := 1; page <= cs.cfg.MaxPages; page++ {
		if ctx.Err() != nil {
			stats.fail(fmt.Sprintf("page %d: %v", page, ctx.Err()))
			break
		}

		resp := cs.api.ListProducts(ctx, page, cs.cfg.PageSize)
		if !resp.Success || resp.Data == nil {
			stats.fail(fmt.Sprintf("page %d: %s", page, resp.Message))
			cs.logger.Warn("Catalog page fetch failed, stopping pagination",
				zap.Int("page", page),
				zap.Int("status", resp.StatusCode),
				zap.String("message", resp.Message))
			break
		}

		for _, p := range resp.Data.Data {
			if i, ok := index[p.ID]; ok {
				records[i] = p
				continue
			}
			index[p.ID] = len(records)
			records = append(records, p)
		}

		if len(resp.Data.Data) < cs.cfg.PageSize {
			break
		}
		if resp.Data.LastPage > 0 && page >= resp.Data.LastPage {
			break
		}
	}
	stats.Total = len(records)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cs.cfg.Concurrency)
	for _, record := range records {
		record := record
		g.Go(func() error {
			cs.upsert(gctx, &record, stats)
			return nil
		})
	}
	_ = g.Wait()

	result := stats.clone()
	cs.observe("sync_all", result)
	return result
}

// SyncOne fetches and upserts a single record. Concurrent calls for the same id share one fetch.
func (cs *CatalogSynchronizer) SyncOne(ctx context.Context, externalID string) *SyncStats {
	ctx, span := util.StartSpan(ctx, "CatalogSynchronizer.SyncOne")
	defer span.End()

	v, _, _ := cs.single.Do(externalID, func() (interface{}, error) {
		stats := newSyncStats()
		stats.Total = 1

		resp := cs.api.GetProduct(ctx, externalID)
		if !resp.Success || resp.Data == nil {
			stats.fail(fmt.Sprintf("%s: %s", externalID, resp.Message))
			return stats.clone(), nil
		}

		cs.upsert(ctx, resp.Data, stats)
		return stats.clone(), nil
	})

	result := v.(*SyncStats).clone()
	cs.observe("sync_one", result)
	return result
}

// CreateSample inserts an unpublished sample product for smoke testing
func (cs *CatalogSynchronizer) CreateSample(ctx context.Context) (*SyncStats, error) {
	ctx, span := util.StartSpan(ctx, "CatalogSynchronizer.CreateSample")
	defer span.End()

	variants := models.Variants{{ID: 1, Title: "Default", SKU: "SAMPLE-1", Price: 1000, Enabled: true}}
	product := &models.Product{
		ExternalID:  "sample-" + uuid.New().String(),
		Title:       "Sample Product",
		Description: "Sample product created for environment checks",
		BasePrice:   basePrice(variants),
		Category:    defaultCategory,
		Images:      models.Images{},
		Variants:    variants,
		Active:      true,
	}

	created, err := cs.catalog.UpsertProduct(ctx, product)
	if err != nil {
		return nil, fmt.Errorf("failed to create sample product: %w", err)
	}

	stats := newSyncStats()
	stats.Total = 1
	stats.record(created)

	cs.logger.Info("Sample product created", zap.String("external_id", product.ExternalID))
	return stats.clone(), nil
}

// Associate attaches storefront content to a discovered product and publishes it
func (cs *CatalogSynchronizer) Associate(ctx context.Context, externalID, reference string) (*models.Product, error) {
	ctx, span := util.StartSpan(ctx, "CatalogSynchronizer.Associate")
	defer span.End()

	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, &ValidationError{Field: "reference", Message: "is required"}
	}

	product, err := cs.catalog.AssociateProduct(ctx, externalID, reference)
	if err != nil {
		return nil, fmt.Errorf("failed to associate product: %w", err)
	}
	if product == nil {
		return nil, ErrNotFound
	}

	cs.logger.Info("Product associated",
		zap.String("external_id", externalID),
		zap.String("reference", reference))
	return product, nil
}

// ListUnassociated returns discovered products awaiting association
func (cs *CatalogSynchronizer) ListUnassociated(ctx context.Context, limit int) ([]models.Product, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return cs.catalog.ListUnassociatedProducts(ctx, limit)
}

func (cs *CatalogSynchronizer) upsert(ctx context.Context, record *fulfillment.Product, stats *SyncStats) {
	product := productFromRemote(record)

	created, err := cs.catalog.UpsertProduct(ctx, product)
	if err != nil {
		stats.fail(fmt.Sprintf("%s: %v", record.ID, err))
		cs.logger.Error("Failed to upsert product",
			zap.String("external_id", record.ID),
			zap.Error(err))
		return
	}
	stats.record(created)

	if !created {
		return
	}

	cs.logger.Info("New product discovered, left unpublished",
		zap.String("external_id", product.ExternalID),
		zap.String("title", product.Title))
	if err := cs.publisher.PublishProductDiscovered(ctx, product); err != nil {
		cs.logger.Warn("Failed to publish product discovered event", zap.Error(err))
	}
}

func (cs *CatalogSynchronizer) observe(run string, stats *SyncStats) {
	result := "ok"
	if stats.Errors > 0 {
		result = "partial"
	}
	util.CatalogSyncRunsTotal.WithLabelValues(result).Inc()
	util.CatalogProductsSyncedTotal.WithLabelValues("created").Add(float64(stats.Created))
	util.CatalogProductsSyncedTotal.WithLabelValues("updated").Add(float64(stats.Updated))

	cs.logger.Info("Catalog sync finished",
		zap.String("run", run),
		zap.Int("total", stats.Total),
		zap.Int("created", stats.Created),
		zap.Int("updated", stats.Updated),
		zap.Int("errors", stats.Errors))
}

func productFromRemote(p *fulfillment.Product) *models.Product {
	variants := make(models.Variants, 0, len(p.Variants))
	for _, v := range p.Variants {
		variants = append(variants, models.Variant{
			ID:      v.ID,
			Title:   v.Title,
			SKU:     v.SKU,
			Price:   v.Price,
			Enabled: v.IsEnabled,
		})
	}

	images := make(models.Images, 0, len(p.Images))
	for _, img := range p.Images {
		images = append(images, models.Image{Src: img.Src, IsDefault: img.IsDefault})
	}

	return &models.Product{
		ExternalID:  p.ID,
		Title:       p.Title,
		Description: p.Description,
		BasePrice:   basePrice(variants),
		Category:    categoryFor(p.BlueprintID),
		Images:      images,
		Variants:    variants,
		Active:      p.Visible,
	}
}

// basePrice applies the markup to the first variant's price, rounding half away from zero
func basePrice(variants models.Variants) int64 {
	if len(variants) == 0 {
		return defaultBasePrice
	}
	return int64(math.Round(float64(variants[0].Price) * priceMarkup))
}

func categoryFor(blueprintID int) string {
	if category, ok := blueprintCategories[blueprintID]; ok {
		return category
	}
	return defaultCategory
}
