package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"merch-service/internal/models"
	"merch-service/internal/service"
	"merch-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	signatureHeader = "Stripe-Signature"
	maxWebhookBody  = 1 << 20
)

// WebhookIngester handles raw payment notifications
type WebhookIngester interface {
	Ingest(ctx context.Context, payload []byte, signature string) (*service.IngestResult, error)
}

// CheckoutCreator opens payment sessions for storefront carts
type CheckoutCreator interface {
	CreateSession(ctx context.Context, req *service.CheckoutRequest) (*service.CheckoutResult, error)
}

// CatalogAdmin exposes the catalog synchronizer operations
type CatalogAdmin interface {
	SyncAll(ctx context.Context) *service.SyncStats
	SyncOne(ctx context.Context, externalID string) *service.SyncStats
	CreateSample(ctx context.Context) (*service.SyncStats, error)
	Associate(ctx context.Context, externalID, reference string) (*models.Product, error)
	ListUnassociated(ctx context.Context, limit int) ([]models.Product, error)
}

// OrderAdmin exposes order reads and manual fulfillment
type OrderAdmin interface {
	GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error)
	RetryFulfillment(ctx context.Context, orderID int64) (*models.Order, error)
	ListAwaitingFulfillment(ctx context.Context, limit int) ([]models.Order, error)
}

// Pinger is a dependency checked by the readiness check
type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	AdminToken     string
	WebhookTimeout time.Duration
	// Dependencies are pinged by /ready, keyed by name
	Dependencies map[string]Pinger
}

// Handler contains HTTP handlers
type Handler struct {
	webhooks WebhookIngester
	checkout CheckoutCreator
	catalog  CatalogAdmin
	orders   OrderAdmin
	opts     Options
	logger   *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(webhooks WebhookIngester, checkout CheckoutCreator, catalog CatalogAdmin, orders OrderAdmin, opts Options) *Handler {
	if opts.WebhookTimeout <= 0 {
		opts.WebhookTimeout = 25 * time.Second
	}
	return &Handler{
		webhooks: webhooks,
		checkout: checkout,
		catalog:  catalog,
		orders:   orders,
		opts:     opts,
		logger:   util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(gin.Logger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/webhooks/payment", h.paymentWebhook)

	// the storefront calls the root paths; /api/v1 serves the same handlers
	h.registerAPI(router.Group(""))
	h.registerAPI(router.Group("/api/v1"))
}

func (h *Handler) registerAPI(group *gin.RouterGroup) {
	group.POST("/checkout", h.createCheckout)
	group.GET("/orders/:id", h.getOrder)

	admin := group.Group("/admin", adminAuth(h.opts.AdminToken))
	{
		admin.POST("/sync", h.sync)
		admin.GET("/products/unassociated", h.listUnassociated)
		admin.POST("/products/:externalId/associate", h.associateProduct)
		admin.GET("/orders/awaiting-fulfillment", h.listAwaitingFulfillment)
		admin.POST("/orders/:id/fulfill", h.retryFulfillment)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.opts.Dependencies {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "not ready"
	}
	c.JSON(status, gin.H{
		"status": state,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// paymentWebhook receives payment processor notifications. Non-2xx makes the processor redeliver.
func (h *Handler) paymentWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Failed to read body"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), h.opts.WebhookTimeout)
	defer cancel()

	result, err := h.webhooks.Ingest(ctx, payload, c.GetHeader(signatureHeader))
	switch {
	case errors.Is(err, service.ErrAuthenticationFailed):
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid signature"})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Failed to process event",
			"details": err.Error(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"received": true,
		"outcome":  result.Outcome,
	})
}

// createCheckout opens a hosted payment page for the cart
func (h *Handler) createCheckout(c *gin.Context) {
	var req service.CheckoutRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	resp, err := h.checkout.CreateSession(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, "Failed to create checkout session", err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, items, err := h.orders.GetOrder(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, "Order not found", err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"order": order,
		"items": items,
	})
}

type syncRequest struct {
	Action    string `json:"action" binding:"required"`
	ProductID string `json:"productId"`
}

// sync runs a catalog synchronization action
func (h *Handler) sync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	var stats *service.SyncStats
	switch req.Action {
	case "sync-all":
		stats = h.catalog.SyncAll(ctx)
	case "sync-single":
		if strings.TrimSpace(req.ProductID) == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "productId is required for sync-single"})
			return
		}
		stats = h.catalog.SyncOne(ctx, req.ProductID)
	case "create-sample":
		var err error
		stats, err = h.catalog.CreateSample(ctx)
		if err != nil {
			h.writeError(c, "Failed to create sample product", err)
			return
		}
	default:
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Unknown action",
			"details": "action must be one of sync-all, sync-single, create-sample",
		})
		return
	}

	h.logger.Info("Catalog sync action finished",
		zap.String("action", req.Action),
		zap.Int("total", stats.Total),
		zap.Int("errors", stats.Errors))
	c.JSON(http.StatusOK, stats)
}

// listUnassociated lists discovered products still waiting for storefront content
func (h *Handler) listUnassociated(c *gin.Context) {
	products, err := h.catalog.ListUnassociated(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		h.writeError(c, "Failed to list products", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"products": products})
}

type associateRequest struct {
	Reference string `json:"reference" binding:"required"`
}

// associateProduct links storefront content to a product and publishes it
func (h *Handler) associateProduct(c *gin.Context) {
	var req associateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request body",
			"details": err.Error(),
		})
		return
	}

	product, err := h.catalog.Associate(c.Request.Context(), c.Param("externalId"), req.Reference)
	if err != nil {
		h.writeError(c, "Failed to associate product", err)
		return
	}
	c.JSON(http.StatusOK, product)
}

// listAwaitingFulfillment lists PAID and PROCESSING orders the provider never accepted
func (h *Handler) listAwaitingFulfillment(c *gin.Context) {
	orders, err := h.orders.ListAwaitingFulfillment(c.Request.Context(), queryInt(c, "limit"))
	if err != nil {
		h.writeError(c, "Failed to list orders", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

// retryFulfillment resubmits an order to the fulfillment provider
func (h *Handler) retryFulfillment(c *gin.Context) {
	orderID, ok := orderIDParam(c)
	if !ok {
		return
	}

	order, err := h.orders.RetryFulfillment(c.Request.Context(), orderID)
	if err != nil {
		h.writeError(c, "Failed to submit order for fulfillment", err)
		return
	}
	c.JSON(http.StatusOK, order)
}

// writeError maps service errors to HTTP status codes
func (h *Handler) writeError(c *gin.Context, message string, err error) {
	var (
		verr     *service.ValidationError
		upstream *service.UpstreamError
	)

	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		status = http.StatusBadRequest
	case errors.Is(err, service.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, service.ErrNotEligible):
		status = http.StatusConflict
	case errors.Is(err, service.ErrLockContention):
		status = http.StatusConflict
	case errors.As(err, &upstream):
		status = http.StatusBadGateway
	}

	if status == http.StatusInternalServerError {
		h.logger.Error(message, zap.String("path", c.FullPath()), zap.Error(err))
	}

	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

func orderIDParam(c *gin.Context) (int64, bool) {
	orderID, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid order ID",
		})
		return 0, false
	}
	return orderID, true
}

func queryInt(c *gin.Context, key string) int {
	n, _ := strconv.Atoi(c.Query(key))
	return n
}

// adminAuth checks the bearer token on operator endpoints. An empty token disables them.
func adminAuth(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if token == "" {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "Admin API is not configured"})
			return
		}

		got := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			return
		}
		c.Next()
	}
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
