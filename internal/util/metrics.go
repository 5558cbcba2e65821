package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersMaterializedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_materialized_total",
		Help: "Total number of orders materialized from completed checkouts",
	})

	OrdersDuplicateTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_duplicate_total",
		Help: "Total number of checkout completions that matched an existing order",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of applied order status transitions",
	}, []string{"to"})

	FulfillmentSubmissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_submissions_total",
		Help: "Total number of fulfillment submissions",
	}, []string{"result"})

	WebhookEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webhook_events_total",
		Help: "Total number of payment provider events received",
	}, []string{"type", "result"})

	CatalogSyncRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_sync_runs_total",
		Help: "Total number of catalog sync runs",
	}, []string{"result"})

	CatalogProductsSyncedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "catalog_products_synced_total",
		Help: "Total number of products written by catalog sync",
	}, []string{"action"})

	ProviderRequestLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "provider_request_latency_seconds",
		Help:    "Latency of calls to external providers",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
