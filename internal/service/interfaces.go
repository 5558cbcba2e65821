package service

import (
	"context"
	"time"

	"merch-service/internal/fulfillment"
	"merch-service/internal/models"
	"merch-service/internal/payments"
	"merch-service/internal/store"
)

// CatalogStore is the product side of the store
type CatalogStore interface {
	GetProductsByExternalIDs(ctx context.Context, ids []string) ([]models.Product, error)
	UpsertProduct(ctx context.Context, product *models.Product) (bool, error)
	ListUnassociatedProducts(ctx context.Context, limit int) ([]models.Product, error)
	AssociateProduct(ctx context.Context, externalID, reference string) (*models.Product, error)
}

// OrderStore is the order side of the store
type OrderStore interface {
	CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error
	GetOrderByID(ctx context.Context, id int64) (*models.Order, error)
	GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error)
	GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error)
	TransitionOrder(ctx context.Context, orderID int64, from []models.OrderStatus, to models.OrderStatus) (bool, error)
	TransitionByPaymentIntent(ctx context.Context, intentID string, from []models.OrderStatus, to models.OrderStatus) ([]store.StatusChange, error)
	SetFulfillmentOrderID(ctx context.Context, orderID int64, fulfillmentID string) (bool, error)
	ListOrdersAwaitingFulfillment(ctx context.Context, limit int) ([]models.Order, error)
	HasOrderForPaymentIntent(ctx context.Context, intentID string) (bool, error)
}

// EventStore records processed webhook event ids
type EventStore interface {
	IsEventProcessed(ctx context.Context, eventID string) (bool, error)
	MarkEventProcessed(ctx context.Context, eventID, eventType string) error
}

// Coordinator holds ephemeral cross-request state: session and intent locks, deferred payment outcomes
type Coordinator interface {
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, error)
	ReleaseLock(ctx context.Context, key, token string) error
	ExtendLock(ctx context.Context, key, token string, ttl time.Duration) error
	RememberPaymentOutcome(ctx context.Context, intentID, outcome string, at time.Time, ttl time.Duration) error
	PaymentOutcomes(ctx context.Context, intentID string) (map[string]time.Time, error)
	ForgetPaymentOutcomes(ctx context.Context, intentID string) error
}

// EventPublisher announces domain events
type EventPublisher interface {
	PublishOrderMaterialized(ctx context.Context, order *models.Order, itemCount int) error
	PublishOrderStatusChanged(ctx context.Context, orderID int64, from, to models.OrderStatus, cause string) error
	PublishFulfillmentSubmitted(ctx context.Context, orderID int64, fulfillmentID string) error
	PublishFulfillmentFailed(ctx context.Context, orderID int64, reason string) error
	PublishProductDiscovered(ctx context.Context, product *models.Product) error
}

// FulfillmentAPI is the fulfillment provider client
type FulfillmentAPI interface {
	ListProducts(ctx context.Context, page, limit int) fulfillment.Response[*fulfillment.ProductPage]
	GetProduct(ctx context.Context, productID string) fulfillment.Response[*fulfillment.Product]
	CreateOrder(ctx context.Context, order *fulfillment.OrderRequest) fulfillment.Response[*fulfillment.OrderResult]
}

// SessionCreator creates hosted payment sessions
type SessionCreator interface {
	CreateCheckoutSession(ctx context.Context, req payments.SessionRequest) (*payments.Session, error)
}

// EventVerifier authenticates and decodes payment notifications
type EventVerifier interface {
	Verify(payload []byte, signatureHeader string) (*payments.Event, error)
}
