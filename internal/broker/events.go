package broker

import (
	"context"
	"fmt"
	"time"

	"merch-service/internal/models"

	"github.com/google/uuid"
)

// EventPublisher handles publishing domain events
type EventPublisher struct {
	producer *Producer
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(producer *Producer) *EventPublisher {
	return &EventPublisher{producer: producer}
}

func newBase(eventType string) models.BaseEvent {
	return models.BaseEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		Timestamp: time.Now().UTC(),
	}
}

// PublishOrderMaterialized publishes ORDER_MATERIALIZED
func (ep *EventPublisher) PublishOrderMaterialized(ctx context.Context, order *models.Order, itemCount int) error {
	event := &models.OrderMaterializedEvent{
		BaseEvent:        newBase(models.EventTypeOrderMaterialized),
		OrderID:          order.ID,
		PaymentSessionID: order.PaymentSessionID,
		Total:            order.Total,
		Currency:         order.Currency,
		ItemCount:        itemCount,
	}
	return ep.producer.PublishEvent(ctx, orderKey(order.ID), event.EventType, event)
}

// PublishOrderStatusChanged publishes ORDER_STATUS_CHANGED
func (ep *EventPublisher) PublishOrderStatusChanged(ctx context.Context, orderID int64, from, to models.OrderStatus, cause string) error {
	event := &models.OrderStatusChangedEvent{
		BaseEvent: newBase(models.EventTypeOrderStatusChanged),
		OrderID:   orderID,
		From:      from,
		To:        to,
		Cause:     cause,
	}
	return ep.producer.PublishEvent(ctx, orderKey(orderID), event.EventType, event)
}

// PublishFulfillmentSubmitted publishes FULFILLMENT_SUBMITTED
func (ep *EventPublisher) PublishFulfillmentSubmitted(ctx context.Context, orderID int64, fulfillmentID string) error {
	event := &models.FulfillmentEvent{
		BaseEvent:          newBase(models.EventTypeFulfillmentSubmitted),
		OrderID:            orderID,
		FulfillmentOrderID: fulfillmentID,
	}
	return ep.producer.PublishEvent(ctx, orderKey(orderID), event.EventType, event)
}

// PublishFulfillmentFailed publishes FULFILLMENT_FAILED, the manual follow-up signal
func (ep *EventPublisher) PublishFulfillmentFailed(ctx context.Context, orderID int64, reason string) error {
	event := &models.FulfillmentEvent{
		BaseEvent: newBase(models.EventTypeFulfillmentFailed),
		OrderID:   orderID,
		Reason:    reason,
	}
	return ep.producer.PublishEvent(ctx, orderKey(orderID), event.EventType, event)
}

// PublishProductDiscovered publishes CATALOG_PRODUCT_DISCOVERED
func (ep *EventPublisher) PublishProductDiscovered(ctx context.Context, product *models.Product) error {
	event := &models.ProductDiscoveredEvent{
		BaseEvent:  newBase(models.EventTypeProductDiscovered),
		ProductID:  product.ID,
		ExternalID: product.ExternalID,
		Title:      product.Title,
	}
	return ep.producer.PublishEvent(ctx, fmt.Sprintf("product-%s", product.ExternalID), event.EventType, event)
}

func orderKey(orderID int64) string {
	return fmt.Sprintf("order-%d", orderID)
}
