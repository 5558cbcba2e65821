package models

import "time"

// Event types published on the order events topic
const (
	EventTypeOrderMaterialized    = "ORDER_MATERIALIZED"
	EventTypeOrderStatusChanged   = "ORDER_STATUS_CHANGED"
	EventTypeFulfillmentSubmitted = "FULFILLMENT_SUBMITTED"
	EventTypeFulfillmentFailed    = "FULFILLMENT_FAILED"
	EventTypeProductDiscovered    = "CATALOG_PRODUCT_DISCOVERED"
)

// BaseEvent contains common fields for all events
type BaseEvent struct {
	EventID   string    `json:"event_id"`
	EventType string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderMaterializedEvent published when an order is created from a payment session
type OrderMaterializedEvent struct {
	BaseEvent
	OrderID          int64  `json:"order_id"`
	PaymentSessionID string `json:"payment_session_id"`
	Total            int64  `json:"total"`
	Currency         string `json:"currency"`
	ItemCount        int    `json:"item_count"`
}

// OrderStatusChangedEvent published after a conditional transition applied
type OrderStatusChangedEvent struct {
	BaseEvent
	OrderID int64       `json:"order_id"`
	From    OrderStatus `json:"from"`
	To      OrderStatus `json:"to"`
	Cause   string      `json:"cause"`
}

// FulfillmentEvent published after a submission attempt
type FulfillmentEvent struct {
	BaseEvent
	OrderID            int64  `json:"order_id"`
	FulfillmentOrderID string `json:"fulfillment_order_id,omitempty"`
	Reason             string `json:"reason,omitempty"`
}

// ProductDiscoveredEvent announces a new external product awaiting association
type ProductDiscoveredEvent struct {
	BaseEvent
	ProductID  int64  `json:"product_id"`
	ExternalID string `json:"external_id"`
	Title      string `json:"title"`
}
