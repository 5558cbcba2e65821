package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Product is the local mirror of a fulfillment provider catalog entry
type Product struct {
	ID                   int64     `db:"id" json:"id"`
	ExternalID           string    `db:"external_id" json:"external_id"`
	Title                string    `db:"title" json:"title"`
	Description          string    `db:"description" json:"description"`
	BasePrice            int64     `db:"base_price" json:"base_price"`
	Category             string    `db:"category" json:"category"`
	Images               Images    `db:"images" json:"images"`
	Variants             Variants  `db:"variants" json:"variants"`
	Active               bool      `db:"active" json:"active"`
	Published            bool      `db:"published" json:"published"`
	AssociationReference *string   `db:"association_ref" json:"association_ref,omitempty"`
	CreatedAt            time.Time `db:"created_at" json:"created_at"`
	UpdatedAt            time.Time `db:"updated_at" json:"updated_at"`
}

// Listed reports whether the product is visible on the storefront
func (p *Product) Listed() bool {
	return p.Active && p.Published
}

// Variant is an externally defined price/option tuple
type Variant struct {
	ID      int64  `json:"id"`
	Title   string `json:"title"`
	SKU     string `json:"sku,omitempty"`
	Price   int64  `json:"price"`
	Enabled bool   `json:"enabled"`
}

// Image references a provider hosted mockup
type Image struct {
	Src       string `json:"src"`
	IsDefault bool   `json:"is_default"`
}

type Variants []Variant

func (v Variants) Value() (driver.Value, error) {
	if v == nil {
		return "[]", nil
	}
	return jsonValue([]Variant(v))
}

func (v *Variants) Scan(src interface{}) error { return jsonScan(src, v) }

type Images []Image

func (i Images) Value() (driver.Value, error) {
	if i == nil {
		return "[]", nil
	}
	return jsonValue([]Image(i))
}

func (i *Images) Scan(src interface{}) error { return jsonScan(src, i) }

// Address is the shipping address snapshot captured at checkout
type Address struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Address1  string `json:"address1" binding:"required"`
	Address2  string `json:"address2,omitempty"`
	City      string `json:"city" binding:"required"`
	Region    string `json:"region,omitempty"`
	Zip       string `json:"zip" binding:"required"`
	Country   string `json:"country,omitempty"`
}

func (a Address) Value() (driver.Value, error) { return jsonValue(a) }
func (a *Address) Scan(src interface{}) error  { return jsonScan(src, a) }

// Customer holds contact details for an order
type Customer struct {
	Email string `json:"email"`
	Name  string `json:"name"`
	Phone string `json:"phone,omitempty"`
}

// CartItem is one client-held cart line. It is never persisted on its own;
// an order line item keeps a full copy of it.
type CartItem struct {
	ProductID string `json:"product_id" binding:"required"`
	VariantID int64  `json:"variant_id" binding:"required"`
	Quantity  int    `json:"quantity" binding:"required,min=1"`
	Price     int64  `json:"price" binding:"min=0"`
	Title     string `json:"title,omitempty"`
	Image     string `json:"image,omitempty"`
	Style     string `json:"style,omitempty"`
}

func (c CartItem) Value() (driver.Value, error) { return jsonValue(c) }
func (c *CartItem) Scan(src interface{}) error  { return jsonScan(src, c) }

// LineTotal returns unit price times quantity
func (c CartItem) LineTotal() int64 {
	return c.Price * int64(c.Quantity)
}

// OrderIntent is what the checkout embeds in the payment session metadata
type OrderIntent struct {
	Customer Customer   `json:"c"`
	Shipping Address    `json:"s"`
	Items    []CartItem `json:"i"`
}

// Order represents a customer order materialized from a payment session
type Order struct {
	ID                 int64       `db:"id" json:"id"`
	PaymentSessionID   string      `db:"payment_session_id" json:"payment_session_id"`
	PaymentIntentID    string      `db:"payment_intent_id" json:"payment_intent_id,omitempty"`
	CustomerEmail      string      `db:"customer_email" json:"customer_email"`
	CustomerName       string      `db:"customer_name" json:"customer_name"`
	CustomerPhone      string      `db:"customer_phone" json:"customer_phone,omitempty"`
	ShippingAddress    Address     `db:"shipping_address" json:"shipping_address"`
	Subtotal           int64       `db:"subtotal" json:"subtotal"`
	Tax                int64       `db:"tax" json:"tax"`
	Shipping           int64       `db:"shipping" json:"shipping"`
	Total              int64       `db:"total" json:"total"`
	Currency           string      `db:"currency" json:"currency"`
	Status             OrderStatus `db:"status" json:"status"`
	FulfillmentOrderID *string     `db:"fulfillment_order_id" json:"fulfillment_order_id,omitempty"`
	CreatedAt          time.Time   `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time   `db:"updated_at" json:"updated_at"`
}

// AwaitingFulfillment reports whether the order is paid but was never accepted by the provider.
// A payment confirmation can move such an order to PROCESSING before anyone resubmits it.
func (o *Order) AwaitingFulfillment() bool {
	if o.FulfillmentOrderID != nil {
		return false
	}
	return o.Status == OrderStatusPaid || o.Status == OrderStatusProcessing
}

// OrderItem is an immutable line-item snapshot
type OrderItem struct {
	ID                int64    `db:"id" json:"id"`
	OrderID           int64    `db:"order_id" json:"order_id"`
	ProductID         *int64   `db:"product_id" json:"product_id,omitempty"`
	ProductExternalID string   `db:"product_external_id" json:"product_external_id"`
	VariantID         int64    `db:"variant_id" json:"variant_id"`
	Title             string   `db:"title" json:"title"`
	Quantity          int      `db:"quantity" json:"quantity"`
	UnitPrice         int64    `db:"unit_price" json:"unit_price"`
	LineTotal         int64    `db:"line_total" json:"line_total"`
	Snapshot          CartItem `db:"snapshot" json:"snapshot"`
}

// SumLineTotals adds up line totals of the given items
func SumLineTotals(items []OrderItem) int64 {
	var sum int64
	for _, item := range items {
		sum += item.LineTotal
	}
	return sum
}

// ProcessedEvent for idempotency
type ProcessedEvent struct {
	EventID     string    `db:"event_id"`
	EventType   string    `db:"event_type"`
	ProcessedAt time.Time `db:"processed_at"`
}

func jsonValue(v interface{}) (driver.Value, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func jsonScan(src interface{}, dst interface{}) error {
	switch s := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(s, dst)
	case string:
		return json.Unmarshal([]byte(s), dst)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
}
