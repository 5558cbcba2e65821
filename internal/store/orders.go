package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"merch-service/internal/models"

	"github.com/lib/pq"
)

// ErrDuplicateSession is returned when an order already exists for the payment session
var ErrDuplicateSession = errors.New("order already exists for payment session")

// StatusChange describes one applied conditional transition
type StatusChange struct {
	OrderID int64              `db:"id"`
	From    models.OrderStatus `db:"previous_status"`
}

// CreateOrderWithItems inserts the order and its line items in one transaction.
// Returns ErrDuplicateSession when the payment session was already materialized.
func (s *Store) CreateOrderWithItems(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	query := `
		INSERT INTO orders (payment_session_id, payment_intent_id, customer_email, customer_name, customer_phone,
			shipping_address, subtotal, tax, shipping, total, currency, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (payment_session_id) DO NOTHING
		RETURNING id, created_at, updated_at`

	err = tx.GetContext(ctx, order, query,
		order.PaymentSessionID, order.PaymentIntentID, order.CustomerEmail, order.CustomerName,
		order.CustomerPhone, order.ShippingAddress, order.Subtotal, order.Tax, order.Shipping,
		order.Total, order.Currency, order.Status)
	if err == sql.ErrNoRows {
		return ErrDuplicateSession
	}
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return ErrDuplicateSession
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range items {
		item := &items[i]
		item.OrderID = order.ID
		err := tx.GetContext(ctx, &item.ID, `
			INSERT INTO order_items (order_id, product_id, product_external_id, variant_id, title,
				quantity, unit_price, line_total, snapshot)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			RETURNING id`,
			item.OrderID, item.ProductID, item.ProductExternalID, item.VariantID, item.Title,
			item.Quantity, item.UnitPrice, item.LineTotal, item.Snapshot)
		if err != nil {
			return fmt.Errorf("insert order item: %w", err)
		}
	}

	return tx.Commit()
}

// GetOrderByID retrieves an order by ID, nil when absent
func (s *Store) GetOrderByID(ctx context.Context, id int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE id = $1", id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderBySessionID retrieves the order materialized from a payment session, nil when absent
func (s *Store) GetOrderBySessionID(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order, "SELECT * FROM orders WHERE payment_session_id = $1", sessionID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrderItemsByOrderID retrieves all items for an order
func (s *Store) GetOrderItemsByOrderID(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	var items []models.OrderItem
	err := s.db.SelectContext(ctx, &items,
		"SELECT * FROM order_items WHERE order_id = $1 ORDER BY id", orderID)
	return items, err
}

// TransitionOrder moves one order to status `to` when its current status is one of `from`.
// It reports whether a row changed.
func (s *Store) TransitionOrder(ctx context.Context, orderID int64, from []models.OrderStatus, to models.OrderStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE orders SET status = $1, updated_at = NOW() WHERE id = $2 AND status = ANY($3)",
		to, orderID, statusArray(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// TransitionByPaymentIntent applies the conditional transition to every order of the payment intent
func (s *Store) TransitionByPaymentIntent(ctx context.Context, intentID string, from []models.OrderStatus, to models.OrderStatus) ([]StatusChange, error) {
	query := `
		WITH prev AS (
			SELECT id, status FROM orders
			WHERE payment_intent_id = $2 AND status = ANY($3)
			FOR UPDATE
		)
		UPDATE orders o SET status = $1, updated_at = NOW()
		FROM prev
		WHERE o.id = prev.id
		RETURNING o.id, prev.status AS previous_status`

	changes := []StatusChange{}
	err := s.db.SelectContext(ctx, &changes, query, to, intentID, statusArray(from))
	return changes, err
}

// SetFulfillmentOrderID records the provider order id unless one is already set
func (s *Store) SetFulfillmentOrderID(ctx context.Context, orderID int64, fulfillmentID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders SET fulfillment_order_id = $1, updated_at = NOW()
		WHERE id = $2 AND fulfillment_order_id IS NULL`,
		fulfillmentID, orderID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ListOrdersAwaitingFulfillment lists paid or processing orders the provider never accepted
func (s *Store) ListOrdersAwaitingFulfillment(ctx context.Context, limit int) ([]models.Order, error) {
	orders := []models.Order{}
	err := s.db.SelectContext(ctx, &orders, `
		SELECT * FROM orders
		WHERE status IN ('PAID', 'PROCESSING') AND fulfillment_order_id IS NULL
		ORDER BY created_at LIMIT $1`, limit)
	return orders, err
}

// HasOrderForPaymentIntent reports whether any order carries the payment intent
func (s *Store) HasOrderForPaymentIntent(ctx context.Context, intentID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM orders WHERE payment_intent_id = $1)", intentID)
	return exists, err
}

// IsEventProcessed checks if an event has been processed
func (s *Store) IsEventProcessed(ctx context.Context, eventID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM processed_events WHERE event_id = $1)", eventID)
	return exists, err
}

// MarkEventProcessed marks an event as processed
func (s *Store) MarkEventProcessed(ctx context.Context, eventID, eventType string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO processed_events (event_id, event_type) VALUES ($1, $2) ON CONFLICT (event_id) DO NOTHING",
		eventID, eventType)
	return err
}

func statusArray(statuses []models.OrderStatus) interface{} {
	values := make([]string, len(statuses))
	for i, st := range statuses {
		values[i] = string(st)
	}
	return pq.Array(values)
}
