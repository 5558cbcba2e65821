package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"merch-service/internal/models"
	"merch-service/internal/payments"
	"merch-service/internal/redisclient"
	"merch-service/internal/store"
	"merch-service/internal/util"

	"go.uber.org/zap"
)

type LifecycleConfig struct {
	Currency   string
	LockTTL    time.Duration
	OutcomeTTL time.Duration
}

// OrderLifecycleManager materializes orders from completed sessions and applies payment outcomes
type OrderLifecycleManager struct {
	orders      OrderStore
	catalog     CatalogStore
	coordinator Coordinator
	submitter   *FulfillmentSubmitter
	publisher   EventPublisher
	cfg         LifecycleConfig
	logger      *zap.Logger
}

// NewOrderLifecycleManager creates a new order lifecycle manager
func NewOrderLifecycleManager(
	orders OrderStore,
	catalog CatalogStore,
	coordinator Coordinator,
	submitter *FulfillmentSubmitter,
	publisher EventPublisher,
	cfg LifecycleConfig,
) *OrderLifecycleManager {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = time.Minute
	}
	if cfg.OutcomeTTL <= 0 {
		cfg.OutcomeTTL = 72 * time.Hour
	}
	return &OrderLifecycleManager{
		orders:      orders,
		catalog:     catalog,
		coordinator: coordinator,
		submitter:   submitter,
		publisher:   publisher,
		cfg:         cfg,
		logger:      util.GetLogger(),
	}
}

// HandleCheckoutCompleted materializes the order for a session exactly once and submits it
// for fulfillment. completedAt is when the processor emitted the completion. A replay returns
// the existing order with ErrDuplicateEvent.
func (m *OrderLifecycleManager) HandleCheckoutCompleted(ctx context.Context, session *payments.CheckoutSession, completedAt time.Time) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.HandleCheckoutCompleted")
	defer span.End()

	sessionLock, err := m.lock(ctx, sessionLockKey(session.ID))
	if err != nil {
		return nil, err
	}
	defer sessionLock.Release()

	existing, err := m.orders.GetOrderBySessionID(ctx, session.ID)
	if err != nil {
		return nil, Retryable(fmt.Errorf("failed to look up order: %w", err))
	}
	if existing != nil {
		util.OrdersDuplicateTotal.Inc()
		m.logger.Info("Order already materialized", zap.String("session_id", session.ID), zap.Int64("order_id", existing.ID))
		return existing, ErrDuplicateEvent
	}

	intent, err := payments.DecodeIntent(session.Metadata)
	if err != nil {
		return nil, fmt.Errorf("failed to decode order intent for session %s: %w", session.ID, err)
	}
	if len(intent.Items) == 0 {
		return nil, fmt.Errorf("session %s: %w", session.ID, ErrInvalidCart)
	}

	order, items, err := m.buildOrder(ctx, session, intent)
	if err != nil {
		return nil, err
	}

	outcome, err := m.insertOrder(ctx, session, order, items, completedAt)
	if errors.Is(err, ErrDuplicateEvent) {
		return order, err
	}
	if err != nil {
		return nil, err
	}

	util.OrdersMaterializedTotal.Inc()
	m.logger.Info("Order materialized",
		zap.Int64("order_id", order.ID),
		zap.String("session_id", session.ID),
		zap.String("payment_intent", order.PaymentIntentID),
		zap.Int64("total", order.Total))
	if err := m.publisher.PublishOrderMaterialized(ctx, order, len(items)); err != nil {
		m.logger.Warn("Failed to publish order materialized event", zap.Error(err))
	}

	if outcome == redisclient.OutcomeFailed {
		m.transition(ctx, order, models.OrderStatusCancelled, payments.EventPaymentIntentFailed)
		return order, nil
	}

	if err := sessionLock.Extend(ctx); err != nil {
		m.logger.Warn("Session lock lost before fulfillment, order left awaiting fulfillment",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
		return order, nil
	}
	if err := m.submitter.Submit(ctx, order, items); err != nil {
		m.logger.Warn("Order left awaiting fulfillment",
			zap.Int64("order_id", order.ID),
			zap.Error(err))
	}

	if outcome == redisclient.OutcomeSucceeded {
		m.transition(ctx, order, models.OrderStatusProcessing, payments.EventPaymentIntentSucceeded)
	}

	return order, nil
}

// insertOrder stores the order under the payment intent lock and takes the payment outcome
// remembered for the intent, if any still applies. Payment events for an intent without an order
// are only remembered under the same lock, so none is missed between the insert and the read.
func (m *OrderLifecycleManager) insertOrder(ctx context.Context, session *payments.CheckoutSession, order *models.Order, items []models.OrderItem, completedAt time.Time) (string, error) {
	intentID := order.PaymentIntentID
	if intentID != "" {
		intentLock, err := m.lock(ctx, intentLockKey(intentID))
		if err != nil {
			return "", err
		}
		defer intentLock.Release()
	}

	err := m.orders.CreateOrderWithItems(ctx, order, items)
	if errors.Is(err, store.ErrDuplicateSession) {
		util.OrdersDuplicateTotal.Inc()
		existing, lookupErr := m.orders.GetOrderBySessionID(ctx, session.ID)
		if lookupErr != nil {
			return "", Retryable(lookupErr)
		}
		if existing == nil {
			return "", Retryable(fmt.Errorf("session %s reported duplicate but not found", session.ID))
		}
		*order = *existing
		return "", ErrDuplicateEvent
	}
	if err != nil {
		return "", Retryable(fmt.Errorf("failed to create order: %w", err))
	}

	if intentID == "" {
		return "", nil
	}
	outcomes := m.deferredOutcomes(ctx, intentID)
	if len(outcomes) == 0 {
		return "", nil
	}
	m.forgetOutcomes(ctx, intentID)

	outcome := pendingOutcome(outcomes, session.Paid(), completedAt)
	m.logger.Info("Resolved deferred payment outcome",
		zap.Int64("order_id", order.ID),
		zap.String("payment_intent", intentID),
		zap.Int("remembered", len(outcomes)),
		zap.String("applied", outcome))
	return outcome, nil
}

// pendingOutcome picks the remembered outcome that still applies to a new order. A session that
// completed paid supersedes failures from before its completion, such as a declined first card.
// Otherwise the newest outcome wins.
func pendingOutcome(outcomes map[string]time.Time, paid bool, completedAt time.Time) string {
	failedAt, failed := outcomes[redisclient.OutcomeFailed]
	succeededAt, succeeded := outcomes[redisclient.OutcomeSucceeded]

	if failed && paid && !failedAt.After(completedAt) {
		failed = false
	}
	if failed && succeeded && !failedAt.After(succeededAt) {
		failed = false
	}

	switch {
	case failed:
		return redisclient.OutcomeFailed
	case succeeded:
		return redisclient.OutcomeSucceeded
	}
	return ""
}

// HandlePaymentSucceeded moves the intent's PAID orders to PROCESSING
func (m *OrderLifecycleManager) HandlePaymentSucceeded(ctx context.Context, intentID string, at time.Time) error {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.HandlePaymentSucceeded")
	defer span.End()

	return m.applyPaymentOutcome(ctx, intentID, redisclient.OutcomeSucceeded, at, models.OrderStatusProcessing, payments.EventPaymentIntentSucceeded)
}

// HandlePaymentFailed cancels the intent's PAID or PROCESSING orders
func (m *OrderLifecycleManager) HandlePaymentFailed(ctx context.Context, intentID string, at time.Time) error {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.HandlePaymentFailed")
	defer span.End()

	return m.applyPaymentOutcome(ctx, intentID, redisclient.OutcomeFailed, at, models.OrderStatusCancelled, payments.EventPaymentIntentFailed)
}

// applyPaymentOutcome runs the conditional transition. When the intent has no order yet the
// outcome is remembered for its materialization; when it has one that is already past the
// transition, the event is a no-op and touches nothing else.
func (m *OrderLifecycleManager) applyPaymentOutcome(ctx context.Context, intentID, outcome string, at time.Time, to models.OrderStatus, cause string) error {
	if intentID == "" {
		return fmt.Errorf("%s without payment intent id", cause)
	}

	changed, err := m.transitionByIntent(ctx, intentID, to, cause)
	if err != nil {
		return err
	}
	if changed > 0 {
		return nil
	}

	exists, err := m.orders.HasOrderForPaymentIntent(ctx, intentID)
	if err != nil {
		return Retryable(fmt.Errorf("failed to look up orders for payment intent: %w", err))
	}
	if exists {
		return m.noMatch(intentID, outcome)
	}

	intentLock, err := m.lock(ctx, intentLockKey(intentID))
	if err != nil {
		return err
	}
	defer intentLock.Release()

	// the order may have been materialized while the lock was taken
	changed, err = m.transitionByIntent(ctx, intentID, to, cause)
	if err != nil {
		return err
	}
	if changed > 0 {
		return nil
	}
	exists, err = m.orders.HasOrderForPaymentIntent(ctx, intentID)
	if err != nil {
		return Retryable(fmt.Errorf("failed to look up orders for payment intent: %w", err))
	}
	if exists {
		return m.noMatch(intentID, outcome)
	}

	if err := m.coordinator.RememberPaymentOutcome(ctx, intentID, outcome, at, m.cfg.OutcomeTTL); err != nil {
		return Retryable(fmt.Errorf("failed to remember payment outcome: %w", err))
	}
	m.logger.Info("Payment outcome remembered until the order is materialized",
		zap.String("payment_intent", intentID),
		zap.String("outcome", outcome),
		zap.Time("at", at))
	return ErrNotFoundRace
}

func (m *OrderLifecycleManager) noMatch(intentID, outcome string) error {
	m.logger.Info("No order in a matching state for payment outcome",
		zap.String("payment_intent", intentID),
		zap.String("outcome", outcome))
	return ErrNotFoundRace
}

func (m *OrderLifecycleManager) transitionByIntent(ctx context.Context, intentID string, to models.OrderStatus, cause string) (int, error) {
	changes, err := m.orders.TransitionByPaymentIntent(ctx, intentID, models.SourcesOf(to), to)
	if err != nil {
		return 0, Retryable(fmt.Errorf("failed to transition orders: %w", err))
	}

	for _, change := range changes {
		util.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
		m.logger.Info("Order status changed",
			zap.Int64("order_id", change.OrderID),
			zap.String("from", string(change.From)),
			zap.String("to", string(to)),
			zap.String("cause", cause))
		if err := m.publisher.PublishOrderStatusChanged(ctx, change.OrderID, change.From, to, cause); err != nil {
			m.logger.Warn("Failed to publish status change event", zap.Error(err))
		}
	}
	return len(changes), nil
}

// transition applies a conditional transition to a freshly materialized order
func (m *OrderLifecycleManager) transition(ctx context.Context, order *models.Order, to models.OrderStatus, cause string) {
	moved, err := m.orders.TransitionOrder(ctx, order.ID, models.SourcesOf(to), to)
	if err != nil {
		m.logger.Error("Failed to apply deferred payment outcome",
			zap.Int64("order_id", order.ID),
			zap.String("to", string(to)),
			zap.Error(err))
		return
	}
	if !moved {
		return
	}

	from := order.Status
	order.Status = to
	util.OrderTransitionsTotal.WithLabelValues(string(to)).Inc()
	m.logger.Info("Deferred payment outcome applied",
		zap.Int64("order_id", order.ID),
		zap.String("from", string(from)),
		zap.String("to", string(to)))
	if err := m.publisher.PublishOrderStatusChanged(ctx, order.ID, from, to, cause); err != nil {
		m.logger.Warn("Failed to publish status change event", zap.Error(err))
	}
}

// RetryFulfillment resubmits a PAID or PROCESSING order the provider never accepted
func (m *OrderLifecycleManager) RetryFulfillment(ctx context.Context, orderID int64) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.RetryFulfillment")
	defer span.End()

	order, err := m.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}

	sessionLock, err := m.lock(ctx, sessionLockKey(order.PaymentSessionID))
	if err != nil {
		return nil, err
	}
	defer sessionLock.Release()

	// re-read under the lock
	order, err = m.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order == nil {
		return nil, ErrNotFound
	}
	if !order.AwaitingFulfillment() {
		return order, ErrNotEligible
	}

	items, err := m.orders.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order items: %w", err)
	}

	if err := sessionLock.Extend(ctx); err != nil {
		return order, Retryable(fmt.Errorf("session lock lost before fulfillment: %w", err))
	}
	if err := m.submitter.Submit(ctx, order, items); err != nil {
		return order, err
	}
	return order, nil
}

// GetOrder returns an order with its line items
func (m *OrderLifecycleManager) GetOrder(ctx context.Context, orderID int64) (*models.Order, []models.OrderItem, error) {
	ctx, span := util.StartSpan(ctx, "OrderLifecycleManager.GetOrder")
	defer span.End()

	order, err := m.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get order: %w", err)
	}
	if order == nil {
		return nil, nil, ErrNotFound
	}

	items, err := m.orders.GetOrderItemsByOrderID(ctx, orderID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get order items: %w", err)
	}
	return order, items, nil
}

// ListAwaitingFulfillment lists PAID and PROCESSING orders without a fulfillment id
func (m *OrderLifecycleManager) ListAwaitingFulfillment(ctx context.Context, limit int) ([]models.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return m.orders.ListOrdersAwaitingFulfillment(ctx, limit)
}

// heldLock is a coordination lock acquired by this manager
type heldLock struct {
	m     *OrderLifecycleManager
	ctx   context.Context
	key   string
	token string
	once  sync.Once
}

func sessionLockKey(sessionID string) string { return "session:" + sessionID }

func intentLockKey(intentID string) string { return "intent:" + intentID }

func (m *OrderLifecycleManager) lock(ctx context.Context, key string) (*heldLock, error) {
	token, err := m.coordinator.AcquireLock(ctx, key, m.cfg.LockTTL)
	if err != nil {
		return nil, Retryable(fmt.Errorf("failed to acquire lock %s: %w", key, err))
	}
	if token == "" {
		return nil, Retryable(ErrLockContention)
	}
	return &heldLock{m: m, ctx: ctx, key: key, token: token}, nil
}

// Extend renews the lock TTL before a long step. It fails with redisclient.ErrLockNotHeld once
// the lock expired and someone else may hold it.
func (l *heldLock) Extend(ctx context.Context) error {
	return l.m.coordinator.ExtendLock(ctx, l.key, l.token, l.m.cfg.LockTTL)
}

func (l *heldLock) Release() {
	l.once.Do(func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(l.ctx), 5*time.Second)
		defer cancel()
		if err := l.m.coordinator.ReleaseLock(releaseCtx, l.key, l.token); err != nil {
			l.m.logger.Warn("Failed to release lock",
				zap.String("key", l.key),
				zap.Error(err))
		}
	})
}

func (m *OrderLifecycleManager) deferredOutcomes(ctx context.Context, intentID string) map[string]time.Time {
	outcomes, err := m.coordinator.PaymentOutcomes(ctx, intentID)
	if err != nil {
		m.logger.Warn("Failed to read deferred payment outcomes",
			zap.String("payment_intent", intentID),
			zap.Error(err))
		return nil
	}
	return outcomes
}

func (m *OrderLifecycleManager) forgetOutcomes(ctx context.Context, intentID string) {
	if err := m.coordinator.ForgetPaymentOutcomes(ctx, intentID); err != nil {
		m.logger.Warn("Failed to clear deferred payment outcomes", zap.Error(err))
	}
}

// buildOrder assembles the order and its line items from the session and the decoded intent.
// Intent fields win; session fields fill the gaps.
func (m *OrderLifecycleManager) buildOrder(ctx context.Context, session *payments.CheckoutSession, intent *models.OrderIntent) (*models.Order, []models.OrderItem, error) {
	ids := make([]string, 0, len(intent.Items))
	for _, item := range intent.Items {
		ids = append(ids, item.ProductID)
	}
	products, err := m.catalog.GetProductsByExternalIDs(ctx, ids)
	if err != nil {
		return nil, nil, Retryable(fmt.Errorf("failed to resolve products: %w", err))
	}
	byExternalID := make(map[string]int64, len(products))
	for _, p := range products {
		byExternalID[p.ExternalID] = p.ID
	}

	items := make([]models.OrderItem, 0, len(intent.Items))
	for i, cartItem := range intent.Items {
		if cartItem.Quantity <= 0 || cartItem.Price < 0 {
			return nil, nil, &ValidationError{Field: fmt.Sprintf("items[%d]", i), Message: "invalid quantity or price"}
		}
		item := models.OrderItem{
			ProductExternalID: cartItem.ProductID,
			VariantID:         cartItem.VariantID,
			Title:             cartItem.Title,
			Quantity:          cartItem.Quantity,
			UnitPrice:         cartItem.Price,
			LineTotal:         cartItem.LineTotal(),
			Snapshot:          cartItem,
		}
		if id, ok := byExternalID[cartItem.ProductID]; ok {
			id := id
			item.ProductID = &id
		} else {
			m.logger.Warn("Order item has no catalog match",
				zap.String("session_id", session.ID),
				zap.String("product_id", cartItem.ProductID))
		}
		items = append(items, item)
	}

	subtotal, tax, shipping, total := sessionAmounts(session, models.SumLineTotals(items))
	if session.AmountSubtotal != nil && *session.AmountSubtotal != subtotal {
		m.logger.Warn("Session subtotal differs from line items",
			zap.String("session_id", session.ID),
			zap.Int64("session_subtotal", *session.AmountSubtotal),
			zap.Int64("line_items", subtotal))
	}

	customer := intent.Customer
	if details := session.CustomerDetails; details != nil {
		if customer.Email == "" {
			customer.Email = details.Email
		}
		if customer.Name == "" {
			customer.Name = details.Name
		}
		if customer.Phone == "" {
			customer.Phone = details.Phone
		}
	}
	if customer.Email == "" {
		customer.Email = session.CustomerEmail
	}

	shippingAddress := intent.Shipping
	if shippingAddress.Address1 == "" && session.ShippingDetails != nil && session.ShippingDetails.Address != nil {
		shippingAddress = addressFromSession(session.ShippingDetails)
	}

	currency := strings.ToLower(session.Currency)
	if currency == "" {
		currency = m.cfg.Currency
	}

	order := &models.Order{
		PaymentSessionID: session.ID,
		PaymentIntentID:  string(session.PaymentIntent),
		CustomerEmail:    customer.Email,
		CustomerName:     customer.Name,
		CustomerPhone:    customer.Phone,
		ShippingAddress:  shippingAddress,
		Subtotal:         subtotal,
		Tax:              tax,
		Shipping:         shipping,
		Total:            total,
		Currency:         currency,
		Status:           models.OrderStatusPaid,
	}
	return order, items, nil
}

// sessionAmounts derives the money breakdown. Subtotal is the sum of the line items and total is
// the session total; shipping is derived when missing or inconsistent so the breakdown always adds up.
func sessionAmounts(session *payments.CheckoutSession, lineSum int64) (subtotal, tax, shipping, total int64) {
	subtotal = lineSum
	total = subtotal
	if session.AmountTotal != nil {
		total = *session.AmountTotal
	}

	var reportedShipping *int64
	if td := session.TotalDetails; td != nil {
		if td.AmountTax != nil {
			tax = *td.AmountTax
		}
		reportedShipping = td.AmountShipping
	}

	if reportedShipping != nil && subtotal+tax+*reportedShipping == total {
		return subtotal, tax, *reportedShipping, total
	}
	return subtotal, tax, total - subtotal - tax, total
}

func addressFromSession(details *payments.ShippingDetails) models.Address {
	first, last := splitName(details.Name)
	a := details.Address
	return models.Address{
		FirstName: first,
		LastName:  last,
		Address1:  a.Line1,
		Address2:  a.Line2,
		City:      a.City,
		Region:    a.State,
		Zip:       a.PostalCode,
		Country:   a.Country,
	}
}
