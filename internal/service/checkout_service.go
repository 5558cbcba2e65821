package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"merch-service/internal/models"
	"merch-service/internal/payments"
	"merch-service/internal/util"

	"go.uber.org/zap"
)

// CheckoutRequest is the storefront's checkout submission
type CheckoutRequest struct {
	CustomerEmail   string            `json:"customerEmail" binding:"required,email"`
	CustomerName    string            `json:"customerName" binding:"required"`
	CustomerPhone   string            `json:"customerPhone"`
	ShippingAddress models.Address    `json:"shippingAddress" binding:"required"`
	CartItems       []models.CartItem `json:"cartItems"`
}

// CheckoutResult points the customer at the hosted payment page
type CheckoutResult struct {
	URL       string `json:"url"`
	SessionID string `json:"sessionId"`
}

type CheckoutConfig struct {
	Currency       string
	SuccessURL     string
	CancelURL      string
	ShippingRateID string
	AutomaticTax   bool
}

// CheckoutService creates payment sessions carrying the whole order intent
type CheckoutService struct {
	sessions SessionCreator
	cfg      CheckoutConfig
	logger   *zap.Logger
}

// NewCheckoutService creates a new checkout service
func NewCheckoutService(sessions SessionCreator, cfg CheckoutConfig) *CheckoutService {
	if cfg.Currency == "" {
		cfg.Currency = "usd"
	}
	return &CheckoutService{
		sessions: sessions,
		cfg:      cfg,
		logger:   util.GetLogger(),
	}
}

// CreateSession validates the cart and opens a payment session. Processor rejections
// surface as UpstreamError and are not retried.
func (cs *CheckoutService) CreateSession(ctx context.Context, req *CheckoutRequest) (*CheckoutResult, error) {
	ctx, span := util.StartSpan(ctx, "CheckoutService.CreateSession")
	defer span.End()

	if len(req.CartItems) == 0 {
		return nil, ErrInvalidCart
	}

	lineItems := make([]payments.LineItem, 0, len(req.CartItems))
	for i, item := range req.CartItems {
		if err := validateCartItem(i, item); err != nil {
			return nil, err
		}
		lineItems = append(lineItems, payments.LineItem{
			Name:       lineItemName(item),
			Image:      item.Image,
			UnitAmount: item.Price,
			Quantity:   int64(item.Quantity),
		})
	}

	intent := &models.OrderIntent{
		Customer: models.Customer{
			Email: strings.TrimSpace(req.CustomerEmail),
			Name:  strings.TrimSpace(req.CustomerName),
			Phone: strings.TrimSpace(req.CustomerPhone),
		},
		Shipping: req.ShippingAddress,
		Items:    req.CartItems,
	}
	metadata, err := payments.EncodeIntent(intent)
	if errors.Is(err, payments.ErrIntentTooLarge) {
		return nil, &ValidationError{Field: "cartItems", Message: "cart is too large to check out at once"}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to encode order intent: %w", err)
	}

	session, err := cs.sessions.CreateCheckoutSession(ctx, payments.SessionRequest{
		Currency:       cs.cfg.Currency,
		SuccessURL:     cs.cfg.SuccessURL,
		CancelURL:      cs.cfg.CancelURL,
		CustomerEmail:  intent.Customer.Email,
		ShippingRateID: cs.cfg.ShippingRateID,
		AutomaticTax:   cs.cfg.AutomaticTax,
		Items:          lineItems,
		Metadata:       metadata,
	})
	if err != nil {
		var perr *payments.ProviderError
		if errors.As(err, &perr) {
			cs.logger.Warn("Payment processor rejected checkout session",
				zap.String("code", perr.Code),
				zap.String("message", perr.Message))
			return nil, &UpstreamError{Provider: "stripe", StatusCode: perr.HTTPStatus, Message: perr.Message}
		}
		return nil, &UpstreamError{Provider: "stripe", Message: err.Error()}
	}

	cs.logger.Info("Checkout session created",
		zap.String("session_id", session.ID),
		zap.Int("items", len(lineItems)))

	return &CheckoutResult{URL: session.URL, SessionID: session.ID}, nil
}

func validateCartItem(i int, item models.CartItem) error {
	field := fmt.Sprintf("cartItems[%d]", i)
	switch {
	case strings.TrimSpace(item.ProductID) == "":
		return &ValidationError{Field: field, Message: "product id is required"}
	case item.VariantID <= 0:
		return &ValidationError{Field: field, Message: "variant id is required"}
	case item.Quantity <= 0:
		return &ValidationError{Field: field, Message: "quantity must be positive"}
	case item.Price < 0:
		return &ValidationError{Field: field, Message: "price must not be negative"}
	}
	return nil
}

func lineItemName(item models.CartItem) string {
	name := strings.TrimSpace(item.Title)
	if name == "" {
		name = "Product " + item.ProductID
	}
	if item.Style != "" {
		name = fmt.Sprintf("%s (%s)", name, item.Style)
	}
	return name
}
