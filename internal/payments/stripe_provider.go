package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"merch-service/internal/util"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
	"go.uber.org/zap"
)

type stripeSessionAPI interface {
	New(params *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
}

// LineItem is one priced line of a checkout session
type LineItem struct {
	Name       string
	Image      string
	UnitAmount int64
	Quantity   int64
}

// SessionRequest describes a hosted checkout session
type SessionRequest struct {
	Currency       string
	SuccessURL     string
	CancelURL      string
	CustomerEmail  string
	ShippingRateID string
	AutomaticTax   bool
	Items          []LineItem
	Metadata       map[string]string
}

// Session is the created checkout session
type Session struct {
	ID              string
	URL             string
	PaymentIntentID string
}

// ProviderError carries the processor's rejection message
type ProviderError struct {
	Code       string
	HTTPStatus int
	Message    string
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("stripe: %s (%s)", e.Message, e.Code)
	}
	return "stripe: " + e.Message
}

type StripeProviderConfig struct {
	APIKey  string
	Timeout time.Duration
	// Sessions overrides the Stripe checkout session client
	Sessions stripeSessionAPI
}

// StripeProvider creates checkout sessions with Stripe
type StripeProvider struct {
	sessions stripeSessionAPI
	logger   *zap.Logger
}

// NewStripeProvider builds a provider with its own backend. Network retries are
// disabled so a rejected session is never silently re-created.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	sessions := cfg.Sessions
	if sessions == nil {
		apiKey := strings.TrimSpace(cfg.APIKey)
		if apiKey == "" {
			return nil, errors.New("stripe: api key is required")
		}

		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		backends := stripe.NewBackendsWithConfig(&stripe.BackendConfig{
			HTTPClient:        &http.Client{Timeout: timeout},
			MaxNetworkRetries: stripe.Int64(0),
		})
		sessions = client.New(apiKey, backends).CheckoutSessions
	}

	return &StripeProvider{
		sessions: sessions,
		logger:   util.GetLogger(),
	}, nil
}

// CreateCheckoutSession creates a payment-mode session. The metadata is copied onto
// the session and onto its payment intent so both event kinds can be correlated.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, req SessionRequest) (*Session, error) {
	ctx, span := util.StartSpan(ctx, "StripeProvider.CreateCheckoutSession")
	defer span.End()

	start := time.Now()
	defer func() {
		util.ProviderRequestLatency.WithLabelValues("stripe", "create_session").Observe(time.Since(start).Seconds())
	}()

	params := &stripe.CheckoutSessionParams{
		Mode:       stripe.String(string(stripe.CheckoutSessionModePayment)),
		SuccessURL: stripe.String(req.SuccessURL),
		CancelURL:  stripe.String(req.CancelURL),
	}
	params.Context = ctx
	params.PhoneNumberCollection = &stripe.CheckoutSessionPhoneNumberCollectionParams{
		Enabled: stripe.Bool(true),
	}

	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	if req.ShippingRateID != "" {
		params.ShippingOptions = []*stripe.CheckoutSessionShippingOptionParams{
			{ShippingRate: stripe.String(req.ShippingRateID)},
		}
	}
	if req.AutomaticTax {
		params.AutomaticTax = &stripe.CheckoutSessionAutomaticTaxParams{Enabled: stripe.Bool(true)}
	}

	currency := strings.ToLower(req.Currency)
	lineItems := make([]*stripe.CheckoutSessionLineItemParams, 0, len(req.Items))
	for _, item := range req.Items {
		line := &stripe.CheckoutSessionLineItemParams{
			Quantity: stripe.Int64(item.Quantity),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(currency),
				UnitAmount: stripe.Int64(item.UnitAmount),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(item.Name),
				},
			},
		}
		if item.Image != "" {
			line.PriceData.ProductData.Images = []*string{stripe.String(item.Image)}
		}
		lineItems = append(lineItems, line)
	}
	params.LineItems = lineItems

	params.PaymentIntentData = &stripe.CheckoutSessionPaymentIntentDataParams{}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		params.PaymentIntentData.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
			params.PaymentIntentData.Metadata[k] = v
		}
	}

	session, err := p.sessions.New(params)
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) {
			return nil, &ProviderError{
				Code:       string(stripeErr.Code),
				HTTPStatus: stripeErr.HTTPStatusCode,
				Message:    stripeErr.Msg,
			}
		}
		return nil, &ProviderError{Message: err.Error()}
	}

	intentID := ""
	if session.PaymentIntent != nil {
		intentID = session.PaymentIntent.ID
	}

	p.logger.Info("Checkout session created",
		zap.String("session_id", session.ID),
		zap.String("payment_intent", intentID),
		zap.Int("line_items", len(lineItems)))

	return &Session{
		ID:              session.ID,
		URL:             session.URL,
		PaymentIntentID: intentID,
	}, nil
}
