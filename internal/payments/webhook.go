package payments

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78/webhook"
)

// Event types dispatched by the gateway
const (
	EventCheckoutSessionCompleted = "checkout.session.completed"
	EventPaymentIntentSucceeded   = "payment_intent.succeeded"
	EventPaymentIntentFailed      = "payment_intent.payment_failed"
)

var (
	// ErrInvalidSignature is returned when the signature header is missing or does not verify
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMalformedEvent is returned when a verified payload does not decode
	ErrMalformedEvent = errors.New("malformed webhook event")
)

// Event is the narrow envelope of a processor notification
type Event struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Created int64  `json:"created"`
	Data    struct {
		Object json.RawMessage `json:"object"`
	} `json:"data"`
}

// OccurredAt returns when the processor created the event, or now when it did not say
func (e *Event) OccurredAt() time.Time {
	if e.Created <= 0 {
		return time.Now()
	}
	return time.Unix(e.Created, 0)
}

// WebhookVerifier authenticates notifications with the shared signing secret
type WebhookVerifier struct {
	secret    string
	tolerance time.Duration
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify checks the signature before the payload is parsed, then decodes the envelope
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if v.secret == "" || strings.TrimSpace(signatureHeader) == "" {
		return nil, ErrInvalidSignature
	}
	if err := webhook.ValidatePayloadWithTolerance(payload, signatureHeader, v.secret, v.tolerance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if event.ID == "" || event.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	return &event, nil
}

// SignatureHeader builds a Stripe-Signature header for payload, as the processor
// does when delivering. Used for local replays and tests.
func SignatureHeader(payload []byte, secret string, at time.Time) string {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    secret,
		Timestamp: at,
	})
	return signed.Header
}

// ObjectRef accepts either an id string or an expanded object with an id
type ObjectRef string

func (r *ObjectRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*r = ""
		return nil
	}
	if data[0] == '"' {
		var id string
		if err := json.Unmarshal(data, &id); err != nil {
			return err
		}
		*r = ObjectRef(id)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return err
	}
	*r = ObjectRef(obj.ID)
	return nil
}

type StripeAddress struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2"`
	City       string `json:"city"`
	State      string `json:"state"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

type CustomerDetails struct {
	Email   string         `json:"email"`
	Name    string         `json:"name"`
	Phone   string         `json:"phone"`
	Address *StripeAddress `json:"address"`
}

type ShippingDetails struct {
	Name    string         `json:"name"`
	Address *StripeAddress `json:"address"`
}

type TotalDetails struct {
	AmountTax      *int64 `json:"amount_tax"`
	AmountShipping *int64 `json:"amount_shipping"`
	AmountDiscount *int64 `json:"amount_discount"`
}

// CheckoutSession holds the fields of a completed session needed to materialize an order.
// Amounts are pointers so absence can be told apart from zero.
type CheckoutSession struct {
	ID              string            `json:"id"`
	PaymentIntent   ObjectRef         `json:"payment_intent"`
	PaymentStatus   string            `json:"payment_status"`
	Currency        string            `json:"currency"`
	AmountSubtotal  *int64            `json:"amount_subtotal"`
	AmountTotal     *int64            `json:"amount_total"`
	TotalDetails    *TotalDetails     `json:"total_details"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerDetails *CustomerDetails  `json:"customer_details"`
	ShippingDetails *ShippingDetails  `json:"shipping_details"`
	Metadata        map[string]string `json:"metadata"`
}

// Paid reports whether the processor collected the payment when the session completed
func (s *CheckoutSession) Paid() bool {
	return s.PaymentStatus == "paid"
}

// PaymentIntent holds the fields of a payment intent notification
type PaymentIntent struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// FailureMessage returns the processor's decline reason if any
func (pi *PaymentIntent) FailureMessage() string {
	if pi.LastPaymentError == nil {
		return ""
	}
	return pi.LastPaymentError.Message
}

// DecodeCheckoutSession decodes the session object of a checkout event
func DecodeCheckoutSession(event *Event) (*CheckoutSession, error) {
	var session CheckoutSession
	if err := json.Unmarshal(event.Data.Object, &session); err != nil {
		return nil, fmt.Errorf("%w: checkout session: %v", ErrMalformedEvent, err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
	}
	return &session, nil
}

// DecodePaymentIntent decodes the payment intent object of an intent event
func DecodePaymentIntent(event *Event) (*PaymentIntent, error) {
	var intent PaymentIntent
	if err := json.Unmarshal(event.Data.Object, &intent); err != nil {
		return nil, fmt.Errorf("%w: payment intent: %v", ErrMalformedEvent, err)
	}
	if intent.ID == "" {
		return nil, fmt.Errorf("%w: payment intent without id", ErrMalformedEvent)
	}
	return &intent, nil
}
