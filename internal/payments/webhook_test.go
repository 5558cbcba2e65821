package payments

import (
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v78/webhook"
)

const testSecret = "whsec_test"

func TestVerifyValidSignature(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"checkout.session.completed","data":{"object":{"id":"cs_1","payment_intent":"pi_1"}}}`)
	v := NewWebhookVerifier(testSecret)

	event, err := v.Verify(payload, SignatureHeader(payload, testSecret, time.Now()))
	require.NoError(t, err)
	assert.Equal(t, "evt_1", event.ID)
	assert.Equal(t, EventCheckoutSessionCompleted, event.Type)

	session, err := DecodeCheckoutSession(event)
	require.NoError(t, err)
	assert.Equal(t, ObjectRef("pi_1"), session.PaymentIntent)
}

func TestVerifyRejectsBeforeParsing(t *testing.T) {
	v := NewWebhookVerifier(testSecret)
	garbage := []byte(`not even json`)

	_, err := v.Verify(garbage, "")
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = v.Verify(garbage, SignatureHeader(garbage, "whsec_other", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = v.Verify(garbage, SignatureHeader(garbage, testSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = v.Verify(garbage, SignatureHeader(garbage, testSecret, time.Now()))
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestSignatureHeaderFormat(t *testing.T) {
	payload := []byte(`{"id":"evt_9","type":"payment_intent.succeeded"}`)
	at := time.Unix(1700000000, 0)

	want := fmt.Sprintf("t=%d,v1=%s", at.Unix(), hex.EncodeToString(webhook.ComputeSignature(at, payload, testSecret)))
	assert.Equal(t, want, SignatureHeader(payload, testSecret, at))
}

func TestEventOccurredAt(t *testing.T) {
	e := &Event{Created: 1700000000}
	assert.True(t, time.Unix(1700000000, 0).Equal(e.OccurredAt()))

	e = &Event{}
	assert.WithinDuration(t, time.Now(), e.OccurredAt(), time.Second)

	assert.True(t, (&CheckoutSession{PaymentStatus: "paid"}).Paid())
	assert.False(t, (&CheckoutSession{PaymentStatus: "unpaid"}).Paid())
}

func TestVerifyWithoutSecret(t *testing.T) {
	payload := []byte(`{"id":"evt_1","type":"x"}`)
	_, err := NewWebhookVerifier("").Verify(payload, SignatureHeader(payload, "", time.Now()))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestDecodeExpandedPaymentIntent(t *testing.T) {
	event := &Event{ID: "evt_2", Type: EventCheckoutSessionCompleted}
	event.Data.Object = []byte(`{"id":"cs_2","payment_intent":{"id":"pi_2","object":"payment_intent"},"amount_total":2999,"total_details":{"amount_tax":0}}`)

	session, err := DecodeCheckoutSession(event)
	require.NoError(t, err)
	assert.Equal(t, ObjectRef("pi_2"), session.PaymentIntent)
	require.NotNil(t, session.AmountTotal)
	assert.Equal(t, int64(2999), *session.AmountTotal)
	assert.Nil(t, session.AmountSubtotal)
	assert.Nil(t, session.TotalDetails.AmountShipping)

	event.Data.Object = []byte(`{"payment_intent":null}`)
	_, err = DecodeCheckoutSession(event)
	assert.ErrorIs(t, err, ErrMalformedEvent)
}

func TestDecodePaymentIntent(t *testing.T) {
	event := &Event{ID: "evt_3", Type: EventPaymentIntentFailed}
	event.Data.Object = []byte(`{"id":"pi_3","status":"requires_payment_method","last_payment_error":{"code":"card_declined","message":"Your card was declined."}}`)

	intent, err := DecodePaymentIntent(event)
	require.NoError(t, err)
	assert.Equal(t, "pi_3", intent.ID)
	assert.Equal(t, "Your card was declined.", intent.FailureMessage())
}
