package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"merch-service/internal/payments"
	"merch-service/internal/util"

	"go.uber.org/zap"
)

// Ingest outcomes
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeNoop      = "noop"
	OutcomeIgnored   = "ignored"
	OutcomeRejected  = "rejected"
	OutcomeRetry     = "retry"
)

// IngestResult describes how a delivered event was handled
type IngestResult struct {
	EventID   string
	EventType string
	Outcome   string
}

// WebhookGateway authenticates payment notifications and dispatches them to the lifecycle manager
type WebhookGateway struct {
	verifier  EventVerifier
	events    EventStore
	lifecycle *OrderLifecycleManager
	logger    *zap.Logger
}

// NewWebhookGateway creates a new webhook gateway
func NewWebhookGateway(verifier EventVerifier, events EventStore, lifecycle *OrderLifecycleManager) *WebhookGateway {
	return &WebhookGateway{
		verifier:  verifier,
		events:    events,
		lifecycle: lifecycle,
		logger:    util.GetLogger(),
	}
}

// Ingest handles one delivery. It returns ErrAuthenticationFailed for a bad signature and a
// RetryableError when the delivery should be retried; every other outcome is acknowledged.
func (g *WebhookGateway) Ingest(ctx context.Context, payload []byte, signature string) (*IngestResult, error) {
	ctx, span := util.StartSpan(ctx, "WebhookGateway.Ingest")
	defer span.End()

	event, err := g.verifier.Verify(payload, signature)
	if errors.Is(err, payments.ErrInvalidSignature) {
		util.WebhookEventsTotal.WithLabelValues("unknown", "unauthenticated").Inc()
		g.logger.Warn("Rejected webhook with invalid signature", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	if err != nil {
		util.WebhookEventsTotal.WithLabelValues("unknown", OutcomeRejected).Inc()
		g.logger.Error("Discarding malformed webhook", zap.Error(err))
		return &IngestResult{Outcome: OutcomeRejected}, nil
	}

	result := &IngestResult{EventID: event.ID, EventType: event.Type}
	logger := g.logger.With(zap.String("event_id", event.ID), zap.String("event_type", event.Type))

	processed, err := g.events.IsEventProcessed(ctx, event.ID)
	if err != nil {
		g.count(result, OutcomeRetry)
		return result, Retryable(fmt.Errorf("failed to check event processed: %w", err))
	}
	if processed {
		logger.Info("Event already processed")
		g.count(result, OutcomeDuplicate)
		return result, nil
	}

	var handlerErr error
	switch event.Type {
	case payments.EventCheckoutSessionCompleted:
		handlerErr = g.handleCheckoutCompleted(ctx, event)
	case payments.EventPaymentIntentSucceeded:
		handlerErr = g.handlePaymentIntent(ctx, event, g.lifecycle.HandlePaymentSucceeded)
	case payments.EventPaymentIntentFailed:
		handlerErr = g.handlePaymentIntent(ctx, event, g.lifecycle.HandlePaymentFailed)
	default:
		logger.Debug("Ignoring unhandled event type")
		g.count(result, OutcomeIgnored)
		return result, nil
	}

	switch {
	case handlerErr == nil:
		result.Outcome = OutcomeProcessed
	case IsInformational(handlerErr):
		logger.Info("Event had no effect", zap.Error(handlerErr))
		result.Outcome = OutcomeNoop
	case IsRetryable(handlerErr):
		logger.Warn("Event handling failed, asking for redelivery", zap.Error(handlerErr))
		g.count(result, OutcomeRetry)
		return result, handlerErr
	default:
		logger.Error("Event handling failed permanently", zap.Error(handlerErr))
		g.count(result, OutcomeRejected)
		return result, nil
	}

	if err := g.events.MarkEventProcessed(ctx, event.ID, event.Type); err != nil {
		logger.Warn("Failed to mark event processed", zap.Error(err))
	}
	g.count(result, result.Outcome)
	return result, nil
}

func (g *WebhookGateway) handleCheckoutCompleted(ctx context.Context, event *payments.Event) error {
	session, err := payments.DecodeCheckoutSession(event)
	if err != nil {
		return err
	}
	_, err = g.lifecycle.HandleCheckoutCompleted(ctx, session, event.OccurredAt())
	return err
}

func (g *WebhookGateway) handlePaymentIntent(ctx context.Context, event *payments.Event, apply func(context.Context, string, time.Time) error) error {
	intent, err := payments.DecodePaymentIntent(event)
	if err != nil {
		return err
	}
	if msg := intent.FailureMessage(); msg != "" {
		g.logger.Info("Payment failed", zap.String("payment_intent", intent.ID), zap.String("reason", msg))
	}
	return apply(ctx, intent.ID, event.OccurredAt())
}

func (g *WebhookGateway) count(result *IngestResult, outcome string) {
	result.Outcome = outcome
	util.WebhookEventsTotal.WithLabelValues(result.EventType, outcome).Inc()
}
