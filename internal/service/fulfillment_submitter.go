package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"unicode"

	"merch-service/internal/fulfillment"
	"merch-service/internal/models"
	"merch-service/internal/util"

	"go.uber.org/zap"
)

type FulfillmentConfig struct {
	ShippingMethod int
	DefaultCountry string
}

// FulfillmentSubmitter hands paid orders to the fulfillment provider
type FulfillmentSubmitter struct {
	orders    OrderStore
	api       FulfillmentAPI
	publisher EventPublisher
	cfg       FulfillmentConfig
	logger    *zap.Logger
}

// NewFulfillmentSubmitter creates a new fulfillment submitter
func NewFulfillmentSubmitter(orders OrderStore, api FulfillmentAPI, publisher EventPublisher, cfg FulfillmentConfig) *FulfillmentSubmitter {
	if cfg.ShippingMethod <= 0 {
		cfg.ShippingMethod = 1
	}
	if cfg.DefaultCountry == "" {
		cfg.DefaultCountry = "US"
	}
	return &FulfillmentSubmitter{
		orders:    orders,
		api:       api,
		publisher: publisher,
		cfg:       cfg,
		logger:    util.GetLogger(),
	}
}

// Submit sends the order to the provider once. On failure the order stays PAID
// without a fulfillment id and is left for manual follow-up.
func (fs *FulfillmentSubmitter) Submit(ctx context.Context, order *models.Order, items []models.OrderItem) error {
	ctx, span := util.StartSpan(ctx, "FulfillmentSubmitter.Submit")
	defer span.End()

	req := fs.BuildRequest(order, items)
	resp := fs.api.CreateOrder(ctx, req)
	if !resp.Success || resp.Data == nil || resp.Data.ID == "" {
		util.FulfillmentSubmissionsTotal.WithLabelValues("failed").Inc()

		message := resp.Message
		if message == "" {
			message = "provider returned no order id"
		}
		fs.logger.Error("Fulfillment submission failed, order needs manual follow-up",
			zap.Int64("order_id", order.ID),
			zap.Int("status", resp.StatusCode),
			zap.String("message", message))

		if err := fs.publisher.PublishFulfillmentFailed(ctx, order.ID, message); err != nil {
			fs.logger.Warn("Failed to publish fulfillment failed event", zap.Error(err))
		}
		return &UpstreamError{Provider: "printify", StatusCode: resp.StatusCode, Message: message}
	}

	fulfillmentID := resp.Data.ID
	util.FulfillmentSubmissionsTotal.WithLabelValues("submitted").Inc()

	set, err := fs.orders.SetFulfillmentOrderID(ctx, order.ID, fulfillmentID)
	if err != nil {
		fs.logger.Error("Provider accepted order but its id could not be stored",
			zap.Int64("order_id", order.ID),
			zap.String("fulfillment_order_id", fulfillmentID),
			zap.Error(err))
		return fmt.Errorf("failed to store fulfillment order id: %w", err)
	}
	if set {
		order.FulfillmentOrderID = &fulfillmentID
	} else {
		fs.logger.Warn("Order already had a fulfillment id",
			zap.Int64("order_id", order.ID),
			zap.String("fulfillment_order_id", fulfillmentID))
	}

	moved, err := fs.orders.TransitionOrder(ctx, order.ID, []models.OrderStatus{models.OrderStatusPaid}, models.OrderStatusProcessing)
	if err != nil {
		return fmt.Errorf("failed to move order to processing: %w", err)
	}
	if moved {
		from := order.Status
		order.Status = models.OrderStatusProcessing
		util.OrderTransitionsTotal.WithLabelValues(string(models.OrderStatusProcessing)).Inc()
		if err := fs.publisher.PublishOrderStatusChanged(ctx, order.ID, from, models.OrderStatusProcessing, "fulfillment.submitted"); err != nil {
			fs.logger.Warn("Failed to publish status change event", zap.Error(err))
		}
	}

	if err := fs.publisher.PublishFulfillmentSubmitted(ctx, order.ID, fulfillmentID); err != nil {
		fs.logger.Warn("Failed to publish fulfillment submitted event", zap.Error(err))
	}

	fs.logger.Info("Order submitted for fulfillment",
		zap.Int64("order_id", order.ID),
		zap.String("fulfillment_order_id", fulfillmentID))
	return nil
}

// BuildRequest maps an order and its line items to the provider's order payload
func (fs *FulfillmentSubmitter) BuildRequest(order *models.Order, items []models.OrderItem) *fulfillment.OrderRequest {
	lineItems := make([]fulfillment.LineItem, 0, len(items))
	for _, item := range items {
		lineItems = append(lineItems, fulfillment.LineItem{
			ProductID: item.ProductExternalID,
			VariantID: item.VariantID,
			Quantity:  item.Quantity,
		})
	}

	addr := order.ShippingAddress
	first, last := addr.FirstName, addr.LastName
	if first == "" && last == "" {
		first, last = splitName(order.CustomerName)
	}

	country := strings.ToUpper(strings.TrimSpace(addr.Country))
	if country == "" {
		country = fs.cfg.DefaultCountry
	}

	return &fulfillment.OrderRequest{
		ExternalID:               strconv.FormatInt(order.ID, 10),
		Label:                    fmt.Sprintf("Order #%d", order.ID),
		LineItems:                lineItems,
		ShippingMethod:           fs.cfg.ShippingMethod,
		SendShippingNotification: true,
		AddressTo: fulfillment.AddressTo{
			FirstName: first,
			LastName:  last,
			Email:     order.CustomerEmail,
			Phone:     order.CustomerPhone,
			Country:   country,
			Region:    addr.Region,
			Address1:  addr.Address1,
			Address2:  addr.Address2,
			City:      addr.City,
			Zip:       addr.Zip,
		},
	}
}

// splitName splits on the first run of whitespace
func splitName(name string) (string, string) {
	name = strings.TrimSpace(name)
	i := strings.IndexFunc(name, unicode.IsSpace)
	if i < 0 {
		return name, ""
	}
	return name[:i], strings.TrimSpace(name[i:])
}
