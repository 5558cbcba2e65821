package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"merch-service/config"
	"merch-service/internal/api"
	"merch-service/internal/broker"
	"merch-service/internal/fulfillment"
	"merch-service/internal/payments"
	"merch-service/internal/redisclient"
	"merch-service/internal/service"
	"merch-service/internal/store"
	"merch-service/internal/util"
	"merch-service/internal/worker"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {

	cfg := config.Load()

	if err := util.InitLogger(cfg.Server.Env, cfg.Server.LogLevel); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer util.SyncLogger()

	logger := util.GetLogger()
	logger.Info("Starting merch service")

	tp, err := util.InitTracer("merch-service", cfg.Observ.JaegerEndpoint)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("Error shutting down tracer", zap.Error(err))
		}
	}()

	db, err := store.NewStore(cfg.Database.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	logger.Info("Database connected")

	if cfg.Database.AutoMigrate {
		if err := db.Migrate(); err != nil {
			log.Fatalf("Failed to run migrations: %v", err)
		}
		logger.Info("Database migrations applied")
	}

	redisClient, err := redisclient.NewClient(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}
	defer redisClient.Close()
	logger.Info("Redis connected")

	producer := broker.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicOrder).WithPublishTimeout(cfg.Kafka.PublishTimeout)
	defer producer.Close()
	logger.Info("Kafka producer initialized", zap.String("topic", cfg.Kafka.TopicOrder))

	eventPublisher := broker.NewEventPublisher(producer)

	printify := fulfillment.NewClient(fulfillment.Options{
		BaseURL:        cfg.Printify.BaseURL,
		Token:          cfg.Printify.Token,
		ShopID:         cfg.Printify.ShopID,
		Timeout:        cfg.Printify.Timeout,
		RequestsPerMin: cfg.Printify.RequestsPerMin,
		RetryAttempts:  cfg.Printify.RetryAttempts,
	})

	stripeProvider, err := payments.NewStripeProvider(payments.StripeProviderConfig{
		APIKey:  cfg.Stripe.SecretKey,
		Timeout: cfg.Stripe.Timeout,
	})
	if err != nil {
		log.Fatalf("Failed to initialize payment provider: %v", err)
	}
	if cfg.Stripe.WebhookSecret == "" {
		logger.Warn("STRIPE_WEBHOOK_SECRET is empty, every webhook delivery will be rejected")
	}
	verifier := payments.NewWebhookVerifier(cfg.Stripe.WebhookSecret)

	catalogSync := service.NewCatalogSynchronizer(db, printify, eventPublisher, service.CatalogConfig{
		PageSize:    cfg.Catalog.PageSize,
		MaxPages:    cfg.Catalog.MaxPages,
		Concurrency: cfg.Catalog.Concurrency,
	})
	submitter := service.NewFulfillmentSubmitter(db, printify, eventPublisher, service.FulfillmentConfig{
		ShippingMethod: cfg.Fulfillment.ShippingMethod,
		DefaultCountry: cfg.Fulfillment.DefaultCountry,
	})
	lifecycle := service.NewOrderLifecycleManager(db, db, redisClient, submitter, eventPublisher, service.LifecycleConfig{
		Currency: cfg.Stripe.Currency,
	})
	gateway := service.NewWebhookGateway(verifier, db, lifecycle)
	checkout := service.NewCheckoutService(stripeProvider, service.CheckoutConfig{
		Currency:       cfg.Stripe.Currency,
		SuccessURL:     cfg.Stripe.SuccessURL,
		CancelURL:      cfg.Stripe.CancelURL,
		ShippingRateID: cfg.Stripe.ShippingRateID,
		AutomaticTax:   cfg.Stripe.AutomaticTax,
	})

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	syncWorker := worker.NewCatalogSyncWorker(catalogSync, cfg.Catalog.SyncInterval)
	go func() {
		if err := syncWorker.Start(workerCtx); err != nil {
			logger.Error("Catalog sync worker error", zap.Error(err))
		}
	}()

	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handler := api.NewHandler(gateway, checkout, catalogSync, lifecycle, api.Options{
		AdminToken:     cfg.Server.AdminToken,
		WebhookTimeout: cfg.Server.WebhookTimeout,
		Dependencies: map[string]api.Pinger{
			"postgres": db,
			"redis":    redisClient,
		},
	})
	handler.SetupRoutes(router)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	workerCancel()
	syncWorker.Stop()

	logger.Info("Server exited")
}
