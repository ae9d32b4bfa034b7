package main

import (
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"ledger-svc/cache"
	"ledger-svc/database"
	"ledger-svc/gateway"
	"ledger-svc/handlers"
	"ledger-svc/kafka"
	"ledger-svc/lease"
	"ledger-svc/ledger"
	"ledger-svc/middleware"
	"ledger-svc/owner"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize Kafka consumer
	consumer, err := kafka.InitConsumer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("ledger-service")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Redis is a read-through cache for transaction snapshots; the
	// service runs without it.
	rdb, err := cache.InitRedis(logger)
	if err != nil {
		logger.Warn("Redis unavailable, snapshot cache disabled", zap.Error(err))
		rdb = nil
	} else {
		defer rdb.Close()
	}

	// Wire the ledger core
	leases := lease.NewRegistry()
	ownerAdapter := owner.NewAdapter(db, producer, logger)
	guard := ledger.NewGuard(db, leases, ownerAdapter, logger)
	dispatcher := ledger.NewDispatcher(db, leases, ownerAdapter, gateway.NewWebhookClient(logger), logger)

	// Start Kafka consumer in background
	go func() {
		if err := kafka.StartConsumer(consumer, guard, logger); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	txHandler := handlers.NewTransactionHandler(db, guard, dispatcher, rdb, logger)

	router.GET("/transactions/:id", txHandler.GetTransaction)
	router.GET("/transactions/:id/events", txHandler.ListEvents)

	authorized := router.Group("/")
	authorized.Use(middleware.AppAuthMiddleware([]byte(getEnv("APP_JWT_SECRET", "dev-secret")), logger))
	{
		authorized.POST("/transactions", txHandler.CreateTransaction)
		authorized.POST("/transactions/:id/events", txHandler.ReportEvent)
		authorized.POST("/transactions/:id/actions", txHandler.RequestAction)
	}

	// Start REST server
	srv := &http.Server{
		Addr:    ":" + getEnv("HTTP_PORT", "8084"),
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Ledger Service started", zap.String("addr", srv.Addr))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	logger.Info("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
