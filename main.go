package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Moonlitwhisper254/datakibanda/auth"
	"github.com/Moonlitwhisper254/datakibanda/cache"
	"github.com/Moonlitwhisper254/datakibanda/config"
	"github.com/Moonlitwhisper254/datakibanda/database"
	"github.com/Moonlitwhisper254/datakibanda/gateway"
	"github.com/Moonlitwhisper254/datakibanda/handlers"
	"github.com/Moonlitwhisper254/datakibanda/kafka"
	"github.com/Moonlitwhisper254/datakibanda/middleware"
	"github.com/Moonlitwhisper254/datakibanda/payment"
	"github.com/Moonlitwhisper254/datakibanda/store"
	"github.com/Moonlitwhisper254/datakibanda/webhook"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	// Initialize database
	db, err := database.InitDB(cfg.DB, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis
	rdb, err := cache.InitRedis(cfg.Redis, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer rdb.Close()

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize Kafka consumer
	consumer, err := kafka.InitConsumer(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	if err := handlers.RegisterValidators(); err != nil {
		logger.Fatal("Failed to register validators", zap.Error(err))
	}

	transactions := store.NewTransactionStore(db)
	audit := store.NewAuditStore(db)
	webhooks := store.NewWebhookStore(db)
	catalog := cache.NewPackageCatalog(rdb, store.NewPackageStore(db), cfg.Redis.CacheTTL, logger)

	gw := gateway.NewClient(gateway.ConfigFrom(cfg.Mpesa), logger)
	notifier := webhook.NewNotifier(webhooks, cfg.Webhook.Timeout, logger)
	publisher := kafka.NewPublisher(producer, cfg.Kafka.Topic, logger)

	initiator := payment.NewInitiator(transactions, gw, audit, catalog,
		payment.NewReferenceGenerator(cfg.Payments.ReferencePrefix, nil), logger)
	reconciler := payment.NewReconciler(transactions, audit, notifier, publisher, logger)
	statusService := payment.NewStatusService(transactions)
	expiry := payment.NewExpiryWorker(transactions, gw, reconciler, payment.ExpiryConfig{
		PendingTimeout: cfg.Payments.PendingTimeout,
		MaxPendingAge:  cfg.Payments.MaxPendingAge,
		Interval:       cfg.Payments.ExpiryInterval,
		BatchSize:      cfg.Payments.ExpiryBatch,
		Workers:        cfg.Payments.ExpiryWorkers,
	}, logger)

	authService := auth.NewService(store.NewUserStore(db), store.NewSessionStore(db), notifier, auth.Config{
		JWTSecret:        cfg.Auth.JWTSecret,
		SessionTTL:       cfg.Auth.SessionTTL,
		MaxLoginAttempts: cfg.Auth.MaxLoginAttempts,
		LockDuration:     cfg.Auth.LockDuration,
	}, logger)

	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// Start background workers
	go expiry.Start(workerCtx)
	go func() {
		provisioner := kafka.NewProvisioner(transactions, logger)
		if err := provisioner.Start(workerCtx, consumer, cfg.Kafka.Topic); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(cfg.Tracing.ServiceName))
	router.Use(middleware.SecurityHeaders())
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	router.GET("/health", handlers.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	counter := cache.NewRateCounter(rdb)
	requireSession := middleware.AuthMiddleware(authService)

	authHandler := handlers.NewAuthHandler(authService, cfg.Mpesa.Environment == "production", logger)
	authRoutes := router.Group("/auth", middleware.RateLimit(counter, "auth", cfg.RateLimit.AuthPerMinute, time.Minute, logger))
	authRoutes.POST("/register", authHandler.Register)
	authRoutes.POST("/login", authHandler.Login)
	authRoutes.POST("/logout", requireSession, authHandler.Logout)

	paymentHandler := handlers.NewPaymentHandler(initiator, statusService, logger)
	callbackHandler := handlers.NewCallbackHandler(reconciler, logger)
	router.POST("/payments/stk-push",
		requireSession,
		middleware.RateLimit(counter, "payment", cfg.RateLimit.PaymentPerMinute, time.Minute, logger),
		paymentHandler.InitiatePayment,
	)
	router.POST("/payments/callback", callbackHandler.HandleCallback)
	router.GET("/payments/status/:reference", paymentHandler.GetStatus)
	router.POST("/payments/status", paymentHandler.PostStatus)

	webhookHandler := handlers.NewWebhookHandler(webhook.NewRegistry(webhooks, logger), logger)
	router.POST("/webhooks", requireSession, webhookHandler.Register)
	router.GET("/webhooks", requireSession, webhookHandler.List)

	// Start REST server
	srv := &http.Server{
		Addr:    ":" + cfg.Server.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Payment engine started", zap.String("port", cfg.Server.Port))

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}
