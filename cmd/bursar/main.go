package main

import (
	"context"

	"github.com/eduzayn/bursar/internal/directory"
	"github.com/eduzayn/bursar/internal/handlers"
	"github.com/eduzayn/bursar/pkg/auth"
	"github.com/eduzayn/bursar/pkg/config"
	"github.com/eduzayn/bursar/pkg/database"
	"github.com/eduzayn/bursar/pkg/logging"
	"github.com/eduzayn/bursar/pkg/monitoring"
	"github.com/eduzayn/bursar/pkg/server"
	"github.com/eduzayn/bursar/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("bursar")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Bursar (Commission Ledger API)")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")
	directoryURL := config.RequireEnv("DIRECTORY_URL")

	// Connect to database
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("bursar", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("bursar", version.Version, version.GitCommit)

	// Add health checks
	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL": dbURL,
		"JWT_SECRET":   jwtSecret,
	}))

	// Create custom ledger metrics
	metrics := &handlers.BursarMetrics{
		PaymentsRegistered:    metricsCollector.NewCounter("payments_registered_total", "Payments registered against charges", []string{"institution_id", "method"}),
		CommissionsGenerated:  metricsCollector.NewCounter("commissions_generated_total", "Commission entries generated", []string{"institution_id"}),
		PayoutOperations:      metricsCollector.NewCounter("payout_operations_total", "Payout batch operations", []string{"operation", "status"}),
		ReconciliationRetries: metricsCollector.NewCounter("reconciliation_retries_total", "Payout reconciliation sweep attempts", []string{"status"}),
	}

	// Create database metrics
	metrics.DBQueries, metrics.DBDuration, metrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// The enrollment directory resolves beneficiaries and billing contacts
	directoryClient := directory.NewClient(directoryURL, serviceToken, logger)

	// Initialize handlers
	if err := handlers.Init(db, logger, metrics, directoryClient); err != nil {
		logger.WithError(err).Fatal("Handler initialization failed")
	}

	// Initialize and start JobManager for background ledger tasks
	jobManager := handlers.NewJobManager(db, logger, directoryClient)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jobManager.Start(ctx)
	defer jobManager.Stop()

	logger.Info("JobManager started - background ledger jobs active")

	// The Kafka check only exists when the settlement consumer came up
	if consumer := jobManager.Consumer(); consumer != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaConsumerHealthCheck(consumer.GetClient()))
	}
	healthChecker.AddCheck("directory", monitoring.HTTPServiceHealthCheck("directory", directoryURL+"/health"))

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "bursar", healthChecker, metricsCollector)

	// API routes (root level - nginx adds /api/bursar/ prefix)
	{
		// Authentication required endpoints
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			// Charge ledger
			protected.POST("/charges", handlers.CreateCharge)
			protected.GET("/charges", handlers.ListCharges)
			protected.GET("/charges/:id", handlers.GetCharge)
			protected.POST("/charges/:id/payments", handlers.RegisterPayment)
			protected.GET("/charges/:id/payments", handlers.ListPayments)
			protected.POST("/charges/:id/cancel", handlers.CancelCharge)
			protected.POST("/charges/:id/payment-link", handlers.GeneratePaymentLink)
			protected.POST("/payments/:id/reverse", handlers.ReversePayment)

			// Commission ledger
			protected.POST("/commissions", handlers.CreateCommission)
			protected.GET("/commissions", handlers.ListCommissions)
			protected.GET("/commissions/:id", handlers.GetCommission)
			protected.POST("/commissions/:id/cancel", handlers.CancelCommission)
			protected.POST("/commissions/:id/reverse", handlers.ReverseCommission)

			// Commission rules
			protected.POST("/rules", handlers.CreateRule)
			protected.GET("/rules", handlers.ListRules)
			protected.POST("/rules/:id/deactivate", handlers.DeactivateRule)

			// Payout batches
			protected.POST("/payout-batches", handlers.CreatePayoutBatch)
			protected.GET("/payout-batches", handlers.ListPayoutBatches)
			protected.GET("/payout-batches/:id", handlers.GetPayoutBatch)
			protected.POST("/payout-batches/:id/confirm", handlers.ConfirmPayout)
			protected.POST("/payout-batches/:id/cancel", handlers.CancelPayout)
		}

		// Webhook endpoints (no auth required, HMAC-verified)
		router.POST("/webhooks/gateway", handlers.HandleGatewayWebhook)

		// Service-to-service endpoints
		serviceAPI := router.Group("")
		serviceAPI.Use(auth.ServiceAuthMiddleware(serviceToken))
		{
			serviceAPI.POST("/internal/charges", handlers.CreateCharge)
			serviceAPI.POST("/internal/commissions/generate", handlers.GenerateCommissions)
			serviceAPI.GET("/internal/commissions", handlers.ListCommissions)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("bursar", "18010")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}
