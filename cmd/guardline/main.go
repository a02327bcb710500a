package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gorm.io/gorm/logger"

	"github.com/guardline/guardline/internal/config"
	"github.com/guardline/guardline/internal/database"
	"github.com/guardline/guardline/internal/dispatch"
	"github.com/guardline/guardline/internal/handlers"
	"github.com/guardline/guardline/internal/jobs"
	"github.com/guardline/guardline/internal/metrics"
	"github.com/guardline/guardline/internal/middleware"
	"github.com/guardline/guardline/internal/services"
)

func main() {
	// Load .env file if it exists (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("No .env file found or error loading it (this is fine if using environment variables): %v", err)
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting Guardline alert dispatcher...")

	// Initialize JWT authentication middleware
	if cfg.AdminPassword == "" {
		log.Fatalf("ADMIN_PASSWORD is not set")
	}

	// Hash the admin password
	passwordHash, err := middleware.HashPassword(cfg.AdminPassword)
	if err != nil {
		log.Fatalf("Failed to hash admin password: %v", err)
	}

	jwtAuthMiddleware := middleware.NewJWTAuthMiddleware(&middleware.JWTAuthConfig{
		Enabled:           true,
		AdminUsername:     cfg.AdminUsername,
		AdminPasswordHash: passwordHash,
		JWTSecret:         cfg.JWTSecret,
		JWTExpiryHours:    cfg.JWTExpiryHours,
		SkipPaths: []string{
			"/health",
			"/metrics",
			"/api/alert", // devices authenticate with their API key
			"/auth/login",
		},
	})
	log.Printf("JWT authentication enabled for user: %s", cfg.AdminUsername)

	// Initialize database connection
	if err := database.Connect(cfg.DatabaseURL, logger.Warn); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	log.Printf("Database connection established")

	// Run database migrations
	if err := database.AutoMigrate(); err != nil {
		log.Fatalf("Failed to run database migrations: %v", err)
	}

	db := database.GetDB()

	// Prometheus metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// Channel adapters
	channelsCfg, err := config.LoadChannels(cfg.ChannelsConfigPath)
	if err != nil {
		log.Fatalf("Failed to load channels config: %v", err)
	}
	adapters := channelsCfg.Adapters()
	if len(adapters) == 0 {
		log.Printf("Warning: no delivery channels enabled, all alerts will settle as failed")
	}
	for _, adapter := range adapters {
		log.Printf("Delivery channel enabled: %s", adapter.Kind())
	}

	// Core services
	registryService := services.NewRegistryService(db)
	auditService := services.NewAuditService(db)

	// Dispatcher
	dispatcher := dispatch.NewDispatcher(dispatch.Config{
		Workers:         cfg.DispatchWorkers,
		QueueSize:       cfg.DispatchQueueSize,
		MaxRetries:      cfg.DispatchMaxRetries,
		AttemptTimeout:  cfg.AttemptTimeout,
		BackoffBase:     cfg.BackoffBase,
		BackoffMax:      cfg.BackoffMax,
		RegistryRetries: 2,
	}, registryService, auditService, adapters, m)

	// Live status stream
	streamHandler := handlers.NewStreamHandler()
	dispatcher.SetListener(streamHandler)

	dispatcher.Start()
	defer dispatcher.Stop()

	ingestService := services.NewIngestService(db, registryService, dispatcher, m)

	// Recovery sweep for alerts stranded by a restart
	recoveryMonitor := jobs.NewRecoveryMonitor(db, dispatcher, cfg.RecoveryStaleAfter)
	stopRecovery := make(chan struct{})
	go recoveryMonitor.Start(cfg.RecoveryInterval, stopRecovery)
	defer close(stopRecovery)

	// HTTP handlers
	alertHandler := handlers.NewAlertHandler(ingestService, auditService)
	deviceHandler := handlers.NewDeviceHandler(registryService)
	authHandler := handlers.NewAuthHandler(jwtAuthMiddleware)
	httpHandler := handlers.NewHTTPHandler(alertHandler, deviceHandler, authHandler, streamHandler)

	// Set up HTTP server routes
	mux := http.NewServeMux()
	httpHandler.SetupRoutes(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	// Wrap all routes with request ID and CORS first, then JWT authentication
	corsMiddleware := middleware.NewCORSMiddleware() // Allow all origins
	handler := middleware.RequestIDMiddleware(corsMiddleware.Wrap(jwtAuthMiddleware.Wrap(mux)))

	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("Starting HTTP server on port %d", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server error: %v", err)
		}
	}()

	log.Printf("Ingest endpoint: http://localhost:%d/api/alert", cfg.HTTPPort)
	log.Printf("Health check endpoint: http://localhost:%d/health", cfg.HTTPPort)
	log.Printf("Status stream endpoint: ws://localhost:%d/ws/alerts", cfg.HTTPPort)

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, cleaning up...")
	if err := httpServer.Close(); err != nil {
		log.Printf("Error shutting down HTTP server: %v", err)
	}
	log.Println("Shutdown complete")
}
