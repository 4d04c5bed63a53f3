/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the booking engine server. Handles configuration,
  dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env / environment, flags override)
  2. Build structured logger (zap, rotated file + console)
  3. Initialize SQLite store
  4. Build notifier + dispatcher (log by default, AMQP when configured)
  5. Build engine, sweeper, scheduler, metrics
  6. Configure HTTP router
  7. Start server; stop scheduler and drain dispatcher on shutdown

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections (30s drain)
  2. Stop the sweep scheduler, waiting for an in-flight pass
  3. Drain the notification dispatcher
  4. Close the database

SEE ALSO:
  - api/server.go: Router configuration
  - sweep/scheduler.go: The 24h sweep trigger
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/drivelane/booking-engine/api"
	"github.com/drivelane/booking-engine/booking"
	"github.com/drivelane/booking-engine/config"
	"github.com/drivelane/booking-engine/dispatch"
	"github.com/drivelane/booking-engine/logging"
	"github.com/drivelane/booking-engine/store/sqlite"
	"github.com/drivelane/booking-engine/sweep"
)

func main() {
	// Flags override env config for the two knobs operators change most.
	port := flag.String("port", "", "HTTP server port (overrides PORT)")
	dbPath := flag.String("db", "", "SQLite database path (overrides DB_PATH)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != "" {
		cfg.App.Port = *port
	}
	if *dbPath != "" {
		cfg.DB.Path = *dbPath
	}

	logger, err := logging.New(cfg.Log.Path, cfg.Log.Debug)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	// Store
	store, err := sqlite.New(cfg.DB.Path)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer store.Close()

	// Notifier + dispatcher
	var notifier booking.Notifier = &dispatch.LogNotifier{Log: logger}
	if cfg.AMQP.Enabled {
		amqpNotifier, err := dispatch.NewAMQPNotifier(cfg.AMQP.URL, cfg.AMQP.Exchange)
		if err != nil {
			logger.Fatal("failed to connect to rabbitmq", zap.Error(err))
		}
		defer amqpNotifier.Close()
		notifier = amqpNotifier
	}
	dispatcher := dispatch.NewDispatcher(notifier, logger)
	defer dispatcher.Close()

	// Metrics
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Engine + sweep
	engine := booking.NewEngine(store, notifier, logger)

	sweeper := sweep.NewSweeper(store, store, dispatcher, logger)
	sweeper.Metrics = sweep.NewMetrics(registry)
	if cfg.Sweep.Concurrency > 0 {
		sweeper.Concurrency = cfg.Sweep.Concurrency
	}
	if cfg.Sweep.MaxAttempts > 0 {
		sweeper.MaxAttempts = cfg.Sweep.MaxAttempts
	}

	scheduler := sweep.NewScheduler(sweeper, cfg.Sweep.Interval, logger)
	scheduler.Enabled = cfg.Sweep.Enabled
	scheduler.Start()
	defer scheduler.Stop()

	// Router
	handler := api.NewHandler(engine, sweeper, store, logger)
	router := api.NewRouter(handler, registry)

	server := &http.Server{
		Addr:         ":" + cfg.App.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("server starting",
			zap.String("port", cfg.App.Port),
			zap.String("db", cfg.DB.Path))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	logger.Info("server stopped")
}
