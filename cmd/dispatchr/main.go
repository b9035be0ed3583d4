// Package main provides the Dispatchr API service.
//
// This is the command-facing half of the delivery pipeline: it accepts
// commands over HTTP, appends the resulting events and outbox entries in one
// transaction, and runs the outbox dispatcher that relays pending entries to
// the job queue.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"strings"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/dispatchr-io/dispatchr/internal/api"
	"github.com/dispatchr-io/dispatchr/internal/api/middleware"
	"github.com/dispatchr-io/dispatchr/internal/config"
	"github.com/dispatchr-io/dispatchr/internal/executor"
	"github.com/dispatchr-io/dispatchr/internal/outbox"
	"github.com/dispatchr-io/dispatchr/internal/queue"
	"github.com/dispatchr-io/dispatchr/internal/storage"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "dispatchr"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	serverConfig := api.LoadServerConfig()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: serverConfig.LogLevel,
	}))

	logger.Info("Starting Dispatchr API service",
		slog.String("service", name),
		slog.String("version", version),
	)

	logger.Info("Loaded server configuration",
		slog.String("host", serverConfig.Host),
		slog.Int("port", serverConfig.Port),
		slog.Duration("read_timeout", serverConfig.ReadTimeout),
		slog.Duration("write_timeout", serverConfig.WriteTimeout),
		slog.Duration("shutdown_timeout", serverConfig.ShutdownTimeout),
		slog.String("log_level", serverConfig.LogLevel.String()),
	)

	// Load rate limiter configuration
	middlewareConfig := middleware.LoadConfig()

	// Create rate limiter instance (graceful shutdown handled by server.shutdown())
	rateLimiter := middleware.NewInMemoryRateLimiter(middlewareConfig)

	logger.Info("Rate limiter initialized",
		slog.Int("global_rps", middlewareConfig.GlobalRPS),
		slog.Int("global_burst", middlewareConfig.GlobalBurst),
		slog.Int("service_rps", middlewareConfig.ServiceRPS),
		slog.Int("service_burst", middlewareConfig.ServiceBurst),
		slog.Int("unauth_rps", middlewareConfig.UnAuthRPS),
		slog.Int("unauth_burst", middlewareConfig.UnAuthBurst),
	)

	// Load storage configuration
	storageConfig := storage.LoadConfig()

	dbConn, err := storage.Connect(context.Background(), storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	var apiKeyStore storage.APIKeyStore

	authEnabled := config.GetEnvBool("DISPATCHR_AUTH_ENABLED", false)
	if authEnabled {
		apiKeyStore, err = storage.NewPersistentKeyStore(dbConn)
		if err != nil {
			logger.Error("Failed to connect to persistent key store", slog.String("error", err.Error()))

			_ = dbConn.Close()
			//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
			os.Exit(1)
		}

		logger.Info("Service authentication enabled",
			slog.String("database_url", storageConfig.MaskDatabaseURL()),
		)
	} else {
		logger.Warn("Service authentication disabled",
			slog.String("security", "Only use in trusted networks (localhost, VPN, internal)"),
			slog.String("note", "Set DISPATCHR_AUTH_ENABLED=true to enable API key authentication"),
		)
	}

	eventStore, err := storage.NewEventStore(dbConn)
	if err != nil {
		logger.Error("Failed to connect to event store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	actionStore, err := storage.NewActionStore(dbConn)
	if err != nil {
		logger.Error("Failed to connect to action store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	policyStore, err := storage.NewPolicyStore(dbConn)
	if err != nil {
		logger.Error("Failed to connect to policy store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	outboxStore, err := storage.NewOutboxStore(dbConn)
	if err != nil {
		logger.Error("Failed to connect to outbox store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Storage initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
		slog.Duration("database_conn_max_lifetime", storageConfig.ConnMaxLifetime),
		slog.Duration("database_conn_max_idle_time", storageConfig.ConnMaxIdleTime),
	)

	exec, err := executor.NewExecutor(eventStore, actionStore, policyStore)
	if err != nil {
		logger.Error("Failed to create command executor", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	queueConfig := queue.LoadConfig()

	publisher, err := queue.NewPublisher(queueConfig)
	if err != nil {
		logger.Error("Failed to create queue publisher", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	defer func() {
		_ = publisher.Close() // Flush buffered messages on normal shutdown
	}()

	logger.Info("Queue publisher initialized",
		slog.String("brokers", strings.Join(queueConfig.Brokers, ",")),
		slog.String("topic", queueConfig.Topic),
	)

	outboxConfig := outbox.LoadConfig()

	dispatcher, err := outbox.NewDispatcher(outboxStore, publisher, outboxConfig)
	if err != nil {
		logger.Error("Failed to create outbox dispatcher", slog.String("error", err.Error()))

		_ = publisher.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	// Dispatcher shutdown is handled by server.shutdown() via io.Closer.
	dispatcher.Start()

	logger.Info("Outbox dispatcher started",
		slog.Duration("poll_interval", outboxConfig.PollInterval),
		slog.Int("batch_size", outboxConfig.BatchSize),
		slog.Duration("reclaim_interval", outboxConfig.ReclaimInterval),
	)

	server := api.NewServer(serverConfig, exec, dispatcher, apiKeyStore, rateLimiter)

	if err := server.Start(); err != nil {
		logger.Error("Server failed to start",
			slog.String("error", err.Error()),
		)
		os.Exit(1)
	}

	logger.Info("Dispatchr API service stopped")
}
