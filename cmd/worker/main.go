// Package main provides the Dispatchr delivery worker.
//
// The worker consumes event jobs from the queue, fans each event out to the
// registered handlers, and records completions in the idempotency ledger so
// redelivered jobs never run a handler twice.
package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/dispatchr-io/dispatchr/internal/audit"
	"github.com/dispatchr-io/dispatchr/internal/config"
	"github.com/dispatchr-io/dispatchr/internal/queue"
	"github.com/dispatchr-io/dispatchr/internal/storage"
	"github.com/dispatchr-io/dispatchr/internal/worker"
)

// Version information.
const (
	version = "1.0.0-dev"
	name    = "worker"
)

func main() {
	versionFlag := flag.Bool("version", false, "show version information")
	flag.Parse()

	if *versionFlag {
		log.Printf("%s v%s\n", name, version)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetEnvLogLevel("LOG_LEVEL", slog.LevelInfo),
	}))

	logger.Info("Starting Dispatchr worker",
		slog.String("service", name),
		slog.String("version", version),
	)

	storageConfig := storage.LoadConfig()

	dbConn, err := storage.Connect(context.Background(), storageConfig)
	if err != nil {
		logger.Error("Failed to connect to database", slog.String("error", err.Error()))
		os.Exit(1)
	}

	defer func() {
		_ = dbConn.Close() // Ensure connection closes on normal shutdown
	}()

	logger.Info("Storage initialized",
		slog.String("database_url", storageConfig.MaskDatabaseURL()),
		slog.Int("database_max_open_conns", storageConfig.MaxOpenConns),
		slog.Int("database_max_idle_conns", storageConfig.MaxIdleConns),
	)

	ledgerStore, err := storage.NewLedgerStore(dbConn)
	if err != nil {
		logger.Error("Failed to connect to idempotency ledger", slog.String("error", err.Error()))

		_ = dbConn.Close()
		//nolint:gocritic // Explicit cleanup before os.Exit is intentional (defer won't run)
		os.Exit(1)
	}

	auditStore, err := storage.NewAuditStore(dbConn)
	if err != nil {
		logger.Error("Failed to connect to audit store", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	auditHandler, err := audit.NewHandler(auditStore)
	if err != nil {
		logger.Error("Failed to create audit handler", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	registry := worker.NewRegistry()

	if err := registry.Register(auditHandler, worker.SubscribeAll); err != nil {
		logger.Error("Failed to register audit handler", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	workerConfig, err := worker.LoadConfigFromEnv()
	if err != nil {
		logger.Error("Failed to load worker configuration", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	queueConfig := queue.LoadConfig()

	deliveryWorker, err := worker.NewWorker(registry, ledgerStore, workerConfig, queueConfig.HandlerTimeout)
	if err != nil {
		logger.Error("Failed to create delivery worker", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	consumer, err := queue.NewConsumer(queueConfig, deliveryWorker.ProcessJob)
	if err != nil {
		logger.Error("Failed to create queue consumer", slog.String("error", err.Error()))

		_ = dbConn.Close()
		os.Exit(1)
	}

	logger.Info("Queue consumer initialized",
		slog.String("brokers", strings.Join(queueConfig.Brokers, ",")),
		slog.String("topic", queueConfig.Topic),
		slog.String("group_id", queueConfig.GroupID),
		slog.Int("max_parallel_handlers", workerConfig.MaxParallelHandlers),
		slog.Duration("handler_timeout", queueConfig.HandlerTimeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Run returns nil on orderly shutdown (signal-driven cancellation).
	if err := consumer.Run(ctx); err != nil {
		logger.Error("Consumer stopped with error", slog.String("error", err.Error()))

		_ = consumer.Close()
		_ = dbConn.Close()
		os.Exit(1)
	}

	if err := consumer.Close(); err != nil {
		logger.Error("Failed to close queue consumer", slog.String("error", err.Error()))
	}

	logger.Info("Dispatchr worker stopped")
}
