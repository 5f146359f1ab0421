package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"ledgerd/internal/amqp"
	"ledgerd/internal/config"
	applog "ledgerd/internal/log"
	"ledgerd/internal/services"
	"ledgerd/internal/storage"
	"ledgerd/internal/throttle"
)

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	logger := applog.New(applog.Config{Component: applog.ComponentWorker})
	applog.SetDefault(logger)

	logger.Info("Starting ledgerd-worker")

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	limiter := throttle.NewKeyed(throttle.Config{
		Limit:  cfg.ThrottleLimit,
		Window: cfg.ThrottleWindow,
	})
	defer limiter.Stop()

	processor := services.NewRecurrenceProcessor(repo, limiter)

	logger.Info("Recurrence processor configured",
		"throttle_limit", cfg.ThrottleLimit,
		"throttle_window", cfg.ThrottleWindow,
		"queue", cfg.AMQPQueue)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return amqp.ConsumeWithReconnect(ctx,
			cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue,
			processor.Process, services.IsPermanent)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("ledgerd-worker shutdown complete")
}
