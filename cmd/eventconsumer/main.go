package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/sqs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.SQSEventsQueueURL == "" {
		return fmt.Errorf("SQS_EVENTS_QUEUE_URL is required")
	}
	if cfg.Store != "postgres" {
		return fmt.Errorf("event consumer requires STORE=postgres, got %q", cfg.Store)
	}

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "herald-eventconsumer")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer database.Close()

	recorder := events.NewService(db.NewStore(database, logger), logger)

	consumer, err := sqs.NewEventConsumer(ctx, sqs.Config{
		Region:   cfg.AWSRegion,
		QueueURL: cfg.SQSEventsQueueURL,
	}, recorder, logger)
	if err != nil {
		return fmt.Errorf("failed to create event consumer: %w", err)
	}

	consumer.Start(ctx)
	logger.Info("event consumer stopped", zap.String("queue_url", cfg.SQSEventsQueueURL))
	return nil
}
