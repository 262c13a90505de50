package main

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/health"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/orchestrator"
	"github.com/lalithlochan/herald/internal/push"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/segment"
	"github.com/lalithlochan/herald/internal/trigger"
)

// backend is everything the gateway persists. Both db.Store and
// memstore.Store satisfy it.
type backend interface {
	campaign.Store
	dispatch.Store
	events.Store
	notify.UserStore
	orchestrator.Store
	segment.Store
	trigger.TemplateStore
	trigger.RenewalStore
	trigger.ReferralStore
	trigger.PlanStore
	api.PreferenceStore
	api.TokenStore
	api.HealthStore
	api.Pinger
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (backend, func(), error) {
	if cfg.Store == "memory" {
		logger.Warn("using in-memory store, data is lost on restart")
		return memstore.New(), func() {}, nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		Database: cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	}, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	logger.Info("database connection established",
		zap.String("host", cfg.DBHost),
		zap.Int("port", cfg.DBPort),
		zap.String("database", cfg.DBName),
	)
	return db.NewStore(database, logger), database.Close, nil
}

// redisServices bundles the optional Redis-backed components.
type redisServices struct {
	client      *redis.Client
	limiter     *redis.RateLimiter
	idempotency *redis.IdempotencyService
	lock        *redis.RunLock
}

func (r *redisServices) close() { _ = r.client.Close() }

// openRedis returns nil when Redis is not configured or unreachable. The
// gateway runs without rate limiting, idempotency and the run lock in
// that case.
func openRedis(ctx context.Context, cfg *config.Config, logger *zap.Logger) *redisServices {
	if !cfg.RedisEnabled() {
		logger.Info("REDIS_HOST not set, rate limiting and idempotency disabled")
		return nil
	}

	client, err := redis.New(ctx, redis.Config{
		Host:     cfg.RedisHost,
		Port:     cfg.RedisPort,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, logger)
	if err != nil {
		logger.Warn("redis unavailable, rate limiting and idempotency disabled",
			zap.Error(err),
			zap.String("host", cfg.RedisHost),
		)
		return nil
	}

	return &redisServices{
		client: client,
		limiter: redis.NewRateLimiter(client, logger, redis.RateLimitConfig{
			Limit:  cfg.RateLimitEventsPerMin,
			Window: time.Minute,
		}),
		idempotency: redis.NewIdempotencyService(client, logger),
		lock:        redis.NewRunLock(client, "orchestrator", 10*time.Minute, logger),
	}
}

// newPushProvider builds the configured provider behind a circuit breaker.
// The log provider is used as is and has no breaker to report.
func newPushProvider(ctx context.Context, cfg *config.Config, logger *zap.Logger) (push.Provider, []api.BreakerReporter, error) {
	var provider push.Provider
	switch cfg.PushProvider {
	case "fcm":
		p, err := push.NewFCMProvider(ctx, push.FCMConfig{
			ProjectID:       cfg.FCMProjectID,
			CredentialsPath: cfg.FCMCredentialsPath,
			CredentialsJSON: cfg.FCMCredentialsJSON,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		provider = p
	case "sns":
		p, err := push.NewSNSProvider(ctx, push.SNSConfig{Region: cfg.SNSRegion}, logger)
		if err != nil {
			return nil, nil, err
		}
		provider = p
	default:
		logger.Warn("PUSH_PROVIDER=log, notifications are logged and not delivered")
		return push.NewLogProvider(logger), nil, nil
	}

	breaker := circuitbreaker.New(circuitbreaker.DefaultConfig(provider.Name()), logger)
	logger.Info("push provider initialized", zap.String("provider", provider.Name()))
	protected := circuitbreaker.NewProtectedProvider(provider, breaker, logger)
	return protected, []api.BreakerReporter{protected}, nil
}

func newMonitor(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*health.Monitor, error) {
	var webhook, email health.Alerter
	if cfg.AlertWebhookURL != "" {
		webhook = health.NewWebhookAlerter(health.WebhookConfig{
			URL:     cfg.AlertWebhookURL,
			Timeout: cfg.AlertTimeout,
		}, logger)
	} else {
		logger.Warn("ALERT_WEBHOOK_URL not set, health alerts are logged only")
	}

	if len(cfg.AlertEmailTo) > 0 {
		sink, err := health.NewEmailSink(ctx, health.EmailConfig{
			Region: cfg.AWSRegion,
			From:   cfg.SESFromEmail,
			To:     cfg.AlertEmailTo,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create alert email sink: %w", err)
		}
		email = sink
	}

	return health.NewMonitor(webhook, email, logger), nil
}
