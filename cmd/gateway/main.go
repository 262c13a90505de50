package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/campaign"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/events"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notify"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/orchestrator"
	"github.com/lalithlochan/herald/internal/segment"
	"github.com/lalithlochan/herald/internal/trigger"
)

const version = "v0.4.0"

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

	logger, err := observ.NewLogger(cfg.Env, cfg.LogLevel, "herald-gateway")
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("starting herald gateway",
		zap.String("env", cfg.Env),
		zap.Int("port", cfg.Port),
		zap.String("store", cfg.Store),
		zap.String("version", version),
	)

	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	pingers := map[string]api.Pinger{"database": store}

	rc := openRedis(ctx, cfg, logger)
	if rc != nil {
		defer rc.close()
		pingers["redis"] = rc.client
	}

	provider, breakers, err := newPushProvider(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create push provider: %w", err)
	}

	resolver := segment.NewResolver(store, segment.QuietHours{
		Enabled: cfg.QuietHoursEnabled,
		Start:   cfg.QuietHoursStart,
		End:     cfg.QuietHoursEnd,
	}, logger)
	dispatcher := dispatch.New(store, provider, dispatch.Config{
		SendTimeout: cfg.SendTimeout,
		Concurrency: cfg.SendConcurrency,
	}, logger)

	campaigns := campaign.NewService(store, logger)
	executor := campaign.NewExecutor(store, resolver, dispatcher, logger)
	notifier := notify.NewService(store, resolver, dispatcher, logger)
	recorder := events.NewService(store, logger)

	renderer := trigger.NewRenderer(store, logger)
	jobs := []trigger.Job{
		trigger.NewRenewalReminder(store, notifier, renderer, time.Duration(cfg.RenewalReminderDays)*24*time.Hour, logger),
		trigger.NewReferralInvited(store, notifier, renderer, logger),
		trigger.NewReferralVerified(store, notifier, renderer, logger),
	}

	monitor, err := newMonitor(ctx, cfg, logger)
	if err != nil {
		return err
	}

	orchCfg := orchestrator.Config{DefaultBatchSize: cfg.RunBatchDefault}
	if rc != nil {
		orchCfg.Locker = rc.lock
	}
	orch := orchestrator.New(store, executor, jobs, trigger.NewPlanActivation(store, logger), monitor, orchCfg, logger)

	schedCtx, schedCancel := context.WithCancel(context.Background())
	defer schedCancel()
	if cfg.SchedulerInterval > 0 {
		go orchestrator.NewScheduler(orch, cfg.SchedulerInterval, logger).Start(schedCtx)
		logger.Info("in-process scheduler started", zap.Duration("interval", cfg.SchedulerInterval))
	}

	deps := api.Deps{
		Campaigns:   campaigns,
		Runner:      orch,
		Events:      recorder,
		Notifier:    notifier,
		Preferences: store,
		Tokens:      store,
		Health:      store,
		Pingers:     pingers,
		Breakers:    breakers,
		CronSecret:  cfg.CronSecret,
	}
	if rc != nil {
		deps.Limiter = rc.limiter
		deps.Idempotency = rc.idempotency
	}
	if cfg.CronSecret == "" {
		logger.Warn("CRON_SECRET not set, /campaigns/run is unauthenticated")
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(api.TimeoutExcept(60*time.Second, api.RunPath))
	r.Use(metrics.Middleware)
	r.Use(api.RequestLogger(logger))

	r.Mount("/", api.NewHandler(deps, logger).Routes())

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: api.RunTimeout + 30*time.Second, // a full orchestrator run fits inside one request
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", srv.Addr))
		serverErrors <- srv.ListenAndServe()
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		schedCancel()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			srv.Close()
			return fmt.Errorf("graceful shutdown failed: %w", err)
		}

		logger.Info("server stopped gracefully")
	}

	return nil
}
