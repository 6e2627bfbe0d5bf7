/*
main.go - Application entry point

PURPOSE:
  Starts the lesson billing engine: HTTP API, background billing job and
  reward month close. Handles configuration, dependency wiring and
  graceful shutdown.

STARTUP SEQUENCE:
  1. Load .env (if present) and the environment through config.Load
  2. Open the store (SQLite file or Postgres pool)
  3. Payment gateway: Stripe when STRIPE_SECRET_KEY is set, else disabled
  4. Event publisher: RabbitMQ when AMQP_URL is reachable, else fallback
  5. Webhook dedupe: Redis when REDIS_URL is reachable, else in-memory
  6. Services, router, cron scheduler
  7. Serve until SIGINT/SIGTERM

GRACEFUL SHUTDOWN:
  1. Stop the scheduler (waits for a running job)
  2. Stop accepting connections, drain requests (30s timeout)
  3. Close broker, cache and database connections

SEE ALSO:
  - config/config.go: Environment keys
  - api/server.go: Router configuration
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/warp/lesson-engine/api"
	"github.com/warp/lesson-engine/billing"
	"github.com/warp/lesson-engine/config"
	"github.com/warp/lesson-engine/events/rabbitmq"
	"github.com/warp/lesson-engine/generic"
	"github.com/warp/lesson-engine/lessons"
	"github.com/warp/lesson-engine/payment"
	"github.com/warp/lesson-engine/payment/stripe"
	"github.com/warp/lesson-engine/rewards"
	"github.com/warp/lesson-engine/store/postgres"
	"github.com/warp/lesson-engine/store/sqlite"
)

const dedupeTTL = 72 * time.Hour

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		logger.Info("no .env file loaded", "error", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx := context.Background()

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("store opened", "driver", cfg.DBDriver)

	var gateway payment.Gateway = payment.Disabled{}
	var webhooks api.WebhookParser
	if cfg.PaymentsEnabled() {
		gateway = stripe.NewGateway(cfg.StripeSecretKey)
		webhooks = stripe.NewProcessor(cfg.StripeWebhookSecret)
	} else {
		logger.Warn("STRIPE_SECRET_KEY missing; overage billing and webhooks disabled")
	}

	publisher, closePublisher := openPublisher(cfg, logger)
	defer closePublisher()

	dedupe, closeDedupe := openDeduper(ctx, cfg, logger)
	defer closeDedupe()

	clock := generic.SystemClock{}
	billingSvc := billing.NewService(store, gateway, clock, logger)
	billingSvc.Publisher = publisher
	rewardsSvc := rewards.NewService(store, clock, logger, cfg.RewardSnapshots)

	handler := api.NewHandler(store, billingSvc, rewardsSvc, logger)
	handler.Webhooks = webhooks
	handler.Dedupe = dedupe

	scheduler, err := api.NewBillingScheduler(billingSvc, rewardsSvc, logger, api.SchedulerConfig{
		BillingSpec:        cfg.BillingJobSchedule,
		RewardSnapshotSpec: cfg.RewardSnapshotSchedule,
	})
	if err != nil {
		return fmt.Errorf("schedule jobs: %w", err)
	}
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      api.NewRouter(handler, api.NewAuthenticator(cfg.JWTSecret), api.RouterOptions{}),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-serveErr:
		scheduler.Stop()
		return err
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

// =============================================================================
// WIRING
// =============================================================================

func openStore(ctx context.Context, cfg *config.Config) (lessons.TxStore, func(), error) {
	switch cfg.DBDriver {
	case config.DriverPostgres:
		st, err := postgres.New(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres: %w", err)
		}
		return st, st.Close, nil
	default:
		st, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite: %w", err)
		}
		return st, func() { st.Close() }, nil
	}
}

func openPublisher(cfg *config.Config, logger *slog.Logger) (billing.Publisher, func()) {
	fallback := rabbitmq.Fallback{Logger: logger}
	if cfg.AMQPURL == "" {
		logger.Warn("AMQP_URL missing; billing events will be dropped")
		return fallback, fallback.Close
	}
	producer, err := rabbitmq.NewProducer(cfg.AMQPURL, logger)
	if err != nil {
		logger.Warn("rabbitmq unavailable; billing events will be dropped", "error", err)
		return fallback, fallback.Close
	}
	logger.Info("rabbitmq connected", "exchange", rabbitmq.Exchange)
	return producer, producer.Close
}

func openDeduper(ctx context.Context, cfg *config.Config, logger *slog.Logger) (payment.Deduper, func()) {
	memory := payment.NewMemoryDeduper(dedupeTTL)
	if cfg.RedisURL == "" {
		return memory, func() {}
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("redis url parse failed; webhook dedupe is per-instance", "error", err)
		return memory, func() {}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		logger.Warn("redis ping failed; webhook dedupe is per-instance", "error", err)
		client.Close()
		return memory, func() {}
	}
	logger.Info("redis connected")
	return payment.NewRedisDeduper(client, "lesson-engine:webhook", dedupeTTL), func() { client.Close() }
}
