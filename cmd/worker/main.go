package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-billing/internal/common"
	"github.com/noah-isme/pos-billing/internal/config"
	"github.com/noah-isme/pos-billing/internal/lock"
	"github.com/noah-isme/pos-billing/internal/notify"
	"github.com/noah-isme/pos-billing/internal/obs"
	"github.com/noah-isme/pos-billing/internal/queue"
	"github.com/noah-isme/pos-billing/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.Obs.LogFormat, cfg.Obs.LogLevel).With().Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics("billing", nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	if cfg.Obs.MetricsEnabled {
		go serveMetrics(ctx, envOrDefault("WORKER_METRICS_ADDR", ":9091"), logger)
	}

	relayBreaker := resilience.NewBreaker("mail_relay", cfg.Notify.BreakerMinRequests, cfg.Notify.BreakerFailureRatio, cfg.Notify.BreakerOpenFor)
	relayBreaker.Logger = &logger
	mail := resilience.Sender{
		Next:        common.LogEmailSender{Logger: logger, From: cfg.Notify.EmailFrom},
		Breaker:     relayBreaker,
		MaxAttempts: cfg.Notify.SendAttempts,
		BaseBackoff: cfg.Notify.SendBackoff,
		Jitter:      0.2,
	}

	deliveryWorker := notify.DeliveryWorker{
		Mail:           mail,
		Locker:         &lock.Locker{R: redisClient, Prefix: cfg.Queue.RedisPrefix + ":", RetryBackoff: cfg.Session.RetryBackoff},
		LockTTL:        cfg.Queue.VisibilityTimeout,
		SentTTL:        cfg.Notify.SentTTL,
		CurrencySymbol: cfg.Billing.CurrencySymbol,
		Logger:         &logger,
	}

	emailQueueWorker := queue.Worker{
		R:                 redisClient,
		Prefix:            cfg.Queue.RedisPrefix,
		Kind:              notify.TaskInvoiceEmail,
		Concurrency:       cfg.Queue.ConcurrencyEmail,
		VisibilityTimeout: cfg.Queue.VisibilityTimeout,
		RetryBase:         cfg.Queue.BackoffBase,
		RetryJitter:       0.2,
		Logger:            &logger,
		Handler:           deliveryWorker.Handle,
	}

	logger.Info().Str("kind", notify.TaskInvoiceEmail).Msg("worker starting")
	if err := emailQueueWorker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func serveMetrics(ctx context.Context, addr string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server")
	}
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if cfg.Obs.TracingEnabled {
		if err := redisotel.InstrumentTracing(redisClient); err != nil {
			logger.Error().Err(err).Msg("instrument redis tracing")
		}
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

func envOrDefault(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok {
		trimmed := strings.TrimSpace(val)
		if trimmed != "" {
			return trimmed
		}
	}
	return fallback
}
