package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/odyssey-erp/odyssey-procure/internal/app"
	jobmetrics "github.com/odyssey-erp/odyssey-procure/internal/jobs"
	"github.com/odyssey-erp/odyssey-procure/internal/observability"
	"github.com/odyssey-erp/odyssey-procure/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-procure/internal/platform/db"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
	"github.com/odyssey-erp/odyssey-procure/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)
	if app.InTestMode() {
		logger.Info("test mode set by env file, skipping worker startup")
		return
	}

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	registry := prometheus.NewRegistry()
	metrics := jobmetrics.NewMetrics(registry)
	lifecycle := observability.NewProcurementMetrics(registry)

	tolerance, _ := cfg.Tolerance()
	markup, _ := cfg.DefaultMarkup()
	procurementService := procurement.NewService(procurement.Deps{
		Repo:     procurement.NewRepository(pool),
		Sessions: progress.NewStore(redisClient, cfg.ReceivingSessionTTL),
		Audit:    shared.NewAuditLogger(pool, logger),
		Metrics:  lifecycle,
		Logger:   logger.With(slog.String("module", "procurement")),
	}, procurement.Config{BaseCurrency: cfg.BaseCurrency, DefaultMarkup: markup, PaymentTolerance: tolerance})

	reconcileJob := jobs.NewPaymentReconcileJob(procurementService, logger, metrics)
	cleanupJob := jobs.NewIdempotencyCleanupJob(shared.NewIdempotencyStore(pool), logger, metrics)

	schedule, err := jobs.DefaultSchedule()
	if err != nil {
		logger.Error("build schedule", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB},
		Concurrency: cfg.WorkerConcurrency,
		Logger:      logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskPaymentReconcile, Handler: reconcileJob.Handle},
			{Type: jobs.TaskIdempotencyCleanup, Handler: cleanupJob.Handle},
		},
		Cron: schedule,
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	metricsServer := &http.Server{
		Addr:              cfg.WorkerMetricsAddr,
		Handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsServer.Shutdown(shutdownCtx)
	}()

	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
