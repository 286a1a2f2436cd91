package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/odyssey-procure/cmd/odyssey/cli"
	"github.com/odyssey-erp/odyssey-procure/internal/app"
	"github.com/odyssey-erp/odyssey-procure/internal/auth"
	"github.com/odyssey-erp/odyssey-procure/internal/integration"
	"github.com/odyssey-erp/odyssey-procure/internal/inventory"
	"github.com/odyssey-erp/odyssey-procure/internal/observability"
	"github.com/odyssey-erp/odyssey-procure/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-procure/internal/platform/db"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement"
	"github.com/odyssey-erp/odyssey-procure/internal/procurement/progress"
	"github.com/odyssey-erp/odyssey-procure/internal/rbac"
	"github.com/odyssey-erp/odyssey-procure/internal/shared"
	"github.com/odyssey-erp/odyssey-procure/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Info("test mode set by env file, skipping runtime startup")
		return
	}

	command := "serve"
	args := os.Args[1:]
	if len(args) > 0 {
		command, args = args[0], args[1:]
	}
	switch command {
	case "serve":
		err = serve(ctx, cfg, logger)
	case "reconcile":
		os.Exit(runReconcile(ctx, cfg, logger, args))
	case "jobs":
		os.Exit(runJobs(ctx, cfg, args))
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (want serve, reconcile or jobs)\n", command)
		os.Exit(2)
	}
	if err != nil {
		logger.Error(command, slog.Any("error", err))
		os.Exit(1)
	}
}

type stack struct {
	pool        *pgxpool.Pool
	redis       *redis.Client
	audit       *shared.AuditLogger
	idempotency *shared.IdempotencyStore
	inventory   *inventory.Service
	procurement *procurement.Service
}

func (r *stack) Close() {
	_ = r.redis.Close()
	r.pool.Close()
}

func connect(ctx context.Context, cfg *app.Config, logger *slog.Logger, metrics procurement.MetricsRecorder) (*stack, error) {
	pool, err := db.New(ctx, cfg.PGDSN, db.Options{MaxConns: cfg.PGMaxConns})
	if err != nil {
		return nil, err
	}
	redisClient, err := cache.New(ctx, cache.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	if err != nil {
		pool.Close()
		return nil, err
	}

	auditLogger := shared.NewAuditLogger(pool, logger)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	inventoryService := inventory.NewService(inventory.NewRepository(pool), auditLogger,
		inventory.ServiceConfig{DefaultWarehouseID: cfg.DefaultWarehouseID}, logger.With(slog.String("module", "inventory")))

	markup, _ := cfg.DefaultMarkup()
	tolerance, _ := cfg.Tolerance()
	deps := procurement.Deps{
		Repo:        procurement.NewRepository(pool),
		Sessions:    progress.NewStore(redisClient, cfg.ReceivingSessionTTL),
		Inventory:   integration.NewInventoryAdapter(inventoryService, cfg.DefaultWarehouseID),
		Locks:       shared.NewReceiveLocks(redisClient, cfg.ReceiveLockTTL),
		Approvals:   shared.NewApprovalRecorder(pool, logger),
		Audit:       auditLogger,
		Idempotency: idempotencyStore,
		Metrics:     metrics,
		Logger:      logger.With(slog.String("module", "procurement")),
	}
	clientCfg := integration.ClientConfig{Timeout: cfg.IntegrationTimeout, Logger: logger}
	if cfg.PaymentLedgerURL != "" {
		clientCfg.BaseURL = cfg.PaymentLedgerURL
		ledger, err := integration.NewLedgerClient(clientCfg)
		if err != nil {
			_ = redisClient.Close()
			pool.Close()
			return nil, err
		}
		deps.Ledger = ledger
	}
	if cfg.QualityServiceURL != "" {
		clientCfg.BaseURL = cfg.QualityServiceURL
		quality, err := integration.NewQualityClient(clientCfg)
		if err != nil {
			_ = redisClient.Close()
			pool.Close()
			return nil, err
		}
		deps.Quality = quality
	}
	procurementService := procurement.NewService(deps, procurement.Config{
		BaseCurrency:      cfg.BaseCurrency,
		DefaultMarkup:     markup,
		PaymentTolerance:  tolerance,
		LedgerConcurrency: cfg.LedgerConcurrency,
	})

	return &stack{
		pool:        pool,
		redis:       redisClient,
		audit:       auditLogger,
		idempotency: idempotencyStore,
		inventory:   inventoryService,
		procurement: procurementService,
	}, nil
}

func serve(ctx context.Context, cfg *app.Config, logger *slog.Logger) error {
	metrics := observability.NewMetrics()
	rt, err := connect(ctx, cfg, logger, metrics.Procurement())
	if err != nil {
		return err
	}
	defer rt.Close()

	tokens, err := auth.NewTokenManager(cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTTTL)
	if err != nil {
		return err
	}
	rbacService := rbac.NewService(rbac.NewPGStore(rt.pool), rt.redis, cfg.PermissionCacheTTL, logger)
	rbacMiddleware := rbac.Middleware{Logger: logger}
	authService := auth.NewService(auth.NewRepository(rt.pool), rbacService, tokens)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:             logger,
		Config:             cfg,
		Authenticate:       auth.Bearer(tokens, logger),
		RBACMiddleware:     rbacMiddleware,
		AuthHandler:        auth.NewHandler(logger, authService),
		PermissionsHandler: rbac.NewPermissionsHandler(logger, rbacService, rbacMiddleware),
		ProcurementHandler: procurement.NewHandler(logger, rt.procurement, rbacMiddleware),
		InventoryHandler:   inventory.NewHandler(logger, rt.inventory, rbacMiddleware),
		JobHandler:         jobs.NewHandler(inspector, logger),
		Metrics:            metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runReconcile(ctx context.Context, cfg *app.Config, logger *slog.Logger, args []string) int {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	limit := fs.Int("limit", 200, "maximum candidate orders when no ids are given")
	asJSON := fs.Bool("json", false, "print a JSON summary")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	ids := make([]int64, 0, fs.NArg())
	for _, arg := range fs.Args() {
		id, err := strconv.ParseInt(arg, 10, 64)
		if err != nil {
			fmt.Fprintf(os.Stderr, "reconcile: invalid order id %q\n", arg)
			return 2
		}
		ids = append(ids, id)
	}
	rt, err := connect(ctx, cfg, logger, nil)
	if err != nil {
		logger.Error("connect", slog.Any("error", err))
		return 1
	}
	defer rt.Close()
	return cli.ReconcileCommand(ctx, rt.procurement, cli.ReconcileOptions{OrderIDs: ids, Limit: *limit, JSONOutput: *asJSON})
}

func runJobs(ctx context.Context, cfg *app.Config, args []string) int {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "usage: odyssey jobs trigger <name> | stats")
		return 2
	}
	jobsCLI, err := cli.NewJobsCLI(cfg.RedisAddr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "jobs: %v\n", err)
		return 1
	}
	defer jobsCLI.Close()

	switch args[0] {
	case "trigger":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: odyssey jobs trigger <name>")
			return 2
		}
		info, err := jobsCLI.Trigger(ctx, args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "jobs trigger: %v\n", err)
			return 1
		}
		fmt.Printf("enqueued %s id=%s queue=%s\n", info.Type, info.ID, info.Queue)
		return 0
	case "stats":
		return jobsCLI.StatsCommand(ctx, os.Stdout, os.Stderr)
	default:
		fmt.Fprintf(os.Stderr, "jobs: unknown subcommand %q\n", args[0])
		return 2
	}
}
