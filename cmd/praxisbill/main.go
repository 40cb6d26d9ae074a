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

	"github.com/praxisbill/praxisbill/internal/analytics"
	"github.com/praxisbill/praxisbill/internal/analytics/export"
	"github.com/praxisbill/praxisbill/internal/app"
	"github.com/praxisbill/praxisbill/internal/institutions"
	"github.com/praxisbill/praxisbill/internal/ledger"
	"github.com/praxisbill/praxisbill/internal/notify"
	"github.com/praxisbill/praxisbill/internal/observability"
	"github.com/praxisbill/praxisbill/internal/platform/cache"
	"github.com/praxisbill/praxisbill/internal/platform/db"
	"github.com/praxisbill/praxisbill/internal/shared"
	"github.com/praxisbill/praxisbill/jobs"
)

// institutionContacts resolves billing addresses from institution master data.
// Institutions without a contact email simply receive no mail.
type institutionContacts struct {
	service *institutions.Service
}

func (c institutionContacts) BillingEmail(ctx context.Context, institutionID int64) (string, error) {
	inst, err := c.service.Get(ctx, institutionID)
	if err != nil {
		if errors.Is(err, institutions.ErrNotFound) {
			return "", nil
		}
		return "", err
	}
	return inst.ContactEmail, nil
}

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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	institutionRepo := institutions.NewRepository(pool)
	institutionService := institutions.NewService(institutionRepo)
	institutionHandler := institutions.NewHandler(logger, institutionService)

	notifier := notify.NewNotifier(jobsClient, institutionContacts{service: institutionService}, logger)

	auditTrail := shared.NewAuditTrail(pool)
	idempotencyStore := shared.NewIdempotencyStore(pool)

	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(ledgerRepo, institutionService, notifier, auditTrail, idempotencyStore, logger)
	ledgerHandler := ledger.NewHandler(logger, ledgerService)

	analyticsRepo := analytics.NewRepository(pool)
	analyticsCache := analytics.NewCache(redisClient, cfg.AnalyticsCacheTTL)
	analyticsService := analytics.NewService(analyticsRepo, analyticsCache)
	analyticsHandler := analytics.NewHandler(logger, analyticsService, export.Writer{})

	go func() {
		if err := analyticsCache.ListenForInvalidation(ctx, ""); err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("cache invalidation listener stopped", slog.Any("error", err))
		}
	}()

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)
	metrics := observability.NewMetrics()

	router := app.NewRouter(app.RouterParams{
		Logger:              logger,
		Config:              cfg,
		LedgerHandler:       ledgerHandler,
		InstitutionsHandler: institutionHandler,
		AnalyticsHandler:    analyticsHandler,
		JobHandler:          jobHandler,
		Pool:                pool,
		Metrics:             metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
