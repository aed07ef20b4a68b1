package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/api"
	"github.com/ayo6706/dispatch-ledger/internal/api/middleware"
	"github.com/ayo6706/dispatch-ledger/internal/availability"
	"github.com/ayo6706/dispatch-ledger/internal/backoff"
	"github.com/ayo6706/dispatch-ledger/internal/config"
	"github.com/ayo6706/dispatch-ledger/internal/db"
	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/gateway"
	"github.com/ayo6706/dispatch-ledger/internal/idempotency"
	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/ayo6706/dispatch-ledger/internal/worker"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

// Run bootstraps the HTTP server, payout worker and scheduled jobs, blocking
// until a shutdown signal arrives or one of them fails.
func Run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	observability.Init()
	middleware.SetJWTSecret(cfg.JWTSecret)
	middleware.SetJWTValidation(cfg.JWTIssuer, cfg.JWTAudience)
	domain.DefaultClubRate = cfg.DefaultClubRate

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	if cfg.RunMigrations {
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	redisClient, err := newRedisClient(cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	defer redisClient.Close()

	store := repository.NewStore(pool)
	idemStore := idempotency.NewStore(redisClient, repository.New(pool), cfg.IdempotencyTTL)
	availabilityPool := availability.NewRedisPool(redisClient, "")

	wallet := service.NewWalletService(store)
	recon := service.NewReconciliationService(store, wallet)
	settlement := service.NewSettlementService(store, recon)
	dispatch := service.NewDispatchService(store, settlement, recon, wallet, availabilityPool)
	rail := gateway.NewMockRail()
	rail.Async = cfg.PayoutAsync
	withdrawals := service.NewWithdrawalService(store, wallet, rail).
		WithRetryPolicy(backoff.NewExponential(30*time.Second, 30*time.Minute), cfg.PayoutMaxAttempts)
	integrity := service.NewIntegrityService(store)
	relay := service.NewEventRelay(store, availabilityPool)

	svcs := api.Services{
		Dispatch:       dispatch,
		Settlement:     settlement,
		Reconciliation: recon,
		Wallet:         wallet,
		Withdrawals:    withdrawals,
		Webhook:        service.NewWebhookService(withdrawals, cfg.WebhookHMACKey, cfg.WebhookSkipSignature),
		Integrity:      integrity,
		Audit:          service.NewAuditService(store),
		Availability:   availabilityPool,
	}
	router := api.NewRouter(cfg, logger, pool, redisClient, idemStore, svcs)

	server := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      router.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	payoutWorker := worker.NewPayoutWorker(withdrawals).
		WithPollInterval(cfg.PayoutPollInterval).
		WithBatchSize(cfg.PayoutBatchSize)
	scheduler, err := worker.NewScheduler(
		worker.EventRelayJob(relay, cfg.EventRelayInterval, cfg.EventRelayBatchSize),
		worker.IntegrityAuditJob(integrity, cfg.IntegrityAuditInterval),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http server starting", zap.String("port", cfg.HTTPPort))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		payoutWorker.Start(gctx)
		return nil
	})
	g.Go(func() error {
		if err := scheduler.Start(gctx); err != nil {
			return err
		}
		<-gctx.Done()
		return scheduler.Stop()
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown signal received")
		payoutWorker.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown failed", zap.Error(err))
		}
		return nil
	})

	err = g.Wait()
	logger.Info("shutdown complete")
	return err
}

func newRedisClient(url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}
