package api

import (
	"net/http"

	"github.com/ayo6706/dispatch-ledger/internal/api/handler"
	"github.com/ayo6706/dispatch-ledger/internal/api/middleware"
	"github.com/ayo6706/dispatch-ledger/internal/api/spec"
	"github.com/ayo6706/dispatch-ledger/internal/availability"
	"github.com/ayo6706/dispatch-ledger/internal/config"
	"github.com/ayo6706/dispatch-ledger/internal/idempotency"
	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"go.uber.org/zap"
)

// Services is everything the HTTP layer calls into.
type Services struct {
	Dispatch       *service.DispatchService
	Settlement     *service.SettlementService
	Reconciliation *service.ReconciliationService
	Wallet         *service.WalletService
	Withdrawals    *service.WithdrawalService
	Webhook        *service.WebhookService
	Integrity      *service.IntegrityService
	Audit          *service.AuditService
	Availability   availability.Pool
}

type Router struct {
	cfg    *config.Config
	logger *zap.Logger
	db     handler.Pinger
	redis  redis.Cmdable
	idem   *idempotency.Store
	svcs   Services
}

// NewRouter wires handlers to routes. db, redis and idem may be nil; the
// readiness probe and idempotency middleware then skip them.
func NewRouter(cfg *config.Config, logger *zap.Logger, db handler.Pinger, redisClient redis.Cmdable, idem *idempotency.Store, svcs Services) *Router {
	return &Router{
		cfg:    cfg,
		logger: logger,
		db:     db,
		redis:  redisClient,
		idem:   idem,
		svcs:   svcs,
	}
}

func (api *Router) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.TraceMiddleware(api.logger))
	r.Use(middleware.RecoverMiddleware)
	r.Use(middleware.LoggingMiddleware)
	r.Use(middleware.MetricsMiddleware)

	healthHandler := handler.NewHealthHandler(api.db, api.redis)
	authHandler := handler.NewAuthHandler(api.cfg.AdminUserIDs)
	webhookHandler := handler.NewWebhookHandler(api.svcs.Webhook)
	orderHandler := handler.NewOrderHandler(api.svcs.Dispatch)
	roundHandler := handler.NewRoundHandler(api.svcs.Dispatch)
	settlementHandler := handler.NewSettlementHandler(api.svcs.Settlement, api.svcs.Reconciliation)
	walletHandler := handler.NewWalletHandler(api.svcs.Wallet)
	withdrawalHandler := handler.NewWithdrawalHandler(api.svcs.Withdrawals)
	adminHandler := handler.NewAdminHandler(api.svcs.Availability, api.svcs.Audit, api.svcs.Integrity)

	idempotent := middleware.IdempotencyMiddleware(api.idem)

	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/openapi.yaml", spec.OpenAPIHandler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/openapi.yaml")))

	// Public Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.PublicRateLimiter(api.cfg.PublicRateLimitRPS))
		r.Post("/v1/auth/login", authHandler.Login)
		r.Post("/v1/webhooks/payout", webhookHandler.HandlePayoutWebhook)
	})

	// Protected Routes
	r.Group(func(r chi.Router) {
		r.Use(middleware.AuthMiddleware)
		r.Use(middleware.AuthRateLimiter(api.cfg.AuthRateLimitRPS))

		// Workers
		r.Post("/v1/rounds/{id}/accept", roundHandler.Accept)
		r.Post("/v1/rounds/{id}/reject", roundHandler.Reject)
		r.Get("/v1/users/{id}/wallet", walletHandler.GetBalance)
		r.Get("/v1/users/{id}/wallet/statement", walletHandler.GetStatement)
		r.With(idempotent).Post("/v1/withdrawals", withdrawalHandler.Apply)
		r.Get("/v1/withdrawals/{id}", withdrawalHandler.Get)
		r.Post("/v1/withdrawals/{id}/cancel", withdrawalHandler.Cancel)

		// Operators
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireRole(handler.RoleAdmin))

			r.With(idempotent).Post("/v1/orders", orderHandler.CreateOrder)
			r.Get("/v1/orders/{id}", orderHandler.GetOrder)
			r.Post("/v1/orders/{id}/rounds", orderHandler.Assign)
			r.With(idempotent).Post("/v1/orders/{id}/confirm", orderHandler.ConfirmComplete)
			r.With(idempotent).Post("/v1/orders/{id}/refund", orderHandler.Refund)
			r.Post("/v1/orders/{id}/paid", orderHandler.MarkPaid)
			r.Patch("/v1/orders/{id}/paid-amount", orderHandler.UpdatePaidAmount)

			r.Get("/v1/rounds/{id}", roundHandler.GetRound)
			r.Put("/v1/rounds/{id}/participants", roundHandler.UpdateParticipants)
			r.Post("/v1/rounds/{id}/archive", roundHandler.Archive)
			r.Post("/v1/rounds/{id}/complete", roundHandler.Complete)
			r.Patch("/v1/rounds/{id}/progress", roundHandler.UpdateProgress)

			r.Get("/v1/orders/{id}/settlements", settlementHandler.ListByOrder)
			r.Post("/v1/orders/{id}/settlements/recalculate", settlementHandler.Recalculate)
			r.Patch("/v1/settlements/{id}", settlementHandler.Adjust)
			r.Post("/v1/orders/{id}/reconciliation/preview", settlementHandler.Preview)
			r.With(idempotent).Post("/v1/orders/{id}/reconciliation/apply", settlementHandler.Apply)

			r.Post("/v1/withdrawals/{id}/review", withdrawalHandler.Review)
			r.Post("/v1/withdrawals/results", withdrawalHandler.ReportResult)

			r.Get("/v1/users/{id}/availability", adminHandler.GetAvailability)
			r.Put("/v1/users/{id}/availability", adminHandler.SetAvailability)
			r.Get("/v1/audit/{id}", adminHandler.History)
			r.Post("/v1/integrity/scan", adminHandler.IntegrityScan)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handler.RespondError(w, r, http.StatusNotFound, "not-found", "route not found")
	})

	return r
}
