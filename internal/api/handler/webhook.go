package handler

import (
	"io"
	"net/http"

	"github.com/ayo6706/dispatch-ledger/internal/api/middleware"
	"github.com/ayo6706/dispatch-ledger/internal/service"
	"go.uber.org/zap"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives payout outcomes from the rail.
type WebhookHandler struct {
	webhookSvc *service.WebhookService
}

func NewWebhookHandler(webhookSvc *service.WebhookService) *WebhookHandler {
	return &WebhookHandler{webhookSvc: webhookSvc}
}

// HandlePayoutWebhook handles POST /v1/webhooks/payout.
// The body is verified against the X-Webhook-Signature HMAC before use.
func (h *WebhookHandler) HandlePayoutWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		middleware.LoggerFromContext(r.Context()).Error("read webhook body failed", zap.Error(err))
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Failed to read request body")
		return
	}

	wr, err := h.webhookSvc.HandlePayoutWebhook(r.Context(), body, r.Header.Get("X-Webhook-Signature"))
	if err != nil {
		middleware.LoggerFromContext(r.Context()).Warn("payout webhook rejected", zap.Error(err))
		RespondServiceError(w, r, err, "payout webhook")
		return
	}
	RespondJSON(w, http.StatusOK, wr)
}
