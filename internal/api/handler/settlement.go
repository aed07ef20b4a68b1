package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/google/uuid"
)

// SettlementHandler exposes settlement rows, recomputes and manual
// adjustments, plus the wallet reconciliation phases that follow them.
type SettlementHandler struct {
	settlement *service.SettlementService
	recon      *service.ReconciliationService
}

func NewSettlementHandler(settlement *service.SettlementService, recon *service.ReconciliationService) *SettlementHandler {
	return &SettlementHandler{settlement: settlement, recon: recon}
}

// ListByOrder handles GET /v1/orders/{id}/settlements.
func (h *SettlementHandler) ListByOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	rows, err := h.settlement.ListByOrder(r.Context(), orderID)
	if err != nil {
		RespondServiceError(w, r, err, "list settlements")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"items": rows,
		"count": len(rows),
	})
}

type recalculateRequest struct {
	Scope           string     `json:"scope"`
	RoundID         *uuid.UUID `json:"round_id,omitempty"`
	AllowWalletSync bool       `json:"allow_wallet_sync"`
	Reason          string     `json:"reason"`
}

// Recalculate handles POST /v1/orders/{id}/settlements/recalculate.
func (h *SettlementHandler) Recalculate(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req recalculateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.settlement.Recalculate(r.Context(), service.RecalculateRequest{
		OrderID:         orderID,
		Scope:           domain.RecomputeScope(strings.ToUpper(strings.TrimSpace(req.Scope))),
		RoundID:         req.RoundID,
		AllowWalletSync: req.AllowWalletSync,
		Reason:          strings.TrimSpace(req.Reason),
		ActorID:         &actorID,
	})
	if err != nil {
		RespondServiceError(w, r, err, "recalculate settlements")
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

type adjustRequest struct {
	FinalEarningsCents int64  `json:"final_earnings_cents"`
	Remark             string `json:"remark"`
}

// Adjust handles PATCH /v1/settlements/{id}.
func (h *SettlementHandler) Adjust(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	settlementID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req adjustRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	row, err := h.settlement.AdjustFinalEarnings(r.Context(), service.AdjustRequest{
		SettlementID:       settlementID,
		FinalEarningsCents: req.FinalEarningsCents,
		Remark:             strings.TrimSpace(req.Remark),
		ActorID:            &actorID,
	})
	if err != nil {
		RespondServiceError(w, r, err, "adjust settlement")
		return
	}
	RespondJSON(w, http.StatusOK, row)
}

type reconcileRequest struct {
	RecomputeToken uuid.UUID `json:"recompute_token"`
	Reason         string    `json:"reason"`
}

// Preview handles POST /v1/orders/{id}/reconciliation/preview.
func (h *SettlementHandler) Preview(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, true)
}

// Apply handles POST /v1/orders/{id}/reconciliation/apply.
func (h *SettlementHandler) Apply(w http.ResponseWriter, r *http.Request) {
	h.reconcile(w, r, false)
}

func (h *SettlementHandler) reconcile(w http.ResponseWriter, r *http.Request, preview bool) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reconcileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := service.ReconcileRequest{
		OrderID: orderID,
		Token:   req.RecomputeToken,
		Reason:  strings.TrimSpace(req.Reason),
		ActorID: &actorID,
	}
	var (
		report service.ReconciliationReport
		err    error
	)
	if preview {
		report, err = h.recon.Preview(r.Context(), in)
	} else {
		report, err = h.recon.Apply(r.Context(), in)
	}
	if err != nil {
		RespondServiceError(w, r, err, "reconcile wallet")
		return
	}
	RespondJSON(w, http.StatusOK, report)
}
