package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/gateway"
	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/google/uuid"
)

// WithdrawalHandler handles worker cash-out requests and operator review.
type WithdrawalHandler struct {
	withdrawals *service.WithdrawalService
}

func NewWithdrawalHandler(withdrawals *service.WithdrawalService) *WithdrawalHandler {
	return &WithdrawalHandler{withdrawals: withdrawals}
}

type applyWithdrawalRequest struct {
	AmountCents int64  `json:"amount_cents"`
	Channel     string `json:"channel"`
	RequestNo   string `json:"request_no"`
	Remark      string `json:"remark"`
}

// Apply handles POST /v1/withdrawals. The Idempotency-Key header doubles as
// the request number when the body does not carry one.
func (h *WithdrawalHandler) Apply(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	var req applyWithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	requestNo := strings.TrimSpace(req.RequestNo)
	if requestNo == "" {
		requestNo = strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	}

	wr, created, err := h.withdrawals.Apply(r.Context(), service.ApplyWithdrawalRequest{
		UserID:      actorID,
		AmountCents: req.AmountCents,
		Channel:     req.Channel,
		RequestNo:   requestNo,
		Remark:      req.Remark,
	})
	if err != nil {
		RespondServiceError(w, r, err, "apply withdrawal")
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	RespondJSON(w, status, wr)
}

// Get handles GET /v1/withdrawals/{id}.
func (h *WithdrawalHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.withdrawals.View(r.Context(), id)
	if err != nil {
		RespondServiceError(w, r, err, "get withdrawal")
		return
	}
	if !ownerOrAdmin(w, r, view.UserID) {
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

// Cancel handles POST /v1/withdrawals/{id}/cancel.
func (h *WithdrawalHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	wr, err := h.withdrawals.Cancel(r.Context(), id, actorID)
	if err != nil {
		RespondServiceError(w, r, err, "cancel withdrawal")
		return
	}
	RespondJSON(w, http.StatusOK, wr)
}

type reviewWithdrawalRequest struct {
	Decision string `json:"decision"`
	Remark   string `json:"remark"`
}

// Review handles POST /v1/withdrawals/{id}/review (admin only).
func (h *WithdrawalHandler) Review(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req reviewWithdrawalRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	var approve bool
	switch strings.ToLower(strings.TrimSpace(req.Decision)) {
	case "approve":
		approve = true
	case "reject":
	default:
		RespondError(w, r, http.StatusBadRequest, "withdrawal/invalid-decision", "decision must be approve or reject")
		return
	}

	wr, err := h.withdrawals.Review(r.Context(), service.ReviewWithdrawalRequest{
		ID:         id,
		ReviewerID: actorID,
		Approve:    approve,
		Remark:     req.Remark,
	})
	if err != nil {
		RespondServiceError(w, r, err, "review withdrawal")
		return
	}
	RespondJSON(w, http.StatusOK, wr)
}

type payoutResultRequest struct {
	WithdrawalID *uuid.UUID `json:"withdrawal_id,omitempty"`
	RailRef      string     `json:"rail_ref"`
	Status       string     `json:"status"`
	Reason       string     `json:"reason"`
}

// ReportResult handles POST /v1/withdrawals/results (admin only): an
// operator records a payout outcome the rail reported out of band.
func (h *WithdrawalHandler) ReportResult(w http.ResponseWriter, r *http.Request) {
	var req payoutResultRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	wr, err := h.withdrawals.ReportPayoutResult(r.Context(), service.PayoutResult{
		WithdrawalID: req.WithdrawalID,
		RailRef:      strings.TrimSpace(req.RailRef),
		Status:       payoutStatus(req.Status),
		Reason:       req.Reason,
	})
	if err != nil {
		RespondServiceError(w, r, err, "report payout result")
		return
	}
	RespondJSON(w, http.StatusOK, wr)
}

func payoutStatus(s string) gateway.PayoutStatus {
	return gateway.PayoutStatus(strings.ToUpper(strings.TrimSpace(s)))
}
