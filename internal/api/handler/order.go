package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OrderHandler exposes order lifecycle operations to operators.
type OrderHandler struct {
	dispatch *service.DispatchService
}

func NewOrderHandler(dispatch *service.DispatchService) *OrderHandler {
	return &OrderHandler{dispatch: dispatch}
}

type createOrderRequest struct {
	SerialNo         string           `json:"serial_no"`
	ProjectID        uuid.UUID        `json:"project_id"`
	BillingMode      string           `json:"billing_mode"`
	BaseAmountWan    int64            `json:"base_amount_wan"`
	PaidAmountCents  int64            `json:"paid_amount_cents"`
	HourlyPriceCents int64            `json:"hourly_price_cents"`
	IsGifted         bool             `json:"is_gifted"`
	CSRate           decimal.Decimal  `json:"cs_rate"`
	InviteRate       decimal.Decimal  `json:"invite_rate"`
	CustomClubRate   *decimal.Decimal `json:"custom_club_rate,omitempty"`
	ProjectClubRate  *decimal.Decimal `json:"project_club_rate,omitempty"`
	CSUserID         *uuid.UUID       `json:"cs_user_id,omitempty"`
	InviterUserID    *uuid.UUID       `json:"inviter_user_id,omitempty"`
}

// CreateOrder handles POST /v1/orders.
func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	var req createOrderRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	order, err := h.dispatch.CreateOrder(r.Context(), service.CreateOrderRequest{
		SerialNo:         strings.TrimSpace(req.SerialNo),
		ProjectID:        req.ProjectID,
		BillingMode:      domain.BillingMode(strings.ToUpper(strings.TrimSpace(req.BillingMode))),
		BaseAmountWan:    req.BaseAmountWan,
		PaidAmountCents:  req.PaidAmountCents,
		HourlyPriceCents: req.HourlyPriceCents,
		IsGifted:         req.IsGifted,
		CSRate:           req.CSRate,
		InviteRate:       req.InviteRate,
		CustomClubRate:   req.CustomClubRate,
		ProjectClubRate:  req.ProjectClubRate,
		CSUserID:         req.CSUserID,
		InviterUserID:    req.InviterUserID,
		ActorID:          &actorID,
	})
	if err != nil {
		RespondServiceError(w, r, err, "create order")
		return
	}
	RespondJSON(w, http.StatusCreated, order)
}

// GetOrder handles GET /v1/orders/{id}.
func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.dispatch.GetOrder(r.Context(), orderID)
	if err != nil {
		RespondServiceError(w, r, err, "get order")
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

type assignRequest struct {
	UserIDs []string `json:"user_ids"`
	Remark  string   `json:"remark"`
}

// Assign handles POST /v1/orders/{id}/rounds.
func (h *OrderHandler) Assign(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req assignRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	users, err := parseUUIDs(req.UserIDs)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid user_ids")
		return
	}

	round, err := h.dispatch.Assign(r.Context(), service.AssignRequest{
		OrderID: orderID,
		UserIDs: users,
		Remark:  req.Remark,
		ActorID: &actorID,
	})
	if err != nil {
		RespondServiceError(w, r, err, "assign round")
		return
	}
	RespondJSON(w, http.StatusCreated, round)
}

type remarkRequest struct {
	Remark string `json:"remark"`
	Reason string `json:"reason"`
}

// ConfirmComplete handles POST /v1/orders/{id}/confirm.
func (h *OrderHandler) ConfirmComplete(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req remarkRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	report, err := h.dispatch.ConfirmComplete(r.Context(), orderID, req.Remark, &actorID)
	if err != nil {
		RespondServiceError(w, r, err, "confirm order")
		return
	}
	RespondJSON(w, http.StatusOK, report)
}

// Refund handles POST /v1/orders/{id}/refund.
func (h *OrderHandler) Refund(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req remarkRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	view, err := h.dispatch.Refund(r.Context(), orderID, strings.TrimSpace(req.Reason), &actorID)
	if err != nil {
		RespondServiceError(w, r, err, "refund order")
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

type paidAmountRequest struct {
	PaidAmountCents int64  `json:"paid_amount_cents"`
	Remark          string `json:"remark"`
}

// MarkPaid handles POST /v1/orders/{id}/paid.
func (h *OrderHandler) MarkPaid(w http.ResponseWriter, r *http.Request) {
	h.updatePaid(w, r, true)
}

// UpdatePaidAmount handles PATCH /v1/orders/{id}/paid-amount.
func (h *OrderHandler) UpdatePaidAmount(w http.ResponseWriter, r *http.Request) {
	h.updatePaid(w, r, false)
}

func (h *OrderHandler) updatePaid(w http.ResponseWriter, r *http.Request, markPaid bool) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	orderID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req paidAmountRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := service.PaidAmountRequest{
		OrderID:         orderID,
		PaidAmountCents: req.PaidAmountCents,
		Remark:          req.Remark,
		ActorID:         &actorID,
	}
	update := h.dispatch.UpdateOrderPaidAmount
	if markPaid {
		update = h.dispatch.MarkOrderPaid
	}
	order, err := update(r.Context(), in)
	if err != nil {
		RespondServiceError(w, r, err, "update paid amount")
		return
	}
	RespondJSON(w, http.StatusOK, order)
}
