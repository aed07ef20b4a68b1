package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// RoundHandler exposes dispatch round operations. Accept and reject are
// open to the assigned workers; the rest is for operators.
type RoundHandler struct {
	dispatch *service.DispatchService
}

func NewRoundHandler(dispatch *service.DispatchService) *RoundHandler {
	return &RoundHandler{dispatch: dispatch}
}

// GetRound handles GET /v1/rounds/{id}.
func (h *RoundHandler) GetRound(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	view, err := h.dispatch.GetRound(r.Context(), roundID)
	if err != nil {
		RespondServiceError(w, r, err, "get round")
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

type respondRequest struct {
	// UserID lets an operator respond for a worker.
	UserID *uuid.UUID `json:"user_id,omitempty"`
	Reason string     `json:"reason"`
}

// responder resolves whose answer this is: the caller, or the named worker
// when an operator calls.
func responder(w http.ResponseWriter, r *http.Request, req respondRequest) (uuid.UUID, bool) {
	actorID, isAdmin, ok := mustActor(w, r)
	if !ok {
		return uuid.Nil, false
	}
	if req.UserID == nil || *req.UserID == actorID {
		return actorID, true
	}
	if !isAdmin {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return uuid.Nil, false
	}
	return *req.UserID, true
}

// Accept handles POST /v1/rounds/{id}/accept.
func (h *RoundHandler) Accept(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req respondRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := responder(w, r, req)
	if !ok {
		return
	}

	view, err := h.dispatch.Accept(r.Context(), roundID, userID)
	if err != nil {
		RespondServiceError(w, r, err, "accept round")
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

// Reject handles POST /v1/rounds/{id}/reject.
func (h *RoundHandler) Reject(w http.ResponseWriter, r *http.Request) {
	roundID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req respondRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	userID, ok := responder(w, r, req)
	if !ok {
		return
	}

	view, err := h.dispatch.Reject(r.Context(), service.RejectRequest{
		RoundID: roundID,
		UserID:  userID,
		Reason:  strings.TrimSpace(req.Reason),
	})
	if err != nil {
		RespondServiceError(w, r, err, "reject round")
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

// UpdateParticipants handles PUT /v1/rounds/{id}/participants.
func (h *RoundHandler) UpdateParticipants(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	roundID, ok := pathUUID(w, r, "id")
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

	view, err := h.dispatch.UpdateParticipants(r.Context(), service.UpdateParticipantsRequest{
		RoundID: roundID,
		UserIDs: users,
		Remark:  req.Remark,
		ActorID: &actorID,
	})
	if err != nil {
		RespondServiceError(w, r, err, "update participants")
		return
	}
	RespondJSON(w, http.StatusOK, view)
}

type closeRoundRequest struct {
	Remark               string           `json:"remark"`
	TotalProgressBaseWan *int64           `json:"total_progress_base_wan,omitempty"`
	DeductMinutes        string           `json:"deduct_minutes,omitempty"`
	BillableHours        *decimal.Decimal `json:"billable_hours,omitempty"`
}

// Archive handles POST /v1/rounds/{id}/archive.
func (h *RoundHandler) Archive(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, h.dispatch.Archive, "archive round")
}

// Complete handles POST /v1/rounds/{id}/complete.
func (h *RoundHandler) Complete(w http.ResponseWriter, r *http.Request) {
	h.close(w, r, h.dispatch.Complete, "complete round")
}

type closeFunc func(ctx context.Context, req service.CloseRoundRequest) (service.RecomputeResult, error)

func (h *RoundHandler) close(w http.ResponseWriter, r *http.Request, fn closeFunc, op string) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	roundID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req closeRoundRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	res, err := fn(r.Context(), service.CloseRoundRequest{
		RoundID:              roundID,
		Remark:               req.Remark,
		TotalProgressBaseWan: req.TotalProgressBaseWan,
		DeductMinutes:        req.DeductMinutes,
		BillableHours:        req.BillableHours,
		ActorID:              &actorID,
	})
	if err != nil {
		RespondServiceError(w, r, err, op)
		return
	}
	RespondJSON(w, http.StatusOK, res)
}

type progressRequest struct {
	TotalProgressBaseWan int64  `json:"total_progress_base_wan"`
	Remark               string `json:"remark"`
}

// UpdateProgress handles PATCH /v1/rounds/{id}/progress.
func (h *RoundHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	actorID, _, ok := mustActor(w, r)
	if !ok {
		return
	}
	roundID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req progressRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.dispatch.UpdateArchivedProgressTotal(r.Context(), service.UpdateProgressRequest{
		RoundID:              roundID,
		TotalProgressBaseWan: req.TotalProgressBaseWan,
		Remark:               req.Remark,
		ActorID:              &actorID,
	})
	if err != nil {
		RespondServiceError(w, r, err, "update progress")
		return
	}
	RespondJSON(w, http.StatusOK, res)
}
