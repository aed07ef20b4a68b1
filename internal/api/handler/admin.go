package handler

import (
	"net/http"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/availability"
	"github.com/ayo6706/dispatch-ledger/internal/service"
)

// AdminHandler groups operator tooling: the availability pool, the audit
// trail and on-demand integrity scans.
type AdminHandler struct {
	pool      availability.Pool
	audit     *service.AuditService
	integrity *service.IntegrityService
}

func NewAdminHandler(pool availability.Pool, audit *service.AuditService, integrity *service.IntegrityService) *AdminHandler {
	return &AdminHandler{pool: pool, audit: audit, integrity: integrity}
}

// GetAvailability handles GET /v1/users/{id}/availability.
func (h *AdminHandler) GetAvailability(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	status, err := h.pool.Status(r.Context(), userID)
	if err != nil {
		RespondServiceError(w, r, err, "get availability")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{
		"user_id": userID.String(),
		"status":  status,
	})
}

type availabilityRequest struct {
	Status string `json:"status"`
}

// SetAvailability handles PUT /v1/users/{id}/availability. Operators use it
// to bring a resting worker back to idle.
func (h *AdminHandler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	userID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	var req availabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	status := strings.ToUpper(strings.TrimSpace(req.Status))
	if !availability.ValidStatus(status) {
		RespondError(w, r, http.StatusBadRequest, "availability/invalid-status", "status must be IDLE, WORKING or RESTING")
		return
	}
	if err := h.pool.SetStatus(r.Context(), userID, status); err != nil {
		RespondServiceError(w, r, err, "set availability")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]string{
		"user_id": userID.String(),
		"status":  status,
	})
}

// History handles GET /v1/audit/{id}.
func (h *AdminHandler) History(w http.ResponseWriter, r *http.Request) {
	entityID, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}
	entries, err := h.audit.History(r.Context(), entityID)
	if err != nil {
		RespondServiceError(w, r, err, "audit history")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"items": entries,
		"count": len(entries),
	})
}

// IntegrityScan handles POST /v1/integrity/scan.
func (h *AdminHandler) IntegrityScan(w http.ResponseWriter, r *http.Request) {
	report, err := h.integrity.Run(r.Context())
	if err != nil {
		RespondServiceError(w, r, err, "integrity scan")
		return
	}
	RespondJSON(w, http.StatusOK, map[string]any{
		"healthy": report.Healthy(),
		"report":  report,
	})
}
