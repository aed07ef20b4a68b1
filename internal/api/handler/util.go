package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/api/middleware"
	"github.com/ayo6706/dispatch-ledger/internal/api/problem"
	"github.com/ayo6706/dispatch-ledger/internal/domain"
	"github.com/ayo6706/dispatch-ledger/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// RoleAdmin is the operator role; everyone else is a worker.
const RoleAdmin = middleware.RoleAdmin

// RespondJSON writes a JSON response.
func RespondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// RespondError writes an error response.
func RespondError(w http.ResponseWriter, r *http.Request, status int, problemType, message string) {
	if problemType != "" && problemType != "about:blank" && !strings.HasPrefix(problemType, "http") {
		problemType = problem.Type(problemType)
	}
	problem.Write(w, r, status, problemType, http.StatusText(status), message)
}

// RespondServiceError maps a service failure to a problem response by its kind.
func RespondServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	if errors.Is(err, service.ErrInvalidSignature) {
		RespondError(w, r, http.StatusUnauthorized, "webhook/invalid-signature", "Invalid signature")
		return
	}

	var status int
	switch domain.KindOf(err) {
	case domain.KindValidation:
		status = http.StatusBadRequest
	case domain.KindStateConflict:
		status = http.StatusConflict
	case domain.KindInvariantViolation:
		status = http.StatusUnprocessableEntity
	case domain.KindExternalDependency:
		status = http.StatusBadGateway
	case domain.KindNotFound:
		status = http.StatusNotFound
	}
	if status != 0 {
		RespondError(w, r, status, problemSlug(domain.CodeOf(err)), err.Error())
		return
	}

	if status, problemType, message, ok := mapDBError(err); ok {
		RespondError(w, r, status, problemType, message)
		return
	}
	middleware.LoggerFromContext(r.Context()).Error(op+" failed", zap.Error(err))
	RespondError(w, r, http.StatusInternalServerError, "internal-server-error", "unexpected server error")
}

func problemSlug(code string) string {
	return "dispatch/" + strings.ReplaceAll(code, "_", "-")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-body", "Invalid request body")
		return false
	}
	return true
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-"+name, "Invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func requestActor(r *http.Request) (uuid.UUID, bool, error) {
	p, ok := middleware.PrincipalFromContext(r.Context())
	if !ok || p.UserID == uuid.Nil {
		return uuid.Nil, false, errors.New("missing user in auth context")
	}
	return p.UserID, p.IsAdmin(), nil
}

// mustActor resolves the caller or writes a 401.
func mustActor(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool, bool) {
	actorID, isAdmin, err := requestActor(r)
	if err != nil {
		RespondError(w, r, http.StatusUnauthorized, "auth/unauthorized", "Unauthorized")
		return uuid.Nil, false, false
	}
	return actorID, isAdmin, true
}

// ownerOrAdmin lets admins act for anyone and workers only for themselves.
func ownerOrAdmin(w http.ResponseWriter, r *http.Request, owner uuid.UUID) bool {
	actorID, isAdmin, ok := mustActor(w, r)
	if !ok {
		return false
	}
	if !isAdmin && actorID != owner {
		RespondError(w, r, http.StatusForbidden, "auth/insufficient-permissions", "insufficient permissions")
		return false
	}
	return true
}

func parseUUIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(strings.TrimSpace(s))
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, errors.New(name + " must be a non-negative integer")
	}
	return n, nil
}

func mapDBError(err error) (status int, problemType, message string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return 0, "", "", false
	}

	switch pgErr.Code {
	case "23505": // unique_violation
		return http.StatusConflict, "db/unique-violation", "resource already exists", true
	case "23503": // foreign_key_violation
		return http.StatusBadRequest, "db/foreign-key-violation", "invalid reference", true
	case "23514": // check_violation
		return http.StatusBadRequest, "db/check-violation", "request violates data constraints", true
	case "23502": // not_null_violation
		return http.StatusBadRequest, "db/not-null-violation", "missing required field", true
	case "55P03", "40P01": // lock_not_available, deadlock_detected
		return http.StatusServiceUnavailable, "db/busy", "order or wallet is busy, retry the request", true
	default:
		return 0, "", "", false
	}
}
