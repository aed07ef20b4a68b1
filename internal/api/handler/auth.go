package handler

import (
	"net/http"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/api/middleware"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const tokenTTL = 24 * time.Hour

// AuthHandler issues API tokens. Users listed as admins get the admin role;
// everyone else is a worker.
type AuthHandler struct {
	admins map[uuid.UUID]struct{}
}

func NewAuthHandler(adminIDs []uuid.UUID) *AuthHandler {
	admins := make(map[uuid.UUID]struct{}, len(adminIDs))
	for _, id := range adminIDs {
		admins[id] = struct{}{}
	}
	return &AuthHandler{admins: admins}
}

// Login handles POST /v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req struct {
		UserID string `json:"user_id"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	uid, err := uuid.Parse(req.UserID)
	if err != nil {
		RespondError(w, r, http.StatusBadRequest, "request/invalid-user-id", "Invalid user_id")
		return
	}

	role := middleware.RoleWorker
	if _, ok := h.admins[uid]; ok {
		role = RoleAdmin
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": uid.String(),
		"role":    role,
		"sub":     uid.String(),
		"iat":     now.Unix(),
		"exp":     now.Add(tokenTTL).Unix(),
	}
	if iss := middleware.JWTIssuer(); iss != "" {
		claims["iss"] = iss
	}
	if aud := middleware.JWTAudience(); aud != "" {
		claims["aud"] = aud
	}
	tokenString, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(middleware.JWTSecret())
	if err != nil {
		RespondError(w, r, http.StatusInternalServerError, "auth/sign-failed", "Failed to sign token")
		return
	}

	RespondJSON(w, http.StatusOK, map[string]string{
		"token": tokenString,
		"role":  role,
	})
}
