package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/ayo6706/dispatch-ledger/internal/api/problem"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in API tokens.
const (
	RoleAdmin  = "admin"
	RoleWorker = "worker"
)

type contextKey string

const (
	principalContextKey contextKey = "principal"
	traceContextKey     contextKey = "trace_id"
	loggerContextKey    contextKey = "logger"
	stateContextKey     contextKey = "request_state"
)

// Principal is the authenticated caller of a request.
type Principal struct {
	UserID uuid.UUID
	Role   string
}

// IsAdmin reports whether the caller operates on behalf of the club.
func (p Principal) IsAdmin() bool { return p.Role == RoleAdmin }

var (
	jwtSecret   []byte
	jwtIssuer   string
	jwtAudience string
)

type authClaims struct {
	UserID string `json:"user_id"`
	Role   string `json:"role"`
	jwt.RegisteredClaims
}

func SetJWTSecret(secret string) {
	if secret == "" {
		return
	}
	jwtSecret = []byte(secret)
}

func SetJWTValidation(issuer, audience string) {
	jwtIssuer = strings.TrimSpace(issuer)
	jwtAudience = strings.TrimSpace(audience)
}

func JWTSecret() []byte {
	return slices.Clone(jwtSecret)
}

func JWTIssuer() string   { return jwtIssuer }
func JWTAudience() string { return jwtAudience }

// AuthMiddleware validates the bearer token and stores the caller's principal
// in the request context. Tokens without a role are treated as worker tokens.
func AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := bearerToken(r)
		if err != nil {
			unauthorized(w, r, err)
			return
		}
		if len(jwtSecret) == 0 {
			problem.Write(w, r, http.StatusInternalServerError, problem.Type("auth/misconfigured"), "", "auth is not configured")
			return
		}

		principal, err := parsePrincipal(raw)
		if err != nil {
			unauthorized(w, r, err)
			return
		}
		if st := stateFromContext(r.Context()); st != nil {
			st.principal = &principal
		}
		ctx := context.WithValue(r.Context(), principalContextKey, principal)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func bearerToken(r *http.Request) (string, error) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return "", authError{slug: "auth/authorization-header-required", msg: "Authorization header required"}
	}
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(token) == "" {
		return "", authError{slug: "auth/invalid-token-format", msg: "Invalid token format"}
	}
	return strings.TrimSpace(token), nil
}

func parsePrincipal(raw string) (Principal, error) {
	claims := &authClaims{}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if jwtIssuer != "" {
		opts = append(opts, jwt.WithIssuer(jwtIssuer))
	}
	if jwtAudience != "" {
		opts = append(opts, jwt.WithAudience(jwtAudience))
	}
	token, err := jwt.ParseWithClaims(raw, claims, func(token *jwt.Token) (interface{}, error) {
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("unexpected signing method: %s", token.Method.Alg())
		}
		return jwtSecret, nil
	}, opts...)
	if err != nil || !token.Valid {
		return Principal{}, authError{slug: "auth/invalid-token", msg: "Invalid token"}
	}

	userID, err := uuid.Parse(claims.UserID)
	if err != nil || (claims.Subject != "" && claims.Subject != claims.UserID) {
		return Principal{}, authError{slug: "auth/invalid-token-claims", msg: "Invalid token claims"}
	}
	role := claims.Role
	if role == "" {
		role = RoleWorker
	}
	if role != RoleAdmin && role != RoleWorker {
		return Principal{}, authError{slug: "auth/invalid-token-claims", msg: "Invalid token claims"}
	}
	return Principal{UserID: userID, Role: role}, nil
}

type authError struct {
	slug string
	msg  string
}

func (e authError) Error() string { return e.msg }

func unauthorized(w http.ResponseWriter, r *http.Request, err error) {
	slug := "auth/unauthorized"
	var ae authError
	if errors.As(err, &ae) {
		slug = ae.slug
	}
	problem.Write(w, r, http.StatusUnauthorized, problem.Type(slug), "", err.Error())
}

// RequireRole lets the request through when the caller holds one of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFromContext(r.Context())
			if !ok || !slices.Contains(roles, p.Role) {
				problem.Write(w, r, http.StatusForbidden, problem.Type("auth/insufficient-permissions"), "", "insufficient permissions")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PrincipalFromContext returns the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	if ctx == nil {
		return Principal{}, false
	}
	p, ok := ctx.Value(principalContextKey).(Principal)
	return p, ok
}

// UserIDFromContext returns the authenticated user ID, or "" when anonymous.
func UserIDFromContext(ctx context.Context) string {
	if p, ok := PrincipalFromContext(ctx); ok {
		return p.UserID.String()
	}
	return ""
}

// UserRoleFromContext returns the role of the authenticated user.
func UserRoleFromContext(ctx context.Context) string {
	p, _ := PrincipalFromContext(ctx)
	return p.Role
}
