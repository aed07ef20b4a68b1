package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/api/problem"
	"github.com/ayo6706/dispatch-ledger/internal/idempotency"
	"github.com/ayo6706/dispatch-ledger/internal/repository"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	zap.ReplaceGlobals(zap.NewNop())
	SetJWTSecret("middleware-test-secret-0123456789abcdef")
	SetJWTValidation("dispatch-ledger", "dispatch-api")
	m.Run()
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["iss"]; !ok {
		claims["iss"] = JWTIssuer()
	}
	if _, ok := claims["aud"]; !ok {
		claims["aud"] = JWTAudience()
	}
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(JWTSecret())
	require.NoError(t, err)
	return s
}

func problemOf(t *testing.T, w *httptest.ResponseRecorder) problem.Details {
	t.Helper()
	var p problem.Details
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return p
}

func echoPrincipal(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFromContext(r.Context())
	_, _ = w.Write([]byte(p.Role + " " + p.UserID.String()))
}

func TestAuthMiddleware(t *testing.T) {
	user := uuid.New()
	h := AuthMiddleware(http.HandlerFunc(echoPrincipal))

	cases := []struct {
		name   string
		header string
		status int
		slug   string
		body   string
	}{
		{name: "missing_header", status: http.StatusUnauthorized, slug: "auth/authorization-header-required"},
		{name: "basic_scheme", header: "Basic abc", status: http.StatusUnauthorized, slug: "auth/invalid-token-format"},
		{name: "garbage", header: "Bearer nope", status: http.StatusUnauthorized, slug: "auth/invalid-token"},
		{
			name:   "wrong_audience",
			header: "Bearer " + signToken(t, jwt.MapClaims{"user_id": user.String(), "aud": "someone-else"}),
			status: http.StatusUnauthorized,
			slug:   "auth/invalid-token",
		},
		{
			name:   "non_uuid_user",
			header: "Bearer " + signToken(t, jwt.MapClaims{"user_id": "bob"}),
			status: http.StatusUnauthorized,
			slug:   "auth/invalid-token-claims",
		},
		{
			name:   "unknown_role",
			header: "Bearer " + signToken(t, jwt.MapClaims{"user_id": user.String(), "role": "root"}),
			status: http.StatusUnauthorized,
			slug:   "auth/invalid-token-claims",
		},
		{
			name:   "subject_mismatch",
			header: "Bearer " + signToken(t, jwt.MapClaims{"user_id": user.String(), "sub": uuid.NewString()}),
			status: http.StatusUnauthorized,
			slug:   "auth/invalid-token-claims",
		},
		{
			name:   "role_defaults_to_worker",
			header: "Bearer " + signToken(t, jwt.MapClaims{"user_id": user.String()}),
			status: http.StatusOK,
			body:   "worker " + user.String(),
		},
		{
			name:   "lowercase_scheme_admin",
			header: "bearer " + signToken(t, jwt.MapClaims{"user_id": user.String(), "role": RoleAdmin}),
			status: http.StatusOK,
			body:   "admin " + user.String(),
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			require.Equal(t, tc.status, w.Code)
			if tc.slug != "" {
				assert.Equal(t, problem.Type(tc.slug), problemOf(t, w).Type)
				return
			}
			assert.Equal(t, tc.body, w.Body.String())
		})
	}
}

func TestRequireRole(t *testing.T) {
	h := AuthMiddleware(RequireRole(RoleAdmin)(http.HandlerFunc(echoPrincipal)))
	user := uuid.New()

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"user_id": user.String(), "role": RoleWorker}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, problem.Type("auth/insufficient-permissions"), problemOf(t, w).Type)

	req.Header.Set("Authorization", "Bearer "+signToken(t, jwt.MapClaims{"user_id": user.String(), "role": RoleAdmin}))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestTraceMiddleware(t *testing.T) {
	var seen string
	h := TraceMiddleware(zap.NewNop())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = TraceIDFromContext(r.Context())
		require.NotNil(t, LoggerFromContext(r.Context()))
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "req-123", seen)
	assert.Equal(t, "req-123", w.Header().Get("X-Trace-ID"))

	req = httptest.NewRequest(http.MethodGet, "/v1/orders", nil)
	req.Header.Set("X-Trace-ID", strings.Repeat("x", maxTraceIDLen+1))
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	_, err := uuid.Parse(seen)
	assert.NoError(t, err)
	assert.Equal(t, seen, w.Header().Get("X-Trace-ID"))
}

func TestRecoverMiddleware(t *testing.T) {
	h := TraceMiddleware(zap.NewNop())(RecoverMiddleware(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/orders", nil))

	require.Equal(t, http.StatusInternalServerError, w.Code)
	p := problemOf(t, w)
	assert.Equal(t, problem.Type("internal-server-error"), p.Type)
	assert.Equal(t, w.Header().Get("X-Trace-ID"), p.RequestID)
}

func TestLoggingAndMetricsPassThrough(t *testing.T) {
	h := TraceMiddleware(zap.NewNop())(LoggingMiddleware(MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("ok"))
	}))))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/withdrawals", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestStatusRecorderDefaults(t *testing.T) {
	rec := newStatusRecorder(httptest.NewRecorder())
	assert.Equal(t, http.StatusOK, rec.Status())
	rec.WriteHeader(http.StatusConflict)
	rec.WriteHeader(http.StatusOK)
	assert.Equal(t, http.StatusConflict, rec.Status())
	assert.Same(t, rec, newStatusRecorder(rec))
}

func TestPublicRateLimiter(t *testing.T) {
	h := PublicRateLimiter(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	req.RemoteAddr = "10.0.0.1:1234"

	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, problem.Type("rate-limit-exceeded"), problemOf(t, w).Type)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

type memoryKeys struct {
	mu   sync.Mutex
	keys map[string]repository.IdempotencyKey
}

func (b *memoryKeys) GetIdempotencyKey(_ context.Context, key string) (repository.IdempotencyKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.keys[key]
	if !ok {
		return repository.IdempotencyKey{}, pgx.ErrNoRows
	}
	return k, nil
}

func (b *memoryKeys) ReserveIdempotencyKey(_ context.Context, arg repository.ReserveIdempotencyKeyParams) (repository.IdempotencyKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.keys[arg.IdempotencyKey]; ok {
		return repository.IdempotencyKey{}, pgx.ErrNoRows
	}
	k := repository.IdempotencyKey{IdempotencyKey: arg.IdempotencyKey, RequestHash: arg.RequestHash, InProgress: true}
	b.keys[arg.IdempotencyKey] = k
	return k, nil
}

func (b *memoryKeys) FinalizeIdempotencyKey(_ context.Context, arg repository.FinalizeIdempotencyKeyParams) (repository.IdempotencyKey, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	k, ok := b.keys[arg.IdempotencyKey]
	if !ok {
		return repository.IdempotencyKey{}, pgx.ErrNoRows
	}
	k.InProgress = false
	k.ResponseStatus = arg.ResponseStatus
	k.ResponseBody = arg.ResponseBody
	k.ContentType = arg.ContentType
	b.keys[arg.IdempotencyKey] = k
	return k, nil
}

func TestIdempotencyMiddleware(t *testing.T) {
	store := idempotency.NewStore(nil, &memoryKeys{keys: map[string]repository.IdempotencyKey{}}, time.Minute)
	var calls atomic.Int32
	h := AuthMiddleware(IdempotencyMiddleware(store)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"call":` + strconv.Itoa(int(n)) + `}`))
	})))

	alice := signToken(t, jwt.MapClaims{"user_id": uuid.NewString()})
	bob := signToken(t, jwt.MapClaims{"user_id": uuid.NewString()})
	send := func(token, key, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/v1/withdrawals", strings.NewReader(body))
		req.Header.Set("Authorization", "Bearer "+token)
		if key != "" {
			req.Header.Set("Idempotency-Key", key)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		return w
	}

	w := send(alice, "", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, problem.Type("idempotency/missing-key"), problemOf(t, w).Type)

	w = send(alice, "k-1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"call":1}`, w.Body.String())

	w = send(alice, "k-1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"call":1}`, w.Body.String())
	assert.Equal(t, "postgres", w.Header().Get("X-Idempotent-Replay"))

	w = send(alice, "k-1", `{"amount":20}`)
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, problem.Type("idempotency/key-conflict"), problemOf(t, w).Type)

	w = send(bob, "k-1", `{"amount":10}`)
	require.Equal(t, http.StatusCreated, w.Code)
	assert.JSONEq(t, `{"call":2}`, w.Body.String())
	assert.Equal(t, int32(2), calls.Load())
}

func TestIdempotencyMiddlewareDisabled(t *testing.T) {
	h := IdempotencyMiddleware(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/orders", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
