package middleware

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"

	"github.com/ayo6706/dispatch-ledger/internal/api/problem"
	"github.com/ayo6706/dispatch-ledger/internal/idempotency"
	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"go.uber.org/zap"
)

const maxIdempotencyKeyLen = 255

// IdempotencyMiddleware replays the stored response for a repeated
// Idempotency-Key. Keys are scoped to the caller so two operators can reuse
// the same client-generated key. A nil store disables the check.
func IdempotencyMiddleware(store *idempotency.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if store == nil || r.Method == http.MethodGet || r.Method == http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}
			logger := LoggerFromContext(r.Context())

			clientKey := r.Header.Get("Idempotency-Key")
			if clientKey == "" || len(clientKey) > maxIdempotencyKeyLen {
				observability.IncrementIdempotencyEvent("missing_key")
				problem.Write(w, r, http.StatusBadRequest, problem.Type("idempotency/missing-key"), "", "Idempotency-Key header is required")
				return
			}
			key := UserIDFromContext(r.Context()) + ":" + clientKey

			body, err := io.ReadAll(r.Body)
			if err != nil {
				problem.Write(w, r, http.StatusBadRequest, problem.Type("request/invalid-body"), "", "Failed to read request body")
				return
			}
			_ = r.Body.Close()
			r.Body = io.NopCloser(bytes.NewReader(body))
			reqHash := hashRequest(r.Method, r.URL.Path, body)

			rec, err := store.Lookup(r.Context(), key, reqHash)
			switch {
			case err == nil:
				replay(w, rec, "replay")
				return
			case errors.Is(err, idempotency.ErrHashMismatch):
				observability.IncrementIdempotencyEvent("hash_mismatch")
				problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/key-conflict"), "", "Idempotency-Key was used with a different request")
				return
			case errors.Is(err, idempotency.ErrInProgress):
				waitAndReplay(w, r, store, key, reqHash, "replay_after_wait")
				return
			case !errors.Is(err, idempotency.ErrNotFound):
				observability.IncrementIdempotencyEvent("lookup_error")
				logger.Warn("idempotency lookup failed", zap.Error(err))
			}

			reserved, err := store.Reserve(r.Context(), key, reqHash, r.Method, r.URL.Path)
			if err != nil {
				observability.IncrementIdempotencyEvent("reserve_error")
				logger.Error("idempotency reserve failed", zap.Error(err))
				problem.Write(w, r, http.StatusServiceUnavailable, problem.Type("idempotency/unavailable"), "", "idempotency store unavailable")
				return
			}
			if !reserved {
				waitAndReplay(w, r, store, key, reqHash, "replay_after_reserve")
				return
			}
			observability.IncrementIdempotencyEvent("reserved")

			recorder := &bodyRecorder{statusRecorder: newStatusRecorder(w)}
			next.ServeHTTP(recorder, r)

			contentType := recorder.Header().Get("Content-Type")
			if contentType == "" {
				contentType = "application/json"
			}
			if _, err := store.Finalize(r.Context(), key, reqHash, recorder.Status(), recorder.body.Bytes(), contentType); err != nil {
				observability.IncrementIdempotencyEvent("finalize_error")
				logger.Warn("idempotency finalize failed", zap.Error(err), zap.String("key", clientKey))
				return
			}
			observability.IncrementIdempotencyEvent("finalized")
		})
	}
}

func waitAndReplay(w http.ResponseWriter, r *http.Request, store *idempotency.Store, key, reqHash, outcome string) {
	rec, err := store.WaitForCompletion(r.Context(), key, reqHash)
	if err == nil {
		replay(w, rec, outcome)
		return
	}
	observability.IncrementIdempotencyEvent("in_progress_conflict")
	LoggerFromContext(r.Context()).Warn("idempotency wait failed", zap.Error(err))
	problem.Write(w, r, http.StatusConflict, problem.Type("idempotency/in-progress"), "", "a request with this Idempotency-Key is still being processed")
}

func hashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method + "|" + path + "|"))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// bodyRecorder keeps a copy of the response body for replay.
type bodyRecorder struct {
	*statusRecorder
	body bytes.Buffer
}

func (br *bodyRecorder) Write(b []byte) (int, error) {
	br.body.Write(b)
	return br.statusRecorder.Write(b)
}

func replay(w http.ResponseWriter, rec *idempotency.Record, outcome string) {
	observability.IncrementIdempotencyEvent(outcome)
	w.Header().Set("Content-Type", rec.ContentType)
	w.Header().Set("X-Idempotent-Replay", rec.ServedBy)
	w.WriteHeader(rec.Status)
	_, _ = w.Write(rec.Body)
}
