package middleware

import (
	"context"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const maxTraceIDLen = 128

// TraceMiddleware assigns every request a trace id, echoed in X-Trace-ID, and
// attaches a logger carrying it to the request context.
func TraceMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			traceID := incomingTraceID(r)
			w.Header().Set("X-Trace-ID", traceID)

			ctx := context.WithValue(r.Context(), traceContextKey, traceID)
			ctx = context.WithValue(ctx, loggerContextKey, logger.With(zap.String("trace_id", traceID)))
			ctx = context.WithValue(ctx, stateContextKey, &requestState{})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func incomingTraceID(r *http.Request) string {
	for _, h := range []string{"X-Trace-ID", "X-Request-ID"} {
		if v := r.Header.Get(h); v != "" && len(v) <= maxTraceIDLen {
			return v
		}
	}
	return uuid.NewString()
}

// requestState is shared by every middleware layer of one request, so outer
// layers can see what inner ones resolved.
type requestState struct {
	principal *Principal
}

func stateFromContext(ctx context.Context) *requestState {
	if ctx == nil {
		return nil
	}
	st, _ := ctx.Value(stateContextKey).(*requestState)
	return st
}

// TraceIDFromContext returns the trace id for the request.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v, ok := ctx.Value(traceContextKey).(string); ok {
		return v
	}
	return ""
}

// LoggerFromContext returns the request logger, falling back to the global one.
func LoggerFromContext(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(loggerContextKey).(*zap.Logger); ok {
			return l
		}
	}
	return zap.L()
}
