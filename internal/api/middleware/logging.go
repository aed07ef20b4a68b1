package middleware

import (
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingMiddleware emits one structured line per request. Server errors log
// at error level and client errors at warn; probe traffic is not logged.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/health/") {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := newStatusRecorder(w)

		next.ServeHTTP(rw, r)

		status := rw.Status()
		level := zapcore.InfoLevel
		switch {
		case status >= http.StatusInternalServerError:
			level = zapcore.ErrorLevel
		case status >= http.StatusBadRequest:
			level = zapcore.WarnLevel
		}

		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("route", routePattern(r)),
			zap.String("path", r.URL.Path),
			zap.Int("status", status),
			zap.Int("bytes", rw.bytes),
			zap.Duration("duration", time.Since(start)),
		}
		if st := stateFromContext(r.Context()); st != nil && st.principal != nil {
			p := st.principal
			fields = append(fields, zap.Stringer("user_id", p.UserID), zap.String("role", p.Role))
		}
		if ce := LoggerFromContext(r.Context()).Check(level, "http_request"); ce != nil {
			ce.Write(fields...)
		}
	})
}
