package middleware

import (
	"net/http"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/observability"
	"github.com/go-chi/chi/v5"
)

// MetricsMiddleware records request latency by route pattern. Scrapes of
// /metrics are not observed.
func MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		rw := newStatusRecorder(w)

		observability.TrackInFlight(1)
		defer observability.TrackInFlight(-1)
		next.ServeHTTP(rw, r)

		observability.ObserveHTTP(r.Method, routePattern(r), rw.Status(), time.Since(start))
	})
}

// routePattern keeps label cardinality bounded by using the chi pattern
// instead of the raw path. Unmatched routes collapse into one label.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if pattern := rc.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unmatched"
}
