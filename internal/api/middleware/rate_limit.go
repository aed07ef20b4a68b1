package middleware

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ayo6706/dispatch-ledger/internal/api/problem"
	"github.com/go-chi/httprate"
)

// PublicRateLimiter limits unauthenticated routes (login and rail webhooks) per IP.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return limiter(rps, "IP", httprate.KeyByIP)
}

// AuthRateLimiter limits authenticated callers per principal.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return limiter(rps, "user", func(r *http.Request) (string, error) {
		if p, ok := PrincipalFromContext(r.Context()); ok {
			return p.Role + ":" + p.UserID.String(), nil
		}
		return httprate.KeyByIP(r)
	})
}

func limiter(rps int, scope string, key httprate.KeyFunc) func(http.Handler) http.Handler {
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Retry-After", "1")
			problem.Write(w, r, http.StatusTooManyRequests, problem.Type("rate-limit-exceeded"), "",
				fmt.Sprintf("Rate limit of %d req/s exceeded for this %s", rps, scope))
		}),
	)
}
