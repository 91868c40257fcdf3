package middleware

import (
	"log/slog"
	"net/http"

	"github.com/flowpbx/fastagi/internal/ratelimit"
)

// RateLimit returns middleware that rate limits requests by client IP.
// Over the limit it answers 429 Too Many Requests with a Retry-After header.
// chi's RealIP middleware should run first when the API sits behind a
// reverse proxy.
func RateLimit(limiter *ratelimit.Limiter, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ratelimit.HostOf(r.RemoteAddr)

			if !limiter.Allow(ip) {
				logger.Warn("rate limit exceeded",
					"ip", ip,
					"method", r.Method,
					"path", r.URL.Path,
				)
				w.Header().Set("Retry-After", "1")
				writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
