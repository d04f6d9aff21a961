package middleware

import (
	"log"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/opentestimony/ot-backend/internal/ratelimit"
)

// ClientIP extracts the caller address, honouring the first hop of
// X-Forwarded-For when present.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// WriteRateLimitHeaders sets the standard X-RateLimit-* response headers.
func WriteRateLimitHeaders(w http.ResponseWriter, d *ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
	if !d.Allowed {
		w.Header().Set("Retry-After", strconv.Itoa(d.RetryAfter))
	}
}

// RateLimit applies a fixed-window limit keyed per client IP. Redis outages
// fail open for general API traffic; the login path does its own explicit
// fail-closed check inside the handler, where the username is known.
func RateLimit(l *ratelimit.Limiter, cfg ratelimit.LimitConfig, scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if l == nil {
				next.ServeHTTP(w, r)
				return
			}

			key := "rl:" + scope + ":" + l.HashIP(ClientIP(r))
			decision, err := l.Check(r.Context(), key, cfg)
			if err != nil {
				log.Printf("[RateLimit] redis error (fail open): %v", err)
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				WriteRateLimitHeaders(w, decision)
				writeDetail(w, http.StatusTooManyRequests, "rate limit exceeded")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
