package middleware

import (
	"net/http"
	"time"
)

// HTTPRecorder is the slice of the metrics collector this package needs.
type HTTPRecorder interface {
	RecordHTTP(method, route string, status int, d time.Duration)
}

// Metrics records request counts and latency per route pattern. The route
// label uses the matched mux pattern, not the raw path, to keep label
// cardinality bounded.
func Metrics(rec HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := r.Pattern
			if route == "" {
				route = "unmatched"
			}
			rec.RecordHTTP(r.Method, route, rw.status, time.Since(start))
		})
	}
}
