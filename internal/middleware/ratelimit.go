package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// RateLimitMiddleware applies a token-bucket limit to the wrapped handler.
// Requests over the limit receive 429 without entering the pipeline.
func RateLimitMiddleware(requestsPerSec float64, burst int) func(http.Handler) http.Handler {
	limiter := rate.NewLimiter(rate.Limit(requestsPerSec), burst)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				w.Header().Set("Retry-After", "1")
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"RateLimited"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
