package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/sirupsen/logrus"
)

// RecoveryMiddleware recovers from handler panics and logs the error. One
// misbehaving request must not take the agent down.
func RecoveryMiddleware(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.WithFields(logrus.Fields{
						"error":      err,
						"method":     r.Method,
						"path":       r.URL.Path,
						"request_id": RequestID(r.Context()),
						"stack":      string(debug.Stack()),
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"InternalError"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
