package metrics

import (
	"encoding/json"
	"net/http"
	"time"
)

// probeStatus is the body served by the liveness and readiness endpoints.
type probeStatus struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version"`
}

var version = "dev"

// SetVersion sets the application version reported by the probes.
func SetVersion(v string) {
	version = v
}

// LivenessHandler returns a handler for liveness checks. It answers as long
// as the process is serving requests.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeProbe(w, http.StatusOK, "alive")
	}
}

// ReadinessHandler returns a handler for readiness checks. The check function
// is consulted on every request; a non-nil error reports not ready. The check
// must be cheap and side-effect free (it runs on every probe).
func ReadinessHandler(check func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			if err := check(); err != nil {
				writeProbe(w, http.StatusServiceUnavailable, "not_ready")
				return
			}
		}
		writeProbe(w, http.StatusOK, "ready")
	}
}

func writeProbe(w http.ResponseWriter, code int, status string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(probeStatus{
		Status:    status,
		Timestamp: time.Now(),
		Version:   version,
	})
}
