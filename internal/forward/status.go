package forward

import (
	"sync"
	"time"
)

// Status is a point-in-time snapshot of the forwarding client's observed
// upstream health. Reading it never triggers network activity.
type Status struct {
	Healthy     bool       `json:"healthy"`
	LastSuccess *time.Time `json:"last_success"`
	LastFailure *string    `json:"last_failure"`
}

// health accumulates delivery outcomes for the health reporter. Before any
// delivery has been attempted the agent reports healthy with null timestamps.
type health struct {
	mu          sync.Mutex
	lastSuccess time.Time
	lastFailure string
}

func (h *health) recordSuccess(at time.Time) {
	h.mu.Lock()
	h.lastSuccess = at
	h.mu.Unlock()
}

func (h *health) recordFailure(reason string) {
	h.mu.Lock()
	h.lastFailure = reason
	h.mu.Unlock()
}

func (h *health) snapshot(breakerOpen bool) Status {
	h.mu.Lock()
	defer h.mu.Unlock()

	st := Status{Healthy: !breakerOpen}
	if !h.lastSuccess.IsZero() {
		t := h.lastSuccess
		st.LastSuccess = &t
	}
	if h.lastFailure != "" {
		f := h.lastFailure
		st.LastFailure = &f
	}
	return st
}
