// Package api implements the agent's local ingress: request validation, the
// encrypt-and-forward pipeline, and the health endpoint. Every failure is
// classified before leaving the handler; plaintext never reaches a response,
// a log line, or the upstream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/kenneth/nexus-agent/internal/audit"
	"github.com/kenneth/nexus-agent/internal/crypto"
	"github.com/kenneth/nexus-agent/internal/forward"
	"github.com/kenneth/nexus-agent/internal/metrics"
	"github.com/kenneth/nexus-agent/internal/middleware"
)

// Caller-visible error classes. The body of every failed request is
// {"error": <class>}.
const (
	classInvalidRequest      = "InvalidRequest"
	classUnknownIdentifier   = "UnknownIdentifier"
	classEncryptionFailure   = "EncryptionFailure"
	classDeliveryRejected    = "DeliveryRejected"
	classDeliveryExhausted   = "DeliveryExhausted"
	classUpstreamUnavailable = "UpstreamUnavailable"
	classTimeout             = "Timeout"
	classTooManyRequests     = "TooManyRequests"
	classInternalError       = "InternalError"
)

// Deliverer is the slice of the forwarding client the handler depends on.
type Deliverer interface {
	Deliver(ctx context.Context, env *forward.Envelope) (*forward.DeliveryResult, error)
	Status() forward.Status
}

// Options bounds the ingress pipeline.
type Options struct {
	// RequestDeadline caps one request end to end, retries included.
	RequestDeadline time.Duration
	// MaxInFlight bounds concurrently running pipelines.
	MaxInFlight int64
	// QueueWait is how long an over-limit request may wait for a slot before
	// it is rejected with 429. Zero rejects immediately.
	QueueWait       time.Duration
	MaxPayloadBytes int64
	MaxPayloadDepth int
}

// Handler handles ingress HTTP requests.
type Handler struct {
	keys      *crypto.KeyManager
	engine    *crypto.Engine
	forwarder Deliverer
	logger    *logrus.Logger
	metrics   *metrics.Metrics
	audit     *audit.Logger
	sem       *semaphore.Weighted
	opts      Options
}

// NewHandler creates the ingress handler. auditLogger may be nil.
func NewHandler(keys *crypto.KeyManager, engine *crypto.Engine, forwarder Deliverer, logger *logrus.Logger, m *metrics.Metrics, auditLogger *audit.Logger, opts Options) *Handler {
	if opts.RequestDeadline <= 0 {
		opts.RequestDeadline = 60 * time.Second
	}
	if opts.MaxInFlight <= 0 {
		opts.MaxInFlight = 64
	}
	if opts.MaxPayloadBytes <= 0 {
		opts.MaxPayloadBytes = 256 * 1024
	}
	if opts.MaxPayloadDepth <= 0 {
		opts.MaxPayloadDepth = 32
	}
	return &Handler{
		keys:      keys,
		engine:    engine,
		forwarder: forwarder,
		logger:    logger,
		metrics:   m,
		audit:     auditLogger,
		sem:       semaphore.NewWeighted(opts.MaxInFlight),
		opts:      opts,
	}
}

// RegisterRoutes registers all ingress routes.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.HandleFunc("/send", h.handleSend).Methods(http.MethodPost)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/live", metrics.LivenessHandler()).Methods(http.MethodGet)
	r.HandleFunc("/ready", metrics.ReadinessHandler(h.readyCheck)).Methods(http.MethodGet)
}

type sendRequest struct {
	AppKey string          `json:"app_key"`
	Data   json.RawMessage `json:"data"`
}

type sendResponse struct {
	Status         string `json:"status"`
	UpstreamStatus int    `json:"upstream_status"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// handleSend runs the pipeline: validate shape, derive key, seal, deliver.
// Any stage failure short-circuits the rest.
func (h *Handler) handleSend(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := middleware.RequestID(r.Context())

	// Headroom over the payload bound covers the app_key field and framing.
	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxPayloadBytes+4096)

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, start, http.StatusBadRequest, classInvalidRequest)
		return
	}
	if req.AppKey == "" || len(req.Data) == 0 {
		h.writeError(w, r, start, http.StatusBadRequest, classInvalidRequest)
		return
	}
	if err := validatePayload(req.Data, h.opts.MaxPayloadBytes, h.opts.MaxPayloadDepth); err != nil {
		h.writeError(w, r, start, http.StatusBadRequest, classInvalidRequest)
		return
	}

	if !h.acquireSlot(r.Context()) {
		if h.metrics != nil {
			h.metrics.RecordRejectedRequest("admission")
		}
		w.Header().Set("Retry-After", "1")
		h.writeError(w, r, start, http.StatusTooManyRequests, classTooManyRequests)
		return
	}
	defer h.sem.Release(1)

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.RequestDeadline)
	defer cancel()

	key, err := h.keys.DeriveKey(req.AppKey)
	if err != nil {
		h.writeError(w, r, start, http.StatusUnauthorized, classUnknownIdentifier)
		return
	}

	// The identifier rides along as associated data, so an envelope paired
	// with the wrong identifier fails authentication at the upstream.
	nonce, ciphertext, err := h.engine.Seal(key, req.Data, []byte(req.AppKey))
	if err != nil {
		h.logger.WithError(err).WithField("request_id", requestID).Error("Failed to seal payload")
		if h.metrics != nil {
			h.metrics.RecordEncryptionError("seal")
		}
		h.writeError(w, r, start, http.StatusInternalServerError, classEncryptionFailure)
		return
	}

	env := forward.NewEnvelope(req.AppKey, h.keys.KeyVersion(), string(h.engine.Algorithm()), nonce, ciphertext)
	result, err := h.forwarder.Deliver(ctx, env)
	if err != nil {
		status, class := classifyDeliveryError(err)
		attempts := 0
		upstreamStatus := 0
		if result != nil {
			attempts = result.Attempts
			upstreamStatus = result.StatusCode
		}
		h.audit.LogDelivery(requestID, req.AppKey, false, upstreamStatus, attempts, time.Since(start), class)
		h.logger.WithError(err).WithFields(logrus.Fields{
			"request_id": requestID,
			"app_key":    req.AppKey,
			"class":      class,
		}).Warn("Delivery failed")
		h.writeError(w, r, start, status, class)
		return
	}

	h.audit.LogDelivery(requestID, req.AppKey, true, result.StatusCode, result.Attempts, time.Since(start), "")
	h.writeJSON(w, r, start, http.StatusOK, sendResponse{
		Status:         "ok",
		UpstreamStatus: result.StatusCode,
	})
}

// handleHealth reports the forwarding client's passive health snapshot. It
// never performs network activity.
func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.writeJSON(w, r, start, http.StatusOK, h.forwarder.Status())
}

func (h *Handler) readyCheck() error {
	if !h.keys.Ready() {
		return errors.New("no master secret loaded")
	}
	return nil
}

// acquireSlot applies admission control: try for a slot, optionally waiting
// up to QueueWait as bounded backpressure.
func (h *Handler) acquireSlot(ctx context.Context) bool {
	if h.sem.TryAcquire(1) {
		return true
	}
	if h.opts.QueueWait <= 0 {
		return false
	}
	waitCtx, cancel := context.WithTimeout(ctx, h.opts.QueueWait)
	defer cancel()
	return h.sem.Acquire(waitCtx, 1) == nil
}

func classifyDeliveryError(err error) (int, string) {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, classTimeout
	case errors.Is(err, forward.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, classUpstreamUnavailable
	case errors.Is(err, forward.ErrDeliveryRejected):
		return http.StatusBadGateway, classDeliveryRejected
	case errors.Is(err, forward.ErrDeliveryExhausted):
		return http.StatusBadGateway, classDeliveryExhausted
	default:
		return http.StatusInternalServerError, classInternalError
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, r *http.Request, start time.Time, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
	if h.metrics != nil {
		h.metrics.RecordHTTPRequest(r.Method, r.URL.Path, status, time.Since(start))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, start time.Time, status int, class string) {
	h.writeJSON(w, r, start, status, errorResponse{Error: class})
}
