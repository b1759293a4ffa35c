package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all application metrics.
type Metrics struct {
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	deliveriesTotal       *prometheus.CounterVec
	deliveryAttemptsTotal prometheus.Counter
	deliveryDuration      prometheus.Histogram
	deliveriesInFlight    prometheus.Gauge

	breakerTransitionsTotal *prometheus.CounterVec
	encryptionErrorsTotal   *prometheus.CounterVec
	rejectedRequestsTotal   *prometheus.CounterVec
}

// New creates a metrics instance registered against reg. Pass
// prometheus.DefaultRegisterer in production; tests use a private registry so
// repeated construction does not collide.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_http_requests_total",
				Help: "Total number of ingress HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agent_http_request_duration_seconds",
				Help:    "Ingress HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		deliveriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_deliveries_total",
				Help: "Total number of upstream deliveries by outcome",
			},
			[]string{"outcome"},
		),
		deliveryAttemptsTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_delivery_attempts_total",
				Help: "Total number of individual upstream delivery attempts",
			},
		),
		deliveryDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_delivery_duration_seconds",
				Help:    "End-to-end upstream delivery duration including retries",
				Buckets: prometheus.DefBuckets,
			},
		),
		deliveriesInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agent_deliveries_in_flight",
				Help: "Number of deliveries currently in flight",
			},
		),
		breakerTransitionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_breaker_transitions_total",
				Help: "Circuit breaker state transitions",
			},
			[]string{"state"},
		),
		encryptionErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_encryption_errors_total",
				Help: "Total number of encryption pipeline errors",
			},
			[]string{"operation"},
		),
		rejectedRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_rejected_requests_total",
				Help: "Requests rejected before the pipeline ran",
			},
			[]string{"reason"},
		),
	}
}

// RecordHTTPRequest records an ingress HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	code := strconv.Itoa(status)
	m.httpRequestsTotal.WithLabelValues(method, path, code).Inc()
	m.httpRequestDuration.WithLabelValues(method, path, code).Observe(duration.Seconds())
}

// RecordDelivery records a completed delivery with its terminal outcome
// (ok, rejected, exhausted, unavailable, timeout).
func (m *Metrics) RecordDelivery(outcome string, duration time.Duration) {
	m.deliveriesTotal.WithLabelValues(outcome).Inc()
	m.deliveryDuration.Observe(duration.Seconds())
}

// RecordDeliveryAttempt records a single upstream attempt.
func (m *Metrics) RecordDeliveryAttempt() {
	m.deliveryAttemptsTotal.Inc()
}

// DeliveryStarted marks a delivery entering flight.
func (m *Metrics) DeliveryStarted() {
	m.deliveriesInFlight.Inc()
}

// DeliveryFinished marks a delivery leaving flight.
func (m *Metrics) DeliveryFinished() {
	m.deliveriesInFlight.Dec()
}

// RecordBreakerTransition records a circuit breaker state change.
func (m *Metrics) RecordBreakerTransition(state string) {
	m.breakerTransitionsTotal.WithLabelValues(state).Inc()
}

// RecordEncryptionError records a failure in the key derivation or sealing
// stages.
func (m *Metrics) RecordEncryptionError(operation string) {
	m.encryptionErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordRejectedRequest records a request refused before the pipeline ran
// (admission control, rate limiting).
func (m *Metrics) RecordRejectedRequest(reason string) {
	m.rejectedRequestsTotal.WithLabelValues(reason).Inc()
}

// Handler returns the HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}
