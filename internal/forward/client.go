// Package forward delivers encrypted envelopes to the remote ingestion API.
// Transient failures (network errors, timeouts, 5xx) are retried with
// exponential backoff and jitter inside a bounded attempt and elapsed-time
// budget; 4xx responses are terminal. A circuit breaker sheds load during an
// upstream outage, and every outcome feeds the passive health snapshot.
package forward

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/kenneth/nexus-agent/internal/metrics"
)

var (
	// ErrDeliveryRejected is returned when the upstream answers with a 4xx.
	// The request will never succeed as submitted, so it is not retried.
	ErrDeliveryRejected = errors.New("delivery rejected by upstream")

	// ErrDeliveryExhausted is returned after the retry budget is spent on
	// transient failures.
	ErrDeliveryExhausted = errors.New("delivery retries exhausted")
)

// Envelope is the wire unit sent to the upstream ingestion API. It carries no
// plaintext: only the identifier reference, nonce and ciphertext (tag
// appended), plus the key version and algorithm the upstream needs to open it.
type Envelope struct {
	AppKey  string          `json:"app_key"`
	Payload EnvelopePayload `json:"envelope"`
}

// EnvelopePayload is the encrypted portion of an Envelope.
type EnvelopePayload struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
	Algorithm  string `json:"algorithm,omitempty"`
	KeyVersion int    `json:"key_version,omitempty"`
}

// NewEnvelope builds an Envelope from raw seal output.
func NewEnvelope(appKey string, keyVersion int, algorithm string, nonce, ciphertext []byte) *Envelope {
	return &Envelope{
		AppKey: appKey,
		Payload: EnvelopePayload{
			Nonce:      base64.StdEncoding.EncodeToString(nonce),
			Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
			Algorithm:  algorithm,
			KeyVersion: keyVersion,
		},
	}
}

// DeliveryResult reports the upstream's answer for a completed delivery.
type DeliveryResult struct {
	StatusCode int
	Body       []byte
	Attempts   int
}

// Options configures a Client.
type Options struct {
	ServerURL  string
	AgentToken string
	// Timeout bounds each individual attempt.
	Timeout time.Duration

	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration

	FailureThreshold int
	Cooldown         time.Duration
}

// Client forwards envelopes to the upstream with retry, circuit breaking and
// health tracking. It is safe for concurrent use; the breaker and health
// snapshot are the only shared mutable state.
type Client struct {
	httpClient *http.Client
	opts       Options
	breaker    *Breaker
	health     *health
	logger     *logrus.Logger
	metrics    *metrics.Metrics
}

// NewClient creates a forwarding client.
func NewClient(opts Options, logger *logrus.Logger, m *metrics.Metrics) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.InitialInterval <= 0 {
		opts.InitialInterval = 500 * time.Millisecond
	}
	if opts.MaxInterval <= 0 {
		opts.MaxInterval = 5 * time.Second
	}
	if opts.MaxElapsed <= 0 {
		opts.MaxElapsed = 30 * time.Second
	}

	var onTransition func(string)
	if m != nil {
		onTransition = m.RecordBreakerTransition
	}

	return &Client{
		httpClient: &http.Client{},
		opts:       opts,
		breaker:    NewBreaker(opts.FailureThreshold, opts.Cooldown, onTransition),
		health:     &health{},
		logger:     logger,
		metrics:    m,
	}
}

// Status returns the current passive health snapshot.
func (c *Client) Status() Status {
	return c.health.snapshot(c.breaker.Open())
}

// Deliver sends the envelope upstream. On success the result carries the
// upstream status. Failure classes: ErrUpstreamUnavailable (breaker open,
// no I/O performed), ErrDeliveryRejected (4xx, result still populated),
// ErrDeliveryExhausted (retry budget spent), or the context error when the
// caller's deadline expired first.
func (c *Client) Deliver(ctx context.Context, env *Envelope) (*DeliveryResult, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}

	if c.metrics != nil {
		c.metrics.DeliveryStarted()
		defer c.metrics.DeliveryFinished()
	}

	start := time.Now()
	attempts := 0
	var result *DeliveryResult

	op := func() error {
		if err := c.breaker.Allow(); err != nil {
			return backoff.Permanent(err)
		}

		attempts++
		if c.metrics != nil {
			c.metrics.RecordDeliveryAttempt()
		}

		res, err := c.attempt(ctx, env.AppKey, body)
		if err != nil {
			c.breaker.RecordFailure()
			c.health.recordFailure(err.Error())
			return err
		}
		res.Attempts = attempts

		switch {
		case res.StatusCode >= 200 && res.StatusCode < 300:
			c.breaker.RecordSuccess()
			c.health.recordSuccess(time.Now())
			result = res
			return nil
		case res.StatusCode >= 500:
			c.breaker.RecordFailure()
			c.health.recordFailure(fmt.Sprintf("upstream status %d", res.StatusCode))
			return fmt.Errorf("upstream status %d", res.StatusCode)
		default:
			// 4xx proves the upstream is reachable; it resets the transient
			// failure streak but still counts as a failed delivery.
			c.breaker.RecordSuccess()
			c.health.recordFailure(fmt.Sprintf("upstream status %d", res.StatusCode))
			result = res
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrDeliveryRejected, res.StatusCode))
		}
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(c.newBackOff(), uint64(c.opts.MaxAttempts-1)), ctx)

	retryErr := backoff.RetryNotify(op, policy, func(err error, wait time.Duration) {
		if c.logger != nil {
			c.logger.WithError(err).WithFields(logrus.Fields{
				"app_key": env.AppKey,
				"attempt": attempts,
				"wait_ms": wait.Milliseconds(),
			}).Warn("Transient delivery failure, retrying")
		}
	})

	elapsed := time.Since(start)
	switch {
	case retryErr == nil:
		c.recordOutcome("ok", elapsed)
		return result, nil
	case ctx.Err() != nil:
		c.recordOutcome("timeout", elapsed)
		return nil, ctx.Err()
	case errors.Is(retryErr, ErrUpstreamUnavailable):
		c.recordOutcome("unavailable", elapsed)
		return nil, retryErr
	case errors.Is(retryErr, ErrDeliveryRejected):
		c.recordOutcome("rejected", elapsed)
		return result, retryErr
	default:
		c.recordOutcome("exhausted", elapsed)
		return nil, fmt.Errorf("%w after %d attempts: %v", ErrDeliveryExhausted, attempts, retryErr)
	}
}

func (c *Client) attempt(ctx context.Context, appKey string, body []byte) (*DeliveryResult, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	url := strings.TrimSuffix(c.opts.ServerURL, "/") + "/ingress"
	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", appKey)
	if c.opts.AgentToken != "" {
		req.Header.Set("X-Agent-Token", c.opts.AgentToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("upstream request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read upstream response: %w", err)
	}

	return &DeliveryResult{StatusCode: resp.StatusCode, Body: respBody}, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialInterval
	b.MaxInterval = c.opts.MaxInterval
	b.MaxElapsedTime = c.opts.MaxElapsed
	b.RandomizationFactor = 0.5
	return b
}

func (c *Client) recordOutcome(outcome string, elapsed time.Duration) {
	if c.metrics != nil {
		c.metrics.RecordDelivery(outcome, elapsed)
	}
}
