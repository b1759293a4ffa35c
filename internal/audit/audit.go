// Package audit records delivery outcomes as JSON lines. Events carry only
// metadata about a delivery; payload plaintext and ciphertext never enter an
// audit event.
package audit

import (
	"time"
)

// Event is a single delivery audit record.
type Event struct {
	Timestamp      time.Time `json:"timestamp"`
	RequestID      string    `json:"request_id,omitempty"`
	AppKey         string    `json:"app_key"`
	Success        bool      `json:"success"`
	UpstreamStatus int       `json:"upstream_status,omitempty"`
	Attempts       int       `json:"attempts,omitempty"`
	DurationMs     int64     `json:"duration_ms"`
	Error          string    `json:"error,omitempty"`
}

// Writer persists audit events.
type Writer interface {
	WriteEvent(event *Event) error
}

// Logger is the audit entry point handed to the ingress handler. A nil
// *Logger is valid and records nothing, so auditing stays optional.
type Logger struct {
	sink *BatchSink
}

// NewLogger creates a Logger flushing through the given batch sink.
func NewLogger(sink *BatchSink) *Logger {
	return &Logger{sink: sink}
}

// LogDelivery records the outcome of one delivery pipeline run.
func (l *Logger) LogDelivery(requestID, appKey string, success bool, upstreamStatus, attempts int, duration time.Duration, errClass string) {
	if l == nil {
		return
	}
	l.sink.WriteEvent(&Event{
		Timestamp:      time.Now().UTC(),
		RequestID:      requestID,
		AppKey:         appKey,
		Success:        success,
		UpstreamStatus: upstreamStatus,
		Attempts:       attempts,
		DurationMs:     duration.Milliseconds(),
		Error:          errClass,
	})
}

// Close flushes buffered events and closes the sink.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	return l.sink.Close()
}
