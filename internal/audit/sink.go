package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// FileSink writes audit events as JSON lines to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) the audit file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit file: %w", err)
	}
	return &FileSink{file: f, enc: json.NewEncoder(f)}, nil
}

// WriteEvent appends one event as a JSON line.
func (s *FileSink) WriteEvent(event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(event)
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// BatchSink buffers events and flushes them to the wrapped writer when the
// buffer fills, on a timer, and on Close. Writing never blocks the delivery
// pipeline on sink I/O.
type BatchSink struct {
	wrapped       Writer
	buffer        []*Event
	bufferSize    int
	flushInterval time.Duration
	mu            sync.Mutex
	closeChan     chan struct{}
	closeOnce     sync.Once
	wg            sync.WaitGroup
}

// NewBatchSink creates a batched sink around wrapped.
func NewBatchSink(wrapped Writer, size int, interval time.Duration) *BatchSink {
	if size <= 0 {
		size = 100
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}

	s := &BatchSink{
		wrapped:       wrapped,
		buffer:        make([]*Event, 0, size),
		bufferSize:    size,
		flushInterval: interval,
		closeChan:     make(chan struct{}),
	}

	s.wg.Add(1)
	go s.run()

	return s
}

// WriteEvent adds an event to the batch, flushing asynchronously when full.
// The flush goroutine joins the WaitGroup so Close never closes the wrapped
// writer underneath an in-flight flush.
func (s *BatchSink) WriteEvent(event *Event) {
	s.mu.Lock()
	s.buffer = append(s.buffer, event)
	var events []*Event
	if len(s.buffer) >= s.bufferSize {
		events = s.drainLocked()
		if len(events) > 0 {
			s.wg.Add(1)
		}
	}
	s.mu.Unlock()

	if len(events) > 0 {
		go func() {
			defer s.wg.Done()
			s.write(events)
		}()
	}
}

// Close stops the flush loop and drains remaining events.
func (s *BatchSink) Close() error {
	s.closeOnce.Do(func() {
		close(s.closeChan)
	})
	s.wg.Wait()
	if closer, ok := s.wrapped.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

func (s *BatchSink) run() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.flush()
		case <-s.closeChan:
			s.flush()
			return
		}
	}
}

func (s *BatchSink) flush() {
	s.mu.Lock()
	events := s.drainLocked()
	s.mu.Unlock()
	if len(events) > 0 {
		s.write(events)
	}
}

// drainLocked returns the buffered events and resets the buffer. Caller must
// hold the lock.
func (s *BatchSink) drainLocked() []*Event {
	if len(s.buffer) == 0 {
		return nil
	}
	events := make([]*Event, len(s.buffer))
	copy(events, s.buffer)
	s.buffer = s.buffer[:0]
	return events
}

func (s *BatchSink) write(events []*Event) {
	for _, e := range events {
		// A sink error drops the event; the delivery itself already succeeded
		// or failed independently of its audit record.
		_ = s.wrapped.WriteEvent(e)
	}
}
