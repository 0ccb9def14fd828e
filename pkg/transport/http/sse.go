package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/rhuss/kapsel/pkg/api"
	"github.com/rhuss/kapsel/pkg/transport"
)

// writerState tracks the state of an SSE EventWriter.
type writerState int

const (
	writerIdle      writerState = iota // Initial state, no writes yet
	writerStreaming                    // WriteEvent has been called at least once
	writerCompleted                    // Terminal event sent
)

// errWriterCompleted is returned for writes after the terminal event.
var errWriterCompleted = errors.New("cannot write event: writer is completed")

// sseEventWriter implements transport.EventWriter for HTTP/SSE responses.
type sseEventWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu    sync.Mutex
	state writerState
}

var _ transport.EventWriter = (*sseEventWriter)(nil)

// newSSEEventWriter creates a new EventWriter wrapping an http.ResponseWriter.
func newSSEEventWriter(w http.ResponseWriter) *sseEventWriter {
	return &sseEventWriter{
		w:  w,
		rc: http.NewResponseController(w),
	}
}

// WriteEvent sends a single SSE event. The event is formatted as:
//
//	event: {type}\n
//	data: {json}\n
//	\n
//
// After a terminal event, it also sends:
//
//	data: [DONE]\n
//	\n
func (s *sseEventWriter) WriteEvent(ctx context.Context, event api.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == writerCompleted {
		return errWriterCompleted
	}

	// First event: set SSE headers.
	if s.state == writerIdle {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.state = writerStreaming
	}

	data := event.Data
	if len(data) == 0 {
		data = []byte("null")
	}

	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// Flush immediately.
	if err := s.rc.Flush(); err != nil {
		return fmt.Errorf("failed to flush: %w", err)
	}

	// If this was a terminal event, send [DONE] and mark completed.
	if event.IsTerminal() {
		s.state = writerCompleted
		if _, err := fmt.Fprint(s.w, "data: [DONE]\n\n"); err != nil {
			return fmt.Errorf("failed to write [DONE]: %w", err)
		}
		if err := s.rc.Flush(); err != nil {
			return fmt.Errorf("failed to flush [DONE]: %w", err)
		}
	}

	return nil
}

// Flush ensures buffered data is sent to the client.
func (s *sseEventWriter) Flush() error {
	return s.rc.Flush()
}

// completed reports whether the terminal event has been written.
func (s *sseEventWriter) completed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == writerCompleted
}
