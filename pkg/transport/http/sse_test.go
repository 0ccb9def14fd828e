package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rhuss/kapsel/pkg/api"
)

func TestWriteEventFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEEventWriter(rec)

	if err := rw.WriteEvent(context.Background(), api.Event{Type: "text_delta", Data: []byte(`{"delta":"Hello"}`)}); err != nil {
		t.Fatalf("WriteEvent error: %v", err)
	}

	want := "event: text_delta\ndata: {\"delta\":\"Hello\"}\n\n"
	if got := rec.Body.String(); got != want {
		t.Errorf("body = %q, want %q", got, want)
	}
	if rw.completed() {
		t.Error("writer completed after a non-terminal event")
	}
}

func TestWriteEventEmptyData(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEEventWriter(rec)

	rw.WriteEvent(context.Background(), api.Event{Type: "tick"})

	if got := rec.Body.String(); got != "event: tick\ndata: null\n\n" {
		t.Errorf("body = %q", got)
	}
}

func TestWriteEventSSEHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEEventWriter(rec)

	rw.WriteEvent(context.Background(), api.Event{Type: "started"})

	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q, want %q", ct, "text/event-stream")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache" {
		t.Errorf("Cache-Control = %q, want %q", cc, "no-cache")
	}
	if conn := rec.Header().Get("Connection"); conn != "keep-alive" {
		t.Errorf("Connection = %q, want %q", conn, "keep-alive")
	}
	if !rec.Flushed {
		t.Error("event was not flushed")
	}
}

func TestWriteEventTerminalSendsDone(t *testing.T) {
	tests := []struct {
		name  string
		event api.Event
	}{
		{"completed", api.NewCompletedEvent([]byte(`"ok"`))},
		{"error", api.NewErrorEvent(false)},
		{"retryable error", api.NewErrorEvent(true)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			rw := newSSEEventWriter(rec)

			if err := rw.WriteEvent(context.Background(), tt.event); err != nil {
				t.Fatalf("WriteEvent error: %v", err)
			}

			body := rec.Body.String()
			if !strings.HasSuffix(body, "data: [DONE]\n\n") {
				t.Errorf("missing [DONE] sentinel in:\n%s", body)
			}
			if !rw.completed() {
				t.Error("writer not completed after terminal event")
			}
		})
	}
}

func TestWriteEventAfterTerminalReturnsError(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := newSSEEventWriter(rec)

	rw.WriteEvent(context.Background(), api.NewCompletedEvent(nil))

	err := rw.WriteEvent(context.Background(), api.Event{Type: "text_delta"})
	if err != errWriterCompleted {
		t.Errorf("err = %v, want errWriterCompleted", err)
	}
	if strings.Contains(rec.Body.String(), "text_delta") {
		t.Error("event written after terminal event")
	}
}
