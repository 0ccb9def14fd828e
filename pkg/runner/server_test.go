package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/rhuss/kapsel/pkg/ipc"
)

// harness runs a Server over in-memory pipes.
type harness struct {
	t      *testing.T
	inW    *io.PipeWriter
	writer *ipc.Writer
	frames chan ipc.Message
	done   chan error
}

func startServer(t *testing.T, rt Runtime) *harness {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	srv := NewServer(rt, WithRuntimeName("test"), WithRoot(t.TempDir()))
	h := &harness{
		t:      t,
		inW:    inW,
		writer: ipc.NewWriter(inW),
		frames: make(chan ipc.Message, 64),
		done:   make(chan error, 1),
	}

	go func() {
		h.done <- srv.Serve(context.Background(), inR, outW)
		outW.Close()
	}()
	go func() {
		defer close(h.frames)
		reader := ipc.NewReader(outR, 0)
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				return
			}
			h.frames <- msg
		}
	}()

	t.Cleanup(func() {
		inW.Close()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("server did not exit after input closed")
		}
	})

	ready := h.next()
	if ready.Method != ipc.MethodReady {
		t.Fatalf("first frame = %+v, want ready", ready)
	}
	return h
}

func (h *harness) send(msg ipc.Message) {
	h.t.Helper()
	if err := h.writer.WriteMessage(msg); err != nil {
		h.t.Fatalf("write: %v", err)
	}
}

func (h *harness) execute(id, message string) {
	h.t.Helper()
	msg, err := ipc.NewRequest(id, ipc.MethodExecute, ipc.ExecuteParams{UserID: "alice", Message: message})
	if err != nil {
		h.t.Fatal(err)
	}
	h.send(msg)
}

func (h *harness) next() ipc.Message {
	h.t.Helper()
	select {
	case msg, ok := <-h.frames:
		if !ok {
			h.t.Fatal("output closed")
		}
		return msg
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for a frame")
	}
	return ipc.Message{}
}

func echoRuntime() Runtime {
	return RuntimeFunc(func(_ context.Context, in Input, emit EmitFunc) (any, error) {
		if err := emit("echo", in.Message); err != nil {
			return nil, err
		}
		return in.Message, nil
	})
}

// blockingRuntime signals started and blocks until ctx is done or release
// is closed.
func blockingRuntime(started chan<- string, release <-chan struct{}) Runtime {
	return RuntimeFunc(func(ctx context.Context, in Input, _ EmitFunc) (any, error) {
		started <- in.ID
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-release:
			return "released", nil
		}
	})
}

func TestServe_ReadyNotification(t *testing.T) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	defer inW.Close()

	srv := NewServer(echoRuntime(), WithRuntimeName("echo"))
	go srv.Serve(context.Background(), inR, outW)

	msg, err := ipc.NewReader(outR, 0).ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Kind() != ipc.KindNotification || msg.Method != ipc.MethodReady {
		t.Fatalf("frame = %+v, want ready notification", msg)
	}
	var p ipc.ReadyParams
	if err := msg.DecodeParams(&p); err != nil {
		t.Fatal(err)
	}
	if p.Runtime != "echo" || p.Protocol != ipc.ProtocolVersion || p.PID == 0 {
		t.Errorf("ready params = %+v", p)
	}
}

func TestServe_ExecuteEcho(t *testing.T) {
	h := startServer(t, echoRuntime())
	h.execute("req-1", "ping")

	ev := h.next()
	if ev.Kind() != ipc.KindEvent {
		t.Fatalf("frame = %+v, want event", ev)
	}
	var p ipc.EventParams
	ev.DecodeParams(&p)
	if p.Type != "echo" || string(p.Data) != `"ping"` {
		t.Errorf("event = %+v", p)
	}

	resp := h.next()
	if resp.ID != "req-1" || resp.Error != nil || string(resp.Result) != `"ping"` {
		t.Errorf("response = %+v", resp)
	}
}

func TestServe_RuntimeErrorAndPanic(t *testing.T) {
	tests := []struct {
		name     string
		runtime  RuntimeFunc
		wantCode string
	}{
		{
			name: "error",
			runtime: func(context.Context, Input, EmitFunc) (any, error) {
				return nil, errors.New("model unavailable")
			},
			wantCode: ipc.CodeRuntimeError,
		},
		{
			name: "panic",
			runtime: func(context.Context, Input, EmitFunc) (any, error) {
				panic("boom")
			},
			wantCode: ipc.CodeInternal,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := startServer(t, tt.runtime)
			h.execute("req-1", "x")

			resp := h.next()
			if resp.ID != "req-1" || resp.Error == nil || resp.Error.Code != tt.wantCode {
				t.Fatalf("response = %+v, want error %s", resp, tt.wantCode)
			}

			// The server stays usable.
			h.execute("req-2", "x")
			if resp := h.next(); resp.ID != "req-2" {
				t.Errorf("second response id = %q", resp.ID)
			}
		})
	}
}

func TestServe_BusyWhileRunning(t *testing.T) {
	started := make(chan string, 1)
	release := make(chan struct{})
	h := startServer(t, blockingRuntime(started, release))

	h.execute("req-1", "x")
	<-started
	h.execute("req-2", "x")

	resp := h.next()
	if resp.ID != "req-2" || resp.Error == nil || resp.Error.Code != ipc.CodeBusy {
		t.Fatalf("response = %+v, want busy for req-2", resp)
	}

	close(release)
	resp = h.next()
	if resp.ID != "req-1" || string(resp.Result) != `"released"` {
		t.Errorf("response = %+v", resp)
	}
}

func TestServe_CancelIsAcknowledged(t *testing.T) {
	started := make(chan string, 1)
	h := startServer(t, blockingRuntime(started, nil))

	h.execute("req-1", "x")
	<-started

	// A cancel for another id is ignored.
	other, _ := ipc.NewRequest("req-other", ipc.MethodCancel, nil)
	h.send(other)
	cancel, _ := ipc.NewRequest("req-1", ipc.MethodCancel, nil)
	h.send(cancel)

	resp := h.next()
	if resp.ID != "req-1" || resp.Error == nil || resp.Error.Code != ipc.CodeCancelled {
		t.Fatalf("response = %+v, want cancelled", resp)
	}
}

func TestServe_UnknownMethod(t *testing.T) {
	h := startServer(t, echoRuntime())
	h.send(ipc.Message{ID: "req-1", Method: "reboot"})

	resp := h.next()
	if resp.ID != "req-1" || resp.Error == nil || resp.Error.Code != ipc.CodeMethodNotFound {
		t.Errorf("response = %+v", resp)
	}
}

func TestServe_InvalidParams(t *testing.T) {
	h := startServer(t, echoRuntime())
	h.send(ipc.Message{ID: "req-1", Method: ipc.MethodExecute, Params: json.RawMessage(`[1,2]`)})

	resp := h.next()
	if resp.Error == nil || resp.Error.Code != ipc.CodeInvalidParams {
		t.Errorf("response = %+v", resp)
	}
}

func TestServe_MalformedInputIsSkipped(t *testing.T) {
	h := startServer(t, echoRuntime())
	if _, err := h.inW.Write([]byte("this is not json\n")); err != nil {
		t.Fatal(err)
	}
	h.execute("req-1", "still here")

	h.next() // event
	resp := h.next()
	if resp.ID != "req-1" || string(resp.Result) != `"still here"` {
		t.Errorf("response = %+v", resp)
	}
}

func TestServe_Shutdown(t *testing.T) {
	started := make(chan string, 1)
	h := startServer(t, blockingRuntime(started, nil))

	h.execute("req-1", "x")
	<-started

	shutdown, _ := ipc.NewRequest("shutdown-1", ipc.MethodShutdown, nil)
	h.send(shutdown)

	// The running execution is cancelled before the shutdown is answered.
	first := h.next()
	if first.ID != "req-1" || first.Error == nil || first.Error.Code != ipc.CodeCancelled {
		t.Errorf("first = %+v, want cancelled req-1", first)
	}
	second := h.next()
	if second.ID != "shutdown-1" || second.Error != nil {
		t.Errorf("second = %+v, want shutdown ack", second)
	}

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
}

func TestServe_EOFStopsServer(t *testing.T) {
	h := startServer(t, echoRuntime())
	h.inW.Close()

	select {
	case err := <-h.done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
		h.done <- err
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return on EOF")
	}
}

func TestServe_EmitAfterFinishFails(t *testing.T) {
	emitted := make(chan EmitFunc, 1)
	h := startServer(t, RuntimeFunc(func(_ context.Context, _ Input, emit EmitFunc) (any, error) {
		emitted <- emit
		return "done", nil
	}))
	h.execute("req-1", "x")
	h.next()

	emit := <-emitted
	if err := emit("late", nil); !errors.Is(err, errFinished) {
		t.Errorf("late emit error = %v, want errFinished", err)
	}
}

func TestServe_ReservedEventTypes(t *testing.T) {
	errs := make(chan error, 2)
	h := startServer(t, RuntimeFunc(func(_ context.Context, in Input, emit EmitFunc) (any, error) {
		errs <- emit("completed", "forged")
		errs <- emit("error", map[string]string{"detail": "open /srv/secrets/db.yaml: permission denied"})
		return in.Message, nil
	}))
	h.execute("req-1", "ping")

	resp := h.next()
	if resp.Kind() != ipc.KindResponse || resp.ID != "req-1" || string(resp.Result) != `"ping"` {
		t.Fatalf("first frame = %+v, want the response", resp)
	}
	for i := 0; i < 2; i++ {
		if err := <-errs; !errors.Is(err, errReserved) {
			t.Errorf("emit error = %v, want errReserved", err)
		}
	}
}
