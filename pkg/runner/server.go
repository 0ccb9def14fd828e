package runner

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	rtdebug "runtime/debug"
	"sync"

	"github.com/rhuss/kapsel/pkg/api"
	"github.com/rhuss/kapsel/pkg/debug"
	"github.com/rhuss/kapsel/pkg/ipc"
)

// envDir names the sandbox root in the worker environment.
const envDir = "SANDBOX_DIR"

var (
	errFinished = errors.New("runner: execution already finished")
	errPanic    = errors.New("runner: runtime panicked")
	errReserved = errors.New("runner: event type is reserved")
)

// Server serves the sandbox protocol for a single Runtime. It handles one
// execute request at a time.
type Server struct {
	runtime  Runtime
	name     string
	root     string
	maxFrame int
	logger   *slog.Logger

	writer *ipc.Writer

	mu  sync.Mutex
	job *job
	wg  sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithRuntimeName sets the name announced in the ready notification.
func WithRuntimeName(name string) Option {
	return func(s *Server) { s.name = name }
}

// WithRoot sets the sandbox root passed to the runtime. It defaults to
// $SANDBOX_DIR, then the working directory.
func WithRoot(root string) Option {
	return func(s *Server) { s.root = root }
}

// WithMaxFrameBytes limits the size of incoming frames.
func WithMaxFrameBytes(n int) Option {
	return func(s *Server) { s.maxFrame = n }
}

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer returns a server for rt.
func NewServer(rt Runtime, opts ...Option) *Server {
	s := &Server{
		runtime:  rt,
		name:     "custom",
		maxFrame: ipc.DefaultMaxFrameSize,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.root == "" {
		s.root = os.Getenv(envDir)
	}
	if s.root == "" {
		s.root, _ = os.Getwd()
	}
	return s
}

type job struct {
	id        string
	cancel    context.CancelFunc
	mu        sync.Mutex
	cancelled bool
	finished  bool
}

// Serve announces readiness on w and then handles requests read from r
// until a shutdown request, end of input, or ctx is done. A running
// execution is cancelled and awaited before Serve returns.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.writer = ipc.NewWriter(w)

	ready, err := ipc.NewReady(ipc.ReadyParams{
		PID:      os.Getpid(),
		Runtime:  s.name,
		Protocol: ipc.ProtocolVersion,
	})
	if err != nil {
		return err
	}
	if err := s.writer.WriteMessage(ready); err != nil {
		return fmt.Errorf("runner: write ready: %w", err)
	}
	s.logger.Debug("worker ready", "runtime", s.name, "root", s.root)

	msgs := make(chan ipc.Message)
	readErr := make(chan error, 1)
	stop := make(chan struct{})
	defer close(stop)

	reader := ipc.NewReader(r, s.maxFrame)
	go func() {
		for {
			msg, err := reader.ReadMessage()
			if err != nil {
				if errors.Is(err, ipc.ErrDecode) {
					s.logger.Warn("skipping malformed request", "error", err)
					continue
				}
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-stop:
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			s.stopJob()
			return ctx.Err()

		case err := <-readErr:
			s.stopJob()
			if errors.Is(err, io.EOF) {
				s.logger.Debug("input closed, exiting")
				return nil
			}
			return fmt.Errorf("runner: read request: %w", err)

		case msg := <-msgs:
			if s.handle(ctx, msg) {
				return nil
			}
		}
	}
}

// handle dispatches one frame. It reports whether the server should stop.
func (s *Server) handle(ctx context.Context, msg ipc.Message) bool {
	if msg.Kind() != ipc.KindRequest {
		debug.Log("runner", "ignoring frame", "kind", msg.Kind().String(), "method", msg.Method)
		return false
	}

	switch msg.Method {
	case ipc.MethodExecute:
		s.startJob(ctx, msg)
	case ipc.MethodCancel:
		s.cancelJob(msg.ID)
	case ipc.MethodShutdown:
		s.logger.Debug("shutdown requested")
		s.stopJob()
		resp, _ := ipc.NewResult(msg.ID, nil)
		s.write(resp)
		return true
	default:
		s.write(ipc.NewErrorResponse(msg.ID, ipc.CodeMethodNotFound, "unknown method "+msg.Method))
	}
	return false
}

func (s *Server) startJob(ctx context.Context, msg ipc.Message) {
	var p ipc.ExecuteParams
	if err := msg.DecodeParams(&p); err != nil {
		s.write(ipc.NewErrorResponse(msg.ID, ipc.CodeInvalidParams, err.Error()))
		return
	}

	s.mu.Lock()
	if s.job != nil {
		s.mu.Unlock()
		s.write(ipc.NewErrorResponse(msg.ID, ipc.CodeBusy, "an execution is already running"))
		return
	}
	jctx, cancel := context.WithCancel(ctx)
	j := &job{id: msg.ID, cancel: cancel}
	s.job = j
	s.wg.Add(1)
	s.mu.Unlock()

	in := Input{
		ID:          msg.ID,
		UserID:      p.UserID,
		SessionID:   p.SessionID,
		Message:     p.Message,
		Attachments: p.Attachments,
		Root:        s.root,
	}
	go s.run(jctx, j, in)
}

func (s *Server) run(ctx context.Context, j *job, in Input) {
	defer s.wg.Done()
	defer j.cancel()

	debug.Log("runner", "execute", "id", j.id, "session_id", in.SessionID)

	emit := func(eventType string, data any) error {
		if api.EventType(eventType).Reserved() {
			return fmt.Errorf("%w: %q", errReserved, eventType)
		}
		ev, err := ipc.NewEvent(eventType, data)
		if err != nil {
			return err
		}
		j.mu.Lock()
		defer j.mu.Unlock()
		if j.finished {
			return errFinished
		}
		return s.writer.WriteMessage(ev)
	}

	result, err := s.invoke(ctx, in, emit)

	j.mu.Lock()
	j.finished = true
	cancelled := j.cancelled
	j.mu.Unlock()

	resp := response(j.id, result, err, cancelled)
	if resp.Error != nil && resp.Error.Code != ipc.CodeCancelled {
		s.logger.Warn("execution failed", "id", j.id, "code", resp.Error.Code, "error", resp.Error.Message)
	}

	s.mu.Lock()
	if s.job == j {
		s.job = nil
	}
	s.mu.Unlock()

	s.write(resp)
}

func (s *Server) invoke(ctx context.Context, in Input, emit EmitFunc) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("runtime panic", "panic", fmt.Sprint(r), "stack", string(rtdebug.Stack()))
			result, err = nil, fmt.Errorf("%w: %v", errPanic, r)
		}
	}()
	return s.runtime.Handle(ctx, in, emit)
}

// response builds the terminal frame of an execution.
func response(id string, result any, err error, cancelled bool) ipc.Message {
	switch {
	case err != nil && cancelled:
		return ipc.NewErrorResponse(id, ipc.CodeCancelled, "execution cancelled")
	case errors.Is(err, errPanic):
		return ipc.NewErrorResponse(id, ipc.CodeInternal, err.Error())
	case err != nil:
		return ipc.NewErrorResponse(id, ipc.CodeRuntimeError, err.Error())
	}
	msg, encErr := ipc.NewResult(id, result)
	if encErr != nil {
		return ipc.NewErrorResponse(id, ipc.CodeInternal, encErr.Error())
	}
	return msg
}

// cancelJob cancels the running execution if its id matches.
func (s *Server) cancelJob(id string) {
	s.mu.Lock()
	j := s.job
	s.mu.Unlock()

	if j == nil || j.id != id {
		debug.Log("runner", "cancel for unknown execution", "id", id)
		return
	}
	j.mu.Lock()
	j.cancelled = true
	j.mu.Unlock()
	j.cancel()
	s.logger.Debug("execution cancel requested", "id", id)
}

// stopJob cancels any running execution and waits for it to finish.
func (s *Server) stopJob() {
	s.mu.Lock()
	j := s.job
	s.mu.Unlock()
	if j != nil {
		j.mu.Lock()
		j.cancelled = true
		j.mu.Unlock()
		j.cancel()
	}
	s.wg.Wait()
}

func (s *Server) write(msg ipc.Message) {
	if err := s.writer.WriteMessage(msg); err != nil {
		s.logger.Error("writing frame failed", "error", err)
	}
}
