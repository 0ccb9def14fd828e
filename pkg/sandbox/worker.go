package sandbox

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/kapsel/pkg/api"
	"github.com/rhuss/kapsel/pkg/debug"
	"github.com/rhuss/kapsel/pkg/ipc"
	"github.com/rhuss/kapsel/pkg/observability"
)

// drainTimeout bounds how long the exit watcher waits for buffered stdout
// and stderr after the worker process has exited. Grandchildren that
// inherited the pipes could otherwise keep them open forever.
const drainTimeout = 500 * time.Millisecond

// frameBuffer is the capacity of a request's frame channel.
const frameBuffer = 16

// Exit reasons recorded in kapsel_worker_exits_total.
const (
	exitCrashed  = "crashed"
	exitShutdown = "shutdown"
	exitIdle     = "idle"
	exitKilled   = "killed"
	exitTimeout  = "timeout"
	exitEvicted  = "evicted"
)

// Frame is one item of a request's result stream. Exactly one of Event,
// Response, and Err is set. Every frame except an Event is terminal.
type Frame struct {
	Event    *ipc.EventParams
	Response *ipc.Message
	// Err is a *CrashedError or *TimeoutError.
	Err error
}

func (f Frame) terminal() bool {
	return f.Event == nil
}

// WorkerOptions configure a Worker beyond its per-user Config.
type WorkerOptions struct {
	Command         []string
	StartTimeout    time.Duration
	RequestTimeout  time.Duration
	ShutdownGrace   time.Duration
	MaxFrameBytes   int
	StderrTailBytes int
	Logger          *slog.Logger

	// OnExit is called once from the exit watcher after the process has
	// been reaped and any in-flight request has received its terminal frame.
	OnExit func(*Worker)
}

// Worker owns one child process and the pipes to it. At most one request
// is in flight at a time.
type Worker struct {
	id        string
	cfg       Config
	opts      WorkerOptions
	logger    *slog.Logger
	createdAt time.Time

	state atomic.Int32
	pid   atomic.Int64

	// lastUsedAt is guarded by the owning pool's mutex.
	lastUsedAt time.Time

	cmd    *exec.Cmd
	stdin  *os.File
	stdout *os.File
	writer *ipc.Writer
	reader *ipc.Reader
	stderr *tailBuffer

	readyOnce sync.Once
	readyCh   chan ipc.ReadyParams

	readDone   chan struct{}
	stderrDone chan struct{}
	exited     chan struct{}

	mu         sync.Mutex
	call       *call
	exitReason string
	exitStatus string
	exitCode   int
}

// NewWorker returns an unstarted worker for cfg.
func NewWorker(cfg Config, opts WorkerOptions) *Worker {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.StderrTailBytes <= 0 {
		opts.StderrTailBytes = DefaultSettings().StderrTailBytes
	}
	id := api.NewWorkerID()
	w := &Worker{
		id:         id,
		cfg:        cfg,
		opts:       opts,
		logger:     opts.Logger.With("worker_id", id, "user_id", cfg.UserID),
		createdAt:  time.Now(),
		stderr:     &tailBuffer{max: opts.StderrTailBytes},
		readyCh:    make(chan ipc.ReadyParams, 1),
		readDone:   make(chan struct{}),
		stderrDone: make(chan struct{}),
		exited:     make(chan struct{}),
	}
	w.state.Store(int32(StateStarting))
	return w
}

// ID returns the worker's stable identifier.
func (w *Worker) ID() string { return w.id }

// UserID returns the user the worker belongs to.
func (w *Worker) UserID() string { return w.cfg.UserID }

// Config returns the worker's sandbox configuration.
func (w *Worker) Config() Config { return w.cfg }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// PID returns the process id, or 0 before Start.
func (w *Worker) PID() int {
	return int(w.pid.Load())
}

// Healthy reports whether the process is running and the worker is usable.
func (w *Worker) Healthy() bool {
	if w.State() == StateDead {
		return false
	}
	select {
	case <-w.exited:
		return false
	default:
		return w.PID() != 0
	}
}

// Done returns a channel that is closed once the process has been reaped.
func (w *Worker) Done() <-chan struct{} { return w.exited }

// StderrTail returns the most recent stderr output of the worker.
func (w *Worker) StderrTail() string { return w.stderr.String() }

// transition moves the worker from one state to another. It fails if the
// current state is not from or the change is not allowed.
func (w *Worker) transition(from, to State) bool {
	if !validTransition(from, to) {
		return false
	}
	return w.state.CompareAndSwap(int32(from), int32(to))
}

func (w *Worker) markDead() {
	w.state.Store(int32(StateDead))
}

// retire moves a Ready or Busy worker to Draining.
func (w *Worker) retire() {
	for _, from := range []State{StateBusy, StateReady} {
		if w.transition(from, StateDraining) {
			return
		}
	}
}

// exiting reports whether the worker has been told to stop or has exited.
func (w *Worker) exiting() bool {
	select {
	case <-w.exited:
		return true
	default:
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exitReason != ""
}

// Start spawns the process and waits for its ready notification. On
// success the worker is Ready.
func (w *Worker) Start(ctx context.Context) error {
	return w.start(ctx, StateReady)
}

// start is Start with a configurable post-start state, so the pool can
// hand a fresh worker straight to its creator as Busy.
func (w *Worker) start(ctx context.Context, next State) error {
	if w.State() != StateStarting || w.cmd != nil {
		return &SpawnError{UserID: w.cfg.UserID, Err: errors.New("worker already started")}
	}
	if len(w.opts.Command) == 0 {
		return &SpawnError{UserID: w.cfg.UserID, Err: errors.New("no worker command configured")}
	}

	spawnStart := time.Now()
	if err := w.spawn(); err != nil {
		w.markDead()
		observability.WorkerSpawnsTotal.WithLabelValues("error").Inc()
		return &SpawnError{UserID: w.cfg.UserID, Err: err}
	}

	startTimeout := w.opts.StartTimeout
	if startTimeout <= 0 {
		startTimeout = DefaultSettings().StartTimeout
	}
	timer := time.NewTimer(startTimeout)
	defer timer.Stop()

	var startErr error
	select {
	case ready := <-w.readyCh:
		if ready.Protocol != ipc.ProtocolVersion {
			startErr = fmt.Errorf("worker speaks protocol %d, want %d", ready.Protocol, ipc.ProtocolVersion)
			break
		}
		w.logger.Debug("worker ready", "pid", ready.PID, "runtime", ready.Runtime,
			"startup_ms", time.Since(spawnStart).Milliseconds())
	case <-w.exited:
		startErr = fmt.Errorf("worker exited before ready: %s", w.exitDescription())
	case <-timer.C:
		startErr = fmt.Errorf("no ready notification within %s", startTimeout)
	case <-ctx.Done():
		startErr = ctx.Err()
	}

	if startErr != nil {
		w.kill(exitKilled)
		<-w.exited
		observability.WorkerSpawnsTotal.WithLabelValues("error").Inc()
		return &SpawnError{UserID: w.cfg.UserID, Err: startErr}
	}

	if !w.transition(StateStarting, next) {
		// The process died between ready and now.
		observability.WorkerSpawnsTotal.WithLabelValues("error").Inc()
		return &SpawnError{UserID: w.cfg.UserID, Err: fmt.Errorf("worker exited during start: %s", w.exitDescription())}
	}
	observability.WorkerSpawnsTotal.WithLabelValues("ok").Inc()
	observability.WorkerStartDuration.Observe(time.Since(spawnStart).Seconds())
	return nil
}

// spawn creates the root, starts the process, and launches the pipe
// readers and the exit watcher.
func (w *Worker) spawn() error {
	if err := prepareRoot(w.cfg.RootPath); err != nil {
		return err
	}
	path, err := exec.LookPath(w.opts.Command[0])
	if err != nil {
		return fmt.Errorf("worker executable: %w", err)
	}

	// Pipes are created by hand rather than with cmd.StdoutPipe: Wait
	// closes those, and frames written just before exit must still be
	// readable after it.
	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return err
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW)
		return err
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW)
		return err
	}

	cmd := exec.Command(path, w.opts.Command[1:]...)
	cmd.Dir = w.cfg.RootPath
	cmd.Env = w.cfg.Environ()
	cmd.Stdin = stdinR
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		closeAll(stdinR, stdinW, stdoutR, stdoutW, stderrR, stderrW)
		return fmt.Errorf("start worker: %w", err)
	}
	// The child holds its own copies now.
	closeAll(stdinR, stdoutW, stderrW)

	w.cmd = cmd
	w.pid.Store(int64(cmd.Process.Pid))
	w.stdin = stdinW
	w.stdout = stdoutR
	w.writer = ipc.NewWriter(stdinW)
	w.reader = ipc.NewReader(stdoutR, w.opts.MaxFrameBytes)

	w.logger.Info("worker started", "pid", cmd.Process.Pid, "root", w.cfg.RootPath)

	go w.pumpStderr(stderrR)
	go w.readLoop()
	go w.wait()
	return nil
}

// Send writes a request and returns the channel its frames arrive on:
// events in emission order, then exactly one terminal frame, after which
// the channel is closed. Callers must drain the channel.
//
// ctx bounds the whole request. Without a deadline, the worker's request
// timeout applies. When ctx is done first, the worker is killed and a
// *TimeoutError is delivered.
func (w *Worker) Send(ctx context.Context, msg ipc.Message) (<-chan Frame, error) {
	if msg.Kind() != ipc.KindRequest {
		return nil, fmt.Errorf("sandbox: send: %s frame is not a request", msg.Kind())
	}
	if w.cmd == nil {
		return nil, fmt.Errorf("%w: worker %s not started", ErrWorkerCrashed, w.id)
	}

	c := newCall(msg.ID)

	w.mu.Lock()
	select {
	case <-w.exited:
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: worker %s is not running", ErrWorkerCrashed, w.id)
	default:
	}
	if w.call != nil {
		w.mu.Unlock()
		return nil, ErrWorkerBusy
	}
	w.call = c
	w.mu.Unlock()

	if err := w.writer.WriteMessage(msg); err != nil {
		w.clearCall(c)
		return nil, fmt.Errorf("%w: %v", ErrWorkerCrashed, err)
	}

	debug.Log("worker", "request sent", "worker_id", w.id, "id", msg.ID, "method", msg.Method)

	go w.watchDeadline(ctx, c)
	return c.frames, nil
}

// Cancel asks the worker to cancel the in-flight request id. It is a
// no-op when id is not in flight. The acknowledgement is the request's
// own terminal response.
func (w *Worker) Cancel(id string) error {
	w.mu.Lock()
	c := w.call
	w.mu.Unlock()
	if c == nil || c.id != id {
		return nil
	}
	msg, err := ipc.NewRequest(id, ipc.MethodCancel, nil)
	if err != nil {
		return err
	}
	debug.Log("worker", "cancel sent", "worker_id", w.id, "id", id)
	return w.writer.WriteMessage(msg)
}

// Terminate stops the worker and waits until the process has been reaped.
// Graceful termination sends a shutdown request and waits up to the
// shutdown grace period before killing; otherwise the process group is
// killed immediately.
func (w *Worker) Terminate(ctx context.Context, graceful bool) error {
	if w.cmd == nil {
		w.markDead()
		return nil
	}
	select {
	case <-w.exited:
		return nil
	default:
	}

	if graceful {
		w.setExitReason(exitShutdown)
		if err := w.requestShutdown(); err != nil {
			w.logger.Debug("shutdown request failed", "error", err)
		} else {
			grace := w.opts.ShutdownGrace
			if grace <= 0 {
				grace = DefaultSettings().ShutdownGrace
			}
			timer := time.NewTimer(grace)
			defer timer.Stop()
			select {
			case <-w.exited:
				return nil
			case <-timer.C:
				w.logger.Warn("worker ignored shutdown, killing", "grace", grace)
			case <-ctx.Done():
			}
		}
	}

	w.kill(exitKilled)
	select {
	case <-w.exited:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) requestShutdown() error {
	msg, err := ipc.NewRequest(uuid.NewString(), ipc.MethodShutdown, nil)
	if err != nil {
		return err
	}
	return w.writer.WriteMessage(msg)
}

// kill sends SIGKILL to the worker's process group. reason is recorded
// unless an earlier reason was already set.
func (w *Worker) kill(reason string) {
	w.setExitReason(reason)
	select {
	case <-w.exited:
		return
	default:
	}
	if err := killProcessGroup(w.cmd.Process.Pid); err != nil {
		w.logger.Warn("kill worker", "error", err)
	}
}

func (w *Worker) setExitReason(reason string) {
	w.mu.Lock()
	if w.exitReason == "" {
		w.exitReason = reason
	}
	w.mu.Unlock()
}

// watchDeadline enforces the request deadline for c.
func (w *Worker) watchDeadline(ctx context.Context, c *call) {
	timeout := w.opts.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultSettings().RequestTimeout
	}
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	} else {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case <-c.done:
		return
	case <-ctx.Done():
	}

	c.timedOut.Store(true)
	w.logger.Warn("request deadline exceeded, killing worker", "id", c.id, "timeout", timeout)
	// Leave Busy before the terminal frame so a release cannot make the
	// dying worker Ready again.
	w.retire()
	w.kill(exitTimeout)
	w.complete(c, Frame{Err: &TimeoutError{WorkerID: w.id, After: time.Since(c.started), Stderr: w.stderr.String()}})
}

// readLoop decodes stdout frames until the pipe closes.
func (w *Worker) readLoop() {
	defer close(w.readDone)
	for {
		msg, err := w.reader.ReadMessage()
		if err != nil {
			if errors.Is(err, ipc.ErrDecode) {
				observability.IPCDecodeErrors.Inc()
				var de *ipc.DecodeError
				if errors.As(err, &de) {
					w.logger.Warn("skipping malformed frame", "error", de.Err, "frame", de.Frame)
				}
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) {
				w.logger.Warn("worker stdout failed", "error", err)
			}
			// A worker without stdout cannot answer; treat it as dead.
			w.kill(exitCrashed)
			return
		}
		w.dispatch(msg)
	}
}

func (w *Worker) dispatch(msg ipc.Message) {
	switch msg.Kind() {
	case ipc.KindNotification:
		if msg.Method != ipc.MethodReady {
			w.logger.Debug("ignoring notification", "method", msg.Method)
			return
		}
		var ready ipc.ReadyParams
		if err := msg.DecodeParams(&ready); err != nil {
			w.logger.Warn("bad ready notification", "error", err)
			return
		}
		w.readyOnce.Do(func() { w.readyCh <- ready })

	case ipc.KindEvent:
		var ev ipc.EventParams
		if err := msg.DecodeParams(&ev); err != nil {
			observability.IPCDecodeErrors.Inc()
			w.logger.Warn("skipping malformed event", "error", err)
			return
		}
		c := w.currentCall()
		if c == nil {
			debug.Log("worker", "event without request", "worker_id", w.id, "type", ev.Type)
			return
		}
		c.deliver(Frame{Event: &ev}, nil)

	case ipc.KindResponse:
		c := w.currentCall()
		if c == nil || c.id != msg.ID {
			// Shutdown acknowledgements and responses that lost a race
			// with a timeout end up here.
			debug.Log("worker", "uncorrelated response", "worker_id", w.id, "id", msg.ID)
			return
		}
		w.complete(c, Frame{Response: &msg})

	default:
		w.logger.Debug("ignoring request frame from worker", "method", msg.Method)
	}
}

// wait owns cmd.Wait. When the process exits it drains the pipes, marks
// the worker Dead, fails the in-flight request, and notifies the owner.
func (w *Worker) wait() {
	waitErr := w.cmd.Wait()

	// Stragglers in the group would hold the pipes open.
	_ = killProcessGroup(w.cmd.Process.Pid)

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout)
	select {
	case <-w.readDone:
	case <-drainCtx.Done():
		w.stdout.Close()
		<-w.readDone
	}
	select {
	case <-w.stderrDone:
	case <-drainCtx.Done():
	}
	cancelDrain()

	w.markDead()

	w.mu.Lock()
	if w.exitReason == "" {
		w.exitReason = exitCrashed
	}
	reason := w.exitReason
	w.exitCode = w.cmd.ProcessState.ExitCode()
	w.exitStatus = w.cmd.ProcessState.String()
	c := w.call
	w.mu.Unlock()

	w.stdin.Close()
	w.stdout.Close()

	observability.WorkerExitsTotal.WithLabelValues(reason).Inc()

	attrs := []any{"reason", reason, "status", w.exitStatus}
	if waitErr != nil && reason == exitCrashed {
		w.logger.Error("worker exited unexpectedly", append(attrs, "stderr", debug.Truncate(w.stderr.String(), 1024))...)
	} else {
		w.logger.Info("worker exited", attrs...)
	}

	if c != nil {
		var err error
		if c.timedOut.Load() {
			err = &TimeoutError{WorkerID: w.id, After: time.Since(c.started), Stderr: w.stderr.String()}
		} else {
			err = &CrashedError{WorkerID: w.id, Status: w.exitStatus, ExitCode: w.exitCode, Stderr: w.stderr.String()}
		}
		w.complete(c, Frame{Err: err})
	}

	if w.opts.OnExit != nil {
		w.opts.OnExit(w)
	}
	close(w.exited)
}

func (w *Worker) exitDescription() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.exitStatus == "" {
		return "unknown status"
	}
	return w.exitStatus
}

func (w *Worker) currentCall() *call {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.call
}

func (w *Worker) clearCall(c *call) {
	w.mu.Lock()
	if w.call == c {
		w.call = nil
	}
	w.mu.Unlock()
}

// complete delivers the terminal frame of c. The call slot is freed before
// the frame is delivered, so a consumer that releases the worker on the
// terminal frame can send the next request immediately.
func (w *Worker) complete(c *call, f Frame) {
	c.deliver(f, func() { w.clearCall(c) })
}

// pumpStderr copies the worker's stderr into the tail buffer and the log.
func (w *Worker) pumpStderr(r *os.File) {
	defer close(w.stderrDone)
	defer r.Close()

	br := bufio.NewReaderSize(r, 16*1024)
	for {
		line, err := br.ReadSlice('\n')
		if len(line) > 0 {
			w.stderr.Write(line)
			w.logStderr(bytes.TrimRight(line, "\r\n"))
		}
		if err != nil {
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			return
		}
	}
}

// logStderr forwards one stderr line. Workers log slog JSON; warnings and
// errors are surfaced at their own level, everything else only under the
// worker debug category.
func (w *Worker) logStderr(line []byte) {
	if len(line) == 0 {
		return
	}
	var rec struct {
		Level string `json:"level"`
		Msg   string `json:"msg"`
	}
	if json.Unmarshal(line, &rec) == nil && rec.Msg != "" {
		switch strings.ToUpper(rec.Level) {
		case "ERROR":
			w.logger.Error("worker: "+rec.Msg, "line", string(line))
			return
		case "WARN":
			w.logger.Warn("worker: "+rec.Msg, "line", string(line))
			return
		}
	}
	debug.Log("worker", "stderr", "worker_id", w.id, "line", string(line))
}

// call is the state of one in-flight request.
type call struct {
	id       string
	started  time.Time
	frames   chan Frame
	done     chan struct{}
	timedOut atomic.Bool

	mu       sync.Mutex
	finished bool
	sending  sync.WaitGroup
}

func newCall(id string) *call {
	return &call{
		id:      id,
		started: time.Now(),
		frames:  make(chan Frame, frameBuffer),
		done:    make(chan struct{}),
	}
}

// deliver sends f to the consumer. The first terminal frame closes the
// channel; anything after it is dropped, and so is an event still waiting
// for buffer space when the terminal frame arrives. onTerminal runs before
// the terminal frame is sent. deliver never blocks on a terminal frame.
func (c *call) deliver(f Frame, onTerminal func()) bool {
	c.mu.Lock()
	if c.finished {
		c.mu.Unlock()
		return false
	}
	if !f.terminal() {
		c.sending.Add(1)
		c.mu.Unlock()
		defer c.sending.Done()
		select {
		case c.frames <- f:
			return true
		case <-c.done:
			return false
		}
	}
	c.finished = true
	close(c.done)
	c.mu.Unlock()

	if onTerminal != nil {
		onTerminal()
	}
	c.sending.Wait()
	select {
	case c.frames <- f:
		close(c.frames)
	default:
		// The consumer is behind; hand the terminal frame over once it
		// catches up.
		go func() {
			c.frames <- f
			close(c.frames)
		}()
	}
	return true
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.max; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		f.Close()
	}
}
