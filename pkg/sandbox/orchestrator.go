package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rhuss/kapsel/pkg/api"
	"github.com/rhuss/kapsel/pkg/audit"
	"github.com/rhuss/kapsel/pkg/debug"
	"github.com/rhuss/kapsel/pkg/ipc"
	"github.com/rhuss/kapsel/pkg/observability"
)

// eventBuffer is the capacity of the event channel returned by Execute.
const eventBuffer = 16

// auditTimeout bounds a single audit write.
const auditTimeout = 5 * time.Second

// Orchestrator runs agent turns in pooled per-user workers and streams
// their events back to the caller.
type Orchestrator struct {
	pool           *Pool
	logger         *slog.Logger
	store          audit.Store
	validation     api.ValidationConfig
	cancelGrace    time.Duration
	requestTimeout time.Duration
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithLogger sets the structured logger.
func WithLogger(l *slog.Logger) OrchestratorOption {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithAuditStore records every execution in s. A nil store disables
// auditing.
func WithAuditStore(s audit.Store) OrchestratorOption {
	return func(o *Orchestrator) { o.store = s }
}

// WithValidation sets the request validation limits.
func WithValidation(cfg api.ValidationConfig) OrchestratorOption {
	return func(o *Orchestrator) { o.validation = cfg }
}

// WithCancelGrace sets how long a cancelled execution may take to
// acknowledge before its worker is killed.
func WithCancelGrace(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.cancelGrace = d
		}
	}
}

// WithRequestTimeout bounds a single execution once a worker is acquired.
func WithRequestTimeout(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.requestTimeout = d
		}
	}
}

// NewOrchestrator returns an orchestrator on top of pool. Cancel grace and
// request timeout default to the pool settings.
func NewOrchestrator(pool *Pool, opts ...OrchestratorOption) *Orchestrator {
	s := pool.Settings()
	o := &Orchestrator{
		pool:           pool,
		logger:         slog.Default(),
		validation:     api.DefaultValidationConfig(),
		cancelGrace:    s.CancelGrace,
		requestTimeout: s.RequestTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Execute validates req and runs it in the user's sandbox. Validation
// failures are returned as *api.APIError. On success the returned channel
// yields the runtime's events in order, then exactly one terminal event
// (completed or error), and is closed.
//
// Cancelling ctx cancels the execution: the worker is asked to stop and is
// killed if it does not acknowledge within the cancel grace period. Events
// arriving after cancellation are discarded. The consumer must either
// drain the channel or cancel ctx.
func (o *Orchestrator) Execute(ctx context.Context, req api.ExecuteRequest) (<-chan api.Event, error) {
	if apiErr := api.ValidateExecuteRequest(&req, o.validation); apiErr != nil {
		return nil, apiErr
	}
	if err := ValidateUserID(req.UserID); err != nil {
		return nil, api.NewInvalidRequestError("user", "user id is not valid")
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	if req.SessionID == "" {
		req.SessionID = api.NewSessionID()
	}

	out := make(chan api.Event, eventBuffer)
	go o.run(ctx, req, out)
	return out, nil
}

// execution accumulates what is known about one Execute call.
type execution struct {
	req       api.ExecuteRequest
	started   time.Time
	workerID  string
	events    int
	dropped   int
	cancelled bool

	outcome audit.Outcome
	err     error
	stderr  string
}

func (o *Orchestrator) run(ctx context.Context, req api.ExecuteRequest, out chan<- api.Event) {
	defer close(out)

	ex := &execution{req: req, started: time.Now()}
	logger := o.logger.With("execution_id", req.ID, "user_id", req.UserID, "session_id", req.SessionID)

	result := o.execute(ctx, ex, logger, out)

	if ex.outcome == audit.OutcomeCompleted {
		o.emit(ctx, out, api.NewCompletedEvent(result), true)
	} else {
		o.emit(ctx, out, api.NewErrorEvent(Retryable(ex.err)), true)
	}

	o.finish(ctx, ex, logger)
}

// execute acquires a worker and drives the request to its terminal frame.
// It sets ex.outcome and, for failures, ex.err.
func (o *Orchestrator) execute(ctx context.Context, ex *execution, logger *slog.Logger, out chan<- api.Event) json.RawMessage {
	w, err := o.pool.Acquire(ctx, ex.req.UserID)
	if err != nil {
		ex.err = err
		ex.outcome = acquireOutcome(err)
		return nil
	}
	defer o.pool.Release(w)
	ex.workerID = w.ID()
	logger = logger.With("worker_id", w.ID())

	msg, err := ipc.NewRequest(ex.req.ID, ipc.MethodExecute, ipc.ExecuteParams{
		UserID:      ex.req.UserID,
		SessionID:   ex.req.SessionID,
		Message:     ex.req.Message,
		Attachments: ex.req.Attachments,
	})
	if err != nil {
		ex.err = err
		ex.outcome = audit.OutcomeFailed
		return nil
	}

	// The request deadline is independent of the caller: cancellation
	// goes through the cancel protocol below, not through a kill.
	sendCtx, cancelSend := context.WithTimeout(context.WithoutCancel(ctx), o.requestTimeout)
	defer cancelSend()

	frames, err := w.Send(sendCtx, msg)
	if err != nil {
		ex.err = err
		ex.outcome = audit.OutcomeCrashed
		return nil
	}

	var (
		terminal  Frame
		ctxDone   = ctx.Done()
		graceDone <-chan time.Time
	)
	for terminal.Response == nil && terminal.Err == nil {
		select {
		case f, ok := <-frames:
			if !ok {
				terminal.Err = &CrashedError{WorkerID: w.ID(), Status: "frame stream closed"}
				break
			}
			if f.Event != nil {
				evType := api.EventType(f.Event.Type)
				if evType.Reserved() {
					ex.dropped++
					logger.Warn("dropping runtime event with reserved type", "type", f.Event.Type)
					continue
				}
				ex.events++
				if !ex.cancelled {
					o.emit(ctx, out, api.Event{Type: evType, Data: f.Event.Data}, false)
				}
				continue
			}
			terminal = f

		case <-ctxDone:
			ctxDone = nil
			ex.cancelled = true
			logger.Info("execution cancelled, notifying worker")
			if err := w.Cancel(ex.req.ID); err != nil {
				logger.Warn("sending cancel failed", "error", err)
			}
			timer := time.NewTimer(o.cancelGrace)
			defer timer.Stop()
			graceDone = timer.C

		case <-graceDone:
			graceDone = nil
			logger.Warn("cancel not acknowledged, killing worker", "grace", o.cancelGrace)
			w.retire()
			// The exit watcher delivers the terminal frame.
			go w.Terminate(context.Background(), false)
		}
	}

	if terminal.Err != nil {
		ex.err = terminal.Err
		var crashed *CrashedError
		var timedOut *TimeoutError
		switch {
		case errors.As(terminal.Err, &timedOut):
			ex.outcome = audit.OutcomeTimeout
			ex.stderr = timedOut.Stderr
		case errors.As(terminal.Err, &crashed):
			ex.outcome = audit.OutcomeCrashed
			ex.stderr = crashed.Stderr
		default:
			ex.outcome = audit.OutcomeCrashed
		}
		if ex.cancelled {
			ex.outcome = audit.OutcomeCancelled
		}
		return nil
	}

	resp := terminal.Response
	if resp.Error != nil {
		ex.err = resp.Error
		ex.stderr = w.StderrTail()
		if resp.Error.Code == ipc.CodeCancelled || ex.cancelled {
			ex.outcome = audit.OutcomeCancelled
		} else {
			ex.outcome = audit.OutcomeFailed
		}
		return nil
	}

	ex.outcome = audit.OutcomeCompleted
	if len(resp.Result) == 0 {
		return json.RawMessage("null")
	}
	return resp.Result
}

// emit forwards ev to the consumer. Once ctx is done, non-terminal events
// are dropped and the terminal event is delivered only if there is room.
func (o *Orchestrator) emit(ctx context.Context, out chan<- api.Event, ev api.Event, terminal bool) {
	if ctx.Err() != nil {
		if terminal {
			select {
			case out <- ev:
			default:
			}
		}
		return
	}
	select {
	case out <- ev:
	case <-ctx.Done():
		if terminal {
			select {
			case out <- ev:
			default:
			}
		}
	}
}

// finish logs, counts, and audits a finished execution.
func (o *Orchestrator) finish(ctx context.Context, ex *execution, logger *slog.Logger) {
	elapsed := time.Since(ex.started)
	outcome := string(ex.outcome)

	observability.ExecutionsTotal.WithLabelValues(outcome).Inc()
	observability.ExecutionDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())

	attrs := []any{
		"outcome", outcome,
		"events", ex.events,
		"duration_ms", elapsed.Milliseconds(),
	}
	if ex.dropped > 0 {
		attrs = append(attrs, "dropped_events", ex.dropped)
	}
	if ex.workerID != "" {
		attrs = append(attrs, "worker_id", ex.workerID)
	}
	switch ex.outcome {
	case audit.OutcomeCompleted:
		logger.Info("execution completed", attrs...)
	case audit.OutcomeCancelled:
		logger.Info("execution cancelled", append(attrs, "error_kind", ErrorKind(ex.err))...)
	default:
		logger.Error("execution failed", append(attrs,
			"error_kind", ErrorKind(ex.err),
			"error", ex.err,
			"stderr", debug.Truncate(ex.stderr, 1024))...)
	}

	if o.store == nil {
		return
	}
	rec := &audit.Record{
		ID:         ex.req.ID,
		UserID:     ex.req.UserID,
		SessionID:  ex.req.SessionID,
		WorkerID:   ex.workerID,
		Outcome:    ex.outcome,
		ErrorKind:  ErrorKind(ex.err),
		StderrTail: ex.stderr,
		EventCount: ex.events,
		StartedAt:  ex.started,
		Duration:   elapsed,
	}
	if ex.err != nil {
		rec.Error = ex.err.Error()
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), auditTimeout)
	defer cancel()
	if err := o.store.Save(saveCtx, rec); err != nil {
		logger.Warn("saving audit record failed", "error", err)
		return
	}
	debug.Log("audit", "record saved", "execution_id", rec.ID, "outcome", outcome)
}

func acquireOutcome(err error) audit.Outcome {
	switch {
	case errors.Is(err, ErrPoolExhausted):
		return audit.OutcomePoolExhausted
	case errors.Is(err, ErrSpawn):
		return audit.OutcomeSpawnFailed
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return audit.OutcomeCancelled
	default:
		return audit.OutcomeUnavailable
	}
}
