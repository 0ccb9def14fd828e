package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rhuss/kapsel/pkg/api"
	"github.com/rhuss/kapsel/pkg/audit"
	"github.com/rhuss/kapsel/pkg/debug"
	"github.com/rhuss/kapsel/pkg/observability"
	"github.com/rhuss/kapsel/pkg/transport"
)

// Header names used by the adapter.
const (
	// UserIDHeader carries the authenticated user. It is set by the
	// authenticating proxy in front of kapsel and trusted as-is.
	UserIDHeader = "X-User-ID"

	// RequestIDHeader correlates log lines. A client-supplied value is
	// echoed back; it never identifies an execution.
	RequestIDHeader = "X-Request-ID"

	// ExecutionIDHeader returns the server-assigned execution ID, used to
	// cancel or look up the execution.
	ExecutionIDHeader = "X-Execution-ID"
)

// Adapter serves the execution API over HTTP.
// It routes requests to the appropriate handler and serializes responses.
type Adapter struct {
	executor transport.Executor
	records  transport.RecordStore   // nil if auditing is disabled
	pool     transport.PoolInspector // nil hides /v1/workers
	inflight *transport.InFlightRegistry
	mux      *http.ServeMux
	config   Config
	logger   *slog.Logger
}

// Config holds configuration for the HTTP adapter.
type Config struct {
	MaxBodySize int64

	// MetricsPath serves Prometheus metrics and enables per-route request
	// metrics. Empty disables both.
	MetricsPath string

	Logger *slog.Logger
}

// DefaultConfig returns the default adapter configuration.
func DefaultConfig() Config {
	return Config{
		MaxBodySize: 10 << 20, // 10 MB
	}
}

// NewAdapter creates an HTTP adapter for the given Executor. The record
// store and pool inspector are optional; when nil, the endpoints that need
// them return 501. Middleware is applied to the Executor in the given order.
func NewAdapter(executor transport.Executor, records transport.RecordStore, pool transport.PoolInspector, cfg Config, middlewares ...transport.Middleware) *Adapter {
	// Apply middleware chain to the executor.
	if len(middlewares) > 0 {
		executor = transport.Chain(middlewares...)(executor)
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultConfig().MaxBodySize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	a := &Adapter{
		executor: executor,
		records:  records,
		pool:     pool,
		inflight: transport.NewInFlightRegistry(),
		mux:      http.NewServeMux(),
		config:   cfg,
		logger:   logger,
	}

	a.mux.HandleFunc("POST /v1/executions", a.handleExecute)
	a.mux.HandleFunc("GET /v1/executions/{id}", a.handleGetExecution)
	a.mux.HandleFunc("GET /v1/executions", a.handleListExecutions)
	a.mux.HandleFunc("DELETE /v1/executions/{id}", a.handleCancelExecution)
	a.mux.HandleFunc("GET /v1/workers", a.handleWorkers)
	a.mux.HandleFunc("GET /healthz", a.handleHealth)
	if cfg.MetricsPath != "" {
		a.mux.Handle("GET "+cfg.MetricsPath, promhttp.Handler())
	}

	return a
}

// Handler returns the http.Handler for this adapter. Use this to integrate
// with an http.Server or test with httptest. The returned handler includes
// HTTP-level middleware for request ID propagation and, when metrics are
// enabled, request metrics.
func (a *Adapter) Handler() http.Handler {
	var h http.Handler = a.mux
	if a.config.MetricsPath != "" {
		h = observability.MetricsMiddleware(h)
	}
	return httpRequestIDMiddleware(h)
}

// InFlight returns the number of executions currently streaming.
func (a *Adapter) InFlight() int {
	return a.inflight.Len()
}

// httpRequestIDMiddleware is HTTP-level middleware that assigns every
// request an ID. A client-supplied X-Request-ID is kept; otherwise a new
// one is generated. The ID is stored in the context and echoed in the
// response headers.
func httpRequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(RequestIDHeader)
		if id == "" {
			id = transport.NewRequestID()
		}
		r = r.WithContext(transport.ContextWithRequestID(r.Context(), id))
		w.Header().Set(RequestIDHeader, id)
		next.ServeHTTP(w, r)
	})
}

// userID extracts the caller's identity or writes a 401.
func userID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.Header.Get(UserIDHeader)
	if id == "" {
		transport.WriteAPIError(w, api.NewUnauthenticatedError("missing "+UserIDHeader+" header"))
		return "", false
	}
	return id, true
}

// handleExecute handles POST /v1/executions.
func (a *Adapter) handleExecute(w http.ResponseWriter, r *http.Request) {
	// Validate Content-Type.
	ct := r.Header.Get("Content-Type")
	if ct != "" && ct != "application/json" {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("content_type", "Content-Type must be application/json"),
			http.StatusUnsupportedMediaType,
		)
		return
	}

	user, ok := userID(w, r)
	if !ok {
		return
	}

	// Limit body size.
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxBodySize)

	// Decode request.
	var req api.ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			transport.WriteErrorResponse(w,
				api.NewInvalidRequestError("body", fmt.Sprintf("request body too large (max %d bytes)", a.config.MaxBodySize)),
				http.StatusRequestEntityTooLarge,
			)
			return
		}
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("body", "invalid JSON: "+err.Error()),
			http.StatusBadRequest,
		)
		return
	}
	req.UserID = user
	req.ID = transport.NewExecutionID()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if !a.inflight.Register(req.ID, user, cancel) {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("id", "execution "+req.ID+" is already running"),
			http.StatusConflict,
		)
		return
	}
	defer a.inflight.Remove(req.ID)

	events, err := a.executor.Execute(ctx, req)
	if err != nil {
		a.writeHandlerError(w, err)
		return
	}

	w.Header().Set(ExecutionIDHeader, req.ID)
	a.stream(ctx, cancel, w, req.ID, events)
}

// stream copies events to the client. A failed write cancels the
// execution; the channel is still drained until the executor closes it.
func (a *Adapter) stream(ctx context.Context, cancel context.CancelFunc, w http.ResponseWriter, id string, events <-chan api.Event) {
	rw := newSSEEventWriter(w)
	broken := false
	for ev := range events {
		if broken {
			continue
		}
		if err := rw.WriteEvent(ctx, ev); err != nil {
			debug.Log("transport", "client write failed, cancelling execution",
				"request_id", transport.RequestIDFromContext(ctx), "execution_id", id, "error", err)
			broken = true
			cancel()
		}
	}
	if !broken && !rw.completed() {
		a.logger.Warn("event stream closed without terminal event",
			"request_id", transport.RequestIDFromContext(ctx), "execution_id", id)
	}
}

// handleCancelExecution handles DELETE /v1/executions/{id}. Only the
// owner can cancel an execution.
func (a *Adapter) handleCancelExecution(w http.ResponseWriter, r *http.Request) {
	user, ok := userID(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	if a.inflight.Cancel(id, user) {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	transport.WriteAPIError(w, api.NewNotFoundError("execution "+id+" is not running"))
}

// handleGetExecution handles GET /v1/executions/{id}.
func (a *Adapter) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	if a.records == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "execution history is not available (auditing disabled)"),
			http.StatusNotImplemented,
		)
		return
	}
	user, ok := userID(w, r)
	if !ok {
		return
	}

	id := r.PathValue("id")
	rec, err := a.records.Get(r.Context(), id)
	if err != nil && !errors.Is(err, audit.ErrNotFound) {
		a.writeHandlerError(w, err)
		return
	}
	// Other users' executions are reported as missing.
	if err != nil || rec.UserID != user {
		transport.WriteAPIError(w, api.NewNotFoundError("execution "+id+" not found"))
		return
	}

	writeJSON(w, transport.NewExecutionRecord(rec))
}

// handleListExecutions handles GET /v1/executions.
func (a *Adapter) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	if a.records == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "execution history is not available (auditing disabled)"),
			http.StatusNotImplemented,
		)
		return
	}
	user, ok := userID(w, r)
	if !ok {
		return
	}

	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			transport.WriteAPIError(w, api.NewInvalidRequestError("limit", "limit must be a positive integer"))
			return
		}
		limit = n
	}

	recs, err := a.records.ListByUser(r.Context(), user, limit)
	if err != nil {
		a.writeHandlerError(w, err)
		return
	}

	list := transport.ExecutionList{Object: "list", Data: make([]transport.ExecutionRecord, 0, len(recs))}
	for _, rec := range recs {
		list.Data = append(list.Data, transport.NewExecutionRecord(rec))
	}
	writeJSON(w, list)
}

// handleWorkers handles GET /v1/workers.
func (a *Adapter) handleWorkers(w http.ResponseWriter, r *http.Request) {
	if a.pool == nil {
		transport.WriteErrorResponse(w,
			api.NewInvalidRequestError("", "worker statistics are not available"),
			http.StatusNotImplemented,
		)
		return
	}
	writeJSON(w, a.pool.Stats())
}

// handleHealth handles GET /healthz. The audit store, when configured,
// must be reachable.
func (a *Adapter) handleHealth(w http.ResponseWriter, r *http.Request) {
	if a.records != nil {
		if err := a.records.HealthCheck(r.Context()); err != nil {
			a.logger.Warn("health check failed", "error", err)
			transport.WriteAPIError(w, api.NewUnavailableError("audit store unavailable"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok\n"))
}

// writeHandlerError writes a JSON error response. API errors are passed
// through; anything else is logged and reported generically.
func (a *Adapter) writeHandlerError(w http.ResponseWriter, err error) {
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) {
		a.logger.Error("request failed", "error", err)
		apiErr = api.NewServerError(api.GenericErrorMessage)
	}
	transport.WriteAPIError(w, apiErr)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
