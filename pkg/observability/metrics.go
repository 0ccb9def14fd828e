// Package observability provides Prometheus metrics and HTTP middleware
// for monitoring the kapsel gateway and its worker pool.
package observability

import "github.com/prometheus/client_golang/prometheus"

// TurnBuckets defines histogram buckets suited for agent turn latencies,
// ranging from 100ms to 10m.
var TurnBuckets = []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600}

// WaitBuckets defines histogram buckets for pool acquire waits and worker
// startup, ranging from 1ms to 60s.
var WaitBuckets = []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60}

var (
	// RequestsTotal counts all HTTP requests by method, route, and status class.
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapsel_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	// RequestDuration records HTTP request duration in seconds.
	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kapsel_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: TurnBuckets,
		},
		[]string{"method", "route"},
	)

	// StreamingConnections tracks the number of active SSE streaming connections.
	StreamingConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kapsel_streaming_connections_active",
			Help: "Active streaming connections",
		},
	)

	// Workers tracks pooled workers by lifecycle state.
	Workers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kapsel_workers",
			Help: "Pooled workers by state",
		},
		[]string{"state"},
	)

	// WorkerSpawnsTotal counts worker process starts by outcome (ok, error).
	WorkerSpawnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapsel_worker_spawns_total",
			Help: "Worker spawns",
		},
		[]string{"outcome"},
	)

	// WorkerStartDuration records the time from spawn to the ready notification.
	WorkerStartDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kapsel_worker_start_duration_seconds",
			Help:    "Worker start latency",
			Buckets: WaitBuckets,
		},
	)

	// WorkerExitsTotal counts worker process exits by reason
	// (shutdown, idle, crashed, timeout, killed).
	WorkerExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapsel_worker_exits_total",
			Help: "Worker exits",
		},
		[]string{"reason"},
	)

	// PoolAcquireWait records how long Acquire waited for a worker.
	PoolAcquireWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "kapsel_pool_acquire_wait_seconds",
			Help:    "Pool acquire wait",
			Buckets: WaitBuckets,
		},
	)

	// ExecutionsTotal counts executions by outcome.
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kapsel_executions_total",
			Help: "Executions",
		},
		[]string{"outcome"},
	)

	// ExecutionDuration records end-to-end execution duration by outcome.
	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kapsel_execution_duration_seconds",
			Help:    "Execution duration",
			Buckets: TurnBuckets,
		},
		[]string{"outcome"},
	)

	// IPCDecodeErrors counts malformed frames received from workers.
	IPCDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "kapsel_ipc_decode_errors_total",
			Help: "Malformed worker frames",
		},
	)
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		RequestDuration,
		StreamingConnections,
		Workers,
		WorkerSpawnsTotal,
		WorkerStartDuration,
		WorkerExitsTotal,
		PoolAcquireWait,
		ExecutionsTotal,
		ExecutionDuration,
		IPCDecodeErrors,
	)
}
