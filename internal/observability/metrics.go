package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	sessionsActive      prometheus.Gauge
	sessionsCreated     prometheus.Counter
	sessionsFailedTotal prometheus.Counter
	sessionsClosedTotal prometheus.Counter

	commandsTotal   *prometheus.CounterVec
	commandDuration *prometheus.HistogramVec
	commandRetries  prometheus.Counter

	queueDepth      *prometheus.GaugeVec
	enqueueTotal    prometheus.Counter
	launchDuration  prometheus.Histogram
	storeWriteTotal *prometheus.CounterVec
	cacheOpsTotal   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
	registry    *prometheus.Registry
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			sessionsActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "sessions_active",
					Help: "Current number of live browser sessions.",
				},
			),
			sessionsCreated: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_created_total",
					Help: "Total sessions created.",
				},
			),
			sessionsFailedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_failed_total",
					Help: "Total sessions that ended in the failed state.",
				},
			),
			sessionsClosedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "sessions_closed_total",
					Help: "Total sessions closed cleanly.",
				},
			),
			commandsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "commands_total",
					Help: "Total commands executed by kind and result.",
				},
				[]string{"kind", "result"},
			),
			commandDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "command_duration_seconds",
					Help:    "Command execution duration in seconds by kind.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"kind"},
			),
			commandRetries: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "command_retries_total",
					Help: "Total transient-error command retries.",
				},
			),
			queueDepth: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "command_queue_depth",
					Help: "Commands waiting, per session lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "command_enqueue_total",
					Help: "Total commands accepted into session queues.",
				},
			),
			launchDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "driver_launch_duration_seconds",
					Help:    "Browser driver launch duration in seconds.",
					Buckets: []float64{0.5, 1, 2, 5, 10, 30},
				},
			),
			storeWriteTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "store_writes_total",
					Help: "Durable store writes by table and status.",
				},
				[]string{"table", "status"},
			),
			cacheOpsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "cache_ops_total",
					Help: "Ephemeral index operations by op and status.",
				},
				[]string{"op", "status"},
			),
		}

		registry = prometheus.NewRegistry()
		registry.MustRegister(
			m.sessionsActive,
			m.sessionsCreated,
			m.sessionsFailedTotal,
			m.sessionsClosedTotal,
			m.commandsTotal,
			m.commandDuration,
			m.commandRetries,
			m.queueDepth,
			m.enqueueTotal,
			m.launchDuration,
			m.storeWriteTotal,
			m.cacheOpsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered forces metric registration. Safe to call from any package init path.
func EnsureRegistered() {
	getMetrics()
}

// Handler returns the HTTP handler exposing metrics in Prometheus format
func Handler() http.Handler {
	getMetrics()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// SetActiveSessions sets the live session gauge
func SetActiveSessions(n int) {
	getMetrics().sessionsActive.Set(float64(n))
}

// RecordSessionCreated increments the created counter
func RecordSessionCreated() {
	getMetrics().sessionsCreated.Inc()
}

// RecordSessionFailed increments the failed counter
func RecordSessionFailed() {
	getMetrics().sessionsFailedTotal.Inc()
}

// RecordSessionClosed increments the closed counter
func RecordSessionClosed() {
	getMetrics().sessionsClosedTotal.Inc()
}

// RecordCommand records a completed command with its duration
func RecordCommand(kind, result string, duration time.Duration) {
	m := getMetrics()
	m.commandsTotal.WithLabelValues(kind, result).Inc()
	m.commandDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// RecordCommandRetry increments the retry counter
func RecordCommandRetry() {
	getMetrics().commandRetries.Inc()
}

// RecordEnqueue records a queued command and the lane's new depth
func RecordEnqueue(lane string, depth int) {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// SetQueueDepth sets one lane's queue depth gauge
func SetQueueDepth(lane string, depth int) {
	getMetrics().queueDepth.WithLabelValues(lane).Set(float64(depth))
}

// ClearQueueDepth drops a retired lane's gauge series
func ClearQueueDepth(lane string) {
	getMetrics().queueDepth.DeleteLabelValues(lane)
}

// RecordLaunchDuration records a driver launch duration
func RecordLaunchDuration(d time.Duration) {
	getMetrics().launchDuration.Observe(d.Seconds())
}

// RecordStoreWrite records a durable store write outcome
func RecordStoreWrite(table string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	getMetrics().storeWriteTotal.WithLabelValues(table, status).Inc()
}

// RecordCacheOp records an ephemeral index operation outcome
func RecordCacheOp(op string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	getMetrics().cacheOpsTotal.WithLabelValues(op, status).Inc()
}
