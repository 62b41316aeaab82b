package observability

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	connectionsActive prometheus.Gauge
	framesTotal       *prometheus.CounterVec
	rateLimitedTotal  prometheus.Counter
	cancelsTotal      prometheus.Counter

	quotaRejectedTotal prometheus.Counter
	tokensTotal        *prometheus.CounterVec

	generationAttempts *prometheus.CounterVec
	generationDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec

	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	queueSize    *prometheus.GaugeVec
	taskDuration *prometheus.HistogramVec

	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram

	execLogDropped prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "parley_connections_active",
				Help: "Current number of live websocket connections.",
			}),
			framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "parley_frames_total",
				Help: "Frames handled by direction and type.",
			}, []string{"direction", "type"}),
			rateLimitedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "parley_rate_limited_total",
				Help: "Messages rejected by the rate limiter.",
			}),
			cancelsTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "parley_cancels_total",
				Help: "Cancel frames received.",
			}),
			quotaRejectedTotal: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "parley_quota_rejected_total",
				Help: "Requests rejected by the quota pre-check.",
			}),
			tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "parley_tokens_total",
				Help: "Tokens recorded by provider and direction.",
			}, []string{"provider", "direction"}),
			generationAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "parley_generation_attempts_total",
				Help: "Generation attempts by provider and outcome.",
			}, []string{"provider", "outcome"}),
			generationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "parley_generation_duration_seconds",
				Help:    "Generation call duration including retries, by provider and mode.",
				Buckets: prometheus.DefBuckets,
			}, []string{"provider", "mode"}),
			toolExecutionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "parley_tool_execution_total",
				Help: "Total tool executions by tool and status.",
			}, []string{"tool", "status"}),
			toolExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "parley_tool_execution_duration_seconds",
				Help:    "Tool execution duration in seconds by tool.",
				Buckets: prometheus.DefBuckets,
			}, []string{"tool"}),
			runTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "parley_run_total",
				Help: "Run loop completions by agent and outcome.",
			}, []string{"agent", "outcome"}),
			runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "parley_run_duration_seconds",
				Help:    "Run loop duration in seconds by agent.",
				Buckets: prometheus.DefBuckets,
			}, []string{"agent"}),
			queueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "parley_queue_size",
				Help: "Queued tasks by lane kind.",
			}, []string{"kind"}),
			taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "parley_queue_task_duration_seconds",
				Help:    "Queued task execution duration by lane kind and status.",
				Buckets: prometheus.DefBuckets,
			}, []string{"kind", "status"}),
			sessionLoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "parley_session_load_duration_seconds",
				Help:    "Session history load duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			sessionSaveDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "parley_session_save_duration_seconds",
				Help:    "Session write duration in seconds.",
				Buckets: prometheus.DefBuckets,
			}),
			execLogDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "parley_execution_log_dropped_total",
				Help: "Execution log entries dropped because the recorder buffer was full.",
			}),
		}

		prometheus.MustRegister(
			m.connectionsActive,
			m.framesTotal,
			m.rateLimitedTotal,
			m.cancelsTotal,
			m.quotaRejectedTotal,
			m.tokensTotal,
			m.generationAttempts,
			m.generationDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.runTotal,
			m.runDuration,
			m.queueSize,
			m.taskDuration,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.execLogDropped,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

// laneKind collapses per-session lanes into one label value.
func laneKind(lane string) string {
	if i := strings.IndexByte(lane, '-'); i > 0 {
		return lane[:i]
	}
	return lane
}

func SetActiveConnections(count int) {
	getMetrics().connectionsActive.Set(float64(count))
}

func RecordFrame(direction, frameType string) {
	getMetrics().framesTotal.WithLabelValues(direction, frameType).Inc()
}

func RecordRateLimited() {
	getMetrics().rateLimitedTotal.Inc()
}

func RecordCancel() {
	getMetrics().cancelsTotal.Inc()
}

func RecordQuotaRejected() {
	getMetrics().quotaRejectedTotal.Inc()
}

func RecordTokens(provider string, input, output int64) {
	m := getMetrics()
	m.tokensTotal.WithLabelValues(provider, "input").Add(float64(input))
	m.tokensTotal.WithLabelValues(provider, "output").Add(float64(output))
}

func RecordGenerationAttempt(provider, outcome string) {
	getMetrics().generationAttempts.WithLabelValues(provider, outcome).Inc()
}

func RecordGeneration(provider, mode string, duration time.Duration) {
	getMetrics().generationDuration.WithLabelValues(provider, mode).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	m.toolExecutionTotal.WithLabelValues(tool, statusLabel(success)).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordRun(agent, outcome string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(agent, outcome).Inc()
	m.runDuration.WithLabelValues(agent).Observe(duration.Seconds())
}

func SetQueueSize(lane string, size int) {
	getMetrics().queueSize.WithLabelValues(laneKind(lane)).Set(float64(size))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool) {
	getMetrics().taskDuration.WithLabelValues(laneKind(lane), statusLabel(success)).Observe(duration.Seconds())
}

func RecordSessionLoad(duration time.Duration) {
	getMetrics().sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSaveDuration.Observe(duration.Seconds())
}

func RecordExecutionLogDropped() {
	getMetrics().execLogDropped.Inc()
}
