package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for lifecycle stages and the task
// queue. All methods are safe on a nil or disabled *Metrics.
type Metrics struct {
	config MetricsConfig

	// Stage metrics
	stagesExecuted    *prometheus.CounterVec
	stageDuration     *prometheus.HistogramVec
	toleratedFailures *prometheus.CounterVec
	errorsByKind      *prometheus.CounterVec

	// Service metrics
	serviceRunning *prometheus.GaugeVec

	// Queue metrics
	queuedTasks   prometheus.Gauge
	activeTasks   prometheus.Gauge
	tasksFinished *prometheus.CounterVec
	taskDuration  prometheus.Histogram

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		stagesExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stages_executed_total",
				Help:      "Total number of stage scripts executed",
			},
			[]string{"kind", "stage", "status"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage scripts in seconds",
				Buckets:   buckets,
			},
			[]string{"kind", "stage"},
		),
		toleratedFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tolerated_failures_total",
				Help:      "Total number of failed steps that were tolerated",
			},
			[]string{"kind", "step"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_total",
				Help:      "Total number of lifecycle errors by kind",
			},
			[]string{"kind"},
		),
		serviceRunning: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "service_running",
				Help:      "Last observed service state (1=running, 0=not running)",
			},
			[]string{"instance", "kind"},
		),
		queuedTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queued_tasks",
				Help:      "Current number of queued tasks",
			},
		),
		activeTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_tasks",
				Help:      "Current number of running tasks",
			},
		),
		tasksFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tasks_finished_total",
				Help:      "Total number of finished tasks",
			},
			[]string{"status"},
		),
		taskDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "task_duration_seconds",
				Help:      "Duration of queued tasks in seconds",
				Buckets:   buckets,
			},
		),
	}

	registry.MustRegister(
		m.stagesExecuted,
		m.stageDuration,
		m.toleratedFailures,
		m.errorsByKind,
		m.serviceRunning,
		m.queuedTasks,
		m.activeTasks,
		m.tasksFinished,
		m.taskDuration,
	)

	return m, nil
}

// RecordStage records one executed stage script.
func (m *Metrics) RecordStage(kind, stage, status string, duration time.Duration) {
	if m == nil || m.stagesExecuted == nil {
		return
	}
	m.stagesExecuted.WithLabelValues(kind, stage, status).Inc()
	m.stageDuration.WithLabelValues(kind, stage).Observe(duration.Seconds())
}

// RecordToleratedFailure records a failed step whose failure was ignored.
func (m *Metrics) RecordToleratedFailure(kind, step string) {
	if m == nil || m.toleratedFailures == nil {
		return
	}
	m.toleratedFailures.WithLabelValues(kind, step).Inc()
}

// RecordError records a lifecycle error by kind.
func (m *Metrics) RecordError(kind string) {
	if m == nil || m.errorsByKind == nil {
		return
	}
	m.errorsByKind.WithLabelValues(kind).Inc()
}

// SetServiceRunning records the last observed state of an instance.
func (m *Metrics) SetServiceRunning(instance, kind string, running bool) {
	if m == nil || m.serviceRunning == nil {
		return
	}
	value := 0.0
	if running {
		value = 1.0
	}
	m.serviceRunning.WithLabelValues(instance, kind).Set(value)
}

// RecordTaskQueued implements scheduler.Recorder.
func (m *Metrics) RecordTaskQueued(string) {
	if m == nil || m.queuedTasks == nil {
		return
	}
	m.queuedTasks.Inc()
}

// RecordTaskStarted implements scheduler.Recorder.
func (m *Metrics) RecordTaskStarted(string) {
	if m == nil || m.queuedTasks == nil {
		return
	}
	m.queuedTasks.Dec()
	m.activeTasks.Inc()
}

// RecordTaskFinished implements scheduler.Recorder.
func (m *Metrics) RecordTaskFinished(_ string, status string, duration time.Duration) {
	if m == nil || m.tasksFinished == nil {
		return
	}
	m.activeTasks.Dec()
	m.tasksFinished.WithLabelValues(status).Inc()
	m.taskDuration.Observe(duration.Seconds())
}

// Registry returns the private registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background. It is a
// no-op when metrics are disabled or no listen address is configured. The
// returned server is nil in that case.
func (m *Metrics) StartMetricsServer() *http.Server {
	if m == nil || !m.config.Enabled || m.config.ListenAddress == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", m.config.ListenAddress).Msg("Metrics server failed")
		}
	}()

	return server
}

// StopMetricsServer shuts down a server returned by StartMetricsServer.
func StopMetricsServer(ctx context.Context, server *http.Server) error {
	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
