package telemetry

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Metrics provides Prometheus metrics for script runs. A Metrics built from
// a disabled configuration records nothing.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted *prometheus.CounterVec
	runsEnded   *prometheus.CounterVec
	runDuration *prometheus.HistogramVec
	activeRuns  prometheus.Gauge

	// Command metrics
	commandsExecuted     *prometheus.CounterVec
	jumps                *prometheus.CounterVec
	unresolvedLabels     *prometheus.CounterVec
	duplicateCompletions *prometheus.CounterVec

	// Error metrics
	errorsByCode *prometheus.CounterVec

	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server
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

		runsStarted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of script runs started",
			},
			[]string{"nested"},
		),
		runsEnded: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_ended_total",
				Help:      "Total number of script runs ended, by final status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Duration of script runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of live runs, sub-scripts included",
			},
		),
		commandsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_executed_total",
				Help:      "Total number of commands dispatched, by kind",
			},
			[]string{"kind"},
		),
		jumps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jumps_total",
				Help:      "Total number of resolved jumps, by jumping command kind",
			},
			[]string{"kind"},
		),
		unresolvedLabels: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unresolved_labels_total",
				Help:      "Total number of jumps whose target label was not found",
			},
			[]string{"kind"},
		),
		duplicateCompletions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "duplicate_completions_total",
				Help:      "Total number of ignored second completions, by command kind",
			},
			[]string{"kind"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of run errors by class and code",
			},
			[]string{"class", "code"},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsEnded,
		m.runDuration,
		m.activeRuns,
		m.commandsExecuted,
		m.jumps,
		m.unresolvedLabels,
		m.duplicateCompletions,
		m.errorsByCode,
	)

	return m, nil
}

// Enabled reports whether the metrics record anything.
func (m *Metrics) Enabled() bool {
	return m != nil && m.registry != nil
}

// Registry returns the Prometheus registry, or nil when disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordRunStarted increments the counter for started runs.
func (m *Metrics) RecordRunStarted(nested bool) {
	if !m.Enabled() {
		return
	}
	label := "false"
	if nested {
		label = "true"
	}
	m.runsStarted.WithLabelValues(label).Inc()
	m.activeRuns.Inc()
}

// RecordRunEnded records an ended run with its status and duration.
func (m *Metrics) RecordRunEnded(status string, duration time.Duration) {
	if !m.Enabled() {
		return
	}
	m.runsEnded.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordCommand records a dispatched command.
func (m *Metrics) RecordCommand(kind string) {
	if !m.Enabled() {
		return
	}
	m.commandsExecuted.WithLabelValues(kind).Inc()
}

// RecordJump records a resolved jump.
func (m *Metrics) RecordJump(kind string) {
	if !m.Enabled() {
		return
	}
	m.jumps.WithLabelValues(kind).Inc()
}

// RecordUnresolvedLabel records a jump whose target was not found.
func (m *Metrics) RecordUnresolvedLabel(kind string) {
	if !m.Enabled() {
		return
	}
	m.unresolvedLabels.WithLabelValues(kind).Inc()
}

// RecordDuplicateCompletion records an ignored second completion.
func (m *Metrics) RecordDuplicateCompletion(kind string) {
	if !m.Enabled() {
		return
	}
	m.duplicateCompletions.WithLabelValues(kind).Inc()
}

// RecordError records a run error by class and code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.Enabled() {
		return
	}
	m.errorsByCode.WithLabelValues(errorClass, errorCode).Inc()
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

// ObserveDuration records the elapsed time on observer.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.Enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer starts an HTTP server exposing the metrics. It does
// nothing when metrics are disabled.
func (m *Metrics) StartMetricsServer() error {
	if !m.Enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	m.mu.Lock()
	m.server = server
	m.mu.Unlock()

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", server.Addr).Msg("Metrics server stopped")
		}
	}()

	log.Debug().Str("address", server.Addr).Str("path", path).Msg("Metrics server started")
	return nil
}

// Shutdown stops the metrics server, if one was started.
func (m *Metrics) Shutdown(ctx context.Context) error {
	if m == nil {
		return nil
	}

	m.mu.Lock()
	server := m.server
	m.server = nil
	m.mu.Unlock()

	if server == nil {
		return nil
	}
	return server.Shutdown(ctx)
}
