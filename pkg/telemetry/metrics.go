package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for runs, stage attempts, breakers and the DLQ.
// With metrics disabled the collectors still count but are never exposed.
type Metrics struct {
	config   MetricsConfig
	registry *prometheus.Registry

	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge

	stageAttempts *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	stageRetries  *prometheus.CounterVec

	errorsByKind *prometheus.CounterVec
	errorsByCode *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	dlqItems   *prometheus.GaugeVec
	dlqActions *prometheus.CounterVec
	dlqSweeps  *prometheus.CounterVec
}

// DLQGroup is one sample of the dead letter gauge.
type DLQGroup struct {
	Component string
	ErrorType string
	Status    string
	Count     int
}

// NewMetrics registers every collector on a fresh registry.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	reg := prometheus.NewRegistry()
	if cfg.Enabled {
		if err := reg.Register(collectors.NewGoCollector()); err != nil {
			return nil, err
		}
		if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: cfg.Namespace})); err != nil {
			return nil, err
		}
	}

	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	ns := cfg.Namespace
	f := promauto.With(reg)
	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: name, Help: help}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return f.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: name, Help: help, Buckets: buckets}, labels)
	}
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return f.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: name, Help: help}, labels)
	}

	return &Metrics{
		config:   cfg,
		registry: reg,

		runsCompleted: counter("runs_completed_total", "Pipeline runs finished, by final status.", "status"),
		runDuration:   histogram("run_duration_seconds", "Wall time of pipeline runs.", "status"),
		activeRuns:    f.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "active_runs", Help: "Pipeline runs in progress."}),

		stageAttempts: counter("stage_attempts_total", "Finished stage attempts.", "stage", "mode", "status"),
		stageDuration: histogram("stage_duration_seconds", "Wall time of stage attempts.", "stage", "mode"),
		stageRetries:  counter("stage_retries_total", "Stage retries scheduled after a failed attempt.", "stage", "error_kind"),

		errorsByKind: counter("errors_by_kind_total", "Stage errors by classification.", "kind"),
		errorsByCode: counter("errors_by_code_total", "Stage errors by machine-readable code.", "code"),

		breakerState:       gauge("breaker_state", "Breaker state per resource: 0 closed, 1 open, 2 half_open.", "resource"),
		breakerTransitions: counter("breaker_transitions_total", "Breaker state changes.", "resource", "from", "to"),

		dlqItems:   gauge("dlq_items", "Dead letter items by component, error type and status.", "component", "error_type", "status"),
		dlqActions: counter("dlq_actions_total", "Dead letter queue actions.", "action", "component"),
		dlqSweeps:  counter("dlq_sweep_items_total", "Items handled by automatic dead letter sweeps.", "outcome"),
	}, nil
}

// Enabled reports whether the metrics are exposed over HTTP.
func (m *Metrics) Enabled() bool {
	return m.config.Enabled
}

// RecordRunStarted counts a run as active until RecordRunCompleted.
func (m *Metrics) RecordRunStarted() {
	m.activeRuns.Inc()
}

func (m *Metrics) RecordRunCompleted(status string, duration time.Duration) {
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// RecordStageAttempt records one finished attempt; status is succeeded, retrying or failed.
func (m *Metrics) RecordStageAttempt(stage, mode, status string, duration time.Duration) {
	m.stageAttempts.WithLabelValues(stage, mode, status).Inc()
	m.stageDuration.WithLabelValues(stage, mode).Observe(duration.Seconds())
}

func (m *Metrics) RecordStageRetry(stage, errorKind string) {
	m.stageRetries.WithLabelValues(stage, errorKind).Inc()
}

// RecordError counts an error by kind, and by code when it has one.
func (m *Metrics) RecordError(kind, code string) {
	m.errorsByKind.WithLabelValues(kind).Inc()
	if code != "" {
		m.errorsByCode.WithLabelValues(code).Inc()
	}
}

func (m *Metrics) RecordBreakerTransition(resource, from, to string, toValue float64) {
	m.breakerState.WithLabelValues(resource).Set(toValue)
	m.breakerTransitions.WithLabelValues(resource, from, to).Inc()
}

func (m *Metrics) RecordDLQAction(action, component string) {
	m.dlqActions.WithLabelValues(action, component).Inc()
}

// SetDLQItems replaces every dead letter gauge sample with groups.
func (m *Metrics) SetDLQItems(groups []DLQGroup) {
	m.dlqItems.Reset()
	for _, g := range groups {
		m.dlqItems.WithLabelValues(g.Component, g.ErrorType, g.Status).Set(float64(g.Count))
	}
}

func (m *Metrics) RecordSweep(succeeded, failed, skipped int) {
	for outcome, n := range map[string]int{"succeeded": succeeded, "failed": failed, "skipped": skipped} {
		m.dlqSweeps.WithLabelValues(outcome).Add(float64(n))
	}
}

// Handler serves the registry, or 404 when metrics are disabled.
func (m *Metrics) Handler() http.Handler {
	if !m.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// MetricsServer exposes /metrics and /healthz.
type MetricsServer struct {
	server *http.Server
	errCh  chan error
}

// StartMetricsServer listens in the background; it returns nil when metrics are disabled.
func (m *Metrics) StartMetricsServer(logger *Logger) *MetricsServer {
	if !m.config.Enabled {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})

	s := &MetricsServer{
		server: &http.Server{Addr: m.config.ListenAddress, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		errCh:  make(chan error, 1),
	}
	go func() {
		defer close(s.errCh)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
			s.errCh <- err
		}
	}()
	return s
}

// Err yields the listen error, if any, and is closed once the server stops.
func (s *MetricsServer) Err() <-chan error {
	return s.errCh
}

// Shutdown is safe on a nil server.
func (s *MetricsServer) Shutdown(ctx context.Context) error {
	if s == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}
