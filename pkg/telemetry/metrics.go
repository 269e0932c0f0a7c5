package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects reconciliation metrics. It implements the engine's
// Recorder interface; a disabled instance is a no-op.
type Metrics struct {
	config MetricsConfig

	reconcilesTotal   *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	mutationsApplied  *prometheus.CounterVec
	driftDetections   *prometheus.CounterVec
	errorsByKind      *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates the metrics collector.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	registry := prometheus.NewRegistry()
	m := &Metrics{
		config:   cfg,
		registry: registry,

		reconcilesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "reconciles_total",
				Help:      "Total reconciliations by resource kind and outcome",
			},
			[]string{"kind", "outcome", "changed"},
		),
		reconcileDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Name:      "reconcile_duration_seconds",
				Help:      "Reconciliation duration by resource kind",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		mutationsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "mutations_applied_total",
				Help:      "Total mutations applied by resource kind",
			},
			[]string{"kind"},
		),
		driftDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "drift_detections_total",
				Help:      "Drift checks by resource kind and result",
			},
			[]string{"kind", "status"},
		),
		errorsByKind: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: cfg.Namespace,
				Name:      "errors_total",
				Help:      "Reconciliation errors by error kind",
			},
			[]string{"error_kind"},
		),
	}

	registry.MustRegister(
		m.reconcilesTotal,
		m.reconcileDuration,
		m.mutationsApplied,
		m.driftDetections,
		m.errorsByKind,
	)
	return m, nil
}

// RecordReconcile records one reconciliation outcome.
func (m *Metrics) RecordReconcile(kind, outcome string, changed bool, mutations int, duration time.Duration) {
	if m.reconcilesTotal == nil {
		return
	}
	changedLabel := "false"
	if changed {
		changedLabel = "true"
	}
	m.reconcilesTotal.WithLabelValues(kind, outcome, changedLabel).Inc()
	m.reconcileDuration.WithLabelValues(kind).Observe(duration.Seconds())
	if mutations > 0 {
		m.mutationsApplied.WithLabelValues(kind).Add(float64(mutations))
	}
	if outcome != "success" {
		m.errorsByKind.WithLabelValues(outcome).Inc()
	}
}

// RecordDrift records one drift check result.
func (m *Metrics) RecordDrift(kind string, drifted bool) {
	if m.driftDetections == nil {
		return
	}
	status := "clean"
	if drifted {
		status = "drifted"
	}
	m.driftDetections.WithLabelValues(kind, status).Inc()
}

// Handler returns the metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartServer exposes the metrics endpoint in the background.
func (m *Metrics) StartServer() error {
	if !m.config.Enabled {
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
	go func() {
		_ = server.ListenAndServe()
	}()
	return nil
}
