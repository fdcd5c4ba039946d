package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the runner.
type Metrics struct {
	Registry *prometheus.Registry

	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	RunErrors          *prometheus.CounterVec
	ActiveRuns         prometheus.Gauge
	GuestEvaluations   *prometheus.CounterVec
	InitializeDuration *prometheus.HistogramVec
	SessionState       prometheus.Gauge
	ModuleLoads        *prometheus.CounterVec
	TamperDetections   *prometheus.CounterVec
	RequestsInFlight   prometheus.Gauge
	CodeSizeBytes      prometheus.Histogram
	OutputSizeBytes    prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kata",
				Name:      "runs_total",
				Help:      "Total number of kata runs by outcome.",
			},
			[]string{"status"},
		),

		RunDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "kata",
				Name:      "run_duration_seconds",
				Help:      "Duration of the three-stage run sequence in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
		),

		RunErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kata",
				Name:      "run_errors_total",
				Help:      "Total run errors by type.",
			},
			[]string{"type"},
		),

		ActiveRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kata",
				Name:      "active_runs",
				Help:      "Number of runs waiting for or holding the session.",
			},
		),

		GuestEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kata",
				Name:      "guest_evaluations_total",
				Help:      "Guest evaluations by stage and outcome.",
			},
			[]string{"stage", "outcome"},
		),

		InitializeDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "kata",
				Name:      "initialize_duration_seconds",
				Help:      "Duration of session initialization in seconds.",
				Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"outcome"},
		),

		SessionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kata",
				Name:      "session_state",
				Help:      "Session lifecycle state (0 uninitialized, 1 initializing, 2 ready, 3 running).",
			},
		),

		ModuleLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kata",
				Name:      "module_loads_total",
				Help:      "Guest module loads by source.",
			},
			[]string{"source"},
		),

		TamperDetections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "kata",
				Name:      "tamper_detections_total",
				Help:      "Submissions matching a harness tampering pattern.",
			},
			[]string{"pattern"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "kata",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "kata",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "kata",
				Name:      "output_size_bytes",
				Help:      "Size of captured run output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.RunErrors,
		m.ActiveRuns,
		m.GuestEvaluations,
		m.InitializeDuration,
		m.SessionState,
		m.ModuleLoads,
		m.TamperDetections,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordRun records metrics for a completed run.
func (m *Metrics) RecordRun(status string, durationSec float64) {
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(durationSec)
}

// RecordError records a run error by type.
func (m *Metrics) RecordError(errType string) {
	m.RunErrors.WithLabelValues(errType).Inc()
}

// RecordEvaluation records one guest evaluation.
func (m *Metrics) RecordEvaluation(stage string, ok bool) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.GuestEvaluations.WithLabelValues(stage, outcome).Inc()
}

// RecordInitialize records a session initialization attempt.
func (m *Metrics) RecordInitialize(ok bool, durationSec float64) {
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.InitializeDuration.WithLabelValues(outcome).Observe(durationSec)
}

// RecordModuleLoad records where the guest module bytes came from.
func (m *Metrics) RecordModuleLoad(source string) {
	m.ModuleLoads.WithLabelValues(source).Inc()
}

// RecordDetection records a tampering pattern match.
func (m *Metrics) RecordDetection(pattern string) {
	m.TamperDetections.WithLabelValues(pattern).Inc()
}
