package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the sandbox system. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   *prometheus.HistogramVec
	ExecutionErrors     *prometheus.CounterVec
	ActiveExecutions    prometheus.Gauge
	Violations          *prometheus.CounterVec
	RuntimeLoads        *prometheus.CounterVec
	RuntimeLoadDuration *prometheus.HistogramVec
	LoadedRuntimes      prometheus.Gauge
	RuntimeMemoryBytes  prometheus.Gauge
	Evictions           *prometheus.CounterVec
	EgressRequests      *prometheus.CounterVec
	RequestsInFlight    prometheus.Gauge
	CodeSizeBytes       prometheus.Histogram
	OutputSizeBytes     prometheus.Histogram
}

// NewMetrics creates and registers all Prometheus metrics using a dedicated registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		ExecutionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "executions_total",
				Help:      "Total number of executions by language and terminal state.",
			},
			[]string{"language", "state"},
		),

		ExecutionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "execution_duration_seconds",
				Help:      "Duration of executions in seconds.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			},
			[]string{"language"},
		),

		ExecutionErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "execution_errors_total",
				Help:      "Total execution errors by type.",
			},
			[]string{"type"},
		),

		ActiveExecutions: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Name:      "active_executions",
				Help:      "Number of currently running executions.",
			},
		),

		Violations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Name:      "violations_total",
				Help:      "Security violations by type and severity.",
			},
			[]string{"type", "severity"},
		),

		RuntimeLoads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "runtime",
				Name:      "loads_total",
				Help:      "Runtime loads by language and result.",
			},
			[]string{"language", "result"},
		),

		RuntimeLoadDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Subsystem: "runtime",
				Name:      "load_duration_seconds",
				Help:      "Time to initialize a runtime.",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 120},
			},
			[]string{"language"},
		),

		LoadedRuntimes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "runtime",
				Name:      "loaded",
				Help:      "Number of runtimes currently loaded.",
			},
		),

		RuntimeMemoryBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "runtime",
				Name:      "memory_bytes",
				Help:      "Estimated memory held by loaded runtimes.",
			},
		),

		Evictions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "runtime",
				Name:      "evictions_total",
				Help:      "Runtime unloads by language and reason.",
			},
			[]string{"language", "reason"},
		),

		EgressRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "sandbox",
				Subsystem: "egress",
				Name:      "requests_total",
				Help:      "Outbound requests seen by the egress proxy.",
			},
			[]string{"decision"},
		),

		RequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "sandbox",
				Subsystem: "api",
				Name:      "requests_in_flight",
				Help:      "Number of HTTP requests currently being processed.",
			},
		),

		CodeSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "code_size_bytes",
				Help:      "Size of submitted code in bytes.",
				Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
			},
		),

		OutputSizeBytes: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "sandbox",
				Name:      "output_size_bytes",
				Help:      "Size of execution output in bytes.",
				Buckets:   prometheus.ExponentialBuckets(10, 4, 8),
			},
		),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.ExecutionErrors,
		m.ActiveExecutions,
		m.Violations,
		m.RuntimeLoads,
		m.RuntimeLoadDuration,
		m.LoadedRuntimes,
		m.RuntimeMemoryBytes,
		m.Evictions,
		m.EgressRequests,
		m.RequestsInFlight,
		m.CodeSizeBytes,
		m.OutputSizeBytes,
	)

	return m
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(language, state string, durationSec float64, codeBytes, outputBytes int) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(language, state).Inc()
	m.ExecutionDuration.WithLabelValues(language).Observe(durationSec)
	m.CodeSizeBytes.Observe(float64(codeBytes))
	m.OutputSizeBytes.Observe(float64(outputBytes))
}

// RecordError records an execution error by type.
func (m *Metrics) RecordError(errType string) {
	if m == nil {
		return
	}
	m.ExecutionErrors.WithLabelValues(errType).Inc()
}

// RecordViolation counts one violation.
func (m *Metrics) RecordViolation(vType, severity string) {
	if m == nil {
		return
	}
	m.Violations.WithLabelValues(vType, severity).Inc()
}

// ExecutionStarted and ExecutionFinished bracket a running execution.
func (m *Metrics) ExecutionStarted() {
	if m != nil {
		m.ActiveExecutions.Inc()
	}
}

func (m *Metrics) ExecutionFinished() {
	if m != nil {
		m.ActiveExecutions.Dec()
	}
}

// RecordLoad records one runtime initialization attempt.
func (m *Metrics) RecordLoad(language string, ok bool, durationSec float64) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.RuntimeLoads.WithLabelValues(language, result).Inc()
	if ok {
		m.RuntimeLoadDuration.WithLabelValues(language).Observe(durationSec)
	}
}

// RecordEviction counts an unload; reason is idle, budget, manual or shutdown.
func (m *Metrics) RecordEviction(language, reason string) {
	if m == nil {
		return
	}
	m.Evictions.WithLabelValues(language, reason).Inc()
}

// SetRuntimeUsage publishes the registry totals.
func (m *Metrics) SetRuntimeUsage(loaded int, memoryBytes int64) {
	if m == nil {
		return
	}
	m.LoadedRuntimes.Set(float64(loaded))
	m.RuntimeMemoryBytes.Set(float64(memoryBytes))
}

// RecordEgress counts a proxied request; decision is allowed or denied.
func (m *Metrics) RecordEgress(decision string) {
	if m == nil {
		return
	}
	m.EgressRequests.WithLabelValues(decision).Inc()
}
