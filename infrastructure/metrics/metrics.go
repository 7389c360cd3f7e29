// Package metrics provides Prometheus metrics collection for the enclave
// worker's job loop.
package metrics

import (
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics emitted by the worker.
type Metrics struct {
	JobsTotal       *prometheus.CounterVec
	JobDuration     *prometheus.HistogramVec
	JobsInFlight    prometheus.Gauge
	ErrorCodesTotal *prometheus.CounterVec

	ExternalCallsTotal    *prometheus.CounterVec
	ExternalCallDuration  *prometheus.HistogramVec
	AttestationsIssued    prometheus.Counter
	AttestationsVerified  *prometheus.CounterVec

	WorkerUptime prometheus.Gauge
	WorkerInfo   *prometheus.GaugeVec
}

// New creates a new Metrics instance with all collectors registered against
// the default registry.
func New(workerName string) *Metrics {
	return NewWithRegistry(workerName, prometheus.DefaultRegisterer)
}

// NewWithRegistry creates a new Metrics instance with a custom registry.
func NewWithRegistry(workerName string, registerer prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_worker_jobs_total",
				Help: "Total number of jobs processed, by job name and result code.",
			},
			[]string{"job_name", "code"},
		),
		JobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enclave_worker_job_duration_seconds",
				Help:    "Job processing duration in seconds, by job name.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"job_name"},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_worker_jobs_in_flight",
				Help: "1 while a job is being processed, 0 while idle (single-threaded worker).",
			},
		),
		ErrorCodesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_worker_error_codes_total",
				Help: "Total occurrences of each ErrCode returned to the host.",
			},
			[]string{"job_name", "err_code"},
		),
		ExternalCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_worker_external_calls_total",
				Help: "Total outbound calls to external services, by service and status.",
			},
			[]string{"service", "status"},
		),
		ExternalCallDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "enclave_worker_external_call_duration_seconds",
				Help:    "Outbound external call duration in seconds, by service.",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"service"},
		),
		AttestationsIssued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "enclave_worker_attestations_issued_total",
				Help: "Total attestation documents issued by this worker.",
			},
		),
		AttestationsVerified: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "enclave_worker_attestations_verified_total",
				Help: "Total incoming attestation documents verified, by outcome.",
			},
			[]string{"outcome"},
		),
		WorkerUptime: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "enclave_worker_uptime_seconds",
				Help: "Worker process uptime in seconds.",
			},
		),
		WorkerInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "enclave_worker_info",
				Help: "Static worker build information.",
			},
			[]string{"worker", "version"},
		),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.JobsTotal,
			m.JobDuration,
			m.JobsInFlight,
			m.ErrorCodesTotal,
			m.ExternalCallsTotal,
			m.ExternalCallDuration,
			m.AttestationsIssued,
			m.AttestationsVerified,
			m.WorkerUptime,
			m.WorkerInfo,
		)
	}

	m.WorkerInfo.WithLabelValues(workerName, "1.0.0").Set(1)

	return m
}

// RecordJob records a completed job's duration and resulting error code.
func (m *Metrics) RecordJob(jobName, code string, duration time.Duration) {
	m.JobsTotal.WithLabelValues(jobName, code).Inc()
	m.JobDuration.WithLabelValues(jobName).Observe(duration.Seconds())
	m.ErrorCodesTotal.WithLabelValues(jobName, code).Inc()
}

// RecordExternalCall records the outcome of a call to an external service
// (KMS, Twilio, SMTP/SendGrid, the loopback host).
func (m *Metrics) RecordExternalCall(service, status string, duration time.Duration) {
	m.ExternalCallsTotal.WithLabelValues(service, status).Inc()
	m.ExternalCallDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordAttestationIssued increments the issued-attestation counter.
func (m *Metrics) RecordAttestationIssued() {
	m.AttestationsIssued.Inc()
}

// RecordAttestationVerified records a verification outcome ("ok" or "rejected").
func (m *Metrics) RecordAttestationVerified(outcome string) {
	m.AttestationsVerified.WithLabelValues(outcome).Inc()
}

// SetInFlight marks whether a job is currently being processed.
func (m *Metrics) SetInFlight(inFlight bool) {
	if inFlight {
		m.JobsInFlight.Set(1)
	} else {
		m.JobsInFlight.Set(0)
	}
}

// UpdateUptime updates the worker uptime gauge.
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.WorkerUptime.Set(time.Since(startTime).Seconds())
}

// Enabled returns whether Prometheus metrics should be exposed.
// Disabled only when METRICS_ENABLED is explicitly set to a falsy value.
func Enabled() bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv("METRICS_ENABLED")))
	switch raw {
	case "0", "false", "no", "off":
		return false
	default:
		return true
	}
}

var (
	globalMetrics *Metrics
	globalMu      sync.Mutex
)

// Init initializes the global metrics instance.
func Init(workerName string) *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New(workerName)
	}
	return globalMetrics
}

// Global returns the global metrics instance.
func Global() *Metrics {
	globalMu.Lock()
	defer globalMu.Unlock()

	if globalMetrics == nil {
		globalMetrics = New("enclave-worker")
	}
	return globalMetrics
}
