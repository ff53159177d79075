package retry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics names as constants for consistency.
const (
	MetricRetryJobsTotal      = "payment_retry_jobs_total"
	MetricRetryJobsDuration   = "payment_retry_jobs_duration_seconds"
	MetricRetryJobErrorsTotal = "payment_retry_job_errors_total"
	MetricRetryQueueDepth     = "payment_retry_queue_depth"
	MetricRetrySweptTotal     = "payment_retry_swept_attempts_total"
)

// Status constants for job completion.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
	StatusSkipped = "skipped"
)

// Metrics contains Prometheus metrics for the retry worker.
type Metrics struct {
	jobsTotal    *prometheus.CounterVec
	jobsDuration prometheus.Histogram
	jobErrors    *prometheus.CounterVec
	queueDepth   prometheus.Gauge
	sweptTotal   prometheus.Counter
}

// NewMetrics creates retry metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		jobsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRetryJobsTotal,
				Help: "Total number of payment retry jobs by status",
			},
			[]string{"status"},
		),
		jobsDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    MetricRetryJobsDuration,
				Help:    "Histogram of payment retry job duration in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1.0, 2.0, 5.0, 10.0, 30.0, 60.0},
			},
		),
		jobErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRetryJobErrorsTotal,
				Help: "Total number of payment retry job errors by error code",
			},
			[]string{"error_type"},
		),
		queueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: MetricRetryQueueDepth,
				Help: "Number of scheduled payment retries not yet claimed",
			},
		),
		sweptTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricRetrySweptTotal,
				Help: "Total number of stale retry attempts put back on the queue",
			},
		),
	}
}

// Register registers all metrics with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors for testing.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsTotal,
		m.jobsDuration,
		m.jobErrors,
		m.queueDepth,
		m.sweptTotal,
	}
}

// IncJobsTotal increments the jobs counter for status.
func (m *Metrics) IncJobsTotal(status string) {
	if m == nil {
		return
	}
	m.jobsTotal.WithLabelValues(status).Inc()
}

// ObserveJobDuration records a job duration sample.
func (m *Metrics) ObserveJobDuration(seconds float64) {
	if m == nil {
		return
	}
	m.jobsDuration.Observe(seconds)
}

// IncJobErrors increments the job errors counter.
// errorType is the payment error code of the failed run.
func (m *Metrics) IncJobErrors(errorType string) {
	if m == nil {
		return
	}
	m.jobErrors.WithLabelValues(errorType).Inc()
}

// SetQueueDepth records the number of pending jobs.
func (m *Metrics) SetQueueDepth(n int64) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(n))
}

// AddSwept counts stale attempts re-enqueued by a sweep.
func (m *Metrics) AddSwept(n int) {
	if m == nil {
		return
	}
	m.sweptTotal.Add(float64(n))
}
