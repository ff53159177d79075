package automaton

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names.
const (
	MetricRunsTotal             = "payment_automaton_runs_total"
	MetricPluginCallDuration    = "payment_plugin_call_duration_seconds"
	MetricRetriesScheduledTotal = "payment_retries_scheduled_total"
)

// Metrics contains Prometheus metrics for the payment automaton.
type Metrics struct {
	runsTotal        *prometheus.CounterVec
	pluginDuration   *prometheus.HistogramVec
	retriesScheduled *prometheus.CounterVec
}

// NewMetrics creates automaton metrics. Call Register to expose them.
func NewMetrics() *Metrics {
	return &Metrics{
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRunsTotal,
				Help: "Total number of executed payment attempts by transaction type and final attempt state",
			},
			[]string{"transaction_type", "state"},
		),
		pluginDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricPluginCallDuration,
				Help:    "Histogram of gateway plugin call duration in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
			},
			[]string{"plugin", "outcome"},
		),
		retriesScheduled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricRetriesScheduledTotal,
				Help: "Total number of payment retries scheduled by transaction type",
			},
			[]string{"transaction_type"},
		),
	}
}

// Register registers all metrics with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range m.Collectors() {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Collectors returns all Prometheus collectors.
func (m *Metrics) Collectors() []prometheus.Collector {
	return []prometheus.Collector{m.runsTotal, m.pluginDuration, m.retriesScheduled}
}

func (m *Metrics) incRuns(transactionType, state string) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(transactionType, state).Inc()
}

func (m *Metrics) observePlugin(pluginName, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.pluginDuration.WithLabelValues(pluginName, outcome).Observe(seconds)
}

func (m *Metrics) incRetries(transactionType string) {
	if m == nil {
		return
	}
	m.retriesScheduled.WithLabelValues(transactionType).Inc()
}
