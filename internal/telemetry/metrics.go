// Package telemetry registers the Prometheus metrics the evaluation
// pipeline reports, and optionally mirrors them to an OTLP collector.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the evaluation pipeline's counters and histograms, named
// exactly as the external interface requires: policy_evaluations_total,
// policy_evaluation_latency_seconds, policy_evaluation_deadlines_total.
type Metrics struct {
	evaluationsTotal    *prometheus.CounterVec
	evaluationLatency   *prometheus.HistogramVec
	evaluationDeadlines *prometheus.CounterVec
}

// NewMetrics creates and registers the evaluation metrics against registry.
// A caller with KUBEWARDEN_ENABLE_METRICS unset may pass a registry that is
// never exposed over HTTP; the metrics are always recorded regardless, so
// enabling the endpoint later does not lose history.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		evaluationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_evaluations_total",
				Help: "Total number of policy evaluations, by policy, mode and outcome.",
			},
			[]string{"policy", "mode", "outcome"},
		),
		evaluationLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "policy_evaluation_latency_seconds",
				Help:    "Policy evaluation latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"policy"},
		),
		evaluationDeadlines: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "policy_evaluation_deadlines_total",
				Help: "Total number of policy evaluations that exceeded their deadline.",
			},
			[]string{"policy"},
		),
	}

	registry.MustRegister(m.evaluationsTotal, m.evaluationLatency, m.evaluationDeadlines)
	return m
}

// ObserveEvaluation implements worker.Metrics: records one evaluation's
// outcome and duration.
func (m *Metrics) ObserveEvaluation(policyName, mode, outcome string, duration time.Duration) {
	m.evaluationsTotal.WithLabelValues(policyName, mode, outcome).Inc()
	m.evaluationLatency.WithLabelValues(policyName).Observe(duration.Seconds())
}

// ObserveDeadlineExceeded implements worker.Metrics: records a deadline
// overrun for the named policy.
func (m *Metrics) ObserveDeadlineExceeded(policyName string) {
	m.evaluationDeadlines.WithLabelValues(policyName).Inc()
}
