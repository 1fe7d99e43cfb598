// Package metrics exposes engine counters through Prometheus. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "guardian"

type Metrics struct {
	PlansCreated     *prometheus.CounterVec
	PlansFinished    *prometheus.CounterVec
	Steps            *prometheus.CounterVec
	StepDuration     prometheus.Histogram
	StepRetries      prometheus.Counter
	Rollbacks        *prometheus.CounterVec
	OracleFailures   prometheus.Counter
	ApprovalsPending prometheus.Gauge
	ApprovalsStale   prometheus.Gauge
}

// New creates the collectors and registers them with reg when it is not
// nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PlansCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_created_total",
			Help:      "Plans created, by source (oracle or fallback).",
		}, []string{"source"}),
		PlansFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "plans_finished_total",
			Help:      "Plans that reached a terminal status.",
		}, []string{"status"}),
		Steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps that reached a terminal status.",
		}, []string{"status"}),
		StepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall-clock time spent dispatching a step.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		StepRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Tool calls retried after a retryable failure or timeout.",
		}),
		Rollbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Rollback invocations, by result.",
		}, []string{"result"}),
		OracleFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "oracle_failures_total",
			Help:      "Oracle calls that failed and fell back to the generic plan.",
		}),
		ApprovalsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_pending",
			Help:      "Plans waiting for approval at the last sweep.",
		}),
		ApprovalsStale: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "approvals_stale",
			Help:      "Pending plans older than the approval timeout at the last sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.PlansCreated, m.PlansFinished, m.Steps, m.StepDuration,
			m.StepRetries, m.Rollbacks, m.OracleFailures, m.ApprovalsPending, m.ApprovalsStale)
	}
	return m
}

func (m *Metrics) PlanCreated(source string) {
	if m == nil {
		return
	}
	m.PlansCreated.WithLabelValues(source).Inc()
}

func (m *Metrics) PlanFinished(status string) {
	if m == nil {
		return
	}
	m.PlansFinished.WithLabelValues(status).Inc()
}

// StepFinished counts a terminal step. Skipped steps pass a zero duration
// and are not observed in the histogram.
func (m *Metrics) StepFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Steps.WithLabelValues(status).Inc()
	if d > 0 {
		m.StepDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) StepRetried() {
	if m == nil {
		return
	}
	m.StepRetries.Inc()
}

func (m *Metrics) RollbackInvoked(ok bool) {
	if m == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	m.Rollbacks.WithLabelValues(result).Inc()
}

func (m *Metrics) OracleFailed() {
	if m == nil {
		return
	}
	m.OracleFailures.Inc()
}

func (m *Metrics) SetApprovals(pending, stale int) {
	if m == nil {
		return
	}
	m.ApprovalsPending.Set(float64(pending))
	m.ApprovalsStale.Set(float64(stale))
}

// Handler serves the gatherer in the Prometheus text format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
