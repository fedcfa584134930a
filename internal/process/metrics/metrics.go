package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

// Metrics provides observability for the process state machine.
// Tracks committed transitions, decision outcomes, lost races and operation latency.
type Metrics struct {
	Transitions       *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	Conflicts         *prometheus.CounterVec
	OperationDuration *prometheus.HistogramVec
	SignDuration      prometheus.Histogram
}

// New registers the process metrics with the default registry.
func New() *Metrics {
	return NewWithRegisterer(prometheus.DefaultRegisterer)
}

// NewWithRegisterer registers the process metrics with reg.
func NewWithRegisterer(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "subsidy_process_transitions_total",
			Help: "Committed state transitions by source and target state",
		}, []string{"from", "to"}),
		Decisions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "subsidy_process_decisions_total",
			Help: "Recorded decisions by acting role and outcome",
		}, []string{"role", "outcome"}),
		Conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Name: "subsidy_process_conflicts_total",
			Help: "Operations rejected because the process changed or was in the wrong state",
		}, []string{"operation"}),
		OperationDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "subsidy_process_operation_duration_seconds",
			Help:    "Duration of state machine operations",
			Buckets: durationBuckets,
		}, []string{"operation"}),
		SignDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "subsidy_process_sign_duration_seconds",
			Help:    "Duration of signing including PDF rendering",
			Buckets: durationBuckets,
		}),
	}
}

func (m *Metrics) IncrementTransition(from, to string) {
	m.Transitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) IncrementDecision(role string, approved bool) {
	outcome := "rejected"
	if approved {
		outcome = "approved"
	}
	m.Decisions.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) IncrementConflict(operation string) {
	m.Conflicts.WithLabelValues(operation).Inc()
}

// ObserveOperation records the duration of an operation.
// Call with time.Now() at the start of the operation.
func (m *Metrics) ObserveOperation(operation string, start time.Time) {
	m.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveSign(start time.Time) {
	m.SignDuration.Observe(time.Since(start).Seconds())
}
