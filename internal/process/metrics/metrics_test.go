package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	m := NewWithRegisterer(prometheus.NewRegistry())

	m.IncrementTransition("DRAFT", "SUBMITTED")
	m.IncrementTransition("DRAFT", "SUBMITTED")
	m.IncrementDecision("VALIDATOR", true)
	m.IncrementDecision("DIRECTOR", false)
	m.IncrementConflict("make_decision")
	m.ObserveOperation("submit", time.Now())
	m.ObserveSign(time.Now())

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("DRAFT", "SUBMITTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("VALIDATOR", "approved")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("DIRECTOR", "rejected")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Conflicts.WithLabelValues("make_decision")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.OperationDuration))
}
