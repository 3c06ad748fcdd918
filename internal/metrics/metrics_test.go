package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorder_NilIsNoop(t *testing.T) {
	var r *Recorder
	r.StepFinished("command", "completed", time.Second)
	r.Attempt("command")
	r.InstanceFinished("completed")
	r.Approval("approved")
	r.RollbackFailure()
	r.Risk(0.5)
	r.InstanceStarted()
	r.InstanceStopped()
}

func TestRecorder_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.StepFinished("command", "completed", 2*time.Second)
	r.StepFinished("command", "failed", time.Second)
	r.Approval("denied")
	r.RollbackFailure()
	r.Risk(0.7)
	r.InstanceStarted()

	families, err := reg.Gather()
	require.NoError(t, err)
	byName := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				byName[mf.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				byName[mf.GetName()] += m.GetGauge().GetValue()
			case m.GetHistogram() != nil:
				byName[mf.GetName()] += float64(m.GetHistogram().GetSampleCount())
			}
		}
	}
	assert.Equal(t, 2.0, byName["stepgate_steps_total"])
	assert.Equal(t, 2.0, byName["stepgate_step_duration_seconds"])
	assert.Equal(t, 1.0, byName["stepgate_approvals_total"])
	assert.Equal(t, 1.0, byName["stepgate_rollback_failures_total"])
	assert.Equal(t, 1.0, byName["stepgate_step_risk_score"])
	assert.Equal(t, 1.0, byName["stepgate_instances_running"])
}
