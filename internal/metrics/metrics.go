// Package metrics exposes engine activity as Prometheus metrics.
//
// A nil *Recorder is valid and records nothing, so components take one
// without caring whether metrics are enabled.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stepgate"

// Recorder holds the engine's collectors.
type Recorder struct {
	steps            *prometheus.CounterVec
	stepDuration     *prometheus.HistogramVec
	stepAttempts     *prometheus.CounterVec
	instances        *prometheus.CounterVec
	approvals        *prometheus.CounterVec
	rollbackFailures prometheus.Counter
	risk             prometheus.Histogram
	running          prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses a fresh registry,
// which keeps tests independent of the global one.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Recorder{
		steps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps that finished, by operation kind and outcome.",
		}, []string{"kind", "outcome"}),
		stepDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall time of a step including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"kind"}),
		stepAttempts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_attempts_total",
			Help:      "Individual step attempts, by operation kind.",
		}, []string{"kind"}),
		instances: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "instances_total",
			Help:      "Instances that reached a final status.",
		}, []string{"status"}),
		approvals: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Gate resolutions, by resulting status.",
		}, []string{"status"}),
		rollbackFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollback_failures_total",
			Help:      "Undo records that could not be applied.",
		}),
		risk: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_risk_score",
			Help:      "Risk scores computed for steps becoming ready.",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		}),
		running: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "instances_running",
			Help:      "Instances currently driven by this process.",
		}),
	}
}

// StepFinished records a step outcome ("completed", "failed", "skipped").
func (r *Recorder) StepFinished(kind, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.steps.WithLabelValues(kind, outcome).Inc()
	if outcome != "skipped" {
		r.stepDuration.WithLabelValues(kind).Observe(d.Seconds())
	}
}

// Attempt counts one step attempt.
func (r *Recorder) Attempt(kind string) {
	if r == nil {
		return
	}
	r.stepAttempts.WithLabelValues(kind).Inc()
}

// InstanceFinished records a final instance status.
func (r *Recorder) InstanceFinished(status string) {
	if r == nil {
		return
	}
	r.instances.WithLabelValues(status).Inc()
}

// Approval records a gate resolution.
func (r *Recorder) Approval(status string) {
	if r == nil {
		return
	}
	r.approvals.WithLabelValues(status).Inc()
}

// RollbackFailure counts a failed undo.
func (r *Recorder) RollbackFailure() {
	if r == nil {
		return
	}
	r.rollbackFailures.Inc()
}

// Risk observes a computed risk score.
func (r *Recorder) Risk(score float64) {
	if r == nil {
		return
	}
	r.risk.Observe(score)
}

// InstanceStarted and InstanceStopped track instances in flight.
func (r *Recorder) InstanceStarted() {
	if r == nil {
		return
	}
	r.running.Inc()
}

func (r *Recorder) InstanceStopped() {
	if r == nil {
		return
	}
	r.running.Dec()
}
