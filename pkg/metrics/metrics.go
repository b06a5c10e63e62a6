// Package metrics exposes Prometheus collectors for step runs and bridge calls.
//
// All metrics live under the "stepflow" namespace:
//
//	runs_total{status}                      runs finished, by terminal status
//	steps_total{label}                      step impls executed
//	step_duration_ms{label,outcome}         step impl latency
//	interceptor_hits_total                  iterations redirected by an interceptor
//	interceptor_errors_total                interceptor failures (logged, skipped)
//	bridge_calls_total{method,mode,outcome} bridge invocations
//	bridge_call_duration_ms{method,mode}    bridge latency
//	bridge_pending_callbacks                async calls awaiting a callback
//
// A nil *Collector is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stepflow"

// Collector groups the step and bridge metrics registered on one registry.
type Collector struct {
	runs              *prometheus.CounterVec
	steps             *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	interceptorHits   prometheus.Counter
	interceptorErrors prometheus.Counter
	bridgeCalls       *prometheus.CounterVec
	bridgeDuration    *prometheus.HistogramVec
	pendingCallbacks  prometheus.Gauge
}

// New creates and registers all collectors on reg. A nil reg uses the
// default registerer.
func New(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Collector{
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Step runs finished, by terminal status",
		}, []string{"status"}),
		steps: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Step implementations executed",
		}, []string{"label"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_ms",
			Help:      "Step implementation duration in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"label", "outcome"}),
		interceptorHits: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interceptor_hits_total",
			Help:      "Iterations redirected to an intercepted step",
		}),
		interceptorErrors: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "interceptor_errors_total",
			Help:      "Interceptor invocations that failed and were skipped",
		}),
		bridgeCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bridge_calls_total",
			Help:      "Native bridge invocations",
		}, []string{"method", "mode", "outcome"}),
		bridgeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "bridge_call_duration_ms",
			Help:      "Native bridge call latency in milliseconds",
			Buckets:   []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000},
		}, []string{"method", "mode"}),
		pendingCallbacks: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "bridge_pending_callbacks",
			Help:      "Asynchronous bridge calls waiting for a callback",
		}),
	}
}

// RunFinished counts a run that ended with status ("completed" or "error").
func (c *Collector) RunFinished(status string) {
	if c == nil {
		return
	}
	c.runs.WithLabelValues(status).Inc()
}

// StepExecuted records one step impl invocation.
func (c *Collector) StepExecuted(label string, d time.Duration, err error) {
	if c == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	c.steps.WithLabelValues(label).Inc()
	c.stepDuration.WithLabelValues(label, outcome).Observe(float64(d.Milliseconds()))
}

// InterceptorHit counts an iteration that ran an intercepted step.
func (c *Collector) InterceptorHit() {
	if c == nil {
		return
	}
	c.interceptorHits.Inc()
}

// InterceptorError counts a failed interceptor.
func (c *Collector) InterceptorError() {
	if c == nil {
		return
	}
	c.interceptorErrors.Inc()
}

// BridgeCall records a bridge invocation. outcome is "ok", "error" or "timeout".
func (c *Collector) BridgeCall(method, mode, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.bridgeCalls.WithLabelValues(method, mode, outcome).Inc()
	c.bridgeDuration.WithLabelValues(method, mode).Observe(float64(d.Milliseconds()))
}

// PendingCallbacks sets the number of outstanding async calls.
func (c *Collector) PendingCallbacks(n int) {
	if c == nil {
		return
	}
	c.pendingCallbacks.Set(float64(n))
}
