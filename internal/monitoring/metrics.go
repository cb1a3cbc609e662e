package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus collectors updated by the sweep engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	sweeps     *prometheus.CounterVec
	points     prometheus.Counter
	ramps      *prometheus.CounterVec
	breaks     prometheus.Counter
	bufferWait prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is convenient in tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeplab_sweeps_total",
			Help: "Sweep shape invocations by shape and outcome.",
		}, []string{"shape", "outcome"}),
		points: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweeplab_points_acquired_total",
			Help: "Data points written to result sinks.",
		}),
		ramps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sweeplab_ramps_total",
			Help: "Parameter moves by mode (ramp, set, skip, hardware).",
		}, []string{"mode"}),
		breaks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sweeplab_break_conditions_total",
			Help: "Sweeps terminated early by a break rule.",
		}),
		bufferWait: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sweeplab_buffer_wait_seconds",
			Help:    "Time spent waiting for armed buffers to finish.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.sweeps, m.points, m.ramps, m.breaks, m.bufferWait)
	}
	return m
}

// ObserveSweep counts one finished shape invocation.
func (m *Metrics) ObserveSweep(shape, outcome string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(shape, outcome).Inc()
}

// AddPoints counts acquired points.
func (m *Metrics) AddPoints(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.points.Add(float64(n))
}

// ObserveRamp counts a parameter move.
func (m *Metrics) ObserveRamp(mode string) {
	if m == nil {
		return
	}
	m.ramps.WithLabelValues(mode).Inc()
}

// ObserveBreak counts a break-rule trip.
func (m *Metrics) ObserveBreak() {
	if m == nil {
		return
	}
	m.breaks.Inc()
}

// ObserveBufferWait records how long a finish wait took.
func (m *Metrics) ObserveBufferWait(d time.Duration) {
	if m == nil {
		return
	}
	m.bufferWait.Observe(d.Seconds())
}
