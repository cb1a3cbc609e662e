package monitoring

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_Record(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.ObserveSweep("sweep_1d", "complete")
	m.ObserveSweep("sweep_1d", "complete")
	m.AddPoints(200)
	m.AddPoints(-1)
	m.ObserveRamp("ramp")
	m.ObserveBreak()
	m.ObserveBufferWait(150 * time.Millisecond)

	if got := testutil.ToFloat64(m.sweeps.WithLabelValues("sweep_1d", "complete")); got != 2 {
		t.Errorf("sweeps = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.points); got != 200 {
		t.Errorf("points = %v, want 200", got)
	}
	if got := testutil.ToFloat64(m.breaks); got != 1 {
		t.Errorf("breaks = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.bufferWait); n != 1 {
		t.Errorf("buffer wait samples = %d, want 1", n)
	}
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.ObserveSweep("x", "y")
	m.AddPoints(1)
	m.ObserveRamp("set")
	m.ObserveBreak()
	m.ObserveBufferWait(time.Second)
}
