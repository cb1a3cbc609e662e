// Package readout merges buffer reads into rectangular result columns.
package readout

import (
	"context"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/sweep"
)

// Collect stops and reads every distinct buffer exactly once and merges the
// results. A name reported by two buffers is an ErrBuffer.
func Collect(ctx context.Context, bufs []buffer.Buffer) (map[string][]float64, error) {
	out := make(map[string][]float64)
	for _, b := range buffer.Distinct(bufs) {
		if err := b.Stop(ctx); err != nil {
			return nil, fmt.Errorf("%w: stop %s: %w", buffer.ErrBuffer, b.Name(), err)
		}
		data, err := b.Read(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: read %s: %w", buffer.ErrBuffer, b.Name(), err)
		}
		for name, samples := range Flatten(data) {
			if name == buffer.TimestampKey {
				name = b.Name() + "." + buffer.TimestampKey
			}
			if _, dup := out[name]; dup {
				return nil, fmt.Errorf("%w: %s returned by more than one buffer", buffer.ErrBuffer, name)
			}
			out[name] = samples
		}
	}
	return out, nil
}

// Flatten concatenates the bursts of every entry.
func Flatten(d buffer.Data) map[string][]float64 {
	out := make(map[string][]float64, len(d))
	for name, bursts := range d {
		var n int
		for _, b := range bursts {
			n += len(b)
		}
		flat := make([]float64, 0, n)
		for _, b := range bursts {
			flat = append(flat, b...)
		}
		out[name] = flat
	}
	return out
}

// Constant returns n copies of v, for static columns that cannot be
// buffered.
func Constant(v float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v
	}
	return out
}

// TimeAxis returns the acquisition time of every flattened sample of r,
// bursts placed back to back.
func TimeAxis(r buffer.Resolved) []float64 {
	if r.NumPoints <= 0 || r.SamplingRate <= 0 {
		return nil
	}
	bursts := max(r.NumBursts, 1)
	out := make([]float64, 0, r.NumPoints*bursts)
	for b := 0; b < bursts; b++ {
		offset := float64(b) * r.BurstDuration
		for i := 0; i < r.NumPoints; i++ {
			out = append(out, offset+float64(i)/r.SamplingRate)
		}
	}
	return out
}

// SetpointAxis maps the flattened samples of a buffered linear ramp from
// first to last onto setpoint values.
func SetpointAxis(first, last float64, n int) []float64 {
	return sweep.Linspace(first, last, n)
}

// Accumulator averages repeated reads element-wise.
type Accumulator struct {
	sums  map[string][]float64
	order []string
	n     int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{sums: make(map[string][]float64)}
}

// Add folds one repetition in. Every repetition must carry the same names
// and lengths.
func (a *Accumulator) Add(rep map[string][]float64) error {
	if a.n == 0 {
		for name, v := range rep {
			a.sums[name] = append([]float64(nil), v...)
			a.order = append(a.order, name)
		}
		a.n++
		return nil
	}
	if len(rep) != len(a.sums) {
		return fmt.Errorf("%w: repetition has %d columns, want %d", buffer.ErrBuffer, len(rep), len(a.sums))
	}
	for name, v := range rep {
		sum, ok := a.sums[name]
		if !ok {
			return fmt.Errorf("%w: column %s missing from earlier repetitions", buffer.ErrBuffer, name)
		}
		if len(sum) != len(v) {
			return fmt.Errorf("%w: %s has %d samples, want %d", buffer.ErrBuffer, name, len(v), len(sum))
		}
	}
	for name, v := range rep {
		floats.Add(a.sums[name], v)
	}
	a.n++
	return nil
}

// Count returns the number of repetitions added.
func (a *Accumulator) Count() int { return a.n }

// Mean returns the element-wise average of every column.
func (a *Accumulator) Mean() map[string][]float64 {
	out := make(map[string][]float64, len(a.sums))
	if a.n == 0 {
		return out
	}
	for _, name := range a.order {
		m := append([]float64(nil), a.sums[name]...)
		floats.Scale(1/float64(a.n), m)
		out[name] = m
	}
	return out
}
