// Package sweep describes the setpoint sequences a dynamic parameter is
// driven through, and the range helpers used to build them.
package sweep

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/sweeplab/internal/param"
)

// ErrInvalidDescriptor is returned for descriptors that cannot produce setpoints.
var ErrInvalidDescriptor = errors.New("invalid sweep descriptor")

// Descriptor is the setpoint sequence for one handle plus the settle delay
// after each step, in seconds.
type Descriptor struct {
	Handle    *param.Handle
	Setpoints []float64
	Delay     float64
}

// Linear returns count evenly spaced setpoints from start to stop inclusive.
func Linear(h *param.Handle, start, stop float64, count int, delay float64) (Descriptor, error) {
	if count < 1 {
		return Descriptor{}, fmt.Errorf("%w: num_points must be at least 1, got %d", ErrInvalidDescriptor, count)
	}
	if delay < 0 {
		return Descriptor{}, fmt.Errorf("%w: negative delay %g", ErrInvalidDescriptor, delay)
	}
	return Descriptor{Handle: h, Setpoints: Linspace(start, stop, count), Delay: delay}, nil
}

// Custom wraps an explicit setpoint array. The slice is copied.
func Custom(h *param.Handle, setpoints []float64, delay float64) (Descriptor, error) {
	if len(setpoints) == 0 {
		return Descriptor{}, fmt.Errorf("%w: empty setpoints", ErrInvalidDescriptor)
	}
	if delay < 0 {
		return Descriptor{}, fmt.Errorf("%w: negative delay %g", ErrInvalidDescriptor, delay)
	}
	sp := make([]float64, len(setpoints))
	copy(sp, setpoints)
	return Descriptor{Handle: h, Setpoints: sp, Delay: delay}, nil
}

// FromEntry builds the descriptor for a dynamic table entry. Explicit
// setpoints take precedence over start/stop/num_points.
func FromEntry(e *param.Entry) (Descriptor, error) {
	p := e.Props
	if len(p.Setpoints) > 0 {
		return Custom(e.Handle, p.Setpoints, p.Delay)
	}
	if p.Start == nil || p.Stop == nil || p.NumPoints == 0 {
		return Descriptor{}, fmt.Errorf("%w: %s needs setpoints or start, stop and num_points",
			ErrInvalidDescriptor, e.Handle.Name())
	}
	return Linear(e.Handle, *p.Start, *p.Stop, p.NumPoints, p.Delay)
}

// Len returns the number of setpoints.
func (d Descriptor) Len() int {
	return len(d.Setpoints)
}

// First returns the first setpoint.
func (d Descriptor) First() float64 {
	return d.Setpoints[0]
}

// Last returns the final setpoint.
func (d Descriptor) Last() float64 {
	return d.Setpoints[len(d.Setpoints)-1]
}

// Reversed returns a copy that runs the setpoints backwards.
func (d Descriptor) Reversed() Descriptor {
	d.Setpoints = Reverse(d.Setpoints)
	return d
}

// WithBacksweep returns a copy whose setpoints run forward then backward.
func (d Descriptor) WithBacksweep() Descriptor {
	d.Setpoints = append(append([]float64(nil), d.Setpoints...), Reverse(d.Setpoints)...)
	return d
}

// Linspace returns n evenly spaced values over [start, stop]. The end points
// are exact.
func Linspace(start, stop float64, n int) []float64 {
	if n <= 0 {
		return nil
	}
	if n == 1 {
		return []float64{start}
	}
	out := floats.Span(make([]float64, n), start, stop)
	out[n-1] = stop
	return out
}

// Reverse returns a reversed copy of s.
func Reverse(s []float64) []float64 {
	out := make([]float64, len(s))
	for i, v := range s {
		out[len(s)-1-i] = v
	}
	return out
}
