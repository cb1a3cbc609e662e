// Package ramp moves parameters to target values, either by stepping them
// in software at a bounded rate or by handing whole groups to instruments
// that ramp natively.
package ramp

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/sweep"
	"github.com/banshee-data/sweeplab/internal/timeutil"
)

var (
	// ErrUnsweepable means a value cannot be stepped (non-numeric). The
	// strategy recovers by setting directly.
	ErrUnsweepable = errors.New("parameter cannot be swept")
	// ErrRampInProgress means the handle already has an outstanding ramp.
	ErrRampInProgress = errors.New("ramp already in progress")
)

const (
	DefaultRate         = 0.3
	DefaultTime         = 5.0
	DefaultStepInterval = 0.1
	DefaultTolerance    = 1e-5
)

// Options bounds a ramp. Rate is in units per second; Time and StepInterval
// are in seconds. A zero field takes its default; a negative Time disables
// the time budget.
type Options struct {
	Rate         float64
	Time         float64
	StepInterval float64
	Tolerance    float64
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{Rate: DefaultRate, Time: DefaultTime, StepInterval: DefaultStepInterval, Tolerance: DefaultTolerance}
}

func (o Options) withDefaults() Options {
	if o.Rate <= 0 {
		o.Rate = DefaultRate
	}
	if o.Time == 0 {
		o.Time = DefaultTime
	}
	if o.StepInterval <= 0 {
		o.StepInterval = DefaultStepInterval
	}
	if o.Tolerance <= 0 {
		o.Tolerance = DefaultTolerance
	}
	return o
}

// Close reports whether a and b are equal within the relative tolerance.
func Close(a, b, tol float64) bool {
	return math.Abs(a-b) <= 1e-12+tol*math.Abs(b)
}

// Plan returns the value sequence for moving from current to target,
// starting at current and ending exactly at target. The effective rate is
// raised when the time budget would otherwise be exceeded.
func Plan(current, target float64, opts Options) []float64 {
	opts = opts.withDefaults()
	delta := math.Abs(target - current)
	rate := opts.Rate
	if opts.Time > 0 && delta/rate > opts.Time {
		rate = delta / opts.Time
	}
	n := int(delta/(rate*opts.StepInterval)) + 2
	return sweep.Linspace(current, target, n)
}

// Strategy performs rate-limited ramps on handles. Each handle may have at
// most one ramp outstanding.
type Strategy struct {
	Clock   timeutil.Clock
	Log     monitoring.Logger
	Metrics *monitoring.Metrics
	tracker *Tracker
}

// NewStrategy returns a Strategy. A nil clock uses the real clock.
func NewStrategy(clock timeutil.Clock, log monitoring.Logger, metrics *monitoring.Metrics) *Strategy {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Strategy{Clock: clock, Log: log, Metrics: metrics, tracker: NewTracker()}
}

// Tracker returns the ramp task registry.
func (s *Strategy) Tracker() *Tracker {
	return s.tracker
}

// RampOrSet moves h to target. Unsettable handles are skipped with a
// warning; non-numeric values are set directly; values already within
// tolerance are left alone.
func (s *Strategy) RampOrSet(ctx context.Context, h *param.Handle, target any, opts Options) error {
	task, err := s.Start(ctx, h, target, opts)
	if err != nil {
		return err
	}
	return task.Wait()
}

// Start begins moving h to target in its own goroutine and returns the task.
// Starting a second ramp on a handle before the first has finished returns
// ErrRampInProgress.
func (s *Strategy) Start(ctx context.Context, h *param.Handle, target any, opts Options) (*Task, error) {
	if !h.Settable() {
		s.Log.Warnf("%s: %v, skipping", h.Name(), param.ErrUnsettable)
		s.Metrics.ObserveRamp("skip")
		return finishedTask(h, nil), nil
	}
	task, err := s.tracker.begin(ctx, h)
	if err != nil {
		return nil, err
	}
	go func() {
		task.finish(s.move(task.ctx, h, target, opts))
	}()
	return task, nil
}

func (s *Strategy) move(ctx context.Context, h *param.Handle, target any, opts Options) error {
	opts = opts.withDefaults()
	tf, numeric := param.AsFloat(target)
	cur, haveCur := h.CachedFloat()
	if numeric && !haveCur {
		if v, err := h.GetFloat(ctx); err == nil {
			cur, haveCur = v, true
		}
	}
	if !numeric || !haveCur {
		s.Log.Debugf("%s: %v, setting %v directly", h.Name(), ErrUnsweepable, target)
		s.Metrics.ObserveRamp("set")
		return h.Set(ctx, target)
	}
	if Close(cur, tf, opts.Tolerance) {
		return nil
	}

	steps := Plan(cur, tf, opts)
	s.Log.Debugf("%s: ramping %g -> %g in %d steps", h.Name(), cur, tf, len(steps)-1)
	interval := timeutil.Seconds(opts.StepInterval)
	for _, v := range steps[1:] {
		if err := h.Set(ctx, v); err != nil {
			return err
		}
		if err := timeutil.SleepContext(ctx, s.Clock, interval); err != nil {
			return fmt.Errorf("ramp %s interrupted at %g: %w", h.Name(), v, err)
		}
	}
	s.Metrics.ObserveRamp("ramp")
	return nil
}

// Duration is the time a software ramp from current to target takes.
func Duration(current, target float64, opts Options) time.Duration {
	opts = opts.withDefaults()
	steps := len(Plan(current, target, opts)) - 1
	return time.Duration(steps) * timeutil.Seconds(opts.StepInterval)
}
