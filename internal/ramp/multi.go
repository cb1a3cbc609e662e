package ramp

import (
	"context"
	"fmt"
	"math"

	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/timeutil"
)

// Ramper is implemented by instruments that ramp or pulse several channels
// in hardware. Ramp and Pulse only arm the motion; it starts on
// TriggerStart, or on the named sync trigger when one is given.
type Ramper interface {
	Name() string
	// MaxRampChannels is how many channels one Ramp call may drive.
	MaxRampChannels() int
	// Ramp arms a linear ramp of handles from starts to ends over rampTime
	// seconds. A nil starts means the current values.
	Ramp(ctx context.Context, handles []*param.Handle, starts, ends []float64, rampTime float64, syncTrigger string) error
	// Pulse arms explicit per-handle setpoint arrays, stepping every delay
	// seconds.
	Pulse(ctx context.Context, handles []*param.Handle, setpoints [][]float64, delay float64, syncTrigger string) error
	TriggerStart(ctx context.Context) error
	TriggerReset(ctx context.Context) error
}

// Lookup finds the native ramp capability of an instrument.
type Lookup func(instrument string) (Ramper, bool)

// RampOrSetParameters moves every handle to its target. Handles whose
// instrument has a Ramper are grouped and ramped natively in chunks of at
// most MaxRampChannels; the call blocks for the ramp time and then resets
// the trigger. Everything else falls back to RampOrSet, one handle at a time.
func (s *Strategy) RampOrSetParameters(ctx context.Context, handles []*param.Handle, targets []any, opts Options, lookup Lookup) error {
	if len(handles) != len(targets) {
		return fmt.Errorf("ramp: %d handles but %d targets", len(handles), len(targets))
	}
	opts = opts.withDefaults()

	type group struct {
		ramper  Ramper
		handles []*param.Handle
		ends    []float64
	}
	var order []string
	groups := make(map[string]*group)
	var fallback []int

	for i, h := range handles {
		var r Ramper
		var ok bool
		if lookup != nil {
			r, ok = lookup(h.Instrument())
		}
		tf, numeric := param.AsFloat(targets[i])
		if !ok || !numeric || !h.Settable() {
			fallback = append(fallback, i)
			continue
		}
		if cur, ok := h.CachedFloat(); ok && Close(cur, tf, opts.Tolerance) {
			continue
		}
		g, seen := groups[h.Instrument()]
		if !seen {
			g = &group{ramper: r}
			groups[h.Instrument()] = g
			order = append(order, h.Instrument())
		}
		g.handles = append(g.handles, h)
		g.ends = append(g.ends, tf)
	}

	for _, inst := range order {
		g := groups[inst]
		size := g.ramper.MaxRampChannels()
		if size <= 0 {
			size = len(g.handles)
		}
		for lo := 0; lo < len(g.handles); lo += size {
			hi := min(lo+size, len(g.handles))
			if err := s.hardwareRamp(ctx, g.ramper, g.handles[lo:hi], g.ends[lo:hi], opts); err != nil {
				return err
			}
		}
	}

	for _, i := range fallback {
		if err := s.RampOrSet(ctx, handles[i], targets[i], opts); err != nil {
			return err
		}
	}
	return nil
}

func (s *Strategy) hardwareRamp(ctx context.Context, r Ramper, hs []*param.Handle, ends []float64, opts Options) error {
	rampTime := opts.Time
	if rampTime <= 0 {
		for i, h := range hs {
			cur, _ := h.CachedFloat()
			rampTime = math.Max(rampTime, math.Abs(ends[i]-cur)/opts.Rate)
		}
	}

	var releases []func()
	defer func() {
		for _, rel := range releases {
			rel()
		}
	}()
	for _, h := range hs {
		rel, err := h.Acquire("hardware-ramp")
		if err != nil {
			return fmt.Errorf("%s: %w", h.Name(), ErrRampInProgress)
		}
		releases = append(releases, rel)
	}

	s.Log.Debugf("%s: hardware ramp of %d channels over %gs", r.Name(), len(hs), rampTime)
	if err := r.Ramp(ctx, hs, nil, ends, rampTime, ""); err != nil {
		return fmt.Errorf("ramp on %s: %w", r.Name(), err)
	}
	if err := r.TriggerStart(ctx); err != nil {
		return fmt.Errorf("start ramp on %s: %w", r.Name(), err)
	}
	sleepErr := timeutil.SleepContext(ctx, s.Clock, timeutil.Seconds(rampTime))
	if err := r.TriggerReset(ctx); err != nil {
		return fmt.Errorf("reset trigger on %s: %w", r.Name(), err)
	}
	if sleepErr != nil {
		return sleepErr
	}
	for _, h := range hs {
		if _, err := h.Get(ctx); err != nil {
			s.Log.Warnf("refresh %s after ramp: %v", h.Name(), err)
		}
	}
	s.Metrics.ObserveRamp("hardware")
	return nil
}
