package measurement

import (
	"context"
	"fmt"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/compensation"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/sink"
	"github.com/banshee-data/sweeplab/internal/sweep"
	"github.com/banshee-data/sweeplab/internal/timeutil"
)

// TimeColumn names the independent axis of time-based shapes.
const TimeColumn = "time"

// line is a set of handles stepped together, index by index.
type line struct {
	handles   []*param.Handle
	setpoints [][]float64
	comps     []compensation.Series
	delay     float64
}

func (ln line) len() int { return len(ln.setpoints[0]) }

func (o *Orchestrator) requireDynamic() error {
	if len(o.sweeps) == 0 {
		return fmt.Errorf("%w: no dynamic parameters to sweep", buffer.ErrConfiguration)
	}
	return nil
}

func gettableNames(es []*param.Entry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Handle.Name()
	}
	return out
}

// Sweep1D sweeps every dynamic parameter on its own, in priority order,
// reading the gettables at each setpoint.
func (o *Orchestrator) Sweep1D(ctx context.Context) ([]*sink.Result, error) {
	if err := o.requireDynamic(); err != nil {
		return nil, err
	}
	var out []*sink.Result
	for i := range o.sweeps {
		res, err := o.sweep1D(ctx, i)
		if res != nil {
			out = append(out, res)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (o *Orchestrator) sweep1D(ctx context.Context, i int) (*sink.Result, error) {
	d := o.sweeps[i]
	s := o.newSession(Shape1D, i)
	comps, err := o.comp.PlanLockstep(o.activeSet(s))
	if err != nil {
		return nil, configErr(err)
	}
	defer o.cleanup(ctx, s)
	return o.runLine(ctx, s, line{
		handles:   []*param.Handle{d.Handle},
		setpoints: [][]float64{d.Setpoints},
		comps:     comps,
		delay:     d.Delay,
	})
}

// SweepParallel steps every dynamic parameter together through the
// setpoints of the first one.
func (o *Orchestrator) SweepParallel(ctx context.Context) ([]*sink.Result, error) {
	if err := o.requireDynamic(); err != nil {
		return nil, err
	}
	first := o.sweeps[0]
	ln := line{delay: first.Delay}
	active := make(compensation.Active)
	idx := make([]int, len(o.sweeps))
	for i, d := range o.sweeps {
		idx[i] = i
		ln.handles = append(ln.handles, d.Handle)
		ln.setpoints = append(ln.setpoints, first.Setpoints)
		active[d.Handle.Key()] = first.Setpoints
	}
	return o.runParallel(ctx, ShapeParallel, idx, ln, active)
}

// SweepParallelAsym steps every dynamic parameter together, each through
// its own setpoints. All setpoint lists must have the same length.
func (o *Orchestrator) SweepParallelAsym(ctx context.Context) ([]*sink.Result, error) {
	if err := o.requireDynamic(); err != nil {
		return nil, err
	}
	ln := line{delay: o.sweeps[0].Delay}
	active := make(compensation.Active)
	idx := make([]int, len(o.sweeps))
	for i, d := range o.sweeps {
		if d.Len() != o.sweeps[0].Len() {
			return nil, fmt.Errorf("%w: %s has %d setpoints, %s has %d",
				buffer.ErrConfiguration, d.Handle.Name(), d.Len(), o.sweeps[0].Handle.Name(), o.sweeps[0].Len())
		}
		idx[i] = i
		ln.handles = append(ln.handles, d.Handle)
		ln.setpoints = append(ln.setpoints, d.Setpoints)
		active[d.Handle.Key()] = d.Setpoints
	}
	return o.runParallel(ctx, ShapeParallelAsym, idx, ln, active)
}

func (o *Orchestrator) runParallel(ctx context.Context, shape Shape, idx []int, ln line, active compensation.Active) ([]*sink.Result, error) {
	comps, err := o.comp.PlanLockstep(active)
	if err != nil {
		return nil, configErr(err)
	}
	ln.comps = comps
	s := o.newSession(shape, idx...)
	defer o.cleanup(ctx, s)
	res, err := o.runLine(ctx, s, ln)
	return []*sink.Result{res}, err
}

func (o *Orchestrator) runLine(ctx context.Context, s *session, ln line) (*sink.Result, error) {
	rec := newRecorder(ln.handles[0].Name())
	for _, h := range ln.handles[1:] {
		rec.declareSetpoints(h.Name())
	}
	for _, c := range ln.comps {
		rec.declareSetpoints(c.Handle.Name())
	}
	rec.declareDependent(gettableNames(o.gettables)...)

	starts := make(map[*param.Handle]float64, len(ln.handles))
	for i, h := range ln.handles {
		starts[h] = ln.setpoints[i][0]
	}
	if err := o.initialize(ctx, s, starts); err != nil {
		return o.finishResult(ctx, s, rec, err)
	}
	statics, consts, err := o.staticValues(ctx, s)
	if err != nil {
		return o.finishResult(ctx, s, rec, err)
	}
	rec.declareStatic(statics...)

	visited := make([]int, 0, ln.len())
	for idx := 0; idx < ln.len(); idx++ {
		if err := o.visit(ctx, s, rec, ln, idx, consts); err != nil {
			return o.finishResult(ctx, s, rec, err)
		}
		visited = append(visited, idx)
		stop, err := o.checkBreak(s)
		if err != nil {
			return o.finishResult(ctx, s, rec, err)
		}
		if stop {
			break
		}
	}

	if s.broken && o.settings.BacksweepAfterBreak {
		o.log.Printf("%s: sweeping back over %d points", s.name, len(visited))
		for j := len(visited) - 1; j >= 0; j-- {
			if o.stopped.Load() {
				return o.finishResult(ctx, s, rec, ErrStopped)
			}
			if err := o.visit(ctx, s, rec, ln, visited[j], consts); err != nil {
				return o.finishResult(ctx, s, rec, err)
			}
		}
	}
	return o.finishResult(ctx, s, rec, nil)
}

// visit sets every handle of ln to its idx-th setpoint, waits the delay and
// measures.
func (o *Orchestrator) visit(ctx context.Context, s *session, rec *recorder, ln line, idx int, consts map[string]float64) error {
	point := make(map[string]float64)
	for i, h := range ln.handles {
		v := ln.setpoints[i][idx]
		if err := h.Set(ctx, v); err != nil {
			return fmt.Errorf("set %s: %w", h.Name(), err)
		}
		point[h.Name()] = v
	}
	for _, c := range ln.comps {
		v := c.Setpoints[idx]
		if err := c.Handle.Set(ctx, v); err != nil {
			return fmt.Errorf("set %s: %w", c.Handle.Name(), err)
		}
		point[c.Handle.Name()] = v
	}
	if err := timeutil.SleepContext(ctx, o.clock, timeutil.Seconds(ln.delay)); err != nil {
		return err
	}
	return o.measure(ctx, s, rec, point, consts)
}

// measure reads every gettable into point, appends it and records the
// values for break rules.
func (o *Orchestrator) measure(ctx context.Context, s *session, rec *recorder, point map[string]float64, consts map[string]float64) error {
	for _, e := range o.gettables {
		v, err := e.Handle.GetFloat(ctx)
		if err != nil {
			return fmt.Errorf("read %s: %w", e.Handle.Name(), err)
		}
		point[e.Handle.Name()] = v
	}
	recorded := make(map[string]float64, len(point))
	for k, v := range point {
		recorded[k] = v
	}
	for k, v := range consts {
		point[k] = v
	}
	if err := rec.add(point); err != nil {
		return err
	}
	for k, v := range recorded {
		s.history.Record(k, v)
	}
	return nil
}

// SweepND sweeps the dynamic parameters on a grid, the first in priority
// order outermost and the last innermost.
func (o *Orchestrator) SweepND(ctx context.Context) ([]*sink.Result, error) {
	if err := o.requireDynamic(); err != nil {
		return nil, err
	}
	idx := make([]int, len(o.sweeps))
	lengths := make([]int, len(o.sweeps))
	for i, d := range o.sweeps {
		idx[i] = i
		lengths[i] = d.Len()
	}
	s := o.newSession(ShapeND, idx...)
	active := o.activeSet(s)
	if err := o.comp.ValidateIndependent(active); err != nil {
		return nil, configErr(err)
	}
	grid, err := sweep.GridIndices(lengths)
	if err != nil {
		return nil, configErr(err)
	}
	coupled := o.comp.Coupled(active)
	defer o.cleanup(ctx, s)

	inner := o.sweeps[len(o.sweeps)-1]
	rec := newRecorder(inner.Handle.Name())
	for _, d := range o.sweeps[:len(o.sweeps)-1] {
		rec.declareSetpoints(d.Handle.Name())
	}
	for _, g := range coupled {
		rec.declareSetpoints(g.Handle.Name())
	}
	rec.declareDependent(gettableNames(o.gettables)...)

	starts := make(map[*param.Handle]float64, len(o.sweeps))
	for _, d := range o.sweeps {
		starts[d.Handle] = d.First()
	}
	res, err := o.runGrid(ctx, s, rec, grid, coupled, active, starts)
	return []*sink.Result{res}, err
}

func (o *Orchestrator) runGrid(ctx context.Context, s *session, rec *recorder, grid [][]int, coupled []compensation.Group, active compensation.Active, starts map[*param.Handle]float64) (*sink.Result, error) {
	if err := o.initialize(ctx, s, starts); err != nil {
		return o.finishResult(ctx, s, rec, err)
	}
	statics, consts, err := o.staticValues(ctx, s)
	if err != nil {
		return o.finishResult(ctx, s, rec, err)
	}
	rec.declareStatic(statics...)

	var prev []int
	for _, idx := range grid {
		point := make(map[string]float64)
		at := make(map[param.Key]int, len(idx))
		for dim, i := range idx {
			d := o.sweeps[dim]
			v := d.Setpoints[i]
			point[d.Handle.Name()] = v
			at[d.Handle.Key()] = i
			if prev != nil && prev[dim] == i {
				continue
			}
			if err := d.Handle.Set(ctx, v); err != nil {
				return o.finishResult(ctx, s, rec, fmt.Errorf("set %s: %w", d.Handle.Name(), err))
			}
			if err := timeutil.SleepContext(ctx, o.clock, timeutil.Seconds(d.Delay)); err != nil {
				return o.finishResult(ctx, s, rec, err)
			}
		}
		for _, g := range coupled {
			v := g.At(active, at)
			if err := g.Handle.Set(ctx, v); err != nil {
				return o.finishResult(ctx, s, rec, fmt.Errorf("set %s: %w", g.Handle.Name(), err))
			}
			point[g.Handle.Name()] = v
		}
		if err := o.measure(ctx, s, rec, point, consts); err != nil {
			return o.finishResult(ctx, s, rec, err)
		}
		prev = idx
		stop, err := o.checkBreak(s)
		if err != nil {
			return o.finishResult(ctx, s, rec, err)
		}
		if stop {
			break
		}
	}
	return o.finishResult(ctx, s, rec, nil)
}

// Timetrace reads the gettables every Timestep seconds for Duration
// seconds while all dynamic parameters rest.
func (o *Orchestrator) Timetrace(ctx context.Context) ([]*sink.Result, error) {
	if o.settings.Duration <= 0 {
		return nil, fmt.Errorf("%w: timetrace needs a positive duration", buffer.ErrConfiguration)
	}
	s := o.newSession(ShapeTimetrace)
	defer o.cleanup(ctx, s)
	rec := newRecorder(TimeColumn)
	rec.declareDependent(gettableNames(o.gettables)...)

	done := func(err error) ([]*sink.Result, error) {
		res, err := o.finishResult(ctx, s, rec, err)
		return []*sink.Result{res}, err
	}
	if err := o.initialize(ctx, s, nil); err != nil {
		return done(err)
	}
	statics, consts, err := o.staticValues(ctx, s)
	if err != nil {
		return done(err)
	}
	rec.declareStatic(statics...)

	start := o.clock.Now()
	for {
		elapsed := o.clock.Since(start).Seconds()
		if elapsed >= o.settings.Duration {
			break
		}
		if err := o.measure(ctx, s, rec, map[string]float64{TimeColumn: elapsed}, consts); err != nil {
			return done(err)
		}
		stop, err := o.checkBreak(s)
		if err != nil {
			return done(err)
		}
		if stop {
			break
		}
		if err := timeutil.SleepContext(ctx, o.clock, timeutil.Seconds(o.settings.Timestep)); err != nil {
			return done(err)
		}
	}
	return done(nil)
}

// TimetraceSweeps steps every dynamic parameter together through its
// setpoints, over and over, until Duration seconds have passed. Each pass
// is stamped with the elapsed time at which it began; between passes the
// parameters ramp back to their first setpoints within Timestep seconds.
func (o *Orchestrator) TimetraceSweeps(ctx context.Context) ([]*sink.Result, error) {
	if err := o.requireDynamic(); err != nil {
		return nil, err
	}
	if o.settings.Duration <= 0 {
		return nil, fmt.Errorf("%w: timetrace needs a positive duration", buffer.ErrConfiguration)
	}
	ln := line{delay: o.sweeps[0].Delay}
	active := make(compensation.Active)
	idx := make([]int, len(o.sweeps))
	for i, d := range o.sweeps {
		if d.Len() != o.sweeps[0].Len() {
			return nil, fmt.Errorf("%w: %s has %d setpoints, %s has %d",
				buffer.ErrConfiguration, d.Handle.Name(), d.Len(), o.sweeps[0].Handle.Name(), o.sweeps[0].Len())
		}
		idx[i] = i
		ln.handles = append(ln.handles, d.Handle)
		ln.setpoints = append(ln.setpoints, d.Setpoints)
		active[d.Handle.Key()] = d.Setpoints
	}
	comps, err := o.comp.PlanLockstep(active)
	if err != nil {
		return nil, configErr(err)
	}
	ln.comps = comps

	s := o.newSession(ShapeTimetraceSweeps, idx...)
	defer o.cleanup(ctx, s)
	rec := newRecorder(TimeColumn)
	var rewind []*param.Handle
	var firsts []any
	for i, h := range ln.handles {
		rec.declareSetpoints(h.Name())
		rewind = append(rewind, h)
		firsts = append(firsts, ln.setpoints[i][0])
	}
	for _, c := range comps {
		rec.declareSetpoints(c.Handle.Name())
		rewind = append(rewind, c.Handle)
		firsts = append(firsts, c.Setpoints[0])
	}
	rec.declareDependent(gettableNames(o.gettables)...)

	done := func(err error) ([]*sink.Result, error) {
		res, err := o.finishResult(ctx, s, rec, err)
		return []*sink.Result{res}, err
	}
	starts := make(map[*param.Handle]float64, len(ln.handles))
	for i, h := range ln.handles {
		starts[h] = ln.setpoints[i][0]
	}
	if err := o.initialize(ctx, s, starts); err != nil {
		return done(err)
	}
	statics, consts, err := o.staticValues(ctx, s)
	if err != nil {
		return done(err)
	}
	rec.declareStatic(statics...)

	back := o.settings.Ramp
	back.Time = o.settings.Timestep
	start := o.clock.Now()
	for pass := 0; o.clock.Since(start).Seconds() < o.settings.Duration; pass++ {
		if pass > 0 {
			if err := o.ramps.RampOrSetParameters(ctx, rewind, firsts, back, o.rampLookup()); err != nil {
				return done(fmt.Errorf("return to start: %w", err))
			}
		}
		stamped := make(map[string]float64, len(consts)+1)
		for k, v := range consts {
			stamped[k] = v
		}
		stamped[TimeColumn] = o.clock.Since(start).Seconds()
		o.log.Debugf("%s: pass %d at %gs", s.name, pass+1, stamped[TimeColumn])
		for i := 0; i < ln.len(); i++ {
			if err := o.visit(ctx, s, rec, ln, i, stamped); err != nil {
				return done(err)
			}
			stop, err := o.checkBreak(s)
			if err != nil {
				return done(err)
			}
			if stop {
				return done(nil)
			}
		}
	}
	return done(nil)
}
