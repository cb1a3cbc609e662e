package measurement

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/compensation"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/ramp"
	"github.com/banshee-data/sweeplab/internal/readout"
	"github.com/banshee-data/sweeplab/internal/sink"
	"github.com/banshee-data/sweeplab/internal/sweep"
	"github.com/banshee-data/sweeplab/internal/timeutil"
)

// rampGroup is the part of a motion one Ramper executes. pos maps its
// handles back to their position in the motion.
type rampGroup struct {
	ramper  ramp.Ramper
	handles []*param.Handle
	pos     []int
}

type armFunc func(ctx context.Context) ([]ramp.Ramper, error)

func bufferErr(op, name string, err error) error {
	if errors.Is(err, buffer.ErrBuffer) || errors.Is(err, buffer.ErrConfiguration) || errors.Is(err, buffer.ErrTrigger) {
		return fmt.Errorf("%s %s: %w", op, name, err)
	}
	return fmt.Errorf("%w: %s %s: %w", buffer.ErrBuffer, op, name, err)
}

// planBuffers finds the buffer behind every gettable and resolves the
// acquisition plan without touching hardware. All buffers must acquire the
// same number of samples.
func (o *Orchestrator) planBuffers(s *session) error {
	if o.station == nil {
		return fmt.Errorf("%w: buffered sweeps need a station", buffer.ErrConfiguration)
	}
	if o.bufCfg == nil {
		return fmt.Errorf("%w: buffered sweeps need buffer settings", buffer.ErrConfiguration)
	}
	if len(o.gettables) == 0 {
		return fmt.Errorf("%w: no gettable parameters to buffer", buffer.ErrConfiguration)
	}
	var bufs []buffer.Buffer
	for _, e := range o.gettables {
		b, ok := o.station.Buffer(e.Handle.Instrument())
		if !ok {
			return fmt.Errorf("%w: %s is on %s, which has no buffer",
				buffer.ErrConfiguration, e.Handle.Name(), e.Handle.Instrument())
		}
		bufs = append(bufs, b)
	}
	s.bufs = buffer.Distinct(bufs)
	s.resolved = make(map[buffer.Buffer]buffer.Resolved, len(s.bufs))
	for i, b := range s.bufs {
		r, err := buffer.Resolve(*o.bufCfg, b.Capabilities())
		if err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}
		n := r.NumPoints * max(r.NumBursts, 1)
		if i == 0 {
			s.plan, s.points = r, n
		} else if n != s.points {
			return fmt.Errorf("%w: %s acquires %d samples, %s acquires %d",
				buffer.ErrConfiguration, b.Name(), n, s.bufs[0].Name(), s.points)
		}
		s.resolved[b] = r
	}
	o.log.Debugf("%s: %d buffers, %d samples over %gs", s.name, len(s.bufs), s.points, s.plan.TotalDuration())
	return nil
}

// bindTriggers maps every buffer and trigger input that has no trigger yet.
func (o *Orchestrator) bindTriggers(s *session) error {
	var unmapped []buffer.Buffer
	for _, b := range s.bufs {
		if b.Trigger() == "" {
			unmapped = append(unmapped, b)
		}
	}
	if err := buffer.MapTriggers(s.bufs, o.choose, true); err != nil {
		return err
	}
	if err := buffer.MapTriggerIns(o.station.TriggerIns(), o.choose, true); err != nil {
		return err
	}
	for _, b := range unmapped {
		o.log.Printf("%s: no trigger mapped, using %q", b.Name(), b.Trigger())
	}
	return nil
}

func (o *Orchestrator) subscribe(s *session) error {
	for _, b := range s.bufs {
		var hs []*param.Handle
		for _, e := range o.gettables {
			if e.Handle.Instrument() == b.Name() {
				hs = append(hs, e.Handle)
			}
		}
		if err := b.Subscribe(hs); err != nil {
			return bufferErr("subscribe", b.Name(), err)
		}
	}
	return nil
}

// groupByRamper splits hs by instrument. Every instrument must ramp
// natively and fit its handles in one motion.
func (o *Orchestrator) groupByRamper(hs []*param.Handle) ([]*rampGroup, error) {
	var out []*rampGroup
	byInst := make(map[string]*rampGroup)
	for i, h := range hs {
		g, ok := byInst[h.Instrument()]
		if !ok {
			r, found := o.station.Ramper(h.Instrument())
			if !found {
				return nil, fmt.Errorf("%w: %s is on %s, which cannot ramp in hardware",
					buffer.ErrConfiguration, h.Name(), h.Instrument())
			}
			g = &rampGroup{ramper: r}
			byInst[h.Instrument()] = g
			out = append(out, g)
		}
		g.handles = append(g.handles, h)
		g.pos = append(g.pos, i)
	}
	for _, g := range out {
		if n := g.ramper.MaxRampChannels(); n > 0 && len(g.handles) > n {
			return nil, fmt.Errorf("%w: %s ramps at most %d channels, motion needs %d",
				buffer.ErrConfiguration, g.ramper.Name(), n, len(g.handles))
		}
	}
	return out, nil
}

func (s *session) touched(r ramp.Ramper) {
	for _, x := range s.rampers {
		if x == r {
			return
		}
	}
	s.rampers = append(s.rampers, r)
}

func (o *Orchestrator) armRamp(s *session, groups []*rampGroup, ends []float64, rampTime float64) armFunc {
	return func(ctx context.Context) ([]ramp.Ramper, error) {
		var armed []ramp.Ramper
		for _, g := range groups {
			gEnds := make([]float64, len(g.pos))
			for i, p := range g.pos {
				gEnds[i] = ends[p]
			}
			s.touched(g.ramper)
			if err := g.ramper.Ramp(ctx, g.handles, nil, gEnds, rampTime, o.settings.SyncTrigger); err != nil {
				return armed, fmt.Errorf("arm ramp on %s: %w", g.ramper.Name(), err)
			}
			armed = append(armed, g.ramper)
		}
		return armed, nil
	}
}

func (o *Orchestrator) armPulse(s *session, groups []*rampGroup, series [][]float64, delay float64) armFunc {
	return func(ctx context.Context) ([]ramp.Ramper, error) {
		var armed []ramp.Ramper
		for _, g := range groups {
			sp := make([][]float64, len(g.pos))
			for i, p := range g.pos {
				sp[i] = series[p]
			}
			s.touched(g.ramper)
			if err := g.ramper.Pulse(ctx, g.handles, sp, delay, o.settings.SyncTrigger); err != nil {
				return armed, fmt.Errorf("arm pulse on %s: %w", g.ramper.Name(), err)
			}
			armed = append(armed, g.ramper)
		}
		return armed, nil
	}
}

// acquire runs one buffered acquisition: program and arm every buffer, arm
// the motion, trigger, wait for all buffers together, then read each once.
func (o *Orchestrator) acquire(ctx context.Context, s *session, moved []*param.Handle, arm armFunc) (map[string][]float64, error) {
	for _, b := range s.bufs {
		if err := b.Setup(ctx, s.resolved[b], *o.bufCfg); err != nil {
			return nil, bufferErr("setup", b.Name(), err)
		}
		if err := b.Start(ctx); err != nil {
			return nil, bufferErr("start", b.Name(), err)
		}
	}
	for _, in := range o.station.TriggerIns() {
		if err := in.SetupTriggerIn(ctx, *o.bufCfg); err != nil {
			return nil, fmt.Errorf("%w: trigger input of %s: %w", buffer.ErrTrigger, in.Name(), err)
		}
	}

	var armed []ramp.Ramper
	if arm != nil {
		var err error
		armed, err = arm(ctx)
		if err != nil {
			o.resetTriggers(context.WithoutCancel(ctx), armed)
			return nil, err
		}
	}
	if err := o.fire(ctx, s, armed); err != nil {
		o.resetTriggers(context.WithoutCancel(ctx), armed)
		return nil, err
	}

	began := time.Now()
	err := buffer.WaitFinished(ctx, s.bufs, o.settings.Poll)
	o.metrics.ObserveBufferWait(time.Since(began))
	o.resetTriggers(context.WithoutCancel(ctx), armed)
	if err != nil {
		return nil, err
	}
	for _, h := range moved {
		if _, err := h.Get(ctx); err != nil {
			o.log.Warnf("refresh %s after motion: %v", h.Name(), err)
		}
	}
	return readout.Collect(ctx, s.bufs)
}

// fire starts the acquisition according to the trigger type, then starts
// every armed motion that is not waiting on its own trigger input.
func (o *Orchestrator) fire(ctx context.Context, s *session, armed []ramp.Ramper) error {
	switch o.settings.TriggerType {
	case TriggerSoftware:
		if !s.warnedSoftware {
			o.addWarning("%s: software triggering; instruments may start with different delays", s.name)
			s.warnedSoftware = true
		}
		for _, b := range s.bufs {
			if err := b.ForceTrigger(ctx); err != nil {
				return bufferErr("force trigger", b.Name(), err)
			}
		}
	case TriggerHardware:
		if err := o.hooks.TriggerStart(ctx); err != nil {
			return fmt.Errorf("%w: trigger start hook: %w", buffer.ErrTrigger, err)
		}
	case TriggerManual:
		o.log.Printf("%s: armed, waiting for a manual trigger", s.name)
	}
	for _, r := range armed {
		if in, ok := r.(buffer.TriggerIn); ok && in.TriggerIn() != "" && in.TriggerIn() != "software" {
			continue
		}
		if err := r.TriggerStart(ctx); err != nil {
			return fmt.Errorf("start motion on %s: %w", r.Name(), err)
		}
	}
	return nil
}

// appendBlock adds one acquisition to rec. axis holds the setpoint and
// independent columns matching the samples.
func (o *Orchestrator) appendBlock(s *session, rec *recorder, data, axis map[string][]float64, consts map[string]float64) error {
	rec.declareDependent(dependentOrder(o.gettables, data)...)
	block := make(map[string][]float64, len(data)+len(axis))
	for k, v := range data {
		block[k] = v
	}
	for k, v := range axis {
		block[k] = v
	}
	if err := rec.extend(block, consts, s.points); err != nil {
		return err
	}
	for _, e := range o.gettables {
		for _, v := range data[e.Handle.Name()] {
			s.history.Record(e.Handle.Name(), v)
		}
	}
	return nil
}

// prepareBuffered binds triggers, initializes the parameters, reads the
// static columns and subscribes the gettables. Callers finish every
// configuration check before it.
func (o *Orchestrator) prepareBuffered(ctx context.Context, s *session, rec *recorder, starts map[*param.Handle]float64) (map[string]float64, error) {
	if err := o.bindTriggers(s); err != nil {
		return nil, err
	}
	if err := o.initialize(ctx, s, starts); err != nil {
		return nil, err
	}
	statics, consts, err := o.staticValues(ctx, s)
	if err != nil {
		return nil, err
	}
	rec.declareStatic(statics...)
	if err := o.subscribe(s); err != nil {
		return nil, err
	}
	return consts, nil
}

// Sweep1DBuffered ramps every dynamic parameter on its own from its first
// to its last setpoint in hardware while the buffers acquire.
func (o *Orchestrator) Sweep1DBuffered(ctx context.Context) ([]*sink.Result, error) {
	return o.each1DBuffered(ctx, Shape1DBuffered, 1)
}

// SweepHysteresisBuffered ramps every dynamic parameter forward and back
// Iterations times, concatenating all passes into one result per parameter.
func (o *Orchestrator) SweepHysteresisBuffered(ctx context.Context) ([]*sink.Result, error) {
	return o.each1DBuffered(ctx, ShapeHysteresis, 2*o.settings.Iterations)
}

func (o *Orchestrator) each1DBuffered(ctx context.Context, shape Shape, passes int) ([]*sink.Result, error) {
	if err := o.requireDynamic(); err != nil {
		return nil, err
	}
	var out []*sink.Result
	for i := range o.sweeps {
		res, err := o.sweep1DBuffered(ctx, shape, i, passes)
		if res != nil {
			out = append(out, res)
		}
		if err != nil {
			return out, err
		}
	}
	return out, nil
}

func (o *Orchestrator) sweep1DBuffered(ctx context.Context, shape Shape, i, passes int) (*sink.Result, error) {
	d := o.sweeps[i]
	s := o.newSession(shape, i)
	if err := o.planBuffers(s); err != nil {
		return nil, err
	}
	comps, err := o.comp.PlanLockstep(o.activeSet(s))
	if err != nil {
		return nil, configErr(err)
	}
	moved := []*param.Handle{d.Handle}
	for _, c := range comps {
		moved = append(moved, c.Handle)
	}
	groups, err := o.groupByRamper(moved)
	if err != nil {
		return nil, err
	}
	if d.Len() != s.points {
		o.addWarning("%s: %d setpoints but the buffer acquires %d samples; the setpoint axis follows the samples",
			d.Handle.Name(), d.Len(), s.points)
	}
	defer o.cleanup(ctx, s)

	rec := newRecorder(d.Handle.Name())
	for _, c := range comps {
		rec.declareSetpoints(c.Handle.Name())
	}
	consts, err := o.prepareBuffered(ctx, s, rec, map[*param.Handle]float64{d.Handle: d.First()})
	if err != nil {
		return o.finishResult(ctx, s, rec, err)
	}

	rampTime := s.plan.TotalDuration()
	last := d.Len() - 1
	forward := map[string][]float64{d.Handle.Name(): readout.SetpointAxis(d.First(), d.Last(), s.points)}
	for _, c := range comps {
		forward[c.Handle.Name()] = readout.SetpointAxis(c.Setpoints[0], c.Setpoints[last], s.points)
	}
	backward := make(map[string][]float64, len(forward))
	for name, ax := range forward {
		backward[name] = sweep.Reverse(ax)
	}
	for pass := 0; pass < passes; pass++ {
		from, to := 0, last
		axis := forward
		if pass%2 == 1 {
			from, to = to, from
			axis = backward
		}
		ends := []float64{d.Setpoints[to]}
		for _, c := range comps {
			ends = append(ends, c.Setpoints[to])
		}
		o.log.Debugf("%s: pass %d/%d, %s %g -> %g", s.name, pass+1, passes, d.Handle.Name(), d.Setpoints[from], d.Setpoints[to])
		data, err := o.acquire(ctx, s, moved, o.armRamp(s, groups, ends, rampTime))
		if err != nil {
			return o.finishResult(ctx, s, rec, err)
		}
		if err := o.appendBlock(s, rec, data, axis, consts); err != nil {
			return o.finishResult(ctx, s, rec, err)
		}
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

// Sweep2DBuffered steps the slow parameter through its setpoints and, at
// each one, ramps the fast parameter across its range in hardware while
// the buffers acquire one line. Exactly two dynamic parameters are needed;
// the first in priority order is slow unless ReverseParamOrder is set.
func (o *Orchestrator) Sweep2DBuffered(ctx context.Context) ([]*sink.Result, error) {
	if len(o.sweeps) != 2 {
		return nil, fmt.Errorf("%w: 2D sweeps need exactly two dynamic parameters, have %d",
			buffer.ErrConfiguration, len(o.sweeps))
	}
	slowI, fastI := 0, 1
	if o.settings.ReverseParamOrder {
		slowI, fastI = 1, 0
	}
	slow, fast := o.sweeps[slowI], o.sweeps[fastI]
	s := o.newSession(Shape2DBuffered, slowI, fastI)
	if err := o.planBuffers(s); err != nil {
		return nil, err
	}
	active := o.activeSet(s)
	if err := o.comp.ValidateIndependent(active); err != nil {
		return nil, configErr(err)
	}
	coupled := o.comp.Coupled(active)
	moved := []*param.Handle{fast.Handle}
	var following []compensation.Group
	for _, g := range coupled {
		if _, ok := g.Leverarms[fast.Handle.Key()]; ok {
			following = append(following, g)
			moved = append(moved, g.Handle)
		}
	}
	groups, err := o.groupByRamper(moved)
	if err != nil {
		return nil, err
	}
	if fast.Len() != s.points {
		o.addWarning("%s: %d setpoints but the buffer acquires %d samples per line; the setpoint axis follows the samples",
			fast.Handle.Name(), fast.Len(), s.points)
	}
	defer o.cleanup(ctx, s)

	rec := newRecorder(fast.Handle.Name())
	rec.declareSetpoints(slow.Handle.Name())
	for _, g := range coupled {
		rec.declareSetpoints(g.Handle.Name())
	}
	done := func(err error) ([]*sink.Result, error) {
		res, err := o.finishResult(ctx, s, rec, err)
		return []*sink.Result{res}, err
	}
	consts, err := o.prepareBuffered(ctx, s, rec, map[*param.Handle]float64{
		slow.Handle: slow.First(),
		fast.Handle: fast.First(),
	})
	if err != nil {
		return done(err)
	}

	rampTime := s.plan.TotalDuration()
	last := fast.Len() - 1
	for li, sv := range slow.Setpoints {
		if err := slow.Handle.Set(ctx, sv); err != nil {
			return done(fmt.Errorf("set %s: %w", slow.Handle.Name(), err))
		}
		if li > 0 {
			if err := o.resetFast(ctx, fast.Handle, fast.First()); err != nil {
				return done(err)
			}
		}
		startAt := map[param.Key]int{slow.Handle.Key(): li, fast.Handle.Key(): 0}
		endAt := map[param.Key]int{slow.Handle.Key(): li, fast.Handle.Key(): last}
		axis := map[string][]float64{
			fast.Handle.Name(): readout.SetpointAxis(fast.First(), fast.Last(), s.points),
			slow.Handle.Name(): readout.Constant(sv, s.points),
		}
		for _, g := range coupled {
			from, to := g.At(active, startAt), g.At(active, endAt)
			if err := g.Handle.Set(ctx, from); err != nil {
				return done(fmt.Errorf("set %s: %w", g.Handle.Name(), err))
			}
			axis[g.Handle.Name()] = readout.SetpointAxis(from, to, s.points)
		}
		settle := math.Max(0, slow.Delay-o.settings.ResetTime)
		if err := timeutil.SleepContext(ctx, o.clock, timeutil.Seconds(settle)); err != nil {
			return done(err)
		}

		ends := []float64{fast.Last()}
		for _, g := range following {
			ends = append(ends, g.At(active, endAt))
		}
		data, err := o.acquire(ctx, s, moved, o.armRamp(s, groups, ends, rampTime))
		if err != nil {
			return done(err)
		}
		if err := o.appendBlock(s, rec, data, axis, consts); err != nil {
			return done(err)
		}
		stop, err := o.checkBreak(s)
		if err != nil {
			return done(err)
		}
		if stop {
			break
		}
	}
	return done(nil)
}

// resetFast returns the fast parameter to the start of its line, ramping
// within ResetTime when one is set.
func (o *Orchestrator) resetFast(ctx context.Context, h *param.Handle, start float64) error {
	if o.settings.ResetTime <= 0 {
		if err := h.Set(ctx, start); err != nil {
			return fmt.Errorf("reset %s: %w", h.Name(), err)
		}
		return nil
	}
	opts := o.settings.Ramp
	opts.Time = o.settings.ResetTime
	if err := o.ramps.RampOrSet(ctx, h, start, opts); err != nil {
		return fmt.Errorf("reset %s: %w", h.Name(), err)
	}
	return nil
}

// SweepPulsed plays every dynamic parameter's setpoints in hardware, one
// per sample, and averages Repetitions acquisitions. Each setpoint list must
// hold exactly as many values as the buffer acquires.
func (o *Orchestrator) SweepPulsed(ctx context.Context) ([]*sink.Result, error) {
	if err := o.requireDynamic(); err != nil {
		return nil, err
	}
	all := make([]int, len(o.sweeps))
	for i := range all {
		all[i] = i
	}
	s := o.newSession(ShapePulsed, all...)
	if err := o.planBuffers(s); err != nil {
		return nil, err
	}
	for _, d := range o.sweeps {
		if d.Len() != s.points {
			return nil, fmt.Errorf("%w: pulsed sweeps need one setpoint per sample; %s has %d, the buffer acquires %d",
				buffer.ErrConfiguration, d.Handle.Name(), d.Len(), s.points)
		}
	}
	comps, err := o.comp.PlanLockstep(o.activeSet(s))
	if err != nil {
		return nil, configErr(err)
	}
	var moved []*param.Handle
	var series [][]float64
	starts := make(map[*param.Handle]float64)
	for _, d := range o.sweeps {
		moved = append(moved, d.Handle)
		series = append(series, d.Setpoints)
		starts[d.Handle] = d.First()
	}
	for _, c := range comps {
		moved = append(moved, c.Handle)
		series = append(series, c.Setpoints)
	}
	groups, err := o.groupByRamper(moved)
	if err != nil {
		return nil, err
	}
	defer o.cleanup(ctx, s)

	rec := newRecorder(TimeColumn)
	axis := map[string][]float64{TimeColumn: readout.TimeAxis(s.plan)}
	for i, h := range moved {
		rec.declareSetpoints(h.Name())
		axis[h.Name()] = series[i]
	}
	delay := s.plan.BurstDuration / float64(s.plan.NumPoints)
	acc := readout.NewAccumulator()

	var consts map[string]float64
	var runErr error
	for rep := 0; rep < o.settings.Repetitions; rep++ {
		if rep == 0 {
			consts, runErr = o.prepareBuffered(ctx, s, rec, starts)
		} else {
			runErr = o.initialize(ctx, s, starts)
		}
		if runErr != nil {
			break
		}
		var data map[string][]float64
		data, runErr = o.acquire(ctx, s, moved, o.armPulse(s, groups, series, delay))
		if runErr != nil {
			break
		}
		if runErr = acc.Add(data); runErr != nil {
			break
		}
		o.log.Debugf("%s: repetition %d/%d", s.name, rep+1, o.settings.Repetitions)
		if o.stopped.Load() {
			runErr = ErrStopped
			break
		}
	}
	if acc.Count() > 0 {
		if err := o.appendBlock(s, rec, acc.Mean(), axis, consts); err != nil {
			runErr = errors.Join(runErr, err)
		} else if runErr == nil {
			if _, err := o.checkBreak(s); err != nil {
				runErr = err
			}
		}
	}
	res, err := o.finishResult(ctx, s, rec, runErr)
	return []*sink.Result{res}, err
}

// TimetraceBuffered acquires one buffer's worth of samples with every
// dynamic parameter at rest.
func (o *Orchestrator) TimetraceBuffered(ctx context.Context) ([]*sink.Result, error) {
	s := o.newSession(ShapeTimetraceBuffered)
	if err := o.planBuffers(s); err != nil {
		return nil, err
	}
	defer o.cleanup(ctx, s)

	rec := newRecorder(TimeColumn)
	done := func(err error) ([]*sink.Result, error) {
		res, err := o.finishResult(ctx, s, rec, err)
		return []*sink.Result{res}, err
	}
	consts, err := o.prepareBuffered(ctx, s, rec, nil)
	if err != nil {
		return done(err)
	}
	data, err := o.acquire(ctx, s, nil, nil)
	if err != nil {
		return done(err)
	}
	axis := map[string][]float64{TimeColumn: readout.TimeAxis(s.plan)}
	if err := o.appendBlock(s, rec, data, axis, consts); err != nil {
		return done(err)
	}
	if _, err := o.checkBreak(s); err != nil {
		return done(err)
	}
	return done(nil)
}

// TimetraceSweepsBuffered ramps the single dynamic parameter across its
// range in hardware, one buffer acquisition per ramp, until Duration seconds
// have passed. Every ramp starts from a fresh initialization and its block
// is stamped with the elapsed time at which it was armed.
func (o *Orchestrator) TimetraceSweepsBuffered(ctx context.Context) ([]*sink.Result, error) {
	if len(o.sweeps) != 1 {
		return nil, fmt.Errorf("%w: buffered timetraces with sweeps need exactly one dynamic parameter, have %d",
			buffer.ErrConfiguration, len(o.sweeps))
	}
	if o.settings.Duration <= 0 {
		return nil, fmt.Errorf("%w: timetrace needs a positive duration", buffer.ErrConfiguration)
	}
	if o.settings.TriggerType == TriggerManual {
		return nil, fmt.Errorf("%w: repeated ramps cannot wait on a manual trigger", buffer.ErrTrigger)
	}
	d := o.sweeps[0]
	s := o.newSession(ShapeTimetraceSweepsBuffered, 0)
	if err := o.planBuffers(s); err != nil {
		return nil, err
	}
	comps, err := o.comp.PlanLockstep(o.activeSet(s))
	if err != nil {
		return nil, configErr(err)
	}
	moved := []*param.Handle{d.Handle}
	for _, c := range comps {
		moved = append(moved, c.Handle)
	}
	groups, err := o.groupByRamper(moved)
	if err != nil {
		return nil, err
	}
	if d.Len() != s.points {
		o.addWarning("%s: %d setpoints but the buffer acquires %d samples; the setpoint axis follows the samples",
			d.Handle.Name(), d.Len(), s.points)
	}
	defer o.cleanup(ctx, s)

	rec := newRecorder(TimeColumn)
	rec.declareSetpoints(d.Handle.Name())
	for _, c := range comps {
		rec.declareSetpoints(c.Handle.Name())
	}
	done := func(err error) ([]*sink.Result, error) {
		res, err := o.finishResult(ctx, s, rec, err)
		return []*sink.Result{res}, err
	}
	starts := map[*param.Handle]float64{d.Handle: d.First()}
	consts, err := o.prepareBuffered(ctx, s, rec, starts)
	if err != nil {
		return done(err)
	}

	last := d.Len() - 1
	axis := map[string][]float64{d.Handle.Name(): readout.SetpointAxis(d.First(), d.Last(), s.points)}
	ends := []float64{d.Last()}
	for _, c := range comps {
		axis[c.Handle.Name()] = readout.SetpointAxis(c.Setpoints[0], c.Setpoints[last], s.points)
		ends = append(ends, c.Setpoints[last])
	}
	rampTime := s.plan.TotalDuration()
	start := o.clock.Now()
	for pass := 0; o.clock.Since(start).Seconds() < o.settings.Duration; pass++ {
		if pass > 0 {
			if err := o.initialize(ctx, s, starts); err != nil {
				return done(err)
			}
		}
		t := o.clock.Since(start).Seconds()
		o.log.Debugf("%s: ramp %d at %gs", s.name, pass+1, t)
		data, err := o.acquire(ctx, s, moved, o.armRamp(s, groups, ends, rampTime))
		if err != nil {
			return done(err)
		}
		block := make(map[string][]float64, len(axis)+1)
		for k, v := range axis {
			block[k] = v
		}
		block[TimeColumn] = readout.Constant(t, s.points)
		if err := o.appendBlock(s, rec, data, block, consts); err != nil {
			return done(err)
		}
		stop, err := o.checkBreak(s)
		if err != nil {
			return done(err)
		}
		if stop {
			break
		}
	}
	return done(nil)
}
