package measurement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/sweeplab/internal/breaks"
	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/compensation"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/ramp"
	"github.com/banshee-data/sweeplab/internal/sink"
	"github.com/banshee-data/sweeplab/internal/timeutil"
)

// session is the state of one shape invocation: which dynamic parameters
// move, the break history, and the buffers and rampers it touched.
type session struct {
	shape   Shape
	name    string
	active  []int
	idle    []*param.Entry
	started time.Time

	history *breaks.History
	eval    *breaks.Evaluator
	broken  bool

	labels map[*param.Handle]string

	bufs     []buffer.Buffer
	resolved map[buffer.Buffer]buffer.Resolved
	plan     buffer.Resolved
	points   int
	rampers  []ramp.Ramper

	warnedSoftware bool
}

func (o *Orchestrator) newSession(shape Shape, active ...int) *session {
	s := &session{
		shape:   shape,
		active:  active,
		started: o.clock.Now(),
		history: breaks.NewHistory(),
		labels:  make(map[*param.Handle]string),
	}
	isActive := make(map[int]bool, len(active))
	for _, i := range active {
		isActive[i] = true
	}
	for i, e := range o.dynamic {
		if !isActive[i] {
			s.idle = append(s.idle, e)
		}
	}
	// Rules were validated in New.
	s.eval, _ = breaks.Compile(o.rules, s.history)
	s.name = o.resultName(shape, active)
	return s
}

func (o *Orchestrator) resultName(shape Shape, active []int) string {
	name := o.name
	if name == "" {
		name = shapeTitles[shape]
	}
	if !o.settings.IncludeGateName || len(active) == 0 {
		return name
	}
	terms := make([]string, 0, len(active))
	for _, i := range active {
		terms = append(terms, o.dynamic[i].Handle.Key().Terminal)
	}
	if len(terms) == 1 {
		return name + " " + terms[0]
	}
	return name + " [" + strings.Join(terms, " ") + "]"
}

func (o *Orchestrator) activeSet(s *session) compensation.Active {
	a := make(compensation.Active, len(s.active))
	for _, i := range s.active {
		a[o.sweeps[i].Handle.Key()] = o.sweeps[i].Setpoints
	}
	return a
}

func configErr(err error) error {
	if err == nil || errors.Is(err, buffer.ErrConfiguration) {
		return err
	}
	return fmt.Errorf("%w: %w", buffer.ErrConfiguration, err)
}

// initialize moves every parameter to its starting value: statics to their
// value, idle dynamics to their rest value, active dynamics to starts, and
// compensating channels to their baseline. It then relabels the handles and
// waits for the settle time.
func (o *Orchestrator) initialize(ctx context.Context, s *session, starts map[*param.Handle]float64) error {
	var hs []*param.Handle
	var targets []any
	add := func(h *param.Handle, v any) {
		hs = append(hs, h)
		targets = append(targets, v)
	}
	for _, e := range o.statics {
		if e.Props.Value == nil {
			o.log.Debugf("static %s has no value, leaving it alone", e.Handle.Name())
			continue
		}
		add(e.Handle, e.Props.Value)
	}
	for _, e := range s.idle {
		if v, ok := e.Props.RestValue(); ok {
			add(e.Handle, v)
		}
	}
	for _, i := range s.active {
		e := o.dynamic[i]
		v, ok := starts[e.Handle]
		if o.settings.DynRampToVal || !ok {
			v, ok = e.Props.RestValue()
		}
		if ok {
			add(e.Handle, v)
		}
	}
	for _, g := range o.comp.Groups() {
		add(g.Handle, g.Baseline)
	}

	o.log.Debugf("%s: initializing %d parameters", s.name, len(hs))
	if err := o.ramps.RampOrSetParameters(ctx, hs, targets, o.settings.Ramp, o.rampLookup()); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	o.relabel(s)
	return timeutil.SleepContext(ctx, o.clock, timeutil.Seconds(o.settings.WaitTime))
}

func (o *Orchestrator) relabel(s *session) {
	for _, e := range o.table.Entries() {
		h := e.Handle
		label := h.Key().Terminal + " " + h.Key().Parameter
		prev := h.SetLabel(label)
		if _, seen := s.labels[h]; !seen {
			s.labels[h] = prev
		}
	}
}

// cleanup releases what the session acquired. It runs even after
// cancellation.
func (o *Orchestrator) cleanup(ctx context.Context, s *session) {
	ctx = context.WithoutCancel(ctx)
	for _, b := range s.bufs {
		if subs := b.Subscribed(); len(subs) > 0 {
			if err := b.Unsubscribe(subs); err != nil {
				o.log.Warnf("unsubscribe %s: %v", b.Name(), err)
			}
		}
	}
	o.resetTriggers(ctx, s.rampers)
	o.ramps.Tracker().CancelAll()
	for h, label := range s.labels {
		h.SetLabel(label)
	}
	s.history.Reset()
}

func (o *Orchestrator) resetTriggers(ctx context.Context, rampers []ramp.Ramper) {
	if o.hooks.TriggerReset != nil {
		if err := o.hooks.TriggerReset(ctx); err != nil {
			o.log.Warnf("trigger reset hook: %v", err)
		}
	}
	for _, r := range rampers {
		if err := r.TriggerReset(ctx); err != nil {
			o.log.Warnf("reset trigger on %s: %v", r.Name(), err)
		}
	}
}

// checkBreak is the single place where Stop and break rules end a sweep.
func (o *Orchestrator) checkBreak(s *session) (bool, error) {
	if o.stopped.Load() {
		return true, ErrStopped
	}
	r, ok := s.eval.Check()
	if !ok {
		return false, nil
	}
	o.log.Printf("%s: break condition %s met", s.name, r)
	o.metrics.ObserveBreak()
	s.broken = true
	return true, nil
}

// staticValues returns the columns held constant for the whole invocation:
// static gettables and, when logged, idle dynamics, each read once after
// initialization.
func (o *Orchestrator) staticValues(ctx context.Context, s *session) ([]string, map[string]float64, error) {
	var names []string
	vals := make(map[string]float64)
	for _, e := range o.staticGettables {
		v, err := e.Handle.GetFloat(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("read %s: %w", e.Handle.Name(), err)
		}
		names = append(names, e.Handle.Name())
		vals[e.Handle.Name()] = v
	}
	if o.settings.LogIdleParams {
		for _, e := range s.idle {
			v, err := e.Handle.GetFloat(ctx)
			if err != nil {
				return nil, nil, fmt.Errorf("read idle %s: %w", e.Handle.Name(), err)
			}
			names = append(names, e.Handle.Name())
			vals[e.Handle.Name()] = v
		}
	}
	return names, vals, nil
}

// finishResult writes rec with the outcome err and returns err. The result
// is written even when nothing was acquired so that failures are recorded.
func (o *Orchestrator) finishResult(ctx context.Context, s *session, rec *recorder, err error) (*sink.Result, error) {
	res := rec.build(s.name, string(s.shape), s.started)
	res.Broken = s.broken
	if err != nil {
		if o.stopped.Load() && errors.Is(err, context.Canceled) {
			err = ErrStopped
		}
		res.Error = err.Error()
	}
	if werr := o.emit(ctx, res); werr != nil {
		return res, errors.Join(err, werr)
	}
	return res, err
}
