// Package measurement runs sweeps. An Orchestrator initializes the
// parameters of a resolved table, drives the dynamic ones through one of
// several sweep shapes, acquires data point by point or through instrument
// buffers, and hands every result to a sink.
package measurement

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/banshee-data/sweeplab/internal/breaks"
	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/compensation"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/ramp"
	"github.com/banshee-data/sweeplab/internal/sink"
	"github.com/banshee-data/sweeplab/internal/sweep"
	"github.com/banshee-data/sweeplab/internal/timeutil"
)

var (
	// ErrRunning is returned when a shape is started while another runs.
	ErrRunning = errors.New("measurement already running")
	// ErrStopped means Stop ended the measurement early.
	ErrStopped = errors.New("measurement stopped")
	// ErrShape marks an unknown sweep shape.
	ErrShape = errors.New("unknown sweep shape")
)

// Shape names a sweep script.
type Shape string

const (
	Shape1D                      Shape = "sweep1d"
	Shape1DBuffered              Shape = "sweep1d-buffered"
	ShapeND                      Shape = "sweepnd"
	ShapeParallel                Shape = "parallel"
	ShapeParallelAsym            Shape = "parallel-asym"
	ShapeHysteresis              Shape = "hysteresis-buffered"
	Shape2DBuffered              Shape = "sweep2d-buffered"
	ShapePulsed                  Shape = "pulsed"
	ShapeTimetrace               Shape = "timetrace"
	ShapeTimetraceBuffered       Shape = "timetrace-buffered"
	ShapeTimetraceSweeps         Shape = "timetrace-sweeps"
	ShapeTimetraceSweepsBuffered Shape = "timetrace-sweeps-buffered"
)

var shapeTitles = map[Shape]string{
	Shape1D:                      "1D Sweep",
	Shape1DBuffered:              "1D Sweep",
	ShapeND:                      "nD Sweep",
	ShapeParallel:                "Parallel 1D Sweep",
	ShapeParallelAsym:            "Parallel 1D Sweep",
	ShapeHysteresis:              "Hysteresis Sweep",
	Shape2DBuffered:              "2D Sweep",
	ShapePulsed:                  "Pulsed Sweep",
	ShapeTimetrace:               "Timetrace",
	ShapeTimetraceBuffered:       "Timetrace",
	ShapeTimetraceSweeps:         "Timetrace with sweeps",
	ShapeTimetraceSweepsBuffered: "Timetrace with sweeps",
}

// Shapes lists every shape in a stable order.
func Shapes() []Shape {
	out := make([]Shape, 0, len(shapeTitles))
	for s := range shapeTitles {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// ParseShape validates a shape name.
func ParseShape(s string) (Shape, error) {
	if _, ok := shapeTitles[Shape(s)]; !ok {
		return "", fmt.Errorf("%w %q", ErrShape, s)
	}
	return Shape(s), nil
}

// Buffered reports whether the shape acquires through instrument buffers.
func (s Shape) Buffered() bool {
	switch s {
	case Shape1DBuffered, ShapeHysteresis, Shape2DBuffered, ShapePulsed, ShapeTimetraceBuffered,
		ShapeTimetraceSweepsBuffered:
		return true
	}
	return false
}

// Station is what the orchestrator needs from the instrument layer.
type Station interface {
	Buffer(instrument string) (buffer.Buffer, bool)
	Ramper(instrument string) (ramp.Ramper, bool)
	TriggerIns() []buffer.TriggerIn
}

// Options configures an Orchestrator.
type Options struct {
	Name     string
	Table    *param.Table
	Station  Station
	Buffer   *buffer.Config
	Settings Settings
	Hooks    Hooks
	Sink     sink.Sink
	Log      monitoring.Logger
	Metrics  *monitoring.Metrics
	// Clock drives ramps and settle delays. Nil is the real clock.
	Clock timeutil.Clock
	// ChooseTrigger picks a trigger for buffers that have none mapped.
	// Nil means buffer.FirstAvailable.
	ChooseTrigger buffer.Chooser
}

// Status is the lifecycle state of the orchestrator.
type Status string

const (
	StatusIdle     Status = "idle"
	StatusRunning  Status = "running"
	StatusComplete Status = "complete"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// State is a snapshot of the current or last run.
type State struct {
	Status      Status     `json:"status"`
	Shape       Shape      `json:"shape,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	// Results holds the run ids written so far.
	Results  []string `json:"results"`
	Points   int      `json:"points"`
	Broken   bool     `json:"broken"`
	Error    string   `json:"error,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Orchestrator sequences Setup, Initialize, Run and Cleanup for every sweep
// shape. One goroutine drives a run; Stop may be called from any other.
type Orchestrator struct {
	name     string
	table    *param.Table
	station  Station
	bufCfg   *buffer.Config
	settings Settings
	hooks    Hooks
	sink     sink.Sink
	log      monitoring.Logger
	metrics  *monitoring.Metrics
	clock    timeutil.Clock
	choose   buffer.Chooser
	ramps    *ramp.Strategy

	dynamic         []*param.Entry
	sweeps          []sweep.Descriptor
	gettables       []*param.Entry
	staticGettables []*param.Entry
	statics         []*param.Entry
	compensating    []*param.Entry
	comp            *compensation.Engine
	rules           map[string][]string

	stopped atomic.Bool

	mu     sync.RWMutex
	state  State
	cancel context.CancelFunc
}

// New performs Setup: it classifies the table, builds sweep descriptors and
// compensation groups and compiles break rules. Nothing touches hardware;
// every error is a configuration, mapping or trigger error.
func New(opts Options) (*Orchestrator, error) {
	if opts.Table == nil {
		return nil, fmt.Errorf("%w: no parameter table", param.ErrMapping)
	}
	o := &Orchestrator{
		name:     opts.Name,
		table:    opts.Table,
		station:  opts.Station,
		bufCfg:   opts.Buffer,
		settings: opts.Settings.withDefaults(),
		hooks:    opts.Hooks,
		sink:     opts.Sink,
		log:      opts.Log,
		metrics:  opts.Metrics,
		clock:    opts.Clock,
		choose:   opts.ChooseTrigger,
		state:    State{Status: StatusIdle},
	}
	if o.log.Prefix == "" {
		o.log = o.log.With("[measurement]")
	}
	if o.clock == nil {
		o.clock = timeutil.RealClock{}
	}
	if o.choose == nil {
		o.choose = buffer.FirstAvailable
	}
	if o.settings.Poll.Clock == nil {
		o.settings.Poll.Clock = timeutil.RealClock{}
	}
	o.ramps = ramp.NewStrategy(o.clock, o.log.With("[ramp]"), o.metrics)

	if _, err := ParseTriggerType(string(o.settings.TriggerType)); err != nil {
		return nil, err
	}
	if o.settings.TriggerType == TriggerHardware && o.hooks.TriggerStart == nil {
		return nil, fmt.Errorf("%w: hardware triggering needs a trigger start hook", buffer.ErrTrigger)
	}

	dyn, err := o.table.Dynamic()
	if err != nil {
		return nil, err
	}
	o.dynamic = dyn
	for _, e := range dyn {
		d, err := sweep.FromEntry(e)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", buffer.ErrConfiguration, err)
		}
		o.sweeps = append(o.sweeps, d)
	}
	o.gettables = o.table.OfKind(param.KindGettable)
	o.staticGettables = o.table.OfKind(param.KindStaticGettable)
	o.statics = o.table.OfKind(param.KindStatic)
	o.compensating = o.table.OfKind(param.KindCompensating)

	o.comp, err = compensation.NewEngine(o.table)
	if err != nil {
		if errors.Is(err, param.ErrMapping) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", buffer.ErrConfiguration, err)
	}

	o.rules = make(map[string][]string)
	for _, e := range o.table.Entries() {
		if len(e.Props.BreakConditions) > 0 {
			o.rules[e.Handle.Name()] = e.Props.BreakConditions
		}
	}
	if _, err := breaks.Compile(o.rules, breaks.NewHistory()); err != nil {
		return nil, fmt.Errorf("%w: %w", buffer.ErrConfiguration, err)
	}
	return o, nil
}

// Name returns the measurement name.
func (o *Orchestrator) Name() string { return o.name }

// Settings returns the effective settings.
func (o *Orchestrator) Settings() Settings { return o.settings }

// Ramps returns the ramp strategy, whose tracker shows outstanding ramps.
func (o *Orchestrator) Ramps() *ramp.Strategy { return o.ramps }

// State returns a copy of the current state.
func (o *Orchestrator) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s := o.state
	s.Results = append([]string(nil), o.state.Results...)
	s.Warnings = append([]string(nil), o.state.Warnings...)
	return s
}

func (o *Orchestrator) addWarning(format string, v ...any) {
	msg := fmt.Sprintf(format, v...)
	o.log.Warnf("%s", msg)
	o.mu.Lock()
	o.state.Warnings = append(o.state.Warnings, msg)
	o.mu.Unlock()
}

// Run executes one shape and blocks until it ends. Results written to the
// sink are also returned, including a partial one when the shape failed.
func (o *Orchestrator) Run(ctx context.Context, shape Shape) ([]*sink.Result, error) {
	fn, err := o.shapeFunc(shape)
	if err != nil {
		return nil, err
	}
	runCtx, err := o.begin(ctx, shape)
	if err != nil {
		return nil, err
	}
	results, err := fn(runCtx)
	err = o.finish(shape, err)
	return results, err
}

// Start runs shape in the background. Poll State for progress.
func (o *Orchestrator) Start(ctx context.Context, shape Shape) error {
	fn, err := o.shapeFunc(shape)
	if err != nil {
		return err
	}
	runCtx, err := o.begin(ctx, shape)
	if err != nil {
		return err
	}
	go func() {
		_, err := fn(runCtx)
		if err = o.finish(shape, err); err != nil {
			o.log.Printf("%s failed: %v", shape, err)
		}
	}()
	return nil
}

// Stop ends a running shape at the next point where break rules are
// checked and cancels any buffer wait or ramp in progress.
func (o *Orchestrator) Stop() {
	o.stopped.Store(true)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
}

func (o *Orchestrator) shapeFunc(shape Shape) (func(context.Context) ([]*sink.Result, error), error) {
	switch shape {
	case Shape1D:
		return o.Sweep1D, nil
	case Shape1DBuffered:
		return o.Sweep1DBuffered, nil
	case ShapeND:
		return o.SweepND, nil
	case ShapeParallel:
		return o.SweepParallel, nil
	case ShapeParallelAsym:
		return o.SweepParallelAsym, nil
	case ShapeHysteresis:
		return o.SweepHysteresisBuffered, nil
	case Shape2DBuffered:
		return o.Sweep2DBuffered, nil
	case ShapePulsed:
		return o.SweepPulsed, nil
	case ShapeTimetrace:
		return o.Timetrace, nil
	case ShapeTimetraceBuffered:
		return o.TimetraceBuffered, nil
	case ShapeTimetraceSweeps:
		return o.TimetraceSweeps, nil
	case ShapeTimetraceSweepsBuffered:
		return o.TimetraceSweepsBuffered, nil
	}
	return nil, fmt.Errorf("%w %q", ErrShape, shape)
}

func (o *Orchestrator) begin(ctx context.Context, shape Shape) (context.Context, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state.Status == StatusRunning {
		return nil, ErrRunning
	}
	now := o.clock.Now()
	o.state = State{Status: StatusRunning, Shape: shape, StartedAt: &now, Results: []string{}}
	o.stopped.Store(false)
	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel
	return runCtx, nil
}

func (o *Orchestrator) finish(shape Shape, err error) error {
	if err != nil && o.stopped.Load() && errors.Is(err, context.Canceled) {
		err = ErrStopped
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
		o.cancel = nil
	}
	now := o.clock.Now()
	o.state.CompletedAt = &now
	outcome := "complete"
	switch {
	case errors.Is(err, ErrStopped):
		o.state.Status = StatusStopped
		outcome = "stopped"
	case err != nil:
		o.state.Status = StatusError
		o.state.Error = err.Error()
		outcome = "error"
	default:
		o.state.Status = StatusComplete
		if o.state.Broken {
			outcome = "broken"
		}
	}
	o.metrics.ObserveSweep(string(shape), outcome)
	return err
}

// emit finalises res and writes it to the sink. The write survives
// cancellation of ctx so that stopped runs keep their data.
func (o *Orchestrator) emit(ctx context.Context, res *sink.Result) error {
	res.CompletedAt = o.clock.Now()
	if err := res.Validate(); err != nil {
		return err
	}
	if o.sink != nil {
		if err := o.sink.Write(context.WithoutCancel(ctx), res); err != nil {
			return fmt.Errorf("write result %s: %w", res.Name, err)
		}
	}
	o.metrics.AddPoints(res.Len())
	o.mu.Lock()
	o.state.Results = append(o.state.Results, res.RunID.String())
	o.state.Points += res.Len()
	if res.Broken {
		o.state.Broken = true
	}
	o.mu.Unlock()
	o.log.Printf("%s: wrote %d points (run %s)", res.Name, res.Len(), res.RunID)
	return nil
}

func (o *Orchestrator) rampLookup() ramp.Lookup {
	if o.station == nil {
		return nil
	}
	return o.station.Ramper
}
