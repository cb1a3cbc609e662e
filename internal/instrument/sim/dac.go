package sim

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
)

const (
	// DefaultMaxRampChannels matches the common four-channel ramp engine.
	DefaultMaxRampChannels = 4
	// rampStep is the simulated DAC update period in seconds.
	rampStep = 0.01
	// maxRampSteps caps the stored trace of one ramp.
	maxRampSteps = 1001
)

// ErrTooManyChannels means a ramp asked for more channels than the engine has.
var ErrTooManyChannels = errors.New("too many ramp channels")

// DACOptions configures a simulated DAC.
type DACOptions struct {
	MaxRampChannels int
	Bus             *TriggerBus
	Log             monitoring.Logger
}

// DAC is a simulated voltage source with settable channels, a native ramp
// and pulse engine, and a trigger input.
type DAC struct {
	name    string
	maxRamp int
	bus     *TriggerBus
	log     monitoring.Logger
	caps    buffer.Capabilities

	mu        sync.Mutex
	channels  map[string]*param.Memory
	applied   map[string][]float64
	armed     *motion
	triggerIn string
	unsub     func()
	runs      int
	resets    int
}

type motion struct {
	channels []string
	series   [][]float64
	sync     string
}

// NewDAC returns a DAC with the given channels, all at 0 V.
func NewDAC(name string, channels []string, opts DACOptions) *DAC {
	if opts.MaxRampChannels <= 0 {
		opts.MaxRampChannels = DefaultMaxRampChannels
	}
	if opts.Bus == nil {
		opts.Bus = NewTriggerBus()
	}
	d := &DAC{
		name:      name,
		maxRamp:   opts.MaxRampChannels,
		bus:       opts.Bus,
		log:       opts.Log.With("[" + name + "]"),
		caps:      buffer.NewCapabilities(0, 0, "software", "external"),
		channels:  make(map[string]*param.Memory),
		applied:   make(map[string][]float64),
		triggerIn: "software",
	}
	for _, ch := range channels {
		d.channels[ch] = param.NewMemory(0.0)
	}
	return d
}

func (d *DAC) Name() string                      { return d.name }
func (d *DAC) Capabilities() buffer.Capabilities { return d.caps }
func (d *DAC) MaxRampChannels() int              { return d.maxRamp }

// Channels returns the channel names in sorted order.
func (d *DAC) Channels() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.channels))
	for ch := range d.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Binding exposes a DAC channel as a settable handle backend.
func (d *DAC) Binding(channel string) (param.Binding, error) {
	d.mu.Lock()
	mem, ok := d.channels[channel]
	d.mu.Unlock()
	if !ok {
		return param.Binding{}, fmt.Errorf("%w: %s has no channel %q", param.ErrMapping, d.name, channel)
	}
	return mem.Binding(d.name, channel, true), nil
}

// Voltage returns the present output of channel.
func (d *DAC) Voltage(channel string) float64 {
	d.mu.Lock()
	mem, ok := d.channels[channel]
	d.mu.Unlock()
	if !ok {
		return math.NaN()
	}
	v, _ := param.AsFloat(mem.Load())
	return v
}

func (d *DAC) channelsFor(handles []*param.Handle) ([]string, error) {
	if len(handles) > d.maxRamp {
		return nil, fmt.Errorf("%s: %d channels requested, maximum %d: %w", d.name, len(handles), d.maxRamp, ErrTooManyChannels)
	}
	out := make([]string, len(handles))
	for i, h := range handles {
		if h.Instrument() != d.name {
			return nil, fmt.Errorf("%w: %s belongs to %s, not %s", param.ErrMapping, h.Name(), h.Instrument(), d.name)
		}
		if _, ok := d.channels[h.Channel()]; !ok {
			return nil, fmt.Errorf("%w: %s has no channel %q", param.ErrMapping, d.name, h.Channel())
		}
		out[i] = h.Channel()
	}
	return out, nil
}

// Ramp arms a linear ramp. The DAC moves on TriggerStart or on a pulse of
// its trigger input; when syncTrigger is set the DAC pulses that bus line
// as the ramp begins.
func (d *DAC) Ramp(_ context.Context, handles []*param.Handle, starts, ends []float64, rampTime float64, syncTrigger string) error {
	if len(ends) != len(handles) || (starts != nil && len(starts) != len(handles)) {
		return fmt.Errorf("%s: ramp of %d channels with %d starts and %d ends", d.name, len(handles), len(starts), len(ends))
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	chans, err := d.channelsFor(handles)
	if err != nil {
		return err
	}
	steps := int(math.Ceil(rampTime/rampStep-1e-9)) + 1
	steps = max(2, min(steps, maxRampSteps))
	m := &motion{channels: chans, sync: syncTrigger}
	for i, ch := range chans {
		start := ends[i]
		if starts != nil {
			start = starts[i]
		} else if v, ok := param.AsFloat(d.channels[ch].Load()); ok {
			start = v
		}
		m.series = append(m.series, floats.Span(make([]float64, steps), start, ends[i]))
	}
	d.armed = m
	d.log.Debugf("armed ramp of %v over %gs (%d steps)", chans, rampTime, steps)
	return nil
}

// Pulse arms explicit setpoint arrays, one per handle, all of equal length.
func (d *DAC) Pulse(_ context.Context, handles []*param.Handle, setpoints [][]float64, delay float64, syncTrigger string) error {
	if len(setpoints) != len(handles) {
		return fmt.Errorf("%s: pulse of %d channels with %d setpoint arrays", d.name, len(handles), len(setpoints))
	}
	for i := 1; i < len(setpoints); i++ {
		if len(setpoints[i]) != len(setpoints[0]) {
			return fmt.Errorf("%s: pulse setpoint arrays differ in length (%d vs %d)", d.name, len(setpoints[i]), len(setpoints[0]))
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	chans, err := d.channelsFor(handles)
	if err != nil {
		return err
	}
	m := &motion{channels: chans, sync: syncTrigger}
	for _, sp := range setpoints {
		m.series = append(m.series, append([]float64(nil), sp...))
	}
	d.armed = m
	d.log.Debugf("armed pulse of %v, %d points every %gs", chans, len(setpoints[0]), delay)
	return nil
}

// TriggerStart runs the armed motion. It is a no-op when nothing is armed.
func (d *DAC) TriggerStart(context.Context) error {
	d.run()
	return nil
}

func (d *DAC) run() {
	d.mu.Lock()
	m := d.armed
	d.armed = nil
	if m == nil {
		d.mu.Unlock()
		return
	}
	d.runs++
	for i, ch := range m.channels {
		for _, v := range m.series[i] {
			d.channels[ch].Store(v)
		}
		d.applied[ch] = append(d.applied[ch], m.series[i]...)
	}
	d.mu.Unlock()

	if m.sync != "" {
		d.bus.Fire(m.sync)
	}
}

// TriggerReset disarms any pending motion.
func (d *DAC) TriggerReset(context.Context) error {
	d.mu.Lock()
	d.armed = nil
	d.resets++
	d.mu.Unlock()
	return nil
}

func (d *DAC) TriggerIn() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.triggerIn
}

// SetTriggerIn selects what starts an armed motion. Any input other than
// "software" listens on the bus line of the same name.
func (d *DAC) SetTriggerIn(name string) error {
	if err := buffer.CheckTrigger(d.name, d.caps, name); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
	d.triggerIn = name
	if name != "software" {
		d.unsub = d.bus.Subscribe(name, d.run)
	}
	return nil
}

// SetupTriggerIn accepts the buffer settings; the simulation needs none of them.
func (d *DAC) SetupTriggerIn(_ context.Context, cfg buffer.Config) error {
	d.log.Debugf("trigger input %q set up (mode %q)", d.TriggerIn(), cfg.TriggerMode)
	return nil
}

// Armed reports whether a motion is waiting for its trigger.
func (d *DAC) Armed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.armed != nil
}

// Applied returns every value the ramp/pulse engine has written to channel.
func (d *DAC) Applied(channel string) []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]float64(nil), d.applied[channel]...)
}

// Runs returns the number of motions executed.
func (d *DAC) Runs() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs
}

// Resets returns the number of TriggerReset calls.
func (d *DAC) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Close detaches the DAC from the trigger bus.
func (d *DAC) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
	return nil
}
