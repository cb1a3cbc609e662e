package sim

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/timeutil"
)

const (
	// DefaultBufferDepth is the raw sample capacity of the simulated DMM.
	DefaultBufferDepth = 16383
	// DefaultMaxSamplingRate bounds the simulated acquisition rate in Hz.
	DefaultMaxSamplingRate = 100e3
)

// Signal produces the simulated reading of channel at t seconds after the
// acquisition trigger.
type Signal func(channel string, t float64) float64

// DefaultSignal is a slow sine around 1 nA.
func DefaultSignal(_ string, t float64) float64 {
	return 1e-9 * (1 + 0.5*math.Sin(2*math.Pi*t))
}

// DMMOptions configures a simulated DMM.
type DMMOptions struct {
	Depth           int
	MaxSamplingRate float64
	Bus             *TriggerBus
	Log             monitoring.Logger
	Clock           timeutil.Clock
	Signal          Signal
	// Instant makes an acquisition finish as soon as it is triggered.
	Instant bool
}

type dmmState int

const (
	dmmIdle dmmState = iota
	dmmArmed
	dmmAcquiring
	dmmDone
)

// DMM is a simulated multimeter with an on-board acquisition buffer.
type DMM struct {
	name    string
	caps    buffer.Capabilities
	bus     *TriggerBus
	log     monitoring.Logger
	clock   timeutil.Clock
	signal  Signal
	instant bool
	created time.Time

	mu         sync.Mutex
	channels   map[string]bool
	trigger    string
	subscribed []*param.Handle
	resolved   buffer.Resolved
	configured bool
	state      dmmState
	stopped    bool
	startedAt  time.Time
	unsub      func()
	raw        map[string][]float64
	forced     int
	reads      int
}

// NewDMM returns a DMM with the given gettable channels.
func NewDMM(name string, channels []string, opts DMMOptions) *DMM {
	if opts.Depth <= 0 {
		opts.Depth = DefaultBufferDepth
	}
	if opts.MaxSamplingRate <= 0 {
		opts.MaxSamplingRate = DefaultMaxSamplingRate
	}
	if opts.Bus == nil {
		opts.Bus = NewTriggerBus()
	}
	if opts.Clock == nil {
		opts.Clock = timeutil.RealClock{}
	}
	if opts.Signal == nil {
		opts.Signal = DefaultSignal
	}
	d := &DMM{
		name:     name,
		caps:     buffer.NewCapabilities(opts.Depth, opts.MaxSamplingRate, "software", "external"),
		bus:      opts.Bus,
		log:      opts.Log.With("[" + name + "]"),
		clock:    opts.Clock,
		signal:   opts.Signal,
		instant:  opts.Instant,
		created:  opts.Clock.Now(),
		channels: make(map[string]bool),
	}
	for _, ch := range channels {
		d.channels[ch] = true
	}
	return d
}

func (d *DMM) Name() string                      { return d.name }
func (d *DMM) Capabilities() buffer.Capabilities { return d.caps }

// Channels returns the channel names in sorted order.
func (d *DMM) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for ch := range d.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Binding exposes an instantaneous, read-only reading of channel.
func (d *DMM) Binding(channel string) (param.Binding, error) {
	if !d.channels[channel] {
		return param.Binding{}, fmt.Errorf("%w: %s has no channel %q", param.ErrMapping, d.name, channel)
	}
	return param.Binding{
		Instrument: d.name,
		Channel:    channel,
		Get: func(context.Context) (any, error) {
			return d.signal(channel, d.clock.Since(d.created).Seconds()), nil
		},
	}, nil
}

// Setup programs the acquisition plan and returns the buffer to idle.
func (d *DMM) Setup(_ context.Context, r buffer.Resolved, cfg buffer.Config) error {
	raw := r.NumPoints*max(r.NumBursts, 1) + r.DelayPoints
	if raw > d.caps.MaxDepth() {
		return fmt.Errorf("%w: %s: %d raw points exceed depth %d", buffer.ErrConfiguration, d.name, raw, d.caps.MaxDepth())
	}
	if r.SamplingRate > d.caps.MaxSamplingRate() {
		return fmt.Errorf("%w: %s: sampling rate %g exceeds %g", buffer.ErrConfiguration, d.name, r.SamplingRate, d.caps.MaxSamplingRate())
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resolved = r
	d.configured = true
	d.state = dmmIdle
	d.raw = nil
	d.log.Debugf("setup %d points x %d bursts at %g Hz, %d delay points (mode %q)",
		r.NumPoints, max(r.NumBursts, 1), r.SamplingRate, r.DelayPoints, cfg.TriggerMode)
	return nil
}

func (d *DMM) Trigger() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.trigger
}

func (d *DMM) SetTrigger(name string) error {
	if err := buffer.CheckTrigger(d.name, d.caps, name); err != nil {
		return err
	}
	d.mu.Lock()
	d.trigger = name
	d.mu.Unlock()
	return nil
}

// ForceTrigger starts an armed acquisition.
func (d *DMM) ForceTrigger(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.forced++
	if d.state != dmmArmed {
		return fmt.Errorf("%w: %s forced while not armed", buffer.ErrTrigger, d.name)
	}
	d.begin()
	return nil
}

func (d *DMM) begin() {
	d.state = dmmAcquiring
	d.startedAt = d.clock.Now()
	d.log.Debugf("acquisition triggered")
}

func (d *DMM) Subscribe(hs []*param.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, h := range hs {
		if h.Instrument() != d.name || !d.channels[h.Channel()] {
			return fmt.Errorf("%w: %s cannot buffer %s", buffer.ErrBuffer, d.name, h.Name())
		}
	}
	for _, h := range hs {
		if !containsHandle(d.subscribed, h) {
			d.subscribed = append(d.subscribed, h)
		}
	}
	return nil
}

func (d *DMM) Unsubscribe(hs []*param.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var keep []*param.Handle
	for _, s := range d.subscribed {
		if !containsHandle(hs, s) {
			keep = append(keep, s)
		}
	}
	d.subscribed = keep
	return nil
}

func (d *DMM) Subscribed() []*param.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*param.Handle(nil), d.subscribed...)
}

// Start arms the buffer. Triggers other than "software" listen on the bus
// line of the same name.
func (d *DMM) Start(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.configured {
		return fmt.Errorf("%w: %s started before setup", buffer.ErrBuffer, d.name)
	}
	if d.trigger == "" {
		return fmt.Errorf("%w: %s has no trigger", buffer.ErrTrigger, d.name)
	}
	d.state = dmmArmed
	d.stopped = false
	d.raw = nil
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
	if d.trigger != "software" {
		d.unsub = d.bus.Subscribe(d.trigger, func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.state == dmmArmed {
				d.begin()
			}
		})
	}
	return nil
}

// Stop halts acquisition. Data of a finished acquisition stays readable.
func (d *DMM) Stop(context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
	d.stopped = true
	if d.state != dmmDone {
		d.state = dmmIdle
	}
	return nil
}

func (d *DMM) IsReady() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state == dmmArmed
}

func (d *DMM) duration() time.Duration {
	r := d.resolved
	raw := r.NumPoints*max(r.NumBursts, 1) + r.DelayPoints
	return timeutil.Seconds(float64(raw) / r.SamplingRate)
}

func (d *DMM) IsFinished(context.Context) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	switch d.state {
	case dmmDone:
		return true, nil
	case dmmAcquiring:
		if d.instant || d.clock.Since(d.startedAt) >= d.duration() {
			d.capture()
			d.state = dmmDone
			return true, nil
		}
	}
	return false, nil
}

func (d *DMM) capture() {
	r := d.resolved
	n := r.NumPoints*max(r.NumBursts, 1) + r.DelayPoints
	d.raw = make(map[string][]float64, len(d.subscribed))
	for _, h := range d.subscribed {
		samples := make([]float64, n)
		for i := range samples {
			samples[i] = d.signal(h.Channel(), float64(i)/r.SamplingRate)
		}
		d.raw[h.Name()] = samples
	}
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = float64(i) / r.SamplingRate
	}
	d.raw[buffer.TimestampKey] = ts
}

// Read returns the delay-trimmed samples split into bursts. The buffer must
// have finished and been stopped.
func (d *DMM) Read(context.Context) (buffer.Data, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reads++
	if !d.stopped {
		return nil, fmt.Errorf("%w: %s read while acquiring", buffer.ErrBuffer, d.name)
	}
	if d.raw == nil {
		return nil, fmt.Errorf("%w: %s has no finished acquisition", buffer.ErrBuffer, d.name)
	}
	r := d.resolved
	bursts := max(r.NumBursts, 1)
	out := make(buffer.Data, len(d.raw))
	for name, raw := range d.raw {
		trimmed := raw[r.DelayPoints:]
		split := make([][]float64, bursts)
		for b := range split {
			split[b] = append([]float64(nil), trimmed[b*r.NumPoints:(b+1)*r.NumPoints]...)
		}
		out[name] = split
	}
	return out, nil
}

// ReadRaw returns the untrimmed samples.
func (d *DMM) ReadRaw(context.Context) (any, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.raw == nil {
		return nil, fmt.Errorf("%w: %s has no finished acquisition", buffer.ErrBuffer, d.name)
	}
	out := make(map[string][]float64, len(d.raw))
	for k, v := range d.raw {
		out[k] = append([]float64(nil), v...)
	}
	return out, nil
}

// Forced returns the number of ForceTrigger calls.
func (d *DMM) Forced() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.forced
}

// Reads returns the number of Read calls.
func (d *DMM) Reads() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reads
}

// Close detaches the DMM from the trigger bus.
func (d *DMM) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.unsub != nil {
		d.unsub()
		d.unsub = nil
	}
	return nil
}

func containsHandle(hs []*param.Handle, h *param.Handle) bool {
	for _, x := range hs {
		if x == h {
			return true
		}
	}
	return false
}
