// Package instrument keeps the station: the set of instruments an
// experiment talks to, and the mapping from script parameters to their
// channels.
package instrument

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/config"
	"github.com/banshee-data/sweeplab/internal/instrument/opcuadev"
	"github.com/banshee-data/sweeplab/internal/instrument/serialdev"
	"github.com/banshee-data/sweeplab/internal/instrument/sim"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/ramp"
	"github.com/banshee-data/sweeplab/internal/serialmux"
	"github.com/banshee-data/sweeplab/internal/timeutil"
)

// Instrument is a named owner of channels. Instruments may also implement
// buffer.Buffer, buffer.TriggerIn and ramp.Ramper.
type Instrument interface {
	Name() string
	Channels() []string
	Binding(channel string) (param.Binding, error)
	Close() error
}

type adminRouter interface {
	AttachAdminRoutes(mux *http.ServeMux)
}

// Station is a registry of instruments, in insertion order.
type Station struct {
	mu          sync.RWMutex
	instruments map[string]Instrument
	order       []string
	bus         *sim.TriggerBus
}

// NewStation returns an empty station whose simulated instruments share bus.
// A nil bus gets a fresh one.
func NewStation(bus *sim.TriggerBus) *Station {
	if bus == nil {
		bus = sim.NewTriggerBus()
	}
	return &Station{instruments: make(map[string]Instrument), bus: bus}
}

// Bus returns the trigger bus shared by simulated instruments.
func (s *Station) Bus() *sim.TriggerBus { return s.bus }

// Add registers inst. Names must be unique.
func (s *Station) Add(inst Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instruments[inst.Name()]; ok {
		return fmt.Errorf("%w: duplicate instrument %q", param.ErrMapping, inst.Name())
	}
	s.instruments[inst.Name()] = inst
	s.order = append(s.order, inst.Name())
	return nil
}

func (s *Station) Get(name string) (Instrument, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.instruments[name]
	return inst, ok
}

// Names returns instrument names in insertion order.
func (s *Station) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.order...)
}

func (s *Station) all() []Instrument {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Instrument, 0, len(s.order))
	for _, n := range s.order {
		out = append(out, s.instruments[n])
	}
	return out
}

// Buffer returns the named instrument's buffer capability.
func (s *Station) Buffer(name string) (buffer.Buffer, bool) {
	inst, ok := s.Get(name)
	if !ok {
		return nil, false
	}
	b, ok := inst.(buffer.Buffer)
	return b, ok
}

// Ramper returns the named instrument's native ramp capability. It
// satisfies ramp.Lookup.
func (s *Station) Ramper(name string) (ramp.Ramper, bool) {
	inst, ok := s.Get(name)
	if !ok {
		return nil, false
	}
	r, ok := inst.(ramp.Ramper)
	return r, ok
}

// Buffers returns every buffered instrument.
func (s *Station) Buffers() []buffer.Buffer {
	var out []buffer.Buffer
	for _, inst := range s.all() {
		if b, ok := inst.(buffer.Buffer); ok {
			out = append(out, b)
		}
	}
	return out
}

// TriggerIns returns every instrument with a trigger input.
func (s *Station) TriggerIns() []buffer.TriggerIn {
	var out []buffer.TriggerIn
	for _, inst := range s.all() {
		if t, ok := inst.(buffer.TriggerIn); ok {
			out = append(out, t)
		}
	}
	return out
}

// Rampers returns every instrument with a native ramp engine.
func (s *Station) Rampers() []ramp.Ramper {
	var out []ramp.Ramper
	for _, inst := range s.all() {
		if r, ok := inst.(ramp.Ramper); ok {
			out = append(out, r)
		}
	}
	return out
}

// Resolve builds the handle table for the script parameters. Parameters are
// added in the given declaration order; any not listed there follow in name
// order. Every parameter must be mapped to an existing instrument channel.
func (s *Station) Resolve(order []param.Key, params map[string]map[string]param.Properties, mapping map[string]map[string]config.Binding) (*param.Table, error) {
	table := param.NewTable()
	for _, key := range declared(order, params) {
		props := params[key.Terminal][key.Parameter]
		bind, ok := mapping[key.Terminal][key.Parameter]
		if !ok {
			return nil, fmt.Errorf("%w: %s has no mapping", param.ErrMapping, key)
		}
		inst, ok := s.Get(bind.Instrument)
		if !ok {
			return nil, fmt.Errorf("%w: %s mapped to unknown instrument %q", param.ErrMapping, key, bind.Instrument)
		}
		b, err := inst.Binding(bind.Channel)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", key, err)
		}
		limits, err := props.ParsedLimits()
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", param.ErrMapping, key, err)
		}
		if err := table.Add(param.NewHandle(key, props.Type, b, limits), props); err != nil {
			return nil, err
		}
	}
	return table, nil
}

// AttachAdminRoutes lets instruments with debug endpoints register them.
func (s *Station) AttachAdminRoutes(mux *http.ServeMux) {
	for _, inst := range s.all() {
		if r, ok := inst.(adminRouter); ok {
			r.AttachAdminRoutes(mux)
		}
	}
}

// Close closes every instrument, collecting errors.
func (s *Station) Close() error {
	var errs []error
	for _, inst := range s.all() {
		if err := inst.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", inst.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// BuildOptions carries the shared dependencies of instrument adapters.
type BuildOptions struct {
	Log   monitoring.Logger
	Clock timeutil.Clock
	Bus   *sim.TriggerBus
	// SerialFactory opens serial ports; nil means real hardware.
	SerialFactory serialmux.SerialPortFactory
	// InstantBuffers makes simulated buffers finish as soon as triggered.
	InstantBuffers bool
	Signal         sim.Signal
}

// Build creates a station from instrument specs. Already opened instruments
// are closed when a later one fails.
func Build(ctx context.Context, specs []config.InstrumentSpec, opts BuildOptions) (*Station, error) {
	st := NewStation(opts.Bus)
	for _, spec := range specs {
		inst, err := open(ctx, spec, st.bus, opts)
		if err == nil {
			err = st.Add(inst)
			if err != nil {
				inst.Close()
			}
		}
		if err != nil {
			if cerr := st.Close(); cerr != nil {
				opts.Log.Warnf("closing station after failed build: %v", cerr)
			}
			return nil, fmt.Errorf("instrument %s: %w", spec.Name, err)
		}
		opts.Log.Debugf("instrument %s (%s) ready", spec.Name, spec.Driver)
	}
	return st, nil
}

func open(ctx context.Context, spec config.InstrumentSpec, bus *sim.TriggerBus, opts BuildOptions) (Instrument, error) {
	switch spec.Driver {
	case config.DriverSimDAC:
		return sim.NewDAC(spec.Name, spec.Channels, sim.DACOptions{
			MaxRampChannels: spec.MaxRampChannels,
			Bus:             bus,
			Log:             opts.Log,
		}), nil
	case config.DriverSimDMM:
		return sim.NewDMM(spec.Name, spec.Channels, sim.DMMOptions{
			Depth:           spec.BufferDepth,
			MaxSamplingRate: spec.MaxSamplingRate,
			Bus:             bus,
			Log:             opts.Log,
			Clock:           opts.Clock,
			Signal:          opts.Signal,
			Instant:         opts.InstantBuffers,
		}), nil
	case config.DriverSerial:
		return serialdev.Open(spec.Name, spec.Serial, opts.SerialFactory, opts.Log)
	case config.DriverOPCUA:
		return opcuadev.Dial(ctx, spec.Name, spec.OPCUA, opts.Log)
	}
	return nil, fmt.Errorf("unknown driver %q", spec.Driver)
}

// declared returns the keys of params, those in order first.
func declared(order []param.Key, params map[string]map[string]param.Properties) []param.Key {
	seen := make(map[param.Key]bool, len(order))
	var out []param.Key
	for _, k := range order {
		if _, ok := params[k.Terminal][k.Parameter]; ok && !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, term := range sortedKeys(params) {
		for _, name := range sortedKeys(params[term]) {
			if k := (param.Key{Terminal: term, Parameter: name}); !seen[k] {
				out = append(out, k)
			}
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
