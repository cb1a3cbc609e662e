// Package serialdev adapts line-oriented serial instruments, such as
// SCPI-style voltage sources and meters, to parameter handles. Each channel
// is described by a query template and a command template.
package serialdev

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/sweeplab/internal/config"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/serialmux"
)

// Device is one serial instrument.
type Device struct {
	name     string
	mux      *serialmux.SerialMux[serialmux.SerialPorter]
	channels map[string]config.SerialChannel
	timeout  time.Duration
	log      monitoring.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Open opens the port described by spec through factory, starts the line
// monitor and sends the init commands.
func Open(name string, spec *config.SerialSpec, factory serialmux.SerialPortFactory, log monitoring.Logger) (*Device, error) {
	if spec == nil {
		return nil, fmt.Errorf("%s: no serial settings", name)
	}
	if factory == nil {
		factory = serialmux.RealPortFactory
	}
	opts := serialmux.PortOptions{
		BaudRate: spec.BaudRate,
		DataBits: spec.DataBits,
		StopBits: spec.StopBits,
		Parity:   spec.Parity,
	}
	if _, err := opts.Normalise(); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	port, err := factory.Open(spec.Port, opts)
	if err != nil {
		return nil, fmt.Errorf("open %s on %s: %w", name, spec.Port, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		name:     name,
		mux:      serialmux.NewSerialMux(port),
		channels: spec.Channels,
		timeout:  spec.GetTimeout(),
		log:      log.With("[" + name + "]"),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		if err := d.mux.Monitor(ctx); err != nil && ctx.Err() == nil {
			d.log.Warnf("serial monitor stopped: %v", err)
		}
	}()

	if err := d.mux.Initialise(spec.Init...); err != nil {
		d.Close()
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	d.log.Printf("opened %s with %d channels", spec.Port, len(spec.Channels))
	return d, nil
}

func (d *Device) Name() string { return d.name }

// Channels returns the configured channel names in sorted order.
func (d *Device) Channels() []string {
	out := make([]string, 0, len(d.channels))
	for ch := range d.channels {
		out = append(out, ch)
	}
	sort.Strings(out)
	return out
}

// Binding builds the handle backend for channel. A channel without a set
// template is read-only; one without a get template reads from the handle
// cache.
func (d *Device) Binding(channel string) (param.Binding, error) {
	tmpl, ok := d.channels[channel]
	if !ok {
		return param.Binding{}, fmt.Errorf("%w: %s has no channel %q", param.ErrMapping, d.name, channel)
	}
	b := param.Binding{Instrument: d.name, Channel: channel}
	if tmpl.Get != "" {
		b.Get = func(ctx context.Context) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()
			reply, err := d.mux.Query(ctx, tmpl.Get)
			if err != nil {
				return nil, err
			}
			return parseReading(reply)
		}
	}
	if tmpl.Set != "" {
		b.Set = func(_ context.Context, v any) error {
			return d.mux.SendCommand(fmt.Sprintf(tmpl.Set, formatValue(v)))
		}
	}
	return b, nil
}

// parseReading takes the first field of a reply, so "1.25E-3 V" parses.
func parseReading(reply string) (float64, error) {
	fields := strings.FieldsFunc(reply, func(r rune) bool { return r == ' ' || r == ',' || r == '\t' })
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty reply")
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable reply %q: %w", reply, err)
	}
	return f, nil
}

func formatValue(v any) string {
	if f, ok := param.AsFloat(v); ok {
		return strconv.FormatFloat(f, 'g', -1, 64)
	}
	return fmt.Sprint(v)
}

// AttachAdminRoutes exposes query, send-command and tail debug routes.
func (d *Device) AttachAdminRoutes(mux *http.ServeMux) {
	d.mux.AttachAdminRoutes(mux, d.name)
}

// Close stops the monitor and closes the port.
func (d *Device) Close() error {
	var err error
	d.once.Do(func() {
		d.cancel()
		err = d.mux.Close()
		<-d.done
	})
	return err
}
