package serialdev

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sweeplab/internal/config"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/serialmux"
)

// source emulates a two-channel SCPI voltage source.
type source struct {
	mu    sync.Mutex
	volts map[string]float64
}

func (s *source) respond(line string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ch string
	var v float64
	if n, _ := fmt.Sscanf(line, "SOUR%s VOLT %g", &ch, &v); n == 2 {
		s.volts[ch] = v
		return ""
	}
	if strings.HasPrefix(line, "MEAS? ") {
		return strconv.FormatFloat(s.volts[strings.TrimPrefix(line, "MEAS? ")], 'E', -1, 64) + " V"
	}
	if line == "BAD?" {
		return "overload"
	}
	return ""
}

func spec() *config.SerialSpec {
	return &config.SerialSpec{
		Port:     "/dev/ttyUSB0",
		BaudRate: 115200,
		Timeout:  "500ms",
		Init:     []string{"*RST"},
		Channels: map[string]config.SerialChannel{
			"ch1":  {Get: "MEAS? 1", Set: "SOUR1 VOLT %v"},
			"ch2":  {Get: "MEAS? 2", Set: "SOUR2 VOLT %v"},
			"mon":  {Get: "MEAS? 1"},
			"bad":  {Get: "BAD?"},
			"trig": {Set: "TRIG %v"},
		},
	}
}

func openDevice(t *testing.T) (*Device, *serialmux.TestableSerialPort, *serialmux.MockSerialPortFactory) {
	t.Helper()
	src := &source{volts: map[string]float64{}}
	port := serialmux.NewScriptedPort(src.respond)
	factory := serialmux.NewMockSerialPortFactory(port)
	d, err := Open("src", spec(), factory, monitoring.Logger{Out: t.Logf})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, port, factory
}

func handle(t *testing.T, d *Device, ch string) *param.Handle {
	t.Helper()
	b, err := d.Binding(ch)
	require.NoError(t, err)
	return param.NewHandle(param.Key{Terminal: ch, Parameter: "voltage"}, param.KindDynamic, b, nil)
}

func TestOpen_SendsInitAndPassesOptions(t *testing.T) {
	d, port, factory := openDevice(t)
	assert.Equal(t, "src", d.Name())
	assert.Equal(t, []string{"bad", "ch1", "ch2", "mon", "trig"}, d.Channels())
	assert.Equal(t, []string{"*RST"}, port.Lines())
	call := factory.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "/dev/ttyUSB0", call.Path)
	assert.Equal(t, 115200, call.Opts.BaudRate)
}

func TestBinding_SetThenGet(t *testing.T) {
	d, port, _ := openDevice(t)
	ctx := context.Background()
	ch1 := handle(t, d, "ch1")

	require.NoError(t, ch1.Set(ctx, 0.25))
	assert.Contains(t, port.Lines(), "SOUR1 VOLT 0.25")

	v, err := ch1.GetFloat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.25, v)

	mon := handle(t, d, "mon")
	assert.False(t, mon.Settable())
	v, err = mon.GetFloat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.25, v)
}

func TestBinding_Errors(t *testing.T) {
	d, _, _ := openDevice(t)
	ctx := context.Background()

	_, err := d.Binding("nope")
	assert.ErrorIs(t, err, param.ErrMapping)

	_, err = handle(t, d, "bad").Get(ctx)
	assert.ErrorContains(t, err, "unparseable")

	trig := handle(t, d, "trig")
	_, err = trig.Get(ctx)
	assert.Error(t, err, "no getter and nothing cached")
	require.NoError(t, trig.Set(ctx, 1))
	v, err := trig.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
}

func TestOpen_Failures(t *testing.T) {
	log := monitoring.Logger{Out: t.Logf}
	_, err := Open("x", nil, nil, log)
	assert.Error(t, err)

	bad := spec()
	bad.Parity = "mark"
	_, err = Open("x", bad, serialmux.NewMockSerialPortFactory(serialmux.NewTestableSerialPort()), log)
	assert.ErrorContains(t, err, "parity")

	factory := serialmux.NewMockSerialPortFactory(nil)
	factory.Error = errors.New("device busy")
	_, err = Open("x", spec(), factory, log)
	assert.ErrorContains(t, err, "device busy")

	port := serialmux.NewScriptedPort(nil)
	port.WriteError = errors.New("cable unplugged")
	_, err = Open("x", spec(), serialmux.NewMockSerialPortFactory(port), log)
	assert.ErrorContains(t, err, "*RST")
	assert.True(t, port.Closed)
}

func TestParseReading(t *testing.T) {
	testCases := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1.25E-3 V", 1.25e-3, true},
		{"-0.5,OK", -0.5, true},
		{"  42 ", 42, true},
		{"", 0, false},
		{"ERR", 0, false},
	}
	for _, tc := range testCases {
		got, err := parseReading(tc.in)
		if (err == nil) != tc.ok {
			t.Errorf("parseReading(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("parseReading(%q) = %g, want %g", tc.in, got, tc.want)
		}
	}
}
