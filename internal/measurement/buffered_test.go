package measurement

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/buffer/buffertest"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/ramp"
	"github.com/banshee-data/sweeplab/internal/sink"
	"github.com/banshee-data/sweeplab/internal/sweep"
)

type fakeStation struct {
	bufs    map[string]buffer.Buffer
	rampers map[string]ramp.Ramper
	ins     []buffer.TriggerIn
}

func newFakeStation() *fakeStation {
	return &fakeStation{bufs: make(map[string]buffer.Buffer), rampers: make(map[string]ramp.Ramper)}
}

func (s *fakeStation) Buffer(name string) (buffer.Buffer, bool) {
	b, ok := s.bufs[name]
	return b, ok
}

func (s *fakeStation) Ramper(name string) (ramp.Ramper, bool) {
	r, ok := s.rampers[name]
	return r, ok
}

func (s *fakeStation) TriggerIns() []buffer.TriggerIn { return s.ins }

type motionCall struct {
	handles  []string
	ends     []float64
	series   [][]float64
	duration float64
	sync     string
}

// fakeRamper applies the armed motion's final values on TriggerStart.
type fakeRamper struct {
	mu      sync.Mutex
	name    string
	max     int
	log     *buffertest.Log
	armed   []*param.Handle
	final   []float64
	ramps   []motionCall
	pulses  []motionCall
	started int
	resets  int
}

func newFakeRamper(name string, log *buffertest.Log) *fakeRamper {
	return &fakeRamper{name: name, max: 4, log: log}
}

func names(hs []*param.Handle) []string {
	out := make([]string, len(hs))
	for i, h := range hs {
		out[i] = h.Name()
	}
	return out
}

func (r *fakeRamper) Name() string         { return r.name }
func (r *fakeRamper) MaxRampChannels() int { return r.max }

func (r *fakeRamper) Ramp(_ context.Context, hs []*param.Handle, _, ends []float64, rampTime float64, sync string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed, r.final = hs, ends
	r.ramps = append(r.ramps, motionCall{handles: names(hs), ends: ends, duration: rampTime, sync: sync})
	r.log.Add("%s ramp", r.name)
	return nil
}

func (r *fakeRamper) Pulse(_ context.Context, hs []*param.Handle, sp [][]float64, delay float64, sync string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = hs
	r.final = make([]float64, len(sp))
	for i, s := range sp {
		r.final[i] = s[len(s)-1]
	}
	r.pulses = append(r.pulses, motionCall{handles: names(hs), series: sp, duration: delay, sync: sync})
	r.log.Add("%s pulse", r.name)
	return nil
}

func (r *fakeRamper) TriggerStart(ctx context.Context) error {
	r.mu.Lock()
	hs, final := r.armed, r.final
	r.armed = nil
	r.started++
	r.mu.Unlock()
	r.log.Add("%s go", r.name)
	for i, h := range hs {
		if err := h.Set(ctx, final[i]); err != nil {
			return err
		}
	}
	return nil
}

func (r *fakeRamper) TriggerReset(context.Context) error {
	r.mu.Lock()
	r.armed = nil
	r.resets++
	r.mu.Unlock()
	return nil
}

func (r *fakeRamper) lastRamp() motionCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ramps[len(r.ramps)-1]
}

// bufferedRig is a fixture with a DAC-like ramper and buffered gettables.
type bufferedRig struct {
	*fixture
	station *fakeStation
	dac     *fakeRamper
	log     *buffertest.Log
	cfg     buffer.Config
}

func newBufferedRig() *bufferedRig {
	log := &buffertest.Log{}
	st := newFakeStation()
	dac := newFakeRamper("dac", log)
	st.rampers["dac"] = dac
	return &bufferedRig{
		fixture: newFixture(),
		station: st,
		dac:     dac,
		log:     log,
		cfg:     buffer.Config{SamplingRate: buffer.Float(100), NumPoints: buffer.Int(10)},
	}
}

// addBuffer registers a fake buffer and a gettable it acquires.
func (r *bufferedRig) addBuffer(t *testing.T, name string, rules ...string) *buffertest.Fake {
	t.Helper()
	fake := buffertest.New(name, buffer.NewCapabilities(1000, 1000, "software", "external"), r.log)
	r.station.bufs[name] = fake
	r.addGetter(t, name, name, param.KindGettable, func() float64 { return 0 }, rules...)
	return fake
}

func (r *bufferedRig) orchestrator(t *testing.T, mutate func(*Options)) (*Orchestrator, *sink.Memory) {
	t.Helper()
	return newOrchestrator(t, r.fixture, func(opts *Options) {
		opts.Station = r.station
		opts.Buffer = &r.cfg
		opts.Settings.Poll.Interval = 2 * time.Millisecond
		opts.Settings.Poll.Timeout = 5 * time.Second
		if mutate != nil {
			mutate(opts)
		}
	})
}

func TestSweep1DBuffered(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Start: fp(-1), Stop: fp(1), NumPoints: 5})
	fake := rig.addBuffer(t, "dmm")

	o, _ := rig.orchestrator(t, func(opts *Options) { opts.Settings.SyncTrigger = "pxi0" })
	results, err := o.Run(context.Background(), Shape1DBuffered)
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, "gate.voltage", r.Independent.Name)
	assert.InDeltaSlice(t, sweep.Linspace(-1, 1, 10), r.Independent.Values, 1e-12)
	assert.Equal(t, []float64{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, values(t, r, "dmm.current"))

	last := rig.dac.lastRamp()
	assert.Equal(t, []string{"gate.voltage"}, last.handles)
	assert.Equal(t, []float64{1}, last.ends)
	assert.InDelta(t, 0.1, last.duration, 1e-12)
	assert.Equal(t, "pxi0", last.sync)
	assert.Equal(t, 1.0, rig.value("gate"))

	assert.Equal(t, 1, fake.Forced(), "software trigger")
	assert.Equal(t, 1, fake.Reads())
	assert.Empty(t, fake.Subscribed(), "unsubscribed in cleanup")
	assert.Equal(t, "software", fake.Trigger(), "first available trigger mapped")

	st := o.State()
	require.Len(t, st.Warnings, 2)
	assert.Contains(t, st.Warnings[0], "5 setpoints")
	assert.Contains(t, st.Warnings[1], "software triggering")
}

func TestSweep1DBuffered_MapsTriggerInputs(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Start: fp(0), Stop: fp(1), NumPoints: 10})
	rig.addBuffer(t, "dmm")
	caps := buffer.NewCapabilities(0, 0, "software", "external")
	free := buffertest.NewTriggerInput("dac", caps)
	bound := buffertest.NewTriggerInput("awg", caps)
	require.NoError(t, bound.SetTriggerIn("external"))
	rig.station.ins = []buffer.TriggerIn{free, bound}

	var asked []string
	o, _ := rig.orchestrator(t, func(opts *Options) {
		opts.ChooseTrigger = func(inst string, avail []string) (string, error) {
			asked = append(asked, inst)
			return buffer.FirstAvailable(inst, avail)
		}
	})
	_, err := o.Run(context.Background(), Shape1DBuffered)
	require.NoError(t, err)

	assert.Equal(t, []string{"dmm", "dac"}, asked)
	assert.Equal(t, "software", free.TriggerIn())
	assert.Equal(t, "external", bound.TriggerIn())
	assert.NotZero(t, free.Setups())
	assert.NotZero(t, bound.Setups())
}

func TestSweep1DBuffered_CompensationRampsInLockstep(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Start: fp(0), Stop: fp(1), NumPoints: 10})
	rig.add(t, "sensor", "dac", param.Properties{
		Type: param.KindCompensating, Value: 0.5, Leverarms: []float64{0.2},
		CompensatedGates: []param.TerminalRef{{Terminal: "gate", Parameter: "voltage"}},
		Limits:           []float64{-1, 1},
	})
	rig.addBuffer(t, "dmm")

	o, _ := rig.orchestrator(t, nil)
	results, err := o.Run(context.Background(), Shape1DBuffered)
	require.NoError(t, err)
	r := results[0]

	last := rig.dac.lastRamp()
	assert.Equal(t, []string{"gate.voltage", "sensor.voltage"}, last.handles)
	assert.InDeltaSlice(t, []float64{1, 0.3}, last.ends, 1e-12)
	sensor := values(t, r, "sensor.voltage")
	assert.InDelta(t, 0.5, sensor[0], 1e-12)
	assert.InDelta(t, 0.3, sensor[len(sensor)-1], 1e-12)
}

func TestHysteresisBuffered_PassesAlternate(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Start: fp(-1), Stop: fp(1), NumPoints: 10})
	rig.addBuffer(t, "dmm")

	o, _ := rig.orchestrator(t, func(opts *Options) { opts.Settings.Iterations = 2 })
	results, err := o.Run(context.Background(), ShapeHysteresis)
	require.NoError(t, err)
	r := results[0]
	require.Equal(t, 40, r.Len())

	forward := sweep.Linspace(-1, 1, 10)
	backward := sweep.Reverse(forward)
	axis := r.Independent.Values
	for pass := 0; pass < 4; pass++ {
		want := forward
		if pass%2 == 1 {
			want = backward
		}
		assert.Equal(t, want, axis[pass*10:(pass+1)*10], "pass %d", pass)
	}
	var ends []float64
	for _, c := range rig.dac.ramps[len(rig.dac.ramps)-4:] {
		ends = append(ends, c.ends[0])
	}
	assert.Equal(t, []float64{1, -1, 1, -1}, ends)
}

func TestSweep2DBuffered(t *testing.T) {
	for _, reverse := range []bool{false, true} {
		rig := newBufferedRig()
		rig.add(t, "slow", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 0.5, 1}, Delay: 0.2, Priority: ip(0)})
		rig.add(t, "fast", "dac", param.Properties{Type: param.KindDynamic, Start: fp(-1), Stop: fp(1), NumPoints: 10, Priority: ip(1)})
		fake := rig.addBuffer(t, "dmm")

		o, _ := rig.orchestrator(t, func(opts *Options) {
			opts.Settings.ReverseParamOrder = reverse
			opts.Settings.ResetTime = 0
		})
		results, err := o.Run(context.Background(), Shape2DBuffered)
		require.NoError(t, err)
		r := results[0]

		slowName, fastName, lines := "slow.voltage", "fast.voltage", 3
		if reverse {
			slowName, fastName, lines = "fast.voltage", "slow.voltage", 10
		}
		assert.Equal(t, fastName, r.Independent.Name)
		assert.Equal(t, 10*lines, r.Len())
		assert.Equal(t, lines, fake.Reads())
		if !reverse {
			assert.Equal(t, []float64{0, 0.5, 1}, []float64{values(t, r, slowName)[0], values(t, r, slowName)[10], values(t, r, slowName)[20]})
			assert.InDeltaSlice(t, sweep.Linspace(-1, 1, 10), r.Independent.Values[10:20], 1e-12)
		}
		assert.Equal(t, []string{fastName}, rig.dac.lastRamp().handles)
	}
}

func TestSweep2DBuffered_NeedsTwoDynamics(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 1}})
	rig.addBuffer(t, "dmm")
	o, _ := rig.orchestrator(t, nil)
	_, err := o.Run(context.Background(), Shape2DBuffered)
	assert.ErrorIs(t, err, buffer.ErrConfiguration)
}

func TestSweepPulsed_AveragesRepetitions(t *testing.T) {
	rig := newBufferedRig()
	rig.cfg = buffer.Config{SamplingRate: buffer.Float(100), NumPoints: buffer.Int(4)}
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 0.1, 0.2, 0.3}})
	fake := rig.addBuffer(t, "dmm")
	var rep int
	fake.Generate = func(_ *param.Handle, n int) []float64 {
		out := make([]float64, n)
		for i := range out {
			out[i] = float64(rep) + float64(i)
		}
		rep++
		return out
	}

	o, _ := rig.orchestrator(t, func(opts *Options) { opts.Settings.Repetitions = 3 })
	results, err := o.Run(context.Background(), ShapePulsed)
	require.NoError(t, err)
	r := results[0]
	assert.Equal(t, TimeColumn, r.Independent.Name)
	assert.InDeltaSlice(t, []float64{0, 0.01, 0.02, 0.03}, r.Independent.Values, 1e-12)
	assert.Equal(t, []float64{0, 0.1, 0.2, 0.3}, values(t, r, "gate.voltage"))
	assert.InDeltaSlice(t, []float64{1, 2, 3, 4}, values(t, r, "dmm.current"), 1e-12)

	require.Len(t, rig.dac.pulses, 3)
	assert.InDelta(t, 0.01, rig.dac.pulses[0].duration, 1e-12)
	assert.Equal(t, [][]float64{{0, 0.1, 0.2, 0.3}}, rig.dac.pulses[0].series)
	assert.Equal(t, 3, fake.Reads())
}

func TestSweepPulsed_SetpointCountMustMatchSamples(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 0.1, 0.2}})
	rig.addBuffer(t, "dmm")
	o, mem := rig.orchestrator(t, nil)
	_, err := o.Run(context.Background(), ShapePulsed)
	assert.ErrorIs(t, err, buffer.ErrConfiguration)
	assert.Empty(t, mem.Results())
	assert.Empty(t, rig.dac.pulses)
}

func TestBuffered_ConfigurationErrorsBeforeHardware(t *testing.T) {
	testCases := []struct {
		name  string
		build func(t *testing.T, rig *bufferedRig)
		opts  func(*Options)
	}{
		{
			name: "gettable without buffer",
			build: func(t *testing.T, rig *bufferedRig) {
				rig.addGetter(t, "monitor", "dac", param.KindGettable, func() float64 { return 0 })
			},
		},
		{
			name: "no buffer settings",
			opts: func(o *Options) { o.Buffer = nil },
		},
		{
			name: "over-specified buffer settings",
			build: func(_ *testing.T, rig *bufferedRig) {
				rig.cfg.Duration = buffer.Float(1)
			},
		},
		{
			name: "too deep",
			build: func(_ *testing.T, rig *bufferedRig) {
				rig.cfg.NumPoints = buffer.Int(5000)
			},
		},
		{
			name: "dynamic without ramper",
			build: func(t *testing.T, rig *bufferedRig) {
				rig.add(t, "magnet", "ips", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 1}, Priority: ip(-1)})
			},
		},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newBufferedRig()
			rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 1}, Priority: ip(0)})
			rig.add(t, "bias", "dac", param.Properties{Type: param.KindStatic, Value: 0.1})
			fake := rig.addBuffer(t, "dmm")
			if tc.build != nil {
				tc.build(t, rig)
			}
			o, _ := rig.orchestrator(t, tc.opts)
			_, err := o.Run(context.Background(), Shape1DBuffered)
			require.ErrorIs(t, err, buffer.ErrConfiguration)
			assert.Equal(t, -1, rig.log.Index("dmm start"))
			assert.Empty(t, rig.mems["bias"].Writes(), "nothing written")
			assert.Zero(t, fake.Reads())
		})
	}
}

func TestTimetraceSweepsBuffered(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Start: fp(0), Stop: fp(1), NumPoints: 10})
	fake := rig.addBuffer(t, "dmm")

	o, _ := rig.orchestrator(t, func(opts *Options) {
		opts.Settings.Duration = 12
		opts.Settings.Ramp.Time = 5
	})
	results, err := o.Run(context.Background(), ShapeTimetraceSweepsBuffered)
	require.NoError(t, err)
	require.Len(t, results, 1)
	r := results[0]

	assert.Equal(t, "Timetrace with sweeps gate", r.Name)
	assert.Equal(t, TimeColumn, r.Independent.Name)
	require.Zero(t, r.Len()%10)
	blocks := r.Len() / 10
	require.GreaterOrEqual(t, blocks, 2, "ramps repeat until the duration has passed")
	assert.Equal(t, blocks, fake.Reads())

	gate := values(t, r, "gate.voltage")
	times := r.Independent.Values
	for b := 0; b < blocks; b++ {
		assert.Equal(t, sweep.Linspace(0, 1, 10), gate[b*10:(b+1)*10], "block %d", b)
		for i := b * 10; i < (b+1)*10; i++ {
			assert.Equal(t, times[b*10], times[i], "one stamp per ramp")
		}
		if b > 0 {
			assert.Greater(t, times[b*10], times[(b-1)*10])
		}
	}
	assert.Zero(t, times[0])
	var up int
	for _, c := range rig.dac.ramps {
		if c.ends[0] == 1 {
			up++
		}
	}
	assert.Equal(t, blocks, up, "one hardware ramp per block, the rest return to the start")
}

func TestTimetraceSweepsBuffered_Errors(t *testing.T) {
	testCases := []struct {
		name string
		add  func(t *testing.T, rig *bufferedRig)
		opts func(*Options)
		want error
	}{
		{"no dynamic", nil, nil, buffer.ErrConfiguration},
		{"two dynamics", func(t *testing.T, rig *bufferedRig) {
			rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 1}})
			rig.add(t, "plunger", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 1}})
		}, nil, buffer.ErrConfiguration},
		{"no duration", func(t *testing.T, rig *bufferedRig) {
			rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 1}})
		}, func(opts *Options) { opts.Settings.Duration = 0 }, buffer.ErrConfiguration},
		{"manual trigger", func(t *testing.T, rig *bufferedRig) {
			rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 1}})
		}, func(opts *Options) { opts.Settings.TriggerType = TriggerManual }, buffer.ErrTrigger},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			rig := newBufferedRig()
			if tc.add != nil {
				tc.add(t, rig)
			}
			fake := rig.addBuffer(t, "dmm")
			o, _ := rig.orchestrator(t, func(opts *Options) {
				opts.Settings.Duration = 1
				if tc.opts != nil {
					tc.opts(opts)
				}
			})
			_, err := o.Run(context.Background(), ShapeTimetraceSweepsBuffered)
			assert.ErrorIs(t, err, tc.want)
			assert.Empty(t, fake.Trigger())
			assert.Zero(t, fake.Reads())
		})
	}
}

func TestBuffered_HardwareTriggerHooks(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "gate", "dac", param.Properties{Type: param.KindDynamic, Start: fp(0), Stop: fp(1), NumPoints: 10})
	fake := rig.addBuffer(t, "dmm")
	var starts, resets int
	o, _ := rig.orchestrator(t, func(opts *Options) {
		opts.Settings.TriggerType = TriggerHardware
		opts.Hooks = Hooks{
			TriggerStart: func(context.Context) error { starts++; return nil },
			TriggerReset: func(context.Context) error { resets++; return nil },
		}
	})
	_, err := o.Run(context.Background(), Shape1DBuffered)
	require.NoError(t, err)
	assert.Equal(t, 1, starts)
	assert.GreaterOrEqual(t, resets, 1)
	assert.Zero(t, fake.Forced())
	assert.Empty(t, o.State().Warnings, "no software trigger warning")
}

func TestBuffered_ManualTriggerWaitsForExternalStart(t *testing.T) {
	rig := newBufferedRig()
	fake := rig.addBuffer(t, "dmm")
	o, _ := rig.orchestrator(t, func(opts *Options) { opts.Settings.TriggerType = TriggerManual })
	_, err := o.Run(context.Background(), ShapeTimetraceBuffered)
	require.NoError(t, err)
	assert.Zero(t, fake.Forced())
}

// flakyBuffer fails its n-th read.
type flakyBuffer struct {
	*buffertest.Fake
	mu     sync.Mutex
	failOn int
	calls  int
}

var errLink = errors.New("link dropped")

func (f *flakyBuffer) Read(ctx context.Context) (buffer.Data, error) {
	f.mu.Lock()
	f.calls++
	fail := f.calls == f.failOn
	f.mu.Unlock()
	if fail {
		return nil, errLink
	}
	return f.Fake.Read(ctx)
}

func TestSweep2DBuffered_BufferErrorKeepsPartialResult(t *testing.T) {
	rig := newBufferedRig()
	rig.add(t, "slow", "dac", param.Properties{Type: param.KindDynamic, Setpoints: []float64{0, 0.5, 1}, Priority: ip(0)})
	rig.add(t, "fast", "dac", param.Properties{Type: param.KindDynamic, Start: fp(-1), Stop: fp(1), NumPoints: 10, Priority: ip(1)})
	fake := rig.addBuffer(t, "dmm")
	rig.station.bufs["dmm"] = &flakyBuffer{Fake: fake, failOn: 2}

	o, mem := rig.orchestrator(t, nil)
	_, err := o.Run(context.Background(), Shape2DBuffered)
	require.ErrorIs(t, err, buffer.ErrBuffer)
	assert.ErrorIs(t, err, errLink)

	r := mem.Last()
	require.NotNil(t, r)
	assert.Equal(t, 10, r.Len(), "first line kept")
	assert.Contains(t, r.Error, "link dropped")
	assert.NoError(t, r.Validate())
	assert.Equal(t, StatusError, o.State().Status)
	assert.Empty(t, fake.Subscribed(), "cleanup ran")
	assert.GreaterOrEqual(t, rig.dac.resets, 2)
}

func TestBuffered_PollTimeout(t *testing.T) {
	rig := newBufferedRig()
	fake := rig.addBuffer(t, "dmm")
	fake.FinishAfter = time.Hour
	o, mem := rig.orchestrator(t, func(opts *Options) { opts.Settings.Poll.Timeout = 20 * time.Millisecond })

	_, err := o.Run(context.Background(), ShapeTimetraceBuffered)
	require.ErrorIs(t, err, buffer.ErrBuffer)
	r := mem.Last()
	require.NotNil(t, r)
	assert.Zero(t, r.Len())
	assert.NotEmpty(t, r.Error)
	assert.Zero(t, fake.Reads())
}

func TestBuffered_StopCancelsWait(t *testing.T) {
	rig := newBufferedRig()
	fake := rig.addBuffer(t, "dmm")
	fake.FinishAfter = time.Hour
	o, _ := rig.orchestrator(t, nil)

	require.NoError(t, o.Start(context.Background(), ShapeTimetraceBuffered))
	require.Eventually(t, func() bool { return rig.log.Index("dmm start") >= 0 }, time.Second, time.Millisecond)
	o.Stop()
	require.Eventually(t, func() bool { return o.State().Status == StatusStopped }, time.Second, time.Millisecond)
	assert.Zero(t, fake.Reads())
}
