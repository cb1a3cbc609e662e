// Package buffertest provides a scriptable in-memory Buffer for tests.
package buffertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/param"
)

// Log records events from several fakes in one ordered list.
type Log struct {
	mu     sync.Mutex
	events []string
}

func (l *Log) Add(format string, v ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.events = append(l.events, fmt.Sprintf(format, v...))
	l.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (l *Log) Events() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.events...)
}

// Index returns the position of the first event equal to e, or -1.
func (l *Log) Index(e string) int {
	for i, ev := range l.Events() {
		if ev == e {
			return i
		}
	}
	return -1
}

// Fake is a Buffer whose finish timing and data are controlled by the test.
type Fake struct {
	mu sync.Mutex

	name string
	caps buffer.Capabilities
	log  *Log

	// FinishAfter is how long after Start the buffer reports finished.
	FinishAfter time.Duration
	// FinishPolls is how many IsFinished calls return false first.
	FinishPolls int
	// Generate produces the raw samples for a handle; the default is the
	// sample index.
	Generate func(h *param.Handle, raw int) []float64

	SetupErr  error
	ReadErr   error
	FinishErr error

	trigger    string
	subscribed []*param.Handle
	resolved   buffer.Resolved
	config     buffer.Config
	started    time.Time
	running    bool
	polls      int
	finishedAt time.Time
	readAt     time.Time
	reads      int
	forced     int
}

// New returns a fake with the given capabilities. log may be nil.
func New(name string, caps buffer.Capabilities, log *Log) *Fake {
	return &Fake{name: name, caps: caps, log: log}
}

func (f *Fake) Name() string                      { return f.name }
func (f *Fake) Capabilities() buffer.Capabilities { return f.caps }

func (f *Fake) Setup(_ context.Context, r buffer.Resolved, cfg buffer.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SetupErr != nil {
		return f.SetupErr
	}
	f.resolved, f.config = r, cfg
	f.log.Add("%s setup %d", f.name, r.NumPoints)
	return nil
}

func (f *Fake) Trigger() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trigger
}

func (f *Fake) SetTrigger(name string) error {
	if err := buffer.CheckTrigger(f.name, f.caps, name); err != nil {
		return err
	}
	f.mu.Lock()
	f.trigger = name
	f.mu.Unlock()
	return nil
}

func (f *Fake) ForceTrigger(context.Context) error {
	f.mu.Lock()
	f.forced++
	f.mu.Unlock()
	f.log.Add("%s force", f.name)
	return nil
}

func (f *Fake) Subscribe(hs []*param.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, h := range hs {
		if !contains(f.subscribed, h) {
			f.subscribed = append(f.subscribed, h)
		}
	}
	return nil
}

func (f *Fake) Unsubscribe(hs []*param.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keep []*param.Handle
	for _, s := range f.subscribed {
		if !contains(hs, s) {
			keep = append(keep, s)
		}
	}
	f.subscribed = keep
	f.log.Add("%s unsubscribe", f.name)
	return nil
}

func (f *Fake) Subscribed() []*param.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*param.Handle(nil), f.subscribed...)
}

func (f *Fake) Start(context.Context) error {
	f.mu.Lock()
	f.started = time.Now()
	f.running = true
	f.polls = 0
	f.finishedAt = time.Time{}
	f.mu.Unlock()
	f.log.Add("%s start", f.name)
	return nil
}

func (f *Fake) Stop(context.Context) error {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
	f.log.Add("%s stop", f.name)
	return nil
}

func (f *Fake) IsReady() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *Fake) IsFinished(context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FinishErr != nil {
		return false, f.FinishErr
	}
	if !f.finishedAt.IsZero() {
		return true, nil
	}
	f.polls++
	if f.polls <= f.FinishPolls || time.Since(f.started) < f.FinishAfter {
		return false, nil
	}
	f.finishedAt = time.Now()
	f.log.Add("%s finished", f.name)
	return true, nil
}

func (f *Fake) Read(context.Context) (buffer.Data, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	f.readAt = time.Now()
	f.log.Add("%s read", f.name)
	if f.ReadErr != nil {
		return nil, f.ReadErr
	}
	if f.finishedAt.IsZero() {
		return nil, fmt.Errorf("%w: %s read before finished", buffer.ErrBuffer, f.name)
	}
	out := buffer.Data{}
	for _, h := range f.subscribed {
		raw := f.generate(h, f.resolved.RawPoints)
		out[h.Name()] = [][]float64{raw[f.resolved.DelayPoints:]}
	}
	return out, nil
}

func (f *Fake) ReadRaw(context.Context) (any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	raw := map[string][]float64{}
	for _, h := range f.subscribed {
		raw[h.Name()] = f.generate(h, f.resolved.RawPoints)
	}
	return raw, nil
}

func (f *Fake) generate(h *param.Handle, n int) []float64 {
	if f.Generate != nil {
		return f.Generate(h, n)
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = float64(i)
	}
	return out
}

// FinishedAt returns when the fake first reported finished.
func (f *Fake) FinishedAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finishedAt
}

// ReadAt returns when Read was last called.
func (f *Fake) ReadAt() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readAt
}

// Reads returns the number of Read calls.
func (f *Fake) Reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reads
}

// Forced returns the number of ForceTrigger calls.
func (f *Fake) Forced() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forced
}

// Resolved returns the last plan passed to Setup.
func (f *Fake) Resolved() buffer.Resolved {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resolved
}

// ErrInjected is a convenience error for failure tests.
var ErrInjected = errors.New("injected failure")

func contains(hs []*param.Handle, h *param.Handle) bool {
	for _, x := range hs {
		if x == h {
			return true
		}
	}
	return false
}

// TriggerInput is a buffer.TriggerIn whose selection is checked against caps.
type TriggerInput struct {
	mu     sync.Mutex
	name   string
	caps   buffer.Capabilities
	input  string
	setups int
}

// NewTriggerInput returns a trigger input with no input selected.
func NewTriggerInput(name string, caps buffer.Capabilities) *TriggerInput {
	return &TriggerInput{name: name, caps: caps}
}

func (t *TriggerInput) Name() string                      { return t.name }
func (t *TriggerInput) Capabilities() buffer.Capabilities { return t.caps }

func (t *TriggerInput) TriggerIn() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.input
}

func (t *TriggerInput) SetTriggerIn(name string) error {
	if err := buffer.CheckTrigger(t.name, t.caps, name); err != nil {
		return err
	}
	t.mu.Lock()
	t.input = name
	t.mu.Unlock()
	return nil
}

func (t *TriggerInput) SetupTriggerIn(context.Context, buffer.Config) error {
	t.mu.Lock()
	t.setups++
	t.mu.Unlock()
	return nil
}

// Setups returns the number of SetupTriggerIn calls.
func (t *TriggerInput) Setups() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setups
}
