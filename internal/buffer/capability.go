package buffer

import (
	"context"

	"github.com/banshee-data/sweeplab/internal/param"
)

// TimestampKey is the Data key adapters use for per-sample timestamps.
const TimestampKey = "timestamps"

// Data maps a subscribed handle name to its samples, one slice per burst.
type Data map[string][][]float64

// Capabilities is the immutable description of what an adapter supports.
type Capabilities struct {
	triggers        []string
	maxDepth        int
	maxSamplingRate float64
}

// NewCapabilities builds a capability descriptor. maxDepth and
// maxSamplingRate of zero mean unbounded.
func NewCapabilities(maxDepth int, maxSamplingRate float64, triggers ...string) Capabilities {
	return Capabilities{
		triggers:        append([]string(nil), triggers...),
		maxDepth:        maxDepth,
		maxSamplingRate: maxSamplingRate,
	}
}

// AvailableTriggers returns a copy of the supported trigger names.
func (c Capabilities) AvailableTriggers() []string {
	return append([]string(nil), c.triggers...)
}

// HasTrigger reports whether name is a supported trigger.
func (c Capabilities) HasTrigger(name string) bool {
	for _, t := range c.triggers {
		if t == name {
			return true
		}
	}
	return false
}

// MaxDepth is the largest number of raw samples the buffer holds.
func (c Capabilities) MaxDepth() int { return c.maxDepth }

// MaxSamplingRate is the fastest supported sampling rate in Hz.
func (c Capabilities) MaxSamplingRate() float64 { return c.maxSamplingRate }

// Buffer is implemented by instruments that acquire into on-board memory.
// A buffer moves from configured to armed (Start) to finished, which is
// detected by polling IsFinished.
type Buffer interface {
	// Name identifies the owning instrument.
	Name() string
	Capabilities() Capabilities

	// Setup programs the resolved acquisition plan.
	Setup(ctx context.Context, r Resolved, cfg Config) error

	Trigger() string
	// SetTrigger selects one of Capabilities().AvailableTriggers.
	SetTrigger(name string) error
	// ForceTrigger starts acquisition from software.
	ForceTrigger(ctx context.Context) error

	Subscribe(handles []*param.Handle) error
	Unsubscribe(handles []*param.Handle) error
	Subscribed() []*param.Handle

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	IsReady() bool
	IsFinished(ctx context.Context) (bool, error)

	// Read returns the delay-trimmed samples of every subscribed handle.
	Read(ctx context.Context) (Data, error)
	// ReadRaw returns the untrimmed instrument payload.
	ReadRaw(ctx context.Context) (any, error)
}

// TriggerIn is implemented by instruments whose outputs wait on an external
// trigger, such as DACs that ramp in step with a buffer.
type TriggerIn interface {
	Name() string
	Capabilities() Capabilities
	TriggerIn() string
	SetTriggerIn(name string) error
	SetupTriggerIn(ctx context.Context, cfg Config) error
}
