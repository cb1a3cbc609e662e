// Package param defines parameter handles: the engine's view of a named,
// typed, possibly settable quantity backed by an instrument channel.
package param

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
)

var (
	// ErrMapping means a terminal/parameter pair cannot be resolved to a handle.
	ErrMapping = errors.New("mapping error")
	// ErrUnsettable means the handle has no setter. Callers treat it as a warning.
	ErrUnsettable = errors.New("parameter is not settable")
	// ErrOutOfLimits means a write was refused by the handle's limits.
	ErrOutOfLimits = errors.New("value outside parameter limits")
	// ErrBusy means another operation currently owns the handle.
	ErrBusy = errors.New("parameter busy")
)

// Key identifies a handle by terminal and parameter name.
type Key struct {
	Terminal  string
	Parameter string
}

func (k Key) String() string {
	return k.Terminal + "." + k.Parameter
}

// Limits is an inclusive [Min, Max] range.
type Limits struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

// Contains reports whether v lies within the limits.
func (l Limits) Contains(v float64) bool {
	return v >= l.Min && v <= l.Max
}

// Binding connects a handle to an instrument channel. A nil Set makes the
// handle unsettable.
type Binding struct {
	Instrument string
	Channel    string
	Get        func(ctx context.Context) (any, error)
	Set        func(ctx context.Context, v any) error
}

// Handle is a typed reference to one instrument quantity. The last value
// read or written is cached.
type Handle struct {
	key     Key
	kind    Kind
	binding Binding
	limits  *Limits

	mu       sync.Mutex
	value    any
	hasValue bool
	label    string
	owner    string
}

// NewHandle creates a handle. limits may be nil.
func NewHandle(key Key, kind Kind, b Binding, limits *Limits) *Handle {
	return &Handle{
		key:     key,
		kind:    kind,
		binding: b,
		limits:  limits,
		label:   b.Channel,
	}
}

func (h *Handle) Key() Key           { return h.key }
func (h *Handle) Name() string       { return h.key.String() }
func (h *Handle) Kind() Kind         { return h.kind }
func (h *Handle) Instrument() string { return h.binding.Instrument }
func (h *Handle) Channel() string    { return h.binding.Channel }
func (h *Handle) Limits() *Limits    { return h.limits }

// Settable reports whether the backing channel accepts writes.
func (h *Handle) Settable() bool {
	return h.binding.Set != nil
}

// Get reads the instrument and caches the result.
func (h *Handle) Get(ctx context.Context) (any, error) {
	if h.binding.Get == nil {
		v, ok := h.Cached()
		if !ok {
			return nil, fmt.Errorf("%s: no getter and no cached value", h.Name())
		}
		return v, nil
	}
	v, err := h.binding.Get(ctx)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", h.Name(), err)
	}
	h.mu.Lock()
	h.value, h.hasValue = v, true
	h.mu.Unlock()
	return v, nil
}

// GetFloat reads the instrument and converts the value to float64.
func (h *Handle) GetFloat(ctx context.Context) (float64, error) {
	v, err := h.Get(ctx)
	if err != nil {
		return math.NaN(), err
	}
	f, ok := AsFloat(v)
	if !ok {
		return math.NaN(), fmt.Errorf("get %s: value %v is not numeric", h.Name(), v)
	}
	return f, nil
}

// Set writes v to the instrument. Numeric values outside the handle limits
// are refused with ErrOutOfLimits.
func (h *Handle) Set(ctx context.Context, v any) error {
	if h.binding.Set == nil {
		return fmt.Errorf("set %s: %w", h.Name(), ErrUnsettable)
	}
	if f, ok := AsFloat(v); ok && h.limits != nil && !h.limits.Contains(f) {
		return fmt.Errorf("set %s to %g: %w [%g, %g]", h.Name(), f, ErrOutOfLimits, h.limits.Min, h.limits.Max)
	}
	if err := h.binding.Set(ctx, v); err != nil {
		return fmt.Errorf("set %s: %w", h.Name(), err)
	}
	h.mu.Lock()
	h.value, h.hasValue = v, true
	h.mu.Unlock()
	return nil
}

// Cached returns the last value read or written.
func (h *Handle) Cached() (any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.value, h.hasValue
}

// CachedFloat returns the cached value when it is numeric.
func (h *Handle) CachedFloat() (float64, bool) {
	v, ok := h.Cached()
	if !ok {
		return 0, false
	}
	return AsFloat(v)
}

// Label returns the display label.
func (h *Handle) Label() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.label
}

// SetLabel replaces the display label and returns the previous one.
func (h *Handle) SetLabel(label string) string {
	h.mu.Lock()
	defer h.mu.Unlock()
	prev := h.label
	h.label = label
	return prev
}

// Acquire claims exclusive write ownership for owner. The returned release
// func must be called when the operation completes.
func (h *Handle) Acquire(owner string) (release func(), err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.owner != "" {
		return nil, fmt.Errorf("%s held by %s: %w", h.Name(), h.owner, ErrBusy)
	}
	h.owner = owner
	return func() {
		h.mu.Lock()
		if h.owner == owner {
			h.owner = ""
		}
		h.mu.Unlock()
	}, nil
}

// Owner returns the current write owner, if any.
func (h *Handle) Owner() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.owner
}

// AsFloat converts numeric values to float64. Booleans and strings are not
// numeric.
func AsFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	}
	return 0, false
}
