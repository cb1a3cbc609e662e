package param

import (
	"context"
	"sync"
)

// Memory is an in-process channel value. Simulated instruments and tests use
// it to back handles without hardware.
type Memory struct {
	mu     sync.Mutex
	v      any
	writes []any
}

// NewMemory returns a Memory holding v.
func NewMemory(v any) *Memory {
	return &Memory{v: v}
}

// Load returns the current value.
func (m *Memory) Load() any {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.v
}

// Store replaces the value without recording a write.
func (m *Memory) Store(v any) {
	m.mu.Lock()
	m.v = v
	m.mu.Unlock()
}

// Writes returns every value written through the binding.
func (m *Memory) Writes() []any {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]any, len(m.writes))
	copy(out, m.writes)
	return out
}

// Binding exposes m as an instrument channel.
func (m *Memory) Binding(instrument, channel string, settable bool) Binding {
	b := Binding{
		Instrument: instrument,
		Channel:    channel,
		Get: func(context.Context) (any, error) {
			return m.Load(), nil
		},
	}
	if settable {
		b.Set = func(_ context.Context, v any) error {
			m.mu.Lock()
			m.v = v
			m.writes = append(m.writes, v)
			m.mu.Unlock()
			return nil
		}
	}
	return b
}
