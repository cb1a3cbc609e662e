// Package sim provides simulated instruments: a multi-channel DAC with
// hardware ramps and pulses, and a buffered DMM. Both share a TriggerBus
// that stands in for trigger cabling between instruments.
package sim

import (
	"sort"
	"sync"
)

// TriggerBus delivers named trigger pulses to subscribed instruments.
type TriggerBus struct {
	mu    sync.Mutex
	next  int
	subs  map[string]map[int]func()
	fired map[string]int
}

// NewTriggerBus returns an empty bus.
func NewTriggerBus() *TriggerBus {
	return &TriggerBus{
		subs:  make(map[string]map[int]func()),
		fired: make(map[string]int),
	}
}

// Subscribe registers fn for pulses on line. The returned func removes it.
func (b *TriggerBus) Subscribe(line string, fn func()) (cancel func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	if b.subs[line] == nil {
		b.subs[line] = make(map[int]func())
	}
	b.subs[line][id] = fn
	return func() {
		b.mu.Lock()
		delete(b.subs[line], id)
		b.mu.Unlock()
	}
}

// Fire pulses line and returns how many listeners received it. Listeners
// run synchronously in subscription order.
func (b *TriggerBus) Fire(line string) int {
	b.mu.Lock()
	b.fired[line]++
	ids := make([]int, 0, len(b.subs[line]))
	for id := range b.subs[line] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, b.subs[line][id])
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
	return len(fns)
}

// Fired returns how often line has been pulsed.
func (b *TriggerBus) Fired(line string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.fired[line]
}
