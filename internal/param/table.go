package param

import (
	"fmt"
	"sort"
)

// Entry couples a resolved handle with its script properties.
type Entry struct {
	Handle *Handle
	Props  Properties
}

// Table is the resolved terminal → parameter → handle map consumed by the
// orchestrator. Iteration order follows insertion order.
type Table struct {
	entries map[Key]*Entry
	order   []Key
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entries: make(map[Key]*Entry)}
}

// Add registers a handle. The handle kind must match the properties type.
func (t *Table) Add(h *Handle, props Properties) error {
	if h == nil {
		return fmt.Errorf("%w: nil handle", ErrMapping)
	}
	key := h.Key()
	if _, ok := t.entries[key]; ok {
		return fmt.Errorf("%w: duplicate parameter %s", ErrMapping, key)
	}
	if props.Type == KindUnknown {
		props.Type = h.Kind()
	}
	if props.Type != h.Kind() {
		return fmt.Errorf("%w: %s declared %s but handle is %s", ErrMapping, key, props.Type, h.Kind())
	}
	t.entries[key] = &Entry{Handle: h, Props: props}
	t.order = append(t.order, key)
	return nil
}

// Lookup returns the entry for terminal/parameter.
func (t *Table) Lookup(key Key) (*Entry, error) {
	e, ok := t.entries[key]
	if !ok {
		return nil, fmt.Errorf("%w: no handle mapped for %s", ErrMapping, key)
	}
	return e, nil
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.order)
}

// Entries returns all entries in insertion order.
func (t *Table) Entries() []*Entry {
	out := make([]*Entry, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.entries[k])
	}
	return out
}

// OfKind returns the entries of the given kind in insertion order.
func (t *Table) OfKind(kinds ...Kind) []*Entry {
	var out []*Entry
	for _, e := range t.Entries() {
		for _, k := range kinds {
			if e.Props.Type == k {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// Dynamic returns the dynamic entries ordered by group, then priority,
// then insertion order. Entries without a priority sort after those that
// have one. Two entries in the same group with the same explicit priority
// are a mapping error.
func (t *Table) Dynamic() ([]*Entry, error) {
	dyn := t.OfKind(KindDynamic)
	type prio struct {
		group, priority int
	}
	seen := make(map[prio]Key)
	for _, e := range dyn {
		if e.Props.Priority == nil {
			continue
		}
		p := prio{e.Props.GroupOr(0), *e.Props.Priority}
		if other, ok := seen[p]; ok {
			return nil, fmt.Errorf("%w: %s and %s share group %d priority %d",
				ErrMapping, other, e.Handle.Key(), p.group, p.priority)
		}
		seen[p] = e.Handle.Key()
	}
	const unset = int(^uint(0) >> 1)
	sort.SliceStable(dyn, func(i, j int) bool {
		gi, gj := dyn[i].Props.GroupOr(0), dyn[j].Props.GroupOr(0)
		if gi != gj {
			return gi < gj
		}
		return dyn[i].Props.PriorityOr(unset) < dyn[j].Props.PriorityOr(unset)
	})
	return dyn, nil
}

// Handles extracts the handles of entries.
func Handles(entries []*Entry) []*Handle {
	out := make([]*Handle, len(entries))
	for i, e := range entries {
		out[i] = e.Handle
	}
	return out
}
