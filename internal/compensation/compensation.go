// Package compensation derives setpoints for channels that follow swept
// parameters through fixed leverarms: Δ = -Σ Lᵢ (spᵢ(t) - spᵢ(0)).
package compensation

import (
	"cmp"
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/banshee-data/sweeplab/internal/param"
)

var (
	// ErrLimit means a derived setpoint leaves the compensating channel's limits.
	ErrLimit = errors.New("compensation setpoint outside limits")
	// ErrGroup marks an inconsistent compensation definition.
	ErrGroup = errors.New("invalid compensation group")
)

// Group is one compensating channel and the primaries it follows.
type Group struct {
	Handle    *param.Handle
	Baseline  float64
	Leverarms map[param.Key]float64
	Limits    *param.Limits
}

// FromEntry builds a group from a compensating table entry. The baseline is
// the entry's rest value.
func FromEntry(e *param.Entry) (Group, error) {
	p := e.Props
	name := e.Handle.Name()
	if len(p.Leverarms) != len(p.CompensatedGates) {
		return Group{}, fmt.Errorf("%w %s: %d leverarms for %d compensated gates",
			ErrGroup, name, len(p.Leverarms), len(p.CompensatedGates))
	}
	base, ok := p.RestValue()
	if !ok {
		return Group{}, fmt.Errorf("%w %s: no baseline value", ErrGroup, name)
	}
	lim, err := p.ParsedLimits()
	if err != nil {
		return Group{}, fmt.Errorf("%w %s: %v", ErrGroup, name, err)
	}
	g := Group{Handle: e.Handle, Baseline: base, Leverarms: make(map[param.Key]float64), Limits: lim}
	for i, ref := range p.CompensatedGates {
		g.Leverarms[ref.Key()] = p.Leverarms[i]
	}
	return g, nil
}

// Active maps each currently swept primary to its setpoints.
type Active map[param.Key][]float64

// keys returns the primaries by terminal, then parameter, so that sums over
// them round the same way on every run.
func (a Active) keys() []param.Key {
	out := make([]param.Key, 0, len(a))
	for k := range a {
		out = append(out, k)
	}
	slices.SortFunc(out, func(x, y param.Key) int {
		if c := cmp.Compare(x.Terminal, y.Terminal); c != 0 {
			return c
		}
		return cmp.Compare(x.Parameter, y.Parameter)
	})
	return out
}

// Delta returns -L × (sp - sp[0]) for every setpoint.
func Delta(leverarm float64, setpoints []float64) []float64 {
	out := make([]float64, len(setpoints))
	if len(setpoints) == 0 {
		return out
	}
	for i, v := range setpoints {
		out[i] = -leverarm * (v - setpoints[0])
	}
	return out
}

// Couples reports whether the group follows any active primary.
func (g Group) Couples(active Active) bool {
	for k := range active {
		if _, ok := g.Leverarms[k]; ok {
			return true
		}
	}
	return false
}

// Lockstep returns the absolute setpoints when all active primaries advance
// together, index by index. All coupled series must have the same length.
func (g Group) Lockstep(active Active) ([]float64, error) {
	var out []float64
	for _, k := range active.keys() {
		sp := active[k]
		L, ok := g.Leverarms[k]
		if !ok {
			continue
		}
		if out == nil {
			out = make([]float64, len(sp))
			for i := range out {
				out[i] = g.Baseline
			}
		}
		if len(sp) != len(out) {
			return nil, fmt.Errorf("%w %s: primaries have %d and %d setpoints",
				ErrGroup, g.Handle.Name(), len(out), len(sp))
		}
		for i, d := range Delta(L, sp) {
			out[i] += d
		}
	}
	if out == nil {
		return nil, nil
	}
	if err := g.Validate(out); err != nil {
		return nil, err
	}
	return out, nil
}

// At returns the absolute setpoint for independent primaries at the given
// per-primary indices, as in an n-D grid.
func (g Group) At(active Active, idx map[param.Key]int) float64 {
	v := g.Baseline
	for _, k := range active.keys() {
		sp := active[k]
		L, ok := g.Leverarms[k]
		if !ok || len(sp) == 0 {
			continue
		}
		v += -L * (sp[idx[k]] - sp[0])
	}
	return v
}

// ValidateIndependent checks the extreme corners reachable when the active
// primaries move independently.
func (g Group) ValidateIndependent(active Active) error {
	lo, hi := g.Baseline, g.Baseline
	for _, k := range active.keys() {
		sp := active[k]
		L, ok := g.Leverarms[k]
		if !ok {
			continue
		}
		d := Delta(L, sp)
		mn, mx := math.Inf(1), math.Inf(-1)
		for _, v := range d {
			mn, mx = math.Min(mn, v), math.Max(mx, v)
		}
		lo += mn
		hi += mx
	}
	return g.Validate([]float64{lo, hi})
}

// Validate checks every value against the group limits.
func (g Group) Validate(values []float64) error {
	if g.Limits == nil {
		return nil
	}
	for i, v := range values {
		if !g.Limits.Contains(v) {
			return fmt.Errorf("%w: %s setpoint %d = %g not in [%g, %g]",
				ErrLimit, g.Handle.Name(), i, v, g.Limits.Min, g.Limits.Max)
		}
	}
	return nil
}

// Engine holds every compensation group of a measurement.
type Engine struct {
	groups []Group
}

// NewEngine builds groups for the compensating entries. Compensated gates
// must resolve in table.
func NewEngine(table *param.Table) (*Engine, error) {
	e := &Engine{}
	for _, entry := range table.OfKind(param.KindCompensating) {
		g, err := FromEntry(entry)
		if err != nil {
			return nil, err
		}
		for _, ref := range entry.Props.CompensatedGates {
			if _, err := table.Lookup(ref.Key()); err != nil {
				return nil, fmt.Errorf("compensation %s: %w", entry.Handle.Name(), err)
			}
		}
		e.groups = append(e.groups, g)
	}
	return e, nil
}

// Groups returns all groups.
func (e *Engine) Groups() []Group {
	return append([]Group(nil), e.groups...)
}

// Coupled returns the groups that follow any active primary.
func (e *Engine) Coupled(active Active) []Group {
	var out []Group
	for _, g := range e.groups {
		if g.Couples(active) {
			out = append(out, g)
		}
	}
	return out
}

// Series is a compensating handle with its derived setpoints.
type Series struct {
	Handle    *param.Handle
	Setpoints []float64
}

// PlanLockstep derives and validates the setpoints of every coupled group.
// Nothing is written to hardware.
func (e *Engine) PlanLockstep(active Active) ([]Series, error) {
	var out []Series
	for _, g := range e.Coupled(active) {
		sp, err := g.Lockstep(active)
		if err != nil {
			return nil, err
		}
		out = append(out, Series{Handle: g.Handle, Setpoints: sp})
	}
	return out, nil
}

// ValidateIndependent validates every coupled group for an n-D grid.
func (e *Engine) ValidateIndependent(active Active) error {
	for _, g := range e.Coupled(active) {
		if err := g.ValidateIndependent(active); err != nil {
			return err
		}
	}
	return nil
}
