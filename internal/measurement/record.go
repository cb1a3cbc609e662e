package measurement

import (
	"fmt"
	"sort"
	"time"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/readout"
	"github.com/banshee-data/sweeplab/internal/sink"
)

// recorder accumulates rectangular result columns. A point or a block of
// points is appended to every declared column at once, so a failed point
// never leaves the columns ragged.
type recorder struct {
	independent string
	setpoints   []string
	dependent   []string
	static      []string
	declared    map[string]bool
	cols        map[string][]float64
}

func newRecorder(independent string) *recorder {
	return &recorder{
		independent: independent,
		declared:    map[string]bool{independent: true},
		cols:        make(map[string][]float64),
	}
}

func (r *recorder) declare(list *[]string, names ...string) {
	for _, n := range names {
		if r.declared[n] {
			continue
		}
		r.declared[n] = true
		*list = append(*list, n)
	}
}

func (r *recorder) declareSetpoints(names ...string) { r.declare(&r.setpoints, names...) }
func (r *recorder) declareDependent(names ...string) { r.declare(&r.dependent, names...) }
func (r *recorder) declareStatic(names ...string)    { r.declare(&r.static, names...) }

func (r *recorder) names() []string {
	out := append([]string{r.independent}, r.setpoints...)
	out = append(out, r.dependent...)
	return append(out, r.static...)
}

// add appends one point. Missing columns are an error.
func (r *recorder) add(point map[string]float64) error {
	names := r.names()
	for _, n := range names {
		if _, ok := point[n]; !ok {
			return fmt.Errorf("point has no value for %s", n)
		}
	}
	for _, n := range names {
		r.cols[n] = append(r.cols[n], point[n])
	}
	return nil
}

// extend appends a block of n points. Every declared column must be in
// block with n values, except statics which are repeated from consts.
func (r *recorder) extend(block map[string][]float64, consts map[string]float64, n int) error {
	for _, name := range r.names() {
		if _, ok := consts[name]; ok {
			continue
		}
		v, ok := block[name]
		if !ok {
			return fmt.Errorf("%w: no data for %s", buffer.ErrBuffer, name)
		}
		if len(v) != n {
			return fmt.Errorf("%w: %s has %d samples, want %d", buffer.ErrBuffer, name, len(v), n)
		}
	}
	for _, name := range r.names() {
		if c, ok := consts[name]; ok {
			r.cols[name] = append(r.cols[name], readout.Constant(c, n)...)
			continue
		}
		r.cols[name] = append(r.cols[name], block[name]...)
	}
	return nil
}

func (r *recorder) len() int { return len(r.cols[r.independent]) }

func (r *recorder) column(name string) sink.Column {
	return sink.Column{Name: name, Values: append([]float64{}, r.cols[name]...)}
}

func (r *recorder) build(name, shape string, started time.Time) *sink.Result {
	res := sink.NewResult(name, shape, started)
	res.Independent = r.column(r.independent)
	for _, n := range r.setpoints {
		res.Setpoints = append(res.Setpoints, r.column(n))
	}
	for _, n := range r.dependent {
		res.Dependent = append(res.Dependent, r.column(n))
	}
	for _, n := range r.static {
		res.Static = append(res.Static, r.column(n))
	}
	return res
}

// dependentOrder lists gettable names present in data first, in table
// order, followed by any other columns such as timestamps, sorted.
func dependentOrder(gettables []*param.Entry, data map[string][]float64) []string {
	var out []string
	seen := make(map[string]bool)
	for _, e := range gettables {
		if _, ok := data[e.Handle.Name()]; ok {
			out = append(out, e.Handle.Name())
			seen[e.Handle.Name()] = true
		}
	}
	var rest []string
	for name := range data {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
