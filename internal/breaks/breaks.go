// Package breaks evaluates early-abort rules against the samples recorded
// during a sweep.
package breaks

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

// ErrRule marks an unparseable break rule.
var ErrRule = errors.New("invalid break rule")

// Comparator is one of <, > or ==.
type Comparator string

const (
	Less    Comparator = "<"
	Greater Comparator = ">"
	Equal   Comparator = "=="
)

func (c Comparator) compare(a, b float64) bool {
	switch c {
	case Less:
		return a < b
	case Greater:
		return a > b
	case Equal:
		return a == b
	}
	return false
}

// Rule is a parsed break condition on one source. Window is zero for value
// rules and positive for gradient rules.
type Rule struct {
	Source     string
	Window     int
	Comparator Comparator
	Threshold  float64
}

func (r Rule) String() string {
	if r.Window > 0 {
		return fmt.Sprintf("%s: grad %d %s %g", r.Source, r.Window, r.Comparator, r.Threshold)
	}
	return fmt.Sprintf("%s: val %s %g", r.Source, r.Comparator, r.Threshold)
}

// Parse reads a rule of the form "val < 1.5" or "grad 3 > 0.1" for source.
func Parse(source, text string) (Rule, error) {
	fields := strings.Fields(text)
	r := Rule{Source: source}
	var cmp, thr string
	switch {
	case len(fields) == 3 && fields[0] == "val":
		cmp, thr = fields[1], fields[2]
	case len(fields) == 4 && fields[0] == "grad":
		w, err := strconv.Atoi(fields[1])
		if err != nil || w < 1 {
			return Rule{}, fmt.Errorf("%w %q: window must be a positive integer", ErrRule, text)
		}
		r.Window = w
		cmp, thr = fields[2], fields[3]
	default:
		return Rule{}, fmt.Errorf("%w %q: expected \"val <op> <threshold>\" or \"grad <window> <op> <threshold>\"", ErrRule, text)
	}

	switch Comparator(cmp) {
	case Less, Greater, Equal:
		r.Comparator = Comparator(cmp)
	default:
		return Rule{}, fmt.Errorf("%w %q: comparator %q not one of <, >, ==", ErrRule, text, cmp)
	}
	v, err := strconv.ParseFloat(thr, 64)
	if err != nil {
		return Rule{}, fmt.Errorf("%w %q: threshold: %v", ErrRule, text, err)
	}
	r.Threshold = v
	return r, nil
}

// Triggered evaluates r against the sample history of its source, oldest
// first.
//
// A value rule compares the latest sample. A gradient rule needs more than
// Window samples; it compares (h[n-1] - h[n-1-Window]) / h[n-1], and never
// triggers when the latest sample is zero.
func (r Rule) Triggered(history []float64) bool {
	n := len(history)
	if n == 0 {
		return false
	}
	last := history[n-1]
	if r.Window == 0 {
		return r.Comparator.compare(last, r.Threshold)
	}
	if n <= r.Window || last == 0 {
		return false
	}
	dx := (last - history[n-1-r.Window]) / last
	return r.Comparator.compare(dx, r.Threshold)
}

// History stores recorded samples per source for the current sweep.
type History struct {
	mu      sync.Mutex
	samples map[string][]float64
}

// NewHistory returns an empty history.
func NewHistory() *History {
	return &History{samples: make(map[string][]float64)}
}

// Record appends a sample for source.
func (h *History) Record(source string, v float64) {
	h.mu.Lock()
	h.samples[source] = append(h.samples[source], v)
	h.mu.Unlock()
}

// Samples returns a copy of the samples of source.
func (h *History) Samples(source string) []float64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]float64(nil), h.samples[source]...)
}

// Reset clears all samples.
func (h *History) Reset() {
	h.mu.Lock()
	h.samples = make(map[string][]float64)
	h.mu.Unlock()
}

// Evaluator is a compiled set of rules combined with logical OR.
type Evaluator struct {
	rules   []Rule
	history *History
}

// Compile parses the textual rules of every source. rules maps a source
// name to its rule strings.
func Compile(rules map[string][]string, history *History) (*Evaluator, error) {
	e := &Evaluator{history: history}
	for source, texts := range rules {
		for _, text := range texts {
			r, err := Parse(source, text)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", source, err)
			}
			e.rules = append(e.rules, r)
		}
	}
	return e, nil
}

// Empty reports whether there are no rules.
func (e *Evaluator) Empty() bool {
	return e == nil || len(e.rules) == 0
}

// Rules returns the compiled rules.
func (e *Evaluator) Rules() []Rule {
	if e == nil {
		return nil
	}
	return append([]Rule(nil), e.rules...)
}

// Check returns the first rule that currently triggers.
func (e *Evaluator) Check() (Rule, bool) {
	if e.Empty() {
		return Rule{}, false
	}
	for _, r := range e.rules {
		if r.Triggered(e.history.Samples(r.Source)) {
			return r, true
		}
	}
	return Rule{}, false
}
