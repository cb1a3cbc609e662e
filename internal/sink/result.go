// Package sink defines the sweep result shape and the places results are
// written to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrShape means the columns of a result differ in length.
var ErrShape = errors.New("result columns are not rectangular")

// Role tells what a column holds.
type Role string

const (
	RoleIndependent Role = "independent"
	RoleSetpoint    Role = "setpoint"
	RoleDependent   Role = "dependent"
	RoleStatic      Role = "static"
)

// Column is one named array.
type Column struct {
	Name   string    `json:"name"`
	Values []float64 `json:"values"`
}

// RoleColumn is a column together with its role.
type RoleColumn struct {
	Role Role
	Column
}

// Result is the outcome of one sweep shape invocation.
type Result struct {
	RunID uuid.UUID `json:"run_id"`
	Name  string    `json:"name"`
	Shape string    `json:"shape"`

	Independent Column   `json:"independent"`
	Setpoints   []Column `json:"setpoints,omitempty"`
	Dependent   []Column `json:"dependent,omitempty"`
	Static      []Column `json:"static,omitempty"`

	// Broken is set when a break rule ended the sweep early.
	Broken bool `json:"broken"`
	// Error holds the failure that aborted the sweep, if any; the columns
	// then carry the points acquired before it.
	Error string `json:"error,omitempty"`

	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
}

// NewResult returns an empty result with a fresh run id.
func NewResult(name, shape string, started time.Time) *Result {
	return &Result{RunID: uuid.New(), Name: name, Shape: shape, StartedAt: started}
}

// Columns returns every column, independent first.
func (r *Result) Columns() []RoleColumn {
	out := []RoleColumn{{RoleIndependent, r.Independent}}
	for _, c := range r.Setpoints {
		out = append(out, RoleColumn{RoleSetpoint, c})
	}
	for _, c := range r.Dependent {
		out = append(out, RoleColumn{RoleDependent, c})
	}
	for _, c := range r.Static {
		out = append(out, RoleColumn{RoleStatic, c})
	}
	return out
}

// Len is the length of the independent axis.
func (r *Result) Len() int {
	return len(r.Independent.Values)
}

// Validate checks that every column has the independent axis length.
func (r *Result) Validate() error {
	n := r.Len()
	for _, c := range r.Columns() {
		if len(c.Values) != n {
			return fmt.Errorf("%w: %s %s has %d values, independent axis has %d",
				ErrShape, c.Role, c.Name, len(c.Values), n)
		}
	}
	return nil
}

// Column returns the column called name.
func (r *Result) Column(name string) (Column, bool) {
	for _, c := range r.Columns() {
		if c.Name == name {
			return c.Column, true
		}
	}
	return Column{}, false
}

// Sink receives completed results. Write is called once per sweep shape
// invocation, including invocations aborted with partial data.
type Sink interface {
	Write(ctx context.Context, r *Result) error
}

// Memory keeps results in process.
type Memory struct {
	mu      sync.Mutex
	results []*Result
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Write(_ context.Context, r *Result) error {
	m.mu.Lock()
	m.results = append(m.results, r)
	m.mu.Unlock()
	return nil
}

// Results returns everything written so far.
func (m *Memory) Results() []*Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Result(nil), m.results...)
}

// Last returns the most recent result or nil.
func (m *Memory) Last() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.results) == 0 {
		return nil
	}
	return m.results[len(m.results)-1]
}

// Multi writes to every sink in order and joins the failures.
type Multi []Sink

func (ms Multi) Write(ctx context.Context, r *Result) error {
	var errs []error
	for _, s := range ms {
		if err := s.Write(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
