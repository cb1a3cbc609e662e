package ramp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/banshee-data/sweeplab/internal/param"
)

// Task is one outstanding ramp. It can be cancelled and joined.
type Task struct {
	handle  *param.Handle
	ctx     context.Context
	cancel  context.CancelFunc
	release func()
	done    chan struct{}
	err     error
	onDone  func()
}

func finishedTask(h *param.Handle, err error) *Task {
	t := &Task{handle: h, done: make(chan struct{}), err: err}
	close(t.done)
	return t
}

// Handle returns the handle being moved.
func (t *Task) Handle() *param.Handle { return t.handle }

// Done is closed when the ramp ends.
func (t *Task) Done() <-chan struct{} { return t.done }

// Wait blocks until the ramp ends and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

// Cancel stops the ramp at its current step.
func (t *Task) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

func (t *Task) finish(err error) {
	t.err = err
	if t.release != nil {
		t.release()
	}
	if t.onDone != nil {
		t.onDone()
	}
	if t.cancel != nil {
		t.cancel()
	}
	close(t.done)
}

// Tracker records the outstanding ramp task of every handle.
type Tracker struct {
	mu    sync.Mutex
	tasks map[*param.Handle]*Task
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{tasks: make(map[*param.Handle]*Task)}
}

func (tr *Tracker) begin(ctx context.Context, h *param.Handle) (*Task, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if _, ok := tr.tasks[h]; ok {
		return nil, fmt.Errorf("%s: %w", h.Name(), ErrRampInProgress)
	}
	release, err := h.Acquire("ramp")
	if err != nil {
		if errors.Is(err, param.ErrBusy) {
			return nil, fmt.Errorf("%s: %w", h.Name(), ErrRampInProgress)
		}
		return nil, err
	}
	tctx, cancel := context.WithCancel(ctx)
	t := &Task{handle: h, ctx: tctx, cancel: cancel, release: release, done: make(chan struct{})}
	t.onDone = func() {
		tr.mu.Lock()
		if tr.tasks[h] == t {
			delete(tr.tasks, h)
		}
		tr.mu.Unlock()
	}
	tr.tasks[h] = t
	return t, nil
}

// Active returns the number of outstanding ramps.
func (tr *Tracker) Active() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.tasks)
}

// CancelAll cancels every outstanding ramp and waits for them to end.
func (tr *Tracker) CancelAll() {
	tr.mu.Lock()
	tasks := make([]*Task, 0, len(tr.tasks))
	for _, t := range tr.tasks {
		tasks = append(tasks, t)
	}
	tr.mu.Unlock()
	for _, t := range tasks {
		t.Cancel()
	}
	for _, t := range tasks {
		<-t.done
	}
}
