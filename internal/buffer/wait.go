package buffer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/sweeplab/internal/timeutil"
)

const (
	DefaultPollInterval = 100 * time.Millisecond
	DefaultPollTimeout  = 5 * time.Minute
)

// PollOptions controls WaitFinished.
type PollOptions struct {
	Interval time.Duration
	// Timeout bounds the whole wait. Zero means DefaultPollTimeout;
	// negative disables the bound.
	Timeout time.Duration
	Clock   timeutil.Clock
}

func (o PollOptions) withDefaults() PollOptions {
	if o.Interval <= 0 {
		o.Interval = DefaultPollInterval
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultPollTimeout
	}
	if o.Clock == nil {
		o.Clock = timeutil.RealClock{}
	}
	return o
}

// WaitFinished polls every buffer concurrently, one goroutine per buffer,
// and returns once all report finished. The first failure cancels the
// remaining pollers. A timeout is reported as ErrBuffer; cancellation of
// ctx returns ctx.Err().
func WaitFinished(ctx context.Context, bufs []Buffer, opts PollOptions) error {
	opts = opts.withDefaults()
	waitCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	g, gctx := errgroup.WithContext(waitCtx)
	for _, b := range bufs {
		g.Go(func() error {
			return pollOne(gctx, b, opts)
		})
	}
	err := g.Wait()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: buffers not finished after %s", ErrBuffer, opts.Timeout)
	}
	return err
}

func pollOne(ctx context.Context, b Buffer, opts PollOptions) error {
	ticker := opts.Clock.NewTicker(opts.Interval)
	defer ticker.Stop()
	for {
		done, err := b.IsFinished(ctx)
		if err != nil {
			return fmt.Errorf("%w: polling %s: %v", ErrBuffer, b.Name(), err)
		}
		if done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C():
		}
	}
}

// Distinct returns bufs with duplicates removed, preserving order.
func Distinct(bufs []Buffer) []Buffer {
	seen := make(map[Buffer]bool, len(bufs))
	out := make([]Buffer, 0, len(bufs))
	for _, b := range bufs {
		if b == nil || seen[b] {
			continue
		}
		seen[b] = true
		out = append(out, b)
	}
	return out
}
