// Package poll runs cooperative polling loops with a fixed interval and an
// overall ceiling. Each loop owns exactly one in-flight call at a time.
package poll

import (
	"context"
	"errors"
	"time"

	"github.com/benbjohnson/clock"
)

// ErrCeiling is returned when the ceiling elapses before the poll function reports done.
var ErrCeiling = errors.New("poll: ceiling reached")

// Func is called once per tick. It returns done=true to stop the loop.
type Func func(ctx context.Context) (done bool, err error)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Poller drives a polling loop.
type Poller struct {
	// Clock measures elapsed time against the ceiling. Defaults to the wall clock.
	Clock clock.Clock

	// Interval is the wait between the end of one call and the start of the next.
	Interval time.Duration

	// Ceiling is the maximum total wait. Zero means poll until done or cancelled.
	Ceiling time.Duration

	// Sleep overrides the wait between calls. Defaults to SleepFor(Clock).
	Sleep SleepFunc
}

// Run calls fn immediately and then every Interval. It stops when fn reports
// done (returning nil), fn fails (returning its error), ctx is cancelled
// (returning ctx.Err()) or the elapsed time reaches Ceiling after a call
// (returning ErrCeiling).
func (p Poller) Run(ctx context.Context, fn Func) error {
	clk := p.Clock
	if clk == nil {
		clk = clock.New()
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = SleepFor(clk)
	}

	start := clk.Now()
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		done, err := fn(ctx)
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		if p.Ceiling > 0 && clk.Since(start) >= p.Ceiling {
			return ErrCeiling
		}

		if err := sleep(ctx, p.Interval); err != nil {
			return err
		}
	}
}

// SleepFor returns MockSleep for a mock clock and ClockSleep otherwise.
func SleepFor(clk clock.Clock) SleepFunc {
	if mock, ok := clk.(*clock.Mock); ok {
		return MockSleep(mock)
	}
	return ClockSleep(clk)
}

// ClockSleep returns a SleepFunc backed by clk timers.
func ClockSleep(clk clock.Clock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		timer := clk.Timer(d)
		defer timer.Stop()
		select {
		case <-timer.C:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// MockSleep returns a SleepFunc that advances mock instead of waiting. It
// makes loops driven by a mock clock run deterministically in tests.
func MockSleep(mock *clock.Mock) SleepFunc {
	return func(ctx context.Context, d time.Duration) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		mock.Add(d)
		return nil
	}
}
