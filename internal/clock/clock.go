// Package clock abstracts wall time so that deadlines, dwell waits and
// throttles can be driven deterministically in tests.
package clock

import (
	"context"
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock is the time source used by the link, the simulator and the scheduler.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed, unless the returned Timer is
	// stopped first. A stopped timer never runs f.
	AfterFunc(d time.Duration, f func()) Timer
	// Sleep blocks for d or until ctx is done, returning ctx.Err() in the
	// latter case.
	Sleep(ctx context.Context, d time.Duration) error
}

type Timer interface {
	// Stop prevents the timer from firing. It returns false if the timer
	// already fired or was already stopped.
	Stop() bool
}

var wall = clockwork.NewRealClock()

// Real is the wall clock.
type Real struct{}

var _ Clock = Real{}

func (Real) Now() time.Time { return wall.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer {
	return wall.AfterFunc(d, f)
}

func (Real) Sleep(ctx context.Context, d time.Duration) error {
	return sleep(ctx, wall, d)
}

func sleep(ctx context.Context, c clockwork.Clock, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := c.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.Chan():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
