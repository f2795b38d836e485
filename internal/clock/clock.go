// Package clock provides the cancellable waits used for debounce, pacing
// and retry delays. Every wait is bound to a context so aborting a turn
// or shutting down a queue never leaves a timer behind.
package clock

import (
	"context"
	"time"
)

// Sleep blocks for d or until ctx is done, whichever comes first. It
// returns ctx.Err() when interrupted.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Until sleeps until deadline. A deadline in the past returns immediately.
func Until(ctx context.Context, deadline time.Time) error {
	return Sleep(ctx, time.Until(deadline))
}
