package agent

import (
	"context"
	"log/slog"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// PendingTasks runs the turn's streamed deliveries one at a time in
// submission order. Failures are logged and counted, never propagated.
type PendingTasks struct {
	ctx    context.Context
	runID  string
	g      errgroup.Group
	failed atomic.Int32
}

// NewPendingTasks creates a task set bound to the turn context.
func NewPendingTasks(ctx context.Context, runID string) *PendingTasks {
	p := &PendingTasks{ctx: ctx, runID: runID}
	p.g.SetLimit(1)
	return p
}

// Go schedules fn. It blocks while an earlier task is still running.
func (p *PendingTasks) Go(name string, fn func(ctx context.Context) error) {
	p.g.Go(func() error {
		defer func() {
			if r := recover(); r != nil {
				p.failed.Add(1)
				slog.Error("agent: pending task panicked", "run", p.runID, "task", name, "panic", r)
			}
		}()
		if err := fn(p.ctx); err != nil {
			p.failed.Add(1)
			slog.Warn("agent: pending task failed", "run", p.runID, "task", name, "error", err)
		}
		return nil
	})
}

// Wait blocks until every scheduled task has settled.
func (p *PendingTasks) Wait() {
	_ = p.g.Wait()
}

// Failed returns how many tasks failed.
func (p *PendingTasks) Failed() int { return int(p.failed.Load()) }
