// Package hooks dispatches user lifecycle hooks off the caller's goroutine.
package hooks

import (
	"context"

	"github.com/arloliu/fleet/types"
)

// Dispatcher fires the callbacks of a types.Hooks asynchronously.
//
// A nil Hooks, or a nil individual callback, is treated as a no-op so call
// sites never need nil checks.
type Dispatcher struct {
	hooks  *types.Hooks
	logger types.Logger
	ctx    context.Context //nolint:containedctx // lifecycle context handed to hooks
}

// NewDispatcher creates a dispatcher.
//
// Parameters:
//   - ctx: Context passed to every hook; cancel it to signal shutdown to hooks
//   - hooks: User hooks (may be nil)
//   - logger: Logger for hook errors
func NewDispatcher(ctx context.Context, hooks *types.Hooks, logger types.Logger) *Dispatcher {
	if hooks == nil {
		hooks = &types.Hooks{}
	}

	return &Dispatcher{hooks: hooks, logger: logger, ctx: ctx}
}

// WorkerAdded fires OnWorkerAdded.
func (d *Dispatcher) WorkerAdded(worker types.WorkerEndpoint) {
	fn := d.hooks.OnWorkerAdded
	if fn == nil {
		return
	}
	go d.run("OnWorkerAdded", func(ctx context.Context) error { return fn(ctx, worker) })
}

// WorkerRemoved fires OnWorkerRemoved.
func (d *Dispatcher) WorkerRemoved(workerID, reason string) {
	fn := d.hooks.OnWorkerRemoved
	if fn == nil {
		return
	}
	go d.run("OnWorkerRemoved", func(ctx context.Context) error { return fn(ctx, workerID, reason) })
}

// StaleCorrected fires OnStaleCorrected.
func (d *Dispatcher) StaleCorrected(workerID, action string) {
	fn := d.hooks.OnStaleCorrected
	if fn == nil {
		return
	}
	go d.run("OnStaleCorrected", func(ctx context.Context) error { return fn(ctx, workerID, action) })
}

func (d *Dispatcher) run(name string, fn func(ctx context.Context) error) {
	if err := fn(d.ctx); err != nil {
		d.logger.Warn("hook returned error", "hook", name, "error", err)
	}
}
