package types

import "context"

// Hooks defines callbacks for fleet lifecycle events.
//
// All hooks are optional and called asynchronously in background goroutines
// so that registry mutations never wait on user code.
//
// IMPORTANT: Hook execution behavior:
//   - Hooks run concurrently and may not complete before Stop() returns
//   - Hook errors are logged but don't fail coordinator operations
//
// Example:
//
//	hooks := &fleet.Hooks{
//	    OnWorkerRemoved: func(ctx context.Context, workerID, reason string) error {
//	        alerts.Notify("worker %s removed: %s", workerID, reason)
//	        return nil
//	    },
//	}
type Hooks struct {
	// OnWorkerAdded is called when discovery sees a worker for the first time.
	OnWorkerAdded func(ctx context.Context, worker WorkerEndpoint) error

	// OnWorkerRemoved is called when a worker leaves the registry.
	// reason is one of "discovery", "probe_failed" or "failure_report".
	OnWorkerRemoved func(ctx context.Context, workerID, reason string) error

	// OnStaleCorrected is called when the reconciler frees or extends a stale-busy worker.
	// action is "freed" or "extended".
	OnStaleCorrected func(ctx context.Context, workerID, action string) error
}
