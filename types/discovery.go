package types

import "context"

// Discovery enumerates the workers that are currently running.
//
// Implementations can query various backends:
//   - Container orchestrator task lists (Docker Swarm, Kubernetes)
//   - Heartbeat registries (NATS KV)
//   - Static: fixed list for local pools and testing
//
// The coordinator calls ListLiveWorkers at most once per refresh interval,
// and never concurrently with itself.
type Discovery interface {
	// Name returns a short backend name used in logs, metrics and errors.
	Name() string

	// ListLiveWorkers returns every worker that is eligible for assignment.
	//
	// Implementations should:
	//   - Skip entries without a usable network address rather than failing
	//   - Return an error for transport or parse failures (retried on next refresh)
	//   - Respect context cancellation
	//
	// Parameters:
	//   - ctx: Context for cancellation and timeout
	//
	// Returns:
	//   - []WorkerEndpoint: Live workers
	//   - error: Transport or parse failure
	ListLiveWorkers(ctx context.Context) ([]WorkerEndpoint, error)
}

// ProbeResult is the outcome of a successful health probe.
type ProbeResult struct {
	// Idle is true when the worker reports it is not running a job.
	Idle bool

	// Status is the raw status string reported by the worker.
	Status string
}

// HealthProber checks the live status of a single worker.
//
// A Discovery implementation may also implement HealthProber; the coordinator
// then uses it instead of the default HTTP prober.
type HealthProber interface {
	// Probe queries the worker's status endpoint.
	//
	// Returns an error when the worker cannot be reached or answers with a
	// non-2xx status. Callers bound the call with a context deadline.
	Probe(ctx context.Context, worker WorkerEndpoint) (ProbeResult, error)
}
