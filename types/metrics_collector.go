package types

// MetricsCollector defines methods for recording operational metrics.
//
// Implementations should be non-blocking and handle failures gracefully.
// All methods are called from caller and background goroutines and must be thread-safe.
//
// This interface composes smaller, domain-focused interfaces for better modularity.
type MetricsCollector interface {
	AcquireMetrics
	DiscoveryMetrics
	ReconcileMetrics
	FleetMetrics
}

// AcquireMetrics defines metrics for the assignment protocol.
type AcquireMetrics interface {
	// RecordAcquire records the outcome of one Acquire call.
	//
	// Parameters:
	//   - result: "assigned", "no_capacity" or "canceled"
	//   - attempts: Number of attempts made (1 = first try succeeded)
	//   - duration: Time spent in seconds, including backoff sleeps
	RecordAcquire(result string, attempts int, duration float64)

	// RecordRelease records a release; released is false when the release was a no-op.
	RecordRelease(released bool)

	// RecordFailureReport records a caller-reported worker failure.
	RecordFailureReport()
}

// DiscoveryMetrics defines metrics for fleet discovery refreshes.
type DiscoveryMetrics interface {
	// RecordDiscovery records one discovery call.
	//
	// Parameters:
	//   - backend: Discovery backend name
	//   - success: true if the call succeeded
	//   - duration: Call latency in seconds
	RecordDiscovery(backend string, success bool, duration float64)

	// RecordWorkerChange records registry changes applied from a discovery pass.
	RecordWorkerChange(added, removed int)
}

// ReconcileMetrics defines metrics for stale-busy reconciliation.
type ReconcileMetrics interface {
	// RecordStaleAction records one reconciler decision ("freed", "extended", "evicted").
	RecordStaleAction(action string)
}

// FleetMetrics defines gauges describing the registry.
type FleetMetrics interface {
	// RecordFleetSize sets the current worker counts.
	RecordFleetSize(total, free, busy int)
}
