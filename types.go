package fleet

import "github.com/arloliu/fleet/types"

// Re-export types from the types package.
//
// Internal packages depend on types rather than on the root package, which
// keeps the import graph acyclic while users still write fleet.WorkerRecord,
// fleet.Logger and so on.
type (
	WorkerStatus   = types.WorkerStatus
	WorkerEndpoint = types.WorkerEndpoint
	WorkerRecord   = types.WorkerRecord
	FleetStatus    = types.FleetStatus
	ProbeResult    = types.ProbeResult
)

// Re-export interfaces from the types package for convenience.
type (
	Discovery         = types.Discovery
	HealthProber      = types.HealthProber
	SelectionStrategy = types.SelectionStrategy
	MetricsCollector  = types.MetricsCollector
	Logger            = types.Logger
	Clock             = types.Clock
	Hooks             = types.Hooks
)

// Re-export WorkerStatus constants.
const (
	StatusUnknown = types.StatusUnknown
	StatusFree    = types.StatusFree
	StatusBusy    = types.StatusBusy
)
