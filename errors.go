package fleet

import "github.com/arloliu/fleet/types"

// Sentinel errors returned by the Coordinator.
//
// Typed errors match their sentinel with errors.Is, so callers can branch on
// either form:
//
//	if errors.Is(err, fleet.ErrNoCapacity) { /* backpressure */ }
//
//	var nc *fleet.NoCapacityError
//	if errors.As(err, &nc) { /* nc.Total, nc.Busy */ }
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = types.ErrInvalidConfig

	// ErrDiscoveryRequired is returned when NewCoordinator gets a nil Discovery.
	ErrDiscoveryRequired = types.ErrDiscoveryRequired

	// ErrAlreadyStarted is returned when Start is called on a running coordinator.
	ErrAlreadyStarted = types.ErrAlreadyStarted

	// ErrNotStarted is returned when Stop is called on a coordinator that hasn't been started.
	ErrNotStarted = types.ErrNotStarted

	// ErrNoCapacity is returned by Acquire when every attempt found no free worker.
	ErrNoCapacity = types.ErrNoCapacity

	// ErrDiscovery is matched by DiscoveryError.
	ErrDiscovery = types.ErrDiscovery

	// ErrHealthProbe is matched by HealthProbeError.
	ErrHealthProbe = types.ErrHealthProbe

	// ErrWorkerVanished signals that a worker left the registry before an operation on it.
	ErrWorkerVanished = types.ErrWorkerVanished
)

// Typed errors.
type (
	DiscoveryError   = types.DiscoveryError
	NoCapacityError  = types.NoCapacityError
	HealthProbeError = types.HealthProbeError
)
