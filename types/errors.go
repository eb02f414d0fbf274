package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the fleet library.
//
// These errors provide type-safe error checking using errors.Is() and errors.As().
// Typed errors below wrap or match the corresponding sentinel so that callers can
// branch on either form.

// Coordinator errors - Public API errors returned by the Coordinator.
var (
	// ErrInvalidConfig is returned when the configuration is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrDiscoveryRequired is returned when no discovery backend is given.
	ErrDiscoveryRequired = errors.New("discovery backend is required")

	// ErrAlreadyStarted is returned when Start is called on a running coordinator.
	ErrAlreadyStarted = errors.New("coordinator already started")

	// ErrNotStarted is returned when Stop is called before Start.
	ErrNotStarted = errors.New("coordinator not started")

	// ErrNoCapacity is matched by NoCapacityError: every retry ended without a free worker.
	ErrNoCapacity = errors.New("no free worker available")
)

// Fleet errors - conditions raised while talking to the fleet.
var (
	// ErrDiscovery is matched by DiscoveryError.
	ErrDiscovery = errors.New("fleet discovery failed")

	// ErrHealthProbe is matched by HealthProbeError.
	ErrHealthProbe = errors.New("worker health probe failed")

	// ErrWorkerVanished signals that a worker id is no longer in the registry.
	// It is logged, never returned to callers.
	ErrWorkerVanished = errors.New("worker vanished from registry")
)

// DiscoveryError reports a transport or parse failure from a discovery backend.
//
// Discovery errors are recoverable: the registry is left unchanged and the
// next refresh is still due.
type DiscoveryError struct {
	Backend string
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discovery %s: %v", e.Backend, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }

// Is reports whether target is ErrDiscovery.
func (e *DiscoveryError) Is(target error) bool { return target == ErrDiscovery }

// NoCapacityError is returned by Acquire after all attempts found no free worker.
//
// It is an expected backpressure signal, not a fault.
type NoCapacityError struct {
	JobID    string
	Attempts int
	Total    int
	Busy     int
}

func (e *NoCapacityError) Error() string {
	if e.Total == 0 {
		return fmt.Sprintf("no capacity for job %s after %d attempts: no workers discovered", e.JobID, e.Attempts)
	}

	return fmt.Sprintf("no capacity for job %s after %d attempts: all %d workers busy", e.JobID, e.Attempts, e.Total)
}

// Is reports whether target is ErrNoCapacity.
func (e *NoCapacityError) Is(target error) bool { return target == ErrNoCapacity }

// HealthProbeError describes a failed probe. StatusCode is zero for transport failures.
type HealthProbeError struct {
	WorkerID   string
	StatusCode int
	Err        error
}

func (e *HealthProbeError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("probe worker %s: unexpected status %d", e.WorkerID, e.StatusCode)
	}

	return fmt.Sprintf("probe worker %s: %v", e.WorkerID, e.Err)
}

func (e *HealthProbeError) Unwrap() error { return e.Err }

// Is reports whether target is ErrHealthProbe.
func (e *HealthProbeError) Is(target error) bool { return target == ErrHealthProbe }
