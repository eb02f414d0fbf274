package types

// SelectionStrategy picks one worker out of the current free set.
//
// Select is invoked while the registry lock is held, so implementations may
// keep unsynchronized state (such as a round-robin cursor) but must not block
// or call back into the registry.
type SelectionStrategy interface {
	// Select returns the index into free of the chosen worker, or -1 when
	// free is empty.
	//
	// Parameters:
	//   - jobID: Job being assigned
	//   - free: Free workers in registry enumeration order
	Select(jobID string, free []WorkerRecord) int
}
