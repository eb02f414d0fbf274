package strategy

import "github.com/arloliu/fleet/types"

// RoundRobin selects free workers with a persistent cursor.
//
// The cursor survives across calls and is advanced modulo the size of the free
// set at each call, so repeated acquisitions spread load even when the free set
// composition changes in between. RoundRobin is not safe for concurrent use on
// its own; the registry serializes calls under its lock.
type RoundRobin struct {
	cursor int
}

var _ types.SelectionStrategy = (*RoundRobin)(nil)

// NewRoundRobin creates a new round-robin strategy with the cursor at zero.
//
// Returns:
//   - *RoundRobin: Initialized round-robin strategy
//
// Example:
//
//	coord, err := fleet.NewCoordinator(&cfg, src, fleet.WithStrategy(strategy.NewRoundRobin()))
func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

// Select returns free[cursor mod len(free)] and advances the cursor past it.
func (rr *RoundRobin) Select(_ string, free []types.WorkerRecord) int {
	if len(free) == 0 {
		return -1
	}

	idx := rr.cursor % len(free)
	rr.cursor = (idx + 1) % len(free)

	return idx
}
