package strategy

import (
	"github.com/zeebo/xxh3"

	"github.com/arloliu/fleet/types"
)

// Rendezvous selects the free worker with the highest xxh3 score for the job id.
//
// Jobs sharing an id (or an affinity key embedded in the id by the caller)
// keep landing on the same worker while it is free. Jobs with an empty id
// fall back to round-robin.
type Rendezvous struct {
	seed     uint64
	fallback RoundRobin
}

var _ types.SelectionStrategy = (*Rendezvous)(nil)

// RendezvousOption configures a Rendezvous strategy.
type RendezvousOption func(*Rendezvous)

// WithHashSeed sets the xxh3 seed used for scoring.
//
// Parameters:
//   - seed: Hash seed value
//
// Returns:
//   - RendezvousOption: Configuration option
func WithHashSeed(seed uint64) RendezvousOption {
	return func(r *Rendezvous) {
		r.seed = seed
	}
}

// NewRendezvous creates a new rendezvous-hashing strategy.
//
// Example:
//
//	coord, err := fleet.NewCoordinator(&cfg, src,
//	    fleet.WithStrategy(strategy.NewRendezvous(strategy.WithHashSeed(42))),
//	)
func NewRendezvous(opts ...RendezvousOption) *Rendezvous {
	r := &Rendezvous{}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Select returns the index of the highest scoring free worker.
func (r *Rendezvous) Select(jobID string, free []types.WorkerRecord) int {
	if len(free) == 0 {
		return -1
	}
	if jobID == "" {
		return r.fallback.Select(jobID, free)
	}

	best := -1
	var bestScore uint64
	for i := range free {
		score := r.score(jobID, free[i].ID)
		if best < 0 || score > bestScore {
			best, bestScore = i, score
		}
	}

	return best
}

func (r *Rendezvous) score(jobID, workerID string) uint64 {
	return xxh3.HashStringSeed(jobID+"\x00"+workerID, r.seed)
}
