// Package registry holds the in-memory table of known workers.
//
// Every exported method takes the registry lock for its whole duration, so
// each call is atomic relative to every other call. Readers never observe a
// partially applied discovery diff, and selection plus marking busy happens
// in one critical section so two callers can never receive the same worker.
package registry

import (
	"sync"
	"time"

	"github.com/arloliu/fleet/types"
)

// Diff summarizes what a discovery pass changed.
type Diff struct {
	Added   []types.WorkerEndpoint
	Removed []string
	Updated int
}

// Registry is the table of known workers keyed by worker id.
//
// Enumeration order is insertion order, which gives round-robin selection a
// deterministic order within a process.
type Registry struct {
	clock types.Clock

	mu      sync.Mutex
	order   []string
	workers map[string]*types.WorkerRecord
}

// New creates an empty registry.
func New(clock types.Clock) *Registry {
	return &Registry{
		clock:   clock,
		workers: make(map[string]*types.WorkerRecord),
	}
}

// Upsert inserts a worker as free, or updates the endpoint and sighting time
// of a known worker without touching its status.
//
// Returns:
//   - bool: true if the worker was newly inserted
func (r *Registry) Upsert(ep types.WorkerEndpoint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.upsertLocked(ep, r.clock.Now())
}

func (r *Registry) upsertLocked(ep types.WorkerEndpoint, now time.Time) bool {
	if w, ok := r.workers[ep.ID]; ok {
		w.Address = ep.Address
		w.Port = ep.Port
		if ep.ContainerRef != "" {
			w.ContainerRef = ep.ContainerRef
		}
		w.LastSeenAt = now

		return false
	}

	r.workers[ep.ID] = &types.WorkerRecord{
		ID:           ep.ID,
		ContainerRef: ep.ContainerRef,
		Address:      ep.Address,
		Port:         ep.Port,
		Status:       types.StatusFree,
		LastSeenAt:   now,
	}
	r.order = append(r.order, ep.ID)

	return true
}

// Remove deletes a worker regardless of status.
//
// Returns:
//   - bool: false if the worker was not present
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.removeLocked(id)
}

func (r *Registry) removeLocked(id string) bool {
	if _, ok := r.workers[id]; !ok {
		return false
	}
	delete(r.workers, id)

	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}

	return true
}

// Get returns a copy of the worker record.
func (r *Registry) Get(id string) (types.WorkerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return types.WorkerRecord{}, false
	}

	return *w, true
}

// ListAll returns copies of every record in enumeration order.
func (r *Registry) ListAll() []types.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]types.WorkerRecord, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.workers[id])
	}

	return out
}

// ListFree returns copies of every free record in enumeration order.
func (r *Registry) ListFree() []types.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.freeLocked()
}

func (r *Registry) freeLocked() []types.WorkerRecord {
	out := make([]types.WorkerRecord, 0, len(r.order))
	for _, id := range r.order {
		if w := r.workers[id]; w.Status == types.StatusFree {
			out = append(out, *w)
		}
	}

	return out
}

// MarkBusy marks a worker busy on behalf of jobID and stamps LastAssignedAt.
//
// Returns:
//   - bool: false if the worker vanished
func (r *Registry) MarkBusy(id, jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	w.Status = types.StatusBusy
	w.JobID = jobID
	w.LastAssignedAt = r.clock.Now()

	return true
}

// MarkFree marks a worker free and clears its assignment.
//
// Returns:
//   - bool: false if the worker vanished
func (r *Registry) MarkFree(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return false
	}
	markFree(w)

	return true
}

func markFree(w *types.WorkerRecord) {
	w.Status = types.StatusFree
	w.JobID = ""
	w.LastAssignedAt = time.Time{}
}

// ReleaseResult is the outcome of Release.
type ReleaseResult int

const (
	// Released means the worker flipped from busy to free.
	Released ReleaseResult = iota
	// NotHeld means the worker exists but is not held by the given job.
	NotHeld
	// Vanished means the worker is no longer in the registry.
	Vanished
)

// Release frees a worker only if it is busy on behalf of jobID.
//
// A release arriving after the reconciler already freed the worker, or after
// the worker was handed to another job, must not free the new holder.
func (r *Registry) Release(id, jobID string) ReleaseResult {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return Vanished
	}
	if w.Status != types.StatusBusy || w.JobID != jobID {
		return NotHeld
	}
	markFree(w)

	return Released
}

// Select picks a free worker with the given strategy and marks it busy for
// jobID, all under a single lock acquisition.
//
// Returns:
//   - types.WorkerRecord: The selected record, already busy
//   - bool: false if no free worker exists
func (r *Registry) Select(jobID string, strategy types.SelectionStrategy) (types.WorkerRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	free := r.freeLocked()
	idx := strategy.Select(jobID, free)
	if idx < 0 || idx >= len(free) {
		return types.WorkerRecord{}, false
	}

	w := r.workers[free[idx].ID]
	w.Status = types.StatusBusy
	w.JobID = jobID
	w.LastAssignedAt = r.clock.Now()

	return *w, true
}

// StaleBusy returns busy workers assigned longer than timeout ago.
func (r *Registry) StaleBusy(timeout time.Duration) []types.WorkerRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	var out []types.WorkerRecord
	for _, id := range r.order {
		w := r.workers[id]
		if w.Status == types.StatusBusy && now.Sub(w.LastAssignedAt) > timeout {
			out = append(out, *w)
		}
	}

	return out
}

// FreeIfUnchanged frees a worker only if it still carries the assignment
// observed in snapshot (same job and same LastAssignedAt).
func (r *Registry) FreeIfUnchanged(snapshot types.WorkerRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[snapshot.ID]
	if !ok || !sameAssignment(w, snapshot) {
		return false
	}
	markFree(w)

	return true
}

// ExtendIfUnchanged resets LastAssignedAt to now if the worker still carries
// the assignment observed in snapshot.
func (r *Registry) ExtendIfUnchanged(snapshot types.WorkerRecord) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[snapshot.ID]
	if !ok || !sameAssignment(w, snapshot) {
		return false
	}
	w.LastAssignedAt = r.clock.Now()

	return true
}

func sameAssignment(w *types.WorkerRecord, snapshot types.WorkerRecord) bool {
	return w.Status == types.StatusBusy &&
		w.JobID == snapshot.JobID &&
		w.LastAssignedAt.Equal(snapshot.LastAssignedAt)
}

// Apply reconciles the registry against the result of a successful discovery pass.
//
//  1. Unknown workers are inserted as free
//  2. Known workers get a new endpoint and sighting time; status is untouched
//  3. Known workers missing from live are removed regardless of status
//
// Duplicate ids in live are collapsed; the first occurrence wins.
func (r *Registry) Apply(live []types.WorkerEndpoint) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	seen := make(map[string]struct{}, len(live))
	var diff Diff

	for _, ep := range live {
		if _, dup := seen[ep.ID]; dup {
			continue
		}
		seen[ep.ID] = struct{}{}

		if r.upsertLocked(ep, now) {
			diff.Added = append(diff.Added, ep)
		} else {
			diff.Updated++
		}
	}

	kept := r.order[:0]
	for _, id := range r.order {
		if _, ok := seen[id]; ok {
			kept = append(kept, id)
			continue
		}
		delete(r.workers, id)
		diff.Removed = append(diff.Removed, id)
	}
	r.order = kept

	return diff
}

// Counts returns total, free and busy counts.
func (r *Registry) Counts() (total, free, busy int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, w := range r.workers {
		switch w.Status {
		case types.StatusFree:
			free++
		case types.StatusBusy:
			busy++
		}
	}

	return len(r.workers), free, busy
}

// Len returns the number of known workers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.workers)
}
