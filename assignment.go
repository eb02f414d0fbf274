package fleet

import "sync"

// Assignment is a worker handed to one caller for one job.
//
// The caller must end it with exactly one of Release or ReportFailure.
// Both are one-shot: later calls on the same Assignment do nothing.
type Assignment struct {
	// Worker is the registry record at the time of assignment.
	Worker WorkerRecord

	// JobID is the job the worker was assigned to.
	JobID string

	// URL is the worker base URL, e.g. "http://10.0.1.7:8080".
	URL string

	coord *Coordinator
	once  sync.Once
}

func newAssignment(c *Coordinator, w WorkerRecord, jobID string) *Assignment {
	return &Assignment{
		Worker: w,
		JobID:  jobID,
		URL:    w.BaseURL(),
		coord:  c,
	}
}

// WorkerID returns the assigned worker's id.
func (a *Assignment) WorkerID() string {
	return a.Worker.ID
}

// Release returns the worker to the free pool.
//
// Returns:
//   - bool: true only for the call that actually freed the worker
func (a *Assignment) Release() bool {
	released := false
	a.once.Do(func() {
		released = a.coord.Release(a.Worker.ID, a.JobID)
	})

	return released
}

// ReportFailure evicts the worker after a failed job request. It consumes the
// Assignment; a later Release is a no-op.
func (a *Assignment) ReportFailure(reason string) {
	a.once.Do(func() {
		a.coord.ReportFailure(a.Worker.ID, a.JobID, reason)
	})
}
