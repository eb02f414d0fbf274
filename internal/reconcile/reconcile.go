// Package reconcile corrects workers left busy past the stale timeout.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
	"golang.org/x/sync/errgroup"

	"github.com/arloliu/fleet/internal/registry"
	"github.com/arloliu/fleet/types"
)

// Actions taken on a stale worker.
const (
	ActionFreed    = "freed"
	ActionExtended = "extended"
	ActionEvicted  = "evicted"
	ActionSkipped  = "skipped"
)

// Outcome describes what happened to one stale worker during a pass.
type Outcome struct {
	WorkerID string
	Action   string
	// Status is the workerStatus reported by the probe, empty on probe failure.
	Status string
	// Err is the probe error for evicted or skipped workers.
	Err error
}

// Reconciler probes stale-busy workers and frees, extends or evicts them.
type Reconciler struct {
	registry     *registry.Registry
	prober       types.HealthProber
	staleTimeout time.Duration
	probeTimeout time.Duration
	logger       types.Logger
	metrics      types.MetricsCollector

	// OnOutcome, when set, is called for every freed, extended or evicted worker.
	onOutcome func(Outcome)

	inProgress *xsync.Map[string, struct{}]
}

// Config holds the dependencies of a Reconciler.
type Config struct {
	Registry     *registry.Registry
	Prober       types.HealthProber
	StaleTimeout time.Duration
	ProbeTimeout time.Duration
	Logger       types.Logger
	Metrics      types.MetricsCollector
	OnOutcome    func(Outcome)
}

// New creates a Reconciler.
func New(cfg Config) *Reconciler {
	return &Reconciler{
		registry:     cfg.Registry,
		prober:       cfg.Prober,
		staleTimeout: cfg.StaleTimeout,
		probeTimeout: cfg.ProbeTimeout,
		logger:       cfg.Logger,
		metrics:      cfg.Metrics,
		onOutcome:    cfg.OnOutcome,
		inProgress:   xsync.NewMap[string, struct{}](),
	}
}

// Run makes one reconciliation pass and returns once every probe it started
// has finished, so it blocks for at most the probe timeout.
//
// Stale workers are probed concurrently. A worker already being probed by an
// overlapping pass is left to that pass. If ctx is canceled mid-probe the
// worker is skipped rather than evicted, since the failure says nothing about
// the worker.
//
// Returns:
//   - []Outcome: One entry per stale worker this pass handled, in registry order
func (r *Reconciler) Run(ctx context.Context) []Outcome {
	stale := r.registry.StaleBusy(r.staleTimeout)
	if len(stale) == 0 {
		return nil
	}

	outcomes := make([]Outcome, len(stale))
	claimed := make([]bool, len(stale))

	var g errgroup.Group
	for i, w := range stale {
		if _, loaded := r.inProgress.LoadOrStore(w.ID, struct{}{}); loaded {
			continue
		}
		claimed[i] = true

		g.Go(func() error {
			defer r.inProgress.Delete(w.ID)
			outcomes[i] = r.reconcileOne(ctx, w)

			return nil
		})
	}
	_ = g.Wait()

	handled := outcomes[:0]
	for i, o := range outcomes {
		if claimed[i] {
			handled = append(handled, o)
		}
	}

	return handled
}

func (r *Reconciler) reconcileOne(ctx context.Context, w types.WorkerRecord) Outcome {
	probeCtx, cancel := context.WithTimeout(ctx, r.probeTimeout)
	defer cancel()

	res, err := r.prober.Probe(probeCtx, w.Endpoint())
	if err != nil {
		if ctx.Err() != nil {
			return Outcome{WorkerID: w.ID, Action: ActionSkipped, Err: err}
		}

		return r.evict(w, err)
	}

	if res.Idle {
		return r.free(w, res.Status)
	}

	return r.extend(w, res.Status)
}

func (r *Reconciler) free(w types.WorkerRecord, status string) Outcome {
	out := Outcome{WorkerID: w.ID, Action: ActionFreed, Status: status}
	if !r.registry.FreeIfUnchanged(w) {
		r.logger.Debug("stale worker changed during probe, leaving as is", "worker_id", w.ID, "job_id", w.JobID)
		out.Action = ActionSkipped

		return out
	}

	r.logger.Info("stale busy worker reports idle, freed without release",
		"worker_id", w.ID, "container", w.ContainerRef, "job_id", w.JobID, "busy_since", w.LastAssignedAt)
	r.record(out)

	return out
}

func (r *Reconciler) extend(w types.WorkerRecord, status string) Outcome {
	out := Outcome{WorkerID: w.ID, Action: ActionExtended, Status: status}
	if !r.registry.ExtendIfUnchanged(w) {
		out.Action = ActionSkipped
		return out
	}

	r.logger.Info("stale busy worker still working, grace period extended",
		"worker_id", w.ID, "job_id", w.JobID, "worker_status", status)
	r.record(out)

	return out
}

func (r *Reconciler) evict(w types.WorkerRecord, err error) Outcome {
	out := Outcome{WorkerID: w.ID, Action: ActionEvicted, Err: err}

	var pe *types.HealthProbeError
	statusCode := 0
	if errors.As(err, &pe) {
		statusCode = pe.StatusCode
	}

	if !r.registry.Remove(w.ID) {
		out.Action = ActionSkipped
		return out
	}

	r.logger.Warn("stale busy worker failed health probe, evicted",
		"worker_id", w.ID, "container", w.ContainerRef, "job_id", w.JobID, "status_code", statusCode, "error", err)
	r.record(out)

	return out
}

func (r *Reconciler) record(out Outcome) {
	r.metrics.RecordStaleAction(out.Action)
	if r.onOutcome != nil {
		r.onOutcome(out)
	}
}
