// Package refresh rate-limits discovery and collapses concurrent refreshes.
package refresh

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arloliu/fleet/internal/registry"
	"github.com/arloliu/fleet/internal/tracing"
	"github.com/arloliu/fleet/types"
)

// Refresher runs discovery at most once per interval and shares one in-flight
// discovery call among every concurrent caller that finds a refresh due.
//
// The due check and the in-flight handle are guarded by the same lock. The
// first caller that observes "due" with nothing in flight installs a handle
// while still holding the lock; later callers find the handle and wait on it.
type Refresher struct {
	discovery types.Discovery
	registry  *registry.Registry
	interval  time.Duration
	clock     types.Clock
	logger    types.Logger
	metrics   types.MetricsCollector
	tracer    trace.Tracer
	onApplied func(registry.Diff)

	mu            sync.Mutex
	lastRefreshAt time.Time
	generation    uint64
	inflight      *call
}

// call is a single in-flight discovery shared by all waiters.
type call struct {
	done chan struct{}
	gen  uint64
	err  error

	// superseded is set when Invalidate ran before the snapshot was applied;
	// the snapshot is dropped and waiters start another pass.
	superseded bool
}

// Config holds the dependencies of a Refresher.
type Config struct {
	Discovery types.Discovery
	Registry  *registry.Registry
	Interval  time.Duration
	Clock     types.Clock
	Logger    types.Logger
	Metrics   types.MetricsCollector
	Tracer    trace.Tracer

	// OnApplied, when set, is called once per successful pass with the applied diff.
	OnApplied func(registry.Diff)
}

// New creates a Refresher. The first EnsureFresh call always refreshes.
func New(cfg Config) *Refresher {
	return &Refresher{
		discovery: cfg.Discovery,
		registry:  cfg.Registry,
		interval:  cfg.Interval,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
		tracer:    cfg.Tracer,
		onApplied: cfg.OnApplied,
	}
}

// EnsureFresh runs discovery if a refresh is due, or waits for the refresh
// already in flight.
//
// The discovery call itself is detached from ctx: a caller that gives up only
// stops waiting, it does not cancel the refresh other callers are sharing.
// A caller whose shared pass was superseded by Invalidate does not return on
// it; it starts or joins the next pass.
//
// Returns:
//   - error: *types.DiscoveryError from the shared call, ctx.Err() if the caller
//     stopped waiting, nil when the registry is fresh
func (r *Refresher) EnsureFresh(ctx context.Context) error {
	for {
		r.mu.Lock()
		if !r.dueLocked() {
			r.mu.Unlock()
			return nil
		}

		c := r.inflight
		if c == nil {
			c = &call{done: make(chan struct{}), gen: r.generation}
			r.inflight = c
			r.mu.Unlock()

			go r.run(context.WithoutCancel(ctx), c)
		} else {
			r.mu.Unlock()
		}

		select {
		case <-c.done:
			if c.superseded {
				continue
			}

			return c.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Invalidate marks the next EnsureFresh call as due.
//
// A refresh already in flight whose snapshot has not been applied yet drops
// it: the snapshot may predate the event that caused the invalidation, such
// as a failure report evicting a worker. Callers that evict should invalidate
// first, so any pass applying after the eviction is a pass that started after
// it.
func (r *Refresher) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastRefreshAt = time.Time{}
	r.generation++
}

// LastRefreshAt returns the time of the last successful refresh, zero if none.
func (r *Refresher) LastRefreshAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lastRefreshAt
}

func (r *Refresher) dueLocked() bool {
	return r.lastRefreshAt.IsZero() || r.clock.Now().Sub(r.lastRefreshAt) > r.interval
}

func (r *Refresher) run(ctx context.Context, c *call) {
	applied, err := r.refresh(ctx, c.gen)

	r.mu.Lock()
	r.inflight = nil
	c.err = err
	c.superseded = err == nil && !applied
	r.mu.Unlock()

	close(c.done)
}

// refresh lists live workers and applies them to the registry unless the
// generation moved on while the list was running.
func (r *Refresher) refresh(ctx context.Context, gen uint64) (applied bool, err error) {
	backend := r.discovery.Name()
	ctx, span := r.tracer.Start(ctx, "fleet.discovery.refresh",
		trace.WithAttributes(attribute.String(tracing.AttrBackend, backend)),
	)
	defer func() { tracing.End(span, err) }()

	start := r.clock.Now()
	live, listErr := r.discovery.ListLiveWorkers(ctx)
	elapsed := r.clock.Now().Sub(start).Seconds()

	if listErr != nil {
		r.metrics.RecordDiscovery(backend, false, elapsed)
		r.logger.Warn("fleet discovery failed, keeping current registry", "backend", backend, "error", listErr)

		return false, &types.DiscoveryError{Backend: backend, Err: listErr}
	}
	r.metrics.RecordDiscovery(backend, true, elapsed)

	// The generation check and Apply share r.mu with Invalidate.
	r.mu.Lock()
	if r.generation != gen {
		r.mu.Unlock()
		r.logger.Debug("discarding discovery snapshot taken before invalidation", "backend", backend, "live", len(live))
		span.SetAttributes(attribute.Bool(tracing.AttrSuperseded, true))

		return false, nil
	}
	diff := r.registry.Apply(live)
	r.lastRefreshAt = r.clock.Now()
	r.mu.Unlock()

	span.SetAttributes(attribute.Int(tracing.AttrFleetTotal, len(live)))

	for _, w := range diff.Added {
		r.logger.Info("worker discovered", "worker_id", w.ID, "container", w.ContainerRef, "address", w.Address, "port", w.Port)
	}
	for _, id := range diff.Removed {
		r.logger.Info("worker gone from discovery, removed", "worker_id", id)
	}
	r.logger.Debug("fleet refreshed", "backend", backend, "live", len(live),
		"added", len(diff.Added), "removed", len(diff.Removed), "updated", diff.Updated)

	r.metrics.RecordWorkerChange(len(diff.Added), len(diff.Removed))
	total, free, busy := r.registry.Counts()
	r.metrics.RecordFleetSize(total, free, busy)

	if r.onApplied != nil {
		r.onApplied(diff)
	}

	return true, nil
}
