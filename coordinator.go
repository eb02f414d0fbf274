package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arloliu/fleet/internal/clock"
	"github.com/arloliu/fleet/internal/hooks"
	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/internal/metrics"
	"github.com/arloliu/fleet/internal/probe"
	"github.com/arloliu/fleet/internal/reconcile"
	"github.com/arloliu/fleet/internal/refresh"
	"github.com/arloliu/fleet/internal/registry"
	"github.com/arloliu/fleet/internal/tracing"
	"github.com/arloliu/fleet/strategy"
)

// Worker removal reasons passed to Hooks.OnWorkerRemoved.
const (
	RemovedByDiscovery     = "discovery"
	RemovedByProbe         = "probe_failed"
	RemovedByFailureReport = "failure_report"
)

// Coordinator assigns jobs to free workers of a discovered fleet.
//
// Coordinator is the main entry point of the library. It handles:
//   - Rate-limited fleet discovery shared by concurrent callers
//   - Round-robin selection of free workers with bounded retry
//   - Release and failure reporting by the caller
//   - Stale-busy reconciliation through worker health probes
//
// Thread Safety:
//   - All public methods are safe for concurrent use
//   - No two concurrent Acquire calls ever receive the same free worker
//   - Discovery results are applied atomically relative to readers
//
// Lifecycle:
//   - Create with NewCoordinator()
//   - Acquire/Release/ReportFailure/Status work immediately
//   - Start() is optional: it runs an initial discovery and the reconcile ticker
//   - Stop() ends background work
type Coordinator struct {
	cfg       Config
	discovery Discovery

	strategy SelectionStrategy
	prober   HealthProber
	metrics  MetricsCollector
	logger   Logger
	clock    Clock
	tracer   trace.Tracer
	hooks    *hooks.Dispatcher

	registry   *registry.Registry
	refresher  *refresh.Refresher
	reconciler *reconcile.Reconciler

	hooksCancel context.CancelFunc

	// Lifecycle management
	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped bool
	wg      sync.WaitGroup
}

// NewCoordinator creates a Coordinator over the given discovery backend.
//
// Returns a concrete *Coordinator following the "accept interfaces, return
// structs" principle. Consumers can define their own interfaces for testing.
//
// Parameters:
//   - cfg: Configuration; missing values are filled with defaults in place
//   - discovery: Fleet discovery backend
//   - opts: Optional dependencies (logger, metrics, hooks, strategy, prober, clock, tracer)
//
// Returns:
//   - *Coordinator: Initialized coordinator
//   - error: ErrInvalidConfig or ErrDiscoveryRequired
//
// Example:
//
//	cfg := fleet.DefaultConfig()
//	coord, err := fleet.NewCoordinator(&cfg, disc, fleet.WithLogger(logger))
func NewCoordinator(cfg *Config, discovery Discovery, opts ...Option) (*Coordinator, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}
	if discovery == nil {
		return nil, ErrDiscoveryRequired
	}

	SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	options := &coordinatorOptions{}
	for _, opt := range opts {
		opt(options)
	}

	// Provide safe defaults for optional dependencies to avoid nil checks everywhere
	if options.logger == nil {
		options.logger = logging.NewNop()
	}
	if options.metrics == nil {
		options.metrics = metrics.NewNop()
	}
	if options.clock == nil {
		options.clock = clock.Real{}
	}
	if options.tracer == nil {
		options.tracer = tracing.Tracer(nil)
	}
	if options.strategy == nil {
		options.strategy = strategy.NewRoundRobin()
	}
	if options.prober == nil {
		if p, ok := discovery.(HealthProber); ok {
			options.prober = p
		} else {
			options.prober = probe.NewHTTP(probe.WithTracer(options.tracer))
		}
	}

	cfg.ValidateWithWarnings(options.logger)

	hooksCtx, hooksCancel := context.WithCancel(context.Background())

	c := &Coordinator{
		cfg:         *cfg,
		discovery:   discovery,
		strategy:    options.strategy,
		prober:      options.prober,
		metrics:     options.metrics,
		logger:      options.logger,
		clock:       options.clock,
		tracer:      options.tracer,
		hooks:       hooks.NewDispatcher(hooksCtx, options.hooks, options.logger),
		registry:    registry.New(options.clock),
		hooksCancel: hooksCancel,
	}

	c.refresher = refresh.New(refresh.Config{
		Discovery: discovery,
		Registry:  c.registry,
		Interval:  cfg.RefreshInterval,
		Clock:     c.clock,
		Logger:    c.logger,
		Metrics:   c.metrics,
		Tracer:    c.tracer,
		OnApplied: c.onDiscoveryApplied,
	})

	c.reconciler = reconcile.New(reconcile.Config{
		Registry:     c.registry,
		Prober:       c.prober,
		StaleTimeout: cfg.StaleBusyTimeout,
		ProbeTimeout: cfg.ProbeTimeout,
		Logger:       c.logger,
		Metrics:      c.metrics,
		OnOutcome:    c.onStaleOutcome,
	})

	return c, nil
}

// Start runs an initial discovery pass and, when ReconcileInterval is set,
// starts the background reconcile ticker.
//
// A failed initial discovery is logged, not returned: the next Acquire retries it.
//
// Parameters:
//   - ctx: Context bounding the initial discovery wait
//
// Returns:
//   - error: ErrAlreadyStarted if called twice
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel != nil || c.stopped {
		c.mu.Unlock()

		return ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.mu.Unlock()

	if err := c.refresher.EnsureFresh(ctx); err != nil {
		c.logger.Warn("initial discovery failed, will retry on demand", "backend", c.discovery.Name(), "error", err)
	}

	if c.cfg.ReconcileInterval > 0 {
		c.wg.Add(1)
		go c.reconcileLoop(runCtx)
	}

	total, free, busy := c.registry.Counts()
	c.logger.Info("coordinator started", "backend", c.discovery.Name(),
		"workers", total, "free", free, "busy", busy, "reconcile_interval", c.cfg.ReconcileInterval)

	return nil
}

// Stop ends background work and cancels the context handed to hooks.
//
// Parameters:
//   - ctx: Context for shutdown timeout
//
// Returns:
//   - error: ErrNotStarted if not running, ctx.Err() on timeout
func (c *Coordinator) Stop(ctx context.Context) error {
	c.mu.Lock()
	if c.cancel == nil || c.stopped {
		c.mu.Unlock()

		return ErrNotStarted
	}
	c.stopped = true
	c.cancel()
	c.mu.Unlock()

	defer c.hooksCancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.logger.Info("coordinator stopped")
		return nil
	case <-ctx.Done():
		c.logger.Error("shutdown timeout exceeded, reconcile loop may still be running")
		return ctx.Err()
	}
}

// Close stops the coordinator if it is running and cancels the context handed
// to hooks. Use it for a coordinator that is never started; it is safe to call
// more than once and after Stop.
//
// Returns:
//   - error: nil, or the error from stopping a running coordinator
func (c *Coordinator) Close() error {
	defer c.hooksCancel()

	if err := c.Stop(context.Background()); err != nil && !errors.Is(err, ErrNotStarted) {
		return err
	}

	return nil
}

func (c *Coordinator) reconcileLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.clock.After(c.cfg.ReconcileInterval):
			c.reconciler.Run(ctx)
		}
	}
}

// Acquire assigns a free worker to jobID.
//
// Each attempt refreshes the fleet if due, reconciles stale workers, then
// selects a free worker. When none is free and retries remain, progress is
// reported, the call sleeps RetryDelay and the next attempt re-discovers.
// A discovery failure is reported through progress and the attempt goes on
// with the current registry.
//
// Parameters:
//   - ctx: Checked before each attempt and during each sleep
//   - jobID: Job identifier; empty generates a UUID
//   - opts: Per-call progress callback and retry overrides
//
// Returns:
//   - *Assignment: The worker now busy with jobID
//   - error: *NoCapacityError after the last retry, or ctx.Err()
//
// Example:
//
//	a, err := coord.Acquire(ctx, jobID, fleet.WithProgress(func(n, max int, msg string) {
//	    stream.Send(msg)
//	}))
func (c *Coordinator) Acquire(ctx context.Context, jobID string, opts ...AcquireOption) (a *Assignment, err error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}

	o := acquireOptions{maxAttempts: c.cfg.MaxRetries, retryDelay: c.cfg.RetryDelay}
	for _, opt := range opts {
		opt(&o)
	}

	start := c.clock.Now()
	ctx, span := c.tracer.Start(ctx, "fleet.acquire",
		trace.WithAttributes(attribute.String(tracing.AttrJobID, jobID)),
	)

	attempts := 0
	defer func() {
		span.SetAttributes(attribute.Int(tracing.AttrAttempts, attempts))
		if a != nil {
			span.SetAttributes(attribute.String(tracing.AttrWorkerID, a.Worker.ID))
		}
		tracing.End(span, err)
	}()

	for attempt := 0; attempt <= o.maxAttempts; attempt++ {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, c.acquireCanceled(jobID, attempts, start, ctxErr)
		}
		attempts = attempt + 1

		if refreshErr := c.refresher.EnsureFresh(ctx); refreshErr != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, c.acquireCanceled(jobID, attempts, start, ctxErr)
			}
			if o.progress != nil {
				o.progress(attempt, o.maxAttempts, fmt.Sprintf("discovery failed: %v, retrying", refreshErr))
			}
		}

		c.reconciler.Run(ctx)

		if w, ok := c.registry.Select(jobID, c.strategy); ok {
			c.metrics.RecordAcquire("assigned", attempts, c.clock.Now().Sub(start).Seconds())
			c.recordFleetSize()
			c.logger.Debug("worker assigned", "job_id", jobID, "worker_id", w.ID,
				"container", w.ContainerRef, "attempts", attempts)

			return newAssignment(c, w, jobID), nil
		}

		if attempt == o.maxAttempts {
			break
		}

		total, _, busy := c.registry.Counts()
		msg := progressMessage(total, busy, attempt+1, o.maxAttempts)
		c.logger.Debug("no free worker, backing off", "job_id", jobID, "message", msg, "retry_delay", o.retryDelay)
		if o.progress != nil {
			o.progress(attempt+1, o.maxAttempts, msg)
		}

		select {
		case <-ctx.Done():
			return nil, c.acquireCanceled(jobID, attempts, start, ctx.Err())
		case <-c.clock.After(o.retryDelay):
		}

		c.refresher.Invalidate()
	}

	total, _, busy := c.registry.Counts()
	c.metrics.RecordAcquire("no_capacity", attempts, c.clock.Now().Sub(start).Seconds())
	c.logger.Info("no worker available after retries", "job_id", jobID, "attempts", attempts,
		"workers", total, "busy", busy)

	return nil, &NoCapacityError{JobID: jobID, Attempts: attempts, Total: total, Busy: busy}
}

func (c *Coordinator) acquireCanceled(jobID string, attempts int, start time.Time, err error) error {
	c.metrics.RecordAcquire("canceled", attempts, c.clock.Now().Sub(start).Seconds())
	c.logger.Debug("acquire abandoned by caller", "job_id", jobID, "attempts", attempts, "error", err)

	return err
}

func progressMessage(total, busy, retry, maxAttempts int) string {
	if total == 0 {
		return fmt.Sprintf("no workers discovered, retrying %d/%d", retry, maxAttempts)
	}

	return fmt.Sprintf("all %d workers busy, retrying %d/%d", total, retry, maxAttempts)
}

// Release frees a worker held by jobID.
//
// Release is a no-op when the worker is gone from the registry or no longer
// holds jobID, for instance after the reconciler freed it and it was handed
// to another job.
//
// Parameters:
//   - workerID: Worker to release
//   - jobID: Job the caller acquired the worker for
//
// Returns:
//   - bool: true if the worker flipped from busy to free
func (c *Coordinator) Release(workerID, jobID string) bool {
	switch c.registry.Release(workerID, jobID) {
	case registry.Released:
		c.metrics.RecordRelease(true)
		c.recordFleetSize()
		c.logger.Debug("worker released", "worker_id", workerID, "job_id", jobID)

		return true
	case registry.NotHeld:
		c.metrics.RecordRelease(false)
		c.logger.Debug("release ignored, worker not held by job", "worker_id", workerID, "job_id", jobID)
	case registry.Vanished:
		c.metrics.RecordRelease(false)
		c.logger.Warn("release of unknown worker ignored", "worker_id", workerID, "job_id", jobID,
			"error", ErrWorkerVanished)
	}

	return false
}

// ReportFailure evicts a worker whose job request failed at the transport
// level and forces the next Acquire to re-discover.
//
// The worker is removed whatever its status; it returns only if a later
// discovery pass reports it again.
//
// Parameters:
//   - workerID: Worker that failed
//   - jobID: Job that was running on it, for logs
//   - reason: Failure description, for logs
func (c *Coordinator) ReportFailure(workerID, jobID, reason string) {
	// Invalidate before Remove so no pass listed before this report can
	// re-add the worker.
	c.refresher.Invalidate()
	removed := c.registry.Remove(workerID)
	c.metrics.RecordFailureReport()

	if !removed {
		c.logger.Warn("failure reported for unknown worker", "worker_id", workerID, "job_id", jobID,
			"reason", reason, "error", ErrWorkerVanished)

		return
	}

	c.recordFleetSize()
	c.logger.Warn("worker failure reported, evicted", "worker_id", workerID, "job_id", jobID, "reason", reason)
	c.hooks.WorkerRemoved(workerID, RemovedByFailureReport)
}

// Status returns a snapshot of the registry.
func (c *Coordinator) Status() FleetStatus {
	workers := c.registry.ListAll()
	st := FleetStatus{Total: len(workers), Workers: workers}
	for _, w := range workers {
		switch w.Status {
		case StatusFree:
			st.Free++
		case StatusBusy:
			st.Busy++
		}
	}

	return st
}

// Refresh forces a discovery pass now, or joins the one in flight.
//
// Returns:
//   - error: *DiscoveryError on backend failure, ctx.Err() if the wait was abandoned
func (c *Coordinator) Refresh(ctx context.Context) error {
	c.refresher.Invalidate()

	return c.refresher.EnsureFresh(ctx)
}

// Reconcile runs one stale-worker pass outside of Acquire.
//
// Returns:
//   - int: Number of stale workers that were freed, extended or evicted
func (c *Coordinator) Reconcile(ctx context.Context) int {
	n := 0
	for _, o := range c.reconciler.Run(ctx) {
		if o.Action != reconcile.ActionSkipped {
			n++
		}
	}

	return n
}

func (c *Coordinator) onDiscoveryApplied(diff registry.Diff) {
	for _, w := range diff.Added {
		c.hooks.WorkerAdded(w)
	}
	for _, id := range diff.Removed {
		c.hooks.WorkerRemoved(id, RemovedByDiscovery)
	}
}

func (c *Coordinator) onStaleOutcome(o reconcile.Outcome) {
	c.recordFleetSize()

	switch o.Action {
	case reconcile.ActionEvicted:
		c.hooks.WorkerRemoved(o.WorkerID, RemovedByProbe)
	case reconcile.ActionFreed, reconcile.ActionExtended:
		c.hooks.StaleCorrected(o.WorkerID, o.Action)
	}
}

func (c *Coordinator) recordFleetSize() {
	total, free, busy := c.registry.Counts()
	c.metrics.RecordFleetSize(total, free, busy)
}
