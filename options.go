package fleet

import (
	"time"

	"go.opentelemetry.io/otel/trace"
)

// Option configures a Coordinator with optional dependencies.
type Option func(*coordinatorOptions)

// coordinatorOptions holds optional Coordinator configuration.
type coordinatorOptions struct {
	logger   Logger
	metrics  MetricsCollector
	hooks    *Hooks
	strategy SelectionStrategy
	prober   HealthProber
	clock    Clock
	tracer   trace.Tracer
}

// WithLogger sets a logger.
//
// Parameters:
//   - logger: Logger implementation (compatible with zap.SugaredLogger)
//
// Returns:
//   - Option: Functional option for NewCoordinator
//
// Example:
//
//	logger := logging.NewSlogDefault()
//	coord, err := fleet.NewCoordinator(&cfg, disc, fleet.WithLogger(logger))
func WithLogger(logger Logger) Option {
	return func(o *coordinatorOptions) {
		o.logger = logger
	}
}

// WithMetrics sets a metrics collector.
//
// Parameters:
//   - metrics: MetricsCollector implementation
//
// Returns:
//   - Option: Functional option for NewCoordinator
func WithMetrics(metrics MetricsCollector) Option {
	return func(o *coordinatorOptions) {
		o.metrics = metrics
	}
}

// WithHooks sets lifecycle event hooks.
//
// Hooks run on their own goroutines; an error returned by a hook is logged.
//
// Example:
//
//	hooks := &fleet.Hooks{
//	    OnWorkerRemoved: func(ctx context.Context, workerID, reason string) error {
//	        return alert(workerID, reason)
//	    },
//	}
//	coord, err := fleet.NewCoordinator(&cfg, disc, fleet.WithHooks(hooks))
func WithHooks(hooks *Hooks) Option {
	return func(o *coordinatorOptions) {
		o.hooks = hooks
	}
}

// WithStrategy sets the worker selection strategy. Default: strategy.NewRoundRobin().
func WithStrategy(s SelectionStrategy) Option {
	return func(o *coordinatorOptions) {
		o.strategy = s
	}
}

// WithProber sets the health prober used by the stale reconciler.
//
// Without this option the Discovery is used when it also implements
// HealthProber, otherwise an HTTP prober hitting GET {worker}/status.
func WithProber(p HealthProber) Option {
	return func(o *coordinatorOptions) {
		o.prober = p
	}
}

// WithClock sets the time source. Tests use it to drive time by hand.
func WithClock(c Clock) Option {
	return func(o *coordinatorOptions) {
		o.clock = c
	}
}

// WithTracer sets the OpenTelemetry tracer. Default: the global provider's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(o *coordinatorOptions) {
		o.tracer = t
	}
}

// ProgressFunc receives retry notifications from Acquire.
//
// Parameters:
//   - attempt: Retry number about to be made, 1..maxAttempts
//   - maxAttempts: Retry budget of the call
//   - message: Human-readable reason, e.g. "all 4 workers busy, retrying 2/5"
type ProgressFunc func(attempt, maxAttempts int, message string)

// AcquireOption configures a single Acquire call.
type AcquireOption func(*acquireOptions)

type acquireOptions struct {
	progress    ProgressFunc
	maxAttempts int
	retryDelay  time.Duration
}

// WithProgress sets a callback invoked before every retry sleep.
func WithProgress(fn ProgressFunc) AcquireOption {
	return func(o *acquireOptions) {
		o.progress = fn
	}
}

// WithMaxAttempts overrides Config.MaxRetries for one call. Negative values are ignored.
func WithMaxAttempts(n int) AcquireOption {
	return func(o *acquireOptions) {
		if n >= 0 {
			o.maxAttempts = n
		}
	}
}

// WithRetryDelay overrides Config.RetryDelay for one call. Non-positive values are ignored.
func WithRetryDelay(d time.Duration) AcquireOption {
	return func(o *acquireOptions) {
		if d > 0 {
			o.retryDelay = d
		}
	}
}
