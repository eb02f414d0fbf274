package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/arloliu/fleet/discovery/static"
	"github.com/arloliu/fleet/internal/clock"
	"github.com/arloliu/fleet/internal/metrics"
	fleettest "github.com/arloliu/fleet/testing"
	"github.com/arloliu/fleet/types"
)

// countingDiscovery wraps a worker list with a call counter and an injectable error.
// When a gate is set, each call takes its snapshot and then blocks on the gate.
type countingDiscovery struct {
	mu      sync.Mutex
	workers []WorkerEndpoint
	err     error
	gate    chan struct{}
	calls   atomic.Int32
}

func (d *countingDiscovery) Name() string { return "counting" }

func (d *countingDiscovery) ListLiveWorkers(_ context.Context) ([]WorkerEndpoint, error) {
	d.calls.Add(1)
	d.mu.Lock()
	live := append([]WorkerEndpoint(nil), d.workers...)
	err, gate := d.err, d.gate
	d.mu.Unlock()

	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}

	return live, nil
}

func (d *countingDiscovery) setGate(gate chan struct{}) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.gate = gate
}

func (d *countingDiscovery) set(workers []WorkerEndpoint, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.workers, d.err = workers, err
}

// probingDiscovery also implements HealthProber.
type probingDiscovery struct {
	countingDiscovery
}

func (d *probingDiscovery) Probe(_ context.Context, _ WorkerEndpoint) (ProbeResult, error) {
	return ProbeResult{Idle: true, Status: "idle"}, nil
}

// acquireRecorder captures RecordAcquire calls.
type acquireRecorder struct {
	*metrics.NopMetrics

	mu      sync.Mutex
	results []string
}

func (r *acquireRecorder) RecordAcquire(result string, _ int, _ float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func workers(ids ...string) []WorkerEndpoint {
	out := make([]WorkerEndpoint, 0, len(ids))
	for i, id := range ids {
		out = append(out, WorkerEndpoint{ID: id, Address: fmt.Sprintf("10.0.0.%d", i+1), Port: 8080})
	}

	return out
}

func newTestCoordinator(t *testing.T, disc Discovery, opts ...Option) *Coordinator {
	t.Helper()

	cfg := TestConfig()
	cfg.RefreshInterval = 5 * time.Second
	opts = append([]Option{WithLogger(fleettest.NewTestLogger(t))}, opts...)
	c, err := NewCoordinator(&cfg, disc, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return c
}

func TestNewCoordinator_Validation(t *testing.T) {
	disc := static.New(nil)

	t.Run("nil config", func(t *testing.T) {
		_, err := NewCoordinator(nil, disc)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil discovery", func(t *testing.T) {
		cfg := TestConfig()
		_, err := NewCoordinator(&cfg, nil)
		require.ErrorIs(t, err, ErrDiscoveryRequired)
	})

	t.Run("invalid config", func(t *testing.T) {
		cfg := TestConfig()
		cfg.ProbeTimeout = cfg.StaleBusyTimeout
		_, err := NewCoordinator(&cfg, disc)
		require.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("defaults for optional dependencies", func(t *testing.T) {
		cfg := Config{}
		c, err := NewCoordinator(&cfg, disc)
		require.NoError(t, err)
		require.NotNil(t, c.logger)
		require.NotNil(t, c.metrics)
		require.NotNil(t, c.strategy)
		require.NotNil(t, c.prober)
		require.NotNil(t, c.tracer)
		require.Equal(t, 5*time.Second, cfg.RefreshInterval, "defaults are written back")
	})

	t.Run("discovery that probes is used as prober", func(t *testing.T) {
		cfg := TestConfig()
		d := &probingDiscovery{}
		c, err := NewCoordinator(&cfg, d)
		require.NoError(t, err)
		require.Same(t, HealthProber(d), c.prober)
	})
}

func TestCoordinator_EndToEndScenario(t *testing.T) {
	ctx := context.Background()
	c := newTestCoordinator(t, static.New(workers("w1", "w2")))

	a1, err := c.Acquire(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "w1", a1.WorkerID())
	require.Equal(t, "http://10.0.0.1:8080", a1.URL)

	w1, ok := c.registry.Get("w1")
	require.True(t, ok)
	require.Equal(t, StatusBusy, w1.Status)

	a2, err := c.Acquire(ctx, "job-2")
	require.NoError(t, err)
	require.Equal(t, "w2", a2.WorkerID())

	var progress []string
	start := time.Now()
	_, err = c.Acquire(ctx, "job-3",
		WithMaxAttempts(1),
		WithRetryDelay(100*time.Millisecond),
		WithProgress(func(_, _ int, msg string) { progress = append(progress, msg) }),
	)
	require.ErrorIs(t, err, ErrNoCapacity)
	require.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	require.Equal(t, []string{"all 2 workers busy, retrying 1/1"}, progress)

	require.True(t, c.Release("w1", "job-1"))
	require.Equal(t, 1, c.Status().Free)

	a4, err := c.Acquire(ctx, "job-4")
	require.NoError(t, err)
	require.Equal(t, "w1", a4.WorkerID())
}

func TestCoordinator_Uniqueness(t *testing.T) {
	const (
		fleetSize = 8
		callers   = 64
	)
	ids := make([]string, fleetSize)
	for i := range ids {
		ids[i] = fmt.Sprintf("w%d", i)
	}
	c := newTestCoordinator(t, static.New(workers(ids...)))

	var (
		mu       sync.Mutex
		holders  = map[string]string{}
		dupes    []string
		wg       sync.WaitGroup
		assigned atomic.Int32
	)
	for i := range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobID := fmt.Sprintf("job-%d", i)
			a, err := c.Acquire(context.Background(), jobID, WithMaxAttempts(0))
			if err != nil {
				return
			}
			assigned.Add(1)

			mu.Lock()
			defer mu.Unlock()
			if prev, ok := holders[a.WorkerID()]; ok {
				dupes = append(dupes, a.WorkerID()+" held by "+prev+" and "+jobID)
			}
			holders[a.WorkerID()] = jobID
		}()
	}
	wg.Wait()

	require.Empty(t, dupes)
	require.Equal(t, int32(fleetSize), assigned.Load())
	require.Equal(t, fleetSize, c.Status().Busy)
}

func TestCoordinator_RoundRobinFairness(t *testing.T) {
	c := newTestCoordinator(t, static.New(workers("w1", "w2", "w3", "w4")))

	seen := map[string]int{}
	for i := range 4 {
		a, err := c.Acquire(context.Background(), fmt.Sprintf("job-%d", i))
		require.NoError(t, err)
		seen[a.WorkerID()]++
		require.True(t, a.Release())
	}

	require.Len(t, seen, 4)
	for id, n := range seen {
		require.Equal(t, 1, n, "worker %s selected more than once", id)
	}
}

func TestCoordinator_Exhaustion(t *testing.T) {
	t.Run("no workers discovered", func(t *testing.T) {
		disc := &countingDiscovery{}
		c := newTestCoordinator(t, disc)

		type call struct {
			attempt, max int
			msg          string
		}
		var calls []call
		retryDelay := 30 * time.Millisecond

		start := time.Now()
		_, err := c.Acquire(context.Background(), "job-x",
			WithMaxAttempts(2),
			WithRetryDelay(retryDelay),
			WithProgress(func(attempt, maxAttempts int, msg string) {
				calls = append(calls, call{attempt, maxAttempts, msg})
			}),
		)
		elapsed := time.Since(start)

		var nc *NoCapacityError
		require.ErrorAs(t, err, &nc)
		require.Equal(t, 3, nc.Attempts)
		require.Equal(t, "job-x", nc.JobID)
		require.Zero(t, nc.Total)
		require.GreaterOrEqual(t, elapsed, 2*retryDelay)

		require.Equal(t, []call{
			{1, 2, "no workers discovered, retrying 1/2"},
			{2, 2, "no workers discovered, retrying 2/2"},
		}, calls)

		// initial pass plus one forced re-discovery per retry
		require.Equal(t, int32(3), disc.calls.Load())
	})

	t.Run("all workers busy", func(t *testing.T) {
		c := newTestCoordinator(t, static.New(workers("w1")))
		_, err := c.Acquire(context.Background(), "job-1")
		require.NoError(t, err)

		var msgs []string
		_, err = c.Acquire(context.Background(), "job-2",
			WithMaxAttempts(2),
			WithRetryDelay(5*time.Millisecond),
			WithProgress(func(_, _ int, msg string) { msgs = append(msgs, msg) }),
		)
		require.ErrorIs(t, err, ErrNoCapacity)

		var nc *NoCapacityError
		require.ErrorAs(t, err, &nc)
		require.Equal(t, 1, nc.Total)
		require.Equal(t, 1, nc.Busy)
		require.Equal(t, []string{"all 1 workers busy, retrying 1/2", "all 1 workers busy, retrying 2/2"}, msgs)
	})

	t.Run("zero retries means one attempt", func(t *testing.T) {
		c := newTestCoordinator(t, &countingDiscovery{})
		progressCalled := false
		_, err := c.Acquire(context.Background(), "job-1",
			WithMaxAttempts(0),
			WithProgress(func(int, int, string) { progressCalled = true }),
		)
		require.ErrorIs(t, err, ErrNoCapacity)
		require.False(t, progressCalled)
	})
}

func TestCoordinator_ReportFailureForcesRediscovery(t *testing.T) {
	disc := &countingDiscovery{}
	disc.set(workers("w1", "w2"), nil)
	c := newTestCoordinator(t, disc)

	a, err := c.Acquire(context.Background(), "job-1")
	require.NoError(t, err)
	require.Equal(t, int32(1), disc.calls.Load())

	_, err = c.Acquire(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, int32(1), disc.calls.Load(), "refresh interval has not elapsed")

	c.ReportFailure(a.WorkerID(), "job-1", "connection refused")
	_, ok := c.registry.Get(a.WorkerID())
	require.False(t, ok, "failed worker is evicted")

	disc.set(workers("w2"), nil)
	_, err = c.Acquire(context.Background(), "job-3", WithMaxAttempts(0))
	require.ErrorIs(t, err, ErrNoCapacity)
	require.Equal(t, int32(2), disc.calls.Load(), "failure report forces the next acquire to re-discover")
}

func TestCoordinator_ReportFailureDuringDiscoveryStaysEvicted(t *testing.T) {
	disc := &countingDiscovery{}
	disc.set(workers("w1"), nil)
	c := newTestCoordinator(t, disc)
	ctx := context.Background()

	a, err := c.Acquire(ctx, "job-1")
	require.NoError(t, err)
	require.Equal(t, "w1", a.WorkerID())

	gate := make(chan struct{})
	disc.setGate(gate)
	refreshed := make(chan error, 1)
	go func() { refreshed <- c.Refresh(ctx) }()
	require.Eventually(t, func() bool { return disc.calls.Load() == 2 }, time.Second, time.Millisecond)

	// The pass in flight already listed w1.
	a.ReportFailure("connection reset")
	disc.set(nil, nil)

	next := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "job-2", WithMaxAttempts(0))
		next <- err
	}()

	close(gate)
	require.NoError(t, <-refreshed)
	require.ErrorIs(t, <-next, ErrNoCapacity)

	_, ok := c.registry.Get("w1")
	require.False(t, ok, "reported worker is not handed out again")
	require.Zero(t, c.Status().Total)
}

func TestCoordinator_ReportFailureRemovesFreeWorker(t *testing.T) {
	c := newTestCoordinator(t, static.New(workers("w1", "w2")))
	require.NoError(t, c.Refresh(context.Background()))

	c.ReportFailure("w2", "", "probe from caller")
	st := c.Status()
	require.Equal(t, 1, st.Total)
	require.Equal(t, "w1", st.Workers[0].ID)

	require.NotPanics(t, func() { c.ReportFailure("ghost", "job", "unknown") })
}

func TestCoordinator_IdempotentRelease(t *testing.T) {
	c := newTestCoordinator(t, static.New(workers("w1")))

	a, err := c.Acquire(context.Background(), "job-1")
	require.NoError(t, err)

	require.True(t, a.Release())
	require.False(t, a.Release())
	require.Equal(t, 1, c.Status().Free)

	b, err := c.Acquire(context.Background(), "job-2")
	require.NoError(t, err)
	require.Equal(t, "w1", b.WorkerID())

	require.False(t, a.Release(), "stale handle must not free the new holder")
	require.False(t, c.Release("w1", "job-1"))
	require.Equal(t, 1, c.Status().Busy)

	b.ReportFailure("boom")
	require.False(t, b.Release(), "failure report consumes the assignment")
	require.Zero(t, c.Status().Total)
}

func TestCoordinator_EmptyJobIDGetsGenerated(t *testing.T) {
	c := newTestCoordinator(t, static.New(workers("w1")))

	a, err := c.Acquire(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, a.JobID, 36)
	require.Equal(t, a.JobID, c.Status().Workers[0].JobID)
}

func TestCoordinator_DiscoveryFailureDoesNotAbort(t *testing.T) {
	disc := &countingDiscovery{}
	disc.set(workers("w1"), nil)
	c := newTestCoordinator(t, disc)
	require.NoError(t, c.Refresh(context.Background()))

	disc.set(nil, errors.New("daemon unreachable"))
	err := c.Refresh(context.Background())
	require.ErrorIs(t, err, ErrDiscovery)

	var msgs []string
	a, err := c.Acquire(context.Background(), "job-1",
		WithProgress(func(_, _ int, msg string) { msgs = append(msgs, msg) }),
	)
	require.NoError(t, err, "registry from the last good pass is still used")
	require.Equal(t, "w1", a.WorkerID())
	require.Len(t, msgs, 1)
	require.Contains(t, msgs[0], "discovery failed")
	require.Contains(t, msgs[0], "daemon unreachable")
}

func TestCoordinator_CancelDuringBackoff(t *testing.T) {
	rec := &acquireRecorder{NopMetrics: metrics.NewNop()}
	c := newTestCoordinator(t, &countingDiscovery{}, WithMetrics(rec))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)

	start := time.Now()
	_, err := c.Acquire(ctx, "job-1", WithMaxAttempts(5), WithRetryDelay(time.Hour))
	require.ErrorIs(t, err, context.Canceled)
	require.Less(t, time.Since(start), 5*time.Second)
	require.Zero(t, c.Status().Busy)
	require.Equal(t, []string{"canceled"}, rec.results)
}

func TestCoordinator_CanceledBeforeStart(t *testing.T) {
	disc := &countingDiscovery{}
	disc.set(workers("w1"), nil)
	c := newTestCoordinator(t, disc)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Acquire(ctx, "job-1")
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, disc.calls.Load())
}

func TestCoordinator_StaleIdleWorkerIsFreed(t *testing.T) {
	fc := clock.NewFake(time.Now())
	w := fleettest.NewFakeWorker(t, "w1")
	c := newTestCoordinator(t, static.New([]WorkerEndpoint{w.Endpoint()}), WithClock(fc))

	_, err := c.Acquire(context.Background(), "job-1")
	require.NoError(t, err)

	// job finished but release was lost
	fc.Advance(c.cfg.StaleBusyTimeout + time.Second)

	a, err := c.Acquire(context.Background(), "job-2", WithMaxAttempts(0))
	require.NoError(t, err, "stale idle worker is freed and reassigned")
	require.Equal(t, "w1", a.WorkerID())
	require.Equal(t, int64(1), w.StatusCalls())
}

func TestCoordinator_StaleBusyWorkerIsExtended(t *testing.T) {
	fc := clock.NewFake(time.Now())
	w := fleettest.NewFakeWorker(t, "w1")
	w.SetStatus(fleettest.WorkerProcessing)
	c := newTestCoordinator(t, static.New([]WorkerEndpoint{w.Endpoint()}), WithClock(fc))

	_, err := c.Acquire(context.Background(), "job-1")
	require.NoError(t, err)

	fc.Advance(c.cfg.StaleBusyTimeout + time.Second)
	require.Equal(t, 1, c.Reconcile(context.Background()))

	rec, ok := c.registry.Get("w1")
	require.True(t, ok)
	require.Equal(t, StatusBusy, rec.Status)
	require.Equal(t, "job-1", rec.JobID)
	require.Equal(t, fc.Now(), rec.LastAssignedAt)
}

func TestCoordinator_StaleDeadWorkerIsEvicted(t *testing.T) {
	fc := clock.NewFake(time.Now())
	w := fleettest.NewFakeWorker(t, "w1")
	c := newTestCoordinator(t, static.New([]WorkerEndpoint{w.Endpoint()}), WithClock(fc))

	_, err := c.Acquire(context.Background(), "job-1")
	require.NoError(t, err)

	w.Close() // connection refused from now on
	fc.Advance(c.cfg.StaleBusyTimeout + time.Second)

	require.Equal(t, 1, c.Reconcile(context.Background()))
	require.Empty(t, c.Status().Workers)
}

func TestCoordinator_Hooks(t *testing.T) {
	added := make(chan string, 4)
	removed := make(chan string, 4)
	hooks := &Hooks{
		OnWorkerAdded: func(_ context.Context, w types.WorkerEndpoint) error {
			added <- w.ID
			return nil
		},
		OnWorkerRemoved: func(_ context.Context, workerID, reason string) error {
			removed <- workerID + ":" + reason
			return nil
		},
	}

	disc := static.New(workers("w1", "w2"))
	c := newTestCoordinator(t, disc, WithHooks(hooks))
	require.NoError(t, c.Refresh(context.Background()))

	got := []string{<-added, <-added}
	require.ElementsMatch(t, []string{"w1", "w2"}, got)

	disc.Update(workers("w1"))
	require.NoError(t, c.Refresh(context.Background()))
	require.Equal(t, "w2:"+RemovedByDiscovery, <-removed)

	c.ReportFailure("w1", "job-1", "timeout")
	require.Equal(t, "w1:"+RemovedByFailureReport, <-removed)
}

func TestCoordinator_StartStop(t *testing.T) {
	disc := &countingDiscovery{}
	disc.set(workers("w1"), nil)
	c := newTestCoordinator(t, disc)

	require.ErrorIs(t, c.Stop(context.Background()), ErrNotStarted)

	require.NoError(t, c.Start(context.Background()))
	require.Equal(t, int32(1), disc.calls.Load(), "Start runs an initial discovery")
	require.Equal(t, 1, c.Status().Total)
	require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)

	require.NoError(t, c.Stop(context.Background()))
	require.ErrorIs(t, c.Stop(context.Background()), ErrNotStarted)
}

func TestCoordinator_CloseCancelsHooksContext(t *testing.T) {
	t.Run("never started", func(t *testing.T) {
		hookCtx := make(chan context.Context, 1)
		hooks := &Hooks{
			OnWorkerAdded: func(ctx context.Context, _ types.WorkerEndpoint) error {
				hookCtx <- ctx
				return nil
			},
		}
		c := newTestCoordinator(t, static.New(workers("w1")), WithHooks(hooks))
		require.NoError(t, c.Refresh(context.Background()))

		ctx := <-hookCtx
		require.NoError(t, ctx.Err())

		require.NoError(t, c.Close())
		require.ErrorIs(t, ctx.Err(), context.Canceled)
		require.NoError(t, c.Close(), "Close is idempotent")
	})

	t.Run("running", func(t *testing.T) {
		c := newTestCoordinator(t, static.New(workers("w1")))
		require.NoError(t, c.Start(context.Background()))

		require.NoError(t, c.Close())
		require.ErrorIs(t, c.Stop(context.Background()), ErrNotStarted)
		require.ErrorIs(t, c.Start(context.Background()), ErrAlreadyStarted)
	})
}

func TestCoordinator_StartToleratesDiscoveryFailure(t *testing.T) {
	disc := &countingDiscovery{}
	disc.set(nil, errors.New("down"))
	c := newTestCoordinator(t, disc)

	require.NoError(t, c.Start(context.Background()))
	require.NoError(t, c.Stop(context.Background()))
}

func TestCoordinator_ReconcileTicker(t *testing.T) {
	w := fleettest.NewFakeWorker(t, "w1")

	cfg := TestConfig()
	cfg.StaleBusyTimeout = 150 * time.Millisecond
	cfg.ProbeTimeout = 100 * time.Millisecond
	cfg.ReconcileInterval = 20 * time.Millisecond
	c, err := NewCoordinator(&cfg, static.New([]WorkerEndpoint{w.Endpoint()}),
		WithLogger(fleettest.NewTestLogger(t)))
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	defer func() { _ = c.Stop(context.Background()) }()

	_, err = c.Acquire(context.Background(), "job-1")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return c.Status().Free == 1 }, 3*time.Second, 10*time.Millisecond,
		"ticker frees the idle worker without any acquire or release")
}

func TestCoordinator_Spans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	c := newTestCoordinator(t, static.New(workers("w1")), WithTracer(tp.Tracer("test")))

	_, err := c.Acquire(context.Background(), "job-1")
	require.NoError(t, err)

	names := map[string]bool{}
	for _, s := range rec.Ended() {
		names[s.Name()] = true
	}
	require.True(t, names["fleet.acquire"])
	require.True(t, names["fleet.discovery.refresh"])
}
