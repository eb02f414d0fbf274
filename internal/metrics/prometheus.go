package metrics

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/arloliu/fleet/types"
)

// PrometheusCollector implements types.MetricsCollector backed by Prometheus.
//
// Collectors are created and registered lazily on first use so that a
// collector which is constructed but never exercised leaves the registry untouched.
type PrometheusCollector struct {
	reg       prometheus.Registerer
	namespace string
	once      sync.Once

	acquireResults   *prometheus.CounterVec
	acquireAttempts  prometheus.Histogram
	acquireLatency   *prometheus.HistogramVec
	releases         *prometheus.CounterVec
	failureReports   prometheus.Counter
	discoveryCalls   *prometheus.CounterVec
	discoveryLatency *prometheus.HistogramVec
	workerChanges    *prometheus.CounterVec
	staleActions     *prometheus.CounterVec
	fleetWorkers     *prometheus.GaugeVec
}

// Compile-time assertion that PrometheusCollector implements MetricsCollector.
var _ types.MetricsCollector = (*PrometheusCollector)(nil)

// NewPrometheus creates a new Prometheus-backed metrics collector.
//
// Parameters:
//   - reg: Prometheus registerer interface (uses prometheus.DefaultRegisterer if nil)
//   - namespace: Prometheus metrics namespace (defaults to "fleet" if empty)
//
// Returns:
//   - *PrometheusCollector: A MetricsCollector implementation using Prometheus
func NewPrometheus(reg prometheus.Registerer, namespace string) *PrometheusCollector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if namespace == "" {
		namespace = "fleet"
	}

	return &PrometheusCollector{reg: reg, namespace: namespace}
}

func (p *PrometheusCollector) ensureRegistered() {
	p.once.Do(func() {
		p.acquireResults = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "acquire",
			Name:      "total",
			Help:      "Total acquire calls by result (assigned, no_capacity, canceled).",
		}, []string{"result"})

		p.acquireAttempts = prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "acquire",
			Name:      "attempts",
			Help:      "Attempts needed per acquire call.",
			Buckets:   []float64{1, 2, 3, 4, 6, 8, 11},
		})

		p.acquireLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "acquire",
			Name:      "duration_seconds",
			Help:      "Acquire latency in seconds including backoff sleeps.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10), // 1ms .. ~262s
		}, []string{"result"})

		p.releases = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "release",
			Name:      "total",
			Help:      "Total release calls by outcome (released, noop).",
		}, []string{"outcome"})

		p.failureReports = prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "worker",
			Name:      "failure_reports_total",
			Help:      "Total caller-reported worker failures.",
		})

		p.discoveryCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "discovery",
			Name:      "calls_total",
			Help:      "Total discovery calls by backend and success.",
		}, []string{"backend", "success"})

		p.discoveryLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: p.namespace,
			Subsystem: "discovery",
			Name:      "duration_seconds",
			Help:      "Discovery call latency in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms .. ~2.5s
		}, []string{"backend"})

		p.workerChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "discovery",
			Name:      "worker_changes_total",
			Help:      "Workers added to or removed from the registry by discovery.",
		}, []string{"kind"})

		p.staleActions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: p.namespace,
			Subsystem: "reconcile",
			Name:      "stale_actions_total",
			Help:      "Stale-busy reconciler decisions (freed, extended, evicted).",
		}, []string{"action"})

		p.fleetWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: p.namespace,
			Subsystem: "fleet",
			Name:      "workers",
			Help:      "Current registry size by status (total, free, busy).",
		}, []string{"status"})

		p.reg.MustRegister(
			p.acquireResults,
			p.acquireAttempts,
			p.acquireLatency,
			p.releases,
			p.failureReports,
			p.discoveryCalls,
			p.discoveryLatency,
			p.workerChanges,
			p.staleActions,
			p.fleetWorkers,
		)
	})
}

// RecordAcquire records the outcome, attempts and latency of an acquire call.
func (p *PrometheusCollector) RecordAcquire(result string, attempts int, duration float64) {
	p.ensureRegistered()
	p.acquireResults.WithLabelValues(result).Inc()
	p.acquireAttempts.Observe(float64(attempts))
	p.acquireLatency.WithLabelValues(result).Observe(duration)
}

// RecordRelease counts a release call.
func (p *PrometheusCollector) RecordRelease(released bool) {
	p.ensureRegistered()
	if released {
		p.releases.WithLabelValues("released").Inc()
	} else {
		p.releases.WithLabelValues("noop").Inc()
	}
}

// RecordFailureReport counts a caller-reported failure.
func (p *PrometheusCollector) RecordFailureReport() {
	p.ensureRegistered()
	p.failureReports.Inc()
}

// RecordDiscovery counts a discovery call and observes its latency.
func (p *PrometheusCollector) RecordDiscovery(backend string, success bool, duration float64) {
	p.ensureRegistered()
	p.discoveryCalls.WithLabelValues(backend, strconv.FormatBool(success)).Inc()
	p.discoveryLatency.WithLabelValues(backend).Observe(duration)
}

// RecordWorkerChange counts workers added and removed by a discovery pass.
func (p *PrometheusCollector) RecordWorkerChange(added, removed int) {
	p.ensureRegistered()
	p.workerChanges.WithLabelValues("added").Add(float64(added))
	p.workerChanges.WithLabelValues("removed").Add(float64(removed))
}

// RecordStaleAction counts a reconciler decision.
func (p *PrometheusCollector) RecordStaleAction(action string) {
	p.ensureRegistered()
	p.staleActions.WithLabelValues(action).Inc()
}

// RecordFleetSize sets the registry size gauges.
func (p *PrometheusCollector) RecordFleetSize(total, free, busy int) {
	p.ensureRegistered()
	p.fleetWorkers.WithLabelValues("total").Set(float64(total))
	p.fleetWorkers.WithLabelValues("free").Set(float64(free))
	p.fleetWorkers.WithLabelValues("busy").Set(float64(busy))
}
