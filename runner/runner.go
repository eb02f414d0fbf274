// Package runner executes a job on a fleet worker: acquire a worker, POST the
// payload to its /query endpoint, then release the worker or report it failed.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/arloliu/fleet"
	"github.com/arloliu/fleet/internal/logging"
	"github.com/arloliu/fleet/internal/tracing"
)

// QueryPath is the worker endpoint that accepts jobs.
const QueryPath = "/query"

// Request headers sent with every job.
const (
	HeaderJobID     = "X-Fleet-Job-Id"
	HeaderRequestID = "X-Request-Id"
)

// DefaultTimeout bounds a single job request.
const DefaultTimeout = 5 * time.Minute

const maxResponseBytes = 16 << 20

// ErrJobFailed is matched by JobError.
var ErrJobFailed = errors.New("job failed on worker")

// JobError reports a job request that failed at the worker.
//
// The worker has been reported to the coordinator and evicted.
// StatusCode is zero for transport failures and timeouts.
type JobError struct {
	WorkerID   string
	JobID      string
	StatusCode int
	Err        error
}

func (e *JobError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("job %s on worker %s: unexpected status %d", e.JobID, e.WorkerID, e.StatusCode)
	}

	return fmt.Sprintf("job %s on worker %s: %v", e.JobID, e.WorkerID, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// Is reports whether target is ErrJobFailed.
func (e *JobError) Is(target error) bool { return target == ErrJobFailed }

// Acquirer hands out workers. *fleet.Coordinator implements it.
type Acquirer interface {
	Acquire(ctx context.Context, jobID string, opts ...fleet.AcquireOption) (*fleet.Assignment, error)
}

var _ Acquirer = (*fleet.Coordinator)(nil)

// Result is a successful job response.
type Result struct {
	WorkerID   string
	JobID      string
	StatusCode int
	Body       []byte
	Duration   time.Duration
}

// Runner runs jobs on workers acquired from a coordinator.
type Runner struct {
	acquirer    Acquirer
	client      *http.Client
	contentType string
	logger      fleet.Logger
	tracer      trace.Tracer
	propagator  propagation.TextMapPropagator
}

// Option configures a Runner.
type Option func(*Runner)

// WithHTTPClient sets the client used for job requests.
// Default: a client with DefaultTimeout.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Runner) {
		if c != nil {
			r.client = c
		}
	}
}

// WithTimeout sets the per-job request timeout on the default client.
func WithTimeout(d time.Duration) Option {
	return func(r *Runner) {
		if d > 0 {
			r.client = &http.Client{Timeout: d}
		}
	}
}

// WithContentType sets the Content-Type of job payloads. Default: application/json.
func WithContentType(ct string) Option {
	return func(r *Runner) {
		r.contentType = ct
	}
}

// WithLogger sets the logger.
func WithLogger(l fleet.Logger) Option {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithTracer sets the tracer for job spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) {
		if t != nil {
			r.tracer = t
		}
	}
}

// New creates a Runner.
//
// Parameters:
//   - acquirer: Coordinator handing out workers
//   - opts: Optional HTTP client, timeout, content type, logger, tracer
//
// Returns:
//   - *Runner: Initialized runner
//
// Example:
//
//	r := runner.New(coord, runner.WithTimeout(time.Minute))
//	res, err := r.Run(ctx, jobID, payload)
func New(acquirer Acquirer, opts ...Option) *Runner {
	r := &Runner{
		acquirer:    acquirer,
		client:      &http.Client{Timeout: DefaultTimeout},
		contentType: "application/json",
		logger:      logging.NewNop(),
		tracer:      tracing.Tracer(nil),
		propagator:  otel.GetTextMapPropagator(),
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Run acquires a worker for jobID and sends it the payload.
//
// On a 2xx answer the worker is released. A non-2xx answer or a transport
// error reports the worker failed. Timeouts count as transport errors, both
// the client timeout and a ctx deadline that expires mid-request. Only an
// explicit cancel of ctx while the job is in flight leaves the worker busy;
// the stale reconciler frees it once it reports idle.
//
// Parameters:
//   - ctx: Bounds both acquisition and the job request
//   - jobID: Job identifier; empty generates a UUID
//   - payload: Request body for POST /query
//   - opts: Acquire options such as fleet.WithProgress
//
// Returns:
//   - *Result: Worker response on success
//   - error: *fleet.NoCapacityError, *JobError (wrapping context.DeadlineExceeded
//     when ctx expired mid-request), or context.Canceled
func (r *Runner) Run(ctx context.Context, jobID string, payload []byte, opts ...fleet.AcquireOption) (res *Result, err error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}

	ctx, span := r.tracer.Start(ctx, "fleet.job.run",
		trace.WithAttributes(attribute.String(tracing.AttrJobID, jobID)),
	)
	defer func() { tracing.End(span, err) }()

	a, err := r.acquirer.Acquire(ctx, jobID, opts...)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String(tracing.AttrWorkerID, a.WorkerID()))

	start := time.Now()
	status, body, err := r.post(ctx, a, payload)
	elapsed := time.Since(start)

	switch {
	case err != nil && errors.Is(ctx.Err(), context.Canceled):
		r.logger.Warn("job abandoned by caller, worker left busy",
			"job_id", jobID, "worker_id", a.WorkerID(), "error", ctx.Err())

		return nil, ctx.Err()
	case err != nil:
		a.ReportFailure(err.Error())

		return nil, &JobError{WorkerID: a.WorkerID(), JobID: jobID, Err: err}
	case status < 200 || status > 299:
		reason := fmt.Sprintf("query returned status %d", status)
		a.ReportFailure(reason)

		return nil, &JobError{WorkerID: a.WorkerID(), JobID: jobID, StatusCode: status, Err: errors.New(reason)}
	}

	a.Release()
	r.logger.Debug("job completed", "job_id", jobID, "worker_id", a.WorkerID(), "duration", elapsed)

	return &Result{
		WorkerID:   a.WorkerID(),
		JobID:      jobID,
		StatusCode: status,
		Body:       body,
		Duration:   elapsed,
	}, nil
}

func (r *Runner) post(ctx context.Context, a *fleet.Assignment, payload []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.URL+QueryPath, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", r.contentType)
	req.Header.Set(HeaderJobID, a.JobID)
	req.Header.Set(HeaderRequestID, uuid.NewString())
	r.propagator.Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := r.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}

	return resp.StatusCode, body, nil
}
