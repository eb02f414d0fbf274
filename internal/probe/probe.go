// Package probe implements the worker health probe over HTTP.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/arloliu/fleet/internal/tracing"
	"github.com/arloliu/fleet/types"
)

// StatusIdle is the workerStatus value reported by a worker with no job.
const StatusIdle = "idle"

// StatusPath is the worker endpoint probed for health.
const StatusPath = "/status"

// maxBodyBytes bounds how much of a status response is read.
const maxBodyBytes = 64 << 10

// StatusResponse is the JSON body served by a worker's status endpoint.
type StatusResponse struct {
	WorkerStatus string `json:"workerStatus"`
}

// HTTPProber probes workers with GET {base}/status.
//
// The probe deadline comes from the caller's context; the reconciler wraps
// each probe with its configured probe timeout.
type HTTPProber struct {
	client *http.Client
	tracer trace.Tracer
}

var _ types.HealthProber = (*HTTPProber)(nil)

// Option configures an HTTPProber.
type Option func(*HTTPProber)

// WithHTTPClient sets the HTTP client used for probes.
func WithHTTPClient(c *http.Client) Option {
	return func(p *HTTPProber) {
		if c != nil {
			p.client = c
		}
	}
}

// WithTracer sets the tracer for probe spans.
func WithTracer(t trace.Tracer) Option {
	return func(p *HTTPProber) {
		if t != nil {
			p.tracer = t
		}
	}
}

// NewHTTP creates an HTTP prober.
//
// The default client carries a 10s safety timeout; per-probe deadlines are
// expected on the context.
func NewHTTP(opts ...Option) *HTTPProber {
	p := &HTTPProber{
		client: &http.Client{Timeout: 10 * time.Second},
		tracer: tracing.Tracer(nil),
	}
	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Probe fetches the worker's status.
//
// Returns:
//   - ProbeResult: Idle is true iff workerStatus is "idle"
//   - error: *types.HealthProbeError on transport failure, non-2xx or an undecodable body
func (p *HTTPProber) Probe(ctx context.Context, worker types.WorkerEndpoint) (res types.ProbeResult, err error) {
	ctx, span := p.tracer.Start(ctx, "fleet.worker.probe",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String(tracing.AttrWorkerID, worker.ID)),
	)
	defer func() { tracing.End(span, err) }()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, worker.BaseURL()+StatusPath, nil)
	if err != nil {
		return res, &types.HealthProbeError{WorkerID: worker.ID, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return res, &types.HealthProbeError{WorkerID: worker.ID, Err: err}
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return res, &types.HealthProbeError{
			WorkerID:   worker.ID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %s", resp.Status),
		}
	}

	var body StatusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&body); err != nil {
		return res, &types.HealthProbeError{
			WorkerID:   worker.ID,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("decode status body: %w", err),
		}
	}

	return types.ProbeResult{Idle: body.WorkerStatus == StatusIdle, Status: body.WorkerStatus}, nil
}
