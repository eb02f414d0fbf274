// Package tracing holds the OpenTelemetry helpers shared by the coordinator internals.
package tracing

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation scope name for fleet spans.
const TracerName = "github.com/arloliu/fleet"

// Span attribute keys.
const (
	AttrJobID      = "fleet.job.id"
	AttrWorkerID   = "fleet.worker.id"
	AttrBackend    = "fleet.discovery.backend"
	AttrAttempts   = "fleet.acquire.attempts"
	AttrFleetTotal = "fleet.workers.total"
	AttrSuperseded = "fleet.discovery.superseded"
)

// Tracer returns the fleet tracer from tp, or from the global provider when tp is nil.
// With no provider configured globally, the noop tracer is returned.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		return otel.Tracer(TracerName)
	}

	return tp.Tracer(TracerName)
}

// End records err on the span, sets its status and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
