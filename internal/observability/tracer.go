package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// StartSpan creates a new span with the given name and attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// SetSpanError marks the span as errored
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// SetSpanOK marks the span as successful
func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}

// Common attribute keys for partsearch spans
var (
	AttrScope      = attribute.Key("partsearch.scope")
	AttrMode       = attribute.Key("partsearch.mode")
	AttrKeys       = attribute.Key("partsearch.keys")
	AttrBatchID    = attribute.Key("partsearch.batch.id")
	AttrBatchSize  = attribute.Key("partsearch.batch.size")
	AttrBackend    = attribute.Key("partsearch.backend")
	AttrRequestID  = attribute.Key("partsearch.request_id")
	AttrCached     = attribute.Key("partsearch.cached")
	AttrComplete   = attribute.Key("partsearch.complete")
	AttrEngineUsed = attribute.Key("partsearch.engine_used")
	AttrDurationMs = attribute.Key("partsearch.duration_ms")
)
