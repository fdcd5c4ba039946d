package monitor

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "wasm-kata-runner"
	spanPrefix = "kata."
)

// Span attribute keys.
var (
	AttrRunID      = attribute.Key("kata.run.id")
	AttrRuntime    = attribute.Key("kata.runtime")
	AttrCodeHash   = attribute.Key("kata.code_hash")
	AttrStage      = attribute.Key("kata.stage")
	AttrStatus     = attribute.Key("kata.status")
	AttrSuccess    = attribute.Key("kata.success")
	AttrDurationMS = attribute.Key("kata.duration_ms")
)

// Tracer starts kata.* spans. A nil *Tracer is valid and records nothing,
// so callers never branch on whether tracing is enabled.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer uses the global TracerProvider.
func NewTracer() *Tracer {
	return NewTracerWithProvider(otel.GetTracerProvider())
}

func NewTracerWithProvider(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer(tracerName)}
}

// Start opens the span kata.<op> as a child of whatever span ctx carries.
func (t *Tracer) Start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if t == nil {
		// A span from an empty context is a non-recording no-op; ending
		// it leaves the caller's span alone.
		return ctx, trace.SpanFromContext(context.Background())
	}
	return t.tracer.Start(ctx, spanPrefix+op, trace.WithAttributes(attrs...))
}

// FailSpan marks span as failed with err.
func FailSpan(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// RunAttributes describes a finished run.
func RunAttributes(runID, codeHash, status string, d time.Duration) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrRunID.String(runID),
		AttrCodeHash.String(codeHash),
		AttrStatus.String(status),
		AttrSuccess.Bool(status == "passed"),
		AttrDurationMS.Int64(d.Milliseconds()),
	}
}
