package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys shared by spans, metrics and the span store.
var (
	AttrFlowID        = attribute.Key("flow.id")
	AttrOperationKind = attribute.Key("flow.operation.kind")
	AttrRequestID     = attribute.Key("flow.request.id")

	AttrCommandID   = attribute.Key("command.id")
	AttrCommandKind = attribute.Key("command.kind")
	AttrSwitchID    = attribute.Key("switch.id")
)

// SpanOption configures a span started with StartSpan.
type SpanOption func(*[]trace.SpanStartOption)

// WithAttributes sets attributes at span start, where samplers see them.
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(opts *[]trace.SpanStartOption) {
		*opts = append(*opts, trace.WithAttributes(attrs...))
	}
}

// WithSpanKind sets the span kind.
func WithSpanKind(kind trace.SpanKind) SpanOption {
	return func(opts *[]trace.SpanStartOption) {
		*opts = append(*opts, trace.WithSpanKind(kind))
	}
}

// StartSpan starts a span and returns the context carrying it.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...SpanOption) (context.Context, trace.Span) {
	var startOpts []trace.SpanStartOption
	for _, opt := range opts {
		opt(&startOpts)
	}
	return tracer.Start(ctx, name, startOpts...)
}

// EndSpan sets the span status from err and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// SetSpanError marks the span in ctx as failed.
func SetSpanError(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// OperationAttrs describes a flow operation. An empty requestID is omitted.
func OperationAttrs(flowID, kind, requestID string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{AttrFlowID.String(flowID), AttrOperationKind.String(kind)}
	if requestID != "" {
		attrs = append(attrs, AttrRequestID.String(requestID))
	}
	return attrs
}

// CommandAttrs describes a speaker command.
func CommandAttrs(commandID, kind, switchID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCommandID.String(commandID),
		AttrCommandKind.String(kind),
		AttrSwitchID.String(switchID),
	}
}
