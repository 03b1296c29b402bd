package middleware

import (
	"context"

	"github.com/plaenen/flowhs/pkg/observability"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// OpenTelemetryMiddleware adds OpenTelemetry distributed tracing to request
// handling. An empty tracerName uses the module path.
func OpenTelemetryMiddleware(tracerName string) orchestration.RequestMiddleware {
	if tracerName == "" {
		tracerName = "github.com/plaenen/flowhs"
	}
	return OpenTelemetryMiddlewareWithTracer(otel.Tracer(tracerName))
}

// OpenTelemetryMiddlewareWithTracer creates middleware with a specific tracer.
func OpenTelemetryMiddlewareWithTracer(tracer trace.Tracer) orchestration.RequestMiddleware {
	return func(next orchestration.RequestHandler) orchestration.RequestHandler {
		return orchestration.RequestHandlerFunc(func(ctx context.Context, req orchestration.Request) error {
			kind := string(req.Kind)
			if kind == "" {
				kind = "unknown"
			}

			spanCtx, span := observability.StartSpan(ctx, tracer, "flow."+kind,
				observability.WithSpanKind(trace.SpanKindServer),
				observability.WithAttributes(observability.OperationAttrs(req.FlowID, kind, req.RequestID)...),
			)
			err := next.Handle(spanCtx, req)
			observability.EndSpan(span, err)
			return err
		})
	}
}
