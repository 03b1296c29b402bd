package middleware_test

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/plaenen/flowhs/pkg/middleware"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func chain(handler orchestration.RequestHandler, mws ...orchestration.RequestMiddleware) orchestration.RequestHandler {
	for i := len(mws) - 1; i >= 0; i-- {
		handler = mws[i](handler)
	}
	return handler
}

func validRequest() orchestration.Request {
	return orchestration.Request{
		RequestID: "req-1",
		Kind:      orchestration.KindCreateMirrorPoint,
		FlowID:    "F1",
		MirrorPoint: &model.RequestedMirrorPoint{
			FlowID:         "F1",
			MirrorPointID:  "MP1",
			Direction:      model.DirectionForward,
			MirrorSwitchID: "sw1",
			ReceiverSwitch: "sw9",
			ReceiverPort:   5,
			ReceiverVlan:   300,
		},
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := chain(orchestration.RequestHandlerFunc(func(context.Context, orchestration.Request) error {
		panic("boom")
	}), middleware.RecoveryMiddleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))

	err := handler.Handle(context.Background(), validRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked: boom")
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	handler := chain(orchestration.RequestHandlerFunc(func(context.Context, orchestration.Request) error {
		return errors.New("busy")
	}), middleware.LoggingMiddleware(logger))

	require.Error(t, handler.Handle(context.Background(), validRequest()))
	assert.Contains(t, buf.String(), `"flow_id":"F1"`)
	assert.Contains(t, buf.String(), `"error":"busy"`)
}

func TestValidationMiddleware(t *testing.T) {
	var called int
	handler := chain(orchestration.RequestHandlerFunc(func(context.Context, orchestration.Request) error {
		called++
		return nil
	}), middleware.ValidationMiddleware())

	require.NoError(t, handler.Handle(context.Background(), validRequest()))
	assert.Equal(t, 1, called)

	tests := map[string]func(*orchestration.Request){
		"missing flow":  func(r *orchestration.Request) { r.FlowID = "" },
		"unknown kind":  func(r *orchestration.Request) { r.Kind = "resize" },
		"port too big":  func(r *orchestration.Request) { r.MirrorPoint.ReceiverPort = 70000 },
		"bad direction": func(r *orchestration.Request) { r.MirrorPoint.Direction = "UP" },
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			req := validRequest()
			mutate(&req)

			err := handler.Handle(context.Background(), req)
			require.ErrorIs(t, err, orchestration.ErrValidation)
			assert.Equal(t, orchestration.ErrorTypeRequestInvalid, orchestration.AsValidationError(err).Type)
		})
	}
	assert.Equal(t, 1, called)
}

func TestOpenTelemetryMiddleware(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	tracer := provider.Tracer("test")

	handler := chain(orchestration.RequestHandlerFunc(func(context.Context, orchestration.Request) error {
		return errors.New("rejected")
	}), middleware.OpenTelemetryMiddlewareWithTracer(tracer))

	require.Error(t, handler.Handle(context.Background(), validRequest()))

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "flow.create_mirror_point", spans[0].Name())
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, trace.SpanKindServer, spans[0].SpanKind())
}

func TestDefaultChainOrder(t *testing.T) {
	mws := middleware.Default(middleware.WithLogger(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))))
	require.Len(t, mws, 4)

	handler := chain(orchestration.RequestHandlerFunc(func(context.Context, orchestration.Request) error {
		panic("late")
	}), mws...)

	// validation runs innermost, before the panicking handler
	err := handler.Handle(context.Background(), orchestration.Request{})
	require.ErrorIs(t, err, orchestration.ErrValidation)

	err = handler.Handle(context.Background(), validRequest())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panicked")
}
