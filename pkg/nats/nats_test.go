package nats_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/model/modeltest"
	natspkg "github.com/plaenen/flowhs/pkg/nats"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/security/credentials"
	"github.com/plaenen/flowhs/pkg/security/password"
	"github.com/plaenen/flowhs/pkg/speaker"
	"github.com/plaenen/flowhs/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

const prefix = "flowhs"

func startServer(t *testing.T) *nats.Conn {
	t.Helper()

	srv, err := natspkg.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	nc, err := srv.Connect()
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

// startAgent answers every speaker request with success.
func startAgent(t *testing.T, nc *nats.Conn) <-chan speaker.Request {
	t.Helper()

	seen := make(chan speaker.Request, 16)
	_, err := nc.Subscribe(prefix+".speaker.request.>", func(msg *nats.Msg) {
		var req speaker.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		seen <- req
		data, _ := json.Marshal(speaker.NewSuccessResponse(req))
		_ = nc.Publish(prefix+".speaker.response", data)
	})
	require.NoError(t, err)
	return seen
}

func collectResults(t *testing.T, nc *nats.Conn) <-chan orchestration.Result {
	t.Helper()

	results := make(chan orchestration.Result, 16)
	_, err := nc.Subscribe(prefix+".northbound.>", func(msg *nats.Msg) {
		var result orchestration.Result
		if err := json.Unmarshal(msg.Data, &result); err == nil {
			results <- result
		}
	})
	require.NoError(t, err)
	return results
}

func waitResult(t *testing.T, results <-chan orchestration.Result) orchestration.Result {
	t.Helper()
	select {
	case result := <-results:
		return result
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for result")
		return orchestration.Result{}
	}
}

func TestCreateMirrorPointOverNATS(t *testing.T) {
	nc := startServer(t)

	repo := memory.New()
	repo.PutFlow(modeltest.TwoSwitchFlow("flow1"))
	repo.PutSwitches(modeltest.Switches("sw1", "sw2", "sw9")...)

	carrier := natspkg.NewCarrier(nc, prefix)
	service := orchestration.NewService(repo, carrier, orchestration.WithOperationTimeout(10*time.Second))
	t.Cleanup(service.Close)

	subscriber := natspkg.NewSubscriber(nc, prefix)
	require.NoError(t, subscriber.SubscribeResponses(service))
	require.NoError(t, subscriber.SubscribeRequests(service, carrier))
	t.Cleanup(func() { _ = subscriber.Close() })

	seen := startAgent(t, nc)
	results := collectResults(t, nc)
	require.NoError(t, nc.Flush())

	mp := modeltest.MirrorPoint("flow1", "mp1", "sw1", model.DirectionForward)
	data, err := json.Marshal(orchestration.Request{
		RequestID:   "req-1",
		Kind:        orchestration.KindCreateMirrorPoint,
		FlowID:      "flow1",
		MirrorPoint: &mp,
	})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(prefix+".request", data))

	result := waitResult(t, results)
	assert.Equal(t, "req-1", result.RequestID)
	assert.Equal(t, orchestration.ClassificationSucceeded, result.Classification)

	req := <-seen
	assert.Equal(t, model.SwitchID("sw1"), req.SwitchID)
	assert.Equal(t, speaker.KindReinstallIngressSegment, req.Kind)

	flow, err := repo.GetFlow(context.Background(), "flow1")
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusUp, flow.Status)
}

func TestRejectedRequestIsAnswered(t *testing.T) {
	nc := startServer(t)

	carrier := natspkg.NewCarrier(nc, prefix)
	subscriber := natspkg.NewSubscriber(nc, prefix)
	t.Cleanup(func() { _ = subscriber.Close() })

	handler := orchestration.RequestHandlerFunc(func(ctx context.Context, req orchestration.Request) error {
		return orchestration.NewValidationError(orchestration.ErrorTypeRequestInvalid, "mirror point is required")
	})
	require.NoError(t, subscriber.SubscribeRequests(handler, carrier))

	results := collectResults(t, nc)
	require.NoError(t, nc.Flush())

	data, err := json.Marshal(orchestration.Request{
		RequestID: "req-2",
		Kind:      orchestration.KindCreateMirrorPoint,
		FlowID:    "flow1",
	})
	require.NoError(t, err)
	require.NoError(t, nc.Publish(prefix+".request", data))

	result := waitResult(t, results)
	assert.Equal(t, orchestration.ClassificationRejected, result.Classification)
	assert.Equal(t, orchestration.ErrorTypeRequestInvalid, result.ErrorType)
	assert.Equal(t, "mirror point is required", result.Message)
}

type responseRecorder chan context.Context

func (r responseRecorder) HandleResponse(ctx context.Context, _ speaker.Response) {
	r <- ctx
}

func TestTraceContextPropagation(t *testing.T) {
	nc := startServer(t)

	propagator := natspkg.WithPropagator(propagation.TraceContext{})
	subscriber := natspkg.NewSubscriber(nc, prefix, propagator)
	t.Cleanup(func() { _ = subscriber.Close() })

	recorder := make(responseRecorder, 1)
	require.NoError(t, subscriber.SubscribeResponses(recorder))
	require.NoError(t, nc.Flush())

	spanCtx := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{0x01, 0x02, 0x03},
		SpanID:     trace.SpanID{0x04},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), spanCtx)

	headers := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, headers)

	msg := nats.NewMsg(prefix + ".speaker.response")
	msg.Data, _ = json.Marshal(speaker.Response{CommandID: "cmd-1", Success: true})
	for _, key := range headers.Keys() {
		msg.Header.Set(key, headers.Get(key))
	}
	require.NoError(t, nc.PublishMsg(msg))

	select {
	case got := <-recorder:
		assert.Equal(t, spanCtx.TraceID(), trace.SpanContextFromContext(got).TraceID())
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for response")
	}
}

func TestCarrierPublishesToSwitchSubject(t *testing.T) {
	nc := startServer(t)
	carrier := natspkg.NewCarrier(nc, prefix, natspkg.WithPropagator(propagation.TraceContext{}))

	sub, err := nc.SubscribeSync(prefix + ".speaker.request.sw2")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	req := speaker.Request{CommandID: "cmd-9", SwitchID: "sw2", FlowID: "flow1", Kind: speaker.KindReinstallEgressSegment}
	require.NoError(t, carrier.SendSpeakerRequest(context.Background(), req))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	var got speaker.Request
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, req, got)
}

func TestCarrierStartsProducerSpan(t *testing.T) {
	nc := startServer(t)
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	carrier := natspkg.NewCarrier(nc, prefix,
		natspkg.WithPropagator(propagation.TraceContext{}),
		natspkg.WithTracer(provider.Tracer("test")))

	sub, err := nc.SubscribeSync(prefix + ".speaker.request.sw1")
	require.NoError(t, err)
	require.NoError(t, nc.Flush())

	req := speaker.Request{CommandID: "cmd-1", SwitchID: "sw1", FlowID: "flow1", Kind: speaker.KindReinstallEgressSegment}
	require.NoError(t, carrier.SendSpeakerRequest(context.Background(), req))

	msg, err := sub.NextMsg(5 * time.Second)
	require.NoError(t, err)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "speaker.send", spans[0].Name())
	assert.Equal(t, trace.SpanKindProducer, spans[0].SpanKind())

	// The agent continues the producer span.
	headers := propagation.MapCarrier{}
	for key := range msg.Header {
		headers.Set(key, msg.Header.Get(key))
	}
	remote := propagation.TraceContext{}.Extract(context.Background(), headers)
	assert.Equal(t, spans[0].SpanContext().SpanID(), trace.SpanContextFromContext(remote).SpanID())
}

func TestSubjects(t *testing.T) {
	s := natspkg.Subjects{Prefix: "ctl"}
	assert.Equal(t, "ctl.request", s.Request())
	assert.Equal(t, "ctl.speaker.request.sw1", s.Speaker("sw1"))
	assert.Equal(t, "ctl.speaker.response", s.SpeakerResponse())
	assert.Equal(t, "ctl.northbound.flow1", s.Northbound("flow1"))
}

func TestConnect_Credentials(t *testing.T) {
	srv, err := natspkg.StartEmbeddedServer()
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	none := func(string) (string, bool) { return "", false }

	config := natspkg.DefaultTransportConfig()
	config.URL = srv.URL()
	config.Credentials = credentials.NewChainProvider(credentials.NewEnvProviderWithLookup(none))

	nc, err := natspkg.Connect(context.Background(), config)
	require.NoError(t, err, "no credentials configured connects anonymously")
	nc.Close()

	config.Credentials = credentials.NewStaticTokenProvider("secret", time.Nanosecond)
	time.Sleep(time.Millisecond)
	_, err = natspkg.Connect(context.Background(), config)
	assert.ErrorIs(t, err, credentials.ErrCredentialsExpired)
}

func TestEmbeddedServerAuth(t *testing.T) {
	ctx := context.Background()
	creds := credentials.NewStaticUserPasswordProvider("engine", "Kp9!vR2#mQ7@xL4$wZ")

	auth, err := natspkg.ServerAuth(ctx, creds, password.WithCost(password.MinCost))
	require.NoError(t, err)
	require.Len(t, auth, 1)

	srv, err := natspkg.StartEmbeddedServer(auth...)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	_, err = srv.Connect()
	assert.Error(t, err, "anonymous client is refused")

	config := natspkg.DefaultTransportConfig()
	config.URL = srv.URL()
	config.Credentials = creds
	nc, err := natspkg.Connect(ctx, config)
	require.NoError(t, err)
	nc.Close()

	_, err = natspkg.ServerAuth(ctx, credentials.NewStaticTokenProvider("nats", 0))
	assert.ErrorIs(t, err, credentials.ErrInvalidCredentials, "weak secret")
}
