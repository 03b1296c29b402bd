package engine_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/flowhs/pkg/middleware"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/model/modeltest"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/runtime/embeddednats"
	"github.com/plaenen/flowhs/pkg/runtime/engine"
	"github.com/plaenen/flowhs/pkg/speaker"
	"github.com/plaenen/flowhs/pkg/store/sqlite"
	"github.com/plaenen/flowhs/pkg/validation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_ReinstallFlowEndToEnd(t *testing.T) {
	ctx := context.Background()

	server := embeddednats.New()
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() { _ = server.Stop(ctx) })

	svc := engine.New(
		engine.WithURLSource(server.URL),
		engine.WithStoreOptions(sqlite.WithMemoryDatabase()),
		engine.WithMiddleware(middleware.Default()...),
		engine.WithOrchestrationOptions(
			orchestration.WithValidator(validation.NewMirrorPointValidator()),
			orchestration.WithOperationTimeout(5*time.Second),
		),
	)
	assert.ErrorIs(t, svc.HealthCheck(ctx), engine.ErrNotStarted)
	require.NoError(t, svc.Start(ctx))

	flow := modeltest.TwoSwitchFlow("flow1")
	flow.Status = model.FlowStatusDegraded
	require.NoError(t, svc.Store().PutFlow(ctx, flow))
	require.NoError(t, svc.Store().PutSwitches(ctx, modeltest.Switches("sw1", "sw2")...))
	require.NoError(t, svc.HealthCheck(ctx))

	client, err := nats.Connect(server.URL())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	_, err = client.Subscribe("flowhs.speaker.request.*", func(msg *nats.Msg) {
		var req speaker.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return
		}
		data, _ := json.Marshal(speaker.NewSuccessResponse(req))
		_ = client.Publish("flowhs.speaker.response", data)
	})
	require.NoError(t, err)

	results, err := client.SubscribeSync("flowhs.northbound.flow1")
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	data, _ := json.Marshal(orchestration.Request{
		RequestID: "req-1",
		Kind:      orchestration.KindReinstallFlow,
		FlowID:    "flow1",
	})
	require.NoError(t, client.Publish("flowhs.request", data))

	msg, err := results.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var result orchestration.Result
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, orchestration.ClassificationSucceeded, result.Classification)

	stored, err := svc.Store().GetFlow(ctx, "flow1")
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusDegraded, stored.Status, "previous status restored")

	store := svc.Store()
	require.NoError(t, svc.Stop(ctx))
	assert.Nil(t, svc.Store())
	assert.Error(t, store.Ping(ctx), "store closed on stop")
}

func TestEngine_RejectsMalformedRequest(t *testing.T) {
	ctx := context.Background()

	server := embeddednats.New()
	require.NoError(t, server.Start(ctx))
	t.Cleanup(func() { _ = server.Stop(ctx) })

	svc := engine.New(
		engine.WithURLSource(server.URL),
		engine.WithSubjectPrefix("ctl"),
		engine.WithStoreOptions(sqlite.WithMemoryDatabase()),
		engine.WithMiddleware(middleware.Default()...),
	)
	require.NoError(t, svc.Start(ctx))
	t.Cleanup(func() { _ = svc.Stop(ctx) })

	client, err := nats.Connect(server.URL())
	require.NoError(t, err)
	t.Cleanup(client.Close)

	results, err := client.SubscribeSync("ctl.northbound.>")
	require.NoError(t, err)
	require.NoError(t, client.Flush())

	data, _ := json.Marshal(orchestration.Request{RequestID: "req-9", Kind: "resize_flow", FlowID: "flow1"})
	require.NoError(t, client.Publish("ctl.request", data))

	msg, err := results.NextMsg(5 * time.Second)
	require.NoError(t, err)
	var result orchestration.Result
	require.NoError(t, json.Unmarshal(msg.Data, &result))
	assert.Equal(t, orchestration.ClassificationRejected, result.Classification)
	assert.Equal(t, orchestration.ErrorTypeRequestInvalid, result.ErrorType)
}
