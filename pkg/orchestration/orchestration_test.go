package orchestration_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/model/modeltest"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/speaker"
	"github.com/plaenen/flowhs/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCarrier struct {
	mu       sync.Mutex
	requests []speaker.Request
	results  []orchestration.Result
	sendErr  func(req speaker.Request) error
}

func (c *fakeCarrier) SendSpeakerRequest(_ context.Context, req speaker.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		if err := c.sendErr(req); err != nil {
			return err
		}
	}
	c.requests = append(c.requests, req)
	return nil
}

func (c *fakeCarrier) SendNorthboundResponse(_ context.Context, result orchestration.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
	return nil
}

func (c *fakeCarrier) Requests() []speaker.Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]speaker.Request(nil), c.requests...)
}

func (c *fakeCarrier) Results() []orchestration.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]orchestration.Result(nil), c.results...)
}

type fixture struct {
	repo    *memory.Repository
	carrier *fakeCarrier
	service *orchestration.Service
}

func newFixture(t *testing.T, flow *model.Flow, opts ...orchestration.Option) *fixture {
	t.Helper()

	repo := memory.New()
	repo.PutFlow(flow)
	repo.PutSwitches(modeltest.Switches("sw1", "sw2", "sw3", "sw9")...)

	carrier := &fakeCarrier{}
	opts = append([]orchestration.Option{
		orchestration.WithRetriesLimit(3),
		orchestration.WithHistory(repo),
	}, opts...)

	return &fixture{
		repo:    repo,
		carrier: carrier,
		service: orchestration.NewService(repo, carrier, opts...),
	}
}

func (f *fixture) flow(t *testing.T, flowID string) *model.Flow {
	t.Helper()
	flow, err := f.repo.GetFlow(context.Background(), flowID)
	require.NoError(t, err)
	return flow
}

func (f *fixture) actions(flowID string) []string {
	var actions []string
	for _, entry := range f.repo.History(flowID) {
		actions = append(actions, entry.Action)
	}
	return actions
}

func createMirrorRequest(flowID, mirrorPointID string, sw model.SwitchID, direction model.MirrorDirection) orchestration.Request {
	mp := modeltest.MirrorPoint(flowID, mirrorPointID, sw, direction)
	return orchestration.Request{
		RequestID:   "req-" + mirrorPointID,
		Kind:        orchestration.KindCreateMirrorPoint,
		FlowID:      flowID,
		MirrorPoint: &mp,
	}
}

func deleteMirrorRequest(flowID, mirrorPointID string) orchestration.Request {
	return orchestration.Request{
		RequestID:     "del-" + mirrorPointID,
		Kind:          orchestration.KindDeleteMirrorPoint,
		FlowID:        flowID,
		MirrorPointID: mirrorPointID,
	}
}

func errorResponse(req speaker.Request) speaker.Response {
	return speaker.NewErrorResponse(req, speaker.ErrorCodeSwitchUnavailable, "switch is offline")
}

func TestCreateMirrorPoint_RetryLimitReached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	in, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	requests := f.carrier.Requests()
	require.Len(t, requests, 1)
	first := requests[0]
	assert.Equal(t, model.SwitchID("sw1"), first.SwitchID)
	assert.Equal(t, orchestration.StateAwaitingResponses, in.State())
	assert.True(t, f.flow(t, "F1").IsBusy())

	f.service.HandleResponse(ctx, errorResponse(first))
	f.service.HandleResponse(ctx, errorResponse(first))

	assert.Equal(t, []string{first.CommandID}, in.PendingCommandIDs())
	assert.Equal(t, 2, in.RetryCount(first.CommandID))
	assert.Empty(t, in.FailedCommandIDs())

	requests = f.carrier.Requests()
	require.Len(t, requests, 3)
	for _, req := range requests {
		assert.Equal(t, first, req, "a retry re-sends the identical request")
	}

	f.service.HandleResponse(ctx, errorResponse(first))

	assert.Equal(t, orchestration.StateFinished, in.State())
	assert.Equal(t, []string{first.CommandID}, in.FailedCommandIDs())
	assert.Empty(t, in.PendingCommandIDs())
	assert.Len(t, f.carrier.Requests(), 3)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, orchestration.ClassificationFailed, results[0].Classification)
	assert.Equal(t, 1, results[0].FailedCommands)
	assert.Equal(t, []string{first.CommandID}, results[0].FailedCommandIDs)
	assert.Equal(t, "Received error response(s) for 1 commands", results[0].Message)
	assert.ErrorIs(t, in.Err(), orchestration.ErrOperationFailed)

	flow := f.flow(t, "F1")
	assert.Equal(t, model.FlowStatusUp, flow.Status)
	_, _, found := flow.FindMirrorPath("MP1")
	assert.False(t, found, "a failed create removes the mirror point")
	assert.Empty(t, flow.AllMirrorPoints())

	assert.Contains(t, f.actions("F1"), "Retrying (attempt 1)")
	assert.Contains(t, f.actions("F1"), "Retrying (attempt 2)")
	assert.Contains(t, f.actions("F1"), "Failed to re-install rule, gave up")
	assert.Empty(t, f.service.Active())
}

func TestCreateMirrorPoint_Succeeds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	in, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	points, attached, ok := f.flow(t, "F1").FindMirrorPath("MP1")
	require.True(t, ok)
	assert.Equal(t, model.MinMirrorGroupID, points.MirrorGroupID)
	assert.Equal(t, model.PathStatusInProgress, attached.Status)
	assert.Equal(t, []string{"F1"}, f.service.Active())

	requests := f.carrier.Requests()
	require.Len(t, requests, 1)
	f.service.HandleResponse(ctx, speaker.NewSuccessResponse(requests[0]))

	assert.Equal(t, orchestration.StateFinished, in.State())
	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, "req-MP1", results[0].RequestID)

	flow := f.flow(t, "F1")
	assert.Equal(t, model.FlowStatusUp, flow.Status)
	_, mirrorPath, ok := flow.FindMirrorPath("MP1")
	require.True(t, ok)
	assert.Equal(t, model.PathStatusActive, mirrorPath.Status)
	assert.True(t, mirrorPath.Cookie.IsMirror())

	assert.Equal(t, []string{
		"Commands for re-installing rules have been sent",
		"Rule was re-installed",
		"Flow operation completed",
	}, f.actions("F1"))
}

func TestCreateMirrorPoint_NoCommandsNeeded(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.ThreeSwitchFlow("F3"))

	in, err := f.service.Submit(ctx, createMirrorRequest("F3", "MP1", "sw2", model.DirectionForward))
	require.NoError(t, err)

	assert.Empty(t, f.carrier.Requests())
	assert.Equal(t, orchestration.StateFinished, in.State())

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded())
	assert.Contains(t, f.actions("F3"), "No need to re-install rules")

	_, mirrorPath, ok := f.flow(t, "F3").FindMirrorPath("MP1")
	require.True(t, ok)
	assert.Equal(t, model.PathStatusActive, mirrorPath.Status)
}

func TestBusyFlowIsRejected(t *testing.T) {
	ctx := context.Background()
	flow := modeltest.TwoSwitchFlow("F1")
	flow.Status = model.FlowStatusInProgress
	f := newFixture(t, flow)

	in, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	assert.Equal(t, orchestration.StateFinished, in.State())
	assert.Empty(t, f.carrier.Requests())
	assert.ErrorIs(t, in.Err(), orchestration.ErrFlowBusy)
	assert.ErrorIs(t, in.Err(), orchestration.ErrValidation)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, orchestration.ClassificationRejected, results[0].Classification)
	assert.Equal(t, orchestration.ErrorTypeRequestInvalid, results[0].ErrorType)

	stored := f.flow(t, "F1")
	assert.Equal(t, model.FlowStatusInProgress, stored.Status, "the other operation's marker is left alone")
	assert.Empty(t, stored.AllMirrorPoints())
}

func TestUnknownFlowIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	_, err := f.service.Submit(ctx, createMirrorRequest("F404", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, orchestration.ClassificationRejected, results[0].Classification)
	assert.Equal(t, orchestration.ErrorTypeNotFound, results[0].ErrorType)
}

func TestValidatorFailureLeavesFlowUntouched(t *testing.T) {
	ctx := context.Background()
	validator := orchestration.FlowValidatorFunc(func(context.Context, orchestration.FlowTx, *model.Flow, orchestration.Request) error {
		return errors.New("receiver port is in use")
	})
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"), orchestration.WithValidator(validator))

	_, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, orchestration.ClassificationRejected, results[0].Classification)
	assert.Equal(t, orchestration.ErrorTypeDataInvalid, results[0].ErrorType)
	assert.Equal(t, "receiver port is in use", results[0].Message)

	flow := f.flow(t, "F1")
	assert.Equal(t, model.FlowStatusUp, flow.Status)
	assert.Empty(t, flow.AllMirrorPoints())
	assert.Empty(t, f.carrier.Requests())
}

func TestMalformedRequestIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	_, err := f.service.Submit(ctx, orchestration.Request{RequestID: "r", Kind: orchestration.KindCreateMirrorPoint, FlowID: "F1"})
	require.NoError(t, err)
	_, err = f.service.Submit(ctx, orchestration.Request{RequestID: "r2", Kind: "resize", FlowID: "F1"})
	require.NoError(t, err)

	results := f.carrier.Results()
	require.Len(t, results, 2)
	for _, result := range results {
		assert.Equal(t, orchestration.ClassificationRejected, result.Classification)
		assert.Equal(t, orchestration.ErrorTypeRequestInvalid, result.ErrorType)
	}
	assert.Equal(t, model.FlowStatusUp, f.flow(t, "F1").Status)
}

func TestOperationTimeout(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"), orchestration.WithOperationTimeout(20*time.Millisecond))

	in, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return in.State() == orchestration.StateFinished
	}, time.Second, 5*time.Millisecond)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, orchestration.ClassificationFailed, results[0].Classification)
	assert.Equal(t, 1, results[0].FailedCommands)
	assert.Equal(t, model.FlowStatusUp, f.flow(t, "F1").Status)
}

func TestOperationTimeout_ElapsesDuringDispatch(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"), orchestration.WithOperationTimeout(time.Nanosecond))
	f.carrier.sendErr = func(speaker.Request) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	}

	in, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return in.State() == orchestration.StateFinished
	}, time.Second, 5*time.Millisecond)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, orchestration.ClassificationFailed, results[0].Classification)
	assert.Empty(t, f.service.Active())
}

func TestUnsolicitedResponsesChangeNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	in, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)
	sent := f.carrier.Requests()[0]

	stray := speaker.Response{CommandID: "not-ours", SwitchID: "sw1", Success: true}
	f.service.HandleResponse(ctx, stray)
	in.HandleResponse(ctx, stray)
	in.HandleResponse(ctx, speaker.Response{CommandID: "not-ours", SwitchID: "sw1"})

	assert.Equal(t, orchestration.StateAwaitingResponses, in.State())
	assert.Equal(t, []string{sent.CommandID}, in.PendingCommandIDs())
	assert.Zero(t, in.RetryCount(sent.CommandID))
	assert.Empty(t, f.carrier.Results())

	f.service.HandleResponse(ctx, speaker.NewSuccessResponse(sent))
	// a late duplicate after the outcome is decided
	in.HandleResponse(ctx, speaker.NewSuccessResponse(sent))
	f.service.HandleResponse(ctx, errorResponse(sent))

	assert.Len(t, f.carrier.Results(), 1, "exactly one northbound result")
}

func TestDeleteMirrorPoint(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	_, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw2", model.DirectionForward))
	require.NoError(t, err)
	f.service.HandleResponse(ctx, speaker.NewSuccessResponse(f.carrier.Requests()[0]))

	in, err := f.service.Submit(ctx, deleteMirrorRequest("F1", "MP1"))
	require.NoError(t, err)

	requests := f.carrier.Requests()
	require.Len(t, requests, 2)
	removal := requests[1]
	assert.Equal(t, model.SwitchID("sw2"), removal.SwitchID)
	assert.Equal(t, speaker.KindReinstallEgressSegment, removal.Kind)

	f.service.HandleResponse(ctx, speaker.NewSuccessResponse(removal))
	assert.Equal(t, orchestration.StateFinished, in.State())

	results := f.carrier.Results()
	require.Len(t, results, 2)
	assert.True(t, results[1].Succeeded())

	flow := f.flow(t, "F1")
	_, _, found := flow.FindMirrorPath("MP1")
	assert.False(t, found)
	assert.Empty(t, flow.AllMirrorPoints())
	assert.Equal(t, model.FlowStatusUp, flow.Status)
}

func TestDeleteMirrorPoint_FailureRestoresInactive(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"), orchestration.WithRetriesLimit(1))

	_, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)
	f.service.HandleResponse(ctx, speaker.NewSuccessResponse(f.carrier.Requests()[0]))

	_, err = f.service.Submit(ctx, deleteMirrorRequest("F1", "MP1"))
	require.NoError(t, err)
	f.service.HandleResponse(ctx, errorResponse(f.carrier.Requests()[1]))

	results := f.carrier.Results()
	require.Len(t, results, 2)
	assert.Equal(t, orchestration.ClassificationFailed, results[1].Classification)

	flow := f.flow(t, "F1")
	points, mirrorPath, ok := flow.FindMirrorPath("MP1")
	require.True(t, ok)
	assert.Equal(t, model.PathStatusInactive, mirrorPath.Status)
	assert.Equal(t, model.MinMirrorGroupID, points.MirrorGroupID)
	assert.Equal(t, model.FlowStatusUp, flow.Status)
}

func TestInvalidDirectionIsRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	_, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", "SIDEWAYS"))
	require.NoError(t, err)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, orchestration.ClassificationRejected, results[0].Classification)
	assert.Equal(t, orchestration.ErrorTypeRequestInvalid, results[0].ErrorType)
	assert.Contains(t, results[0].Message, "SIDEWAYS")

	flow := f.flow(t, "F1")
	assert.Equal(t, model.FlowStatusUp, flow.Status)
	assert.Empty(t, flow.AllMirrorPoints())
	assert.Empty(t, f.carrier.Requests())
}

func TestDeleteUnknownMirrorPoint(t *testing.T) {
	ctx := context.Background()
	validated := 0
	validator := orchestration.FlowValidatorFunc(func(context.Context, orchestration.FlowTx, *model.Flow, orchestration.Request) error {
		validated++
		return nil
	})
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"), orchestration.WithValidator(validator))

	_, err := f.service.Submit(ctx, deleteMirrorRequest("F1", "MP404"))
	require.NoError(t, err)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, orchestration.ClassificationRejected, results[0].Classification)
	assert.Equal(t, orchestration.ErrorTypeNotFound, results[0].ErrorType)
	assert.Equal(t, model.FlowStatusUp, f.flow(t, "F1").Status)
	assert.Zero(t, validated, "rejected before the busy marker is set")
}

func TestReinstallFlow_ResponsesInAnyOrder(t *testing.T) {
	ctx := context.Background()
	flow := modeltest.ThreeSwitchFlow("F3")
	flow.Status = model.FlowStatusDegraded
	f := newFixture(t, flow)

	in, err := f.service.Submit(ctx, orchestration.Request{RequestID: "r", Kind: orchestration.KindReinstallFlow, FlowID: "F3"})
	require.NoError(t, err)

	requests := f.carrier.Requests()
	require.Len(t, requests, 6)

	for i := len(requests) - 1; i >= 0; i-- {
		assert.Equal(t, orchestration.StateAwaitingResponses, in.State())
		f.service.HandleResponse(ctx, speaker.NewSuccessResponse(requests[i]))
	}

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded())
	assert.Equal(t, model.FlowStatusDegraded, f.flow(t, "F3").Status, "previous status is restored")
}

func TestSendFailureCountsAsErrorResponse(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"), orchestration.WithRetriesLimit(2))

	var attempts int
	f.carrier.sendErr = func(speaker.Request) error {
		attempts++
		if attempts == 1 {
			return errors.New("nats: connection closed")
		}
		return nil
	}

	in, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	requests := f.carrier.Requests()
	require.Len(t, requests, 1, "the failed send was retried")
	assert.Equal(t, 1, in.RetryCount(requests[0].CommandID))

	f.service.HandleResponse(ctx, speaker.NewSuccessResponse(requests[0]))
	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.True(t, results[0].Succeeded())
}

func TestService_OneInstancePerFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	_, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)

	_, err = f.service.Submit(ctx, createMirrorRequest("F1", "MP2", "sw2", model.DirectionForward))
	require.ErrorIs(t, err, orchestration.ErrOperationInProgress)

	results := f.carrier.Results()
	require.Len(t, results, 1)
	assert.Equal(t, "req-MP2", results[0].RequestID)
	assert.Equal(t, orchestration.ClassificationRejected, results[0].Classification)
}

func TestService_InstancesForDifferentFlowsRunInParallel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))
	f.repo.PutFlow(modeltest.TwoSwitchFlow("F2"))

	_, err := f.service.Submit(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward))
	require.NoError(t, err)
	_, err = f.service.Submit(ctx, createMirrorRequest("F2", "MP2", "sw2", model.DirectionReverse))
	require.NoError(t, err)
	assert.Equal(t, []string{"F1", "F2"}, f.service.Active())

	var wg sync.WaitGroup
	for _, req := range f.carrier.Requests() {
		wg.Add(1)
		go func(req speaker.Request) {
			defer wg.Done()
			f.service.HandleResponse(ctx, speaker.NewSuccessResponse(req))
		}(req)
	}
	wg.Wait()

	assert.Empty(t, f.service.Active())
	assert.Len(t, f.carrier.Results(), 2)
}

func TestService_MiddlewareOrder(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, modeltest.TwoSwitchFlow("F1"))

	var order []string
	trace := func(name string) orchestration.RequestMiddleware {
		return func(next orchestration.RequestHandler) orchestration.RequestHandler {
			return orchestration.RequestHandlerFunc(func(ctx context.Context, req orchestration.Request) error {
				order = append(order, name)
				return next.Handle(ctx, req)
			})
		}
	}
	f.service.Use(trace("outer"))
	f.service.Use(trace("inner"))

	require.NoError(t, f.service.Handle(ctx, createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward)))
	assert.Equal(t, []string{"outer", "inner"}, order)
	assert.Len(t, f.carrier.Requests(), 1)
}

func TestInstance_IgnoresEventsWithoutTransition(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	repo.PutFlow(modeltest.TwoSwitchFlow("F1"))
	carrier := &fakeCarrier{}

	in := orchestration.NewInstance(createMirrorRequest("F1", "MP1", "sw1", model.DirectionForward),
		orchestration.Dependencies{Carrier: carrier, Repository: repo})

	in.Fire(ctx, orchestration.EventAllSucceeded)
	in.Fire(ctx, orchestration.EventFinish)
	assert.Equal(t, orchestration.StateValidating, in.State())
	assert.Empty(t, carrier.Results())

	in.Start(ctx)
	assert.Equal(t, orchestration.StateAwaitingResponses, in.State())
}
