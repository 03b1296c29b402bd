package sqlite_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/plaenen/flowhs/pkg/history"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/model/modeltest"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/speaker"
	"github.com/plaenen/flowhs/pkg/store/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()

	ctx := context.Background()
	store, err := sqlite.New(ctx, sqlite.WithMemoryDatabase())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.PutFlow(ctx, modeltest.TwoSwitchFlow("flow1")))
	require.NoError(t, store.PutSwitches(ctx, modeltest.Switches("sw1", "sw2", "sw9")...))
	return store
}

func mirroredFlow() *model.Flow {
	flow := modeltest.TwoSwitchFlow("flow1")
	forward := flow.ForwardPath()

	mirror := model.NewFlowMirrorPath("mp1", "sw1", model.FlowEndpoint{SwitchID: "sw9", Port: 5, Vlan: 300}, 10000, false)
	mirror.SetSegments([]model.PathSegment{{SrcSwitchID: "sw1", SrcPort: 11, DestSwitchID: "sw9", DestPort: 90}})
	mirror.Cookie = forward.Cookie.WithMirror()
	mirror.Status = model.PathStatusActive

	points := model.NewFlowMirrorPoints("sw1", model.MinMirrorGroupID, forward.PathID)
	points.AddPaths(mirror)
	flow.AddMirrorPoints(points)
	return flow
}

func TestStore_FlowDocument(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	want := mirroredFlow()
	want.Status = model.FlowStatusDegraded
	require.NoError(t, store.PutFlow(ctx, want))

	got, err := store.GetFlow(ctx, "flow1")
	require.NoError(t, err)

	assert.Equal(t, model.FlowStatusDegraded, got.Status)
	assert.Equal(t, want.Source, got.Source)
	assert.Equal(t, want.ForwardPath().Segments(), got.ForwardPath().Segments())
	assert.Equal(t, want.ForwardPath().MeterID, got.ForwardPath().MeterID)
	assert.Equal(t, want.ReversePath().Cookie, got.ReversePath().Cookie)

	points, mirror, ok := got.FindMirrorPath("mp1")
	require.True(t, ok)
	assert.Equal(t, model.MinMirrorGroupID, points.MirrorGroupID)
	assert.Equal(t, model.PathStatusActive, mirror.Status)
	assert.True(t, mirror.Cookie.IsMirror())
	assert.Equal(t, int64(10000), mirror.Bandwidth())
	require.Len(t, mirror.Segments(), 1)
	assert.Equal(t, model.PathID("mp1"), mirror.Segments()[0].PathID)
}

func TestStore_GetFlowNotFound(t *testing.T) {
	_, err := newStore(t).GetFlow(context.Background(), "nope")
	assert.ErrorIs(t, err, model.ErrFlowNotFound)
}

func TestStore_RollbackKeepsBusyMarkerClear(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	boom := errors.New("validator failed")

	err := store.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
		flow, err := tx.GetFlow(ctx, "flow1")
		require.NoError(t, err)
		flow.Status = model.FlowStatusInProgress
		require.NoError(t, tx.SaveFlow(ctx, flow))

		inside, err := tx.GetFlow(ctx, "flow1")
		require.NoError(t, err)
		assert.True(t, inside.IsBusy())
		return boom
	})
	require.ErrorIs(t, err, boom)

	flow, err := store.GetFlow(ctx, "flow1")
	require.NoError(t, err)
	assert.False(t, flow.IsBusy())

	busy, err := store.FlowIDsByStatus(ctx, model.FlowStatusInProgress)
	require.NoError(t, err)
	assert.Empty(t, busy)
}

func TestStore_Commit(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	err := store.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
		flow, err := tx.GetFlow(ctx, "flow1")
		if err != nil {
			return err
		}
		flow.Status = model.FlowStatusInProgress
		return tx.SaveFlow(ctx, flow)
	})
	require.NoError(t, err)

	busy, err := store.FlowIDsByStatus(ctx, model.FlowStatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, []string{"flow1"}, busy)
}

func TestStore_TransactionLookups(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	err := store.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
		sw, err := tx.GetSwitch(ctx, "sw1")
		require.NoError(t, err)
		assert.True(t, sw.IsActive())

		_, err = tx.GetSwitch(ctx, "sw404")
		assert.ErrorIs(t, err, model.ErrSwitchNotFound)

		err = tx.SaveFlow(ctx, modeltest.TwoSwitchFlow("ghost"))
		assert.ErrorIs(t, err, model.ErrFlowNotFound)
		return nil
	})
	require.NoError(t, err)
}

func TestStore_AllocateMirrorGroupID(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	allocate := func(sw model.SwitchID, fail bool) model.GroupID {
		var id model.GroupID
		err := store.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
			var err error
			id, err = tx.AllocateMirrorGroupID(ctx, sw)
			require.NoError(t, err)
			if fail {
				return errors.New("rollback")
			}
			return nil
		})
		if !fail {
			require.NoError(t, err)
		}
		return id
	}

	assert.Equal(t, model.MinMirrorGroupID, allocate("sw1", false))
	assert.Equal(t, model.MinMirrorGroupID+1, allocate("sw1", false))
	assert.Equal(t, model.MinMirrorGroupID, allocate("sw2", false))

	assert.Equal(t, model.MinMirrorGroupID+2, allocate("sw1", true))
	assert.Equal(t, model.MinMirrorGroupID+2, allocate("sw1", false), "rolled back id is reused")
}

func TestStore_History(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	for _, action := range []string{"first", "second", "third"} {
		require.NoError(t, store.AppendHistory(ctx, history.NewEntry("flow1", "task", action, "")))
	}
	require.NoError(t, store.AppendHistory(ctx, history.NewEntry("flow2", "task", "other", "")))

	entries, err := store.History(ctx, "flow1")
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Action)
	assert.Equal(t, "third", entries[2].Action)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestStore_FileDatabase(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "flowhs.db")

	store, err := sqlite.New(ctx, sqlite.WithDSN(dsn), sqlite.WithWALMode(true))
	require.NoError(t, err)
	require.NoError(t, store.PutFlow(ctx, modeltest.TwoSwitchFlow("flow1")))
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(ctx, sqlite.WithDSN(dsn))
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })

	version, err := reopened.MigrationVersion(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	_, err = reopened.GetFlow(ctx, "flow1")
	assert.NoError(t, err)
}

type recordingCarrier struct {
	mu       sync.Mutex
	requests []speaker.Request
	results  []orchestration.Result
}

func (c *recordingCarrier) SendSpeakerRequest(_ context.Context, req speaker.Request) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests = append(c.requests, req)
	return nil
}

func (c *recordingCarrier) SendNorthboundResponse(_ context.Context, result orchestration.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, result)
	return nil
}

func TestStore_BacksOrchestration(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	sink := history.NewBufferedSink(store, 16)
	carrier := &recordingCarrier{}
	service := orchestration.NewService(store, carrier, orchestration.WithHistory(sink))

	mp := modeltest.MirrorPoint("flow1", "mp1", "sw2", model.DirectionForward)
	_, err := service.Submit(ctx, orchestration.Request{
		RequestID:   "req-1",
		Kind:        orchestration.KindCreateMirrorPoint,
		FlowID:      "flow1",
		MirrorPoint: &mp,
	})
	require.NoError(t, err)

	require.Len(t, carrier.requests, 1)
	service.HandleResponse(ctx, speaker.NewSuccessResponse(carrier.requests[0]))

	require.Len(t, carrier.results, 1)
	assert.True(t, carrier.results[0].Succeeded())

	flow, err := store.GetFlow(ctx, "flow1")
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusUp, flow.Status)

	points, mirror, ok := flow.FindMirrorPath("mp1")
	require.True(t, ok)
	assert.Equal(t, model.MinMirrorGroupID, points.MirrorGroupID)
	assert.Equal(t, model.PathStatusActive, mirror.Status)

	require.NoError(t, sink.Close(ctx))
	entries, err := store.History(ctx, "flow1")
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
	assert.Equal(t, "Flow operation completed", entries[len(entries)-1].Action)
}
