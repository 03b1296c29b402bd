package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/plaenen/flowhs/pkg/history"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/model/modeltest"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_TransactionRollback(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	repo.PutFlow(modeltest.TwoSwitchFlow("F1"))

	boom := errors.New("boom")
	err := repo.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
		flow, err := tx.GetFlow(ctx, "F1")
		require.NoError(t, err)
		flow.Status = model.FlowStatusInProgress
		require.NoError(t, tx.SaveFlow(ctx, flow))

		staged, err := tx.GetFlow(ctx, "F1")
		require.NoError(t, err)
		assert.Equal(t, model.FlowStatusInProgress, staged.Status)
		return boom
	})
	require.ErrorIs(t, err, boom)

	flow, err := repo.GetFlow(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusUp, flow.Status)
}

func TestRepository_TransactionCommit(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	repo.PutFlow(modeltest.TwoSwitchFlow("F1"))

	err := repo.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
		flow, err := tx.GetFlow(ctx, "F1")
		if err != nil {
			return err
		}
		flow.Status = model.FlowStatusDegraded
		return tx.SaveFlow(ctx, flow)
	})
	require.NoError(t, err)

	flow, err := repo.GetFlow(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusDegraded, flow.Status)
}

func TestRepository_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()
	repo.PutFlow(modeltest.TwoSwitchFlow("F1"))

	flow, err := repo.GetFlow(ctx, "F1")
	require.NoError(t, err)
	flow.Status = model.FlowStatusDown

	again, err := repo.GetFlow(ctx, "F1")
	require.NoError(t, err)
	assert.Equal(t, model.FlowStatusUp, again.Status)
}

func TestRepository_NotFound(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	_, err := repo.GetFlow(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrFlowNotFound)

	err = repo.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
		_, err := tx.GetSwitch(ctx, "sw1")
		return err
	})
	assert.ErrorIs(t, err, model.ErrSwitchNotFound)
}

func TestRepository_AllocateMirrorGroupID(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	var got []model.GroupID
	for i := 0; i < 2; i++ {
		require.NoError(t, repo.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
			id, err := tx.AllocateMirrorGroupID(ctx, "sw1")
			got = append(got, id)
			return err
		}))
	}
	assert.Equal(t, []model.GroupID{model.MinMirrorGroupID, model.MinMirrorGroupID + 1}, got)

	// rolled back allocations are reused
	_ = repo.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
		_, _ = tx.AllocateMirrorGroupID(ctx, "sw1")
		return errors.New("rollback")
	})
	require.NoError(t, repo.WithTransaction(ctx, func(tx orchestration.FlowTx) error {
		id, err := tx.AllocateMirrorGroupID(ctx, "sw1")
		assert.Equal(t, model.MinMirrorGroupID+2, id)
		return err
	}))
}

func TestRepository_RecordAndAppendShareHistory(t *testing.T) {
	ctx := context.Background()
	repo := memory.New()

	repo.Record(ctx, history.NewEntry("F1", "t1", "Started", ""))
	require.NoError(t, repo.AppendHistory(ctx, history.NewEntry("F1", "t1", "Finished", "")))
	repo.Record(ctx, history.NewEntry("F2", "t2", "Started", ""))

	var actions []string
	for _, entry := range repo.History("F1") {
		actions = append(actions, entry.Action)
	}
	assert.Equal(t, []string{"Started", "Finished"}, actions)
	assert.Len(t, repo.History("F2"), 1)
}
