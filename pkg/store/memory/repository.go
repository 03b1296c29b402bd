// Package memory is an in-process flow repository. Transactions are
// serialised and applied atomically on commit.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/plaenen/flowhs/pkg/history"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/orchestration"
)

// Repository keeps flows, the switch inventory, mirror group allocations
// and history entries in memory.
type Repository struct {
	mu       sync.Mutex
	flows    map[string]*model.Flow
	switches map[model.SwitchID]model.Switch
	groups   map[model.SwitchID]model.GroupID
	history  []history.Entry
}

// New returns an empty repository.
func New() *Repository {
	return &Repository{
		flows:    make(map[string]*model.Flow),
		switches: make(map[model.SwitchID]model.Switch),
		groups:   make(map[model.SwitchID]model.GroupID),
	}
}

// PutFlow stores a copy of flow, replacing any flow with the same id.
func (r *Repository) PutFlow(flow *model.Flow) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flows[flow.FlowID] = flow.Clone()
}

// PutSwitches adds switches to the inventory.
func (r *Repository) PutSwitches(switches ...model.Switch) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, sw := range switches {
		r.switches[sw.SwitchID] = sw
	}
}

// GetFlow returns a copy of the flow.
func (r *Repository) GetFlow(_ context.Context, flowID string) (*model.Flow, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flow(flowID)
}

func (r *Repository) flow(flowID string) (*model.Flow, error) {
	flow, ok := r.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrFlowNotFound, flowID)
	}
	return flow.Clone(), nil
}

// WithTransaction runs fn with exclusive access. Changes are applied only
// when fn returns nil.
func (r *Repository) WithTransaction(ctx context.Context, fn func(tx orchestration.FlowTx) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tx := &transaction{
		repo:   r,
		flows:  make(map[string]*model.Flow),
		groups: make(map[model.SwitchID]model.GroupID),
	}
	if err := fn(tx); err != nil {
		return err
	}

	for id, flow := range tx.flows {
		r.flows[id] = flow
	}
	for sw, group := range tx.groups {
		r.groups[sw] = group
	}
	return nil
}

// AppendHistory stores a history entry.
func (r *Repository) AppendHistory(_ context.Context, entry history.Entry) error {
	r.append(entry)
	return nil
}

func (r *Repository) append(entry history.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, entry)
}

// History returns the history entries of a flow in insertion order.
func (r *Repository) History(flowID string) []history.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	var entries []history.Entry
	for _, entry := range r.history {
		if entry.FlowID == flowID {
			entries = append(entries, entry)
		}
	}
	return entries
}

// Record implements history.Sink by appending synchronously.
func (r *Repository) Record(_ context.Context, entry history.Entry) {
	r.append(entry)
}

type transaction struct {
	repo   *Repository
	flows  map[string]*model.Flow
	groups map[model.SwitchID]model.GroupID
}

func (tx *transaction) GetFlow(_ context.Context, flowID string) (*model.Flow, error) {
	if flow, ok := tx.flows[flowID]; ok {
		return flow.Clone(), nil
	}
	return tx.repo.flow(flowID)
}

func (tx *transaction) SaveFlow(_ context.Context, flow *model.Flow) error {
	if _, ok := tx.flows[flow.FlowID]; !ok {
		if _, ok := tx.repo.flows[flow.FlowID]; !ok {
			return fmt.Errorf("%w: %s", model.ErrFlowNotFound, flow.FlowID)
		}
	}
	tx.flows[flow.FlowID] = flow.Clone()
	return nil
}

func (tx *transaction) GetSwitch(_ context.Context, switchID model.SwitchID) (model.Switch, error) {
	sw, ok := tx.repo.switches[switchID]
	if !ok {
		return model.Switch{}, fmt.Errorf("%w: %s", model.ErrSwitchNotFound, switchID)
	}
	return sw, nil
}

func (tx *transaction) AllocateMirrorGroupID(_ context.Context, switchID model.SwitchID) (model.GroupID, error) {
	last, ok := tx.groups[switchID]
	if !ok {
		last, ok = tx.repo.groups[switchID]
	}
	next := model.MinMirrorGroupID
	if ok {
		next = last + 1
	}
	tx.groups[switchID] = next
	return next, nil
}
