// Package ledger tracks the commands of one orchestration instance: which
// are still awaiting a response, how often each was retried and which
// failed for good.
//
// A Ledger is not safe for concurrent use. It belongs to exactly one
// orchestration instance, which serialises every call.
package ledger

import (
	"sort"

	"github.com/plaenen/flowhs/pkg/command"
	"github.com/plaenen/flowhs/pkg/model"
	"github.com/plaenen/flowhs/pkg/speaker"
)

// Decision is the outcome of recording a failed response.
type Decision int

const (
	// Ignore means the command id is not pending; nothing changed.
	Ignore Decision = iota
	// Retry means the command stays pending and must be re-sent.
	Retry
	// GiveUp means the command moved to the failed set.
	GiveUp
)

func (d Decision) String() string {
	switch d {
	case Retry:
		return "retry"
	case GiveUp:
		return "give_up"
	default:
		return "ignore"
	}
}

// Ledger is the pending/retry/failed bookkeeping of one instance.
//
// An id is in at most one of pending and failed. A command that succeeded
// is in neither.
type Ledger struct {
	commands map[string]command.Command
	pending  map[string]model.SwitchID
	retries  map[string]int
	failed   map[string]speaker.ErrorDetail
}

// New returns an empty ledger.
func New() *Ledger {
	return &Ledger{
		commands: make(map[string]command.Command),
		pending:  make(map[string]model.SwitchID),
		retries:  make(map[string]int),
		failed:   make(map[string]speaker.ErrorDetail),
	}
}

// RecordDispatched marks every command as pending.
func (l *Ledger) RecordDispatched(commands ...command.Command) {
	for _, cmd := range commands {
		l.commands[cmd.ID] = cmd
		l.pending[cmd.ID] = cmd.SwitchID
	}
}

// ResolveSuccess removes a pending command. It returns false and changes
// nothing if the id is not pending (stale or duplicate response).
func (l *Ledger) ResolveSuccess(commandID string) bool {
	if _, ok := l.pending[commandID]; !ok {
		return false
	}
	delete(l.pending, commandID)
	return true
}

// ResolveFailure counts a failed response against limit. The command is
// retried while its failure count stays below limit; the failure that
// reaches limit moves it to the failed set.
func (l *Ledger) ResolveFailure(commandID string, detail speaker.ErrorDetail, limit int) Decision {
	if _, ok := l.pending[commandID]; !ok {
		return Ignore
	}

	l.retries[commandID]++
	if l.retries[commandID] < limit {
		return Retry
	}

	delete(l.pending, commandID)
	l.failed[commandID] = detail
	return GiveUp
}

// ExpirePending moves every pending command to the failed set and returns
// their ids in sorted order.
func (l *Ledger) ExpirePending(detail speaker.ErrorDetail) []string {
	ids := l.PendingIDs()
	for _, id := range ids {
		delete(l.pending, id)
		l.failed[id] = detail
	}
	return ids
}

// IsSettled reports whether no command awaits a response.
func (l *Ledger) IsSettled() bool {
	return len(l.pending) == 0
}

// HasFailures reports whether any command failed for good.
func (l *Ledger) HasFailures() bool {
	return len(l.failed) > 0
}

// Command returns a dispatched command by id.
func (l *Ledger) Command(commandID string) (command.Command, bool) {
	cmd, ok := l.commands[commandID]
	return cmd, ok
}

// IsPending reports whether the id awaits a response.
func (l *Ledger) IsPending(commandID string) bool {
	_, ok := l.pending[commandID]
	return ok
}

// RetryCount returns the number of failures recorded for a command.
func (l *Ledger) RetryCount(commandID string) int {
	return l.retries[commandID]
}

// PendingIDs returns the pending command ids in sorted order.
func (l *Ledger) PendingIDs() []string {
	return sortedKeys(l.pending)
}

// Pending returns a copy of the pending map.
func (l *Ledger) Pending() map[string]model.SwitchID {
	out := make(map[string]model.SwitchID, len(l.pending))
	for k, v := range l.pending {
		out[k] = v
	}
	return out
}

// Failed returns a copy of the failed map.
func (l *Ledger) Failed() map[string]speaker.ErrorDetail {
	out := make(map[string]speaker.ErrorDetail, len(l.failed))
	for k, v := range l.failed {
		out[k] = v
	}
	return out
}

// FailedIDs returns the failed command ids in sorted order.
func (l *Ledger) FailedIDs() []string {
	return sortedKeys(l.failed)
}

// Len returns the number of commands dispatched through the ledger.
func (l *Ledger) Len() int {
	return len(l.commands)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
