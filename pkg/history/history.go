// Package history records the audit trail of flow operations.
//
// Recording is best-effort: a sink never returns an error to the caller
// and never blocks orchestration progress.
package history

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/flowhs/pkg/idgen"
)

// Entry is one line of a flow's operation history.
type Entry struct {
	ID        string
	FlowID    string
	TaskID    string
	Action    string
	Details   string
	Timestamp time.Time
}

// NewEntry creates an entry with a sortable id and the current time.
func NewEntry(flowID, taskID, action, details string) Entry {
	return Entry{
		ID:        idgen.MustGenerateSortableID(),
		FlowID:    flowID,
		TaskID:    taskID,
		Action:    action,
		Details:   details,
		Timestamp: time.Now().UTC(),
	}
}

// Sink receives history entries.
type Sink interface {
	Record(ctx context.Context, entry Entry)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, entry Entry)

// Record implements Sink.
func (f SinkFunc) Record(ctx context.Context, entry Entry) {
	f(ctx, entry)
}

// Nop discards every entry.
var Nop Sink = SinkFunc(func(context.Context, Entry) {})

// LogSink writes entries to a structured logger.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink returns a sink logging at info level. A nil logger means slog.Default().
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Record implements Sink.
func (s *LogSink) Record(ctx context.Context, entry Entry) {
	s.logger.InfoContext(ctx, "flow history",
		slog.String("flow_id", entry.FlowID),
		slog.String("task_id", entry.TaskID),
		slog.String("action", entry.Action),
		slog.String("details", entry.Details),
	)
}

// Fanout records every entry into each sink in order.
type Fanout []Sink

// Record implements Sink.
func (f Fanout) Record(ctx context.Context, entry Entry) {
	for _, sink := range f {
		sink.Record(ctx, entry)
	}
}
