package history

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Store persists entries. Implementations may block.
type Store interface {
	AppendHistory(ctx context.Context, entry Entry) error
}

// BufferedSink hands entries to a background writer. When the buffer is
// full the entry is dropped and counted rather than blocking the caller.
type BufferedSink struct {
	store   Store
	logger  *slog.Logger
	entries chan Entry
	dropped atomic.Int64

	closeOnce sync.Once
	done      chan struct{}
}

// BufferedOption configures a BufferedSink.
type BufferedOption func(*BufferedSink)

// WithLogger sets the logger used to report write failures.
func WithLogger(logger *slog.Logger) BufferedOption {
	return func(s *BufferedSink) {
		s.logger = logger
	}
}

// NewBufferedSink starts a writer goroutine draining into store.
func NewBufferedSink(store Store, size int, opts ...BufferedOption) *BufferedSink {
	if size <= 0 {
		size = 1
	}
	s := &BufferedSink{
		store:   store,
		logger:  slog.Default(),
		entries: make(chan Entry, size),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	go s.run()
	return s
}

// Record implements Sink.
func (s *BufferedSink) Record(ctx context.Context, entry Entry) {
	defer func() {
		// Record after Close must not panic the orchestration.
		if recover() != nil {
			s.dropped.Add(1)
		}
	}()

	select {
	case s.entries <- entry:
	default:
		s.dropped.Add(1)
		s.logger.WarnContext(ctx, "history buffer full, entry dropped",
			slog.String("flow_id", entry.FlowID),
			slog.String("action", entry.Action))
	}
}

// Dropped returns how many entries were discarded.
func (s *BufferedSink) Dropped() int64 {
	return s.dropped.Load()
}

// Close flushes buffered entries and stops the writer.
func (s *BufferedSink) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		close(s.entries)
	})

	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return errors.Join(errors.New("history flush interrupted"), ctx.Err())
	}
}

func (s *BufferedSink) run() {
	defer close(s.done)

	for entry := range s.entries {
		if err := s.store.AppendHistory(context.Background(), entry); err != nil {
			s.logger.Error("failed to persist history entry",
				slog.String("flow_id", entry.FlowID),
				slog.String("action", entry.Action),
				slog.String("error", err.Error()))
		}
	}
}
