package middleware

import "log/slog"

type options struct {
	logger     *slog.Logger
	tracerName string
}

// Option configures Default.
type Option func(*options)

// WithLogger sets the logger used by the recovery and logging middleware.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithTracerName sets the tracer name of the tracing middleware.
func WithTracerName(name string) Option {
	return func(o *options) {
		o.tracerName = name
	}
}
