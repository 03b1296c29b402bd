// Package middleware provides request middleware for the orchestration service.
package middleware

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/plaenen/flowhs/pkg/orchestration"
)

// RecoveryMiddleware recovers from panics in request handlers.
func RecoveryMiddleware(logger *slog.Logger) orchestration.RequestMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next orchestration.RequestHandler) orchestration.RequestHandler {
		return orchestration.RequestHandlerFunc(func(ctx context.Context, req orchestration.Request) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.ErrorContext(ctx, "Request handler panicked",
						slog.String("request_id", req.RequestID),
						slog.String("flow_id", req.FlowID),
						slog.String("kind", string(req.Kind)),
						slog.Any("panic", r),
						slog.String("stack_trace", string(debug.Stack())),
					)

					err = fmt.Errorf("request handler panicked: %v", r)
				}
			}()

			return next.Handle(ctx, req)
		})
	}
}
