package middleware

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/flowhs/pkg/orchestration"
)

// LoggingMiddleware logs request handling with timing information using slog.
func LoggingMiddleware(logger *slog.Logger) orchestration.RequestMiddleware {
	if logger == nil {
		logger = slog.Default()
	}

	return func(next orchestration.RequestHandler) orchestration.RequestHandler {
		return orchestration.RequestHandlerFunc(func(ctx context.Context, req orchestration.Request) error {
			start := time.Now()

			attrs := []any{
				slog.String("request_id", req.RequestID),
				slog.String("flow_id", req.FlowID),
				slog.String("kind", string(req.Kind)),
			}
			logger.InfoContext(ctx, "Handling flow request", attrs...)

			err := next.Handle(ctx, req)
			attrs = append(attrs, slog.Int64("duration_ms", time.Since(start).Milliseconds()))

			if err != nil {
				logger.ErrorContext(ctx, "Flow request not accepted",
					append(attrs, slog.String("error", err.Error()))...)
				return err
			}

			logger.InfoContext(ctx, "Flow request accepted", attrs...)
			return nil
		})
	}
}
