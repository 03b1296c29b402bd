package middleware

import (
	"context"

	"github.com/asaskevich/govalidator"
	"github.com/plaenen/flowhs/pkg/orchestration"
)

// ValidationMiddleware checks the struct tags of a request with govalidator
// before it reaches the service. Failures are reported as
// orchestration.ErrorTypeRequestInvalid validation errors.
func ValidationMiddleware() orchestration.RequestMiddleware {
	return func(next orchestration.RequestHandler) orchestration.RequestHandler {
		return orchestration.RequestHandlerFunc(func(ctx context.Context, req orchestration.Request) error {
			if _, err := govalidator.ValidateStruct(req); err != nil {
				return &orchestration.ValidationError{
					Type:    orchestration.ErrorTypeRequestInvalid,
					Message: err.Error(),
					Err:     err,
				}
			}
			return next.Handle(ctx, req)
		})
	}
}

// Default returns the standard chain: recovery, logging, tracing and
// struct validation, outermost first.
func Default(opts ...Option) []orchestration.RequestMiddleware {
	cfg := &options{}
	for _, opt := range opts {
		opt(cfg)
	}
	return []orchestration.RequestMiddleware{
		RecoveryMiddleware(cfg.logger),
		LoggingMiddleware(cfg.logger),
		OpenTelemetryMiddleware(cfg.tracerName),
		ValidationMiddleware(),
	}
}
