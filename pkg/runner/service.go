package runner

import "context"

// Service is a component with a start/stop lifecycle.
type Service interface {
	// Name identifies the service in logs and errors.
	Name() string

	// Start blocks until the service is ready. It must respect ctx.
	Start(ctx context.Context) error

	// Stop shuts the service down, finishing before ctx expires.
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}

// FuncService adapts a pair of functions to Service. Nil functions are no-ops.
type FuncService struct {
	ServiceName string
	OnStart     func(ctx context.Context) error
	OnStop      func(ctx context.Context) error
}

func (f FuncService) Name() string {
	return f.ServiceName
}

func (f FuncService) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f FuncService) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
