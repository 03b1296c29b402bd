// Package runner owns the process lifecycle: services start one after the
// other, run until a shutdown signal or a cancelled context, and stop in
// reverse order. Services implementing HealthChecker are probed while
// running.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrShutdownTimeout is returned when services do not stop in time.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

type Runner struct {
	services        []Service
	logger          *slog.Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
	healthInterval  time.Duration
	signals         bool

	mu        sync.Mutex
	unhealthy map[string]bool
}

type Option func(*Runner)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithShutdownTimeout bounds the whole shutdown. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.shutdownTimeout = timeout
	}
}

// WithStartupTimeout bounds each Start call. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) {
		r.startupTimeout = timeout
	}
}

// WithHealthInterval probes the running services every d. A service turning
// unhealthy is logged once, and again when it recovers. Zero disables it.
func WithHealthInterval(d time.Duration) Option {
	return func(r *Runner) {
		r.healthInterval = d
	}
}

// WithSignalHandling controls whether SIGINT/SIGTERM end Run. Enabled by default.
func WithSignalHandling(enabled bool) Option {
	return func(r *Runner) {
		r.signals = enabled
	}
}

func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
		signals:         true,
		unhealthy:       make(map[string]bool),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts all services and blocks until ctx is cancelled or a shutdown
// signal arrives. A failed start stops the services already started and is
// returned together with their stop errors.
func (r *Runner) Run(ctx context.Context) error {
	if r.signals {
		var stop context.CancelFunc
		ctx, stop = NotifyShutdown(ctx)
		defer stop()
	}

	started, err := r.startServices(ctx)
	if err != nil {
		return errors.Join(err, r.stopServices(started))
	}
	r.logger.Info("all services started", slog.Int("count", len(started)))

	var watch sync.WaitGroup
	if r.healthInterval > 0 {
		watch.Add(1)
		go func() {
			defer watch.Done()
			r.watchHealth(ctx, started)
		}()
	}

	<-ctx.Done()
	watch.Wait()

	r.logger.Info("shutting down services", slog.Duration("timeout", r.shutdownTimeout))
	return r.stopServices(started)
}

func (r *Runner) startServices(ctx context.Context) ([]Service, error) {
	started := make([]Service, 0, len(r.services))
	for _, svc := range r.services {
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		began := time.Now()
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			r.logger.Error("failed to start service",
				slog.String("service", svc.Name()),
				slog.Any("error", err))
			return started, fmt.Errorf("start service %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
		r.logger.Info("service started",
			slog.String("service", svc.Name()),
			slog.Duration("took", time.Since(began)))
	}
	return started, nil
}

// stopServices stops in reverse start order. Every service gets its Stop
// call even after an earlier one failed.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(services) - 1; i >= 0; i-- {
			svc := services[i]
			if err := svc.Stop(ctx); err != nil {
				r.logger.Error("failed to stop service",
					slog.String("service", svc.Name()),
					slog.Any("error", err))
				errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
				continue
			}
			r.logger.Info("service stopped", slog.String("service", svc.Name()))
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		r.logger.Error("shutdown timeout exceeded", slog.Duration("timeout", r.shutdownTimeout))
		return ErrShutdownTimeout
	}
}

func (r *Runner) watchHealth(ctx context.Context, services []Service) {
	ticker := time.NewTicker(r.healthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, r.healthInterval)
			r.probe(probeCtx, services)
			cancel()
		}
	}
}

// probe checks every HealthChecker and logs state changes only.
func (r *Runner) probe(ctx context.Context, services []Service) error {
	var errs []error
	for _, svc := range services {
		hc, ok := svc.(HealthChecker)
		if !ok {
			continue
		}
		err := hc.HealthCheck(ctx)

		r.mu.Lock()
		was := r.unhealthy[svc.Name()]
		r.unhealthy[svc.Name()] = err != nil
		r.mu.Unlock()

		switch {
		case err != nil && !was:
			r.logger.Warn("service unhealthy", slog.String("service", svc.Name()), slog.Any("error", err))
		case err == nil && was:
			r.logger.Info("service recovered", slog.String("service", svc.Name()))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("service %s unhealthy: %w", svc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck probes every registered service implementing HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	return r.probe(ctx, r.services)
}
