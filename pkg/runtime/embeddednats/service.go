// Package embeddednats runs an in-process NATS server as a runner.Service,
// for single-node deployments where the engine and the speaker agents
// share one broker.
package embeddednats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	natspkg "github.com/plaenen/flowhs/pkg/nats"
	"github.com/plaenen/flowhs/pkg/observability"
	"github.com/plaenen/flowhs/pkg/runner"
	"github.com/plaenen/flowhs/pkg/security/credentials"
	"github.com/plaenen/flowhs/pkg/security/password"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrNotStarted is returned by HealthCheck before Start.
	ErrNotStarted = errors.New("nats server not started")
	// ErrNotReady is returned by HealthCheck when the server stopped
	// accepting connections.
	ErrNotReady = errors.New("nats server not accepting connections")
)

// Service owns the embedded broker.
type Service struct {
	server      *natspkg.EmbeddedServer
	logger      *slog.Logger
	tracer      trace.Tracer
	credentials credentials.Provider
	hashOpts    []password.Option
	probe       time.Duration
	serverOpts  []natspkg.ServerOption
}

type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithCredentials makes the server accept exactly the credentials of
// provider. The secret is bcrypt hashed with hashOpts before it reaches the
// server configuration.
func WithCredentials(provider credentials.Provider, hashOpts ...password.Option) Option {
	return func(s *Service) {
		s.credentials = provider
		s.hashOpts = hashOpts
	}
}

// WithProbeTimeout bounds the readiness probe of HealthCheck. Default 250ms.
func WithProbeTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.probe = d
	}
}

// WithServerOptions appends options for nats.StartEmbeddedServer.
//
//	embeddednats.New(embeddednats.WithServerOptions(
//	    nats.WithPort(4222),
//	    nats.WithJetStream("/var/lib/flowhs/nats"),
//	))
func WithServerOptions(opts ...natspkg.ServerOption) Option {
	return func(s *Service) {
		s.serverOpts = append(s.serverOpts, opts...)
	}
}

func New(opts ...Option) *Service {
	s := &Service{
		logger: slog.Default(),
		tracer: noop.NewTracerProvider().Tracer("embeddednats"),
		probe:  250 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	return "embedded-nats"
}

// Start resolves the server credentials and starts listening.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "embeddednats.Start")
	defer func() {
		if err != nil {
			observability.SetSpanError(ctx, err)
		}
		span.End()
	}()

	opts := []natspkg.ServerOption{natspkg.WithServerLogger(s.logger)}
	secured := false
	if s.credentials != nil {
		auth, err := natspkg.ServerAuth(ctx, s.credentials, s.hashOpts...)
		if err != nil {
			return fmt.Errorf("failed to configure broker auth: %w", err)
		}
		secured = len(auth) > 0
		opts = append(opts, auth...)
	}
	opts = append(opts, s.serverOpts...)

	srv, err := natspkg.StartEmbeddedServer(opts...)
	if err != nil {
		return fmt.Errorf("failed to start embedded NATS: %w", err)
	}
	s.server = srv

	span.SetAttributes(
		attribute.String("nats.url", srv.URL()),
		attribute.Bool("nats.auth", secured),
	)
	s.logger.InfoContext(ctx, "embedded NATS server started",
		slog.String("url", srv.URL()),
		slog.Bool("auth", secured),
	)
	if !secured {
		s.logger.WarnContext(ctx, "embedded NATS server accepts anonymous clients")
	}
	return nil
}

// Stop shuts the server down. Calling it again is a no-op.
func (s *Service) Stop(ctx context.Context) error {
	_, span := s.tracer.Start(ctx, "embeddednats.Stop")
	defer span.End()

	if s.server == nil {
		return nil
	}
	clients := s.server.NumClients()
	s.server.Shutdown()
	s.logger.InfoContext(ctx, "embedded NATS server stopped", slog.Int("clients", clients))
	return nil
}

// HealthCheck probes readiness without authenticating, so it works with
// and without broker credentials.
func (s *Service) HealthCheck(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "embeddednats.HealthCheck")
	defer span.End()

	if s.server == nil {
		observability.SetSpanError(ctx, ErrNotStarted)
		return ErrNotStarted
	}
	if !s.server.Ready(s.probe) {
		observability.SetSpanError(ctx, ErrNotReady)
		return ErrNotReady
	}
	span.SetAttributes(attribute.Int("nats.clients", s.server.NumClients()))
	return nil
}

// URL returns the client URL. Empty before Start.
func (s *Service) URL() string {
	if s.server == nil {
		return ""
	}
	return s.server.URL()
}

var _ runner.HealthChecker = (*Service)(nil)
