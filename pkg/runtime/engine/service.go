// Package engine runs the flow orchestration engine as a runner.Service:
// SQLite persistence, buffered history, the NATS carrier and subscribers,
// and the orchestration service between them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/plaenen/flowhs/pkg/history"
	"github.com/plaenen/flowhs/pkg/model"
	natspkg "github.com/plaenen/flowhs/pkg/nats"
	"github.com/plaenen/flowhs/pkg/observability"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/runner"
	"github.com/plaenen/flowhs/pkg/store/sqlite"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	// ErrNotStarted is returned by HealthCheck before Start.
	ErrNotStarted = errors.New("engine not started")

	// ErrDisconnected is returned by HealthCheck while NATS is unreachable.
	ErrDisconnected = errors.New("nats connection lost")
)

// Service owns every runtime resource of the engine.
type Service struct {
	transport     natspkg.TransportConfig
	urlSource     func() string
	subjectPrefix string
	storeOpts     []sqlite.Option
	bufferSize    int
	engineOpts    []orchestration.Option
	middleware    []orchestration.RequestMiddleware

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics *observability.Metrics

	store      *sqlite.Store
	sink       *history.BufferedSink
	conn       *natsgo.Conn
	subscriber *natspkg.Subscriber
	engine     *orchestration.Service
}

// Option configures the engine service.
type Option func(*Service)

// WithTransport sets the NATS connection settings.
func WithTransport(config natspkg.TransportConfig) Option {
	return func(s *Service) {
		s.transport = config
	}
}

// WithURLSource resolves the NATS URL at Start, e.g. from an embedded
// server started earlier by the same runner.
func WithURLSource(source func() string) Option {
	return func(s *Service) {
		s.urlSource = source
	}
}

// WithSubjectPrefix sets the root of every NATS subject.
func WithSubjectPrefix(prefix string) Option {
	return func(s *Service) {
		s.subjectPrefix = prefix
	}
}

// WithStoreOptions configures the SQLite store.
func WithStoreOptions(opts ...sqlite.Option) Option {
	return func(s *Service) {
		s.storeOpts = append(s.storeOpts, opts...)
	}
}

// WithHistoryBufferSize bounds the number of history entries awaiting a write.
func WithHistoryBufferSize(size int) Option {
	return func(s *Service) {
		s.bufferSize = size
	}
}

// WithOrchestrationOptions passes options to the orchestration service.
func WithOrchestrationOptions(opts ...orchestration.Option) Option {
	return func(s *Service) {
		s.engineOpts = append(s.engineOpts, opts...)
	}
}

// WithMiddleware sets the request middleware, outermost first.
func WithMiddleware(middleware ...orchestration.RequestMiddleware) Option {
	return func(s *Service) {
		s.middleware = append(s.middleware, middleware...)
	}
}

// WithLogger sets the logger for the service.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithTracer sets the OpenTelemetry tracer for the service.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		s.tracer = tracer
	}
}

// WithMetrics records engine and transport metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		s.metrics = metrics
	}
}

// New creates the engine service.
func New(opts ...Option) *Service {
	s := &Service{
		transport:     natspkg.DefaultTransportConfig(),
		subjectPrefix: "flowhs",
		bufferSize:    1024,
		logger:        slog.Default(),
		tracer:        noop.NewTracerProvider().Tracer("engine"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Name() string {
	return "flowhs-engine"
}

// Start opens the store, connects to NATS and subscribes to requests and
// speaker responses.
func (s *Service) Start(ctx context.Context) (err error) {
	ctx, span := s.tracer.Start(ctx, "engine.Start")
	defer func() {
		if err != nil {
			observability.SetSpanError(ctx, err)
			s.release(context.WithoutCancel(ctx))
		}
		span.End()
	}()

	storeOpts := append([]sqlite.Option{sqlite.WithLogger(s.logger)}, s.storeOpts...)
	s.store, err = sqlite.New(ctx, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	s.warnStaleBusyFlows(ctx)

	s.sink = history.NewBufferedSink(s.store, s.bufferSize, history.WithLogger(s.logger))

	transport := s.transport
	if s.urlSource != nil {
		transport.URL = s.urlSource()
	}
	if transport.Logger == nil {
		transport.Logger = s.logger
	}
	s.conn, err = natspkg.Connect(ctx, transport)
	if err != nil {
		return err
	}

	busOpts := []natspkg.Option{natspkg.WithLogger(s.logger), natspkg.WithMetrics(s.metrics), natspkg.WithTracer(s.tracer)}
	carrier := natspkg.NewCarrier(s.conn, s.subjectPrefix, busOpts...)

	engineOpts := append([]orchestration.Option{
		orchestration.WithHistory(history.Fanout{s.sink, history.NewLogSink(s.logger)}),
		orchestration.WithLogger(s.logger),
		orchestration.WithMetrics(s.metrics),
		orchestration.WithMiddleware(s.middleware...),
	}, s.engineOpts...)
	s.engine = orchestration.NewService(s.store, carrier, engineOpts...)

	s.subscriber = natspkg.NewSubscriber(s.conn, s.subjectPrefix, busOpts...)
	if err = s.subscriber.SubscribeResponses(s.engine); err != nil {
		return err
	}
	if err = s.subscriber.SubscribeRequests(s.engine, carrier); err != nil {
		return err
	}
	if err = s.flush(ctx, transport.Timeout); err != nil {
		return fmt.Errorf("failed to flush subscriptions: %w", err)
	}

	span.SetAttributes(
		attribute.String("nats.url", s.conn.ConnectedUrl()),
		attribute.String("nats.subject_prefix", s.subjectPrefix),
	)
	s.logger.InfoContext(ctx, "flow engine started",
		slog.String("nats_url", s.conn.ConnectedUrl()),
		slog.String("subject_prefix", s.subjectPrefix),
	)
	return nil
}

// flush waits for the server to acknowledge the subscriptions. NATS needs a
// deadline, so ctx without one is bounded by timeout.
func (s *Service) flush(ctx context.Context, timeout time.Duration) error {
	if _, ok := ctx.Deadline(); !ok {
		if timeout <= 0 {
			timeout = natspkg.DefaultTransportConfig().Timeout
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return s.conn.FlushWithContext(ctx)
}

func (s *Service) warnStaleBusyFlows(ctx context.Context) {
	busy, err := s.store.FlowIDsByStatus(ctx, model.FlowStatusInProgress)
	if err != nil {
		s.logger.WarnContext(ctx, "failed to look up busy flows", slog.String("error", err.Error()))
		return
	}
	for _, flowID := range busy {
		s.logger.WarnContext(ctx, "flow left in progress by a previous run", slog.String("flow_id", flowID))
	}
}

// Stop drains subscriptions, stops operation timers, flushes history and
// closes the store.
func (s *Service) Stop(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "engine.Stop")
	defer span.End()

	err := s.release(ctx)
	if err != nil {
		observability.SetSpanError(ctx, err)
	}
	s.logger.InfoContext(ctx, "flow engine stopped")
	return err
}

func (s *Service) release(ctx context.Context) error {
	var errs []error
	if s.subscriber != nil {
		errs = append(errs, s.subscriber.Close())
		s.subscriber = nil
	}
	if s.engine != nil {
		s.engine.Close()
	}
	if s.conn != nil {
		errs = append(errs, drain(ctx, s.conn))
		s.conn = nil
	}
	if s.sink != nil {
		errs = append(errs, s.sink.Close(ctx))
		if dropped := s.sink.Dropped(); dropped > 0 {
			s.logger.WarnContext(ctx, "history entries dropped", slog.Int64("count", dropped))
		}
		s.sink = nil
	}
	if s.store != nil {
		errs = append(errs, s.store.Close())
		s.store = nil
	}
	return errors.Join(errs...)
}

// drain waits until in-flight messages are handled and the connection closes.
func drain(ctx context.Context, conn *natsgo.Conn) error {
	if err := conn.Drain(); err != nil {
		conn.Close()
		return err
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for !conn.IsClosed() {
		select {
		case <-ctx.Done():
			conn.Close()
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

// HealthCheck verifies the NATS connection and the database.
func (s *Service) HealthCheck(ctx context.Context) error {
	if s.conn == nil || s.store == nil {
		return ErrNotStarted
	}
	if !s.conn.IsConnected() {
		return ErrDisconnected
	}
	return s.store.Ping(ctx)
}

// Engine returns the orchestration service. Nil before Start.
func (s *Service) Engine() *orchestration.Service {
	return s.engine
}

// Store returns the flow store. Nil before Start.
func (s *Service) Store() *sqlite.Store {
	return s.store
}

var _ runner.HealthChecker = (*Service)(nil)
