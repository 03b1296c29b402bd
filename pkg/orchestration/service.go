package orchestration

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/plaenen/flowhs/pkg/command"
	"github.com/plaenen/flowhs/pkg/history"
	"github.com/plaenen/flowhs/pkg/observability"
	"github.com/plaenen/flowhs/pkg/speaker"
)

// Service hosts the running instances: at most one per flow. It routes
// speaker responses to the instance that dispatched the command.
type Service struct {
	deps       Dependencies
	timeout    time.Duration
	middleware []RequestMiddleware

	mu        sync.Mutex
	byFlow    map[string]*Instance
	byCommand map[string]*Instance
	timers    map[*Instance]*time.Timer
}

// Option configures a Service.
type Option func(*Service)

// WithValidator sets the domain validator run before the busy marker is set.
func WithValidator(validator FlowValidator) Option {
	return func(s *Service) {
		s.deps.Validator = validator
	}
}

// WithBuilder sets the command factory.
func WithBuilder(builder *command.Builder) Option {
	return func(s *Service) {
		s.deps.Builder = builder
	}
}

// WithHistory sets the history sink.
func WithHistory(sink history.Sink) Option {
	return func(s *Service) {
		s.deps.History = sink
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.deps.Logger = logger
	}
}

// WithMetrics sets the metric instruments.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(s *Service) {
		s.deps.Metrics = metrics
	}
}

// WithRetriesLimit sets how many error responses a command may receive;
// the response reaching the limit fails the command.
func WithRetriesLimit(limit int) Option {
	return func(s *Service) {
		s.deps.RetriesLimit = limit
	}
}

// WithOperationTimeout fails every command still pending after d.
// Zero disables the timeout.
func WithOperationTimeout(d time.Duration) Option {
	return func(s *Service) {
		s.timeout = d
	}
}

// WithMiddleware appends request middleware; see Use.
func WithMiddleware(middleware ...RequestMiddleware) Option {
	return func(s *Service) {
		s.middleware = append(s.middleware, middleware...)
	}
}

// NewService creates a service on top of the given repository and carrier.
func NewService(repo FlowRepository, carrier Carrier, opts ...Option) *Service {
	s := &Service{
		deps: Dependencies{
			Repository: repo,
			Carrier:    carrier,
		},
		byFlow:    make(map[string]*Instance),
		byCommand: make(map[string]*Instance),
		timers:    make(map[*Instance]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.deps = s.deps.withDefaults()
	return s
}

// Use adds middleware to the request pipeline.
// Middleware is executed in the order it was added (first added = outermost).
func (s *Service) Use(middleware RequestMiddleware) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.middleware = append(s.middleware, middleware)
}

// Handle passes req through the middleware chain and starts an instance.
func (s *Service) Handle(ctx context.Context, req Request) error {
	s.mu.Lock()
	middleware := s.middleware
	s.mu.Unlock()

	var handler RequestHandler = RequestHandlerFunc(func(ctx context.Context, req Request) error {
		_, err := s.Submit(ctx, req)
		return err
	})
	for i := len(middleware) - 1; i >= 0; i-- {
		handler = middleware[i](handler)
	}

	return handler.Handle(ctx, req)
}

// Submit starts an instance for req without middleware. It fails only when
// an instance for the same flow is already running here; every other
// outcome is reported through the carrier.
func (s *Service) Submit(ctx context.Context, req Request) (*Instance, error) {
	in := NewInstance(req, s.deps)
	in.onDispatch = s.route
	in.onFinish = s.release

	s.mu.Lock()
	if _, busy := s.byFlow[req.FlowID]; busy {
		s.mu.Unlock()
		s.rejectBusy(ctx, req)
		return nil, fmt.Errorf("%w: %s", ErrOperationInProgress, req.FlowID)
	}
	s.byFlow[req.FlowID] = in
	s.mu.Unlock()

	s.deps.Metrics.RecordOperationStarted(ctx, string(req.Kind))
	in.Start(ctx)
	s.armTimeout(ctx, in)
	return in, nil
}

// armTimeout starts the operation timer once Start has returned, so the
// timeout always finds the instance awaiting responses or finished.
func (s *Service) armTimeout(ctx context.Context, in *Instance) {
	if s.timeout <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byFlow[in.req.FlowID] != in {
		return
	}
	timeoutCtx := context.WithoutCancel(ctx)
	s.timers[in] = time.AfterFunc(s.timeout, func() {
		in.Timeout(timeoutCtx)
	})
}

func (s *Service) rejectBusy(ctx context.Context, req Request) {
	result := resultFor(req)
	result.Classification = ClassificationRejected
	result.ErrorType = ErrorTypeRequestInvalid
	result.Message = fmt.Sprintf("Flow %s is in progress", req.FlowID)

	if err := s.deps.Carrier.SendNorthboundResponse(ctx, result); err != nil {
		s.deps.Logger.ErrorContext(ctx, "Failed to send northbound response",
			slog.String("flow_id", req.FlowID),
			slog.String("error", err.Error()),
		)
	}
}

// HandleResponse routes a speaker response to its instance. Responses for
// unknown commands are logged and dropped.
func (s *Service) HandleResponse(ctx context.Context, resp speaker.Response) {
	s.mu.Lock()
	in, ok := s.byCommand[resp.CommandID]
	s.mu.Unlock()

	if !ok {
		s.deps.Metrics.RecordUnsolicitedResponse(ctx)
		s.deps.Logger.WarnContext(ctx, "Received response for unknown command",
			slog.String("command_id", resp.CommandID),
			slog.String("switch_id", resp.SwitchID.String()),
		)
		return
	}
	in.HandleResponse(ctx, resp)
}

// Active returns the ids of flows with a running instance, sorted.
func (s *Service) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	flows := make([]string, 0, len(s.byFlow))
	for flowID := range s.byFlow {
		flows = append(flows, flowID)
	}
	slices.Sort(flows)
	return flows
}

// Instance returns the running instance of a flow.
func (s *Service) Instance(flowID string) (*Instance, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.byFlow[flowID]
	return in, ok
}

// Close stops pending operation timers. Running instances are left as they are.
func (s *Service) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for in, timer := range s.timers {
		timer.Stop()
		delete(s.timers, in)
	}
}

func (s *Service) route(in *Instance, commandID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byCommand[commandID] = in
}

func (s *Service) release(in *Instance, commandIDs []string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.byFlow[in.req.FlowID] == in {
		delete(s.byFlow, in.req.FlowID)
	}
	for _, id := range commandIDs {
		if s.byCommand[id] == in {
			delete(s.byCommand, id)
		}
	}
	if timer, ok := s.timers[in]; ok {
		timer.Stop()
		delete(s.timers, in)
	}
}
