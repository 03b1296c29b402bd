package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/flowhs/pkg/observability"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/speaker"
	"go.opentelemetry.io/otel/propagation"
)

// ResponseHandler consumes speaker responses.
type ResponseHandler interface {
	HandleResponse(ctx context.Context, resp speaker.Response)
}

// Subscriber feeds inbound requests and speaker responses to the engine.
type Subscriber struct {
	nc         *nats.Conn
	subjects   Subjects
	metrics    *observability.Metrics
	logger     *slog.Logger
	propagator propagation.TextMapPropagator

	mu   sync.Mutex
	subs []*nats.Subscription
}

// NewSubscriber creates a subscriber listening under prefix.
func NewSubscriber(nc *nats.Conn, prefix string, opts ...Option) *Subscriber {
	o := newOptions(opts)
	return &Subscriber{
		nc:         nc,
		subjects:   Subjects{Prefix: prefix},
		metrics:    o.metrics,
		logger:     o.logger,
		propagator: o.propagator,
	}
}

// SubscribeResponses delivers every speaker response to handler.
func (s *Subscriber) SubscribeResponses(handler ResponseHandler) error {
	return s.subscribe(s.subjects.SpeakerResponse(), func(ctx context.Context, msg *nats.Msg) {
		var resp speaker.Response
		if err := json.Unmarshal(msg.Data, &resp); err != nil {
			s.logger.WarnContext(ctx, "Dropping malformed speaker response",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}
		handler.HandleResponse(ctx, resp)
	})
}

// SubscribeRequests delivers northbound requests to handler. Requests that
// cannot be decoded or fail validation are answered with a rejected result
// through carrier.
func (s *Subscriber) SubscribeRequests(handler orchestration.RequestHandler, carrier orchestration.Carrier) error {
	return s.subscribe(s.subjects.Request(), func(ctx context.Context, msg *nats.Msg) {
		var req orchestration.Request
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.logger.WarnContext(ctx, "Dropping malformed flow request",
				slog.String("subject", msg.Subject),
				slog.String("error", err.Error()),
			)
			return
		}

		err := handler.Handle(ctx, req)
		switch {
		case err == nil:
		case errors.Is(err, orchestration.ErrOperationInProgress):
			// already answered by the service
		case errors.Is(err, orchestration.ErrValidation):
			s.reject(ctx, carrier, req, err)
		default:
			s.logger.ErrorContext(ctx, "Failed to handle flow request",
				slog.String("request_id", req.RequestID),
				slog.String("flow_id", req.FlowID),
				slog.String("error", err.Error()),
			)
		}
	})
}

func (s *Subscriber) reject(ctx context.Context, carrier orchestration.Carrier, req orchestration.Request, cause error) {
	verr := orchestration.AsValidationError(cause)
	result := orchestration.Result{
		RequestID:      req.RequestID,
		FlowID:         req.FlowID,
		Kind:           req.Kind,
		Classification: orchestration.ClassificationRejected,
		ErrorType:      verr.Type,
		Message:        verr.Message,
	}
	if err := carrier.SendNorthboundResponse(ctx, result); err != nil {
		s.logger.ErrorContext(ctx, "Failed to send northbound response",
			slog.String("flow_id", req.FlowID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *Subscriber) subscribe(subject string, fn func(context.Context, *nats.Msg)) error {
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		ctx := context.Background()
		if msg.Header != nil {
			ctx = s.propagator.Extract(ctx, headerCarrier(msg.Header))
		}
		s.metrics.RecordNATSReceive(ctx, msg.Subject)
		fn(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	s.mu.Lock()
	s.subs = append(s.subs, sub)
	s.mu.Unlock()
	return nil
}

// Close drains all subscriptions.
func (s *Subscriber) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, sub := range s.subs {
		if err := sub.Drain(); err != nil {
			errs = append(errs, err)
		}
	}
	s.subs = nil
	return errors.Join(errs...)
}
