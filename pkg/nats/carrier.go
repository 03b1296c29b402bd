package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/plaenen/flowhs/pkg/observability"
	"github.com/plaenen/flowhs/pkg/orchestration"
	"github.com/plaenen/flowhs/pkg/speaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Carrier publishes speaker requests and operation results.
// It implements orchestration.Carrier.
type Carrier struct {
	nc         *nats.Conn
	subjects   Subjects
	metrics    *observability.Metrics
	logger     *slog.Logger
	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
}

// Option configures a Carrier or Subscriber.
type Option func(*options)

type options struct {
	metrics    *observability.Metrics
	logger     *slog.Logger
	propagator propagation.TextMapPropagator
	tracer     trace.Tracer
}

// WithMetrics records publish and receive metrics.
func WithMetrics(metrics *observability.Metrics) Option {
	return func(o *options) {
		o.metrics = metrics
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithPropagator overrides the global text map propagator.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(o *options) {
		o.propagator = propagator
	}
}

// WithTracer sets the tracer of speaker request spans. The global
// provider is used otherwise.
func WithTracer(tracer trace.Tracer) Option {
	return func(o *options) {
		o.tracer = tracer
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:     slog.Default(),
		propagator: otel.GetTextMapPropagator(),
		tracer:     otel.Tracer("github.com/plaenen/flowhs/pkg/nats"),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewCarrier creates a carrier publishing under prefix.
func NewCarrier(nc *nats.Conn, prefix string, opts ...Option) *Carrier {
	o := newOptions(opts)
	return &Carrier{
		nc:         nc,
		subjects:   Subjects{Prefix: prefix},
		metrics:    o.metrics,
		logger:     o.logger,
		propagator: o.propagator,
		tracer:     o.tracer,
	}
}

// SendSpeakerRequest publishes req to the agent of its switch. The agent
// sees the producer span as parent.
func (c *Carrier) SendSpeakerRequest(ctx context.Context, req speaker.Request) error {
	ctx, span := observability.StartSpan(ctx, c.tracer, "speaker.send",
		observability.WithSpanKind(trace.SpanKindProducer),
		observability.WithAttributes(observability.CommandAttrs(req.CommandID, string(req.Kind), req.SwitchID.String())...),
		observability.WithAttributes(observability.AttrFlowID.String(req.FlowID)),
	)
	err := c.publish(ctx, c.subjects.Speaker(req.SwitchID.String()), req)
	observability.EndSpan(span, err)
	return err
}

// SendNorthboundResponse publishes the result of an operation.
func (c *Carrier) SendNorthboundResponse(ctx context.Context, result orchestration.Result) error {
	return c.publish(ctx, c.subjects.Northbound(result.FlowID), result)
}

func (c *Carrier) publish(ctx context.Context, subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal message for %s: %w", subject, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	c.propagator.Inject(ctx, headerCarrier(msg.Header))

	start := time.Now()
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	c.metrics.RecordNATSPublish(ctx, subject, time.Since(start), 1)

	c.logger.DebugContext(ctx, "Published message",
		slog.String("subject", subject),
		slog.Int("bytes", len(data)),
	)
	return nil
}

// headerCarrier adapts nats.Header to propagation.TextMapCarrier.
type headerCarrier nats.Header

func (h headerCarrier) Get(key string) string {
	return nats.Header(h).Get(key)
}

func (h headerCarrier) Set(key, value string) {
	nats.Header(h).Set(key, value)
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
