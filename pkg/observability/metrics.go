package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds all metric instruments of the flow orchestration engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Operation metrics
	OperationsStarted  metric.Int64Counter
	OperationsFinished metric.Int64Counter
	OperationDuration  metric.Float64Histogram
	OperationsActive   metric.Int64UpDownCounter

	// Speaker command metrics
	CommandsDispatched   metric.Int64Counter
	CommandsRetried      metric.Int64Counter
	CommandsFailed       metric.Int64Counter
	UnsolicitedResponses metric.Int64Counter

	// NATS metrics
	NATSPublishLatency metric.Float64Histogram
	NATSMessages       metric.Int64Counter
}

// NewMetrics creates all metric instruments
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	// Operation metrics
	m.OperationsStarted, err = meter.Int64Counter(
		"flowhs.operation.started",
		metric.WithDescription("Flow operations accepted for processing"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating operation.started: %w", err)
	}

	m.OperationsFinished, err = meter.Int64Counter(
		"flowhs.operation.finished",
		metric.WithDescription("Flow operations finished, by outcome"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating operation.finished: %w", err)
	}

	m.OperationDuration, err = meter.Float64Histogram(
		"flowhs.operation.duration",
		metric.WithDescription("Flow operation duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating operation.duration: %w", err)
	}

	m.OperationsActive, err = meter.Int64UpDownCounter(
		"flowhs.operation.active",
		metric.WithDescription("Flow operations currently in flight"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating operation.active: %w", err)
	}

	// Speaker command metrics
	m.CommandsDispatched, err = meter.Int64Counter(
		"flowhs.command.dispatched",
		metric.WithDescription("Speaker commands sent, including re-sends"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.dispatched: %w", err)
	}

	m.CommandsRetried, err = meter.Int64Counter(
		"flowhs.command.retried",
		metric.WithDescription("Speaker commands re-sent after an error response"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.retried: %w", err)
	}

	m.CommandsFailed, err = meter.Int64Counter(
		"flowhs.command.failed",
		metric.WithDescription("Speaker commands permanently failed"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating command.failed: %w", err)
	}

	m.UnsolicitedResponses, err = meter.Int64Counter(
		"flowhs.response.unsolicited",
		metric.WithDescription("Speaker responses matching no pending command"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating response.unsolicited: %w", err)
	}

	// NATS metrics
	m.NATSPublishLatency, err = meter.Float64Histogram(
		"flowhs.nats.publish.latency",
		metric.WithDescription("NATS publish latency in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats.publish.latency: %w", err)
	}

	m.NATSMessages, err = meter.Int64Counter(
		"flowhs.nats.messages",
		metric.WithDescription("Total NATS messages published/received"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nats.messages: %w", err)
	}

	return m, nil
}

// RecordOperationStarted records an accepted operation
func (m *Metrics) RecordOperationStarted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.OperationsStarted.Add(ctx, 1, attrs)
	m.OperationsActive.Add(ctx, 1, attrs)
}

// RecordOperationFinished records the outcome and duration of an operation
func (m *Metrics) RecordOperationFinished(ctx context.Context, kind, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("kind", kind),
		attribute.String("outcome", outcome),
	}

	m.OperationsFinished.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.OperationDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.OperationsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordCommandDispatched records a speaker command sent to a switch
func (m *Metrics) RecordCommandDispatched(ctx context.Context, kind string, retry bool) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("command_kind", kind))
	m.CommandsDispatched.Add(ctx, 1, attrs)
	if retry {
		m.CommandsRetried.Add(ctx, 1, attrs)
	}
}

// RecordCommandFailed records a command moved to the failed set
func (m *Metrics) RecordCommandFailed(ctx context.Context, kind, errorCode string) {
	if m == nil {
		return
	}
	m.CommandsFailed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("command_kind", kind),
		attribute.String("error_code", errorCode),
	))
}

// RecordUnsolicitedResponse records a response that matched no pending command
func (m *Metrics) RecordUnsolicitedResponse(ctx context.Context) {
	if m == nil {
		return
	}
	m.UnsolicitedResponses.Add(ctx, 1)
}

// RecordNATSPublish records NATS publish metrics
func (m *Metrics) RecordNATSPublish(ctx context.Context, subject string, duration time.Duration, messageCount int) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("subject", subject),
		attribute.String("direction", "publish"),
	}

	m.NATSPublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.NATSMessages.Add(ctx, int64(messageCount), metric.WithAttributes(attrs...))
}

// RecordNATSReceive records a message consumed from NATS
func (m *Metrics) RecordNATSReceive(ctx context.Context, subject string) {
	if m == nil {
		return
	}
	m.NATSMessages.Add(ctx, 1, metric.WithAttributes(
		attribute.String("subject", subject),
		attribute.String("direction", "receive"),
	))
}
