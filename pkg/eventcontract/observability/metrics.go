package observability

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MeterName is the instrumentation scope of all instruments.
const MeterName = "eventcontract"

// MetricsRecorder records event processing metrics.
// Use NewMetricsRecorder() for OTel metrics or NoopMetrics{} when disabled.
type MetricsRecorder interface {
	// RecordProcessed records one envelope reaching a terminal outcome.
	RecordProcessed(ctx context.Context, eventType, outcome string, duration time.Duration)

	// RecordFailure records a classified failure.
	RecordFailure(ctx context.Context, eventType, category string)

	// RecordDeadLetter records a record sent to a dead-letter sink.
	RecordDeadLetter(ctx context.Context, eventType, reason string)

	// RecordValidation records a payload validation result.
	RecordValidation(ctx context.Context, eventType string, valid bool)
}

// otelMetrics implements MetricsRecorder using OpenTelemetry.
type otelMetrics struct {
	processed    metric.Int64Counter
	latency      metric.Float64Histogram
	failures     metric.Int64Counter
	deadLettered metric.Int64Counter
	validations  metric.Int64Counter
}

// newOtelMetrics creates instruments on the current global meter provider.
func newOtelMetrics() (*otelMetrics, error) {
	meter := otel.Meter(MeterName)

	processed, err := meter.Int64Counter("eventcontract.events.processed",
		metric.WithDescription("Number of envelopes reaching a terminal outcome"),
	)
	if err != nil {
		return nil, err
	}

	latency, err := meter.Float64Histogram("eventcontract.events.latency_ms",
		metric.WithDescription("Envelope processing latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	failures, err := meter.Int64Counter("eventcontract.events.failures",
		metric.WithDescription("Number of classified processing failures"),
	)
	if err != nil {
		return nil, err
	}

	deadLettered, err := meter.Int64Counter("eventcontract.events.dead_lettered",
		metric.WithDescription("Number of records sent to dead-letter sinks"),
	)
	if err != nil {
		return nil, err
	}

	validations, err := meter.Int64Counter("eventcontract.schema.validations",
		metric.WithDescription("Number of payload validations"),
	)
	if err != nil {
		return nil, err
	}

	return &otelMetrics{
		processed:    processed,
		latency:      latency,
		failures:     failures,
		deadLettered: deadLettered,
		validations:  validations,
	}, nil
}

// NewMetricsRecorder returns a MetricsRecorder that uses OpenTelemetry.
// If metrics initialization fails, returns a no-op recorder.
//
// The recorder binds to the global OTel meter provider at call time. Configure
// the provider first:
//
//	import "go.opentelemetry.io/otel"
//	otel.SetMeterProvider(yourProvider)
func NewMetricsRecorder() MetricsRecorder {
	m, err := newOtelMetrics()
	if err != nil {
		slog.Warn("metrics initialization failed, using no-op recorder",
			slog.String("error", err.Error()))
		return NoopMetrics{}
	}
	return m
}

// RecordProcessed implements MetricsRecorder.
func (m *otelMetrics) RecordProcessed(ctx context.Context, eventType, outcome string, duration time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("outcome", outcome),
	)
	m.processed.Add(ctx, 1, attrs)
	m.latency.Record(ctx, float64(duration.Microseconds())/1000, attrs)
}

// RecordFailure implements MetricsRecorder.
func (m *otelMetrics) RecordFailure(ctx context.Context, eventType, category string) {
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("category", category),
	))
}

// RecordDeadLetter implements MetricsRecorder.
func (m *otelMetrics) RecordDeadLetter(ctx context.Context, eventType, reason string) {
	m.deadLettered.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.String("reason", reason),
	))
}

// RecordValidation implements MetricsRecorder.
func (m *otelMetrics) RecordValidation(ctx context.Context, eventType string, valid bool) {
	m.validations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("event_type", eventType),
		attribute.Bool("valid", valid),
	))
}
