// Package observability provides structured logging, metrics, and tracing
// for event contract processing.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every logging helper accepts a nil logger and does nothing with it.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event context to a logger.
//
// Example:
//
//	enriched := EnrichLogger(logger, env.EventID, env.EventType, env.CorrelationID)
//	enriched.Info("charging card") // includes event_id, event_type, correlation_id
func EnrichLogger(logger *slog.Logger, eventID, eventType, correlationID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("correlation_id", correlationID),
	)
}

// LogSchemaLoaded logs one schema file loaded into a registry.
func LogSchemaLoaded(logger *slog.Logger, schemaID, version, path string) {
	if logger == nil {
		return
	}
	logger.Debug("schema loaded",
		slog.String("schema_id", schemaID),
		slog.String("version", version),
		slog.String("path", path),
	)
}

// LogSchemaLoadFailed logs a schema file skipped during bulk load (non-fatal).
func LogSchemaLoadFailed(logger *slog.Logger, path string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("schema load failed",
		slog.String("path", path),
		slog.String("error", err.Error()),
	)
}

// LogEventDelivered logs a successfully handled event.
func LogEventDelivered(logger *slog.Logger, eventID, eventType string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("event delivered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogEventDuplicate logs a redelivery suppressed by the ledger.
func LogEventDuplicate(logger *slog.Logger, eventID, eventType string) {
	if logger == nil {
		return
	}
	logger.Debug("duplicate event skipped",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
	)
}

// LogEventRejected logs an event that failed validation or handling.
func LogEventRejected(logger *slog.Logger, eventID, eventType, category string, retryable bool, message string) {
	if logger == nil {
		return
	}
	logger.Warn("event rejected",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("category", category),
		slog.Bool("retryable", retryable),
		slog.String("message", message),
	)
}

// LogDeadLettered logs an event routed to a dead-letter sink.
func LogDeadLettered(logger *slog.Logger, eventID, eventType, reason, category, message string) {
	if logger == nil {
		return
	}
	logger.Warn("event dead-lettered",
		slog.String("event_id", eventID),
		slog.String("event_type", eventType),
		slog.String("reason", reason),
		slog.String("category", category),
		slog.String("message", message),
	)
}

// LogDeadLetterFailed logs a dead-letter sink that refused a record.
func LogDeadLetterFailed(logger *slog.Logger, eventID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("dead-letter delivery failed",
		slog.String("event_id", eventID),
		slog.String("error", err.Error()),
	)
}

// LogLedgerError logs a failed ledger operation.
func LogLedgerError(logger *slog.Logger, eventID, op string, err error) {
	if logger == nil {
		return
	}
	logger.Error("ledger operation failed",
		slog.String("event_id", eventID),
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
