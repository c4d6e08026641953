package deadletter

import (
	"context"
	"log/slog"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/observability"
)

// LogSink writes each record as a structured log line. Useful when no queue
// is available and as a second sink next to a durable one.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a sink that logs to logger. A nil logger uses slog.Default.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger}
}

// Send implements Sink.
func (s *LogSink) Send(_ context.Context, rec Record) error {
	observability.LogDeadLettered(s.logger,
		rec.Event.EventID,
		rec.Event.EventType,
		string(rec.Reason),
		string(rec.Category),
		rec.Message,
	)
	return nil
}
