// Package deadletter holds events whose processing failed in a way retrying
// cannot fix. Records keep the original envelope so an operator can replay it
// after correcting the cause.
package deadletter

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/envelope"
	ecerrors "github.com/randalmurphal/eventcontract/pkg/eventcontract/errors"
)

// Reason is the machine-readable cause of a dead-lettered event.
type Reason string

const (
	ReasonSchemaMissing           Reason = "schema-missing"
	ReasonValidationFailed        Reason = "validation-failed"
	ReasonMaxRetriesExceeded      Reason = "max-retries-exceeded"
	ReasonHandlerPermanentFailure Reason = "handler-permanent-failure"
)

// Reasons lists every defined reason.
func Reasons() []Reason {
	return []Reason{
		ReasonSchemaMissing,
		ReasonValidationFailed,
		ReasonMaxRetriesExceeded,
		ReasonHandlerPermanentFailure,
	}
}

// Valid reports whether r is one of the defined reasons.
func (r Reason) Valid() bool {
	switch r {
	case ReasonSchemaMissing, ReasonValidationFailed, ReasonMaxRetriesExceeded, ReasonHandlerPermanentFailure:
		return true
	}
	return false
}

// Record is one dead-lettered event.
type Record struct {
	// Event is the envelope as it was delivered.
	Event envelope.Envelope `json:"event"`

	// DeadLetter is the derived "<type>.dead-letter" envelope, ready to be
	// published by a transport.
	DeadLetter envelope.Envelope `json:"dead_letter"`

	Reason    Reason            `json:"reason"`
	Message   string            `json:"message"`
	Error     string            `json:"error,omitempty"`
	Category  ecerrors.Category `json:"category"`
	Attempts  int               `json:"attempts,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

// NewRecord builds a record stamped at, and a derived dead-letter envelope
// occurring at the same instant. When the envelope cannot be derived (a
// malformed original payload, for instance) the record is still returned,
// without DeadLetter, together with the error.
func NewRecord(event envelope.Envelope, reason Reason, message string, cause error, at time.Time) (Record, error) {
	if !reason.Valid() {
		return Record{}, fmt.Errorf("unknown dead-letter reason %q", reason)
	}

	rec := Record{
		Event:     event,
		Reason:    reason,
		Message:   message,
		Category:  ecerrors.Categorize(cause),
		Timestamp: at.UTC(),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}

	dl, err := envelope.NewDeadLetter(event, string(reason), cause, envelope.WithOccurredAt(at))
	if err != nil {
		return rec, fmt.Errorf("derive dead-letter envelope: %w", err)
	}
	rec.DeadLetter = dl
	return rec, nil
}

// Sink accepts dead-letter records. Delivery is fire-and-forget from the
// pipeline's point of view: a Send error is logged, never propagated.
type Sink interface {
	Send(ctx context.Context, rec Record) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, rec Record) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, rec Record) error {
	return f(ctx, rec)
}

// MultiSink sends each record to every sink and joins their errors.
type MultiSink []Sink

// Send implements Sink.
func (m MultiSink) Send(ctx context.Context, rec Record) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Send(ctx, rec))
	}
	return err
}
