package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/envelope"
	ecerrors "github.com/randalmurphal/eventcontract/pkg/eventcontract/errors"
)

// Handler runs the business logic for one event type.
//
// The returned value is stored in the idempotency ledger as the event's
// result and handed back unchanged on every later duplicate delivery. It
// must be JSON-encodable; a json.RawMessage is stored as is.
//
// Errors are classified with errors.Categorize. Return errors.Permanent to
// dead-letter the event immediately instead of waiting for redelivery.
type Handler interface {
	Handle(ctx context.Context, env envelope.Envelope) (any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env envelope.Envelope) (any, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env envelope.Envelope) (any, error) {
	return f(ctx, env)
}

// Middleware wraps a handler with cross-cutting behavior.
type Middleware func(next Handler) Handler

// Chain applies middleware in order, with the first middleware outermost.
func Chain(h Handler, middleware ...Middleware) Handler {
	for i := len(middleware) - 1; i >= 0; i-- {
		h = middleware[i](h)
	}
	return h
}

// Recovery turns a handler panic into a retryable processing error.
func Recovery() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx context.Context, env envelope.Envelope) (result any, err error) {
			defer func() {
				if r := recover(); r != nil {
					err = ecerrors.Processing(fmt.Errorf("handler panic: %v", r), env.EventType)
				}
			}()
			return next.Handle(ctx, env)
		})
	}
}

// Timeout bounds each handler call. A handler that honors ctx and runs out
// of time fails with a retryable error.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		if d <= 0 {
			return next
		}
		return HandlerFunc(func(ctx context.Context, env envelope.Envelope) (any, error) {
			ctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			return next.Handle(ctx, env)
		})
	}
}
