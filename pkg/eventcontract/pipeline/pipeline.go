// Package pipeline processes event envelopes exactly once in effect.
//
// Each envelope moves through lookup, validation, claim, dispatch and commit
// and ends in one of four outcomes:
//
//	DELIVERED      the handler succeeded and its result was committed
//	DUPLICATE      the ledger already held a result for the event id
//	REJECTED       the event failed and nothing was recorded
//	DEAD_LETTERED  the event failed for good and went to the dead-letter sink
//
// The ledger is written only after a handler succeeds, so every failure
// stays retryable by redelivery. Contract failures (malformed envelope,
// missing schema, invalid payload) are REJECTED and also forwarded to the
// dead-letter sink, since redelivering the same envelope cannot fix them.
//
// Basic usage:
//
//	p := pipeline.New(registry, ledger.NewMemoryLedger(),
//	    pipeline.WithDeadLetterSink(sink),
//	    pipeline.WithLogger(logger),
//	)
//	p.Handle("order.created", func(ctx context.Context, env envelope.Envelope) (any, error) {
//	    return chargeCard(ctx, env)
//	})
//	result := p.Process(ctx, env)
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/deadletter"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/envelope"
	ecerrors "github.com/randalmurphal/eventcontract/pkg/eventcontract/errors"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/ledger"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/observability"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/registry"
)

// Outcome is the terminal state of one envelope.
type Outcome string

const (
	OutcomeDelivered    Outcome = "DELIVERED"
	OutcomeDuplicate    Outcome = "DUPLICATE"
	OutcomeRejected     Outcome = "REJECTED"
	OutcomeDeadLettered Outcome = "DEAD_LETTERED"
)

// Succeeded reports whether the event's effect is in place.
func (o Outcome) Succeeded() bool {
	return o == OutcomeDelivered || o == OutcomeDuplicate
}

const (
	// DefaultMaxAttempts is the retryable failure budget per event id.
	DefaultMaxAttempts = 5

	// DefaultAttemptWindow is how long a retryable failure counts towards
	// the budget. Event ids never redelivered are dropped after it.
	DefaultAttemptWindow = time.Hour

	// commitTimeout bounds the ledger writes made after a handler returned.
	commitTimeout = 30 * time.Second
)

// Validator checks an envelope and its payload. *schema.Registry implements it.
type Validator interface {
	ValidateEvent(env envelope.Envelope) envelope.ValidationResult
}

// Failure describes why an event did not succeed.
type Failure struct {
	Category  ecerrors.Category
	Retryable bool
	Message   string

	// Reason is set when the event was forwarded to the dead-letter sink.
	Reason deadletter.Reason

	Err error
}

// Result is the outcome of processing one envelope.
type Result struct {
	EventID   string
	EventType string
	Outcome   Outcome

	// Value is the handler result: fresh for DELIVERED, from the ledger for
	// DUPLICATE.
	Value json.RawMessage

	// Validation holds the failed validation result for contract rejections.
	Validation *envelope.ValidationResult

	// Attempts counts retryable handler failures for the event so far.
	Attempts int

	Failure  *Failure
	Duration time.Duration
}

// Err returns the failure cause, or nil when the event succeeded.
func (r Result) Err() error {
	if r.Failure == nil {
		return nil
	}
	return r.Failure.Err
}

// Pipeline validates, deduplicates and dispatches envelopes.
// It is safe for concurrent use by many consumer workers.
type Pipeline struct {
	validator   Validator
	ledger      ledger.Ledger
	handlers    *registry.Registry[string, Handler]
	middleware  []Middleware
	sink        deadletter.Sink
	attempts    *attemptTracker
	maxAttempts int
	commitRetry ecerrors.RetryPolicy
	concurrency int

	logger  *slog.Logger
	metrics observability.MetricsRecorder
	spans   observability.SpanManager
	now     func() time.Time
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger. A nil logger disables logging.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

// WithMetrics sets the metrics recorder.
func WithMetrics(m observability.MetricsRecorder) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithSpans sets the span manager.
func WithSpans(s observability.SpanManager) Option {
	return func(p *Pipeline) {
		if s != nil {
			p.spans = s
		}
	}
}

// WithDeadLetterSink sets where non-retryable failures are sent.
// Without one, such failures are only logged.
func WithDeadLetterSink(sink deadletter.Sink) Option {
	return func(p *Pipeline) {
		p.sink = sink
	}
}

// WithMaxAttempts sets how many retryable handler failures an event may
// accumulate before it is dead-lettered.
func WithMaxAttempts(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

// WithAttemptWindow forgets failures older than d. Non-positive values keep
// DefaultAttemptWindow.
func WithAttemptWindow(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.attempts.window = d
		}
	}
}

// WithCommitRetry sets the retry policy for ledger commits.
func WithCommitRetry(policy ecerrors.RetryPolicy) Option {
	return func(p *Pipeline) {
		p.commitRetry = policy
	}
}

// WithBatchConcurrency sets how many envelopes ProcessBatch handles at once.
func WithBatchConcurrency(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithMiddleware adds middleware applied to handlers registered afterwards.
func WithMiddleware(mw ...Middleware) Option {
	return func(p *Pipeline) {
		p.middleware = append(p.middleware, mw...)
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		if now != nil {
			p.now = now
			p.attempts.now = now
		}
	}
}

// New creates a pipeline that validates with v and deduplicates with l.
func New(v Validator, l ledger.Ledger, opts ...Option) *Pipeline {
	p := &Pipeline{
		validator:   v,
		ledger:      l,
		handlers:    registry.New[string, Handler](),
		attempts:    newAttemptTracker(DefaultAttemptWindow, time.Now),
		maxAttempts: DefaultMaxAttempts,
		commitRetry: ecerrors.DefaultRetry,
		concurrency: 1,
		metrics:     observability.NoopMetrics{},
		spans:       observability.NoopSpanManager{},
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.commitRetry.Retryable == nil {
		p.commitRetry.Retryable = func(err error) bool {
			return !errors.Is(err, ledger.ErrClosed) && ecerrors.IsRetryable(err)
		}
	}
	return p
}

// Register routes eventType to h. A later registration replaces an earlier one.
func (p *Pipeline) Register(eventType string, h Handler) {
	p.handlers.Register(eventType, Chain(h, p.middleware...))
}

// Handle registers a handler function for eventType.
func (p *Pipeline) Handle(eventType string, fn func(ctx context.Context, env envelope.Envelope) (any, error)) {
	p.Register(eventType, HandlerFunc(fn))
}

// EventTypes lists the event types with a registered handler, sorted.
func (p *Pipeline) EventTypes() []string {
	return registry.SortedKeys(p.handlers)
}

// Attempts returns the retryable failures recorded for eventID.
func (p *Pipeline) Attempts(eventID string) int {
	return p.attempts.count(eventID)
}

// Process runs one envelope to a terminal outcome. Failures are reported in
// the result; Process never panics on a bad envelope.
func (p *Pipeline) Process(ctx context.Context, env envelope.Envelope) Result {
	start := p.now()
	ctx, span := p.spans.StartProcessSpan(ctx, env.EventID, env.EventType, env.EventVersion)

	res := p.process(ctx, env)
	res.Duration = p.now().Sub(start)

	p.metrics.RecordProcessed(ctx, env.EventType, string(res.Outcome), res.Duration)
	p.spans.EndSpanWithError(span, res.Err())
	return res
}

func (p *Pipeline) process(ctx context.Context, env envelope.Envelope) Result {
	logger := observability.EnrichLogger(p.logger, env.EventID, env.EventType, env.CorrelationID)
	base := Result{EventID: env.EventID, EventType: env.EventType}

	if env.EventID != "" {
		rec, found, err := p.ledger.Lookup(ctx, env.EventID)
		if err != nil {
			observability.LogLedgerError(logger, env.EventID, "lookup", err)
			return p.retryLater(ctx, logger, base, ledgerFailure(err, "ledger lookup"))
		}
		if found {
			return p.duplicate(ctx, logger, base, rec)
		}
	}

	vr := p.validator.ValidateEvent(env)
	p.metrics.RecordValidation(ctx, env.EventType, vr.Valid)
	p.spans.AddSpanEvent(ctx, "validated", attribute.Bool("valid", vr.Valid))
	if !vr.Valid {
		return p.rejectContract(ctx, logger, base, env, vr)
	}

	claimed, err := p.ledger.Claim(ctx, env.EventID)
	if err != nil {
		observability.LogLedgerError(logger, env.EventID, "claim", err)
		return p.retryLater(ctx, logger, base, ledgerFailure(err, "ledger claim"))
	}
	if !claimed {
		rec, found, err := p.ledger.Lookup(ctx, env.EventID)
		if err == nil && found {
			return p.duplicate(ctx, logger, base, rec)
		}
		return p.retryLater(ctx, logger, base, ecerrors.Processing(ledger.ErrInFlight, "ledger claim"))
	}

	h, ok := p.handlers.Get(env.EventType)
	if !ok {
		p.release(ctx, logger, env.EventID)
		cause := ecerrors.Permanent(fmt.Errorf("no handler registered for %s", env.EventType), "dispatch")
		return p.deadLetter(ctx, logger, base, env, deadletter.ReasonHandlerPermanentFailure, cause)
	}

	done := observability.TimedOperation()
	value, err := p.dispatch(ctx, h, env)
	if err != nil {
		p.release(ctx, logger, env.EventID)
		return p.handlerFailed(ctx, logger, base, env, err)
	}

	result, err := encodeResult(value)
	if err != nil {
		observability.LogLedgerError(logger, env.EventID, "encode result", err)
	}

	// The handler's effect is in place; a caller cancelling now must not
	// lose the record and let redelivery run the handler again.
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	_, err = p.commitRetry.Do(commitCtx, func(ctx context.Context) error {
		return p.ledger.Commit(ctx, ledger.Record{
			EventID:     env.EventID,
			ProcessedAt: p.now().UTC(),
			Result:      result,
		})
	})
	if err != nil {
		observability.LogLedgerError(logger, env.EventID, "commit", err)
		p.release(ctx, logger, env.EventID)
		return p.retryLater(ctx, logger, base, ledgerFailure(err, "ledger commit"))
	}

	p.attempts.clear(env.EventID)
	observability.LogEventDelivered(logger, env.EventID, env.EventType, done())

	base.Outcome = OutcomeDelivered
	base.Value = result
	return base
}

func (p *Pipeline) dispatch(ctx context.Context, h Handler, env envelope.Envelope) (any, error) {
	ctx, span := p.spans.StartHandlerSpan(ctx, env.EventType)
	value, err := h.Handle(ctx, env)
	p.spans.EndSpanWithError(span, err)
	return value, err
}

func (p *Pipeline) duplicate(_ context.Context, logger *slog.Logger, base Result, rec ledger.Record) Result {
	observability.LogEventDuplicate(logger, base.EventID, base.EventType)
	base.Outcome = OutcomeDuplicate
	base.Value = rec.Result
	return base
}

// rejectContract handles envelopes that failed structural or payload
// validation. A missing schema is told apart from an invalid envelope by the
// schema id the validator resolved.
func (p *Pipeline) rejectContract(ctx context.Context, logger *slog.Logger, base Result, env envelope.Envelope, vr envelope.ValidationResult) Result {
	var (
		cause  error
		reason deadletter.Reason
	)
	if !vr.SchemaFound && vr.SchemaID != "" {
		cause = &ecerrors.SchemaNotFoundError{EventType: env.EventType, Version: env.EventVersion, SchemaID: vr.SchemaID}
		reason = deadletter.ReasonSchemaMissing
	} else {
		problems := make([]string, len(vr.Errors))
		for i, fe := range vr.Errors {
			problems[i] = fe.String()
		}
		cause = &ecerrors.ValidationError{EventType: env.EventType, Problems: problems}
		reason = deadletter.ReasonValidationFailed
	}

	category := ecerrors.Categorize(cause)
	p.metrics.RecordFailure(ctx, env.EventType, category.String())
	observability.LogEventRejected(logger, env.EventID, env.EventType, category.String(), false, vr.Summary())

	base.Outcome = OutcomeRejected
	base.Validation = &vr
	base.Failure = &Failure{
		Category: category,
		Message:  vr.Summary(),
		Reason:   reason,
		Err:      cause,
	}
	p.sendDeadLetter(ctx, logger, env, reason, vr.Summary(), cause, 0)
	return base
}

func (p *Pipeline) handlerFailed(ctx context.Context, logger *slog.Logger, base Result, env envelope.Envelope, err error) Result {
	if !ecerrors.IsRetryable(err) {
		p.attempts.clear(env.EventID)
		return p.deadLetter(ctx, logger, base, env, deadletter.ReasonHandlerPermanentFailure, err)
	}

	n := p.attempts.record(env.EventID)
	base.Attempts = n
	if n >= p.maxAttempts {
		p.attempts.clear(env.EventID)
		return p.deadLetter(ctx, logger, base, env, deadletter.ReasonMaxRetriesExceeded, err)
	}
	return p.retryLater(ctx, logger, base, err)
}

// retryLater rejects the event and leaves redelivery to the transport.
func (p *Pipeline) retryLater(ctx context.Context, logger *slog.Logger, base Result, err error) Result {
	category := ecerrors.Categorize(err)
	p.metrics.RecordFailure(ctx, base.EventType, category.String())
	observability.LogEventRejected(logger, base.EventID, base.EventType, category.String(), true, err.Error())

	base.Outcome = OutcomeRejected
	base.Failure = &Failure{
		Category:  category,
		Retryable: true,
		Message:   err.Error(),
		Err:       err,
	}
	return base
}

func (p *Pipeline) deadLetter(ctx context.Context, logger *slog.Logger, base Result, env envelope.Envelope, reason deadletter.Reason, err error) Result {
	category := ecerrors.Categorize(err)
	p.metrics.RecordFailure(ctx, env.EventType, category.String())

	message := deadLetterMessage(reason, err, base.Attempts)
	p.sendDeadLetter(ctx, logger, env, reason, message, err, base.Attempts)

	base.Outcome = OutcomeDeadLettered
	base.Failure = &Failure{
		Category: category,
		Message:  message,
		Reason:   reason,
		Err:      err,
	}
	return base
}

func (p *Pipeline) sendDeadLetter(ctx context.Context, logger *slog.Logger, env envelope.Envelope, reason deadletter.Reason, message string, cause error, attempts int) {
	rec, err := deadletter.NewRecord(env, reason, message, cause, p.now())
	if err != nil {
		observability.LogDeadLetterFailed(logger, env.EventID, err)
		if rec.Reason == "" {
			return
		}
	}
	rec.Attempts = attempts

	p.metrics.RecordDeadLetter(ctx, env.EventType, string(reason))
	observability.LogDeadLettered(logger, env.EventID, env.EventType, string(reason), rec.Category.String(), message)

	if p.sink == nil {
		return
	}
	if err := p.sink.Send(ctx, rec); err != nil {
		observability.LogDeadLetterFailed(logger, env.EventID, err)
	}
}

// release drops the claim on eventID even when ctx is already cancelled, so
// redelivery is not blocked until the lease runs out.
func (p *Pipeline) release(ctx context.Context, logger *slog.Logger, eventID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := p.ledger.Release(ctx, eventID); err != nil {
		observability.LogLedgerError(logger, eventID, "release", err)
	}
}

// ledgerFailure marks a ledger error as a retryable processing failure,
// keeping the category of an error that already has one.
func ledgerFailure(err error, op string) error {
	var categorized *ecerrors.CategorizedError
	if errors.As(err, &categorized) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return ecerrors.Processing(err, op)
}

func deadLetterMessage(reason deadletter.Reason, err error, attempts int) string {
	var b strings.Builder
	switch reason {
	case deadletter.ReasonMaxRetriesExceeded:
		fmt.Fprintf(&b, "gave up after %d attempts", attempts)
	case deadletter.ReasonHandlerPermanentFailure:
		b.WriteString("handler failed permanently")
	default:
		b.WriteString(string(reason))
	}
	if err != nil {
		b.WriteString(": ")
		b.WriteString(err.Error())
	}
	return b.String()
}

func encodeResult(v any) (json.RawMessage, error) {
	switch r := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return r, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode handler result: %w", err)
	}
	return data, nil
}
