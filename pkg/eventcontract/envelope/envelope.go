// Package envelope defines the canonical transport wrapper for domain events.
//
// An Envelope carries identity, routing, and tracing metadata around an opaque
// JSON payload. Envelopes are values: derived envelopes (children, retries,
// dead letters) are new envelopes built from an original, never mutations of it.
package envelope

import (
	"encoding/json"
	"fmt"
	"maps"
	"time"

	"github.com/google/uuid"
)

// DefaultVersion is the event version used when none is supplied.
const DefaultVersion = "v1"

// Priority is the delivery priority of an envelope.
type Priority string

const (
	PriorityLow      Priority = "low"
	PriorityNormal   Priority = "normal"
	PriorityHigh     Priority = "high"
	PriorityCritical Priority = "critical"
)

// Valid reports whether p is one of the enumerated priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityCritical:
		return true
	default:
		return false
	}
}

// Envelope is the unit of transport for a domain event.
// All identifier fields are strings on the wire.
type Envelope struct {
	EventID          string          `json:"event_id"`
	EventType        string          `json:"event_type"`
	EventVersion     string          `json:"event_version"`
	OccurredAt       string          `json:"occurred_at"`
	Producer         string          `json:"producer"`
	ProducerVersion  string          `json:"producer_version,omitempty"`
	ProducerInstance string          `json:"producer_instance,omitempty"`
	CorrelationID    string          `json:"correlation_id"`
	CausationID      string          `json:"causation_id,omitempty"`
	ParentEventID    string          `json:"parent_event_id,omitempty"`
	TraceID          string          `json:"trace_id,omitempty"`
	RoutingKey       string          `json:"routing_key,omitempty"`
	Priority         Priority        `json:"priority"`
	Metadata         map[string]any  `json:"metadata,omitempty"`
	Payload          json.RawMessage `json:"payload"`
}

// Time parses OccurredAt.
func (e Envelope) Time() (time.Time, error) {
	return parseTimestamp(e.OccurredAt)
}

// PayloadValue decodes the payload into a generic JSON value.
// Numbers are kept as json.Number so no precision is lost.
func (e Envelope) PayloadValue() (any, error) {
	return decodeJSON(e.Payload)
}

// DecodePayload unmarshals the payload into v.
func (e Envelope) DecodePayload(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode payload of %s: %w", e.EventType, err)
	}
	return nil
}

// RoutingKeyFor derives the default routing key for an event type and version.
func RoutingKeyFor(eventType, version string) string {
	return eventType + "." + version
}

// Option configures envelope construction.
type Option func(*options)

type options struct {
	eventID          string
	version          string
	occurredAt       time.Time
	producerVersion  string
	producerInstance string
	correlationID    string
	causationID      string
	parentEventID    string
	traceID          string
	routingKey       string
	priority         Priority
	metadata         map[string]any
}

// WithEventID sets a specific event id (default: a new UUID v4).
func WithEventID(id string) Option {
	return func(o *options) {
		o.eventID = id
	}
}

// WithVersion sets the event version (default: v1).
func WithVersion(version string) Option {
	return func(o *options) {
		o.version = version
	}
}

// WithOccurredAt sets the occurrence time (default: now).
func WithOccurredAt(t time.Time) Option {
	return func(o *options) {
		o.occurredAt = t
	}
}

// WithProducerVersion sets the producer's build version.
func WithProducerVersion(v string) Option {
	return func(o *options) {
		o.producerVersion = v
	}
}

// WithProducerInstance sets the emitting instance (host, pod).
func WithProducerInstance(instance string) Option {
	return func(o *options) {
		o.producerInstance = instance
	}
}

// WithCorrelationID joins an existing causal chain.
func WithCorrelationID(id string) Option {
	return func(o *options) {
		o.correlationID = id
	}
}

// WithCausationID sets the id of the directly preceding event.
func WithCausationID(id string) Option {
	return func(o *options) {
		o.causationID = id
	}
}

// WithParentEventID sets the parent event id.
func WithParentEventID(id string) Option {
	return func(o *options) {
		o.parentEventID = id
	}
}

// WithTraceID sets the trace id (default: the correlation id).
func WithTraceID(id string) Option {
	return func(o *options) {
		o.traceID = id
	}
}

// WithRoutingKey overrides the derived routing key.
func WithRoutingKey(key string) Option {
	return func(o *options) {
		o.routingKey = key
	}
}

// WithPriority sets the priority (default: normal).
func WithPriority(p Priority) Option {
	return func(o *options) {
		o.priority = p
	}
}

// WithMetadata merges contextual fields into the envelope metadata. Values
// are stored as their JSON forms: numbers become float64, slices []any.
func WithMetadata(md map[string]any) Option {
	return func(o *options) {
		if len(md) == 0 {
			return
		}
		if o.metadata == nil {
			o.metadata = make(map[string]any, len(md))
		}
		maps.Copy(o.metadata, md)
	}
}

// New builds an envelope for eventType emitted by producer.
//
// event_id, correlation_id, trace_id, occurred_at and routing_key are filled
// when not supplied. The payload is encoded to JSON immediately; a nil payload
// is encoded as JSON null and will fail validation.
func New(eventType, producer string, payload any, opts ...Option) (Envelope, error) {
	o := &options{
		version:  DefaultVersion,
		priority: PriorityNormal,
	}
	for _, opt := range opts {
		opt(o)
	}

	raw, err := encodePayload(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode payload of %s: %w", eventType, err)
	}
	metadata, err := normalizeMetadata(o.metadata)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode metadata of %s: %w", eventType, err)
	}

	if o.eventID == "" {
		o.eventID = uuid.NewString()
	}
	if o.correlationID == "" {
		o.correlationID = uuid.NewString()
	}
	if o.traceID == "" {
		o.traceID = o.correlationID
	}
	if o.occurredAt.IsZero() {
		o.occurredAt = time.Now()
	}
	if o.routingKey == "" {
		o.routingKey = RoutingKeyFor(eventType, o.version)
	}

	return Envelope{
		EventID:          o.eventID,
		EventType:        eventType,
		EventVersion:     o.version,
		OccurredAt:       formatTimestamp(o.occurredAt),
		Producer:         producer,
		ProducerVersion:  o.producerVersion,
		ProducerInstance: o.producerInstance,
		CorrelationID:    o.correlationID,
		CausationID:      o.causationID,
		ParentEventID:    o.parentEventID,
		TraceID:          o.traceID,
		RoutingKey:       o.routingKey,
		Priority:         o.priority,
		Metadata:         metadata,
		Payload:          raw,
	}, nil
}

// NewChild builds an envelope caused by parent. Correlation and trace ids are
// inherited; causation_id and parent_event_id point at the parent.
func NewChild(parent Envelope, eventType, producer string, payload any, opts ...Option) (Envelope, error) {
	inherited := []Option{
		WithCorrelationID(parent.CorrelationID),
		WithTraceID(parent.TraceID),
		WithCausationID(parent.EventID),
		WithParentEventID(parent.EventID),
	}
	return New(eventType, producer, payload, append(inherited, opts...)...)
}

// RetrySuffix and DeadLetterSuffix are appended to the original event type of
// derived envelopes.
const (
	RetrySuffix      = ".retry"
	DeadLetterSuffix = ".dead-letter"
)

// RetryPayload is the payload of a retry envelope.
type RetryPayload struct {
	OriginalEventID   string          `json:"original_event_id"`
	OriginalEventType string          `json:"original_event_type"`
	Attempt           int             `json:"attempt"`
	OriginalPayload   json.RawMessage `json:"original_payload"`
}

// DeadLetterPayload is the payload of a dead-letter envelope.
type DeadLetterPayload struct {
	OriginalEventID   string          `json:"original_event_id"`
	OriginalEventType string          `json:"original_event_type"`
	Reason            string          `json:"reason"`
	Error             string          `json:"error,omitempty"`
	OriginalPayload   json.RawMessage `json:"original_payload"`
}

// NewRetry derives a retry envelope for the given attempt number. opts are
// applied after the inherited fields.
func NewRetry(original Envelope, attempt int, opts ...Option) (Envelope, error) {
	payload := RetryPayload{
		OriginalEventID:   original.EventID,
		OriginalEventType: original.EventType,
		Attempt:           attempt,
		OriginalPayload:   original.Payload,
	}
	return derive(original, original.EventType+RetrySuffix, original.Priority, payload, opts)
}

// NewDeadLetter derives a dead-letter envelope. err may be nil.
// Dead-letter envelopes always carry low priority.
func NewDeadLetter(original Envelope, reason string, err error, opts ...Option) (Envelope, error) {
	payload := DeadLetterPayload{
		OriginalEventID:   original.EventID,
		OriginalEventType: original.EventType,
		Reason:            reason,
		OriginalPayload:   original.Payload,
	}
	if err != nil {
		payload.Error = err.Error()
	}
	return derive(original, original.EventType+DeadLetterSuffix, PriorityLow, payload, opts)
}

func derive(original Envelope, eventType string, priority Priority, payload any, extra []Option) (Envelope, error) {
	version := original.EventVersion
	if version == "" {
		version = DefaultVersion
	}
	opts := []Option{
		WithVersion(version),
		WithCorrelationID(original.CorrelationID),
		WithTraceID(original.TraceID),
		WithCausationID(original.EventID),
		WithProducerVersion(original.ProducerVersion),
		WithProducerInstance(original.ProducerInstance),
		WithPriority(priority),
		WithMetadata(original.Metadata),
	}
	return New(eventType, original.Producer, payload, append(opts, extra...)...)
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return compactJSON(p)
	case []byte:
		return compactJSON(p)
	default:
		return json.Marshal(payload)
	}
}
