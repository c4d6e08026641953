package envelope_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/envelope"
)

type orderPayload struct {
	OrderID      string  `json:"order_id"`
	CustomerType string  `json:"customer_type"`
	Total        float64 `json:"total"`
}

func newOrder(t *testing.T, opts ...envelope.Option) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("order.created", "orders-service", orderPayload{
		OrderID:      uuid.NewString(),
		CustomerType: "b2b",
		Total:        149.5,
	}, opts...)
	require.NoError(t, err)
	return env
}

func TestNew_FillsDefaults(t *testing.T) {
	env := newOrder(t)

	assert.NotEmpty(t, env.EventID)
	assert.Equal(t, "order.created", env.EventType)
	assert.Equal(t, envelope.DefaultVersion, env.EventVersion)
	assert.Equal(t, "order.created.v1", env.RoutingKey)
	assert.Equal(t, envelope.PriorityNormal, env.Priority)
	assert.NotEmpty(t, env.CorrelationID)
	assert.Equal(t, env.CorrelationID, env.TraceID, "trace id defaults to correlation id")
	assert.Empty(t, env.CausationID)

	occurred, err := env.Time()
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), occurred, 5*time.Second)

	result := envelope.Validate(env)
	assert.True(t, result.Valid, result.Summary())
	assert.False(t, result.SchemaFound)
}

func TestNew_Options(t *testing.T) {
	id := uuid.NewString()
	corr := uuid.NewString()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	env := newOrder(t,
		envelope.WithEventID(id),
		envelope.WithVersion("v2"),
		envelope.WithCorrelationID(corr),
		envelope.WithOccurredAt(at),
		envelope.WithPriority(envelope.PriorityHigh),
		envelope.WithRoutingKey("orders.priority"),
		envelope.WithProducerVersion("1.4.2"),
		envelope.WithProducerInstance("orders-7f9c"),
		envelope.WithMetadata(map[string]any{"tenant_id": "acme"}),
	)

	assert.Equal(t, id, env.EventID)
	assert.Equal(t, "v2", env.EventVersion)
	assert.Equal(t, corr, env.CorrelationID)
	assert.Equal(t, corr, env.TraceID)
	assert.Equal(t, "2026-03-01T12:00:00Z", env.OccurredAt)
	assert.Equal(t, envelope.PriorityHigh, env.Priority)
	assert.Equal(t, "orders.priority", env.RoutingKey)
	assert.Equal(t, "1.4.2", env.ProducerVersion)
	assert.Equal(t, "orders-7f9c", env.ProducerInstance)
	assert.Equal(t, "acme", env.Metadata["tenant_id"])
}

func TestNew_MetadataIsCopied(t *testing.T) {
	md := map[string]any{"user_id": "u-1"}
	env := newOrder(t, envelope.WithMetadata(md))

	md["user_id"] = "changed"
	assert.Equal(t, "u-1", env.Metadata["user_id"])
}

func TestNewChild_PropagatesChain(t *testing.T) {
	parent := newOrder(t)

	child, err := envelope.NewChild(parent, "stock.reserved", "inventory-service", map[string]any{"sku": "A-1"})
	require.NoError(t, err)

	assert.NotEqual(t, parent.EventID, child.EventID)
	assert.Equal(t, parent.CorrelationID, child.CorrelationID)
	assert.Equal(t, parent.TraceID, child.TraceID)
	assert.Equal(t, parent.EventID, child.CausationID)
	assert.Equal(t, parent.EventID, child.ParentEventID)
	assert.Equal(t, "stock.reserved.v1", child.RoutingKey)
	assert.True(t, envelope.Validate(child).Valid)
}

func TestNewRetry(t *testing.T) {
	original := newOrder(t)

	retry, err := envelope.NewRetry(original, 2)
	require.NoError(t, err)

	assert.Equal(t, "order.created.retry", retry.EventType)
	assert.Equal(t, original.EventID, retry.CausationID)
	assert.Equal(t, original.CorrelationID, retry.CorrelationID)
	assert.Equal(t, original.Priority, retry.Priority)

	var payload envelope.RetryPayload
	require.NoError(t, retry.DecodePayload(&payload))
	assert.Equal(t, original.EventID, payload.OriginalEventID)
	assert.Equal(t, 2, payload.Attempt)
	assert.JSONEq(t, string(original.Payload), string(payload.OriginalPayload))

	assert.True(t, envelope.Validate(retry).Valid)
}

func TestNewDeadLetter(t *testing.T) {
	original := newOrder(t, envelope.WithPriority(envelope.PriorityCritical))

	dead, err := envelope.NewDeadLetter(original, "validation-failed", errors.New("payload/customer_type invalid"))
	require.NoError(t, err)

	assert.Equal(t, "order.created.dead-letter", dead.EventType)
	assert.Equal(t, envelope.PriorityLow, dead.Priority)
	assert.Equal(t, original.EventID, dead.CausationID)

	var payload envelope.DeadLetterPayload
	require.NoError(t, dead.DecodePayload(&payload))
	assert.Equal(t, original.EventID, payload.OriginalEventID)
	assert.Equal(t, "order.created", payload.OriginalEventType)
	assert.Equal(t, "validation-failed", payload.Reason)
	assert.Equal(t, "payload/customer_type invalid", payload.Error)

	assert.True(t, envelope.Validate(dead).Valid)
}

func TestNewDeadLetter_NilError(t *testing.T) {
	dead, err := envelope.NewDeadLetter(newOrder(t), "schema-missing", nil)
	require.NoError(t, err)

	var payload envelope.DeadLetterPayload
	require.NoError(t, dead.DecodePayload(&payload))
	assert.Empty(t, payload.Error)
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		field string
		clear func(*envelope.Envelope)
	}{
		{"event_id", func(e *envelope.Envelope) { e.EventID = "" }},
		{"event_type", func(e *envelope.Envelope) { e.EventType = "" }},
		{"event_version", func(e *envelope.Envelope) { e.EventVersion = "" }},
		{"occurred_at", func(e *envelope.Envelope) { e.OccurredAt = "" }},
		{"producer", func(e *envelope.Envelope) { e.Producer = "" }},
		{"correlation_id", func(e *envelope.Envelope) { e.CorrelationID = "" }},
		{"priority", func(e *envelope.Envelope) { e.Priority = "" }},
		{"payload", func(e *envelope.Envelope) { e.Payload = nil }},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			env := newOrder(t)
			tt.clear(&env)

			result := envelope.Validate(env)
			assert.False(t, result.Valid)
			assert.True(t, result.HasPath(tt.field), "errors: %s", result.Summary())
			assert.False(t, result.SchemaFound)
		})
	}
}

func TestValidate_EdgeCases(t *testing.T) {
	tests := []struct {
		name  string
		path  string
		apply func(*envelope.Envelope)
	}{
		{"bare event type", "event_type", func(e *envelope.Envelope) { e.EventType = "order" }},
		{"uppercase event type", "event_type", func(e *envelope.Envelope) { e.EventType = "Order.Created" }},
		{"dotted version", "event_version", func(e *envelope.Envelope) { e.EventVersion = "v1.0" }},
		{"uppercase version", "event_version", func(e *envelope.Envelope) { e.EventVersion = "V1" }},
		{"bad timestamp", "occurred_at", func(e *envelope.Envelope) { e.OccurredAt = "yesterday" }},
		{"unknown priority", "priority", func(e *envelope.Envelope) { e.Priority = "urgent" }},
		{"null payload", "payload", func(e *envelope.Envelope) { e.Payload = json.RawMessage("null") }},
		{"non-uuid event id", "event_id", func(e *envelope.Envelope) { e.EventID = "order-1" }},
		{"uuid v1 event id", "event_id", func(e *envelope.Envelope) { e.EventID = "6ba7b810-9dad-11d1-80b4-00c04fd430c8" }},
		{"bad causation id", "causation_id", func(e *envelope.Envelope) { e.CausationID = "nope" }},
		{"bad trace id", "trace_id", func(e *envelope.Envelope) { e.TraceID = "nope" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newOrder(t)
			tt.apply(&env)

			result := envelope.Validate(env)
			assert.False(t, result.Valid)
			assert.True(t, result.HasPath(tt.path), "errors: %s", result.Summary())
		})
	}
}

func TestValidate_AcceptsDateOnlyTimestamp(t *testing.T) {
	env := newOrder(t)
	env.OccurredAt = "2026-01-15"
	assert.True(t, envelope.Validate(env).Valid)
}

func TestValidate_ToleratesUnknownMetadata(t *testing.T) {
	env := newOrder(t, envelope.WithMetadata(map[string]any{
		"session_id": "s-1",
		"x-future":   map[string]any{"nested": true},
	}))
	assert.True(t, envelope.Validate(env).Valid)
}

func TestRoundTrip(t *testing.T) {
	env := newOrder(t,
		envelope.WithCausationID(uuid.NewString()),
		envelope.WithParentEventID(uuid.NewString()),
		envelope.WithProducerVersion("2.0.0"),
		envelope.WithProducerInstance("pod-3"),
		envelope.WithMetadata(map[string]any{"tenant_id": "acme", "user_id": "u-9"}),
	)

	data, err := envelope.Marshal(env)
	require.NoError(t, err)

	decoded, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestRoundTrip_TypedMetadata(t *testing.T) {
	env := newOrder(t, envelope.WithMetadata(map[string]any{
		"attempt": 3,
		"tags":    []string{"vip", "eu"},
		"nested":  map[string]int{"shard": 7},
	}))

	assert.Equal(t, float64(3), env.Metadata["attempt"])
	assert.Equal(t, []any{"vip", "eu"}, env.Metadata["tags"])

	data, err := envelope.Marshal(env)
	require.NoError(t, err)
	decoded, err := envelope.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, env, decoded)
}

func TestNew_UnencodableMetadata(t *testing.T) {
	_, err := envelope.New("order.created", "checkout", map[string]any{"order_id": "x"},
		envelope.WithMetadata(map[string]any{"callback": func() {}}))
	assert.ErrorContains(t, err, "encode metadata")
}

func TestMarshal_FlatWireShape(t *testing.T) {
	env := newOrder(t)
	data, err := envelope.Marshal(env)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))

	for _, key := range []string{"event_id", "event_type", "event_version", "occurred_at", "producer", "correlation_id", "trace_id", "routing_key", "priority", "payload"} {
		assert.Contains(t, wire, key)
	}
	assert.IsType(t, map[string]any{}, wire["payload"])
}

func TestUnmarshal_InvalidText(t *testing.T) {
	for _, text := range []string{`{"event_id": `, `null`, `  null `, `"order.created"`, `42`, `[]`, ``} {
		t.Run(text, func(t *testing.T) {
			env, err := envelope.Unmarshal([]byte(text))
			assert.ErrorIs(t, err, envelope.ErrParse)
			assert.Zero(t, env)
		})
	}
}

func TestPayloadValue_KeepsNumbers(t *testing.T) {
	env, err := envelope.New("price.changed", "pricing", json.RawMessage(`{"amount": 10.10, "sku": "X"}`))
	require.NoError(t, err)

	v, err := env.PayloadValue()
	require.NoError(t, err)

	m := v.(map[string]any)
	assert.Equal(t, json.Number("10.10"), m["amount"])
}

func TestPriorityValid(t *testing.T) {
	assert.True(t, envelope.PriorityLow.Valid())
	assert.True(t, envelope.PriorityCritical.Valid())
	assert.False(t, envelope.Priority("urgent").Valid())
}
