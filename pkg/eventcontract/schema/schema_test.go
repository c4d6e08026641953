package schema_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/envelope"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/schema"
)

const orderCreatedV1 = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "$id": "https://schemas.example.com/events/order/order-created-v1.json",
  "title": "Order Created",
  "type": "object",
  "required": ["order_id", "total", "currency", "customer_type"],
  "additionalProperties": false,
  "properties": {
    "order_id": {"type": "string", "format": "uuid"},
    "total": {"type": "number", "minimum": 0},
    "currency": {"type": "string", "format": "currency"},
    "customer_type": {"type": "string", "enum": ["retail", "wholesale"]},
    "notes": {"type": "string"}
  }
}`

const orderCreatedV2 = `{
  "$id": "https://schemas.example.com/events/order/order-created-v2.json",
  "version": "v2",
  "type": "object",
  "required": ["order_id"],
  "properties": {
    "order_id": {"type": "string"}
  }
}`

const stockChangedV1 = `{
  "$id": "https://schemas.example.com/events/inventory/inventory-stock-changed-v1.json",
  "type": "object",
  "required": ["sku", "delta"],
  "properties": {
    "sku": {"type": "string"},
    "delta": {"type": "integer"}
  }
}`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func newLoadedRegistry(t *testing.T) *schema.Registry {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "order/order-created-v1.json", orderCreatedV1)
	writeFile(t, dir, "order/order-created-v2.json", orderCreatedV2)
	writeFile(t, dir, "inventory/inventory-stock-changed-v1.json", stockChangedV1)

	reg := schema.NewRegistry(schema.WithNamespace("example.com"))
	report, err := reg.LoadAll(dir)
	require.NoError(t, err)
	require.Empty(t, report.Failed)
	require.Len(t, report.Loaded, 3)
	return reg
}

func orderEvent(t *testing.T, payload map[string]any) envelope.Envelope {
	t.Helper()
	env, err := envelope.New("order.created", "order-service", payload)
	require.NoError(t, err)
	return env
}

func validOrder() map[string]any {
	return map[string]any{
		"order_id":      "7c9e6679-7425-40de-944b-e07fc1f90ae7",
		"total":         129.99,
		"currency":      "EUR",
		"customer_type": "retail",
	}
}

func TestSchemaID(t *testing.T) {
	reg := schema.NewRegistry(schema.WithNamespace("example.com"))

	tests := []struct {
		eventType string
		version   string
		expected  string
	}{
		{"order.created", "v1", "https://schemas.example.com/events/order/order-created-v1.json"},
		{"order.created", "", "https://schemas.example.com/events/order/order-created-v1.json"},
		{"order.created", "3", "https://schemas.example.com/events/order/order-created-v3.json"},
		{"inventory.stock.changed", "v2", "https://schemas.example.com/events/inventory/inventory-stock-changed-v2.json"},
	}

	for _, tt := range tests {
		t.Run(tt.eventType+"/"+tt.version, func(t *testing.T) {
			assert.Equal(t, tt.expected, reg.SchemaID(tt.eventType, tt.version))
		})
	}
}

func TestDefaultNamespace(t *testing.T) {
	reg := schema.NewRegistry()
	assert.Equal(t, schema.DefaultNamespace, reg.Namespace())
}

func TestLoadSchema_InfersVersionFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "order-created-v1.json", orderCreatedV1)

	reg := schema.NewRegistry(schema.WithNamespace("example.com"))
	doc, err := reg.LoadSchema(path)
	require.NoError(t, err)

	assert.Equal(t, "v1", doc.Version())
	assert.Equal(t, "Order Created", doc.Title())

	got, ok := reg.GetSchema("order.created", "v1")
	require.True(t, ok)
	assert.Same(t, doc, got)
}

func TestLoadSchema_DeclaredVersionWins(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "renamed-v9.json", orderCreatedV2)

	reg := schema.NewRegistry(schema.WithNamespace("example.com"))
	doc, err := reg.LoadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, "v2", doc.Version())
}

func TestLoadSchema_Errors(t *testing.T) {
	dir := t.TempDir()
	reg := schema.NewRegistry()

	_, err := reg.LoadSchema(filepath.Join(dir, "missing-v1.json"))
	assert.Error(t, err)

	noID := writeFile(t, dir, "no-id-v1.json", `{"type": "object"}`)
	_, err = reg.LoadSchema(noID)
	assert.ErrorIs(t, err, schema.ErrMissingID)

	broken := writeFile(t, dir, "broken-v1.json", `{"$id": `)
	_, err = reg.LoadSchema(broken)
	assert.Error(t, err)
}

func TestLoadAll_SkipsIndexAndBadFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "registry.json", `{"schemas": ["order/order-created-v1.json"]}`)
	writeFile(t, dir, "order/order-created-v1.json", orderCreatedV1)
	writeFile(t, dir, "order/broken-v1.json", `not json`)
	writeFile(t, dir, "order/README.md", `# schemas`)
	writeFile(t, dir, "deep/nested/inventory-stock-changed-v1.json", stockChangedV1)

	reg := schema.NewRegistry(schema.WithNamespace("example.com"))
	report, err := reg.LoadAll(dir)
	require.NoError(t, err)

	assert.Len(t, report.Loaded, 2)
	require.Len(t, report.Failed, 1)
	assert.Equal(t, "broken-v1.json", filepath.Base(report.Failed[0].Path))

	_, ok := reg.GetSchema("order.created", "v1")
	assert.True(t, ok)
	_, ok = reg.GetSchema("inventory.stock.changed", "v1")
	assert.True(t, ok)
}

func TestLoadAll_MissingDirectory(t *testing.T) {
	reg := schema.NewRegistry()
	_, err := reg.LoadAll(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestRegistryQueries(t *testing.T) {
	reg := newLoadedRegistry(t)

	assert.Equal(t, []string{"v1", "v2"}, reg.Versions("order.created"))
	assert.Empty(t, reg.Versions("order.cancelled"))

	latest, ok := reg.LatestVersion("order.created")
	require.True(t, ok)
	assert.Equal(t, "v2", latest)

	_, ok = reg.LatestVersion("order.cancelled")
	assert.False(t, ok)

	assert.Len(t, reg.Schemas(), 3)
}

func TestRegister(t *testing.T) {
	reg := schema.NewRegistry(schema.WithNamespace("example.com"))

	doc, err := schema.ParseDocument([]byte(orderCreatedV2))
	require.NoError(t, err)
	require.NoError(t, reg.Register(doc))

	got, ok := reg.GetSchema("order.created", "v2")
	require.True(t, ok)
	assert.Equal(t, doc.ID(), got.ID())

	assert.ErrorIs(t, reg.Register(nil), schema.ErrMissingID)
}

func TestValidateEvent_Valid(t *testing.T) {
	reg := newLoadedRegistry(t)

	result := reg.ValidateEvent(orderEvent(t, validOrder()))
	assert.True(t, result.Valid, result.Summary())
	assert.True(t, result.SchemaFound)
	assert.Equal(t, "https://schemas.example.com/events/order/order-created-v1.json", result.SchemaID)
	assert.Equal(t, "v1", result.SchemaVersion)
	assert.Empty(t, result.Errors)
}

func TestValidateEvent_InvalidEnum(t *testing.T) {
	reg := newLoadedRegistry(t)

	payload := validOrder()
	payload["customer_type"] = "invalid"

	result := reg.ValidateEvent(orderEvent(t, payload))
	assert.False(t, result.Valid)
	assert.True(t, result.SchemaFound)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0].Path, "customer_type")
	assert.Equal(t, "/payload/customer_type", result.Errors[0].Path)
	assert.Equal(t, "invalid", result.Errors[0].Actual)
	assert.Equal(t, []any{"retail", "wholesale"}, result.Errors[0].Expected)
}

func TestValidateEvent_MissingRequiredPointsAtProperty(t *testing.T) {
	reg := newLoadedRegistry(t)

	payload := validOrder()
	delete(payload, "order_id")
	delete(payload, "currency")

	result := reg.ValidateEvent(orderEvent(t, payload))
	assert.False(t, result.Valid)
	assert.True(t, result.HasPath("/payload/order_id"), result.Summary())
	assert.True(t, result.HasPath("/payload/currency"), result.Summary())
	assert.False(t, result.HasPath("/payload"))
}

func TestValidateEvent_CustomFormats(t *testing.T) {
	reg := newLoadedRegistry(t)

	tests := []struct {
		name  string
		field string
		value any
		valid bool
	}{
		{"uuid v4", "order_id", "7c9e6679-7425-40de-944b-e07fc1f90ae7", true},
		{"uuid v1", "order_id", "6ba7b810-9dad-11d1-80b4-00c04fd430c8", true},
		{"not a uuid", "order_id", "order-123", false},
		{"uuid version 7", "order_id", "017f22e2-79b0-7cc3-98c4-dc0c0c07398f", false},
		{"currency", "currency", "USD", true},
		{"lowercase currency", "currency", "usd", false},
		{"long currency", "currency", "EURO", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := validOrder()
			payload[tt.field] = tt.value

			result := reg.ValidateEvent(orderEvent(t, payload))
			assert.Equal(t, tt.valid, result.Valid, result.Summary())
			if !tt.valid {
				assert.True(t, result.HasPath("/payload/"+tt.field), result.Summary())
			}
		})
	}
}

func TestValidateEvent_ToleratesUnknownProperties(t *testing.T) {
	reg := newLoadedRegistry(t)

	payload := validOrder()
	payload["loyalty_tier"] = "gold"
	payload["shipping"] = map[string]any{"carrier": "dhl"}

	result := reg.ValidateEvent(orderEvent(t, payload))
	assert.True(t, result.Valid, result.Summary())
}

func TestValidateEvent_SchemaNotFound(t *testing.T) {
	reg := newLoadedRegistry(t)

	env, err := envelope.New("future.event.v2", "lab", map[string]any{"x": 1})
	require.NoError(t, err)

	result := reg.ValidateEvent(env)
	assert.False(t, result.Valid)
	assert.False(t, result.SchemaFound)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "event_type", result.Errors[0].Path)
	assert.Contains(t, result.Errors[0].Message, "future.event.v2")
	assert.Contains(t, result.Errors[0].Message, "v1")
}

func TestValidateEvent_UnknownVersion(t *testing.T) {
	reg := newLoadedRegistry(t)

	env, err := envelope.New("order.created", "order-service", validOrder(), envelope.WithVersion("v7"))
	require.NoError(t, err)

	result := reg.ValidateEvent(env)
	assert.False(t, result.Valid)
	assert.False(t, result.SchemaFound)
}

func TestValidateEvent_StructuralFailureShortCircuits(t *testing.T) {
	reg := newLoadedRegistry(t)

	payload := validOrder()
	payload["customer_type"] = "invalid"
	env := orderEvent(t, payload)
	env.Priority = "urgent"

	result := reg.ValidateEvent(env)
	assert.False(t, result.Valid)
	assert.False(t, result.SchemaFound)
	assert.True(t, result.HasPath("priority"))
	assert.False(t, result.HasPath("/payload/customer_type"))
}

func TestValidateEvent_TypeMismatchReportsActual(t *testing.T) {
	reg := newLoadedRegistry(t)

	env, err := envelope.New("inventory.stock.changed", "inventory-service", map[string]any{
		"sku":   "SKU-1",
		"delta": "three",
	})
	require.NoError(t, err)

	result := reg.ValidateEvent(env)
	assert.False(t, result.Valid)
	require.Len(t, result.Errors, 1)
	assert.Equal(t, "/payload/delta", result.Errors[0].Path)
	assert.Equal(t, "three", result.Errors[0].Actual)
	assert.Equal(t, "integer", result.Errors[0].Expected)
}

func TestValidateEvent_ConcurrentFirstUse(t *testing.T) {
	reg := newLoadedRegistry(t)
	env := orderEvent(t, validOrder())

	bad := validOrder()
	bad["customer_type"] = "invalid"
	badEnv := orderEvent(t, bad)

	const workers = 32
	var wg sync.WaitGroup
	wg.Add(workers)
	results := make([]bool, workers)

	for i := 0; i < workers; i++ {
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				results[i] = reg.ValidateEvent(env).Valid
			} else {
				results[i] = !reg.ValidateEvent(badEnv).Valid
			}
		}(i)
	}
	wg.Wait()

	for i, ok := range results {
		assert.True(t, ok, "worker %d", i)
	}
}

func TestValidateEvent_ReplacedSchemaRecompiles(t *testing.T) {
	reg := newLoadedRegistry(t)
	env := orderEvent(t, validOrder())
	require.True(t, reg.ValidateEvent(env).Valid)

	stricter, err := schema.ParseDocument([]byte(`{
	  "$id": "https://schemas.example.com/events/order/order-created-v1.json",
	  "type": "object",
	  "required": ["order_id", "warehouse"]
	}`))
	require.NoError(t, err)
	require.NoError(t, reg.Register(stricter))

	result := reg.ValidateEvent(env)
	assert.False(t, result.Valid)
	assert.True(t, result.HasPath("/payload/warehouse"), result.Summary())
}
