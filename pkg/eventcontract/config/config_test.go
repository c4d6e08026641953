package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/config"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/ledger"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/schema"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestConfig_Accessors(t *testing.T) {
	cfg := config.New(map[string]any{
		"name":     "orders",
		"lease":    "30s",
		"secs":     90,
		"fsecs":    1.5,
		"attempts": 3,
		"jsonInt":  float64(4),
		"fraction": 2.5,
		"enabled":  true,
		"nested":   map[string]any{"key": "value"},
	})

	assert.Equal(t, "orders", cfg.String("name", "x"))
	assert.Equal(t, "x", cfg.String("missing", "x"))
	assert.Equal(t, "x", cfg.String("attempts", "x"))

	assert.Equal(t, 30*time.Second, cfg.Duration("lease", time.Minute))
	assert.Equal(t, 90*time.Second, cfg.Duration("secs", time.Minute))
	assert.Equal(t, 1500*time.Millisecond, cfg.Duration("fsecs", time.Minute))
	assert.Equal(t, time.Minute, cfg.Duration("name", time.Minute))

	assert.Equal(t, 3, cfg.Int("attempts", 0))
	assert.Equal(t, 4, cfg.Int("jsonInt", 0))
	assert.Equal(t, 7, cfg.Int("fraction", 7))

	assert.True(t, cfg.Bool("enabled", false))
	assert.True(t, cfg.Bool("missing", true))

	assert.Equal(t, "value", cfg.Section("nested").String("key", ""))
	assert.False(t, cfg.Section("name").Has("key"))
	assert.True(t, cfg.Has("nested"))
	assert.Len(t, cfg.Raw(), 9)
}

func TestConfig_DottedKeys(t *testing.T) {
	cfg := config.New(map[string]any{
		"ledger": map[string]any{
			"lease": "45s",
			"redis": map[string]any{"db": 2},
		},
		"schemas.dir": "literal",
		"schemas":     map[string]any{"dir": "nested"},
	})

	assert.Equal(t, 45*time.Second, cfg.Duration("ledger.lease", 0))
	assert.Equal(t, 2, cfg.Int("ledger.redis.db", 0))
	assert.Equal(t, 2, cfg.Section("ledger.redis").Int("db", 0))
	assert.True(t, cfg.Has("ledger.redis"))
	assert.False(t, cfg.Has("ledger.lease.x"))
	assert.Equal(t, "fallback", cfg.String("ledger.missing", "fallback"))
	assert.Equal(t, "literal", cfg.String("schemas.dir", ""), "literal key wins")
}

func TestNew_NilMap(t *testing.T) {
	cfg := config.New(nil)
	assert.NotNil(t, cfg.Raw())
	assert.False(t, cfg.Has("anything"))
}

func TestFromFile(t *testing.T) {
	t.Run("yaml", func(t *testing.T) {
		path := writeFile(t, "c.yaml", "ledger:\n  lease: 2m\n")
		cfg, err := config.FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 2*time.Minute, cfg.Section("ledger").Duration("lease", 0))
	})

	t.Run("json", func(t *testing.T) {
		path := writeFile(t, "c.json", `{"pipeline": {"max_attempts": 9}}`)
		cfg, err := config.FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, 9, cfg.Section("pipeline").Int("max_attempts", 0))
	})

	t.Run("environment expansion", func(t *testing.T) {
		t.Setenv("EVC_TEST_REDIS", "redis://cache:6379/2")
		path := writeFile(t, "c.yml", "ledger:\n  redis_url: ${EVC_TEST_REDIS}\n")
		cfg, err := config.FromFile(path)
		require.NoError(t, err)
		assert.Equal(t, "redis://cache:6379/2", cfg.Section("ledger").String("redis_url", ""))
	})

	t.Run("unsupported extension", func(t *testing.T) {
		path := writeFile(t, "c.toml", "a = 1")
		_, err := config.FromFile(path)
		assert.ErrorContains(t, err, "unsupported extension")
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := config.FromFile(filepath.Join(t.TempDir(), "none.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		_, err := config.FromYAML([]byte("a: [1, 2"))
		assert.ErrorContains(t, err, "parse yaml")
	})

	t.Run("malformed json", func(t *testing.T) {
		_, err := config.FromJSON([]byte("{"))
		assert.ErrorContains(t, err, "parse json")
	})
}

func TestDefaultSettings(t *testing.T) {
	s := config.DefaultSettings()
	assert.Equal(t, schema.DefaultNamespace, s.Schemas.Namespace)
	assert.Equal(t, 5, s.Pipeline.MaxAttempts)
	assert.Equal(t, "memory", s.Ledger.Driver)
	assert.Equal(t, ledger.DefaultLease, s.Ledger.Lease)
	assert.NoError(t, s.Validate())
}

func TestLoadSettings(t *testing.T) {
	path := writeFile(t, "eventcontract.yaml", `
schemas:
  dir: ./schemas
  namespace: example.com
pipeline:
  consumer: orders-worker
  max_attempts: 3
ledger:
  driver: sqlite
  sqlite_path: /var/lib/evc/ledger.db
  lease: 30s
  retention: 168h
`)

	s, err := config.LoadSettings(path)
	require.NoError(t, err)

	assert.Equal(t, "./schemas", s.Schemas.Dir)
	assert.Equal(t, "example.com", s.Schemas.Namespace)
	assert.Equal(t, "orders-worker", s.Pipeline.Consumer)
	assert.Equal(t, 3, s.Pipeline.MaxAttempts)
	assert.Equal(t, 3, s.Pipeline.CommitRetries, "default kept")
	assert.Equal(t, "sqlite", s.Ledger.Driver)
	assert.Equal(t, "/var/lib/evc/ledger.db", s.Ledger.DSN())
	assert.Equal(t, 30*time.Second, s.Ledger.Lease)
	assert.Equal(t, 168*time.Hour, s.Ledger.Retention)
	assert.Equal(t, "evc", s.Ledger.Prefix)
	assert.Len(t, s.Ledger.Options(s.Pipeline.Consumer), 4)
}

func TestSettings_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Settings)
		errMsg string
	}{
		{"unknown driver", func(s *config.Settings) { s.Ledger.Driver = "etcd" }, "ledger.driver"},
		{"sqlite without path", func(s *config.Settings) { s.Ledger.Driver = "sqlite" }, "ledger.sqlite_path: is required for the sqlite driver"},
		{"redis without url", func(s *config.Settings) { s.Ledger.Driver = "redis" }, "redis_url"},
		{"zero attempts", func(s *config.Settings) { s.Pipeline.MaxAttempts = 0 }, "max_attempts"},
		{"negative commit retries", func(s *config.Settings) { s.Pipeline.CommitRetries = -1 }, "commit_retries"},
		{"zero lease", func(s *config.Settings) { s.Ledger.Lease = 0 }, "lease"},
		{"negative retention", func(s *config.Settings) { s.Ledger.Retention = -time.Second }, "ledger.retention: must be at least 0"},
		{"empty consumer", func(s *config.Settings) { s.Pipeline.Consumer = "" }, "pipeline.consumer: is required"},
		{"bad namespace", func(s *config.Settings) { s.Schemas.Namespace = "not a host" }, "schemas.namespace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := config.DefaultSettings()
			tt.mutate(&s)
			assert.ErrorContains(t, s.Validate(), tt.errMsg)
		})
	}
}

func TestSettings_ValidateReportsAll(t *testing.T) {
	s := config.DefaultSettings()
	s.Pipeline.MaxAttempts = 0
	s.Ledger.Driver = "etcd"

	err := s.Validate()
	assert.ErrorContains(t, err, "pipeline.max_attempts")
	assert.ErrorContains(t, err, "etcd is not one of memory, sqlite, redis")
}

func TestLoadEnvFiles(t *testing.T) {
	const key = "EVC_TEST_LEDGER_URL"
	t.Cleanup(func() { os.Unsetenv(key) })

	env := writeFile(t, ".env", key+"=redis://from-dotenv:6379/0\n")
	require.NoError(t, config.LoadEnvFiles(env))

	path := writeFile(t, "c.yaml", "ledger:\n  driver: redis\n  redis_url: ${"+key+"}\n")
	s, err := config.LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, "redis://from-dotenv:6379/0", s.Ledger.RedisURL)

	assert.Error(t, config.LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env")))
}

func TestLoadSettings_Invalid(t *testing.T) {
	path := writeFile(t, "bad.yaml", "ledger:\n  driver: redis\n")
	_, err := config.LoadSettings(path)
	assert.ErrorContains(t, err, "redis_url")
}

func TestLedgerSettings_DSN(t *testing.T) {
	l := config.LedgerSettings{Driver: "redis", RedisURL: "redis://x", SQLitePath: "/db"}
	assert.Equal(t, "redis://x", l.DSN())
	l.Driver = "memory"
	assert.Empty(t, l.DSN())
}
