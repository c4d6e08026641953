package config

import (
	"strings"
	"time"
)

// Config is a parsed configuration tree. Accessors take a key, which may be
// a dotted path such as "ledger.lease", and a fallback returned when the key
// is absent or holds a value of the wrong type.
type Config struct {
	data map[string]any
}

// New wraps data. A nil map behaves as an empty tree.
func New(data map[string]any) Config {
	if data == nil {
		data = map[string]any{}
	}
	return Config{data: data}
}

// lookup resolves key. A literal key wins over the dotted path it spells.
func (c Config) lookup(key string) (any, bool) {
	if v, ok := c.data[key]; ok {
		return v, true
	}
	head, rest, dotted := strings.Cut(key, ".")
	if !dotted {
		return nil, false
	}
	sub, ok := c.data[head].(map[string]any)
	if !ok {
		return nil, false
	}
	return Config{data: sub}.lookup(rest)
}

func get[T any](c Config, key string, fallback T) T {
	if v, ok := c.lookup(key); ok {
		if t, ok := v.(T); ok {
			return t
		}
	}
	return fallback
}

// String returns a string value.
func (c Config) String(key, fallback string) string {
	return get(c, key, fallback)
}

// Bool returns a boolean value.
func (c Config) Bool(key string, fallback bool) bool {
	return get(c, key, fallback)
}

// Int returns an integer value. JSON numbers arrive as float64 and are
// accepted only when whole.
func (c Config) Int(key string, fallback int) int {
	v, _ := c.lookup(key)
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		if whole := int(n); float64(whole) == n {
			return whole
		}
	}
	return fallback
}

// Duration returns a duration written either as a Go duration string
// ("90s", "5m") or as a number of seconds.
func (c Config) Duration(key string, fallback time.Duration) time.Duration {
	v, _ := c.lookup(key)
	switch d := v.(type) {
	case time.Duration:
		return d
	case string:
		if parsed, err := time.ParseDuration(d); err == nil {
			return parsed
		}
	case int:
		return time.Duration(d) * time.Second
	case int64:
		return time.Duration(d) * time.Second
	case float64:
		return time.Duration(d * float64(time.Second))
	}
	return fallback
}

// Section returns the subtree at key, or an empty Config.
func (c Config) Section(key string) Config {
	return New(get[map[string]any](c, key, nil))
}

// Has reports whether key resolves to a value.
func (c Config) Has(key string) bool {
	_, ok := c.lookup(key)
	return ok
}

// Raw exposes the underlying map. Callers must not modify it.
func (c Config) Raw() map[string]any {
	return c.data
}
