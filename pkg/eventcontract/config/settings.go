package config

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"

	"github.com/randalmurphal/eventcontract/pkg/eventcontract/ledger"
	"github.com/randalmurphal/eventcontract/pkg/eventcontract/schema"
)

// Settings is the typed view of an event contract configuration file.
// The key tags name each field as it appears in the file.
type Settings struct {
	Schemas  SchemaSettings   `key:"schemas"`
	Pipeline PipelineSettings `key:"pipeline"`
	Ledger   LedgerSettings   `key:"ledger"`
}

// SchemaSettings configures the schema registry.
type SchemaSettings struct {
	Dir       string `key:"dir" validate:"required"`
	Namespace string `key:"namespace" validate:"required,hostname"`
}

// PipelineSettings configures the processing pipeline.
type PipelineSettings struct {
	Consumer      string `key:"consumer" validate:"required"`
	MaxAttempts   int    `key:"max_attempts" validate:"min=1"`
	CommitRetries int    `key:"commit_retries" validate:"min=0"`
}

// LedgerSettings configures the idempotency ledger.
type LedgerSettings struct {
	Driver     string        `key:"driver" validate:"oneof=memory sqlite redis"`
	SQLitePath string        `key:"sqlite_path" validate:"required_if=Driver sqlite"`
	RedisURL   string        `key:"redis_url" validate:"required_if=Driver redis"`
	Prefix     string        `key:"prefix" validate:"required"`
	Lease      time.Duration `key:"lease" validate:"gt=0"`
	Retention  time.Duration `key:"retention" validate:"min=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		if name := f.Tag.Get("key"); name != "" {
			return name
		}
		return f.Name
	})
	return v
}

// DefaultSettings returns the settings used for any key a file omits.
func DefaultSettings() Settings {
	return Settings{
		Schemas: SchemaSettings{
			Dir:       "schemas",
			Namespace: schema.DefaultNamespace,
		},
		Pipeline: PipelineSettings{
			Consumer:      "default",
			MaxAttempts:   5,
			CommitRetries: 3,
		},
		Ledger: LedgerSettings{
			Driver: "memory",
			Prefix: "evc",
			Lease:  ledger.DefaultLease,
		},
	}
}

// SettingsFrom reads Settings out of c. Keys c omits keep their defaults.
func SettingsFrom(c Config) Settings {
	s := DefaultSettings()

	s.Schemas.Dir = c.String("schemas.dir", s.Schemas.Dir)
	s.Schemas.Namespace = c.String("schemas.namespace", s.Schemas.Namespace)

	s.Pipeline.Consumer = c.String("pipeline.consumer", s.Pipeline.Consumer)
	s.Pipeline.MaxAttempts = c.Int("pipeline.max_attempts", s.Pipeline.MaxAttempts)
	s.Pipeline.CommitRetries = c.Int("pipeline.commit_retries", s.Pipeline.CommitRetries)

	l := &s.Ledger
	l.Driver = c.String("ledger.driver", l.Driver)
	l.SQLitePath = c.String("ledger.sqlite_path", l.SQLitePath)
	l.RedisURL = c.String("ledger.redis_url", l.RedisURL)
	l.Prefix = c.String("ledger.prefix", l.Prefix)
	l.Lease = c.Duration("ledger.lease", l.Lease)
	l.Retention = c.Duration("ledger.retention", l.Retention)

	return s
}

// LoadSettings loads and validates Settings from a YAML or JSON file.
func LoadSettings(path string) (Settings, error) {
	c, err := FromFile(path)
	if err != nil {
		return Settings{}, err
	}
	s := SettingsFrom(c)
	if err := s.Validate(); err != nil {
		return Settings{}, fmt.Errorf("config %s: %w", path, err)
	}
	return s, nil
}

// Validate reports every inconsistent setting at once, each prefixed with
// its dotted key, e.g. "ledger.sqlite_path: is required for the sqlite driver".
func (s Settings) Validate() error {
	err := validate.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}
	errs := make([]error, len(fieldErrs))
	for i, fe := range fieldErrs {
		key := strings.TrimPrefix(fe.Namespace(), "Settings.")
		errs[i] = fmt.Errorf("%s: %s", key, validationMessage(fe))
	}
	return multierr.Combine(errs...)
}

func validationMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "is required"
	case "required_if":
		if f := strings.Fields(fe.Param()); len(f) == 2 {
			return fmt.Sprintf("is required for the %s driver", f[1])
		}
		return "is required"
	case "oneof":
		return fmt.Sprintf("%v is not one of %s", fe.Value(), strings.ReplaceAll(fe.Param(), " ", ", "))
	case "min":
		return fmt.Sprintf("must be at least %s, got %v", fe.Param(), fe.Value())
	case "gt":
		return fmt.Sprintf("must be greater than %s", fe.Param())
	case "hostname":
		return fmt.Sprintf("%v is not a valid host name", fe.Value())
	}
	return "is invalid"
}

// DSN returns the connection string for the configured driver.
func (l LedgerSettings) DSN() string {
	switch l.Driver {
	case "sqlite":
		return l.SQLitePath
	case "redis":
		return l.RedisURL
	default:
		return ""
	}
}

// Options converts the settings into ledger options for consumer.
func (l LedgerSettings) Options(consumer string) []ledger.Option {
	return []ledger.Option{
		ledger.WithConsumer(consumer),
		ledger.WithKeyPrefix(l.Prefix),
		ledger.WithLease(l.Lease),
		ledger.WithRetention(l.Retention),
	}
}
