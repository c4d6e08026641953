// Package ledger records which event ids a consumer has already processed.
//
// A Ledger is keyed by event id and supports an atomic claim so that two
// concurrent deliveries of the same event cannot both run the handler:
//
//	claimed, err := l.Claim(ctx, id)   // false if processed or in flight
//	... run handler ...
//	err = l.Commit(ctx, record)        // on success
//	err = l.Release(ctx, id)           // on failure, so the event stays retryable
//
// Claims are leases. A worker that dies mid-handler stops blocking the id once
// its lease expires.
//
// Three implementations are provided:
//   - MemoryLedger: single process, tests
//   - SQLiteLedger: durable, single host
//   - RedisLedger: shared across instances
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors.
var (
	// ErrClosed is returned when operating on a closed ledger.
	ErrClosed = errors.New("ledger closed")

	// ErrInFlight means another worker holds a live claim on the event id.
	ErrInFlight = errors.New("event processing in flight")
)

// DefaultLease bounds how long a claim blocks other workers.
const DefaultLease = 5 * time.Minute

// Record marks one successfully processed event.
type Record struct {
	EventID     string          `json:"event_id"`
	ProcessedAt time.Time       `json:"processed_at"`
	Result      json.RawMessage `json:"result,omitempty"`
}

// Ledger is an idempotency store keyed by event id.
// Implementations must be safe for concurrent use.
type Ledger interface {
	// Lookup returns the record for eventID, if any.
	Lookup(ctx context.Context, eventID string) (Record, bool, error)

	// Claim reserves eventID for processing. It returns false when a record
	// already exists or another claim is live.
	Claim(ctx context.Context, eventID string) (bool, error)

	// Commit stores the record and drops the claim. The first committed
	// record for an id wins.
	Commit(ctx context.Context, rec Record) error

	// Release drops the claim without storing a record.
	Release(ctx context.Context, eventID string) error

	// Close releases resources.
	Close() error
}

// Option configures a ledger.
type Option func(*options)

type options struct {
	consumer  string
	lease     time.Duration
	retention time.Duration
	prefix    string
	now       func() time.Time
}

func defaultOptions() options {
	return options{
		consumer: "default",
		lease:    DefaultLease,
		prefix:   "evc",
		now:      time.Now,
	}
}

func buildOptions(opts []Option) options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// WithConsumer scopes records to one consumer, so several consumers can share
// a store and each process an event once.
func WithConsumer(name string) Option {
	return func(o *options) {
		if name != "" {
			o.consumer = name
		}
	}
}

// WithLease sets the claim lease.
func WithLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.lease = d
		}
	}
}

// WithRetention expires records after d. Zero keeps them forever.
func WithRetention(d time.Duration) Option {
	return func(o *options) {
		if d >= 0 {
			o.retention = d
		}
	}
}

// WithKeyPrefix sets the key namespace used by RedisLedger.
func WithKeyPrefix(prefix string) Option {
	return func(o *options) {
		if prefix != "" {
			o.prefix = prefix
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// Open builds a ledger for the named driver. dsn is the SQLite path for
// "sqlite" and the Redis URL for "redis"; it is ignored for "memory".
func Open(ctx context.Context, driver, dsn string, opts ...Option) (Ledger, error) {
	switch driver {
	case "", "memory":
		return NewMemoryLedger(opts...), nil
	case "sqlite":
		return NewSQLiteLedger(dsn, opts...)
	case "redis":
		return NewRedisLedger(ctx, dsn, opts...)
	default:
		return nil, fmt.Errorf("unknown ledger driver %q", driver)
	}
}

func validateID(eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	return nil
}
