package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// cmdable is the subset of the go-redis client the ledger uses.
type cmdable interface {
	Get(context.Context, string) *redis.StringCmd
	SetNX(context.Context, string, any, time.Duration) *redis.BoolCmd
	Del(context.Context, ...string) *redis.IntCmd
}

// RedisLedger shares records across consumer instances.
// Keys follow `<prefix>:idempotency:<consumer>:{record,claim}:<event_id>`.
// Records expire after the retention window when one is set.
type RedisLedger struct {
	store  cmdable
	raw    *redis.Client
	opts   options
	closed atomic.Bool
}

// NewRedisLedger connects to the Redis server at url and verifies connectivity.
func NewRedisLedger(ctx context.Context, url string, opts ...Option) (*RedisLedger, error) {
	if url == "" {
		return nil, errors.New("redis url is required")
	}
	parsed, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	raw := redis.NewClient(parsed)
	if err := raw.Ping(ctx).Err(); err != nil {
		raw.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisLedger{store: raw, raw: raw, opts: buildOptions(opts)}, nil
}

// NewRedisLedgerFromClient wraps an existing client. The caller keeps
// ownership of client; Close does not close it.
func NewRedisLedgerFromClient(client *redis.Client, opts ...Option) *RedisLedger {
	return &RedisLedger{store: client, opts: buildOptions(opts)}
}

func (r *RedisLedger) recordKey(eventID string) string {
	return fmt.Sprintf("%s:idempotency:%s:record:%s", r.opts.prefix, r.opts.consumer, eventID)
}

func (r *RedisLedger) claimKey(eventID string) string {
	return fmt.Sprintf("%s:idempotency:%s:claim:%s", r.opts.prefix, r.opts.consumer, eventID)
}

// Lookup implements Ledger.
func (r *RedisLedger) Lookup(ctx context.Context, eventID string) (Record, bool, error) {
	if r.closed.Load() {
		return Record{}, false, ErrClosed
	}

	data, err := r.store.Get(ctx, r.recordKey(eventID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return Record{}, false, fmt.Errorf("decode record %s: %w", eventID, err)
	}
	return rec, true, nil
}

// Claim implements Ledger. The claim key is taken first so that a concurrent
// Commit is always observed by the record check that follows.
func (r *RedisLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	if err := validateID(eventID); err != nil {
		return false, err
	}
	if r.closed.Load() {
		return false, ErrClosed
	}

	claimed, err := r.store.SetNX(ctx, r.claimKey(eventID), r.opts.now().UTC().Format(time.RFC3339Nano), r.opts.lease).Result()
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", eventID, err)
	}
	if !claimed {
		return false, nil
	}

	_, exists, err := r.Lookup(ctx, eventID)
	if err != nil || exists {
		if delErr := r.store.Del(ctx, r.claimKey(eventID)).Err(); delErr != nil && err == nil {
			err = fmt.Errorf("drop claim %s: %w", eventID, delErr)
		}
		return false, err
	}
	return true, nil
}

// Commit implements Ledger. The record is written before the claim is
// dropped so no window exists in which neither key is present.
func (r *RedisLedger) Commit(ctx context.Context, rec Record) error {
	if err := validateID(rec.EventID); err != nil {
		return err
	}
	if r.closed.Load() {
		return ErrClosed
	}

	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = r.opts.now()
	}
	rec.ProcessedAt = rec.ProcessedAt.UTC()

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.EventID, err)
	}

	if err := r.store.SetNX(ctx, r.recordKey(rec.EventID), data, r.opts.retention).Err(); err != nil {
		return fmt.Errorf("store record %s: %w", rec.EventID, err)
	}
	if err := r.store.Del(ctx, r.claimKey(rec.EventID)).Err(); err != nil {
		return fmt.Errorf("drop claim %s: %w", rec.EventID, err)
	}
	return nil
}

// Release implements Ledger.
func (r *RedisLedger) Release(ctx context.Context, eventID string) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := r.store.Del(ctx, r.claimKey(eventID)).Err(); err != nil {
		return fmt.Errorf("release claim %s: %w", eventID, err)
	}
	return nil
}

// Close implements Ledger.
func (r *RedisLedger) Close() error {
	if r.closed.Swap(true) {
		return nil
	}
	if r.raw != nil {
		return r.raw.Close()
	}
	return nil
}
