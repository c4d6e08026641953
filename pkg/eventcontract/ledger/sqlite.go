package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver
)

// SQLiteLedger persists records to SQLite.
// It is suitable for single-host production use.
type SQLiteLedger struct {
	db     *sql.DB
	opts   options
	mu     sync.RWMutex
	closed bool
}

// NewSQLiteLedger opens or creates a ledger database.
// The path should be a file path (e.g., "./ledger.db") or ":memory:" for testing.
func NewSQLiteLedger(path string, opts ...Option) (*SQLiteLedger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One connection: writes are serialized anyway, and every ":memory:"
	// connection would otherwise see its own empty database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_records (
			consumer TEXT NOT NULL,
			event_id TEXT NOT NULL,
			processed_at INTEGER NOT NULL,
			result BLOB,
			PRIMARY KEY (consumer, event_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create records table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS idempotency_claims (
			consumer TEXT NOT NULL,
			event_id TEXT NOT NULL,
			expires_at INTEGER NOT NULL,
			PRIMARY KEY (consumer, event_id)
		)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create claims table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_idempotency_records_processed_at
		ON idempotency_records(processed_at)
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create index: %w", err)
	}

	return &SQLiteLedger{db: db, opts: buildOptions(opts)}, nil
}

// Lookup implements Ledger.
func (s *SQLiteLedger) Lookup(ctx context.Context, eventID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return Record{}, false, ErrClosed
	}

	var (
		processedAt int64
		result      []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT processed_at, result FROM idempotency_records
		WHERE consumer = ? AND event_id = ? AND processed_at >= ?
	`, s.opts.consumer, eventID, s.cutoff()).Scan(&processedAt, &result)

	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("lookup record: %w", err)
	}
	return Record{
		EventID:     eventID,
		ProcessedAt: time.Unix(0, processedAt).UTC(),
		Result:      result,
	}, true, nil
}

// Claim implements Ledger.
func (s *SQLiteLedger) Claim(ctx context.Context, eventID string) (bool, error) {
	if err := validateID(eventID); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin claim: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM idempotency_records
		WHERE consumer = ? AND event_id = ? AND processed_at >= ?
	`, s.opts.consumer, eventID, s.cutoff()).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check record: %w", err)
	}
	if exists > 0 {
		return false, nil
	}

	now := s.opts.now()
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM idempotency_claims
		WHERE consumer = ? AND event_id = ? AND expires_at <= ?
	`, s.opts.consumer, eventID, now.UnixNano()); err != nil {
		return false, fmt.Errorf("expire claim: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO idempotency_claims (consumer, event_id, expires_at)
		VALUES (?, ?, ?)
	`, s.opts.consumer, eventID, now.Add(s.opts.lease).UnixNano())
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("insert claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit claim: %w", err)
	}
	return n == 1, nil
}

// Commit implements Ledger.
func (s *SQLiteLedger) Commit(ctx context.Context, rec Record) error {
	if err := validateID(rec.EventID); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = s.opts.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	// Expired records are replaced; live ones keep the first result.
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_records (consumer, event_id, processed_at, result)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(consumer, event_id) DO UPDATE SET
			processed_at = excluded.processed_at,
			result = excluded.result
		WHERE idempotency_records.processed_at < ?
	`, s.opts.consumer, rec.EventID, rec.ProcessedAt.UnixNano(), []byte(rec.Result), s.cutoff()); err != nil {
		return fmt.Errorf("insert record: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM idempotency_claims WHERE consumer = ? AND event_id = ?
	`, s.opts.consumer, rec.EventID); err != nil {
		return fmt.Errorf("drop claim: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit record: %w", err)
	}
	return nil
}

// Release implements Ledger.
func (s *SQLiteLedger) Release(ctx context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_claims WHERE consumer = ? AND event_id = ?
	`, s.opts.consumer, eventID); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Count returns the number of live records for this consumer.
func (s *SQLiteLedger) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	var n int
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM idempotency_records
		WHERE consumer = ? AND processed_at >= ?
	`, s.opts.consumer, s.cutoff()).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Purge deletes records older than the retention window and expired claims.
// It returns the number of records removed.
func (s *SQLiteLedger) Purge(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}

	if _, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_claims WHERE consumer = ? AND expires_at <= ?
	`, s.opts.consumer, s.opts.now().UnixNano()); err != nil {
		return 0, fmt.Errorf("purge claims: %w", err)
	}

	if s.opts.retention <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM idempotency_records WHERE consumer = ? AND processed_at < ?
	`, s.opts.consumer, s.cutoff())
	if err != nil {
		return 0, fmt.Errorf("purge records: %w", err)
	}
	return res.RowsAffected()
}

// Close implements Ledger.
func (s *SQLiteLedger) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	s.closed = true
	return s.db.Close()
}

// cutoff is the oldest processed_at still inside the retention window.
func (s *SQLiteLedger) cutoff() int64 {
	if s.opts.retention <= 0 {
		return 0
	}
	return s.opts.now().Add(-s.opts.retention).UnixNano()
}
