package ledger

import (
	"bytes"
	"context"
	"sync"
	"time"
)

// MemoryLedger keeps records in process memory.
// Data is lost when the process exits.
type MemoryLedger struct {
	mu      sync.Mutex
	records map[string]Record
	claims  map[string]time.Time // eventID -> lease expiry
	opts    options
	closed  bool
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(opts ...Option) *MemoryLedger {
	return &MemoryLedger{
		records: make(map[string]Record),
		claims:  make(map[string]time.Time),
		opts:    buildOptions(opts),
	}
}

// Lookup implements Ledger.
func (m *MemoryLedger) Lookup(_ context.Context, eventID string) (Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return Record{}, false, ErrClosed
	}

	rec, ok := m.liveRecord(eventID)
	if !ok {
		return Record{}, false, nil
	}
	return copyRecord(rec), true, nil
}

// Claim implements Ledger.
func (m *MemoryLedger) Claim(_ context.Context, eventID string) (bool, error) {
	if err := validateID(eventID); err != nil {
		return false, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return false, ErrClosed
	}

	if _, ok := m.liveRecord(eventID); ok {
		return false, nil
	}
	now := m.opts.now()
	if expiry, ok := m.claims[eventID]; ok && now.Before(expiry) {
		return false, nil
	}
	m.claims[eventID] = now.Add(m.opts.lease)
	return true, nil
}

// Commit implements Ledger.
func (m *MemoryLedger) Commit(_ context.Context, rec Record) error {
	if err := validateID(rec.EventID); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}

	delete(m.claims, rec.EventID)
	if _, ok := m.liveRecord(rec.EventID); ok {
		return nil
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = m.opts.now()
	}
	m.records[rec.EventID] = copyRecord(rec)
	return nil
}

// Release implements Ledger.
func (m *MemoryLedger) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	delete(m.claims, eventID)
	return nil
}

// Count returns the number of live records.
func (m *MemoryLedger) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id := range m.records {
		if _, ok := m.liveRecord(id); ok {
			n++
		}
	}
	return n
}

// Close implements Ledger.
func (m *MemoryLedger) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.records = nil
	m.claims = nil
	return nil
}

// liveRecord returns the record unless retention has expired it.
// Caller must hold mu.
func (m *MemoryLedger) liveRecord(eventID string) (Record, bool) {
	rec, ok := m.records[eventID]
	if !ok {
		return Record{}, false
	}
	if m.opts.retention > 0 && m.opts.now().Sub(rec.ProcessedAt) > m.opts.retention {
		delete(m.records, eventID)
		return Record{}, false
	}
	return rec, true
}

func copyRecord(rec Record) Record {
	rec.Result = bytes.Clone(rec.Result)
	return rec
}
