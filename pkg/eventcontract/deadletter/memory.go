package deadletter

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrFull is returned when a MemorySink has reached its capacity.
var ErrFull = errors.New("dead-letter sink is full")

// ErrNotFound is returned when no record exists for an event id.
var ErrNotFound = errors.New("dead-letter record not found")

// MemoryConfig configures a MemorySink.
type MemoryConfig struct {
	// MaxSize limits the number of held records.
	// Default: 10000
	MaxSize int

	// OnSend is called after a record is stored.
	OnSend func(Record)
}

// DefaultMemoryConfig provides reasonable defaults.
var DefaultMemoryConfig = MemoryConfig{
	MaxSize: 10000,
}

// MemorySink holds dead-letter records in memory, keyed by the original
// event id. A second record for the same id replaces the first.
// Suitable for tests and single-instance deployments.
type MemorySink struct {
	mu      sync.RWMutex
	records map[string]Record
	cfg     MemoryConfig

	sent         int64
	acknowledged int64
	dropped      int64
}

// NewMemorySink creates an empty sink.
func NewMemorySink(cfg MemoryConfig) *MemorySink {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMemoryConfig.MaxSize
	}
	return &MemorySink{
		records: make(map[string]Record),
		cfg:     cfg,
	}
}

// Send implements Sink.
func (s *MemorySink) Send(_ context.Context, rec Record) error {
	s.mu.Lock()
	id := rec.Event.EventID
	if _, exists := s.records[id]; !exists && len(s.records) >= s.cfg.MaxSize {
		s.dropped++
		s.mu.Unlock()
		return ErrFull
	}
	s.records[id] = rec
	s.sent++
	s.mu.Unlock()

	if s.cfg.OnSend != nil {
		s.cfg.OnSend(rec)
	}
	return nil
}

// Get returns the record for an original event id.
func (s *MemorySink) Get(eventID string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[eventID]
	return rec, ok
}

// List returns held records, oldest first. An empty reason lists all.
func (s *MemorySink) List(reason Reason) []Record {
	s.mu.RLock()
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		if reason == "" || rec.Reason == reason {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].Event.EventID < out[j].Event.EventID
	})
	return out
}

// Acknowledge removes a record once it has been replayed or discarded.
func (s *MemorySink) Acknowledge(_ context.Context, eventID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[eventID]; !ok {
		return ErrNotFound
	}
	delete(s.records, eventID)
	s.acknowledged++
	return nil
}

// Count returns the number of held records.
func (s *MemorySink) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// CountByReason returns held record counts per reason.
func (s *MemorySink) CountByReason() map[Reason]int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[Reason]int)
	for _, rec := range s.records {
		counts[rec.Reason]++
	}
	return counts
}

// Stats summarizes sink activity.
type Stats struct {
	Pending      int
	Sent         int64
	Acknowledged int64
	Dropped      int64
}

// Stats returns current counters.
func (s *MemorySink) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return Stats{
		Pending:      len(s.records),
		Sent:         s.sent,
		Acknowledged: s.acknowledged,
		Dropped:      s.dropped,
	}
}
