package pipeline

import (
	"sync"
	"time"
)

// attemptTracker counts retryable failures per event id so an event that
// keeps failing is eventually dead-lettered instead of redelivered forever.
type attemptTracker struct {
	mu      sync.Mutex
	entries map[string]*attemptEntry
	window  time.Duration
	now     func() time.Time
}

type attemptEntry struct {
	count     int
	firstSeen time.Time
}

func newAttemptTracker(window time.Duration, now func() time.Time) *attemptTracker {
	return &attemptTracker{
		entries: make(map[string]*attemptEntry),
		window:  window,
		now:     now,
	}
}

// record adds one failure for eventID and returns the failures seen inside
// the current window, this one included.
func (t *attemptTracker) record(eventID string) int {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.pruneLocked(now)

	e, ok := t.entries[eventID]
	if !ok {
		e = &attemptEntry{firstSeen: now}
		t.entries[eventID] = e
	}
	e.count++
	return e.count
}

// count returns the failures recorded for eventID inside the window.
func (t *attemptTracker) count(eventID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[eventID]
	if !ok || t.expired(e, t.now()) {
		return 0
	}
	return e.count
}

func (t *attemptTracker) clear(eventID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, eventID)
}

func (t *attemptTracker) expired(e *attemptEntry, now time.Time) bool {
	return t.window > 0 && now.Sub(e.firstSeen) > t.window
}

func (t *attemptTracker) pruneLocked(now time.Time) {
	if t.window <= 0 {
		return
	}
	for id, e := range t.entries {
		if t.expired(e, now) {
			delete(t.entries, id)
		}
	}
}
