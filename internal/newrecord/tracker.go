package newrecord

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Tracker remembers which records were created by this process and when, so
// operations referencing them can wait out backend propagation delay. Entries
// live in memory only.
type Tracker struct {
	mu        sync.RWMutex
	clock     clockwork.Clock
	created   map[string]time.Time
	delay     time.Duration
	retryUpTo time.Duration
}

// NewTracker builds a tracker. postCreateDelay is how long a new record stays
// inaccessible; postCreateRetryUpTo is how long "not found" responses for it
// are treated as propagation lag.
func NewTracker(clock clockwork.Clock, postCreateDelay, postCreateRetryUpTo time.Duration) *Tracker {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Tracker{
		clock:     clock,
		created:   make(map[string]time.Time),
		delay:     postCreateDelay,
		retryUpTo: postCreateRetryUpTo,
	}
}

// Add records now as the creation time of key, replacing any earlier entry.
func (t *Tracker) Add(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.created[key] = t.clock.Now()
}

// Remove forgets key.
func (t *Tracker) Remove(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.created, key)
}

// CanAccess reports whether operations may reference key yet.
func (t *Tracker) CanAccess(key string) bool {
	return t.AccessibleIn(key) == 0
}

// AccessibleIn returns how long until key becomes accessible, zero if it
// already is.
func (t *Tracker) AccessibleIn(key string) time.Duration {
	t.mu.RLock()
	createdAt, ok := t.created[key]
	t.mu.RUnlock()
	if !ok {
		return 0
	}

	elapsed := t.clock.Since(createdAt)
	if elapsed > t.delay {
		return 0
	}
	// access opens strictly after the delay
	return t.delay - elapsed + time.Nanosecond
}

// IsInMissingRetryWindow reports whether key was created recently enough that
// a "not found" response about it should be retried.
func (t *Tracker) IsInMissingRetryWindow(key string) bool {
	t.mu.RLock()
	createdAt, ok := t.created[key]
	t.mu.RUnlock()
	if !ok {
		return false
	}
	return t.clock.Since(createdAt) <= t.retryUpTo
}
