// Package idwindow provides a bounded, time-windowed set of message ids.
// It backs receiver-side deduplication under at-least-once delivery without
// growing without bound over a long-lived session.
package idwindow

import (
	"sync"
	"time"
)

// Window remembers ids for a fixed retention period, up to a maximum count.
// It is safe for concurrent use.
type Window struct {
	mu      sync.Mutex
	ids     map[string]time.Time
	ttl     time.Duration
	maxSize int
}

// New creates a window retaining ids for ttl, holding at most maxSize entries.
// When the size cap is hit the oldest entries are evicted first.
func New(ttl time.Duration, maxSize int) *Window {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &Window{
		ids:     make(map[string]time.Time),
		ttl:     ttl,
		maxSize: maxSize,
	}
}

// Seen reports whether id is currently remembered.
func (w *Window) Seen(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	at, ok := w.ids[id]
	if !ok {
		return false
	}
	if time.Since(at) > w.ttl {
		delete(w.ids, id)
		return false
	}
	return true
}

// Mark remembers id.
func (w *Window) Mark(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.markLocked(id)
}

// MarkIfNew atomically checks and remembers id, returning true when id was
// not already present. Concurrent scans observing the same entry therefore
// elect exactly one processor.
func (w *Window) MarkIfNew(id string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if at, ok := w.ids[id]; ok && time.Since(at) <= w.ttl {
		return false
	}
	w.markLocked(id)
	return true
}

// Forget drops id so a later scan can claim it again, e.g. after a failed
// mailbox read.
func (w *Window) Forget(id string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.ids, id)
}

// Len returns the current number of remembered ids.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.ids)
}

func (w *Window) markLocked(id string) {
	now := time.Now()
	for k, at := range w.ids {
		if now.Sub(at) > w.ttl {
			delete(w.ids, k)
		}
	}
	for len(w.ids) >= w.maxSize {
		w.evictOldestLocked()
	}
	w.ids[id] = now
}

func (w *Window) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for k, at := range w.ids {
		if oldestID == "" || at.Before(oldestAt) {
			oldestID = k
			oldestAt = at
		}
	}
	if oldestID == "" {
		return
	}
	delete(w.ids, oldestID)
}
