package core

import (
	"sync"
	"time"
)

// EventDedup suppresses repeated detection events of the same type for the
// same sender. A burst of replayed DIOs yields one event per window instead
// of one per rejected packet. Time comes from the event, so simulated runs
// dedup on the virtual clock.
type EventDedup struct {
	mu      sync.Mutex
	seen    map[dedupKey]time.Time
	window  time.Duration
	maxSize int
	dropped int64
}

type dedupKey struct {
	eventType string
	sender    string
}

// NewEventDedup creates a dedup cache. maxSize caps the number of tracked
// (type, sender) pairs.
func NewEventDedup(window time.Duration, maxSize int) *EventDedup {
	if window <= 0 {
		window = 5 * time.Second
	}
	if maxSize <= 0 {
		maxSize = 1024
	}
	return &EventDedup{
		seen:    make(map[dedupKey]time.Time),
		window:  window,
		maxSize: maxSize,
	}
}

// IsDuplicate reports whether an event of the same type and sender was let
// through less than one window before ev. Otherwise it records ev.
func (d *EventDedup) IsDuplicate(ev *DetectionEvent) bool {
	k := dedupKey{eventType: ev.Type, sender: ev.Sender}

	d.mu.Lock()
	defer d.mu.Unlock()

	if at, ok := d.seen[k]; ok {
		if age := ev.Timestamp.Sub(at); age >= 0 && age < d.window {
			d.dropped++
			return true
		}
	}

	d.seen[k] = ev.Timestamp
	if len(d.seen) > d.maxSize {
		d.evictLocked(ev.Timestamp)
	}
	return false
}

// evictLocked drops expired pairs, then the oldest ones while still over
// capacity.
func (d *EventDedup) evictLocked(now time.Time) {
	for k, at := range d.seen {
		if now.Sub(at) >= d.window {
			delete(d.seen, k)
		}
	}
	for len(d.seen) > d.maxSize {
		var oldest dedupKey
		var oldestAt time.Time
		first := true
		for k, at := range d.seen {
			if first || at.Before(oldestAt) {
				oldest, oldestAt, first = k, at, false
			}
		}
		delete(d.seen, oldest)
	}
}

// Suppressed returns how many events IsDuplicate has swallowed.
func (d *EventDedup) Suppressed() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

// Size returns the number of tracked pairs.
func (d *EventDedup) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}
