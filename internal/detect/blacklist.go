package detect

import (
	"net/netip"
	"strings"
	"time"
)

// MaxReasonLen is the longest reason tag kept on a blacklist entry, in bytes.
const MaxReasonLen = 31

// BlacklistEntry is the block state of one sender.
type BlacklistEntry struct {
	Sender         netip.Addr `json:"sender"`
	BlacklistedAt  time.Time  `json:"blacklisted_at"`
	ViolationCount uint32     `json:"violation_count"`
	Permanent      bool       `json:"permanent"`
	Active         bool       `json:"active"`
	Reason         string     `json:"reason"`
}

// Age returns how long the entry has been (re-)blacklisted at now.
func (e BlacklistEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.BlacklistedAt)
}

// Remaining returns the time left before a temporary entry expires. It is
// zero for permanent entries and for entries already past their duration.
func (e BlacklistEntry) Remaining(now time.Time, duration time.Duration) time.Duration {
	if e.Permanent {
		return 0
	}
	left := duration - e.Age(now)
	if left < 0 {
		return 0
	}
	return left
}

// BlacklistTable is a fixed-capacity table of blacklist slots. Inactive
// slots are free for reuse. Not safe for concurrent use.
type BlacklistTable struct {
	slots    []BlacklistEntry
	duration time.Duration

	// OnExpire, when set, is called with the entry that lazily expired.
	OnExpire func(BlacklistEntry)
}

// NewBlacklistTable allocates a table with capacity slots whose temporary
// entries stay blocked for duration.
func NewBlacklistTable(capacity int, duration time.Duration) *BlacklistTable {
	if capacity <= 0 {
		capacity = DefaultBlacklistCapacity
	}
	if duration <= 0 {
		duration = DefaultBlacklistDuration
	}
	return &BlacklistTable{
		slots:    make([]BlacklistEntry, capacity),
		duration: duration,
	}
}

func (t *BlacklistTable) find(sender netip.Addr) int {
	for i := range t.slots {
		if t.slots[i].Active && t.slots[i].Sender == sender {
			return i
		}
	}
	return -1
}

// IsBlocked reports whether sender has an active entry at now. A temporary
// entry older than the table duration is deactivated and reported unblocked.
func (t *BlacklistTable) IsBlocked(sender netip.Addr, now time.Time) bool {
	i := t.find(sender)
	if i < 0 {
		return false
	}
	e := &t.slots[i]
	if !e.Permanent && now.Sub(e.BlacklistedAt) > t.duration {
		e.Active = false
		if t.OnExpire != nil {
			t.OnExpire(*e)
		}
		return false
	}
	return true
}

// Add blacklists sender. An already active entry is refreshed: its violation
// count is incremented, its timestamp reset, and it is upgraded to permanent
// if requested. Otherwise a slot is allocated (first inactive slot, else the
// entry with the oldest BlacklistedAt) and seeded with violations. The
// returned bool is true when a new entry was created.
func (t *BlacklistTable) Add(sender netip.Addr, reason string, permanent bool, violations uint32, now time.Time) (BlacklistEntry, bool) {
	if i := t.find(sender); i >= 0 {
		e := &t.slots[i]
		e.ViolationCount++
		e.BlacklistedAt = now
		if permanent {
			e.Permanent = true
		}
		return *e, false
	}

	slot := -1
	oldest := 0
	for i := range t.slots {
		if !t.slots[i].Active && slot < 0 {
			slot = i
		}
		if t.slots[i].BlacklistedAt.Before(t.slots[oldest].BlacklistedAt) {
			oldest = i
		}
	}
	if slot < 0 {
		slot = oldest
	}

	if violations == 0 {
		violations = 1
	}
	t.slots[slot] = BlacklistEntry{
		Sender:         sender,
		BlacklistedAt:  now,
		ViolationCount: violations,
		Permanent:      permanent,
		Active:         true,
		Reason:         truncateReason(reason),
	}
	return t.slots[slot], true
}

// Remove deactivates the active entry for sender, if any.
func (t *BlacklistTable) Remove(sender netip.Addr) bool {
	i := t.find(sender)
	if i < 0 {
		return false
	}
	t.slots[i].Active = false
	return true
}

// Lookup returns a copy of the active entry for sender without applying expiry.
func (t *BlacklistTable) Lookup(sender netip.Addr) (BlacklistEntry, bool) {
	i := t.find(sender)
	if i < 0 {
		return BlacklistEntry{}, false
	}
	return t.slots[i], true
}

// Entries returns copies of all active entries in slot order.
func (t *BlacklistTable) Entries() []BlacklistEntry {
	out := make([]BlacklistEntry, 0, len(t.slots))
	for _, e := range t.slots {
		if e.Active {
			out = append(out, e)
		}
	}
	return out
}

// ActiveCount returns the number of active entries.
func (t *BlacklistTable) ActiveCount() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].Active {
			n++
		}
	}
	return n
}

// Capacity returns the number of slots.
func (t *BlacklistTable) Capacity() int { return len(t.slots) }

// Duration returns how long temporary entries stay blocked.
func (t *BlacklistTable) Duration() time.Duration { return t.duration }

func truncateReason(reason string) string {
	if len(reason) <= MaxReasonLen {
		return reason
	}
	return strings.ToValidUTF8(reason[:MaxReasonLen], "")
}
