package detect

import (
	"net/netip"
	"time"
)

// SenderObservation is the behavioral state kept for one advertisement sender.
type SenderObservation struct {
	Sender          netip.Addr `json:"sender"`
	LastSeen        time.Time  `json:"last_seen"`
	LastRank        uint16     `json:"last_rank"`
	LastVersion     uint8      `json:"last_version"`
	RateCount       int        `json:"rate_count"`
	RateWindowStart time.Time  `json:"rate_window_start"`
	ViolationCount  uint32     `json:"violation_count"`
}

// Seen reports whether the sender has been observed at least once.
func (o *SenderObservation) Seen() bool { return !o.LastSeen.IsZero() }

// ObservationTable is a fixed-capacity table of SenderObservation slots.
// Lookup is a linear scan; capacity is small on the nodes this runs on.
// Not safe for concurrent use, the owning Engine serializes access.
type ObservationTable struct {
	slots []SenderObservation
}

// NewObservationTable allocates a table with capacity slots.
func NewObservationTable(capacity int) *ObservationTable {
	if capacity <= 0 {
		capacity = DefaultObservationCapacity
	}
	return &ObservationTable{slots: make([]SenderObservation, capacity)}
}

// GetOrCreate returns the slot for sender, creating it if needed. A new sender
// takes the slot with the oldest LastSeen; empty slots have a zero LastSeen
// and are therefore always picked before any live entry.
func (t *ObservationTable) GetOrCreate(sender netip.Addr, now time.Time) *SenderObservation {
	oldest := 0
	for i := range t.slots {
		s := &t.slots[i]
		if s.Sender.IsValid() && s.Sender == sender {
			return s
		}
		if s.LastSeen.Before(t.slots[oldest].LastSeen) {
			oldest = i
		}
	}

	t.slots[oldest] = SenderObservation{Sender: sender}
	return &t.slots[oldest]
}

// Lookup returns a copy of the observation for sender.
func (t *ObservationTable) Lookup(sender netip.Addr) (SenderObservation, bool) {
	for i := range t.slots {
		if t.slots[i].Sender.IsValid() && t.slots[i].Sender == sender {
			return t.slots[i], true
		}
	}
	return SenderObservation{}, false
}

// Snapshot returns copies of every observed slot in table order.
func (t *ObservationTable) Snapshot() []SenderObservation {
	out := make([]SenderObservation, 0, len(t.slots))
	for _, s := range t.slots {
		if s.Seen() {
			out = append(out, s)
		}
	}
	return out
}

// ActiveCount returns the number of slots holding an observed sender.
func (t *ObservationTable) ActiveCount() int {
	n := 0
	for i := range t.slots {
		if t.slots[i].Seen() {
			n++
		}
	}
	return n
}

// Capacity returns the number of slots.
func (t *ObservationTable) Capacity() int { return len(t.slots) }
