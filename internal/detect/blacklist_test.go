package detect

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlacklistTable_AddAndBlocked(t *testing.T) {
	bl := NewBlacklistTable(4, 600*time.Second)
	a := addr("fe80::a")

	entry, created := bl.Add(a, ReasonDuplicate, false, 5, at(0))
	assert.True(t, created)
	assert.Equal(t, uint32(5), entry.ViolationCount)
	assert.True(t, bl.IsBlocked(a, at(1)))
	assert.False(t, bl.IsBlocked(addr("fe80::b"), at(1)))
}

func TestBlacklistTable_IsBlockedIdempotent(t *testing.T) {
	bl := NewBlacklistTable(4, 600*time.Second)
	a := addr("fe80::a")
	bl.Add(a, ReasonDuplicate, false, 5, at(0))

	before := bl.Entries()
	assert.True(t, bl.IsBlocked(a, at(10)))
	assert.True(t, bl.IsBlocked(a, at(10)))
	assert.Equal(t, before, bl.Entries())
}

func TestBlacklistTable_LazyExpiry(t *testing.T) {
	bl := NewBlacklistTable(4, 600*time.Second)
	a := addr("fe80::a")
	bl.Add(a, ReasonHighFrequency, false, 5, at(0))

	assert.True(t, bl.IsBlocked(a, at(599)))
	assert.True(t, bl.IsBlocked(a, at(600)), "expiry requires age strictly greater than duration")
	assert.Equal(t, 1, bl.ActiveCount(), "lookup before expiry must not deactivate")

	assert.False(t, bl.IsBlocked(a, at(601)))
	assert.Equal(t, 0, bl.ActiveCount())
	_, ok := bl.Lookup(a)
	assert.False(t, ok)
}

func TestBlacklistTable_ExpiredSlotReused(t *testing.T) {
	bl := NewBlacklistTable(1, 600*time.Second)
	a, b := addr("fe80::a"), addr("fe80::b")
	bl.Add(a, ReasonDuplicate, false, 5, at(0))
	require.False(t, bl.IsBlocked(a, at(601)))

	_, created := bl.Add(b, ReasonDuplicate, false, 5, at(700))
	assert.True(t, created)
	assert.True(t, bl.IsBlocked(b, at(701)))
	assert.Equal(t, 1, bl.ActiveCount())
}

func TestBlacklistTable_PermanentNeverExpires(t *testing.T) {
	bl := NewBlacklistTable(4, 600*time.Second)
	a := addr("fe80::a")
	bl.Add(a, ReasonManual, true, 1, at(0))
	assert.True(t, bl.IsBlocked(a, at(1_000_000)))
}

func TestBlacklistTable_RefreshExistingEntry(t *testing.T) {
	bl := NewBlacklistTable(4, 600*time.Second)
	a := addr("fe80::a")
	bl.Add(a, ReasonDuplicate, false, 5, at(0))

	entry, created := bl.Add(a, ReasonHighFrequency, true, 99, at(300))
	assert.False(t, created)
	assert.Equal(t, uint32(6), entry.ViolationCount)
	assert.Equal(t, at(300), entry.BlacklistedAt)
	assert.True(t, entry.Permanent)
	assert.Equal(t, ReasonDuplicate, entry.Reason, "reason of the original entry is kept")
	assert.Equal(t, 1, bl.ActiveCount(), "at most one active entry per sender")

	entry, _ = bl.Add(a, ReasonDuplicate, false, 0, at(400))
	assert.True(t, entry.Permanent, "permanent is never downgraded")
}

func TestBlacklistTable_EvictionPrefersInactiveSlot(t *testing.T) {
	bl := NewBlacklistTable(3, 600*time.Second)
	bl.Add(addr("fe80::1"), "r", false, 5, at(10))
	bl.Add(addr("fe80::2"), "r", false, 5, at(0))
	bl.Add(addr("fe80::3"), "r", false, 5, at(20))
	require.True(t, bl.Remove(addr("fe80::3")))

	bl.Add(addr("fe80::4"), "r", false, 5, at(30))
	assert.True(t, bl.IsBlocked(addr("fe80::1"), at(31)))
	assert.True(t, bl.IsBlocked(addr("fe80::2"), at(31)))
	assert.True(t, bl.IsBlocked(addr("fe80::4"), at(31)))
}

func TestBlacklistTable_EvictionOldestWhenFull(t *testing.T) {
	bl := NewBlacklistTable(3, 600*time.Second)
	bl.Add(addr("fe80::1"), "r", false, 5, at(10))
	bl.Add(addr("fe80::2"), "r", false, 5, at(0))
	bl.Add(addr("fe80::3"), "r", true, 5, at(20))

	_, created := bl.Add(addr("fe80::4"), "r", false, 5, at(30))
	assert.True(t, created)
	assert.False(t, bl.IsBlocked(addr("fe80::2"), at(31)), "oldest entry evicted")
	assert.True(t, bl.IsBlocked(addr("fe80::1"), at(31)))
	assert.True(t, bl.IsBlocked(addr("fe80::3"), at(31)))
	assert.True(t, bl.IsBlocked(addr("fe80::4"), at(31)))
	assert.Equal(t, 3, bl.ActiveCount())
}

func TestBlacklistTable_Remove(t *testing.T) {
	bl := NewBlacklistTable(4, 600*time.Second)
	a := addr("fe80::a")
	assert.False(t, bl.Remove(a))
	bl.Add(a, "r", true, 1, at(0))
	assert.True(t, bl.Remove(a))
	assert.False(t, bl.IsBlocked(a, at(1)))
}

func TestBlacklistTable_ReasonTruncated(t *testing.T) {
	bl := NewBlacklistTable(4, 600*time.Second)
	entry, _ := bl.Add(addr("fe80::a"), strings.Repeat("x", 80), false, 1, at(0))
	assert.Len(t, entry.Reason, MaxReasonLen)

	// a multi-byte rune straddling the limit is dropped rather than split
	entry, _ = bl.Add(addr("fe80::b"), strings.Repeat("a", 30)+"é", false, 1, at(0))
	assert.Equal(t, strings.Repeat("a", 30), entry.Reason)
}

func TestBlacklistEntry_Remaining(t *testing.T) {
	e := BlacklistEntry{BlacklistedAt: at(0)}
	assert.Equal(t, 500*time.Second, e.Remaining(at(100), 600*time.Second))
	assert.Equal(t, time.Duration(0), e.Remaining(at(700), 600*time.Second))

	e.Permanent = true
	assert.Equal(t, time.Duration(0), e.Remaining(at(100), 600*time.Second))
	assert.Equal(t, 100*time.Second, e.Age(at(100)))
}
