package detect

import (
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return t0.Add(time.Duration(sec) * time.Second) }

func addr(s string) netip.Addr { return netip.MustParseAddr(s) }

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	return NewEngine(DefaultConfig(), zerolog.Nop())
}

func TestEvaluate_FirstObservationAccepted(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, Accepted, e.Evaluate(addr("fe80::1"), 256, 1, at(0)))

	obs, ok := e.Observation(addr("fe80::1"))
	require.True(t, ok)
	assert.Equal(t, at(0), obs.LastSeen)
	assert.Equal(t, uint16(256), obs.LastRank)
	assert.Equal(t, uint8(1), obs.LastVersion)
	assert.Equal(t, 1, obs.RateCount)
	assert.Zero(t, obs.ViolationCount)
}

func TestEvaluate_BurstWithinOneSecond(t *testing.T) {
	e := newTestEngine(t)
	a := addr("fe80::a")

	got := []Verdict{
		e.Evaluate(a, 10, 1, at(0)),
		e.Evaluate(a, 10, 1, at(0)),
		e.Evaluate(a, 10, 1, at(0)),
		e.Evaluate(a, 10, 1, at(0)),
	}

	assert.Equal(t, Accepted, got[0])
	for i := 1; i < 4; i++ {
		assert.True(t, got[i].Rejected(), "call %d should be rejected", i+1)
	}
	// rate_count 4 > 3 only on the fourth call; high frequency wins over duplicate.
	assert.Equal(t, RejectedDuplicate, got[1])
	assert.Equal(t, RejectedDuplicate, got[2])
	assert.Equal(t, RejectedHighFrequency, got[3])

	obs, _ := e.Observation(a)
	assert.Equal(t, 4, obs.RateCount)
	assert.Equal(t, uint32(4), obs.ViolationCount)
	assert.False(t, e.IsBlocked(a, at(0)), "below escalation threshold")
}

func TestEvaluate_HighFrequencyOnlyWithChangingRank(t *testing.T) {
	e := newTestEngine(t)
	a := addr("fe80::a")

	for i, rank := range []uint16{10, 11, 12} {
		assert.Equal(t, Accepted, e.Evaluate(a, rank, 1, at(0)), "call %d", i+1)
	}
	assert.Equal(t, RejectedHighFrequency, e.Evaluate(a, 13, 1, at(0)))

	obs, _ := e.Observation(a)
	assert.Equal(t, uint32(1), obs.ViolationCount)
}

func TestEvaluate_RateWindowResetsEachSecond(t *testing.T) {
	e := newTestEngine(t)
	a := addr("fe80::a")

	for i := 0; i < 3; i++ {
		e.Evaluate(a, uint16(100+i), 1, at(0))
	}
	e.Evaluate(a, 200, 1, at(1))

	obs, _ := e.Observation(a)
	assert.Equal(t, 1, obs.RateCount)
	assert.Equal(t, at(1), obs.RateWindowStart)
	assert.Zero(t, obs.ViolationCount)
}

func TestEvaluate_SubSecondTimestampsShareWindow(t *testing.T) {
	e := newTestEngine(t)
	a := addr("fe80::a")

	e.Evaluate(a, 1, 1, t0.Add(100*time.Millisecond))
	e.Evaluate(a, 2, 1, t0.Add(900*time.Millisecond))

	obs, _ := e.Observation(a)
	assert.Equal(t, 2, obs.RateCount)
	assert.Equal(t, t0, obs.LastSeen)
}

func TestEvaluate_DuplicateAfterQuietInterval(t *testing.T) {
	e := newTestEngine(t)
	b := addr("fe80::b")

	assert.Equal(t, Accepted, e.Evaluate(b, 7, 2, at(0)))
	assert.Equal(t, RejectedDuplicate, e.Evaluate(b, 7, 2, at(3)))
	assert.Equal(t, Accepted, e.Evaluate(b, 7, 2, at(403)))

	obs, _ := e.Observation(b)
	assert.Equal(t, uint32(1), obs.ViolationCount)
}

func TestEvaluate_DuplicateWindowBoundary(t *testing.T) {
	t.Run("four seconds is a duplicate", func(t *testing.T) {
		e := newTestEngine(t)
		e.Evaluate(addr("fe80::b"), 7, 2, at(0))
		assert.Equal(t, RejectedDuplicate, e.Evaluate(addr("fe80::b"), 7, 2, at(4)))
	})
	t.Run("five seconds is not", func(t *testing.T) {
		e := newTestEngine(t)
		e.Evaluate(addr("fe80::b"), 7, 2, at(0))
		assert.Equal(t, Accepted, e.Evaluate(addr("fe80::b"), 7, 2, at(5)))
	})
}

func TestEvaluate_DifferentVersionNotDuplicate(t *testing.T) {
	e := newTestEngine(t)
	e.Evaluate(addr("fe80::b"), 7, 2, at(0))
	assert.Equal(t, Accepted, e.Evaluate(addr("fe80::b"), 7, 3, at(1)))
	assert.Equal(t, Accepted, e.Evaluate(addr("fe80::b"), 8, 3, at(2)))
}

func TestEvaluate_FlaggedCallStillUpdatesState(t *testing.T) {
	e := newTestEngine(t)
	b := addr("fe80::b")
	e.Evaluate(b, 7, 2, at(0))
	e.Evaluate(b, 7, 2, at(2))

	obs, _ := e.Observation(b)
	assert.Equal(t, at(2), obs.LastSeen)

	// window restarts from the flagged call, so t=6 is still inside it
	assert.Equal(t, RejectedDuplicate, e.Evaluate(b, 7, 2, at(6)))
}

func TestEvaluate_EscalationAfterFifthViolation(t *testing.T) {
	e := newTestEngine(t)
	c := addr("fe80::c")

	assert.Equal(t, Accepted, e.Evaluate(c, 5, 1, at(0)))
	for sec := 1; sec <= 4; sec++ {
		assert.Equal(t, RejectedDuplicate, e.Evaluate(c, 5, 1, at(sec)))
		assert.False(t, e.IsBlocked(c, at(sec)), "blocked too early at violation %d", sec)
	}

	assert.Equal(t, RejectedDuplicate, e.Evaluate(c, 5, 1, at(5)), "fifth violation reports its signature")

	entry, ok := e.BlacklistEntry(c)
	require.True(t, ok)
	assert.True(t, entry.Active)
	assert.False(t, entry.Permanent)
	assert.Equal(t, uint32(5), entry.ViolationCount)
	assert.Equal(t, ReasonDuplicate, entry.Reason)
	assert.Equal(t, at(5), entry.BlacklistedAt)

	assert.Equal(t, RejectedBlacklisted, e.Evaluate(c, 9, 9, at(6)))
	assert.Equal(t, RejectedBlacklisted, e.Evaluate(c, 9, 9, at(605)))

	stats := e.Stats()
	assert.Equal(t, uint64(1), stats.NodesBlacklisted)
	assert.Equal(t, uint64(2), stats.RejectedBlacklisted)
	assert.Equal(t, uint64(5), stats.RejectedDuplicate)
}

func TestEvaluate_EscalationMixedSignatures(t *testing.T) {
	e := newTestEngine(t)
	c := addr("fe80::c")

	// one high-frequency violation: ranks differ so only the rate fires
	for rank := uint16(1); rank <= 4; rank++ {
		e.Evaluate(c, rank, 1, at(0))
	}
	obs, _ := e.Observation(c)
	require.Equal(t, uint32(1), obs.ViolationCount)

	// three duplicates
	for sec := 1; sec <= 3; sec++ {
		assert.Equal(t, RejectedDuplicate, e.Evaluate(c, 4, 1, at(sec)))
	}
	assert.False(t, e.IsBlocked(c, at(3)))

	// fifth violation via the rate signature
	for rank := uint16(20); rank < 23; rank++ {
		assert.Equal(t, Accepted, e.Evaluate(c, rank, 1, at(10)))
	}
	assert.Equal(t, RejectedHighFrequency, e.Evaluate(c, 30, 1, at(10)))

	entry, ok := e.BlacklistEntry(c)
	require.True(t, ok)
	assert.Equal(t, uint32(5), entry.ViolationCount)
	assert.Equal(t, ReasonHighFrequency, entry.Reason)
}

func TestEvaluate_BlacklistedSenderNotTracked(t *testing.T) {
	e := newTestEngine(t)
	c := addr("fe80::c")
	e.Block(c, "", false, at(0))

	e.Evaluate(c, 1, 1, at(1))
	_, tracked := e.Observation(c)
	assert.False(t, tracked)
}

func TestEvaluate_ExpiryResumesEvaluation(t *testing.T) {
	e := newTestEngine(t)
	c := addr("fe80::c")
	for sec := 0; sec <= 5; sec++ {
		e.Evaluate(c, 5, 1, at(sec))
	}
	require.True(t, e.IsBlocked(c, at(5)))

	assert.Equal(t, RejectedBlacklisted, e.Evaluate(c, 6, 1, at(605)))
	assert.Equal(t, Accepted, e.Evaluate(c, 6, 1, at(606)))

	obs, _ := e.Observation(c)
	assert.Equal(t, uint32(5), obs.ViolationCount, "violations are retained across blacklisting")

	// the very next violation re-escalates
	assert.Equal(t, RejectedDuplicate, e.Evaluate(c, 6, 1, at(607)))
	entry, ok := e.BlacklistEntry(c)
	require.True(t, ok)
	assert.Equal(t, uint32(6), entry.ViolationCount)
	assert.Equal(t, uint64(2), e.Stats().NodesBlacklisted)
}

func TestEvaluate_AutoBlacklistDisabled(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AutoBlacklist = false
	e := NewEngine(cfg, zerolog.Nop())
	c := addr("fe80::c")
	for sec := 0; sec <= 10; sec++ {
		e.Evaluate(c, 5, 1, at(sec))
	}
	assert.False(t, e.IsBlocked(c, at(10)))
	obs, _ := e.Observation(c)
	assert.Equal(t, uint32(10), obs.ViolationCount)
}

func TestEngine_OnBlacklistHandler(t *testing.T) {
	e := newTestEngine(t)
	var got []BlacklistEntry
	e.OnBlacklist(func(entry BlacklistEntry) { got = append(got, entry) })

	c := addr("fe80::c")
	for sec := 0; sec <= 5; sec++ {
		e.Evaluate(c, 5, 1, at(sec))
	}
	require.Len(t, got, 1)
	assert.Equal(t, c, got[0].Sender)
}

func TestEngine_OnExpireHandler(t *testing.T) {
	e := newTestEngine(t)
	var expired []netip.Addr
	e.OnExpire(func(entry BlacklistEntry) { expired = append(expired, entry.Sender) })

	c := addr("fe80::c")
	e.Block(c, "", false, at(0))
	assert.False(t, e.IsBlocked(c, at(601)))
	assert.Equal(t, []netip.Addr{c}, expired)
}

func TestEngine_BlockAndUnblock(t *testing.T) {
	e := newTestEngine(t)
	d := addr("fe80::d")

	entry := e.Block(d, "", true, at(0))
	assert.True(t, entry.Permanent)
	assert.Equal(t, ReasonManual, entry.Reason)
	assert.Equal(t, uint32(1), entry.ViolationCount)
	assert.True(t, e.IsBlocked(d, at(100000)), "permanent entries never expire")

	assert.True(t, e.Unblock(d))
	assert.False(t, e.Unblock(d))
	assert.Equal(t, Accepted, e.Evaluate(d, 1, 1, at(100001)))
}

func TestEngine_BlockCarriesObservedViolations(t *testing.T) {
	e := newTestEngine(t)
	d := addr("fe80::d")
	e.Evaluate(d, 1, 1, at(0))
	e.Evaluate(d, 1, 1, at(1))

	entry := e.Block(d, "operator", false, at(2))
	assert.Equal(t, uint32(1), entry.ViolationCount)
}

func TestEngine_SnapshotCounts(t *testing.T) {
	e := newTestEngine(t)
	e.Evaluate(addr("fe80::1"), 1, 1, at(0))
	e.Evaluate(addr("fe80::2"), 1, 1, at(0))
	e.Block(addr("fe80::3"), "", false, at(0))

	snap := e.Snapshot()
	assert.Len(t, snap.Observations, 2)
	assert.Len(t, snap.Blacklist, 1)
	assert.Equal(t, uint64(2), snap.Stats.Received)
	assert.Equal(t, uint64(2), snap.Stats.Accepted)
	assert.Equal(t, DefaultObservationCapacity, snap.ObservationCap)
	assert.Equal(t, DefaultBlacklistDuration, snap.BlacklistDuration)
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "accepted", Accepted.String())
	assert.Equal(t, "rejected_blacklisted", RejectedBlacklisted.String())
	assert.Equal(t, "rejected_high_frequency", RejectedHighFrequency.String())
	assert.Equal(t, "rejected_duplicate", RejectedDuplicate.String())
	assert.Equal(t, "unknown", Verdict(42).String())
}
