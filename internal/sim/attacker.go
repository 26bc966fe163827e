// Package sim reproduces a DIO replay attack in process: legitimate
// neighbors refreshing their advertisements and an attacker that captures
// advertisements and replays them in bursts.
package sim

import (
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/rs/zerolog"
)

// MaxCaptures is the size of the attacker's capture ring.
const MaxCaptures = 10

// Sink delivers an advertisement to the node under test.
type Sink func(obs *core.Observation)

// Capture is one recorded advertisement.
type Capture struct {
	From       netip.Addr `json:"from"`
	Rank       uint16     `json:"rank"`
	Version    uint8      `json:"version"`
	CapturedAt time.Time  `json:"captured_at"`
	valid      bool
}

// Attacker records advertisements and re-sends them from its own address.
type Attacker struct {
	addr        netip.Addr
	replayCount int
	sink        Sink
	logger      zerolog.Logger

	ring     [MaxCaptures]Capture
	next     int
	captured uint64
	replayed uint64
}

// NewAttacker creates an attacker sending from addr. Each valid capture is
// re-sent replayCount times per burst.
func NewAttacker(addr netip.Addr, replayCount int, sink Sink, logger zerolog.Logger) *Attacker {
	if replayCount <= 0 {
		replayCount = 1
	}
	return &Attacker{
		addr:        addr,
		replayCount: replayCount,
		sink:        sink,
		logger:      logger.With().Str("component", "attacker").Str("addr", addr.String()).Logger(),
	}
}

// Addr returns the address replays are sent from.
func (a *Attacker) Addr() netip.Addr { return a.addr }

// Capture records an advertisement, overwriting the oldest capture once
// the ring is full.
func (a *Attacker) Capture(from netip.Addr, rank uint16, version uint8, now time.Time) {
	a.ring[a.next] = Capture{
		From:       from,
		Rank:       rank,
		Version:    version,
		CapturedAt: now.Truncate(time.Second),
		valid:      true,
	}
	a.next = (a.next + 1) % MaxCaptures
	a.captured++
	a.logger.Info().
		Uint64("capture", a.captured).
		Str("from", from.String()).
		Uint16("rank", rank).
		Msg("captured DIO")
}

// Replay re-sends every valid capture and returns how many advertisements
// went out.
func (a *Attacker) Replay(now time.Time) int {
	now = now.Truncate(time.Second)
	sent := 0
	for i := range a.ring {
		c := a.ring[i]
		if !c.valid {
			continue
		}
		for j := 0; j < a.replayCount; j++ {
			a.sink(&core.Observation{
				Sender:     a.addr,
				Rank:       c.Rank,
				Version:    c.Version,
				ObservedAt: now,
				Source:     "replay",
			})
			sent++
		}
		a.logger.Debug().Int("slot", i).Int("times", a.replayCount).Msg("replayed DIO")
	}
	a.replayed += uint64(sent)
	if sent > 0 {
		a.logger.Warn().Int("sent", sent).Uint64("total", a.replayed).Msg("replay burst")
	}
	return sent
}

// Captures returns the valid captures in ring order.
func (a *Attacker) Captures() []Capture {
	var out []Capture
	for _, c := range a.ring {
		if c.valid {
			out = append(out, c)
		}
	}
	return out
}

// Counts returns the captured and replayed totals.
func (a *Attacker) Counts() (captured, replayed uint64) {
	return a.captured, a.replayed
}

// Report writes the attack statistics.
func (a *Attacker) Report(w io.Writer) {
	fmt.Fprintln(w, "=== DIO replay attack statistics ===")
	fmt.Fprintf(w, "DIOs captured: %d\n", a.captured)
	fmt.Fprintf(w, "DIOs replayed: %d\n", a.replayed)
	fmt.Fprintf(w, "Active captures in buffer: %d/%d\n", len(a.Captures()), MaxCaptures)
}
