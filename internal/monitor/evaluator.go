package monitor

import (
	"fmt"
	"io"
	"net/netip"
	"time"

	"github.com/1sec-project/dioguard/internal/rpl"
	"github.com/rs/zerolog"
)

// MaxTrackedNeighbors bounds the evaluator's neighbor history.
const MaxTrackedNeighbors = 10

// NetworkMetrics is the evaluator's view of routing stability.
type NetworkMetrics struct {
	Uptime         time.Duration `json:"uptime"`
	Connected      time.Duration `json:"connected"`
	Disconnected   time.Duration `json:"disconnected"`
	Joins          uint32        `json:"joins"`
	Leaves         uint32        `json:"leaves"`
	Rank           uint16        `json:"rank"`
	MinRank        uint16        `json:"min_rank"`
	MaxRank        uint16        `json:"max_rank"`
	RankChanges    uint32        `json:"rank_changes"`
	Version        uint8         `json:"version"`
	VersionChanges uint32        `json:"version_changes"`
	Neighbors      int           `json:"neighbors"`
	ParentSwitches uint32        `json:"parent_switches"`
	Parent         netip.Addr    `json:"parent"`
}

// TrackedNeighbor is the evaluator's history of one neighbor.
type TrackedNeighbor struct {
	Addr      netip.Addr `json:"addr"`
	Rank      uint16     `json:"rank"`
	FirstSeen time.Time  `json:"first_seen"`
	LastSeen  time.Time  `json:"last_seen"`
	Samples   uint32     `json:"samples"`
	IsParent  bool       `json:"is_parent"`
	WasParent bool       `json:"was_parent"`
}

// RunningStat keeps min, max and mean of a sampled value.
type RunningStat struct {
	Min     uint32  `json:"min"`
	Max     uint32  `json:"max"`
	Mean    float64 `json:"mean"`
	Samples uint32  `json:"samples"`
}

func (s *RunningStat) add(v uint32) {
	if s.Samples == 0 || v < s.Min {
		s.Min = v
	}
	if v > s.Max {
		s.Max = v
	}
	s.Mean = (s.Mean*float64(s.Samples) + float64(v)) / float64(s.Samples+1)
	s.Samples++
}

// Evaluator samples the routing topology and scores its stability.
type Evaluator struct {
	topo   rpl.Topology
	logger zerolog.Logger
	out    io.Writer

	m          NetworkMetrics
	start      time.Time
	lastSample time.Time
	wasJoined  bool
	joinedAt   time.Time
	lastRank   uint16
	haveVer    bool
	tracked    [MaxTrackedNeighbors]TrackedNeighbor
	rankStat   RunningStat
	nbrStat    RunningStat
}

// NewEvaluator creates an evaluator over topo writing reports to out.
func NewEvaluator(topo rpl.Topology, logger zerolog.Logger, out io.Writer) *Evaluator {
	return &Evaluator{
		topo:     topo,
		logger:   logger.With().Str("component", "evaluator").Logger(),
		out:      out,
		lastRank: rpl.InfiniteRank,
		m: NetworkMetrics{
			Rank:    rpl.InfiniteRank,
			MinRank: rpl.InfiniteRank,
		},
	}
}

// Sample reads the topology at now. Time since the previous sample counts
// as connected or disconnected according to the current state.
func (e *Evaluator) Sample(now time.Time) {
	now = now.Truncate(time.Second)
	if e.start.IsZero() {
		e.start = now
		e.lastSample = now
	}
	elapsed := now.Sub(e.lastSample)
	if elapsed < 0 {
		elapsed = 0
	}
	e.lastSample = now
	e.m.Uptime = now.Sub(e.start)

	joined := e.topo.Joined()
	if !joined {
		e.m.Disconnected += elapsed
		e.m.Rank = rpl.InfiniteRank
		e.m.Neighbors = 0
		if e.wasJoined {
			e.m.Leaves++
			e.logger.Warn().
				Uint32("leave", e.m.Leaves).
				Dur("was_connected", now.Sub(e.joinedAt)).
				Msg("left DODAG")
		}
		e.wasJoined = false
		return
	}

	e.m.Connected += elapsed
	if !e.wasJoined {
		e.m.Joins++
		e.joinedAt = now
		e.logger.Info().Uint32("join", e.m.Joins).Msg("joined DODAG")
	}
	e.wasJoined = true

	rank := e.topo.Rank()
	e.m.Rank = rank
	if rank < e.m.MinRank {
		e.m.MinRank = rank
	}
	if rank > e.m.MaxRank {
		e.m.MaxRank = rank
	}
	e.rankStat.add(uint32(rank))
	if e.lastRank != rpl.InfiniteRank && e.lastRank != rank {
		e.m.RankChanges++
		e.logger.Info().Uint16("from", e.lastRank).Uint16("to", rank).Msg("rank change")
	}
	e.lastRank = rank

	version := e.topo.Version()
	if e.haveVer && version != e.m.Version {
		e.m.VersionChanges++
		e.logger.Info().Uint8("from", e.m.Version).Uint8("to", version).Msg("DODAG version change")
	}
	e.m.Version = version
	e.haveVer = true

	for i := range e.tracked {
		e.tracked[i].IsParent = false
	}
	neighbors := e.topo.Neighbors()
	for _, n := range neighbors {
		t := e.track(n.Addr, now)
		t.Rank = n.Rank
		t.LastSeen = now
		t.Samples++
	}
	e.m.Neighbors = len(neighbors)
	e.nbrStat.add(uint32(len(neighbors)))

	if parent, ok := e.topo.PreferredParent(); ok {
		if e.m.Parent.IsValid() && e.m.Parent != parent {
			e.m.ParentSwitches++
			if old := e.find(e.m.Parent); old != nil {
				old.WasParent = true
			}
			e.logger.Info().
				Str("parent", parent.String()).
				Uint32("switch", e.m.ParentSwitches).
				Msg("parent switch")
		}
		t := e.track(parent, now)
		t.IsParent = true
		e.m.Parent = parent
	}
}

func (e *Evaluator) find(addr netip.Addr) *TrackedNeighbor {
	for i := range e.tracked {
		if !e.tracked[i].LastSeen.IsZero() && e.tracked[i].Addr == addr {
			return &e.tracked[i]
		}
	}
	return nil
}

// track returns the slot for addr, reusing the least recently seen slot.
func (e *Evaluator) track(addr netip.Addr, now time.Time) *TrackedNeighbor {
	if t := e.find(addr); t != nil {
		return t
	}
	oldest := 0
	for i := range e.tracked {
		if e.tracked[i].LastSeen.Before(e.tracked[oldest].LastSeen) {
			oldest = i
		}
	}
	e.tracked[oldest] = TrackedNeighbor{Addr: addr, FirstSeen: now, LastSeen: now}
	return &e.tracked[oldest]
}

// Metrics returns the current metrics.
func (e *Evaluator) Metrics() NetworkMetrics { return e.m }

// Tracked returns the neighbors in the history table.
func (e *Evaluator) Tracked() []TrackedNeighbor {
	var out []TrackedNeighbor
	for _, t := range e.tracked {
		if !t.LastSeen.IsZero() {
			out = append(out, t)
		}
	}
	return out
}

// Score weighs parent stability 40%, rank stability 30% and connected
// time 30%, on a 0-100 scale. It is zero before any time has elapsed.
func (e *Evaluator) Score() float64 {
	if e.m.Uptime <= 0 {
		return 0
	}
	parent := 100 / (1 + 0.5*float64(e.m.ParentSwitches))
	rank := 100 / (1 + 0.3*float64(e.m.RankChanges))
	connection := e.m.Connected.Seconds() * 100 / e.m.Uptime.Seconds()
	return parent*0.4 + rank*0.3 + connection*0.3
}

// CSV renders the evaluation line. Field order is fixed for downstream parsers.
func (e *Evaluator) CSV(now time.Time) string {
	return fmt.Sprintf("[EVAL] %d,%d,%d,%d,%d,%d,%d,%.1f",
		now.Unix(), e.m.Rank, e.m.Version, e.m.Neighbors,
		e.m.ParentSwitches, e.m.RankChanges, int64(e.m.Connected.Seconds()), e.Score())
}

// Report samples the topology and writes the evaluation block.
func (e *Evaluator) Report(now time.Time) {
	e.Sample(now)
	m := e.m
	w := e.out

	fmt.Fprintf(w, "=== RPL network evaluation: uptime %ds, score %.1f/100 ===\n", int64(m.Uptime.Seconds()), e.Score())
	if e.wasJoined {
		fmt.Fprintf(w, "Status:           joined DODAG\n")
		fmt.Fprintf(w, "Rank:             %d (range %d-%d)\n", m.Rank, m.MinRank, m.MaxRank)
		fmt.Fprintf(w, "DODAG version:    %d\n", m.Version)
		fmt.Fprintf(w, "Neighbors:        %d\n", m.Neighbors)
		if m.Parent.IsValid() {
			fmt.Fprintf(w, "Preferred parent: %s\n", m.Parent)
		}
	} else {
		fmt.Fprintf(w, "Status:           not in DODAG\n")
	}
	fmt.Fprintf(w, "Parent switches:  %d\n", m.ParentSwitches)
	fmt.Fprintf(w, "Rank changes:     %d\n", m.RankChanges)
	fmt.Fprintf(w, "Version changes:  %d\n", m.VersionChanges)
	fmt.Fprintf(w, "Joins/leaves:     %d/%d\n", m.Joins, m.Leaves)
	if m.Uptime > 0 {
		fmt.Fprintf(w, "Connected:        %ds (%.1f%%)\n", int64(m.Connected.Seconds()), m.Connected.Seconds()*100/m.Uptime.Seconds())
		fmt.Fprintf(w, "Disconnected:     %ds (%.1f%%)\n", int64(m.Disconnected.Seconds()), m.Disconnected.Seconds()*100/m.Uptime.Seconds())
		if m.Joins > 0 {
			fmt.Fprintf(w, "Avg session:      %ds\n", int64(m.Connected.Seconds())/int64(m.Joins))
		}
	}
	if e.rankStat.Samples > 0 {
		fmt.Fprintf(w, "Rank stats:       avg=%.0f min=%d max=%d (%d samples)\n",
			e.rankStat.Mean, e.rankStat.Min, e.rankStat.Max, e.rankStat.Samples)
	}
	if e.nbrStat.Samples > 0 {
		fmt.Fprintf(w, "Neighbor stats:   avg=%.1f min=%d max=%d (%d samples)\n",
			e.nbrStat.Mean, e.nbrStat.Min, e.nbrStat.Max, e.nbrStat.Samples)
	}
	for _, t := range e.Tracked() {
		role := ""
		switch {
		case t.IsParent:
			role = " [PARENT]"
		case t.WasParent:
			role = " [former parent]"
		}
		fmt.Fprintf(w, "  %s%s rank=%d samples=%d last=%ds ago\n",
			t.Addr, role, t.Rank, t.Samples, int64(now.Truncate(time.Second).Sub(t.LastSeen).Seconds()))
	}
	fmt.Fprintln(w, e.CSV(now.Truncate(time.Second)))
}
