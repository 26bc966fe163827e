package mitigation

import (
	"fmt"
	"io"
	"time"

	"github.com/1sec-project/dioguard/internal/detect"
)

// Summary is the periodic record published to dio.summaries.<node>.
type Summary struct {
	Node                  string    `json:"node"`
	Timestamp             time.Time `json:"timestamp"`
	Received              uint64    `json:"received"`
	Accepted              uint64    `json:"accepted"`
	RejectedHighFrequency uint64    `json:"rejected_high_frequency"`
	RejectedDuplicate     uint64    `json:"rejected_duplicate"`
	RejectedBlacklisted   uint64    `json:"rejected_blacklisted"`
	ActiveBlacklist       int       `json:"active_blacklist"`
	NodesBlacklisted      uint64    `json:"nodes_blacklisted"`
	TrackedNodes          int       `json:"tracked_nodes"`
	ReplayPercent         float64   `json:"replay_percent"`
}

// CSV renders the summary line. Field order is fixed for downstream parsers.
func (s Summary) CSV() string {
	return fmt.Sprintf("[CSV] %d,%d,%d,%d,%d,%d,%d",
		s.Timestamp.Unix(), s.Received, s.Accepted,
		s.RejectedHighFrequency, s.RejectedDuplicate, s.RejectedBlacklisted,
		s.ActiveBlacklist)
}

func summarize(node string, snap detect.Snapshot, now time.Time) Summary {
	st := snap.Stats
	return Summary{
		Node:                  node,
		Timestamp:             now.Truncate(time.Second).UTC(),
		Received:              st.Received,
		Accepted:              st.Accepted,
		RejectedHighFrequency: st.RejectedHighFreq,
		RejectedDuplicate:     st.RejectedDuplicate,
		RejectedBlacklisted:   st.RejectedBlacklisted,
		ActiveBlacklist:       len(snap.Blacklist),
		NodesBlacklisted:      st.NodesBlacklisted,
		TrackedNodes:          len(snap.Observations),
		ReplayPercent:         percent(st.Replays(), st.Received),
	}
}

func percent(part, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(part) * 100 / float64(total)
}

// Report writes the statistics block and CSV summary, and publishes the
// summary when the bus is available.
func (m *Mitigation) Report(now time.Time) {
	if m.engine == nil {
		return
	}
	snap := m.engine.Snapshot()
	sum := summarize(m.node, snap, now)
	writeReport(m.out, snap, sum, now)

	if dropped := m.Dropped(); dropped > 0 {
		m.logger.Warn().Int64("dropped", dropped).Msg("detection events dropped, publish queue full")
	}

	if m.bus != nil {
		if err := m.bus.PublishSummary(m.node, sum); err != nil {
			m.logger.Error().Err(err).Msg("failed to publish summary")
		}
	}
}

func writeReport(w io.Writer, snap detect.Snapshot, sum Summary, now time.Time) {
	st := snap.Stats
	fmt.Fprintf(w, "=== DIO replay mitigation statistics (%s) ===\n", sum.Node)
	fmt.Fprintf(w, "DIOs monitored:      %d\n", st.Received)
	fmt.Fprintf(w, "DIOs accepted:       %d (%.1f%%)\n", st.Accepted, percent(st.Accepted, st.Received))
	fmt.Fprintf(w, "Replays detected:    %d (%.1f%%)\n", st.Replays(), sum.ReplayPercent)
	fmt.Fprintf(w, "  high frequency:    %d\n", st.RejectedHighFreq)
	fmt.Fprintf(w, "  duplicates:        %d\n", st.RejectedDuplicate)
	fmt.Fprintf(w, "DIOs blocked (BL):   %d\n", st.RejectedBlacklisted)
	fmt.Fprintf(w, "Active blacklist:    %d/%d\n", sum.ActiveBlacklist, snap.BlacklistCap)
	fmt.Fprintf(w, "Total blacklisted:   %d\n", st.NodesBlacklisted)
	fmt.Fprintf(w, "Active nodes:        %d/%d\n", sum.TrackedNodes, snap.ObservationCap)

	if st.Received > 0 && st.Replays() > 0 {
		fmt.Fprintf(w, "REPLAY ATTACK IN PROGRESS, intensity %.1f%% of traffic\n", sum.ReplayPercent)
	}

	blocked := make(map[string]bool, len(snap.Blacklist))
	for _, e := range snap.Blacklist {
		if e.Permanent || e.Age(now) <= snap.BlacklistDuration {
			blocked[e.Sender.String()] = true
		}
	}

	fmt.Fprintln(w, "--- per-node analysis ---")
	for _, o := range snap.Observations {
		mark := ""
		if blocked[o.Sender.String()] {
			mark = " [BLACKLISTED]"
		}
		fmt.Fprintf(w, "%s%s: rank=%d ver=%d rate=%d/s violations=%d age=%ds\n",
			o.Sender, mark, o.LastRank, o.LastVersion, o.RateCount, o.ViolationCount,
			int64(now.Sub(o.LastSeen)/time.Second))
	}
	fmt.Fprintln(w, sum.CSV())
}

// DumpBlacklist writes the active blacklist entries.
func (m *Mitigation) DumpBlacklist(now time.Time) {
	if m.engine == nil {
		return
	}
	snap := m.engine.Snapshot()
	writeBlacklist(m.out, snap, now)
}

func writeBlacklist(w io.Writer, snap detect.Snapshot, now time.Time) {
	fmt.Fprintln(w, "=== blacklist ===")
	if len(snap.Blacklist) == 0 {
		fmt.Fprintln(w, "  (empty)")
	}
	for i, e := range snap.Blacklist {
		kind := "TEMPORARY"
		if e.Permanent {
			kind = "PERMANENT"
		}
		fmt.Fprintf(w, "%d. %s\n", i+1, e.Sender)
		fmt.Fprintf(w, "   reason: %s\n", e.Reason)
		fmt.Fprintf(w, "   type: %s\n", kind)
		fmt.Fprintf(w, "   violations: %d\n", e.ViolationCount)
		fmt.Fprintf(w, "   age: %ds", int64(e.Age(now)/time.Second))
		if !e.Permanent {
			fmt.Fprintf(w, " (expires in %ds)", int64(e.Remaining(now, snap.BlacklistDuration)/time.Second))
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "Active entries: %d/%d\n", len(snap.Blacklist), snap.BlacklistCap)
}
