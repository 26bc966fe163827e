package sim

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/netip"
	"os"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/monitor"
	"github.com/1sec-project/dioguard/internal/rpl"
	"github.com/rs/zerolog"
)

const (
	rankStep          = 256
	rankJitter        = 32
	attackerStatsTick = 60 * time.Second
)

// NeighborAddr is the link-local address of simulated neighbor i (1-based).
func NeighborAddr(i int) netip.Addr {
	return netip.MustParseAddr(fmt.Sprintf("fe80::212:7400:%x:%x", i, i))
}

// NewTopology builds a joined topology with n neighbors. Neighbor 1 is the
// preferred parent; neighbor i advertises rank i*256.
func NewTopology(n int) *rpl.SimTopology {
	topo := rpl.NewSimTopology()
	topo.Join(2*rankStep, 1)
	for i := 1; i <= n; i++ {
		topo.UpsertNeighbor(NeighborAddr(i), uint16(i*rankStep))
	}
	if n > 0 {
		topo.SetParent(NeighborAddr(1))
	}
	return topo
}

type neighbor struct {
	addr netip.Addr
	base uint16
	rank uint16
}

// Scenario drives legitimate neighbors, an attacker and the monitoring loop
// off one clock. In poll mode the loop reads the neighbors from the
// topology; in push mode the scenario sends their advertisements through
// the sink.
type Scenario struct {
	cfg      core.SimulationConfig
	topo     *rpl.SimTopology
	loop     *monitor.Loop
	attacker *Attacker
	sink     Sink
	push     bool
	interval time.Duration
	logger   zerolog.Logger
	out      io.Writer

	neighbors  []neighbor
	rng        *rand.Rand
	started    bool
	nextAdvert time.Time
	nextCap    time.Time
	nextAttack time.Time
	nextStats  time.Time
	capIdx     int
	advertised uint64
}

// NewScenario wires a scenario over topo and loop. Replays, and in push
// mode the legitimate advertisements, go to sink.
func NewScenario(cfg *core.Config, topo *rpl.SimTopology, loop *monitor.Loop, sink Sink, logger zerolog.Logger, out io.Writer) (*Scenario, error) {
	addr, err := netip.ParseAddr(cfg.Simulation.AttackerAddress)
	if err != nil {
		return nil, fmt.Errorf("parsing attacker address: %w", err)
	}
	if out == nil {
		out = os.Stdout
	}
	s := &Scenario{
		cfg:      cfg.Simulation,
		topo:     topo,
		loop:     loop,
		sink:     sink,
		push:     cfg.Monitor.Mode == core.ModePush,
		interval: cfg.Monitor.Interval,
		logger:   logger.With().Str("component", "scenario").Logger(),
		out:      out,
		rng:      rand.New(rand.NewPCG(0x5eed, 0xd10)),
	}
	if s.interval <= 0 {
		s.interval = core.DefaultConfig().Monitor.Interval
	}
	s.attacker = NewAttacker(addr, cfg.Simulation.ReplayCount, sink, logger)
	for _, n := range topo.Neighbors() {
		s.neighbors = append(s.neighbors, neighbor{addr: n.Addr, base: n.Rank, rank: n.Rank})
	}
	return s, nil
}

// Attacker returns the scenario's attacker.
func (s *Scenario) Attacker() *Attacker { return s.attacker }

// Advertised returns how many legitimate advertisements were sent through
// the sink.
func (s *Scenario) Advertised() uint64 { return s.advertised }

// Step advances the scenario to now.
func (s *Scenario) Step(now time.Time) {
	now = now.Truncate(time.Second)
	if !s.started {
		s.started = true
		s.nextAdvert = now
		s.nextCap = now.Add(s.cfg.CaptureInterval)
		s.nextAttack = now.Add(s.cfg.AttackInterval)
		s.nextStats = now.Add(attackerStatsTick)
		s.logger.Info().
			Int("neighbors", len(s.neighbors)).
			Str("attacker", s.attacker.Addr().String()).
			Bool("push", s.push).
			Msg("scenario started")
	}

	if !now.Before(s.nextAdvert) {
		s.advertise(now)
		s.nextAdvert = s.nextAdvert.Add(s.interval)
	}
	if !now.Before(s.nextCap) {
		s.capture(now)
		s.nextCap = s.nextCap.Add(s.cfg.CaptureInterval)
	}
	if !now.Before(s.nextAttack) {
		s.attacker.Replay(now)
		s.nextAttack = s.nextAttack.Add(s.cfg.AttackInterval)
	}

	s.loop.Step(now)

	if !now.Before(s.nextStats) {
		s.attacker.Report(s.out)
		s.nextStats = s.nextStats.Add(attackerStatsTick)
	}
}

// advertise refreshes every legitimate neighbor's rank. Link metrics move
// between refreshes, so consecutive advertisements differ.
func (s *Scenario) advertise(now time.Time) {
	version := s.topo.Version()
	for i := range s.neighbors {
		n := &s.neighbors[i]
		r := n.base + uint16(s.rng.IntN(rankJitter))
		if r == n.rank {
			r = n.base + (r-n.base+1)%rankJitter
		}
		n.rank = r
		s.topo.UpsertNeighbor(n.addr, r)
		if s.push {
			s.sink(&core.Observation{
				Sender:     n.addr,
				Rank:       r,
				Version:    version,
				ObservedAt: now,
				Source:     "sim",
			})
			s.advertised++
		}
	}
}

// capture has the attacker record the next neighbor's current advertisement.
func (s *Scenario) capture(now time.Time) {
	if len(s.neighbors) == 0 {
		return
	}
	n := s.neighbors[s.capIdx%len(s.neighbors)]
	s.capIdx++
	s.attacker.Capture(n.addr, n.rank, s.topo.Version(), now)
}

// RunFor steps a virtual clock second by second from start for d, then
// writes the final reports.
func (s *Scenario) RunFor(start time.Time, d time.Duration) {
	start = start.Truncate(time.Second)
	end := start.Add(d)
	for now := start; !now.After(end); now = now.Add(time.Second) {
		s.Step(now)
	}
	s.Finish(end)
}

// Run steps the scenario on the wall clock until ctx is cancelled.
func (s *Scenario) Run(ctx context.Context) error {
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	s.Step(time.Now())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-tick.C:
			s.Step(now)
		}
	}
}

// Finish writes the closing statistics, blacklist and attack reports.
func (s *Scenario) Finish(now time.Time) {
	s.loop.Report(now)
	s.loop.DumpBlacklist(now)
	s.attacker.Report(s.out)
}
