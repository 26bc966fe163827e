package sim

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/modules/baseline"
	"github.com/1sec-project/dioguard/internal/modules/mitigation"
	"github.com/1sec-project/dioguard/internal/monitor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTopology(t *testing.T) {
	topo := NewTopology(3)
	assert.True(t, topo.Joined())
	assert.Equal(t, uint16(512), topo.Rank())

	nbrs := topo.Neighbors()
	require.Len(t, nbrs, 3)
	assert.Equal(t, NeighborAddr(1), nbrs[0].Addr)
	assert.Equal(t, uint16(768), nbrs[2].Rank)

	parent, ok := topo.PreferredParent()
	require.True(t, ok)
	assert.Equal(t, NeighborAddr(1), parent)
}

type harness struct {
	cfg      *core.Config
	registry *core.ModuleRegistry
	mod      *mitigation.Mitigation
	base     *baseline.Baseline
	scenario *Scenario
	out      *bytes.Buffer
}

func newHarness(t *testing.T, mutate func(*core.Config), sink func(h *harness) Sink) *harness {
	t.Helper()
	cfg := core.DefaultConfig()
	cfg.Modules[baseline.ModuleName] = core.ModuleConfig{Enabled: true}
	if mutate != nil {
		mutate(cfg)
	}

	h := &harness{cfg: cfg, out: &bytes.Buffer{}}
	h.registry = core.NewModuleRegistry(zerolog.Nop())
	h.mod = mitigation.New(zerolog.Nop(), h.out)
	h.base = baseline.New(zerolog.Nop(), h.out)
	require.NoError(t, h.registry.Register(h.mod))
	require.NoError(t, h.registry.Register(h.base))
	require.NoError(t, h.registry.StartAll(context.Background(), nil, prometheus.NewRegistry(), cfg))
	t.Cleanup(h.registry.StopAll)

	topo := NewTopology(cfg.Simulation.Neighbors)
	loop := monitor.NewLoop(topo, h.registry, cfg.Monitor, zerolog.Nop(), h.out)

	s := func(o *core.Observation) { h.registry.RouteObservation(o) }
	if sink != nil {
		s = sink(h)
	}
	var err error
	h.scenario, err = NewScenario(cfg, topo, loop, s, zerolog.Nop(), h.out)
	require.NoError(t, err)
	return h
}

func TestScenario_PollModeBlocksOnlyTheAttacker(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.scenario.RunFor(at(0), time.Minute)

	eng := h.mod.Engine()
	assert.True(t, eng.IsBlocked(attackerAddr, at(60)))
	entry, ok := eng.BlacklistEntry(attackerAddr)
	require.True(t, ok)
	assert.Equal(t, at(20), entry.BlacklistedAt)

	for i := 1; i <= 3; i++ {
		o, ok := eng.Observation(NeighborAddr(i))
		require.True(t, ok)
		assert.Zero(t, o.ViolationCount, "neighbor %d", i)
		assert.False(t, eng.IsBlocked(NeighborAddr(i), at(60)))
	}

	captured, replayed := h.scenario.Attacker().Counts()
	assert.Equal(t, uint64(4), captured)
	assert.Equal(t, uint64(60), replayed)

	stats := eng.Stats()
	assert.Equal(t, uint64(31*3+1), stats.Accepted)
	assert.Equal(t, uint64(2), stats.RejectedHighFreq)
	assert.Equal(t, uint64(2), stats.RejectedDuplicate)
	assert.Equal(t, uint64(55), stats.RejectedBlacklisted)
	assert.Equal(t, uint64(1), stats.NodesBlacklisted)

	received, _ := h.base.Counts()
	assert.Equal(t, stats.Received, received, "baseline sees the same traffic")

	report := h.out.String()
	assert.Contains(t, report, "[CSV] ")
	assert.Contains(t, report, "=== blacklist ===")
	assert.Contains(t, report, "Protection: NONE (baseline)")
	assert.Contains(t, report, "DIOs replayed: 60\n")
}

func TestScenario_PushModeSendsAdvertisements(t *testing.T) {
	var got []*core.Observation
	h := newHarness(t, func(c *core.Config) {
		c.Monitor.Mode = core.ModePush
		c.Bus.Enabled = true
	}, func(h *harness) Sink {
		return func(o *core.Observation) {
			got = append(got, o)
			h.registry.RouteObservation(o)
		}
	})

	for s := 0; s <= 20; s++ {
		h.scenario.Step(at(s))
	}

	assert.Equal(t, uint64(11*3), h.scenario.Advertised())
	var sim, replay int
	for _, o := range got {
		switch o.Source {
		case "sim":
			sim++
		case "replay":
			replay++
		}
	}
	assert.Equal(t, 33, sim)
	assert.Equal(t, 5, replay)
	assert.Equal(t, uint64(33+5), h.mod.Engine().Stats().Received, "the loop does not poll in push mode")
}

func TestScenario_ConsecutiveAdvertisementsDiffer(t *testing.T) {
	h := newHarness(t, nil, nil)
	prev := make(map[int]uint16)
	for s := 0; s < 40; s += 2 {
		h.scenario.Step(at(s))
		for i, n := range h.scenario.neighbors {
			if s > 0 {
				assert.NotEqual(t, prev[i], n.rank)
			}
			assert.GreaterOrEqual(t, n.rank, n.base)
			assert.Less(t, n.rank, n.base+rankJitter)
			prev[i] = n.rank
		}
	}
	for i := 1; i <= 3; i++ {
		o, ok := h.mod.Engine().Observation(NeighborAddr(i))
		require.True(t, ok)
		assert.Zero(t, o.ViolationCount)
	}
}

func TestScenario_BadAttackerAddress(t *testing.T) {
	cfg := core.DefaultConfig()
	cfg.Simulation.AttackerAddress = "attacker"
	_, err := NewScenario(cfg, NewTopology(1), nil, func(*core.Observation) {}, zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestScenario_RunStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, h.scenario.Run(ctx), context.Canceled)
	assert.Equal(t, uint64(3), h.mod.Engine().Stats().Accepted, "the first step runs before the context is checked")
}
