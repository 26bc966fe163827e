package main

// ---------------------------------------------------------------------------
// cmd_simulate.go - run the replay attack scenario on a virtual clock
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/monitor"
	"github.com/1sec-project/dioguard/internal/sim"
)

func cmdSimulate(args []string) {
	fs := flag.NewFlagSet("simulate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	duration := fs.Duration("duration", 0, "Simulated time (default from config)")
	neighbors := fs.Int("neighbors", -1, "Legitimate neighbors (default from config)")
	attackInterval := fs.Duration("attack-interval", 0, "Time between replay bursts (default from config)")
	replayCount := fs.Int("replay-count", 0, "Replays of each capture per burst (default from config)")
	moduleList := fs.String("modules", "", "Comma-separated list of modules to enable (disables all others)")
	logLevel := fs.String("log-level", "warn", "Log level: debug, info, warn, error")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	cfg := loadAndValidate(*configPath, true, func(c *core.Config) {
		// Everything runs in process against the virtual clock.
		c.Monitor.Mode = core.ModePoll
		c.Bus.Enabled = false
		c.Metrics.Enabled = false
		c.Logging.Level = *logLevel
		c.Logging.File = ""
		if *duration > 0 {
			c.Simulation.Duration = *duration
		}
		if *neighbors >= 0 {
			c.Simulation.Neighbors = *neighbors
		}
		if *attackInterval > 0 {
			c.Simulation.AttackInterval = *attackInterval
		}
		if *replayCount > 0 {
			c.Simulation.ReplayCount = *replayCount
		}
		if *moduleList != "" {
			applyModuleList(c, *moduleList)
		}
	})
	if cfg.Simulation.Duration <= 0 {
		errorf("simulation.duration must be positive")
	}

	engine, err := core.NewEngine(cfg, os.Stderr)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	registerModules(engine, os.Stdout)
	if err := engine.Start(); err != nil {
		_ = engine.Shutdown()
		errorf("starting engine: %v", err)
	}

	topo := sim.NewTopology(cfg.Simulation.Neighbors)
	loop := monitor.NewLoop(topo, engine.Registry, cfg.Monitor, engine.Root(), os.Stdout)
	scenario, err := sim.NewScenario(cfg, topo, loop, func(obs *core.Observation) { engine.Route(obs) }, engine.Root(), os.Stdout)
	if err != nil {
		_ = engine.Shutdown()
		errorf("creating scenario: %v", err)
	}

	start := time.Now().Truncate(time.Second)
	fmt.Fprintf(os.Stderr, "%s Simulating %s: %d neighbors, attacker %s, burst every %s x%d\n",
		dim("▸"), cfg.Simulation.Duration, cfg.Simulation.Neighbors,
		cfg.Simulation.AttackerAddress, cfg.Simulation.AttackInterval, cfg.Simulation.ReplayCount)

	scenario.RunFor(start, cfg.Simulation.Duration)

	captured, replayed := scenario.Attacker().Counts()
	fmt.Fprintf(os.Stderr, "%s Simulation finished: %d captured, %d replayed, %d polled\n",
		green("✓"), captured, replayed, loop.Routed())

	if err := engine.Shutdown(); err != nil {
		warnf("shutdown: %v", err)
	}
}
