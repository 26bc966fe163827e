package main

// ---------------------------------------------------------------------------
// cmd_up.go - start the dioguard engine and monitoring loop
// ---------------------------------------------------------------------------

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/modules/baseline"
	"github.com/1sec-project/dioguard/internal/modules/mitigation"
	"github.com/1sec-project/dioguard/internal/monitor"
	"github.com/1sec-project/dioguard/internal/rpl"
	"github.com/1sec-project/dioguard/internal/sim"
)

func registerModules(engine *core.Engine, out io.Writer) {
	modules := []core.Module{
		mitigation.New(engine.Root(), out),
		baseline.New(engine.Root(), out),
	}
	for _, mod := range modules {
		if err := engine.Registry.Register(mod); err != nil {
			engine.Logger.Warn().Err(err).Str("module", mod.Name()).Msg("failed to register module")
		}
	}
}

// applyModuleList enables exactly the comma-separated modules in list.
func applyModuleList(cfg *core.Config, list string) {
	selected := make(map[string]bool)
	for _, name := range strings.Split(list, ",") {
		if name = strings.TrimSpace(name); name != "" {
			selected[name] = true
		}
	}
	for name := range selected {
		if _, ok := cfg.Modules[name]; !ok {
			cfg.Modules[name] = core.ModuleConfig{}
		}
	}
	for name, mod := range cfg.Modules {
		mod.Enabled = selected[name]
		cfg.Modules[name] = mod
	}
}

// loadAndValidate loads the config, prints warnings and exits on errors.
func loadAndValidate(path string, quiet bool, mutate func(*core.Config)) *core.Config {
	cfg, err := core.LoadConfig(path)
	if err != nil {
		errorf("loading config: %v", err)
	}
	if mutate != nil {
		mutate(cfg)
	}

	warnings, validationErrs := cfg.Validate()
	for _, w := range warnings {
		if !quiet {
			fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
		}
	}
	if len(validationErrs) > 0 {
		for _, e := range validationErrs {
			fmt.Fprintf(os.Stderr, "%s %s\n", red("✗"), e)
		}
		errorf("config validation failed with %d error(s)", len(validationErrs))
	}
	return cfg
}

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	mode := fs.String("mode", "", "Monitoring mode override: poll, push")
	moduleList := fs.String("modules", "", "Comma-separated list of modules to enable (disables all others)")
	logLevel := fs.String("log-level", "", "Log level override: debug, info, warn, error")
	withSim := fs.Bool("sim", false, "In push mode, also publish simulated traffic")
	dryRun := fs.Bool("dry-run", false, "Validate config and modules, then exit")
	quiet := fs.Bool("quiet", false, "Suppress banner and non-essential output")
	fs.BoolVar(quiet, "q", false, "Suppress banner and non-essential output")
	noColor := fs.Bool("no-color", false, "Disable color output")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if *noColor {
		os.Setenv("NO_COLOR", "1")
	}
	if !*quiet {
		fmt.Fprint(os.Stderr, bannerText())
	}

	cfg := loadAndValidate(*configPath, *quiet, func(c *core.Config) {
		if *mode != "" {
			c.Monitor.Mode = *mode
		}
		if *logLevel != "" {
			c.Logging.Level = *logLevel
		}
		if *moduleList != "" {
			applyModuleList(c, *moduleList)
		}
	})

	engine, err := core.NewEngine(cfg, os.Stderr)
	if err != nil {
		errorf("creating engine: %v", err)
	}
	registerModules(engine, os.Stdout)

	if *dryRun {
		enabled := 0
		for _, mod := range engine.Registry.All() {
			if cfg.IsModuleEnabled(mod.Name()) {
				enabled++
			}
		}
		fmt.Fprintf(os.Stdout, "%s Config valid. %d/%d modules enabled, %s mode.\n",
			green("✓"), enabled, engine.Registry.Count(), cfg.Monitor.Mode)
		os.Exit(0)
	}

	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s Starting dioguard engine...\n", dim("▸"))
	}
	if err := engine.Start(); err != nil {
		_ = engine.Shutdown()
		errorf("starting engine: %v", err)
	}

	push := cfg.Monitor.Mode == core.ModePush
	var topo rpl.Topology = rpl.NewSimTopology()
	var simTopo *rpl.SimTopology
	if !push || *withSim {
		simTopo = sim.NewTopology(cfg.Simulation.Neighbors)
		topo = simTopo
	}
	loop := monitor.NewLoop(topo, engine.Registry, cfg.Monitor, engine.Root(), os.Stdout)

	if simTopo != nil {
		sink := sim.Sink(func(obs *core.Observation) { engine.Route(obs) })
		if push {
			sink = func(obs *core.Observation) {
				if err := engine.Bus.PublishObservation(cfg.Node.ID, obs); err != nil {
					engine.Logger.Warn().Err(err).Msg("failed to publish simulated observation")
				}
			}
		}
		scenario, err := sim.NewScenario(cfg, simTopo, loop, sink, engine.Root(), os.Stdout)
		if err != nil {
			_ = engine.Shutdown()
			errorf("creating scenario: %v", err)
		}
		engine.Go("scenario", scenario.Run)
	} else {
		engine.Go("monitor", loop.Run)
	}

	if !*quiet {
		metrics := ""
		if addr := engine.MetricsAddr(); addr != "" {
			metrics = fmt.Sprintf(", metrics on %s%s", addr, cfg.Metrics.Path)
		}
		fmt.Fprintf(os.Stderr, "%s dioguard running on node %s: %d modules active, %s mode%s\n",
			green("✓"), cfg.Node.ID, len(engine.Registry.Running()), cfg.Monitor.Mode, metrics)
		fmt.Fprintf(os.Stderr, "%s Press Ctrl+C to stop\n", dim("▸"))
	}

	engine.Wait()
	if err := engine.Shutdown(); err != nil {
		warnf("shutdown: %v", err)
	}
	if !*quiet {
		fmt.Fprintf(os.Stderr, "%s dioguard stopped.\n", green("✓"))
	}
}
