package main

// ---------------------------------------------------------------------------
// cmd_config.go - show, validate, initialize or modify configuration
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/1sec-project/dioguard/internal/core"
	"gopkg.in/yaml.v3"
)

func cmdConfig(args []string) {
	sub := "show"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		sub, args = args[0], args[1:]
	}
	switch sub {
	case "show":
		cmdConfigShow(args)
	case "validate":
		cmdConfigValidate(args)
	case "init":
		cmdConfigInit(args)
	case "set":
		cmdConfigSet(args)
	default:
		errorf("unknown config subcommand %q (show, validate, init, set)", sub)
	}
}

func cmdConfigShow(args []string) {
	fs := flag.NewFlagSet("config-show", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	fs.Parse(args)

	cfg, err := core.LoadConfig(envConfig(*configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}

	if *jsonOut {
		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			errorf("marshaling config: %v", err)
		}
		fmt.Fprintln(os.Stdout, string(data))
		return
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		errorf("marshaling config: %v", err)
	}
	fmt.Fprint(os.Stdout, string(data))
}

func cmdConfigValidate(args []string) {
	fs := flag.NewFlagSet("config-validate", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s Config invalid: %v\n", red("✗"), err)
		os.Exit(1)
	}

	warnings, issues := cfg.Validate()
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "%s %s\n", yellow("⚠"), w)
	}
	if len(issues) > 0 {
		fmt.Fprintf(os.Stderr, "%s Config has %d issue(s):\n", red("✗"), len(issues))
		for _, issue := range issues {
			fmt.Fprintf(os.Stderr, "  - %s\n", issue)
		}
		os.Exit(1)
	}

	enabledCount := 0
	for name := range cfg.Modules {
		if cfg.IsModuleEnabled(name) {
			enabledCount++
		}
	}
	fmt.Fprintf(os.Stdout, "%s Config valid (%s). %d/%d modules enabled, %s mode.\n",
		green("✓"), *configPath, enabledCount, len(cfg.Modules), cfg.Monitor.Mode)
}

func cmdConfigInit(args []string) {
	fs := flag.NewFlagSet("config-init", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(args)

	*configPath = envConfig(*configPath)
	if _, err := os.Stat(*configPath); err == nil && !*force {
		errorf("%s already exists (use --force to overwrite)", *configPath)
	}
	if err := core.SaveConfig(core.DefaultConfig(), *configPath); err != nil {
		errorf("writing config: %v", err)
	}
	fmt.Fprintf(os.Stdout, "%s Wrote default config to %s\n", green("✓"), *configPath)
}

func cmdConfigSet(args []string) {
	fs := flag.NewFlagSet("config-set", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "Config file path")
	fs.Parse(args)

	*configPath = envConfig(*configPath)

	remaining := fs.Args()
	if len(remaining) < 2 {
		errorf("usage: dioguard config set <key> <value>\n\nExamples:\n  dioguard config set monitor.mode push\n  dioguard config set detection.auto_blacklist false\n  dioguard config set modules.baseline.enabled true")
	}

	key := remaining[0]
	value := remaining[1]

	data, err := os.ReadFile(*configPath)
	if err != nil {
		errorf("reading config: %v", err)
	}

	var raw map[string]interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		errorf("parsing config: %v", err)
	}
	if raw == nil {
		raw = map[string]interface{}{}
	}

	if err := setNestedValue(raw, strings.Split(key, "."), value); err != nil {
		errorf("setting %s: %v", key, err)
	}

	out, err := yaml.Marshal(raw)
	if err != nil {
		errorf("marshaling config: %v", err)
	}

	// Reject edits that would leave an unloadable file.
	var check core.Config
	if err := yaml.Unmarshal(out, &check); err != nil {
		errorf("%s = %s does not fit the config schema: %v", key, value, err)
	}

	if err := os.WriteFile(*configPath, out, 0644); err != nil {
		errorf("writing config: %v", err)
	}

	fmt.Fprintf(os.Stdout, "%s Set %s = %s in %s\n", green("✓"), bold(key), value, *configPath)
}

func setNestedValue(m map[string]interface{}, path []string, value string) error {
	if len(path) == 0 || path[0] == "" {
		return fmt.Errorf("empty key path")
	}

	if len(path) == 1 {
		m[path[0]] = parseValue(value)
		return nil
	}

	next, ok := m[path[0]]
	if !ok {
		next = map[string]interface{}{}
		m[path[0]] = next
	}

	nextMap, ok := next.(map[string]interface{})
	if !ok {
		return fmt.Errorf("key %q is not a map", path[0])
	}

	return setNestedValue(nextMap, path[1:], value)
}
