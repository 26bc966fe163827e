package main

// ---------------------------------------------------------------------------
// banner.go - banner, version and usage printing
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	return bold("dioguard") + dim(" - DIO replay detection and mitigation for RPL nodes") + "\n\n"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "dioguard v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  dioguard <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-12s  %s\n", bold("up"), "Run the detection engine and monitoring loop")
	fmt.Fprintf(w, "  %-12s  %s\n", bold("simulate"), "Replay a DIO attack scenario on a virtual clock")
	fmt.Fprintf(w, "  %-12s  %s\n", bold("blacklist"), "List, add or remove blacklist entries on a running node")
	fmt.Fprintf(w, "  %-12s  %s\n", bold("config"), "Show, validate, initialize, or set configuration")
	fmt.Fprintf(w, "  %-12s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "  %-12s  %s\n", bold("help"), "Show help for a command")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-20s  %s\n", "DIOGUARD_CONFIG", "Default config file path")
	fmt.Fprintf(w, "  %-20s  %s\n", "DIOGUARD_NODE_ID", "Node id override")
	fmt.Fprintf(w, "  %-20s  %s\n", "DIOGUARD_NATS_URL", "External NATS URL (disables the embedded server)")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Ten simulated minutes with the default attacker"))
	fmt.Fprintf(w, "  dioguard simulate\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Same traffic without protection"))
	fmt.Fprintf(w, "  dioguard simulate --modules baseline\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Receive observations over NATS"))
	fmt.Fprintf(w, "  dioguard up --mode push\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Unblock a sender on a running node"))
	fmt.Fprintf(w, "  dioguard blacklist remove fe80::212:7400:1234:5678\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("dioguard help <command>"))
}

func cmdHelp(cmd string) {
	w := os.Stdout
	switch cmd {
	case "up":
		fmt.Fprintf(w, "%s\n\n", bold("dioguard up [flags]"))
		fmt.Fprintln(w, "Start the engine: event bus, metrics endpoint, modules and the monitoring loop.")
		fmt.Fprintln(w, "In poll mode the loop reads a simulated neighbor table; in push mode")
		fmt.Fprintln(w, "observations arrive on dio.observations.<node>.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  --config <path>      Config file path")
		fmt.Fprintln(w, "  --mode <poll|push>   Monitoring mode override")
		fmt.Fprintln(w, "  --modules <list>     Comma-separated modules to enable (disables all others)")
		fmt.Fprintln(w, "  --log-level <level>  debug, info, warn, error")
		fmt.Fprintln(w, "  --sim                In push mode, also publish simulated traffic")
		fmt.Fprintln(w, "  --dry-run            Validate config and modules, then exit")
		fmt.Fprintln(w, "  -q, --quiet          Suppress banner and non-essential output")
	case "simulate":
		fmt.Fprintf(w, "%s\n\n", bold("dioguard simulate [flags]"))
		fmt.Fprintln(w, "Run legitimate neighbors and a replaying attacker against the enabled")
		fmt.Fprintln(w, "modules on a virtual clock, printing the periodic reports.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  --config <path>        Config file path")
		fmt.Fprintln(w, "  --duration <d>         Simulated time (default from config)")
		fmt.Fprintln(w, "  --neighbors <n>        Legitimate neighbors")
		fmt.Fprintln(w, "  --attack-interval <d>  Time between replay bursts")
		fmt.Fprintln(w, "  --replay-count <n>     Replays of each capture per burst")
		fmt.Fprintln(w, "  --modules <list>       Comma-separated modules to enable")
		fmt.Fprintln(w, "  --log-level <level>    debug, info, warn, error (default warn)")
	case "blacklist":
		fmt.Fprintf(w, "%s\n\n", bold("dioguard blacklist <list|add|remove> [address] [flags]"))
		fmt.Fprintln(w, "Send a control request to a running node over NATS.")
		fmt.Fprintln(w)
		fmt.Fprintln(w, "  --config <path>   Config file path")
		fmt.Fprintln(w, "  --url <url>       NATS URL (default from config)")
		fmt.Fprintln(w, "  --reason <text>   Reason recorded with add")
		fmt.Fprintln(w, "  --permanent       Add a permanent entry")
		fmt.Fprintln(w, "  --json            Print the raw reply")
	case "config":
		fmt.Fprintf(w, "%s\n\n", bold("dioguard config [show|validate|init|set] [flags]"))
		fmt.Fprintln(w, "  show                 Print the effective configuration (--json for JSON)")
		fmt.Fprintln(w, "  validate             Validate the configuration")
		fmt.Fprintln(w, "  init                 Write the default configuration (--force to overwrite)")
		fmt.Fprintln(w, "  set <key> <value>    Set a dotted key in the config file")
	default:
		printUsage(w)
	}
}
