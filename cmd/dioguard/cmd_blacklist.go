package main

// ---------------------------------------------------------------------------
// cmd_blacklist.go - operator control of a running node's blacklist
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/detect"
	"github.com/1sec-project/dioguard/internal/modules/mitigation"
	"github.com/nats-io/nats.go"
)

type blacklistArgs struct {
	req        mitigation.ControlRequest
	configPath string
	url        string
	timeout    time.Duration
	jsonOut    bool
}

// parseBlacklistArgs reads "<op> [address] [flags]". Flags may come before
// or after the address.
func parseBlacklistArgs(args []string) (blacklistArgs, error) {
	var a blacklistArgs
	if len(args) == 0 {
		return a, fmt.Errorf("usage: dioguard blacklist <list|add|remove> [address] [flags]")
	}
	op := args[0]

	fs := flag.NewFlagSet("blacklist", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	fs.StringVar(&a.configPath, "config", defaultConfigPath, "Config file path")
	fs.StringVar(&a.url, "url", "", "NATS URL (default from config)")
	reason := fs.String("reason", "", "Reason recorded with add")
	permanent := fs.Bool("permanent", false, "Add a permanent entry")
	fs.DurationVar(&a.timeout, "timeout", 3*time.Second, "Request timeout")
	fs.BoolVar(&a.jsonOut, "json", false, "Print the raw reply")
	if err := fs.Parse(args[1:]); err != nil {
		return a, err
	}

	a.req = mitigation.ControlRequest{Op: op}
	switch op {
	case "list":
	case "add", "remove":
		if fs.NArg() < 1 {
			return a, fmt.Errorf("usage: dioguard blacklist %s <address> [flags]", op)
		}
		a.req.Sender = fs.Arg(0)
		if err := fs.Parse(fs.Args()[1:]); err != nil {
			return a, err
		}
	default:
		return a, fmt.Errorf("unknown blacklist op %q (list, add, remove)", op)
	}
	if fs.NArg() > 0 {
		return a, fmt.Errorf("unexpected argument %q", fs.Arg(0))
	}

	a.req.Reason = *reason
	a.req.Permanent = *permanent
	return a, nil
}

func cmdBlacklist(args []string) {
	a, err := parseBlacklistArgs(args)
	if err != nil {
		errorf("%v", err)
	}
	req := a.req

	cfg, err := core.LoadConfig(envConfig(a.configPath))
	if err != nil {
		errorf("loading config: %v", err)
	}

	reply, raw, err := sendControl(busURL(cfg, a.url), req, a.timeout)
	if err != nil {
		errorf("%v", err)
	}
	if a.jsonOut {
		fmt.Fprintln(os.Stdout, string(raw))
		return
	}
	if !reply.OK {
		errorf("%s", reply.Error)
	}

	switch req.Op {
	case "list":
		printEntries(os.Stdout, reply.Entries, time.Now())
	case "add":
		fmt.Fprintf(os.Stdout, "%s %s blacklisted\n", green("✓"), req.Sender)
	case "remove":
		fmt.Fprintf(os.Stdout, "%s %s removed from blacklist\n", green("✓"), req.Sender)
	}
}

// busURL picks the NATS URL: flag, then config, then the embedded server's
// local address.
func busURL(cfg *core.Config, flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if cfg.Bus.URL != "" && !cfg.Bus.Embedded {
		return cfg.Bus.URL
	}
	return fmt.Sprintf("nats://127.0.0.1:%d", cfg.Bus.Port)
}

func sendControl(url string, req mitigation.ControlRequest, timeout time.Duration) (mitigation.ControlReply, []byte, error) {
	var reply mitigation.ControlReply

	nc, err := nats.Connect(url, nats.Name("dioguard-cli"), nats.Timeout(timeout))
	if err != nil {
		return reply, nil, fmt.Errorf("connecting to %s: %w", url, err)
	}
	defer nc.Close()

	data, err := json.Marshal(req)
	if err != nil {
		return reply, nil, fmt.Errorf("encoding request: %w", err)
	}
	msg, err := nc.Request(core.SubjectControlBlacklist, data, timeout)
	if err != nil {
		return reply, nil, fmt.Errorf("control request: %w", err)
	}
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return reply, msg.Data, fmt.Errorf("decoding reply: %w", err)
	}
	return reply, msg.Data, nil
}

func printEntries(w io.Writer, entries []detect.BlacklistEntry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dim("blacklist is empty"))
		return
	}
	fmt.Fprintf(w, "%-40s  %-10s  %-10s  %-6s  %s\n", "SENDER", "TYPE", "VIOLATIONS", "AGE", "REASON")
	for _, e := range entries {
		kind := "TEMPORARY"
		if e.Permanent {
			kind = "PERMANENT"
		}
		fmt.Fprintf(w, "%-40s  %-10s  %-10d  %-6s  %s\n",
			e.Sender, kind, e.ViolationCount, e.Age(now).Truncate(time.Second), e.Reason)
	}
}
