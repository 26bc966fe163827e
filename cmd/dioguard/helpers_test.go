package main

import (
	"bytes"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/1sec-project/dioguard/internal/core"
	"github.com/1sec-project/dioguard/internal/detect"
)

// ─── suggest ──────────────────────────────────────────────────────────────────

func TestSuggest_PrefixMatch(t *testing.T) {
	tests := []struct {
		input, want string
	}{
		{"sim", "simulate"},
		{"black", "blacklist"},
		{"con", "config"},
		{"hel", "help"},
		{"ver", "version"},
	}
	for _, tc := range tests {
		if got := suggest(tc.input); got != tc.want {
			t.Errorf("suggest(%q) = %q, want %q", tc.input, got, tc.want)
		}
	}
}

func TestSuggest_TypoCorrection(t *testing.T) {
	if got := suggest("confog"); got != "config" {
		t.Errorf("suggest('confog') = %q, want 'config'", got)
	}
}

func TestSuggest_NoMatch(t *testing.T) {
	for _, in := range []string{"zzzzzzzzz", ""} {
		if got := suggest(in); got != "" {
			t.Errorf("suggest(%q) = %q, want empty", in, got)
		}
	}
}

// ─── parseValue ───────────────────────────────────────────────────────────────

func TestParseValue(t *testing.T) {
	tests := []struct {
		input string
		want  interface{}
	}{
		{"true", true},
		{"False", false},
		{"42", 42},
		{"0.5", 0.5},
		{"5s", "5s"},
		{"1.2.3", "1.2.3"},
		{"fe80::1", "fe80::1"},
		{"127.0.0.1:9464", "127.0.0.1:9464"},
		{"", ""},
	}
	for _, tc := range tests {
		if got := parseValue(tc.input); got != tc.want {
			t.Errorf("parseValue(%q) = %v (%T), want %v (%T)", tc.input, got, got, tc.want, tc.want)
		}
	}
}

// ─── envConfig ────────────────────────────────────────────────────────────────

func TestEnvConfig(t *testing.T) {
	t.Setenv("DIOGUARD_CONFIG", "/etc/dioguard.yaml")
	if got := envConfig(defaultConfigPath); got != "/etc/dioguard.yaml" {
		t.Errorf("envConfig(default) = %q, want env value", got)
	}
	if got := envConfig("custom.yaml"); got != "custom.yaml" {
		t.Errorf("envConfig(flag) = %q, want flag value", got)
	}

	t.Setenv("DIOGUARD_CONFIG", "")
	if got := envConfig(defaultConfigPath); got != defaultConfigPath {
		t.Errorf("envConfig without env = %q, want default", got)
	}
}

// ─── config helpers ───────────────────────────────────────────────────────────

func TestApplyModuleList(t *testing.T) {
	cfg := core.DefaultConfig()
	applyModuleList(cfg, " baseline , ")

	if cfg.IsModuleEnabled("replay_mitigation") {
		t.Error("replay_mitigation should be disabled")
	}
	if !cfg.IsModuleEnabled("baseline") {
		t.Error("baseline should be enabled")
	}
}

func TestSetNestedValue(t *testing.T) {
	raw := map[string]interface{}{
		"monitor": map[string]interface{}{"mode": "poll"},
		"node":    "flat",
	}
	if err := setNestedValue(raw, []string{"monitor", "mode"}, "push"); err != nil {
		t.Fatal(err)
	}
	if got := raw["monitor"].(map[string]interface{})["mode"]; got != "push" {
		t.Errorf("monitor.mode = %v, want push", got)
	}

	if err := setNestedValue(raw, []string{"detection", "auto_blacklist"}, "false"); err != nil {
		t.Fatal(err)
	}
	if got := raw["detection"].(map[string]interface{})["auto_blacklist"]; got != false {
		t.Errorf("detection.auto_blacklist = %v, want false", got)
	}

	if err := setNestedValue(raw, []string{"node", "id"}, "x"); err == nil {
		t.Error("expected error descending into a scalar")
	}
	if err := setNestedValue(raw, []string{""}, "x"); err == nil {
		t.Error("expected error for empty key")
	}
}

// ─── blacklist helpers ────────────────────────────────────────────────────────

func TestBusURL(t *testing.T) {
	cfg := core.DefaultConfig()
	if got := busURL(cfg, "nats://flag:4222"); got != "nats://flag:4222" {
		t.Errorf("flag URL not preferred: %q", got)
	}
	if got := busURL(cfg, ""); got != "nats://127.0.0.1:4222" {
		t.Errorf("embedded URL = %q", got)
	}
	cfg.Bus.Embedded = false
	cfg.Bus.URL = "nats://broker:4222"
	if got := busURL(cfg, ""); got != "nats://broker:4222" {
		t.Errorf("external URL = %q", got)
	}
}

func TestPrintEntries(t *testing.T) {
	t.Setenv("NO_COLOR", "1")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	var buf bytes.Buffer
	printEntries(&buf, nil, now)
	if !strings.Contains(buf.String(), "blacklist is empty") {
		t.Errorf("empty list output = %q", buf.String())
	}

	buf.Reset()
	printEntries(&buf, []detect.BlacklistEntry{{
		Sender:         netip.MustParseAddr("fe80::bad"),
		BlacklistedAt:  now.Add(-90 * time.Second),
		ViolationCount: 5,
		Active:         true,
		Reason:         detect.ReasonDuplicate,
	}}, now)
	out := buf.String()
	for _, want := range []string{"SENDER", "fe80::bad", "TEMPORARY", "1m30s", detect.ReasonDuplicate} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestParseBlacklistArgs_FlagsAfterAddress(t *testing.T) {
	a, err := parseBlacklistArgs([]string{"add", "fe80::1", "--permanent", "--reason", "rogue root", "--json"})
	if err != nil {
		t.Fatalf("parseBlacklistArgs() error: %v", err)
	}
	if a.req.Op != "add" || a.req.Sender != "fe80::1" {
		t.Errorf("req = %+v", a.req)
	}
	if !a.req.Permanent {
		t.Error("--permanent after the address should be honored")
	}
	if a.req.Reason != "rogue root" {
		t.Errorf("reason = %q, want 'rogue root'", a.req.Reason)
	}
	if !a.jsonOut {
		t.Error("--json after the address should be honored")
	}
}

func TestParseBlacklistArgs_FlagsBeforeAddress(t *testing.T) {
	a, err := parseBlacklistArgs([]string{"add", "--permanent", "--timeout", "1s", "fe80::2"})
	if err != nil {
		t.Fatalf("parseBlacklistArgs() error: %v", err)
	}
	if a.req.Sender != "fe80::2" || !a.req.Permanent || a.timeout != time.Second {
		t.Errorf("got %+v timeout=%s", a.req, a.timeout)
	}
}

func TestParseBlacklistArgs_List(t *testing.T) {
	a, err := parseBlacklistArgs([]string{"list", "--url", "nats://10.0.0.1:4222"})
	if err != nil {
		t.Fatalf("parseBlacklistArgs() error: %v", err)
	}
	if a.req.Op != "list" || a.url != "nats://10.0.0.1:4222" || a.configPath != defaultConfigPath {
		t.Errorf("got %+v", a)
	}
}

func TestParseBlacklistArgs_Errors(t *testing.T) {
	for _, args := range [][]string{
		nil,
		{"purge"},
		{"add"},
		{"remove", "--permanent"},
		{"add", "fe80::1", "fe80::2"},
		{"add", "fe80::1", "--bogus"},
	} {
		if _, err := parseBlacklistArgs(args); err == nil {
			t.Errorf("parseBlacklistArgs(%q) should fail", args)
		}
	}
}
