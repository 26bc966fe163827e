package core

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/1sec-project/dioguard/internal/detect"
	"gopkg.in/yaml.v3"
)

// Config holds the entire dioguard configuration.
type Config struct {
	Node       NodeConfig              `yaml:"node"`
	Detection  detect.Config           `yaml:"detection"`
	Monitor    MonitorConfig           `yaml:"monitor"`
	Bus        BusConfig               `yaml:"bus"`
	Metrics    MetricsConfig           `yaml:"metrics"`
	Modules    map[string]ModuleConfig `yaml:"modules"`
	Logging    LoggingConfig           `yaml:"logging"`
	Simulation SimulationConfig        `yaml:"simulation"`
}

// NodeConfig identifies the node this engine protects.
type NodeConfig struct {
	ID      string `yaml:"id"`
	Address string `yaml:"address"`
}

// MonitorConfig holds the polling and reporting periods.
type MonitorConfig struct {
	Mode              string        `yaml:"mode"` // "poll" or "push"
	Interval          time.Duration `yaml:"interval"`
	StatsInterval     time.Duration `yaml:"stats_interval"`
	BlacklistInterval time.Duration `yaml:"blacklist_interval"`
	Evaluator         bool          `yaml:"evaluator"`
}

// BusConfig holds NATS event bus settings.
type BusConfig struct {
	Enabled  bool   `yaml:"enabled"`
	URL      string `yaml:"url"`
	Embedded bool   `yaml:"embedded"`
	DataDir  string `yaml:"data_dir"`
	Port     int    `yaml:"port"`
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// ModuleConfig holds per-module configuration.
type ModuleConfig struct {
	Enabled  bool                   `yaml:"enabled"`
	Settings map[string]interface{} `yaml:"settings"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// SimulationConfig drives the in-process attack scenario.
type SimulationConfig struct {
	Neighbors       int           `yaml:"neighbors"`
	AttackerAddress string        `yaml:"attacker_address"`
	CaptureInterval time.Duration `yaml:"capture_interval"`
	AttackInterval  time.Duration `yaml:"attack_interval"`
	ReplayCount     int           `yaml:"replay_count"`
	Duration        time.Duration `yaml:"duration"`
}

const (
	ModePoll = "poll"
	ModePush = "push"
)

// DefaultConfig returns a Config with defaults matching a constrained node.
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID: "node-1",
		},
		Detection: detect.DefaultConfig(),
		Monitor: MonitorConfig{
			Mode:              ModePoll,
			Interval:          2 * time.Second,
			StatsInterval:     30 * time.Second,
			BlacklistInterval: 60 * time.Second,
			Evaluator:         true,
		},
		Bus: BusConfig{
			Enabled:  false,
			URL:      "nats://127.0.0.1:4222",
			Embedded: true,
			DataDir:  "./data/nats",
			Port:     4222,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Listen:  "127.0.0.1:9464",
			Path:    "/metrics",
		},
		Modules: map[string]ModuleConfig{
			"replay_mitigation": {Enabled: true, Settings: map[string]interface{}{}},
			"baseline":          {Enabled: false, Settings: map[string]interface{}{}},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		Simulation: SimulationConfig{
			Neighbors:       3,
			AttackerAddress: "fe80::212:7400:1234:5678",
			CaptureInterval: 15 * time.Second,
			AttackInterval:  10 * time.Second,
			ReplayCount:     5,
			Duration:        10 * time.Minute,
		},
	}
}

// LoadConfig loads configuration from a YAML file, falling back to defaults
// when the file does not exist. DIOGUARD_NODE_ID and DIOGUARD_NATS_URL
// override the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		case !os.IsNotExist(err):
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	if id := os.Getenv("DIOGUARD_NODE_ID"); id != "" {
		cfg.Node.ID = id
	}
	if url := os.Getenv("DIOGUARD_NATS_URL"); url != "" {
		cfg.Bus.URL = url
		cfg.Bus.Embedded = false
	}

	return cfg, nil
}

// SaveConfig writes the configuration to a YAML file.
func SaveConfig(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration. Warnings are suspicious but usable
// settings; errors prevent startup.
func (c *Config) Validate() (warnings []string, errs []string) {
	d := c.Detection
	if d.ObservationCapacity <= 0 {
		errs = append(errs, "detection.observation_capacity must be positive")
	} else if d.ObservationCapacity > 256 {
		warnings = append(warnings, fmt.Sprintf("detection.observation_capacity %d is large for a linear-scan table", d.ObservationCapacity))
	}
	if d.BlacklistCapacity <= 0 {
		errs = append(errs, "detection.blacklist_capacity must be positive")
	}
	if d.RateThreshold <= 0 {
		errs = append(errs, "detection.rate_threshold must be positive")
	}
	if d.EscalationThreshold == 0 {
		errs = append(errs, "detection.escalation_threshold must be positive")
	}
	if d.DuplicateWindow < time.Second {
		errs = append(errs, "detection.duplicate_window must be at least 1s")
	}
	if d.BlacklistDuration < time.Second {
		errs = append(errs, "detection.blacklist_duration must be at least 1s")
	}
	if !d.AutoBlacklist {
		warnings = append(warnings, "detection.auto_blacklist is disabled; offenders are flagged but never blocked")
	}

	switch c.Monitor.Mode {
	case ModePoll:
		if c.Monitor.Interval < time.Second {
			errs = append(errs, "monitor.interval must be at least 1s")
		}
	case ModePush:
		if !c.Bus.Enabled {
			errs = append(errs, "monitor.mode push requires bus.enabled")
		}
	default:
		errs = append(errs, fmt.Sprintf("monitor.mode %q must be poll or push", c.Monitor.Mode))
	}
	if c.Monitor.StatsInterval <= 0 || c.Monitor.BlacklistInterval <= 0 {
		errs = append(errs, "monitor.stats_interval and monitor.blacklist_interval must be positive")
	}

	if c.Node.ID == "" {
		errs = append(errs, "node.id must be set")
	} else if strings.ContainsAny(c.Node.ID, ".*> ") {
		errs = append(errs, fmt.Sprintf("node.id %q must not contain '.', '*', '>' or spaces", c.Node.ID))
	}
	if c.Node.Address != "" {
		if _, err := netip.ParseAddr(c.Node.Address); err != nil {
			errs = append(errs, fmt.Sprintf("node.address: %v", err))
		}
	}

	if c.Bus.Enabled && c.Bus.Embedded && (c.Bus.Port <= 0 || c.Bus.Port > 65535) {
		errs = append(errs, fmt.Sprintf("bus.port %d out of range", c.Bus.Port))
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		errs = append(errs, "metrics.listen must be set when metrics are enabled")
	}

	s := c.Simulation
	if s.Neighbors < 0 || s.Neighbors > 0xFF {
		errs = append(errs, fmt.Sprintf("simulation.neighbors %d out of range 0-255", s.Neighbors))
	}
	if _, err := netip.ParseAddr(s.AttackerAddress); err != nil {
		errs = append(errs, fmt.Sprintf("simulation.attacker_address: %v", err))
	}
	if s.CaptureInterval < time.Second || s.AttackInterval < time.Second {
		errs = append(errs, "simulation.capture_interval and simulation.attack_interval must be at least 1s")
	}
	if s.ReplayCount <= 0 {
		errs = append(errs, "simulation.replay_count must be positive")
	}

	switch c.LogLevel() {
	case "debug", "info", "warn", "error":
	default:
		warnings = append(warnings, fmt.Sprintf("logging.level %q unknown, using info", c.Logging.Level))
	}

	for name := range c.Modules {
		if !knownModules[name] {
			warnings = append(warnings, fmt.Sprintf("modules.%s is not a known module", name))
		}
	}
	return warnings, errs
}

var knownModules = map[string]bool{
	"replay_mitigation": true,
	"baseline":          true,
}

// IsModuleEnabled checks if a module is enabled in the configuration.
func (c *Config) IsModuleEnabled(name string) bool {
	mod, ok := c.Modules[name]
	if !ok {
		return true
	}
	return mod.Enabled
}

// GetModuleSettings returns the settings map for a module.
func (c *Config) GetModuleSettings(name string) map[string]interface{} {
	mod, ok := c.Modules[name]
	if !ok || mod.Settings == nil {
		return map[string]interface{}{}
	}
	return mod.Settings
}

// LogLevel returns the parsed log level string.
func (c *Config) LogLevel() string {
	return strings.ToLower(c.Logging.Level)
}
