// Package config loads and validates the daemon's YAML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultPath is where the daemon looks for its configuration when no
// --config flag is given.
const DefaultPath = "/etc/z407d/config.yaml"

// Config is the full daemon configuration.
type Config struct {
	// Listen is the HTTP/WebSocket bind address, e.g. ":5000".
	Listen string `yaml:"listen"`

	// LogFile, when set, receives a copy of daemon log output in
	// addition to stdout.
	LogFile string `yaml:"log_file"`

	Bluetooth BluetoothConfig `yaml:"bluetooth"`
	Network   NetworkConfig   `yaml:"network"`
}

// BluetoothConfig controls the speaker connection orchestrator.
type BluetoothConfig struct {
	// Adapter is the local controller name, e.g. "hci0".
	Adapter string `yaml:"adapter"`

	// TargetName is the advertised-name substring used to recognize
	// the speaker ("Z407"). Matched case-insensitively.
	TargetName string `yaml:"target_name"`

	// TargetAddress optionally pins an exact device address. When set
	// it takes precedence over TargetName.
	TargetAddress string `yaml:"target_address"`

	// AllowAdapterReset gates the adapter power-cycle recovery tier.
	// Disable on hosts where hci0 also carries other peripherals.
	AllowAdapterReset bool `yaml:"allow_adapter_reset"`

	// TimeoutScale multiplies every escalation timing. Useful for
	// slow adapters (>1) and integration tests (<1). 0 means 1.0.
	TimeoutScale float64 `yaml:"timeout_scale"`

	CommandsPerSecond int `yaml:"commands_per_second"`
	CommandBurst      int `yaml:"command_burst"`
}

// NetworkConfig controls the host connectivity probe reported over
// /diagnostics and the network/status WebSocket event.
type NetworkConfig struct {
	// ProbeHost is pinged to judge internet reachability.
	ProbeHost string `yaml:"probe_host"`

	// LinkName, when set, restricts link reporting to one interface
	// (e.g. "wlan0"). Empty means report the default route's link.
	LinkName string `yaml:"link_name"`
}

// Default returns the built-in configuration. Load starts from these
// values, so a partial YAML file only overrides what it names.
func Default() *Config {
	return &Config{
		Listen: ":5000",
		Bluetooth: BluetoothConfig{
			Adapter:           "hci0",
			TargetName:        "Z407",
			AllowAdapterReset: true,
			TimeoutScale:      1.0,
			CommandsPerSecond: 4,
			CommandBurst:      8,
		},
		Network: NetworkConfig{
			ProbeHost: "1.1.1.1",
		},
	}
}

// Load reads a YAML config file, overlaying it on the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.LogFile = expandTilde(cfg.LogFile)
	return cfg, nil
}

// LoadOrDefault is Load with a missing file treated as "use defaults".
// A file that exists but cannot be read or parsed is still an error.
func LoadOrDefault(path string) (*Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Default(), nil
	}
	return Load(path)
}

// Validate checks the configuration for values the daemon cannot run
// with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address must not be empty")
	}
	if c.Bluetooth.Adapter == "" {
		return fmt.Errorf("bluetooth.adapter must not be empty")
	}
	if c.Bluetooth.TargetName == "" && c.Bluetooth.TargetAddress == "" {
		return fmt.Errorf("one of bluetooth.target_name or bluetooth.target_address is required")
	}
	if c.Bluetooth.TargetAddress != "" {
		if _, err := net.ParseMAC(c.Bluetooth.TargetAddress); err != nil {
			return fmt.Errorf("bluetooth.target_address %q is not a valid address", c.Bluetooth.TargetAddress)
		}
	}
	if c.Bluetooth.TimeoutScale < 0 {
		return fmt.Errorf("bluetooth.timeout_scale must not be negative")
	}
	if c.Bluetooth.CommandsPerSecond <= 0 {
		return fmt.Errorf("bluetooth.commands_per_second must be positive")
	}
	if c.Bluetooth.CommandBurst <= 0 {
		return fmt.Errorf("bluetooth.command_burst must be positive")
	}
	if c.Network.ProbeHost == "" {
		return fmt.Errorf("network.probe_host must not be empty")
	}
	return nil
}

func expandTilde(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
