package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/chaz8081/blecentral/internal/ble/protocol"
	"github.com/chaz8081/blecentral/internal/ble/uuid"
)

// Config holds all application configuration.
type Config struct {
	Adapter  AdapterConfig `yaml:"adapter"`
	Scan     ScanConfig    `yaml:"scan"`
	Connect  ConnectConfig `yaml:"connect"`
	L2CAP    L2CAPConfig   `yaml:"l2cap"`
	BlueZ    BlueZConfig   `yaml:"bluez"`
	Sink     SinkConfig    `yaml:"sink"`
	LogLevel string        `yaml:"log_level"`
}

// AdapterConfig holds session manager tuning.
type AdapterConfig struct {
	BondingGateMaxWait      time.Duration `yaml:"bonding_gate_max_wait"`
	BondLostDisconnectDelay time.Duration `yaml:"bond_lost_disconnect_delay"`
	EventBuffer             int           `yaml:"event_buffer"`
}

// ScanConfig holds scan filter settings.
type ScanConfig struct {
	Keywords          []string      `yaml:"keywords"`
	ServiceUUIDs      []string      `yaml:"service_uuids"`
	ContinuousUpdates bool          `yaml:"continuous_updates"`
	ContinuousDivisor int           `yaml:"continuous_divisor"`
	Timeout           time.Duration `yaml:"timeout"` // 0 scans until shutdown
	Proximity         bool          `yaml:"proximity"`
}

// ConnectConfig lists the peripherals to connect at startup.
type ConnectConfig struct {
	Devices             []string      `yaml:"devices"`
	AutoConnect         bool          `yaml:"auto_connect"`
	MTU                 int           `yaml:"mtu"`
	ReconnectMaxBackoff time.Duration `yaml:"reconnect_max_backoff"`
}

// L2CAPConfig holds connection-oriented channel settings.
type L2CAPConfig struct {
	ReadBuffer int  `yaml:"read_buffer"`
	Listen     bool `yaml:"listen"`
	Secure     bool `yaml:"secure"`
}

// BlueZConfig selects the D-Bus bonding backend on Linux.
type BlueZConfig struct {
	Enabled     bool   `yaml:"enabled"`
	AdapterPath string `yaml:"adapter_path"`
}

// SinkConfig holds event output settings.
type SinkConfig struct {
	WebSocketAddr string `yaml:"websocket_addr"` // empty disables the hub
	JSONLog       bool   `yaml:"json_log"`
	EventFile     string `yaml:"event_file"` // append-only JSON lines, empty disables
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "blecentral")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// defaultYAML is written by WriteDefault. It must decode to Default().
const defaultYAML = `# blecentral configuration
adapter:
  bonding_gate_max_wait: 5s
  bond_lost_disconnect_delay: 1s
  event_buffer: 256

scan:
  keywords: []
  service_uuids: []
  continuous_updates: false
  continuous_divisor: 1
  timeout: 10s # 0 scans until shutdown
  proximity: false

connect:
  devices: []
  auto_connect: false
  mtu: 512
  reconnect_max_backoff: 30s

l2cap:
  read_buffer: 50
  listen: false
  secure: false

bluez:
  enabled: true
  adapter_path: /org/bluez/hci0

sink:
  websocket_addr: "" # e.g. 127.0.0.1:8765
  json_log: false
  event_file: ""

log_level: info
`

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Adapter: AdapterConfig{
			BondingGateMaxWait:      5 * time.Second,
			BondLostDisconnectDelay: time.Second,
			EventBuffer:             256,
		},
		Scan: ScanConfig{
			ContinuousDivisor: 1,
			Timeout:           10 * time.Second,
		},
		Connect: ConnectConfig{
			MTU:                 protocol.MaxAttributeLen,
			ReconnectMaxBackoff: 30 * time.Second,
		},
		L2CAP: L2CAPConfig{
			ReadBuffer: 50,
		},
		BlueZ: BlueZConfig{
			Enabled:     true,
			AdapterPath: "/org/bluez/hci0",
		},
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. Tilde (~) in sink.event_file is expanded to the user's home directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.Sink.EventFile = expandTilde(cfg.Sink.EventFile)

	return cfg, nil
}

// WriteDefault writes the default config to DefaultConfigPath. It returns
// ("", nil) without touching anything when the file already exists.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(defaultYAML), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter.BondingGateMaxWait <= 0 {
		return fmt.Errorf("adapter.bonding_gate_max_wait must be > 0")
	}
	if c.Adapter.BondLostDisconnectDelay <= 0 {
		return fmt.Errorf("adapter.bond_lost_disconnect_delay must be > 0")
	}
	if c.Adapter.EventBuffer <= 0 {
		return fmt.Errorf("adapter.event_buffer must be > 0")
	}

	if c.Scan.ContinuousDivisor <= 0 {
		return fmt.Errorf("scan.continuous_divisor must be > 0")
	}
	if c.Scan.Timeout < 0 {
		return fmt.Errorf("scan.timeout must be >= 0")
	}
	for _, u := range c.Scan.ServiceUUIDs {
		if _, err := uuid.Canonical(u); err != nil {
			return fmt.Errorf("scan.service_uuids: %w", err)
		}
	}

	if c.Connect.MTU < protocol.DefaultMTU || c.Connect.MTU > protocol.MaxMTU {
		return fmt.Errorf("connect.mtu must be between %d and %d, got %d", protocol.DefaultMTU, protocol.MaxMTU, c.Connect.MTU)
	}
	if c.Connect.ReconnectMaxBackoff <= 0 {
		return fmt.Errorf("connect.reconnect_max_backoff must be > 0")
	}
	for _, d := range c.Connect.Devices {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("connect.devices must not contain empty entries")
		}
	}

	if c.L2CAP.ReadBuffer <= 0 {
		return fmt.Errorf("l2cap.read_buffer must be > 0")
	}

	if c.BlueZ.Enabled && !strings.HasPrefix(c.BlueZ.AdapterPath, "/org/bluez/") {
		return fmt.Errorf("bluez.adapter_path must start with /org/bluez/, got %q", c.BlueZ.AdapterPath)
	}

	if c.Sink.WebSocketAddr != "" {
		if _, _, err := net.SplitHostPort(c.Sink.WebSocketAddr); err != nil {
			return fmt.Errorf("sink.websocket_addr %q: %w", c.Sink.WebSocketAddr, err)
		}
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
