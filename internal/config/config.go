// Package config loads and persists daemon configuration, following the
// XDG-style layout: a yaml config file plus a data directory holding the
// device certificate and the trust database.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/lanlink/lanlinkd/internal/protocol"
)

// ConfigPaths holds the filesystem locations the daemon uses.
type ConfigPaths struct {
	BaseDir    string `json:"base_dir" yaml:"base_dir"`
	DataDir    string `json:"data_dir" yaml:"data_dir"`
	ConfigFile string `json:"config_file" yaml:"config_file"`
	DBFile     string `json:"db_file" yaml:"db_file"`
	CertFile   string `json:"cert_file" yaml:"cert_file"`
	KeyFile    string `json:"key_file" yaml:"key_file"`
	LogDir     string `json:"log_dir" yaml:"log_dir"`
}

// NetworkConfig controls discovery and transports.
type NetworkConfig struct {
	TCPPort           uint16        `json:"tcp_port" yaml:"tcp_port"`
	UDPPort           uint16        `json:"udp_port" yaml:"udp_port"`
	BroadcastInterval time.Duration `json:"broadcast_interval" yaml:"broadcast_interval"`
	EnableMDNS        bool          `json:"enable_mdns" yaml:"enable_mdns"`
	EnableBluetooth   bool          `json:"enable_bluetooth" yaml:"enable_bluetooth"`
}

// PairingConfig controls trust establishment.
type PairingConfig struct {
	Timeout time.Duration `json:"timeout" yaml:"timeout"`
}

// TransferConfig bounds payload transfer resource usage.
type TransferConfig struct {
	BytesBudget   int64 `json:"bytes_budget" yaml:"bytes_budget"`
	MaxConcurrent int64 `json:"max_concurrent" yaml:"max_concurrent"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"` // "json" or "console"
}

// Config holds all daemon configuration.
type Config struct {
	DeviceID        string `json:"device_id" yaml:"device_id"`
	DeviceName      string `json:"device_name" yaml:"device_name"`
	DeviceType      string `json:"device_type" yaml:"device_type"`
	ProtocolVersion int    `json:"protocol_version" yaml:"protocol_version"`

	SystemPaths ConfigPaths    `json:"system_paths" yaml:"system_paths"`
	Network     NetworkConfig  `json:"network" yaml:"network"`
	Pairing     PairingConfig  `json:"pairing" yaml:"pairing"`
	Transfers   TransferConfig `json:"transfers" yaml:"transfers"`
	Log         LogConfig      `json:"log" yaml:"log"`
}

// DefaultBaseDir resolves the daemon's base directory, honoring
// LANLINK_DATA_DIR.
func DefaultBaseDir() (string, error) {
	if dir := os.Getenv("LANLINK_DATA_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".local", "share", "lanlink"), nil
}

// Load reads the config file under baseDir, creating it with defaults on
// first run. An empty baseDir resolves via DefaultBaseDir.
func Load(baseDir string) (*Config, error) {
	if baseDir == "" {
		var err error
		baseDir, err = DefaultBaseDir()
		if err != nil {
			return nil, err
		}
	}

	cfg := defaults(baseDir)
	for _, dir := range []string{cfg.SystemPaths.BaseDir, cfg.SystemPaths.DataDir, cfg.SystemPaths.LogDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	data, err := os.ReadFile(cfg.SystemPaths.ConfigFile)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
		// First run, keep defaults.
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	changed := cfg.fillIdentity()
	cfg.fillDefaults(baseDir)
	if changed {
		if err := cfg.Save(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Save writes the config file back to disk.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(c.SystemPaths.ConfigFile, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func defaults(baseDir string) *Config {
	dataDir := filepath.Join(baseDir, "data")
	return &Config{
		DeviceType:      "desktop",
		ProtocolVersion: protocol.ProtocolVersionDefault,
		SystemPaths: ConfigPaths{
			BaseDir:    baseDir,
			DataDir:    dataDir,
			ConfigFile: filepath.Join(baseDir, "config.yaml"),
			DBFile:     filepath.Join(dataDir, "lanlink.db"),
			CertFile:   filepath.Join(dataDir, "device.crt"),
			KeyFile:    filepath.Join(dataDir, "device.key"),
			LogDir:     filepath.Join(baseDir, "logs"),
		},
		Network: NetworkConfig{
			TCPPort:           1716,
			UDPPort:           1716,
			BroadcastInterval: 30 * time.Second,
			EnableMDNS:        true,
			EnableBluetooth:   false,
		},
		Pairing: PairingConfig{Timeout: 30 * time.Second},
		Transfers: TransferConfig{
			BytesBudget:   256 << 20,
			MaxConcurrent: 8,
		},
		Log: LogConfig{Level: "info", Format: "json"},
	}
}

// fillIdentity generates the stable device identity on first run. It
// reports whether anything changed and needs saving.
func (c *Config) fillIdentity() bool {
	changed := false
	if c.DeviceID == "" {
		c.DeviceID = uuid.New().String()
		changed = true
	}
	if c.DeviceName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "lanlink-device"
		}
		c.DeviceName = host
		changed = true
	}
	return changed
}

// fillDefaults repairs zero values a hand-edited config may have dropped.
func (c *Config) fillDefaults(baseDir string) {
	def := defaults(baseDir)
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = def.ProtocolVersion
	}
	if c.DeviceType == "" {
		c.DeviceType = def.DeviceType
	}
	if c.SystemPaths.ConfigFile == "" {
		c.SystemPaths = def.SystemPaths
	}
	if c.Network.TCPPort == 0 {
		c.Network.TCPPort = def.Network.TCPPort
	}
	if c.Network.UDPPort == 0 {
		c.Network.UDPPort = def.Network.UDPPort
	}
	if c.Network.BroadcastInterval <= 0 {
		c.Network.BroadcastInterval = def.Network.BroadcastInterval
	}
	if c.Pairing.Timeout <= 0 {
		c.Pairing.Timeout = def.Pairing.Timeout
	}
	if c.Transfers.BytesBudget <= 0 {
		c.Transfers.BytesBudget = def.Transfers.BytesBudget
	}
	if c.Transfers.MaxConcurrent <= 0 {
		c.Transfers.MaxConcurrent = def.Transfers.MaxConcurrent
	}
	if c.Log.Level == "" {
		c.Log.Level = def.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = def.Log.Format
	}
}
