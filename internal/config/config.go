package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ControlPlane holds all configuration for the control-plane server.
type ControlPlane struct {
	// Network
	BindAddress string `yaml:"bind_address"`
	Port        int    `yaml:"port"`

	// Address advertised to clients and spawned game servers.
	AdvertiseHost string `yaml:"advertise_host"`

	// Report listener (child game servers phone home here)
	ReportBindAddress string `yaml:"report_bind_address"`
	ReportPort        int    `yaml:"report_port"`

	// Connection policy
	IdleTimeoutSec      int `yaml:"idle_timeout_sec"`
	RateLimitPerSec     int `yaml:"rate_limit_per_sec"`
	RateCooldownSec     int `yaml:"rate_cooldown_sec"`
	RateWindowSec       int `yaml:"rate_window_sec"`
	RateMaxViolations   int `yaml:"rate_max_violations"`
	HeartbeatTimeoutSec int `yaml:"heartbeat_timeout_sec"`
	StartTimeoutSec     int `yaml:"start_timeout_sec"`

	// Storage
	DataDir string `yaml:"data_dir"` // sqlite databases
	BaseDir string `yaml:"base_dir"` // published package trees

	// Protocol
	ProtocolVersion int `yaml:"protocol_version"`
}

// Default returns a ControlPlane config with sensible defaults.
func Default() ControlPlane {
	return ControlPlane{
		BindAddress:         "0.0.0.0",
		Port:                16534,
		AdvertiseHost:       "127.0.0.1",
		ReportBindAddress:   "0.0.0.0",
		ReportPort:          16540,
		IdleTimeoutSec:      300,
		RateLimitPerSec:     50,
		RateCooldownSec:     1,
		RateWindowSec:       10,
		RateMaxViolations:   5,
		HeartbeatTimeoutSec: 60,
		StartTimeoutSec:     5,
		DataDir:             "data",
		BaseDir:             "base",
		ProtocolVersion:     1,
	}
}

// Load reads the control-plane config from a YAML file.
// A missing file yields defaults.
func Load(path string) (ControlPlane, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}
