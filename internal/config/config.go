package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime settings for the stratum daemon and backing services.
type Config struct {
	StratumListen string `yaml:"stratum_listen"`
	TLSCertPath   string `yaml:"tls_cert_path"`
	TLSKeyPath    string `yaml:"tls_key_path"`
	NodeRPCURL    string `yaml:"node_rpc_url"`
	MetricsListen string `yaml:"metrics_listen"`
	PostgresDSN   string `yaml:"postgres_dsn"`

	Network string `yaml:"network"` // "mainnet" or "testnet"

	DevFeeAddress     string  `yaml:"dev_fee_address"`
	DefaultDifficulty float64 `yaml:"default_difficulty"`

	VardiffTargetSeconds float64 `yaml:"vardiff_target_seconds"`
	VardiffSampleCount   int     `yaml:"vardiff_sample_count"`
	VardiffTickSeconds   int     `yaml:"vardiff_tick_seconds"`

	MaxSessions        int           `yaml:"max_sessions"`
	SessionIdleTimeout time.Duration `yaml:"session_idle_timeout"`

	BlockConfirmations int `yaml:"block_confirmations"`
}

// Load reads YAML config from disk.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Validate enforces required fields, fills defaults, and performs basic
// sanity checks.
func (c *Config) Validate() error {
	if c.StratumListen == "" {
		return fmt.Errorf("stratum_listen is required")
	}
	// TLS is optional - if both paths are empty, run without TLS.
	if (c.TLSCertPath == "") != (c.TLSKeyPath == "") {
		return fmt.Errorf("tls_cert_path and tls_key_path must both be set or both empty")
	}
	if c.NodeRPCURL == "" {
		return fmt.Errorf("node_rpc_url is required")
	}
	switch c.Network {
	case "":
		c.Network = "mainnet"
	case "mainnet", "testnet":
	default:
		return fmt.Errorf("network must be mainnet or testnet, got %q", c.Network)
	}
	if c.DefaultDifficulty <= 0 {
		c.DefaultDifficulty = 16384
	}
	if c.VardiffTargetSeconds <= 0 {
		c.VardiffTargetSeconds = 20
	}
	if c.VardiffSampleCount <= 0 {
		c.VardiffSampleCount = 16
	}
	if c.VardiffTickSeconds <= 0 {
		c.VardiffTickSeconds = 60
	}
	if c.MaxSessions <= 0 {
		c.MaxSessions = 10000
	}
	if c.SessionIdleTimeout <= 0 {
		c.SessionIdleTimeout = time.Hour
	}
	if c.BlockConfirmations <= 0 {
		c.BlockConfirmations = 100
	}
	return nil
}
