// Package config loads engine configuration. Precedence, lowest to highest:
// built-in defaults, config/config.yml, config/config.local.yml, environment
// variables.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Node    NodeConfig    `yaml:"node"`
	Storage StorageConfig `yaml:"storage"`
	Sync    SyncConfig    `yaml:"sync"`
}

type NodeConfig struct {
	// ID is the self-chosen opaque peer identifier; generated when empty.
	ID          string `yaml:"id"`
	DisplayName string `yaml:"display_name"`
}

type StorageConfig struct {
	DataDir string `yaml:"data_dir"`

	// QuotaSoftLimitBytes emits a warning event when exceeded; 0 disables.
	QuotaSoftLimitBytes int64 `yaml:"quota_soft_limit_bytes"`

	// LockTimeoutMs bounds ordinary readwrite transactions.
	LockTimeoutMs int `yaml:"lock_timeout_ms"`
}

type SyncConfig struct {
	NatsURL string `yaml:"nats_url"`

	// SkewToleranceMs is the conflict window for timestamp comparison.
	SkewToleranceMs int `yaml:"skew_tolerance_ms"`

	// DriftBoundSec is the maximum accepted peer clock drift at handshake.
	DriftBoundSec int `yaml:"drift_bound_sec"`
}

func defaults() *Config {
	return &Config{
		Node: NodeConfig{
			DisplayName: "peerkeep",
		},
		Storage: StorageConfig{
			DataDir:             "data",
			QuotaSoftLimitBytes: 512 << 20,
			LockTimeoutMs:       5000,
		},
		Sync: SyncConfig{
			NatsURL:         "nats://localhost:4222",
			SkewToleranceMs: 100,
			DriftBoundSec:   60,
		},
	}
}

// LoadConfig builds the effective configuration. Missing files are fine;
// malformed files are ignored in favor of the layers already applied.
func LoadConfig() *Config {
	cfg := defaults()

	for _, path := range []string{"config/config.yml", "config/config.local.yml"} {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		_ = yaml.Unmarshal(data, cfg)
	}

	if v := os.Getenv("PEERKEEP_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("PEERKEEP_DISPLAY_NAME"); v != "" {
		cfg.Node.DisplayName = v
	}
	if v := os.Getenv("PEERKEEP_DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("PEERKEEP_NATS_URL"); v != "" {
		cfg.Sync.NatsURL = v
	}
	if v := os.Getenv("PEERKEEP_QUOTA_SOFT_LIMIT"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Storage.QuotaSoftLimitBytes = n
		}
	}
	return cfg
}

func (c *Config) LockTimeout() time.Duration {
	return time.Duration(c.Storage.LockTimeoutMs) * time.Millisecond
}

func (c *Config) SkewTolerance() time.Duration {
	return time.Duration(c.Sync.SkewToleranceMs) * time.Millisecond
}

func (c *Config) DriftBound() time.Duration {
	return time.Duration(c.Sync.DriftBoundSec) * time.Second
}
