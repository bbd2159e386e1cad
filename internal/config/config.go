// Package config loads and validates the tablet-node's configuration,
// following the structure of froz-husain-PairDB/storage-node's
// internal/config package: a YAML-backed struct tree, defaults applied
// after unmarshal, then validation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ServerConfig identifies this node.
type ServerConfig struct {
	NodeID  string `yaml:"node_id"`
	DataDir string `yaml:"data_dir"`
}

// TabletConfig holds the tablet-hosting control plane's recognized
// options (spec §6).
type TabletConfig struct {
	// TransactionMemoryLimitMB bounds the memory a single tablet's
	// in-flight transactions may consume. -1 disables tracking.
	TransactionMemoryLimitMB int64 `yaml:"tablet_transaction_memory_limit_mb"`
	// NumTabletsToOpenSimultaneously bounds bootstrap parallelism.
	NumTabletsToOpenSimultaneously int `yaml:"num_tablets_to_open_simultaneously"`
	// StartWarnThresholdMS triggers a warning (tablet id, elapsed time and
	// threshold) when a single tablet's bootstrap+start exceeds this many
	// milliseconds. The warning carries no trace dump.
	StartWarnThresholdMS int `yaml:"tablet_start_warn_threshold_ms"`
}

// RPCConfig is consulted only by the cross-flag validator below.
type RPCConfig struct {
	MaxMessageSize int64 `yaml:"rpc_max_message_size"`
}

// MetricsConfig controls the Prometheus exposition endpoint. Path is
// parsed and defaulted but not read: the metrics server always serves
// /metrics.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// LoggingConfig is parsed and defaulted but not read: cmd/tablet-node
// builds its zap logger before loading the config, always with the
// production (JSON) encoder at info level.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config is the complete configuration for the tablet-node process.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Tablet  TabletConfig  `yaml:"tablet"`
	RPC     RPCConfig     `yaml:"rpc"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

// LoadConfig reads, defaults, and validates configuration from filePath.
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	setDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(cfg *Config) {
	if cfg.Server.DataDir == "" {
		cfg.Server.DataDir = "/var/lib/tablet-node"
	}

	if cfg.Tablet.TransactionMemoryLimitMB == 0 {
		cfg.Tablet.TransactionMemoryLimitMB = 64
	}
	if cfg.Tablet.NumTabletsToOpenSimultaneously == 0 {
		cfg.Tablet.NumTabletsToOpenSimultaneously = 50
	}
	if cfg.Tablet.StartWarnThresholdMS == 0 {
		cfg.Tablet.StartWarnThresholdMS = 500
	}

	if cfg.RPC.MaxMessageSize == 0 {
		cfg.RPC.MaxMessageSize = 50 * 1024 * 1024
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9102
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate checks the configuration for internal consistency, including
// the cross-flag check tying the transaction memory limit to the maximum
// inbound RPC message size.
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Tablet.NumTabletsToOpenSimultaneously <= 0 {
		return fmt.Errorf("tablet.num_tablets_to_open_simultaneously must be positive")
	}
	if c.Tablet.StartWarnThresholdMS <= 0 {
		return fmt.Errorf("tablet.tablet_start_warn_threshold_ms must be positive")
	}
	if err := ValidateTransactionMemoryLimit(c.Tablet.TransactionMemoryLimitMB); err != nil {
		return err
	}
	if err := ValidateTransactionMemoryAgainstRPCSize(c.Tablet.TransactionMemoryLimitMB, c.RPC.MaxMessageSize); err != nil {
		return err
	}
	return nil
}

// ValidateTransactionMemoryLimit accepts any non-negative limit in MiB or
// the disable-sentinel -1; anything below -1 is rejected.
func ValidateTransactionMemoryLimit(limitMB int64) error {
	if limitMB < -1 {
		return fmt.Errorf("tablet.tablet_transaction_memory_limit_mb: invalid value %d", limitMB)
	}
	return nil
}

// ValidateTransactionMemoryAgainstRPCSize rejects a transaction memory
// limit that is strictly less than the maximum inbound RPC message size,
// since no single transaction could ever be admitted. -1 (disabled) skips
// the check. The error message names the smallest acceptable limit,
// rounded up to a whole MiB.
func ValidateTransactionMemoryAgainstRPCSize(limitMB, rpcMaxMessageSize int64) error {
	if limitMB == -1 {
		return nil
	}
	limitBytes := limitMB * 1024 * 1024
	if limitBytes >= rpcMaxMessageSize {
		return nil
	}
	minMB := (rpcMaxMessageSize + 1024*1024 - 1) / (1024 * 1024)
	return fmt.Errorf(
		"tablet.tablet_transaction_memory_limit_mb is set too low compared with rpc.rpc_max_message_size; "+
			"increase tablet_transaction_memory_limit_mb to at least %d", minMB)
}
