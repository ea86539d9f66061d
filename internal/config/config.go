// Package config loads the daemon configuration from a YAML file in the
// data directory, creating it with defaults on first run.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the exchange daemon.
type Config struct {
	// Storage settings
	Storage StorageConfig `yaml:"storage"`

	// Logging settings
	Logging LoggingConfig `yaml:"logging"`

	// Sync settings for the deposit ingestion loop
	Sync SyncConfig `yaml:"sync"`

	// Node settings for coin-node RPC clients
	Node NodeConfig `yaml:"node"`
}

// StorageConfig holds storage settings.
type StorageConfig struct {
	// DataDir is the directory for all data files.
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`

	// File is the log file path (empty for stderr).
	File string `yaml:"file"`
}

// SyncConfig holds deposit sync settings.
type SyncConfig struct {
	// IntervalSeconds is how often the deposit sync loop runs.
	IntervalSeconds int `yaml:"interval_seconds"`

	// MinConfirmations is the default confirmation depth before a
	// deposit is credited. Individual coin nodes may override it.
	MinConfirmations int64 `yaml:"min_confirmations"`
}

// NodeConfig holds coin-node RPC client settings.
type NodeConfig struct {
	// RPCTimeoutSeconds is the HTTP timeout for coin-node RPC calls.
	RPCTimeoutSeconds int `yaml:"rpc_timeout_seconds"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DataDir: "~/.meridian",
		},
		Logging: LoggingConfig{
			Level: "info",
			File:  "",
		},
		Sync: SyncConfig{
			IntervalSeconds:  30,
			MinConfirmations: 2,
		},
		Node: NodeConfig{
			RPCTimeoutSeconds: 10,
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// Load loads configuration from a YAML file in the data directory.
// If the file doesn't exist, it creates one with default values.
func Load(dataDir string) (*Config, error) {
	expandedDir := expandPath(dataDir)
	configPath := filepath.Join(expandedDir, ConfigFileName)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir

		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("failed to create default config: %w", err)
		}

		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte("# Meridian Exchange Daemon Configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Path returns the full path to the config file for the given data directory.
func Path(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
