// Package config loads the application configuration and the per-user
// persisted UI state from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// CaptureConfig bounds a capture run.
type CaptureConfig struct {
	// MaxPackets stops the capture when reached; zero means unlimited.
	MaxPackets uint64 `yaml:"max_packets"`
	// QueueSize is the capture-to-decoder channel depth.
	QueueSize int `yaml:"queue_size"`
}

// NATSConfig configures the remote capture transport.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
	Buffer  int    `yaml:"buffer"`
}

// ClickHouseConfig configures the transfer summary export.
type ClickHouseConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	// Interval between export batches, as a duration string.
	Interval string `yaml:"interval"`
}

// SnapshotConfig configures the on-disk snapshot export.
type SnapshotConfig struct {
	Enabled  bool   `yaml:"enabled"`
	RootPath string `yaml:"root_path"`
	Interval string `yaml:"interval"`
}

// APIConfig configures the HTTP and websocket API.
type APIConfig struct {
	Addr string `yaml:"addr"`
}

// Config is the top-level configuration for all binaries.
type Config struct {
	Capture    CaptureConfig    `yaml:"capture"`
	NATS       NATSConfig       `yaml:"nats"`
	ClickHouse ClickHouseConfig `yaml:"clickhouse"`
	Snapshot   SnapshotConfig   `yaml:"snapshot"`
	API        APIConfig        `yaml:"api"`
}

// Load reads the configuration from a YAML file.
func Load(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Capture.QueueSize == 0 {
		cfg.Capture.QueueSize = 1024
	}
	if cfg.NATS.URL == "" {
		cfg.NATS.URL = "nats://127.0.0.1:4222"
	}
	if cfg.NATS.Subject == "" {
		cfg.NATS.Subject = "usblens.capture.events"
	}
	if cfg.NATS.Buffer == 0 {
		cfg.NATS.Buffer = 4096
	}
	if cfg.ClickHouse.Interval == "" {
		cfg.ClickHouse.Interval = "10s"
	}
	if cfg.Snapshot.Interval == "" {
		cfg.Snapshot.Interval = "30s"
	}
	if cfg.API.Addr == "" {
		cfg.API.Addr = ":8780"
	}
}

// UIState is the per-user persisted state: the last-used directories
// for the open and save operations.
type UIState struct {
	LastOpenDir string `yaml:"last_open_dir"`
	LastSaveDir string `yaml:"last_save_dir"`
}

func uiStatePath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "usblens", "state.yaml"), nil
}

// LoadUIState reads the persisted UI state; a missing file yields the
// zero state.
func LoadUIState() (*UIState, error) {
	path, err := uiStatePath()
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &UIState{}, nil
		}
		return nil, err
	}
	var state UIState
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal UI state: %w", err)
	}
	return &state, nil
}

// SaveUIState writes the persisted UI state, creating the directory if
// needed.
func SaveUIState(state *UIState) error {
	path, err := uiStatePath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(state)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
