// Package config persists local device settings under the per-user
// data directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = ".local-sent"
	// DefaultListenPort is the transfer port used when no override exists.
	DefaultListenPort = 37373
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// DeviceConfig contains persistent local-device settings.
type DeviceConfig struct {
	DeviceName string `json:"device_name"`
	ListenPort int    `json:"listen_port"`
	OutputDir  string `json:"output_dir"`
}

// ResolveDataDir returns the app data directory, honoring the
// LOCAL_SENT_DATA_DIR override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LOCAL_SENT_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, AppDirectoryName), nil
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*DeviceConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg DeviceConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *DeviceConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// LoadOrCreate ensures the data directory and config exist, then
// returns the config and its path.
func LoadOrCreate() (*DeviceConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, "", fmt.Errorf("create data directory: %w", err)
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}
	return cfg, cfgPath, nil
}

func defaultConfig() *DeviceConfig {
	cfg := &DeviceConfig{
		DeviceName: "local-sent",
		ListenPort: DefaultListenPort,
		OutputDir:  DefaultOutputDir(),
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		cfg.DeviceName = host
	}
	return cfg
}

func normalizeDefaults(cfg *DeviceConfig) bool {
	updated := false

	if cfg.DeviceName == "" {
		cfg.DeviceName = defaultConfig().DeviceName
		updated = true
	}
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = DefaultListenPort
		updated = true
	}
	if cfg.OutputDir == "" {
		cfg.OutputDir = DefaultOutputDir()
		updated = true
	}
	return updated
}

// DefaultOutputDir is the user's Downloads directory, or ./received
// when no home is resolvable.
func DefaultOutputDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return "./received"
	}
	return filepath.Join(home, "Downloads")
}
