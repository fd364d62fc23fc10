// Package vmmconfig loads supervisor and console configuration: socket
// directory, ring capacity, resource budgets, and helper enable flags.
package vmmconfig

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// TmpDir is the directory containing every local socket and FIFO. It is a
// startup-configured constant, per spec.md §6.
var TmpDir = "/tmp/vmmd"

// ConfigPath is where a persisted configuration is read from and written
// to, mirroring the teacher's read-persisted-or-write-default pattern.
var ConfigPath = "/etc/vmmd/config.yaml"

const (
	CommandSocketName = "vmmd.sock"
	ConsoleSocketName = "cons.sock"
	StatsSocketName   = "stat.sock"
	LogSocketName     = "log.sock"
)

// Config is the supervisor's tunable configuration.
type Config struct {
	TmpDir       string   `yaml:"tmp_dir"`
	RingCapacity int      `yaml:"ring_capacity"`
	MemoryMB     int      `yaml:"memory_mb"`
	TapPool      []string `yaml:"tap_pool"`
	StatsEnabled bool     `yaml:"stats_enabled"`
	UseNetns     bool     `yaml:"use_netns"`
}

// Default returns the compiled-in default configuration.
func Default() Config {
	return Config{
		TmpDir:       TmpDir,
		RingCapacity: 1000,
		MemoryMB:     4096,
		TapPool:      []string{"tap0", "tap1", "tap2", "tap3"},
		StatsEnabled: true,
		UseNetns:     false,
	}
}

func (c Config) CommandSocketPath() string { return filepath.Join(c.TmpDir, CommandSocketName) }
func (c Config) ConsoleSocketPath() string { return filepath.Join(c.TmpDir, ConsoleSocketName) }
func (c Config) StatsSocketPath() string   { return filepath.Join(c.TmpDir, StatsSocketName) }
func (c Config) LogSocketPath() string     { return filepath.Join(c.TmpDir, LogSocketName) }

// Load reads the persisted configuration file, or writes and returns
// Default() if none exists yet.
func Load() (Config, error) {
	data, err := os.ReadFile(ConfigPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			def := Default()
			if writeErr := writeConfigFile(def); writeErr != nil {
				return Config{}, writeErr
			}
			return def, nil
		}
		return Config{}, fmt.Errorf("read config %s: %w", ConfigPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("decode config %s: %w", ConfigPath, err)
	}
	return cfg, nil
}

func writeConfigFile(cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(ConfigPath), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := os.WriteFile(ConfigPath, data, 0o644); err != nil {
		return fmt.Errorf("write config %s: %w", ConfigPath, err)
	}
	return nil
}

// Verify reports whether the configuration file exists, mirroring the
// teacher's setup.Verify.
func Verify() error {
	if _, err := os.Stat(ConfigPath); err != nil {
		return fmt.Errorf("config %s does not exist", ConfigPath)
	}
	return nil
}

// Clear removes the persisted configuration file.
func Clear() error {
	if err := os.Remove(ConfigPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove config %s: %w", ConfigPath, err)
	}
	return nil
}
