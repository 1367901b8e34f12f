package core

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the user-level CLI configuration.
type Config struct {
	Taskfile  string          `yaml:"taskfile"`
	Shell     string          `yaml:"shell"`
	History   HistoryConfig   `yaml:"history"`
	SSH       SSHConfig       `yaml:"ssh"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type SSHConfig struct {
	User           string `yaml:"user"`
	KeyPath        string `yaml:"key_path"`
	KnownHosts     string `yaml:"known_hosts"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	Retries        int    `yaml:"retries"`
}

type TelemetryConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Timeout returns the SSH dial timeout.
func (c SSHConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// DefaultConfig returns the configuration used when no file is present.
func DefaultConfig() Config {
	home, _ := os.UserHomeDir()
	return Config{
		Shell:   "sh",
		History: HistoryConfig{Enabled: true, Path: filepath.Join(stateDir(), "taskr", "history.db")},
		SSH: SSHConfig{
			KeyPath:        filepath.Join(home, ".ssh", "id_ed25519"),
			KnownHosts:     filepath.Join(home, ".ssh", "known_hosts"),
			TimeoutSeconds: 15,
			Retries:        2,
		},
	}
}

// DefaultConfigPath resolves $XDG_CONFIG_HOME/taskr/config.yaml or
// ~/.config/taskr/config.yaml.
func DefaultConfigPath() string {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, _ := os.UserHomeDir()
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "taskr", "config.yaml")
}

func stateDir() string {
	if base := os.Getenv("XDG_STATE_HOME"); base != "" {
		return base
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state")
}

// LoadConfig reads YAML configuration from a path on top of DefaultConfig. If
// path is empty the default location is used and a missing file is not an
// error. TASKR_TASKFILE and TASKR_SHELL override the file.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	explicit := path != ""
	if !explicit {
		path = DefaultConfigPath()
	}
	f, err := os.Open(path)
	switch {
	case err == nil:
		defer f.Close()
		content, err := io.ReadAll(f)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(content, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	case explicit || !errors.Is(err, fs.ErrNotExist):
		return cfg, fmt.Errorf("open config: %w", err)
	}

	if v := os.Getenv("TASKR_TASKFILE"); v != "" {
		cfg.Taskfile = v
	}
	if v := os.Getenv("TASKR_SHELL"); v != "" {
		cfg.Shell = v
	}
	if cfg.Shell == "" {
		cfg.Shell = "sh"
	}
	return cfg, nil
}
