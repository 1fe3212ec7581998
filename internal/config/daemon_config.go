package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// DaemonConfig is the supervisor's own bootstrap configuration: where to
// find job-class sources, where to write persisted state, and ambient
// logging/runtime knobs. It is distinct from a Job Class Definition,
// which the Configuration Manager loads from the sources this config
// names.
type DaemonConfig struct {
	JobDir      string `yaml:"job_dir"`
	ConfDir     string `yaml:"conf_dir"`
	StatePath   string `yaml:"state_path"`
	PidFile     string `yaml:"pid_file"`
	LogLevel    string `yaml:"log_level"`
	SocketPath  string `yaml:"socket_path"`
	NoSessions  bool   `yaml:"no_sessions"`
}

// Defaults returns the built-in configuration used when no file is
// present and no overrides apply.
func Defaults() *DaemonConfig {
	return &DaemonConfig{
		JobDir:     "/etc/init",
		ConfDir:    "/etc/init",
		StatePath:  "/var/lib/uinit/state.json",
		PidFile:    "/run/uinit.pid",
		LogLevel:   "info",
		SocketPath: "/run/uinit.sock",
	}
}

// Load reads path (if it exists) over the defaults, then applies
// environment variable overrides, then validates.
func Load(path string) (*DaemonConfig, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// absent config file: defaults stand
		default:
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := validateDaemonConfig(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ValidationError reports one invalid DaemonConfig field.
type ValidationError struct {
	Field   string
	Value   any
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config.%s: %s (got: %v)", e.Field, e.Message, e.Value)
}

func validateDaemonConfig(cfg *DaemonConfig) error {
	var errs []error

	if cfg.JobDir == "" {
		errs = append(errs, &ValidationError{Field: "job_dir", Value: cfg.JobDir, Message: "must not be empty"})
	}
	if cfg.StatePath == "" {
		errs = append(errs, &ValidationError{Field: "state_path", Value: cfg.StatePath, Message: "must not be empty"})
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.LogLevel] {
		errs = append(errs, &ValidationError{Field: "log_level", Value: cfg.LogLevel, Message: "must be one of: debug, info, warn, error"})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}
