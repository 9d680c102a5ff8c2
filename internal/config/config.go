// ============================================================================
// Jobserver Configuration
// ============================================================================
//
// Package: internal/config
// File: config.go
// Purpose: YAML-backed configuration for jobserverd: flat per-concern
// structs, yaml tags, values overridable by CLI flags after load.
//
// ============================================================================

// Package config loads the job server's YAML configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete on-disk configuration. CLI flags, where present,
// take precedence over the corresponding field after loading.
type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`

	Runner struct {
		// Path is the runner binary to invoke, overridable with --runner.
		// Its containing directory also becomes the child's working
		// directory.
		Path            string        `yaml:"path"`
		RemoteCopyTool  string        `yaml:"remote_copy_tool"`
		LogDir          string        `yaml:"log_dir"`
		SchedulerPeriod time.Duration `yaml:"scheduler_period"`
	} `yaml:"runner"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`
}

// Default returns the configuration used when no file is supplied, matching
// the specification's documented defaults.
func Default() *Config {
	var cfg Config
	cfg.Server.Addr = "127.0.0.1:3030"
	cfg.Runner.Path = "."
	cfg.Runner.RemoteCopyTool = "scp"
	cfg.Runner.LogDir = os.TempDir()
	cfg.Runner.SchedulerPeriod = time.Second
	cfg.Metrics.Enabled = false
	cfg.Metrics.Port = 9090
	return &cfg
}

// Load reads and parses a YAML config file, starting from Default() so a
// partial file only overrides what it mentions.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return cfg, nil
}
