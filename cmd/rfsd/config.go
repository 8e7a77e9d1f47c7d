package main

import (
	"fmt"
	"time"

	"github.com/rfratto/rfs/internal/cmdutil"
	"github.com/rfratto/rfs/internal/rfs/remote"
)

// Config configures rfsd.
type Config struct {
	LogLevel cmdutil.LogLevel `yaml:"log_level"`

	// ListenAddr is a URL naming the listener for links, such as
	// tcp://127.0.0.1:12195 or unix://~/.rfsd.sock.
	ListenAddr string `yaml:"listen_addr"`

	// HTTPAddr serves metrics and pprof.
	HTTPAddr string `yaml:"http_addr"`

	// Volume is the drive name served, and Root the host directory backing
	// it.
	Volume string `yaml:"volume"`
	Root   string `yaml:"root"`

	ConcurrencyLimit int           `yaml:"concurrency_limit"`
	RequestTimeout   time.Duration `yaml:"request_timeout"`
	LogRequests      bool          `yaml:"log_requests"`
}

// DefaultConfig holds defaults for rfsd.
var DefaultConfig = Config{
	ListenAddr:       "tcp://127.0.0.1:12195",
	HTTPAddr:         "127.0.0.1:8081",
	Volume:           "C:",
	Root:             ".",
	ConcurrencyLimit: remote.DefaultOptions.ConcurrencyLimit,
	RequestTimeout:   15 * time.Second,
}

// Validate checks c for errors.
func (c *Config) Validate() error {
	if len(c.Volume) != 2 || c.Volume[1] != ':' {
		return fmt.Errorf("volume %q must be a drive letter followed by a colon", c.Volume)
	}
	if c.Root == "" {
		return fmt.Errorf("root must be set")
	}
	return nil
}

// loadConfig reads the config file at path on top of DefaultConfig. An empty
// path returns the defaults.
func loadConfig(path string) (Config, error) {
	cfg := DefaultConfig
	if path == "" {
		return cfg, nil
	}
	if err := cmdutil.LoadConfig(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}
