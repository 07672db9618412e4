// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 UnitHost Contributors

package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"

	"github.com/unithost/unithost/internal/xdg"
)

// Default values for run command flags.
const (
	defaultMetricsAddr = "127.0.0.1:9600"
	defaultLogFormat   = "json"
	defaultLogLevel    = "info"
	defaultQueueSize   = 1024
	defaultJoinTimeout = 5 * time.Second
)

// runConfig holds configuration for the run command. Keys are spelled the
// way the flags are, so the YAML file uses the same names:
//
//	units-dir: /srv/unithost/units
//	metrics-addr: 127.0.0.1:9600
//	log-format: text
type runConfig struct {
	UnitsDir    string        `koanf:"units-dir"`
	ConfigDir   string        `koanf:"config-dir"`
	MetricsAddr string        `koanf:"metrics-addr"`
	LogFormat   string        `koanf:"log-format"`
	LogLevel    string        `koanf:"log-level"`
	QueueSize   int           `koanf:"queue-size"`
	JoinTimeout time.Duration `koanf:"join-timeout"`
	NoAutostart bool          `koanf:"no-autostart"`
}

// Validate checks that the configuration is valid.
func (cfg *runConfig) Validate() error {
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return fmt.Errorf("log-format must be 'json' or 'text', got %q", cfg.LogFormat)
	}
	if cfg.QueueSize < 1 {
		return fmt.Errorf("queue-size must be positive, got %d", cfg.QueueSize)
	}
	if cfg.JoinTimeout <= 0 {
		return fmt.Errorf("join-timeout must be positive, got %s", cfg.JoinTimeout)
	}
	return nil
}

// registerRunFlags declares the run command's flags with their defaults.
// The defaults double as configuration defaults via the posflag provider.
func registerRunFlags(flags *pflag.FlagSet) {
	flags.String("units-dir", "", "units directory (default: XDG_DATA_HOME/unithost/units)")
	flags.String("config-dir", "", "configuration directory (default: XDG_CONFIG_HOME/unithost)")
	flags.String("metrics-addr", defaultMetricsAddr, "metrics/health HTTP address (empty = disabled)")
	flags.String("log-format", defaultLogFormat, "log format (json or text)")
	flags.String("log-level", defaultLogLevel, "log level (debug, info, warn, error)")
	flags.Int("queue-size", defaultQueueSize, "event queue capacity")
	flags.Duration("join-timeout", defaultJoinTimeout, "how long shutdown waits on each unit")
	flags.Bool("no-autostart", false, "skip autostarting units at boot")
}

// loadRunConfig assembles the run configuration. Precedence, highest first:
// flags set on the command line, the YAML config file, flag defaults.
func loadRunConfig(flags *pflag.FlagSet, path string) (*runConfig, error) {
	k := koanf.New(".")

	if path == "" {
		candidate := filepath.Join(xdg.ConfigDir(), "config.yaml")
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, oops.In("cli").With("path", path).
				Hint("config file must be valid YAML").Wrap(err)
		}
	}

	// The posflag provider skips flags left at their default when the file
	// already supplied the key, which yields the precedence above.
	if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
		return nil, oops.In("cli").Hint("flag parsing failed").Wrap(err)
	}

	var cfg runConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.In("cli").Hint("config does not match the expected shape").Wrap(err)
	}
	return &cfg, nil
}
