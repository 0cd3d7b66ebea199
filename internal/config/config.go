// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Subscore Contributors

// Package config loads cmd/subscored's configuration from a YAML file and
// command-line flags, in that precedence order (flags win).
package config

import (
	"fmt"
	"os"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/pflag"
)

// Config is the daemon's runtime configuration.
type Config struct {
	DatabaseURL       string `koanf:"database_url"`
	ServeAddr         string `koanf:"serve_addr"`
	ObservabilityAddr string `koanf:"observability_addr"`
	LogFormat         string `koanf:"log_format"`
	DemoEnabled       bool   `koanf:"demo_enabled"`
}

// Default returns the built-in configuration used when no file, flag, or
// environment variable overrides a field.
func Default() Config {
	return Config{
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		ServeAddr:         ":8420",
		ObservabilityAddr: ":9420",
		LogFormat:         "json",
		DemoEnabled:       false,
	}
}

// Load builds a Config starting from Default(), layering in a YAML file at
// path (skipped if path is empty or the file is absent) and then any flags
// already registered and parsed into fs (fs may be nil).
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")
	cfg := Default()

	if err := k.Load(structProvider(cfg), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if loadErr := k.Load(file.Provider(path), yaml.Parser()); loadErr != nil {
				return nil, fmt.Errorf("load config file %s: %w", path, loadErr)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file %s: %w", path, err)
		}
	}

	if fs != nil {
		if err := k.Load(posflag.Provider(fs, ".", k), nil); err != nil {
			return nil, fmt.Errorf("load flags: %w", err)
		}
	}

	var out Config
	if err := k.Unmarshal("", &out); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &out, nil
}

// defaultsProvider feeds Default()'s fields into koanf as the lowest layer,
// without pulling in the confmap submodule for five static key/value pairs.
type defaultsProvider struct{ cfg Config }

func structProvider(cfg Config) koanf.Provider { return defaultsProvider{cfg: cfg} }

func (p defaultsProvider) ReadBytes() ([]byte, error) {
	return nil, fmt.Errorf("defaultsProvider does not support raw bytes")
}

func (p defaultsProvider) Read() (map[string]any, error) {
	return map[string]any{
		"database_url":       p.cfg.DatabaseURL,
		"serve_addr":         p.cfg.ServeAddr,
		"observability_addr": p.cfg.ObservabilityAddr,
		"log_format":         p.cfg.LogFormat,
		"demo_enabled":       p.cfg.DemoEnabled,
	}, nil
}
