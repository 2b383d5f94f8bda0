// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the language server daemon
// configuration from YAML.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// validate is the validator instance for daemon config.
// Initialized in init() with custom validators.
var validate *validator.Validate

func init() {
	validate = validator.New()

	// Scaling floor must sit strictly below the pressure threshold or
	// the linear TTL ramp has no range.
	validate.RegisterStructValidation(validateScopeBand, ScopeConfig{})
}

func validateScopeBand(sl validator.StructLevel) {
	sc := sl.Current().Interface().(ScopeConfig)
	if sc.ScalingFloor >= sc.PressureThreshold {
		sl.ReportError(sc.ScalingFloor, "ScalingFloor", "scaling_floor", "ltthreshold", "")
	}
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`

	// Dir, when set, additionally writes JSON logs under this directory.
	Dir string `yaml:"dir"`
}

// ScopeConfig tunes scope lifecycle and eviction.
type ScopeConfig struct {
	// TTL is the idle time after which a scope's heavy state is
	// evictable. Zero disables TTL eviction entirely.
	TTL time.Duration `yaml:"ttl" validate:"min=0"`

	// PressureThreshold is the heap ratio above which eviction runs
	// regardless of TTL.
	PressureThreshold float64 `yaml:"pressure_threshold" validate:"gt=0,lte=1"`

	// ScalingFloor is the heap ratio at which the effective TTL starts
	// shrinking. Must be below PressureThreshold.
	ScalingFloor float64 `yaml:"scaling_floor" validate:"gt=0,lt=1"`

	// ClosedFileTTL bounds how long closed-file contents stay cached.
	ClosedFileTTL time.Duration `yaml:"closed_file_ttl" validate:"min=0"`

	// ClosedFileCacheSize caps the closed-file cache entry count.
	ClosedFileCacheSize int `yaml:"closed_file_cache_size" validate:"min=0"`
}

// PoolConfig sizes the worker pools. Zero values derive from the host.
type PoolConfig struct {
	SchedulingWorkers int `yaml:"scheduling_workers" validate:"min=0,max=64"`
	ImportWorkers     int `yaml:"import_workers" validate:"min=0,max=64"`
	CompileWorkers    int `yaml:"compile_workers" validate:"min=0,max=64"`
	CompilePermits    int `yaml:"compile_permits" validate:"min=0,max=64"`
}

// WatcherConfig tunes the build-file watcher.
type WatcherConfig struct {
	// Debounce coalesces rapid build-file edits into one re-import.
	Debounce time.Duration `yaml:"debounce" validate:"min=0"`
}

// Config is the full daemon configuration.
type Config struct {
	Logging LoggingConfig `yaml:"logging"`
	Scope   ScopeConfig   `yaml:"scope"`
	Pools   PoolConfig    `yaml:"pools"`
	Watcher WatcherConfig `yaml:"watcher"`

	// MetricsAddr, when set, serves Prometheus metrics on this address.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Logging: LoggingConfig{
			Level: "info",
		},
		Scope: ScopeConfig{
			TTL:                 10 * time.Minute,
			PressureThreshold:   0.75,
			ScalingFloor:        0.60,
			ClosedFileTTL:       time.Hour,
			ClosedFileCacheSize: 256,
		},
		Watcher: WatcherConfig{
			Debounce: 2 * time.Second,
		},
	}
}

// Load reads path into a Config layered over Default and validates it.
// An empty path returns the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks field constraints and cross-field invariants.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}
