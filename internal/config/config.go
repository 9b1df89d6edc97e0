// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads pmcore's YAML configuration, layering environment
// variable overrides on top for the handful of values that must be
// settable in container deployments (PMCORE_PORT, PMCORE_API_KEY,
// PMCORE_DATA_DIR). Watcher hot-reloads the runtime-tunable values without
// requiring a restart.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the RPC surface's listen address and debug gate.
type ServerConfig struct {
	Addr  string `yaml:"addr"`
	Debug bool   `yaml:"debug"`
}

// AuthConfig selects between local (no auth) and cloud (x-api-key) mode.
type AuthConfig struct {
	Mode   string `yaml:"mode"` // "local" or "cloud"
	APIKey string `yaml:"api_key"`
}

// ExecutorConfig mirrors executor.Config's tunable fields.
type ExecutorConfig struct {
	MaxConcurrency    int64         `yaml:"max_concurrency"`
	TaskTimeout       time.Duration `yaml:"task_timeout"`
	HILEnabled        bool          `yaml:"hil_enabled"`
	AILDecisionPoints string        `yaml:"ail_decision_points"` // none|per_layer|on_error|manual
}

// ScorerConfig seeds SHGAT's live coefficients (clamped regardless to
// scorer.AlphaMin/AlphaMax/StructuralBoostMax/ReliabilityFactorMax).
type ScorerConfig struct {
	AlphaDefault      float64 `yaml:"alpha_default"`
	StructuralBoost   float64 `yaml:"structural_boost"`
	ReliabilityFactor float64 `yaml:"reliability_factor"`
}

// ThresholdConfig tunes the Adaptive Threshold Manager.
type ThresholdConfig struct {
	Floor float64 `yaml:"floor"`
}

// PlannerConfig tunes DAG planning/replanning, including the isParallel
// overlap tolerance exposed here as a config knob.
type PlannerConfig struct {
	ParallelismOverlapTolerance time.Duration `yaml:"parallelism_overlap_tolerance"`
	ReplanLatencyBudget         time.Duration `yaml:"replan_latency_budget"`
}

// LoggingConfig selects the minimum level, output directory, and format for
// pkg/logging's Logger. A zero value yields info-level, stderr-only, text
// output.
type LoggingConfig struct {
	Level  string `yaml:"level"` // debug|info|warn|error
	LogDir string `yaml:"log_dir"`
	JSON   bool   `yaml:"json"`
}

// Config is pmcore's full runtime configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	DataDir   string          `yaml:"data_dir"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Scorer    ScorerConfig    `yaml:"scorer"`
	Threshold ThresholdConfig `yaml:"threshold"`
	Planner   PlannerConfig   `yaml:"planner"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// Default returns pmcore's documented defaults.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Auth:   AuthConfig{Mode: "local"},
		DataDir: "./data",
		Executor: ExecutorConfig{
			MaxConcurrency:    8,
			TaskTimeout:       30 * time.Second,
			AILDecisionPoints: "none",
		},
		Scorer: ScorerConfig{
			AlphaDefault:      0.65,
			StructuralBoost:   0.1,
			ReliabilityFactor: 0.25,
		},
		Threshold: ThresholdConfig{Floor: 0.4},
		Planner: PlannerConfig{
			ParallelismOverlapTolerance: 50 * time.Millisecond,
			ReplanLatencyBudget:         200 * time.Millisecond,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads YAML config from path, falling back to Default() for any
// unset field, then applies environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyEnvOverrides(&cfg)
			return cfg, nil
		}
		return Config{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := decodeInto(&cfg, f); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

// LoadReader reads YAML config from r, starting from Default() for any
// field the document omits, then applies environment variable overrides.
// Used by Watcher on every fsnotify-triggered reload.
func LoadReader(r io.Reader) (Config, error) {
	cfg := Default()
	if err := decodeInto(&cfg, r); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)
	return cfg, nil
}

func decodeInto(cfg *Config, r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("config: read: %w", err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("config: parse yaml: %w", err)
	}
	return nil
}

// applyEnvOverrides layers the handful of values that must be settable as
// container-deployment overrides (port, API key, data directory) on top
// of whatever the YAML document already set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PMCORE_PORT"); v != "" {
		if _, err := strconv.Atoi(v); err == nil {
			cfg.Server.Addr = ":" + v
		}
	}
	if v := os.Getenv("PMCORE_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Mode = "cloud"
	}
	if v := os.Getenv("PMCORE_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
}

// Hash returns a stable hex digest of cfg's canonical YAML encoding, used
// as the discovery-config hash persisted under the `config(key, value)`
// table to gate auto-init: recomputed on every reload so a
// config change that affects discovery is detected without a restart.
func (c Config) Hash() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("config: hash: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
