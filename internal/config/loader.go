// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hjson/hjson-go/v4"
)

// Loader handles configuration file loading.
type Loader struct{}

// NewLoader creates a new config loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads and parses the configuration from the given path.
func (l *Loader) Load(ctx context.Context, path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	// Parse HJSON to intermediate map
	var raw map[string]interface{}
	if err := hjson.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse hjson: %w", err)
	}

	// Convert to JSON and unmarshal to struct (for type safety)
	jsonData, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("convert to json: %w", err)
	}

	var cfg Config
	if err := json.Unmarshal(jsonData, &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	return &cfg, nil
}

// LoadWithDefaults loads config with default values applied.
func (l *Loader) LoadWithDefaults(ctx context.Context, path string) (*Config, error) {
	cfg, err := l.Load(ctx, path)
	if err != nil {
		return nil, err
	}

	applyDefaults(cfg)
	return cfg, nil
}

// FindConfig searches for a config file in the current directory.
// It looks for agentd.hjson first, then agentd.json.
func (l *Loader) FindConfig() (string, error) {
	candidates := []string{
		"agentd.hjson",
		"agentd.json",
	}

	for _, name := range candidates {
		path := filepath.Join(".", name)
		if _, err := os.Stat(path); err == nil {
			abs, err := filepath.Abs(path)
			if err != nil {
				return path, nil
			}
			return abs, nil
		}
	}

	return "", fmt.Errorf("config file not found (looked for agentd.hjson, agentd.json)")
}

// applyDefaults sets default values for missing config fields.
func applyDefaults(cfg *Config) {
	// Server defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8420
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}

	// Storage defaults
	if cfg.Storage.DataDir == "" {
		cfg.Storage.DataDir = "./data"
	}
	if cfg.Storage.ProjectsRoot == "" {
		cfg.Storage.ProjectsRoot = "./projects"
	}

	// Agent/Supervisor defaults
	if cfg.Agent.IdleTimeout == "" {
		cfg.Agent.IdleTimeout = "5m"
	}
	if cfg.Agent.ExternalThreshold == "" {
		cfg.Agent.ExternalThreshold = "60s"
	}
	if cfg.Agent.ReaperInterval == "" {
		cfg.Agent.ReaperInterval = "30s"
	}
	if cfg.Agent.CLIPath == "" {
		cfg.Agent.CLIPath = "claude"
	}

	// Event Bus defaults
	if cfg.Bus.QueueBound == 0 {
		cfg.Bus.QueueBound = 256
	}

	// Watch defaults
	if cfg.Watch.DebounceMs == 0 {
		cfg.Watch.DebounceMs = 100
	}

	// SSE defaults
	if cfg.SSE.HeartbeatInterval == "" {
		cfg.SSE.HeartbeatInterval = "20s"
	}

	// Upload defaults
	if cfg.Upload.MaxBytes == 0 {
		cfg.Upload.MaxBytes = 256 << 20 // 256 MiB
	}

	// Logging defaults
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}
