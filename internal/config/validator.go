// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"
)

// Validator validates configuration against schema rules.
type Validator struct{}

// NewValidator creates a new config validator.
func NewValidator() *Validator {
	return &Validator{}
}

// ValidationError contains multiple validation failures.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single field validation error.
type FieldError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	var msgs []string
	for _, fe := range e.Errors {
		msgs = append(msgs, fmt.Sprintf("%s: %s", fe.Field, fe.Message))
	}
	return strings.Join(msgs, "; ")
}

// IsEmpty returns true if there are no validation errors.
func (e *ValidationError) IsEmpty() bool {
	return len(e.Errors) == 0
}

// Add adds a field error.
func (e *ValidationError) Add(field, message string) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: message})
}

// Validate checks configuration validity.
func (v *Validator) Validate(cfg *Config) error {
	errs := &ValidationError{}

	v.validateServer(cfg, errs)
	v.validateStorage(cfg, errs)
	v.validateAgent(cfg, errs)
	v.validateBus(cfg, errs)
	v.validateSSE(cfg, errs)
	v.validateLogging(cfg, errs)
	v.validateRelay(cfg, errs)

	if errs.IsEmpty() {
		return nil
	}
	return errs
}

func (v *Validator) validateServer(cfg *Config, errs *ValidationError) {
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs.Add("server.port", "must be between 0 and 65535")
	}
	hasCertKey := cfg.Server.TLSCert != "" || cfg.Server.TLSKey != ""
	if hasCertKey && (cfg.Server.TLSCert == "") != (cfg.Server.TLSKey == "") {
		errs.Add("server", "both tls_cert and tls_key must be specified together")
	}
}

func (v *Validator) validateStorage(cfg *Config, errs *ValidationError) {
	if cfg.Storage.ProjectsRoot == "" {
		errs.Add("storage.projects_root", "is required")
	}
	if cfg.Storage.DataDir == "" {
		errs.Add("storage.data_dir", "is required")
	}
}

func (v *Validator) validateAgent(cfg *Config, errs *ValidationError) {
	v.validateDuration("agent.idle_timeout", cfg.Agent.IdleTimeout, errs)
	v.validateDuration("agent.external_threshold", cfg.Agent.ExternalThreshold, errs)
	v.validateDuration("agent.reaper_interval", cfg.Agent.ReaperInterval, errs)
	if cfg.Agent.CLIPath == "" {
		errs.Add("agent.cli_path", "is required")
	}
}

func (v *Validator) validateBus(cfg *Config, errs *ValidationError) {
	if cfg.Bus.QueueBound < 0 {
		errs.Add("bus.queue_bound", "must not be negative")
	}
	if cfg.Watch.DebounceMs < 0 {
		errs.Add("watch.debounce_ms", "must not be negative")
	}
}

func (v *Validator) validateSSE(cfg *Config, errs *ValidationError) {
	v.validateDuration("sse.heartbeat_interval", cfg.SSE.HeartbeatInterval, errs)
	if cfg.Upload.MaxBytes < 0 {
		errs.Add("upload.max_bytes", "must not be negative")
	}
}

func (v *Validator) validateRelay(cfg *Config, errs *ValidationError) {
	if cfg.Relay.URL == "" {
		return
	}
	if cfg.Relay.PairingPassword == "" {
		errs.Add("relay.pairing_password", "is required when relay.url is set")
	}
}

func (v *Validator) validateLogging(cfg *Config, errs *ValidationError) {
	if cfg.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true,
			"info":  true,
			"warn":  true,
			"error": true,
		}
		if !validLevels[cfg.Logging.Level] {
			errs.Add("logging.level", fmt.Sprintf("invalid level '%s', must be one of: debug, info, warn, error", cfg.Logging.Level))
		}
	}
}

func (v *Validator) validateDuration(field, value string, errs *ValidationError) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		errs.Add(field, fmt.Sprintf("invalid duration format: %s", err))
		return
	}
	if d < 0 {
		errs.Add(field, "must be positive")
	}
}
