// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config handles HJSON configuration loading for the agent daemon
// server, generalized from the teacher's trellis.hjson schema (typed
// Config struct, hjson-go parsing, a Validate pass) to this server's
// fields: projects root, data dir, bind address, relay URL, idle timeout,
// SSE heartbeat interval, upload cap, bus queue bound, and the external-
// session threshold.
package config

// Config is the root configuration structure for the agent daemon.
type Config struct {
	Version string       `json:"version"`
	Server  ServerConfig `json:"server"`
	Storage StorageConfig `json:"storage"`
	Relay   RelayConfig  `json:"relay"`
	Agent   AgentConfig  `json:"agent"`
	Bus     BusConfig    `json:"bus"`
	Watch   WatchConfig  `json:"watch"`
	SSE     SSEConfig    `json:"sse"`
	Upload  UploadConfig `json:"upload"`
	Logging LoggingConfig `json:"logging"`
}

// ServerConfig configures the local HTTP + frame transport listener.
type ServerConfig struct {
	Host    string `json:"host"`
	Port    int    `json:"port"`
	TLSCert string `json:"tls_cert"`
	TLSKey  string `json:"tls_key"`
}

// StorageConfig locates the two on-disk roots: where project session
// transcripts live, and where server-owned state (auth, settings,
// uploads, push subscriptions) is kept.
type StorageConfig struct {
	ProjectsRoot string `json:"projects_root"`
	DataDir      string `json:"data_dir"`
}

// RelayConfig configures the optional outbound relay connection. The
// pairing password is the shared secret both sides of the relay handshake
// derive their verifier scalar from (spec §4.H); it is configured
// out-of-band into both this server and the remote client, distinct from
// the local cookie-auth password so the server never needs to retain that
// password in memory between login requests.
type RelayConfig struct {
	URL             string `json:"url"`
	Username        string `json:"username"`
	PairingPassword string `json:"pairing_password"`
}

// AgentConfig configures Agent Process / Supervisor lifecycle knobs.
type AgentConfig struct {
	IdleTimeout          string `json:"idle_timeout"`
	ExternalThreshold    string `json:"external_threshold"`
	ReaperInterval       string `json:"reaper_interval"`
	CLIPath              string `json:"cli_path"`
}

// BusConfig configures the process-wide Event Bus.
type BusConfig struct {
	QueueBound int `json:"queue_bound"`
}

// WatchConfig configures the Transcript Store's filesystem watcher.
type WatchConfig struct {
	DebounceMs int `json:"debounce_ms"`
}

// SSEConfig holds the Server-Sent-Events heartbeat setting. It is
// defaulted and validated here; the SSE endpoints in internal/httpapi use a
// fixed 20s heartbeat and do not read it.
type SSEConfig struct {
	HeartbeatInterval string `json:"heartbeat_interval"`
}

// UploadConfig configures the chunked Upload Manager.
type UploadConfig struct {
	MaxBytes int64 `json:"max_bytes"`
}

// LoggingConfig configures zerolog output.
type LoggingConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}
