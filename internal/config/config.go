// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package config loads the daemon's HCL configuration file: storage paths,
// the sandbox profile, task queue depth, and the default test timeout.
// cmd/hived reads it at startup and re-reads it on SIGHUP.
package config

import "time"

// CurrentSchemaVersion is bumped whenever a field changes meaning, not
// merely when one is added.
const CurrentSchemaVersion = "1.0"

// Config is the top-level daemon configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional"`

	// DataDir holds the sqlite store and persisted testprogram binaries.
	DataDir string `hcl:"data_dir,optional"`
	// SocketDir holds the control-plane unix socket.
	SocketDir string `hcl:"socket_dir,optional"`
	// SandboxerPath is the external bubblewrap-equivalent tool invoked for
	// every runner launch (§6).
	SandboxerPath string `hcl:"sandboxer_path,optional"`
	// RunnerPath is the hive-runner binary exec'd inside the sandbox.
	RunnerPath string `hcl:"runner_path,optional"`

	// TaskQueueDepth is logged at startup. The task manager's queue is
	// unbounded and does not read it, so Submit never rejects a task.
	TaskQueueDepth int `hcl:"task_queue_depth,optional"`
	// DefaultTestTimeoutSeconds is the wall-clock deadline cmd/hived gives
	// the runner supervisor for one whole runner launch. It is not passed
	// to the runner: a test entry without its own timeout uses
	// dispatcher.DefaultTestTimeout.
	DefaultTestTimeoutSeconds int `hcl:"default_test_timeout_seconds,optional"`
	// TicketTTLSeconds bounds how long an issued admission ticket stays
	// redeemable before it expires unused (supplemented feature 1).
	TicketTTLSeconds int `hcl:"ticket_ttl_seconds,optional"`

	Hardware *HardwareConfig `hcl:"hardware,block"`

	Metrics *MetricsConfig `hcl:"metrics,block"`
}

// HardwareConfig names the switch-matrix bus device.
type HardwareConfig struct {
	BusDevice string `hcl:"bus_device,optional"`
}

// MetricsConfig controls the Prometheus exposition endpoint.
type MetricsConfig struct {
	Enabled bool   `hcl:"enabled,optional"`
	Listen  string `hcl:"listen,optional"`
}

// Default returns the built-in configuration used when no file is given.
func Default() *Config {
	return &Config{
		SchemaVersion:             CurrentSchemaVersion,
		DataDir:                   "/var/lib/hive",
		SocketDir:                 "/run/hive",
		SandboxerPath:             "/usr/bin/hive-sandboxer",
		RunnerPath:                "/usr/libexec/hive-runner",
		TaskQueueDepth:            64,
		DefaultTestTimeoutSeconds: 30,
		TicketTTLSeconds:          60,
		Hardware:                  &HardwareConfig{BusDevice: "/dev/hive-switch0"},
		Metrics:                   &MetricsConfig{Enabled: true, Listen: "127.0.0.1:9477"},
	}
}

// DefaultTestTimeout returns DefaultTestTimeoutSeconds as a time.Duration.
func (c *Config) DefaultTestTimeout() time.Duration {
	return time.Duration(c.DefaultTestTimeoutSeconds) * time.Second
}

// TicketTTL returns TicketTTLSeconds as a time.Duration.
func (c *Config) TicketTTL() time.Duration {
	return time.Duration(c.TicketTTLSeconds) * time.Second
}
