// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
)

// LoadFile reads and decodes an HCL config file, filling in defaults for any
// field the file leaves zero-valued.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return LoadBytes(data, path)
}

// LoadBytes decodes raw HCL source; filename is used only for diagnostics.
func LoadBytes(data []byte, filename string) (*Config, error) {
	parser := hclparse.NewParser()
	f, diags := parser.ParseHCL(data, filename)
	if diags.HasErrors() {
		return nil, fmt.Errorf("config: parse %s: %w", filename, diags)
	}

	cfg := Default()
	if diags := gohcl.DecodeBody(f.Body, nil, cfg); diags.HasErrors() {
		return nil, fmt.Errorf("config: decode %s: %w", filename, diags)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// applyDefaults fills in any field LoadBytes's caller left unset (a file
// that declares none of hardware/metrics gets gohcl's zero-valued nil
// blocks, not Default's pointers).
func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.SchemaVersion == "" {
		cfg.SchemaVersion = def.SchemaVersion
	}
	if cfg.DataDir == "" {
		cfg.DataDir = def.DataDir
	}
	if cfg.SocketDir == "" {
		cfg.SocketDir = def.SocketDir
	}
	if cfg.SandboxerPath == "" {
		cfg.SandboxerPath = def.SandboxerPath
	}
	if cfg.RunnerPath == "" {
		cfg.RunnerPath = def.RunnerPath
	}
	if cfg.TaskQueueDepth == 0 {
		cfg.TaskQueueDepth = def.TaskQueueDepth
	}
	if cfg.DefaultTestTimeoutSeconds == 0 {
		cfg.DefaultTestTimeoutSeconds = def.DefaultTestTimeoutSeconds
	}
	if cfg.TicketTTLSeconds == 0 {
		cfg.TicketTTLSeconds = def.TicketTTLSeconds
	}
	if cfg.Hardware == nil {
		cfg.Hardware = def.Hardware
	}
	if cfg.Metrics == nil {
		cfg.Metrics = def.Metrics
	}
}
