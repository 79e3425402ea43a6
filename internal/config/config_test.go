// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadBytesFillsDefaultsForOmittedFields(t *testing.T) {
	cfg, err := LoadBytes([]byte(`data_dir = "/srv/hive"`), "test.hcl")
	require.NoError(t, err)

	require.Equal(t, "/srv/hive", cfg.DataDir)
	require.Equal(t, Default().SocketDir, cfg.SocketDir)
	require.Equal(t, Default().TaskQueueDepth, cfg.TaskQueueDepth)
	require.NotNil(t, cfg.Hardware)
	require.NotNil(t, cfg.Metrics)
}

func TestLoadBytesDecodesNestedBlocks(t *testing.T) {
	src := `
task_queue_depth = 128
default_test_timeout_seconds = 45

hardware {
  bus_device = "/dev/hive-switch1"
}

metrics {
  enabled = false
  listen  = "0.0.0.0:9000"
}
`
	cfg, err := LoadBytes([]byte(src), "test.hcl")
	require.NoError(t, err)

	require.Equal(t, 128, cfg.TaskQueueDepth)
	require.Equal(t, 45, cfg.DefaultTestTimeoutSeconds)
	require.Equal(t, "/dev/hive-switch1", cfg.Hardware.BusDevice)
	require.False(t, cfg.Metrics.Enabled)
	require.Equal(t, "0.0.0.0:9000", cfg.Metrics.Listen)
}

func TestLoadBytesRejectsMalformedHCL(t *testing.T) {
	_, err := LoadBytes([]byte(`this is not valid hcl {{{`), "test.hcl")
	require.Error(t, err)
}

func TestDefaultTestTimeoutConvertsSecondsToDuration(t *testing.T) {
	cfg := Default()
	require.Equal(t, 30, cfg.DefaultTestTimeoutSeconds)
	require.Equal(t, int64(30), cfg.DefaultTestTimeout().Milliseconds()/1000)
}

func TestCloneIsIndependentOfOriginal(t *testing.T) {
	cfg := Default()
	clone := cfg.Clone()

	clone.DataDir = "/mutated"
	clone.Hardware.BusDevice = "/dev/mutated"

	require.NotEqual(t, cfg.DataDir, clone.DataDir)
	require.NotEqual(t, cfg.Hardware.BusDevice, clone.Hardware.BusDevice)
}

func TestCloneOfNilIsNil(t *testing.T) {
	var cfg *Config
	require.Nil(t, cfg.Clone())
}
