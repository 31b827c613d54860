//go:build unit

package config

import (
	"path/filepath"
	"testing"

	"github.com/emergingrobotics/go-neuron/pkg/driver"
	"github.com/emergingrobotics/go-neuron/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "/dev/neuron0", cfg.Device.Path)
	assert.Equal(t, driver.V1Layout(), cfg.Layout)
	assert.False(t, cfg.Faults.Enabled())
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
device:
  path: /dev/neuron3
  bar0: /sys/bus/pci/devices/0000:00:1e.0/resource0
layout:
  engines: 3
mempool:
  hugepages: true
  limit_per_core: 67108864
faults:
  probability: 10
  interval: 2
  times: -1
log:
  level: debug
  format: json
`))
	require.NoError(t, err)

	assert.Equal(t, "/dev/neuron3", cfg.Device.Path)
	assert.Equal(t, "/sys/bus/pci/devices/0000:00:1e.0/resource0", cfg.Device.Bar0)
	assert.Equal(t, "/dev/mem", cfg.Device.PhysMem)
	assert.Equal(t, 3, cfg.Layout.Engines)
	// Untouched layout fields keep their V1 value
	assert.Equal(t, driver.V1CoresPerDevice, cfg.Layout.Cores)
	assert.Equal(t, uint64(driver.V1SemaphoreReadOffset), cfg.Layout.SemaphoreReadOffset)
	assert.True(t, cfg.Mempool.HugePages)
	assert.Equal(t, uint64(64<<20), cfg.Mempool.LimitPerCore)
	assert.True(t, cfg.Faults.Enabled())

	log := cfg.NewLogger()
	assert.Equal(t, logrus.DebugLevel, log.GetLevel())
	assert.IsType(t, &logrus.JSONFormatter{}, log.Formatter)
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad yaml", "device: [\n"},
		{"zero cores", "layout:\n  cores: 0\n"},
		{"bad stride", "layout:\n  nq_mmap_stride: 12345\n"},
		{"bad level", "log:\n  level: loud\n"},
		{"bad format", "log:\n  format: xml\n"},
		{"bad probability", "faults:\n  probability: 101\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	path := testutil.TempFile(t, "neuron.yaml", []byte("log:\n  level: warn\n"))
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Log.Level)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
