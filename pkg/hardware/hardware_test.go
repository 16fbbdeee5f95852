package hardware

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/psantana5/edgedash/pkg/models"
)

func TestBatteryFromSysfs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "BAT0"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "BAT0", "capacity"), []byte("42\n"), 0644))

	p := &Probe{BatteryGlob: filepath.Join(dir, "BAT*", "capacity")}
	assert.Equal(t, 42, p.battery())

	p.BatteryGlob = filepath.Join(dir, "none*", "capacity")
	assert.Equal(t, MainsBattery, p.battery())
}

func TestBatteryOutOfRange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capacity")
	require.NoError(t, os.WriteFile(path, []byte("250"), 0644))

	p := &Probe{BatteryGlob: path}
	assert.Equal(t, MainsBattery, p.battery())
}

func TestMaxFrequencyFromSysfs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cpuinfo_max_freq")
	require.NoError(t, os.WriteFile(path, []byte("2400000\n"), 0644))

	p := &Probe{MaxFreqPath: path}
	assert.Equal(t, int64(2_400_000_000), p.maxFrequency())
}

func TestProfile(t *testing.T) {
	p := NewProbe(t.TempDir())
	h, err := p.Profile()
	require.NoError(t, err)
	assert.Greater(t, h.CPUCores, 0)
	assert.Greater(t, h.RAMTotal, int64(0))
	assert.GreaterOrEqual(t, h.RAMTotal, h.RAMAvail)
	assert.Greater(t, h.StorageTotal, int64(0))
	assert.GreaterOrEqual(t, h.BatteryPercent, 0)
}

func TestFixed(t *testing.T) {
	want := models.HardwareProfile{CPUCores: 8, CPUFreqHz: 3e9}
	got, err := Fixed(want)()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}
