// Package hardware reads this device's processing capacity for HW_INFO replies.
package hardware

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/psantana5/edgedash/pkg/models"
)

const (
	defaultMaxFreqPath = "/sys/devices/system/cpu/cpu0/cpufreq/cpuinfo_max_freq"
	defaultBatteryGlob = "/sys/class/power_supply/BAT*/capacity"

	// MainsBattery is reported by devices without a battery
	MainsBattery = 100
)

// Probe gathers a HardwareProfile from the running system
type Probe struct {
	// StoragePath is the filesystem whose capacity is reported
	StoragePath string
	MaxFreqPath string
	BatteryGlob string
}

// NewProbe reports storage for the filesystem holding dataDir
func NewProbe(dataDir string) *Probe {
	return &Probe{
		StoragePath: dataDir,
		MaxFreqPath: defaultMaxFreqPath,
		BatteryGlob: defaultBatteryGlob,
	}
}

// Profile reads the current profile. CPU and memory failures are errors; the battery
// falls back to MainsBattery.
func (p *Probe) Profile() (models.HardwareProfile, error) {
	var h models.HardwareProfile

	cores, err := cpu.Counts(true)
	if err != nil {
		return h, fmt.Errorf("failed to count cpus: %w", err)
	}
	h.CPUCores = cores
	h.CPUFreqHz = p.maxFrequency()

	vm, err := mem.VirtualMemory()
	if err != nil {
		return h, fmt.Errorf("failed to read memory: %w", err)
	}
	h.RAMTotal = int64(vm.Total)
	h.RAMAvail = int64(vm.Available)

	path := p.StoragePath
	if path == "" {
		path = "/"
	}
	if usage, err := disk.Usage(path); err == nil {
		h.StorageTotal = int64(usage.Total)
		h.StorageAvail = int64(usage.Free)
	} else {
		return h, fmt.Errorf("failed to read storage for %s: %w", path, err)
	}

	h.BatteryPercent = p.battery()
	return h, nil
}

// maxFrequency prefers the kernel's advertised maximum (kHz) and falls back to the
// highest clock gopsutil reports (MHz)
func (p *Probe) maxFrequency() int64 {
	if khz, err := readInt(p.MaxFreqPath); err == nil && khz > 0 {
		return khz * 1000
	}
	infos, err := cpu.Info()
	if err != nil {
		return 0
	}
	var mhz float64
	for _, info := range infos {
		if info.Mhz > mhz {
			mhz = info.Mhz
		}
	}
	return int64(mhz * 1e6)
}

func (p *Probe) battery() int {
	if p.BatteryGlob == "" {
		return MainsBattery
	}
	matches, err := filepath.Glob(p.BatteryGlob)
	if err != nil || len(matches) == 0 {
		return MainsBattery
	}
	sort.Strings(matches)
	level, err := readInt(matches[0])
	if err != nil || level < 0 || level > 100 {
		return MainsBattery
	}
	return int(level)
}

func readInt(path string) (int64, error) {
	if path == "" {
		return 0, os.ErrNotExist
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

// Fixed returns a source that always reports profile. Used by simulated devices.
func Fixed(profile models.HardwareProfile) func() (models.HardwareProfile, error) {
	return func() (models.HardwareProfile, error) { return profile, nil }
}
