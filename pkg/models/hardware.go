package models

import (
	"encoding/json"
	"fmt"
)

// cpuFreqTolerance is the relative difference under which two CPU clock speeds are
// considered equal by CompareProcessing
const cpuFreqTolerance = 0.01

// HardwareProfile is a snapshot of a device's compute capacity.
// It is produced locally, sent to peers with HW_INFO and replaced wholesale on every update.
type HardwareProfile struct {
	CPUCores       int   `json:"cpuCores"`
	CPUFreqHz      int64 `json:"cpuFreq"`
	RAMTotal       int64 `json:"totalRam"`
	RAMAvail       int64 `json:"availRam"`
	StorageTotal   int64 `json:"totalStorage"`
	StorageAvail   int64 `json:"availStorage"`
	BatteryPercent int   `json:"batteryLevel"`
}

// ToJSON serializes the profile into its wire representation
func (h HardwareProfile) ToJSON() (string, error) {
	data, err := json.Marshal(h)
	if err != nil {
		return "", fmt.Errorf("failed to marshal hardware profile: %w", err)
	}
	return string(data), nil
}

// HardwareProfileFromJSON parses a profile received from a peer
func HardwareProfileFromJSON(raw string) (HardwareProfile, error) {
	var h HardwareProfile
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return HardwareProfile{}, fmt.Errorf("failed to parse hardware profile: %w", err)
	}
	return h, nil
}

func (h HardwareProfile) String() string {
	return fmt.Sprintf("HardwareProfile{cpuFreq=%d, cpuCores=%d, totalRam=%d, availRam=%d, totalStorage=%d, availStorage=%d, batteryLevel=%d}",
		h.CPUFreqHz, h.CPUCores, h.RAMTotal, h.RAMAvail, h.StorageTotal, h.StorageAvail, h.BatteryPercent)
}

// CompareProcessing ranks two profiles by processing capacity.
// It returns a positive number when a is more capable than b, negative when less and 0 when
// they are equivalent. Clock speeds within 1% of each other are treated as equal, in which
// case core count and then total RAM decide. A nil profile ranks below any known profile.
func CompareProcessing(a, b *HardwareProfile) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	}

	if !freqWithinTolerance(a.CPUFreqHz, b.CPUFreqHz) {
		return compareInt64(a.CPUFreqHz, b.CPUFreqHz)
	}
	if c := compareInt64(int64(a.CPUCores), int64(b.CPUCores)); c != 0 {
		return c
	}
	return compareInt64(a.RAMTotal, b.RAMTotal)
}

func freqWithinTolerance(a, b int64) bool {
	if a == b {
		return true
	}
	hi, lo := a, b
	if lo > hi {
		hi, lo = lo, hi
	}
	if hi <= 0 {
		return false
	}
	return float64(hi-lo)/float64(hi) <= cpuFreqTolerance
}

func compareInt64(a, b int64) int {
	switch {
	case a > b:
		return 1
	case a < b:
		return -1
	default:
		return 0
	}
}
