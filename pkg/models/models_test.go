package models

import (
	"testing"
)

func TestHardwareProfileJSONRoundTrip(t *testing.T) {
	in := HardwareProfile{
		CPUCores:       8,
		CPUFreqHz:      2_400_000_000,
		RAMTotal:       8 << 30,
		RAMAvail:       3 << 30,
		StorageTotal:   128 << 30,
		StorageAvail:   40 << 30,
		BatteryPercent: 67,
	}

	raw, err := in.ToJSON()
	if err != nil {
		t.Fatalf("ToJSON failed: %v", err)
	}
	out, err := HardwareProfileFromJSON(raw)
	if err != nil {
		t.Fatalf("HardwareProfileFromJSON failed: %v", err)
	}
	if out != in {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}
}

func TestHardwareProfileWireNames(t *testing.T) {
	h, err := HardwareProfileFromJSON(`{"cpuCores":4,"cpuFreq":1800,"totalRam":10,"availRam":5,"totalStorage":100,"availStorage":50,"batteryLevel":20}`)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if h.CPUCores != 4 || h.CPUFreqHz != 1800 || h.RAMAvail != 5 || h.StorageAvail != 50 || h.BatteryPercent != 20 {
		t.Errorf("unexpected profile %+v", h)
	}

	if _, err := HardwareProfileFromJSON("not json"); err == nil {
		t.Error("expected error for malformed profile")
	}
}

func TestCompareProcessing(t *testing.T) {
	tests := []struct {
		name string
		a, b *HardwareProfile
		want int
	}{
		{"nil both", nil, nil, 0},
		{"nil ranks lowest", nil, &HardwareProfile{}, -1},
		{"freq within tolerance uses cores", &HardwareProfile{CPUFreqHz: 2015, CPUCores: 8}, &HardwareProfile{CPUFreqHz: 2000, CPUCores: 4}, 1},
		{"freq outside tolerance wins", &HardwareProfile{CPUFreqHz: 2100, CPUCores: 2}, &HardwareProfile{CPUFreqHz: 2000, CPUCores: 8}, 1},
		{"ram breaks core tie", &HardwareProfile{CPUFreqHz: 2000, CPUCores: 4, RAMTotal: 1}, &HardwareProfile{CPUFreqHz: 2000, CPUCores: 4, RAMTotal: 2}, -1},
		{"equal", &HardwareProfile{CPUFreqHz: 2000, CPUCores: 4}, &HardwareProfile{CPUFreqHz: 2000, CPUCores: 4}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CompareProcessing(tt.a, tt.b)
			if sign(got) != tt.want {
				t.Errorf("CompareProcessing() = %d, want sign %d", got, tt.want)
			}
		})
	}
}

func sign(v int) int {
	switch {
	case v > 0:
		return 1
	case v < 0:
		return -1
	}
	return 0
}

func TestEndpointJobs(t *testing.T) {
	e := NewEndpoint("id", "Pixel")
	e.AddJob("V1.mp4")
	e.AddJob("V1.mp4")

	if e.Inactive() || e.JobCount() != 2 {
		t.Fatalf("expected two jobs, got %v", e.Jobs)
	}
	if !e.RemoveJob("V1.mp4") || e.JobCount() != 1 {
		t.Errorf("RemoveJob should drop one occurrence, jobs=%v", e.Jobs)
	}
	if e.RemoveJob("V2.mp4") {
		t.Error("RemoveJob reported a missing job as removed")
	}

	c := e.Clone()
	c.AddJob("V3.mp4")
	if e.JobCount() != 1 {
		t.Error("Clone shares the job slice")
	}
}

func TestContentNaming(t *testing.T) {
	if got := ResultNameFromVideoName("V1.mp4"); got != "V1.json" {
		t.Errorf("ResultNameFromVideoName = %s", got)
	}
	if got := VideoNameFromResultName("/tmp/results/V1.json"); got != "V1.mp4" {
		t.Errorf("VideoNameFromResultName = %s", got)
	}
	if _, err := ParseCommand("SEGMENT"); err == nil {
		t.Error("expected unknown command error")
	}
	if c, err := ParseCommand("RETURN"); err != nil || !c.CarriesFile() {
		t.Errorf("RETURN should parse and carry a file, got %v %v", c, err)
	}
}
