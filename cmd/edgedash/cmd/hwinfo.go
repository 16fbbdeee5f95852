package cmd

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/psantana5/edgedash/pkg/hardware"
)

var hwinfoCmd = &cobra.Command{
	Use:   "hwinfo",
	Short: "Show the hardware profile this device reports",
	Long: `Probe the CPU, memory, storage and battery of this device and print the profile
it sends to masters in HW_INFO replies.`,
	Args: cobra.NoArgs,
	RunE: runHWInfo,
}

func init() {
	rootCmd.AddCommand(hwinfoCmd)
}

type hardwareInfo struct {
	CPUCores       int    `json:"cpu_cores" yaml:"cpu_cores"`
	CPUFreqHz      int64  `json:"cpu_frequency_hz" yaml:"cpu_frequency_hz"`
	RAMTotal       int64  `json:"ram_total_bytes" yaml:"ram_total_bytes"`
	RAMAvail       int64  `json:"ram_available_bytes" yaml:"ram_available_bytes"`
	StorageTotal   int64  `json:"storage_total_bytes" yaml:"storage_total_bytes"`
	StorageAvail   int64  `json:"storage_available_bytes" yaml:"storage_available_bytes"`
	BatteryPercent int    `json:"battery_percent" yaml:"battery_percent"`
	StoragePath    string `json:"storage_path" yaml:"storage_path"`
	OS             string `json:"os" yaml:"os"`
	Architecture   string `json:"architecture" yaml:"architecture"`
}

func runHWInfo(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := cfg.DataDir
	if _, err := os.Stat(path); err != nil {
		// the data directory is created by the first run
		path = os.TempDir()
	}

	h, err := hardware.NewProbe(path).Profile()
	if err != nil {
		return fmt.Errorf("failed to probe hardware: %w", err)
	}
	info := hardwareInfo{
		CPUCores:       h.CPUCores,
		CPUFreqHz:      h.CPUFreqHz,
		RAMTotal:       h.RAMTotal,
		RAMAvail:       h.RAMAvail,
		StorageTotal:   h.StorageTotal,
		StorageAvail:   h.StorageAvail,
		BatteryPercent: h.BatteryPercent,
		StoragePath:    path,
		OS:             runtime.GOOS,
		Architecture:   runtime.GOARCH,
	}
	if done, err := printStructured(info); done {
		return err
	}

	fmt.Println("Hardware Profile:")
	fmt.Printf("  CPU: %d cores, %s\n", info.CPUCores, humanHertz(float64(info.CPUFreqHz)))
	fmt.Printf("  RAM: %s available of %s\n", humanBytes(info.RAMAvail), humanBytes(info.RAMTotal))
	fmt.Printf("  Storage: %s available of %s (%s)\n", humanBytes(info.StorageAvail), humanBytes(info.StorageTotal), info.StoragePath)
	fmt.Printf("  Battery: %d%%\n", info.BatteryPercent)
	fmt.Printf("  OS: %s/%s\n", info.OS, info.Architecture)
	return nil
}
