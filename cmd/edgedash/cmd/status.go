package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/edgedash/pkg/metrics"
	edgetls "github.com/psantana5/edgedash/pkg/tls"
)

var (
	statusAddr     string
	statusCA       string
	statusInsecure bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the endpoints of a running device",
	Long: `Scrape the metrics page of a running device and list the endpoints it knows about
with their connection state, outstanding jobs and reported hardware.`,
	Args: cobra.NoArgs,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "status API of the device (default api.listen)")
	statusCmd.Flags().StringVar(&statusCA, "ca", "", "CA certificate for an https address")
	statusCmd.Flags().BoolVarP(&statusInsecure, "insecure", "k", false, "skip certificate verification")
}

func metricsURL(addr string) string {
	if strings.HasPrefix(addr, ":") {
		addr = "localhost" + addr
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimSuffix(addr, "/") + "/metrics"
}

func runStatus(cmd *cobra.Command, args []string) error {
	addr := statusAddr
	if addr == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		addr = cfg.API.Listen
		if _, _, ok := cfg.TLSFiles(); ok {
			addr = "https://" + addr
		}
	}
	tlsCfg, err := edgetls.ClientConfig(statusCA, statusInsecure)
	if err != nil {
		return err
	}
	client := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsCfg}}

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	summary, err := metrics.Scrape(ctx, client, metricsURL(addr))
	if err != nil {
		return err
	}
	if done, err := printStructured(summary); done {
		return err
	}

	fmt.Printf("Queued videos: %.0f, local executor busy: %s (%.0f jobs), payloads in flight: %.0f\n\n",
		summary.Queued, boolToYesNo(summary.Busy), summary.LocalJobs, summary.Payloads)
	if len(summary.Endpoints) == 0 {
		fmt.Println("No endpoints discovered")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Name", "Connected", "Jobs", "Completed", "CPU", "Battery")
	for _, e := range summary.Endpoints {
		cpu, battery := "-", "-"
		if e.HasHardware {
			cpu = humanHertz(e.CPUFreqHz)
			battery = fmt.Sprintf("%.0f%%", e.BatteryPercent)
		}
		table.Append(
			e.ID,
			e.Name,
			boolToYesNo(e.Connected),
			fmt.Sprintf("%d", e.Jobs),
			fmt.Sprintf("%d", e.Completed),
			cpu,
			battery,
		)
	}
	table.Render()
	fmt.Printf("\nTotal endpoints: %d\n", len(summary.Endpoints))
	return nil
}
