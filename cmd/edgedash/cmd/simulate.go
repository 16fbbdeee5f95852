package cmd

import (
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/edgedash/pkg/simulate"
)

var (
	simWorkers  int
	simVideos   string
	simCount    int
	simSize     int
	simInterval time.Duration
	simDelay    time.Duration
	simTimeout  time.Duration
	simKeep     bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run a master and workers in one process",
	Long: `Simulate starts a master and a number of workers connected over an in-memory
transport, downloads the dash cam videos on the master and waits until every result
is back. Workers report different hardware and analyse at different speeds, so the
outcome depends on the scheduling algorithm.`,
	Args: cobra.NoArgs,
	RunE: runSimulate,
}

func init() {
	rootCmd.AddCommand(simulateCmd)
	simulateCmd.Flags().IntVarP(&simWorkers, "workers", "w", 2, "number of workers")
	simulateCmd.Flags().StringVar(&simVideos, "videos", "", "directory of videos to use instead of synthetic ones")
	simulateCmd.Flags().IntVarP(&simCount, "count", "n", 6, "number of synthetic videos")
	simulateCmd.Flags().IntVar(&simSize, "size", 256<<10, "size of each synthetic video in bytes")
	simulateCmd.Flags().DurationVar(&simInterval, "interval", 100*time.Millisecond, "time between dash cam downloads")
	simulateCmd.Flags().DurationVar(&simDelay, "analysis-delay", 200*time.Millisecond, "analysis time on the master")
	simulateCmd.Flags().DurationVar(&simTimeout, "timeout", 5*time.Minute, "give up after this long")
	simulateCmd.Flags().BoolVar(&simKeep, "keep", false, "keep the working directory")
}

func runSimulate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer logger.Close()

	workDir, err := os.MkdirTemp("", "edgedash-sim-")
	if err != nil {
		return err
	}
	if simKeep {
		logger.Info(fmt.Sprintf("Working directory %s", workDir))
	} else {
		defer os.RemoveAll(workDir)
	}

	report, err := simulate.Run(cmd.Context(), simulate.Options{
		Base:          cfg,
		WorkDir:       workDir,
		Workers:       simWorkers,
		VideoDir:      simVideos,
		Count:         simCount,
		Size:          simSize,
		Interval:      simInterval,
		AnalysisDelay: simDelay,
		Timeout:       simTimeout,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	if done, err := printStructured(report); done {
		return err
	}

	if err := printHistory(report.Records); err != nil {
		return err
	}
	fmt.Println()

	targets := make([]string, 0, len(report.PerTarget))
	for name := range report.PerTarget {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Device", "Completed")
	for _, name := range targets {
		table.Append(name, fmt.Sprintf("%d", report.PerTarget[name]))
	}
	table.Render()
	fmt.Printf("\n%d of %d video(s) analysed in %s using %s\n",
		report.Results, report.Videos, report.Elapsed.Round(time.Millisecond), cfg.Policy())
	return nil
}
