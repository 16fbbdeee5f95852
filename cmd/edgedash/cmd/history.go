package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/edgedash/pkg/store"
)

var (
	historyDB    string
	historyLimit int
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recorded dispatches",
	Long: `Read the dispatch history a master keeps in its SQLite database and list the most
recent dispatches with their target and outcome.`,
	Args: cobra.NoArgs,
	RunE: runHistory,
}

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.Flags().StringVar(&historyDB, "db", "", "history database (default history.path)")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "number of records to show, 0 for all")
}

func runHistory(cmd *cobra.Command, args []string) error {
	path := historyDB
	if path == "" {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		path = cfg.History.Path
	}
	if path == "" {
		return errors.New("no history database configured; set history.path or pass --db")
	}
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("history database unavailable: %w", err)
	}

	h, err := store.NewSQLiteHistory(path)
	if err != nil {
		return err
	}
	defer h.Close()

	records, err := h.List(historyLimit)
	if err != nil {
		return err
	}
	return printHistory(records)
}

func printHistory(records []store.Record) error {
	if done, err := printStructured(records); done {
		return err
	}
	if len(records) == 0 {
		fmt.Println("No dispatches recorded")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Video", "Target", "Policy", "Status", "Dispatched", "Turnaround")
	for _, r := range records {
		target := r.Target
		if r.TargetName != "" && r.TargetName != r.Target {
			target = fmt.Sprintf("%s (%s)", r.TargetName, r.Target)
		}
		turnaround := "-"
		if d := r.Turnaround(); d > 0 {
			turnaround = d.Round(time.Millisecond).String()
		}
		table.Append(
			r.Video,
			target,
			r.Policy,
			string(r.Status),
			r.DispatchedAt.Format("15:04:05"),
			turnaround,
		)
	}
	table.Render()
	fmt.Printf("\nTotal records: %d\n", len(records))
	return nil
}
