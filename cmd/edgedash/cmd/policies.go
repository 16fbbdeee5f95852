package cmd

import (
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/psantana5/edgedash/pkg/scheduler"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "List the scheduling algorithms",
	Long:  `List every scheduling algorithm a master can use to pick the endpoint for the next video.`,
	Args:  cobra.NoArgs,
	RunE:  runPolicies,
}

func init() {
	rootCmd.AddCommand(policiesCmd)
}

type policyInfo struct {
	Key         scheduler.Key `json:"key" yaml:"key"`
	Description string        `json:"description" yaml:"description"`
	Default     bool          `json:"default" yaml:"default"`
}

func runPolicies(cmd *cobra.Command, args []string) error {
	var list []policyInfo
	for _, k := range scheduler.Keys() {
		d, _ := scheduler.Describe(k)
		list = append(list, policyInfo{Key: k, Description: d.Description, Default: k == scheduler.DefaultKey})
	}
	if done, err := printStructured(list); done {
		return err
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Algorithm", "Selects", "Default")
	for _, p := range list {
		def := ""
		if p.Default {
			def = "*"
		}
		table.Append(string(p.Key), p.Description, def)
	}
	table.Render()
	return nil
}
