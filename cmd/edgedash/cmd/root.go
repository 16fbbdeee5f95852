package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/psantana5/edgedash/pkg/config"
	"github.com/psantana5/edgedash/pkg/logging"
)

var (
	cfgFile      string
	outputFormat string

	// v holds defaults, the config file, EDGEDASH_* variables and bound flags
	v = config.New()
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "edgedash",
	Short: "Offload dash cam video analysis to nearby devices",
	Long: `edgedash runs a device of a local analysis mesh. A master downloads videos from
its dash cam and hands analysis jobs to connected workers, or runs them itself;
workers discover masters, connect and analyse what they are sent.`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is <data-dir>/config.yaml or ./config.yaml)")
	rootCmd.PersistentFlags().String("data-dir", "", "directory for videos, results and logs (default $HOME/.edgedash)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table, json or yaml")
	rootCmd.PersistentFlags().String("scheduler", "", "scheduling algorithm (see 'edgedash policies')")

	bindFlag(rootCmd, "data_dir", "data-dir")
	bindFlag(rootCmd, "log.level", "log-level")
	bindFlag(rootCmd, "scheduling_algorithm", "scheduler")
}

// bindFlag lets a flag override key only when it was set
func bindFlag(c *cobra.Command, key, flag string) {
	f := c.PersistentFlags().Lookup(flag)
	if f == nil {
		f = c.Flags().Lookup(flag)
	}
	if f == nil {
		panic(fmt.Sprintf("unknown flag %q", flag))
	}
	if err := v.BindPFlag(key, f); err != nil {
		panic(err)
	}
}

// loadConfig reads the config file and applies environment and flag overrides
func loadConfig() (*config.Config, error) {
	return config.Load(v, cfgFile)
}

// newLogger builds the logger described by cfg.Log. A log file is written alongside stdout.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	level := logging.ParseLevel(cfg.Log.Level)
	if cfg.Log.File == "" {
		return logging.NewLogger(level, cfg.Log.JSON), nil
	}
	dir, file := filepath.Split(cfg.Log.File)
	if dir == "" {
		dir = cfg.LogDir()
	}
	return logging.NewFileLogger(dir, strings.TrimSuffix(file, ".log"), level, cfg.Log.JSON)
}

func isJSONOutput() bool { return outputFormat == "json" }
func isYAMLOutput() bool { return outputFormat == "yaml" }
