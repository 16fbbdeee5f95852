package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/psantana5/edgedash/pkg/auth"
	"github.com/psantana5/edgedash/pkg/config"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management",
	Long:  `Commands for writing and inspecting the edgedash configuration file.`,
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file holding every default",
	Long: `Write a YAML config file with every setting at its default value. Without a path
the file is written to <data-dir>/config.yaml.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long:  `Print the configuration after the config file, EDGEDASH_* variables and flags are applied.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configTokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a random API token",
	Long:  `Print a random token suitable for api.token. Clients send it as "Authorization: Bearer <token>".`,
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		token, err := auth.GenerateToken()
		if err != nil {
			return err
		}
		fmt.Println(token)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configTokenCmd)

	configInitCmd.Flags().BoolVarP(&configForce, "force", "f", false, "overwrite an existing file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	path := filepath.Join(v.GetString("data_dir"), "config.yaml")
	if len(args) == 1 {
		path = args[0]
	}
	if err := config.WriteDefaults(path, configForce); err != nil {
		return err
	}
	fmt.Printf("Wrote %s\n", path)
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if done, err := printStructured(cfg); done {
		return err
	}

	fmt.Println("Device:")
	fmt.Printf("  Name: %s\n", cfg.DeviceName)
	fmt.Printf("  Role: %s\n", cfg.Role)
	fmt.Printf("  Data directory: %s\n", cfg.DataDir)
	fmt.Println()
	fmt.Println("Scheduling:")
	fmt.Printf("  Algorithm: %s\n", cfg.Policy())
	fmt.Printf("  Local processing: %s\n", boolToYesNo(cfg.LocalProcessing))
	fmt.Printf("  Requeue on disconnect: %s\n", boolToYesNo(cfg.RequeueOnDisconnect))
	fmt.Printf("  Auto accept: %s\n", boolToYesNo(cfg.AutoAccept))
	fmt.Println()
	fmt.Println("Transport:")
	fmt.Printf("  Kind: %s\n", cfg.Transport.Kind)
	fmt.Printf("  UDP port: %d\n", cfg.Transport.UDPPort)
	fmt.Printf("  TCP port: %d\n", cfg.Transport.TCPPort)
	fmt.Println()
	fmt.Printf("Status API: %s\n", cfg.API.Listen)
	return nil
}
