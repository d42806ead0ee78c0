package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/emanueleielo/ciana-parrot/internal/config"
	"github.com/emanueleielo/ciana-parrot/internal/logging"
)

var version = "dev"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "cianaparrot",
	Short: "Self-hosted personal assistant bridging Telegram to an LLM agent",
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println("cianaparrot", version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "config file path")
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the config file and installs logging; failures are fatal.
func loadConfig() *config.Config {
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logging.Setup(logging.Options{
		Level:      cfg.Logging.Level,
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
	})
	return cfg
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
