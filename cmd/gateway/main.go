package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "gateway",
	Short:         "Tripp identity and session gateway",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (overrides TRIPP_CONFIG)")
	rootCmd.AddCommand(serveCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("gateway exited")
		os.Exit(1)
	}
}

// resolveConfigPath prefers the flag, then TRIPP_CONFIG, then ./config.yaml
// when present. An empty result means environment-only configuration.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := os.Getenv("TRIPP_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("./config.yaml"); err == nil {
		return "./config.yaml"
	}
	return ""
}
