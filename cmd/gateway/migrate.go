package main

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"tripp/gateway/internal/config"
	"tripp/gateway/internal/db/migrate"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate up|down",
	Short:     "Apply or roll back the session schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "down"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(resolveConfigPath())
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		defer setupLogging(cfg.Logging)()

		if err := migrate.Run(cfg.Session.DatabaseURL, args[0]); err != nil {
			return fmt.Errorf("migrate %s: %w", args[0], err)
		}
		log.Info().Str("direction", args[0]).Msg("migrations applied")
		return nil
	},
}
