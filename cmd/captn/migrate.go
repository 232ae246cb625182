package main

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"captn/internal/config"
	"captn/internal/storage"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "migrate [up|status|down]",
		Short:     "Apply or inspect database migrations",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"up", "status", "down"},
		RunE: func(cmd *cobra.Command, args []string) error {
			_ = godotenv.Load()
			setupLogger("info")

			command := "up"
			if len(args) == 1 {
				command = args[0]
			}
			dbCfg, err := config.LoadDB()
			if err != nil {
				return err
			}
			if dbCfg.Driver != "postgres" && dbCfg.Driver != "pgx" {
				return fmt.Errorf("migrations target postgres, got DB_DRIVER=%q", dbCfg.Driver)
			}

			store, err := storage.Open(cmd.Context(), dbCfg.Driver, dbCfg.DSN, false)
			if err != nil {
				return err
			}
			defer store.Close()

			if err := storage.Migrate(cmd.Context(), store.DB(), command); err != nil {
				return err
			}
			log.Info().Str("command", command).Msg("migrations done")
			return nil
		},
	}
	return cmd
}
