package commands

import (
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Long: `Create or upgrade the SQLite schema holding definitions, process instances,
executions, variables, jobs, history events and the audit trail.`,
		Example: `  # Migrate the database named in the config
  tokenflow migrate -c tokenflow.yaml

  # Migrate a specific database file
  tokenflow migrate --db /var/lib/tokenflow/tokenflow.db`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cfg.Database.AutoMigrate = false

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			log.Info().Str("path", cfg.Database.Path).Msg("Applying migrations")
			if err := store.Migrate(ctx); err != nil {
				return err
			}
			if err := store.HealthCheck(ctx); err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), "Database is up to date")
			return nil
		},
	}

	return cmd
}
