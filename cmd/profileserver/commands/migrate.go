package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/marmos91/profileserver/internal/logger"
	"github.com/marmos91/profileserver/pkg/config"
	"github.com/marmos91/profileserver/pkg/store/migrations"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run database migrations",
	Long: `Run database migrations for the configured database.

The sqlite backend auto-migrates on every server start and does not need
this command. For postgres, run this command to apply the versioned SQL
migrations ahead of starting the server, so schema changes can be rolled
out independently of a deploy.

Examples:
  profileserver migrate
  profileserver migrate --config /etc/profileserver/config.yaml`,
	RunE: runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(GetConfigFile())
	if err != nil {
		return err
	}
	if err := InitLogger(cfg); err != nil {
		return err
	}

	if cfg.Database.Driver != "postgres" {
		fmt.Printf("Database driver %q auto-migrates on server start; nothing to do.\n", cfg.Database.Driver)
		return nil
	}

	logger.Info("running database migrations", "driver", cfg.Database.Driver)
	if err := migrations.RunPostgres(cfg.Database.DSN); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	fmt.Println("Migrations completed successfully")
	return nil
}
