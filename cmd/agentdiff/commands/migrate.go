package commands

import (
	"context"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentdiff/agentdiff/internal/logging"
	"github.com/agentdiff/agentdiff/internal/store"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply platform schema migrations and exit",
	Run:   runMigrate,
}

func runMigrate(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	logger := logging.GetLogger("migrate")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pool := store.NewPool(cfg.DatabaseURL, cfg.MaxConns)
	HandleError(pool.Start(ctx), "Failed to connect to database")
	defer pool.Stop(context.Background())

	HandleError(store.Migrate(ctx, pool), "Migration failed")
	logger.Info("Migrations applied")
}
