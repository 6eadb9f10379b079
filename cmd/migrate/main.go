package main

// Schema migrations for the Postgres job store:
//   go run ./cmd/migrate [up|status|down]

import (
	"context"
	"database/sql"
	"os"

	"github.com/spf13/cobra"

	"hallucheck-backend/internal/shared/config"
	"hallucheck-backend/internal/shared/storage/db"
	"hallucheck-backend/internal/shared/telemetry"
)

type connectFunc func(ctx context.Context) (*sql.DB, error)

func connectFromEnv(ctx context.Context) (*sql.DB, error) {
	cfg := config.Load()
	telemetry.Configure(cfg.Env, cfg.LogLevel)
	return db.Connect(ctx, cfg.DatabaseURL, db.OptionsFromEnv(db.PoolFor(db.ProfileMigrate, 1)))
}

func newRootCmd(connect connectFunc) *cobra.Command {
	step := func(use, short string, fn func(context.Context, *sql.DB) error) *cobra.Command {
		return &cobra.Command{
			Use:   use,
			Short: short,
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				ctx := cmd.Context()
				conn, err := connect(ctx)
				if err != nil {
					return err
				}
				defer conn.Close()
				return fn(ctx, conn)
			},
		}
	}

	up := step("up", "Apply pending migrations", db.RunMigrations)
	root := &cobra.Command{
		Use:          "migrate",
		Short:        "Manage the job store schema",
		Args:         cobra.NoArgs,
		RunE:         up.RunE,
		SilenceUsage: true,
	}
	root.AddCommand(
		up,
		step("status", "Print applied and pending migrations", db.MigrationStatus),
		step("down", "Roll back the latest migration", db.RollbackLast),
	)
	return root
}

func main() {
	if err := newRootCmd(connectFromEnv).ExecuteContext(context.Background()); err != nil {
		telemetry.Error("migrate.failed", map[string]any{"error": err.Error()})
		os.Exit(1)
	}
}
