package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/directoryhub/directory-hub/internal/store"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
		Long:  "Apply or roll back the embedded schema migrations. Without --dsn the DATABASE_URL environment variable is used.",
	}
	cmd.PersistentFlags().String("driver", "", "storage driver: sqlite or postgres (inferred from the DSN when empty)")
	cmd.PersistentFlags().String("dsn", "", "database DSN (default $DATABASE_URL, then directory.db)")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, mg *store.Migrator) error {
			if err := mg.Up(); err != nil {
				return fmt.Errorf("migrate up: %w", err)
			}
			return printVersion(cmd, mg)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: withMigrator(func(cmd *cobra.Command, mg *store.Migrator) error {
			if err := mg.Down(); err != nil {
				return fmt.Errorf("migrate down: %w", err)
			}
			return printVersion(cmd, mg)
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE:  withMigrator(printVersion),
	})
	return cmd
}

func withMigrator(fn func(cmd *cobra.Command, mg *store.Migrator) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		driver, dsn := migrationTarget(cmd)
		mg, err := store.NewMigrator(driver, dsn)
		if err != nil {
			return err
		}
		defer func() { _ = mg.Close() }()
		return fn(cmd, mg)
	}
}

func migrationTarget(cmd *cobra.Command) (driver, dsn string) {
	_ = godotenv.Load()

	driver, _ = cmd.Flags().GetString("driver")
	dsn, _ = cmd.Flags().GetString("dsn")
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		dsn = "directory.db"
	}
	if driver == "" {
		driver = "sqlite"
		if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
			driver = "postgres"
		}
	}
	return driver, dsn
}

func printVersion(cmd *cobra.Command, mg *store.Migrator) error {
	v, dirty, ok, err := mg.Version()
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	out := cmd.OutOrStdout()
	switch {
	case !ok:
		_, _ = fmt.Fprintln(out, "schema version: none")
	case dirty:
		_, _ = fmt.Fprintf(out, "schema version: %d (dirty)\n", v)
	default:
		_, _ = fmt.Fprintf(out, "schema version: %d\n", v)
	}
	return nil
}
