package cmd

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/CodeMonkeyCybersecurity/vulnpull/internal/database"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Database management commands",
	Long:  `Commands for managing the vulnpull database schema.`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations",
	Long: `Run all pending database migrations to update the schema.

The database connection can be configured via:
- --db-driver / --db-dsn flags
- Environment variables (VULNPULL_DATABASE_DRIVER, VULNPULL_DATABASE_DSN, DATABASE_URL)
- Config file (--config)

'vulnpull run' applies pending migrations itself.`,
	RunE: runDBMigrate,
}

var dbStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show database migration status",
	RunE:  runDBStatus,
}

var dbRollbackCmd = &cobra.Command{
	Use:   "rollback [version]",
	Short: "Rollback a specific migration",
	Long: `Rollback a specific migration version.

Warning: This drops the tables created by the migration.`,
	Args: cobra.ExactArgs(1),
	RunE: runDBRollback,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbMigrateCmd)
	dbCmd.AddCommand(dbStatusCmd)
	dbCmd.AddCommand(dbRollbackCmd)

	dbRollbackCmd.Flags().Bool("yes", false, "do not ask for confirmation")
}

// openMigrationRunner connects without migrating.
func openMigrationRunner() (*database.Store, *database.MigrationRunner, error) {
	store, err := database.Open(cfg.Database, log)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	runner, err := database.NewMigrationRunner(store.DB(), log)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return store, runner, nil
}

func runDBMigrate(cmd *cobra.Command, args []string) error {
	log.Infow("Starting database migration", "component", "db_migrate")

	store, runner, err := openMigrationRunner()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
	defer cancel()

	if err := runner.RunMigrations(ctx); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Infow("Database migration completed successfully", "component", "db_migrate")
	return nil
}

func runDBStatus(cmd *cobra.Command, args []string) error {
	store, runner, err := openMigrationRunner()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()

	status, err := runner.GetMigrationStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to get migration status: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Database Migration Status")
	fmt.Fprintln(out, "=========================")
	fmt.Fprintf(out, "Driver:           %s\n", store.Driver())
	fmt.Fprintf(out, "Current Version:  %d\n", status["current_version"])
	fmt.Fprintf(out, "Latest Version:   %d\n", status["latest_version"])
	fmt.Fprintf(out, "Applied:          %d migrations\n", status["applied_count"])
	fmt.Fprintf(out, "Pending:          %d migrations\n", status["pending_count"])

	if upToDate, _ := status["is_up_to_date"].(bool); upToDate {
		color.New(color.FgGreen).Fprintln(out, "\nStatus: Database is up to date")
	} else {
		color.New(color.FgYellow).Fprintln(out, "\nStatus: Pending migrations need to be applied")
		fmt.Fprintln(out, "Run 'vulnpull db migrate' to apply pending migrations")
	}
	return nil
}

func runDBRollback(cmd *cobra.Command, args []string) error {
	version, err := strconv.Atoi(args[0])
	if err != nil {
		return fmt.Errorf("invalid version number: %s", args[0])
	}

	if yes, _ := cmd.Flags().GetBool("yes"); !yes {
		color.Yellow("WARNING: You are about to rollback migration version %d\n", version)
		fmt.Printf("This will drop the tables it created.\n")
		fmt.Printf("\nPress Enter to continue or Ctrl+C to cancel...")
		fmt.Scanln()
	}

	store, runner, err := openMigrationRunner()
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	if err := runner.RollbackMigration(ctx, version); err != nil {
		return fmt.Errorf("rollback failed: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Migration %d rolled back successfully\n", version)
	return nil
}
