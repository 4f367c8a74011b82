package cmd

import (
	"fmt"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"

	"github.com/3leaps/clipforge/pkg/store"
)

var dbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the clipforge database",
}

var dbInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the database schema",
	Long: `Create the database if needed and apply pending schema migrations.

Migrations are idempotent; running init against an up-to-date database is a
no-op.

Examples:
  clipforge db init
  clipforge db init --db data/dev.db
  CLIPFORGE_DB_URL=libsql://my-db.turso.io clipforge db init`,
	RunE: runDBInit,
}

func init() {
	rootCmd.AddCommand(dbCmd)
	dbCmd.AddCommand(dbInitCmd)

	dbCmd.PersistentFlags().String("db", "", "Database path (overrides store.path)")
	bindConfigFlag(dbCmd, "db", "store.path")
}

func runDBInit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()

	db, err := openStore(ctx, appConfig.Store)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	version, err := store.CurrentSchemaVersion(ctx, db)
	if err != nil {
		return exitError(foundry.ExitDatabaseUnavailable, "read schema version", err)
	}

	target := appConfig.Store.Path
	if appConfig.Store.URL != "" {
		target = appConfig.Store.URL
	}
	_, _ = fmt.Fprintln(stdout, "Database initialized")
	_, _ = fmt.Fprintf(stdout, "driver=%s\n", store.Driver())
	_, _ = fmt.Fprintf(stdout, "target=%s\n", target)
	_, _ = fmt.Fprintf(stdout, "schema_version=%d\n", version)
	return nil
}
