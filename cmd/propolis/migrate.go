package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/spf13/cobra"

	propolis "github.com/propolis/propolis"
	"github.com/propolis/propolis/internal/cli"
)

var (
	migrateDB         string
	migrateSchemasDir string
	migrateDDLOnly    bool
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply role schema to database",
	Long:  `Apply the role schema to PostgreSQL: create tables, upsert roles and propagation rules.`,
	Example: `  # Apply schema to database
  propolis migrate --db postgres://localhost/mydb

  # Create tables only, without loading roles.yaml
  propolis migrate --db postgres://localhost/mydb --ddl-only`,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Resolve values
		schemasDir := cfg.ResolvedSchemasDir(resolveString(migrateSchemasDir, cfg.Migrate.SchemasDir))
		ddlOnly := migrateDDLOnly || cfg.Migrate.DDLOnly

		dsn, err := resolveDSN(migrateDB)
		if err != nil {
			return err
		}

		return runMigrate(dsn, schemasDir, ddlOnly)
	},
}

func init() {
	f := migrateCmd.Flags()
	f.StringVar(&migrateDB, "db", "", "database URL")
	f.StringVar(&migrateSchemasDir, "schemas-dir", "", "directory containing roles.yaml")
	f.BoolVar(&migrateDDLOnly, "ddl-only", false, "create tables and indexes without loading roles.yaml")
}

func runMigrate(dsn, schemasDir string, ddlOnly bool) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return cli.DBConnectError("connecting to database", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	m := propolis.NewMigrator(db, schemasDir)

	if ddlOnly {
		if err := m.ApplyDDL(ctx); err != nil {
			return cli.GeneralError("applying DDL", err)
		}
		if !quiet {
			fmt.Println("Tables and indexes applied.")
		}
		return nil
	}

	if !quiet {
		fmt.Println("Applying role schema...")
	}

	if err := m.Migrate(ctx); err != nil {
		if propolis.IsInvalidRuleErr(err) {
			return cli.SchemaParseError("schema error", err)
		}
		return cli.GeneralError("migration failed", err)
	}

	if !quiet {
		fmt.Println("Role schema applied successfully.")
	}

	// Warn when existing grants predate a rule change; derived rows are only
	// refreshed by an explicit rebuild.
	status, err := m.GetStatus(ctx)
	if err == nil && status.GrantCount > 0 && !quiet {
		fmt.Println()
		fmt.Println("Existing grants detected. If propagation rules changed,")
		fmt.Println("run 'propolis rebuild' to re-derive propagated grants.")
	}

	return nil
}
