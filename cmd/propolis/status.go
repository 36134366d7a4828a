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
	statusDB         string
	statusSchemasDir string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current schema status",
	Long:  `Show current role schema and migration status.`,
	Example: `  # Check status
  propolis status --db postgres://localhost/mydb`,
	RunE: func(cmd *cobra.Command, args []string) error {
		schemasDir := cfg.ResolvedSchemasDir(resolveString(statusSchemasDir, cfg.Status.SchemasDir))

		dsn, err := resolveDSN(statusDB)
		if err != nil {
			return err
		}

		return runStatus(dsn, schemasDir)
	},
}

func init() {
	f := statusCmd.Flags()
	f.StringVar(&statusDB, "db", "", "database URL")
	f.StringVar(&statusSchemasDir, "schemas-dir", "", "directory containing roles.yaml")
}

func runStatus(dsn, schemasDir string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return cli.DBConnectError("connecting to database", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()
	m := propolis.NewMigrator(db, schemasDir)

	s, err := m.GetStatus(ctx)
	if err != nil {
		if propolis.IsMissingSchemaErr(err) {
			fmt.Println("Tables:       missing")
			fmt.Println("\nRun 'propolis migrate' to create them.")
			return nil
		}
		return cli.GeneralError("getting status", err)
	}

	if s.SchemaExists {
		fmt.Println("Schema file:  present")
	} else {
		fmt.Println("Schema file:  missing")
	}
	fmt.Printf("Roles:        %d\n", s.RoleCount)
	fmt.Printf("Rules:        %d\n", s.RuleCount)
	fmt.Printf("Grants:       %d (%d derived)\n", s.GrantCount, s.DerivedGrantCount)
	fmt.Printf("Edges:        %d\n", s.RelationshipCount)
	fmt.Printf("Buckets:      %d\n", s.BucketCount)
	fmt.Printf("Indexes:      %d\n", s.IndexCount)

	if !s.SchemaExists {
		fmt.Printf("\nNo schema found at %s\n", m.SchemaPath())
	} else if s.RoleCount == 0 {
		fmt.Println("\nNo roles loaded. Run 'propolis migrate'.")
	}

	return nil
}
