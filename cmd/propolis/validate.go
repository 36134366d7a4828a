package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	propolis "github.com/propolis/propolis"
	"github.com/propolis/propolis/internal/cli"
)

var validateSchemasDir string

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate schema syntax",
	Long:  `Validate roles.yaml syntax and propagation rule paths without touching the database.`,
	Example: `  # Validate a specific schemas directory
  propolis validate --schemas-dir internal/authz/schemas

  # Validate using config file settings
  propolis validate`,
	RunE: func(cmd *cobra.Command, args []string) error {
		schemasDir := cfg.ResolvedSchemasDir(validateSchemasDir)
		schemaPath := propolis.NewMigrator(nil, schemasDir).SchemaPath()

		if _, err := os.Stat(schemaPath); err != nil {
			return cli.SchemaParseError(fmt.Sprintf("schema not found: %s", schemaPath), nil)
		}

		schema, err := propolis.ParseSchema(schemaPath)
		if err != nil {
			return cli.SchemaParseError("parsing schema", err)
		}
		if err := schema.Validate(); err != nil {
			return cli.SchemaParseError("validating schema", err)
		}

		if !quiet {
			rules := 0
			for _, r := range schema.Roles {
				rules += len(r.Propagated)
			}
			fmt.Printf("Schema is valid. Found %d roles, %d propagation rules:\n",
				len(schema.Roles), rules)
			for _, r := range schema.Roles {
				fmt.Printf("  - %s/%s (%d rules)\n", r.ObjectType, r.Name, len(r.Propagated))
			}
		}

		return nil
	},
}

func init() {
	validateCmd.Flags().StringVar(&validateSchemasDir, "schemas-dir", "", "directory containing roles.yaml")
}
