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
	rebuildDB        string
	rebuildFanOutCap int
)

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Re-derive all propagated grants",
	Long: `Drop every derived grant and re-propagate from the direct grants.

Run after changing propagation rules: migrate updates the rule rows but does
not re-derive grants for relationships that already exist.`,
	Example: `  # Rebuild derived grants
  propolis rebuild --db postgres://localhost/mydb`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dsn, err := resolveDSN(rebuildDB)
		if err != nil {
			return err
		}

		fanOutCap := rebuildFanOutCap
		if fanOutCap == 0 {
			fanOutCap = cfg.Rebuild.FanOutCap
		}

		return runRebuild(dsn, fanOutCap)
	},
}

func init() {
	f := rebuildCmd.Flags()
	f.StringVar(&rebuildDB, "db", "", "database URL")
	f.IntVar(&rebuildFanOutCap, "fan-out-cap", 0, "override the fan-out cap (0 uses the default)")
}

func runRebuild(dsn string, fanOutCap int) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return cli.DBConnectError("connecting to database", err)
	}
	defer func() { _ = db.Close() }()

	ctx := context.Background()

	reg, err := propolis.LoadRegistry(ctx, db)
	if err != nil {
		if propolis.IsMissingSchemaErr(err) {
			return cli.GeneralError("tables missing, run 'propolis migrate' first", err)
		}
		return cli.GeneralError("loading registry", err)
	}

	var opts []propolis.EngineOption
	if fanOutCap > 0 {
		opts = append(opts, propolis.WithFanOutCap(fanOutCap))
	}
	engine := propolis.NewEngine(reg, opts...)

	if !quiet {
		fmt.Println("Rebuilding derived grants...")
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return cli.GeneralError("starting transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := engine.RebuildAll(ctx, tx); err != nil {
		return cli.GeneralError("rebuilding grants", err)
	}
	if err := tx.Commit(); err != nil {
		return cli.GeneralError("committing rebuild", err)
	}

	if !quiet {
		m := propolis.NewMigrator(db, "")
		if s, err := m.GetStatus(ctx); err == nil {
			fmt.Printf("Done. %d grants (%d derived).\n", s.GrantCount, s.DerivedGrantCount)
		} else {
			fmt.Println("Done.")
		}
	}

	return nil
}
