package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/git-hunters/githunters/internal/database/migrations"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}

	up := &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(cmd, func(m migrator) error {
				if err := m.up(); err != nil {
					return err
				}
				return m.report()
			})
		},
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations (all unless --steps is set)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(cmd, func(m migrator) error {
				if err := m.down(steps); err != nil {
					return err
				}
				return m.report()
			})
		},
	}
	down.Flags().IntVar(&steps, "steps", 0, "number of migrations to roll back")

	status := &cobra.Command{
		Use:   "status",
		Short: "Print the applied schema version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrations(cmd, func(m migrator) error { return m.report() })
		},
	}

	cmd.AddCommand(up, down, status)
	return cmd
}

type migrator struct {
	up func() error
	// down rolls back n steps; n <= 0 rolls back everything.
	down   func(n int) error
	report func() error
}

func withMigrations(cmd *cobra.Command, fn func(migrator) error) error {
	cfg, err := loadConfig(cmd, false)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	pg, err := openPostgres(ctx, cfg)
	if err != nil {
		return err
	}
	defer pg.Close()
	db := pg.DB()

	return fn(migrator{
		up:   func() error { return migrations.Up(ctx, db) },
		down: func(n int) error { return migrations.Down(ctx, db, n) },
		report: func() error {
			v, dirty, ok, err := migrations.Version(ctx, db)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if !ok {
				fmt.Fprintln(out, "schema: empty")
				return nil
			}
			fmt.Fprintf(out, "schema: version %d dirty=%t\n", v, dirty)
			return nil
		},
	})
}
