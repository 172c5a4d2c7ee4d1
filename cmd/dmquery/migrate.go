package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rpattn/dmquery/internal/db"
)

func migrateCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the postgres schema",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return db.RunMigrations(cfg.Database, cfg.Log.NewLogger(cmd.ErrOrStderr()))
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("steps must be positive, got %d", steps)
			}
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			return db.RollbackMigrations(cfg.Database, steps, cfg.Log.NewLogger(cmd.ErrOrStderr()))
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "Number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}
