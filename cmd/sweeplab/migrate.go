package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeplab/internal/db"
)

func newMigrateCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate <up|down|status|force> [version]",
		Short: "Manage the results database schema",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := g.dbPath
			if path == "" {
				exp, err := loadExperiment(g)
				if err != nil {
					return err
				}
				path = exp.Sink.SQLite
			}
			if path == "" {
				return fmt.Errorf("no results database: set sink.sqlite or pass --db")
			}
			return db.RunMigrateCommand(cmd.OutOrStdout(), path, args[0], args[1:])
		},
	}
}
