package main

import (
	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeplab/internal/version"
)

// globalFlags are shared by every subcommand that opens an experiment.
type globalFlags struct {
	config  string
	debug   bool
	dbPath  string
	instant bool
	sets    []string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "sweeplab",
		Short: "Buffered multi-instrument sweep orchestration",
		Long: `sweeplab moves instrument parameters through sweeps, acquires
gettable parameters point by point or through hardware buffers, and writes
each sweep as a rectangular result to CSV and SQLite.`,
		SilenceUsage: true,
	}
	root.Version = version.String()
	root.SetVersionTemplate("sweeplab version {{.Version}}\n")

	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "config/experiment.example.yaml", "Experiment file (.yaml, .yml or .json)")
	pf.BoolVar(&g.debug, "debug", false, "Enable debug logging (overrides settings.debug)")
	pf.StringVar(&g.dbPath, "db", "", "SQLite results database (overrides sink.sqlite)")
	pf.BoolVar(&g.instant, "instant", false, "Simulated buffers finish as soon as they are triggered")
	pf.StringArrayVar(&g.sets, "set", nil, "Override setpoints, e.g. plunger1.voltage=0:0.4:0.02 or gate.voltage=0,0.1,0.3")

	root.AddCommand(
		newRunCmd(g),
		newResolveBufferCmd(g),
		newTriggersCmd(g),
		newMigrateCmd(g),
		newServeCmd(g),
		newStatusCmd(),
		newStopCmd(),
	)
	return root
}
