package main

import (
	"encoding/json"
	"io"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeplab/internal/api"
	"github.com/banshee-data/sweeplab/internal/measurement"
)

const defaultAddr = "http://localhost:8090"

func newStatusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a running sweeplab server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := api.NewClient(addr, nil).State(cmd.Context())
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "Server address")
	return cmd
}

func newStopCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the sweep running on a sweeplab server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			st, err := api.NewClient(addr, nil).Stop(cmd.Context())
			if err != nil {
				return err
			}
			return printState(cmd.OutOrStdout(), st)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "Server address")
	return cmd
}

func printState(out io.Writer, st measurement.State) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(st)
}
