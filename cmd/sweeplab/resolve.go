package main

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/config"
)

func newResolveBufferCmd(g *globalFlags) *cobra.Command {
	var rate, duration float64
	var points int
	cmd := &cobra.Command{
		Use:   "resolve-buffer",
		Short: "Show the acquisition plan each buffer would use",
		Long: `Resolve the experiment's buffer settings against the capabilities
of every buffered instrument and print sample counts and timing. Flags
replace the corresponding buffer settings.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			exp, err := loadExperiment(g)
			if err != nil {
				return err
			}
			cfg := buffer.Config{}
			if exp.Buffer != nil {
				cfg = *exp.Buffer
			}
			flags := cmd.Flags()
			if flags.Changed("sampling-rate") {
				cfg.SamplingRate = buffer.Float(rate)
			}
			if flags.Changed("duration") {
				cfg.Duration = buffer.Float(duration)
			}
			if flags.Changed("num-points") {
				cfg.NumPoints = buffer.Int(points)
			}
			return resolveBuffers(cmd.OutOrStdout(), exp.Instruments, cfg)
		},
	}
	cmd.Flags().Float64Var(&rate, "sampling-rate", 0, "Sampling rate in Hz")
	cmd.Flags().Float64Var(&duration, "duration", 0, "Acquisition duration in seconds")
	cmd.Flags().IntVar(&points, "num-points", 0, "Samples per burst")
	return cmd
}

// resolveBuffers prints the plan for every instrument that declares a
// buffer depth. It needs no hardware.
func resolveBuffers(out io.Writer, specs []config.InstrumentSpec, cfg buffer.Config) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTRUMENT\tPOINTS\tBURSTS\tRATE (Hz)\tBURST (s)\tDELAY PTS\tRAW PTS")
	found := false
	for _, s := range specs {
		if s.BufferDepth == 0 {
			continue
		}
		found = true
		r, err := buffer.Resolve(cfg, buffer.NewCapabilities(s.BufferDepth, s.MaxSamplingRate))
		if err != nil {
			return fmt.Errorf("%s: %w", s.Name, err)
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%g\t%g\t%d\t%d\n",
			s.Name, r.NumPoints, r.NumBursts, r.SamplingRate, r.BurstDuration, r.DelayPoints, r.RawPoints)
	}
	if !found {
		return fmt.Errorf("%w: no instrument declares a buffer", buffer.ErrConfiguration)
	}
	return tw.Flush()
}
