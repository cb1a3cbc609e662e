package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeplab/internal/measurement"
	"github.com/banshee-data/sweeplab/internal/sink"
)

func newRunCmd(g *globalFlags) *cobra.Command {
	var shapes []string
	for _, s := range measurement.Shapes() {
		shapes = append(shapes, string(s))
	}
	return &cobra.Command{
		Use:   "run <shape>",
		Short: "Run one sweep shape and write its results",
		Long: "Run one sweep shape against the experiment's instruments.\n\nShapes: " +
			strings.Join(shapes, ", "),
		Args:      cobra.ExactArgs(1),
		ValidArgs: shapes,
		RunE: func(cmd *cobra.Command, args []string) error {
			shape, err := measurement.ParseShape(args[0])
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runShape(ctx, g, shape, cmd.OutOrStdout())
		},
	}
}

// runShape opens the experiment, runs shape and prints one line per result.
// An interrupt stops the sweep; the points acquired so far are kept.
func runShape(ctx context.Context, g *globalFlags, shape measurement.Shape, out io.Writer) error {
	l, err := openLab(ctx, g)
	if err != nil {
		return err
	}
	defer l.Close()

	mem := sink.NewMemory()
	o, err := l.orchestrator(mem)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		o.Stop()
	}()

	results, runErr := o.Run(context.WithoutCancel(ctx), shape)
	for _, r := range results {
		printResult(out, l, r)
	}
	for _, w := range o.State().Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	return runErr
}

func printResult(out io.Writer, l *lab, r *sink.Result) {
	status := "complete"
	switch {
	case r.Error != "":
		status = "failed: " + r.Error
	case r.Broken:
		status = "break condition met"
	}
	fmt.Fprintf(out, "%s  %-20s %-20s %6d points  %s\n", r.RunID, r.Name, r.Shape, r.Len(), status)
	if l.csv != nil {
		fmt.Fprintf(out, "    csv: %s\n", l.csv.Path(r))
	}
}
