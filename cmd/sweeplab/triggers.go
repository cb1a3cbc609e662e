package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/banshee-data/sweeplab/internal/buffer"
)

func newTriggersCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "triggers",
		Short: "Inspect and map instrument triggers",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the trigger of every buffer and trigger input",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLab(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer l.Close()
			printTriggers(cmd.OutOrStdout(), l.triggerMap(), l.available())
			return nil
		},
	}

	var out string
	var assign []string
	mapCmd := &cobra.Command{
		Use:   "map",
		Short: "Choose triggers for unmapped buffers and save the map",
		Long: `Map every buffer without a trigger to the first trigger it offers,
apply any --assign instrument=trigger overrides, then save the result to
the experiment's trigger file (or --out) and to the results database.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := openLab(cmd.Context(), g)
			if err != nil {
				return err
			}
			defer l.Close()
			path := out
			if path == "" {
				path = l.exp.Triggers
			}
			if path == "" {
				return fmt.Errorf("no trigger file: set triggers in the experiment or pass --out")
			}
			m, err := l.mapTriggers(cmd.Context(), assign)
			if err != nil {
				return err
			}
			if err := buffer.SaveTriggerMap(path, m); err != nil {
				return err
			}
			printTriggers(cmd.OutOrStdout(), m, l.available())
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", path)
			return nil
		},
	}
	mapCmd.Flags().StringVarP(&out, "out", "o", "", "Trigger map file (defaults to the experiment's triggers)")
	mapCmd.Flags().StringArrayVar(&assign, "assign", nil, "Assign a trigger, e.g. dmm=external")

	cmd.AddCommand(show, mapCmd)
	return cmd
}

// triggerMap snapshots the buffers and trigger inputs of the station.
func (l *lab) triggerMap() buffer.TriggerMap {
	m := buffer.Snapshot(l.station.Buffers())
	for _, in := range l.station.TriggerIns() {
		m[in.Name()] = buffer.TriggerSetting{Trigger: in.TriggerIn()}
	}
	return m
}

func (l *lab) available() map[string][]string {
	out := map[string][]string{}
	for _, b := range l.station.Buffers() {
		out[b.Name()] = b.Capabilities().AvailableTriggers()
	}
	for _, in := range l.station.TriggerIns() {
		out[in.Name()] = in.Capabilities().AvailableTriggers()
	}
	return out
}

// mapTriggers applies assignments, maps the remaining buffers and trigger
// inputs, and stores the resulting bindings when a database is open.
func (l *lab) mapTriggers(ctx context.Context, assign []string) (buffer.TriggerMap, error) {
	m := buffer.TriggerMap{}
	known := l.available()
	for _, a := range assign {
		inst, trig, ok := strings.Cut(a, "=")
		if !ok || inst == "" || trig == "" {
			return nil, fmt.Errorf("--assign %q: want instrument=trigger", a)
		}
		if _, ok := known[inst]; !ok {
			return nil, fmt.Errorf("%w: no buffer or trigger input named %s", buffer.ErrTrigger, inst)
		}
		m[inst] = buffer.TriggerSetting{Trigger: trig}
	}
	for _, b := range l.station.Buffers() {
		if _, ok := m[b.Name()]; ok {
			if err := buffer.ApplyTriggerMap([]buffer.Buffer{b}, m); err != nil {
				return nil, err
			}
		}
	}
	if err := buffer.ApplyTriggerInMap(l.station.TriggerIns(), m); err != nil {
		return nil, err
	}
	if err := buffer.MapTriggers(l.station.Buffers(), buffer.FirstAvailable, true); err != nil {
		return nil, err
	}
	if err := buffer.MapTriggerIns(l.station.TriggerIns(), buffer.FirstAvailable, true); err != nil {
		return nil, err
	}
	m = l.triggerMap()
	if l.db != nil {
		if err := l.db.SaveTriggerBindings(ctx, m); err != nil {
			return nil, fmt.Errorf("store trigger bindings: %w", err)
		}
	}
	return m, nil
}

func printTriggers(out io.Writer, m buffer.TriggerMap, available map[string][]string) {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INSTRUMENT\tTRIGGER\tAVAILABLE")
	for _, name := range names {
		trig, err := m[name].Resolve()
		if err != nil {
			trig = err.Error()
		}
		if trig == "" {
			trig = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%v\n", name, trig, available[name])
	}
	tw.Flush()
}
