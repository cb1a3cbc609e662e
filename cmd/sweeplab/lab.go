package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/config"
	"github.com/banshee-data/sweeplab/internal/db"
	"github.com/banshee-data/sweeplab/internal/instrument"
	"github.com/banshee-data/sweeplab/internal/instrument/sim"
	"github.com/banshee-data/sweeplab/internal/measurement"
	"github.com/banshee-data/sweeplab/internal/monitoring"
	"github.com/banshee-data/sweeplab/internal/param"
	"github.com/banshee-data/sweeplab/internal/sink"
	"github.com/banshee-data/sweeplab/internal/sweep"
)

// hardwareTriggerLine is the simulated trigger bus line pulsed by the
// hardware trigger hook.
const hardwareTriggerLine = "external"

// lab is an opened experiment: its instruments, resolved parameters and
// result sinks.
type lab struct {
	exp      *config.Experiment
	log      monitoring.Logger
	station  *instrument.Station
	table    *param.Table
	db       *db.DB
	csv      *sink.CSV
	registry *prometheus.Registry
	metrics  *monitoring.Metrics
}

// loadExperiment reads the experiment file and applies --set overrides.
func loadExperiment(g *globalFlags) (*config.Experiment, error) {
	exp, err := config.LoadExperiment(g.config)
	if err != nil {
		return nil, err
	}
	if err := applyOverrides(exp, g.sets); err != nil {
		return nil, err
	}
	return exp, nil
}

// applyOverrides replaces the setpoints of terminal.parameter entries.
func applyOverrides(exp *config.Experiment, sets []string) error {
	for _, s := range sets {
		target, spec, ok := strings.Cut(s, "=")
		if !ok {
			return fmt.Errorf("--set %q: want terminal.parameter=setpoints", s)
		}
		term, name, ok := strings.Cut(target, ".")
		if !ok {
			return fmt.Errorf("--set %q: want terminal.parameter=setpoints", s)
		}
		props, ok := exp.Parameters[term][name]
		if !ok {
			return fmt.Errorf("--set %q: %w: no parameter %s", s, param.ErrMapping, target)
		}
		sp, err := sweep.ParseSetpoints(spec)
		if err != nil {
			return fmt.Errorf("--set %q: %w", s, err)
		}
		if len(sp) == 0 {
			return fmt.Errorf("--set %q: no setpoints", s)
		}
		props.Setpoints = sp
		props.Start, props.Stop, props.NumPoints = nil, nil, 0
		exp.Parameters[term][name] = props
	}
	return nil
}

// openLab builds the station, resolves the parameter table and opens the
// configured sinks. Close releases everything.
func openLab(ctx context.Context, g *globalFlags) (*lab, error) {
	exp, err := loadExperiment(g)
	if err != nil {
		return nil, err
	}
	l := &lab{
		exp: exp,
		log: monitoring.NewLogger("[sweeplab]", g.debug || exp.Settings.GetDebug()),
	}
	l.registry = prometheus.NewRegistry()
	l.metrics = monitoring.NewMetrics(l.registry)

	l.station, err = instrument.Build(ctx, exp.Instruments, instrument.BuildOptions{
		Log:            l.log.With("[instrument]"),
		Bus:            sim.NewTriggerBus(),
		InstantBuffers: g.instant,
	})
	if err != nil {
		return nil, err
	}
	if l.table, err = l.station.Resolve(exp.Order, exp.Parameters, exp.Mapping); err != nil {
		l.Close()
		return nil, err
	}
	if err := l.applyTriggerFile(); err != nil {
		l.Close()
		return nil, err
	}

	dbPath := exp.Sink.SQLite
	if g.dbPath != "" {
		dbPath = g.dbPath
	}
	if dbPath != "" {
		if l.db, err = db.NewDB(dbPath); err != nil {
			l.Close()
			return nil, fmt.Errorf("results database: %w", err)
		}
	}
	if exp.Sink.CSVDir != "" {
		l.csv = sink.NewCSV(exp.Sink.CSVDir)
	}
	return l, nil
}

// applyTriggerFile applies the experiment's saved trigger map, if the file
// exists. A missing file leaves triggers to be chosen at run time.
func (l *lab) applyTriggerFile() error {
	if l.exp.Triggers == "" {
		return nil
	}
	m, err := buffer.LoadTriggerMap(l.exp.Triggers)
	if errors.Is(err, os.ErrNotExist) {
		l.log.Printf("trigger map %s not found, triggers will be chosen automatically", l.exp.Triggers)
		return nil
	}
	if err != nil {
		return err
	}
	if err := buffer.ApplyTriggerMap(l.station.Buffers(), m); err != nil {
		return err
	}
	return buffer.ApplyTriggerInMap(l.station.TriggerIns(), m)
}

// sink combines the configured result sinks. Results always reach mem.
func (l *lab) sink(mem *sink.Memory) sink.Sink {
	ms := sink.Multi{mem}
	if l.csv != nil {
		ms = append(ms, l.csv)
	}
	if l.db != nil {
		ms = append(ms, l.db)
	}
	return ms
}

// hooks pulses the simulated trigger bus when the experiment uses
// hardware triggering.
func (l *lab) hooks() measurement.Hooks {
	bus := l.station.Bus()
	return measurement.Hooks{
		TriggerStart: func(context.Context) error {
			if n := bus.Fire(hardwareTriggerLine); n == 0 {
				l.log.Warnf("hardware trigger on %q reached no instrument", hardwareTriggerLine)
			}
			return nil
		},
		TriggerReset: func(context.Context) error { return nil },
	}
}

func (l *lab) orchestrator(mem *sink.Memory) (*measurement.Orchestrator, error) {
	return measurement.New(measurement.Options{
		Name:     l.exp.Name,
		Table:    l.table,
		Station:  l.station,
		Buffer:   l.exp.Buffer,
		Settings: measurement.SettingsFromConfig(&l.exp.Settings),
		Hooks:    l.hooks(),
		Sink:     l.sink(mem),
		Log:      l.log.With("[sweep]"),
		Metrics:  l.metrics,
	})
}

func (l *lab) Close() error {
	var errs []error
	if l.station != nil {
		errs = append(errs, l.station.Close())
	}
	if l.db != nil {
		errs = append(errs, l.db.Close())
	}
	return errors.Join(errs...)
}
