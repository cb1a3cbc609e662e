package measurement

import (
	"context"
	"fmt"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/config"
	"github.com/banshee-data/sweeplab/internal/ramp"
)

// TriggerType selects how buffered acquisitions are started.
type TriggerType string

const (
	// TriggerSoftware forces every armed buffer from software.
	TriggerSoftware TriggerType = "software"
	// TriggerHardware calls Hooks.TriggerStart, which fires a hardware line.
	TriggerHardware TriggerType = "hardware"
	// TriggerManual leaves triggering to the user or to a sync output.
	TriggerManual TriggerType = "manual"
)

// ParseTriggerType validates a trigger type name.
func ParseTriggerType(s string) (TriggerType, error) {
	switch t := TriggerType(s); t {
	case TriggerSoftware, TriggerHardware, TriggerManual:
		return t, nil
	case "":
		return TriggerSoftware, nil
	}
	return "", fmt.Errorf("%w: unknown trigger type %q", buffer.ErrTrigger, s)
}

// Hooks are caller-supplied trigger actions for hardware triggering.
type Hooks struct {
	// TriggerStart fires the acquisition trigger. Required for TriggerHardware.
	TriggerStart func(ctx context.Context) error
	// TriggerReset re-arms the trigger after each acquisition. Optional.
	TriggerReset func(ctx context.Context) error
}

// Settings are the orchestrator knobs. Times are in seconds.
type Settings struct {
	// WaitTime is the settle time between initialization and each sweep.
	WaitTime float64
	// Ramp bounds the moves made during initialization.
	Ramp        ramp.Options
	TriggerType TriggerType
	// SyncTrigger names the output a native ramp pulses as it starts.
	SyncTrigger string
	// IncludeGateName appends the swept terminal to result names.
	IncludeGateName bool
	// LogIdleParams records dynamic parameters that are held still as
	// constant columns.
	LogIdleParams       bool
	BacksweepAfterBreak bool
	// Iterations is the number of forward/backward pairs of a hysteresis sweep.
	Iterations int
	// Repetitions is the number of averaged passes of a pulsed sweep.
	Repetitions int
	// ResetTime bounds the return ramp of the fast parameter in a 2D sweep.
	ResetTime         float64
	ReverseParamOrder bool
	// DynRampToVal starts dynamic parameters at their value instead of
	// their first setpoint.
	DynRampToVal bool
	Poll         buffer.PollOptions
	// Duration and Timestep drive unbuffered timetraces.
	Duration float64
	Timestep float64
}

// DefaultSettings mirrors the experiment file defaults.
func DefaultSettings() Settings {
	return SettingsFromConfig(&config.Settings{})
}

// SettingsFromConfig converts experiment file settings.
func SettingsFromConfig(s *config.Settings) Settings {
	tt, err := ParseTriggerType(s.GetTriggerType())
	if err != nil {
		tt = TriggerSoftware
	}
	return Settings{
		WaitTime: s.GetWaitTime(),
		Ramp: ramp.Options{
			Rate:         s.GetRampRate(),
			Time:         s.GetRampTime(),
			StepInterval: s.GetSetpointInterval(),
		},
		TriggerType:         tt,
		SyncTrigger:         s.GetSyncTrigger(),
		IncludeGateName:     s.GetIncludeGateName(),
		LogIdleParams:       s.GetLogIdleParams(),
		BacksweepAfterBreak: s.GetBacksweepAfterBreak(),
		Iterations:          s.GetIterations(),
		Repetitions:         s.GetRepetitions(),
		ResetTime:           s.GetResetTime(),
		ReverseParamOrder:   s.GetReverseParamOrder(),
		DynRampToVal:        s.GetDynRampToVal(),
		Poll: buffer.PollOptions{
			Interval: s.GetPollInterval(),
			Timeout:  s.GetPollTimeout(),
		},
		Duration: s.GetDuration(),
		Timestep: s.GetTimestep(),
	}
}

func (s Settings) withDefaults() Settings {
	if s.TriggerType == "" {
		s.TriggerType = TriggerSoftware
	}
	if s.Iterations < 1 {
		s.Iterations = 1
	}
	if s.Repetitions < 1 {
		s.Repetitions = 1
	}
	if s.Timestep <= 0 {
		s.Timestep = config.DefaultTimestep
	}
	return s
}
