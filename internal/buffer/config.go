// Package buffer covers instrument acquisition buffers: the settings schema,
// resolution of the rate/duration/point-count triangle, the capability
// interfaces adapters implement, trigger mapping and finish polling.
package buffer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

var (
	// ErrConfiguration marks invalid or unresolvable buffer settings.
	ErrConfiguration = errors.New("buffer configuration error")
	// ErrBuffer marks acquisition failures: not finished, timed out, read failed.
	ErrBuffer = errors.New("buffer error")
	// ErrTrigger marks an invalid or unmapped trigger.
	ErrTrigger = errors.New("trigger error")
)

const (
	TriggerContinuous    = "continuous"
	TriggerEdge          = "edge"
	TriggerTrackingEdge  = "tracking_edge"
	TriggerPulse         = "pulse"
	TriggerTrackingPulse = "tracking_pulse"
	TriggerDigital       = "digital"
)

const (
	PolarityPositive = "positive"
	PolarityNegative = "negative"
	PolarityBoth     = "both"
)

const (
	InterpolationExact   = "exact"
	InterpolationNearest = "nearest"
	InterpolationLinear  = "linear"
)

var (
	triggerModes   = []string{TriggerContinuous, TriggerEdge, TriggerTrackingEdge, TriggerPulse, TriggerTrackingPulse, TriggerDigital}
	polarities     = []string{PolarityPositive, PolarityNegative, PolarityBoth}
	interpolations = []string{InterpolationExact, InterpolationNearest, InterpolationLinear}
)

// Config is the user-facing buffer settings object. Unset fields are nil or
// empty. Unknown keys are rejected when decoding.
type Config struct {
	TriggerMode       string   `json:"trigger_mode,omitempty" yaml:"trigger_mode,omitempty"`
	TriggerPolarity   string   `json:"trigger_mode_polarity,omitempty" yaml:"trigger_mode_polarity,omitempty"`
	GridInterpolation string   `json:"grid_interpolation,omitempty" yaml:"grid_interpolation,omitempty"`
	TriggerThreshold  *float64 `json:"trigger_threshold,omitempty" yaml:"trigger_threshold,omitempty"`
	Delay             *float64 `json:"delay,omitempty" yaml:"delay,omitempty"`
	NumPoints         *int     `json:"num_points,omitempty" yaml:"num_points,omitempty"`
	Channel           *int     `json:"channel,omitempty" yaml:"channel,omitempty"`
	SamplingRate      *float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty"`
	Duration          *float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
	BurstDuration     *float64 `json:"burst_duration,omitempty" yaml:"burst_duration,omitempty"`
	NumBursts         *int     `json:"num_bursts,omitempty" yaml:"num_bursts,omitempty"`
}

// DecodeJSON reads a Config, rejecting unknown keys and invalid enumerations.
func DecodeJSON(r io.Reader) (Config, error) {
	var cfg Config
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DecodeYAML is DecodeJSON for YAML input.
func DecodeYAML(data []byte) (Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks enumerations and value ranges. It does not check the
// rate/duration/point-count combination; Resolve does that.
func (c Config) Validate() error {
	if err := oneOf("trigger_mode", c.TriggerMode, triggerModes); err != nil {
		return err
	}
	if err := oneOf("trigger_mode_polarity", c.TriggerPolarity, polarities); err != nil {
		return err
	}
	if err := oneOf("grid_interpolation", c.GridInterpolation, interpolations); err != nil {
		return err
	}
	if c.Delay != nil && *c.Delay < 0 {
		return fmt.Errorf("%w: delay must be non-negative, got %g", ErrConfiguration, *c.Delay)
	}
	if c.NumPoints != nil && *c.NumPoints < 1 {
		return fmt.Errorf("%w: num_points must be at least 1, got %d", ErrConfiguration, *c.NumPoints)
	}
	if c.SamplingRate != nil && *c.SamplingRate <= 0 {
		return fmt.Errorf("%w: sampling_rate must be positive, got %g", ErrConfiguration, *c.SamplingRate)
	}
	if c.Duration != nil && *c.Duration <= 0 {
		return fmt.Errorf("%w: duration must be positive, got %g", ErrConfiguration, *c.Duration)
	}
	if c.BurstDuration != nil && *c.BurstDuration <= 0 {
		return fmt.Errorf("%w: burst_duration must be positive, got %g", ErrConfiguration, *c.BurstDuration)
	}
	if c.NumBursts != nil && *c.NumBursts < 1 {
		return fmt.Errorf("%w: num_bursts must be at least 1, got %d", ErrConfiguration, *c.NumBursts)
	}
	if c.Channel != nil && *c.Channel < 0 {
		return fmt.Errorf("%w: channel must be non-negative, got %d", ErrConfiguration, *c.Channel)
	}
	return nil
}

func oneOf(field, v string, allowed []string) error {
	if v == "" {
		return nil
	}
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%w: %s %q not one of %v", ErrConfiguration, field, v, allowed)
}

// Float returns a pointer to v, for building configs in code.
func Float(v float64) *float64 { return &v }

// Int returns a pointer to v, for building configs in code.
func Int(v int) *int { return &v }
