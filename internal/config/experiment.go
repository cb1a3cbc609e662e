// Package config loads experiment files: engine settings, buffer settings,
// parameter properties, instruments and the terminal mapping.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/banshee-data/sweeplab/internal/buffer"
	"github.com/banshee-data/sweeplab/internal/param"
)

// maxFileSize bounds experiment files.
const maxFileSize = 1 * 1024 * 1024

// Defaults for Settings.
const (
	DefaultWaitTime         = 0.0
	DefaultRampRate         = 0.3
	DefaultRampTime         = 5.0
	DefaultSetpointInterval = 0.1
	DefaultTriggerType      = "software"
	DefaultIterations       = 1
	DefaultRepetitions      = 1
	DefaultResetTime        = 1.0
	DefaultPollInterval     = 100 * time.Millisecond
	DefaultPollTimeout      = 5 * time.Minute
	DefaultTimestep         = 1.0
)

// ValidationError reports one invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
}

// IsValidationError reports whether err wraps a ValidationError.
func IsValidationError(err error) bool {
	var ve ValidationError
	return errors.As(err, &ve)
}

// Settings are the orchestrator knobs. Nil fields fall back to defaults
// through the Get methods. Times are in seconds unless they are duration
// strings.
type Settings struct {
	WaitTime            *float64 `json:"wait_time,omitempty" yaml:"wait_time,omitempty"`
	RampRate            *float64 `json:"ramp_rate,omitempty" yaml:"ramp_rate,omitempty"`
	RampTime            *float64 `json:"ramp_time,omitempty" yaml:"ramp_time,omitempty"`
	SetpointInterval    *float64 `json:"setpoint_interval,omitempty" yaml:"setpoint_interval,omitempty"`
	TriggerType         *string  `json:"trigger_type,omitempty" yaml:"trigger_type,omitempty"`
	SyncTrigger         *string  `json:"sync_trigger,omitempty" yaml:"sync_trigger,omitempty"`
	IncludeGateName     *bool    `json:"include_gate_name,omitempty" yaml:"include_gate_name,omitempty"`
	LogIdleParams       *bool    `json:"log_idle_params,omitempty" yaml:"log_idle_params,omitempty"`
	BacksweepAfterBreak *bool    `json:"backsweep_after_break,omitempty" yaml:"backsweep_after_break,omitempty"`
	Iterations          *int     `json:"iterations,omitempty" yaml:"iterations,omitempty"`
	Repetitions         *int     `json:"repetitions,omitempty" yaml:"repetitions,omitempty"`
	ResetTime           *float64 `json:"reset_time,omitempty" yaml:"reset_time,omitempty"`
	ReverseParamOrder   *bool    `json:"reverse_param_order,omitempty" yaml:"reverse_param_order,omitempty"`
	DynRampToVal        *bool    `json:"dyn_ramp_to_val,omitempty" yaml:"dyn_ramp_to_val,omitempty"`
	PollInterval        *string  `json:"poll_interval,omitempty" yaml:"poll_interval,omitempty"`
	PollTimeout         *string  `json:"poll_timeout,omitempty" yaml:"poll_timeout,omitempty"`
	Duration            *float64 `json:"duration,omitempty" yaml:"duration,omitempty"`
	Timestep            *float64 `json:"timestep,omitempty" yaml:"timestep,omitempty"`
	Debug               *bool    `json:"debug,omitempty" yaml:"debug,omitempty"`
}

// Binding maps a terminal parameter onto an instrument channel.
type Binding struct {
	Instrument string `json:"instrument" yaml:"instrument"`
	Channel    string `json:"channel" yaml:"channel"`
}

// SerialSpec configures a serial-line instrument.
type SerialSpec struct {
	Port     string `json:"port" yaml:"port"`
	BaudRate int    `json:"baud_rate,omitempty" yaml:"baud_rate,omitempty"`
	DataBits int    `json:"data_bits,omitempty" yaml:"data_bits,omitempty"`
	StopBits int    `json:"stop_bits,omitempty" yaml:"stop_bits,omitempty"`
	Parity   string `json:"parity,omitempty" yaml:"parity,omitempty"`
	// Timeout bounds one query, as a duration string.
	Timeout string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	// Init lists commands sent once after the port opens.
	Init []string `json:"init,omitempty" yaml:"init,omitempty"`
	// Channels maps channel names to their query/command templates.
	Channels map[string]SerialChannel `json:"channels" yaml:"channels"`
}

// SerialChannel holds printf templates. Get is sent as-is and the reply is
// parsed as a number; Set receives the value through a single %v verb.
type SerialChannel struct {
	Get string `json:"get,omitempty" yaml:"get,omitempty"`
	Set string `json:"set,omitempty" yaml:"set,omitempty"`
}

// DefaultSerialTimeout bounds a serial query when no timeout is configured.
const DefaultSerialTimeout = 2 * time.Second

// GetTimeout returns the query timeout or DefaultSerialTimeout.
func (s *SerialSpec) GetTimeout() time.Duration {
	if s == nil || s.Timeout == "" {
		return DefaultSerialTimeout
	}
	d, err := time.ParseDuration(s.Timeout)
	if err != nil || d <= 0 {
		return DefaultSerialTimeout
	}
	return d
}

// OPCUASpec configures an OPC-UA instrument.
type OPCUASpec struct {
	Endpoint       string `json:"endpoint" yaml:"endpoint"`
	SecurityMode   string `json:"security_mode,omitempty" yaml:"security_mode,omitempty"`
	SecurityPolicy string `json:"security_policy,omitempty" yaml:"security_policy,omitempty"`
	Username       string `json:"username,omitempty" yaml:"username,omitempty"`
	Password       string `json:"password,omitempty" yaml:"password,omitempty"`
	// Nodes maps channel names to node ids such as "ns=2;s=Gate1".
	Nodes map[string]string `json:"nodes" yaml:"nodes"`
}

// Drivers known to the station builder.
const (
	DriverSimDAC = "sim-dac"
	DriverSimDMM = "sim-dmm"
	DriverSerial = "serial"
	DriverOPCUA  = "opcua"
)

// InstrumentSpec describes one instrument.
type InstrumentSpec struct {
	Name   string `json:"name" yaml:"name"`
	Driver string `json:"driver" yaml:"driver"`
	// Channels lists the channels of simulated instruments.
	Channels        []string    `json:"channels,omitempty" yaml:"channels,omitempty"`
	MaxRampChannels int         `json:"max_ramp_channels,omitempty" yaml:"max_ramp_channels,omitempty"`
	BufferDepth     int         `json:"buffer_depth,omitempty" yaml:"buffer_depth,omitempty"`
	MaxSamplingRate float64     `json:"max_sampling_rate,omitempty" yaml:"max_sampling_rate,omitempty"`
	Serial          *SerialSpec `json:"serial,omitempty" yaml:"serial,omitempty"`
	OPCUA           *OPCUASpec  `json:"opcua,omitempty" yaml:"opcua,omitempty"`
}

// SinkSpec selects where results go. Both may be set.
type SinkSpec struct {
	CSVDir string `json:"csv_dir,omitempty" yaml:"csv_dir,omitempty"`
	SQLite string `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
}

// Experiment is the root of an experiment file.
type Experiment struct {
	Name        string                                 `json:"name" yaml:"name"`
	Settings    Settings                               `json:"settings" yaml:"settings"`
	Buffer      *buffer.Config                         `json:"buffer,omitempty" yaml:"buffer,omitempty"`
	Parameters  map[string]map[string]param.Properties `json:"parameters" yaml:"parameters"`
	Instruments []InstrumentSpec                       `json:"instruments" yaml:"instruments"`
	Mapping     map[string]map[string]Binding          `json:"mapping" yaml:"mapping"`
	Triggers    string                                 `json:"triggers,omitempty" yaml:"triggers,omitempty"`
	Sink        SinkSpec                               `json:"sink" yaml:"sink"`

	// Order lists the parameters in the order the file declares them.
	Order []param.Key `json:"-" yaml:"-"`
}

// LoadExperiment reads an experiment from a .yaml, .yml or .json file.
// Unknown keys anywhere in the file are rejected.
func LoadExperiment(path string) (*Experiment, error) {
	cleanPath := filepath.Clean(path)
	ext := filepath.Ext(cleanPath)
	switch ext {
	case ".yaml", ".yml", ".json":
	default:
		return nil, fmt.Errorf("experiment file must have .yaml, .yml or .json extension, got %q", ext)
	}

	info, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat experiment file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("experiment file too large: %d bytes (max %d)", info.Size(), maxFileSize)
	}
	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment file: %w", err)
	}

	if ext == ".json" {
		return ParseJSON(data)
	}
	return ParseYAML(data)
}

// ParseYAML decodes and validates a YAML experiment.
func ParseYAML(data []byte) (*Experiment, error) {
	exp := &Experiment{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment YAML: %w", err)
	}
	exp.Order = parameterOrder(data)
	return exp, exp.validated()
}

// ParseJSON decodes and validates a JSON experiment.
func ParseJSON(data []byte) (*Experiment, error) {
	exp := &Experiment{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(exp); err != nil {
		return nil, fmt.Errorf("failed to parse experiment JSON: %w", err)
	}
	exp.Order = parameterOrder(data)
	return exp, exp.validated()
}

// parameterOrder walks the document's "parameters" mapping and returns its
// keys in source order. JSON is read through the YAML parser. It returns nil
// when the document has no parameters mapping.
func parameterOrder(data []byte) []param.Key {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil || len(doc.Content) == 0 {
		return nil
	}
	params := mappingValue(doc.Content[0], "parameters")
	if params == nil {
		return nil
	}
	var order []param.Key
	for i := 0; i+1 < len(params.Content); i += 2 {
		term := params.Content[i].Value
		group := params.Content[i+1]
		if group.Kind != yaml.MappingNode {
			continue
		}
		for j := 0; j+1 < len(group.Content); j += 2 {
			order = append(order, param.Key{Terminal: term, Parameter: group.Content[j].Value})
		}
	}
	return order
}

func mappingValue(n *yaml.Node, key string) *yaml.Node {
	if n.Kind != yaml.MappingNode {
		return nil
	}
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key && n.Content[i+1].Kind == yaml.MappingNode {
			return n.Content[i+1]
		}
	}
	return nil
}

func (e *Experiment) validated() error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("invalid experiment: %w", err)
	}
	return nil
}

// Validate checks the settings, buffer settings, instruments and mapping.
// It does not touch hardware.
func (e *Experiment) Validate() error {
	if err := e.Settings.Validate(); err != nil {
		return err
	}
	if e.Buffer != nil {
		if err := e.Buffer.Validate(); err != nil {
			return fmt.Errorf("buffer: %w", err)
		}
	}

	instruments := make(map[string]bool, len(e.Instruments))
	for i, spec := range e.Instruments {
		field := fmt.Sprintf("instruments[%d]", i)
		if spec.Name == "" {
			return ValidationError{Field: field + ".name", Message: "must not be empty"}
		}
		if instruments[spec.Name] {
			return ValidationError{Field: field + ".name", Message: fmt.Sprintf("duplicate instrument %q", spec.Name)}
		}
		instruments[spec.Name] = true
		if err := spec.validate(field); err != nil {
			return err
		}
	}

	for term, params := range e.Parameters {
		for name, props := range params {
			field := fmt.Sprintf("parameters.%s.%s", term, name)
			if props.Type == param.KindUnknown {
				return ValidationError{Field: field + ".type", Message: "must be set"}
			}
			if _, err := props.ParsedLimits(); err != nil {
				return ValidationError{Field: field + ".limits", Message: err.Error()}
			}
			if props.Type == param.KindCompensating && len(props.Leverarms) != len(props.CompensatedGates) {
				return ValidationError{Field: field + ".leverarms", Message: "must match compensated_gates"}
			}
			b, ok := e.Mapping[term][name]
			if !ok {
				return fmt.Errorf("%w: %s.%s has no mapping", param.ErrMapping, term, name)
			}
			if !instruments[b.Instrument] {
				return fmt.Errorf("%w: %s.%s mapped to unknown instrument %q", param.ErrMapping, term, name, b.Instrument)
			}
		}
	}
	return nil
}

func (s InstrumentSpec) validate(field string) error {
	switch s.Driver {
	case DriverSimDAC, DriverSimDMM:
	case DriverSerial:
		if s.Serial == nil || s.Serial.Port == "" {
			return ValidationError{Field: field + ".serial.port", Message: "required for serial driver"}
		}
		if s.Serial.Timeout != "" {
			if _, err := time.ParseDuration(s.Serial.Timeout); err != nil {
				return ValidationError{Field: field + ".serial.timeout", Message: err.Error()}
			}
		}
	case DriverOPCUA:
		if s.OPCUA == nil || s.OPCUA.Endpoint == "" {
			return ValidationError{Field: field + ".opcua.endpoint", Message: "required for opcua driver"}
		}
	default:
		return ValidationError{Field: field + ".driver", Message: fmt.Sprintf("unknown driver %q", s.Driver)}
	}
	if s.MaxRampChannels < 0 || s.BufferDepth < 0 || s.MaxSamplingRate < 0 {
		return ValidationError{Field: field, Message: "limits must be non-negative"}
	}
	return nil
}

// Validate checks ranges and duration strings.
func (s *Settings) Validate() error {
	nonNegative := map[string]*float64{
		"settings.wait_time":  s.WaitTime,
		"settings.ramp_time":  s.RampTime,
		"settings.reset_time": s.ResetTime,
		"settings.duration":   s.Duration,
	}
	for field, v := range nonNegative {
		if v != nil && *v < 0 {
			return ValidationError{Field: field, Message: "must be non-negative"}
		}
	}
	positive := map[string]*float64{
		"settings.ramp_rate":         s.RampRate,
		"settings.setpoint_interval": s.SetpointInterval,
		"settings.timestep":          s.Timestep,
	}
	for field, v := range positive {
		if v != nil && *v <= 0 {
			return ValidationError{Field: field, Message: "must be positive"}
		}
	}
	if s.Iterations != nil && *s.Iterations < 1 {
		return ValidationError{Field: "settings.iterations", Message: "must be at least 1"}
	}
	if s.Repetitions != nil && *s.Repetitions < 1 {
		return ValidationError{Field: "settings.repetitions", Message: "must be at least 1"}
	}
	if s.TriggerType != nil {
		switch *s.TriggerType {
		case "software", "hardware", "manual":
		default:
			return ValidationError{Field: "settings.trigger_type", Message: fmt.Sprintf("%q not one of software, hardware, manual", *s.TriggerType)}
		}
	}
	for field, v := range map[string]*string{"settings.poll_interval": s.PollInterval, "settings.poll_timeout": s.PollTimeout} {
		if v != nil && *v != "" {
			if _, err := time.ParseDuration(*v); err != nil {
				return ValidationError{Field: field, Message: err.Error()}
			}
		}
	}
	return nil
}

func floatOr(p *float64, def float64) float64 {
	if p == nil {
		return def
	}
	return *p
}

func intOr(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func durationOr(p *string, def time.Duration) time.Duration {
	if p == nil || *p == "" {
		return def
	}
	d, err := time.ParseDuration(*p)
	if err != nil {
		return def
	}
	return d
}

func (s *Settings) GetWaitTime() float64 { return floatOr(s.WaitTime, DefaultWaitTime) }
func (s *Settings) GetRampRate() float64 { return floatOr(s.RampRate, DefaultRampRate) }
func (s *Settings) GetRampTime() float64 { return floatOr(s.RampTime, DefaultRampTime) }
func (s *Settings) GetSetpointInterval() float64 {
	return floatOr(s.SetpointInterval, DefaultSetpointInterval)
}
func (s *Settings) GetIncludeGateName() bool     { return boolOr(s.IncludeGateName, true) }
func (s *Settings) GetLogIdleParams() bool       { return boolOr(s.LogIdleParams, true) }
func (s *Settings) GetBacksweepAfterBreak() bool { return boolOr(s.BacksweepAfterBreak, false) }
func (s *Settings) GetIterations() int           { return intOr(s.Iterations, DefaultIterations) }
func (s *Settings) GetRepetitions() int          { return intOr(s.Repetitions, DefaultRepetitions) }
func (s *Settings) GetResetTime() float64        { return floatOr(s.ResetTime, DefaultResetTime) }
func (s *Settings) GetReverseParamOrder() bool   { return boolOr(s.ReverseParamOrder, false) }
func (s *Settings) GetDynRampToVal() bool        { return boolOr(s.DynRampToVal, false) }
func (s *Settings) GetDuration() float64         { return floatOr(s.Duration, 0) }
func (s *Settings) GetTimestep() float64         { return floatOr(s.Timestep, DefaultTimestep) }
func (s *Settings) GetDebug() bool               { return boolOr(s.Debug, false) }

func (s *Settings) GetPollInterval() time.Duration {
	return durationOr(s.PollInterval, DefaultPollInterval)
}

func (s *Settings) GetPollTimeout() time.Duration {
	return durationOr(s.PollTimeout, DefaultPollTimeout)
}

func (s *Settings) GetTriggerType() string {
	if s.TriggerType == nil || *s.TriggerType == "" {
		return DefaultTriggerType
	}
	return *s.TriggerType
}

func (s *Settings) GetSyncTrigger() string {
	if s.SyncTrigger == nil {
		return ""
	}
	return *s.SyncTrigger
}
