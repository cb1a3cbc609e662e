package param

import "fmt"

// TerminalRef points at another terminal's parameter.
type TerminalRef struct {
	Terminal  string `json:"terminal" yaml:"terminal"`
	Parameter string `json:"parameter" yaml:"parameter"`
}

func (r TerminalRef) Key() Key {
	return Key{Terminal: r.Terminal, Parameter: r.Parameter}
}

// Properties is the measurement-script description of one parameter.
type Properties struct {
	Type             Kind          `json:"type" yaml:"type"`
	Value            any           `json:"value,omitempty" yaml:"value,omitempty"`
	Start            *float64      `json:"start,omitempty" yaml:"start,omitempty"`
	Stop             *float64      `json:"stop,omitempty" yaml:"stop,omitempty"`
	NumPoints        int           `json:"num_points,omitempty" yaml:"num_points,omitempty"`
	Setpoints        []float64     `json:"setpoints,omitempty" yaml:"setpoints,omitempty"`
	Delay            float64       `json:"delay,omitempty" yaml:"delay,omitempty"`
	BreakConditions  []string      `json:"break_conditions,omitempty" yaml:"break_conditions,omitempty"`
	Leverarms        []float64     `json:"leverarms,omitempty" yaml:"leverarms,omitempty"`
	CompensatedGates []TerminalRef `json:"compensated_gates,omitempty" yaml:"compensated_gates,omitempty"`
	Limits           []float64     `json:"limits,omitempty" yaml:"limits,omitempty"`
	Group            *int          `json:"group,omitempty" yaml:"group,omitempty"`
	Priority         *int          `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// Source names a property that can provide a numeric value.
type Source int

const (
	SourceValue Source = iota
	SourceStart
	SourceSetpoints
)

// Lookup returns the first numeric value available from the given sources,
// in order. SourceSetpoints yields the first setpoint.
func (p Properties) Lookup(order ...Source) (float64, bool) {
	for _, s := range order {
		switch s {
		case SourceValue:
			if f, ok := AsFloat(p.Value); ok {
				return f, true
			}
		case SourceStart:
			if p.Start != nil {
				return *p.Start, true
			}
		case SourceSetpoints:
			if len(p.Setpoints) > 0 {
				return p.Setpoints[0], true
			}
		}
	}
	return 0, false
}

// RestValue is the value a parameter sits at when it is not being swept:
// value, then start, then the first setpoint.
func (p Properties) RestValue() (float64, bool) {
	return p.Lookup(SourceValue, SourceStart, SourceSetpoints)
}

// FirstSetpoint is where a dynamic parameter starts its sweep: start, then
// the first setpoint.
func (p Properties) FirstSetpoint() (float64, bool) {
	return p.Lookup(SourceStart, SourceSetpoints)
}

// ParsedLimits converts the [min, max] list into Limits.
func (p Properties) ParsedLimits() (*Limits, error) {
	if len(p.Limits) == 0 {
		return nil, nil
	}
	if len(p.Limits) != 2 {
		return nil, fmt.Errorf("limits must be [min, max], got %v", p.Limits)
	}
	if p.Limits[0] > p.Limits[1] {
		return nil, fmt.Errorf("limits min %g exceeds max %g", p.Limits[0], p.Limits[1])
	}
	return &Limits{Min: p.Limits[0], Max: p.Limits[1]}, nil
}

// PriorityOr returns the priority or def when unset.
func (p Properties) PriorityOr(def int) int {
	if p.Priority == nil {
		return def
	}
	return *p.Priority
}

// GroupOr returns the group or def when unset.
func (p Properties) GroupOr(def int) int {
	if p.Group == nil {
		return def
	}
	return *p.Group
}
