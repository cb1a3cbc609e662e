package buffer

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

// TriggerSetting is either a single trigger for the whole instrument or a
// per-terminal assignment.
type TriggerSetting struct {
	Trigger   string
	Terminals map[string]string
}

// Resolve returns the single trigger name the instrument should use.
// Per-terminal assignments must agree because an instrument has one trigger.
func (s TriggerSetting) Resolve() (string, error) {
	if s.Trigger != "" || len(s.Terminals) == 0 {
		return s.Trigger, nil
	}
	var name string
	for term, t := range s.Terminals {
		if name == "" {
			name = t
			continue
		}
		if t != name {
			return "", fmt.Errorf("%w: terminal %s uses %q, others use %q", ErrTrigger, term, t, name)
		}
	}
	return name, nil
}

func (s TriggerSetting) MarshalJSON() ([]byte, error) {
	if len(s.Terminals) > 0 {
		return json.Marshal(s.Terminals)
	}
	return json.Marshal(s.Trigger)
}

func (s *TriggerSetting) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '{' {
		s.Trigger = ""
		return json.Unmarshal(b, &s.Terminals)
	}
	s.Terminals = nil
	return json.Unmarshal(b, &s.Trigger)
}

// TriggerMap maps instrument names to trigger settings.
type TriggerMap map[string]TriggerSetting

// SaveTriggerMap writes m as indented JSON.
func SaveTriggerMap(path string, m TriggerMap) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("encode trigger map: %w", err)
	}
	if err := os.WriteFile(filepath.Clean(path), append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write trigger map: %w", err)
	}
	return nil
}

// LoadTriggerMap reads a map written by SaveTriggerMap.
func LoadTriggerMap(path string) (TriggerMap, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("read trigger map: %w", err)
	}
	m := TriggerMap{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: parse trigger map %s: %v", ErrTrigger, path, err)
	}
	return m, nil
}

// ApplyTriggerMap sets each buffer's trigger from m. A buffer missing from
// the map, or a trigger the buffer does not offer, is an ErrTrigger.
func ApplyTriggerMap(bufs []Buffer, m TriggerMap) error {
	for _, b := range bufs {
		s, ok := m[b.Name()]
		if !ok {
			return fmt.Errorf("%w: no trigger mapped for %s", ErrTrigger, b.Name())
		}
		name, err := s.Resolve()
		if err != nil {
			return fmt.Errorf("%s: %w", b.Name(), err)
		}
		if err := b.SetTrigger(name); err != nil {
			return err
		}
	}
	return nil
}

// ApplyTriggerInMap is ApplyTriggerMap for trigger inputs. Instruments not
// in the map keep their current trigger.
func ApplyTriggerInMap(ins []TriggerIn, m TriggerMap) error {
	for _, in := range ins {
		s, ok := m[in.Name()]
		if !ok {
			continue
		}
		name, err := s.Resolve()
		if err != nil {
			return fmt.Errorf("%s: %w", in.Name(), err)
		}
		if err := in.SetTriggerIn(name); err != nil {
			return err
		}
	}
	return nil
}

// Chooser picks a trigger for an instrument from its available triggers.
type Chooser func(instrument string, available []string) (string, error)

// FirstAvailable chooses the first trigger an instrument offers.
func FirstAvailable(instrument string, available []string) (string, error) {
	if len(available) == 0 {
		return "", fmt.Errorf("%w: %s offers no triggers", ErrTrigger, instrument)
	}
	return available[0], nil
}

// MapTriggers asks choose for a trigger for each buffer and applies it.
// With skipMapped, buffers that already have a trigger are left alone.
func MapTriggers(bufs []Buffer, choose Chooser, skipMapped bool) error {
	for _, b := range bufs {
		if skipMapped && b.Trigger() != "" {
			continue
		}
		name, err := choose(b.Name(), b.Capabilities().AvailableTriggers())
		if err != nil {
			return err
		}
		if err := b.SetTrigger(name); err != nil {
			return err
		}
	}
	return nil
}

// MapTriggerIns is MapTriggers for trigger inputs.
func MapTriggerIns(ins []TriggerIn, choose Chooser, skipMapped bool) error {
	for _, in := range ins {
		if skipMapped && in.TriggerIn() != "" {
			continue
		}
		name, err := choose(in.Name(), in.Capabilities().AvailableTriggers())
		if err != nil {
			return err
		}
		if err := in.SetTriggerIn(name); err != nil {
			return err
		}
	}
	return nil
}

// Snapshot records the current trigger of each buffer.
func Snapshot(bufs []Buffer) TriggerMap {
	m := make(TriggerMap, len(bufs))
	for _, b := range bufs {
		m[b.Name()] = TriggerSetting{Trigger: b.Trigger()}
	}
	return m
}

// CheckTrigger validates name against caps; adapters call it from SetTrigger.
func CheckTrigger(instrument string, caps Capabilities, name string) error {
	if !caps.HasTrigger(name) {
		avail := caps.AvailableTriggers()
		sort.Strings(avail)
		return fmt.Errorf("%w: %s does not support trigger %q (available: %v)", ErrTrigger, instrument, name, avail)
	}
	return nil
}
