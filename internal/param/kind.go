package param

import (
	"fmt"
	"strings"
)

// Kind is the role a parameter plays in a measurement.
type Kind int

const (
	KindUnknown Kind = iota
	// KindStatic is set once to a fixed value and left there.
	KindStatic
	// KindDynamic is swept through setpoints.
	KindDynamic
	// KindGettable is read at every point.
	KindGettable
	// KindStaticGettable is read once and logged as a constant column.
	KindStaticGettable
	// KindCompensating follows one or more dynamic parameters through leverarms.
	KindCompensating
)

var kindNames = map[Kind]string{
	KindStatic:         "static",
	KindDynamic:        "dynamic",
	KindGettable:       "gettable",
	KindStaticGettable: "static gettable",
	KindCompensating:   "comp",
}

// ParseKind converts a config-file kind into a Kind. Matching is exact after
// case folding and whitespace normalisation; "compensating" is accepted as an
// alias for "comp" and "static_gettable" for "static gettable".
func ParseKind(s string) (Kind, error) {
	norm := strings.Join(strings.Fields(strings.ToLower(strings.ReplaceAll(s, "_", " "))), " ")
	switch norm {
	case "static":
		return KindStatic, nil
	case "dynamic":
		return KindDynamic, nil
	case "gettable":
		return KindGettable, nil
	case "static gettable":
		return KindStaticGettable, nil
	case "comp", "compensating":
		return KindCompensating, nil
	}
	return KindUnknown, fmt.Errorf("%w: unknown parameter type %q", ErrMapping, s)
}

func (k Kind) String() string {
	if n, ok := kindNames[k]; ok {
		return n
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// Settable reports whether parameters of this kind are written by the engine.
func (k Kind) Settable() bool {
	return k == KindStatic || k == KindDynamic || k == KindCompensating
}

// Recorded reports whether parameters of this kind produce data columns.
func (k Kind) Recorded() bool {
	return k == KindGettable || k == KindStaticGettable
}

// MarshalText implements encoding.TextMarshaler.
func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("cannot marshal %s", k)
	}
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}
