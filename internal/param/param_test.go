package param

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseKind(t *testing.T) {
	testCases := []struct {
		input   string
		want    Kind
		wantErr bool
	}{
		{"static", KindStatic, false},
		{"Dynamic", KindDynamic, false},
		{"gettable", KindGettable, false},
		{"static gettable", KindStaticGettable, false},
		{"static_gettable", KindStaticGettable, false},
		{"comp", KindCompensating, false},
		{"compensating", KindCompensating, false},
		{"dynamic gettable", KindUnknown, true},
		{"gettable static", KindUnknown, true},
		{"", KindUnknown, true},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := ParseKind(tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrMapping) {
					t.Errorf("ParseKind(%q) err = %v, want ErrMapping", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("ParseKind(%q) = %v, want %v", tc.input, got, tc.want)
			}
		})
	}
}

func TestKind_Predicates(t *testing.T) {
	assert.True(t, KindDynamic.Settable())
	assert.True(t, KindCompensating.Settable())
	assert.False(t, KindGettable.Settable())
	assert.True(t, KindStaticGettable.Recorded())
	assert.False(t, KindStatic.Recorded())
}

func TestProperties_YAMLKind(t *testing.T) {
	var p Properties
	err := yaml.Unmarshal([]byte("type: static gettable\nvalue: 0.5\nlimits: [-1, 1]\n"), &p)
	require.NoError(t, err)
	assert.Equal(t, KindStaticGettable, p.Type)

	lim, err := p.ParsedLimits()
	require.NoError(t, err)
	assert.Equal(t, &Limits{Min: -1, Max: 1}, lim)
}

func f64(v float64) *float64 { return &v }

func TestProperties_LookupPrecedence(t *testing.T) {
	testCases := []struct {
		name  string
		props Properties
		want  float64
		ok    bool
	}{
		{"value wins", Properties{Value: 1.0, Start: f64(2), Setpoints: []float64{3}}, 1, true},
		{"integer value", Properties{Value: 4}, 4, true},
		{"start when no value", Properties{Start: f64(2), Setpoints: []float64{3}}, 2, true},
		{"first setpoint last", Properties{Setpoints: []float64{3, 4}}, 3, true},
		{"non numeric value skipped", Properties{Value: "on", Start: f64(2)}, 2, true},
		{"nothing", Properties{}, 0, false},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.props.RestValue()
			if ok != tc.ok || got != tc.want {
				t.Errorf("RestValue() = %v, %v; want %v, %v", got, ok, tc.want, tc.ok)
			}
		})
	}

	p := Properties{Value: 1.0, Start: f64(2)}
	if got, _ := p.FirstSetpoint(); got != 2 {
		t.Errorf("FirstSetpoint() = %v, want start", got)
	}
}

func TestHandle_SetGetCache(t *testing.T) {
	ctx := context.Background()
	mem := NewMemory(0.0)
	h := NewHandle(Key{"gate1", "voltage"}, KindDynamic, mem.Binding("dac", "ch01", true), &Limits{Min: -1, Max: 1})

	require.NoError(t, h.Set(ctx, 0.5))
	v, ok := h.CachedFloat()
	assert.True(t, ok)
	assert.Equal(t, 0.5, v)
	assert.Equal(t, 0.5, mem.Load())

	err := h.Set(ctx, 2.0)
	assert.ErrorIs(t, err, ErrOutOfLimits)
	assert.Equal(t, 0.5, mem.Load(), "refused write must not reach the instrument")

	mem.Store(0.25)
	got, err := h.GetFloat(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0.25, got)
	assert.Equal(t, "gate1.voltage", h.Name())
	assert.Equal(t, "dac", h.Instrument())
}

func TestHandle_Unsettable(t *testing.T) {
	h := NewHandle(Key{"dmm", "current"}, KindGettable, NewMemory(1.0).Binding("dmm", "current", false), nil)
	err := h.Set(context.Background(), 1.0)
	assert.ErrorIs(t, err, ErrUnsettable)
	assert.False(t, h.Settable())
}

func TestHandle_AcquireSingleWriter(t *testing.T) {
	h := NewHandle(Key{"gate1", "voltage"}, KindDynamic, NewMemory(0.0).Binding("dac", "ch01", true), nil)

	release, err := h.Acquire("ramp-1")
	require.NoError(t, err)

	_, err = h.Acquire("ramp-2")
	assert.ErrorIs(t, err, ErrBusy)
	assert.Equal(t, "ramp-1", h.Owner())

	release()
	release2, err := h.Acquire("ramp-2")
	require.NoError(t, err)
	release2()
}

func TestHandle_Label(t *testing.T) {
	h := NewHandle(Key{"gate1", "voltage"}, KindDynamic, NewMemory(0.0).Binding("dac", "ch01", true), nil)
	prev := h.SetLabel("gate1 voltage")
	assert.Equal(t, "ch01", prev)
	assert.Equal(t, "gate1 voltage", h.Label())
}

func newEntry(t *testing.T, tbl *Table, term string, kind Kind, props Properties) *Handle {
	t.Helper()
	h := NewHandle(Key{term, "voltage"}, kind, NewMemory(0.0).Binding("dac", term, true), nil)
	props.Type = kind
	require.NoError(t, tbl.Add(h, props))
	return h
}

func intp(v int) *int { return &v }

func TestTable_DynamicOrdering(t *testing.T) {
	tbl := NewTable()
	newEntry(t, tbl, "c", KindDynamic, Properties{})
	newEntry(t, tbl, "b", KindDynamic, Properties{Priority: intp(2)})
	newEntry(t, tbl, "a", KindDynamic, Properties{Priority: intp(1)})
	newEntry(t, tbl, "g", KindGettable, Properties{})

	dyn, err := tbl.Dynamic()
	require.NoError(t, err)
	var names []string
	for _, e := range dyn {
		names = append(names, e.Handle.Key().Terminal)
	}
	assert.Equal(t, []string{"a", "b", "c"}, names)
	assert.Len(t, tbl.OfKind(KindGettable), 1)
}

func TestTable_Errors(t *testing.T) {
	tbl := NewTable()
	newEntry(t, tbl, "a", KindDynamic, Properties{Priority: intp(1)})
	newEntry(t, tbl, "b", KindDynamic, Properties{Priority: intp(1)})

	_, err := tbl.Dynamic()
	assert.ErrorIs(t, err, ErrMapping)

	h := NewHandle(Key{"a", "voltage"}, KindDynamic, NewMemory(0.0).Binding("dac", "a", true), nil)
	assert.ErrorIs(t, tbl.Add(h, Properties{}), ErrMapping)

	_, err = tbl.Lookup(Key{"missing", "voltage"})
	assert.ErrorIs(t, err, ErrMapping)

	h2 := NewHandle(Key{"z", "voltage"}, KindGettable, NewMemory(0.0).Binding("dmm", "z", false), nil)
	assert.ErrorIs(t, tbl.Add(h2, Properties{Type: KindDynamic}), ErrMapping)
}
