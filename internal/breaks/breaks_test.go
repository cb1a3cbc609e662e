package breaks

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	testCases := []struct {
		input   string
		want    Rule
		wantErr bool
	}{
		{"val < 1.5", Rule{Source: "s", Comparator: Less, Threshold: 1.5}, false},
		{"val > -2e-3", Rule{Source: "s", Comparator: Greater, Threshold: -0.002}, false},
		{"val == 0", Rule{Source: "s", Comparator: Equal, Threshold: 0}, false},
		{"grad 3 > 0.1", Rule{Source: "s", Window: 3, Comparator: Greater, Threshold: 0.1}, false},
		{"val <= 1", Rule{}, true},
		{"val < x", Rule{}, true},
		{"grad 0 > 1", Rule{}, true},
		{"grad x > 1", Rule{}, true},
		{"value < 1", Rule{}, true},
		{"val <", Rule{}, true},
	}
	for _, tc := range testCases {
		t.Run(tc.input, func(t *testing.T) {
			got, err := Parse("s", tc.input)
			if tc.wantErr {
				if !errors.Is(err, ErrRule) {
					t.Errorf("Parse(%q) err = %v, want ErrRule", tc.input, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Errorf("Parse(%q) = %+v, want %+v", tc.input, got, tc.want)
			}
		})
	}
}

func TestValueRule(t *testing.T) {
	r := Rule{Comparator: Greater, Threshold: 1}
	if r.Triggered(nil) {
		t.Error("empty history must not trigger")
	}
	if r.Triggered([]float64{5, 0.5}) {
		t.Error("only the latest sample counts")
	}
	if !r.Triggered([]float64{0.5, 1.5}) {
		t.Error("latest sample above threshold should trigger")
	}
}

// The gradient rule looks back exactly Window samples and is only
// triggerable once the history holds more than Window samples.
func TestGradientRule_WindowBoundary(t *testing.T) {
	r := Rule{Window: 3, Comparator: Greater, Threshold: 0.5}

	// len == window: not enough history even though the change is large.
	if r.Triggered([]float64{1, 1, 10}) {
		t.Error("len(history) == window must not trigger")
	}
	// len == window+1: compares h[3] against h[0].
	// (10 - 1) / 10 = 0.9 > 0.5
	if !r.Triggered([]float64{1, 9, 9, 10}) {
		t.Error("len(history) == window+1 should trigger")
	}
	// (10 - 9) / 10 = 0.1, h[0] is outside the window now.
	if r.Triggered([]float64{1, 9, 9, 9, 10}) {
		t.Error("sample outside the window must be ignored")
	}
}

func TestGradientRule_ZeroLatest(t *testing.T) {
	r := Rule{Window: 1, Comparator: Less, Threshold: 100}
	if r.Triggered([]float64{1, 0}) {
		t.Error("zero latest sample must never trigger")
	}
}

func TestGradientRule_Negative(t *testing.T) {
	r := Rule{Window: 1, Comparator: Less, Threshold: -0.5}
	// (1 - 4) / 1 = -3
	if !r.Triggered([]float64{4, 1}) {
		t.Error("falling signal should trigger")
	}
}

func TestEvaluator_OR(t *testing.T) {
	h := NewHistory()
	e, err := Compile(map[string][]string{
		"dmm.current": {"val > 1e-9"},
		"dmm.voltage": {"val < -1", "grad 1 > 0.5"},
	}, h)
	if err != nil {
		t.Fatal(err)
	}
	if len(e.Rules()) != 3 {
		t.Fatalf("compiled %d rules, want 3", len(e.Rules()))
	}
	if _, hit := e.Check(); hit {
		t.Error("empty history triggered")
	}

	h.Record("dmm.current", 1e-10)
	h.Record("dmm.voltage", 1)
	if _, hit := e.Check(); hit {
		t.Error("no rule should trigger yet")
	}

	h.Record("dmm.voltage", 4)
	r, hit := e.Check()
	if !hit || r.Window != 1 {
		t.Errorf("gradient rule should trigger, got %v %v", r, hit)
	}

	h.Reset()
	if _, hit := e.Check(); hit {
		t.Error("reset history triggered")
	}
}

func TestCompile_Error(t *testing.T) {
	_, err := Compile(map[string][]string{"x": {"bogus"}}, NewHistory())
	if !errors.Is(err, ErrRule) {
		t.Errorf("Compile err = %v, want ErrRule", err)
	}
	var e *Evaluator
	if !e.Empty() {
		t.Error("nil evaluator should be empty")
	}
}
