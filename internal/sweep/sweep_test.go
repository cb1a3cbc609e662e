package sweep

import (
	"errors"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/banshee-data/sweeplab/internal/param"
)

func handle() *param.Handle {
	return param.NewHandle(param.Key{Terminal: "gate1", Parameter: "voltage"}, param.KindDynamic,
		param.NewMemory(0.0).Binding("dac", "ch01", true), nil)
}

func TestLinear_EndpointsAndLength(t *testing.T) {
	testCases := []struct {
		start, stop float64
		count       int
	}{
		{0, 1, 5},
		{1, -1, 3},
		{0.1, 0.7, 7},
		{-0.3, 0.3, 101},
		{2, 2, 4},
		{0.5, 1.5, 1},
	}
	for _, tc := range testCases {
		d, err := Linear(handle(), tc.start, tc.stop, tc.count, 0)
		if err != nil {
			t.Fatalf("Linear(%v, %v, %d): %v", tc.start, tc.stop, tc.count, err)
		}
		if d.Len() != tc.count {
			t.Errorf("len = %d, want %d", d.Len(), tc.count)
		}
		if d.First() != tc.start {
			t.Errorf("first = %v, want %v", d.First(), tc.start)
		}
		if tc.count > 1 && d.Last() != tc.stop {
			t.Errorf("last = %v, want %v", d.Last(), tc.stop)
		}
	}
}

func TestLinear_Values(t *testing.T) {
	d, err := Linear(handle(), 0, 1, 5, 0.01)
	if err != nil {
		t.Fatal(err)
	}
	want := []float64{0, 0.25, 0.5, 0.75, 1}
	if diff := cmp.Diff(want, d.Setpoints, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("setpoints mismatch (-want +got):\n%s", diff)
	}
}

func TestDescriptor_Errors(t *testing.T) {
	if _, err := Linear(handle(), 0, 1, 0, 0); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("zero count err = %v", err)
	}
	if _, err := Custom(handle(), nil, 0); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("empty custom err = %v", err)
	}
	if _, err := Custom(handle(), []float64{1}, -1); !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("negative delay err = %v", err)
	}
}

func TestFromEntry(t *testing.T) {
	start, stop := 0.0, 1.0
	e := &param.Entry{Handle: handle(), Props: param.Properties{Start: &start, Stop: &stop, NumPoints: 3, Delay: 0.1}}
	d, err := FromEntry(e)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 0.5, 1}, d.Setpoints); diff != "" {
		t.Errorf("linear entry (-want +got):\n%s", diff)
	}
	if d.Delay != 0.1 {
		t.Errorf("delay = %v", d.Delay)
	}

	e.Props.Setpoints = []float64{3, 1, 2}
	d, err = FromEntry(e)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{3, 1, 2}, d.Setpoints); diff != "" {
		t.Errorf("custom entry (-want +got):\n%s", diff)
	}

	_, err = FromEntry(&param.Entry{Handle: handle(), Props: param.Properties{Start: &start}})
	if !errors.Is(err, ErrInvalidDescriptor) {
		t.Errorf("incomplete entry err = %v", err)
	}
}

func TestDescriptor_ReverseAndBacksweep(t *testing.T) {
	d, _ := Custom(handle(), []float64{1, 2, 3}, 0)
	if diff := cmp.Diff([]float64{3, 2, 1}, d.Reversed().Setpoints); diff != "" {
		t.Errorf("reversed (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2, 3, 3, 2, 1}, d.WithBacksweep().Setpoints); diff != "" {
		t.Errorf("backsweep (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]float64{1, 2, 3}, d.Setpoints); diff != "" {
		t.Errorf("original modified (-want +got):\n%s", diff)
	}
}

func TestParseRangeSpec(t *testing.T) {
	testCases := []struct {
		name      string
		input     string
		expected  RangeSpec
		expectErr bool
	}{
		{"valid_range", "1.0:5.0:0.5", RangeSpec{Min: 1.0, Max: 5.0, Step: 0.5}, false},
		{"with_spaces", " 1.0 : 5.0 : 0.5 ", RangeSpec{Min: 1.0, Max: 5.0, Step: 0.5}, false},
		{"downward", "1:-1:-0.5", RangeSpec{Min: 1, Max: -1, Step: -0.5}, false},
		{"missing_parts", "1.0:5.0", RangeSpec{}, true},
		{"invalid_min", "abc:5.0:0.5", RangeSpec{}, true},
		{"invalid_max", "1.0:abc:0.5", RangeSpec{}, true},
		{"invalid_step", "1.0:5.0:abc", RangeSpec{}, true},
		{"zero_step", "1.0:5.0:0", RangeSpec{}, true},
		{"wrong_direction", "1.0:5.0:-0.5", RangeSpec{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			result, err := ParseRangeSpec(tc.input)
			if tc.expectErr {
				if err == nil {
					t.Errorf("Expected error for input %q, got nil", tc.input)
				}
				return
			}
			if err != nil {
				t.Errorf("Unexpected error: %v", err)
				return
			}
			if result != tc.expected {
				t.Errorf("Expected %+v, got %+v", tc.expected, result)
			}
		})
	}
}

func TestParseSetpoints(t *testing.T) {
	got, err := ParseSetpoints("0:1:0.25")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{0, 0.25, 0.5, 0.75, 1}, got, cmpopts.EquateApprox(0, 1e-12)); diff != "" {
		t.Errorf("range (-want +got):\n%s", diff)
	}

	got, err = ParseSetpoints("0.1:0.3:0.1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 || math.Abs(got[2]-0.3) > 1e-12 {
		t.Errorf("inexact step range = %v", got)
	}

	got, err = ParseSetpoints("1, 2.5 ,3")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]float64{1, 2.5, 3}, got); diff != "" {
		t.Errorf("csv (-want +got):\n%s", diff)
	}

	if _, err := ParseSetpoints("1,x"); err == nil {
		t.Error("expected error for bad csv")
	}
	if got, err := ParseSetpoints(""); got != nil || err != nil {
		t.Errorf("empty = %v, %v", got, err)
	}
}

func TestGridIndices(t *testing.T) {
	got, err := GridIndices([]int{2, 3})
	if err != nil {
		t.Fatal(err)
	}
	want := [][]int{{0, 0}, {0, 1}, {0, 2}, {1, 0}, {1, 1}, {1, 2}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("grid (-want +got):\n%s", diff)
	}

	if _, err := GridIndices([]int{1000, 1000}); err == nil {
		t.Error("expected limit error")
	}
	if _, err := GridIndices([]int{2, 0}); err == nil {
		t.Error("expected error for empty dimension")
	}
}
