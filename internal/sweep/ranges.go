package sweep

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// maxValues bounds generated ranges and grids.
const maxValues = 100000

// RangeSpec defines a floating-point parameter range for sweeping.
type RangeSpec struct {
	Min  float64
	Max  float64
	Step float64
}

// ParseRangeSpec parses a "min:max:step" string into a RangeSpec.
// A negative step is allowed when min > max, for downward sweeps.
func ParseRangeSpec(s string) (RangeSpec, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return RangeSpec{}, fmt.Errorf("invalid range format %q: expected min:max:step", s)
	}

	min, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid min value %q: %w", parts[0], err)
	}

	max, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid max value %q: %w", parts[1], err)
	}

	step, err := strconv.ParseFloat(strings.TrimSpace(parts[2]), 64)
	if err != nil {
		return RangeSpec{}, fmt.Errorf("invalid step value %q: %w", parts[2], err)
	}

	if step == 0 {
		return RangeSpec{}, fmt.Errorf("step must be non-zero")
	}
	if (max-min)*step < 0 {
		return RangeSpec{}, fmt.Errorf("step %g does not move from %g towards %g", step, min, max)
	}

	return RangeSpec{Min: min, Max: max, Step: step}, nil
}

// Count returns the number of points the range produces.
func (r RangeSpec) Count() int {
	n := math.Floor((r.Max-r.Min)/r.Step+1e-9) + 1
	if n < 1 || math.IsNaN(n) || math.IsInf(n, 0) {
		return 0
	}
	return int(n)
}

// GenerateRange returns the values of r, computed as min + i*step to avoid
// accumulating error. Returns nil if the range would exceed the value limit.
func GenerateRange(r RangeSpec) []float64 {
	n := r.Count()
	if n == 0 || n > maxValues {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = r.Min + float64(i)*r.Step
	}
	return out
}

// ParseSetpoints parses either a "min:max:step" range or a comma-separated
// list of floats.
func ParseSetpoints(s string) ([]float64, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	if strings.Contains(s, ":") {
		spec, err := ParseRangeSpec(s)
		if err != nil {
			return nil, err
		}
		vals := GenerateRange(spec)
		if vals == nil {
			return nil, fmt.Errorf("range %q exceeds %d values", s, maxValues)
		}
		return vals, nil
	}
	return ParseCSVFloat64s(s)
}

// ParseCSVFloat64s parses a comma-separated list of float64 values.
// Returns nil, nil for empty input strings.
func ParseCSVFloat64s(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// GridIndices returns the cartesian product of index ranges with the given
// lengths. The last dimension varies fastest. An error is returned when the
// product would exceed the value limit.
func GridIndices(lengths []int) ([][]int, error) {
	if len(lengths) == 0 {
		return nil, nil
	}
	total := int64(1)
	for _, n := range lengths {
		if n <= 0 {
			return nil, fmt.Errorf("dimension length must be positive, got %d", n)
		}
		total *= int64(n)
		if total > maxValues {
			return nil, fmt.Errorf("grid would exceed safe limit of %d points", maxValues)
		}
	}

	result := make([][]int, total)
	for i := range result {
		result[i] = make([]int, len(lengths))
	}

	repeat := int64(1)
	for dim := len(lengths) - 1; dim >= 0; dim-- {
		cycle := int64(lengths[dim])
		for i := int64(0); i < total; i++ {
			result[i][dim] = int((i / repeat) % cycle)
		}
		repeat *= cycle
	}
	return result, nil
}
