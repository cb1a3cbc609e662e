package buffer

import (
	"fmt"
	"math"
)

// Resolved is the fully determined acquisition plan for one buffer.
type Resolved struct {
	NumPoints     int
	SamplingRate  float64
	BurstDuration float64
	NumBursts     int
	// DelayPoints leading samples are acquired and then discarded.
	DelayPoints int
	// RawPoints is what the hardware must hold: NumPoints + DelayPoints.
	RawPoints int
}

// TotalDuration is the acquisition time across all bursts.
func (r Resolved) TotalDuration() float64 {
	return r.BurstDuration * float64(r.NumBursts)
}

// ceilTol rounds up, ignoring float noise below 1e-9 of a sample.
func ceilTol(x float64) int {
	return int(math.Ceil(x - 1e-9))
}

func floorTol(x float64) int {
	return int(math.Floor(x + 1e-9))
}

// Resolve derives point count, burst duration, burst count and delay points
// from cfg and checks them against caps.
//
// Accepted combinations are {sampling_rate, duration}, {sampling_rate,
// num_points}, {duration, num_points} and {sampling_rate, burst_duration}.
// Anything over- or under-specified is an ErrConfiguration.
func Resolve(cfg Config, caps Capabilities) (Resolved, error) {
	if err := cfg.Validate(); err != nil {
		return Resolved{}, err
	}

	hasSR := cfg.SamplingRate != nil
	hasDur := cfg.Duration != nil
	hasNP := cfg.NumPoints != nil
	hasBD := cfg.BurstDuration != nil

	switch {
	case hasSR && hasDur && hasNP:
		return Resolved{}, fmt.Errorf("%w: sampling_rate, duration and num_points are mutually over-specified", ErrConfiguration)
	case hasSR && hasBD && hasNP:
		return Resolved{}, fmt.Errorf("%w: sampling_rate, burst_duration and num_points are mutually over-specified", ErrConfiguration)
	case hasSR && hasDur, hasSR && hasNP, hasDur && hasNP, hasSR && hasBD:
	default:
		return Resolved{}, fmt.Errorf("%w: need two of sampling_rate, duration, num_points (or sampling_rate with burst_duration)", ErrConfiguration)
	}

	r := Resolved{NumBursts: 1}
	if cfg.NumBursts != nil {
		r.NumBursts = *cfg.NumBursts
	}
	if hasBD {
		r.BurstDuration = *cfg.BurstDuration
	}

	if hasDur {
		dur := *cfg.Duration
		switch {
		case hasBD:
			r.NumBursts = ceilTol(dur / r.BurstDuration)
		case cfg.NumBursts != nil:
			r.BurstDuration = dur / float64(r.NumBursts)
		default:
			r.BurstDuration = dur
		}
	}

	if hasNP {
		r.NumPoints = *cfg.NumPoints
		if hasSR {
			r.SamplingRate = *cfg.SamplingRate
			r.BurstDuration = float64(r.NumPoints) / r.SamplingRate
		} else {
			r.SamplingRate = float64(r.NumPoints) / r.BurstDuration
		}
	} else {
		r.SamplingRate = *cfg.SamplingRate
		r.NumPoints = ceilTol(r.SamplingRate * r.BurstDuration)
	}

	if r.NumPoints < 1 {
		return Resolved{}, fmt.Errorf("%w: settings resolve to %d points", ErrConfiguration, r.NumPoints)
	}
	if caps.MaxSamplingRate() > 0 && r.SamplingRate > caps.MaxSamplingRate() {
		return Resolved{}, fmt.Errorf("%w: sampling rate %g exceeds instrument maximum %g",
			ErrConfiguration, r.SamplingRate, caps.MaxSamplingRate())
	}

	if cfg.Delay != nil {
		r.DelayPoints = floorTol(*cfg.Delay * r.SamplingRate)
	}
	r.RawPoints = r.NumPoints + r.DelayPoints
	if caps.MaxDepth() > 0 && r.RawPoints > caps.MaxDepth() {
		return Resolved{}, fmt.Errorf("%w: %d points (including %d delay points) exceed buffer depth %d",
			ErrConfiguration, r.RawPoints, r.DelayPoints, caps.MaxDepth())
	}
	return r, nil
}
