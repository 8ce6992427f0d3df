// Package integrate computes per-event baseline and signal features
// over a raw sample buffer (spec.md §4.I): a scalar baseline derived
// from a configured range, a baseline-subtracted sum over a signal
// range, and peak/width statistics.
package integrate

import (
	"errors"
	"fmt"
	"math"
)

// ErrInvalidArgument is returned when a Range falls outside the
// sample buffer.
var ErrInvalidArgument = errors.New("integrate: invalid argument")

// Range is a half-open interval [Lo, Hi) of sample indices.
type Range struct {
	Lo, Hi int
}

func (r Range) len() int { return r.Hi - r.Lo }

func (r Range) validate(n int) error {
	if r.Lo < 0 || r.Hi < r.Lo || r.Hi > n {
		return fmt.Errorf("range [%d,%d) over %d samples: %w", r.Lo, r.Hi, n, ErrInvalidArgument)
	}
	return nil
}

// Ranges names the baseline and signal windows used to derive
// per-event features. A zero-value Signal range means "everything
// after the baseline range" (resolved by SignalRange).
type Ranges struct {
	Baseline Range
	Signal   Range
}

// SignalRange returns r.Signal, or [r.Baseline.Hi, len(raw)) when
// r.Signal is the zero value.
func (r Ranges) SignalRange(raw []int16) Range {
	if r.Signal == (Range{}) {
		return Range{Lo: r.Baseline.Hi, Hi: len(raw)}
	}
	return r.Signal
}

// Baseline returns the mean of raw over r (policy default; a
// max-based variant is a drop-in substitute for noisier channels).
func Baseline(raw []int16, r Range) (float64, error) {
	if err := r.validate(len(raw)); err != nil {
		return 0, err
	}
	if r.len() == 0 {
		return 0, nil
	}
	var sum float64
	for _, s := range raw[r.Lo:r.Hi] {
		sum += float64(s)
	}
	return sum / float64(r.len()), nil
}

// BaselineStd returns the population standard deviation of raw over r
// around the given baseline.
func BaselineStd(raw []int16, baseline float64, r Range) (float64, error) {
	if err := r.validate(len(raw)); err != nil {
		return 0, err
	}
	if r.len() == 0 {
		return 0, nil
	}
	var sumSq float64
	for _, s := range raw[r.Lo:r.Hi] {
		d := float64(s) - baseline
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(r.len())), nil
}

// Sum returns Σ raw[r] − baseline·len(r).
func Sum(raw []int16, baseline float64, r Range) (float64, error) {
	if err := r.validate(len(raw)); err != nil {
		return 0, err
	}
	var sum float64
	for _, s := range raw[r.Lo:r.Hi] {
		sum += float64(s)
	}
	return sum - baseline*float64(r.len()), nil
}

// PeakAndWidth returns the index and value of the sample farthest from
// baseline within r (by absolute deviation), plus width: the run of
// consecutive samples bracketing that peak whose deviation from
// baseline has the same sign as the peak's.
func PeakAndWidth(raw []int16, baseline float64, r Range) (peakIdx int, peakVal float64, width int, err error) {
	if err = r.validate(len(raw)); err != nil {
		return 0, 0, 0, err
	}
	if r.len() == 0 {
		return 0, 0, 0, fmt.Errorf("empty range: %w", ErrInvalidArgument)
	}

	peakIdx = r.Lo
	peakDev := math.Abs(float64(raw[r.Lo]) - baseline)
	for i := r.Lo + 1; i < r.Hi; i++ {
		dev := math.Abs(float64(raw[i]) - baseline)
		if dev > peakDev {
			peakDev = dev
			peakIdx = i
		}
	}
	peakVal = float64(raw[peakIdx])
	peakSign := peakVal - baseline

	width = 1
	for i := peakIdx - 1; i >= r.Lo && sameSign(float64(raw[i])-baseline, peakSign); i-- {
		width++
	}
	for i := peakIdx + 1; i < r.Hi && sameSign(float64(raw[i])-baseline, peakSign); i++ {
		width++
	}
	return peakIdx, peakVal, width, nil
}

func sameSign(a, b float64) bool {
	if b > 0 {
		return a > 0
	}
	if b < 0 {
		return a < 0
	}
	return a == 0
}
