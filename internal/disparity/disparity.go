// Package disparity estimates the disparity range explored by dense matching.
package disparity

import (
	"fmt"
	"math"
	"sort"

	"stereodsm/internal/errs"
	"stereodsm/internal/matching"

	"gonum.org/v1/gonum/stat"
)

// Range is a disparity interval in pixels.
type Range struct {
	Min float64 `json:"minimum_disparity"`
	Max float64 `json:"maximum_disparity"`
}

func (r Range) String() string { return fmt.Sprintf("[%.3f, %.3f]", r.Min, r.Max) }

// Width is Max - Min.
func (r Range) Width() float64 { return r.Max - r.Min }

// ComputeRange trims percent/2 of the disparities at each end and returns
// the bounds of what remains.
func ComputeRange(ms matching.Matches, percent float64) (Range, error) {
	if percent < 0 {
		return Range{}, errs.Invalid("outlier rejection percent must not be negative, got %g", percent)
	}
	if len(ms) < 2 {
		return Range{}, fmt.Errorf("%w: %d matches to estimate a disparity range", errs.ErrInsufficientMatches, len(ms))
	}
	if percent >= 100 {
		return Range{}, fmt.Errorf("%w: rejecting %g%% of matches leaves none", errs.ErrInsufficientMatches, percent)
	}
	d := ms.Disparities()
	sort.Float64s(d)
	q := percent / 200
	return Range{
		Min: stat.Quantile(q, stat.Empirical, d, nil),
		Max: stat.Quantile(1-q, stat.Empirical, d, nil),
	}, nil
}

// WithMargin widens r by fraction of its width on both sides.
func WithMargin(r Range, fraction float64) Range {
	m := math.Abs(r.Max-r.Min) * fraction
	return Range{Min: r.Min - m, Max: r.Max + m}
}

// FromElevationBounds converts elevation deltas in metres to disparities
// through the disparity-to-altitude ratio (metres per pixel).
func FromElevationBounds(lower, upper, ratio float64) (Range, error) {
	if ratio <= 0 {
		return Range{}, errs.Invalid("disparity to altitude ratio must be positive, got %g", ratio)
	}
	if upper < lower {
		return Range{}, errs.Invalid("elevation bounds reversed: [%g, %g]", lower, upper)
	}
	return Range{Min: lower / ratio, Max: upper / ratio}, nil
}
