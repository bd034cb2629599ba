// Package matching holds sparse tie points between the two epipolar images:
// the match record, the filters applied to match sets and the sparse matcher.
package matching

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Match is one tie point in epipolar pixel coordinates.
type Match struct {
	LeftX  float64 `json:"left_x"`
	LeftY  float64 `json:"left_y"`
	RightX float64 `json:"right_x"`
	RightY float64 `json:"right_y"`
}

// Disparity is the horizontal offset right_x - left_x.
func (m Match) Disparity() float64 { return m.RightX - m.LeftX }

// EpipolarError is left_y - right_y, zero under perfect rectification.
func (m Match) EpipolarError() float64 { return m.LeftY - m.RightY }

// Matches is an ordered match set. Filters never reorder or mutate it.
type Matches []Match

// Concat joins per-task match sets in the given order.
func Concat(parts ...Matches) Matches {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make(Matches, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// Filter returns the matches for which keep is true.
func (ms Matches) Filter(keep func(Match) bool) Matches {
	out := make(Matches, 0, len(ms))
	for _, m := range ms {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// Translate shifts every coordinate, used to move tile-local matches into
// full epipolar coordinates.
func (ms Matches) Translate(lx, ly, rx, ry float64) Matches {
	out := make(Matches, len(ms))
	for i, m := range ms {
		out[i] = Match{m.LeftX + lx, m.LeftY + ly, m.RightX + rx, m.RightY + ry}
	}
	return out
}

// Disparities lists right_x - left_x per match.
func (ms Matches) Disparities() []float64 {
	out := make([]float64, len(ms))
	for i, m := range ms {
		out[i] = m.Disparity()
	}
	return out
}

// RowShifts lists right_y - left_y per match.
func (ms Matches) RowShifts() []float64 {
	out := make([]float64, len(ms))
	for i, m := range ms {
		out[i] = m.RightY - m.LeftY
	}
	return out
}

// FilterEpipolarError keeps matches whose row shift lies within
// upperBound of the reference shift. The reference is zero when maxBias is
// zero and the median row shift otherwise; it is returned for logging.
func FilterEpipolarError(ms Matches, upperBound, maxBias float64) (Matches, float64) {
	shift := 0.0
	if maxBias != 0 && len(ms) > 0 {
		shift = median(ms.RowShifts())
	}
	out := ms.Filter(func(m Match) bool {
		d := (m.RightY - m.LeftY) - shift
		return d >= -upperBound && d <= upperBound
	})
	return out, shift
}

// FilterDisparity keeps matches with lower <= disparity <= upper.
func FilterDisparity(ms Matches, lower, upper float64) Matches {
	return ms.Filter(func(m Match) bool {
		d := m.Disparity()
		return d >= lower && d <= upper
	})
}

// FilterResidual keeps matches whose residual, taken from the same row of
// residuals, is strictly below bound in absolute value.
func FilterResidual(ms Matches, residuals []float64, bound float64) (Matches, error) {
	if len(residuals) != len(ms) {
		return nil, fmt.Errorf("residual filter: %d residuals for %d matches", len(residuals), len(ms))
	}
	out := make(Matches, 0, len(ms))
	for i, m := range ms {
		if math.Abs(residuals[i]) < bound {
			out = append(out, m)
		}
	}
	return out, nil
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// WriteNPY stores ms as an n x 4 float64 array.
func WriteNPY(path string, ms Matches) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var val any = []float64{}
	if len(ms) > 0 {
		m := mat.NewDense(len(ms), 4, nil)
		for i, r := range ms {
			m.SetRow(i, []float64{r.LeftX, r.LeftY, r.RightX, r.RightY})
		}
		val = m
	}
	if err := npyio.Write(f, val); err != nil {
		f.Close()
		return fmt.Errorf("write matches %s: %w", path, err)
	}
	return f.Close()
}

// ReadNPY loads a match array written by WriteNPY.
func ReadNPY(path string) (Matches, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var flat []float64
	if err := npyio.Read(f, &flat); err != nil {
		return nil, fmt.Errorf("read matches %s: %w", path, err)
	}
	if len(flat)%4 != 0 {
		return nil, fmt.Errorf("read matches %s: %d values is not a multiple of 4", path, len(flat))
	}
	out := make(Matches, len(flat)/4)
	for i := range out {
		out[i] = Match{flat[4*i], flat[4*i+1], flat[4*i+2], flat[4*i+3]}
	}
	return out, nil
}
