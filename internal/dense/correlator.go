// Package dense runs the dense correlation of epipolar tiles and turns
// the resulting disparities into point cloud tiles.
package dense

import (
	"context"
	"math"

	"stereodsm/internal/disparity"
	"stereodsm/internal/raster"
	"stereodsm/internal/tiling"
)

// Map is a disparity map laid over a left epipolar tile. Disp is NaN where
// no disparity was found.
type Map struct {
	Width, Height int
	X0, Y0        int
	Disp          []float64
	Score         []float64
}

func newMap(w, h, x0, y0 int) *Map {
	m := &Map{Width: w, Height: h, X0: x0, Y0: y0, Disp: make([]float64, w*h), Score: make([]float64, w*h)}
	for i := range m.Disp {
		m.Disp[i] = math.NaN()
		m.Score[i] = math.NaN()
	}
	return m
}

// At returns the disparity at global epipolar position (x, y).
func (m *Map) At(x, y int) (float64, bool) {
	lx, ly := x-m.X0, y-m.Y0
	if lx < 0 || ly < 0 || lx >= m.Width || ly >= m.Height {
		return math.NaN(), false
	}
	d := m.Disp[ly*m.Width+lx]
	return d, !math.IsNaN(d)
}

// ValidCount returns how many pixels carry a disparity.
func (m *Map) ValidCount() int {
	n := 0
	for _, d := range m.Disp {
		if !math.IsNaN(d) {
			n++
		}
	}
	return n
}

// Correlator is the dense matching collaborator.
type Correlator interface {
	// RequiredMargins returns the margins to add around a region of the
	// left and right images so that every pixel of the region can be
	// correlated over the whole disparity range.
	RequiredMargins(r disparity.Range) (left, right tiling.Margin)
	ComputeDisparity(ctx context.Context, left, right *raster.Image, r disparity.Range) (*Map, error)
}

// BlockMatcher is a winner-takes-all normalized cross-correlation matcher
// with parabolic sub-pixel refinement.
type BlockMatcher struct {
	WindowRadius   int
	MinCorrelation float64
}

func (b *BlockMatcher) RequiredMargins(r disparity.Range) (tiling.Margin, tiling.Margin) {
	w := b.WindowRadius
	left := tiling.Margin{Left: w, Up: w, Right: w, Down: w}
	right := tiling.Margin{
		Left:  max(0, w-int(math.Floor(r.Min))),
		Up:    w,
		Right: max(0, w+int(math.Ceil(r.Max))),
		Down:  w,
	}
	return left, right
}

func (b *BlockMatcher) ComputeDisparity(ctx context.Context, left, right *raster.Image, r disparity.Range) (*Map, error) {
	w := b.WindowRadius
	side := 2*w + 1
	lw := make([]float64, side*side)
	rw := make([]float64, side*side)
	dmin := int(math.Ceil(r.Min))
	dmax := int(math.Floor(r.Max))
	out := newMap(left.Width, left.Height, left.X0, left.Y0)
	scores := make([]float64, max(dmax-dmin+1, 0))

	for y := 0; y < left.Height; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		ry := left.Y0 + y - right.Y0
		for x := 0; x < left.Width; x++ {
			if !window(left, x, y, w, lw) || !normalize(lw) {
				continue
			}
			best, bi := math.Inf(-1), -1
			for i := range scores {
				rx := left.X0 + x + dmin + i - right.X0
				scores[i] = math.NaN()
				if window(right, rx, ry, w, rw) && normalize(rw) {
					scores[i] = dot(lw, rw)
					if scores[i] > best {
						best, bi = scores[i], i
					}
				}
			}
			if bi < 0 || best < b.MinCorrelation {
				continue
			}
			d := float64(dmin + bi)
			if bi > 0 && bi < len(scores)-1 {
				d += subpixel(scores[bi-1], best, scores[bi+1])
			}
			out.Disp[y*out.Width+x] = d
			out.Score[y*out.Width+x] = best
		}
	}
	return out, nil
}

func window(im *raster.Image, x, y, r int, dst []float64) bool {
	k := 0
	for j := y - r; j <= y+r; j++ {
		for i := x - r; i <= x+r; i++ {
			if !im.IsValid(i, j) {
				return false
			}
			dst[k] = float64(im.At(i, j))
			k++
		}
	}
	return true
}

func normalize(w []float64) bool {
	var mean float64
	for _, v := range w {
		mean += v
	}
	mean /= float64(len(w))
	var n float64
	for i := range w {
		w[i] -= mean
		n += w[i] * w[i]
	}
	if n < 1e-12 {
		return false
	}
	n = math.Sqrt(n)
	for i := range w {
		w[i] /= n
	}
	return true
}

func dot(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

func subpixel(a, b, c float64) float64 {
	if math.IsNaN(a) || math.IsNaN(c) {
		return 0
	}
	den := a - 2*b + c
	if den >= 0 {
		return 0
	}
	return math.Max(-0.5, math.Min(0.5, (a-c)/(2*den)))
}
