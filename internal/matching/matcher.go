package matching

import (
	"context"
	"math"

	"stereodsm/internal/config"
	"stereodsm/internal/raster"
)

// Params tunes the sparse matcher.
type Params struct {
	CellSize        int     `json:"cell_size"`
	WindowRadius    int     `json:"window_radius"`
	MinResponse     float64 `json:"min_response"`
	MinCorrelation  float64 `json:"min_correlation"`
	UniquenessRatio float64 `json:"uniqueness_ratio"`
	// SearchRows bounds |right_y - left_y| during the search.
	SearchRows int `json:"search_rows"`
}

// ParamsFromConfig builds matcher parameters for a given row search extent.
func ParamsFromConfig(c config.Sparse, searchRows int) Params {
	return Params{
		CellSize:        c.CellSize,
		WindowRadius:    c.WindowRadius,
		MinResponse:     c.MinResponse,
		MinCorrelation:  c.MinCorrelation,
		UniquenessRatio: c.UniquenessRatio,
		SearchRows:      searchRows,
	}
}

// Matcher finds tie points between a left and a right epipolar tile. It
// detects at most one corner per cell of the left tile and searches its
// best normalized cross-correlation in the right tile.
type Matcher struct {
	Params Params
}

type keypoint struct{ x, y int }

// Match returns matches in full epipolar coordinates, ordered by left
// position (cells in row-major order).
func (m *Matcher) Match(ctx context.Context, left, right *raster.Image) (Matches, error) {
	var out Matches
	r := m.Params.WindowRadius
	side := 2*r + 1
	lw := make([]float64, side*side)
	rw := make([]float64, side*side)

	for _, kp := range m.keypoints(left) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !window(left, kp.x, kp.y, r, lw) || !normalizeWindow(lw) {
			continue
		}
		gy := left.Y0 + kp.y
		y0 := max(gy-m.Params.SearchRows-right.Y0, r)
		y1 := min(gy+m.Params.SearchRows-right.Y0, right.Height-r-1)
		x0, x1 := r, right.Width-r-1
		if y1 < y0 || x1 < x0 {
			continue
		}
		nx := x1 - x0 + 1
		scores := make([]float64, nx*(y1-y0+1))
		best, bx, by := math.Inf(-1), -1, -1
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				s := math.NaN()
				if window(right, x, y, r, rw) && normalizeWindow(rw) {
					s = dotWindows(lw, rw)
					if s > best {
						best, bx, by = s, x, y
					}
				}
				scores[(y-y0)*nx+(x-x0)] = s
			}
		}
		if bx < 0 || best < m.Params.MinCorrelation {
			continue
		}
		second := math.Inf(-1)
		for y := y0; y <= y1; y++ {
			for x := x0; x <= x1; x++ {
				if abs(x-bx) <= 1 && abs(y-by) <= 1 {
					continue
				}
				if s := scores[(y-y0)*nx+(x-x0)]; s > second {
					second = s
				}
			}
		}
		if second >= m.Params.UniquenessRatio*best {
			continue
		}
		at := func(x, y int) float64 {
			if x < x0 || x > x1 || y < y0 || y > y1 {
				return math.NaN()
			}
			return scores[(y-y0)*nx+(x-x0)]
		}
		sx := float64(bx) + parabolaPeak(at(bx-1, by), best, at(bx+1, by))
		sy := float64(by) + parabolaPeak(at(bx, by-1), best, at(bx, by+1))
		out = append(out, Match{
			LeftX:  float64(left.X0 + kp.x),
			LeftY:  float64(gy),
			RightX: float64(right.X0) + sx,
			RightY: float64(right.Y0) + sy,
		})
	}
	return out, nil
}

// keypoints keeps the strongest corner of every cell.
func (m *Matcher) keypoints(im *raster.Image) []keypoint {
	r := m.Params.WindowRadius
	cell := max(m.Params.CellSize, 1)
	var out []keypoint
	for cy := 0; cy < im.Height; cy += cell {
		for cx := 0; cx < im.Width; cx += cell {
			best, bx, by := m.Params.MinResponse, -1, -1
			for y := max(cy, r+1); y < min(cy+cell, im.Height-r-1); y++ {
				for x := max(cx, r+1); x < min(cx+cell, im.Width-r-1); x++ {
					if s := cornerResponse(im, x, y, r); s > best {
						best, bx, by = s, x, y
					}
				}
			}
			if bx >= 0 {
				out = append(out, keypoint{bx, by})
			}
		}
	}
	return out
}

// cornerResponse is the ratio of the structure tensor eigenvalues, 1 for
// isotropic texture and 0 on edges or flat areas.
func cornerResponse(im *raster.Image, x, y, r int) float64 {
	var sxx, syy, sxy float64
	for j := y - r; j <= y+r; j++ {
		for i := x - r; i <= x+r; i++ {
			if !im.IsValid(i-1, j) || !im.IsValid(i+1, j) || !im.IsValid(i, j-1) || !im.IsValid(i, j+1) {
				return 0
			}
			gx := float64(im.At(i+1, j)-im.At(i-1, j)) / 2
			gy := float64(im.At(i, j+1)-im.At(i, j-1)) / 2
			sxx += gx * gx
			syy += gy * gy
			sxy += gx * gy
		}
	}
	tr := sxx + syy
	disc := math.Sqrt((sxx-syy)*(sxx-syy) + 4*sxy*sxy)
	lmax := (tr + disc) / 2
	if lmax < 1e-12 {
		return 0
	}
	return (tr - disc) / 2 / lmax
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

// normalizeWindow centres w and scales it to unit norm in place.
func normalizeWindow(w []float64) bool {
	var mean float64
	for _, v := range w {
		mean += v
	}
	mean /= float64(len(w))
	var norm float64
	for i := range w {
		w[i] -= mean
		norm += w[i] * w[i]
	}
	if norm < 1e-12 {
		return false
	}
	norm = math.Sqrt(norm)
	for i := range w {
		w[i] /= norm
	}
	return true
}

func dotWindows(a, b []float64) float64 {
	var s float64
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// parabolaPeak returns the sub-pixel offset of the maximum of the parabola
// through (-1, a), (0, b), (1, c), or 0 when a neighbour is missing.
func parabolaPeak(a, b, c float64) float64 {
	if math.IsNaN(a) || math.IsNaN(c) {
		return 0
	}
	den := a - 2*b + c
	if den >= 0 {
		return 0
	}
	off := (a - c) / (2 * den)
	return math.Max(-0.5, math.Min(0.5, off))
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
