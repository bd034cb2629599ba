package correction

import (
	"math"
	"sort"

	"stereodsm/internal/matching"
	"stereodsm/internal/raster"

	"gonum.org/v1/gonum/stat"
)

// Stats summarizes sensor-space residuals per axis (col, row).
type Stats struct {
	Mean   [2]float64 `json:"mean_epipolar_error"`
	Median [2]float64 `json:"median_epipolar_error"`
	Std    [2]float64 `json:"std_epipolar_error"`
	RMS    float64    `json:"rms_epipolar_error"`
	RMSD   float64    `json:"rmsd_epipolar_error"`
}

// RowStats summarizes left_y - right_y over a match set.
type RowStats struct {
	Mean float64 `json:"mean"`
	Std  float64 `json:"std"`
	Max  float64 `json:"max_abs"`
}

// Result is the outcome of Estimate. Grid is a new corrected right grid and
// Matches the input matches expressed in the corrected right geometry.
type Result struct {
	Model      *Polynomial
	Grid       *raster.Grid
	Matches    matching.Matches
	Before     Stats
	After      Stats
	RowsBefore RowStats
	RowsAfter  RowStats
}

// Estimate fits the residual epipolar error of ms against the right grid.
// For a match the right sensor point G(xr, yr) should have been sampled on
// row yl; the displacement G(xr, yr) - G(xr, yl) is fitted at (xr, yl).
func Estimate(ms matching.Matches, right *raster.Grid, degree string) (*Result, error) {
	n := len(ms)
	xs := make([]float64, n)
	ys := make([]float64, n)
	dxs := make([]float64, n)
	dys := make([]float64, n)
	for i, m := range ms {
		sx, sy := right.Interpolate(m.RightX, m.RightY)
		ex, ey := right.Interpolate(m.RightX, m.LeftY)
		xs[i], ys[i] = m.RightX, m.LeftY
		dxs[i], dys[i] = sx-ex, sy-ey
	}
	model, err := Fit(degree, xs, ys, dxs, dys)
	if err != nil {
		return nil, err
	}
	corrected := model.Apply(right)

	out := make(matching.Matches, n)
	adx := make([]float64, n)
	ady := make([]float64, n)
	for i, m := range ms {
		sx, sy := right.Interpolate(m.RightX, m.RightY)
		qx, qy := invert(corrected, sx, sy, m.RightX, m.LeftY)
		out[i] = matching.Match{LeftX: m.LeftX, LeftY: m.LeftY, RightX: qx, RightY: qy}
		ex, ey := corrected.Interpolate(qx, m.LeftY)
		adx[i], ady[i] = sx-ex, sy-ey
	}
	return &Result{
		Model:      model,
		Grid:       corrected,
		Matches:    out,
		Before:     ComputeStats(dxs, dys),
		After:      ComputeStats(adx, ady),
		RowsBefore: ComputeRowStats(ms),
		RowsAfter:  ComputeRowStats(out),
	}, nil
}

// invert solves g(q) = (sx, sy) with Newton steps from (x0, y0).
func invert(g *raster.Grid, sx, sy, x0, y0 float64) (float64, float64) {
	const h = 0.5
	x, y := x0, y0
	for iter := 0; iter < 20; iter++ {
		fx, fy := g.Interpolate(x, y)
		rx, ry := sx-fx, sy-fy
		ax, ay := g.Interpolate(x+h, y)
		bx, by := g.Interpolate(x, y+h)
		j00, j10 := (ax-fx)/h, (ay-fy)/h
		j01, j11 := (bx-fx)/h, (by-fy)/h
		det := j00*j11 - j01*j10
		if math.Abs(det) < 1e-15 {
			break
		}
		dx := (j11*rx - j01*ry) / det
		dy := (-j10*rx + j00*ry) / det
		x += dx
		y += dy
		if math.Abs(dx) < 1e-10 && math.Abs(dy) < 1e-10 {
			break
		}
	}
	return x, y
}

// ComputeStats returns per-axis and combined statistics of (dx, dy).
func ComputeStats(dx, dy []float64) Stats {
	var s Stats
	if len(dx) == 0 {
		return s
	}
	s.Mean[0], s.Std[0] = stat.PopMeanStdDev(dx, nil)
	s.Mean[1], s.Std[1] = stat.PopMeanStdDev(dy, nil)
	s.Median[0] = median(dx)
	s.Median[1] = median(dy)
	var sq, dev float64
	for i := range dx {
		sq += dx[i]*dx[i] + dy[i]*dy[i]
		ex, ey := dx[i]-s.Mean[0], dy[i]-s.Mean[1]
		dev += ex*ex + ey*ey
	}
	s.RMS = math.Sqrt(sq / float64(len(dx)))
	s.RMSD = math.Sqrt(dev / float64(len(dx)))
	return s
}

// ComputeRowStats returns statistics of left_y - right_y.
func ComputeRowStats(ms matching.Matches) RowStats {
	if len(ms) == 0 {
		return RowStats{}
	}
	e := make([]float64, len(ms))
	var rs RowStats
	for i, m := range ms {
		e[i] = m.EpipolarError()
		rs.Max = math.Max(rs.Max, math.Abs(e[i]))
	}
	rs.Mean, rs.Std = stat.PopMeanStdDev(e, nil)
	return rs
}

// Residuals lists left_y - right_y per match.
func Residuals(ms matching.Matches) []float64 {
	out := make([]float64, len(ms))
	for i, m := range ms {
		out[i] = m.EpipolarError()
	}
	return out
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
