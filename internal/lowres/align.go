package lowres

import (
	"fmt"
	"math"

	"stereodsm/internal/config"
	"stereodsm/internal/errs"
	"stereodsm/internal/geometry"
	"stereodsm/internal/matching"
	"stereodsm/internal/raster"

	"github.com/paulmach/orb"
)

// Params gates and tunes the alignment.
type Params struct {
	MinSizeX int
	MinSizeY int
	Spline   SplineParams
}

// ParamsFromConfig derives alignment parameters; bins are one cell wide.
func ParamsFromConfig(c config.LowRes) Params {
	return Params{
		MinSizeX: c.MinSizeX,
		MinSizeY: c.MinSizeY,
		Spline: SplineParams{
			BinWidth:        c.Resolution,
			MinPointsPerBin: c.MinPointsPerBin,
			MinBins:         c.MinBins,
			SmoothingWindow: c.SmoothingWindow,
		},
	}
}

// Line is the acquisition time line on the ground.
type Line struct {
	Origin orb.Point `json:"origin"`
	Vector orb.Point `json:"vector"`
}

// Project returns the coordinate of (x, y) along the line.
func (l Line) Project(x, y float64) float64 {
	return (x-l.Origin[0])*l.Vector[0] + (y-l.Origin[1])*l.Vector[1]
}

// Input gathers what Align consumes. Triangulate turns corrected matches
// back into a cloud.
type Input struct {
	Matches     matching.Matches
	Cloud       geometry.Cloud
	Georef      raster.Georef
	Rows, Cols  int
	Reference   *raster.Cube
	TimeVectors []orb.Point
	DispToAlt   float64
	Triangulate func(matching.Matches) geometry.Cloud
}

// Corrected holds the outputs of a successful alignment.
type Corrected struct {
	Matches matching.Matches
	Cloud   geometry.Cloud
	DSM     *raster.Cube
	Diff    *raster.Cube
}

// Result always carries the initial DSM and its difference to the
// reference. Spline and Corrected are nil when alignment was skipped, with
// Skipped explaining why.
type Result struct {
	DSM       *raster.Cube
	Diff      *raster.Cube
	Line      *Line
	Spline    *Spline
	Corrected *Corrected
	Skipped   string
}

// Align rasterizes the cloud, compares it with the reference and, when the
// grid is large enough, corrects the matches along the time line.
func Align(in Input, p Params) (*Result, error) {
	if in.Reference == nil || in.Reference.Rows != in.Rows || in.Reference.Cols != in.Cols {
		return nil, errs.Invalid("reference elevation must be sampled on the %dx%d low resolution grid", in.Rows, in.Cols)
	}
	dsm := Rasterize(in.Cloud, in.Georef, in.Rows, in.Cols)
	diff, err := raster.Difference(in.Reference, dsm, BandHeight)
	if err != nil {
		return nil, err
	}
	res := &Result{DSM: dsm, Diff: diff}
	if in.Cols <= p.MinSizeX || in.Rows <= p.MinSizeY {
		res.Skipped = fmt.Sprintf("low resolution DSM is %dx%d, alignment needs more than %dx%d", in.Cols, in.Rows, p.MinSizeX, p.MinSizeY)
		return res, nil
	}
	if len(in.TimeVectors) == 0 || in.DispToAlt <= 0 || in.Triangulate == nil {
		return nil, errs.Invalid("alignment needs time vectors, a positive disparity ratio and a triangulator")
	}

	var vec orb.Point
	for _, v := range in.TimeVectors {
		vec[0] += v[0] / float64(len(in.TimeVectors))
		vec[1] += v[1] / float64(len(in.TimeVectors))
	}
	ox, oy := in.Georef.CellCenter(0, 0)
	line := &Line{Origin: orb.Point{ox, oy}, Vector: vec}
	res.Line = line

	var ts, vals []float64
	for r := 0; r < in.Rows; r++ {
		for c := 0; c < in.Cols; c++ {
			d := diff.At(0, r, c)
			if math.IsNaN(d) {
				continue
			}
			x, y := in.Georef.CellCenter(r, c)
			ts = append(ts, line.Project(x, y))
			vals = append(vals, d)
		}
	}
	spline, err := FitSpline(ts, vals, p.Spline)
	if err != nil {
		return nil, err
	}
	if spline == nil {
		res.Skipped = fmt.Sprintf("not enough populated bins along the time line (need %d)", p.Spline.MinBins)
		return res, nil
	}
	res.Spline = spline

	if len(in.Cloud) != len(in.Matches) {
		return nil, fmt.Errorf("cloud has %d points for %d matches", len(in.Cloud), len(in.Matches))
	}
	fixed := make(matching.Matches, len(in.Matches))
	for i, m := range in.Matches {
		dz := spline.Eval(line.Project(in.Cloud[i].X, in.Cloud[i].Y))
		m.RightX += dz / in.DispToAlt
		fixed[i] = m
	}
	cloud := in.Triangulate(fixed)
	cdsm := Rasterize(cloud, in.Georef, in.Rows, in.Cols)
	cdiff, err := raster.Difference(in.Reference, cdsm, BandHeight)
	if err != nil {
		return nil, err
	}
	res.Corrected = &Corrected{Matches: fixed, Cloud: cloud, DSM: cdsm, Diff: cdiff}
	return res, nil
}
