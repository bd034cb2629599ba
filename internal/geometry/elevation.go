package geometry

import (
	"math"

	"stereodsm/internal/raster"
)

// ElevationSource answers altitude queries on the ground.
type ElevationSource interface {
	Altitude(lon, lat float64) float64
}

// ConstantElevation is a flat elevation model.
type ConstantElevation float64

func (c ConstantElevation) Altitude(lon, lat float64) float64 { return float64(c) }

// DEM samples band 0 of a georeferenced cube bilinearly and falls back to
// Default outside coverage or on missing values.
type DEM struct {
	Cube    *raster.Cube
	Default float64
}

// LoadDEM reads a DEM cube written with raster.WriteCube.
func LoadDEM(path string, defaultAlt float64) (*DEM, error) {
	c, err := raster.ReadCube(path)
	if err != nil {
		return nil, err
	}
	return &DEM{Cube: c, Default: defaultAlt}, nil
}

func (d *DEM) Altitude(lon, lat float64) float64 {
	g := d.Cube.Georef
	u := (lon-g.XStart)/g.Resolution - 0.5
	v := (g.YStart-lat)/g.Resolution - 0.5
	c0 := int(math.Floor(u))
	r0 := int(math.Floor(v))
	fu := u - float64(c0)
	fv := v - float64(r0)

	sample := func(r, c int) float64 {
		if r < 0 || c < 0 || r >= d.Cube.Rows || c >= d.Cube.Cols {
			return math.NaN()
		}
		return d.Cube.At(0, r, c)
	}
	a := sample(r0, c0)*(1-fu) + sample(r0, c0+1)*fu
	b := sample(r0+1, c0)*(1-fu) + sample(r0+1, c0+1)*fu
	h := a*(1-fv) + b*fv
	if math.IsNaN(h) {
		// fall back to the nearest cell before giving up
		if n := sample(int(math.Round(v)), int(math.Round(u))); !math.IsNaN(n) {
			return n
		}
		return d.Default
	}
	return h
}

// Covers reports whether every corner of bbox has DEM samples.
func (d *DEM) Covers(bbox [4]float64) bool {
	g := d.Cube.Georef
	xmax := g.XStart + float64(d.Cube.Cols)*g.Resolution
	ymin := g.YStart - float64(d.Cube.Rows)*g.Resolution
	return bbox[0] >= g.XStart && bbox[2] <= xmax && bbox[1] >= ymin && bbox[3] <= g.YStart
}

// SampleOnGrid reads src at every cell centre of a rows x cols grid.
func SampleOnGrid(src ElevationSource, georef raster.Georef, rows, cols int) *raster.Cube {
	out := raster.NewCube(georef, rows, cols, "hgt")
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x, y := georef.CellCenter(r, c)
			out.Set(0, r, c, src.Altitude(x, y))
		}
	}
	return out
}
