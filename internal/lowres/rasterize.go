// Package lowres builds the low resolution DSM from the sparse point cloud
// and aligns it on a reference elevation model.
package lowres

import (
	"math"

	"stereodsm/internal/errs"
	"stereodsm/internal/geometry"
	"stereodsm/internal/raster"
)

// Band names of the rasterized DSM.
const (
	BandHeight = "hgt"
	BandCount  = "n_pts"
)

// GridFor covers bbox [xmin, ymin, xmax, ymax] with square cells of
// resolution degrees, starting at the upper left corner.
func GridFor(bbox [4]float64, resolution float64) (raster.Georef, int, int, error) {
	if resolution <= 0 {
		return raster.Georef{}, 0, 0, errs.Invalid("low resolution DSM resolution must be positive, got %g", resolution)
	}
	cols := int(math.Ceil((bbox[2] - bbox[0]) / resolution))
	rows := int(math.Ceil((bbox[3] - bbox[1]) / resolution))
	if cols <= 0 || rows <= 0 {
		return raster.Georef{}, 0, 0, errs.Invalid("empty low resolution extent %v", bbox)
	}
	geo := raster.Georef{XStart: bbox[0], YStart: bbox[3], Resolution: resolution, EPSG: 4326}
	return geo, rows, cols, nil
}

// Rasterize averages point altitudes per cell. Cells without points are NaN
// and the count band records how many points each cell received.
func Rasterize(cloud geometry.Cloud, geo raster.Georef, rows, cols int) *raster.Cube {
	out := raster.NewCube(geo, rows, cols, BandHeight, BandCount)
	sum := make([]float64, rows*cols)
	cnt := make([]int, rows*cols)
	for _, p := range cloud {
		if math.IsNaN(p.Z) {
			continue
		}
		r, c := geo.Cell(p.X, p.Y)
		if r < 0 || c < 0 || r >= rows || c >= cols {
			continue
		}
		sum[r*cols+c] += p.Z
		cnt[r*cols+c]++
	}
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			n := cnt[r*cols+c]
			out.Set(1, r, c, float64(n))
			if n > 0 {
				out.Set(0, r, c, sum[r*cols+c]/float64(n))
			}
		}
	}
	return out
}
