// Package epipolar resamples sensor images into epipolar geometry through
// rectification grids.
package epipolar

import (
	"context"
	"fmt"

	"stereodsm/internal/raster"
	"stereodsm/internal/tiling"
)

// Source locates one sensor image with its optional validity mask and nodata value.
type Source struct {
	Image  string   `json:"image"`
	Mask   string   `json:"mask,omitempty"`
	NoData *float64 `json:"nodata,omitempty"`
}

// Load reads the image and applies nodata and mask.
func (s Source) Load() (*raster.Image, error) {
	im, err := raster.ReadImage(s.Image)
	if err != nil {
		return nil, err
	}
	if s.NoData != nil {
		im.ApplyNoData(*s.NoData)
	}
	if s.Mask != "" {
		mask, err := raster.ReadImage(s.Mask)
		if err != nil {
			return nil, fmt.Errorf("mask: %w", err)
		}
		if err := im.ApplyMask(mask); err != nil {
			return nil, err
		}
	}
	return im, nil
}

// Resample builds the epipolar tile covering region. Pixel (x, y) of the
// tile is epipolar position (region.XMin+x, region.YMin+y); it is invalid
// where the grid points outside the sensor image or onto unusable pixels.
func Resample(ctx context.Context, img *raster.Image, grid *raster.Grid, region tiling.Region) (*raster.Image, error) {
	if tiling.Empty(region) {
		return nil, fmt.Errorf("resample: empty region %s", region)
	}
	out := raster.NewImage(region.Width(), region.Height())
	out.X0, out.Y0 = region.XMin, region.YMin
	for y := 0; y < out.Height; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < out.Width; x++ {
			col, row := grid.Interpolate(float64(region.XMin+x), float64(region.YMin+y))
			v, ok := img.Bilinear(col, row)
			if !ok {
				out.Invalidate(x, y)
				continue
			}
			out.Set(x, y, v)
		}
	}
	return out, nil
}

// LoadTile reads a source and resamples region in one step.
func LoadTile(ctx context.Context, src Source, gridPath string, region tiling.Region) (*raster.Image, error) {
	img, err := src.Load()
	if err != nil {
		return nil, err
	}
	grid, err := raster.ReadGrid(gridPath)
	if err != nil {
		return nil, err
	}
	return Resample(ctx, img, grid, region)
}
