package dense

import (
	"context"
	"fmt"

	"stereodsm/internal/config"
	"stereodsm/internal/disparity"
	"stereodsm/internal/epipolar"
	"stereodsm/internal/geometry"
	"stereodsm/internal/matching"
	"stereodsm/internal/raster"
	"stereodsm/internal/tiling"
)

// TaskKind names dense matching units of work.
const TaskKind = "dense_matching"

// Params tunes the block matcher.
type Params struct {
	WindowRadius   int     `json:"window_radius"`
	MinCorrelation float64 `json:"min_correlation"`
}

// ParamsFromConfig extracts correlator parameters.
func ParamsFromConfig(c config.Dense) Params {
	return Params{WindowRadius: c.WindowRadius, MinCorrelation: c.MinCorrelation}
}

// Correlator returns the block matcher configured by p.
func (p Params) Correlator() *BlockMatcher {
	return &BlockMatcher{WindowRadius: p.WindowRadius, MinCorrelation: p.MinCorrelation}
}

// Task correlates one tile of the epipolar image and triangulates it.
type Task struct {
	Row        int             `json:"row"`
	Col        int             `json:"col"`
	Region     tiling.Region   `json:"region"`
	Bounds     tiling.Region   `json:"bounds"`
	Left       epipolar.Source `json:"left"`
	Right      epipolar.Source `json:"right"`
	LeftGrid   string          `json:"left_grid"`
	RightGrid  string          `json:"right_grid"`
	LeftModel  string          `json:"left_model"`
	RightModel string          `json:"right_model"`
	RefAlt     float64         `json:"ref_alt"`
	Range      disparity.Range `json:"disparity_range"`
	Params     Params          `json:"params"`
}

// Tile is the point cloud of one task, addressed by its tile coordinates.
type Tile struct {
	Row    int            `json:"row"`
	Col    int            `json:"col"`
	Points geometry.Cloud `json:"points"`
}

// Execute runs a dense task.
func Execute(ctx context.Context, t Task) (*Tile, error) {
	corr := t.Params.Correlator()
	lm, rm := corr.RequiredMargins(t.Range)
	leftRegion := tiling.Crop(tiling.Pad(t.Region, lm), t.Bounds)
	rightRegion := tiling.Crop(tiling.Pad(t.Region, rm), t.Bounds)
	tile := &Tile{Row: t.Row, Col: t.Col, Points: geometry.Cloud{}}
	if tiling.Empty(leftRegion) || tiling.Empty(rightRegion) {
		return tile, nil
	}

	leftGrid, err := raster.ReadGrid(t.LeftGrid)
	if err != nil {
		return nil, err
	}
	rightGrid, err := raster.ReadGrid(t.RightGrid)
	if err != nil {
		return nil, err
	}
	leftImg, err := t.Left.Load()
	if err != nil {
		return nil, fmt.Errorf("left image: %w", err)
	}
	rightImg, err := t.Right.Load()
	if err != nil {
		return nil, fmt.Errorf("right image: %w", err)
	}
	left, err := epipolar.Resample(ctx, leftImg, leftGrid, leftRegion)
	if err != nil {
		return nil, err
	}
	right, err := epipolar.Resample(ctx, rightImg, rightGrid, rightRegion)
	if err != nil {
		return nil, err
	}
	dm, err := corr.ComputeDisparity(ctx, left, right, t.Range)
	if err != nil {
		return nil, err
	}

	var ms matching.Matches
	for y := t.Region.YMin; y < t.Region.YMax; y++ {
		for x := t.Region.XMin; x < t.Region.XMax; x++ {
			if d, ok := dm.At(x, y); ok {
				ms = append(ms, matching.Match{LeftX: float64(x), LeftY: float64(y), RightX: float64(x) + d, RightY: float64(y)})
			}
		}
	}
	if len(ms) == 0 {
		return tile, nil
	}
	lmod, err := geometry.LoadAffineModel(t.LeftModel)
	if err != nil {
		return nil, err
	}
	rmod, err := geometry.LoadAffineModel(t.RightModel)
	if err != nil {
		return nil, err
	}
	tri := &geometry.Triangulator{Left: lmod, Right: rmod, LeftGrid: leftGrid, RightGrid: rightGrid, RefAlt: t.RefAlt}
	tile.Points = tri.Triangulate(ms)
	return tile, nil
}
