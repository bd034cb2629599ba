package dense

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"stereodsm/internal/disparity"
	"stereodsm/internal/epipolar"
	"stereodsm/internal/geometry"
	"stereodsm/internal/raster"
	"stereodsm/internal/tiling"

	"github.com/valyala/fastrand"
)

func noiseImage(w, h, shift int, seed uint32) *raster.Image {
	var rng fastrand.RNG
	rng.Seed(seed)
	bw := w + 20
	base := make([]float64, bw*h)
	for i := range base {
		base[i] = float64(rng.Uint32n(500))
	}
	im := raster.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Set(x, y, float32(base[y*bw+x+10-shift]))
		}
	}
	return im
}

func TestRequiredMargins(t *testing.T) {
	bm := &BlockMatcher{WindowRadius: 2}
	l, r := bm.RequiredMargins(disparity.Range{Min: -3.5, Max: 4.2})
	if l != (tiling.Margin{Left: 2, Up: 2, Right: 2, Down: 2}) {
		t.Fatalf("left margin %+v", l)
	}
	if r != (tiling.Margin{Left: 6, Up: 2, Right: 7, Down: 2}) {
		t.Fatalf("right margin %+v", r)
	}
	_, r = bm.RequiredMargins(disparity.Range{Min: 10, Max: 12})
	if r.Left != 0 || r.Right != 14 {
		t.Fatalf("positive range margin %+v", r)
	}
}

func TestBlockMatcherFindsShift(t *testing.T) {
	left := noiseImage(40, 20, 0, 5)
	right := noiseImage(40, 20, 3, 5)
	bm := &BlockMatcher{WindowRadius: 2, MinCorrelation: 0.5}
	dm, err := bm.ComputeDisparity(context.Background(), left, right, disparity.Range{Min: -6, Max: 6})
	if err != nil {
		t.Fatalf("disparity: %v", err)
	}
	if dm.ValidCount() == 0 {
		t.Fatalf("no disparity found")
	}
	for y := 2; y < 18; y++ {
		for x := 2; x < 35; x++ {
			d, ok := dm.At(x, y)
			if !ok || math.Abs(d-3) > 0.45 {
				t.Fatalf("disparity at (%d,%d) = %g %v", x, y, d, ok)
			}
		}
	}
}

func TestExecuteProducesPointTile(t *testing.T) {
	dir := t.TempDir()
	leftPath := filepath.Join(dir, "left.npy")
	rightPath := filepath.Join(dir, "right.npy")
	if err := raster.WriteImageNPY(leftPath, noiseImage(60, 30, 0, 9)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := raster.WriteImageNPY(rightPath, noiseImage(60, 30, 2, 9)); err != nil {
		t.Fatalf("write: %v", err)
	}
	grid := raster.NewGrid(0, 0, 10, 10, 7, 4)
	for i := 0; i < grid.NY; i++ {
		for j := 0; j < grid.NX; j++ {
			grid.X[i*grid.NX+j], grid.Y[i*grid.NX+j] = grid.Node(i, j)
		}
	}
	gridPath := filepath.Join(dir, "grid.npy")
	if err := raster.WriteGrid(gridPath, grid); err != nil {
		t.Fatalf("grid: %v", err)
	}
	model := func(name string, px float64) string {
		m := &geometry.AffineModel{Width: 60, Height: 30, Origin: [2]float64{5, 44},
			Matrix: [2][2]float64{{1e-5, 0}, {0, 1e-5}}, Parallax: [2]float64{px, 0}, RefAlt: 100}
		p := filepath.Join(dir, name)
		if err := m.Save(p); err != nil {
			t.Fatalf("model: %v", err)
		}
		return p
	}
	task := Task{
		Row: 1, Col: 2,
		Region:     tiling.Region{XMin: 10, YMin: 5, XMax: 30, YMax: 20},
		Bounds:     tiling.Region{XMax: 60, YMax: 30},
		Left:       epipolar.Source{Image: leftPath},
		Right:      epipolar.Source{Image: rightPath},
		LeftGrid:   gridPath,
		RightGrid:  gridPath,
		LeftModel:  model("left.json", 3e-6),
		RightModel: model("right.json", -3e-6),
		RefAlt:     100,
		Range:      disparity.Range{Min: -5, Max: 5},
		Params:     Params{WindowRadius: 2, MinCorrelation: 0.5},
	}
	tile, err := Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if tile.Row != 1 || tile.Col != 2 {
		t.Fatalf("tile address lost: %d,%d", tile.Row, tile.Col)
	}
	if len(tile.Points) != 20*15 {
		t.Fatalf("expected a point per region pixel, got %d", len(tile.Points))
	}
	for _, p := range tile.Points {
		if math.Abs(p.Disparity-2) > 0.45 || p.CorrMask != 255 {
			t.Fatalf("unexpected point %+v", p)
		}
	}
}
