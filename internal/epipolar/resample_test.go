package epipolar

import (
	"context"
	"path/filepath"
	"testing"

	"stereodsm/internal/raster"
	"stereodsm/internal/tiling"
)

func shiftGrid(dx, dy float64) *raster.Grid {
	g := raster.NewGrid(0, 0, 5, 5, 5, 5)
	for i := 0; i < g.NY; i++ {
		for j := 0; j < g.NX; j++ {
			x, y := g.Node(i, j)
			g.X[i*g.NX+j] = x + dx
			g.Y[i*g.NX+j] = y + dy
		}
	}
	return g
}

func ramp(w, h int) *raster.Image {
	im := raster.NewImage(w, h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			im.Set(x, y, float32(10*y+x))
		}
	}
	return im
}

func TestResampleFollowsGrid(t *testing.T) {
	img := ramp(20, 20)
	out, err := Resample(context.Background(), img, shiftGrid(2, 1), tiling.Region{XMin: 3, YMin: 4, XMax: 8, YMax: 7})
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if out.Width != 5 || out.Height != 3 || out.X0 != 3 || out.Y0 != 4 {
		t.Fatalf("unexpected tile geometry %+v", out)
	}
	// epipolar (3,4) samples sensor (5,5)
	if got := out.At(0, 0); got != 55 {
		t.Fatalf("expected 55, got %v", got)
	}
}

func TestResampleMarksOutsideInvalid(t *testing.T) {
	img := ramp(10, 10)
	out, err := Resample(context.Background(), img, shiftGrid(-3, 0), tiling.Region{XMin: 0, YMin: 0, XMax: 6, YMax: 2})
	if err != nil {
		t.Fatalf("resample: %v", err)
	}
	if out.IsValid(0, 0) || out.IsValid(2, 0) || !out.IsValid(3, 0) {
		t.Fatalf("validity does not follow sensor bounds")
	}
	if _, err := Resample(context.Background(), img, shiftGrid(0, 0), tiling.Region{XMin: 2, XMax: 2, YMax: 3}); err == nil {
		t.Fatalf("expected error for empty region")
	}
}

func TestLoadTileAppliesNoData(t *testing.T) {
	dir := t.TempDir()
	img := ramp(10, 10)
	imgPath := filepath.Join(dir, "img.npy")
	if err := raster.WriteImageNPY(imgPath, img); err != nil {
		t.Fatalf("write image: %v", err)
	}
	gridPath := filepath.Join(dir, "grid.npy")
	if err := raster.WriteGrid(gridPath, shiftGrid(0, 0)); err != nil {
		t.Fatalf("write grid: %v", err)
	}
	nodata := 11.0
	tile, err := LoadTile(context.Background(), Source{Image: imgPath, NoData: &nodata}, gridPath, tiling.Region{XMax: 4, YMax: 4})
	if err != nil {
		t.Fatalf("load tile: %v", err)
	}
	if tile.IsValid(1, 1) || !tile.IsValid(2, 2) {
		t.Fatalf("nodata pixel should be invalid")
	}
}
