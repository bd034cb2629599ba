// Package synth renders the stereo pair of a synthetic scene: a textured
// terrain with one hill seen by two affine push-broom sensors. It feeds the
// integration command and end-to-end tests.
package synth

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"stereodsm/internal/geometry"
	"stereodsm/internal/manifest"
	"stereodsm/internal/raster"

	"github.com/paulmach/orb"
	"github.com/valyala/fastrand"
)

// Scene describes the terrain and both acquisitions.
type Scene struct {
	Width, Height int
	Origin        [2]float64 // lon, lat of the left image pixel (0, 0)
	PixelSize     float64 // degrees
	Parallax      float64 // degrees of apparent shift per metre of altitude
	Baseline      float64 // right image origin offset along lon, in pixels
	BaseAlt       float64
	HillHeight    float64
	HillRadius    float64 // pixels
	HillOffset    [2]float64
	TextureScale  float64 // pixels between texture lattice nodes
	Seed          uint32
	// RightError shifts the rendered right image against its model, in
	// pixels (col, row). It stands for an inaccurate right model.
	RightError [2]float64
	// DEMResolution, in pixels, of the reference DEM written next to the
	// images; zero writes no DEM.
	DEMResolution int
}

// Default returns a small scene that matches well with default parameters.
func Default() Scene {
	return Scene{
		Width:         160,
		Height:        120,
		Origin:        [2]float64{5.1973629, 44.2079813},
		PixelSize:     1e-5,
		Parallax:      3e-6,
		Baseline:      20,
		BaseAlt:       500,
		HillHeight:    30,
		HillRadius:    25,
		HillOffset:    [2]float64{30, 20},
		TextureScale:  1.6,
		Seed:          42,
		DEMResolution: 4,
	}
}

// Models returns the left and right sensor models.
func (s Scene) Models() (*geometry.AffineModel, *geometry.AffineModel) {
	matrix := [2][2]float64{{s.PixelSize, 0}, {0, -s.PixelSize}}
	left := &geometry.AffineModel{
		Width: s.Width, Height: s.Height,
		Origin:   s.Origin,
		Matrix:   matrix,
		Parallax: [2]float64{s.Parallax, 0},
		RefAlt:   s.BaseAlt,
	}
	right := &geometry.AffineModel{
		Width: s.Width, Height: s.Height,
		Origin:   [2]float64{s.Origin[0] - s.Baseline*s.PixelSize, s.Origin[1]},
		Matrix:   matrix,
		Parallax: [2]float64{-s.Parallax, 0},
		RefAlt:   s.BaseAlt,
	}
	return left, right
}

// Altitude implements geometry.ElevationSource with the true terrain.
func (s Scene) Altitude(lon, lat float64) float64 {
	cx := s.Origin[0] + (float64(s.Width)/2+s.HillOffset[0])*s.PixelSize
	cy := s.Origin[1] - (float64(s.Height)/2+s.HillOffset[1])*s.PixelSize
	dx := (lon - cx) / s.PixelSize
	dy := (lat - cy) / s.PixelSize
	r2 := s.HillRadius * s.HillRadius
	if r2 == 0 {
		return s.BaseAlt
	}
	return s.BaseAlt + s.HillHeight*math.Exp(-(dx*dx+dy*dy)/(2*r2))
}

type texture struct {
	lon0, lat0 float64
	step       float64
	n          int
	values     []float32
}

func (s Scene) texture() *texture {
	pad := float64(s.Width) + 2*s.Baseline
	step := s.PixelSize * math.Max(s.TextureScale, 0.5)
	extent := (float64(max(s.Width, s.Height)) + 2*pad) * s.PixelSize
	n := int(math.Ceil(extent/step)) + 2
	t := &texture{
		lon0:   s.Origin[0] - pad*s.PixelSize,
		lat0:   s.Origin[1] + pad*s.PixelSize,
		step:   step,
		n:      n,
		values: make([]float32, n*n),
	}
	var rng fastrand.RNG
	rng.Seed(s.Seed)
	for i := range t.values {
		t.values[i] = float32(rng.Uint32n(1000))
	}
	return t
}

func (t *texture) at(g orb.Point) float32 {
	u := (g[0] - t.lon0) / t.step
	v := (t.lat0 - g[1]) / t.step
	i0 := int(math.Floor(u))
	j0 := int(math.Floor(v))
	fu := float32(u - float64(i0))
	fv := float32(v - float64(j0))
	node := func(i, j int) float32 {
		i = min(max(i, 0), t.n-1)
		j = min(max(j, 0), t.n-1)
		return t.values[j*t.n+i]
	}
	a := node(i0, j0)*(1-fu) + node(i0+1, j0)*fu
	b := node(i0, j0+1)*(1-fu) + node(i0+1, j0+1)*fu
	return a*(1-fv) + b*fv
}

// Render images the terrain through m. Each pixel follows its line of sight
// down to the terrain by fixed-point iteration.
func (s Scene) Render(m *geometry.AffineModel, offset [2]float64) *raster.Image {
	tex := s.texture()
	im := raster.NewImage(m.Width, m.Height)
	for row := 0; row < m.Height; row++ {
		for col := 0; col < m.Width; col++ {
			c, r := float64(col)+offset[0], float64(row)+offset[1]
			alt := s.BaseAlt
			var g orb.Point
			for k := 0; k < 12; k++ {
				g = m.DirectLocalization(c, r, alt)
				next := s.Altitude(g[0], g[1])
				if math.Abs(next-alt) < 1e-6 {
					break
				}
				alt = next
			}
			im.Set(col, row, tex.at(g))
		}
	}
	return im
}

// DEM samples the terrain on a grid covering both images.
func (s Scene) DEM() *raster.Cube {
	step := float64(max(s.DEMResolution, 1))
	pad := 2*s.Baseline + 8
	res := step * s.PixelSize
	cols := int(math.Ceil((float64(s.Width) + 2*pad) / step))
	rows := int(math.Ceil((float64(s.Height) + 2*pad) / step))
	geo := raster.Georef{
		XStart:     s.Origin[0] - pad*s.PixelSize,
		YStart:     s.Origin[1] + pad*s.PixelSize,
		Resolution: res,
		EPSG:       4326,
	}
	return geometry.SampleOnGrid(s, geo, rows, cols)
}

// Write renders the scene into dir and returns the path of its input document.
func Write(dir string, s Scene) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	left, right := s.Models()
	files := []struct {
		name string
		img  *raster.Image
	}{
		{"left.npy", s.Render(left, [2]float64{})},
		{"right.npy", s.Render(right, s.RightError)},
	}
	for _, f := range files {
		if err := raster.WriteImageNPY(filepath.Join(dir, f.name), f.img); err != nil {
			return "", fmt.Errorf("write %s: %w", f.name, err)
		}
	}
	if err := left.Save(filepath.Join(dir, "left_model.json")); err != nil {
		return "", err
	}
	if err := right.Save(filepath.Join(dir, "right_model.json")); err != nil {
		return "", err
	}

	in := manifest.Input{
		Img1:       "left.npy",
		Img2:       "right.npy",
		Model1:     "left_model.json",
		Model2:     "right_model.json",
		DefaultAlt: s.BaseAlt,
	}
	if s.DEMResolution > 0 {
		if err := raster.WriteCube(filepath.Join(dir, "dem.npy"), s.DEM()); err != nil {
			return "", fmt.Errorf("write dem: %w", err)
		}
		in.DEM = "dem.npy"
	}
	data, err := json.MarshalIndent(in, "", "  ")
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "input.json")
	return path, os.WriteFile(path, data, 0o644)
}
