// Package raster reads and writes the gridded data exchanged between stages:
// sensor images, rectification grids and georeferenced cubes.
package raster

import (
	"fmt"
	"image"
	"image/color"
	_ "image/png"
	"math"
	"os"
	"path/filepath"
	"strings"

	_ "golang.org/x/image/tiff"
	"gonum.org/v1/gonum/mat"
)

// Image is a single-band float raster. X0 and Y0 place the raster inside a
// larger frame (an epipolar tile keeps its position in the full epipolar image).
type Image struct {
	Width, Height int
	X0, Y0        int
	Pix           []float32
	// Valid is nil when every pixel is usable.
	Valid []bool
}

// NewImage allocates a zeroed image with every pixel valid.
func NewImage(w, h int) *Image {
	return &Image{Width: w, Height: h, Pix: make([]float32, w*h)}
}

func (im *Image) At(x, y int) float32 { return im.Pix[y*im.Width+x] }

func (im *Image) Set(x, y int, v float32) { im.Pix[y*im.Width+x] = v }

// IsValid reports whether (x, y) lies inside the image and is usable.
func (im *Image) IsValid(x, y int) bool {
	if x < 0 || y < 0 || x >= im.Width || y >= im.Height {
		return false
	}
	return im.Valid == nil || im.Valid[y*im.Width+x]
}

// Invalidate marks (x, y) as unusable.
func (im *Image) Invalidate(x, y int) {
	if im.Valid == nil {
		im.Valid = make([]bool, len(im.Pix))
		for i := range im.Valid {
			im.Valid[i] = true
		}
	}
	im.Valid[y*im.Width+x] = false
}

// Bilinear samples at continuous coordinates where integer values are pixel
// centres. ok is false when any contributing pixel is invalid.
func (im *Image) Bilinear(x, y float64) (v float32, ok bool) {
	x0 := int(math.Floor(x))
	y0 := int(math.Floor(y))
	fx := x - float64(x0)
	fy := y - float64(y0)
	x1, y1 := x0, y0
	if fx > 0 {
		x1 = x0 + 1
	}
	if fy > 0 {
		y1 = y0 + 1
	}
	if !im.IsValid(x0, y0) || !im.IsValid(x1, y0) || !im.IsValid(x0, y1) || !im.IsValid(x1, y1) {
		return 0, false
	}
	a := float64(im.At(x0, y0))*(1-fx) + float64(im.At(x1, y0))*fx
	b := float64(im.At(x0, y1))*(1-fx) + float64(im.At(x1, y1))*fx
	return float32(a*(1-fy) + b*fy), true
}

// ApplyNoData invalidates pixels equal to nodata.
func (im *Image) ApplyNoData(nodata float64) {
	nd := float32(nodata)
	for i, v := range im.Pix {
		if v == nd {
			im.Invalidate(i%im.Width, i/im.Width)
		}
	}
}

// ApplyMask invalidates pixels where mask is non-zero.
func (im *Image) ApplyMask(mask *Image) error {
	if mask.Width != im.Width || mask.Height != im.Height {
		return fmt.Errorf("mask size %dx%d does not match image size %dx%d",
			mask.Width, mask.Height, im.Width, im.Height)
	}
	for i, v := range mask.Pix {
		if v != 0 {
			im.Invalidate(i%im.Width, i/im.Width)
		}
	}
	return nil
}

// Info describes an image file without decoding all its pixels.
type Info struct {
	Width, Height int
	Bands         int
}

// ReadImage loads a single-band raster from a TIFF, PNG or .npy file.
func ReadImage(path string) (*Image, error) {
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		return readNPYImage(path)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	b := img.Bounds()
	out := NewImage(b.Dx(), b.Dy())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			g := color.Gray16Model.Convert(img.At(b.Min.X+x, b.Min.Y+y)).(color.Gray16)
			out.Set(x, y, float32(g.Y))
		}
	}
	return out, nil
}

// Stat inspects an image file and reports its size and band count.
func Stat(path string) (Info, error) {
	if strings.EqualFold(filepath.Ext(path), ".npy") {
		im, err := readNPYImage(path)
		if err != nil {
			return Info{}, err
		}
		return Info{Width: im.Width, Height: im.Height, Bands: 1}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return Info{}, fmt.Errorf("decode %s: %w", path, err)
	}
	bands := 3
	switch cfg.ColorModel {
	case color.GrayModel, color.Gray16Model:
		bands = 1
	}
	return Info{Width: cfg.Width, Height: cfg.Height, Bands: bands}, nil
}

func readNPYImage(path string) (*Image, error) {
	var m mat.Dense
	if err := readNPY(path, &m); err != nil {
		return nil, err
	}
	rows, cols := m.Dims()
	out := NewImage(cols, rows)
	for y := 0; y < rows; y++ {
		for x := 0; x < cols; x++ {
			v := m.At(y, x)
			if math.IsNaN(v) {
				out.Invalidate(x, y)
				continue
			}
			out.Set(x, y, float32(v))
		}
	}
	return out, nil
}

// WriteImageNPY stores the pixels of im as a 2D float64 array; invalid pixels become NaN.
func WriteImageNPY(path string, im *Image) error {
	m := mat.NewDense(im.Height, im.Width, nil)
	for y := 0; y < im.Height; y++ {
		for x := 0; x < im.Width; x++ {
			if im.IsValid(x, y) {
				m.Set(y, x, float64(im.At(x, y)))
			} else {
				m.Set(y, x, math.NaN())
			}
		}
	}
	return writeNPY(path, m)
}
