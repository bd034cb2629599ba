package raster

import (
	"image"
	"image/color"
	"image/png"
	"io"
	"math"
	"os"

	colorful "github.com/lucasb-eyer/go-colorful"
	"github.com/nfnt/resize"
)

// elevation ramp, low to high
var rampStops = []colorful.Color{
	{R: 0.19, G: 0.21, B: 0.58},
	{R: 0.67, G: 0.85, B: 0.91},
	{R: 1.00, G: 1.00, B: 0.75},
	{R: 0.99, G: 0.68, B: 0.38},
	{R: 0.65, G: 0.00, B: 0.15},
}

func rampColor(t float64) color.RGBA {
	t = math.Max(0, math.Min(1, t))
	pos := t * float64(len(rampStops)-1)
	i := int(math.Floor(pos))
	if i >= len(rampStops)-1 {
		i = len(rampStops) - 2
	}
	c := rampStops[i].BlendHcl(rampStops[i+1], pos-float64(i)).Clamped()
	r, g, b := c.RGB255()
	return color.RGBA{R: r, G: g, B: b, A: 255}
}

// Render colours one band of c between its minimum and maximum. Missing
// values are transparent.
func Render(c *Cube, band int) *image.RGBA {
	lo, hi := math.Inf(1), math.Inf(-1)
	for r := 0; r < c.Rows; r++ {
		for col := 0; col < c.Cols; col++ {
			v := c.At(band, r, col)
			if math.IsNaN(v) {
				continue
			}
			lo = math.Min(lo, v)
			hi = math.Max(hi, v)
		}
	}
	span := hi - lo
	if span <= 0 || math.IsInf(span, 0) {
		span = 1
	}

	img := image.NewRGBA(image.Rect(0, 0, c.Cols, c.Rows))
	for r := 0; r < c.Rows; r++ {
		for col := 0; col < c.Cols; col++ {
			v := c.At(band, r, col)
			if math.IsNaN(v) {
				continue
			}
			img.SetRGBA(col, r, rampColor((v-lo)/span))
		}
	}
	return img
}

// WriteQuicklook renders band 0 of c as a PNG no wider than width pixels.
func WriteQuicklook(w io.Writer, c *Cube, width int) error {
	var img image.Image = Render(c, 0)
	if width > 0 && c.Cols > width {
		img = resize.Resize(uint(width), 0, img, resize.Bilinear)
	}
	return png.Encode(w, img)
}

// WriteQuicklookFile is WriteQuicklook to a file.
func WriteQuicklookFile(path string, c *Cube, width int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteQuicklook(f, c, width); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
