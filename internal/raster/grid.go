package raster

import (
	"fmt"
	"math"
	"os"
	"path/filepath"

	"gonum.org/v1/gonum/mat"
)

// Grid is a rectification grid: node (i, j) sits at epipolar position
// (OriginX + j*StepX, OriginY + i*StepY) and stores the sensor position
// (X, Y) = (column, row) that epipolar pixel resamples from.
type Grid struct {
	OriginX float64
	OriginY float64
	StepX   float64
	StepY   float64
	NX, NY  int
	X, Y    []float64
}

// NewGrid allocates an NX x NY grid.
func NewGrid(originX, originY, stepX, stepY float64, nx, ny int) *Grid {
	return &Grid{
		OriginX: originX, OriginY: originY,
		StepX: stepX, StepY: stepY,
		NX: nx, NY: ny,
		X: make([]float64, nx*ny),
		Y: make([]float64, nx*ny),
	}
}

// Node returns the epipolar coordinates of node (i, j).
func (g *Grid) Node(i, j int) (x, y float64) {
	return g.OriginX + float64(j)*g.StepX, g.OriginY + float64(i)*g.StepY
}

// Clone returns a deep copy.
func (g *Grid) Clone() *Grid {
	c := *g
	c.X = append([]float64(nil), g.X...)
	c.Y = append([]float64(nil), g.Y...)
	return &c
}

// Interpolate evaluates the grid at epipolar position (x, y) bilinearly.
// Positions beyond the outer nodes are extrapolated from the border cells.
func (g *Grid) Interpolate(x, y float64) (sx, sy float64) {
	u := (x - g.OriginX) / g.StepX
	v := (y - g.OriginY) / g.StepY
	j := clampCell(int(math.Floor(u)), g.NX)
	i := clampCell(int(math.Floor(v)), g.NY)
	fu := u - float64(j)
	fv := v - float64(i)
	if g.NX == 1 {
		j, fu = 0, 0
	}
	if g.NY == 1 {
		i, fv = 0, 0
	}
	j1 := min(j+1, g.NX-1)
	i1 := min(i+1, g.NY-1)

	lerp := func(vals []float64) float64 {
		a := vals[i*g.NX+j]*(1-fu) + vals[i*g.NX+j1]*fu
		b := vals[i1*g.NX+j]*(1-fu) + vals[i1*g.NX+j1]*fu
		return a*(1-fv) + b*fv
	}
	return lerp(g.X), lerp(g.Y)
}

func clampCell(c, n int) int {
	if c < 0 {
		return 0
	}
	if c > n-2 {
		return max(n-2, 0)
	}
	return c
}

type gridSidecar struct {
	Origin  [2]float64 `json:"origin"`
	Spacing [2]float64 `json:"spacing"`
	Size    [2]int     `json:"size"`
}

// WriteGrid stores the grid as a 2-band array (X rows then Y rows) plus a
// sidecar holding origin and spacing.
func WriteGrid(path string, g *Grid) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data := make([]float64, 0, 2*len(g.X))
	data = append(data, g.X...)
	data = append(data, g.Y...)
	if err := writeNPY(path, mat.NewDense(2*g.NY, g.NX, data)); err != nil {
		return err
	}
	return writeJSON(SidecarPath(path), gridSidecar{
		Origin:  [2]float64{g.OriginX, g.OriginY},
		Spacing: [2]float64{g.StepX, g.StepY},
		Size:    [2]int{g.NX, g.NY},
	})
}

// ReadGrid loads a grid written by WriteGrid.
func ReadGrid(path string) (*Grid, error) {
	var meta gridSidecar
	if err := readJSON(SidecarPath(path), &meta); err != nil {
		return nil, err
	}
	var m mat.Dense
	if err := readNPY(path, &m); err != nil {
		return nil, err
	}
	r, c := m.Dims()
	nx, ny := meta.Size[0], meta.Size[1]
	if r != 2*ny || c != nx {
		return nil, fmt.Errorf("%s: grid array %dx%d does not match %dx%d nodes", path, r, c, nx, ny)
	}
	g := NewGrid(meta.Origin[0], meta.Origin[1], meta.Spacing[0], meta.Spacing[1], nx, ny)
	for i := 0; i < ny; i++ {
		copy(g.X[i*nx:(i+1)*nx], m.RawRowView(i))
		copy(g.Y[i*nx:(i+1)*nx], m.RawRowView(ny+i))
	}
	return g, nil
}
