package raster

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"

	"github.com/sbinet/npyio"
	"gonum.org/v1/gonum/mat"
)

// Georef places a cube on the ground: cell (row, col) has its centre at
// (XStart + (col+0.5)*Resolution, YStart - (row+0.5)*Resolution).
// EPSG 0 marks a CRS-less cube.
type Georef struct {
	XStart     float64 `json:"xstart"`
	YStart     float64 `json:"ystart"`
	Resolution float64 `json:"resolution"`
	EPSG       int     `json:"epsg"`
}

// CellCenter returns the ground coordinates of cell (row, col).
func (g Georef) CellCenter(row, col int) (x, y float64) {
	return g.XStart + (float64(col)+0.5)*g.Resolution, g.YStart - (float64(row)+0.5)*g.Resolution
}

// Cell returns the cell containing ground point (x, y); it may be outside the cube.
func (g Georef) Cell(x, y float64) (row, col int) {
	return int(math.Floor((g.YStart - y) / g.Resolution)), int(math.Floor((x - g.XStart) / g.Resolution))
}

// Cube is a stack of equally sized bands, NaN marking missing values.
type Cube struct {
	Names  []string  `json:"bands"`
	Rows   int       `json:"rows"`
	Cols   int       `json:"cols"`
	Georef Georef    `json:"georef"`
	Data   []float64 `json:"-"`
}

// NewCube allocates a cube filled with NaN.
func NewCube(georef Georef, rows, cols int, names ...string) *Cube {
	c := &Cube{Names: names, Rows: rows, Cols: cols, Georef: georef, Data: make([]float64, len(names)*rows*cols)}
	for i := range c.Data {
		c.Data[i] = math.NaN()
	}
	return c
}

func (c *Cube) Band(name string) int {
	for i, n := range c.Names {
		if n == name {
			return i
		}
	}
	return -1
}

func (c *Cube) At(band, row, col int) float64 {
	return c.Data[(band*c.Rows+row)*c.Cols+col]
}

func (c *Cube) Set(band, row, col int, v float64) {
	c.Data[(band*c.Rows+row)*c.Cols+col] = v
}

// sidecar carries everything but the samples.
type sidecar struct {
	Names  []string `json:"bands"`
	Rows   int      `json:"rows"`
	Cols   int      `json:"cols"`
	Georef Georef   `json:"georef"`
}

// SidecarPath returns the metadata document stored next to an array file.
func SidecarPath(path string) string {
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".json"
}

// WriteCube stores c as <path> (npy, bands stacked along rows) plus a JSON sidecar.
func WriteCube(path string, c *Cube) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	m := mat.NewDense(len(c.Names)*c.Rows, c.Cols, c.Data)
	if err := writeNPY(path, m); err != nil {
		return err
	}
	return writeJSON(SidecarPath(path), sidecar{Names: c.Names, Rows: c.Rows, Cols: c.Cols, Georef: c.Georef})
}

// ReadCube loads a cube written by WriteCube.
func ReadCube(path string) (*Cube, error) {
	var meta sidecar
	if err := readJSON(SidecarPath(path), &meta); err != nil {
		return nil, err
	}
	var m mat.Dense
	if err := readNPY(path, &m); err != nil {
		return nil, err
	}
	r, cols := m.Dims()
	if r != len(meta.Names)*meta.Rows || cols != meta.Cols {
		return nil, fmt.Errorf("%s: array shape %dx%d does not match sidecar %d bands of %dx%d",
			path, r, cols, len(meta.Names), meta.Rows, meta.Cols)
	}
	c := &Cube{Names: meta.Names, Rows: meta.Rows, Cols: meta.Cols, Georef: meta.Georef, Data: make([]float64, r*cols)}
	for i := 0; i < r; i++ {
		copy(c.Data[i*cols:(i+1)*cols], m.RawRowView(i))
	}
	return c, nil
}

// HasGeoref reports whether the array at path has a sidecar placing it on
// the ground.
func HasGeoref(path string) bool {
	var meta sidecar
	if err := readJSON(SidecarPath(path), &meta); err != nil {
		return false
	}
	return meta.Georef.Resolution > 0
}

// Difference returns a - b on band 0 of both cubes, NaN where either is missing.
func Difference(a, b *Cube, name string) (*Cube, error) {
	if a.Rows != b.Rows || a.Cols != b.Cols {
		return nil, fmt.Errorf("cube sizes differ: %dx%d vs %dx%d", a.Rows, a.Cols, b.Rows, b.Cols)
	}
	out := NewCube(a.Georef, a.Rows, a.Cols, name)
	for r := 0; r < a.Rows; r++ {
		for col := 0; col < a.Cols; col++ {
			out.Set(0, r, col, a.At(0, r, col)-b.At(0, r, col))
		}
	}
	return out, nil
}

// WriteMatrix stores m as a 2D .npy array.
func WriteMatrix(path string, m *mat.Dense) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeNPY(path, m)
}

// ReadMatrix loads a 2D .npy array.
func ReadMatrix(path string) (*mat.Dense, error) {
	var m mat.Dense
	if err := readNPY(path, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func writeNPY(path string, m *mat.Dense) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := npyio.Write(f, m); err != nil {
		f.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	return f.Close()
}

func readNPY(path string, m *mat.Dense) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := npyio.Read(f, m); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
