// Package correction estimates the residual epipolar error left by the
// initial rectification grids and corrects the right grid for it.
package correction

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"stereodsm/internal/errs"
	"stereodsm/internal/raster"

	"gonum.org/v1/gonum/mat"
)

// Supported polynomial degrees.
const (
	Bilinear  = "bilinear"
	Quadratic = "quadratic"
)

// DegreesOfFreedom returns the number of coefficients per axis.
func DegreesOfFreedom(degree string) (int, error) {
	switch degree {
	case Bilinear:
		return 4, nil
	case Quadratic:
		return 6, nil
	}
	return 0, errs.Invalid("unknown correction degree %q", degree)
}

// Polynomial maps an epipolar position to a sensor displacement (dcol, drow).
// Terms are evaluated on coordinates normalized by Center and Scale.
type Polynomial struct {
	Degree string     `json:"degree"`
	Center [2]float64 `json:"center"`
	Scale  [2]float64 `json:"scale"`
	CoefX  []float64  `json:"coef_x"`
	CoefY  []float64  `json:"coef_y"`
}

func terms(degree string, u, v float64, dst []float64) []float64 {
	dst = append(dst[:0], 1, u, v, u*v)
	if degree == Quadratic {
		dst = append(dst, u*u, v*v)
	}
	return dst
}

func (p *Polynomial) normalize(x, y float64) (float64, float64) {
	return (x - p.Center[0]) / p.Scale[0], (y - p.Center[1]) / p.Scale[1]
}

// Eval returns the displacement at epipolar position (x, y).
func (p *Polynomial) Eval(x, y float64) (dx, dy float64) {
	u, v := p.normalize(x, y)
	var buf [6]float64
	t := terms(p.Degree, u, v, buf[:0])
	for i, c := range t {
		dx += p.CoefX[i] * c
		dy += p.CoefY[i] * c
	}
	return dx, dy
}

// Fit solves the least squares problem for displacements (dx[i], dy[i])
// observed at (x[i], y[i]) with a QR factorization.
func Fit(degree string, x, y, dx, dy []float64) (*Polynomial, error) {
	dof, err := DegreesOfFreedom(degree)
	if err != nil {
		return nil, err
	}
	n := len(x)
	if n < dof {
		return nil, fmt.Errorf("%w: %d matches for %d coefficients", errs.ErrInsufficientMatches, n, dof)
	}
	p := &Polynomial{
		Degree: degree,
		Center: [2]float64{meanOf(x), meanOf(y)},
		Scale:  [2]float64{halfRange(x), halfRange(y)},
	}
	a := mat.NewDense(n, dof, nil)
	b := mat.NewDense(n, 2, nil)
	row := make([]float64, 0, dof)
	for i := 0; i < n; i++ {
		u, v := p.normalize(x[i], y[i])
		a.SetRow(i, terms(degree, u, v, row))
		b.Set(i, 0, dx[i])
		b.Set(i, 1, dy[i])
	}
	var qr mat.QR
	qr.Factorize(a)
	var sol mat.Dense
	if err := qr.SolveTo(&sol, false, b); err != nil {
		return nil, fmt.Errorf("%w: correction fit: %v", errs.ErrInsufficientMatches, err)
	}
	p.CoefX = make([]float64, dof)
	p.CoefY = make([]float64, dof)
	for i := 0; i < dof; i++ {
		p.CoefX[i] = sol.At(i, 0)
		p.CoefY[i] = sol.At(i, 1)
	}
	return p, nil
}

// Apply returns a new grid whose nodes are moved by the polynomial.
func (p *Polynomial) Apply(g *raster.Grid) *raster.Grid {
	out := g.Clone()
	for i := 0; i < g.NY; i++ {
		for j := 0; j < g.NX; j++ {
			x, y := g.Node(i, j)
			dx, dy := p.Eval(x, y)
			out.X[i*g.NX+j] += dx
			out.Y[i*g.NX+j] += dy
		}
	}
	return out
}

// Save writes the model as JSON.
func (p *Polynomial) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadPolynomial reads a model written by Save.
func LoadPolynomial(path string) (*Polynomial, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p Polynomial
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode correction %s: %w", path, err)
	}
	dof, err := DegreesOfFreedom(p.Degree)
	if err != nil {
		return nil, err
	}
	if len(p.CoefX) != dof || len(p.CoefY) != dof {
		return nil, errs.Invalid("correction %s: expected %d coefficients", path, dof)
	}
	return &p, nil
}

func meanOf(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x
	}
	return s / float64(len(v))
}

func halfRange(v []float64) float64 {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, x := range v {
		lo, hi = math.Min(lo, x), math.Max(hi, x)
	}
	if h := (hi - lo) / 2; h > 0 {
		return h
	}
	return 1
}
