package geometry

import (
	"math"

	"stereodsm/internal/errs"
	"stereodsm/internal/raster"

	"github.com/paulmach/orb"
)

// Frame is the epipolar frame shared by both images: epipolar pixel (x, y)
// sees ground point Origin + x*U + y*V at altitude RefAlt. U is parallel to
// the stereo baseline so that altitude only moves points along rows.
type Frame struct {
	Origin    orb.Point `json:"origin"`
	U         orb.Point `json:"u"`
	V         orb.Point `json:"v"`
	RefAlt    float64   `json:"ref_alt"`
	SizeX     int       `json:"size_x"`
	SizeY     int       `json:"size_y"`
	DispToAlt float64   `json:"disp_to_alt_ratio"`
}

// Ground returns the ground point of epipolar pixel (x, y) at RefAlt.
func (f Frame) Ground(x, y float64) orb.Point {
	return orb.Point{
		f.Origin[0] + x*f.U[0] + y*f.V[0],
		f.Origin[1] + x*f.U[1] + y*f.V[1],
	}
}

// Bounds is the epipolar image extent as [0, SizeX) x [0, SizeY).
func (f Frame) Bounds() (xmin, ymin, xmax, ymax int) {
	return 0, 0, f.SizeX, f.SizeY
}

// EpipolarGrids bundles both rectification grids with their frame.
type EpipolarGrids struct {
	Left  *raster.Grid
	Right *raster.Grid
	Frame Frame
}

// GenerateEpipolarGrids builds rectification grids sampled every step epipolar pixels.
func GenerateEpipolarGrids(left, right Sensor, elev ElevationSource, step int) (*EpipolarGrids, error) {
	if step <= 0 {
		return nil, errs.Invalid("epipolar step must be positive, got %d", step)
	}
	col, row := center(left)
	g0 := left.DirectLocalization(col, row, 0)
	refAlt := elev.Altitude(g0[0], g0[1])

	rc, rr := center(right)
	p1 := ParallaxAt(left, col, row, refAlt)
	p2 := ParallaxAt(right, rc, rr, refAlt)
	base := orb.Point{p1[0] - p2[0], p1[1] - p2[1]}
	baseNorm := math.Hypot(base[0], base[1])
	if baseNorm < 1e-15 {
		return nil, errs.Invalid("images share the same viewing direction, no stereo baseline")
	}
	u := orb.Point{base[0] / baseNorm, base[1] / baseNorm}
	v := orb.Point{-u[1], u[0]}

	a := left.DirectLocalization(col, row, refAlt)
	bx := left.DirectLocalization(col+1, row, refAlt)
	by := left.DirectLocalization(col, row+1, refAlt)
	if dot(v, orb.Point{by[0] - a[0], by[1] - a[1]}) < 0 {
		v = orb.Point{-v[0], -v[1]}
	}
	res := math.Sqrt(math.Abs((bx[0]-a[0])*(by[1]-a[1]) - (bx[1]-a[1])*(by[0]-a[0])))
	if res == 0 {
		return nil, errs.Invalid("left sensor has a degenerate pixel footprint")
	}

	w, h := left.Size()
	minA, minB := math.Inf(1), math.Inf(1)
	maxA, maxB := math.Inf(-1), math.Inf(-1)
	for _, c := range [][2]float64{{0, 0}, {float64(w), 0}, {0, float64(h)}, {float64(w), float64(h)}} {
		g := left.DirectLocalization(c[0], c[1], refAlt)
		pa, pb := dot(g, u)/res, dot(g, v)/res
		minA, maxA = math.Min(minA, pa), math.Max(maxA, pa)
		minB, maxB = math.Min(minB, pb), math.Max(maxB, pb)
	}

	frame := Frame{
		Origin:    orb.Point{res * (minA*u[0] + minB*v[0]), res * (minA*u[1] + minB*v[1])},
		U:         orb.Point{res * u[0], res * u[1]},
		V:         orb.Point{res * v[0], res * v[1]},
		RefAlt:    refAlt,
		SizeX:     int(math.Ceil(maxA - minA - 1e-9)),
		SizeY:     int(math.Ceil(maxB - minB - 1e-9)),
		DispToAlt: res / baseNorm,
	}

	nx := int(math.Ceil(float64(frame.SizeX)/float64(step))) + 1
	ny := int(math.Ceil(float64(frame.SizeY)/float64(step))) + 1
	lg := raster.NewGrid(0, 0, float64(step), float64(step), nx, ny)
	rg := raster.NewGrid(0, 0, float64(step), float64(step), nx, ny)
	for i := 0; i < ny; i++ {
		for j := 0; j < nx; j++ {
			x, y := lg.Node(i, j)
			g := frame.Ground(x, y)
			lg.X[i*nx+j], lg.Y[i*nx+j] = left.InverseLocalization(g, refAlt)
			rg.X[i*nx+j], rg.Y[i*nx+j] = right.InverseLocalization(g, refAlt)
		}
	}
	return &EpipolarGrids{Left: lg, Right: rg, Frame: frame}, nil
}

func dot(a, b orb.Point) float64 { return a[0]*b[0] + a[1]*b[1] }
