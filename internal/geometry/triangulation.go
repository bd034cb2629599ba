package geometry

import (
	"math"

	"stereodsm/internal/matching"
	"stereodsm/internal/raster"

	"github.com/paulmach/orb"
)

// CorrelationValid is the correlation mask value of a triangulated match.
const CorrelationValid = 255

// Point is one triangulated match.
type Point struct {
	X         float64 `json:"x"`
	Y         float64 `json:"y"`
	Z         float64 `json:"z"`
	Disparity float64 `json:"disparity"`
	CorrMask  uint8   `json:"corr_msk"`
}

// Cloud is a point cloud whose rows follow the matches it was built from.
type Cloud []Point

// Triangulator intersects lines of sight through rectification grids.
type Triangulator struct {
	Left, Right         Sensor
	LeftGrid, RightGrid *raster.Grid
	RefAlt              float64
}

// Triangulate returns one point per match, in match order.
func (t *Triangulator) Triangulate(ms matching.Matches) Cloud {
	out := make(Cloud, len(ms))
	for i, m := range ms {
		out[i] = t.point(m)
	}
	return out
}

func (t *Triangulator) point(m matching.Match) Point {
	lc, lr := t.LeftGrid.Interpolate(m.LeftX, m.LeftY)
	rc, rr := t.RightGrid.Interpolate(m.RightX, m.RightY)

	alt := t.RefAlt
	var g orb.Point
	for iter := 0; iter < 4; iter++ {
		g1 := t.Left.DirectLocalization(lc, lr, alt)
		g2 := t.Right.DirectLocalization(rc, rr, alt)
		p1 := ParallaxAt(t.Left, lc, lr, alt)
		p2 := ParallaxAt(t.Right, rc, rr, alt)
		b := orb.Point{p1[0] - p2[0], p1[1] - p2[1]}
		bb := dot(b, b)
		dh := 0.0
		if bb > 0 {
			dh = dot(b, orb.Point{g2[0] - g1[0], g2[1] - g1[1]}) / bb
		}
		g = orb.Point{
			(g1[0] + p1[0]*dh + g2[0] + p2[0]*dh) / 2,
			(g1[1] + p1[1]*dh + g2[1] + p2[1]*dh) / 2,
		}
		alt += dh
		if math.Abs(dh) < 1e-6 {
			break
		}
	}
	return Point{
		X:         g[0],
		Y:         g[1],
		Z:         alt,
		Disparity: m.Disparity(),
		CorrMask:  CorrelationValid,
	}
}
