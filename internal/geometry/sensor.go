// Package geometry provides the projection collaborator: sensor models,
// epipolar grid generation, triangulation and footprint envelopes.
package geometry

import (
	"encoding/json"
	"fmt"
	"math"
	"os"

	"stereodsm/internal/errs"

	"github.com/paulmach/orb"
)

// Sensor is a push-broom image model localising image positions on the ground.
// Ground coordinates are (lon, lat) in degrees, altitudes in metres.
type Sensor interface {
	Size() (width, height int)
	DirectLocalization(col, row, alt float64) orb.Point
	InverseLocalization(ground orb.Point, alt float64) (col, row float64)
}

// AffineModel approximates a push-broom sensor over a small scene:
//
//	ground = Origin + Matrix * (col, row) + Parallax * (alt - RefAlt)
//
// Rows follow acquisition time. Parallax is the apparent ground shift, in
// degrees, of a point raised by one metre.
type AffineModel struct {
	Width    int           `json:"width"`
	Height   int           `json:"height"`
	Origin   [2]float64    `json:"origin"`
	Matrix   [2][2]float64 `json:"matrix"`
	Parallax [2]float64    `json:"parallax"`
	RefAlt   float64       `json:"ref_alt"`
}

// LoadAffineModel reads a model document.
func LoadAffineModel(path string) (*AffineModel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m AffineModel
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode model %s: %v", errs.ErrConfiguration, path, err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("model %s: %w", path, err)
	}
	return &m, nil
}

// Save writes the model document.
func (m *AffineModel) Save(path string) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (m *AffineModel) det() float64 {
	return m.Matrix[0][0]*m.Matrix[1][1] - m.Matrix[0][1]*m.Matrix[1][0]
}

// Validate rejects degenerate models.
func (m *AffineModel) Validate() error {
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: model size %dx%d", errs.ErrConfiguration, m.Width, m.Height)
	}
	if math.Abs(m.det()) < 1e-18 {
		return fmt.Errorf("%w: singular image-to-ground matrix", errs.ErrConfiguration)
	}
	return nil
}

func (m *AffineModel) Size() (int, int) { return m.Width, m.Height }

func (m *AffineModel) DirectLocalization(col, row, alt float64) orb.Point {
	dh := alt - m.RefAlt
	return orb.Point{
		m.Origin[0] + m.Matrix[0][0]*col + m.Matrix[0][1]*row + m.Parallax[0]*dh,
		m.Origin[1] + m.Matrix[1][0]*col + m.Matrix[1][1]*row + m.Parallax[1]*dh,
	}
}

func (m *AffineModel) InverseLocalization(g orb.Point, alt float64) (col, row float64) {
	dh := alt - m.RefAlt
	gx := g[0] - m.Origin[0] - m.Parallax[0]*dh
	gy := g[1] - m.Origin[1] - m.Parallax[1]*dh
	d := m.det()
	col = (m.Matrix[1][1]*gx - m.Matrix[0][1]*gy) / d
	row = (-m.Matrix[1][0]*gx + m.Matrix[0][0]*gy) / d
	return col, row
}

// ParallaxAt estimates the ground shift per metre of altitude at image position (col, row).
func ParallaxAt(s Sensor, col, row, alt float64) orb.Point {
	a := s.DirectLocalization(col, row, alt)
	b := s.DirectLocalization(col, row, alt+1)
	return orb.Point{b[0] - a[0], b[1] - a[1]}
}

func center(s Sensor) (col, row float64) {
	w, h := s.Size()
	return float64(w) / 2, float64(h) / 2
}

// TimeGroundDirection is the unit ground vector along which acquisition time
// increases, taken at the image centre.
func TimeGroundDirection(s Sensor, elev ElevationSource) orb.Point {
	col, row := center(s)
	g0 := s.DirectLocalization(col, row, 0)
	alt := elev.Altitude(g0[0], g0[1])
	a := s.DirectLocalization(col, row, alt)
	b := s.DirectLocalization(col, row+1, alt)
	return normalize(orb.Point{b[0] - a[0], b[1] - a[1]})
}

// ViewingAngles returns the azimuth (degrees clockwise from north) and
// elevation (degrees above the horizon) of the direction towards the sensor.
func ViewingAngles(s Sensor, elev ElevationSource) (azimuth, elevation float64) {
	east, north := losMetres(s, elev)
	azimuth = math.Mod(math.Atan2(east, north)*180/math.Pi+360, 360)
	elevation = math.Atan2(1, math.Hypot(east, north)) * 180 / math.Pi
	return azimuth, elevation
}

// ConvergenceAngle is the angle in degrees between both lines of sight.
func ConvergenceAngle(left, right Sensor, elev ElevationSource) float64 {
	e1, n1 := losMetres(left, elev)
	e2, n2 := losMetres(right, elev)
	v1 := [3]float64{e1, n1, 1}
	v2 := [3]float64{e2, n2, 1}
	dot := v1[0]*v2[0] + v1[1]*v2[1] + v1[2]*v2[2]
	n := math.Sqrt(v1[0]*v1[0]+v1[1]*v1[1]+v1[2]*v1[2]) * math.Sqrt(v2[0]*v2[0]+v2[1]*v2[1]+v2[2]*v2[2])
	return math.Acos(math.Max(-1, math.Min(1, dot/n))) * 180 / math.Pi
}

// losMetres converts the parallax at the image centre to a horizontal
// displacement in metres per metre of altitude.
func losMetres(s Sensor, elev ElevationSource) (east, north float64) {
	col, row := center(s)
	g := s.DirectLocalization(col, row, 0)
	alt := elev.Altitude(g[0], g[1])
	p := ParallaxAt(s, col, row, alt)
	east = p[0] * metresPerDegreeLon(g[1])
	north = p[1] * metresPerDegreeLat
	return east, north
}

const metresPerDegreeLat = 110540.0

func metresPerDegreeLon(lat float64) float64 {
	return 111320.0 * math.Cos(lat*math.Pi/180)
}

func normalize(p orb.Point) orb.Point {
	n := math.Hypot(p[0], p[1])
	if n == 0 {
		return p
	}
	return orb.Point{p[0] / n, p[1] / n}
}
