package geometry

import (
	"math"
	"os"

	"stereodsm/internal/errs"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Envelope returns the ground footprint of s as a closed counter-clockwise
// ring. Corners are localized on the elevation source.
func Envelope(s Sensor, elev ElevationSource) orb.Polygon {
	w, h := s.Size()
	corners := [][2]float64{{0, 0}, {float64(w), 0}, {float64(w), float64(h)}, {0, float64(h)}}
	ring := make(orb.Ring, 0, 5)
	for _, c := range corners {
		g := s.DirectLocalization(c[0], c[1], 0)
		alt := elev.Altitude(g[0], g[1])
		ring = append(ring, s.DirectLocalization(c[0], c[1], alt))
	}
	ring = append(ring, ring[0])
	if ring.Orientation() == orb.CW {
		ring.Reverse()
	}
	return orb.Polygon{ring}
}

// IntersectEnvelopes clips two convex footprints against each other.
func IntersectEnvelopes(a, b orb.Polygon) (orb.Polygon, error) {
	subject := openRing(a)
	clip := openRing(b)
	if len(subject) < 3 || len(clip) < 3 {
		return nil, errs.Invalid("envelope needs at least three vertices")
	}
	out := subject
	for i := range clip {
		if len(out) == 0 {
			break
		}
		out = clipByEdge(out, clip[i], clip[(i+1)%len(clip)])
	}
	if len(out) < 3 {
		return nil, errs.Invalid("image footprints do not overlap")
	}
	ring := append(out, out[0])
	return orb.Polygon{ring}, nil
}

// BoundingBox returns [xmin, ymin, xmax, ymax] of p.
func BoundingBox(p orb.Polygon) [4]float64 {
	b := p.Bound()
	return [4]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]}
}

// WriteEnvelopes stores named footprints as a GeoJSON feature collection.
func WriteEnvelopes(path string, polys map[string]orb.Polygon, order ...string) error {
	fc := geojson.NewFeatureCollection()
	for _, name := range order {
		p, ok := polys[name]
		if !ok {
			continue
		}
		f := geojson.NewFeature(p)
		f.Properties["name"] = name
		fc.Append(f)
	}
	data, err := fc.MarshalJSON()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// ReadEnvelopes loads a collection written by WriteEnvelopes.
func ReadEnvelopes(path string) (map[string]orb.Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, err
	}
	out := make(map[string]orb.Polygon, len(fc.Features))
	for _, f := range fc.Features {
		if p, ok := f.Geometry.(orb.Polygon); ok {
			out[f.Properties.MustString("name", "")] = p
		}
	}
	return out, nil
}

func openRing(p orb.Polygon) []orb.Point {
	if len(p) == 0 {
		return nil
	}
	r := append(orb.Ring(nil), p[0]...)
	if r.Closed() && len(r) > 1 {
		r = r[:len(r)-1]
	}
	if len(r) >= 3 && r.Orientation() == orb.CW {
		r.Reverse()
	}
	return r
}

func clipByEdge(poly []orb.Point, e1, e2 orb.Point) []orb.Point {
	var out []orb.Point
	for i := range poly {
		cur := poly[i]
		next := poly[(i+1)%len(poly)]
		curIn := insideEdge(cur, e1, e2)
		nextIn := insideEdge(next, e1, e2)
		switch {
		case curIn && nextIn:
			out = append(out, cur)
		case curIn:
			out = append(out, cur)
			if p, ok := segmentLine(cur, next, e1, e2); ok {
				out = append(out, p)
			}
		case nextIn:
			if p, ok := segmentLine(cur, next, e1, e2); ok {
				out = append(out, p)
			}
		}
	}
	return out
}

func insideEdge(p, e1, e2 orb.Point) bool {
	return (e2[0]-e1[0])*(p[1]-e1[1])-(e2[1]-e1[1])*(p[0]-e1[0]) >= 0
}

func segmentLine(p1, p2, e1, e2 orb.Point) (orb.Point, bool) {
	denom := (p1[0]-p2[0])*(e1[1]-e2[1]) - (p1[1]-p2[1])*(e1[0]-e2[0])
	if math.Abs(denom) < 1e-20 {
		return orb.Point{}, false
	}
	t := ((p1[0]-e1[0])*(e1[1]-e2[1]) - (p1[1]-e1[1])*(e1[0]-e2[0])) / denom
	return orb.Point{p1[0] + t*(p2[0]-p1[0]), p1[1] + t*(p2[1]-p1[1])}, true
}
