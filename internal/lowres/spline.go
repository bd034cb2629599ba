package lowres

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	"gonum.org/v1/gonum/interp"
)

// Spline is the elevation correction along the acquisition time line. It is
// persisted as its knots so any implementation can rebuild it.
type Spline struct {
	Kind          string    `json:"kind"`
	Extrapolation string    `json:"extrapolation"`
	Knots         []float64 `json:"knots"`
	Values        []float64 `json:"values"`

	fn *interp.NaturalCubic
}

const (
	splineKind    = "natural_cubic"
	extrapolation = "constant"
)

func newSpline(knots, values []float64) (*Spline, error) {
	s := &Spline{Kind: splineKind, Extrapolation: extrapolation, Knots: knots, Values: values}
	if err := s.build(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Spline) build() error {
	var nc interp.NaturalCubic
	if err := nc.Fit(s.Knots, s.Values); err != nil {
		return fmt.Errorf("fit spline: %w", err)
	}
	s.fn = &nc
	return nil
}

// Eval returns the correction at t, held constant beyond the outer knots.
func (s *Spline) Eval(t float64) float64 {
	lo, hi := s.Knots[0], s.Knots[len(s.Knots)-1]
	t = math.Max(lo, math.Min(hi, t))
	return s.fn.Predict(t)
}

// Save writes the spline as JSON.
func (s *Spline) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// LoadSpline reads a spline written by Save.
func LoadSpline(path string) (*Spline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Spline
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode spline %s: %w", path, err)
	}
	if s.Kind != splineKind {
		return nil, fmt.Errorf("spline %s: unsupported kind %q", path, s.Kind)
	}
	if err := s.build(); err != nil {
		return nil, fmt.Errorf("spline %s: %w", path, err)
	}
	return &s, nil
}

// SplineParams controls FitSpline.
type SplineParams struct {
	BinWidth        float64
	MinPointsPerBin int
	MinBins         int
	SmoothingWindow int
}

// FitSpline bins (t, v) samples along t, takes the median of each bin with
// enough samples, smooths the medians with a centred moving average and fits
// a natural cubic spline through them. It returns nil when fewer than
// MinBins bins survive.
func FitSpline(t, v []float64, p SplineParams) (*Spline, error) {
	if len(t) == 0 || p.BinWidth <= 0 {
		return nil, nil
	}
	lo := math.Inf(1)
	for _, x := range t {
		lo = math.Min(lo, x)
	}
	bins := map[int][]float64{}
	for i, x := range t {
		if math.IsNaN(v[i]) || math.IsNaN(x) {
			continue
		}
		b := int(math.Floor((x - lo) / p.BinWidth))
		bins[b] = append(bins[b], v[i])
	}
	keys := make([]int, 0, len(bins))
	for k, vals := range bins {
		if len(vals) >= p.MinPointsPerBin {
			keys = append(keys, k)
		}
	}
	if len(keys) < max(p.MinBins, 3) {
		return nil, nil
	}
	sort.Ints(keys)
	knots := make([]float64, len(keys))
	meds := make([]float64, len(keys))
	for i, k := range keys {
		knots[i] = lo + (float64(k)+0.5)*p.BinWidth
		meds[i] = median(bins[k])
	}
	return newSpline(knots, movingAverage(meds, p.SmoothingWindow))
}

// movingAverage is a centred window average; the window shrinks near the ends.
func movingAverage(v []float64, window int) []float64 {
	half := max(window, 1) / 2
	out := make([]float64, len(v))
	for i := range v {
		a, b := max(i-half, 0), min(i+half, len(v)-1)
		var s float64
		for j := a; j <= b; j++ {
			s += v[j]
		}
		out[i] = s / float64(b-a+1)
	}
	return out
}

func median(v []float64) float64 {
	s := append([]float64(nil), v...)
	sort.Float64s(s)
	n := len(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}
