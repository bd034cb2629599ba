package correction

import (
	"errors"
	"math"
	"path/filepath"
	"testing"

	"stereodsm/internal/errs"
	"stereodsm/internal/matching"
	"stereodsm/internal/raster"
)

func affineRightGrid() *raster.Grid {
	g := raster.NewGrid(0, 0, 30, 30, 8, 8)
	for i := 0; i < g.NY; i++ {
		for j := 0; j < g.NX; j++ {
			x, y := g.Node(i, j)
			g.X[i*g.NX+j] = 12 + 1.01*x + 0.1*y
			g.Y[i*g.NX+j] = -4 + 0.05*x + 1.5*y
		}
	}
	return g
}

func biasedMatches(offset float64) matching.Matches {
	var ms matching.Matches
	for y := 10.0; y < 200; y += 17 {
		for x := 5.0; x < 200; x += 23 {
			ms = append(ms, matching.Match{LeftX: x, LeftY: y, RightX: x + 3, RightY: y + offset})
		}
	}
	return ms
}

func TestEstimateRemovesConstantVerticalBias(t *testing.T) {
	for _, degree := range []string{Bilinear, Quadratic} {
		res, err := Estimate(biasedMatches(2), affineRightGrid(), degree)
		if err != nil {
			t.Fatalf("%s: %v", degree, err)
		}
		if math.Abs(res.Before.Mean[1]-3) > 1e-9 || math.Abs(res.Before.Mean[0]-0.2) > 1e-9 {
			t.Fatalf("%s: unexpected initial bias %+v", degree, res.Before)
		}
		for axis := 0; axis < 2; axis++ {
			if math.Abs(res.After.Mean[axis]) > 1e-6 {
				t.Fatalf("%s: residual mean %g on axis %d", degree, res.After.Mean[axis], axis)
			}
		}
		if res.After.RMS >= res.Before.RMS {
			t.Fatalf("%s: correction did not reduce the error", degree)
		}
		if math.Abs(res.RowsBefore.Mean+2) > 1e-9 || math.Abs(res.RowsAfter.Mean) > 1e-6 {
			t.Fatalf("%s: row stats before %+v after %+v", degree, res.RowsBefore, res.RowsAfter)
		}
	}
}

func TestEstimateReturnsNewGrid(t *testing.T) {
	right := affineRightGrid()
	before := right.Clone()
	res, err := Estimate(biasedMatches(2), right, Bilinear)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	for i := range right.X {
		if right.X[i] != before.X[i] || right.Y[i] != before.Y[i] {
			t.Fatalf("input grid modified")
		}
	}
	if math.Abs(res.Grid.Y[0]-(before.Y[0]+3)) > 1e-9 {
		t.Fatalf("corrected grid not shifted: %g vs %g", res.Grid.Y[0], before.Y[0])
	}
}

func TestEstimateNeedsEnoughMatches(t *testing.T) {
	ms := biasedMatches(2)[:5]
	if _, err := Estimate(ms, affineRightGrid(), Quadratic); !errors.Is(err, errs.ErrInsufficientMatches) {
		t.Fatalf("expected insufficient matches, got %v", err)
	}
	if _, err := Estimate(ms, affineRightGrid(), "cubic"); !errors.Is(err, errs.ErrInvalidArgument) {
		t.Fatalf("expected invalid degree, got %v", err)
	}
	same := matching.Matches{}
	for i := 0; i < 8; i++ {
		same = append(same, matching.Match{LeftX: 1, LeftY: 1, RightX: 1, RightY: 2})
	}
	if _, err := Estimate(same, affineRightGrid(), Bilinear); !errors.Is(err, errs.ErrInsufficientMatches) {
		t.Fatalf("degenerate layout should be rejected, got %v", err)
	}
}

func TestStats(t *testing.T) {
	s := ComputeStats([]float64{1, 2, 3, 10}, []float64{0, 0, 0, 0})
	if s.Mean[0] != 4 || s.Median[0] != 2.5 || s.Mean[1] != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
	if math.Abs(s.RMS-math.Sqrt(114.0/4)) > 1e-12 || math.Abs(s.RMSD-s.Std[0]) > 1e-12 {
		t.Fatalf("unexpected rms %+v", s)
	}
}

func TestPolynomialPersistence(t *testing.T) {
	res, err := Estimate(biasedMatches(1), affineRightGrid(), Quadratic)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "correction.json")
	if err := res.Model.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}
	back, err := LoadPolynomial(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	ax, ay := res.Model.Eval(50, 60)
	bx, by := back.Eval(50, 60)
	if ax != bx || ay != by {
		t.Fatalf("persisted model differs")
	}
}
