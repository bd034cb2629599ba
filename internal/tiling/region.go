// Package tiling partitions epipolar images into independently processable
// regions and tracks the margins each region needs for window-based work.
package tiling

import (
	"fmt"
	"math"

	"stereodsm/internal/errs"
)

// Region is an axis-aligned rectangle [XMin, XMax) x [YMin, YMax) in epipolar
// pixel coordinates. Regions are values: helpers return new regions.
type Region struct {
	XMin int `json:"xmin"`
	YMin int `json:"ymin"`
	XMax int `json:"xmax"`
	YMax int `json:"ymax"`
}

// Margin is the extent added on each side of a region.
type Margin struct {
	Left  int `json:"left"`
	Up    int `json:"up"`
	Right int `json:"right"`
	Down  int `json:"down"`
}

func (r Region) Width() int  { return r.XMax - r.XMin }
func (r Region) Height() int { return r.YMax - r.YMin }
func (r Region) Area() int {
	if Empty(r) {
		return 0
	}
	return r.Width() * r.Height()
}

func (r Region) String() string {
	return fmt.Sprintf("[%d,%d,%d,%d]", r.XMin, r.YMin, r.XMax, r.YMax)
}

// Contains reports whether o lies entirely inside r.
func (r Region) Contains(o Region) bool {
	return o.XMin >= r.XMin && o.YMin >= r.YMin && o.XMax <= r.XMax && o.YMax <= r.YMax
}

// Translate shifts the region by (dx, dy).
func (r Region) Translate(dx, dy int) Region {
	return Region{XMin: r.XMin + dx, YMin: r.YMin + dy, XMax: r.XMax + dx, YMax: r.YMax + dy}
}

// SplitGrid partitions [xmin,xmax) x [ymin,ymax) into rows of regions of at
// most sizeX x sizeY. The last region of each row and column absorbs the remainder.
func SplitGrid(xmin, ymin, xmax, ymax, sizeX, sizeY int) ([][]Region, error) {
	if sizeX <= 0 || sizeY <= 0 {
		return nil, errs.Invalid("region size must be positive, got %dx%d", sizeX, sizeY)
	}
	if xmax <= xmin || ymax <= ymin {
		return nil, nil
	}

	var rows [][]Region
	for y := ymin; y < ymax; y += sizeY {
		var row []Region
		for x := xmin; x < xmax; x += sizeX {
			row = append(row, Region{
				XMin: x,
				YMin: y,
				XMax: min(x+sizeX, xmax),
				YMax: min(y+sizeY, ymax),
			})
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// Split is SplitGrid flattened in row-major order.
func Split(xmin, ymin, xmax, ymax, sizeX, sizeY int) ([]Region, error) {
	rows, err := SplitGrid(xmin, ymin, xmax, ymax, sizeX, sizeY)
	if err != nil {
		return nil, err
	}
	var out []Region
	for _, row := range rows {
		out = append(out, row...)
	}
	return out, nil
}

// Pad widens r by m. The result may extend outside any image bounds.
func Pad(r Region, m Margin) Region {
	return Region{
		XMin: r.XMin - m.Left,
		YMin: r.YMin - m.Up,
		XMax: r.XMax + m.Right,
		YMax: r.YMax + m.Down,
	}
}

// Union returns the margin covering both a and b on every side.
func Union(a, b Margin) Margin {
	return Margin{
		Left:  max(a.Left, b.Left),
		Up:    max(a.Up, b.Up),
		Right: max(a.Right, b.Right),
		Down:  max(a.Down, b.Down),
	}
}

// Crop clamps r to bounds. The result may be Empty.
func Crop(r, bounds Region) Region {
	return Region{
		XMin: max(r.XMin, bounds.XMin),
		YMin: max(r.YMin, bounds.YMin),
		XMax: min(r.XMax, bounds.XMax),
		YMax: min(r.YMax, bounds.YMax),
	}
}

// Empty reports whether r has no area.
func Empty(r Region) bool {
	return r.XMax <= r.XMin || r.YMax <= r.YMin
}

// MarginsFromEpipolarError returns the margin added around right regions
// during sparse matching so that matches off by up to upperBound+bias rows
// are still found.
func MarginsFromEpipolarError(upperBound, maxBias float64) Margin {
	lo := int(math.Floor(upperBound + maxBias))
	hi := int(math.Ceil(upperBound + maxBias))
	return Margin{Left: lo, Up: lo, Right: lo, Down: hi}
}

// Offsets describes how the full sparse disparity range is explored with
// several right regions per left region.
type Offsets struct {
	Splits     int
	RegionSize int
	Start      float64
}

// SparseOffsets divides [dispLower, dispUpper] into enough right-region
// windows of regionSize to cover the whole range.
func SparseOffsets(dispLower, dispUpper float64, regionSize int) (Offsets, error) {
	if regionSize <= 0 {
		return Offsets{}, errs.Invalid("region size must be positive, got %d", regionSize)
	}
	if dispUpper < dispLower {
		return Offsets{}, errs.Invalid("disparity bounds reversed: [%g, %g]", dispLower, dispUpper)
	}
	width := dispUpper - dispLower
	center := (dispUpper + dispLower) / 2

	splits := 1 + int(math.Floor(width/float64(regionSize)))
	size := int(math.Ceil((float64(regionSize) + width) / float64(splits)))
	total := float64(splits * size)
	return Offsets{
		Splits:     splits,
		RegionSize: size,
		Start:      center - total/2 + float64(regionSize)/2,
	}, nil
}

// RightRegion returns the right region explored by split i for left region l.
func (o Offsets) RightRegion(l Region, i int) Region {
	offset := int(math.Floor(o.Start + float64(i*o.RegionSize)))
	return Region{
		XMin: l.XMin + offset,
		YMin: l.YMin,
		XMax: l.XMin + offset + o.RegionSize,
		YMax: l.YMax,
	}
}
