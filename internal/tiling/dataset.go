package tiling

import (
	"sync"

	"stereodsm/internal/errs"
)

// Dataset is a tile-indexed collection. The tiling grid, the overlap grid and
// the tile slots always share the same shape, and each slot accepts exactly one
// result, inserted by explicit tile coordinate. Overlaps is the extent read
// around each tile by whatever produced its result.
type Dataset[T any] struct {
	Name     string
	Tiling   [][]Region
	Overlaps [][]Margin

	mu    sync.Mutex
	tiles [][]*T
	set   int
}

// NewDataset allocates empty slots shaped like tiling. overlaps may be nil, in
// which case every tile gets a zero margin.
func NewDataset[T any](name string, tiling [][]Region, overlaps [][]Margin) (*Dataset[T], error) {
	if overlaps == nil {
		overlaps = make([][]Margin, len(tiling))
		for i, row := range tiling {
			overlaps[i] = make([]Margin, len(row))
		}
	}
	if len(overlaps) != len(tiling) {
		return nil, errs.Invalid("overlap grid has %d rows, tiling grid %d", len(overlaps), len(tiling))
	}
	tiles := make([][]*T, len(tiling))
	for i, row := range tiling {
		if len(overlaps[i]) != len(row) {
			return nil, errs.Invalid("overlap row %d has %d tiles, tiling row %d", i, len(overlaps[i]), len(row))
		}
		tiles[i] = make([]*T, len(row))
	}
	return &Dataset[T]{Name: name, Tiling: tiling, Overlaps: overlaps, tiles: tiles}, nil
}

// Shape returns the number of tile rows and the length of the first row.
func (d *Dataset[T]) Shape() (rows, cols int) {
	if len(d.tiles) == 0 {
		return 0, 0
	}
	return len(d.tiles), len(d.tiles[0])
}

// Len is the total number of tile slots.
func (d *Dataset[T]) Len() int {
	n := 0
	for _, row := range d.tiles {
		n += len(row)
	}
	return n
}

// Set stores the result of tile (row, col). A second result for the same tile is rejected.
func (d *Dataset[T]) Set(row, col int, v T) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if row < 0 || row >= len(d.tiles) || col < 0 || col >= len(d.tiles[row]) {
		return errs.Invalid("tile (%d,%d) outside dataset %q", row, col, d.Name)
	}
	if d.tiles[row][col] != nil {
		return errs.Invalid("tile (%d,%d) of dataset %q already set", row, col, d.Name)
	}
	d.tiles[row][col] = &v
	d.set++
	return nil
}

// Get returns the tile at (row, col) and whether it has been set.
func (d *Dataset[T]) Get(row, col int) (T, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var zero T
	if row < 0 || row >= len(d.tiles) || col < 0 || col >= len(d.tiles[row]) {
		return zero, false
	}
	if p := d.tiles[row][col]; p != nil {
		return *p, true
	}
	return zero, false
}

// Complete reports whether every slot holds a result.
func (d *Dataset[T]) Complete() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.set == d.Len()
}

// Each visits set tiles in row-major order, independent of insertion order.
func (d *Dataset[T]) Each(fn func(row, col int, v T) error) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, row := range d.tiles {
		for j, p := range row {
			if p == nil {
				continue
			}
			if err := fn(i, j, *p); err != nil {
				return err
			}
		}
	}
	return nil
}
