package matching

import (
	"context"
	"fmt"

	"stereodsm/internal/epipolar"
	"stereodsm/internal/tiling"
)

// TaskKind names sparse matching units of work.
const TaskKind = "sparse_matching"

// SparseTask is one left region matched against one right region. It only
// references files so that it can run on any worker.
type SparseTask struct {
	Left        epipolar.Source `json:"left"`
	Right       epipolar.Source `json:"right"`
	LeftGrid    string          `json:"left_grid"`
	RightGrid   string          `json:"right_grid"`
	LeftRegion  tiling.Region   `json:"left_region"`
	RightRegion tiling.Region   `json:"right_region"`
	Params      Params          `json:"params"`
}

// ExecuteSparse resamples both regions and matches them.
func ExecuteSparse(ctx context.Context, t SparseTask) (Matches, error) {
	left, err := epipolar.LoadTile(ctx, t.Left, t.LeftGrid, t.LeftRegion)
	if err != nil {
		return nil, fmt.Errorf("left region %s: %w", t.LeftRegion, err)
	}
	right, err := epipolar.LoadTile(ctx, t.Right, t.RightGrid, t.RightRegion)
	if err != nil {
		return nil, fmt.Errorf("right region %s: %w", t.RightRegion, err)
	}
	m := &Matcher{Params: t.Params}
	ms, err := m.Match(ctx, left, right)
	if err != nil {
		return nil, err
	}
	if ms == nil {
		ms = Matches{}
	}
	return ms, nil
}
