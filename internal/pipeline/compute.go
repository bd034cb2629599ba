package pipeline

import (
	"context"
	"fmt"
	"path/filepath"

	"stereodsm/internal/dense"
	"stereodsm/internal/disparity"
	"stereodsm/internal/errs"
	"stereodsm/internal/geometry"
	"stereodsm/internal/lowres"
	"stereodsm/internal/manifest"
	"stereodsm/internal/orchestrator"
	"stereodsm/internal/raster"
	"stereodsm/internal/tiling"
)

// Output file names of the compute step.
const (
	DSMFile       = "dsm.npy"
	QuicklookFile = "dsm_quicklook.png"
)

// ComputeResult reports a compute run.
type ComputeResult struct {
	RunID       string
	ContentPath string
	Content     *manifest.ComputeContent
}

// Compute runs dense matching over the epipolar tiles described by the
// prepare content document and rasterizes the merged point cloud.
func (d *Driver) Compute(ctx context.Context, contentPath, outDir string) (*ComputeResult, error) {
	if err := orchestrator.Validate(d.Config.Orchestrator); err != nil {
		return nil, err
	}
	content, err := manifest.ReadContent(contentPath)
	if err != nil {
		return nil, err
	}
	r, err := d.beginRun("compute", contentPath, outDir, d.Config.Dense)
	if err != nil {
		return nil, err
	}
	res, err := d.compute(ctx, r, content, contentPath)
	meta := map[string]any{}
	if res != nil {
		meta["content"] = res.ContentPath
		meta["points"] = res.Content.Output.Points
	}
	d.endRun(r, statusOf(err), meta, err)
	if err != nil {
		return nil, err
	}
	res.RunID = r.id
	return res, nil
}

func denseTasks(content *manifest.Content, params dense.Params, tileSize int) ([]dense.Task, *tiling.Dataset[geometry.Cloud], error) {
	out := content.Preprocessing.Output
	if out.LeftEpipolarGrid == "" || out.RightEpipolarGrid == "" {
		return nil, nil, fmt.Errorf("%w: content document has no epipolar grids", errs.ErrConfiguration)
	}
	rng := disparity.Range{Min: out.MinimumDisparity, Max: out.MaximumDisparity}
	grid, err := tiling.SplitGrid(0, 0, out.EpipolarSizeX, out.EpipolarSizeY, tileSize, tileSize)
	if err != nil {
		return nil, nil, err
	}
	lm, rm := params.Correlator().RequiredMargins(rng)
	margin := tiling.Union(lm, rm)
	overlaps := make([][]tiling.Margin, len(grid))
	for i := range grid {
		overlaps[i] = make([]tiling.Margin, len(grid[i]))
		for j := range overlaps[i] {
			overlaps[i][j] = margin
		}
	}
	ds, err := tiling.NewDataset[geometry.Cloud]("dense_points", grid, overlaps)
	if err != nil {
		return nil, nil, err
	}

	bounds := tiling.Region{XMax: out.EpipolarSizeX, YMax: out.EpipolarSizeY}
	var tasks []dense.Task
	for i, row := range grid {
		for j, region := range row {
			tasks = append(tasks, dense.Task{
				Row:        i,
				Col:        j,
				Region:     region,
				Bounds:     bounds,
				Left:       content.Input.Left(),
				Right:      content.Input.Right(),
				LeftGrid:   out.LeftEpipolarGrid,
				RightGrid:  out.RightEpipolarGrid,
				LeftModel:  content.Input.Model1,
				RightModel: content.Input.Model2,
				RefAlt:     out.Frame.RefAlt,
				Range:      rng,
				Params:     params,
			})
		}
	}
	return tasks, ds, nil
}

func (d *Driver) compute(ctx context.Context, r *run, content *manifest.Content, contentPath string) (*ComputeResult, error) {
	cfg := d.Config.Dense
	out := content.Preprocessing.Output
	tasks, ds, err := denseTasks(content, dense.ParamsFromConfig(cfg), cfg.TileSize)
	if err != nil {
		return nil, err
	}
	rows, cols := ds.Shape()
	r.log.Info("dense matching", "tiles", len(tasks), "tile_rows", rows, "tile_cols", cols,
		"disparity_min", out.MinimumDisparity, "disparity_max", out.MaximumDisparity)

	o, err := d.orchestrate(ctx, r)
	if err != nil {
		return nil, err
	}
	defer o.Shutdown()

	batch := make([]orchestrator.Task, len(tasks))
	for i, t := range tasks {
		if batch[i], err = orchestrator.NewTask(dense.TaskKind, i, t); err != nil {
			return nil, err
		}
	}
	handles, err := o.SubmitMany(ctx, batch)
	if err != nil {
		return nil, err
	}
	// tiles land in the dataset by their own coordinates, in completion order
	for _, res := range o.Collect(ctx, handles) {
		if res.Err != nil {
			return nil, fmt.Errorf("dense matching: %w", res.Err)
		}
		tile, err := orchestrator.Decode[*dense.Tile](res)
		if err != nil {
			return nil, err
		}
		if err := ds.Set(tile.Row, tile.Col, tile.Points); err != nil {
			return nil, err
		}
	}
	if !ds.Complete() {
		return nil, fmt.Errorf("dense matching left tiles without results")
	}

	var cloud geometry.Cloud
	if err := ds.Each(func(_, _ int, pts geometry.Cloud) error {
		cloud = append(cloud, pts...)
		return nil
	}); err != nil {
		return nil, err
	}
	r.step("dense_matching", map[string]any{"tiles": len(tasks), "points": len(cloud)})

	geo, gridRows, gridCols, err := lowres.GridFor(out.EnvelopesIntersectionBBox, cfg.Resolution)
	if err != nil {
		return nil, err
	}
	dsm := lowres.Rasterize(cloud, geo, gridRows, gridCols)
	if err := raster.WriteCube(filepath.Join(r.outDir, DSMFile), dsm); err != nil {
		return nil, fmt.Errorf("write dsm: %w", err)
	}
	if err := raster.WriteQuicklookFile(filepath.Join(r.outDir, QuicklookFile), dsm, cfg.QuicklookWidth); err != nil {
		return nil, fmt.Errorf("write quicklook: %w", err)
	}
	r.step("rasterization", map[string]any{"rows": gridRows, "cols": gridCols})

	cc := &manifest.ComputeContent{
		Version: Version,
		Prepare: contentPath,
		Dense:   cfg,
		Output: manifest.ComputeOutput{
			DSM:              DSMFile,
			Quicklook:        QuicklookFile,
			Tiles:            len(tasks),
			Points:           len(cloud),
			MinimumDisparity: out.MinimumDisparity,
			MaximumDisparity: out.MaximumDisparity,
		},
	}
	path := filepath.Join(r.outDir, manifest.ComputeFile)
	if err := cc.Write(path); err != nil {
		return nil, fmt.Errorf("write content: %w", err)
	}
	if err := d.publishOutputs(ctx, r); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &ComputeResult{ContentPath: path, Content: cc}, nil
}
