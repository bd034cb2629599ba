package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math"
	"path/filepath"

	"stereodsm/internal/config"
	"stereodsm/internal/correction"
	"stereodsm/internal/disparity"
	"stereodsm/internal/errs"
	"stereodsm/internal/geometry"
	"stereodsm/internal/logging"
	"stereodsm/internal/lowres"
	"stereodsm/internal/manifest"
	"stereodsm/internal/matching"
	"stereodsm/internal/orchestrator"
	"stereodsm/internal/raster"
	"stereodsm/internal/tiling"

	"github.com/paulmach/orb"
	"gonum.org/v1/gonum/stat"
)

// Output file names of the prepare step.
const (
	EnvelopesFile            = "envelopes.geojson"
	LeftGridFile             = "left_epipolar_grid.npy"
	RightGridFile            = "right_epipolar_grid.npy"
	RightGridUncorrectedFile = "right_epipolar_grid_uncorrected.npy"
	CorrectionModelFile      = "epipolar_correction.json"
	RawMatchesFile           = "raw_matches.npy"
	MatchesFile              = "matches.npy"
	LowResDSMFile            = "lowres_dsm.npy"
	LowResInitialDEMFile     = "lowres_initial_dem.npy"
	LowResDiffFile           = "lowres_elevation_diff.npy"
	SplinesFile              = "lowres_dem_splines_fit.json"
	CorrectedLowResDSMFile   = "corrected_lowres_dsm.npy"
	CorrectedLowResDiffFile  = "corrected_lowres_elevation_diff.npy"
)

// PrepareResult reports a prepare run. Stopped is set, and ContentPath left
// empty, when the run ended early without failing.
type PrepareResult struct {
	RunID       string
	ContentPath string
	Content     *manifest.Content
	Stopped     string
}

// Prepare estimates the rectification grids, the grid correction and the
// disparity range of the pair described by inputPath, writing its outputs
// and content.json into outDir.
func (d *Driver) Prepare(ctx context.Context, inputPath, outDir string) (*PrepareResult, error) {
	if err := orchestrator.Validate(d.Config.Orchestrator); err != nil {
		return nil, err
	}
	in, err := manifest.ReadInput(inputPath)
	if err != nil {
		return nil, err
	}
	r, err := d.beginRun("prepare", inputPath, outDir, manifest.ParametersFromConfig(d.Config.Prepare))
	if err != nil {
		return nil, err
	}
	p := &prepare{d: d, r: r, cfg: d.Config, in: in}
	res, err := p.execute(ctx)

	status := statusOf(err)
	meta := map[string]any{}
	if res != nil {
		if res.Stopped != "" {
			status = RunStopped
			meta["stopped"] = res.Stopped
		}
		if res.ContentPath != "" {
			meta["content"] = res.ContentPath
		}
	}
	d.endRun(r, status, meta, err)
	if err != nil {
		return nil, err
	}
	res.RunID = r.id
	return res, nil
}

// prepare carries the state of one prepare run between its steps.
type prepare struct {
	d   *Driver
	r   *run
	cfg *config.Config
	in  *manifest.Input

	left, right *geometry.AffineModel
	elev        geometry.ElevationSource
	dem         *geometry.DEM
	bbox        [4]float64
	grids       *geometry.EpipolarGrids
	sparseRange disparity.Range
	out         manifest.Output
}

func (p *prepare) path(name string) string {
	return filepath.Join(p.r.outDir, name)
}

func (p *prepare) execute(ctx context.Context) (*PrepareResult, error) {
	if err := p.loadGeometry(); err != nil {
		return nil, err
	}
	if p.cfg.Prepare.CheckInputs {
		if err := checkInputs(p.in, p.left, p.right, p.r.log); err != nil {
			return nil, err
		}
		p.r.step("check_inputs", nil)
	}
	if err := p.envelopes(); err != nil {
		return nil, err
	}
	if err := p.epipolarGrids(); err != nil {
		return nil, err
	}
	p.angles()

	raw, err := p.sparseMatching(ctx)
	if err != nil {
		return nil, err
	}
	filtered := p.filter(raw)
	if need := p.cfg.Prepare.MinMatches; len(filtered) < need {
		return p.stop(fmt.Sprintf("insufficient amount of matches found (%d < %d), can not safely estimate epipolar error correction and disparity range", len(filtered), need)), nil
	}
	p.r.log.Info("matches kept for epipolar error correction", "matches", len(filtered))

	corrected, err := p.correct(filtered)
	if err != nil {
		return p.stopIfInsufficient(err)
	}
	matches, err := p.disparityRange(corrected)
	if err != nil {
		return p.stopIfInsufficient(err)
	}
	if err := p.lowResDSM(matches); err != nil {
		return nil, err
	}

	content := &manifest.Content{
		Input: *p.in,
		Preprocessing: manifest.Preprocessing{
			Version:    Version,
			Parameters: manifest.ParametersFromConfig(p.cfg.Prepare),
			Static:     manifest.StaticFromConfig(p.cfg),
			Output:     p.out,
		},
	}
	contentPath := p.path(manifest.ContentFile)
	if err := content.Write(contentPath); err != nil {
		return nil, fmt.Errorf("write content: %w", err)
	}
	p.r.step("content", map[string]any{"path": contentPath})

	if err := p.d.publishOutputs(ctx, p.r); err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}
	return &PrepareResult{ContentPath: contentPath, Content: content}, nil
}

// stop ends the run early without failing it.
func (p *prepare) stop(reason string) *PrepareResult {
	logging.Critical(p.r.log, reason)
	return &PrepareResult{Stopped: reason}
}

// stopIfInsufficient turns a lack of matches in a fitting step into a stop.
func (p *prepare) stopIfInsufficient(err error) (*PrepareResult, error) {
	if errors.Is(err, errs.ErrInsufficientMatches) {
		return p.stop(err.Error()), nil
	}
	return nil, err
}

func (p *prepare) loadGeometry() error {
	var err error
	if p.left, err = geometry.LoadAffineModel(p.in.Model1); err != nil {
		return fmt.Errorf("left model: %w", err)
	}
	if p.right, err = geometry.LoadAffineModel(p.in.Model2); err != nil {
		return fmt.Errorf("right model: %w", err)
	}
	p.elev = geometry.ConstantElevation(p.in.DefaultAlt)
	if p.in.DEM != "" {
		if p.dem, err = geometry.LoadDEM(p.in.DEM, p.in.DefaultAlt); err != nil {
			return fmt.Errorf("%w: dem %s: %v", errs.ErrConfiguration, p.in.DEM, err)
		}
		p.elev = p.dem
	}
	return nil
}

func (p *prepare) envelopes() error {
	left := geometry.Envelope(p.left, p.elev)
	right := geometry.Envelope(p.right, p.elev)
	inter, err := geometry.IntersectEnvelopes(left, right)
	if err != nil {
		return err
	}
	polys := map[string]orb.Polygon{"left": left, "right": right, "intersection": inter}
	if err := geometry.WriteEnvelopes(p.path(EnvelopesFile), polys, "left", "right", "intersection"); err != nil {
		return fmt.Errorf("write envelopes: %w", err)
	}
	p.bbox = geometry.BoundingBox(inter)
	p.out.Envelopes = EnvelopesFile
	p.out.EnvelopesIntersectionBBox = p.bbox
	p.r.log.Info("envelopes intersection", "bbox", p.bbox)

	if p.cfg.Prepare.CheckInputs && p.dem != nil && !p.dem.Covers(p.bbox) {
		p.r.log.Warn("the input DEM does not cover the whole useful zone", "dem", p.in.DEM, "bbox", p.bbox)
	}
	p.r.step("envelopes", map[string]any{"bbox": p.bbox})
	return nil
}

func (p *prepare) epipolarGrids() error {
	grids, err := geometry.GenerateEpipolarGrids(p.left, p.right, p.elev, p.cfg.Prepare.EpipolarStep)
	if err != nil {
		return err
	}
	p.grids = grids
	f := grids.Frame
	p.out.EpipolarSizeX, p.out.EpipolarSizeY = f.SizeX, f.SizeY
	p.out.EpipolarOriginX, p.out.EpipolarOriginY = grids.Left.OriginX, grids.Left.OriginY
	p.out.EpipolarSpacingX, p.out.EpipolarSpacingY = grids.Left.StepX, grids.Left.StepY
	p.out.DispToAltRatio = f.DispToAlt
	p.out.Frame = f

	if err := raster.WriteGrid(p.path(LeftGridFile), grids.Left); err != nil {
		return fmt.Errorf("write left grid: %w", err)
	}
	if err := raster.WriteGrid(p.path(RightGridUncorrectedFile), grids.Right); err != nil {
		return fmt.Errorf("write uncorrected right grid: %w", err)
	}
	p.out.LeftEpipolarGrid = LeftGridFile
	p.out.RightEpipolarUncorrected = RightGridUncorrectedFile
	p.r.step("epipolar_grids", map[string]any{
		"size_x":            f.SizeX,
		"size_y":            f.SizeY,
		"disp_to_alt_ratio": f.DispToAlt,
	})
	return nil
}

func (p *prepare) angles() {
	p.out.LeftAzimuthAngle, p.out.LeftElevationAngle = geometry.ViewingAngles(p.left, p.elev)
	p.out.RightAzimuthAngle, p.out.RightElevationAngle = geometry.ViewingAngles(p.right, p.elev)
	p.out.ConvergenceAngle = geometry.ConvergenceAngle(p.left, p.right, p.elev)
	p.r.log.Info("viewing angles",
		"left_azimuth", p.out.LeftAzimuthAngle,
		"left_elevation", p.out.LeftElevationAngle,
		"right_azimuth", p.out.RightAzimuthAngle,
		"right_elevation", p.out.RightElevationAngle,
		"convergence", p.out.ConvergenceAngle,
	)
}

// sparseTasks pairs every left region with the right regions exploring the
// full disparity range allowed by the elevation bounds.
func (p *prepare) sparseTasks() ([]matching.SparseTask, error) {
	c := p.cfg.Prepare
	f := p.grids.Frame
	rng, err := disparity.FromElevationBounds(c.ElevationDeltaLowerBound, c.ElevationDeltaUpperBound, f.DispToAlt)
	if err != nil {
		return nil, err
	}
	p.sparseRange = rng
	offsets, err := tiling.SparseOffsets(rng.Min, rng.Max, c.RegionSize)
	if err != nil {
		return nil, err
	}
	regions, err := tiling.Split(0, 0, f.SizeX, f.SizeY, c.RegionSize, c.RegionSize)
	if err != nil {
		return nil, err
	}
	margin := tiling.MarginsFromEpipolarError(c.EpipolarErrorUpperBound, c.EpipolarErrorMaximumBias)
	p.r.log.Info("sparse disparity exploration",
		"range", rng.String(),
		"width", rng.Width(),
		"splits", offsets.Splits,
		"right_region_size", offsets.RegionSize,
		"start", offsets.Start,
		"regions", len(regions),
		"margins", fmt.Sprintf("%+v", margin),
	)

	bounds := tiling.Region{XMax: f.SizeX, YMax: f.SizeY}
	params := matching.ParamsFromConfig(p.cfg.Sparse, margin.Down)
	var tasks []matching.SparseTask
	for _, l := range regions {
		for i := 0; i < offsets.Splits; i++ {
			right := tiling.Crop(tiling.Pad(offsets.RightRegion(l, i), margin), bounds)
			if tiling.Empty(right) {
				continue
			}
			tasks = append(tasks, matching.SparseTask{
				Left:        p.in.Left(),
				Right:       p.in.Right(),
				LeftGrid:    p.path(LeftGridFile),
				RightGrid:   p.path(RightGridUncorrectedFile),
				LeftRegion:  l,
				RightRegion: right,
				Params:      params,
			})
		}
	}
	return tasks, nil
}

func (p *prepare) sparseMatching(ctx context.Context) (matching.Matches, error) {
	tasks, err := p.sparseTasks()
	if err != nil {
		return nil, err
	}
	o, err := p.d.orchestrate(ctx, p.r)
	if err != nil {
		return nil, err
	}
	defer o.Shutdown()

	p.r.log.Info("submitting sparse matching tasks", "tasks", len(tasks))
	parts, err := runTasks[matching.SparseTask, matching.Matches](ctx, o, matching.TaskKind, tasks)
	if err != nil {
		return nil, fmt.Errorf("sparse matching: %w", err)
	}
	raw := matching.Concat(parts...)
	p.r.log.Info("raw matches found", "matches", len(raw))

	if err := matching.WriteNPY(p.path(RawMatchesFile), raw); err != nil {
		return nil, fmt.Errorf("write raw matches: %w", err)
	}
	p.out.RawMatches = RawMatchesFile
	p.r.step("sparse_matching", map[string]any{"tasks": len(tasks), "matches": len(raw)})
	return raw, nil
}

func (p *prepare) filter(raw matching.Matches) matching.Matches {
	c := p.cfg.Prepare
	kept, shift := matching.FilterEpipolarError(raw, c.EpipolarErrorUpperBound, c.EpipolarErrorMaximumBias)
	args := []any{"discarded", len(raw) - len(kept), "epipolar_error_upper_bound", c.EpipolarErrorUpperBound}
	if c.EpipolarErrorMaximumBias != 0 {
		args = append(args, "median_shift", shift)
	}
	p.r.log.Info("matches discarded by epipolar error", args...)

	inRange := matching.FilterDisparity(kept, p.sparseRange.Min, p.sparseRange.Max)
	p.r.log.Info("matches discarded by disparity range",
		"discarded", len(kept)-len(inRange),
		"elevation_delta_lower_bound", c.ElevationDeltaLowerBound,
		"elevation_delta_upper_bound", c.ElevationDeltaUpperBound,
		"range", p.sparseRange.String(),
	)
	return inRange
}

func logRowStats(r *run, when string, rs correction.RowStats) {
	r.log.Info("epipolar error "+when+" correction",
		"mean_pix", fmt.Sprintf("%.3f", rs.Mean),
		"std_pix", fmt.Sprintf("%.3f", rs.Std),
		"max_pix", fmt.Sprintf("%.3f", rs.Max),
	)
}

// correct fits the right grid correction and writes the corrected grid.
func (p *prepare) correct(ms matching.Matches) (matching.Matches, error) {
	logRowStats(p.r, "before", correction.ComputeRowStats(ms))
	est, err := correction.Estimate(ms, p.grids.Right, p.cfg.Prepare.CorrectionDegree)
	if err != nil {
		return nil, fmt.Errorf("epipolar grid correction: %w", err)
	}
	logRowStats(p.r, "after", est.RowsAfter)

	if err := raster.WriteGrid(p.path(RightGridFile), est.Grid); err != nil {
		return nil, fmt.Errorf("write corrected right grid: %w", err)
	}
	if err := est.Model.Save(p.path(CorrectionModelFile)); err != nil {
		return nil, fmt.Errorf("write correction model: %w", err)
	}
	p.grids.Right = est.Grid
	p.out.RightEpipolarGrid = RightGridFile
	p.out.CorrectionModel = CorrectionModelFile
	before, after := est.Before, est.After
	p.out.StatsBefore, p.out.StatsAfter = &before, &after
	p.r.step("grid_correction", map[string]any{
		"rms_before": before.RMS,
		"rms_after":  after.RMS,
	})
	return est.Matches, nil
}

// disparityRange drops matches whose residual epipolar error exceeds
// ResidualSigmaFactor standard deviations, then estimates the range.
// Residuals without spread filter nothing.
func (p *prepare) disparityRange(corrected matching.Matches) (matching.Matches, error) {
	c := p.cfg.Prepare
	residuals := correction.Residuals(corrected)
	kept := corrected
	if bound := c.ResidualSigmaFactor * stat.PopStdDev(residuals, nil); bound > 0 {
		var err error
		if kept, err = matching.FilterResidual(corrected, residuals, bound); err != nil {
			return nil, err
		}
		p.r.log.Info("matches discarded by residual epipolar error",
			"discarded", len(corrected)-len(kept),
			"bound_pix", fmt.Sprintf("%.3f", bound),
		)
	} else {
		p.r.log.Warn("residual epipolar errors have no spread, residual filter skipped", "matches", len(corrected))
	}
	p.r.log.Info("matches kept for disparity range estimation", "matches", len(kept))

	rng, err := disparity.ComputeRange(kept, c.DisparityOutliersRejectionPercent)
	if err != nil {
		return nil, err
	}
	margin := math.Abs(rng.Max-rng.Min) * c.DisparityMargin
	rng = disparity.WithMargin(rng, c.DisparityMargin)
	ratio := p.grids.Frame.DispToAlt
	p.r.log.Info("disparity range with margin",
		"range", rng.String(),
		"margin_pix", fmt.Sprintf("%.3f", margin),
		"range_m", fmt.Sprintf("[%.3f, %.3f]", rng.Min*ratio, rng.Max*ratio),
		"margin_m", fmt.Sprintf("%.3f", margin*ratio),
	)
	p.out.MinimumDisparity, p.out.MaximumDisparity = rng.Min, rng.Max

	if err := matching.WriteNPY(p.path(MatchesFile), kept); err != nil {
		return nil, fmt.Errorf("write matches: %w", err)
	}
	p.out.Matches = MatchesFile
	p.r.step("disparity_range", map[string]any{"min": rng.Min, "max": rng.Max, "matches": len(kept)})
	return kept, nil
}

type cubeOutput struct {
	name string
	cube *raster.Cube
	dst  *string
}

// lowResDSM rasterizes the triangulated matches, compares them with the
// initial elevation and, when the grid is large enough, aligns them on it.
func (p *prepare) lowResDSM(ms matching.Matches) error {
	tri := &geometry.Triangulator{
		Left: p.left, Right: p.right,
		LeftGrid: p.grids.Left, RightGrid: p.grids.Right,
		RefAlt: p.grids.Frame.RefAlt,
	}
	geo, rows, cols, err := lowres.GridFor(p.bbox, p.cfg.LowRes.Resolution)
	if err != nil {
		return err
	}
	reference := geometry.SampleOnGrid(p.elev, geo, rows, cols)
	res, err := lowres.Align(lowres.Input{
		Matches:   ms,
		Cloud:     tri.Triangulate(ms),
		Georef:    geo,
		Rows:      rows,
		Cols:      cols,
		Reference: reference,
		TimeVectors: []orb.Point{
			geometry.TimeGroundDirection(p.left, p.elev),
			geometry.TimeGroundDirection(p.right, p.elev),
		},
		DispToAlt:   p.grids.Frame.DispToAlt,
		Triangulate: tri.Triangulate,
	}, lowres.ParamsFromConfig(p.cfg.LowRes))
	if err != nil {
		return fmt.Errorf("low resolution DSM: %w", err)
	}

	writes := []cubeOutput{
		{LowResDSMFile, res.DSM, &p.out.LowResDSM},
		{LowResInitialDEMFile, reference, &p.out.LowResInitialDEM},
		{LowResDiffFile, res.Diff, &p.out.LowResElevationDifference},
	}
	if res.Corrected != nil {
		writes = append(writes,
			cubeOutput{CorrectedLowResDSMFile, res.Corrected.DSM, &p.out.CorrectedLowResDSM},
			cubeOutput{CorrectedLowResDiffFile, res.Corrected.Diff, &p.out.CorrectedLowResElevationDiff},
		)
	}
	for _, w := range writes {
		if err := raster.WriteCube(p.path(w.name), w.cube); err != nil {
			return fmt.Errorf("write %s: %w", w.name, err)
		}
		*w.dst = w.name
	}

	if res.Line != nil {
		ox, oy := res.Line.Origin[0], res.Line.Origin[1]
		vx, vy := res.Line.Vector[0], res.Line.Vector[1]
		p.out.TimeDirectionLineOriginX, p.out.TimeDirectionLineOriginY = &ox, &oy
		p.out.TimeDirectionLineVectorX, p.out.TimeDirectionLineVectorY = &vx, &vy
	}
	if res.Spline != nil {
		if err := res.Spline.Save(p.path(SplinesFile)); err != nil {
			return fmt.Errorf("write splines: %w", err)
		}
		p.out.LowResDEMSplinesFit = SplinesFile
	}
	if res.Skipped != "" {
		p.r.log.Warn("low resolution DSM alignment skipped", "reason", res.Skipped)
	}
	p.r.step("lowres_dsm", map[string]any{
		"rows":       rows,
		"cols":       cols,
		"aligned":    res.Corrected != nil,
		"resolution": geo.Resolution,
	})
	return nil
}
