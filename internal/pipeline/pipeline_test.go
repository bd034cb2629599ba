package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stereodsm/internal/config"
	"stereodsm/internal/dense"
	"stereodsm/internal/disparity"
	"stereodsm/internal/errs"
	"stereodsm/internal/geometry"
	"stereodsm/internal/manifest"
	"stereodsm/internal/matching"
	"stereodsm/internal/storage"
	"stereodsm/internal/synth"
	"stereodsm/internal/tiling"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Prepare.EpipolarStep = 10
	cfg.Prepare.RegionSize = 100
	cfg.Prepare.ElevationDeltaLowerBound = -100
	cfg.Prepare.ElevationDeltaUpperBound = 200
	cfg.Prepare.MinMatches = 50
	cfg.Sparse.CellSize = 8
	cfg.Dense.TileSize = 64
	cfg.Orchestrator.Mode = "local"
	cfg.Orchestrator.Workers = 2
	cfg.Logging.FileOutput = false
	return cfg
}

func testDriver(t *testing.T, cfg *config.Config) *Driver {
	t.Helper()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return NewDriver(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), store, nil)
}

func writeScene(t *testing.T, s synth.Scene) string {
	t.Helper()
	input, err := synth.Write(filepath.Join(t.TempDir(), "scene"), s)
	if err != nil {
		t.Fatalf("scene: %v", err)
	}
	return input
}

func lastRun(t *testing.T, d *Driver) storage.RunRecord {
	t.Helper()
	runs, err := d.Store.RecentRuns(1)
	if err != nil || len(runs) != 1 {
		t.Fatalf("runs: %v %v", runs, err)
	}
	return runs[0]
}

func TestPrepareWritesContent(t *testing.T) {
	scene := synth.Default()
	scene.RightError = [2]float64{0, 1}
	cfg := testConfig()
	d := testDriver(t, cfg)
	out := filepath.Join(t.TempDir(), "out")

	res, err := d.Prepare(context.Background(), writeScene(t, scene), out)
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if res.Stopped != "" || res.ContentPath != filepath.Join(out, manifest.ContentFile) {
		t.Fatalf("unexpected result %+v", res)
	}
	content, err := manifest.ReadContent(res.ContentPath)
	if err != nil {
		t.Fatalf("read content: %v", err)
	}
	o := content.Preprocessing.Output
	for _, p := range []string{o.LeftEpipolarGrid, o.RightEpipolarGrid, o.RightEpipolarUncorrected, o.CorrectionModel, o.Envelopes, o.RawMatches} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("missing output: %v", err)
		}
	}
	ms, err := matching.ReadNPY(o.Matches)
	if err != nil {
		t.Fatalf("matches: %v", err)
	}
	if len(ms) < cfg.Prepare.MinMatches {
		t.Fatalf("only %d matches kept", len(ms))
	}
	if o.StatsBefore == nil || o.StatsAfter == nil || o.StatsAfter.RMS >= o.StatsBefore.RMS {
		t.Fatalf("correction did not reduce the epipolar error: %+v %+v", o.StatsBefore, o.StatsAfter)
	}
	if o.MinimumDisparity >= o.MaximumDisparity {
		t.Fatalf("empty disparity range [%g, %g]", o.MinimumDisparity, o.MaximumDisparity)
	}
	if run := lastRun(t, d); run.Status != RunCompleted || run.ID != res.RunID || run.Command != "prepare" {
		t.Fatalf("unexpected run record %+v", run)
	}
}

func TestPrepareStopsWithoutEnoughMatches(t *testing.T) {
	cfg := testConfig()
	cfg.Prepare.MinMatches = 1 << 20
	cfg.Orchestrator.Mode = "sequential"
	d := testDriver(t, cfg)
	out := filepath.Join(t.TempDir(), "out")

	res, err := d.Prepare(context.Background(), writeScene(t, synth.Default()), out)
	if err != nil {
		t.Fatalf("a stop is not a failure: %v", err)
	}
	if res.Stopped == "" || res.ContentPath != "" {
		t.Fatalf("expected a stopped run, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(out, manifest.ContentFile)); !os.IsNotExist(err) {
		t.Fatalf("content written on a stopped run")
	}
	if run := lastRun(t, d); run.Status != RunStopped {
		t.Fatalf("status %q", run.Status)
	}
}

func TestComputeProducesDSM(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	cfg.Publish.Target = filepath.Join(dir, "published")
	d := testDriver(t, cfg)
	ctx := context.Background()

	prep, err := d.Prepare(ctx, writeScene(t, synth.Default()), filepath.Join(dir, "prepare"))
	if err != nil || prep.ContentPath == "" {
		t.Fatalf("prepare: %v %+v", err, prep)
	}
	res, err := d.Compute(ctx, prep.ContentPath, filepath.Join(dir, "compute"))
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if res.Content.Output.Points == 0 || res.Content.Output.Tiles == 0 {
		t.Fatalf("empty compute output %+v", res.Content.Output)
	}
	for _, name := range []string{DSMFile, QuicklookFile, manifest.ComputeFile} {
		if _, err := os.Stat(filepath.Join(dir, "compute", name)); err != nil {
			t.Fatalf("missing %s: %v", name, err)
		}
		if _, err := os.Stat(filepath.Join(dir, "published", "compute", name)); err != nil {
			t.Fatalf("%s not published: %v", name, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, "published", "prepare", manifest.ContentFile)); err != nil {
		t.Fatalf("prepare outputs not published: %v", err)
	}
}

func TestComputeRejectsIncompleteContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, manifest.ContentFile)
	c := &manifest.Content{Input: manifest.Input{Img1: "a", Img2: "b", Model1: "c", Model2: "d"}}
	if err := c.Write(path); err != nil {
		t.Fatalf("write: %v", err)
	}
	d := testDriver(t, testConfig())
	if _, err := d.Compute(context.Background(), path, filepath.Join(dir, "out")); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
	if run := lastRun(t, d); run.Status != RunFailed {
		t.Fatalf("status %q", run.Status)
	}
}

func TestBadOrchestratorConfigFailsBeforeAnyWork(t *testing.T) {
	cases := map[string]func(*config.Orchestrator){
		"unknown mode":     func(o *config.Orchestrator) { o.Mode = "slurm" },
		"bad walltime":     func(o *config.Orchestrator) { o.Walltime = "soon" },
		"bad poll timeout": func(o *config.Orchestrator) { o.Mode, o.Cluster.PollTimeout = "cluster", "often" },
	}
	for name, mutate := range cases {
		cfg := testConfig()
		mutate(&cfg.Orchestrator)
		d := testDriver(t, cfg)
		out := filepath.Join(t.TempDir(), "out")

		if _, err := d.Prepare(context.Background(), writeScene(t, synth.Default()), out); !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("%s: prepare should fail with a configuration error, got %v", name, err)
		}
		if _, err := d.Compute(context.Background(), filepath.Join(t.TempDir(), manifest.ContentFile), out); !errors.Is(err, errs.ErrConfiguration) {
			t.Fatalf("%s: compute should fail with a configuration error, got %v", name, err)
		}
		if _, err := os.Stat(out); !os.IsNotExist(err) {
			t.Fatalf("%s: output directory created before the configuration was checked", name)
		}
		if runs, err := d.Store.RecentRuns(1); err != nil || len(runs) != 0 {
			t.Fatalf("%s: no run should be recorded, got %v %v", name, runs, err)
		}
	}
}

func TestPrepareStopsWhenRangeEstimationLacksMatches(t *testing.T) {
	cfg := testConfig()
	cfg.Prepare.DisparityOutliersRejectionPercent = 100
	cfg.Orchestrator.Mode = "sequential"
	d := testDriver(t, cfg)
	out := filepath.Join(t.TempDir(), "out")

	res, err := d.Prepare(context.Background(), writeScene(t, synth.Default()), out)
	if err != nil {
		t.Fatalf("a lack of matches is not a failure: %v", err)
	}
	if !strings.Contains(res.Stopped, errs.ErrInsufficientMatches.Error()) || res.ContentPath != "" {
		t.Fatalf("expected a stopped run, got %+v", res)
	}
	if _, err := os.Stat(filepath.Join(out, manifest.ContentFile)); !os.IsNotExist(err) {
		t.Fatalf("content written on a stopped run")
	}
	if run := lastRun(t, d); run.Status != RunStopped {
		t.Fatalf("status %q", run.Status)
	}
}

func TestResidualFilterWithoutSpreadKeepsMatches(t *testing.T) {
	cfg := testConfig()
	dir := t.TempDir()
	p := &prepare{
		cfg:   cfg,
		r:     &run{log: slog.New(slog.NewTextHandler(io.Discard, nil)), outDir: dir},
		grids: &geometry.EpipolarGrids{Frame: geometry.Frame{DispToAlt: 2}},
	}
	ms := make(matching.Matches, 200)
	for i := range ms {
		y := float64(i % 17)
		ms[i] = matching.Match{LeftX: float64(i), LeftY: y, RightX: float64(i) + float64(i%9) - 4, RightY: y}
	}
	kept, err := p.disparityRange(ms)
	if err != nil {
		t.Fatalf("range: %v", err)
	}
	if len(kept) != len(ms) {
		t.Fatalf("kept %d of %d matches with identical residuals", len(kept), len(ms))
	}
	if p.out.MinimumDisparity >= p.out.MaximumDisparity {
		t.Fatalf("empty range [%g, %g]", p.out.MinimumDisparity, p.out.MaximumDisparity)
	}
	if _, err := os.Stat(filepath.Join(dir, MatchesFile)); err != nil {
		t.Fatalf("matches not written: %v", err)
	}
}

func TestDenseOverlapsCoverBothImages(t *testing.T) {
	content := &manifest.Content{}
	out := &content.Preprocessing.Output
	out.LeftEpipolarGrid, out.RightEpipolarGrid = "left.npy", "right.npy"
	out.EpipolarSizeX, out.EpipolarSizeY = 150, 90
	out.MinimumDisparity, out.MaximumDisparity = -6, 11

	params := dense.ParamsFromConfig(config.Default().Dense)
	tasks, ds, err := denseTasks(content, params, 64)
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if rows, cols := ds.Shape(); len(tasks) != rows*cols || rows != 2 || cols != 3 {
		t.Fatalf("%d tasks for a %dx%d dataset", len(tasks), rows, cols)
	}
	lm, rm := params.Correlator().RequiredMargins(disparity.Range{Min: -6, Max: 11})
	want := tiling.Union(lm, rm)
	for _, row := range ds.Overlaps {
		for _, m := range row {
			if m != want {
				t.Fatalf("overlap %+v, want %+v", m, want)
			}
		}
	}
}

func TestSkippedAlignmentIsAWarning(t *testing.T) {
	cfg := testConfig()
	cfg.LowRes.MinSizeX, cfg.LowRes.MinSizeY = 1<<20, 1<<20
	d := testDriver(t, cfg)
	var buf bytes.Buffer
	d.Log = slog.New(slog.NewJSONHandler(&buf, nil))

	res, err := d.Prepare(context.Background(), writeScene(t, synth.Default()), filepath.Join(t.TempDir(), "out"))
	if err != nil || res.ContentPath == "" {
		t.Fatalf("prepare: %v %+v", err, res)
	}
	if res.Content.Preprocessing.Output.CorrectedLowResDSM != "" {
		t.Fatalf("alignment ran on an undersized grid")
	}
	found := false
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		var rec struct {
			Level string `json:"level"`
			Msg   string `json:"msg"`
		}
		if json.Unmarshal(line, &rec) != nil || rec.Msg != "low resolution DSM alignment skipped" {
			continue
		}
		if rec.Level != slog.LevelWarn.String() {
			t.Fatalf("skip logged at %s", rec.Level)
		}
		found = true
	}
	if !found {
		t.Fatalf("skip not logged")
	}
}

func TestCheckInputsRejectsMissingImage(t *testing.T) {
	cfg := testConfig()
	cfg.Prepare.CheckInputs = true
	d := testDriver(t, cfg)
	input := writeScene(t, synth.Default())
	if err := os.Remove(filepath.Join(filepath.Dir(input), "right.npy")); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := d.Prepare(context.Background(), input, filepath.Join(t.TempDir(), "out")); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}
