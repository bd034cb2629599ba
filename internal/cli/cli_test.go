package cli

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"stereodsm/internal/config"
	"stereodsm/internal/correction"
	"stereodsm/internal/manifest"
	"stereodsm/internal/orchestrator"
	"stereodsm/internal/pipeline"
	"stereodsm/internal/storage"
	"stereodsm/internal/watch"
)

type stubDriver struct {
	cfg      *config.Config
	prepared []string
	computed []string
	stopped  string
	err      error
}

func (d *stubDriver) Prepare(ctx context.Context, inputPath, outDir string) (*pipeline.PrepareResult, error) {
	d.prepared = append(d.prepared, inputPath, outDir)
	if d.err != nil {
		return nil, d.err
	}
	if d.stopped != "" {
		return &pipeline.PrepareResult{RunID: "run-1", Stopped: d.stopped}, nil
	}
	content := &manifest.Content{}
	content.Preprocessing.Output.MinimumDisparity = -2
	content.Preprocessing.Output.MaximumDisparity = 5
	content.Preprocessing.Output.StatsAfter = &correction.Stats{RMS: 0.1}
	return &pipeline.PrepareResult{RunID: "run-1", ContentPath: filepath.Join(outDir, "content.json"), Content: content}, nil
}

func (d *stubDriver) Compute(ctx context.Context, contentPath, outDir string) (*pipeline.ComputeResult, error) {
	d.computed = append(d.computed, contentPath, outDir)
	if d.err != nil {
		return nil, d.err
	}
	cc := &manifest.ComputeContent{Output: manifest.ComputeOutput{DSM: "dsm.npy", Points: 42, Tiles: 4}}
	return &pipeline.ComputeResult{RunID: "run-2", ContentPath: filepath.Join(outDir, manifest.ComputeFile), Content: cc}, nil
}

func newTestRoot(t *testing.T) (*Root, *stubDriver) {
	t.Helper()
	cfg := config.Default()
	cfg.Paths.DefaultOutput = t.TempDir()
	store, err := storage.New(filepath.Join(t.TempDir(), "runs.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	root := NewRoot(cfg, logger, store, orchestrator.NewBus(logger))
	stub := &stubDriver{}
	root.newDriver = func(c *config.Config) stepRunner {
		stub.cfg = c
		return stub
	}
	return root, stub
}

func execute(t *testing.T, root *Root, args ...string) (string, error) {
	t.Helper()
	var err error
	out := captureOutput(t, func() {
		cmd := NewRootCmd(root)
		cmd.SetArgs(args)
		cmd.SetOut(io.Discard)
		cmd.SetErr(io.Discard)
		err = cmd.ExecuteContext(context.Background())
	})
	return out, err
}

func TestPrepareFlagsOverrideConfig(t *testing.T) {
	root, stub := newTestRoot(t)
	out, err := execute(t, root, "prepare", "/data/pair.json", "/tmp/out",
		"--epipolar-step", "15", "--region-size", "250", "--disparity-margin", "0.1",
		"--epipolar-error-upper-bound", "20", "--epipolar-error-maximum-bias", "2",
		"--elevation-delta-lower-bound", "-50", "--elevation-delta-upper-bound", "500",
		"--mode", "sequential", "--nb-workers", "3", "--walltime", "2h", "--check-inputs")
	if err != nil {
		t.Fatalf("prepare: %v", err)
	}
	p := stub.cfg.Prepare
	if p.EpipolarStep != 15 || p.RegionSize != 250 || p.DisparityMargin != 0.1 || p.EpipolarErrorUpperBound != 20 ||
		p.EpipolarErrorMaximumBias != 2 || p.ElevationDeltaLowerBound != -50 || p.ElevationDeltaUpperBound != 500 || !p.CheckInputs {
		t.Fatalf("flags not applied: %+v", p)
	}
	o := stub.cfg.Orchestrator
	if o.Mode != "sequential" || o.Workers != 3 || o.Walltime != "2h" {
		t.Fatalf("orchestrator flags not applied: %+v", o)
	}
	if root.cfg.Prepare.EpipolarStep != config.Default().Prepare.EpipolarStep {
		t.Fatalf("flags leaked into the shared configuration")
	}
	if stub.prepared[0] != "/data/pair.json" || stub.prepared[1] != "/tmp/out" {
		t.Fatalf("unexpected paths %v", stub.prepared)
	}
	if !strings.Contains(out, "Disparity range: [-2.000, 5.000]") {
		t.Fatalf("missing summary in %q", out)
	}
}

func TestPrepareDefaultsOutputDirectory(t *testing.T) {
	root, stub := newTestRoot(t)
	if _, err := execute(t, root, "prepare", "/data/pair.json"); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	if want := filepath.Join(root.cfg.Paths.DefaultOutput, "pair"); stub.prepared[1] != want {
		t.Fatalf("output %s, want %s", stub.prepared[1], want)
	}
}

func TestPrepareStopIsNotAnError(t *testing.T) {
	root, stub := newTestRoot(t)
	stub.stopped = "insufficient amount of matches found"
	out, err := execute(t, root, "prepare", "/data/pair.json")
	if err != nil {
		t.Fatalf("a stopped prepare must succeed: %v", err)
	}
	if !strings.Contains(out, "Prepare stopped") {
		t.Fatalf("stop not reported: %q", out)
	}
}

func TestPrepareFailurePropagates(t *testing.T) {
	root, stub := newTestRoot(t)
	stub.err = errors.New("boom")
	if _, err := execute(t, root, "prepare", "/data/pair.json"); err == nil || !errors.Is(err, stub.err) {
		t.Fatalf("expected the driver error, got %v", err)
	}
	if _, err := execute(t, root, "prepare"); err == nil {
		t.Fatalf("expected an argument error")
	}
}

func TestComputeCommand(t *testing.T) {
	root, stub := newTestRoot(t)
	out, err := execute(t, root, "compute", "/runs/a/content.json", "/runs/a-dsm", "--tile-size", "128", "--mode", "local")
	if err != nil {
		t.Fatalf("compute: %v", err)
	}
	if stub.cfg.Dense.TileSize != 128 || stub.cfg.Orchestrator.Mode != "local" {
		t.Fatalf("flags not applied: %+v %+v", stub.cfg.Dense, stub.cfg.Orchestrator)
	}
	if !strings.Contains(out, "42 points from 4 tiles") {
		t.Fatalf("missing summary in %q", out)
	}
}

func TestServeWorkerAndWatchUseInjectedFunctions(t *testing.T) {
	root, _ := newTestRoot(t)
	var served, worked, watched string
	root.serveFn = func(ctx context.Context, addr string, store *storage.Store, bus *orchestrator.Bus, log *slog.Logger) error {
		if bus == nil || store == nil {
			t.Fatalf("server needs the store and the bus")
		}
		served = addr
		return nil
	}
	root.workerFn = func(ctx context.Context, addr string, log *slog.Logger) error {
		worked = addr
		return nil
	}
	root.watchFn = func(ctx context.Context, dir, outRoot string, runner watch.Preparer, opts watch.Options, log *slog.Logger) error {
		if !opts.Existing || runner == nil {
			t.Fatalf("unexpected watch options %+v", opts)
		}
		watched = dir + "->" + outRoot
		return nil
	}
	if _, err := execute(t, root, "serve", "--addr", ":9999"); err != nil || served != ":9999" {
		t.Fatalf("serve: %v %q", err, served)
	}
	if _, err := execute(t, root, "worker", "--coordinator", "10.0.0.1:7777"); err != nil || worked != "10.0.0.1:7777" {
		t.Fatalf("worker: %v %q", err, worked)
	}
	if _, err := execute(t, root, "watch", "/drop", "-o", "/out", "--existing"); err != nil || watched != "/drop->/out" {
		t.Fatalf("watch: %v %q", err, watched)
	}
}

func TestRunsCommand(t *testing.T) {
	root, _ := newTestRoot(t)
	if err := root.store.RecordRunStart(storage.RunRecord{ID: "run-9", Command: "prepare", OutputPath: "/out/pair"}); err != nil {
		t.Fatalf("record: %v", err)
	}
	if err := root.store.RecordTaskQueued(storage.TaskRecord{Handle: "h-1", RunID: "run-9", Kind: "sparse_matching", Backend: "local"}); err != nil {
		t.Fatalf("record task: %v", err)
	}
	out, err := execute(t, root, "runs")
	if err != nil || !strings.Contains(out, "run-9") || !strings.Contains(out, "/out/pair") {
		t.Fatalf("runs: %v %q", err, out)
	}
	out, err = execute(t, root, "runs", "run-9")
	if err != nil || !strings.Contains(out, "h-1") || !strings.Contains(out, "sparse_matching") {
		t.Fatalf("run tasks: %v %q", err, out)
	}
}

func TestConfigAndVersionCommands(t *testing.T) {
	root, _ := newTestRoot(t)
	out, err := execute(t, root, "config", "show")
	if err != nil || !strings.Contains(out, "Current configuration") || !strings.Contains(out, `"epipolar_step": 30`) {
		t.Fatalf("config show: %v %q", err, out)
	}
	out, err = execute(t, root, "version")
	if err != nil || !strings.Contains(out, "stereodsm "+pipeline.Version) {
		t.Fatalf("version: %v %q", err, out)
	}
}

func captureOutput(t *testing.T, fn func()) string {
	t.Helper()
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	done := make(chan string)
	go func() {
		var buf bytes.Buffer
		_, _ = io.Copy(&buf, r)
		done <- buf.String()
	}()

	fn()

	_ = w.Close()
	os.Stdout = oldStdout
	return <-done
}
