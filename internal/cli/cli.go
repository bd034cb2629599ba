package cli

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"stereodsm/internal/config"
	"stereodsm/internal/orchestrator"
	"stereodsm/internal/pipeline"
	"stereodsm/internal/server"
	"stereodsm/internal/storage"
	"stereodsm/internal/watch"
)

type stepRunner interface {
	Prepare(ctx context.Context, inputPath, outDir string) (*pipeline.PrepareResult, error)
	Compute(ctx context.Context, contentPath, outDir string) (*pipeline.ComputeResult, error)
}

type driverFactory func(cfg *config.Config) stepRunner

type serverFunc func(ctx context.Context, addr string, store *storage.Store, bus *orchestrator.Bus, log *slog.Logger) error

type workerFunc func(ctx context.Context, addr string, log *slog.Logger) error

type watchFunc func(ctx context.Context, dir, outRoot string, runner watch.Preparer, opts watch.Options, log *slog.Logger) error

func defaultServe(ctx context.Context, addr string, store *storage.Store, bus *orchestrator.Bus, log *slog.Logger) error {
	return server.New(addr, store, bus, log).Start(ctx)
}

func defaultWorker(ctx context.Context, addr string, log *slog.Logger) error {
	return orchestrator.RunWorker(ctx, addr, pipeline.NewRegistry(), log)
}

func defaultWatch(ctx context.Context, dir, outRoot string, runner watch.Preparer, opts watch.Options, log *slog.Logger) error {
	w, err := watch.New(dir, outRoot, runner, opts, log)
	if err != nil {
		return err
	}
	return w.Run(ctx)
}

// Root wires CLI commands to the pipeline driver.
type Root struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *storage.Store
	bus       *orchestrator.Bus
	newDriver driverFactory
	serveFn   serverFunc
	workerFn  workerFunc
	watchFn   watchFunc
}

// NewRoot constructs the CLI root. store and bus may be nil.
func NewRoot(cfg *config.Config, logger *slog.Logger, store *storage.Store, bus *orchestrator.Bus) *Root {
	r := &Root{
		cfg:      cfg,
		log:      logger,
		store:    store,
		bus:      bus,
		serveFn:  defaultServe,
		workerFn: defaultWorker,
		watchFn:  defaultWatch,
	}
	r.newDriver = func(c *config.Config) stepRunner {
		return pipeline.NewDriver(c, r.log, r.store, r.bus)
	}
	return r
}

// defaultOutDir places the outputs of input under the configured output root.
func (r *Root) defaultOutDir(input string) string {
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return filepath.Join(r.cfg.Paths.DefaultOutput, base)
}

func outDirArg(r *Root, args []string) string {
	if len(args) > 1 {
		return args[1]
	}
	return r.defaultOutDir(args[0])
}

func (r *Root) cmdPrepare(ctx context.Context, cfg *config.Config, input, outDir string) error {
	start := time.Now()
	res, err := r.newDriver(cfg).Prepare(ctx, input, outDir)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	if res.Stopped != "" {
		fmt.Printf("Prepare stopped: %s\n", res.Stopped)
		fmt.Printf("Run: %s\n", res.RunID)
		return nil
	}
	out := res.Content.Preprocessing.Output
	fmt.Printf("Prepare completed in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Run: %s\n", res.RunID)
	fmt.Printf("Content: %s\n", res.ContentPath)
	fmt.Printf("Disparity range: [%.3f, %.3f]\n", out.MinimumDisparity, out.MaximumDisparity)
	if out.StatsAfter != nil {
		fmt.Printf("Epipolar error after correction: mean (%.3f, %.3f) rms %.3f\n", out.StatsAfter.Mean[0], out.StatsAfter.Mean[1], out.StatsAfter.RMS)
	}
	return nil
}

func (r *Root) cmdCompute(ctx context.Context, cfg *config.Config, contentPath, outDir string) error {
	start := time.Now()
	res, err := r.newDriver(cfg).Compute(ctx, contentPath, outDir)
	if err != nil {
		return fmt.Errorf("compute: %w", err)
	}
	fmt.Printf("Compute completed in %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("Run: %s\n", res.RunID)
	fmt.Printf("DSM: %s (%d points from %d tiles)\n",
		filepath.Join(filepath.Dir(res.ContentPath), res.Content.Output.DSM), res.Content.Output.Points, res.Content.Output.Tiles)
	return nil
}

func (r *Root) cmdServe(ctx context.Context, addr string) error {
	bus := r.bus
	if bus == nil {
		bus = orchestrator.NewBus(r.log)
	}
	return r.serveFn(ctx, addr, r.store, bus, r.log)
}

func (r *Root) cmdWorker(ctx context.Context, addr string) error {
	if addr == "" {
		return fmt.Errorf("worker requires a coordinator address")
	}
	return r.workerFn(ctx, addr, r.log)
}

func (r *Root) cmdWatch(ctx context.Context, dir, outRoot string, opts watch.Options) error {
	if outRoot == "" {
		outRoot = r.cfg.Paths.DefaultOutput
	}
	return r.watchFn(ctx, dir, outRoot, r.newDriver(r.cfg), opts, r.log)
}

func (r *Root) cmdRuns(runID string, limit int) error {
	if r.store == nil {
		return fmt.Errorf("no run database configured")
	}
	if runID != "" {
		recs, err := r.store.RunTasks(runID)
		if err != nil {
			return err
		}
		fmt.Printf("%-36s  %-16s  %5s  %-10s  %-10s  %8s\n", "HANDLE", "KIND", "INDEX", "BACKEND", "STATUS", "MS")
		for _, t := range recs {
			fmt.Printf("%-36s  %-16s  %5d  %-10s  %-10s  %8d\n", t.Handle, t.Kind, t.Index, t.Backend, t.Status, t.DurationMS)
		}
		return nil
	}
	recs, err := r.store.RecentRuns(limit)
	if err != nil {
		return err
	}
	fmt.Printf("%-36s  %-8s  %-10s  %-20s  %s\n", "ID", "COMMAND", "STATUS", "CREATED", "OUTPUT")
	for _, run := range recs {
		fmt.Printf("%-36s  %-8s  %-10s  %-20s  %s\n", run.ID, run.Command, run.Status, run.CreatedAt.Format("2006-01-02 15:04:05"), run.OutputPath)
	}
	return nil
}
