// Package pipeline drives the prepare and compute steps of a DSM run. Units
// of work are handed to an orchestrator; everything else runs in the driver.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"stereodsm/internal/config"
	"stereodsm/internal/dense"
	"stereodsm/internal/logging"
	"stereodsm/internal/matching"
	"stereodsm/internal/orchestrator"
	"stereodsm/internal/publish"
	"stereodsm/internal/storage"

	"github.com/google/uuid"
)

// Version is recorded in every content document.
var Version = "dev"

// Run statuses stored for each run.
const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunStopped   = "stopped"
	RunFailed    = "failed"
)

// BackendFactory builds the execution backend of a run.
type BackendFactory func(cfg config.Orchestrator, logger *slog.Logger) (orchestrator.Backend, error)

// Driver runs pipeline steps with one configuration.
type Driver struct {
	Config     *config.Config
	Log        *slog.Logger
	Store      *storage.Store
	Bus        *orchestrator.Bus
	Registry   *orchestrator.Registry
	NewBackend BackendFactory
}

// NewDriver returns a driver executing tasks with the standard registry.
func NewDriver(cfg *config.Config, logger *slog.Logger, store *storage.Store, bus *orchestrator.Bus) *Driver {
	return &Driver{
		Config:     cfg,
		Log:        logger,
		Store:      store,
		Bus:        bus,
		Registry:   NewRegistry(),
		NewBackend: orchestrator.NewBackend,
	}
}

// NewRegistry registers every unit of work the pipeline submits. Workers of
// the cluster backend serve the same registry.
func NewRegistry() *orchestrator.Registry {
	reg := orchestrator.NewRegistry()
	reg.Register(matching.TaskKind, orchestrator.Typed(matching.ExecuteSparse))
	reg.Register(dense.TaskKind, orchestrator.Typed(dense.Execute))
	return reg
}

// run is the bookkeeping shared by both steps.
type run struct {
	id     string
	log    *slog.Logger
	closer io.Closer
	outDir string
}

func (d *Driver) beginRun(command, input, outDir string, params any) (*run, error) {
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	r := &run{id: uuid.NewString(), log: d.Log, closer: nopCloser{}, outDir: outDir}
	if d.Config.Logging.FileOutput {
		logger, closer, err := logging.Setup(&d.Config.Logging, outDir)
		if err != nil {
			return nil, err
		}
		r.log, r.closer = logger, closer
	}
	r.log = r.log.With("run_id", r.id)

	paramsJSON, _ := json.Marshal(params)
	if err := d.Store.RecordRunStart(storage.RunRecord{
		ID:         r.id,
		Command:    command,
		Status:     RunRunning,
		InputPath:  input,
		OutputPath: outDir,
		ParamsJSON: string(paramsJSON),
	}); err != nil {
		r.log.Warn("failed to record run start", "error", err)
	}
	logging.LogSystemInfo(r.log)
	return r, nil
}

func (d *Driver) endRun(r *run, status string, meta map[string]any, err error) {
	if err := d.Store.RecordRunEnd(r.id, status, meta, errString(err)); err != nil {
		r.log.Warn("failed to record run end", "error", err)
	}
	if err != nil {
		r.log.Error("run failed", "error", err)
	} else {
		r.log.Info("run finished", "status", status)
	}
	_ = r.closer.Close()
}

func (r *run) step(name string, details map[string]any) {
	logging.LogStep(r.log, r.id, name, "done", details)
}

// orchestrate starts an orchestrator on the configured backend.
func (d *Driver) orchestrate(ctx context.Context, r *run) (*orchestrator.Orchestrator, error) {
	factory := d.NewBackend
	if factory == nil {
		factory = orchestrator.NewBackend
	}
	backend, err := factory(d.Config.Orchestrator, r.log)
	if err != nil {
		return nil, err
	}
	reg := d.Registry
	if reg == nil {
		reg = NewRegistry()
	}
	o := orchestrator.New(backend, reg, r.log, orchestrator.Options{RunID: r.id, Recorder: d.Store, Bus: d.Bus})
	if err := o.Start(ctx); err != nil {
		o.Shutdown()
		return nil, err
	}
	r.log.Info("orchestrator started", "backend", backend.Name())
	return o, nil
}

// runTasks submits one task per input and returns the outputs indexed like
// the inputs, whatever the completion order. The first failure aborts the batch.
func runTasks[In, Out any](ctx context.Context, o *orchestrator.Orchestrator, kind string, inputs []In) ([]Out, error) {
	tasks := make([]orchestrator.Task, len(inputs))
	for i, in := range inputs {
		t, err := orchestrator.NewTask(kind, i, in)
		if err != nil {
			return nil, err
		}
		tasks[i] = t
	}
	handles, err := o.SubmitMany(ctx, tasks)
	if err != nil {
		return nil, err
	}
	out := make([]Out, len(inputs))
	got := make([]bool, len(inputs))
	n := 0
	for _, res := range o.Collect(ctx, handles) {
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Index < 0 || res.Index >= len(inputs) || got[res.Index] {
			return nil, fmt.Errorf("unexpected result index %d for %s", res.Index, kind)
		}
		v, err := orchestrator.Decode[Out](res)
		if err != nil {
			return nil, err
		}
		out[res.Index], got[res.Index] = v, true
		n++
	}
	if n != len(inputs) {
		return nil, fmt.Errorf("%s: collected %d results for %d tasks", kind, n, len(inputs))
	}
	return out, nil
}

// publishOutputs copies outDir to the configured publish target, under a
// prefix named after the output directory.
func (d *Driver) publishOutputs(ctx context.Context, r *run) error {
	pc := d.Config.Publish
	if pc.Target == "" {
		return nil
	}
	target, err := publish.ParseTarget(pc.Target)
	if err != nil {
		return err
	}
	target.Prefix = path.Join(target.Prefix, filepath.Base(r.outDir))
	store, err := publish.Open(pc, target)
	if err != nil {
		return fmt.Errorf("open publish target: %w", err)
	}
	start := time.Now()
	keys, err := publish.PublishDir(ctx, store, target, r.outDir)
	if err != nil {
		return err
	}
	r.log.Info("outputs published", "target", target.String(), "objects", len(keys), "duration_ms", time.Since(start).Milliseconds())
	return nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

func statusOf(err error) string {
	switch {
	case err == nil:
		return RunCompleted
	case errors.Is(err, context.Canceled):
		return "cancelled"
	default:
		return RunFailed
	}
}
