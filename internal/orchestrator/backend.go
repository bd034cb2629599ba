package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"
	"time"

	"stereodsm/internal/config"
	"stereodsm/internal/errs"

	"github.com/klauspost/cpuid"
	"github.com/pbnjay/memory"
)

var (
	// ErrNotRunning rejects submissions outside the running state.
	ErrNotRunning = errors.New("orchestrator is not running")
	// ErrShutdown ends a collection interrupted by Shutdown.
	ErrShutdown = errors.New("orchestrator shut down")
)

// Executor runs jobs on behalf of a backend.
type Executor interface {
	// Run executes j in-process.
	Run(ctx context.Context, j Job) Result
	// Started notes that a remote worker picked j up.
	Started(j Job)
}

// Backend is an execution strategy. Completions delivers exactly one result
// per accepted job unless the backend is shut down first.
type Backend interface {
	Name() string
	Start(ctx context.Context, exec Executor) error
	Submit(ctx context.Context, j Job) error
	Completions() <-chan Result
	Shutdown() error
}

// Validate reports configuration errors NewBackend would hit, without
// building anything.
func Validate(cfg config.Orchestrator) error {
	if cfg.Walltime != "" {
		if _, err := time.ParseDuration(cfg.Walltime); err != nil {
			return fmt.Errorf("%w: walltime: %v", errs.ErrConfiguration, err)
		}
	}
	switch strings.ToLower(cfg.Mode) {
	case "sequential", "local", "":
		return nil
	case "cluster":
		_, err := clusterOptions(cfg)
		return err
	default:
		return fmt.Errorf("%w: unknown orchestrator mode %q", errs.ErrConfiguration, cfg.Mode)
	}
}

// NewBackend builds the backend selected by cfg.Mode.
func NewBackend(cfg config.Orchestrator, logger *slog.Logger) (Backend, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	switch strings.ToLower(cfg.Mode) {
	case "sequential":
		return NewSequential(), nil
	case "local", "":
		size := cfg.Workers
		if size <= 0 {
			size = DefaultPoolSize(cfg.MaxRAMPerWorkerMB)
		}
		return NewLocalPool(size, cfg.QueueSize, logger), nil
	case "cluster":
		opts, err := clusterOptions(cfg)
		if err != nil {
			return nil, err
		}
		return NewCluster(opts, logger), nil
	}
	return nil, fmt.Errorf("%w: unknown orchestrator mode %q", errs.ErrConfiguration, cfg.Mode)
}

func clusterOptions(cfg config.Orchestrator) (ClusterOptions, error) {
	opts := ClusterOptions{
		Listen:        cfg.Cluster.Listen,
		Workers:       cfg.Workers,
		LaunchCommand: cfg.Cluster.LaunchCommand,
	}
	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"walltime", cfg.Walltime, &opts.Walltime},
		{"provision_timeout", cfg.Cluster.ProvisionTimeout, &opts.ProvisionTimeout},
		{"poll_timeout", cfg.Cluster.PollTimeout, &opts.PollTimeout},
		{"heartbeat_timeout", cfg.Cluster.HeartbeatTimeout, &opts.HeartbeatTimeout},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return opts, fmt.Errorf("%w: %s: %v", errs.ErrConfiguration, d.name, err)
		}
		*d.dst = v
	}
	return opts, nil
}

// DefaultPoolSize bounds the local pool by physical cores and by how many
// workers of ramPerWorkerMB fit in the host memory.
func DefaultPoolSize(ramPerWorkerMB int) int {
	size := cpuid.CPU.PhysicalCores
	if size < 1 {
		size = runtime.NumCPU()
	}
	if ramPerWorkerMB > 0 {
		byMemory := int(memory.TotalMemory() / (1024 * 1024) / uint64(ramPerWorkerMB))
		if byMemory > 0 && byMemory < size {
			size = byMemory
		}
	}
	return max(size, 1)
}
