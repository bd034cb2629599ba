package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Sequential runs every job synchronously inside Submit.
type Sequential struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	exec    Executor
	results chan Result
}

// NewSequential returns the in-process backend.
func NewSequential() *Sequential {
	return &Sequential{results: make(chan Result)}
}

func (s *Sequential) Name() string { return "sequential" }

func (s *Sequential) Start(ctx context.Context, exec Executor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.exec = exec
	return nil
}

func (s *Sequential) Submit(ctx context.Context, j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exec == nil || s.ctx.Err() != nil {
		return ErrNotRunning
	}
	res := s.exec.Run(s.ctx, j)
	select {
	case s.results <- res:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.ctx.Done():
		return ErrShutdown
	}
}

func (s *Sequential) Completions() <-chan Result { return s.results }

func (s *Sequential) Shutdown() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// LocalPool runs jobs on a bounded set of goroutines pulling from a shared queue.
type LocalPool struct {
	size      int
	log       *slog.Logger
	jobs      chan Job
	results   chan Result
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewLocalPool creates a pool of size workers with a queue of queueSize jobs.
func NewLocalPool(size, queueSize int, logger *slog.Logger) *LocalPool {
	if size < 1 {
		size = 1
	}
	if queueSize < size {
		queueSize = size * 2
	}
	return &LocalPool{
		size:    size,
		log:     logger,
		jobs:    make(chan Job, queueSize),
		results: make(chan Result, size),
		done:    make(chan struct{}),
	}
}

func (p *LocalPool) Name() string { return fmt.Sprintf("local[%d]", p.size) }

// Size returns the number of workers.
func (p *LocalPool) Size() int { return p.size }

func (p *LocalPool) Start(ctx context.Context, exec Executor) error {
	p.startOnce.Do(func() {
		ctx, p.cancel = context.WithCancel(ctx)
		for i := 0; i < p.size; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i, exec)
		}
		p.log.Debug("local pool started", "workers", p.size)
	})
	return nil
}

func (p *LocalPool) Submit(ctx context.Context, j Job) error {
	select {
	case <-p.done:
		return ErrShutdown
	default:
	}
	select {
	case p.jobs <- j:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrShutdown
	}
}

func (p *LocalPool) Completions() <-chan Result { return p.results }

// Shutdown cancels in-flight jobs, waits for the workers and closes Completions.
func (p *LocalPool) Shutdown() error {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.cancel != nil {
			p.cancel()
		}
		p.wg.Wait()
		close(p.results)
	})
	return nil
}

func (p *LocalPool) worker(ctx context.Context, id int, exec Executor) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-p.jobs:
			res := exec.Run(ctx, j)
			select {
			case p.results <- res:
			case <-ctx.Done():
				p.log.Debug("result discarded on shutdown", "worker", id, "handle", j.Handle)
				return
			}
		}
	}
}
