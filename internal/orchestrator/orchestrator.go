package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"
	"time"

	"stereodsm/internal/errs"
	"stereodsm/internal/logging"
	"stereodsm/internal/storage"

	"github.com/google/uuid"
)

// State is the lifecycle stage of an Orchestrator.
type State int

const (
	Created State = iota
	Running
	Draining
	Stopped
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case Running:
		return "running"
	case Draining:
		return "draining"
	case Stopped:
		return "stopped"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Recorder persists task bookkeeping. *storage.Store satisfies it.
type Recorder interface {
	RecordTaskQueued(rec storage.TaskRecord) error
	RecordTaskStart(handle string) error
	RecordTaskResult(handle string, status string, duration time.Duration, errMsg string) error
}

// Options carries the optional collaborators of an Orchestrator.
type Options struct {
	RunID    string
	Recorder Recorder
	Bus      *Bus // shared event bus; a private one is created when nil
}

// Orchestrator submits tasks to a backend and collects their results as
// they complete. Each submitted task yields at most one result.
type Orchestrator struct {
	backend Backend
	reg     *Registry
	log     *slog.Logger
	rec     Recorder
	runID   string
	bus     *Bus
	ownBus  bool

	mu        sync.Mutex
	state     State
	inflight  map[Handle]Job
	finishing map[Handle]struct{} // in flight, result being recorded
	done      map[Handle]Result
	wake      chan struct{}

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New wires an orchestrator around backend. Tasks are executed with reg.
func New(backend Backend, reg *Registry, logger *slog.Logger, opts Options) *Orchestrator {
	o := &Orchestrator{
		backend:  backend,
		reg:      reg,
		log:      logger,
		rec:      opts.Recorder,
		runID:    opts.RunID,
		bus:      opts.Bus,
		inflight:  make(map[Handle]Job),
		finishing: make(map[Handle]struct{}),
		done:      make(map[Handle]Result),
		wake:      make(chan struct{}),
		stopCh:    make(chan struct{}),
	}
	if o.bus == nil {
		o.bus = NewBus(logger)
		o.ownBus = true
	}
	return o
}

// State returns the current lifecycle stage.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Backend returns the execution backend.
func (o *Orchestrator) Backend() Backend { return o.backend }

// Start provisions the backend and begins dispatching completions.
func (o *Orchestrator) Start(ctx context.Context) error {
	err := ErrNotRunning
	o.startOnce.Do(func() {
		if err = o.backend.Start(ctx, o); err != nil {
			o.mu.Lock()
			o.state = Stopped
			o.mu.Unlock()
			return
		}
		o.mu.Lock()
		o.state = Running
		o.mu.Unlock()
		o.wg.Add(1)
		go o.dispatch()
		o.log.Info("orchestrator started", "backend", o.backend.Name(), "run_id", o.runID)
	})
	return err
}

// Submit hands one task to the backend.
func (o *Orchestrator) Submit(ctx context.Context, t Task) (Handle, error) {
	o.mu.Lock()
	if o.state != Running {
		st := o.state
		o.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrNotRunning, st)
	}
	h := Handle(uuid.NewString())
	j := Job{Handle: h, Task: t}
	o.inflight[h] = j
	o.mu.Unlock()

	if o.rec != nil {
		if err := o.rec.RecordTaskQueued(storage.TaskRecord{
			Handle:  string(h),
			RunID:   o.runID,
			Kind:    t.Kind,
			Index:   t.Index,
			Backend: o.backend.Name(),
		}); err != nil {
			o.log.Warn("failed to record queued task", "handle", h, "error", err)
		}
	}
	tasksSubmitted.WithLabelValues(t.Kind, o.backend.Name()).Inc()
	tasksInFlight.Inc()
	logging.LogTaskStart(o.log, t.Kind, string(h), t.Index, o.backend.Name())
	o.publish(j, StatusQueued, 0, nil)

	if err := o.backend.Submit(ctx, j); err != nil {
		o.mu.Lock()
		delete(o.inflight, h)
		o.mu.Unlock()
		tasksInFlight.Dec()
		return "", err
	}
	return h, nil
}

// SubmitMany submits tasks in order. On error it returns the handles
// accepted so far.
func (o *Orchestrator) SubmitMany(ctx context.Context, tasks []Task) ([]Handle, error) {
	handles := make([]Handle, 0, len(tasks))
	for _, t := range tasks {
		h, err := o.Submit(ctx, t)
		if err != nil {
			return handles, err
		}
		handles = append(handles, h)
	}
	return handles, nil
}

// Collect yields the results of handles in completion order. It blocks only
// while none of the remaining handles has completed. Cancellation of ctx or
// a Shutdown ends the sequence with a final result carrying the error and an
// empty handle.
func (o *Orchestrator) Collect(ctx context.Context, handles []Handle) iter.Seq2[Handle, Result] {
	return func(yield func(Handle, Result) bool) {
		pending := make(map[Handle]struct{}, len(handles))
		for _, h := range handles {
			pending[h] = struct{}{}
		}
		for len(pending) > 0 {
			var ready []Result
			o.mu.Lock()
			for h := range pending {
				if res, ok := o.done[h]; ok {
					ready = append(ready, res)
					delete(o.done, h)
					delete(pending, h)
				} else if _, ok := o.inflight[h]; !ok {
					ready = append(ready, Result{Handle: h, Err: errs.Invalid("unknown task handle %s", h)})
					delete(pending, h)
				}
			}
			wake := o.wake
			o.mu.Unlock()

			for _, res := range ready {
				if !yield(res.Handle, res) {
					return
				}
			}
			if len(ready) > 0 {
				continue
			}
			select {
			case <-wake:
			case <-ctx.Done():
				yield("", Result{Err: ctx.Err()})
				return
			case <-o.stopCh:
				yield("", Result{Err: ErrShutdown})
				return
			}
		}
	}
}

// Subscribe returns a channel of task events and an unsubscribe function.
func (o *Orchestrator) Subscribe() (<-chan Event, func()) {
	return o.bus.Subscribe()
}

// Shutdown releases the backend, discarding outstanding work. It is safe to
// call more than once.
func (o *Orchestrator) Shutdown() error {
	var err error
	o.stopOnce.Do(func() {
		o.mu.Lock()
		o.state = Draining
		outstanding := len(o.inflight)
		o.mu.Unlock()

		err = o.backend.Shutdown()
		close(o.stopCh)
		o.wg.Wait()

		o.mu.Lock()
		o.state = Stopped
		tasksInFlight.Sub(float64(len(o.inflight)))
		o.inflight = make(map[Handle]Job)
		o.finishing = make(map[Handle]struct{})
		o.mu.Unlock()
		if o.ownBus {
			o.bus.Close()
		}
		o.log.Info("orchestrator stopped", "backend", o.backend.Name(), "discarded", outstanding)
	})
	return err
}

// Run executes j in-process. Backends call it from their workers.
func (o *Orchestrator) Run(ctx context.Context, j Job) Result {
	o.Started(j)
	start := time.Now()
	payload, err := o.reg.Execute(ctx, j.Task)
	return Result{
		Handle:   j.Handle,
		Kind:     j.Task.Kind,
		Index:    j.Task.Index,
		Payload:  payload,
		Err:      err,
		Duration: time.Since(start),
	}
}

// Started records that j began executing.
func (o *Orchestrator) Started(j Job) {
	if o.rec != nil {
		if err := o.rec.RecordTaskStart(string(j.Handle)); err != nil {
			o.log.Warn("failed to record task start", "handle", j.Handle, "error", err)
		}
	}
	o.publish(j, StatusRunning, 0, nil)
}

func (o *Orchestrator) dispatch() {
	defer o.wg.Done()
	completions := o.backend.Completions()
	for {
		select {
		case res, ok := <-completions:
			if !ok {
				return
			}
			o.complete(res)
		case <-o.stopCh:
			return
		}
	}
}

// complete accepts the first result of an in-flight job and drops any other.
// The job stays in flight until its result is stored in done, so Collect
// never sees a handle in neither map.
func (o *Orchestrator) complete(res Result) {
	o.mu.Lock()
	j, ok := o.inflight[res.Handle]
	if _, busy := o.finishing[res.Handle]; busy {
		ok = false
	}
	if ok {
		o.finishing[res.Handle] = struct{}{}
	}
	o.mu.Unlock()
	if !ok {
		duplicateResults.Inc()
		o.log.Debug("duplicate completion dropped", "handle", res.Handle)
		return
	}
	tasksInFlight.Dec()

	res.Kind, res.Index = j.Task.Kind, j.Task.Index
	if res.Err != nil && !errors.Is(res.Err, errs.ErrBackendUnavailable) {
		var te *errs.TaskError
		if !errors.As(res.Err, &te) {
			res.Err = &errs.TaskError{Handle: string(res.Handle), Kind: res.Kind, Err: res.Err}
		}
	}

	status := StatusCompleted
	if res.Err != nil {
		status = StatusFailed
		logging.LogTaskError(o.log, res.Kind, string(res.Handle), res.Duration, res.Err)
	} else {
		logging.LogTaskComplete(o.log, res.Kind, string(res.Handle), res.Duration)
	}
	if o.rec != nil {
		if err := o.rec.RecordTaskResult(string(res.Handle), status, res.Duration, errString(res.Err)); err != nil {
			o.log.Warn("failed to record task result", "handle", res.Handle, "error", err)
		}
	}
	tasksFinished.WithLabelValues(res.Kind, status).Inc()
	taskDuration.WithLabelValues(res.Kind).Observe(res.Duration.Seconds())

	o.mu.Lock()
	delete(o.finishing, res.Handle)
	if _, ok := o.inflight[res.Handle]; ok {
		delete(o.inflight, res.Handle)
		o.done[res.Handle] = res
	}
	close(o.wake)
	o.wake = make(chan struct{})
	o.mu.Unlock()

	o.publish(j, status, res.Duration, res.Err)
}

func (o *Orchestrator) publish(j Job, status string, d time.Duration, err error) {
	o.bus.Publish(Event{
		RunID:      o.runID,
		Handle:     j.Handle,
		Kind:       j.Task.Kind,
		Index:      j.Task.Index,
		Status:     status,
		DurationMS: d.Milliseconds(),
		Error:      errString(err),
		Time:       time.Now(),
	})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
