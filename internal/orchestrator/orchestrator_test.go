package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"stereodsm/internal/config"
	"stereodsm/internal/errs"
	"stereodsm/internal/storage"
)

type square struct {
	N int `json:"n"`
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testRegistry() *Registry {
	reg := NewRegistry()
	reg.Register("square", Typed(func(ctx context.Context, in square) (int, error) {
		return in.N * in.N, nil
	}))
	reg.Register("fail", Typed(func(ctx context.Context, in square) (int, error) {
		return 0, fmt.Errorf("bad input %d", in.N)
	}))
	reg.Register("panic", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		panic("boom")
	})
	reg.Register("block", func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return reg
}

func tasks(t *testing.T, kind string, n int) []Task {
	t.Helper()
	out := make([]Task, n)
	for i := range out {
		task, err := NewTask(kind, i, square{N: i})
		if err != nil {
			t.Fatalf("task: %v", err)
		}
		out[i] = task
	}
	return out
}

func startOrchestrator(t *testing.T, b Backend, opts Options) *Orchestrator {
	t.Helper()
	o := New(b, testRegistry(), testLogger(), opts)
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() { o.Shutdown() })
	return o
}

func collectSquares(t *testing.T, o *Orchestrator, n int) map[int]int {
	t.Helper()
	ctx := context.Background()
	handles, err := o.SubmitMany(ctx, tasks(t, "square", n))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	out := make(map[int]int)
	for h, res := range o.Collect(ctx, handles) {
		if res.Err != nil {
			t.Fatalf("task %s failed: %v", h, res.Err)
		}
		if h != res.Handle {
			t.Fatalf("handle mismatch %s != %s", h, res.Handle)
		}
		v, err := Decode[int](res)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		if _, dup := out[res.Index]; dup {
			t.Fatalf("task %d yielded twice", res.Index)
		}
		out[res.Index] = v
	}
	return out
}

func TestSequentialAndPoolAgree(t *testing.T) {
	seq := collectSquares(t, startOrchestrator(t, NewSequential(), Options{}), 25)
	pool := collectSquares(t, startOrchestrator(t, NewLocalPool(4, 0, testLogger()), Options{}), 25)
	if len(seq) != 25 || len(pool) != 25 {
		t.Fatalf("expected 25 results, got %d and %d", len(seq), len(pool))
	}
	for i := 0; i < 25; i++ {
		if seq[i] != i*i || pool[i] != i*i {
			t.Fatalf("task %d: sequential %d pool %d", i, seq[i], pool[i])
		}
	}
}

func TestFailuresAreReportedPerTask(t *testing.T) {
	o := startOrchestrator(t, NewLocalPool(2, 0, testLogger()), Options{})
	ctx := context.Background()
	all := append(tasks(t, "square", 2), tasks(t, "fail", 1)...)
	all = append(all, Task{Kind: "panic", Index: 7}, Task{Kind: "unknown", Index: 8})
	handles, err := o.SubmitMany(ctx, all)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	failed := map[string]error{}
	ok := 0
	for h, res := range o.Collect(ctx, handles) {
		if res.Err == nil {
			ok++
			continue
		}
		var te *errs.TaskError
		if !errors.As(res.Err, &te) || te.Handle != string(h) {
			t.Fatalf("expected task error for %s, got %v", h, res.Err)
		}
		failed[res.Kind] = res.Err
	}
	if ok != 2 || len(failed) != 3 {
		t.Fatalf("expected 2 successes and 3 failures, got %d and %v", ok, failed)
	}
	if !errors.Is(failed["unknown"], errs.ErrConfiguration) || !errors.Is(failed["unknown"], errs.ErrTaskFailure) {
		t.Fatalf("unknown kind should be a configuration task failure: %v", failed["unknown"])
	}
}

func TestLifecycle(t *testing.T) {
	o := New(NewSequential(), testRegistry(), testLogger(), Options{})
	if _, err := o.Submit(context.Background(), Task{Kind: "square"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit before start: %v", err)
	}
	if err := o.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if o.State() != Running {
		t.Fatalf("state %s", o.State())
	}
	if err := o.Shutdown(); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if err := o.Shutdown(); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
	if o.State() != Stopped {
		t.Fatalf("state %s", o.State())
	}
	if _, err := o.Submit(context.Background(), Task{Kind: "square"}); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("submit after shutdown: %v", err)
	}
}

func TestCollectEndsOnCancellation(t *testing.T) {
	o := startOrchestrator(t, NewLocalPool(1, 0, testLogger()), Options{})
	h, err := o.Submit(context.Background(), Task{Kind: "block"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	var got []Result
	for _, res := range o.Collect(ctx, []Handle{h}) {
		got = append(got, res)
	}
	if len(got) != 1 || got[0].Handle != "" || !errors.Is(got[0].Err, context.DeadlineExceeded) {
		t.Fatalf("unexpected results %+v", got)
	}
}

func TestCollectUnknownHandle(t *testing.T) {
	o := startOrchestrator(t, NewSequential(), Options{})
	for h, res := range o.Collect(context.Background(), []Handle{"nope"}) {
		if h != "nope" || !errors.Is(res.Err, errs.ErrInvalidArgument) {
			t.Fatalf("unexpected %s %v", h, res.Err)
		}
	}
}

func TestDuplicateCompletionDropped(t *testing.T) {
	o := New(NewSequential(), testRegistry(), testLogger(), Options{})
	events, unsub := o.Subscribe()
	defer unsub()
	j := Job{Handle: "h1", Task: Task{Kind: "square", Index: 3}}
	o.inflight[j.Handle] = j
	o.complete(Result{Handle: "h1", Payload: json.RawMessage("9")})
	o.complete(Result{Handle: "h1", Payload: json.RawMessage("10")})
	if len(o.done) != 1 || string(o.done["h1"].Payload) != "9" {
		t.Fatalf("expected first result kept, got %+v", o.done)
	}
	if o.done["h1"].Index != 3 || o.done["h1"].Kind != "square" {
		t.Fatalf("result not attributed to its task: %+v", o.done["h1"])
	}
	if n := len(events); n != 1 {
		t.Fatalf("expected a single completion event, got %d", n)
	}
}

func TestEventsFollowTaskLifecycle(t *testing.T) {
	bus := NewBus(testLogger())
	events, unsub := bus.Subscribe()
	defer unsub()
	o := startOrchestrator(t, NewSequential(), Options{RunID: "run-7", Bus: bus})
	collectSquares(t, o, 2)

	byHandle := map[Handle][]string{}
	timeout := time.After(2 * time.Second)
	for n := 0; n < 6; n++ {
		select {
		case ev := <-events:
			if ev.RunID != "run-7" {
				t.Fatalf("event lost run id: %+v", ev)
			}
			byHandle[ev.Handle] = append(byHandle[ev.Handle], ev.Status)
		case <-timeout:
			t.Fatalf("only got %v", byHandle)
		}
	}
	if len(byHandle) != 2 {
		t.Fatalf("expected events for 2 tasks, got %v", byHandle)
	}
	want := []string{StatusQueued, StatusRunning, StatusCompleted}
	for h, statuses := range byHandle {
		if len(statuses) != len(want) {
			t.Fatalf("task %s statuses %v", h, statuses)
		}
		for i := range want {
			if statuses[i] != want[i] {
				t.Fatalf("task %s statuses %v", h, statuses)
			}
		}
	}
}

func TestRecorderTracksTasks(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()
	o := startOrchestrator(t, NewSequential(), Options{RunID: "run-1", Recorder: store})
	ctx := context.Background()
	handles, err := o.SubmitMany(ctx, append(tasks(t, "square", 2), tasks(t, "fail", 1)...))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	for range o.Collect(ctx, handles) {
	}
	recs, err := store.RunTasks("run-1")
	if err != nil {
		t.Fatalf("tasks: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("expected 3 records, got %d", len(recs))
	}
	statuses := map[string]int{}
	for _, r := range recs {
		statuses[r.Status]++
		if r.Backend != "sequential" || r.StartedAt == nil {
			t.Fatalf("unexpected record %+v", r)
		}
	}
	if statuses[StatusCompleted] != 2 || statuses[StatusFailed] != 1 {
		t.Fatalf("statuses %v", statuses)
	}
}

func TestNewBackend(t *testing.T) {
	logger := testLogger()
	b, err := NewBackend(config.Orchestrator{Mode: "sequential"}, logger)
	if err != nil || b.Name() != "sequential" {
		t.Fatalf("sequential: %v %v", b, err)
	}
	b, err = NewBackend(config.Orchestrator{Mode: "local", Workers: 3}, logger)
	if err != nil {
		t.Fatalf("local: %v", err)
	}
	if pool, ok := b.(*LocalPool); !ok || pool.Size() != 3 {
		t.Fatalf("expected a pool of 3, got %v", b)
	}
	b, err = NewBackend(config.Orchestrator{Mode: "cluster", Walltime: "1h"}, logger)
	if err != nil || b.Name() != "cluster" {
		t.Fatalf("cluster: %v %v", b, err)
	}
	if _, err := NewBackend(config.Orchestrator{Mode: "cluster", Walltime: "soon"}, logger); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("bad walltime: %v", err)
	}
	if _, err := NewBackend(config.Orchestrator{Mode: "slurm"}, logger); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("unknown mode: %v", err)
	}
	if err := Validate(config.Orchestrator{Mode: "local", Walltime: "soon"}); !errors.Is(err, errs.ErrConfiguration) {
		t.Fatalf("walltime is checked in every mode: %v", err)
	}
	if err := Validate(config.Orchestrator{Mode: "cluster", Walltime: "2h", Cluster: config.Cluster{HeartbeatTimeout: "10s"}}); err != nil {
		t.Fatalf("valid cluster config rejected: %v", err)
	}
	if DefaultPoolSize(1) < 1 {
		t.Fatalf("pool size must be positive")
	}
}

type slowRecorder struct {
	delay time.Duration
}

func (slowRecorder) RecordTaskQueued(storage.TaskRecord) error { return nil }
func (slowRecorder) RecordTaskStart(string) error              { return nil }

func (r slowRecorder) RecordTaskResult(string, string, time.Duration, string) error {
	time.Sleep(r.delay)
	return nil
}

func TestSlowRecorderDoesNotLoseResults(t *testing.T) {
	o := startOrchestrator(t, NewLocalPool(4, 16, testLogger()), Options{Recorder: slowRecorder{delay: 20 * time.Millisecond}})
	got := collectSquares(t, o, 8)
	if len(got) != 8 {
		t.Fatalf("expected 8 results, got %d", len(got))
	}
	for i := 0; i < 8; i++ {
		if got[i] != i*i {
			t.Fatalf("task %d = %d", i, got[i])
		}
	}
}
